package spaces_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lumina-backend/domain/core/valueobjects"
	"lumina-backend/domain/events"
	"lumina-backend/domain/identity"
	"lumina-backend/infrastructure/persistence/memory"
	"lumina-backend/infrastructure/realtime/spaces"
	pkgerrors "lumina-backend/pkg/errors"
)

const board = "board-b1"

var (
	alice = identity.Identity{ID: "alice", Name: "Alice", Color: "#111111"}
	bob   = identity.Identity{ID: "bob", Name: "Bob", Color: "#222222"}
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newRegistry(t *testing.T) (*spaces.Registry, *clock) {
	t.Helper()
	clk := &clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	reg := spaces.NewRegistry(memory.NewLockStore(clk.Now), spaces.DefaultConfig(), spaces.WithClock(clk.Now))
	return reg, clk
}

func drain(sub *events.Subscription) []events.Event {
	var out []events.Event
	for {
		select {
		case evt := <-sub.C():
			out = append(out, evt)
		case <-time.After(50 * time.Millisecond):
			return out
		}
	}
}

func kinds(evts []events.Event) []events.Kind {
	out := make([]events.Kind, len(evts))
	for i, e := range evts {
		out[i] = e.Kind
	}
	return out
}

func TestEnterAndLeave(t *testing.T) {
	reg, clk := newRegistry(t)
	ctx := context.Background()
	sub := reg.Subscribe(board, events.CategoryMembers)
	defer sub.Close()

	_, err := reg.Enter(ctx, board, "c1", alice)
	require.NoError(t, err)
	clk.Advance(time.Second)
	_, err = reg.Enter(ctx, board, "c2", bob)
	require.NoError(t, err)

	members, err := reg.Members(ctx, board)
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "alice", members[0].UserID)
	assert.Equal(t, "bob", members[1].UserID)

	require.NoError(t, reg.Leave(ctx, board, "c1"))
	require.NoError(t, reg.Leave(ctx, board, "c1"))

	members, _ = reg.Members(ctx, board)
	require.Len(t, members, 1)
	assert.Equal(t, []events.Kind{events.KindMemberEnter, events.KindMemberEnter, events.KindMemberLeave}, kinds(drain(sub)))
}

func TestReenterIsAnUpdate(t *testing.T) {
	reg, clk := newRegistry(t)
	ctx := context.Background()

	first, err := reg.Enter(ctx, board, "c1", alice)
	require.NoError(t, err)
	clk.Advance(time.Second)

	sub := reg.Subscribe(board, events.CategoryMembers)
	defer sub.Close()
	renamed := alice
	renamed.Name = "Alice B"
	second, err := reg.Enter(ctx, board, "c1", renamed)
	require.NoError(t, err)

	assert.Equal(t, first.JoinedAt, second.JoinedAt)
	evts := drain(sub)
	require.Len(t, evts, 1)
	assert.Equal(t, events.KindMemberUpdate, evts[0].Kind)
	assert.Equal(t, "Alice B", evts[0].Member.Name)
}

func TestAcquireLock_DeniedNamesHolder(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()
	_, _ = reg.Enter(ctx, board, "c1", alice)
	_, _ = reg.Enter(ctx, board, "c2", bob)

	lock, err := reg.AcquireLock(ctx, board, "c1", "n1")
	require.NoError(t, err)
	assert.Equal(t, "alice", lock.Holder)

	_, err = reg.AcquireLock(ctx, board, "c2", "n1")
	var denied *pkgerrors.LockDeniedError
	require.True(t, errors.As(err, &denied))
	assert.Equal(t, "alice", denied.Holder)
	assert.Equal(t, "Alice", denied.HolderName)
}

func TestAcquireLock_ReentrantKeepsTimestampAndIsSilent(t *testing.T) {
	reg, clk := newRegistry(t)
	ctx := context.Background()
	_, _ = reg.Enter(ctx, board, "c1", alice)
	sub := reg.Subscribe(board, events.CategoryLocks)
	defer sub.Close()

	first, err := reg.AcquireLock(ctx, board, "c1", "n1")
	require.NoError(t, err)
	clk.Advance(time.Minute)
	again, err := reg.AcquireLock(ctx, board, "c1", "n1")
	require.NoError(t, err)

	assert.Equal(t, first.AcquiredAt, again.AcquiredAt)
	assert.Equal(t, []events.Kind{events.KindLockAcquired}, kinds(drain(sub)))
}

func TestAcquireLock_TakesOverExpired(t *testing.T) {
	reg, clk := newRegistry(t)
	ctx := context.Background()
	_, _ = reg.Enter(ctx, board, "c1", alice)
	_, _ = reg.Enter(ctx, board, "c2", bob)
	_, err := reg.AcquireLock(ctx, board, "c1", "n1")
	require.NoError(t, err)

	sub := reg.Subscribe(board, events.CategoryLocks)
	defer sub.Close()

	clk.Advance(5*time.Minute + time.Second)
	require.NoError(t, reg.Heartbeat(ctx, board, "c1"))
	require.NoError(t, reg.Heartbeat(ctx, board, "c2"))

	lock, err := reg.AcquireLock(ctx, board, "c2", "n1")
	require.NoError(t, err)
	assert.Equal(t, "bob", lock.Holder)

	evts := drain(sub)
	require.Equal(t, []events.Kind{events.KindLockReleased, events.KindLockAcquired}, kinds(evts))
	assert.True(t, evts[0].Lock.Expired)
	assert.Equal(t, "alice", evts[0].Lock.Holder)
}

func TestLocks_HidesExpired(t *testing.T) {
	reg, clk := newRegistry(t)
	ctx := context.Background()
	_, _ = reg.Enter(ctx, board, "c1", alice)
	_, _ = reg.AcquireLock(ctx, board, "c1", "n1")

	got, err := reg.Locks(ctx, board)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	clk.Advance(5*time.Minute + time.Millisecond)
	got, err = reg.Locks(ctx, board)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestReleaseLock(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()
	_, _ = reg.Enter(ctx, board, "c1", alice)
	_, _ = reg.Enter(ctx, board, "c2", bob)
	_, _ = reg.AcquireLock(ctx, board, "c1", "n1")

	err := reg.ReleaseLock(ctx, board, "c2", "n1")
	assert.True(t, errors.Is(err, pkgerrors.ErrLockDenied))

	require.NoError(t, reg.ReleaseLock(ctx, board, "c1", "n1"))
	require.NoError(t, reg.ReleaseLock(ctx, board, "c1", "n1"), "releasing an unlocked node is a no-op")

	_, err = reg.AcquireLock(ctx, board, "c2", "n1")
	assert.NoError(t, err)
}

func TestLeaveReleasesLocks(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()
	_, _ = reg.Enter(ctx, board, "c1", alice)
	_, _ = reg.Enter(ctx, board, "c2", bob)
	_, _ = reg.AcquireLock(ctx, board, "c1", "n1")
	_, _ = reg.AcquireLock(ctx, board, "c1", "n2")

	sub := reg.Subscribe(board, events.CategoryLocks, events.CategoryMembers)
	defer sub.Close()
	require.NoError(t, reg.Leave(ctx, board, "c1"))

	assert.Equal(t,
		[]events.Kind{events.KindLockReleased, events.KindLockReleased, events.KindMemberLeave},
		kinds(drain(sub)))

	locks, _ := reg.Locks(ctx, board)
	assert.Empty(t, locks)
}

func TestOperationsRequireMembership(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	_, err := reg.AcquireLock(ctx, board, "ghost", "n1")
	assert.ErrorIs(t, err, pkgerrors.ErrNotJoined)
	assert.ErrorIs(t, reg.Heartbeat(ctx, board, "ghost"), pkgerrors.ErrNotJoined)
	assert.ErrorIs(t, reg.SetCursor(ctx, board, "ghost", valueobjects.Position{}), pkgerrors.ErrNotJoined)
}

func TestPublish_StampsSenderAndRejectsPresenceKinds(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()
	_, _ = reg.Enter(ctx, board, "c1", alice)
	sub := reg.Subscribe(board, events.CategoryNodes)
	defer sub.Close()

	evt := events.Event{Kind: events.KindNodeMutated, UserID: "mallory", Node: &events.NodePayload{NodeID: "n1", Version: 2}}
	require.NoError(t, reg.Publish(ctx, board, "c1", evt))

	got := drain(sub)
	require.Len(t, got, 1)
	assert.Equal(t, "alice", got[0].UserID)
	assert.Equal(t, "c1", got[0].ConnectionID)
	assert.NotEmpty(t, got[0].ID)

	err := reg.Publish(ctx, board, "c1", events.Event{Kind: events.KindLockAcquired})
	assert.True(t, pkgerrors.IsValidation(err))
}

func TestCursorFanout(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()
	_, _ = reg.Enter(ctx, board, "c1", alice)
	sub := reg.Subscribe(board, events.CategoryCursors)
	defer sub.Close()

	require.NoError(t, reg.SetCursor(ctx, board, "c1", valueobjects.Position{X: 10, Y: 20}))
	got := drain(sub)
	require.Len(t, got, 1)
	assert.Equal(t, 10.0, got[0].Cursor.X)

	members, _ := reg.Members(ctx, board)
	require.NotNil(t, members[0].Cursor)
	assert.Equal(t, 20.0, members[0].Cursor.Y)
}

func TestSweepEvictsStaleMembers(t *testing.T) {
	reg, clk := newRegistry(t)
	ctx := context.Background()
	_, _ = reg.Enter(ctx, board, "c1", alice)
	_, _ = reg.Enter(ctx, board, "c2", bob)
	_, _ = reg.AcquireLock(ctx, board, "c1", "n1")

	clk.Advance(20 * time.Second)
	require.NoError(t, reg.Heartbeat(ctx, board, "c2"))
	clk.Advance(15 * time.Second)

	sub := reg.Subscribe(board, events.CategoryLocks, events.CategoryMembers)
	defer sub.Close()
	assert.Equal(t, 1, reg.Sweep(ctx))

	evts := drain(sub)
	require.Equal(t, []events.Kind{events.KindLockReleased, events.KindMemberLeave}, kinds(evts))
	assert.True(t, evts[0].Lock.Expired)

	members, _ := reg.Members(ctx, board)
	require.Len(t, members, 1)
	assert.Equal(t, "bob", members[0].UserID)
}

func TestSweepDropsEmptySpaces(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()
	_, _ = reg.Enter(ctx, board, "c1", alice)
	require.NoError(t, reg.Leave(ctx, board, "c1"))
	assert.Equal(t, 1, reg.Spaces())

	reg.Sweep(ctx)
	assert.Equal(t, 0, reg.Spaces())
}
