package locks_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lumina-backend/application/locks"
	"lumina-backend/domain/core/entities"
	"lumina-backend/domain/events"
	"lumina-backend/domain/identity"
	pkgerrors "lumina-backend/pkg/errors"
)

const ttl = 5 * time.Minute

var (
	alice = identity.Identity{ID: "alice", Name: "Alice"}
	bob   = identity.Identity{ID: "bob", Name: "Bob"}
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)} }

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

func newManager(t *testing.T, opts ...locks.Option) (*locks.Manager, *clock, *events.Subscription) {
	t.Helper()
	clk := newClock()
	stream := events.NewStream()
	t.Cleanup(stream.Close)
	sub := stream.Subscribe(64, events.CategoryLocks)
	opts = append([]locks.Option{locks.WithClock(clk.Now)}, opts...)
	return locks.NewManager("board-b1", ttl, stream, opts...), clk, sub
}

// drain collects events until none arrives for a short while.
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

func TestAcquire_DeniedWithinTTL(t *testing.T) {
	m, clk, _ := newManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "n1", alice)
	require.NoError(t, err)

	for _, d := range []time.Duration{time.Second, ttl - 2*time.Second, time.Second} {
		clk.Advance(d)
		_, err = m.Acquire(ctx, "n1", bob)
		var denied *pkgerrors.LockDeniedError
		require.True(t, errors.As(err, &denied), "at +%s", d)
		assert.Equal(t, "alice", denied.Holder)
		assert.Equal(t, "Alice", denied.HolderName)
	}
}

func TestAcquire_IsIdempotent(t *testing.T) {
	m, clk, sub := newManager(t)
	ctx := context.Background()

	first, err := m.Acquire(ctx, "n1", alice)
	require.NoError(t, err)
	clk.Advance(30 * time.Second)
	second, err := m.Acquire(ctx, "n1", alice)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, []events.Kind{events.KindLockAcquired}, kinds(drain(sub)))
}

func TestAcquire_ExpiredLockIsTakenOver(t *testing.T) {
	m, clk, sub := newManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "n1", alice)
	require.NoError(t, err)
	drain(sub)

	clk.Advance(ttl + time.Millisecond)
	tok, err := m.Acquire(ctx, "n1", bob)

	require.NoError(t, err)
	assert.Equal(t, "bob", tok.Holder)
	evts := drain(sub)
	require.Equal(t, []events.Kind{events.KindLockReleased, events.KindLockAcquired}, kinds(evts))
	assert.Equal(t, "alice", evts[0].Lock.Holder)
	assert.True(t, evts[0].Lock.Expired)
	assert.Equal(t, "bob", evts[1].Lock.Holder)
}

func TestRelease(t *testing.T) {
	m, _, sub := newManager(t)
	ctx := context.Background()

	require.NoError(t, m.Release(ctx, "free", "bob"), "releasing a free node is a no-op")

	_, err := m.Acquire(ctx, "n1", alice)
	require.NoError(t, err)

	assert.ErrorIs(t, m.Release(ctx, "n1", "bob"), pkgerrors.ErrLockDenied)
	_, held := m.Holder("n1")
	assert.True(t, held)

	require.NoError(t, m.Release(ctx, "n1", "alice"))
	_, held = m.Holder("n1")
	assert.False(t, held)
	assert.Equal(t, []events.Kind{events.KindLockAcquired, events.KindLockReleased}, kinds(drain(sub)))
}

func TestEndToEnd_AcquireDenyReleaseAcquire(t *testing.T) {
	m, clk, _ := newManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "n1", alice)
	require.NoError(t, err)

	clk.Advance(10 * time.Second)
	_, err = m.Acquire(ctx, "n1", bob)
	assert.ErrorIs(t, err, pkgerrors.ErrLockDenied)

	clk.Advance(10 * time.Second)
	require.NoError(t, m.Release(ctx, "n1", "alice"))

	clk.Advance(time.Second)
	tok, err := m.Acquire(ctx, "n1", bob)
	require.NoError(t, err)
	assert.Equal(t, "bob", tok.Holder)
}

func TestHolder_ExpiresLazily(t *testing.T) {
	m, clk, sub := newManager(t)
	_, err := m.Acquire(context.Background(), "n1", alice)
	require.NoError(t, err)

	clk.Advance(ttl)
	assert.False(t, m.IsExpired("n1", clk.Now()))
	_, held := m.Holder("n1")
	assert.True(t, held)

	clk.Advance(time.Nanosecond)
	assert.True(t, m.IsExpired("n1", clk.Now()))
	_, held = m.Holder("n1")
	assert.False(t, held)
	assert.Empty(t, m.Snapshot())
	assert.Equal(t, []events.Kind{events.KindLockAcquired, events.KindLockReleased}, kinds(drain(sub)))
}

func TestApplyRemote_DropsEchoes(t *testing.T) {
	m, clk, sub := newManager(t)
	tok, err := m.Acquire(context.Background(), "n1", alice)
	require.NoError(t, err)
	drain(sub)

	echo := events.New(events.KindLockAcquired, "board-b1", clk.Now())
	echo.Lock = &events.LockPayload{NodeID: "n1", Holder: "alice", AcquiredAt: tok.AcquiredAt}
	m.ApplyRemote(echo)
	assert.Empty(t, drain(sub))

	// A release for a lock we no longer cache is ignored too
	stale := events.New(events.KindLockReleased, "board-b1", clk.Now())
	stale.Lock = &events.LockPayload{NodeID: "n1", Holder: "carol"}
	m.ApplyRemote(stale)
	assert.Empty(t, drain(sub))

	release := events.New(events.KindLockReleased, "board-b1", clk.Now())
	release.Lock = &events.LockPayload{NodeID: "n1", Holder: "alice", AcquiredAt: tok.AcquiredAt}
	m.ApplyRemote(release)
	assert.Equal(t, []events.Kind{events.KindLockReleased}, kinds(drain(sub)))
}

func TestReset_PublishesDifferences(t *testing.T) {
	m, clk, sub := newManager(t)
	_, err := m.Acquire(context.Background(), "n1", alice)
	require.NoError(t, err)
	drain(sub)

	m.Reset([]entities.NodeLock{{NodeID: "n2", Holder: "bob", AcquiredAt: clk.Now()}})

	evts := drain(sub)
	require.Len(t, evts, 2)
	assert.ElementsMatch(t, []events.Kind{events.KindLockReleased, events.KindLockAcquired}, kinds(evts))
	snap := m.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "n2", snap[0].NodeID)
}

// fakeAuthority is a remote lock table shared by several managers.
type fakeAuthority struct {
	mu    sync.Mutex
	user  identity.Identity
	table map[string]entities.NodeLock
	now   func() time.Time
	err   error
}

func (f *fakeAuthority) AcquireLock(_ context.Context, nodeID string) (entities.NodeLock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return entities.NodeLock{}, f.err
	}
	cur := f.table[nodeID]
	if cur.HeldByOther(f.user.ID, f.now(), ttl) {
		return entities.NodeLock{}, pkgerrors.NewLockDenied(nodeID, cur.Holder, cur.HolderName, cur.AcquiredAt)
	}
	if cur.HeldBy(f.user.ID, f.now(), ttl) {
		return cur, nil
	}
	l := entities.NodeLock{NodeID: nodeID, Holder: f.user.ID, HolderName: f.user.Name, AcquiredAt: f.now()}
	f.table[nodeID] = l
	return l, nil
}

func (f *fakeAuthority) ReleaseLock(_ context.Context, nodeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur := f.table[nodeID]
	if cur.HeldByOther(f.user.ID, f.now(), ttl) {
		return pkgerrors.NewLockDenied(nodeID, cur.Holder, cur.HolderName, cur.AcquiredAt)
	}
	delete(f.table, nodeID)
	return nil
}

func TestAcquire_DefersToAuthority(t *testing.T) {
	clk := newClock()
	table := map[string]entities.NodeLock{}
	asAlice := &fakeAuthority{user: alice, table: table, now: clk.Now}

	// Bob's authority view shares the table through a separate handle.
	asBob := &fakeAuthority{user: bob, table: table, now: clk.Now}

	stream := events.NewStream()
	defer stream.Close()
	ma := locks.NewManager("s", ttl, stream, locks.WithClock(clk.Now), locks.WithAuthority(asAlice))
	mb := locks.NewManager("s", ttl, stream, locks.WithClock(clk.Now), locks.WithAuthority(asBob))
	ctx := context.Background()

	_, err := ma.Acquire(ctx, "n1", alice)
	require.NoError(t, err)

	// Bob's cache is empty, yet the authority refuses and the cache learns the holder.
	_, err = mb.Acquire(ctx, "n1", bob)
	assert.ErrorIs(t, err, pkgerrors.ErrLockDenied)
	holder, ok := mb.Holder("n1")
	require.True(t, ok)
	assert.Equal(t, "alice", holder.Holder)

	require.NoError(t, ma.Release(ctx, "n1", "alice"))
	_, err = mb.Acquire(ctx, "n1", bob)
	assert.NoError(t, err)
}

func TestAcquire_AuthorityFailureIsReturned(t *testing.T) {
	clk := newClock()
	boom := pkgerrors.NewTransportDisconnected(errors.New("socket closed"))
	auth := &fakeAuthority{user: alice, table: map[string]entities.NodeLock{}, now: clk.Now, err: boom}
	m := locks.NewManager("s", ttl, nil, locks.WithClock(clk.Now), locks.WithAuthority(auth))

	_, err := m.Acquire(context.Background(), "n1", alice)

	assert.ErrorIs(t, err, pkgerrors.ErrTransportDisconnected)
	_, held := m.Holder("n1")
	assert.False(t, held)
}
