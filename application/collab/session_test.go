package collab_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lumina-backend/application/autosave"
	"lumina-backend/application/collab"
	"lumina-backend/application/presence"
	"lumina-backend/domain/config"
	"lumina-backend/domain/core/entities"
	"lumina-backend/domain/core/valueobjects"
	"lumina-backend/domain/events"
	"lumina-backend/domain/identity"
	"lumina-backend/infrastructure/persistence/memory"
	"lumina-backend/infrastructure/realtime/local"
	"lumina-backend/infrastructure/realtime/spaces"
	pkgerrors "lumina-backend/pkg/errors"
)

// countingNodes records every node save.
type countingNodes struct {
	*memory.NodeRepository
	mu    sync.Mutex
	saves []entities.NodeSnapshot
}

func (c *countingNodes) Save(ctx context.Context, n entities.NodeSnapshot) error {
	c.mu.Lock()
	c.saves = append(c.saves, n)
	c.mu.Unlock()
	return c.NodeRepository.Save(ctx, n)
}

func (c *countingNodes) savesOf(nodeID string) []entities.NodeSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []entities.NodeSnapshot
	for _, s := range c.saves {
		if s.NodeID == nodeID {
			out = append(out, s)
		}
	}
	return out
}

type world struct {
	boards    *memory.BoardRepository
	nodes     *countingNodes
	registry  *spaces.Registry
	transport *local.Transport
}

func newWorld(t *testing.T) *world {
	t.Helper()
	reg := spaces.NewRegistry(memory.NewLockStore(nil), spaces.DefaultConfig())
	tr := local.NewTransport(reg)
	require.NoError(t, tr.Connect(context.Background(), "test-key"))
	return &world{
		boards:    memory.NewBoardRepository(),
		nodes:     &countingNodes{NodeRepository: memory.NewNodeRepository()},
		registry:  reg,
		transport: tr,
	}
}

func saveConfig() autosave.Config {
	return autosave.Config{
		Debounce:       30 * time.Millisecond,
		MinInterval:    10 * time.Millisecond,
		RetryBackoff:   20 * time.Millisecond,
		PersistTimeout: time.Second,
	}
}

func presenceConfig() presence.Config {
	cfg := presence.DefaultConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.ReconcileInterval = 0
	cfg.ResubscribeBackoff = 5 * time.Millisecond
	return cfg
}

func (w *world) client(t *testing.T, userID, name string, online bool) *collab.Client {
	t.Helper()
	var svc *presence.Service
	if online {
		svc = presence.NewService(w.transport, presenceConfig(), nil)
	} else {
		svc = presence.NewService(nil, presenceConfig(), nil)
	}
	sched := autosave.New(saveConfig())
	c, err := collab.NewClient(collab.Dependencies{
		Identity:  identity.NewRegistry(identity.WithAuthenticatedUser(userID, name)),
		Presence:  svc,
		Boards:    w.boards,
		Nodes:     w.nodes,
		Scheduler: sched,
		Config:    config.DefaultDomainConfig(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = c.Close(context.Background())
		sched.Close()
	})
	return c
}

// sharedBoard creates a board owned by alice with bob as an editor and one
// regular node created by alice.
func (w *world) sharedBoard(t *testing.T, alice *collab.Client) (boardID, seedID, nodeID string) {
	t.Helper()
	ctx := context.Background()
	board, err := alice.CreateBoard(ctx, "Roadmap")
	require.NoError(t, err)
	require.NoError(t, board.AddCollaborator("alice", "bob", valueobjects.PermissionEdit, time.Now()))
	require.NoError(t, w.boards.Save(ctx, board))

	s, err := alice.JoinBoard(ctx, board.ID().String())
	require.NoError(t, err)
	for _, n := range s.Nodes() {
		if n.Type == valueobjects.NodeTypeSeed {
			seedID = n.NodeID
		}
	}
	require.NotEmpty(t, seedID)

	n, err := s.CreateNode(ctx, collab.NodeSpec{ID: "n1", Content: "idea", Position: valueobjects.Position{X: 100, Y: 40}})
	require.NoError(t, err)
	require.NoError(t, s.ForceSave(ctx))
	return board.ID().String(), seedID, n.NodeID
}

func text(s string) *string { return &s }

func mustBoardID(t *testing.T, id string) valueobjects.BoardID {
	t.Helper()
	b, err := valueobjects.NewBoardIDFromString(id)
	require.NoError(t, err)
	return b
}

func mustNodeID(t *testing.T, id string) valueobjects.NodeID {
	t.Helper()
	n, err := valueobjects.NewNodeIDFromString(id)
	require.NoError(t, err)
	return n
}

func waitFor(t *testing.T, sub *events.Subscription, match func(events.Event) bool) events.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case evt, ok := <-sub.C():
			require.True(t, ok, "subscription closed")
			if match(evt) {
				return evt
			}
		case <-timeout:
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestSeedNodeIsOwnerOnly(t *testing.T) {
	w := newWorld(t)
	alice := w.client(t, "alice", "Alice", true)
	bob := w.client(t, "bob", "Bob", true)
	boardID, seedID, _ := w.sharedBoard(t, alice)
	ctx := context.Background()

	bs, err := bob.JoinBoard(ctx, boardID)
	require.NoError(t, err)

	_, err = bs.Mutate(ctx, seedID, entities.NodePatch{Content: text("hijack")})
	assert.ErrorIs(t, err, pkgerrors.ErrPermissionDenied)
	_, err = bs.RequestLock(ctx, seedID)
	assert.ErrorIs(t, err, pkgerrors.ErrPermissionDenied)

	as, _ := alice.Session(boardID)
	snap, err := as.Mutate(ctx, seedID, entities.NodePatch{Content: text("Roadmap 2025")})
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Version)
}

func TestLockScenario_AliceAndBob(t *testing.T) {
	w := newWorld(t)
	alice := w.client(t, "alice", "Alice", true)
	bob := w.client(t, "bob", "Bob", true)
	boardID, _, nodeID := w.sharedBoard(t, alice)
	ctx := context.Background()

	as, _ := alice.Session(boardID)
	bs, err := bob.JoinBoard(ctx, boardID)
	require.NoError(t, err)
	bobEvents := bs.Events(events.CategoryLocks, events.CategoryNodes)
	defer bobEvents.Close()

	token, err := as.RequestLock(ctx, nodeID)
	require.NoError(t, err)
	assert.Equal(t, "alice", token.Holder)
	waitFor(t, bobEvents, func(e events.Event) bool { return e.Kind == events.KindLockAcquired })

	_, err = bs.RequestLock(ctx, nodeID)
	var denied *pkgerrors.LockDeniedError
	require.True(t, errors.As(err, &denied))
	assert.Equal(t, "alice", denied.Holder)

	_, err = bs.Mutate(ctx, nodeID, entities.NodePatch{Content: text("bob was here")})
	assert.ErrorIs(t, err, pkgerrors.ErrLockDenied)

	_, err = as.Mutate(ctx, nodeID, entities.NodePatch{Content: text("alice edit")})
	require.NoError(t, err)
	waitFor(t, bobEvents, func(e events.Event) bool { return e.Kind == events.KindNodeMutated })
	got, err := bs.Node(nodeID)
	require.NoError(t, err)
	assert.Equal(t, "alice edit", got.Content)
	assert.True(t, got.IsLocked)

	require.NoError(t, as.ReleaseLock(ctx, nodeID))
	waitFor(t, bobEvents, func(e events.Event) bool { return e.Kind == events.KindLockReleased })

	token, err = bs.RequestLock(ctx, nodeID)
	require.NoError(t, err)
	assert.Equal(t, "bob", token.Holder)
	assert.Len(t, bs.Locks(), 1)
}

func TestDraftThenFinalSavesOnce(t *testing.T) {
	w := newWorld(t)
	alice := w.client(t, "alice", "Alice", true)
	boardID, _, nodeID := w.sharedBoard(t, alice)
	ctx := context.Background()
	as, _ := alice.Session(boardID)
	before := len(w.nodes.savesOf(nodeID))

	_, err := as.Mutate(ctx, nodeID, entities.NodePatch{Content: text("draft")})
	require.NoError(t, err)
	_, err = as.Mutate(ctx, nodeID, entities.NodePatch{Content: text("final")})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(w.nodes.savesOf(nodeID)) == before+1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	saves := w.nodes.savesOf(nodeID)
	require.Len(t, saves, before+1)
	assert.Equal(t, "final", saves[len(saves)-1].Content)
	assert.Equal(t, 3, saves[len(saves)-1].Version)
	assert.False(t, as.SaveStatus().IsSaving)
}

func TestRemoteChangeIgnoredWhileLocallyLocked(t *testing.T) {
	w := newWorld(t)
	alice := w.client(t, "alice", "Alice", true)
	bob := w.client(t, "bob", "Bob", true)
	boardID, _, nodeID := w.sharedBoard(t, alice)
	ctx := context.Background()

	as, _ := alice.Session(boardID)
	bs, err := bob.JoinBoard(ctx, boardID)
	require.NoError(t, err)
	_, err = bs.RequestLock(ctx, nodeID)
	require.NoError(t, err)

	aliceEvents := as.Events(events.CategoryNodes)
	defer aliceEvents.Close()

	space := mustBoardID(t, boardID).SpaceName()
	_, err = w.registry.Enter(ctx, space, "rogue-conn", identity.Identity{ID: "carol", Name: "Carol"})
	require.NoError(t, err)
	evt := events.New(events.KindNodeMutated, space, time.Now())
	evt.Node = &events.NodePayload{NodeID: nodeID, Content: "stale peer write", Version: 99}
	require.NoError(t, w.registry.Publish(ctx, space, "rogue-conn", evt))

	waitFor(t, aliceEvents, func(e events.Event) bool { return e.Kind == events.KindNodeMutated })
	fromAlice, _ := as.Node(nodeID)
	assert.Equal(t, "stale peer write", fromAlice.Content)

	time.Sleep(50 * time.Millisecond)
	fromBob, _ := bs.Node(nodeID)
	assert.Equal(t, "idea", fromBob.Content)
	assert.Equal(t, 1, fromBob.Version)
}

func TestDegradedModeWithoutTransport(t *testing.T) {
	w := newWorld(t)
	alice := w.client(t, "alice", "Alice", false)
	boardID, _, nodeID := w.sharedBoard(t, alice)
	ctx := context.Background()
	as, _ := alice.Session(boardID)

	members := as.Members()
	require.Len(t, members, 1)
	assert.Equal(t, "alice", members[0].UserID)

	_, err := as.RequestLock(ctx, nodeID)
	require.NoError(t, err)
	_, err = as.Mutate(ctx, nodeID, entities.NodePatch{Content: text("offline edit")})
	require.NoError(t, err)
	as.Cursor(valueobjects.Position{X: 1, Y: 2})

	status := as.SaveStatus()
	assert.False(t, status.Online)
	assert.False(t, status.Durable)

	require.NoError(t, alice.LeaveBoard(ctx, boardID))
	stored, err := w.nodes.GetByID(ctx, mustBoardID(t, boardID), mustNodeID(t, nodeID))
	require.NoError(t, err)
	assert.Equal(t, "offline edit", stored.Content().Text())
}

func TestDeleteNodeIsCreatorOrOwner(t *testing.T) {
	w := newWorld(t)
	alice := w.client(t, "alice", "Alice", true)
	bob := w.client(t, "bob", "Bob", true)
	boardID, _, nodeID := w.sharedBoard(t, alice)
	ctx := context.Background()

	bs, err := bob.JoinBoard(ctx, boardID)
	require.NoError(t, err)
	assert.ErrorIs(t, bs.DeleteNode(ctx, nodeID), pkgerrors.ErrPermissionDenied)

	mine, err := bs.CreateNode(ctx, collab.NodeSpec{Content: "bob's"})
	require.NoError(t, err)
	require.NoError(t, bs.DeleteNode(ctx, mine.NodeID))
	_, err = bs.Node(mine.NodeID)
	assert.ErrorIs(t, err, pkgerrors.ErrNodeNotFound)

	as, _ := alice.Session(boardID)
	require.NoError(t, as.DeleteNode(ctx, nodeID))
}

func TestLeaveBoardSavesAndReleases(t *testing.T) {
	w := newWorld(t)
	alice := w.client(t, "alice", "Alice", true)
	bob := w.client(t, "bob", "Bob", true)
	boardID, _, nodeID := w.sharedBoard(t, alice)
	ctx := context.Background()

	as, _ := alice.Session(boardID)
	_, err := as.RequestLock(ctx, nodeID)
	require.NoError(t, err)
	_, err = as.Mutate(ctx, nodeID, entities.NodePatch{Content: text("last words")})
	require.NoError(t, err)

	require.NoError(t, alice.LeaveBoard(ctx, boardID))
	require.NoError(t, alice.LeaveBoard(ctx, boardID))

	stored, err := w.nodes.GetByID(ctx, mustBoardID(t, boardID), mustNodeID(t, nodeID))
	require.NoError(t, err)
	assert.Equal(t, "last words", stored.Content().Text())

	bs, err := bob.JoinBoard(ctx, boardID)
	require.NoError(t, err)
	_, err = bs.RequestLock(ctx, nodeID)
	assert.NoError(t, err)
}

func TestJoinBoard_Errors(t *testing.T) {
	w := newWorld(t)
	alice := w.client(t, "alice", "Alice", true)
	mallory := w.client(t, "mallory", "Mallory", true)
	boardID, _, _ := w.sharedBoard(t, alice)
	ctx := context.Background()

	_, err := alice.JoinBoard(ctx, "missing")
	assert.ErrorIs(t, err, pkgerrors.ErrBoardNotFound)

	_, err = mallory.JoinBoard(ctx, boardID)
	assert.ErrorIs(t, err, pkgerrors.ErrPermissionDenied)

	again, err := alice.JoinBoard(ctx, boardID)
	require.NoError(t, err)
	first, _ := alice.Session(boardID)
	assert.Same(t, first, again)
}

func TestSetEdgesRejectsDanglingEndpoints(t *testing.T) {
	w := newWorld(t)
	alice := w.client(t, "alice", "Alice", true)
	boardID, seedID, nodeID := w.sharedBoard(t, alice)
	ctx := context.Background()
	as, _ := alice.Session(boardID)

	err := as.SetEdges(ctx, []entities.Edge{{ID: "e1", Source: seedID, Target: "ghost"}})
	assert.ErrorIs(t, err, pkgerrors.ErrDanglingEdge)

	require.NoError(t, as.SetEdges(ctx, []entities.Edge{{ID: "e1", Source: seedID, Target: nodeID}}))
	assert.Len(t, as.Board().Edges, 1)

	require.NoError(t, as.DeleteNode(ctx, nodeID))
	assert.Empty(t, as.Board().Edges)
}

func TestLosingSaveReloadsStoredNode(t *testing.T) {
	w := newWorld(t)
	alice := w.client(t, "alice", "Alice", true)
	bob := w.client(t, "bob", "Bob", false)
	boardID, _, nodeID := w.sharedBoard(t, alice)
	ctx := context.Background()

	as, _ := alice.Session(boardID)
	bs, err := bob.JoinBoard(ctx, boardID)
	require.NoError(t, err)
	bobEvents := bs.Events(events.CategoryNodes)
	defer bobEvents.Close()

	_, err = as.Mutate(ctx, nodeID, entities.NodePatch{Content: text("alice-edit")})
	require.NoError(t, err)
	bobEdit, err := bs.Mutate(ctx, nodeID, entities.NodePatch{Content: text("bob-edit")})
	require.NoError(t, err)
	require.Equal(t, 2, bobEdit.Version)

	require.NoError(t, as.ForceSave(ctx))
	err = bs.ForceSave(ctx)
	if err != nil {
		assert.ErrorIs(t, err, pkgerrors.ErrStaleWrite)
	}

	waitFor(t, bobEvents, func(e events.Event) bool { return e.Kind == events.KindNodeReloaded })
	got, err := bs.Node(nodeID)
	require.NoError(t, err)
	assert.Equal(t, "alice-edit", got.Content)
	assert.Equal(t, "alice", got.LastModifiedBy)
	assert.Equal(t, 2, got.Version)

	stored, err := w.nodes.GetByID(ctx, mustBoardID(t, boardID), mustNodeID(t, nodeID))
	require.NoError(t, err)
	assert.Equal(t, "alice-edit", stored.Content().Text())

	// Nothing left to save: the losing edit is gone.
	require.NoError(t, bs.ForceSave(ctx))
	assert.Equal(t, "alice-edit", stored.Content().Text())
}

func TestConcurrentEditsConverge(t *testing.T) {
	w := newWorld(t)
	alice := w.client(t, "alice", "Alice", true)
	bob := w.client(t, "bob", "Bob", true)
	boardID, _, nodeID := w.sharedBoard(t, alice)
	ctx := context.Background()

	as, _ := alice.Session(boardID)
	bs, err := bob.JoinBoard(ctx, boardID)
	require.NoError(t, err)

	_, err = as.Mutate(ctx, nodeID, entities.NodePatch{Content: text("alice-edit")})
	require.NoError(t, err)
	_, err = bs.Mutate(ctx, nodeID, entities.NodePatch{Content: text("bob-edit")})
	require.NoError(t, err)

	require.NoError(t, as.ForceSave(ctx))
	if err := bs.ForceSave(ctx); err != nil {
		assert.ErrorIs(t, err, pkgerrors.ErrStaleWrite)
	}

	require.Eventually(t, func() bool {
		stored, err := w.nodes.GetByID(ctx, mustBoardID(t, boardID), mustNodeID(t, nodeID))
		if err != nil {
			return false
		}
		fromAlice, _ := as.Node(nodeID)
		fromBob, _ := bs.Node(nodeID)
		return fromAlice.Content == stored.Content().Text() &&
			fromBob.Content == stored.Content().Text() &&
			fromAlice.Version == stored.Version() &&
			fromBob.Version == stored.Version()
	}, time.Second, 5*time.Millisecond)
}

func TestJoinBoardWhileTransportDown(t *testing.T) {
	w := newWorld(t)
	alice := w.client(t, "alice", "Alice", true)
	bob := w.client(t, "bob", "Bob", true)
	boardID, _, nodeID := w.sharedBoard(t, alice)
	ctx := context.Background()

	w.transport.FailNextJoins(1)
	bs, err := bob.JoinBoard(ctx, boardID)
	require.NoError(t, err)

	_, err = bs.Mutate(ctx, nodeID, entities.NodePatch{Content: text("bob offline edit")})
	require.NoError(t, err)
	require.NoError(t, bs.ForceSave(ctx))

	stored, err := w.nodes.GetByID(ctx, mustBoardID(t, boardID), mustNodeID(t, nodeID))
	require.NoError(t, err)
	assert.Equal(t, "bob offline edit", stored.Content().Text())

	require.Eventually(t, func() bool {
		return len(bs.Members()) == 2 && bs.SaveStatus().Online
	}, time.Second, 5*time.Millisecond)
}
