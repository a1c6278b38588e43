package entities_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lumina-backend/domain/config"
	"lumina-backend/domain/core/entities"
	"lumina-backend/domain/core/valueobjects"
	"lumina-backend/domain/events"
	pkgerrors "lumina-backend/pkg/errors"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

const ttl = 5 * time.Minute

func createTestNode(t *testing.T, nodeType valueobjects.NodeType) *entities.Node {
	t.Helper()
	boardID, err := valueobjects.NewBoardIDFromString("b1")
	require.NoError(t, err)
	nodeID, err := valueobjects.NewNodeIDFromString("n1")
	require.NoError(t, err)
	content, err := valueobjects.NewNodeContent("hello", nil)
	require.NoError(t, err)

	node, err := entities.NewNode(boardID, nodeID, nodeType, "creator", content, valueobjects.Position{X: 1, Y: 2}, t0)
	require.NoError(t, err)
	return node
}

func TestNode_Creation(t *testing.T) {
	// Act
	node := createTestNode(t, "")

	// Assert
	assert.Equal(t, valueobjects.NodeTypeGenerated, node.Type())
	assert.Equal(t, 1, node.Version())
	assert.Equal(t, "creator", node.LastModifiedBy())
	require.Len(t, node.GetUncommittedEvents(), 1)
	assert.Equal(t, string(events.KindNodeCreated), node.GetUncommittedEvents()[0].GetEventType())
}

func TestIsLockExpired_Boundary(t *testing.T) {
	assert.False(t, entities.IsLockExpired(t0, t0.Add(ttl), ttl))
	assert.True(t, entities.IsLockExpired(t0, t0.Add(ttl+time.Nanosecond), ttl))
}

func TestNode_LockForEditing(t *testing.T) {
	node := createTestNode(t, valueobjects.NodeTypeGenerated)

	require.NoError(t, node.LockForEditing("alice", "Alice", t0, ttl))

	// Re-entry keeps the acquisition time
	require.NoError(t, node.LockForEditing("alice", "Alice", t0.Add(time.Minute), ttl))
	lock, ok := node.Lock(t0.Add(time.Minute), ttl)
	require.True(t, ok)
	assert.Equal(t, t0, lock.AcquiredAt)

	// Another user is denied within the TTL
	err := node.LockForEditing("bob", "Bob", t0.Add(10*time.Second), ttl)
	var denied *pkgerrors.LockDeniedError
	require.True(t, errors.As(err, &denied))
	assert.Equal(t, "alice", denied.Holder)

	// ...and granted once it has expired
	require.NoError(t, node.LockForEditing("bob", "Bob", t0.Add(ttl+time.Second), ttl))
	lock, ok = node.Lock(t0.Add(ttl+time.Second), ttl)
	require.True(t, ok)
	assert.Equal(t, "bob", lock.Holder)
}

func TestNode_Unlock(t *testing.T) {
	node := createTestNode(t, valueobjects.NodeTypeGenerated)
	require.NoError(t, node.Unlock("anyone", t0, ttl), "unlocking a free node is a no-op")

	require.NoError(t, node.LockForEditing("alice", "Alice", t0, ttl))
	assert.ErrorIs(t, node.Unlock("bob", t0.Add(time.Second), ttl), pkgerrors.ErrLockDenied)
	require.NoError(t, node.Unlock("alice", t0.Add(time.Second), ttl))

	_, ok := node.Lock(t0.Add(time.Second), ttl)
	assert.False(t, ok)
}

func TestNode_CanUserEdit(t *testing.T) {
	seed := createTestNode(t, valueobjects.NodeTypeSeed)
	gen := createTestNode(t, valueobjects.NodeTypeGenerated)

	assert.True(t, seed.CanUserEdit("owner", true))
	assert.False(t, seed.CanUserEdit("creator", false))
	assert.True(t, gen.CanUserEdit("someone", false))

	assert.True(t, gen.CanUserDelete("creator", false))
	assert.False(t, gen.CanUserDelete("someone", false))
	assert.True(t, gen.CanUserDelete("owner", true))
}

func TestNode_ApplyPatch(t *testing.T) {
	node := createTestNode(t, valueobjects.NodeTypeGenerated)
	node.MarkEventsAsCommitted()
	text := "final"
	pos := valueobjects.Position{X: 10, Y: 20}

	err := node.ApplyPatch(entities.NodePatch{Content: &text, Position: &pos}, "editor", t0.Add(time.Second), config.DefaultDomainConfig())

	require.NoError(t, err)
	assert.Equal(t, "final", node.Content().Text())
	assert.Equal(t, pos, node.Position())
	assert.Equal(t, 2, node.Version())
	assert.Equal(t, "editor", node.LastModifiedBy())
	require.Len(t, node.GetUncommittedEvents(), 1)
	assert.Equal(t, string(events.KindNodeMutated), node.GetUncommittedEvents()[0].GetEventType())
}

func TestNode_ApplyRemote_LastWriterWins(t *testing.T) {
	node := createTestNode(t, valueobjects.NodeTypeGenerated)
	stale := node.Payload()
	stale.Content = "stale"

	assert.False(t, node.ApplyRemote(stale, t0))

	newer := node.Payload()
	newer.Content = "newer"
	newer.Version = 3
	assert.True(t, node.ApplyRemote(newer, t0))
	assert.Equal(t, "newer", node.Content().Text())
	assert.Equal(t, 3, node.Version())
}

func TestNode_AdoptReplacesEqualVersion(t *testing.T) {
	node := createTestNode(t, valueobjects.NodeTypeGenerated)

	same := node.Payload()
	assert.False(t, node.Adopt(same, t0))

	winner := node.Payload()
	winner.Content = "winner"
	winner.LastModifiedBy = "alice"
	assert.False(t, node.ApplyRemote(winner, t0))
	assert.True(t, node.Adopt(winner, t0))
	assert.Equal(t, "winner", node.Content().Text())
	assert.Equal(t, "alice", node.LastModifiedBy())

	older := winner
	older.Version = winner.Version - 1
	older.Content = "older"
	assert.False(t, node.Adopt(older, t0))
	assert.Equal(t, "winner", node.Content().Text())
}

func TestNodeSnapshot_SameWrite(t *testing.T) {
	snap := createTestNode(t, valueobjects.NodeTypeGenerated).Snapshot()

	assert.True(t, snap.SameWrite(snap))

	other := snap
	other.Content = "different"
	assert.False(t, snap.SameWrite(other))

	other = snap
	other.LastModifiedBy = "bob"
	assert.False(t, snap.SameWrite(other))

	other = snap
	other.UpdatedAt = snap.UpdatedAt.Add(time.Millisecond)
	assert.False(t, snap.SameWrite(other))

	other = snap
	other.IsLocked = !snap.IsLocked
	assert.True(t, snap.SameWrite(other))
}

func TestNode_SnapshotRoundTrip(t *testing.T) {
	node := createTestNode(t, valueobjects.NodeTypeMultiOption)
	require.NoError(t, node.LockForEditing("alice", "Alice", t0, ttl))

	restored, err := entities.ReconstructNode(node.Snapshot())

	require.NoError(t, err)
	assert.Equal(t, node.Snapshot(), restored.Snapshot())
	lock, ok := restored.Lock(t0, ttl)
	require.True(t, ok)
	assert.Equal(t, "alice", lock.Holder)
}
