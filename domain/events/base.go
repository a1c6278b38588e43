package events

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"lumina-backend/domain/core/valueobjects"
)

// DomainEvent is the base interface for all domain events
// Events represent something that has happened in the past
type DomainEvent interface {
	GetAggregateID() string
	GetEventType() string
	GetTimestamp() time.Time
	GetVersion() int
}

// Kind names what happened
type Kind string

const (
	KindMemberEnter  Kind = "member.enter"
	KindMemberUpdate Kind = "member.update"
	KindMemberLeave  Kind = "member.leave"

	KindLockAcquired Kind = "lock.acquired"
	KindLockReleased Kind = "lock.released"

	KindCursorMoved Kind = "cursor.moved"

	KindNodeCreated Kind = "node.created"
	KindNodeMutated Kind = "node.mutated"
	KindNodeDeleted Kind = "node.deleted"
	// KindNodeReloaded carries the stored state after a losing write.
	KindNodeReloaded Kind = "node.reloaded"

	KindBoardSaved    Kind = "board.saved"
	KindSpaceResynced Kind = "space.resynced"
)

// Category groups kinds into the streams a subscriber can ask for
type Category string

const (
	CategoryMembers Category = "member"
	CategoryLocks   Category = "lock"
	CategoryCursors Category = "cursor"
	CategoryNodes   Category = "node"
	CategoryBoard   Category = "board"
	CategorySpace   Category = "space"
)

// Category returns the stream this kind belongs to.
func (k Kind) Category() Category {
	prefix, _, _ := strings.Cut(string(k), ".")
	return Category(prefix)
}

// Droppable kinds may be discarded under backpressure.
func (k Kind) Droppable() bool {
	return k == KindCursorMoved
}

// MemberPayload describes a participant in a space
type MemberPayload struct {
	ConnectionID string                 `json:"connectionId"`
	UserID       string                 `json:"userId"`
	Name         string                 `json:"name"`
	Color        string                 `json:"color"`
	Cursor       *valueobjects.Position `json:"cursor,omitempty"`
	JoinedAt     time.Time              `json:"joinedAt"`
	LastSeen     time.Time              `json:"lastSeen"`
}

// LockPayload describes a lock transition
type LockPayload struct {
	NodeID       string    `json:"nodeId"`
	Holder       string    `json:"holder"`
	HolderName   string    `json:"holderName,omitempty"`
	ConnectionID string    `json:"connectionId,omitempty"`
	AcquiredAt   time.Time `json:"acquiredAt"`
	// Expired is set on a release caused by TTL expiry rather than by the holder.
	Expired bool `json:"expired,omitempty"`
}

// NodePayload carries the node state after a change
type NodePayload struct {
	NodeID         string                `json:"nodeId"`
	Type           valueobjects.NodeType `json:"type"`
	Content        string                `json:"content"`
	Options        []valueobjects.Option `json:"options,omitempty"`
	Position       valueobjects.Position `json:"position"`
	AIResponse     string                `json:"aiResponse,omitempty"`
	CreatedBy      string                `json:"createdBy"`
	LastModifiedBy string                `json:"lastModifiedBy"`
	Version        int                   `json:"version"`
}

// BoardPayload is attached to board level events
type BoardPayload struct {
	BoardID string `json:"boardId"`
	Version int    `json:"version"`
}

// Event is the envelope for everything that crosses a realtime space and
// everything published to the event bus.
type Event struct {
	ID           string                 `json:"id"`
	Kind         Kind                   `json:"kind"`
	Space        string                 `json:"space"`
	ConnectionID string                 `json:"connectionId,omitempty"`
	UserID       string                 `json:"userId,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
	Member       *MemberPayload         `json:"member,omitempty"`
	Lock         *LockPayload           `json:"lock,omitempty"`
	Cursor       *valueobjects.Position `json:"cursor,omitempty"`
	Node         *NodePayload           `json:"node,omitempty"`
	Board        *BoardPayload          `json:"board,omitempty"`
}

// New stamps an event with a fresh ULID and timestamp.
func New(kind Kind, space string, at time.Time) Event {
	return Event{
		ID:        NewID(at),
		Kind:      kind,
		Space:     space,
		Timestamp: at,
	}
}

func (e Event) GetAggregateID() string {
	switch {
	case e.Node != nil:
		return e.Node.NodeID
	case e.Lock != nil:
		return e.Lock.NodeID
	case e.Board != nil:
		return e.Board.BoardID
	default:
		return e.Space
	}
}

func (e Event) GetEventType() string    { return string(e.Kind) }
func (e Event) GetTimestamp() time.Time { return e.Timestamp }

func (e Event) GetVersion() int {
	if e.Node != nil {
		return e.Node.Version
	}
	if e.Board != nil {
		return e.Board.Version
	}
	return 1
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a lexically sortable id for an event raised at t.
func NewID(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
