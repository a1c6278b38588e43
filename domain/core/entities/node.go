package entities

import (
	"time"

	"lumina-backend/domain/config"
	"lumina-backend/domain/core/valueobjects"
	"lumina-backend/domain/events"
	pkgerrors "lumina-backend/pkg/errors"
)

// Node is a unit of content on a board.
// This is a rich domain model with encapsulated business logic
type Node struct {
	id             valueobjects.NodeID
	boardID        valueobjects.BoardID
	nodeType       valueobjects.NodeType
	content        valueobjects.NodeContent
	position       valueobjects.Position
	aiResponse     string
	createdBy      string
	lastModifiedBy string
	lock           NodeLock
	version        int
	createdAt      time.Time
	updatedAt      time.Time

	// Domain events that occurred during this aggregate's lifetime
	events []events.DomainEvent
}

// NodePatch is a partial update. Nil fields are left unchanged.
type NodePatch struct {
	Content    *string                `json:"content,omitempty"`
	Options    *[]valueobjects.Option `json:"options,omitempty"`
	Position   *valueobjects.Position `json:"position,omitempty"`
	AIResponse *string                `json:"aiResponse,omitempty"`
}

// IsEmpty reports whether the patch changes nothing.
func (p NodePatch) IsEmpty() bool {
	return p.Content == nil && p.Options == nil && p.Position == nil && p.AIResponse == nil
}

// NodeSnapshot is the flat, serializable form of a node used by repositories
// and the realtime wire.
type NodeSnapshot struct {
	BoardID        string                `json:"boardId" dynamodbav:"BoardID"`
	NodeID         string                `json:"nodeId" dynamodbav:"NodeID"`
	Type           valueobjects.NodeType `json:"type" dynamodbav:"Type"`
	Content        string                `json:"content" dynamodbav:"Content"`
	Options        []valueobjects.Option `json:"options,omitempty" dynamodbav:"Options,omitempty"`
	Position       valueobjects.Position `json:"position" dynamodbav:"Position"`
	AIResponse     string                `json:"aiResponse,omitempty" dynamodbav:"AIResponse,omitempty"`
	CreatedBy      string                `json:"createdBy" dynamodbav:"CreatedBy"`
	LastModifiedBy string                `json:"lastModifiedBy" dynamodbav:"LastModifiedBy"`
	IsLocked       bool                  `json:"isLocked" dynamodbav:"IsLocked"`
	LockedBy       string                `json:"lockedBy,omitempty" dynamodbav:"LockedBy,omitempty"`
	LockedAt       *time.Time            `json:"lockedAt,omitempty" dynamodbav:"LockedAt,omitempty"`
	Version        int                   `json:"version" dynamodbav:"Version"`
	CreatedAt      time.Time             `json:"createdAt" dynamodbav:"CreatedAt"`
	UpdatedAt      time.Time             `json:"updatedAt" dynamodbav:"UpdatedAt"`
}

// SameWrite reports whether o resends the write that produced s. Two saves
// at one version are only compatible when they carry the same edit.
func (s NodeSnapshot) SameWrite(o NodeSnapshot) bool {
	return s.Version == o.Version &&
		s.LastModifiedBy == o.LastModifiedBy &&
		s.UpdatedAt.Equal(o.UpdatedAt) &&
		s.Content == o.Content &&
		s.Position == o.Position &&
		s.AIResponse == o.AIResponse
}

// NewNode creates a node with full business rule validation
func NewNode(
	boardID valueobjects.BoardID,
	id valueobjects.NodeID,
	nodeType valueobjects.NodeType,
	createdBy string,
	content valueobjects.NodeContent,
	position valueobjects.Position,
	now time.Time,
) (*Node, error) {
	if createdBy == "" {
		return nil, pkgerrors.NewValidationError("createdBy cannot be empty")
	}
	if boardID.IsZero() {
		return nil, pkgerrors.NewValidationError("boardID cannot be empty")
	}
	if id.IsZero() {
		id = valueobjects.NewNodeID()
	}
	if nodeType == "" {
		nodeType = valueobjects.NodeTypeGenerated
	}

	node := &Node{
		id:             id,
		boardID:        boardID,
		nodeType:       nodeType,
		content:        content,
		position:       position,
		createdBy:      createdBy,
		lastModifiedBy: createdBy,
		version:        1,
		createdAt:      now,
		updatedAt:      now,
	}
	node.addEvent(node.event(events.KindNodeCreated, createdBy, now))

	return node, nil
}

// ReconstructNode rebuilds a node from a stored snapshot
func ReconstructNode(s NodeSnapshot) (*Node, error) {
	boardID, err := valueobjects.NewBoardIDFromString(s.BoardID)
	if err != nil {
		return nil, pkgerrors.NewValidationError("invalid board id: " + err.Error())
	}
	id, err := valueobjects.NewNodeIDFromString(s.NodeID)
	if err != nil {
		return nil, pkgerrors.NewValidationError("invalid node id: " + err.Error())
	}
	nodeType, err := valueobjects.ParseNodeType(string(s.Type))
	if err != nil {
		return nil, err
	}
	// Stored content was validated on the way in; limits may have changed since.
	content, err := valueobjects.NewNodeContentWithConfig(s.Content, s.Options, unlimited)
	if err != nil {
		return nil, err
	}

	version := s.Version
	if version < 1 {
		version = 1
	}

	node := &Node{
		id:             id,
		boardID:        boardID,
		nodeType:       nodeType,
		content:        content,
		position:       s.Position,
		aiResponse:     s.AIResponse,
		createdBy:      s.CreatedBy,
		lastModifiedBy: s.LastModifiedBy,
		version:        version,
		createdAt:      s.CreatedAt,
		updatedAt:      s.UpdatedAt,
	}
	if s.IsLocked && s.LockedBy != "" && s.LockedAt != nil {
		node.lock = NodeLock{NodeID: s.NodeID, Holder: s.LockedBy, AcquiredAt: *s.LockedAt}
	}
	return node, nil
}

var unlimited = &config.DomainConfig{MaxContentLength: int(^uint(0) >> 1), MaxOptions: int(^uint(0) >> 1)}

func (n *Node) ID() valueobjects.NodeID           { return n.id }
func (n *Node) BoardID() valueobjects.BoardID     { return n.boardID }
func (n *Node) Type() valueobjects.NodeType       { return n.nodeType }
func (n *Node) Content() valueobjects.NodeContent { return n.content }
func (n *Node) Position() valueobjects.Position   { return n.position }
func (n *Node) AIResponse() string                { return n.aiResponse }
func (n *Node) CreatedBy() string                 { return n.createdBy }
func (n *Node) LastModifiedBy() string            { return n.lastModifiedBy }
func (n *Node) Version() int                      { return n.version }
func (n *Node) CreatedAt() time.Time              { return n.createdAt }
func (n *Node) UpdatedAt() time.Time              { return n.updatedAt }
func (n *Node) IsSeed() bool                      { return n.nodeType == valueobjects.NodeTypeSeed }

// Lock returns the lock as of now, treating an expired lock as absent.
func (n *Node) Lock(now time.Time, ttl time.Duration) (NodeLock, bool) {
	if n.lock.IsZero() || n.lock.Expired(now, ttl) {
		return NodeLock{}, false
	}
	return n.lock, true
}

// CanUserEdit applies the node level rule: the board owner may edit anything,
// nobody else may edit the seed.
func (n *Node) CanUserEdit(userID string, isBoardOwner bool) bool {
	if isBoardOwner {
		return true
	}
	return !n.IsSeed() && userID != ""
}

// CanUserDelete allows the board owner and the node's creator.
func (n *Node) CanUserDelete(userID string, isBoardOwner bool) bool {
	if isBoardOwner {
		return true
	}
	return userID != "" && userID == n.createdBy
}

// LockForEditing takes the node lock for userID. Re-entry by the holder keeps
// the original acquisition time.
func (n *Node) LockForEditing(userID, userName string, now time.Time, ttl time.Duration) error {
	if n.lock.HeldByOther(userID, now, ttl) {
		return pkgerrors.NewLockDenied(n.id.String(), n.lock.Holder, n.lock.HolderName, n.lock.AcquiredAt)
	}
	if n.lock.HeldBy(userID, now, ttl) {
		return nil
	}
	n.lock = NodeLock{NodeID: n.id.String(), Holder: userID, HolderName: userName, AcquiredAt: now}
	return nil
}

// Unlock clears the lock. Unlocking a node nobody holds is a no-op; unlocking
// a node someone else holds is refused.
func (n *Node) Unlock(userID string, now time.Time, ttl time.Duration) error {
	if n.lock.HeldByOther(userID, now, ttl) {
		return pkgerrors.NewLockDenied(n.id.String(), n.lock.Holder, n.lock.HolderName, n.lock.AcquiredAt)
	}
	n.lock = NodeLock{}
	return nil
}

// MirrorLock overwrites the lock attribute with the authoritative state.
func (n *Node) MirrorLock(lock NodeLock) {
	n.lock = lock
}

// ApplyPatch changes the node on behalf of userID and bumps the version.
// Authorization is the caller's job; this only validates the new values.
func (n *Node) ApplyPatch(patch NodePatch, userID string, now time.Time, cfg *config.DomainConfig) error {
	if patch.IsEmpty() {
		return nil
	}

	text := n.content.Text()
	if patch.Content != nil {
		text = *patch.Content
	}
	options := n.content.Options()
	if patch.Options != nil {
		options = *patch.Options
	}
	content, err := valueobjects.NewNodeContentWithConfig(text, options, cfg)
	if err != nil {
		return err
	}
	if patch.Position != nil {
		if _, err := valueobjects.NewPosition(patch.Position.X, patch.Position.Y); err != nil {
			return pkgerrors.NewValidationError(err.Error())
		}
		n.position = *patch.Position
	}
	if patch.AIResponse != nil {
		n.aiResponse = *patch.AIResponse
	}

	n.content = content
	n.lastModifiedBy = userID
	n.updatedAt = now
	n.version++

	n.addEvent(n.event(events.KindNodeMutated, userID, now))
	return nil
}

// ApplyRemote merges state received from a peer. Last writer wins by version;
// the return value says whether anything changed.
func (n *Node) ApplyRemote(p events.NodePayload, at time.Time) bool {
	if p.Version <= n.version {
		return false
	}
	return n.overwrite(p, at)
}

// Adopt installs the stored state after a write at the same version lost to
// another participant. Older state is still ignored.
func (n *Node) Adopt(p events.NodePayload, at time.Time) bool {
	if p.Version < n.version {
		return false
	}
	if p.Version == n.version && p.LastModifiedBy == n.lastModifiedBy && p.Content == n.content.Text() && p.Position == n.position {
		return false
	}
	return n.overwrite(p, at)
}

func (n *Node) overwrite(p events.NodePayload, at time.Time) bool {
	content, err := valueobjects.NewNodeContentWithConfig(p.Content, p.Options, unlimited)
	if err != nil {
		return false
	}
	n.content = content
	n.position = p.Position
	n.aiResponse = p.AIResponse
	n.lastModifiedBy = p.LastModifiedBy
	n.version = p.Version
	n.updatedAt = at
	return true
}

// Payload returns the wire form of the node's current state.
func (n *Node) Payload() events.NodePayload {
	return events.NodePayload{
		NodeID:         n.id.String(),
		Type:           n.nodeType,
		Content:        n.content.Text(),
		Options:        n.content.Options(),
		Position:       n.position,
		AIResponse:     n.aiResponse,
		CreatedBy:      n.createdBy,
		LastModifiedBy: n.lastModifiedBy,
		Version:        n.version,
	}
}

// Snapshot returns the persistable form of the node.
func (n *Node) Snapshot() NodeSnapshot {
	s := NodeSnapshot{
		BoardID:        n.boardID.String(),
		NodeID:         n.id.String(),
		Type:           n.nodeType,
		Content:        n.content.Text(),
		Options:        n.content.Options(),
		Position:       n.position,
		AIResponse:     n.aiResponse,
		CreatedBy:      n.createdBy,
		LastModifiedBy: n.lastModifiedBy,
		Version:        n.version,
		CreatedAt:      n.createdAt,
		UpdatedAt:      n.updatedAt,
	}
	if !n.lock.IsZero() {
		at := n.lock.AcquiredAt
		s.IsLocked = true
		s.LockedBy = n.lock.Holder
		s.LockedAt = &at
	}
	return s
}

// GetUncommittedEvents returns events raised since the last commit
func (n *Node) GetUncommittedEvents() []events.DomainEvent {
	return n.events
}

// MarkEventsAsCommitted clears the uncommitted events
func (n *Node) MarkEventsAsCommitted() {
	n.events = nil
}

func (n *Node) addEvent(event events.DomainEvent) {
	n.events = append(n.events, event)
}

func (n *Node) event(kind events.Kind, userID string, at time.Time) events.Event {
	evt := events.New(kind, n.boardID.SpaceName(), at)
	evt.UserID = userID
	payload := n.Payload()
	evt.Node = &payload
	return evt
}
