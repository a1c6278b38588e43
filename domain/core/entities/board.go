package entities

import (
	"strings"
	"time"
	"unicode/utf8"

	"lumina-backend/domain/config"
	"lumina-backend/domain/core/valueobjects"
	"lumina-backend/domain/events"
	pkgerrors "lumina-backend/pkg/errors"
)

// ShareSettings controls link sharing for a board
type ShareSettings struct {
	IsPublic   bool                    `json:"isPublic" dynamodbav:"IsPublic"`
	Permission valueobjects.Permission `json:"permission" dynamodbav:"Permission"`
	ShareURL   string                  `json:"shareUrl,omitempty" dynamodbav:"ShareURL,omitempty"`
	ExpiresAt  *time.Time              `json:"expiresAt,omitempty" dynamodbav:"ExpiresAt,omitempty"`
}

// Collaborator is a non-owner with explicit access
type Collaborator struct {
	UserID     string                  `json:"userId" dynamodbav:"UserID"`
	Permission valueobjects.Permission `json:"permission" dynamodbav:"Permission"`
	JoinedAt   time.Time               `json:"joinedAt" dynamodbav:"JoinedAt"`
}

// Edge connects two nodes on the same board
type Edge struct {
	ID     string `json:"id" dynamodbav:"ID"`
	Source string `json:"source" dynamodbav:"Source"`
	Target string `json:"target" dynamodbav:"Target"`
}

// Board is the shared canvas aggregate root
type Board struct {
	id            valueobjects.BoardID
	name          string
	ownerID       string
	share         ShareSettings
	collaborators []Collaborator
	edges         []Edge
	version       int
	createdAt     time.Time
	lastModified  time.Time

	events []events.DomainEvent
}

// BoardSnapshot is the flat, serializable form of a board
type BoardSnapshot struct {
	ID            string         `json:"id" dynamodbav:"BoardID"`
	Name          string         `json:"name" dynamodbav:"Name"`
	OwnerID       string         `json:"ownerId" dynamodbav:"OwnerID"`
	ShareSettings ShareSettings  `json:"shareSettings" dynamodbav:"ShareSettings"`
	Collaborators []Collaborator `json:"collaborators" dynamodbav:"Collaborators"`
	Edges         []Edge         `json:"edges" dynamodbav:"Edges"`
	Version       int            `json:"version" dynamodbav:"Version"`
	CreatedAt     time.Time      `json:"createdAt" dynamodbav:"CreatedAt"`
	LastModified  time.Time      `json:"lastModified" dynamodbav:"LastModified"`
}

// NewBoard creates a board owned by ownerID
func NewBoard(id valueobjects.BoardID, name, ownerID string, now time.Time, cfg *config.DomainConfig) (*Board, error) {
	if cfg == nil {
		cfg = config.DefaultDomainConfig()
	}
	if ownerID == "" {
		return nil, pkgerrors.NewValidationError("ownerID cannot be empty")
	}
	if id.IsZero() {
		id = valueobjects.NewBoardID()
	}
	name, err := normalizeBoardName(name, cfg)
	if err != nil {
		return nil, err
	}

	return &Board{
		id:           id,
		name:         name,
		ownerID:      ownerID,
		share:        ShareSettings{Permission: valueobjects.PermissionView},
		version:      1,
		createdAt:    now,
		lastModified: now,
	}, nil
}

// ReconstructBoard rebuilds a board from a stored snapshot
func ReconstructBoard(s BoardSnapshot) (*Board, error) {
	id, err := valueobjects.NewBoardIDFromString(s.ID)
	if err != nil {
		return nil, pkgerrors.NewValidationError("invalid board id: " + err.Error())
	}
	if s.OwnerID == "" {
		return nil, pkgerrors.NewValidationError("board has no owner")
	}
	share := s.ShareSettings
	if share.Permission == "" {
		share.Permission = valueobjects.PermissionView
	}
	version := s.Version
	if version < 1 {
		version = 1
	}
	return &Board{
		id:            id,
		name:          s.Name,
		ownerID:       s.OwnerID,
		share:         share,
		collaborators: append([]Collaborator(nil), s.Collaborators...),
		edges:         append([]Edge(nil), s.Edges...),
		version:       version,
		createdAt:     s.CreatedAt,
		lastModified:  s.LastModified,
	}, nil
}

func normalizeBoardName(name string, cfg *config.DomainConfig) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return cfg.DefaultBoardName, nil
	}
	if utf8.RuneCountInString(name) > cfg.MaxBoardNameLength {
		return "", pkgerrors.ErrBoardNameTooLong
	}
	return name, nil
}

func (b *Board) ID() valueobjects.BoardID     { return b.id }
func (b *Board) Name() string                 { return b.name }
func (b *Board) OwnerID() string              { return b.ownerID }
func (b *Board) ShareSettings() ShareSettings { return b.share }
func (b *Board) Version() int                 { return b.version }
func (b *Board) LastModified() time.Time      { return b.lastModified }

func (b *Board) Collaborators() []Collaborator {
	return append([]Collaborator(nil), b.collaborators...)
}

func (b *Board) Edges() []Edge {
	return append([]Edge(nil), b.edges...)
}

// IsOwner reports whether userID owns the board
func (b *Board) IsOwner(userID string) bool {
	return userID != "" && userID == b.ownerID
}

func (b *Board) collaborator(userID string) (Collaborator, bool) {
	for _, c := range b.collaborators {
		if c.UserID == userID {
			return c, true
		}
	}
	return Collaborator{}, false
}

func (b *Board) shareActive(now time.Time) bool {
	if !b.share.IsPublic {
		return false
	}
	return b.share.ExpiresAt == nil || now.Before(*b.share.ExpiresAt)
}

// CanUserEdit: the owner, an edit collaborator, or anyone when the board is
// shared publicly with edit permission.
func (b *Board) CanUserEdit(userID string, now time.Time) bool {
	if b.IsOwner(userID) {
		return true
	}
	if c, ok := b.collaborator(userID); ok && c.Permission.CanEdit() {
		return true
	}
	return b.shareActive(now) && b.share.Permission.CanEdit()
}

// CanUserView: the owner, any collaborator, or anyone while a public share is active.
func (b *Board) CanUserView(userID string, now time.Time) bool {
	if b.IsOwner(userID) {
		return true
	}
	if _, ok := b.collaborator(userID); ok {
		return true
	}
	return b.shareActive(now)
}

// GenerateShareURL returns the public link for the board
func (b *Board) GenerateShareURL(baseURL string) string {
	if baseURL == "" {
		baseURL = "https://lumina.app"
	}
	return strings.TrimRight(baseURL, "/") + "/board/" + b.id.String()
}

// Share updates link sharing. A zero ttl means the link does not expire.
func (b *Board) Share(userID string, isPublic bool, permission valueobjects.Permission, baseURL string, ttl time.Duration, now time.Time) error {
	if !b.IsOwner(userID) {
		return pkgerrors.NewPermissionDenied("only the owner can change sharing")
	}
	b.share.IsPublic = isPublic
	b.share.Permission = permission
	b.share.ExpiresAt = nil
	if isPublic {
		b.share.ShareURL = b.GenerateShareURL(baseURL)
		if ttl > 0 {
			exp := now.Add(ttl)
			b.share.ExpiresAt = &exp
		}
	} else {
		b.share.ShareURL = ""
	}
	b.touch(now)
	return nil
}

// AddCollaborator grants or updates access for userID
func (b *Board) AddCollaborator(actorID, userID string, permission valueobjects.Permission, now time.Time) error {
	if !b.IsOwner(actorID) {
		return pkgerrors.NewPermissionDenied("only the owner can manage collaborators")
	}
	if userID == "" || b.IsOwner(userID) {
		return pkgerrors.NewValidationError("collaborator must be a user other than the owner")
	}
	for i := range b.collaborators {
		if b.collaborators[i].UserID == userID {
			b.collaborators[i].Permission = permission
			b.touch(now)
			return nil
		}
	}
	b.collaborators = append(b.collaborators, Collaborator{UserID: userID, Permission: permission, JoinedAt: now})
	b.touch(now)
	return nil
}

// RemoveCollaborator revokes access for userID
func (b *Board) RemoveCollaborator(actorID, userID string, now time.Time) error {
	if !b.IsOwner(actorID) {
		return pkgerrors.NewPermissionDenied("only the owner can manage collaborators")
	}
	kept := b.collaborators[:0]
	for _, c := range b.collaborators {
		if c.UserID != userID {
			kept = append(kept, c)
		}
	}
	b.collaborators = kept
	b.touch(now)
	return nil
}

// Rename changes the board name
func (b *Board) Rename(name string, now time.Time, cfg *config.DomainConfig) error {
	if cfg == nil {
		cfg = config.DefaultDomainConfig()
	}
	name, err := normalizeBoardName(name, cfg)
	if err != nil {
		return err
	}
	b.name = name
	b.touch(now)
	return nil
}

// ReplaceEdges sets the edge list after checking every endpoint exists.
func (b *Board) ReplaceEdges(edges []Edge, nodeExists func(id string) bool, now time.Time, cfg *config.DomainConfig) error {
	if cfg == nil {
		cfg = config.DefaultDomainConfig()
	}
	if len(edges) > cfg.MaxEdgesPerBoard {
		return pkgerrors.NewValidationError("too many edges")
	}
	for _, e := range edges {
		if !nodeExists(e.Source) || !nodeExists(e.Target) {
			return pkgerrors.ErrDanglingEdge
		}
	}
	b.edges = append([]Edge(nil), edges...)
	b.touch(now)
	return nil
}

// DropEdgesFor removes every edge touching nodeID
func (b *Board) DropEdgesFor(nodeID string, now time.Time) {
	kept := b.edges[:0]
	for _, e := range b.edges {
		if e.Source != nodeID && e.Target != nodeID {
			kept = append(kept, e)
		}
	}
	b.edges = kept
	b.touch(now)
}

func (b *Board) touch(now time.Time) {
	b.lastModified = now
	b.version++
	evt := events.New(events.KindBoardSaved, b.id.SpaceName(), now)
	evt.Board = &events.BoardPayload{BoardID: b.id.String(), Version: b.version}
	b.events = append(b.events[:0], evt)
}

// Snapshot returns the persistable form of the board
func (b *Board) Snapshot() BoardSnapshot {
	return BoardSnapshot{
		ID:            b.id.String(),
		Name:          b.name,
		OwnerID:       b.ownerID,
		ShareSettings: b.share,
		Collaborators: b.Collaborators(),
		Edges:         b.Edges(),
		Version:       b.version,
		CreatedAt:     b.createdAt,
		LastModified:  b.lastModified,
	}
}

// GetUncommittedEvents returns events raised since the last commit
func (b *Board) GetUncommittedEvents() []events.DomainEvent {
	return b.events
}

// MarkEventsAsCommitted clears the uncommitted events
func (b *Board) MarkEventsAsCommitted() {
	b.events = nil
}
