package ports

import (
	"context"
	"time"

	"lumina-backend/domain/core/entities"
	"lumina-backend/domain/core/valueobjects"
	"lumina-backend/domain/events"
)

// BoardRepository defines the interface for board persistence
// This is a port in hexagonal architecture - the domain doesn't know about the implementation
type BoardRepository interface {
	// Save persists a board (create or update). Saving the same snapshot twice is harmless.
	Save(ctx context.Context, board *entities.Board) error

	// GetByID returns ErrBoardNotFound when the board does not exist
	GetByID(ctx context.Context, id valueobjects.BoardID) (*entities.Board, error)

	// ListByUser returns boards the user owns or collaborates on
	ListByUser(ctx context.Context, userID string) ([]*entities.Board, error)

	// Delete returns ErrBoardNotFound when the board does not exist
	Delete(ctx context.Context, id valueobjects.BoardID) error
}

// NodeRepository defines the interface for node persistence
type NodeRepository interface {
	// Save writes the snapshot unless a newer version is already stored, in
	// which case it returns ErrStaleWrite. Equal versions are accepted.
	Save(ctx context.Context, node entities.NodeSnapshot) error

	// GetByID returns ErrNodeNotFound when the node does not exist
	GetByID(ctx context.Context, boardID valueobjects.BoardID, nodeID valueobjects.NodeID) (*entities.Node, error)

	// GetByBoard returns every node on a board
	GetByBoard(ctx context.Context, boardID valueobjects.BoardID) ([]*entities.Node, error)

	// Delete removes a node. Deleting a missing node is not an error.
	Delete(ctx context.Context, boardID valueobjects.BoardID, nodeID valueobjects.NodeID) error

	// DeleteByBoard removes every node on a board
	DeleteByBoard(ctx context.Context, boardID valueobjects.BoardID) error
}

// LockGrant is the outcome of LockStore.Acquire
type LockGrant struct {
	// Lock is the lock now in force, ours or the current holder's.
	Lock entities.NodeLock
	// Acquired is true when the caller holds Lock.
	Acquired bool
	// Reentrant is true when the caller already held the lock; nothing changed.
	Reentrant bool
	// Replaced is the expired lock that was overwritten, if any.
	Replaced *entities.NodeLock
}

// LockStore is the authoritative lock table shared by every connection to a space.
type LockStore interface {
	// Acquire grants lock unless another holder's lock is still within ttl.
	Acquire(ctx context.Context, space string, lock entities.NodeLock, ttl time.Duration) (LockGrant, error)

	// Release removes the lock if holder owns it or it has expired. It returns
	// the removed lock (zero if none), or a LockDeniedError when someone else holds it.
	Release(ctx context.Context, space, nodeID, holder string, ttl time.Duration) (entities.NodeLock, error)

	// List returns the locks currently stored for a space, expired ones included.
	List(ctx context.Context, space string) ([]entities.NodeLock, error)

	// ReleaseConnection drops every lock taken through connectionID.
	ReleaseConnection(ctx context.Context, space, connectionID string) ([]entities.NodeLock, error)
}

// Connection is an API Gateway websocket connection attached to a board
type Connection struct {
	ConnectionID string    `dynamodbav:"ConnectionID"`
	BoardID      string    `dynamodbav:"BoardID"`
	UserID       string    `dynamodbav:"UserID"`
	ConnectedAt  time.Time `dynamodbav:"ConnectedAt"`
	ExpiresAt    int64     `dynamodbav:"ExpiresAt"`
}

// ConnectionStore tracks websocket connections for fanout
type ConnectionStore interface {
	Put(ctx context.Context, conn Connection) error
	Get(ctx context.Context, connectionID string) (Connection, error)
	Delete(ctx context.Context, connectionID string) error
	ListByBoard(ctx context.Context, boardID string) ([]Connection, error)
}

// EventPublisher defines the interface for publishing domain events
type EventPublisher interface {
	// Publish sends a single event
	Publish(ctx context.Context, event events.DomainEvent) error

	// PublishBatch sends multiple events
	PublishBatch(ctx context.Context, events []events.DomainEvent) error
}
