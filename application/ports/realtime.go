package ports

import (
	"context"

	"lumina-backend/domain/core/entities"
	"lumina-backend/domain/core/valueobjects"
	"lumina-backend/domain/events"
	"lumina-backend/domain/identity"
)

// RealtimeTransport is a pub/sub provider offering presence, locks and cursors.
type RealtimeTransport interface {
	// Connect authenticates with the provider. A missing key is a ConfigurationError.
	Connect(ctx context.Context, apiKey string) error

	// JoinSpace opens a new connection-scoped handle on a named space.
	JoinSpace(ctx context.Context, name string) (Space, error)

	Close() error
}

// LockAuthority decides lock ownership for the entered member.
type LockAuthority interface {
	// AcquireLock returns the granted lock or a LockDeniedError naming the holder.
	AcquireLock(ctx context.Context, nodeID string) (entities.NodeLock, error)

	// ReleaseLock fails with a LockDeniedError if someone else holds the lock.
	ReleaseLock(ctx context.Context, nodeID string) error
}

// Space is one connection's view of a shared realtime space.
type Space interface {
	LockAuthority

	Name() string
	ConnectionID() string

	Enter(ctx context.Context, member identity.Identity) error
	Leave(ctx context.Context) error
	Heartbeat(ctx context.Context) error

	Members(ctx context.Context) ([]entities.Participant, error)
	Locks(ctx context.Context) ([]entities.NodeLock, error)

	// SetCursor is fire-and-forget; implementations may drop updates.
	SetCursor(ctx context.Context, pos valueobjects.Position) error

	// Publish relays an application event, such as a node mutation, to peers.
	Publish(ctx context.Context, evt events.Event) error

	// Subscribe returns a stream of the given categories. Close it to unsubscribe.
	Subscribe(categories ...events.Category) *events.Subscription

	// Done is closed when the underlying connection is lost.
	Done() <-chan struct{}
}

// IdentityProvider supplies the local participant
type IdentityProvider interface {
	CurrentUser() identity.Identity
}
