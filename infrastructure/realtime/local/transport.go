// Package local connects participants to a spaces.Registry in the same
// process. It backs the offline-capable API server and the test suites, and
// can simulate connection loss.
package local

import (
	"context"
	"sync"
	"time"

	"lumina-backend/application/ports"
	"lumina-backend/domain/core/entities"
	"lumina-backend/domain/core/valueobjects"
	"lumina-backend/domain/events"
	"lumina-backend/domain/identity"
	"lumina-backend/infrastructure/realtime/spaces"
	pkgerrors "lumina-backend/pkg/errors"
)

// Transport hands out spaces backed by a shared registry
type Transport struct {
	registry *spaces.Registry

	mu        sync.Mutex
	connected bool
	open      map[*Space]struct{}
	failJoins int
}

var _ ports.RealtimeTransport = (*Transport)(nil)

// NewTransport creates a transport over registry
func NewTransport(registry *spaces.Registry) *Transport {
	return &Transport{registry: registry, open: make(map[*Space]struct{})}
}

// Connect validates the key. Any non-empty key is accepted.
func (t *Transport) Connect(ctx context.Context, apiKey string) error {
	if apiKey == "" {
		return pkgerrors.NewConfigurationError("REALTIME_API_KEY")
	}
	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	return nil
}

// JoinSpace opens a new connection to the named space.
func (t *Transport) JoinSpace(ctx context.Context, name string) (ports.Space, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return nil, pkgerrors.NewTransportDisconnected(nil)
	}
	if t.failJoins > 0 {
		t.failJoins--
		return nil, pkgerrors.NewTransportDisconnected(nil)
	}
	s := &Space{
		t:      t,
		name:   name,
		connID: "conn-" + events.NewID(time.Now()),
		done:   make(chan struct{}),
		subs:   make(map[*events.Subscription]struct{}),
	}
	t.open[s] = struct{}{}
	return s, nil
}

// Interrupt drops every open connection, as a network failure would. The
// registry forgets the dropped members immediately.
func (t *Transport) Interrupt() {
	t.mu.Lock()
	open := make([]*Space, 0, len(t.open))
	for s := range t.open {
		open = append(open, s)
	}
	t.mu.Unlock()
	for _, s := range open {
		s.Drop()
	}
}

// FailNextJoins makes the next n JoinSpace calls fail.
func (t *Transport) FailNextJoins(n int) {
	t.mu.Lock()
	t.failJoins = n
	t.mu.Unlock()
}

// Close drops every connection and refuses new ones until Connect.
func (t *Transport) Close() error {
	t.Interrupt()
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()
	return nil
}

func (t *Transport) forget(s *Space) {
	t.mu.Lock()
	delete(t.open, s)
	t.mu.Unlock()
}

// Space is one connection to a registry space
type Space struct {
	t      *Transport
	name   string
	connID string

	mu      sync.Mutex
	subs    map[*events.Subscription]struct{}
	dropped bool
	done    chan struct{}
	once    sync.Once
}

var _ ports.Space = (*Space)(nil)

func (s *Space) Name() string          { return s.name }
func (s *Space) ConnectionID() string  { return s.connID }
func (s *Space) Done() <-chan struct{} { return s.done }

func (s *Space) live() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dropped {
		return pkgerrors.NewTransportDisconnected(nil)
	}
	return nil
}

func (s *Space) Enter(ctx context.Context, member identity.Identity) error {
	if err := s.live(); err != nil {
		return err
	}
	_, err := s.t.registry.Enter(ctx, s.name, s.connID, member)
	return err
}

// Leave exits the space and closes the connection.
func (s *Space) Leave(ctx context.Context) error {
	err := s.t.registry.Leave(ctx, s.name, s.connID)
	s.close()
	return err
}

// Drop severs the connection without a clean leave from the client side.
func (s *Space) Drop() {
	_ = s.t.registry.Leave(context.Background(), s.name, s.connID)
	s.close()
}

func (s *Space) close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.dropped = true
		subs := s.subs
		s.subs = nil
		s.mu.Unlock()
		for sub := range subs {
			sub.Close()
		}
		close(s.done)
		s.t.forget(s)
	})
}

func (s *Space) Heartbeat(ctx context.Context) error {
	if err := s.live(); err != nil {
		return err
	}
	return s.t.registry.Heartbeat(ctx, s.name, s.connID)
}

func (s *Space) Members(ctx context.Context) ([]entities.Participant, error) {
	if err := s.live(); err != nil {
		return nil, err
	}
	return s.t.registry.Members(ctx, s.name)
}

func (s *Space) Locks(ctx context.Context) ([]entities.NodeLock, error) {
	if err := s.live(); err != nil {
		return nil, err
	}
	return s.t.registry.Locks(ctx, s.name)
}

func (s *Space) AcquireLock(ctx context.Context, nodeID string) (entities.NodeLock, error) {
	if err := s.live(); err != nil {
		return entities.NodeLock{}, err
	}
	return s.t.registry.AcquireLock(ctx, s.name, s.connID, nodeID)
}

func (s *Space) ReleaseLock(ctx context.Context, nodeID string) error {
	if err := s.live(); err != nil {
		return err
	}
	return s.t.registry.ReleaseLock(ctx, s.name, s.connID, nodeID)
}

func (s *Space) SetCursor(ctx context.Context, pos valueobjects.Position) error {
	if err := s.live(); err != nil {
		return err
	}
	return s.t.registry.SetCursor(ctx, s.name, s.connID, pos)
}

func (s *Space) Publish(ctx context.Context, evt events.Event) error {
	if err := s.live(); err != nil {
		return err
	}
	return s.t.registry.Publish(ctx, s.name, s.connID, evt)
}

// Subscribe streams the space's events. The subscription ends when the
// connection drops.
func (s *Space) Subscribe(categories ...events.Category) *events.Subscription {
	sub := s.t.registry.Subscribe(s.name, categories...)
	s.mu.Lock()
	if s.dropped {
		s.mu.Unlock()
		sub.Close()
		return sub
	}
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	return sub
}
