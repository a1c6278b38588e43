// Package spaces is the authoritative side of the realtime layer. It owns
// membership, cursors and node locks for every space and fans events out to
// subscribers. Transports (in-process or websocket) are thin shells over it.
package spaces

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"lumina-backend/application/ports"
	"lumina-backend/domain/core/entities"
	"lumina-backend/domain/core/valueobjects"
	"lumina-backend/domain/events"
	"lumina-backend/domain/identity"
	pkgerrors "lumina-backend/pkg/errors"
)

// Config holds registry timings
type Config struct {
	LockTTL          time.Duration
	PresenceTimeout  time.Duration
	SweepInterval    time.Duration
	SubscriberBuffer int
}

// DefaultConfig returns production timings
func DefaultConfig() Config {
	return Config{
		LockTTL:          5 * time.Minute,
		PresenceTimeout:  30 * time.Second,
		SweepInterval:    10 * time.Second,
		SubscriberBuffer: 256,
	}
}

type space struct {
	name    string
	members map[string]entities.Participant
	stream  *events.Stream
}

// Registry holds every active space
type Registry struct {
	mu     sync.Mutex
	spaces map[string]*space
	locks  ports.LockStore
	cfg    Config
	now    func() time.Time
	logger *zap.Logger
}

// Option configures a Registry
type Option func(*Registry)

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// NewRegistry creates a registry over the given lock table
func NewRegistry(locks ports.LockStore, cfg Config, opts ...Option) *Registry {
	r := &Registry{
		spaces: make(map[string]*space),
		locks:  locks,
		cfg:    cfg,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.cfg.SubscriberBuffer <= 0 {
		r.cfg.SubscriberBuffer = DefaultConfig().SubscriberBuffer
	}
	return r
}

// Reconfigure swaps timings at runtime. Existing locks are judged by the new TTL.
func (r *Registry) Reconfigure(cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = r.cfg.SubscriberBuffer
	}
	r.cfg = cfg
	r.logger.Info("Realtime registry reconfigured",
		zap.Duration("lockTTL", cfg.LockTTL),
		zap.Duration("presenceTimeout", cfg.PresenceTimeout),
	)
}

func (r *Registry) config() Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// spaceLocked returns the named space, creating it on first use.
func (r *Registry) spaceLocked(name string) *space {
	sp, ok := r.spaces[name]
	if !ok {
		sp = &space{name: name, members: make(map[string]entities.Participant), stream: events.NewStream()}
		r.spaces[name] = sp
	}
	return sp
}

func (r *Registry) member(spaceName, connectionID string) (entities.Participant, *space, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sp, ok := r.spaces[spaceName]
	if !ok {
		return entities.Participant{}, nil, pkgerrors.ErrNotJoined
	}
	m, ok := sp.members[connectionID]
	if !ok {
		return entities.Participant{}, nil, pkgerrors.ErrNotJoined
	}
	return m, sp, nil
}

// Subscribe opens an event stream on a space.
func (r *Registry) Subscribe(spaceName string, categories ...events.Category) *events.Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.spaceLocked(spaceName).stream.Subscribe(r.cfg.SubscriberBuffer, categories...)
}

// Enter adds a participant to a space. Entering twice refreshes the profile.
func (r *Registry) Enter(ctx context.Context, spaceName, connectionID string, who identity.Identity) (entities.Participant, error) {
	if connectionID == "" || who.ID == "" {
		return entities.Participant{}, pkgerrors.NewValidationError("connection and user are required")
	}
	now := r.now()

	r.mu.Lock()
	sp := r.spaceLocked(spaceName)
	prev, existed := sp.members[connectionID]
	p := entities.Participant{
		ConnectionID: connectionID,
		UserID:       who.ID,
		Name:         who.Name,
		Color:        who.Color,
		JoinedAt:     now,
		LastSeen:     now,
	}
	if existed {
		p.JoinedAt = prev.JoinedAt
		p.Cursor = prev.Cursor
	}
	sp.members[connectionID] = p
	r.mu.Unlock()

	kind := events.KindMemberEnter
	if existed {
		kind = events.KindMemberUpdate
	}
	evt := events.New(kind, spaceName, now)
	evt.ConnectionID = connectionID
	evt.UserID = who.ID
	evt.Member = memberPayload(p)
	sp.stream.Publish(evt)

	r.logger.Debug("Member entered",
		zap.String("space", spaceName),
		zap.String("connectionID", connectionID),
		zap.String("userID", who.ID),
	)
	return p, nil
}

// Leave removes a participant and releases every lock it held.
func (r *Registry) Leave(ctx context.Context, spaceName, connectionID string) error {
	r.mu.Lock()
	sp, ok := r.spaces[spaceName]
	var p entities.Participant
	if ok {
		p, ok = sp.members[connectionID]
		delete(sp.members, connectionID)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return r.evict(ctx, sp, p, false)
}

func (r *Registry) evict(ctx context.Context, sp *space, p entities.Participant, expired bool) error {
	now := r.now()
	released, err := r.locks.ReleaseConnection(ctx, sp.name, p.ConnectionID)
	for _, l := range released {
		sp.stream.Publish(lockEvent(events.KindLockReleased, sp.name, l, expired, now))
	}

	evt := events.New(events.KindMemberLeave, sp.name, now)
	evt.ConnectionID = p.ConnectionID
	evt.UserID = p.UserID
	evt.Member = memberPayload(p)
	sp.stream.Publish(evt)

	if err != nil {
		r.logger.Warn("Failed to release locks for departing member",
			zap.String("space", sp.name),
			zap.String("connectionID", p.ConnectionID),
			zap.Error(err),
		)
		return pkgerrors.Wrap(err, "release connection locks")
	}
	return nil
}

// Heartbeat marks a participant as alive.
func (r *Registry) Heartbeat(ctx context.Context, spaceName, connectionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sp, ok := r.spaces[spaceName]
	if !ok {
		return pkgerrors.ErrNotJoined
	}
	m, ok := sp.members[connectionID]
	if !ok {
		return pkgerrors.ErrNotJoined
	}
	m.Touch(r.now())
	sp.members[connectionID] = m
	return nil
}

// Members lists live participants ordered by join time.
func (r *Registry) Members(ctx context.Context, spaceName string) ([]entities.Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sp, ok := r.spaces[spaceName]
	if !ok {
		return []entities.Participant{}, nil
	}
	now := r.now()
	out := make([]entities.Participant, 0, len(sp.members))
	for _, m := range sp.members {
		if r.cfg.PresenceTimeout > 0 && m.Stale(now, r.cfg.PresenceTimeout) {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ConnectionID < out[j].ConnectionID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out, nil
}

// Locks lists the unexpired locks on a space.
func (r *Registry) Locks(ctx context.Context, spaceName string) ([]entities.NodeLock, error) {
	all, err := r.locks.List(ctx, spaceName)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "list locks")
	}
	ttl := r.config().LockTTL
	now := r.now()
	live := all[:0]
	for _, l := range all {
		if !l.Expired(now, ttl) {
			live = append(live, l)
		}
	}
	return live, nil
}

// AcquireLock grants nodeID to the participant on connectionID, or returns a
// LockDeniedError naming the current holder.
func (r *Registry) AcquireLock(ctx context.Context, spaceName, connectionID, nodeID string) (entities.NodeLock, error) {
	if _, err := valueobjects.NewNodeIDFromString(nodeID); err != nil {
		return entities.NodeLock{}, err
	}
	m, sp, err := r.member(spaceName, connectionID)
	if err != nil {
		return entities.NodeLock{}, err
	}

	now := r.now()
	want := entities.NodeLock{
		NodeID:       nodeID,
		Holder:       m.UserID,
		HolderName:   m.Name,
		ConnectionID: connectionID,
		AcquiredAt:   now,
	}
	grant, err := r.locks.Acquire(ctx, spaceName, want, r.config().LockTTL)
	if err != nil {
		return entities.NodeLock{}, pkgerrors.Wrap(err, "acquire lock")
	}
	if !grant.Acquired {
		return entities.NodeLock{}, pkgerrors.NewLockDenied(nodeID, grant.Lock.Holder, grant.Lock.HolderName, grant.Lock.AcquiredAt)
	}
	if grant.Reentrant {
		return grant.Lock, nil
	}
	if grant.Replaced != nil {
		sp.stream.Publish(lockEvent(events.KindLockReleased, spaceName, *grant.Replaced, true, now))
	}
	evt := lockEvent(events.KindLockAcquired, spaceName, grant.Lock, false, now)
	sp.stream.Publish(evt)

	r.logger.Debug("Lock acquired",
		zap.String("space", spaceName),
		zap.String("nodeID", nodeID),
		zap.String("holder", m.UserID),
		zap.Bool("tookOverExpired", grant.Replaced != nil),
	)
	return grant.Lock, nil
}

// ReleaseLock releases nodeID for the participant on connectionID. Releasing
// an unlocked node is a no-op.
func (r *Registry) ReleaseLock(ctx context.Context, spaceName, connectionID, nodeID string) error {
	m, sp, err := r.member(spaceName, connectionID)
	if err != nil {
		return err
	}
	ttl := r.config().LockTTL
	released, err := r.locks.Release(ctx, spaceName, nodeID, m.UserID, ttl)
	if err != nil {
		return err
	}
	if released.IsZero() {
		return nil
	}
	now := r.now()
	expired := released.Holder != m.UserID
	sp.stream.Publish(lockEvent(events.KindLockReleased, spaceName, released, expired, now))
	return nil
}

// SetCursor records and broadcasts a pointer position.
func (r *Registry) SetCursor(ctx context.Context, spaceName, connectionID string, pos valueobjects.Position) error {
	now := r.now()
	r.mu.Lock()
	sp, ok := r.spaces[spaceName]
	if !ok {
		r.mu.Unlock()
		return pkgerrors.ErrNotJoined
	}
	m, ok := sp.members[connectionID]
	if !ok {
		r.mu.Unlock()
		return pkgerrors.ErrNotJoined
	}
	m.MoveCursor(pos, now)
	sp.members[connectionID] = m
	r.mu.Unlock()

	evt := events.New(events.KindCursorMoved, spaceName, now)
	evt.ConnectionID = connectionID
	evt.UserID = m.UserID
	evt.Cursor = &pos
	sp.stream.Publish(evt)
	return nil
}

// Publish relays a client event. Only node and board events may be sent by
// members; presence and lock events are produced by the registry itself.
func (r *Registry) Publish(ctx context.Context, spaceName, connectionID string, evt events.Event) error {
	switch evt.Kind.Category() {
	case events.CategoryNodes, events.CategoryBoard:
	default:
		return pkgerrors.NewValidationError("event kind cannot be published by members: " + string(evt.Kind))
	}
	m, sp, err := r.member(spaceName, connectionID)
	if err != nil {
		return err
	}
	if evt.ID == "" {
		evt.ID = events.NewID(r.now())
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = r.now()
	}
	evt.Space = spaceName
	evt.ConnectionID = connectionID
	evt.UserID = m.UserID
	sp.stream.Publish(evt)
	return nil
}

// Sweep evicts members that missed their heartbeat window, releasing their
// locks, and drops empty spaces. It returns the number evicted.
func (r *Registry) Sweep(ctx context.Context) int {
	now := r.now()
	type victim struct {
		sp *space
		p  entities.Participant
	}
	var victims []victim

	r.mu.Lock()
	timeout := r.cfg.PresenceTimeout
	for name, sp := range r.spaces {
		if timeout > 0 {
			for id, m := range sp.members {
				if m.Stale(now, timeout) {
					victims = append(victims, victim{sp, m})
					delete(sp.members, id)
				}
			}
		}
		if len(sp.members) == 0 && sp.stream.Subscribers() == 0 {
			sp.stream.Close()
			delete(r.spaces, name)
		}
	}
	r.mu.Unlock()

	for _, v := range victims {
		r.logger.Info("Evicting stale member",
			zap.String("space", v.sp.name),
			zap.String("connectionID", v.p.ConnectionID),
			zap.Time("lastSeen", v.p.LastSeen),
		)
		_ = r.evict(ctx, v.sp, v.p, true)
	}
	return len(victims)
}

// Run sweeps on the configured interval until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	interval := r.config().SweepInterval
	if interval <= 0 {
		interval = DefaultConfig().SweepInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.Sweep(ctx)
		}
	}
}

// Spaces returns the number of active spaces.
func (r *Registry) Spaces() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.spaces)
}

func memberPayload(p entities.Participant) *events.MemberPayload {
	return &events.MemberPayload{
		ConnectionID: p.ConnectionID,
		UserID:       p.UserID,
		Name:         p.Name,
		Color:        p.Color,
		Cursor:       p.Cursor,
		JoinedAt:     p.JoinedAt,
		LastSeen:     p.LastSeen,
	}
}

func lockEvent(kind events.Kind, spaceName string, l entities.NodeLock, expired bool, at time.Time) events.Event {
	evt := events.New(kind, spaceName, at)
	evt.ConnectionID = l.ConnectionID
	evt.UserID = l.Holder
	evt.Lock = &events.LockPayload{
		NodeID:       l.NodeID,
		Holder:       l.Holder,
		HolderName:   l.HolderName,
		ConnectionID: l.ConnectionID,
		AcquiredAt:   l.AcquiredAt,
		Expired:      expired,
	}
	return evt
}
