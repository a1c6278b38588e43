// Package presence tracks who is on a board and relays their cursors, locks
// and edits. Delivery is best-effort: after a transport loss the channel
// rejoins and replaces its state with a fresh snapshot instead of replaying.
package presence

import (
	"context"
	"errors"
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

// Config holds presence timings
type Config struct {
	HeartbeatInterval   time.Duration
	ReconcileInterval   time.Duration
	PresenceTimeout     time.Duration
	ResubscribeBackoff  time.Duration
	MaxResubscribeDelay time.Duration
	SubscriberBuffer    int
	OpTimeout           time.Duration
}

// DefaultConfig returns production timings
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:   10 * time.Second,
		ReconcileInterval:   15 * time.Second,
		PresenceTimeout:     30 * time.Second,
		ResubscribeBackoff:  time.Second,
		MaxResubscribeDelay: 30 * time.Second,
		SubscriberBuffer:    256,
		OpTimeout:           5 * time.Second,
	}
}

// Snapshot is a point-in-time view of a board's presence and locks
type Snapshot struct {
	Members []entities.Participant `json:"members"`
	Locks   []entities.NodeLock    `json:"locks"`
}

// Service opens presence channels. A nil transport yields offline channels
// that only ever contain the local participant.
type Service struct {
	transport ports.RealtimeTransport
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time
}

// NewService creates a presence service
func NewService(transport ports.RealtimeTransport, cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = DefaultConfig().SubscriberBuffer
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = DefaultConfig().OpTimeout
	}
	return &Service{transport: transport, cfg: cfg, logger: logger, now: time.Now}
}

// Online reports whether channels will reach peers.
func (s *Service) Online() bool {
	return s.transport != nil
}

// SubscriberBuffer is the per-subscriber backlog allowed before cursor
// updates are dropped.
func (s *Service) SubscriberBuffer() int {
	return s.cfg.SubscriberBuffer
}

// Channel is one participant's live membership of one space
type Channel struct {
	svc  *Service
	name string
	me   identity.Identity
	out  *events.Stream
	log  *zap.Logger

	mu       sync.RWMutex
	space    ports.Space
	members  map[string]entities.Participant
	locks    map[string]entities.NodeLock
	selfConn string

	closing chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// Join enters the named space as me, fetches a snapshot and starts relaying
// member, lock, cursor and node events.
func (s *Service) Join(ctx context.Context, spaceName string, me identity.Identity) (*Channel, error) {
	c := &Channel{
		svc:     s,
		name:    spaceName,
		me:      me,
		out:     events.NewStream(),
		log:     s.logger.With(zap.String("space", spaceName), zap.String("userID", me.ID)),
		members: make(map[string]entities.Participant),
		locks:   make(map[string]entities.NodeLock),
		closing: make(chan struct{}),
		stopped: make(chan struct{}),
	}

	if s.transport == nil {
		c.addLocalSelf()
		close(c.stopped)
		return c, nil
	}

	space, sub, err := c.connect(ctx)
	switch {
	case err == nil:
		go c.run(space, sub)
	case errors.Is(err, pkgerrors.ErrTransportDisconnected):
		// Start offline and keep trying; peers appear with space.resynced.
		c.log.Warn("Realtime transport unavailable, joining offline", zap.Error(err))
		c.addLocalSelf()
		go func() {
			select {
			case <-time.After(s.cfg.ResubscribeBackoff):
			case <-c.closing:
				close(c.stopped)
				return
			}
			sub, space := c.rejoin()
			if sub == nil {
				close(c.stopped)
				return
			}
			c.run(space, sub)
		}()
	default:
		return nil, err
	}
	return c, nil
}

func (c *Channel) addLocalSelf() {
	now := c.svc.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.selfConn = "local-" + events.NewID(now)
	c.members[c.selfConn] = entities.Participant{
		ConnectionID: c.selfConn, UserID: c.me.ID, Name: c.me.Name, Color: c.me.Color, JoinedAt: now, LastSeen: now,
	}
}

// connect joins, enters, subscribes and loads a snapshot.
func (c *Channel) connect(ctx context.Context) (ports.Space, *events.Subscription, error) {
	space, err := c.svc.transport.JoinSpace(ctx, c.name)
	if err != nil {
		return nil, nil, err
	}
	sub := space.Subscribe(events.CategoryMembers, events.CategoryLocks, events.CategoryCursors, events.CategoryNodes)
	if err := space.Enter(ctx, c.me); err != nil {
		sub.Close()
		_ = space.Leave(ctx)
		return nil, nil, err
	}
	members, err := space.Members(ctx)
	if err != nil {
		sub.Close()
		_ = space.Leave(ctx)
		return nil, nil, err
	}
	locks, err := space.Locks(ctx)
	if err != nil {
		sub.Close()
		_ = space.Leave(ctx)
		return nil, nil, err
	}

	c.mu.Lock()
	c.space = space
	c.selfConn = space.ConnectionID()
	c.replaceLocked(members, locks)
	c.mu.Unlock()
	return space, sub, nil
}

// Events subscribes to the relayed stream. Close the subscription to stop.
func (c *Channel) Events(categories ...events.Category) *events.Subscription {
	return c.out.Subscribe(c.svc.cfg.SubscriberBuffer, categories...)
}

// ConnectionID identifies this participant's connection.
func (c *Channel) ConnectionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.selfConn
}

// Online reports whether the channel currently has a live space.
func (c *Channel) Online() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.space != nil
}

// Snapshot returns the current members ordered by join time, and the locks.
func (c *Channel) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := Snapshot{
		Members: make([]entities.Participant, 0, len(c.members)),
		Locks:   make([]entities.NodeLock, 0, len(c.locks)),
	}
	for _, m := range c.members {
		snap.Members = append(snap.Members, m)
	}
	for _, l := range c.locks {
		snap.Locks = append(snap.Locks, l)
	}
	sort.Slice(snap.Members, func(i, j int) bool {
		if snap.Members[i].JoinedAt.Equal(snap.Members[j].JoinedAt) {
			return snap.Members[i].ConnectionID < snap.Members[j].ConnectionID
		}
		return snap.Members[i].JoinedAt.Before(snap.Members[j].JoinedAt)
	})
	sort.Slice(snap.Locks, func(i, j int) bool { return snap.Locks[i].NodeID < snap.Locks[j].NodeID })
	return snap
}

// UpdateCursor shares the local pointer position. Fire-and-forget.
func (c *Channel) UpdateCursor(pos valueobjects.Position) {
	now := c.svc.now()
	c.mu.Lock()
	if m, ok := c.members[c.selfConn]; ok {
		m.MoveCursor(pos, now)
		c.members[c.selfConn] = m
	}
	space := c.space
	c.mu.Unlock()

	if space == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.svc.cfg.OpTimeout)
	defer cancel()
	if err := space.SetCursor(ctx, pos); err != nil {
		c.log.Debug("Cursor update dropped", zap.Error(err))
	}
}

// Publish relays an application event to peers. Offline it is a no-op.
func (c *Channel) Publish(ctx context.Context, evt events.Event) error {
	space := c.currentSpace()
	if space == nil {
		if c.svc.transport == nil {
			return nil
		}
		return pkgerrors.NewTransportDisconnected(nil)
	}
	evt.ConnectionID = c.ConnectionID()
	return space.Publish(ctx, evt)
}

// AcquireLock asks the space for a lock as this participant.
func (c *Channel) AcquireLock(ctx context.Context, nodeID string) (entities.NodeLock, error) {
	space := c.currentSpace()
	if space == nil {
		return entities.NodeLock{}, pkgerrors.NewTransportDisconnected(nil)
	}
	return space.AcquireLock(ctx, nodeID)
}

// ReleaseLock releases a lock held by this participant.
func (c *Channel) ReleaseLock(ctx context.Context, nodeID string) error {
	space := c.currentSpace()
	if space == nil {
		return pkgerrors.NewTransportDisconnected(nil)
	}
	return space.ReleaseLock(ctx, nodeID)
}

// LockAuthority returns the channel as a lock authority, or nil when offline.
func (c *Channel) LockAuthority() ports.LockAuthority {
	if c.svc.transport == nil {
		return nil
	}
	return c
}

func (c *Channel) currentSpace() ports.Space {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.space
}

// Leave exits the space and stops every listener. Safe to call twice.
func (c *Channel) Leave(ctx context.Context) error {
	var err error
	c.once.Do(func() {
		close(c.closing)
		<-c.stopped

		c.mu.Lock()
		space := c.space
		c.space = nil
		c.mu.Unlock()

		if space != nil {
			err = space.Leave(ctx)
		}
		c.out.Close()
	})
	return err
}

func (c *Channel) run(space ports.Space, sub *events.Subscription) {
	defer close(c.stopped)

	cfg := c.svc.cfg
	heartbeat := newTicker(cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	reconcile := newTicker(cfg.ReconcileInterval)
	defer reconcile.Stop()

	for {
		select {
		case evt, ok := <-sub.C():
			if !ok {
				sub, space = c.resubscribe(space, sub)
				if sub == nil {
					return
				}
				continue
			}
			c.apply(evt)
			c.out.Publish(evt)

		case <-space.Done():
			sub, space = c.resubscribe(space, sub)
			if sub == nil {
				return
			}

		case <-heartbeat.C():
			ctx, cancel := context.WithTimeout(context.Background(), cfg.OpTimeout)
			if err := space.Heartbeat(ctx); err != nil {
				c.log.Debug("Heartbeat failed", zap.Error(err))
			}
			cancel()
			c.mu.Lock()
			if m, ok := c.members[c.selfConn]; ok {
				m.Touch(c.svc.now())
				c.members[c.selfConn] = m
			}
			c.mu.Unlock()

		case <-reconcile.C():
			c.reconcile(space)

		case <-c.closing:
			sub.Close()
			return
		}
	}
}

// resubscribe tears down the lost space and rejoins.
func (c *Channel) resubscribe(old ports.Space, oldSub *events.Subscription) (*events.Subscription, ports.Space) {
	oldSub.Close()
	c.mu.Lock()
	c.space = nil
	c.mu.Unlock()

	c.log.Warn("Realtime transport disconnected, resubscribing",
		zap.Error(pkgerrors.NewTransportDisconnected(nil)),
	)
	ctx, cancel := context.WithTimeout(context.Background(), c.svc.cfg.OpTimeout)
	_ = old.Leave(ctx)
	cancel()
	return c.rejoin()
}

// rejoin connects with exponential backoff and announces the fresh snapshot
// with space.resynced. It returns nil when the channel closes first.
func (c *Channel) rejoin() (*events.Subscription, ports.Space) {
	delay := c.svc.cfg.ResubscribeBackoff
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), c.svc.cfg.OpTimeout)
		space, sub, err := c.connect(ctx)
		cancel()
		if err == nil {
			c.log.Info("Resubscribed", zap.Int("attempt", attempt))
			evt := events.New(events.KindSpaceResynced, c.name, c.svc.now())
			evt.UserID = c.me.ID
			evt.ConnectionID = space.ConnectionID()
			c.out.Publish(evt)
			return sub, space
		}
		c.log.Warn("Resubscribe failed", zap.Int("attempt", attempt), zap.Duration("retryIn", delay), zap.Error(err))

		select {
		case <-time.After(delay):
		case <-c.closing:
			return nil, nil
		}
		delay *= 2
		if limit := c.svc.cfg.MaxResubscribeDelay; limit > 0 && delay > limit {
			delay = limit
		}
	}
}

// reconcile refreshes the snapshot and drops members that stopped heartbeating.
func (c *Channel) reconcile(space ports.Space) {
	ctx, cancel := context.WithTimeout(context.Background(), c.svc.cfg.OpTimeout)
	defer cancel()

	members, err := space.Members(ctx)
	if err != nil {
		c.log.Debug("Reconcile skipped", zap.Error(err))
		return
	}
	locks, err := space.Locks(ctx)
	if err != nil {
		c.log.Debug("Reconcile skipped", zap.Error(err))
		return
	}

	c.mu.Lock()
	before := c.members
	c.replaceLocked(members, locks)
	var gone []entities.Participant
	for id, m := range before {
		if _, ok := c.members[id]; !ok {
			gone = append(gone, m)
		}
	}
	c.mu.Unlock()

	now := c.svc.now()
	for _, m := range gone {
		evt := events.New(events.KindMemberLeave, c.name, now)
		evt.ConnectionID = m.ConnectionID
		evt.UserID = m.UserID
		evt.Member = memberPayload(m)
		c.out.Publish(evt)
	}
}

// replaceLocked installs a fresh snapshot. The local participant is kept even
// if the snapshot raced ahead of our own heartbeat.
func (c *Channel) replaceLocked(members []entities.Participant, locks []entities.NodeLock) {
	now := c.svc.now()
	self, hadSelf := c.members[c.selfConn]
	c.members = make(map[string]entities.Participant, len(members))
	for _, m := range members {
		if m.ConnectionID != c.selfConn && c.svc.cfg.PresenceTimeout > 0 && m.Stale(now, c.svc.cfg.PresenceTimeout) {
			continue
		}
		c.members[m.ConnectionID] = m
	}
	if _, ok := c.members[c.selfConn]; !ok && hadSelf {
		c.members[c.selfConn] = self
	}
	c.locks = make(map[string]entities.NodeLock, len(locks))
	for _, l := range locks {
		c.locks[l.NodeID] = l
	}
}

func (c *Channel) apply(evt events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch evt.Kind {
	case events.KindMemberEnter, events.KindMemberUpdate:
		if evt.Member != nil {
			c.members[evt.Member.ConnectionID] = entities.Participant{
				ConnectionID: evt.Member.ConnectionID,
				UserID:       evt.Member.UserID,
				Name:         evt.Member.Name,
				Color:        evt.Member.Color,
				Cursor:       evt.Member.Cursor,
				JoinedAt:     evt.Member.JoinedAt,
				LastSeen:     evt.Timestamp,
			}
		}
	case events.KindMemberLeave:
		delete(c.members, evt.ConnectionID)
	case events.KindCursorMoved:
		if m, ok := c.members[evt.ConnectionID]; ok && evt.Cursor != nil {
			m.MoveCursor(*evt.Cursor, evt.Timestamp)
			c.members[evt.ConnectionID] = m
		}
	case events.KindLockAcquired:
		if evt.Lock != nil {
			c.locks[evt.Lock.NodeID] = entities.NodeLock{
				NodeID:       evt.Lock.NodeID,
				Holder:       evt.Lock.Holder,
				HolderName:   evt.Lock.HolderName,
				ConnectionID: evt.Lock.ConnectionID,
				AcquiredAt:   evt.Lock.AcquiredAt,
			}
		}
	case events.KindLockReleased:
		if evt.Lock != nil {
			if cur, ok := c.locks[evt.Lock.NodeID]; ok && cur.Holder == evt.Lock.Holder {
				delete(c.locks, evt.Lock.NodeID)
			}
		}
	}
}

func memberPayload(m entities.Participant) *events.MemberPayload {
	return &events.MemberPayload{
		ConnectionID: m.ConnectionID,
		UserID:       m.UserID,
		Name:         m.Name,
		Color:        m.Color,
		Cursor:       m.Cursor,
		JoinedAt:     m.JoinedAt,
		LastSeen:     m.LastSeen,
	}
}

// ticker tolerates a zero interval by never firing.
type ticker struct {
	t *time.Ticker
}

func newTicker(d time.Duration) ticker {
	if d <= 0 {
		return ticker{}
	}
	return ticker{t: time.NewTicker(d)}
}

func (t ticker) C() <-chan time.Time {
	if t.t == nil {
		return nil
	}
	return t.t.C
}

func (t ticker) Stop() {
	if t.t != nil {
		t.t.Stop()
	}
}
