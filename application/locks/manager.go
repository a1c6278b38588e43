// Package locks keeps the per-board view of node edit locks.
package locks

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"lumina-backend/application/ports"
	"lumina-backend/domain/core/entities"
	"lumina-backend/domain/events"
	"lumina-backend/domain/identity"
	pkgerrors "lumina-backend/pkg/errors"
)

// Token is proof of a granted lock
type Token struct {
	NodeID     string
	Holder     string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Manager grants and revokes node locks for one board. When an authority is
// configured the local table is only a cache and every acquire and release is
// decided remotely; otherwise the local table is authoritative.
type Manager struct {
	mu    sync.Mutex
	locks map[string]entities.NodeLock

	space     string
	ttl       time.Duration
	authority ports.LockAuthority
	stream    *events.Stream
	now       func() time.Time
	logger    *zap.Logger
}

// Option configures a Manager
type Option func(*Manager)

// WithAuthority defers acquire and release decisions to a remote lock table.
func WithAuthority(a ports.LockAuthority) Option {
	return func(m *Manager) { m.authority = a }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager creates a manager for space. Lock transitions are published on stream.
func NewManager(space string, ttl time.Duration, stream *events.Stream, opts ...Option) *Manager {
	m := &Manager{
		locks:  make(map[string]entities.NodeLock),
		space:  space,
		ttl:    ttl,
		stream: stream,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TTL returns the lock lifetime.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Acquire grants user the lock on nodeID. Re-acquiring a held lock is a no-op
// that returns the original token. A lock held by someone else past its TTL is
// taken over, which publishes one unlocked and one locked event.
func (m *Manager) Acquire(ctx context.Context, nodeID string, user identity.Identity) (Token, error) {
	if m.authority != nil {
		return m.acquireRemote(ctx, nodeID, user)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cur := m.locks[nodeID]
	switch {
	case cur.HeldBy(user.ID, now, m.ttl):
		return m.token(cur), nil
	case cur.HeldByOther(user.ID, now, m.ttl):
		return Token{}, pkgerrors.NewLockDenied(nodeID, cur.Holder, cur.HolderName, cur.AcquiredAt)
	}

	granted := entities.NodeLock{NodeID: nodeID, Holder: user.ID, HolderName: user.Name, AcquiredAt: now}
	m.replaceLocked(nodeID, granted, now)
	return m.token(granted), nil
}

func (m *Manager) acquireRemote(ctx context.Context, nodeID string, user identity.Identity) (Token, error) {
	granted, err := m.authority.AcquireLock(ctx, nodeID)

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()

	if err != nil {
		var denied *pkgerrors.LockDeniedError
		if errors.As(err, &denied) {
			m.replaceLocked(nodeID, entities.NodeLock{
				NodeID:     nodeID,
				Holder:     denied.Holder,
				HolderName: denied.HolderName,
				AcquiredAt: denied.AcquiredAt,
			}, now)
			return Token{}, denied
		}
		m.logger.Warn("Lock authority unavailable",
			zap.String("space", m.space),
			zap.String("nodeID", nodeID),
			zap.Error(err),
		)
		return Token{}, err
	}

	if granted.HolderName == "" {
		granted.HolderName = user.Name
	}
	m.replaceLocked(nodeID, granted, now)
	return m.token(granted), nil
}

// Release gives up userID's lock on nodeID. Releasing a free node is a no-op;
// releasing someone else's live lock fails with LockDenied.
func (m *Manager) Release(ctx context.Context, nodeID, userID string) error {
	if m.authority != nil {
		if err := m.authority.ReleaseLock(ctx, nodeID); err != nil {
			var denied *pkgerrors.LockDeniedError
			if errors.As(err, &denied) {
				return denied
			}
			return err
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		if cur, ok := m.locks[nodeID]; ok && cur.Holder == userID {
			m.removeLocked(nodeID, false)
		}
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cur, ok := m.locks[nodeID]
	if !ok {
		return nil
	}
	if cur.Expired(now, m.ttl) {
		m.removeLocked(nodeID, true)
		return nil
	}
	if cur.Holder != userID {
		return pkgerrors.NewLockDenied(nodeID, cur.Holder, cur.HolderName, cur.AcquiredAt)
	}
	m.removeLocked(nodeID, false)
	return nil
}

// Holder returns the live lock on nodeID. An expired lock found here is
// dropped and announced as unlocked.
func (m *Manager) Holder(nodeID string) (entities.NodeLock, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.locks[nodeID]
	if !ok {
		return entities.NodeLock{}, false
	}
	if cur.Expired(m.now(), m.ttl) {
		m.removeLocked(nodeID, true)
		return entities.NodeLock{}, false
	}
	return cur, true
}

// IsExpired reports whether the cached lock on nodeID is past its TTL at now.
// It does not modify state.
func (m *Manager) IsExpired(nodeID string, now time.Time) bool {
	m.mu.Lock()
	cur, ok := m.locks[nodeID]
	m.mu.Unlock()
	return ok && entities.IsLockExpired(cur.AcquiredAt, now, m.ttl)
}

// Snapshot returns the live locks ordered by node id, expiring stale ones.
func (m *Manager) Snapshot() []entities.NodeLock {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	out := make([]entities.NodeLock, 0, len(m.locks))
	for id, l := range m.locks {
		if l.Expired(now, m.ttl) {
			m.removeLocked(id, true)
			continue
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// HeldBy lists the nodes userID currently holds.
func (m *Manager) HeldBy(userID string) []string {
	var ids []string
	for _, l := range m.Snapshot() {
		if l.Holder == userID {
			ids = append(ids, l.NodeID)
		}
	}
	return ids
}

// ApplyRemote merges a lock event observed on the space. Events that match
// the cache, such as echoes of our own grants, change nothing and are not
// republished.
func (m *Manager) ApplyRemote(evt events.Event) {
	if evt.Lock == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	lp := evt.Lock
	switch evt.Kind {
	case events.KindLockAcquired:
		m.replaceLocked(lp.NodeID, entities.NodeLock{
			NodeID:       lp.NodeID,
			Holder:       lp.Holder,
			HolderName:   lp.HolderName,
			ConnectionID: lp.ConnectionID,
			AcquiredAt:   lp.AcquiredAt,
		}, m.now())
	case events.KindLockReleased:
		cur, ok := m.locks[lp.NodeID]
		if !ok || cur.Holder != lp.Holder {
			return
		}
		if !lp.AcquiredAt.IsZero() && !cur.AcquiredAt.Equal(lp.AcquiredAt) {
			return
		}
		m.removeLocked(lp.NodeID, lp.Expired)
	}
}

// Reset replaces the cache with an authoritative listing, publishing only the
// differences.
func (m *Manager) Reset(locks []entities.NodeLock) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	fresh := make(map[string]entities.NodeLock, len(locks))
	for _, l := range locks {
		if l.Expired(now, m.ttl) {
			continue
		}
		fresh[l.NodeID] = l
	}
	for id := range m.locks {
		if _, ok := fresh[id]; !ok {
			m.removeLocked(id, false)
		}
	}
	for id, l := range fresh {
		m.replaceLocked(id, l, now)
	}
}

// Clear drops every cached lock without publishing. Used on leave.
func (m *Manager) Clear() {
	m.mu.Lock()
	m.locks = make(map[string]entities.NodeLock)
	m.mu.Unlock()
}

func (m *Manager) token(l entities.NodeLock) Token {
	return Token{NodeID: l.NodeID, Holder: l.Holder, AcquiredAt: l.AcquiredAt, ExpiresAt: l.ExpiresAt(m.ttl)}
}

func sameLock(a, b entities.NodeLock) bool {
	return a.Holder == b.Holder && a.AcquiredAt.Equal(b.AcquiredAt)
}

// replaceLocked installs next, announcing the end of any different lock first.
func (m *Manager) replaceLocked(nodeID string, next entities.NodeLock, now time.Time) {
	prev, had := m.locks[nodeID]
	if had && sameLock(prev, next) {
		return
	}
	if had {
		m.publishLocked(events.KindLockReleased, prev, prev.Expired(now, m.ttl))
	}
	m.locks[nodeID] = next
	m.publishLocked(events.KindLockAcquired, next, false)
}

func (m *Manager) removeLocked(nodeID string, expired bool) {
	prev, ok := m.locks[nodeID]
	if !ok {
		return
	}
	delete(m.locks, nodeID)
	m.publishLocked(events.KindLockReleased, prev, expired)
	if expired {
		m.logger.Debug("Lock expired",
			zap.String("space", m.space),
			zap.String("nodeID", nodeID),
			zap.String("holder", prev.Holder),
		)
	}
}

func (m *Manager) publishLocked(kind events.Kind, l entities.NodeLock, expired bool) {
	if m.stream == nil {
		return
	}
	evt := events.New(kind, m.space, m.now())
	evt.UserID = l.Holder
	evt.ConnectionID = l.ConnectionID
	evt.Lock = &events.LockPayload{
		NodeID:       l.NodeID,
		Holder:       l.Holder,
		HolderName:   l.HolderName,
		ConnectionID: l.ConnectionID,
		AcquiredAt:   l.AcquiredAt,
		Expired:      expired,
	}
	m.stream.Publish(evt)
}
