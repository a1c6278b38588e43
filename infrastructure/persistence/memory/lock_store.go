package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"lumina-backend/application/ports"
	"lumina-backend/domain/core/entities"
	pkgerrors "lumina-backend/pkg/errors"
)

// LockStore is a process-local lock table
type LockStore struct {
	mu    sync.Mutex
	locks map[string]map[string]entities.NodeLock
	now   func() time.Time
}

var _ ports.LockStore = (*LockStore)(nil)

// NewLockStore creates an empty lock table. A nil clock means time.Now.
func NewLockStore(now func() time.Time) *LockStore {
	if now == nil {
		now = time.Now
	}
	return &LockStore{locks: make(map[string]map[string]entities.NodeLock), now: now}
}

func (s *LockStore) Acquire(ctx context.Context, space string, lock entities.NodeLock, ttl time.Duration) (ports.LockGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	table, ok := s.locks[space]
	if !ok {
		table = make(map[string]entities.NodeLock)
		s.locks[space] = table
	}

	now := s.now()
	cur, exists := table[lock.NodeID]
	switch {
	case exists && cur.HeldBy(lock.Holder, now, ttl):
		return ports.LockGrant{Lock: cur, Acquired: true, Reentrant: true}, nil
	case exists && cur.HeldByOther(lock.Holder, now, ttl):
		return ports.LockGrant{Lock: cur}, nil
	}

	grant := ports.LockGrant{Lock: lock, Acquired: true}
	if exists {
		prev := cur
		grant.Replaced = &prev
	}
	table[lock.NodeID] = lock
	return grant, nil
}

func (s *LockStore) Release(ctx context.Context, space, nodeID, holder string, ttl time.Duration) (entities.NodeLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.locks[space][nodeID]
	if !ok {
		return entities.NodeLock{}, nil
	}
	if cur.HeldByOther(holder, s.now(), ttl) {
		return entities.NodeLock{}, pkgerrors.NewLockDenied(nodeID, cur.Holder, cur.HolderName, cur.AcquiredAt)
	}
	delete(s.locks[space], nodeID)
	return cur, nil
}

func (s *LockStore) List(ctx context.Context, space string) ([]entities.NodeLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]entities.NodeLock, 0, len(s.locks[space]))
	for _, l := range s.locks[space] {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out, nil
}

func (s *LockStore) ReleaseConnection(ctx context.Context, space, connectionID string) ([]entities.NodeLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var released []entities.NodeLock
	for id, l := range s.locks[space] {
		if l.ConnectionID == connectionID {
			released = append(released, l)
			delete(s.locks[space], id)
		}
	}
	sort.Slice(released, func(i, j int) bool { return released[i].NodeID < released[j].NodeID })
	return released, nil
}
