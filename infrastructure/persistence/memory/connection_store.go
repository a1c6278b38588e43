package memory

import (
	"context"
	"sort"
	"sync"

	"lumina-backend/application/ports"
	pkgerrors "lumina-backend/pkg/errors"
)

// ConnectionStore tracks websocket connections in memory
type ConnectionStore struct {
	mu    sync.RWMutex
	conns map[string]ports.Connection
}

var _ ports.ConnectionStore = (*ConnectionStore)(nil)

// NewConnectionStore creates an empty store
func NewConnectionStore() *ConnectionStore {
	return &ConnectionStore{conns: make(map[string]ports.Connection)}
}

func (s *ConnectionStore) Put(ctx context.Context, conn ports.Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[conn.ConnectionID] = conn
	return nil
}

func (s *ConnectionStore) Get(ctx context.Context, connectionID string) (ports.Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conn, ok := s.conns[connectionID]
	if !ok {
		return ports.Connection{}, pkgerrors.NewNotFoundError("connection")
	}
	return conn, nil
}

func (s *ConnectionStore) Delete(ctx context.Context, connectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, connectionID)
	return nil
}

func (s *ConnectionStore) ListByBoard(ctx context.Context, boardID string) ([]ports.Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ports.Connection
	for _, c := range s.conns {
		if c.BoardID == boardID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectionID < out[j].ConnectionID })
	return out, nil
}
