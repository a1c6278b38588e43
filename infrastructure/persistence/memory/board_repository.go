// Package memory holds process-local implementations of the persistence
// ports, used in tests and when no table is configured.
package memory

import (
	"context"
	"sort"
	"sync"

	"lumina-backend/application/ports"
	"lumina-backend/domain/core/entities"
	"lumina-backend/domain/core/valueobjects"
	pkgerrors "lumina-backend/pkg/errors"
)

// BoardRepository stores board snapshots in a map
type BoardRepository struct {
	mu     sync.RWMutex
	boards map[string]entities.BoardSnapshot
}

var _ ports.BoardRepository = (*BoardRepository)(nil)

// NewBoardRepository creates an empty repository
func NewBoardRepository() *BoardRepository {
	return &BoardRepository{boards: make(map[string]entities.BoardSnapshot)}
}

func (r *BoardRepository) Save(ctx context.Context, board *entities.Board) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.boards[board.ID().String()] = board.Snapshot()
	return nil
}

func (r *BoardRepository) GetByID(ctx context.Context, id valueobjects.BoardID) (*entities.Board, error) {
	r.mu.RLock()
	snap, ok := r.boards[id.String()]
	r.mu.RUnlock()
	if !ok {
		return nil, pkgerrors.ErrBoardNotFound
	}
	return entities.ReconstructBoard(snap)
}

func (r *BoardRepository) ListByUser(ctx context.Context, userID string) ([]*entities.Board, error) {
	r.mu.RLock()
	var snaps []entities.BoardSnapshot
	for _, s := range r.boards {
		if s.OwnerID == userID || hasCollaborator(s, userID) {
			snaps = append(snaps, s)
		}
	}
	r.mu.RUnlock()

	sort.Slice(snaps, func(i, j int) bool { return snaps[i].LastModified.After(snaps[j].LastModified) })
	out := make([]*entities.Board, 0, len(snaps))
	for _, s := range snaps {
		b, err := entities.ReconstructBoard(s)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func (r *BoardRepository) Delete(ctx context.Context, id valueobjects.BoardID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.boards[id.String()]; !ok {
		return pkgerrors.ErrBoardNotFound
	}
	delete(r.boards, id.String())
	return nil
}

func hasCollaborator(s entities.BoardSnapshot, userID string) bool {
	for _, c := range s.Collaborators {
		if c.UserID == userID {
			return true
		}
	}
	return false
}
