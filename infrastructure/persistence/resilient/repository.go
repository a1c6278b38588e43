package resilient

import (
	"context"

	"lumina-backend/application/ports"
	"lumina-backend/domain/core/entities"
	"lumina-backend/domain/core/valueobjects"
)

// BoardRepository wraps a ports.BoardRepository with a breaker
type BoardRepository struct {
	next    ports.BoardRepository
	breaker *Breaker
}

var _ ports.BoardRepository = (*BoardRepository)(nil)

// NewBoardRepository guards next with breaker
func NewBoardRepository(next ports.BoardRepository, breaker *Breaker) *BoardRepository {
	return &BoardRepository{next: next, breaker: breaker}
}

func (r *BoardRepository) Save(ctx context.Context, board *entities.Board) error {
	return r.breaker.Do(func() error { return r.next.Save(ctx, board) })
}

func (r *BoardRepository) GetByID(ctx context.Context, id valueobjects.BoardID) (*entities.Board, error) {
	return get(r.breaker, func() (*entities.Board, error) { return r.next.GetByID(ctx, id) })
}

func (r *BoardRepository) ListByUser(ctx context.Context, userID string) ([]*entities.Board, error) {
	return get(r.breaker, func() ([]*entities.Board, error) { return r.next.ListByUser(ctx, userID) })
}

func (r *BoardRepository) Delete(ctx context.Context, id valueobjects.BoardID) error {
	return r.breaker.Do(func() error { return r.next.Delete(ctx, id) })
}

// NodeRepository wraps a ports.NodeRepository with a breaker
type NodeRepository struct {
	next    ports.NodeRepository
	breaker *Breaker
}

var _ ports.NodeRepository = (*NodeRepository)(nil)

// NewNodeRepository guards next with breaker
func NewNodeRepository(next ports.NodeRepository, breaker *Breaker) *NodeRepository {
	return &NodeRepository{next: next, breaker: breaker}
}

func (r *NodeRepository) Save(ctx context.Context, node entities.NodeSnapshot) error {
	return r.breaker.Do(func() error { return r.next.Save(ctx, node) })
}

func (r *NodeRepository) GetByID(ctx context.Context, boardID valueobjects.BoardID, nodeID valueobjects.NodeID) (*entities.Node, error) {
	return get(r.breaker, func() (*entities.Node, error) { return r.next.GetByID(ctx, boardID, nodeID) })
}

func (r *NodeRepository) GetByBoard(ctx context.Context, boardID valueobjects.BoardID) ([]*entities.Node, error) {
	return get(r.breaker, func() ([]*entities.Node, error) { return r.next.GetByBoard(ctx, boardID) })
}

func (r *NodeRepository) Delete(ctx context.Context, boardID valueobjects.BoardID, nodeID valueobjects.NodeID) error {
	return r.breaker.Do(func() error { return r.next.Delete(ctx, boardID, nodeID) })
}

func (r *NodeRepository) DeleteByBoard(ctx context.Context, boardID valueobjects.BoardID) error {
	return r.breaker.Do(func() error { return r.next.DeleteByBoard(ctx, boardID) })
}
