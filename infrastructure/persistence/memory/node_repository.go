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

// NodeRepository stores node snapshots keyed by (board, node)
type NodeRepository struct {
	mu    sync.RWMutex
	nodes map[string]map[string]entities.NodeSnapshot
}

var _ ports.NodeRepository = (*NodeRepository)(nil)

// NewNodeRepository creates an empty repository
func NewNodeRepository() *NodeRepository {
	return &NodeRepository{nodes: make(map[string]map[string]entities.NodeSnapshot)}
}

func (r *NodeRepository) Save(ctx context.Context, node entities.NodeSnapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	board, ok := r.nodes[node.BoardID]
	if !ok {
		board = make(map[string]entities.NodeSnapshot)
		r.nodes[node.BoardID] = board
	}
	if cur, ok := board[node.NodeID]; ok {
		if cur.Version > node.Version || (cur.Version == node.Version && !cur.SameWrite(node)) {
			return pkgerrors.NewStaleWrite("node-"+node.NodeID, node.Version)
		}
	}
	board[node.NodeID] = node
	return nil
}

func (r *NodeRepository) GetByID(ctx context.Context, boardID valueobjects.BoardID, nodeID valueobjects.NodeID) (*entities.Node, error) {
	r.mu.RLock()
	snap, ok := r.nodes[boardID.String()][nodeID.String()]
	r.mu.RUnlock()
	if !ok {
		return nil, pkgerrors.ErrNodeNotFound
	}
	return entities.ReconstructNode(snap)
}

func (r *NodeRepository) GetByBoard(ctx context.Context, boardID valueobjects.BoardID) ([]*entities.Node, error) {
	r.mu.RLock()
	snaps := make([]entities.NodeSnapshot, 0, len(r.nodes[boardID.String()]))
	for _, s := range r.nodes[boardID.String()] {
		snaps = append(snaps, s)
	}
	r.mu.RUnlock()

	sort.Slice(snaps, func(i, j int) bool { return snaps[i].NodeID < snaps[j].NodeID })
	out := make([]*entities.Node, 0, len(snaps))
	for _, s := range snaps {
		n, err := entities.ReconstructNode(s)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func (r *NodeRepository) Delete(ctx context.Context, boardID valueobjects.BoardID, nodeID valueobjects.NodeID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.nodes[boardID.String()], nodeID.String())
	return nil
}

func (r *NodeRepository) DeleteByBoard(ctx context.Context, boardID valueobjects.BoardID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.nodes, boardID.String())
	return nil
}

// Count returns how many nodes are stored for a board.
func (r *NodeRepository) Count(boardID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes[boardID])
}
