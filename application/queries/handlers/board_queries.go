// Package handlers answers board queries from the repositories.
package handlers

import (
	"context"
	"sort"
	"time"

	"lumina-backend/application/ports"
	"lumina-backend/application/queries"
	"lumina-backend/application/queries/bus"
	"lumina-backend/domain/core/entities"
	"lumina-backend/domain/core/valueobjects"
	"lumina-backend/pkg/common"
	pkgerrors "lumina-backend/pkg/errors"
)

// BoardQueries serves the read side
type BoardQueries struct {
	boards ports.BoardRepository
	nodes  ports.NodeRepository
	now    func() time.Time
}

// NewBoardQueries creates the query handlers. now defaults to time.Now.
func NewBoardQueries(boards ports.BoardRepository, nodes ports.NodeRepository, now func() time.Time) *BoardQueries {
	if now == nil {
		now = time.Now
	}
	return &BoardQueries{boards: boards, nodes: nodes, now: now}
}

// Register binds each query type to its handler
func (h *BoardQueries) Register(b *bus.QueryBus) error {
	if err := b.Register(queries.GetBoardQuery{}, bus.QueryHandlerFunc(h.getBoard)); err != nil {
		return err
	}
	if err := b.Register(queries.ListBoardsQuery{}, bus.QueryHandlerFunc(h.listBoards)); err != nil {
		return err
	}
	return b.Register(queries.GetNodeQuery{}, bus.QueryHandlerFunc(h.getNode))
}

// viewable loads the board and checks read access. A board the caller may not
// see is reported as missing.
func (h *BoardQueries) viewable(ctx context.Context, rawID, userID string) (*entities.Board, error) {
	id, err := valueobjects.NewBoardIDFromString(rawID)
	if err != nil {
		return nil, pkgerrors.NewValidationError("invalid board id").WithCause(err)
	}
	board, err := h.boards.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !board.CanUserView(userID, h.now()) {
		return nil, pkgerrors.ErrBoardNotFound
	}
	return board, nil
}

func (h *BoardQueries) getBoard(ctx context.Context, q bus.Query) (interface{}, error) {
	query := q.(queries.GetBoardQuery)
	board, err := h.viewable(ctx, query.BoardID, query.UserID)
	if err != nil {
		return nil, err
	}
	nodes, err := h.nodes.GetByBoard(ctx, board.ID())
	if err != nil {
		return nil, err
	}
	view := &queries.BoardView{
		BoardSnapshot: board.Snapshot(),
		Nodes:         make([]entities.NodeSnapshot, 0, len(nodes)),
		CanEdit:       board.CanUserEdit(query.UserID, h.now()),
		IsOwner:       board.IsOwner(query.UserID),
	}
	for _, n := range nodes {
		view.Nodes = append(view.Nodes, n.Snapshot())
	}
	sort.Slice(view.Nodes, func(i, j int) bool {
		return view.Nodes[i].CreatedAt.Before(view.Nodes[j].CreatedAt)
	})
	return view, nil
}

func (h *BoardQueries) listBoards(ctx context.Context, q bus.Query) (interface{}, error) {
	query := q.(queries.ListBoardsQuery)
	page := query.Pagination.Normalize()

	boards, err := h.boards.ListByUser(ctx, query.UserID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(boards, func(i, j int) bool {
		a, b := boards[i], boards[j]
		if page.Ascending() {
			a, b = b, a
		}
		if page.Sort == common.SortName {
			return a.Name() > b.Name()
		}
		return a.LastModified().After(b.LastModified())
	})

	selected, info := common.Paginate(boards, page)
	items := make([]queries.BoardSummary, 0, len(selected))
	for _, b := range selected {
		items = append(items, queries.BoardSummary{
			ID:           b.ID().String(),
			Name:         b.Name(),
			OwnerID:      b.OwnerID(),
			IsOwner:      b.IsOwner(query.UserID),
			IsPublic:     b.ShareSettings().IsPublic,
			Version:      b.Version(),
			LastModified: b.LastModified(),
		})
	}
	return &common.PaginatedResult{Items: items, Pagination: info}, nil
}

func (h *BoardQueries) getNode(ctx context.Context, q bus.Query) (interface{}, error) {
	query := q.(queries.GetNodeQuery)
	board, err := h.viewable(ctx, query.BoardID, query.UserID)
	if err != nil {
		return nil, err
	}
	id, err := valueobjects.NewNodeIDFromString(query.NodeID)
	if err != nil {
		return nil, pkgerrors.NewValidationError("invalid node id").WithCause(err)
	}
	node, err := h.nodes.GetByID(ctx, board.ID(), id)
	if err != nil {
		return nil, err
	}
	snap := node.Snapshot()
	return &snap, nil
}
