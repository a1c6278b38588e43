package handlers_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lumina-backend/application/queries"
	"lumina-backend/application/queries/bus"
	"lumina-backend/application/queries/handlers"
	"lumina-backend/domain/core/entities"
	"lumina-backend/domain/core/valueobjects"
	"lumina-backend/infrastructure/persistence/memory"
	"lumina-backend/pkg/common"
	pkgerrors "lumina-backend/pkg/errors"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seedBoard(t *testing.T, boards *memory.BoardRepository, nodes *memory.NodeRepository, id, owner string, at time.Time) *entities.Board {
	t.Helper()
	ctx := context.Background()
	bid, err := valueobjects.NewBoardIDFromString(id)
	require.NoError(t, err)
	b, err := entities.NewBoard(bid, "Board "+id, owner, at, nil)
	require.NoError(t, err)
	require.NoError(t, boards.Save(ctx, b))

	for i, text := range []string{"first", "second"} {
		content, err := valueobjects.NewNodeContent(text, nil)
		require.NoError(t, err)
		nid, err := valueobjects.NewNodeIDFromString(id + "-n" + string(rune('1'+i)))
		require.NoError(t, err)
		n, err := entities.NewNode(bid, nid, valueobjects.NodeTypeGenerated, owner, content, valueobjects.Position{}, at.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		require.NoError(t, nodes.Save(ctx, n.Snapshot()))
	}
	return b
}

func newQueryBus(t *testing.T) (*bus.QueryBus, *memory.BoardRepository, *memory.NodeRepository) {
	t.Helper()
	boards, nodes := memory.NewBoardRepository(), memory.NewNodeRepository()
	qb := bus.NewQueryBus()
	require.NoError(t, handlers.NewBoardQueries(boards, nodes, func() time.Time { return epoch.Add(time.Hour) }).Register(qb))
	return qb, boards, nodes
}

func TestGetBoard(t *testing.T) {
	qb, boards, nodes := newQueryBus(t)
	seedBoard(t, boards, nodes, "b1", "alice", epoch)

	res, err := qb.Ask(context.Background(), queries.GetBoardQuery{BoardID: "b1", UserID: "alice"})
	require.NoError(t, err)
	view := res.(*queries.BoardView)
	assert.Equal(t, "Board b1", view.Name)
	assert.True(t, view.IsOwner)
	assert.True(t, view.CanEdit)
	require.Len(t, view.Nodes, 2)
	assert.Equal(t, "first", view.Nodes[0].Content)
	assert.Equal(t, "second", view.Nodes[1].Content)
}

func TestGetBoard_HiddenFromStrangers(t *testing.T) {
	qb, boards, nodes := newQueryBus(t)
	seedBoard(t, boards, nodes, "b1", "alice", epoch)

	_, err := qb.Ask(context.Background(), queries.GetBoardQuery{BoardID: "b1", UserID: "mallory"})
	assert.ErrorIs(t, err, pkgerrors.ErrBoardNotFound)

	_, err = qb.Ask(context.Background(), queries.GetBoardQuery{BoardID: "nope", UserID: "alice"})
	assert.ErrorIs(t, err, pkgerrors.ErrBoardNotFound)
}

func TestGetBoard_PublicShareIsReadOnly(t *testing.T) {
	qb, boards, nodes := newQueryBus(t)
	b := seedBoard(t, boards, nodes, "b1", "alice", epoch)
	require.NoError(t, b.Share("alice", true, valueobjects.PermissionView, "", 0, epoch))
	require.NoError(t, boards.Save(context.Background(), b))

	res, err := qb.Ask(context.Background(), queries.GetBoardQuery{BoardID: "b1", UserID: "guest_zed"})
	require.NoError(t, err)
	view := res.(*queries.BoardView)
	assert.False(t, view.CanEdit)
	assert.False(t, view.IsOwner)
}

func TestListBoards_Paginates(t *testing.T) {
	qb, boards, nodes := newQueryBus(t)
	for i, id := range []string{"b1", "b2", "b3"} {
		seedBoard(t, boards, nodes, id, "alice", epoch.Add(time.Duration(i)*time.Minute))
	}
	seedBoard(t, boards, nodes, "other", "bob", epoch)

	res, err := qb.Ask(context.Background(), queries.ListBoardsQuery{
		UserID:     "alice",
		Pagination: common.PaginationParams{Page: 1, PageSize: 2, Order: "desc"},
	})
	require.NoError(t, err)
	page := res.(*common.PaginatedResult)
	items := page.Items.([]queries.BoardSummary)
	require.Len(t, items, 2)
	assert.Equal(t, "b3", items[0].ID)
	assert.Equal(t, "b2", items[1].ID)
	assert.Equal(t, 3, page.Pagination.Total)
	assert.True(t, page.Pagination.HasNext)

	res, err = qb.Ask(context.Background(), queries.ListBoardsQuery{
		UserID:     "alice",
		Pagination: common.PaginationParams{Page: 2, PageSize: 2, Order: "desc"},
	})
	require.NoError(t, err)
	items = res.(*common.PaginatedResult).Items.([]queries.BoardSummary)
	require.Len(t, items, 1)
	assert.Equal(t, "b1", items[0].ID)
}

func TestGetNode(t *testing.T) {
	qb, boards, nodes := newQueryBus(t)
	seedBoard(t, boards, nodes, "b1", "alice", epoch)

	res, err := qb.Ask(context.Background(), queries.GetNodeQuery{BoardID: "b1", NodeID: "b1-n2", UserID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, "second", res.(*entities.NodeSnapshot).Content)

	_, err = qb.Ask(context.Background(), queries.GetNodeQuery{BoardID: "b1", NodeID: "b1-n9", UserID: "alice"})
	assert.ErrorIs(t, err, pkgerrors.ErrNodeNotFound)
}

func TestQueries_Validate(t *testing.T) {
	qb, _, _ := newQueryBus(t)
	_, err := qb.Ask(context.Background(), queries.GetNodeQuery{BoardID: "b1"})
	var invalid *pkgerrors.ValidationErrors
	require.ErrorAs(t, err, &invalid)
}
