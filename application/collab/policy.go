package collab

import (
	"context"
	"strings"
	"time"

	"lumina-backend/application/ports"
	"lumina-backend/domain/core/entities"
	"lumina-backend/domain/core/valueobjects"
	"lumina-backend/domain/identity"
	pkgerrors "lumina-backend/pkg/errors"
)

// CanEditNode reports whether who may change node on board at now. The seed
// node belongs to the board owner; everything else needs edit access to the board.
func CanEditNode(who identity.Identity, node *entities.Node, board *entities.Board, now time.Time) bool {
	return authorizeEdit(who, node, board, now) == nil
}

// CanDeleteNode allows the board owner and the node's creator.
func CanDeleteNode(who identity.Identity, node *entities.Node, board *entities.Board) bool {
	return node.CanUserDelete(who.ID, board.IsOwner(who.ID))
}

func authorizeEdit(who identity.Identity, node *entities.Node, board *entities.Board, now time.Time) error {
	if !node.CanUserEdit(who.ID, board.IsOwner(who.ID)) {
		return pkgerrors.NewPermissionDenied("only the board owner can edit the seed node")
	}
	if !board.CanUserEdit(who.ID, now) {
		return pkgerrors.NewPermissionDenied("no edit access to this board")
	}
	return nil
}

// SpaceAccess returns a check that userID may view the board behind a realtime
// space. The websocket server runs it before a connection is accepted.
func SpaceAccess(boards ports.BoardRepository, now func() time.Time) func(ctx context.Context, userID, space string) error {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context, userID, space string) error {
		raw, ok := strings.CutPrefix(space, "board-")
		if !ok {
			return pkgerrors.NewValidationError("unknown space " + space)
		}
		id, err := valueobjects.NewBoardIDFromString(raw)
		if err != nil {
			return err
		}
		board, err := boards.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if !board.CanUserView(userID, now()) {
			return pkgerrors.NewPermissionDenied("no access to this board")
		}
		return nil
	}
}
