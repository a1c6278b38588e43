package handlers

import (
	"context"

	"go.uber.org/zap"

	"lumina-backend/application/commands"
	"lumina-backend/application/commands/bus"
	"lumina-backend/domain/core/entities"
	"lumina-backend/domain/core/valueobjects"
	"lumina-backend/domain/events"
	pkgerrors "lumina-backend/pkg/errors"
)

func (h *BoardHandlers) loadNode(ctx context.Context, board *entities.Board, rawID string) (*entities.Node, error) {
	id, err := valueobjects.NewNodeIDFromString(rawID)
	if err != nil {
		return nil, pkgerrors.NewValidationError("invalid node id").WithCause(err)
	}
	return h.nodes.GetByID(ctx, board.ID(), id)
}

func (h *BoardHandlers) updateNode(ctx context.Context, c bus.Command) error {
	cmd := c.(commands.UpdateNodeCommand)
	now := h.now()

	board, err := h.loadBoard(ctx, cmd.BoardID)
	if err != nil {
		return err
	}
	node, err := h.loadNode(ctx, board, cmd.NodeID)
	if err != nil {
		return err
	}
	if !board.CanUserEdit(cmd.UserID, now) {
		return pkgerrors.NewPermissionDenied("no edit access to this board")
	}
	if !node.CanUserEdit(cmd.UserID, board.IsOwner(cmd.UserID)) {
		return pkgerrors.NewPermissionDenied("only the board owner can edit the seed node")
	}
	if cmd.ExpectedVersion > 0 && cmd.ExpectedVersion != node.Version() {
		return pkgerrors.NewStaleWrite(cmd.NodeID, node.Version())
	}

	if err := node.ApplyPatch(cmd.Patch, cmd.UserID, now, h.cfg); err != nil {
		return err
	}
	if err := h.nodes.Save(ctx, node.Snapshot()); err != nil {
		return err
	}
	h.publish(ctx, node.GetUncommittedEvents())
	node.MarkEventsAsCommitted()

	h.logger.Debug("Node updated",
		zap.String("boardID", cmd.BoardID),
		zap.String("nodeID", cmd.NodeID),
		zap.Int("version", node.Version()),
	)
	return nil
}

// deleteNode removes the node and any edge that points at it.
func (h *BoardHandlers) deleteNode(ctx context.Context, c bus.Command) error {
	cmd := c.(commands.DeleteNodeCommand)
	now := h.now()

	board, err := h.loadBoard(ctx, cmd.BoardID)
	if err != nil {
		return err
	}
	node, err := h.loadNode(ctx, board, cmd.NodeID)
	if err != nil {
		return err
	}
	if !board.CanUserEdit(cmd.UserID, now) || !node.CanUserDelete(cmd.UserID, board.IsOwner(cmd.UserID)) {
		return pkgerrors.NewPermissionDenied("only the board owner or the node's creator can delete it")
	}
	if node.IsSeed() {
		return pkgerrors.NewValidationError("the seed node cannot be deleted")
	}

	if err := h.nodes.Delete(ctx, board.ID(), node.ID()); err != nil {
		return err
	}
	board.DropEdgesFor(cmd.NodeID, now)
	if err := h.boards.Save(ctx, board); err != nil {
		return err
	}

	deleted := events.New(events.KindNodeDeleted, board.ID().SpaceName(), now)
	deleted.UserID = cmd.UserID
	payload := node.Payload()
	deleted.Node = &payload
	h.publish(ctx, []events.DomainEvent{deleted}, board.GetUncommittedEvents())
	board.MarkEventsAsCommitted()

	h.logger.Info("Node deleted",
		zap.String("boardID", cmd.BoardID),
		zap.String("nodeID", cmd.NodeID),
		zap.String("userID", cmd.UserID),
	)
	return nil
}
