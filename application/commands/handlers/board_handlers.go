// Package handlers executes board and node commands against the repositories.
package handlers

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"lumina-backend/application/commands"
	"lumina-backend/application/commands/bus"
	"lumina-backend/application/ports"
	"lumina-backend/domain/config"
	"lumina-backend/domain/core/entities"
	"lumina-backend/domain/core/valueobjects"
	"lumina-backend/domain/events"
	pkgerrors "lumina-backend/pkg/errors"
)

// Dependencies for the command handlers. Publisher may be nil.
type Dependencies struct {
	Boards        ports.BoardRepository
	Nodes         ports.NodeRepository
	Publisher     ports.EventPublisher
	Config        *config.DomainConfig
	PublicBaseURL string
	Logger        *zap.Logger
	Now           func() time.Time
}

// BoardHandlers handles every board and node command
type BoardHandlers struct {
	boards    ports.BoardRepository
	nodes     ports.NodeRepository
	publisher ports.EventPublisher
	cfg       *config.DomainConfig
	baseURL   string
	logger    *zap.Logger
	now       func() time.Time
}

// NewBoardHandlers creates the handlers
func NewBoardHandlers(deps Dependencies) *BoardHandlers {
	if deps.Config == nil {
		deps.Config = config.DefaultDomainConfig()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &BoardHandlers{
		boards:    deps.Boards,
		nodes:     deps.Nodes,
		publisher: deps.Publisher,
		cfg:       deps.Config,
		baseURL:   deps.PublicBaseURL,
		logger:    deps.Logger,
		now:       deps.Now,
	}
}

// Register binds each command type to its handler
func (h *BoardHandlers) Register(b *bus.CommandBus) error {
	routes := []struct {
		cmd bus.Command
		fn  bus.CommandHandlerFunc
	}{
		{commands.CreateBoardCommand{}, h.createBoard},
		{commands.SaveBoardCommand{}, h.saveBoard},
		{commands.DeleteBoardCommand{}, h.deleteBoard},
		{commands.ShareBoardCommand{}, h.shareBoard},
		{commands.AddCollaboratorCommand{}, h.addCollaborator},
		{commands.RemoveCollaboratorCommand{}, h.removeCollaborator},
		{commands.UpdateNodeCommand{}, h.updateNode},
		{commands.DeleteNodeCommand{}, h.deleteNode},
	}
	for _, r := range routes {
		if err := b.Register(r.cmd, r.fn); err != nil {
			return err
		}
	}
	return nil
}

func (h *BoardHandlers) loadBoard(ctx context.Context, rawID string) (*entities.Board, error) {
	id, err := valueobjects.NewBoardIDFromString(rawID)
	if err != nil {
		return nil, pkgerrors.NewValidationError("invalid board id").WithCause(err)
	}
	return h.boards.GetByID(ctx, id)
}

func (h *BoardHandlers) createBoard(ctx context.Context, c bus.Command) error {
	cmd := c.(commands.CreateBoardCommand)
	now := h.now()

	id, err := valueobjects.NewBoardIDFromString(cmd.BoardID)
	if err != nil {
		return pkgerrors.NewValidationError("invalid board id").WithCause(err)
	}
	if _, err := h.boards.GetByID(ctx, id); err == nil {
		return pkgerrors.NewConflictError("board " + cmd.BoardID + " already exists")
	} else if !errors.Is(err, pkgerrors.ErrBoardNotFound) {
		return err
	}

	board, err := entities.NewBoard(id, cmd.Name, cmd.UserID, now, h.cfg)
	if err != nil {
		return err
	}
	content, err := valueobjects.NewNodeContentWithConfig(board.Name(), nil, h.cfg)
	if err != nil {
		return err
	}
	seed, err := entities.NewNode(id, valueobjects.NewNodeID(), valueobjects.NodeTypeSeed, cmd.UserID, content, valueobjects.Position{}, now)
	if err != nil {
		return err
	}

	if err := h.boards.Save(ctx, board); err != nil {
		return err
	}
	if err := h.nodes.Save(ctx, seed.Snapshot()); err != nil {
		return err
	}
	h.publish(ctx, board.GetUncommittedEvents(), seed.GetUncommittedEvents())
	board.MarkEventsAsCommitted()
	seed.MarkEventsAsCommitted()

	h.logger.Info("Board created",
		zap.String("boardID", cmd.BoardID),
		zap.String("userID", cmd.UserID),
	)
	return nil
}

// saveBoard upserts the board. A new board id is created for the caller; an
// existing one needs edit access. Every node version is checked before
// anything is written so a stale request changes nothing.
func (h *BoardHandlers) saveBoard(ctx context.Context, c bus.Command) error {
	cmd := c.(commands.SaveBoardCommand)
	now := h.now()

	id, err := valueobjects.NewBoardIDFromString(cmd.BoardID)
	if err != nil {
		return pkgerrors.NewValidationError("invalid board id").WithCause(err)
	}
	board, err := h.boards.GetByID(ctx, id)
	switch {
	case err == nil:
		if !board.CanUserEdit(cmd.UserID, now) {
			return pkgerrors.NewPermissionDenied("no edit access to this board")
		}
		if cmd.Name != nil && *cmd.Name != board.Name() {
			if !board.IsOwner(cmd.UserID) {
				return pkgerrors.NewPermissionDenied("only the owner can rename the board")
			}
			if err := board.Rename(*cmd.Name, now, h.cfg); err != nil {
				return err
			}
		}
	case errors.Is(err, pkgerrors.ErrBoardNotFound):
		name := ""
		if cmd.Name != nil {
			name = *cmd.Name
		}
		if board, err = entities.NewBoard(id, name, cmd.UserID, now, h.cfg); err != nil {
			return err
		}
	default:
		return err
	}

	existing, err := h.nodes.GetByBoard(ctx, id)
	if err != nil {
		return err
	}
	stored := make(map[string]*entities.Node, len(existing))
	for _, n := range existing {
		stored[n.ID().String()] = n
	}

	isOwner := board.IsOwner(cmd.UserID)
	changed := make([]*entities.Node, 0, len(cmd.Nodes))
	for _, in := range cmd.Nodes {
		node, err := h.mergeNode(id, stored[in.ID], in, cmd.UserID, isOwner, now)
		if err != nil {
			return err
		}
		if node != nil {
			changed = append(changed, node)
			stored[in.ID] = node
		}
	}
	if len(stored) > h.cfg.MaxNodesPerBoard {
		return pkgerrors.NewValidationError("too many nodes on this board")
	}

	if cmd.Edges != nil {
		exists := func(nodeID string) bool { _, ok := stored[nodeID]; return ok }
		if err := board.ReplaceEdges(cmd.Edges, exists, now, h.cfg); err != nil {
			return err
		}
	}

	for _, n := range changed {
		if err := h.nodes.Save(ctx, n.Snapshot()); err != nil {
			return err
		}
	}
	if err := h.boards.Save(ctx, board); err != nil {
		return err
	}

	pending := [][]events.DomainEvent{board.GetUncommittedEvents()}
	for _, n := range changed {
		pending = append(pending, n.GetUncommittedEvents())
	}
	h.publish(ctx, pending...)
	board.MarkEventsAsCommitted()
	for _, n := range changed {
		n.MarkEventsAsCommitted()
	}

	h.logger.Debug("Board saved",
		zap.String("boardID", cmd.BoardID),
		zap.Int("nodes", len(changed)),
		zap.Int("edges", len(cmd.Edges)),
	)
	return nil
}

// mergeNode returns the node to write for in, or nil when nothing changed.
func (h *BoardHandlers) mergeNode(boardID valueobjects.BoardID, current *entities.Node, in commands.NodeInput, userID string, isOwner bool, now time.Time) (*entities.Node, error) {
	if current == nil {
		nodeID, err := valueobjects.NewNodeIDFromString(in.ID)
		if err != nil {
			return nil, pkgerrors.NewValidationError("invalid node id").WithCause(err)
		}
		nodeType := valueobjects.NodeTypeGenerated
		if in.Type != "" {
			if nodeType, err = valueobjects.ParseNodeType(in.Type); err != nil {
				return nil, err
			}
		}
		if nodeType == valueobjects.NodeTypeSeed && !isOwner {
			return nil, pkgerrors.NewPermissionDenied("only the board owner can create the seed node")
		}
		content, err := valueobjects.NewNodeContentWithConfig(in.Content, in.Options, h.cfg)
		if err != nil {
			return nil, err
		}
		node, err := entities.NewNode(boardID, nodeID, nodeType, userID, content, in.Position, now)
		if err != nil {
			return nil, err
		}
		if in.AIResponse != "" {
			_ = node.ApplyPatch(entities.NodePatch{AIResponse: &in.AIResponse}, userID, now, h.cfg)
		}
		return node, nil
	}

	if in.Version > 0 && in.Version < current.Version() {
		return nil, pkgerrors.NewStaleWrite(in.ID, current.Version())
	}
	patch := diff(current, in)
	if patch.IsEmpty() {
		return nil, nil
	}
	if !current.CanUserEdit(userID, isOwner) {
		return nil, pkgerrors.NewPermissionDenied("only the board owner can edit the seed node")
	}
	if err := current.ApplyPatch(patch, userID, now, h.cfg); err != nil {
		return nil, err
	}
	return current, nil
}

// diff builds a patch holding only the fields in differs from n.
func diff(n *entities.Node, in commands.NodeInput) entities.NodePatch {
	var p entities.NodePatch
	if in.Content != n.Content().Text() {
		p.Content = &in.Content
	}
	if !sameOptions(in.Options, n.Content().Options()) {
		opts := in.Options
		p.Options = &opts
	}
	if in.Position != n.Position() {
		pos := in.Position
		p.Position = &pos
	}
	if in.AIResponse != n.AIResponse() {
		p.AIResponse = &in.AIResponse
	}
	return p
}

func sameOptions(a, b []valueobjects.Option) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (h *BoardHandlers) deleteBoard(ctx context.Context, c bus.Command) error {
	cmd := c.(commands.DeleteBoardCommand)
	board, err := h.loadBoard(ctx, cmd.BoardID)
	if err != nil {
		return err
	}
	if !board.IsOwner(cmd.UserID) {
		return pkgerrors.NewPermissionDenied("only the owner can delete the board")
	}
	if err := h.nodes.DeleteByBoard(ctx, board.ID()); err != nil {
		return err
	}
	if err := h.boards.Delete(ctx, board.ID()); err != nil {
		return err
	}
	h.logger.Info("Board deleted", zap.String("boardID", cmd.BoardID), zap.String("userID", cmd.UserID))
	return nil
}

func (h *BoardHandlers) shareBoard(ctx context.Context, c bus.Command) error {
	cmd := c.(commands.ShareBoardCommand)
	board, err := h.loadBoard(ctx, cmd.BoardID)
	if err != nil {
		return err
	}
	perm := valueobjects.PermissionView
	if cmd.Permission != "" {
		if perm, err = valueobjects.ParsePermission(cmd.Permission); err != nil {
			return err
		}
	}
	if perm.CanEdit() && !h.cfg.AllowPublicEdit {
		return pkgerrors.NewPermissionDenied("public edit links are disabled")
	}
	if err := board.Share(cmd.UserID, cmd.IsPublic, perm, h.baseURL, h.cfg.ShareLinkTTL, h.now()); err != nil {
		return err
	}
	return h.commitBoard(ctx, board)
}

func (h *BoardHandlers) addCollaborator(ctx context.Context, c bus.Command) error {
	cmd := c.(commands.AddCollaboratorCommand)
	board, err := h.loadBoard(ctx, cmd.BoardID)
	if err != nil {
		return err
	}
	perm := valueobjects.PermissionEdit
	if cmd.Permission != "" {
		if perm, err = valueobjects.ParsePermission(cmd.Permission); err != nil {
			return err
		}
	}
	if err := board.AddCollaborator(cmd.UserID, cmd.CollaboratorID, perm, h.now()); err != nil {
		return err
	}
	return h.commitBoard(ctx, board)
}

func (h *BoardHandlers) removeCollaborator(ctx context.Context, c bus.Command) error {
	cmd := c.(commands.RemoveCollaboratorCommand)
	board, err := h.loadBoard(ctx, cmd.BoardID)
	if err != nil {
		return err
	}
	if err := board.RemoveCollaborator(cmd.UserID, cmd.CollaboratorID, h.now()); err != nil {
		return err
	}
	return h.commitBoard(ctx, board)
}

func (h *BoardHandlers) commitBoard(ctx context.Context, board *entities.Board) error {
	if err := h.boards.Save(ctx, board); err != nil {
		return err
	}
	h.publish(ctx, board.GetUncommittedEvents())
	board.MarkEventsAsCommitted()
	return nil
}

// publish is best effort; the write already happened.
func (h *BoardHandlers) publish(ctx context.Context, batches ...[]events.DomainEvent) {
	if h.publisher == nil {
		return
	}
	var all []events.DomainEvent
	for _, b := range batches {
		all = append(all, b...)
	}
	if len(all) == 0 {
		return
	}
	if err := h.publisher.PublishBatch(ctx, all); err != nil {
		h.logger.Warn("Failed to publish events", zap.Int("count", len(all)), zap.Error(err))
	}
}
