package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"lumina-backend/application/commands"
	"lumina-backend/application/commands/bus"
	"lumina-backend/application/queries"
	querybus "lumina-backend/application/queries/bus"
	"lumina-backend/domain/core/entities"
	"lumina-backend/pkg/common"
	pkgerrors "lumina-backend/pkg/errors"
)

// NodeHandler handles node-related HTTP requests
type NodeHandler struct {
	commandBus *bus.CommandBus
	queryBus   *querybus.QueryBus
	errors     *pkgerrors.ErrorHandler
	logger     *zap.Logger
}

// NewNodeHandler creates a new node handler
func NewNodeHandler(commandBus *bus.CommandBus, queryBus *querybus.QueryBus, errs *pkgerrors.ErrorHandler, logger *zap.Logger) *NodeHandler {
	return &NodeHandler{commandBus: commandBus, queryBus: queryBus, errors: errs, logger: logger}
}

// UpdateNodeRequest is the body of PUT /boards/{boardID}/nodes/{nodeID}
type UpdateNodeRequest struct {
	entities.NodePatch
	// ExpectedVersion makes the update conditional on the stored version.
	ExpectedVersion int `json:"expectedVersion,omitempty"`
}

// GetNode handles GET /boards/{boardID}/nodes/{nodeID}
func (h *NodeHandler) GetNode(w http.ResponseWriter, r *http.Request) {
	user, err := currentUser(r)
	if err != nil {
		h.errors.Handle(w, r, err)
		return
	}
	h.respondNode(w, r, user.UserID)
}

func (h *NodeHandler) respondNode(w http.ResponseWriter, r *http.Request, userID string) {
	node, err := h.queryBus.Ask(r.Context(), queries.GetNodeQuery{
		BoardID: chi.URLParam(r, "boardID"),
		NodeID:  chi.URLParam(r, "nodeID"),
		UserID:  userID,
	})
	if err != nil {
		h.errors.Handle(w, r, err)
		return
	}
	common.RespondJSON(w, r, http.StatusOK, node)
}

// UpdateNode handles PUT /boards/{boardID}/nodes/{nodeID}
func (h *NodeHandler) UpdateNode(w http.ResponseWriter, r *http.Request) {
	user, err := currentUser(r)
	if err != nil {
		h.errors.Handle(w, r, err)
		return
	}
	var req UpdateNodeRequest
	if err := decode(w, r, &req); err != nil {
		h.errors.Handle(w, r, err)
		return
	}
	err = h.commandBus.Send(r.Context(), commands.UpdateNodeCommand{
		BoardID:         chi.URLParam(r, "boardID"),
		NodeID:          chi.URLParam(r, "nodeID"),
		UserID:          user.UserID,
		Patch:           req.NodePatch,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		h.errors.Handle(w, r, err)
		return
	}
	h.respondNode(w, r, user.UserID)
}

// DeleteNode handles DELETE /boards/{boardID}/nodes/{nodeID}
func (h *NodeHandler) DeleteNode(w http.ResponseWriter, r *http.Request) {
	user, err := currentUser(r)
	if err != nil {
		h.errors.Handle(w, r, err)
		return
	}
	err = h.commandBus.Send(r.Context(), commands.DeleteNodeCommand{
		BoardID: chi.URLParam(r, "boardID"),
		NodeID:  chi.URLParam(r, "nodeID"),
		UserID:  user.UserID,
	})
	if err != nil {
		h.errors.Handle(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
