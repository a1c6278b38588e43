// Package handlers adapts HTTP requests to commands and queries.
package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"lumina-backend/application/commands"
	"lumina-backend/application/commands/bus"
	"lumina-backend/application/queries"
	querybus "lumina-backend/application/queries/bus"
	"lumina-backend/domain/core/entities"
	"lumina-backend/pkg/auth"
	"lumina-backend/pkg/common"
	pkgerrors "lumina-backend/pkg/errors"
)

const maxBodyBytes = 4 << 20

// BoardHandler handles board-related HTTP requests
type BoardHandler struct {
	commandBus *bus.CommandBus
	queryBus   *querybus.QueryBus
	errors     *pkgerrors.ErrorHandler
	logger     *zap.Logger
}

// NewBoardHandler creates a new board handler
func NewBoardHandler(commandBus *bus.CommandBus, queryBus *querybus.QueryBus, errs *pkgerrors.ErrorHandler, logger *zap.Logger) *BoardHandler {
	return &BoardHandler{commandBus: commandBus, queryBus: queryBus, errors: errs, logger: logger}
}

// SaveBoardRequest is the body of POST /boards. Without an id a new board is
// created with a seed node; with one the board is upserted.
type SaveBoardRequest struct {
	ID    string               `json:"id,omitempty"`
	Name  *string              `json:"name,omitempty"`
	Nodes []commands.NodeInput `json:"nodes,omitempty"`
	Edges []entities.Edge      `json:"edges,omitempty"`
}

// ShareRequest is the body of POST /boards/{boardID}/share
type ShareRequest struct {
	IsPublic   bool   `json:"isPublic"`
	Permission string `json:"permission,omitempty"`
}

// CollaboratorRequest is the body of POST /boards/{boardID}/collaborators
type CollaboratorRequest struct {
	UserID     string `json:"userId"`
	Permission string `json:"permission,omitempty"`
}

func currentUser(r *http.Request) (*auth.UserContext, error) {
	user, ok := auth.GetUserFromContext(r.Context())
	if !ok {
		return nil, pkgerrors.NewUnauthorizedError("Unauthorized")
	}
	return user, nil
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	if err := common.ParseJSONBody(w, r, v, maxBodyBytes); err != nil {
		return pkgerrors.NewValidationError("Invalid request body: " + err.Error())
	}
	return nil
}

// ListBoards handles GET /boards
func (h *BoardHandler) ListBoards(w http.ResponseWriter, r *http.Request) {
	user, err := currentUser(r)
	if err != nil {
		h.errors.Handle(w, r, err)
		return
	}
	result, err := h.queryBus.Ask(r.Context(), queries.ListBoardsQuery{
		UserID:     user.UserID,
		Pagination: common.ExtractPaginationParams(r),
	})
	if err != nil {
		h.errors.Handle(w, r, err)
		return
	}
	common.RespondJSON(w, r, http.StatusOK, result)
}

// SaveBoard handles POST /boards
func (h *BoardHandler) SaveBoard(w http.ResponseWriter, r *http.Request) {
	user, err := currentUser(r)
	if err != nil {
		h.errors.Handle(w, r, err)
		return
	}
	var req SaveBoardRequest
	if err := decode(w, r, &req); err != nil {
		h.errors.Handle(w, r, err)
		return
	}

	status := http.StatusOK
	created := req.ID == ""
	if created {
		req.ID = uuid.NewString()
	}
	save := commands.SaveBoardCommand{
		BoardID: req.ID,
		UserID:  user.UserID,
		Name:    req.Name,
		Nodes:   req.Nodes,
		Edges:   req.Edges,
	}
	// reject a bad body before a new board is created for it
	if err := save.Validate(); err != nil {
		h.errors.Handle(w, r, err)
		return
	}

	if created {
		name := ""
		if req.Name != nil {
			name = *req.Name
		}
		if err := h.commandBus.Send(r.Context(), commands.CreateBoardCommand{BoardID: req.ID, UserID: user.UserID, Name: name}); err != nil {
			h.errors.Handle(w, r, err)
			return
		}
		status = http.StatusCreated
		save.Name = nil
	}
	if save.Name != nil || len(save.Nodes) > 0 || save.Edges != nil {
		if err := h.commandBus.Send(r.Context(), save); err != nil {
			h.errors.Handle(w, r, err)
			return
		}
	}
	h.respondBoard(w, r, req.ID, user.UserID, status)
}

// GetBoard handles GET /boards/{boardID}
func (h *BoardHandler) GetBoard(w http.ResponseWriter, r *http.Request) {
	user, err := currentUser(r)
	if err != nil {
		h.errors.Handle(w, r, err)
		return
	}
	h.respondBoard(w, r, chi.URLParam(r, "boardID"), user.UserID, http.StatusOK)
}

func (h *BoardHandler) respondBoard(w http.ResponseWriter, r *http.Request, boardID, userID string, status int) {
	view, err := h.queryBus.Ask(r.Context(), queries.GetBoardQuery{BoardID: boardID, UserID: userID})
	if err != nil {
		h.errors.Handle(w, r, err)
		return
	}
	common.RespondJSON(w, r, status, view)
}

// DeleteBoard handles DELETE /boards/{boardID}
func (h *BoardHandler) DeleteBoard(w http.ResponseWriter, r *http.Request) {
	user, err := currentUser(r)
	if err != nil {
		h.errors.Handle(w, r, err)
		return
	}
	boardID := chi.URLParam(r, "boardID")
	if err := h.commandBus.Send(r.Context(), commands.DeleteBoardCommand{BoardID: boardID, UserID: user.UserID}); err != nil {
		h.errors.Handle(w, r, err)
		return
	}
	h.logger.Info("Board deleted over REST", zap.String("boardID", boardID), zap.String("userID", user.UserID))
	w.WriteHeader(http.StatusNoContent)
}

// ShareBoard handles POST /boards/{boardID}/share
func (h *BoardHandler) ShareBoard(w http.ResponseWriter, r *http.Request) {
	user, err := currentUser(r)
	if err != nil {
		h.errors.Handle(w, r, err)
		return
	}
	var req ShareRequest
	if err := decode(w, r, &req); err != nil {
		h.errors.Handle(w, r, err)
		return
	}
	boardID := chi.URLParam(r, "boardID")
	err = h.commandBus.Send(r.Context(), commands.ShareBoardCommand{
		BoardID:    boardID,
		UserID:     user.UserID,
		IsPublic:   req.IsPublic,
		Permission: req.Permission,
	})
	if err != nil {
		h.errors.Handle(w, r, err)
		return
	}
	h.respondBoard(w, r, boardID, user.UserID, http.StatusOK)
}

// AddCollaborator handles POST /boards/{boardID}/collaborators
func (h *BoardHandler) AddCollaborator(w http.ResponseWriter, r *http.Request) {
	user, err := currentUser(r)
	if err != nil {
		h.errors.Handle(w, r, err)
		return
	}
	var req CollaboratorRequest
	if err := decode(w, r, &req); err != nil {
		h.errors.Handle(w, r, err)
		return
	}
	boardID := chi.URLParam(r, "boardID")
	err = h.commandBus.Send(r.Context(), commands.AddCollaboratorCommand{
		BoardID:        boardID,
		UserID:         user.UserID,
		CollaboratorID: req.UserID,
		Permission:     req.Permission,
	})
	if err != nil {
		h.errors.Handle(w, r, err)
		return
	}
	h.respondBoard(w, r, boardID, user.UserID, http.StatusOK)
}

// RemoveCollaborator handles DELETE /boards/{boardID}/collaborators/{userID}
func (h *BoardHandler) RemoveCollaborator(w http.ResponseWriter, r *http.Request) {
	user, err := currentUser(r)
	if err != nil {
		h.errors.Handle(w, r, err)
		return
	}
	err = h.commandBus.Send(r.Context(), commands.RemoveCollaboratorCommand{
		BoardID:        chi.URLParam(r, "boardID"),
		UserID:         user.UserID,
		CollaboratorID: chi.URLParam(r, "userID"),
	})
	if err != nil {
		h.errors.Handle(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
