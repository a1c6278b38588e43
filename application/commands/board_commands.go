// Package commands holds the state-changing requests accepted by the REST API.
// Board and node ids are chosen by the caller so a command needs no return value.
package commands

import (
	"lumina-backend/domain/core/entities"
	"lumina-backend/domain/core/valueobjects"
	"lumina-backend/pkg/utils"
)

// CreateBoardCommand creates a board with a seed node
type CreateBoardCommand struct {
	BoardID string `json:"boardId" validate:"required"`
	UserID  string `json:"userId" validate:"required"`
	Name    string `json:"name" validate:"max=100"`
}

func (c CreateBoardCommand) Validate() error { return utils.ValidateStruct(c) }

// NodeInput is one node in a board save
type NodeInput struct {
	ID         string                `json:"id" validate:"required"`
	Type       string                `json:"type" validate:"omitempty,oneof=seed generated multiOption"`
	Content    string                `json:"content"`
	Options    []valueobjects.Option `json:"options,omitempty"`
	Position   valueobjects.Position `json:"position"`
	AIResponse string                `json:"aiResponse,omitempty"`
	// Version is the version the client last saw; zero means unknown.
	Version int `json:"version" validate:"gte=0"`
}

// SaveBoardCommand upserts a board together with the nodes and edges the
// editor holds. Nodes missing from the request are left untouched.
type SaveBoardCommand struct {
	BoardID string          `json:"boardId" validate:"required"`
	UserID  string          `json:"userId" validate:"required"`
	Name    *string         `json:"name,omitempty" validate:"omitempty,max=100"`
	Nodes   []NodeInput     `json:"nodes" validate:"dive"`
	Edges   []entities.Edge `json:"edges"`
}

func (c SaveBoardCommand) Validate() error { return utils.ValidateStruct(c) }

// DeleteBoardCommand removes a board and its nodes. Only the owner may do this.
type DeleteBoardCommand struct {
	BoardID string `json:"boardId" validate:"required"`
	UserID  string `json:"userId" validate:"required"`
}

func (c DeleteBoardCommand) Validate() error { return utils.ValidateStruct(c) }

// ShareBoardCommand turns the public link on or off
type ShareBoardCommand struct {
	BoardID    string `json:"boardId" validate:"required"`
	UserID     string `json:"userId" validate:"required"`
	IsPublic   bool   `json:"isPublic"`
	Permission string `json:"permission" validate:"omitempty,oneof=view edit"`
}

func (c ShareBoardCommand) Validate() error { return utils.ValidateStruct(c) }

// AddCollaboratorCommand grants a user access, or changes their permission
type AddCollaboratorCommand struct {
	BoardID        string `json:"boardId" validate:"required"`
	UserID         string `json:"userId" validate:"required"`
	CollaboratorID string `json:"collaboratorId" validate:"required,nefield=UserID"`
	Permission     string `json:"permission" validate:"omitempty,oneof=view edit"`
}

func (c AddCollaboratorCommand) Validate() error { return utils.ValidateStruct(c) }

// RemoveCollaboratorCommand revokes a user's access
type RemoveCollaboratorCommand struct {
	BoardID        string `json:"boardId" validate:"required"`
	UserID         string `json:"userId" validate:"required"`
	CollaboratorID string `json:"collaboratorId" validate:"required"`
}

func (c RemoveCollaboratorCommand) Validate() error { return utils.ValidateStruct(c) }
