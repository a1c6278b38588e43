// Package queries holds the read requests served by the REST API together
// with the shapes they return.
package queries

import (
	"time"

	"lumina-backend/domain/core/entities"
	"lumina-backend/pkg/common"
	"lumina-backend/pkg/utils"
)

// GetBoardQuery loads a board with all of its nodes
type GetBoardQuery struct {
	BoardID string `validate:"required"`
	UserID  string `validate:"required"`
}

func (q GetBoardQuery) Validate() error { return utils.ValidateStruct(q) }

// BoardView is a board as the editor loads it
type BoardView struct {
	entities.BoardSnapshot
	Nodes   []entities.NodeSnapshot `json:"nodes"`
	CanEdit bool                    `json:"canEdit"`
	IsOwner bool                    `json:"isOwner"`
}

// ListBoardsQuery lists the boards a user owns or collaborates on, most
// recently modified first.
type ListBoardsQuery struct {
	UserID     string `validate:"required"`
	Pagination common.PaginationParams
}

func (q ListBoardsQuery) Validate() error { return utils.ValidateStruct(q) }

// BoardSummary is one row of a board listing
type BoardSummary struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	OwnerID      string    `json:"ownerId"`
	IsOwner      bool      `json:"isOwner"`
	IsPublic     bool      `json:"isPublic"`
	Version      int       `json:"version"`
	LastModified time.Time `json:"lastModified"`
}

// GetNodeQuery loads one node
type GetNodeQuery struct {
	BoardID string `validate:"required"`
	NodeID  string `validate:"required"`
	UserID  string `validate:"required"`
}

func (q GetNodeQuery) Validate() error { return utils.ValidateStruct(q) }
