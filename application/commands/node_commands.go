package commands

import (
	"lumina-backend/domain/core/entities"
	"lumina-backend/pkg/utils"
)

// UpdateNodeCommand applies a patch to one node. When ExpectedVersion is set
// and the stored node has moved on, the update fails with a stale write.
type UpdateNodeCommand struct {
	BoardID         string             `json:"boardId" validate:"required"`
	NodeID          string             `json:"nodeId" validate:"required"`
	UserID          string             `json:"userId" validate:"required"`
	Patch           entities.NodePatch `json:"patch"`
	ExpectedVersion int                `json:"expectedVersion" validate:"gte=0"`
}

func (c UpdateNodeCommand) Validate() error { return utils.ValidateStruct(c) }

// DeleteNodeCommand removes a node and the edges that touch it
type DeleteNodeCommand struct {
	BoardID string `json:"boardId" validate:"required"`
	NodeID  string `json:"nodeId" validate:"required"`
	UserID  string `json:"userId" validate:"required"`
}

func (c DeleteNodeCommand) Validate() error { return utils.ValidateStruct(c) }
