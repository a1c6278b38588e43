package valueobjects

import (
	pkgerrors "lumina-backend/pkg/errors"
)

// NodeType is the kind of a board node
type NodeType string

const (
	// NodeTypeSeed is the root prompt of a board. Only the owner may edit it.
	NodeTypeSeed        NodeType = "seed"
	NodeTypeGenerated   NodeType = "generated"
	NodeTypeMultiOption NodeType = "multiOption"
)

// ParseNodeType defaults an empty value to generated.
func ParseNodeType(s string) (NodeType, error) {
	switch NodeType(s) {
	case "":
		return NodeTypeGenerated, nil
	case NodeTypeSeed, NodeTypeGenerated, NodeTypeMultiOption:
		return NodeType(s), nil
	default:
		return "", pkgerrors.ErrInvalidNodeType
	}
}

// Permission is the access level granted to a collaborator or a share link
type Permission string

const (
	PermissionView Permission = "view"
	PermissionEdit Permission = "edit"
)

// ParsePermission defaults an empty value to view.
func ParsePermission(s string) (Permission, error) {
	switch Permission(s) {
	case "":
		return PermissionView, nil
	case PermissionView, PermissionEdit:
		return Permission(s), nil
	default:
		return "", pkgerrors.NewValidationError("permission must be view or edit")
	}
}

// CanEdit reports whether the permission allows modification.
func (p Permission) CanEdit() bool {
	return p == PermissionEdit
}
