package valueobjects

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

const maxIDLength = 128

// NodeID identifies a node within a board. Clients mint their own ids, so any
// short printable string is accepted.
type NodeID struct {
	value string
}

// NewNodeID creates a new random NodeID
func NewNodeID() NodeID {
	return NodeID{value: uuid.New().String()}
}

// NewNodeIDFromString creates a NodeID from an existing string
func NewNodeIDFromString(id string) (NodeID, error) {
	if err := validateID(id); err != nil {
		return NodeID{}, err
	}
	return NodeID{value: id}, nil
}

func (id NodeID) String() string           { return id.value }
func (id NodeID) Equals(other NodeID) bool { return id.value == other.value }
func (id NodeID) IsZero() bool             { return id.value == "" }

// SaveKey is the autosave queue key for this node.
func (id NodeID) SaveKey() string {
	return "node-" + id.value
}

// LockKey is the realtime lock name for this node.
func (id NodeID) LockKey() string {
	return "node-" + id.value
}

// BoardID identifies a board.
type BoardID struct {
	value string
}

// NewBoardID creates a new random BoardID
func NewBoardID() BoardID {
	return BoardID{value: uuid.New().String()}
}

// NewBoardIDFromString creates a BoardID from an existing string
func NewBoardIDFromString(id string) (BoardID, error) {
	if err := validateID(id); err != nil {
		return BoardID{}, err
	}
	return BoardID{value: id}, nil
}

func (id BoardID) String() string { return id.value }
func (id BoardID) IsZero() bool   { return id.value == "" }

// SpaceName is the realtime space shared by everyone viewing the board.
func (id BoardID) SpaceName() string {
	return "board-" + id.value
}

func validateID(id string) error {
	if id == "" {
		return errors.New("id cannot be empty")
	}
	if len(id) > maxIDLength {
		return errors.New("id exceeds maximum length")
	}
	if strings.ContainsAny(id, "#/ \t\n") {
		return errors.New("id contains reserved characters")
	}
	return nil
}
