// Package protocol defines the JSON frames exchanged over a realtime websocket.
// Each websocket carries exactly one space connection. Requests carry a Ref
// that the server echoes on the matching reply; events carry no Ref.
package protocol

import (
	"encoding/json"
	"errors"
	"time"

	"lumina-backend/domain/core/entities"
	"lumina-backend/domain/core/valueobjects"
	"lumina-backend/domain/events"
	"lumina-backend/domain/identity"
	pkgerrors "lumina-backend/pkg/errors"
)

// Type names a frame
type Type string

const (
	// client to server
	TypeEnter     Type = "enter"
	TypeLeave     Type = "leave"
	TypeHeartbeat Type = "heartbeat"
	TypeMembers   Type = "members"
	TypeLocks     Type = "locks"
	TypeAcquire   Type = "lock.acquire"
	TypeRelease   Type = "lock.release"
	TypeCursor    Type = "cursor"
	TypePublish   Type = "publish"

	// server to client
	TypeWelcome Type = "welcome"
	TypeReply   Type = "reply"
	TypeError   Type = "error"
	TypeEvent   Type = "event"
)

// Frame is the single envelope for every message in either direction
type Frame struct {
	Type         Type                   `json:"type"`
	Ref          string                 `json:"ref,omitempty"`
	Space        string                 `json:"space,omitempty"`
	ConnectionID string                 `json:"connectionId,omitempty"`
	Member       *identity.Identity     `json:"member,omitempty"`
	NodeID       string                 `json:"nodeId,omitempty"`
	Cursor       *valueobjects.Position `json:"cursor,omitempty"`
	Event        *events.Event          `json:"event,omitempty"`
	Members      []entities.Participant `json:"members,omitempty"`
	Locks        []entities.NodeLock    `json:"locks,omitempty"`
	Lock         *entities.NodeLock     `json:"lock,omitempty"`
	Error        *ErrorBody             `json:"error,omitempty"`
}

// ErrorBody carries a domain error across the wire
type ErrorBody struct {
	Code       string    `json:"code"`
	Message    string    `json:"message"`
	Retryable  bool      `json:"retryable,omitempty"`
	NodeID     string    `json:"nodeId,omitempty"`
	Holder     string    `json:"holder,omitempty"`
	HolderName string    `json:"holderName,omitempty"`
	AcquiredAt time.Time `json:"acquiredAt,omitempty"`
}

// Encode marshals a frame
func Encode(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

// Decode parses a frame and rejects ones without a type
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, pkgerrors.NewValidationError("malformed frame").WithCause(err)
	}
	if f.Type == "" {
		return Frame{}, pkgerrors.NewValidationError("frame type is required")
	}
	return f, nil
}

// Reply builds the success reply to req
func Reply(req Frame) Frame {
	return Frame{Type: TypeReply, Ref: req.Ref, Space: req.Space}
}

// Fail builds the error reply to req
func Fail(req Frame, err error) Frame {
	return Frame{Type: TypeError, Ref: req.Ref, Space: req.Space, Error: ErrorFrom(err)}
}

// ErrorFrom flattens err for the wire. Lock denials keep the holder.
func ErrorFrom(err error) *ErrorBody {
	var denied *pkgerrors.LockDeniedError
	if errors.As(err, &denied) {
		return &ErrorBody{
			Code:       pkgerrors.ErrLockDenied.Code,
			Message:    denied.Error(),
			NodeID:     denied.NodeID,
			Holder:     denied.Holder,
			HolderName: denied.HolderName,
			AcquiredAt: denied.AcquiredAt,
		}
	}
	var de *pkgerrors.DomainError
	if errors.As(err, &de) {
		return &ErrorBody{Code: de.Code, Message: de.Message, Retryable: de.Retryable}
	}
	if ae := pkgerrors.GetAppError(err); ae != nil {
		return &ErrorBody{Code: string(ae.Type), Message: ae.Message, Retryable: pkgerrors.IsRetryable(ae)}
	}
	return &ErrorBody{Code: "INTERNAL", Message: err.Error(), Retryable: true}
}

// Err rebuilds a domain error on the receiving side so callers can match the
// usual sentinels with errors.Is.
func (b *ErrorBody) Err() error {
	if b == nil {
		return nil
	}
	switch b.Code {
	case pkgerrors.ErrLockDenied.Code:
		return pkgerrors.NewLockDenied(b.NodeID, b.Holder, b.HolderName, b.AcquiredAt)
	case pkgerrors.ErrNotJoined.Code:
		return pkgerrors.NewDomainError(pkgerrors.ErrNotJoined.Type, b.Code, b.Message)
	case pkgerrors.ErrPermissionDenied.Code:
		return pkgerrors.NewPermissionDenied(b.Message)
	case pkgerrors.ErrRateLimitExceeded.Code:
		return pkgerrors.NewDomainError(pkgerrors.ErrRateLimitExceeded.Type, b.Code, b.Message).WithRetryable(true)
	case string(pkgerrors.ErrorTypeValidation):
		return pkgerrors.NewValidationError(b.Message)
	}
	return pkgerrors.NewDomainError(pkgerrors.DomainInfrastructureError, b.Code, b.Message).WithRetryable(b.Retryable)
}
