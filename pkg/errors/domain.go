package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// DomainErrorType groups domain errors by how a caller should react
type DomainErrorType string

const (
	DomainValidationError     DomainErrorType = "VALIDATION_ERROR"
	DomainBusinessRuleError   DomainErrorType = "BUSINESS_RULE_ERROR"
	DomainNotFoundError       DomainErrorType = "NOT_FOUND"
	DomainConflictError       DomainErrorType = "CONFLICT"
	DomainAuthorizationError  DomainErrorType = "AUTHORIZATION_ERROR"
	DomainRateLimitError      DomainErrorType = "RATE_LIMIT_ERROR"
	DomainInfrastructureError DomainErrorType = "INFRASTRUCTURE_ERROR"
)

var domainStatus = map[DomainErrorType]int{
	DomainValidationError:     http.StatusBadRequest,
	DomainBusinessRuleError:   http.StatusUnprocessableEntity,
	DomainNotFoundError:       http.StatusNotFound,
	DomainConflictError:       http.StatusConflict,
	DomainAuthorizationError:  http.StatusForbidden,
	DomainRateLimitError:      http.StatusTooManyRequests,
	DomainInfrastructureError: http.StatusInternalServerError,
}

// DomainError is a board, lock or sync failure. Two DomainErrors match under
// errors.Is when Type and Code agree, so the sentinels below work as kinds.
type DomainError struct {
	Type       DomainErrorType        `json:"type"`
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Cause      error                  `json:"-"`
	Retryable  bool                   `json:"retryable"`
	StatusCode int                    `json:"-"`
}

// NewDomainError creates a DomainError with the default status for its type
func NewDomainError(errorType DomainErrorType, code string, message string) *DomainError {
	status, ok := domainStatus[errorType]
	if !ok {
		status = http.StatusInternalServerError
	}
	return &DomainError{Type: errorType, Code: code, Message: message, StatusCode: status}
}

func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Type, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Type, e.Code, e.Message)
}

func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	return ok && e.Type == t.Type && e.Code == t.Code
}

func (e *DomainError) Unwrap() error { return e.Cause }

func (e *DomainError) WithCause(cause error) *DomainError {
	e.Cause = cause
	return e
}

func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func (e *DomainError) WithRetryable(retryable bool) *DomainError {
	e.Retryable = retryable
	return e
}

func (e *DomainError) WithStatusCode(code int) *DomainError {
	e.StatusCode = code
	return e
}

// fresh copies a sentinel so details and causes never land on the shared value.
func fresh(sentinel *DomainError) *DomainError {
	return &DomainError{
		Type:       sentinel.Type,
		Code:       sentinel.Code,
		Message:    sentinel.Message,
		Retryable:  sentinel.Retryable,
		StatusCode: sentinel.StatusCode,
	}
}

// Sentinels. Compare with errors.Is; build instances with the New* helpers.
var (
	ErrBoardNotFound    = NewDomainError(DomainNotFoundError, "BOARD_NOT_FOUND", "The requested board does not exist")
	ErrNodeNotFound     = NewDomainError(DomainNotFoundError, "NODE_NOT_FOUND", "The requested node does not exist")
	ErrBoardNameTooLong = NewDomainError(DomainValidationError, "BOARD_NAME_TOO_LONG", "Board name exceeds maximum length")
	ErrInvalidNodeType  = NewDomainError(DomainValidationError, "INVALID_NODE_TYPE", "Node type must be seed, generated or multiOption")
	ErrDanglingEdge     = NewDomainError(DomainValidationError, "DANGLING_EDGE", "Edge references a node that is not on the board")

	ErrPermissionDenied = NewDomainError(DomainAuthorizationError, "PERMISSION_DENIED", "User is not allowed to modify this resource")
	ErrLockDenied       = NewDomainError(DomainConflictError, "LOCK_DENIED", "Node is locked by another user").
				WithStatusCode(http.StatusLocked)
	// ErrStaleWrite means a newer version is already stored; resending the same payload cannot succeed.
	ErrStaleWrite = NewDomainError(DomainConflictError, "STALE_WRITE", "A newer version of this entity has already been saved")
	ErrNotJoined  = NewDomainError(DomainBusinessRuleError, "NOT_JOINED", "Board session is not active")

	ErrPersistFailure = NewDomainError(DomainInfrastructureError, "PERSIST_FAILURE", "Failed to persist changes").
				WithRetryable(true)
	ErrTransportDisconnected = NewDomainError(DomainInfrastructureError, "TRANSPORT_DISCONNECTED", "Realtime channel disconnected").
					WithRetryable(true).WithStatusCode(http.StatusServiceUnavailable)
	ErrConfiguration = NewDomainError(DomainInfrastructureError, "CONFIGURATION_ERROR", "Collaboration backend is not configured").
				WithStatusCode(http.StatusServiceUnavailable)
	ErrSchedulerClosed   = NewDomainError(DomainInfrastructureError, "SCHEDULER_CLOSED", "Save scheduler has been shut down")
	ErrRateLimitExceeded = NewDomainError(DomainRateLimitError, "RATE_LIMIT_EXCEEDED", "Too many requests, please try again later").
				WithRetryable(true)
)

func NewPermissionDenied(message string) *DomainError {
	e := fresh(ErrPermissionDenied)
	e.Message = message
	return e
}

// NewPersistFailure wraps a storage error as a retryable PersistFailure.
func NewPersistFailure(cause error) *DomainError {
	return fresh(ErrPersistFailure).WithCause(cause)
}

// NewStaleWrite reports a rejected write for key at version.
func NewStaleWrite(key string, version int) *DomainError {
	return fresh(ErrStaleWrite).WithDetail("key", key).WithDetail("version", version)
}

func NewTransportDisconnected(cause error) *DomainError {
	return fresh(ErrTransportDisconnected).WithCause(cause)
}

// NewConfigurationError names the missing setting.
func NewConfigurationError(setting string) *DomainError {
	return fresh(ErrConfiguration).WithDetail("setting", setting)
}

// IsRetryable decides whether the save scheduler should try again. Domain
// errors carry the answer, AppErrors derive it from their type, and anything
// unclassified is treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var de *DomainError
	if stderrors.As(err, &de) {
		return de.Retryable
	}
	var ae *AppError
	if stderrors.As(err, &ae) {
		return ae.Retryable()
	}
	return true
}
