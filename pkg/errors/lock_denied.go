package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// LockDeniedError is returned when another participant holds a node lock that
// has not yet expired. It matches ErrLockDenied under errors.Is.
type LockDeniedError struct {
	NodeID     string
	Holder     string
	HolderName string
	AcquiredAt time.Time
}

// NewLockDenied builds a LockDeniedError for nodeID held by holder.
func NewLockDenied(nodeID, holder, holderName string, acquiredAt time.Time) *LockDeniedError {
	return &LockDeniedError{
		NodeID:     nodeID,
		Holder:     holder,
		HolderName: holderName,
		AcquiredAt: acquiredAt,
	}
}

func (e *LockDeniedError) Error() string {
	who := e.HolderName
	if who == "" {
		who = e.Holder
	}
	return fmt.Sprintf("[%s:%s] node %s is locked by %s", ErrLockDenied.Type, ErrLockDenied.Code, e.NodeID, who)
}

// Is lets errors.Is(err, ErrLockDenied) succeed.
func (e *LockDeniedError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return t.Type == ErrLockDenied.Type && t.Code == ErrLockDenied.Code
}

// Domain converts the error into a DomainError for HTTP and wire responses.
func (e *LockDeniedError) Domain() *DomainError {
	return NewDomainError(ErrLockDenied.Type, ErrLockDenied.Code, e.Error()).
		WithStatusCode(423).
		WithDetail("nodeId", e.NodeID).
		WithDetail("holder", e.Holder).
		WithDetail("holderName", e.HolderName)
}

// IsLockDenied reports whether err is a lock denial.
func IsLockDenied(err error) bool {
	return stderrors.Is(err, ErrLockDenied)
}
