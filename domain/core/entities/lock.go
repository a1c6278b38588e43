package entities

import "time"

// NodeLock is the ephemeral edit lock on a node. The zero value means unlocked.
type NodeLock struct {
	NodeID       string    `json:"nodeId" dynamodbav:"NodeID"`
	Holder       string    `json:"holder" dynamodbav:"Holder"`
	HolderName   string    `json:"holderName,omitempty" dynamodbav:"HolderName,omitempty"`
	ConnectionID string    `json:"connectionId,omitempty" dynamodbav:"ConnectionID,omitempty"`
	AcquiredAt   time.Time `json:"acquiredAt" dynamodbav:"AcquiredAt"`
}

// IsLockExpired reports whether a lock taken at lockedAt has outlived ttl at now.
// A lock is still valid at exactly lockedAt+ttl.
func IsLockExpired(lockedAt, now time.Time, ttl time.Duration) bool {
	return now.Sub(lockedAt) > ttl
}

// IsZero reports whether the lock is unset.
func (l NodeLock) IsZero() bool {
	return l.Holder == ""
}

// Expired applies IsLockExpired to this lock.
func (l NodeLock) Expired(now time.Time, ttl time.Duration) bool {
	return !l.IsZero() && IsLockExpired(l.AcquiredAt, now, ttl)
}

// HeldBy reports whether userID holds a live lock at now.
func (l NodeLock) HeldBy(userID string, now time.Time, ttl time.Duration) bool {
	return !l.IsZero() && l.Holder == userID && !l.Expired(now, ttl)
}

// HeldByOther reports whether someone other than userID holds a live lock at now.
func (l NodeLock) HeldByOther(userID string, now time.Time, ttl time.Duration) bool {
	return !l.IsZero() && l.Holder != userID && !l.Expired(now, ttl)
}

// ExpiresAt is the last instant at which the lock is still valid.
func (l NodeLock) ExpiresAt(ttl time.Duration) time.Time {
	return l.AcquiredAt.Add(ttl)
}
