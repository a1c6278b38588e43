package entities

import (
	"time"

	"lumina-backend/domain/core/valueobjects"
)

// Participant is one connection present on a board. A user with two tabs open
// is two participants sharing a UserID.
type Participant struct {
	ConnectionID string                 `json:"connectionId"`
	UserID       string                 `json:"userId"`
	Name         string                 `json:"name"`
	Color        string                 `json:"color"`
	Cursor       *valueobjects.Position `json:"cursor,omitempty"`
	JoinedAt     time.Time              `json:"joinedAt"`
	LastSeen     time.Time              `json:"lastSeen"`
}

// Stale reports whether the participant missed its heartbeat window.
func (p Participant) Stale(now time.Time, timeout time.Duration) bool {
	return now.Sub(p.LastSeen) > timeout
}

// Touch records activity at now.
func (p *Participant) Touch(now time.Time) {
	if now.After(p.LastSeen) {
		p.LastSeen = now
	}
}

// MoveCursor updates the cursor and counts as activity.
func (p *Participant) MoveCursor(pos valueobjects.Position, now time.Time) {
	p.Cursor = &pos
	p.Touch(now)
}
