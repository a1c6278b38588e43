package identity

import (
	"hash/fnv"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"lumina-backend/domain/events"
)

var adjectives = []string{
	"Swift", "Mystic", "Cosmic", "Digital", "Quantum", "Neon", "Shadow", "Crystal",
	"Thunder", "Silent", "Golden", "Silver", "Emerald", "Ruby", "Sapphire", "Diamond",
	"Phoenix", "Dragon", "Eagle", "Wolf", "Tiger", "Lion", "Bear", "Fox", "Owl",
	"Brave", "Wise", "Clever", "Mighty", "Gentle", "Wild", "Free", "Bright",
}

var nouns = []string{
	"Dragon", "Phoenix", "Eagle", "Wolf", "Tiger", "Lion", "Bear", "Fox", "Owl",
	"Star", "Moon", "Sun", "Planet", "Galaxy", "Nebula", "Comet", "Meteor",
	"Crystal", "Gem", "Pearl", "Diamond", "Ruby", "Sapphire", "Emerald", "Opal",
}

// Palette is the set of participant colors.
var Palette = []string{
	"#FF6B6B", "#4ECDC4", "#45B7D1", "#96CEB4", "#FFEAA7", "#DDA0DD", "#98D8C8",
	"#F7DC6F", "#BB8FCE", "#85C1E9", "#F8C471", "#82E0AA", "#F1948A", "#5DADE2",
	"#D7BDE2", "#A9CCE3", "#FAD7A0", "#ABEBC6", "#F9E79F", "#D5A6BD", "#A3E4D7",
}

const guestPrefix = "guest_"

// Identity is who a participant is for the lifetime of a session
type Identity struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Color    string    `json:"color"`
	Guest    bool      `json:"guest"`
	JoinedAt time.Time `json:"joinedAt"`
}

// IsGuest reports whether id was minted for an anonymous visitor.
func IsGuest(id string) bool {
	return strings.HasPrefix(id, guestPrefix)
}

// ColorFor picks a stable palette color for an authenticated user.
func ColorFor(userID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return Palette[int(h.Sum32()%uint32(len(Palette)))]
}

// Registry hands out the local identity and remembers the other participants
// seen during the session. It is safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	current *Identity
	others  map[string]Identity
	rnd     *rand.Rand
	now     func() time.Time
}

// Option configures a Registry
type Option func(*Registry)

// WithRand makes guest generation deterministic.
func WithRand(r *rand.Rand) Option {
	return func(reg *Registry) { reg.rnd = r }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(reg *Registry) { reg.now = now }
}

// WithAuthenticatedUser fixes the current identity to a signed-in user.
func WithAuthenticatedUser(id, name string) Option {
	return func(reg *Registry) {
		if name == "" {
			name = id
		}
		reg.current = &Identity{ID: id, Name: name, Color: ColorFor(id)}
	}
}

// NewRegistry creates a registry. Without WithAuthenticatedUser the current
// user is a freshly generated guest.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		others: make(map[string]Identity),
		rnd:    rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CurrentUser returns the local identity, creating a guest on first use.
func (r *Registry) CurrentUser() Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		g := r.newGuestLocked()
		r.current = &g
	}
	if r.current.JoinedAt.IsZero() {
		r.current.JoinedAt = r.now()
	}
	return *r.current
}

// NewGuest mints a guest identity without making it current.
func (r *Registry) NewGuest() Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.newGuestLocked()
}

func (r *Registry) newGuestLocked() Identity {
	now := r.now()
	return Identity{
		ID:       guestPrefix + events.NewID(now),
		Name:     adjectives[r.rnd.IntN(len(adjectives))] + " " + nouns[r.rnd.IntN(len(nouns))],
		Color:    Palette[r.rnd.IntN(len(Palette))],
		Guest:    true,
		JoinedAt: now,
	}
}

// Add remembers another participant.
func (r *Registry) Add(id Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != nil && id.ID == r.current.ID {
		return
	}
	if id.Color == "" {
		id.Color = ColorFor(id.ID)
	}
	r.others[id.ID] = id
}

// Remove forgets a participant.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.others, id)
}

// Lookup returns a known identity, including the current user.
func (r *Registry) Lookup(id string) (Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != nil && r.current.ID == id {
		return *r.current, true
	}
	ident, ok := r.others[id]
	return ident, ok
}

// Online lists the other known participants ordered by id.
func (r *Registry) Online() []Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Identity, 0, len(r.others))
	for _, id := range r.others {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
