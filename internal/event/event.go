// ABOUTME: Event envelope for research session streams with optional TTL
// ABOUTME: Provides type constants, constructors, and expiry checks

package event

import "time"

// Type categorizes the kind of event flowing through a session stream.
type Type string

const (
	TypeResearchStarted  Type = "research_started"
	TypeResearchProgress Type = "research_progress"
	TypeResearchComplete Type = "research_complete"
	TypeError            Type = "error"

	// TypeKeepalive is synthetic: it is emitted by subscriber queues when no
	// real event arrives within the read timeout. Keepalives are never stored
	// in session history.
	TypeKeepalive Type = "keepalive"
)

// Event is a single item in a session's event stream. Events are immutable
// after creation; producers and consumers share pointers and must not mutate
// Data in place.
type Event struct {
	Type      Type           `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	TTL       time.Duration  `json:"-"`
}

// New creates an event with no TTL. Events without a TTL live in history
// until evicted by the count bound.
func New(t Type, data map[string]any) *Event {
	return &Event{
		Type:      t,
		Data:      data,
		CreatedAt: time.Now(),
	}
}

// NewWithTTL creates an event that expires ttl after creation. A zero or
// negative ttl means the event never expires.
func NewWithTTL(t Type, data map[string]any, ttl time.Duration) *Event {
	e := New(t, data)
	e.TTL = ttl
	return e
}

// Keepalive returns a fresh keepalive event. Each call allocates so callers
// can rely on CreatedAt reflecting when the timeout fired.
func Keepalive() *Event {
	return &Event{
		Type:      TypeKeepalive,
		Data:      map[string]any{},
		CreatedAt: time.Now(),
	}
}

// Expired reports whether the event's TTL has elapsed at the given time.
// Events with no TTL never expire.
func (e *Event) Expired(now time.Time) bool {
	if e.TTL <= 0 {
		return false
	}
	return now.Sub(e.CreatedAt) > e.TTL
}

// IsKeepalive reports whether the event is the synthetic keepalive.
func (e *Event) IsKeepalive() bool {
	return e.Type == TypeKeepalive
}
