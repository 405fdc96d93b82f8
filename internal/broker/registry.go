// ABOUTME: Session lifecycle registry tracking subscriber counts and activity
// ABOUTME: Decides when broker-side session state is eligible for reclamation

package broker

import (
	"sync"
	"time"
)

// LifecycleEntry is the registry's view of one session.
type LifecycleEntry struct {
	SessionID    string
	CreatedAt    time.Time
	LastActivity time.Time
	Subscribers  int
}

// Registry tracks which sessions are live from the broker's point of view.
// A session is eligible for reclamation only when it has zero subscribers
// and has been idle longer than the session TTL; adding a subscriber or
// touching the entry resets eligibility.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*LifecycleEntry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*LifecycleEntry),
	}
}

// AddSubscriber increments the session's subscriber count, creating the
// entry if needed, and resets the activity clock.
func (r *Registry) AddSubscriber(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.ensureLocked(sessionID)
	e.Subscribers++
	e.LastActivity = time.Now()
}

// RemoveSubscriber decrements the session's subscriber count, flooring at
// zero. Removing from an unknown session is a no-op.
func (r *Registry) RemoveSubscriber(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	if e.Subscribers > 0 {
		e.Subscribers--
	}
	e.LastActivity = time.Now()
}

// Touch resets the session's activity clock, creating the entry if needed.
// Called on every broadcast and on session access.
func (r *Registry) Touch(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.ensureLocked(sessionID)
	e.LastActivity = time.Now()
}

// ensureLocked returns the entry for sessionID, creating it if absent.
// Must be called with mu held.
func (r *Registry) ensureLocked(sessionID string) *LifecycleEntry {
	e, ok := r.sessions[sessionID]
	if !ok {
		e = &LifecycleEntry{
			SessionID: sessionID,
			CreatedAt: time.Now(),
		}
		r.sessions[sessionID] = e
	}
	return e
}

// Get returns a copy of the session's entry.
func (r *Registry) Get(sessionID string) (LifecycleEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.sessions[sessionID]
	if !ok {
		return LifecycleEntry{}, false
	}
	return *e, true
}

// Len returns the number of tracked sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns copies of all entries, for stats reporting.
func (r *Registry) Snapshot() []LifecycleEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]LifecycleEntry, 0, len(r.sessions))
	for _, e := range r.sessions {
		entries = append(entries, *e)
	}
	return entries
}

// CleanupExpired removes and returns the ids of all sessions with zero
// subscribers that have been idle longer than sessionTTL. Removal and
// return happen atomically under the registry lock so a caller holding the
// broker lock cannot disagree with the registry about liveness.
func (r *Registry) CleanupExpired(sessionTTL time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	var expired []string
	for id, e := range r.sessions {
		if e.Subscribers == 0 && now.Sub(e.LastActivity) > sessionTTL {
			expired = append(expired, id)
			delete(r.sessions, id)
		}
	}
	return expired
}
