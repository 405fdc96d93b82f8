// ABOUTME: Per-source sliding window of failed session lookups with lockout state
// ABOUTME: Bounded by source count and window; feeds enumeration detection

package hub

import (
	"container/list"
	"sync"
	"time"
)

// maxAttemptsPerSource bounds the id window kept per source. Enumeration
// detection needs recent ids, not a full trail; the audit log keeps that.
const maxAttemptsPerSource = 32

// attempt is one failed session lookup from a source.
type attempt struct {
	id string
	at time.Time
}

// sourceState holds the recent failed lookups and any active lockout for one
// source address.
type sourceState struct {
	attempts    []attempt
	lockedUntil time.Time
	element     *list.Element
}

// attemptTracker keeps a bounded, windowed record of failed session lookups
// per source address. When the source cap is reached the least recently
// active source is evicted. Uses a doubly-linked list for O(1) eviction.
type attemptTracker struct {
	mu         sync.Mutex
	sources    map[string]*sourceState
	order      *list.List // sources by last activity, oldest at front
	window     time.Duration
	cooldown   time.Duration
	maxSources int
	done       chan struct{}
	closed     bool
}

// newAttemptTracker creates a tracker. A background goroutine periodically
// prunes sources with no activity inside the window and no active lockout.
func newAttemptTracker(window, cooldown time.Duration, maxSources int) *attemptTracker {
	t := &attemptTracker{
		sources:    make(map[string]*sourceState),
		order:      list.New(),
		window:     window,
		cooldown:   cooldown,
		maxSources: maxSources,
		done:       make(chan struct{}),
	}
	go t.prune()
	return t
}

// Record logs a failed lookup of id from source and returns the ids the
// source attempted within the window, oldest first.
func (t *attemptTracker) Record(source, id string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	state := t.touchLocked(source)
	now := time.Now()
	state.attempts = append(state.attempts, attempt{id: id, at: now})

	kept := state.attempts[:0]
	for _, a := range state.attempts {
		if now.Sub(a.at) <= t.window {
			kept = append(kept, a)
		}
	}
	if len(kept) > maxAttemptsPerSource {
		kept = kept[len(kept)-maxAttemptsPerSource:]
	}
	state.attempts = kept

	ids := make([]string, len(state.attempts))
	for i, a := range state.attempts {
		ids[i] = a.id
	}
	return ids
}

// Lock places source in cooldown. Requests from it are rejected until the
// cooldown passes.
func (t *attemptTracker) Lock(source string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state := t.touchLocked(source)
	state.lockedUntil = time.Now().Add(t.cooldown)
}

// Locked reports whether source is in an active cooldown.
func (t *attemptTracker) Locked(source string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.sources[source]
	if !ok {
		return false
	}
	return time.Now().Before(state.lockedUntil)
}

// Len returns the number of tracked sources.
func (t *attemptTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sources)
}

// touchLocked returns the state for source, creating it if needed and
// evicting the least recently active source at capacity. Must be called with
// mu held.
func (t *attemptTracker) touchLocked(source string) *sourceState {
	if state, ok := t.sources[source]; ok {
		t.order.MoveToBack(state.element)
		return state
	}

	if len(t.sources) >= t.maxSources {
		t.evictOldestLocked()
	}

	state := &sourceState{}
	state.element = t.order.PushBack(source)
	t.sources[source] = state
	return state
}

// evictOldestLocked removes the least recently active source. Must be called
// with mu held.
func (t *attemptTracker) evictOldestLocked() {
	front := t.order.Front()
	if front == nil {
		return
	}

	source, _ := front.Value.(string)
	t.order.Remove(front)
	delete(t.sources, source)
}

// prune runs in a background goroutine, periodically removing idle sources.
func (t *attemptTracker) prune() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.runPrune()
		case <-t.done:
			return
		}
	}
}

// runPrune removes sources with no attempts inside the window and no active
// lockout.
func (t *attemptTracker) runPrune() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	for source, state := range t.sources {
		if now.Before(state.lockedUntil) {
			continue
		}
		active := false
		for _, a := range state.attempts {
			if now.Sub(a.at) <= t.window {
				active = true
				break
			}
		}
		if !active {
			t.order.Remove(state.element)
			delete(t.sources, source)
		}
	}
}

// Close stops the prune goroutine. Safe to call multiple times.
func (t *attemptTracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.closed {
		close(t.done)
		t.closed = true
	}
}
