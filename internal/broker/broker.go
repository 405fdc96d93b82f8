// ABOUTME: Per-session event fan-out with bounded history and periodic sweep
// ABOUTME: Owns subscriber queues, replay buffers, and reclamation counters

package broker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/halcyon-research/streamhub/internal/event"
)

const (
	// defaultMaxQueueSize matches the subscriber buffer used by the chat
	// stream handlers (64 events).
	defaultMaxQueueSize         = 64
	defaultMaxHistoryPerSession = 1000
	defaultSessionTTL           = time.Hour
	defaultCleanupInterval      = time.Minute

	// eventOverheadBytes is the assumed fixed cost of one buffered event
	// before counting its payload. Memory accounting here is approximate;
	// it backs a monitoring stat, not an enforcement limit.
	eventOverheadBytes = 96
)

// Config bounds the broker's memory and timing behavior.
type Config struct {
	MaxQueueSize         int           `json:"max_queue_size"`
	MaxHistoryPerSession int           `json:"max_history_per_session"`
	SessionTTL           time.Duration `json:"session_ttl"`
	CleanupInterval      time.Duration `json:"cleanup_interval"`
}

func (c Config) withDefaults() Config {
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = defaultMaxQueueSize
	}
	if c.MaxHistoryPerSession <= 0 {
		c.MaxHistoryPerSession = defaultMaxHistoryPerSession
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = defaultSessionTTL
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = defaultCleanupInterval
	}
	return c
}

// sessionState is the broker-side state for one session: its replay buffer
// and the set of live subscriber queues.
type sessionState struct {
	history     []*event.Event
	subscribers map[string]*Queue
	approxBytes int64
}

// SessionStat is the per-session slice of a stats snapshot.
type SessionStat struct {
	Subscribers int `json:"subscribers"`
	HistoryLen  int `json:"history_len"`
}

// Stats is a point-in-time snapshot of broker state. It is built under the
// broker lock and returned by value; formatting happens caller-side.
type Stats struct {
	TotalSessions     int    `json:"total_sessions"`
	TotalSubscribers  int    `json:"total_subscribers"`
	TotalEvents       int    `json:"total_events"`
	ApproxMemoryBytes int64  `json:"approx_memory_bytes"`
	Config            Config `json:"config"`

	ExpiredEventsCleaned int64 `json:"expired_events_cleaned"`
	DeadQueuesCleaned    int64 `json:"dead_queues_cleaned"`
	SessionsExpired      int64 `json:"sessions_expired"`

	Sessions map[string]SessionStat `json:"sessions"`
}

// Broker fans events out to per-session subscriber queues and retains a
// bounded history ring per session for replay. One Broker instance is shared
// by all request handlers; construct it at process start and pass it down
// explicitly.
type Broker struct {
	mu       sync.RWMutex
	sessions map[string]*sessionState
	registry *Registry
	cfg      Config
	logger   *slog.Logger

	// Monotonic sweep counters, written under mu.
	expiredEventsCleaned int64
	deadQueuesCleaned    int64
	sessionsExpired      int64

	done    chan struct{}
	wg      sync.WaitGroup
	started bool
	closed  bool
}

// New creates a broker. Pass nil logger for default. Zero config fields take
// defaults.
func New(cfg Config, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		sessions: make(map[string]*sessionState),
		registry: NewRegistry(),
		cfg:      cfg.withDefaults(),
		logger:   logger.With("component", "broker"),
		done:     make(chan struct{}),
	}
}

// Config returns the active configuration (defaults applied).
func (b *Broker) Config() Config { return b.cfg }

// AddSubscriber creates a bounded queue, registers it under the session, and
// increments the session's subscriber count. After Shutdown it returns an
// already-closed queue so callers fail on first Get instead of hanging.
func (b *Broker) AddSubscriber(sessionID string) *Queue {
	q := NewQueue(uuid.New().String(), b.cfg.MaxQueueSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		q.Close()
		return q
	}

	st := b.ensureStateLocked(sessionID)
	st.subscribers[q.ID()] = q
	b.registry.AddSubscriber(sessionID)

	b.logger.Debug("subscriber added",
		"session_id", sessionID,
		"sub_id", q.ID())
	return q
}

// RemoveSubscriber closes the queue, decrements the session's subscriber
// count, and discards the queue reference. Removing a queue that was never
// added (or already removed) is a no-op.
func (b *Broker) RemoveSubscriber(sessionID string, q *Queue) {
	if q == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeSubscriberLocked(sessionID, q.ID())
}

// removeSubscriberLocked closes and unregisters one queue. Must be called
// with mu held. Returns false if the queue was not registered.
func (b *Broker) removeSubscriberLocked(sessionID, subID string) bool {
	st, ok := b.sessions[sessionID]
	if !ok {
		return false
	}
	q, ok := st.subscribers[subID]
	if !ok {
		return false
	}

	delete(st.subscribers, subID)
	q.Close()
	b.registry.RemoveSubscriber(sessionID)

	b.logger.Debug("subscriber removed",
		"session_id", sessionID,
		"sub_id", subID)
	return true
}

// Subscribe is the scoped-acquisition form of AddSubscriber: it runs fn with
// a fresh queue and guarantees the queue is released on every exit path,
// including a panic inside fn.
func (b *Broker) Subscribe(sessionID string, fn func(*Queue) error) error {
	q := b.AddSubscriber(sessionID)
	defer b.RemoveSubscriber(sessionID, q)
	return fn(q)
}

// BroadcastEvent appends the event to the session's history ring, evicting
// the oldest entries beyond MaxHistoryPerSession, then attempts a
// non-blocking put into every live subscriber queue. A full or closed queue
// drops the event for that subscriber only; the caller is never blocked.
// Fan-out happens under the broker lock so every queue observes events in
// history order; puts never block, keeping the critical section bounded.
func (b *Broker) BroadcastEvent(sessionID string, evt *event.Event) {
	if evt == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	st := b.ensureStateLocked(sessionID)
	st.history = append(st.history, evt)
	st.approxBytes += eventApproxBytes(evt)
	for len(st.history) > b.cfg.MaxHistoryPerSession {
		st.approxBytes -= eventApproxBytes(st.history[0])
		st.history[0] = nil
		st.history = st.history[1:]
	}

	for subID, q := range st.subscribers {
		if !q.Put(evt) {
			b.logger.Debug("dropped event for slow subscriber",
				"session_id", sessionID,
				"sub_id", subID,
				"type", evt.Type)
		}
	}

	b.registry.Touch(sessionID)
}

// History returns a copy of the session's current replay buffer in broadcast
// order. Expired entries are not filtered here; that happens during sweep,
// so a caller may still observe an about-to-expire event.
func (b *Broker) History(sessionID string) []*event.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	st, ok := b.sessions[sessionID]
	if !ok || len(st.history) == 0 {
		return nil
	}
	out := make([]*event.Event, len(st.history))
	copy(out, st.history)
	return out
}

// Touch resets the session's lifecycle activity clock. Called by access
// paths that read session state without broadcasting.
func (b *Broker) Touch(sessionID string) {
	b.registry.Touch(sessionID)
}

// Stats returns a snapshot of broker state. The snapshot is assembled under
// the lock and the lock released before the caller formats anything, so
// frequent polling does not stall writers.
func (b *Broker) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s := Stats{
		TotalSessions:        len(b.sessions),
		Config:               b.cfg,
		ExpiredEventsCleaned: b.expiredEventsCleaned,
		DeadQueuesCleaned:    b.deadQueuesCleaned,
		SessionsExpired:      b.sessionsExpired,
		Sessions:             make(map[string]SessionStat, len(b.sessions)),
	}
	for id, st := range b.sessions {
		s.TotalSubscribers += len(st.subscribers)
		s.TotalEvents += len(st.history)
		s.ApproxMemoryBytes += st.approxBytes
		s.Sessions[id] = SessionStat{
			Subscribers: len(st.subscribers),
			HistoryLen:  len(st.history),
		}
	}
	return s
}

// Start launches the background reclamation sweep. Calling Start more than
// once, or after Shutdown, is a no-op.
func (b *Broker) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started || b.closed {
		return
	}
	b.started = true
	b.wg.Go(b.sweep)
}

// sweep runs RunCleanup on the configured interval until Shutdown.
func (b *Broker) sweep() {
	ticker := time.NewTicker(b.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.RunCleanup()
		case <-b.done:
			return
		}
	}
}

// RunCleanup performs one reclamation sweep: (1) drop expired history
// entries, (2) remove dead subscriber queues, (3) discard sessions the
// lifecycle registry reports as reclaimable. Exposed so tests and
// operational tooling can force a sweep without waiting for the ticker.
func (b *Broker) RunCleanup() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	var expiredEvents, deadQueues, expiredSessions int64

	// Phase 1: TTL eviction, independent of the size cap.
	for _, st := range b.sessions {
		kept := st.history[:0]
		for _, e := range st.history {
			if e.Expired(now) {
				st.approxBytes -= eventApproxBytes(e)
				expiredEvents++
				continue
			}
			kept = append(kept, e)
		}
		for i := len(kept); i < len(st.history); i++ {
			st.history[i] = nil
		}
		st.history = kept
	}

	// Phase 2: dead queues. A queue is dead once closed, or once nothing has
	// read from or written to it for half the session TTL.
	staleCutoff := b.cfg.SessionTTL / 2
	for sessionID, st := range b.sessions {
		for subID, q := range st.subscribers {
			if q.Closed() || now.Sub(q.LastActivity()) > staleCutoff {
				b.removeSubscriberLocked(sessionID, subID)
				deadQueues++
			}
		}
	}

	// Phase 3: session reclamation. CleanupExpired removes entries from the
	// registry while we hold the broker lock, so no subscriber can be added
	// between the registry's decision and the state discard below.
	for _, sessionID := range b.registry.CleanupExpired(b.cfg.SessionTTL) {
		st, ok := b.sessions[sessionID]
		if !ok {
			continue
		}
		for subID := range st.subscribers {
			b.removeSubscriberLocked(sessionID, subID)
		}
		delete(b.sessions, sessionID)
		expiredSessions++
	}

	b.expiredEventsCleaned += expiredEvents
	b.deadQueuesCleaned += deadQueues
	b.sessionsExpired += expiredSessions

	if expiredEvents > 0 || deadQueues > 0 || expiredSessions > 0 {
		b.logger.Debug("cleanup sweep completed",
			"expired_events", expiredEvents,
			"dead_queues", deadQueues,
			"expired_sessions", expiredSessions)
	}
}

// Shutdown cancels the background sweep, waits for it to exit, and
// force-closes every subscriber queue. Safe to call multiple times.
func (b *Broker) Shutdown() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	started := b.started
	b.mu.Unlock()

	if started {
		close(b.done)
		b.wg.Wait()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for sessionID, st := range b.sessions {
		for subID, q := range st.subscribers {
			q.Close()
			delete(st.subscribers, subID)
			b.registry.RemoveSubscriber(sessionID)
		}
		delete(b.sessions, sessionID)
	}

	b.logger.Debug("broker shut down")
}

// ensureStateLocked returns the session's state, creating it if absent.
// Must be called with mu held.
func (b *Broker) ensureStateLocked(sessionID string) *sessionState {
	st, ok := b.sessions[sessionID]
	if !ok {
		st = &sessionState{
			subscribers: make(map[string]*Queue),
		}
		b.sessions[sessionID] = st
	}
	return st
}

// eventApproxBytes estimates the memory held by one event. String values
// count their length; everything else is charged a flat 16 bytes.
func eventApproxBytes(e *event.Event) int64 {
	n := int64(eventOverheadBytes + len(e.Type))
	for k, v := range e.Data {
		n += int64(len(k))
		switch val := v.(type) {
		case string:
			n += int64(len(val))
		case []byte:
			n += int64(len(val))
		default:
			n += 16
		}
	}
	return n
}
