// ABOUTME: Write-through Redis adapter around the in-memory session store
// ABOUTME: Health-monitored with exponential backoff and memory-only fallback

package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/halcyon-research/streamhub/internal/event"
	"github.com/halcyon-research/streamhub/internal/session"
)

const (
	defaultKeyPrefix      = "streamhub:session:"
	defaultSessionTTL     = time.Hour
	defaultOpTimeout      = 2 * time.Second
	defaultHealthInterval = 15 * time.Second
	defaultMaxBackoff     = 2 * time.Minute
	defaultFlushInterval  = 5 * time.Minute
	defaultRetryAttempts  = 3
	defaultRetryBaseDelay = 100 * time.Millisecond
)

// Config configures the Redis tier.
type Config struct {
	Addr     string
	Username string
	Password string
	DB       int

	KeyPrefix      string
	SessionTTL     time.Duration
	OpTimeout      time.Duration
	HealthInterval time.Duration
	MaxBackoff     time.Duration
	FlushInterval  time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.KeyPrefix == "" {
		c.KeyPrefix = defaultKeyPrefix
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = defaultSessionTTL
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = defaultOpTimeout
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = defaultHealthInterval
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = defaultFlushInterval
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = defaultRetryAttempts
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = defaultRetryBaseDelay
	}
	return c
}

// RedisStore implements session.Store by delegating to an in-memory store
// and mirroring every record into Redis. Redis being down degrades the
// store to memory-only; it never fails a request.
type RedisStore struct {
	mem    *session.MemoryStore
	client *redis.Client
	cfg    Config
	logger *slog.Logger

	available atomic.Bool

	mu      sync.Mutex
	started bool
	closed  bool
	done    chan struct{}
	wg      sync.WaitGroup
}

var _ session.Store = (*RedisStore)(nil)

// New creates the adapter. The memory store remains the canonical source;
// Redis is a durable mirror with TTL. Pass nil logger for default.
func New(cfg Config, mem *session.MemoryStore, logger *slog.Logger) *RedisStore {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	s := &RedisStore{
		mem: mem,
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Username: cfg.Username,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		cfg:    cfg,
		logger: logger.With("component", "persist"),
		done:   make(chan struct{}),
	}
	// Optimistic until the first probe or failed operation says otherwise.
	s.available.Store(true)
	return s
}

// Available reports whether the durable tier is currently reachable.
func (s *RedisStore) Available() bool {
	return s.available.Load()
}

// Start launches the health monitor and the periodic flush loop.
func (s *RedisStore) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started || s.closed {
		return
	}
	s.started = true
	s.wg.Go(s.healthLoop)
	s.wg.Go(s.flushLoop)
}

// Close stops the background loops and releases the Redis client. Safe to
// call multiple times.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	s.mu.Unlock()

	if started {
		close(s.done)
		s.wg.Wait()
	}

	err := s.client.Close()
	if memErr := s.mem.Close(); err == nil {
		err = memErr
	}
	return err
}

// Ensure returns the session, consulting Redis before creating a fresh
// pending record, then mirrors the result.
func (s *RedisStore) Ensure(ctx context.Context, id string) (*session.Record, error) {
	s.loadIfMissing(ctx, id)
	rec, err := s.mem.Ensure(ctx, id)
	if err != nil {
		return nil, err
	}
	s.writeThrough(ctx, id)
	return rec, nil
}

// Get returns the session from memory, falling back to Redis on a miss.
// A successful fallback rehydrates memory and refreshes the external TTL.
func (s *RedisStore) Get(ctx context.Context, id string) (*session.Record, error) {
	rec, err := s.mem.Get(ctx, id)
	if err == nil || !errors.Is(err, session.ErrSessionNotFound) {
		return rec, err
	}

	if !s.loadIfMissing(ctx, id) {
		return nil, err
	}
	return s.mem.Get(ctx, id)
}

// List serves from memory only; the durable tier is a per-record mirror,
// not a query index.
func (s *RedisStore) List(ctx context.Context) ([]*session.Record, error) {
	return s.mem.List(ctx)
}

// Update applies the patch and mirrors the result.
func (s *RedisStore) Update(ctx context.Context, id string, upd session.Update) (*session.Record, error) {
	s.loadIfMissing(ctx, id)
	rec, err := s.mem.Update(ctx, id, upd)
	if err != nil {
		return nil, err
	}
	s.writeThrough(ctx, id)
	return rec, nil
}

// AddMessage appends the message and mirrors the result.
func (s *RedisStore) AddMessage(ctx context.Context, id string, msg *session.Message) error {
	s.loadIfMissing(ctx, id)
	if err := s.mem.AddMessage(ctx, id, msg); err != nil {
		return err
	}
	s.writeThrough(ctx, id)
	return nil
}

// IngestEvent folds the event into the record and mirrors the result.
func (s *RedisStore) IngestEvent(ctx context.Context, id string, evt *event.Event) error {
	s.loadIfMissing(ctx, id)
	if err := s.mem.IngestEvent(ctx, id, evt); err != nil {
		return err
	}
	s.writeThrough(ctx, id)
	return nil
}

// Delete removes the record from both tiers. The durable delete is
// best-effort.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	err := s.mem.Delete(ctx, id)

	if s.available.Load() {
		if delErr := s.withRetry(ctx, func(opCtx context.Context) error {
			return s.client.Del(opCtx, s.key(id)).Err()
		}); delErr != nil {
			s.logger.Debug("durable delete failed", "session_id", id, "error", delErr)
		}
	}
	return err
}

func (s *RedisStore) key(id string) string {
	return s.cfg.KeyPrefix + id
}

// writeThrough mirrors the current record into Redis with the session TTL.
// Failures are logged and swallowed.
func (s *RedisStore) writeThrough(ctx context.Context, id string) {
	if !s.available.Load() {
		return
	}

	rec, err := s.mem.Get(ctx, id)
	if err != nil {
		return
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		s.logger.Warn("serializing session for durable store", "session_id", id, "error", err)
		return
	}

	if err := s.withRetry(ctx, func(opCtx context.Context) error {
		return s.client.Set(opCtx, s.key(id), payload, s.cfg.SessionTTL).Err()
	}); err != nil {
		s.logger.Debug("durable write failed", "session_id", id, "error", err)
	}
}

// loadIfMissing pulls the record from Redis when memory has no copy.
// Returns true when a record was rehydrated.
func (s *RedisStore) loadIfMissing(ctx context.Context, id string) bool {
	if !s.available.Load() {
		return false
	}
	if _, err := s.mem.Get(ctx, id); err == nil || !errors.Is(err, session.ErrSessionNotFound) {
		return false
	}

	var payload string
	err := s.withRetry(ctx, func(opCtx context.Context) error {
		var getErr error
		payload, getErr = s.client.Get(opCtx, s.key(id)).Result()
		return getErr
	})
	if errors.Is(err, redis.Nil) {
		return false
	}
	if err != nil {
		s.logger.Debug("durable read failed", "session_id", id, "error", err)
		return false
	}

	var rec session.Record
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		s.logger.Warn("corrupt durable session record", "session_id", id, "error", err)
		return false
	}
	s.mem.Restore(&rec)

	// Access refreshes the durable TTL.
	if err := s.withRetry(ctx, func(opCtx context.Context) error {
		return s.client.Expire(opCtx, s.key(id), s.cfg.SessionTTL).Err()
	}); err != nil {
		s.logger.Debug("durable ttl refresh failed", "session_id", id, "error", err)
	}

	s.logger.Debug("session rehydrated from durable store", "session_id", id)
	return true
}

// withRetry runs op with a per-call timeout and bounded exponential
// backoff. A redis.Nil result is a miss, not a failure, and returns
// immediately. Exhausting the attempts marks the tier unavailable.
func (s *RedisStore) withRetry(ctx context.Context, op func(context.Context) error) error {
	var err error
	delay := s.cfg.RetryBaseDelay
	for attempt := 0; attempt < s.cfg.RetryAttempts; attempt++ {
		opCtx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
		err = op(opCtx)
		cancel()

		if err == nil || errors.Is(err, redis.Nil) {
			return err
		}

		if attempt < s.cfg.RetryAttempts-1 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= 2
		}
	}

	s.markUnavailable(err)
	return err
}

// markUnavailable flips the availability flag, logging once per transition.
func (s *RedisStore) markUnavailable(cause error) {
	if s.available.CompareAndSwap(true, false) {
		s.logger.Warn("durable store unavailable, continuing memory-only", "error", cause)
	}
}

// checkHealth probes Redis once, flipping availability and flushing memory
// back out on recovery. Returns the probe error.
func (s *RedisStore) checkHealth(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()

	if err := s.client.Ping(probeCtx).Err(); err != nil {
		s.markUnavailable(err)
		return err
	}

	if s.available.CompareAndSwap(false, true) {
		s.logger.Info("durable store recovered, flushing sessions")
		s.flushAll(ctx)
	}
	return nil
}

// healthLoop probes on the configured interval, stretching the gap
// exponentially (bounded) while the tier stays down.
func (s *RedisStore) healthLoop() {
	delay := s.cfg.HealthInterval
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-timer.C:
			if err := s.checkHealth(context.Background()); err != nil {
				delay = min(delay*2, s.cfg.MaxBackoff)
			} else {
				delay = s.cfg.HealthInterval
			}
			timer.Reset(delay)
		}
	}
}

// flushLoop periodically re-mirrors every in-memory session so records
// written during an outage eventually reach the durable tier even without
// a recovery flush.
func (s *RedisStore) flushLoop() {
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.flushAll(context.Background())
		}
	}
}

// flushAll mirrors every in-memory session into Redis.
func (s *RedisStore) flushAll(ctx context.Context) {
	if !s.available.Load() {
		return
	}

	records, err := s.mem.List(ctx)
	if err != nil {
		return
	}
	flushed := 0
	for _, rec := range records {
		payload, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		if err := s.withRetry(ctx, func(opCtx context.Context) error {
			return s.client.Set(opCtx, s.key(rec.ID), payload, s.cfg.SessionTTL).Err()
		}); err != nil {
			s.logger.Debug("flush write failed", "session_id", rec.ID, "error", err)
			return
		}
		flushed++
	}
	if flushed > 0 {
		s.logger.Debug("flushed sessions to durable store", "count", flushed)
	}
}

// Ping exposes a one-shot connectivity probe for readiness checks.
func (s *RedisStore) Ping(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()
	if err := s.client.Ping(probeCtx).Err(); err != nil {
		return fmt.Errorf("pinging durable store: %w", err)
	}
	return nil
}
