// ABOUTME: Hub orchestrator wiring broker, stores, validator, audit, and HTTP
// ABOUTME: Manages startup, background tasks, and graceful shutdown lifecycle

package hub

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/halcyon-research/streamhub/internal/audit"
	"github.com/halcyon-research/streamhub/internal/auth"
	"github.com/halcyon-research/streamhub/internal/broker"
	"github.com/halcyon-research/streamhub/internal/config"
	"github.com/halcyon-research/streamhub/internal/persist"
	"github.com/halcyon-research/streamhub/internal/session"
)

// Defaults applied when the config leaves the corresponding field zero.
const (
	defaultKeepaliveInterval = 15 * time.Second

	defaultLockoutThreshold  = 10
	defaultLockoutCooldown   = 5 * time.Minute
	defaultAttemptWindow     = 10 * time.Minute
	defaultMaxTrackedSources = 10_000
)

// Hub orchestrates the streamhub server components: the event broker, the
// session store with its optional durable tier, the security validator, the
// audit log, and the HTTP API.
type Hub struct {
	config     *config.Config
	broker     *broker.Broker
	store      session.Store
	validator  *auth.Validator
	audit      *audit.Log
	attempts   *attemptTracker
	httpServer *http.Server
	logger     *slog.Logger

	// persist is non-nil only when the durable tier is enabled.
	persist *persist.RedisStore

	// security holds the lockout settings with defaults applied.
	security config.SecurityConfig

	// keepalive is the SSE heartbeat interval with the default applied.
	keepalive time.Duration
}

// securityDefaults fills zero security settings with production defaults.
func securityDefaults(sc config.SecurityConfig) config.SecurityConfig {
	if sc.LockoutThreshold <= 0 {
		sc.LockoutThreshold = defaultLockoutThreshold
	}
	if sc.LockoutCooldown <= 0 {
		sc.LockoutCooldown = defaultLockoutCooldown
	}
	if sc.AttemptWindow <= 0 {
		sc.AttemptWindow = defaultAttemptWindow
	}
	if sc.MaxTrackedSources <= 0 {
		sc.MaxTrackedSources = defaultMaxTrackedSources
	}
	return sc
}

// New creates a Hub from the given configuration. The durable session tier
// is attached only when redis is enabled; everything else always runs.
func New(cfg *config.Config, logger *slog.Logger) (*Hub, error) {
	if logger == nil {
		logger = slog.Default()
	}

	validator, err := auth.New(auth.Config{
		Secret:        []byte(cfg.Auth.Secret),
		BindingMaxAge: cfg.Auth.BindingMaxAge,
		CSRFMaxAge:    cfg.Auth.CSRFMaxAge,
	})
	if err != nil {
		return nil, fmt.Errorf("creating validator: %w", err)
	}

	auditLog, err := audit.New(cfg.Audit.Path)
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}

	mem := session.NewMemoryStore(validator, logger)
	var store session.Store = mem
	var durable *persist.RedisStore
	if cfg.Redis.Enabled {
		durable = persist.New(persist.Config{
			Addr:           cfg.Redis.Addr,
			Username:       cfg.Redis.Username,
			Password:       cfg.Redis.Password,
			DB:             cfg.Redis.DB,
			KeyPrefix:      cfg.Redis.KeyPrefix,
			SessionTTL:     cfg.Broker.SessionTTL,
			HealthInterval: cfg.Redis.HealthInterval,
			FlushInterval:  cfg.Redis.FlushInterval,
		}, mem, logger)
		store = durable
	}

	sec := securityDefaults(cfg.Security)
	keepalive := cfg.Server.KeepaliveInterval
	if keepalive <= 0 {
		keepalive = defaultKeepaliveInterval
	}

	h := &Hub{
		config: cfg,
		broker: broker.New(broker.Config{
			MaxQueueSize:         cfg.Broker.MaxQueueSize,
			MaxHistoryPerSession: cfg.Broker.MaxHistoryPerSession,
			SessionTTL:           cfg.Broker.SessionTTL,
			CleanupInterval:      cfg.Broker.CleanupInterval,
		}, logger),
		store:     store,
		validator: validator,
		audit:     auditLog,
		attempts:  newAttemptTracker(sec.AttemptWindow, sec.LockoutCooldown, sec.MaxTrackedSources),
		persist:   durable,
		security:  sec,
		keepalive: keepalive,
		logger:    logger.With("component", "hub"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/health/ready", h.handleReady)
	mux.HandleFunc("/api/stats", h.handleStats)
	mux.HandleFunc("/api/sessions", h.handleSessions)
	mux.HandleFunc("/api/sessions/", h.handleSessionRoutes)

	// No WriteTimeout: SSE connections stay open indefinitely.
	h.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return h, nil
}

// Run starts the background tasks and the HTTP server, then blocks until the
// context is canceled or the server fails. Returns nil on graceful shutdown.
func (h *Hub) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	h.broker.Start()
	if h.persist != nil {
		h.persist.Start()
	}

	errCh := h.startServer(ln)
	serverErr := h.waitForShutdownSignal(ctx, errCh)

	shutdownErr := h.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// startServer serves HTTP in a goroutine, returning its error channel.
func (h *Hub) startServer(ln net.Listener) chan error {
	errCh := make(chan error, 1)

	go func() {
		h.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := h.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or a server error.
func (h *Hub) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		h.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		h.logger.Error("server error", "error", err)
		return err
	}
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is
// already canceled.
func (h *Hub) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops all hub components. The broker goes first so subscriber
// queues close and streaming handlers unwind before the HTTP server drains.
// Safe to call multiple times.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.logger.Info("shutting down hub")

	h.broker.Shutdown()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", h.httpServer.Shutdown(ctx))

	h.attempts.Close()
	errs = appendCloseError(errs, "store close", h.store.Close())
	errs = appendCloseError(errs, "audit close", h.audit.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (h *Hub) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady reports readiness. A hub running memory-only because the
// durable tier is down still serves requests, so it stays ready; the body
// notes the degradation for operators.
func (h *Hub) handleReady(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if h.persist != nil && !h.persist.Available() {
		_, _ = w.Write([]byte("ready (durable store unavailable)"))
		return
	}
	_, _ = w.Write([]byte("ready"))
}
