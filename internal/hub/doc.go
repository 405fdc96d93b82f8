// Package hub orchestrates the streamhub server components.
//
// # Overview
//
// The hub package is the central coordinator of the streamhub server. It
// owns and wires all major components: the event broker, the session store
// (with its optional Redis-backed durable tier), the security validator,
// the SQLite audit log, and the HTTP API.
//
// # Hub Struct
//
// The Hub struct is the main entry point:
//
//	type Hub struct {
//	    config     *config.Config
//	    broker     *broker.Broker
//	    store      session.Store
//	    validator  *auth.Validator
//	    audit      *audit.Log
//	    attempts   *attemptTracker
//	    httpServer *http.Server
//	    // ... and more
//	}
//
// # HTTP API
//
// The hub exposes HTTP endpoints in api.go:
//
//   - POST /api/sessions - Create a session, minting binding + CSRF tokens
//   - GET /api/sessions - List session records
//   - GET /api/sessions/{id} - Fetch one session record
//   - DELETE /api/sessions/{id} - Delete a session (CSRF-gated)
//   - GET /api/sessions/{id}/messages - List the message history
//   - POST /api/sessions/{id}/messages - Append a message (CSRF-gated)
//   - GET /api/sessions/{id}/events - Subscribe to the live stream (SSE)
//   - POST /api/sessions/{id}/events - Ingest a producer event
//   - GET /api/sessions/{id}/report - Final report (markdown or HTML)
//   - GET /api/stats - Broker and store statistics
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check
//
// # SSE Streaming
//
// Session events are streamed as Server-Sent Events named after the event
// type, with the full envelope as the payload:
//
//	event: research_progress
//	data: {"type":"research_progress","data":{"overall_progress":40},...}
//
// When no event arrives within the keepalive interval the stream carries a
// comment line instead, keeping proxies from dropping the connection:
//
//	: keepalive
//
// Passing ?replay=1 sends the session's retained history before going live.
//
// # Security
//
// Every id-bearing request runs through the same gate: locked-out sources
// get 429, invalid ids get 400 and an audit entry, unknown ids get 404 and
// feed the per-source attempt window. A source whose window crosses the
// lockout threshold or matches an enumeration pattern is locked out for the
// configured cooldown. Binding tokens are verified whenever the client
// presents X-Binding-Token; CSRF tokens gate mutations when require_csrf is
// on.
//
// # Lifecycle
//
// Start the hub:
//
//	h, err := hub.New(cfg, logger)
//	err = h.Run(ctx)
//
// Run starts the broker sweep and the durable-store monitor, serves HTTP,
// and blocks until the context is canceled. Shutdown closes the broker
// first so streaming handlers unwind, then drains the HTTP server and
// closes the stores.
//
// # Key Files
//
//   - hub.go: Hub struct, initialization, Run/Shutdown
//   - api.go: HTTP handlers, SSE streaming, security gates
//   - attempts.go: per-source failed-lookup tracking and lockouts
package hub
