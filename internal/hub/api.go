// ABOUTME: HTTP API handlers for session CRUD, event ingest, and SSE streaming
// ABOUTME: Enforces binding tokens, CSRF checks, lockouts, and audit logging

package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/yuin/goldmark"

	"github.com/halcyon-research/streamhub/internal/audit"
	"github.com/halcyon-research/streamhub/internal/auth"
	"github.com/halcyon-research/streamhub/internal/broker"
	"github.com/halcyon-research/streamhub/internal/event"
	"github.com/halcyon-research/streamhub/internal/session"
)

// Request headers carrying security tokens.
const (
	headerBindingToken = "X-Binding-Token"
	headerCSRFToken    = "X-CSRF-Token"
)

// maxAuditedIDLen bounds how much of a rejected id is copied into audit
// detail. Invalid ids are attacker-controlled input.
const maxAuditedIDLen = 64

// CreateSessionRequest is the JSON request body for POST /api/sessions.
// All fields are optional; a missing id is generated server-side.
type CreateSessionRequest struct {
	ID     string `json:"id,omitempty"`
	UserID string `json:"user_id,omitempty"`
	Title  string `json:"title,omitempty"`
}

// CreateSessionResponse is the JSON response for POST /api/sessions. The
// binding token ties the session to this client; the CSRF token gates
// state-changing requests.
type CreateSessionResponse struct {
	Session      *session.Record `json:"session"`
	BindingToken string          `json:"binding_token"`
	CSRFToken    string          `json:"csrf_token"`
}

// ListSessionsResponse is the JSON response for GET /api/sessions.
type ListSessionsResponse struct {
	Sessions []*session.Record `json:"sessions"`
}

// PostMessageRequest is the JSON request body for POST /api/sessions/{id}/messages.
// A request that repeats an id updates the existing message instead of
// appending a duplicate.
type PostMessageRequest struct {
	ID      string `json:"id,omitempty"`
	Role    string `json:"role,omitempty"`
	Content string `json:"content"`
}

// MessagesResponse is the JSON response for GET /api/sessions/{id}/messages.
type MessagesResponse struct {
	SessionID string             `json:"session_id"`
	Messages  []*session.Message `json:"messages"`
}

// IngestEventRequest is the JSON request body for POST /api/sessions/{id}/events.
type IngestEventRequest struct {
	Type       string         `json:"type"`
	Data       map[string]any `json:"data,omitempty"`
	TTLSeconds int            `json:"ttl_seconds,omitempty"`
}

// StatsResponse is the JSON response for GET /api/stats.
type StatsResponse struct {
	Broker           broker.Stats `json:"broker"`
	DurableAvailable bool         `json:"durable_available"`
	TrackedSources   int          `json:"tracked_sources"`
}

// handleStats handles GET /api/stats requests. The snapshot is taken in one
// pass under the broker lock; formatting happens out here.
func (h *Hub) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	response := StatsResponse{
		Broker:           h.broker.Stats(),
		DurableAvailable: h.persist != nil && h.persist.Available(),
		TrackedSources:   h.attempts.Len(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleSessions routes /api/sessions requests by HTTP method.
func (h *Hub) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.handleListSessions(w, r)
	case http.MethodPost:
		h.handleCreateSession(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleListSessions handles GET /api/sessions, most recently updated first.
func (h *Hub) handleListSessions(w http.ResponseWriter, r *http.Request) {
	records, err := h.store.List(r.Context())
	if err != nil {
		h.logger.Error("failed to list sessions", "error", err)
		h.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ListSessionsResponse{Sessions: records})
}

// handleCreateSession handles POST /api/sessions. It creates a pending
// session and mints the binding and CSRF tokens for the calling client.
func (h *Hub) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	source := clientIP(r)
	if h.attempts.Locked(source) {
		h.sendJSONError(w, http.StatusTooManyRequests, "too many failed attempts, retry later")
		return
	}

	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	id := req.ID
	if id == "" {
		generated, err := h.validator.GenerateSessionID()
		if err != nil {
			h.logger.Error("failed to generate session id", "error", err)
			h.sendJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		id = generated
	}

	rec, err := h.store.Ensure(r.Context(), id)
	if errors.Is(err, session.ErrInvalidSessionID) {
		h.auditInvalidID(r.Context(), source, id, err)
		h.sendJSONError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	if err != nil {
		h.logger.Error("failed to create session", "error", err)
		h.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	var upd session.Update
	if req.UserID != "" {
		upd.UserID = &req.UserID
	}
	if req.Title != "" {
		upd.Title = &req.Title
	}
	if upd.UserID != nil || upd.Title != nil {
		rec, err = h.store.Update(r.Context(), id, upd)
		if err != nil {
			h.logger.Error("failed to update session", "error", err)
			h.sendJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
	}

	bindingToken, err := h.validator.CreateBindingToken(id, req.UserID, source, r.UserAgent())
	if err != nil {
		h.logger.Error("failed to create binding token", "error", err)
		h.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	csrfToken, err := h.validator.CreateCSRFToken(id, req.UserID)
	if err != nil {
		h.logger.Error("failed to create csrf token", "error", err)
		h.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("session created", "session_id", id, "user_id", req.UserID, "source", source)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(CreateSessionResponse{
		Session:      rec,
		BindingToken: bindingToken,
		CSRFToken:    csrfToken,
	})
}

// handleSessionRoutes dispatches /api/sessions/{id} and its subresources.
func (h *Hub) handleSessionRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	parts := strings.SplitN(rest, "/", 2)

	sessionID := parts[0]
	if sessionID == "" {
		h.sendJSONError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	sub := ""
	if len(parts) == 2 {
		sub = parts[1]
	}

	switch sub {
	case "":
		h.handleSession(w, r, sessionID)
	case "messages":
		h.handleMessages(w, r, sessionID)
	case "events":
		h.handleEvents(w, r, sessionID)
	case "report":
		h.handleReport(w, r, sessionID)
	default:
		h.sendJSONError(w, http.StatusNotFound, "not found")
	}
}

// handleSession handles GET and DELETE for /api/sessions/{id}.
func (h *Hub) handleSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	switch r.Method {
	case http.MethodGet:
		rec, ok := h.fetchRecord(w, r, sessionID)
		if !ok {
			return
		}
		if !h.verifyBinding(w, r, rec) {
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(rec)

	case http.MethodDelete:
		rec, ok := h.fetchRecord(w, r, sessionID)
		if !ok {
			return
		}
		if !h.verifyBinding(w, r, rec) {
			return
		}
		if !h.checkCSRF(w, r, rec) {
			return
		}

		if err := h.store.Delete(r.Context(), sessionID); err != nil {
			h.logger.Error("failed to delete session", "error", err, "session_id", sessionID)
			h.sendJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleMessages handles GET and POST for /api/sessions/{id}/messages.
func (h *Hub) handleMessages(w http.ResponseWriter, r *http.Request, sessionID string) {
	rec, ok := h.fetchRecord(w, r, sessionID)
	if !ok {
		return
	}
	if !h.verifyBinding(w, r, rec) {
		return
	}

	switch r.Method {
	case http.MethodGet:
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(MessagesResponse{
			SessionID: sessionID,
			Messages:  rec.Messages,
		})

	case http.MethodPost:
		if !h.checkCSRF(w, r, rec) {
			return
		}

		req, err := parseMessageRequest(r.Body)
		if err != nil {
			h.sendJSONError(w, http.StatusBadRequest, err.Error())
			return
		}

		msg := &session.Message{
			ID:      req.ID,
			Role:    req.Role,
			Kind:    session.KindMessage,
			Content: req.Content,
		}
		if err := h.store.AddMessage(r.Context(), sessionID, msg); err != nil {
			h.logger.Error("failed to add message", "error", err, "session_id", sessionID)
			h.sendJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(msg)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// parseMessageRequest parses and validates a PostMessageRequest from the
// given reader. An empty role defaults to "user".
func parseMessageRequest(r io.Reader) (*PostMessageRequest, error) {
	var req PostMessageRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}

	if req.Content == "" {
		return nil, errors.New("content is required")
	}

	if req.Role == "" {
		req.Role = session.RoleUser
	}
	switch req.Role {
	case session.RoleUser, session.RoleAssistant, session.RoleSystem:
	default:
		return nil, fmt.Errorf("unknown role %q", req.Role)
	}

	return &req, nil
}

// handleEvents routes /api/sessions/{id}/events by HTTP method: GET streams
// over SSE, POST ingests a producer event.
func (h *Hub) handleEvents(w http.ResponseWriter, r *http.Request, sessionID string) {
	switch r.Method {
	case http.MethodGet:
		h.handleStreamEvents(w, r, sessionID)
	case http.MethodPost:
		h.handleIngestEvent(w, r, sessionID)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleStreamEvents handles GET /api/sessions/{id}/events. It subscribes
// the client to the session's live stream over SSE; `?replay=1` sends the
// retained history first. The session record is created as pending when it
// does not exist yet, so viewers can attach before the researcher reports in.
func (h *Hub) handleStreamEvents(w http.ResponseWriter, r *http.Request, sessionID string) {
	// Check streaming support before touching any state (fail fast)
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.logger.Error("streaming not supported")
		h.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	source := clientIP(r)
	if h.attempts.Locked(source) {
		h.sendJSONError(w, http.StatusTooManyRequests, "too many failed attempts, retry later")
		return
	}

	rec, err := h.store.Ensure(r.Context(), sessionID)
	if errors.Is(err, session.ErrInvalidSessionID) {
		h.auditInvalidID(r.Context(), source, sessionID, err)
		h.sendJSONError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	if err != nil {
		h.logger.Error("failed to open session", "error", err, "session_id", sessionID)
		h.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if !h.verifyBinding(w, r, rec) {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if r.URL.Query().Get("replay") == "1" {
		for _, evt := range h.broker.History(sessionID) {
			h.writeSSEEvent(w, string(evt.Type), evt)
		}
		flusher.Flush()
	}

	h.logger.Info("subscriber attached", "session_id", sessionID, "source", source)

	// The queue lives exactly as long as this callback; disconnects surface
	// as context errors from Get.
	err = h.broker.Subscribe(sessionID, func(q *broker.Queue) error {
		for {
			evt, err := q.Get(r.Context(), h.keepalive)
			if err != nil {
				return err
			}

			if evt.IsKeepalive() {
				fmt.Fprint(w, ": keepalive\n\n")
				flusher.Flush()
				continue
			}

			h.writeSSEEvent(w, string(evt.Type), evt)
			flusher.Flush()
		}
	})

	switch {
	case err == nil, errors.Is(err, context.Canceled), errors.Is(err, broker.ErrQueueClosed):
		h.logger.Info("subscriber detached", "session_id", sessionID, "source", source)
	default:
		h.logger.Debug("subscriber stream ended", "session_id", sessionID, "source", source, "error", err)
	}
}

// handleIngestEvent handles POST /api/sessions/{id}/events. One call folds
// the event into the session record and then broadcasts it, so a reader who
// sees the event always observes a record at least as fresh.
func (h *Hub) handleIngestEvent(w http.ResponseWriter, r *http.Request, sessionID string) {
	source := clientIP(r)
	if h.attempts.Locked(source) {
		h.sendJSONError(w, http.StatusTooManyRequests, "too many failed attempts, retry later")
		return
	}

	var req IngestEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Type == "" {
		h.sendJSONError(w, http.StatusBadRequest, "type is required")
		return
	}
	if event.Type(req.Type) == event.TypeKeepalive {
		// Keepalives are synthesized by subscriber queues, never accepted
		// from producers.
		h.sendJSONError(w, http.StatusBadRequest, "keepalive events cannot be ingested")
		return
	}

	// Producers may present a binding token; it is checked against the
	// record before any mutation.
	if rec, err := h.store.Get(r.Context(), sessionID); err == nil {
		if !h.verifyBinding(w, r, rec) {
			return
		}
	}

	evt := event.NewWithTTL(event.Type(req.Type), req.Data, time.Duration(req.TTLSeconds)*time.Second)

	if err := h.store.IngestEvent(r.Context(), sessionID, evt); err != nil {
		if errors.Is(err, session.ErrInvalidSessionID) {
			h.auditInvalidID(r.Context(), source, sessionID, err)
			h.sendJSONError(w, http.StatusBadRequest, "invalid session id")
			return
		}
		h.logger.Error("failed to ingest event", "error", err, "session_id", sessionID)
		h.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.broker.BroadcastEvent(sessionID, evt)
	w.WriteHeader(http.StatusAccepted)
}

// handleReport handles GET /api/sessions/{id}/report. The final report is
// served as markdown; `?format=html` renders it via goldmark.
func (h *Hub) handleReport(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	rec, ok := h.fetchRecord(w, r, sessionID)
	if !ok {
		return
	}
	if !h.verifyBinding(w, r, rec) {
		return
	}
	if rec.FinalReport == "" {
		h.sendJSONError(w, http.StatusNotFound, "no report available")
		return
	}

	if r.URL.Query().Get("format") == "html" {
		var buf bytes.Buffer
		if err := goldmark.Convert([]byte(rec.FinalReport), &buf); err != nil {
			h.logger.Error("failed to render report", "error", err, "session_id", sessionID)
			h.sendJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(buf.Bytes())
		return
	}

	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.Write([]byte(rec.FinalReport))
}

// fetchRecord applies the lockout gate and loads the session record. On
// failure it writes the error response, feeds the audit trail, and returns
// ok=false.
func (h *Hub) fetchRecord(w http.ResponseWriter, r *http.Request, sessionID string) (*session.Record, bool) {
	source := clientIP(r)
	if h.attempts.Locked(source) {
		h.sendJSONError(w, http.StatusTooManyRequests, "too many failed attempts, retry later")
		return nil, false
	}

	rec, err := h.store.Get(r.Context(), sessionID)
	if errors.Is(err, session.ErrInvalidSessionID) {
		h.auditInvalidID(r.Context(), source, sessionID, err)
		h.sendJSONError(w, http.StatusBadRequest, "invalid session id")
		return nil, false
	}
	if errors.Is(err, session.ErrSessionNotFound) {
		h.trackProbe(r.Context(), source, sessionID)
		h.sendJSONError(w, http.StatusNotFound, "session not found")
		return nil, false
	}
	if err != nil {
		h.logger.Error("failed to get session", "error", err, "session_id", sessionID)
		h.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return nil, false
	}
	return rec, true
}

// verifyBinding checks the binding token when one is presented; requests
// without the header pass. Failures are audited, and everything except a
// plain expiry counts toward the source's failure tally.
func (h *Hub) verifyBinding(w http.ResponseWriter, r *http.Request, rec *session.Record) bool {
	token := r.Header.Get(headerBindingToken)
	if token == "" {
		return true
	}

	source := clientIP(r)
	err := h.validator.VerifyBindingToken(token, rec.ID, rec.UserID, source, r.UserAgent())
	if err == nil {
		return true
	}

	kind := audit.KindTokenTampering
	message := "binding token rejected"
	switch {
	case errors.Is(err, auth.ErrTokenExpired):
		kind = audit.KindTokenExpired
		message = "binding token expired"
	case errors.Is(err, auth.ErrBindingMismatch):
		kind = audit.KindBindingMismatch
		message = "binding token does not match request"
	}

	h.recordAudit(r.Context(), source, kind, rec.ID, map[string]any{"error": err.Error()})
	if kind != audit.KindTokenExpired {
		if _, cerr := h.audit.IncrementFailedAttempts(r.Context(), source); cerr != nil {
			h.logger.Warn("failed to record attempt", "source", source, "error", cerr)
		}
	}

	h.logger.Warn("binding token rejected",
		"session_id", rec.ID,
		"source", source,
		"error", err)
	h.sendJSONError(w, http.StatusForbidden, message)
	return false
}

// checkCSRF enforces the CSRF token on state-changing requests when
// auth.require_csrf is on.
func (h *Hub) checkCSRF(w http.ResponseWriter, r *http.Request, rec *session.Record) bool {
	if !h.config.Auth.RequireCSRF {
		return true
	}

	token := r.Header.Get(headerCSRFToken)
	err := h.validator.VerifyCSRFToken(token, rec.ID, rec.UserID)
	if err == nil {
		return true
	}

	source := clientIP(r)
	h.recordAudit(r.Context(), source, audit.KindCSRFFailure, rec.ID, map[string]any{"error": err.Error()})
	h.logger.Warn("csrf token rejected", "session_id", rec.ID, "source", source, "error", err)
	h.sendJSONError(w, http.StatusForbidden, "csrf token rejected")
	return false
}

// trackProbe records a failed session lookup. Sources that cross the lockout
// threshold or show an enumeration pattern inside the window are locked out
// for the cooldown.
func (h *Hub) trackProbe(ctx context.Context, source, sessionID string) {
	ids := h.attempts.Record(source, sessionID)

	if _, err := h.audit.IncrementFailedAttempts(ctx, source); err != nil {
		h.logger.Warn("failed to record attempt", "source", source, "error", err)
	}

	if auth.DetectEnumeration(ids) {
		h.recordAudit(ctx, source, audit.KindEnumerationDetected, "", map[string]any{
			"window_attempts": len(ids),
		})
		h.attempts.Lock(source)
		h.logger.Warn("enumeration pattern detected, source locked out",
			"source", source,
			"window_attempts", len(ids))
		return
	}

	if len(ids) >= h.security.LockoutThreshold {
		h.attempts.Lock(source)
		h.logger.Warn("failed attempt threshold reached, source locked out",
			"source", source,
			"window_attempts", len(ids))
	}
}

// auditInvalidID records a rejected session id and counts it toward the
// source's failure tally.
func (h *Hub) auditInvalidID(ctx context.Context, source, sessionID string, cause error) {
	rejected := sessionID
	if len(rejected) > maxAuditedIDLen {
		rejected = rejected[:maxAuditedIDLen]
	}
	h.recordAudit(ctx, source, audit.KindInvalidSessionID, "", map[string]any{
		"rejected_id": rejected,
		"id_len":      len(sessionID),
		"error":       cause.Error(),
	})
	if _, err := h.audit.IncrementFailedAttempts(ctx, source); err != nil {
		h.logger.Warn("failed to record attempt", "source", source, "error", err)
	}
}

// recordAudit persists a security event. Audit failures are logged, never
// surfaced to the request.
func (h *Hub) recordAudit(ctx context.Context, source string, kind audit.Kind, sessionID string, detail map[string]any) {
	err := h.audit.RecordEvent(ctx, &audit.Entry{
		Source:    source,
		Kind:      kind,
		SessionID: sessionID,
		Detail:    detail,
	})
	if err != nil {
		h.logger.Warn("failed to record audit event", "kind", kind, "error", err)
	}
}

// writeSSEEvent writes a single SSE event to the response writer.
func (h *Hub) writeSSEEvent(w http.ResponseWriter, eventType string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		h.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", eventType)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

// sendJSONError writes a JSON error response.
func (h *Hub) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// clientIP extracts the request's source address without the port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
