// ABOUTME: In-memory session record store guarded by a single RWMutex
// ABOUTME: Validates session ids on every entry point and returns deep copies

package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/halcyon-research/streamhub/internal/auth"
)

// MemoryStore is the canonical in-memory Store implementation. All returned
// records are deep copies; callers never share memory with the store.
type MemoryStore struct {
	mu        sync.RWMutex
	sessions  map[string]*Record
	validator *auth.Validator
	logger    *slog.Logger
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a store. The validator gates every id-bearing
// operation; pass nil to skip validation (tests only). Pass nil logger for
// default.
func NewMemoryStore(validator *auth.Validator, logger *slog.Logger) *MemoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryStore{
		sessions:  make(map[string]*Record),
		validator: validator,
		logger:    logger.With("component", "session-store"),
	}
}

// validateID checks the session id and logs any non-fatal warnings. A hard
// validation failure wraps ErrInvalidSessionID.
func (m *MemoryStore) validateID(id string) error {
	if m.validator == nil {
		return nil
	}
	warnings, err := m.validator.ValidateSessionID(id)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidSessionID, err)
	}
	if len(warnings) > 0 {
		m.logger.Warn("session id accepted with warnings",
			"session_id", id,
			"warnings", warnings)
	}
	return nil
}

// Ensure returns the session, creating a pending record if absent.
func (m *MemoryStore) Ensure(ctx context.Context, id string) (*Record, error) {
	if err := m.validateID(id); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return copyRecord(m.ensureLocked(id)), nil
}

// Get returns a copy of the session record.
func (m *MemoryStore) Get(ctx context.Context, id string) (*Record, error) {
	if err := m.validateID(id); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return copyRecord(rec), nil
}

// List returns copies of all records, most recently updated first.
func (m *MemoryStore) List(ctx context.Context) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := make([]*Record, 0, len(m.sessions))
	for _, rec := range m.sessions {
		records = append(records, copyRecord(rec))
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].UpdatedAt.After(records[j].UpdatedAt)
	})
	return records, nil
}

// Update applies the patch, creating the record if absent, and returns the
// result.
func (m *MemoryStore) Update(ctx context.Context, id string, upd Update) (*Record, error) {
	if err := m.validateID(id); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.ensureLocked(id)
	if upd.Title != nil {
		rec.Title = *upd.Title
	}
	if upd.UserID != nil {
		rec.UserID = *upd.UserID
	}
	if upd.Status != nil {
		rec.Status = *upd.Status
	}
	if upd.Progress != nil {
		p := clampProgress(*upd.Progress)
		rec.Progress = &p
	}
	if upd.CurrentPhase != nil {
		rec.CurrentPhase = *upd.CurrentPhase
	}
	if upd.FinalReport != nil {
		rec.FinalReport = *upd.FinalReport
	}
	if upd.Error != nil {
		rec.Error = *upd.Error
	}
	rec.UpdatedAt = time.Now()
	return copyRecord(rec), nil
}

// AddMessage appends a message, creating the record if absent. A message
// whose id is already present is updated in place; the message count does
// not grow. The first non-empty user message becomes the session title when
// none is set.
func (m *MemoryStore) AddMessage(ctx context.Context, id string, msg *Message) error {
	if err := m.validateID(id); err != nil {
		return err
	}
	if msg == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.ensureLocked(id)
	now := time.Now()

	// Generated fields are written back so callers see the assigned id.
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Kind == "" {
		msg.Kind = KindMessage
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	msg.UpdatedAt = now

	mc := *msg
	updated := false
	for _, existing := range rec.Messages {
		if existing.ID == mc.ID {
			existing.Role = mc.Role
			existing.Kind = mc.Kind
			existing.Content = mc.Content
			existing.Completed = mc.Completed
			existing.UpdatedAt = now
			updated = true
			break
		}
	}
	if !updated {
		rec.Messages = append(rec.Messages, &mc)
	}

	if rec.Title == "" && mc.Role == RoleUser && strings.TrimSpace(mc.Content) != "" {
		rec.Title = deriveTitle(mc.Content)
	}
	rec.UpdatedAt = now
	return nil
}

// Delete removes the record or returns ErrSessionNotFound.
func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	if err := m.validateID(id); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(m.sessions, id)
	m.logger.Debug("session deleted", "session_id", id)
	return nil
}

// Restore installs a record loaded from the durable tier, replacing any
// in-memory copy. The store keeps its own deep copy.
func (m *MemoryStore) Restore(rec *Record) {
	if rec == nil || rec.ID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[rec.ID] = copyRecord(rec)
}

// Close satisfies Store; the memory store has nothing to release.
func (m *MemoryStore) Close() error { return nil }

// ensureLocked returns the record for id, creating a pending one if absent.
// Must be called with mu held for writing.
func (m *MemoryStore) ensureLocked(id string) *Record {
	rec, ok := m.sessions[id]
	if !ok {
		now := time.Now()
		rec = &Record{
			ID:        id,
			Status:    StatusPending,
			Messages:  []*Message{},
			CreatedAt: now,
			UpdatedAt: now,
		}
		m.sessions[id] = rec
		m.logger.Debug("session created", "session_id", id)
	}
	return rec
}

// copyRecord deep-copies a record, including messages and progress.
func copyRecord(r *Record) *Record {
	out := *r
	if r.Progress != nil {
		p := *r.Progress
		out.Progress = &p
	}
	out.Messages = make([]*Message, len(r.Messages))
	for i, msg := range r.Messages {
		mc := *msg
		out.Messages[i] = &mc
	}
	return &out
}

// deriveTitle truncates the first user message to the title length bound.
func deriveTitle(content string) string {
	title := strings.TrimSpace(content)
	runes := []rune(title)
	if len(runes) > maxTitleLen {
		title = string(runes[:maxTitleLen])
	}
	return title
}

// clampProgress bounds a progress value to [0, 1].
func clampProgress(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
