// ABOUTME: Ingest state machine folding agent events into session records
// ABOUTME: Handles progress normalization and the sentinel progress message

package session

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/halcyon-research/streamhub/internal/event"
)

// Payload keys read by the state machine.
const (
	payloadPhase        = "phase"
	payloadProgress     = "overall_progress"
	payloadProgressAlt  = "progress"
	payloadProgressUnit = "progress_unit"
	payloadPartials     = "partial_results"
	payloadFinalReport  = "final_report"
	payloadError        = "error"
	payloadMessage      = "message"
)

// Progress units accepted in the progress_unit payload field.
const (
	unitPercent  = "percent"
	unitFraction = "fraction"
)

// partialPreviewPairs bounds how much of a partial-results map is rendered
// into the progress message.
const partialPreviewPairs = 2

// IngestEvent folds one event into the session's canonical record, creating
// a pending record if the session is unknown. Keepalives and unknown event
// types are ignored. Once a record reaches a terminal status, further
// state-changing events are ignored.
func (m *MemoryStore) IngestEvent(ctx context.Context, id string, evt *event.Event) error {
	if evt == nil || evt.IsKeepalive() {
		return nil
	}
	if err := m.validateID(id); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.ensureLocked(id)
	if rec.Status.Terminal() {
		m.logger.Debug("event ignored for terminal session",
			"session_id", id,
			"type", evt.Type,
			"status", rec.Status)
		return nil
	}

	switch evt.Type {
	case event.TypeResearchStarted:
		rec.Status = StatusRunning
		if phase, ok := stringField(evt.Data, payloadPhase); ok {
			rec.CurrentPhase = phase
		}

	case event.TypeResearchProgress:
		if phase, ok := stringField(evt.Data, payloadPhase); ok {
			rec.CurrentPhase = phase
		}
		if raw, ok := numberField(evt.Data, payloadProgress, payloadProgressAlt); ok {
			unit, _ := stringField(evt.Data, payloadProgressUnit)
			p := normalizeProgress(raw, unit)
			rec.Progress = &p
		}
		upsertProgressMessage(rec, renderProgress(rec, evt.Data), false)

	case event.TypeResearchComplete:
		rec.Status = StatusCompleted
		one := 1.0
		rec.Progress = &one
		if report, ok := stringField(evt.Data, payloadFinalReport); ok {
			rec.FinalReport = report
		}
		upsertProgressMessage(rec, rec.FinalReport, true)

	case event.TypeError:
		rec.Status = StatusFailed
		if msg, ok := stringField(evt.Data, payloadError); ok {
			rec.Error = msg
		} else if msg, ok := stringField(evt.Data, payloadMessage); ok {
			rec.Error = msg
		}
		// Last known progress is preserved, not reset.

	default:
		// Unknown types pass through untouched for forward compatibility.
		return nil
	}

	rec.UpdatedAt = time.Now()
	return nil
}

// normalizeProgress maps a reported progress value to [0, 1]. An explicit
// unit wins; otherwise values above 1 are treated as percentages. The
// heuristic cannot tell a legitimate fractional 1% from 1.0, which is why
// producers should send progress_unit.
func normalizeProgress(v float64, unit string) float64 {
	switch unit {
	case unitPercent:
		return clampProgress(v / 100)
	case unitFraction:
		return clampProgress(v)
	}
	if v > 1 {
		v /= 100
	}
	return clampProgress(v)
}

// renderProgress builds the human-readable content of the progress message:
// phase, percentage, and a preview of at most two partial-result pairs.
func renderProgress(rec *Record, data map[string]any) string {
	phase := rec.CurrentPhase
	if phase == "" {
		phase = "working"
	}

	pct := 0
	if rec.Progress != nil {
		pct = int(math.Round(*rec.Progress * 100))
	}
	content := fmt.Sprintf("%s (%d%%)", phase, pct)

	partials, ok := data[payloadPartials].(map[string]any)
	if !ok || len(partials) == 0 {
		return content
	}

	keys := make([]string, 0, len(partials))
	for k := range partials {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > partialPreviewPairs {
		keys = keys[:partialPreviewPairs]
	}
	for _, k := range keys {
		content += fmt.Sprintf("\n%s: %v", k, partials[k])
	}
	return content
}

// upsertProgressMessage updates the session's single progress-kind message,
// creating it on first use. Must be called with mu held for writing.
func upsertProgressMessage(rec *Record, content string, completed bool) {
	now := time.Now()
	for _, msg := range rec.Messages {
		if msg.Kind == KindProgress {
			msg.Content = content
			msg.Completed = completed
			msg.UpdatedAt = now
			return
		}
	}
	rec.Messages = append(rec.Messages, &Message{
		ID:        uuid.New().String(),
		Role:      RoleAssistant,
		Kind:      KindProgress,
		Content:   content,
		Completed: completed,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

// stringField returns the first named field that holds a non-empty string.
func stringField(data map[string]any, keys ...string) (string, bool) {
	for _, k := range keys {
		if s, ok := data[k].(string); ok && s != "" {
			return s, true
		}
	}
	return "", false
}

// numberField returns the first named field that holds a number. JSON
// decoding produces float64; direct callers may pass Go integer types.
func numberField(data map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		switch v := data[k].(type) {
		case float64:
			return v, true
		case float32:
			return float64(v), true
		case int:
			return float64(v), true
		case int64:
			return float64(v), true
		}
	}
	return 0, false
}
