// ABOUTME: SQLite-backed security event log and failed-attempt counters
// ABOUTME: Records rejected requests with per-source aggregation for lockouts

package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Kind classifies a security event.
type Kind string

const (
	KindInvalidSessionID    Kind = "invalid_session_id"
	KindTokenTampering      Kind = "token_tampering"
	KindTokenExpired        Kind = "token_expired"
	KindBindingMismatch     Kind = "binding_mismatch"
	KindCSRFFailure         Kind = "csrf_failure"
	KindEnumerationDetected Kind = "enumeration_detected"
)

// ValidKinds lists every recognized event kind.
var ValidKinds = []Kind{
	KindInvalidSessionID,
	KindTokenTampering,
	KindTokenExpired,
	KindBindingMismatch,
	KindCSRFFailure,
	KindEnumerationDetected,
}

// Entry is a single recorded security event.
type Entry struct {
	ID        string         // UUID v4, generated when empty
	Source    string         // who triggered it: client IP or user id
	Kind      Kind           // what happened
	SessionID string         // session id involved, if any
	Detail    map[string]any // additional context, stored as JSON
	Timestamp time.Time      // when it happened, generated when zero
}

// Filter narrows a RecentEvents query. Nil fields match everything.
type Filter struct {
	Since  *time.Time
	Source *string
	Kind   *Kind
	Limit  int // default 100, capped at 1000
}

// Log is the SQLite store for security events.
type Log struct {
	db     *sql.DB
	logger *slog.Logger
}

// New opens (or creates) the audit database at path. Parent directories
// are created as needed; ":memory:" gives an ephemeral database.
func New(path string) (*Log, error) {
	logger := slog.Default().With("component", "audit")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating audit database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}

	if path == ":memory:" {
		// Each pool connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	l := &Log{db: db, logger: logger}
	if err := l.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating audit schema: %w", err)
	}

	logger.Info("audit log initialized", "path", path)
	return l, nil
}

func (l *Log) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS security_events (
			id          TEXT PRIMARY KEY,
			source      TEXT NOT NULL,
			kind        TEXT NOT NULL,
			session_id  TEXT,
			detail_json TEXT,
			ts          TEXT NOT NULL,

			CHECK (kind IN (
				'invalid_session_id',
				'token_tampering',
				'token_expired',
				'binding_mismatch',
				'csrf_failure',
				'enumeration_detected'
			))
		);

		CREATE INDEX IF NOT EXISTS idx_security_events_ts ON security_events(ts DESC);
		CREATE INDEX IF NOT EXISTS idx_security_events_source ON security_events(source);
		CREATE INDEX IF NOT EXISTS idx_security_events_kind ON security_events(kind);

		CREATE TABLE IF NOT EXISTS failed_attempts (
			source     TEXT PRIMARY KEY,
			count      INTEGER NOT NULL DEFAULT 0,
			first_seen TEXT NOT NULL,
			last_seen  TEXT NOT NULL
		);
	`

	_, err := l.db.Exec(schema)
	return err
}

// Close closes the database.
func (l *Log) Close() error {
	l.logger.Info("closing audit log")
	return l.db.Close()
}

// RecordEvent appends a security event. ID and Timestamp are generated
// when unset.
func (l *Log) RecordEvent(ctx context.Context, e *Entry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	var detailJSON *string
	if e.Detail != nil {
		data, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshaling event detail: %w", err)
		}
		str := string(data)
		detailJSON = &str
	}

	query := `
		INSERT INTO security_events (id, source, kind, session_id, detail_json, ts)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := l.db.ExecContext(ctx, query,
		e.ID,
		e.Source,
		e.Kind,
		nullString(e.SessionID),
		detailJSON,
		e.Timestamp.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting security event: %w", err)
	}

	l.logger.Debug("recorded security event",
		"id", e.ID,
		"source", e.Source,
		"kind", e.Kind,
		"session_id", e.SessionID,
	)
	return nil
}

// IncrementFailedAttempts bumps the counter for source and returns the
// count after the increment.
func (l *Log) IncrementFailedAttempts(ctx context.Context, source string) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO failed_attempts (source, count, first_seen, last_seen)
		VALUES (?, 1, ?, ?)
		ON CONFLICT(source) DO UPDATE SET
			count = count + 1,
			last_seen = excluded.last_seen
	`, source, now, now)
	if err != nil {
		return 0, fmt.Errorf("incrementing failed attempts: %w", err)
	}

	return l.FailedAttempts(ctx, source)
}

// FailedAttempts returns the current counter for source, zero when the
// source has never failed.
func (l *Log) FailedAttempts(ctx context.Context, source string) (int64, error) {
	var count int64
	err := l.db.QueryRowContext(ctx,
		`SELECT count FROM failed_attempts WHERE source = ?`, source,
	).Scan(&count)

	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("querying failed attempts: %w", err)
	}
	return count, nil
}

// ResetFailedAttempts clears the counter for source. Missing sources are
// a no-op.
func (l *Log) ResetFailedAttempts(ctx context.Context, source string) error {
	if _, err := l.db.ExecContext(ctx,
		`DELETE FROM failed_attempts WHERE source = ?`, source,
	); err != nil {
		return fmt.Errorf("resetting failed attempts: %w", err)
	}
	return nil
}

// normalizeLimit applies the default (100) and cap (1000) to a query limit.
func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

const recentEventsQuery = `
	SELECT id, source, kind, session_id, detail_json, ts
	FROM security_events
	WHERE (? IS NULL OR ts >= ?)
	  AND (? IS NULL OR source = ?)
	  AND (? IS NULL OR kind = ?)
	ORDER BY ts DESC
	LIMIT ?
`

// RecentEvents returns events matching the filter, newest first.
func (l *Log) RecentEvents(ctx context.Context, f Filter) ([]Entry, error) {
	limit := normalizeLimit(f.Limit)

	var sinceStr *string
	if f.Since != nil {
		s := f.Since.UTC().Format(time.RFC3339)
		sinceStr = &s
	}
	var kindStr *string
	if f.Kind != nil {
		k := string(*f.Kind)
		kindStr = &k
	}

	rows, err := l.db.QueryContext(ctx, recentEventsQuery,
		sinceStr, sinceStr,
		f.Source, f.Source,
		kindStr, kindStr,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying security events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating security events: %w", err)
	}

	if entries == nil {
		entries = []Entry{}
	}
	return entries, nil
}

// scanEntry scans a row into an Entry.
func scanEntry(scanner interface{ Scan(dest ...any) error }) (Entry, error) {
	var e Entry
	var kindStr, tsStr string
	var sessionID, detailJSON *string

	if err := scanner.Scan(
		&e.ID,
		&e.Source,
		&kindStr,
		&sessionID,
		&detailJSON,
		&tsStr,
	); err != nil {
		return e, fmt.Errorf("scanning security event: %w", err)
	}

	e.Kind = Kind(kindStr)
	if sessionID != nil {
		e.SessionID = *sessionID
	}

	var err error
	e.Timestamp, err = time.Parse(time.RFC3339, tsStr)
	if err != nil {
		return e, fmt.Errorf("parsing event timestamp: %w", err)
	}

	if detailJSON != nil {
		if err := json.Unmarshal([]byte(*detailJSON), &e.Detail); err != nil {
			return e, fmt.Errorf("unmarshaling event detail: %w", err)
		}
	}
	return e, nil
}

// nullString returns nil for empty strings so the column stores NULL.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
