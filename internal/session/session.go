// ABOUTME: Store interface and data types for research session records
// ABOUTME: Defines Record, Message, Status and the mutation surface

package session

import (
	"context"
	"errors"
	"time"

	"github.com/halcyon-research/streamhub/internal/event"
)

// ErrSessionNotFound is returned when a requested session does not exist.
var ErrSessionNotFound = errors.New("session not found")

// ErrInvalidSessionID is returned when a session id fails validation.
var ErrInvalidSessionID = errors.New("invalid session id")

// Status is the lifecycle state of a session record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status is an end state. Terminal sessions
// ignore further state-changing events.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message kinds.
const (
	KindMessage = "message"
	// KindProgress tags the single sentinel message per session that mirrors
	// the latest phase/percentage. It is upserted, never duplicated, and its
	// content is replaced by the final report on completion.
	KindProgress = "assistant-progress"
)

// maxTitleLen bounds titles derived from the first user message.
const maxTitleLen = 60

// Message is a single entry in a session's message history.
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Kind      string    `json:"kind"`
	Content   string    `json:"content"`
	Completed bool      `json:"completed"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Record is the canonical state of one research session. Records are owned
// by the Store; callers always receive copies.
type Record struct {
	ID           string     `json:"id"`
	Title        string     `json:"title,omitempty"`
	UserID       string     `json:"user_id,omitempty"`
	Status       Status     `json:"status"`
	Messages     []*Message `json:"messages"`
	Progress     *float64   `json:"progress,omitempty"`
	CurrentPhase string     `json:"current_phase,omitempty"`
	FinalReport  string     `json:"final_report,omitempty"`
	Error        string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Update is a partial patch for a record. Nil fields are left unchanged.
type Update struct {
	Title        *string
	UserID       *string
	Status       *Status
	Progress     *float64
	CurrentPhase *string
	FinalReport  *string
	Error        *string
}

// Store is the mutation and query surface for session records.
type Store interface {
	// Ensure returns the session record, creating a pending one if absent.
	Ensure(ctx context.Context, id string) (*Record, error)

	// Get returns the session record or ErrSessionNotFound.
	Get(ctx context.Context, id string) (*Record, error)

	// List returns all records, most recently updated first.
	List(ctx context.Context) ([]*Record, error)

	// Update applies the patch and returns the updated record.
	Update(ctx context.Context, id string, upd Update) (*Record, error)

	// AddMessage appends a message, updating in place when the id is
	// already present. A missing id, kind, or timestamp is generated and
	// written back to msg.
	AddMessage(ctx context.Context, id string, msg *Message) error

	// IngestEvent folds a broadcast event into the record's canonical state.
	IngestEvent(ctx context.Context, id string, evt *event.Event) error

	// Delete removes the record.
	Delete(ctx context.Context, id string) error

	Close() error
}
