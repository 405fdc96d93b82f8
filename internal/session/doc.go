// Package session holds the canonical record for each research session and
// the ingest state machine that folds agent events into it.
//
// # Records
//
// A Record tracks one research session: status, progress, message history,
// and the final report. Records move pending -> running -> completed or
// failed; the terminal states are sticky.
//
// # Ingest
//
// IngestEvent drives the state machine from the same event stream the
// broker fans out:
//
//   - research_started: status running, current phase recorded
//   - research_progress: progress/phase updated, the single progress
//     message upserted
//   - research_complete: status completed, progress 1.0, final report set
//   - error: status failed, error recorded, progress preserved
//
// Unknown event types are ignored so new event kinds can ship without a
// store change.
//
// # Stores
//
// Store is the interface; MemoryStore is the canonical in-memory
// implementation. The persist package wraps a MemoryStore with a durable
// backing tier.
package session
