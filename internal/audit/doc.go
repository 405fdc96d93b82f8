// Package audit persists security events and per-source failure counters
// in SQLite.
//
// Every rejected request (bad session id, tampered or expired binding
// token, CSRF failure, suspected enumeration) becomes a row in
// security_events, and the offending source's counter in failed_attempts
// grows. The hub consults both when deciding whether a source has crossed
// a lockout threshold.
//
// The store uses SQLite with WAL mode via modernc.org/sqlite (no cgo).
// Schema is created on open; ":memory:" is supported for tests.
package audit
