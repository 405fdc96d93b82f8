// Package auth validates session identifiers and binds sessions to an
// identity.
//
// # Session id validation
//
// ValidateSessionID enforces a length window, an allow-listed set of id
// shapes (UUID, fixed-length hex, opaque base64url), and a denylist of weak
// patterns (repeated characters, sequential runs, guessable literal
// prefixes). Ids that pass may still carry non-fatal warnings for
// monitoring; warnings never block access.
//
// # Bindings
//
// A binding token ties a session to (user, client IP, user agent) with an
// HMAC-signed, time-limited token. Verification distinguishes malformed
// tokens from expired ones from signature mismatches, so callers can audit
// tampering separately from ordinary expiry. CSRF tokens use the same
// technique with an independent key and a shorter validity window, scoped
// to (session, user) only.
//
// Signing keys are derived from a single master secret with HKDF, so the
// binding and CSRF domains cannot forge each other's tokens.
//
// # Enumeration
//
// DetectEnumeration flags a window of attempted session ids as an
// enumeration attack when most consecutive sorted attempts differ by a
// small numeric increment.
package auth
