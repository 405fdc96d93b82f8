// ABOUTME: Session id validation, generation, and enumeration detection
// ABOUTME: Pure checks; hard failures are errors, soft findings are warnings

package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"
)

const (
	minSessionIDLen = 16
	maxSessionIDLen = 128

	// minSecretLen is the smallest master secret accepted; the bootstrap
	// command generates 32 random bytes.
	minSecretLen = 16

	derivedKeyLen = 32

	defaultBindingMaxAge = 24 * time.Hour
	defaultCSRFMaxAge    = time.Hour
)

var (
	uuidPattern   = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	hexPattern    = regexp.MustCompile(`^(?:[0-9a-fA-F]{32}|[0-9a-fA-F]{40}|[0-9a-fA-F]{64})$`)
	opaquePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

	// timestampPattern matches embedded 10-digit (seconds) or 13-digit
	// (milliseconds) epoch-looking runs.
	timestampPattern = regexp.MustCompile(`\d{10,13}`)

	// weakPrefixes are literal prefixes attackers try first.
	weakPrefixes = []string{"admin", "test", "session", "user", "guest", "demo", "root"}
)

// Config configures a Validator. Secret is the master secret the binding
// and CSRF signing keys are derived from.
type Config struct {
	Secret        []byte
	BindingMaxAge time.Duration
	CSRFMaxAge    time.Duration
}

// Validator validates session ids and mints/verifies binding and CSRF
// tokens. It holds derived keys only; the master secret is not retained.
// All methods are safe for concurrent use.
type Validator struct {
	bindingKey    []byte
	csrfKey       []byte
	bindingMaxAge time.Duration
	csrfMaxAge    time.Duration
}

// New creates a Validator from the master secret.
func New(cfg Config) (*Validator, error) {
	if len(cfg.Secret) < minSecretLen {
		return nil, fmt.Errorf("secret must be at least %d bytes, got %d", minSecretLen, len(cfg.Secret))
	}
	if cfg.BindingMaxAge == 0 {
		cfg.BindingMaxAge = defaultBindingMaxAge
	}
	if cfg.CSRFMaxAge == 0 {
		cfg.CSRFMaxAge = defaultCSRFMaxAge
	}

	bindingKey, err := deriveKey(cfg.Secret, "streamhub binding v1")
	if err != nil {
		return nil, err
	}
	csrfKey, err := deriveKey(cfg.Secret, "streamhub csrf v1")
	if err != nil {
		return nil, err
	}

	return &Validator{
		bindingKey:    bindingKey,
		csrfKey:       csrfKey,
		bindingMaxAge: cfg.BindingMaxAge,
		csrfMaxAge:    cfg.CSRFMaxAge,
	}, nil
}

// deriveKey expands the master secret into an independent signing key for
// the given domain label.
func deriveKey(secret []byte, label string) ([]byte, error) {
	key := make([]byte, derivedKeyLen)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(label)), key); err != nil {
		return nil, fmt.Errorf("deriving %q key: %w", label, err)
	}
	return key, nil
}

// ValidateSessionID checks an id against the length window, the format
// allowlist, and the weak-pattern denylist. It returns non-fatal warnings
// alongside a nil error for ids that pass but look suspicious; callers log
// warnings, they must not reject on them.
func (v *Validator) ValidateSessionID(id string) ([]string, error) {
	if len(id) < minSessionIDLen {
		return nil, fmt.Errorf("session id too short: %d chars, minimum %d", len(id), minSessionIDLen)
	}
	if len(id) > maxSessionIDLen {
		return nil, fmt.Errorf("session id too long: %d chars, maximum %d", len(id), maxSessionIDLen)
	}

	if !uuidPattern.MatchString(id) && !hexPattern.MatchString(id) && !opaquePattern.MatchString(id) {
		return nil, errors.New("session id format not recognized")
	}

	lower := strings.ToLower(id)
	for _, prefix := range weakPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return nil, fmt.Errorf("session id uses weak prefix %q", prefix)
		}
	}

	counts := make(map[rune]int)
	for _, r := range id {
		counts[r]++
	}
	if len(counts) == 1 {
		return nil, errors.New("session id is a single repeated character")
	}
	if run := longestSequentialRun(id); run >= 8 {
		return nil, fmt.Errorf("session id contains a sequential run of %d characters", run)
	}

	var warnings []string
	maxCount := 0
	for _, c := range counts {
		if c > maxCount {
			maxCount = c
		}
	}
	if maxCount*2 > len(id) {
		warnings = append(warnings, "excessive character repetition")
	}
	if len(counts) < 8 {
		warnings = append(warnings, "low character diversity")
	}
	if timestampPattern.MatchString(id) {
		warnings = append(warnings, "embedded timestamp-like digit sequence")
	}

	return warnings, nil
}

// longestSequentialRun returns the length of the longest run of characters
// that each increment the previous by one ("abcdef", "123456").
func longestSequentialRun(id string) int {
	longest, run := 1, 1
	for i := 1; i < len(id); i++ {
		if id[i] == id[i-1]+1 {
			run++
			if run > longest {
				longest = run
			}
			continue
		}
		run = 1
	}
	return longest
}

// GenerateSessionID returns a cryptographically random id that passes
// ValidateSessionID. If the base64url candidate unexpectedly fails
// validation, the same bytes are re-encoded as hex before giving up.
func (v *Validator) GenerateSessionID() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}

	id := base64.RawURLEncoding.EncodeToString(buf)
	if _, err := v.ValidateSessionID(id); err == nil {
		return id, nil
	}

	id = hex.EncodeToString(buf)
	if _, err := v.ValidateSessionID(id); err != nil {
		return "", fmt.Errorf("generated session id failed validation: %w", err)
	}
	return id, nil
}

// Enumeration detection bounds.
const (
	minEnumerationSample = 5
	maxEnumerationStep   = 10
)

// DetectEnumeration reports whether a window of attempted session ids from
// one source looks like an enumeration attack: more than half of the
// consecutive sorted attempts differ by a small numeric increment. Fewer
// than minEnumerationSample attempts never flag.
func DetectEnumeration(attempts []string) bool {
	if len(attempts) < minEnumerationSample {
		return false
	}

	sorted := make([]string, len(attempts))
	copy(sorted, attempts)
	sort.Strings(sorted)

	pairs := len(sorted) - 1
	matches := 0
	for i := 1; i < len(sorted); i++ {
		prev, okPrev := trailingNumber(sorted[i-1])
		cur, okCur := trailingNumber(sorted[i])
		if !okPrev || !okCur {
			continue
		}
		diff := cur - prev
		if diff < 0 {
			diff = -diff
		}
		if diff >= 1 && diff <= maxEnumerationStep {
			matches++
		}
	}
	return matches*2 > pairs
}

// trailingNumber extracts the numeric suffix of an id, capped at 18 digits
// so the value fits in an int64.
func trailingNumber(s string) (int64, bool) {
	end := len(s)
	start := end
	for start > 0 && s[start-1] >= '0' && s[start-1] <= '9' {
		start--
	}
	if start == end {
		return 0, false
	}
	if end-start > 18 {
		start = end - 18
	}
	var n int64
	for i := start; i < end; i++ {
		n = n*10 + int64(s[i]-'0')
	}
	return n, true
}
