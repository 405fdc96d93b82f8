// ABOUTME: HMAC binding and CSRF tokens tying sessions to an identity
// ABOUTME: Verification distinguishes malformed, expired, and tampered tokens

package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrTokenMalformed indicates the token could not be parsed at all.
	ErrTokenMalformed = errors.New("token malformed")

	// ErrTokenExpired indicates a well-formed, correctly signed token past
	// its max age.
	ErrTokenExpired = errors.New("token expired")

	// ErrTokenTampered indicates the signature does not match the payload.
	ErrTokenTampered = errors.New("token signature mismatch")

	// ErrBindingMismatch indicates a valid token presented with different
	// session/user/client inputs than it was minted for. Treated as
	// tampering for audit purposes.
	ErrBindingMismatch = errors.New("token binding mismatch")
)

// Binding claim names.
const (
	claimSessionID     = "sid"
	claimUserID        = "uid"
	claimClientIP      = "ip"
	claimUserAgentHash = "uah"
)

// CreateBindingToken mints an HMAC-signed token binding the session to the
// user and client. The user agent is stored as a SHA-256 hash; the raw
// string never leaves the caller.
func (v *Validator) CreateBindingToken(sessionID, userID, clientIP, userAgent string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		claimSessionID:     sessionID,
		claimUserID:        userID,
		claimClientIP:      clientIP,
		claimUserAgentHash: hashUserAgent(userAgent),
		"iat":              jwt.NewNumericDate(now),
		"exp":              jwt.NewNumericDate(now.Add(v.bindingMaxAge)),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.bindingKey)
	if err != nil {
		return "", fmt.Errorf("signing binding token: %w", err)
	}
	return signed, nil
}

// VerifyBindingToken checks the token's signature and age, then compares
// the embedded binding against the presented inputs. The three failure
// classes are reported distinctly: ErrTokenMalformed, ErrTokenExpired,
// ErrTokenTampered/ErrBindingMismatch.
func (v *Validator) VerifyBindingToken(token, sessionID, userID, clientIP, userAgent string) error {
	claims, err := v.parseToken(token, v.bindingKey)
	if err != nil {
		return err
	}

	if !claimMatches(claims, claimSessionID, sessionID) ||
		!claimMatches(claims, claimUserID, userID) ||
		!claimMatches(claims, claimClientIP, clientIP) ||
		!claimMatches(claims, claimUserAgentHash, hashUserAgent(userAgent)) {
		return ErrBindingMismatch
	}
	return nil
}

// CreateCSRFToken mints a token scoped to (session, user) only, with the
// independent CSRF key and the shorter CSRF validity window.
func (v *Validator) CreateCSRFToken(sessionID, userID string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		claimSessionID: sessionID,
		claimUserID:    userID,
		"iat":          jwt.NewNumericDate(now),
		"exp":          jwt.NewNumericDate(now.Add(v.csrfMaxAge)),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.csrfKey)
	if err != nil {
		return "", fmt.Errorf("signing csrf token: %w", err)
	}
	return signed, nil
}

// VerifyCSRFToken checks a CSRF token against the presented session and
// user, with the same failure taxonomy as binding verification.
func (v *Validator) VerifyCSRFToken(token, sessionID, userID string) error {
	claims, err := v.parseToken(token, v.csrfKey)
	if err != nil {
		return err
	}

	if !claimMatches(claims, claimSessionID, sessionID) ||
		!claimMatches(claims, claimUserID, userID) {
		return ErrBindingMismatch
	}
	return nil
}

// parseToken verifies signature and registered claims with the given key,
// mapping library errors onto the package's failure taxonomy. Signature
// mismatch is checked before expiry so a tampered-and-stale token reports
// as tampering.
func (v *Validator) parseToken(token string, key []byte) (jwt.MapClaims, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return key, nil
	}, jwt.WithValidMethods([]string{"HS256"}))

	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return nil, ErrTokenTampered
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrTokenExpired
	default:
		return nil, ErrTokenMalformed
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrTokenMalformed
	}
	return claims, nil
}

// claimMatches compares a string claim in constant time.
func claimMatches(claims jwt.MapClaims, name, want string) bool {
	got, ok := claims[name].(string)
	if !ok {
		return false
	}
	return hmac.Equal([]byte(got), []byte(want))
}

// hashUserAgent hashes the user agent so tokens stay small and logs never
// carry the raw string.
func hashUserAgent(userAgent string) string {
	sum := sha256.Sum256([]byte(userAgent))
	return hex.EncodeToString(sum[:])
}
