// ABOUTME: Tests for binding and CSRF token create/verify round trips
// ABOUTME: Covers the malformed/expired/tampered taxonomy and key separation

package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSessionID = "f47ac10b-58cc-4372-a567-0e02b2c3d479"
	testUserID    = "user-42"
	testClientIP  = "203.0.113.7"
	testUserAgent = "Mozilla/5.0 (X11; Linux x86_64)"
)

func TestBindingToken_RoundTrip(t *testing.T) {
	v := testValidator(t)

	token, err := v.CreateBindingToken(testSessionID, testUserID, testClientIP, testUserAgent)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	err = v.VerifyBindingToken(token, testSessionID, testUserID, testClientIP, testUserAgent)
	assert.NoError(t, err)
}

func TestBindingToken_AnyChangedInputFailsAsMismatch(t *testing.T) {
	v := testValidator(t)

	token, err := v.CreateBindingToken(testSessionID, testUserID, testClientIP, testUserAgent)
	require.NoError(t, err)

	tests := []struct {
		name                               string
		sessionID, userID, clientIP, agent string
	}{
		{"different session", "0e02b2c3-d479-4372-a567-f47ac10b58cc", testUserID, testClientIP, testUserAgent},
		{"different user", testSessionID, "user-43", testClientIP, testUserAgent},
		{"different ip", testSessionID, testUserID, "198.51.100.9", testUserAgent},
		{"different user agent", testSessionID, testUserID, testClientIP, "curl/8.5.0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.VerifyBindingToken(token, tt.sessionID, tt.userID, tt.clientIP, tt.agent)
			assert.ErrorIs(t, err, ErrBindingMismatch)
		})
	}
}

func TestBindingToken_Expired(t *testing.T) {
	v, err := New(Config{
		Secret:        []byte("0123456789abcdef0123456789abcdef"),
		BindingMaxAge: -time.Minute,
	})
	require.NoError(t, err)

	token, err := v.CreateBindingToken(testSessionID, testUserID, testClientIP, testUserAgent)
	require.NoError(t, err)

	err = v.VerifyBindingToken(token, testSessionID, testUserID, testClientIP, testUserAgent)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestBindingToken_Malformed(t *testing.T) {
	v := testValidator(t)

	for _, token := range []string{"", "not-a-token", "a.b", "%%%.%%%.%%%"} {
		err := v.VerifyBindingToken(token, testSessionID, testUserID, testClientIP, testUserAgent)
		assert.ErrorIs(t, err, ErrTokenMalformed, "token %q", token)
	}
}

func TestBindingToken_WrongKeyIsTampering(t *testing.T) {
	v := testValidator(t)
	other, err := New(Config{Secret: []byte("ffffffffffffffffffffffffffffffff")})
	require.NoError(t, err)

	token, err := other.CreateBindingToken(testSessionID, testUserID, testClientIP, testUserAgent)
	require.NoError(t, err)

	err = v.VerifyBindingToken(token, testSessionID, testUserID, testClientIP, testUserAgent)
	assert.ErrorIs(t, err, ErrTokenTampered)
}

func TestBindingToken_TamperedPayloadIsTampering(t *testing.T) {
	v := testValidator(t)

	tokenA, err := v.CreateBindingToken(testSessionID, testUserID, testClientIP, testUserAgent)
	require.NoError(t, err)
	tokenB, err := v.CreateBindingToken(testSessionID, "user-99", testClientIP, testUserAgent)
	require.NoError(t, err)

	// Payload of B with the signature of A.
	partsA := splitToken(t, tokenA)
	partsB := splitToken(t, tokenB)
	forged := partsB[0] + "." + partsB[1] + "." + partsA[2]

	err = v.VerifyBindingToken(forged, testSessionID, "user-99", testClientIP, testUserAgent)
	assert.ErrorIs(t, err, ErrTokenTampered)
}

func TestCSRFToken_RoundTrip(t *testing.T) {
	v := testValidator(t)

	token, err := v.CreateCSRFToken(testSessionID, testUserID)
	require.NoError(t, err)

	assert.NoError(t, v.VerifyCSRFToken(token, testSessionID, testUserID))
	assert.ErrorIs(t, v.VerifyCSRFToken(token, testSessionID, "user-43"), ErrBindingMismatch)
}

func TestCSRFToken_ShorterWindowExpires(t *testing.T) {
	v, err := New(Config{
		Secret:     []byte("0123456789abcdef0123456789abcdef"),
		CSRFMaxAge: -time.Minute,
	})
	require.NoError(t, err)

	token, err := v.CreateCSRFToken(testSessionID, testUserID)
	require.NoError(t, err)

	assert.ErrorIs(t, v.VerifyCSRFToken(token, testSessionID, testUserID), ErrTokenExpired)
}

func TestTokenKeys_AreDomainSeparated(t *testing.T) {
	v := testValidator(t)

	binding, err := v.CreateBindingToken(testSessionID, testUserID, testClientIP, testUserAgent)
	require.NoError(t, err)
	csrf, err := v.CreateCSRFToken(testSessionID, testUserID)
	require.NoError(t, err)

	// A token minted in one domain never verifies in the other.
	assert.ErrorIs(t, v.VerifyCSRFToken(binding, testSessionID, testUserID), ErrTokenTampered)
	assert.ErrorIs(t, v.VerifyBindingToken(csrf, testSessionID, testUserID, testClientIP, testUserAgent), ErrTokenTampered)
}

func splitToken(t *testing.T, token string) []string {
	t.Helper()
	parts := strings.Split(token, ".")
	require.Len(t, parts, 3)
	return parts
}
