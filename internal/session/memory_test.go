// ABOUTME: Tests for the in-memory session record store
// ABOUTME: Covers upserts, message dedup, title derivation, and copies

package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyon-research/streamhub/internal/auth"
)

func newTestStore(t *testing.T) *MemoryStore {
	t.Helper()
	return NewMemoryStore(nil, nil)
}

func TestEnsure_CreatesPendingRecord(t *testing.T) {
	s := newTestStore(t)

	rec, err := s.Ensure(t.Context(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", rec.ID)
	assert.Equal(t, StatusPending, rec.Status)
	assert.Empty(t, rec.Messages)
	assert.False(t, rec.CreatedAt.IsZero())

	// Second ensure returns the same record, not a fresh one.
	again, err := s.Ensure(t.Context(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, rec.CreatedAt, again.CreatedAt)
}

func TestGet_UnknownSession(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get(t.Context(), "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestGet_ReturnsCopy(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Ensure(t.Context(), "sess-1")
	require.NoError(t, err)
	require.NoError(t, s.AddMessage(t.Context(), "sess-1", &Message{ID: "m1", Role: RoleUser, Content: "hello"}))

	rec, err := s.Get(t.Context(), "sess-1")
	require.NoError(t, err)

	// Mutating the returned record must not leak into the store.
	rec.Status = StatusFailed
	rec.Messages[0].Content = "mutated"

	fresh, err := s.Get(t.Context(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, fresh.Status)
	assert.Equal(t, "hello", fresh.Messages[0].Content)
}

func TestList_MostRecentFirst(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Ensure(t.Context(), "older")
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = s.Ensure(t.Context(), "newer")
	require.NoError(t, err)

	records, err := s.List(t.Context())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "newer", records[0].ID)
	assert.Equal(t, "older", records[1].ID)
}

func TestUpdate_AppliesPatchFields(t *testing.T) {
	s := newTestStore(t)

	title := "Quantum batteries"
	userID := "user-42"
	status := StatusRunning
	progress := 0.25
	phase := "searching"

	rec, err := s.Update(t.Context(), "sess-1", Update{
		Title:        &title,
		UserID:       &userID,
		Status:       &status,
		Progress:     &progress,
		CurrentPhase: &phase,
	})
	require.NoError(t, err)
	assert.Equal(t, "Quantum batteries", rec.Title)
	assert.Equal(t, "user-42", rec.UserID)
	assert.Equal(t, StatusRunning, rec.Status)
	require.NotNil(t, rec.Progress)
	assert.InDelta(t, 0.25, *rec.Progress, 1e-9)
	assert.Equal(t, "searching", rec.CurrentPhase)
}

func TestUpdate_ClampsProgress(t *testing.T) {
	s := newTestStore(t)

	over := 3.5
	rec, err := s.Update(t.Context(), "sess-1", Update{Progress: &over})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, *rec.Progress, 1e-9)
}

func TestAddMessage_DeduplicatesByID(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.AddMessage(t.Context(), "sess-1", &Message{ID: "m1", Role: RoleUser, Content: "first"}))
	require.NoError(t, s.AddMessage(t.Context(), "sess-1", &Message{ID: "m1", Role: RoleUser, Content: "edited"}))

	rec, err := s.Get(t.Context(), "sess-1")
	require.NoError(t, err)
	require.Len(t, rec.Messages, 1)
	assert.Equal(t, "edited", rec.Messages[0].Content)
}

func TestAddMessage_AssignsIDAndKindDefaults(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.AddMessage(t.Context(), "sess-1", &Message{Role: RoleUser, Content: "hi"}))

	rec, err := s.Get(t.Context(), "sess-1")
	require.NoError(t, err)
	require.Len(t, rec.Messages, 1)
	assert.NotEmpty(t, rec.Messages[0].ID)
	assert.Equal(t, KindMessage, rec.Messages[0].Kind)
}

func TestAddMessage_DerivesTitleFromFirstUserMessage(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.AddMessage(t.Context(), "sess-1", &Message{ID: "m0", Role: RoleAssistant, Content: "welcome"}))
	require.NoError(t, s.AddMessage(t.Context(), "sess-1", &Message{ID: "m1", Role: RoleUser, Content: "   "}))
	require.NoError(t, s.AddMessage(t.Context(), "sess-1", &Message{ID: "m2", Role: RoleUser, Content: "What is the state of solid-state battery research?"}))
	require.NoError(t, s.AddMessage(t.Context(), "sess-1", &Message{ID: "m3", Role: RoleUser, Content: "a later message"}))

	rec, err := s.Get(t.Context(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "What is the state of solid-state battery research?", rec.Title)
}

func TestAddMessage_TruncatesLongTitle(t *testing.T) {
	s := newTestStore(t)

	long := "Please research the complete economic history of semiconductor fabrication since 1960"
	require.NoError(t, s.AddMessage(t.Context(), "sess-1", &Message{ID: "m1", Role: RoleUser, Content: long}))

	rec, err := s.Get(t.Context(), "sess-1")
	require.NoError(t, err)
	assert.Len(t, []rune(rec.Title), 60)
	assert.Equal(t, long[:60], rec.Title)
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Ensure(t.Context(), "sess-1")
	require.NoError(t, err)

	require.NoError(t, s.Delete(t.Context(), "sess-1"))
	_, err = s.Get(t.Context(), "sess-1")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	assert.ErrorIs(t, s.Delete(t.Context(), "sess-1"), ErrSessionNotFound)
}

func TestRestore_InstallsDeepCopy(t *testing.T) {
	s := newTestStore(t)

	progress := 0.5
	rec := &Record{
		ID:       "sess-1",
		Status:   StatusRunning,
		Progress: &progress,
		Messages: []*Message{{ID: "m1", Role: RoleUser, Content: "hello"}},
	}
	s.Restore(rec)

	// Mutate the original after restore.
	rec.Messages[0].Content = "mutated"
	*rec.Progress = 0.9

	got, err := s.Get(t.Context(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Messages[0].Content)
	assert.InDelta(t, 0.5, *got.Progress, 1e-9)
}

func TestStore_RejectsInvalidIDsWhenValidatorSet(t *testing.T) {
	v, err := auth.New(auth.Config{Secret: []byte("0123456789abcdef0123456789abcdef")})
	require.NoError(t, err)
	s := NewMemoryStore(v, nil)

	_, err = s.Ensure(t.Context(), "short")
	assert.ErrorIs(t, err, ErrInvalidSessionID)

	_, err = s.Get(t.Context(), "admin_9f3kX27mQp4L")
	assert.ErrorIs(t, err, ErrInvalidSessionID)

	// A well-formed id passes end to end.
	id, err := v.GenerateSessionID()
	require.NoError(t, err)
	rec, err := s.Ensure(t.Context(), id)
	require.NoError(t, err)
	assert.Equal(t, id, rec.ID)
}
