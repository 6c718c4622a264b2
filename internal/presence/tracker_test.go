package presence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cowork-app/internal/clock"
	"cowork-app/internal/models"
	"cowork-app/internal/store"
)

func newTestTracker(t *testing.T) (*Tracker, *store.Memory, *clock.Fake) {
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	st := store.NewMemory(clk)
	t.Cleanup(func() { st.Close() })
	return NewTracker(st, clk, 90*time.Second), st, clk
}

func TestInitializeRejectsEmptyIDs(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	ctx := context.Background()

	_, err := tr.Initialize(ctx, "c1", models.User{}, "r1")
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = tr.Initialize(ctx, "c1", models.User{ID: "u1"}, "")
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestInitializeWritesSessionAndIndex(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	ctx := context.Background()

	sid, err := tr.Initialize(ctx, "c1", models.User{ID: "u1", DisplayName: "Ada"}, "r1")
	require.NoError(t, err)
	require.NotEmpty(t, sid)

	sessions, err := tr.UserSessions(ctx, "u1", "r1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.False(t, sessions[0].IsActive, "sessions start idle")

	entries, err := tr.RoomEntries(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "u1", entries[0].UserID)
	assert.Equal(t, "Ada", entries[0].DisplayName)
	assert.False(t, entries[0].IsActive)

	count, err := tr.TabCount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestTwoTabsOneOccupant(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	ctx := context.Background()
	user := models.User{ID: "u1", DisplayName: "Ada"}

	_, err := tr.Initialize(ctx, "c1", user, "r1")
	require.NoError(t, err)
	_, err = tr.Initialize(ctx, "c2", user, "r1")
	require.NoError(t, err)

	sessions, err := tr.UserSessions(ctx, "u1", "r1")
	require.NoError(t, err)
	assert.Len(t, sessions, 2, "one session per tab")

	n, err := tr.RoomOccupancy(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "occupancy counts users, not tabs")

	count, err := tr.TabCount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestActiveIfAnySessionActive(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	ctx := context.Background()
	user := models.User{ID: "u1", DisplayName: "Ada"}

	s1, err := tr.Initialize(ctx, "c1", user, "r1")
	require.NoError(t, err)
	s2, err := tr.Initialize(ctx, "c2", user, "r1")
	require.NoError(t, err)

	require.NoError(t, tr.SetActive(ctx, s1, true))
	entries, err := tr.RoomEntries(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].IsActive)

	// The idle tab flipping idle again cannot mask the active one.
	require.NoError(t, tr.SetActive(ctx, s2, false))
	entries, err = tr.RoomEntries(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, entries[0].IsActive)

	require.NoError(t, tr.SetActive(ctx, s1, false))
	entries, err = tr.RoomEntries(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, entries[0].IsActive)
}

func TestSetActiveUnknownSession(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	err := tr.SetActive(context.Background(), "ghost", true)
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestSetActiveAfterLeaseLapse(t *testing.T) {
	tr, _, clk := newTestTracker(t)
	ctx := context.Background()

	sid, err := tr.Initialize(ctx, "c1", models.User{ID: "u1"}, "r1")
	require.NoError(t, err)

	clk.Advance(2 * time.Minute)
	assert.NoError(t, tr.SetActive(ctx, sid, true),
		"a lapsed session is tolerated, not an error")
}

func TestHeartbeatKeepsSessionAlive(t *testing.T) {
	tr, _, clk := newTestTracker(t)
	ctx := context.Background()

	sid, err := tr.Initialize(ctx, "c1", models.User{ID: "u1"}, "r1")
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		clk.Advance(60 * time.Second)
		require.NoError(t, tr.Heartbeat(ctx, sid))
	}
	sessions, err := tr.UserSessions(ctx, "u1", "r1")
	require.NoError(t, err)
	assert.Len(t, sessions, 1)

	clk.Advance(2 * time.Minute)
	err = tr.Heartbeat(ctx, sid)
	assert.ErrorIs(t, err, ErrNotInitialized, "heartbeat after expiry fails")
}

func TestCleanupRemovesEverythingAndIsIdempotent(t *testing.T) {
	tr, st, _ := newTestTracker(t)
	ctx := context.Background()

	sid, err := tr.Initialize(ctx, "c1", models.User{ID: "u1", DisplayName: "Ada"}, "r1")
	require.NoError(t, err)

	require.NoError(t, tr.Cleanup(ctx, sid))

	entries, err := tr.RoomEntries(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, entries)
	count, err := tr.TabCount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	var n int
	assert.ErrorIs(t, st.Get(ctx, store.TabCountPath("u1"), &n), store.ErrNotFound,
		"last tab clears the counter record")

	require.NoError(t, tr.Cleanup(ctx, sid), "second cleanup is a no-op")
}

func TestCleanupOfOneTabKeepsTheOther(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	ctx := context.Background()
	user := models.User{ID: "u1", DisplayName: "Ada"}

	s1, err := tr.Initialize(ctx, "c1", user, "r1")
	require.NoError(t, err)
	_, err = tr.Initialize(ctx, "c2", user, "r1")
	require.NoError(t, err)

	require.NoError(t, tr.Cleanup(ctx, s1))

	entries, err := tr.RoomEntries(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, entries, 1, "user still present through the second tab")
	count, err := tr.TabCount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestDisconnectHookRemovesSession(t *testing.T) {
	tr, st, _ := newTestTracker(t)
	ctx := context.Background()

	_, err := tr.Initialize(ctx, "c1", models.User{ID: "u1"}, "r1")
	require.NoError(t, err)

	st.Disconnect("c1")

	sessions, err := tr.UserSessions(ctx, "u1", "r1")
	require.NoError(t, err)
	assert.Empty(t, sessions)

	n, err := tr.RoomOccupancy(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 0, n, "occupancy re-reads sessions, so the stale index entry does not count")
}

func TestRoomOccupancyCountsSessionWithoutIndexEntry(t *testing.T) {
	tr, st, clk := newTestTracker(t)
	ctx := context.Background()

	// A live session whose index projection never landed.
	sess := models.Session{
		SessionID:     "s1",
		UserID:        "u1",
		RoomID:        "r1",
		CreatedAt:     clk.Now(),
		LastHeartbeat: clk.Now(),
	}
	require.NoError(t, st.Set(ctx, store.SessionPath("u1", "s1"), sess))

	entries, err := tr.RoomEntries(ctx, "r1")
	require.NoError(t, err)
	require.Empty(t, entries, "the projection is missing")

	n, err := tr.RoomOccupancy(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "occupancy is derived from sessions, not the projection")
}

func TestListenDeduplicatesBySignature(t *testing.T) {
	tr, _, _ := newTestTracker(t)
	ctx := context.Background()

	var calls [][]models.IndexEntry
	cancel := tr.ListenToRoomPresence("r1", func(entries []models.IndexEntry) {
		calls = append(calls, entries)
	})
	defer cancel()
	require.Len(t, calls, 1, "initial empty snapshot")

	sid, err := tr.Initialize(ctx, "c1", models.User{ID: "u1", DisplayName: "Ada"}, "r1")
	require.NoError(t, err)
	require.Len(t, calls, 2)

	require.NoError(t, tr.SetActive(ctx, sid, true))
	require.Len(t, calls, 3)
	assert.True(t, calls[2][0].IsActive)

	// Re-asserting the same state rewrites the index entry but leaves the
	// active/idle sets alone, so the listener stays quiet.
	require.NoError(t, tr.SetActive(ctx, sid, true))
	assert.Len(t, calls, 3, "signature-neutral writes are swallowed")
}

func TestRebuildIndexCorrectsStaleProjection(t *testing.T) {
	tr, st, _ := newTestTracker(t)
	ctx := context.Background()

	// A projection entry with no backing sessions, as left behind by a
	// crashed node whose lease expired on the server.
	require.NoError(t, st.Set(ctx, store.IndexPath("r1", "u1"), models.IndexEntry{UserID: "u1"}))

	require.NoError(t, tr.RebuildIndex(ctx, "r1", "u1"))

	entries, err := tr.RoomEntries(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}
