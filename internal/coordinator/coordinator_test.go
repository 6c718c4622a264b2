package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cowork-app/internal/clock"
	"cowork-app/internal/models"
	"cowork-app/internal/presence"
	"cowork-app/internal/registry"
	"cowork-app/internal/store"
)

type stubIdentity struct {
	user  models.User
	ready bool
}

func (s stubIdentity) Current() (models.User, bool) { return s.user, s.ready }

type fixture struct {
	store    *store.Memory
	clock    *clock.Fake
	registry *registry.Registry
	tracker  *presence.Tracker
}

func newFixture(t *testing.T) *fixture {
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	st := store.NewMemory(clk)
	t.Cleanup(func() { st.Close() })
	return &fixture{
		store:    st,
		clock:    clk,
		registry: registry.New(st, clk, nil),
		tracker:  presence.NewTracker(st, clk, 90*time.Second),
	}
}

func (f *fixture) coordinator(t *testing.T, connID string, user models.User) *Coordinator {
	c := New(f.registry, f.tracker, stubIdentity{user: user, ready: true}, connID)
	t.Cleanup(c.Close)
	return c
}

func TestCreateBeforeIdentityResolves(t *testing.T) {
	f := newFixture(t)
	c := New(f.registry, f.tracker, stubIdentity{ready: false}, "c1")
	defer c.Close()

	_, err := c.Create(context.Background(), models.RoomTypePublic)
	assert.ErrorIs(t, err, ErrNotReady)
	assert.Equal(t, StateUnjoined, c.State())
}

func TestCreateJoinsCreator(t *testing.T) {
	f := newFixture(t)
	c := f.coordinator(t, "c1", models.User{ID: "u1", DisplayName: "Ada"})
	ctx := context.Background()

	room, err := c.Create(ctx, models.RoomTypePublic)
	require.NoError(t, err)
	assert.Equal(t, StateJoined, c.State())
	assert.NotEmpty(t, c.SessionID())

	current, ok := c.Current()
	require.True(t, ok)
	assert.Equal(t, room.ID, current.ID)

	n, err := f.tracker.RoomOccupancy(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDoubleJoinRejected(t *testing.T) {
	f := newFixture(t)
	c := f.coordinator(t, "c1", models.User{ID: "u1"})
	ctx := context.Background()

	room, err := c.Create(ctx, models.RoomTypePublic)
	require.NoError(t, err)

	_, err = c.Join(ctx, room.ID)
	assert.ErrorIs(t, err, ErrAlreadyJoined)
	_, err = c.Create(ctx, models.RoomTypePublic)
	assert.ErrorIs(t, err, ErrAlreadyJoined)
}

func TestJoinUnknownRoom(t *testing.T) {
	f := newFixture(t)
	c := f.coordinator(t, "c1", models.User{ID: "u1"})

	_, err := c.Join(context.Background(), "no-such-room")
	assert.ErrorIs(t, err, registry.ErrRoomNotFound)
	assert.Equal(t, StateUnjoined, c.State(), "failed join resets the machine")
}

func TestJoinThroughRoomListCache(t *testing.T) {
	f := newFixture(t)
	creator := f.coordinator(t, "c1", models.User{ID: "u1", DisplayName: "Ada"})
	joiner := f.coordinator(t, "c2", models.User{ID: "u2", DisplayName: "Lin"})
	ctx := context.Background()

	room, err := creator.Create(ctx, models.RoomTypePublic)
	require.NoError(t, err)

	got, err := joiner.Join(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, room.ID, got.ID)

	n, err := f.tracker.RoomOccupancy(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestLastLeaverDeletesPublicRoom(t *testing.T) {
	f := newFixture(t)
	creator := f.coordinator(t, "c1", models.User{ID: "u1"})
	joiner := f.coordinator(t, "c2", models.User{ID: "u2"})
	ctx := context.Background()

	room, err := creator.Create(ctx, models.RoomTypePublic)
	require.NoError(t, err)
	_, err = joiner.Join(ctx, room.ID)
	require.NoError(t, err)

	require.NoError(t, creator.Leave(ctx))
	_, err = f.registry.Lookup(ctx, room.ID)
	assert.NoError(t, err, "room survives while an occupant remains")

	require.NoError(t, joiner.Leave(ctx))
	_, err = f.registry.Lookup(ctx, room.ID)
	assert.ErrorIs(t, err, registry.ErrRoomNotFound, "last leaver takes the room down")

	assert.ErrorIs(t, joiner.Leave(ctx), ErrNoRoom, "second leave has nothing to do")
}

func TestLeavePrivateRoomKeepsIt(t *testing.T) {
	f := newFixture(t)
	c := f.coordinator(t, "c1", models.User{ID: "u1"})
	ctx := context.Background()

	room, err := c.Create(ctx, models.RoomTypePrivate)
	require.NoError(t, err)
	require.NoError(t, c.Leave(ctx))

	_, err = f.registry.Lookup(ctx, room.ID)
	assert.NoError(t, err, "private rooms persist when empty")
}

func TestOnLeaveCancelsRoomScopedWork(t *testing.T) {
	f := newFixture(t)
	c := f.coordinator(t, "c1", models.User{ID: "u1"})
	ctx := context.Background()

	_, err := c.Create(ctx, models.RoomTypePublic)
	require.NoError(t, err)

	cancelled := 0
	c.OnLeave(func() { cancelled++ })
	c.OnLeave(func() { cancelled++ })

	require.NoError(t, c.Leave(ctx))
	assert.Equal(t, 2, cancelled)
}

func TestOnLeaveOutsideRoomCancelsImmediately(t *testing.T) {
	f := newFixture(t)
	c := f.coordinator(t, "c1", models.User{ID: "u1"})

	cancelled := false
	c.OnLeave(func() { cancelled = true })
	assert.True(t, cancelled)
}

func TestResolveBySlug(t *testing.T) {
	f := newFixture(t)
	creator := f.coordinator(t, "c1", models.User{ID: "u1"})
	visitor := f.coordinator(t, "c2", models.User{ID: "u2"})
	ctx := context.Background()

	room, err := creator.Create(ctx, models.RoomTypePublic)
	require.NoError(t, err)

	got, err := visitor.Resolve(ctx, room.URL)
	require.NoError(t, err)
	assert.Equal(t, room.ID, got.ID)
	assert.Equal(t, StateJoined, visitor.State())
}

func TestResolveCurrentRoomIsIdempotent(t *testing.T) {
	f := newFixture(t)
	c := f.coordinator(t, "c1", models.User{ID: "u1"})
	ctx := context.Background()

	room, err := c.Create(ctx, models.RoomTypePublic)
	require.NoError(t, err)
	sid := c.SessionID()

	got, err := c.Resolve(ctx, room.URL)
	require.NoError(t, err)
	assert.Equal(t, room.ID, got.ID)
	assert.Equal(t, sid, c.SessionID(), "re-resolving the current room adds no session")
}

func TestResolveUnknownSlugIsTerminal(t *testing.T) {
	f := newFixture(t)
	c := f.coordinator(t, "c1", models.User{ID: "u1"})

	_, err := c.Resolve(context.Background(), "ghost-room-99")
	assert.ErrorIs(t, err, registry.ErrRoomNotFound)
	assert.Equal(t, StateUnjoined, c.State())
}

func TestHandleDisconnectActsAsLeave(t *testing.T) {
	f := newFixture(t)
	c := f.coordinator(t, "c1", models.User{ID: "u1"})
	ctx := context.Background()

	room, err := c.Create(ctx, models.RoomTypePublic)
	require.NoError(t, err)

	c.HandleDisconnect(ctx)
	assert.Equal(t, StateUnjoined, c.State())
	_, err = f.registry.Lookup(ctx, room.ID)
	assert.ErrorIs(t, err, registry.ErrRoomNotFound)

	// Disconnecting with no room is quiet.
	c.HandleDisconnect(ctx)
}
