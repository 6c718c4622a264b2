package effects

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

func newTestBus(t *testing.T) (*Bus, *clock.Fake) {
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	st := store.NewMemory(clk)
	t.Cleanup(func() { st.Close() })
	return NewBus(st, clk), clk
}

func TestSubscribeDeliversNewEventsOnly(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	_, err := bus.Publish(ctx, "r1", models.RoomEvent{Type: models.EventTypeStart, UserID: "u1"})
	require.NoError(t, err)

	var got []models.RoomEvent
	cancel := bus.Subscribe("r1", func(ev models.RoomEvent) {
		got = append(got, ev)
	})
	defer cancel()
	assert.Empty(t, got, "history before the subscription is not replayed")

	_, err = bus.Publish(ctx, "r1", models.RoomEvent{Type: models.EventTypeComplete, UserID: "u2"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, models.EventTypeComplete, got[0].Type)
	assert.Equal(t, "u2", got[0].UserID)
}

func TestSubscribeDeliversEachEventOnce(t *testing.T) {
	bus, clk := newTestBus(t)
	ctx := context.Background()

	var got []models.RoomEvent
	cancel := bus.Subscribe("r1", func(ev models.RoomEvent) {
		got = append(got, ev)
	})
	defer cancel()

	id, err := bus.Publish(ctx, "r1", models.RoomEvent{Type: models.EventTypeStart, UserID: "u1"})
	require.NoError(t, err)
	clk.Advance(time.Second)
	_, err = bus.Publish(ctx, "r1", models.RoomEvent{Type: models.EventTypeQuit, UserID: "u1"})
	require.NoError(t, err)

	// The second write re-delivers a snapshot containing the first event;
	// the subscriber must not see it twice.
	require.Len(t, got, 2)
	assert.Equal(t, id, got[0].ID)
}

func TestOldEventsNeverResurface(t *testing.T) {
	bus, clk := newTestBus(t)
	ctx := context.Background()

	_, err := bus.Publish(ctx, "r1", models.RoomEvent{Type: models.EventTypeStart, UserID: "ancient"})
	require.NoError(t, err)

	var got []models.RoomEvent
	cancel := bus.Subscribe("r1", func(ev models.RoomEvent) {
		got = append(got, ev)
	})
	defer cancel()
	require.Empty(t, got)

	// Long after the subscription, new publishes re-deliver snapshots that
	// still contain the old event; it must stay suppressed.
	clk.Advance(61 * time.Second)
	_, err = bus.Publish(ctx, "r1", models.RoomEvent{Type: models.EventTypeComplete, UserID: "u2"})
	require.NoError(t, err)
	clk.Advance(time.Second)
	_, err = bus.Publish(ctx, "r1", models.RoomEvent{Type: models.EventTypeQuit, UserID: "u3"})
	require.NoError(t, err)

	require.Len(t, got, 2)
	for _, ev := range got {
		assert.NotEqual(t, "ancient", ev.UserID)
	}
}

func TestSubscribeScopedToRoom(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	var got []models.RoomEvent
	cancel := bus.Subscribe("r1", func(ev models.RoomEvent) {
		got = append(got, ev)
	})
	defer cancel()

	_, err := bus.Publish(ctx, "r2", models.RoomEvent{Type: models.EventTypeStart})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFlyingMessageExpires(t *testing.T) {
	bus, clk := newTestBus(t)
	ctx := context.Background()

	_, err := bus.PublishFlyingMessage(ctx, "r1", models.RoomEvent{UserID: "u1", Text: "back in 5"})
	require.NoError(t, err)

	clk.Advance(time.Second)
	msgs, err := bus.FlyingMessages(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "back in 5", msgs[0].Text)
	assert.Equal(t, models.EventTypeMessage, msgs[0].Type)

	clk.Advance(5 * time.Second)
	msgs, err = bus.FlyingMessages(ctx, "r1")
	require.NoError(t, err)
	assert.Empty(t, msgs, "the publisher's scheduled deletion landed")
}

func TestFlyingMessageSubscription(t *testing.T) {
	bus, clk := newTestBus(t)
	ctx := context.Background()

	var got []models.RoomEvent
	cancel := bus.SubscribeFlyingMessages("r1", func(ev models.RoomEvent) {
		got = append(got, ev)
	})
	defer cancel()

	_, err := bus.PublishFlyingMessage(ctx, "r1", models.RoomEvent{UserID: "u1", Text: "hi"})
	require.NoError(t, err)
	require.Len(t, got, 1)

	// Expiry removes the record but delivers no event.
	clk.Advance(6 * time.Second)
	assert.Len(t, got, 1)
}

type captureNotifier struct {
	events []models.RoomEvent
}

func (c *captureNotifier) Notify(ev models.RoomEvent) { c.events = append(c.events, ev) }

type captureRefresh struct {
	rooms []string
}

func (c *captureRefresh) Refresh(roomID string) { c.rooms = append(c.rooms, roomID) }

func newTestDispatcher() (*Dispatcher, *captureNotifier, *captureRefresh, *clock.Fake) {
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	notifier := &captureNotifier{}
	refresh := &captureRefresh{}
	return NewDispatcher(clk, notifier, refresh), notifier, refresh, clk
}

func TestStartNotificationCooldown(t *testing.T) {
	d, notifier, _, clk := newTestDispatcher()
	ev := models.RoomEvent{Type: models.EventTypeStart, UserID: "u1"}

	d.Dispatch("r1", ev)
	d.Dispatch("r1", ev)
	assert.Len(t, notifier.events, 1, "second start within the cooldown is dropped")

	clk.Advance(31 * time.Second)
	d.Dispatch("r1", ev)
	assert.Len(t, notifier.events, 2)
}

func TestStartCooldownIsPerUser(t *testing.T) {
	d, notifier, _, _ := newTestDispatcher()

	d.Dispatch("r1", models.RoomEvent{Type: models.EventTypeStart, UserID: "u1"})
	d.Dispatch("r1", models.RoomEvent{Type: models.EventTypeStart, UserID: "u2"})
	assert.Len(t, notifier.events, 2)
}

func TestCompleteDebouncesRefresh(t *testing.T) {
	d, notifier, refresh, clk := newTestDispatcher()
	ev := models.RoomEvent{Type: models.EventTypeComplete, UserID: "u1", Duration: 25 * time.Minute}

	d.Dispatch("r1", ev)
	clk.Advance(2 * time.Second)
	d.Dispatch("r1", ev)
	assert.Empty(t, refresh.rooms, "refresh waits for the debounce window")

	clk.Advance(5 * time.Second)
	assert.Equal(t, []string{"r1"}, refresh.rooms, "burst of completions collapses to one refresh")
	assert.Len(t, notifier.events, 2, "every completion still notifies")
}

func TestShortCompletionSkipsRefresh(t *testing.T) {
	d, notifier, refresh, clk := newTestDispatcher()

	d.Dispatch("r1", models.RoomEvent{Type: models.EventTypeComplete, UserID: "u1", Duration: 30 * time.Second})
	clk.Advance(10 * time.Second)
	assert.Empty(t, refresh.rooms)
	assert.Len(t, notifier.events, 1)
}

func TestCancelDropsPendingRefresh(t *testing.T) {
	d, _, refresh, clk := newTestDispatcher()

	d.Dispatch("r1", models.RoomEvent{Type: models.EventTypeComplete, UserID: "u1", Duration: time.Hour})
	d.Cancel()
	clk.Advance(10 * time.Second)
	assert.Empty(t, refresh.rooms)
}
