package effects

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"cowork-app/internal/clock"
	"cowork-app/internal/models"
	"cowork-app/internal/store"
	"cowork-app/pkg/logger"
)

const (
	// FlyingMessageTTL is how long a flying message stays in the store. The
	// publisher schedules the deletion; there is no server-side expiry.
	FlyingMessageTTL = 5 * time.Second
	// eventWindow is the most-recent-N window a subscriber observes.
	eventWindow = 20
)

// Bus is the ephemeral, TTL-filtered publish/subscribe channel for domain
// events scoped per room.
type Bus struct {
	store store.Store
	clock clock.Clock
}

func NewBus(st store.Store, clk clock.Clock) *Bus {
	return &Bus{store: st, clock: clk}
}

// Publish writes a new keyed event under the room's event list. The store
// assigns a time-ordered key, returned as the event id.
func (b *Bus) Publish(ctx context.Context, roomID string, ev models.RoomEvent) (string, error) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.clock.Now()
	}
	key, err := b.store.Push(ctx, store.EventsPath(roomID), ev)
	if err != nil {
		return "", err
	}
	return key, nil
}

// PublishFlyingMessage broadcasts a transient text to the room and schedules
// its own deletion after FlyingMessageTTL.
func (b *Bus) PublishFlyingMessage(ctx context.Context, roomID string, ev models.RoomEvent) (string, error) {
	ev.Type = models.EventTypeMessage
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.clock.Now()
	}
	key, err := b.store.Push(ctx, store.FlyingMessagesPath(roomID), ev)
	if err != nil {
		return "", err
	}
	path := store.JoinPath(store.FlyingMessagesPath(roomID), key)
	b.clock.AfterFunc(FlyingMessageTTL, func() {
		if err := b.store.Remove(context.Background(), path); err != nil {
			logger.Debug("flying message %s not removed: %v", path, err)
		}
	})
	return key, nil
}

// FlyingMessages returns the room's currently visible flying messages.
func (b *Bus) FlyingMessages(ctx context.Context, roomID string) ([]models.RoomEvent, error) {
	snap, err := b.store.List(ctx, store.FlyingMessagesPath(roomID))
	if err != nil {
		return nil, err
	}
	return decodeEvents(snap), nil
}

// Subscribe streams the room's new events to fn in timestamp order. Events
// that existed before the subscription are recorded but never delivered, so
// a fresh subscriber doesn't replay history. Processed-event ids are kept as
// long as their records are in the store and pruned when the records go
// away, so an old event can never age back into looking new.
func (b *Bus) Subscribe(roomID string, fn func(models.RoomEvent)) (cancel func()) {
	return b.subscribePath(store.EventsPath(roomID), fn)
}

// SubscribeFlyingMessages is Subscribe for the flying-message list.
func (b *Bus) SubscribeFlyingMessages(roomID string, fn func(models.RoomEvent)) (cancel func()) {
	return b.subscribePath(store.FlyingMessagesPath(roomID), fn)
}

func (b *Bus) subscribePath(path string, fn func(models.RoomEvent)) (cancel func()) {
	var mu sync.Mutex
	seen := make(map[string]bool)
	first := true
	return b.store.Subscribe(path, func(snap store.Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		events := decodeEvents(snap)
		if len(events) > eventWindow {
			events = events[len(events)-eventWindow:]
		}
		for _, ev := range events {
			if seen[ev.ID] {
				continue
			}
			seen[ev.ID] = true
			if first {
				continue // pre-subscription history
			}
			fn(ev)
		}
		first = false
		// An id can only resurface while its record still exists, so the
		// bookkeeping is dropped exactly when the record is.
		for id := range seen {
			if _, ok := snap[id]; !ok {
				delete(seen, id)
			}
		}
	})
}

func decodeEvents(snap store.Snapshot) []models.RoomEvent {
	events := make([]models.RoomEvent, 0, len(snap))
	for id, raw := range snap {
		var ev models.RoomEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			continue
		}
		ev.ID = id
		events = append(events, ev)
	}
	sort.Slice(events, func(i, j int) bool {
		if !events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].Timestamp.Before(events[j].Timestamp)
		}
		return events[i].ID < events[j].ID
	})
	return events
}
