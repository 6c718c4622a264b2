package effects

import (
	"sync"
	"time"

	"cowork-app/internal/clock"
	"cowork-app/internal/models"
)

const (
	// startCooldown gates per-user start notifications.
	startCooldown = 30 * time.Second
	// refreshDebounce lets the durable store settle before a leaderboard
	// refresh is triggered.
	refreshDebounce = 5 * time.Second
	// minCompleteDuration filters out completions too short to rank.
	minCompleteDuration = time.Minute
)

// Notifier receives user-facing notifications for room events. Rendering
// and sound playback live outside the core.
type Notifier interface {
	Notify(ev models.RoomEvent)
}

// RefreshTrigger is poked when completed work should be re-ranked.
type RefreshTrigger interface {
	Refresh(roomID string)
}

// Dispatcher fans a room's event stream out to its consumers: start events
// are cooldown-gated per user, complete events above the minimum duration
// debounce a leaderboard refresh, quit events notify only.
type Dispatcher struct {
	clock    clock.Clock
	notifier Notifier
	refresh  RefreshTrigger

	mu        sync.Mutex
	lastStart map[string]time.Time
	debounce  clock.Timer
}

func NewDispatcher(clk clock.Clock, notifier Notifier, refresh RefreshTrigger) *Dispatcher {
	return &Dispatcher{
		clock:     clk,
		notifier:  notifier,
		refresh:   refresh,
		lastStart: make(map[string]time.Time),
	}
}

func (d *Dispatcher) Dispatch(roomID string, ev models.RoomEvent) {
	switch ev.Type {
	case models.EventTypeStart:
		if d.startAllowed(ev.UserID) {
			d.notifier.Notify(ev)
		}
	case models.EventTypeComplete:
		if ev.Duration >= minCompleteDuration {
			d.scheduleRefresh(roomID)
		}
		d.notifier.Notify(ev)
	case models.EventTypeQuit:
		d.notifier.Notify(ev)
	}
}

// Cancel drops any pending debounced refresh; called when the owning client
// leaves the room so no timer outlives its scope.
func (d *Dispatcher) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.debounce != nil {
		d.debounce.Stop()
		d.debounce = nil
	}
}

func (d *Dispatcher) startAllowed(userID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.clock.Now()
	if last, ok := d.lastStart[userID]; ok && now.Sub(last) < startCooldown {
		return false
	}
	d.lastStart[userID] = now
	return true
}

func (d *Dispatcher) scheduleRefresh(roomID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.debounce != nil {
		d.debounce.Stop()
	}
	d.debounce = d.clock.AfterFunc(refreshDebounce, func() {
		d.refresh.Refresh(roomID)
	})
}
