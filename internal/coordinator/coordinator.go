package coordinator

import (
	"context"
	"errors"
	"sync"

	"cowork-app/internal/models"
	"cowork-app/internal/presence"
	"cowork-app/internal/registry"
	"cowork-app/pkg/logger"
)

var (
	// ErrNotReady means create/join was attempted before the user identity
	// resolved. Callers gate on readiness and treat this as a no-op, never a
	// user-facing error.
	ErrNotReady = errors.New("coordinator: user identity not resolved")
	// ErrNoRoom means leave was called with no current room.
	ErrNoRoom = errors.New("coordinator: not in a room")
	// ErrAlreadyJoined guards against double-join on one connection; room
	// switches are leave-then-join, never an atomic move.
	ErrAlreadyJoined = errors.New("coordinator: already in a room")
)

type State int

const (
	StateUnjoined State = iota
	StateResolving
	StateJoined
	StateLeaving
)

func (s State) String() string {
	switch s {
	case StateUnjoined:
		return "unjoined"
	case StateResolving:
		return "resolving"
	case StateJoined:
		return "joined"
	case StateLeaving:
		return "leaving"
	default:
		return "unknown"
	}
}

// Identity is the readiness signal for "user identity resolved". Until it
// reports ok, create and join are no-ops.
type Identity interface {
	Current() (models.User, bool)
}

// Coordinator owns one client connection's "current room" state machine and
// orchestrates create/join/resolve/leave against the registry and the
// presence tracker. Room-scoped subscriptions registered through OnLeave are
// released when the room is left, so no listener outlives its room.
type Coordinator struct {
	registry *registry.Registry
	tracker  *presence.Tracker
	identity Identity
	connID   string

	mu        sync.Mutex
	state     State
	current   models.Room
	sessionID string
	onLeave   []func()

	roomsMu   sync.Mutex
	roomCache map[string]models.Room
	cancelSub func()
}

func New(reg *registry.Registry, tracker *presence.Tracker, identity Identity, connID string) *Coordinator {
	c := &Coordinator{
		registry:  reg,
		tracker:   tracker,
		identity:  identity,
		connID:    connID,
		roomCache: make(map[string]models.Room),
	}
	c.cancelSub = reg.SubscribeRoomList(func(rooms []models.Room) {
		c.roomsMu.Lock()
		c.roomCache = make(map[string]models.Room, len(rooms))
		for _, room := range rooms {
			c.roomCache[room.ID] = room
		}
		c.roomsMu.Unlock()
	})
	return c
}

// State reports the current machine state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Current returns the joined room, if any.
func (c *Coordinator) Current() (models.Room, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current, c.state == StateJoined
}

// SessionID returns the live session handle for this connection.
func (c *Coordinator) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Create makes a new room with the caller as creator and first occupant,
// then joins it. A no-op before identity resolution.
func (c *Coordinator) Create(ctx context.Context, typ models.RoomType) (models.Room, error) {
	user, ok := c.identity.Current()
	if !ok {
		return models.Room{}, ErrNotReady
	}
	c.mu.Lock()
	if c.state != StateUnjoined {
		c.mu.Unlock()
		return models.Room{}, ErrAlreadyJoined
	}
	c.state = StateResolving
	c.mu.Unlock()

	room, err := c.registry.Create(ctx, typ, user)
	if err != nil {
		c.reset()
		return models.Room{}, err
	}
	if err := c.register(ctx, user, room); err != nil {
		c.reset()
		return models.Room{}, err
	}
	return room, nil
}

// Join registers a session in an existing room, found in the room-list
// cache or, failing that, through a direct registry lookup.
// Joining merges the user into the occupant view idempotently: occupancy is
// derived from sessions, so a second tab adds a session, not a user.
func (c *Coordinator) Join(ctx context.Context, roomID string) (models.Room, error) {
	user, ok := c.identity.Current()
	if !ok {
		return models.Room{}, ErrNotReady
	}
	c.mu.Lock()
	if c.state != StateUnjoined {
		c.mu.Unlock()
		return models.Room{}, ErrAlreadyJoined
	}
	c.state = StateResolving
	c.mu.Unlock()

	room, cached := c.cachedRoom(roomID)
	if !cached {
		var err error
		room, err = c.registry.Lookup(ctx, roomID)
		if err != nil {
			c.reset()
			return models.Room{}, err
		}
	}
	if err := c.register(ctx, user, room); err != nil {
		c.reset()
		return models.Room{}, err
	}
	return room, nil
}

// Resolve is the entry point for direct navigation to a room URL. It probes
// the already-current room, then the public, private, and permanent
// registries; the first match initializes presence and becomes current.
// ErrRoomNotFound is terminal; the UI redirects to the lobby.
func (c *Coordinator) Resolve(ctx context.Context, slug string) (models.Room, error) {
	user, ok := c.identity.Current()
	if !ok {
		return models.Room{}, ErrNotReady
	}
	c.mu.Lock()
	if c.state == StateJoined && c.current.URL == slug {
		room := c.current
		c.mu.Unlock()
		return room, nil
	}
	if c.state != StateUnjoined {
		c.mu.Unlock()
		return models.Room{}, ErrAlreadyJoined
	}
	c.state = StateResolving
	c.mu.Unlock()

	room, err := c.registry.FindByURL(ctx, slug)
	if err != nil {
		c.reset()
		return models.Room{}, err
	}
	if err := c.register(ctx, user, room); err != nil {
		c.reset()
		return models.Room{}, err
	}
	return room, nil
}

// OnLeave registers a cancel to run when the current room is left: presence
// listeners, event subscriptions, pending debounce timers. No-ops unless
// joined.
func (c *Coordinator) OnLeave(cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateJoined {
		cancel()
		return
	}
	c.onLeave = append(c.onLeave, cancel)
}

// Leave removes this connection's session, then re-reads occupancy after the
// removal is acknowledged and deletes the room if it is public and empty.
// Two concurrent last-leavers both deleting converges because delete is
// idempotent; a joiner racing the delete is narrowed (not eliminated) by the
// recheck happening after our own removal.
func (c *Coordinator) Leave(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateJoined {
		c.mu.Unlock()
		return ErrNoRoom
	}
	c.state = StateLeaving
	room := c.current
	sessionID := c.sessionID
	cancels := c.onLeave
	c.onLeave = nil
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	if err := c.tracker.Cleanup(ctx, sessionID); err != nil {
		logger.Error("session cleanup for %s: %v", sessionID, err)
	}
	if room.IsPublic() && !room.Permanent {
		if err := c.deleteIfEmpty(ctx, room.ID); err != nil {
			logger.Error("empty-room check for %s: %v", room.ID, err)
		}
	}
	c.mu.Lock()
	c.state = StateUnjoined
	c.current = models.Room{}
	c.sessionID = ""
	c.mu.Unlock()
	return nil
}

// HandleDisconnect is the best-effort unload path for a dropped connection.
// The store's disconnect hook remains the authoritative cleanup; this just
// runs the same bookkeeping when the server notices first.
func (c *Coordinator) HandleDisconnect(ctx context.Context) {
	if err := c.Leave(ctx); err != nil && !errors.Is(err, ErrNoRoom) {
		logger.Debug("disconnect leave: %v", err)
	}
}

// Close releases the coordinator's room-list subscription.
func (c *Coordinator) Close() {
	if c.cancelSub != nil {
		c.cancelSub()
	}
}

func (c *Coordinator) register(ctx context.Context, user models.User, room models.Room) error {
	sessionID, err := c.tracker.Initialize(ctx, c.connID, user, room.ID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.state = StateJoined
	c.current = room
	c.sessionID = sessionID
	c.mu.Unlock()
	logger.Info("user %s joined room %s (session %s)", user.ID, room.ID, sessionID)
	return nil
}

// deleteIfEmpty re-reads occupancy immediately before deleting rather than
// trusting any cached view. A room surviving one sweep cycle too long is
// tolerable; deleting a room with a real occupant is not.
func (c *Coordinator) deleteIfEmpty(ctx context.Context, roomID string) error {
	occupancy, err := c.tracker.RoomOccupancy(ctx, roomID)
	if err != nil {
		return err
	}
	if occupancy > 0 {
		return nil
	}
	if err := c.registry.Delete(ctx, roomID); err != nil {
		return err
	}
	logger.Info("deleted empty public room %s", roomID)
	return nil
}

func (c *Coordinator) reset() {
	c.mu.Lock()
	c.state = StateUnjoined
	c.mu.Unlock()
}

func (c *Coordinator) cachedRoom(roomID string) (models.Room, bool) {
	c.roomsMu.Lock()
	defer c.roomsMu.Unlock()
	room, ok := c.roomCache[roomID]
	return room, ok
}
