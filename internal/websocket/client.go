package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"

	"cowork-app/internal/coordinator"
	"cowork-app/internal/effects"
	"cowork-app/internal/models"
	"cowork-app/internal/presence"
	"cowork-app/internal/quickjoin"
	"cowork-app/internal/registry"
	"cowork-app/internal/store"
	"cowork-app/pkg/logger"
)

// Client is one browser tab: one websocket connection, one potential session,
// one coordinator state machine. The connection dropping is what fires the
// store's disconnect hooks for everything this tab registered.
type Client struct {
	conn    *websocket.Conn
	send    chan []byte
	connID  string
	user    models.User
	store   store.Store
	coord   *coordinator.Coordinator
	tracker *presence.Tracker
	bus     *effects.Bus
	matcher *quickjoin.Matcher
	manager *Manager
	hub     *Hub

	cancelRoomList func()
}

func NewClient(
	conn *websocket.Conn,
	connID string,
	user models.User,
	st store.Store,
	coord *coordinator.Coordinator,
	tracker *presence.Tracker,
	bus *effects.Bus,
	matcher *quickjoin.Matcher,
	reg *registry.Registry,
	manager *Manager,
) *Client {
	c := &Client{
		conn:    conn,
		send:    make(chan []byte, 256),
		connID:  connID,
		user:    user,
		store:   st,
		coord:   coord,
		tracker: tracker,
		bus:     bus,
		matcher: matcher,
		manager: manager,
	}
	c.cancelRoomList = reg.SubscribeRoomList(func(rooms []models.Room) {
		refs := make([]*models.Room, len(rooms))
		for i := range rooms {
			refs[i] = &rooms[i]
		}
		c.sendFrame(models.Frame{Type: models.FrameTypeRoomList, Rooms: refs})
	})
	return c
}

func (c *Client) ReadPump() {
	defer func() {
		c.cancelRoomList()
		// Connection gone: fire the armed disconnect hooks first (the
		// authoritative cleanup), then run the coordinator's best-effort
		// leave for the room-level bookkeeping hooks can't do.
		c.store.Disconnect(c.connID)
		c.coord.HandleDisconnect(context.Background())
		c.coord.Close()
		c.detachHub()
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Error("WebSocket error: %v", err)
			}
			break
		}

		var frame models.Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.sendError("malformed frame")
			continue
		}
		c.handleFrame(context.Background(), frame)
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				logger.Error("Write error: %v", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleFrame(ctx context.Context, frame models.Frame) {
	switch frame.Type {
	case models.FrameTypeCreate:
		typ := frame.RoomType
		if typ == "" {
			typ = models.RoomTypePublic
		}
		room, err := c.coord.Create(ctx, typ)
		c.finishJoin(room, err)

	case models.FrameTypeJoin:
		room, err := c.coord.Join(ctx, frame.RoomID)
		c.finishJoin(room, err)

	case models.FrameTypeResolve:
		room, err := c.coord.Resolve(ctx, frame.Slug)
		c.finishJoin(room, err)

	case models.FrameTypeQuickJoin:
		c.quickJoin(ctx)

	case models.FrameTypeLeave:
		if err := c.coord.Leave(ctx); err != nil && !errors.Is(err, coordinator.ErrNoRoom) {
			logger.Error("leave: %v", err)
		}
		c.detachHub()
		c.sendFrame(models.Frame{Type: models.FrameTypeLeft})

	case models.FrameTypeSetActive:
		if err := c.tracker.SetActive(ctx, c.coord.SessionID(), frame.Active); err != nil {
			logger.Debug("set active: %v", err)
		}

	case models.FrameTypeHeartbeat:
		if err := c.tracker.Heartbeat(ctx, c.coord.SessionID()); err != nil {
			logger.Debug("heartbeat: %v", err)
		}

	case models.FrameTypePublish:
		c.publish(ctx, frame)

	default:
		c.sendError("unknown frame type")
	}
}

func (c *Client) quickJoin(ctx context.Context) {
	decision, err := c.matcher.QuickJoin(ctx, c.user.ID)
	if err != nil {
		// Quick-join failures fall back to room creation rather than
		// surfacing an error.
		logger.Error("quick join scan: %v", err)
		decision = quickjoin.Decision{CreateNew: true}
	}
	if decision.CreateNew {
		room, err := c.coord.Create(ctx, models.RoomTypePublic)
		c.finishJoin(room, err)
		return
	}
	room, err := c.coord.Join(ctx, decision.Room.ID)
	if err != nil {
		// The chosen room may have vanished between scan and join.
		room, err = c.coord.Create(ctx, models.RoomTypePublic)
	}
	c.finishJoin(room, err)
}

func (c *Client) publish(ctx context.Context, frame models.Frame) {
	room, ok := c.coord.Current()
	if !ok || frame.Event == nil {
		return
	}
	ev := *frame.Event
	ev.UserID = c.user.ID
	ev.DisplayName = c.user.DisplayName
	var err error
	if ev.Type == models.EventTypeMessage {
		_, err = c.bus.PublishFlyingMessage(ctx, room.ID, ev)
	} else {
		_, err = c.bus.Publish(ctx, room.ID, ev)
	}
	if err != nil {
		logger.Error("publish %s event: %v", ev.Type, err)
	}
}

func (c *Client) finishJoin(room models.Room, err error) {
	switch {
	case err == nil:
		c.attachHub(room.ID)
		c.sendFrame(models.Frame{Type: models.FrameTypeJoined, Room: &room})
	case errors.Is(err, coordinator.ErrNotReady):
		// Caller raced identity resolution; deliberately silent.
	case errors.Is(err, registry.ErrRoomNotFound):
		c.sendError("room not found")
	case errors.Is(err, coordinator.ErrAlreadyJoined):
		c.sendError("already in a room")
	default:
		logger.Error("join failed: %v", err)
		c.sendError("could not join room")
	}
}

func (c *Client) attachHub(roomID string) {
	c.detachHub()
	hub := c.manager.GetHubForRoom(roomID)
	hub.Register <- c
	c.hub = hub
}

func (c *Client) detachHub() {
	if c.hub != nil {
		c.hub.Unregister <- c
		c.hub = nil
	}
}

func (c *Client) sendFrame(frame models.Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		logger.Error("Error marshaling %s frame: %v", frame.Type, err)
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *Client) sendError(msg string) {
	c.sendFrame(models.Frame{Type: models.FrameTypeError, Error: msg})
}
