package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"cowork-app/internal/effects"
	"cowork-app/internal/models"
	"cowork-app/internal/presence"
	"cowork-app/pkg/logger"
)

// Hub fans one room's server-side view out to every connected tab: presence
// changes, domain events, and flying messages, each arriving through its own
// store subscription and leaving as a typed frame.
type Hub struct {
	roomID     string
	clients    map[*Client]bool
	Broadcast  chan []byte
	Register   chan *Client
	Unregister chan *Client
	shutdown   chan bool
	cancels    []func()
}

func NewHub(roomID string, tracker *presence.Tracker, bus *effects.Bus) *Hub {
	h := &Hub{
		roomID:     roomID,
		clients:    make(map[*Client]bool),
		Broadcast:  make(chan []byte, 64),
		Register:   make(chan *Client, 8),
		Unregister: make(chan *Client, 8),
		shutdown:   make(chan bool),
	}
	h.cancels = append(h.cancels,
		tracker.ListenToRoomPresence(roomID, func(entries []models.IndexEntry) {
			h.send(models.Frame{
				Type:      models.FrameTypePresence,
				RoomID:    roomID,
				Presence:  entries,
				UserCount: len(entries),
				Timestamp: time.Now().Format(time.RFC3339),
			})
		}),
		bus.Subscribe(roomID, func(ev models.RoomEvent) {
			h.send(models.Frame{Type: models.FrameTypeEvent, RoomID: roomID, Event: &ev})
		}),
		bus.SubscribeFlyingMessages(roomID, func(ev models.RoomEvent) {
			h.send(models.Frame{Type: models.FrameTypeEvent, RoomID: roomID, Event: &ev})
		}),
	)
	return h
}

func (h *Hub) Run() {
	for {
		select {
		case <-h.shutdown:
			for _, cancel := range h.cancels {
				cancel()
			}
			h.clients = make(map[*Client]bool)
			return

		case client := <-h.Register:
			h.clients[client] = true
			logger.Info("connection %s attached to room %s", client.connID, h.roomID)

		case client := <-h.Unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				logger.Info("connection %s detached from room %s", client.connID, h.roomID)
			}

		case message := <-h.Broadcast:
			h.broadcastToAll(message)
		}
	}
}

func (h *Hub) broadcastToAll(message []byte) {
	for client := range h.clients {
		select {
		case client.send <- message:
		default:
			// Slow consumer: drop it from the room; its own read pump owns
			// the connection teardown.
			delete(h.clients, client)
		}
	}
}

func (h *Hub) send(frame models.Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		logger.Error("Error marshaling %s frame: %v", frame.Type, err)
		return
	}
	select {
	case h.Broadcast <- data:
	default:
		logger.Warn("broadcast backlog in room %s, frame dropped", h.roomID)
	}
}

func (h *Hub) ClientCount() int {
	return len(h.clients)
}

func (h *Hub) ShutdownHub() {
	select {
	case h.shutdown <- true:
	default:
	}
}

// Manager owns the hub-per-room map and tears down hubs no tab is attached
// to anymore.
type Manager struct {
	hubs    map[string]*Hub
	mutex   sync.Mutex
	tracker *presence.Tracker
	bus     *effects.Bus
}

func NewManager(tracker *presence.Tracker, bus *effects.Bus) *Manager {
	manager := &Manager{
		hubs:    make(map[string]*Hub),
		tracker: tracker,
		bus:     bus,
	}

	go manager.cleanupUnusedHubs()
	return manager
}

func (m *Manager) GetHubForRoom(roomID string) *Hub {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	hub, exists := m.hubs[roomID]
	if !exists {
		hub = NewHub(roomID, m.tracker, m.bus)
		m.hubs[roomID] = hub
		go hub.Run()
	}
	return hub
}

func (m *Manager) cleanupUnusedHubs() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		m.mutex.Lock()
		for roomID, hub := range m.hubs {
			if hub.ClientCount() == 0 {
				hub.ShutdownHub()
				delete(m.hubs, roomID)
				logger.Debug("Cleaned up unused hub for room %s", roomID)
			}
		}
		m.mutex.Unlock()
	}
}
