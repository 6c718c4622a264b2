package handlers

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"cowork-app/internal/coordinator"
	"cowork-app/internal/effects"
	"cowork-app/internal/identity"
	"cowork-app/internal/presence"
	"cowork-app/internal/quickjoin"
	"cowork-app/internal/registry"
	"cowork-app/internal/store"
	ws "cowork-app/internal/websocket"
	"cowork-app/pkg/logger"
)

type WebSocketHandlers struct {
	identity *identity.Service
	store    store.Store
	registry *registry.Registry
	tracker  *presence.Tracker
	bus      *effects.Bus
	matcher  *quickjoin.Matcher
	manager  *ws.Manager
	upgrader websocket.Upgrader
}

func NewWebSocketHandlers(
	ident *identity.Service,
	st store.Store,
	reg *registry.Registry,
	tracker *presence.Tracker,
	bus *effects.Bus,
	matcher *quickjoin.Matcher,
	manager *ws.Manager,
) *WebSocketHandlers {
	return &WebSocketHandlers{
		identity: ident,
		store:    st,
		registry: reg,
		tracker:  tracker,
		bus:      bus,
		matcher:  matcher,
		manager:  manager,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true }, // Configure for production
		},
	}
}

// HandleWebSocket upgrades one tab's connection. Identity resolves before
// the first frame is read: a verified token when supplied, a guest identity
// otherwise. The connection id is what disconnect hooks hang off.
func (h *WebSocketHandlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	holder := identity.NewHolder()
	tokenStr := r.URL.Query().Get("token")
	if tokenStr != "" {
		user, err := h.identity.FromToken(tokenStr)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		holder.Set(user)
	} else {
		holder.Set(h.identity.Guest(r.URL.Query().Get("name")))
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("Upgrade error: %v", err)
		return
	}

	connID := uuid.NewString()
	coord := coordinator.New(h.registry, h.tracker, holder, connID)
	user, _ := holder.Current()

	client := ws.NewClient(conn, connID, user, h.store, coord, h.tracker, h.bus, h.matcher, h.registry, h.manager)

	go client.WritePump()
	go client.ReadPump()
}
