package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"cowork-app/internal/identity"
	"cowork-app/internal/models"
	"cowork-app/internal/presence"
	"cowork-app/internal/quickjoin"
	"cowork-app/internal/registry"
	"cowork-app/pkg/logger"
)

// PermanentLister supplies the durable always-available rooms for the lobby
// listing. Nil skips them.
type PermanentLister interface {
	ListPermanent(ctx context.Context) ([]models.Room, error)
}

// RoomHandlers serves the lobby-facing REST surface: listing, creating, and
// resolving rooms. Joining and presence run over the websocket.
type RoomHandlers struct {
	registry  *registry.Registry
	tracker   *presence.Tracker
	matcher   *quickjoin.Matcher
	identity  *identity.Service
	permanent PermanentLister
}

func NewRoomHandlers(reg *registry.Registry, tracker *presence.Tracker, matcher *quickjoin.Matcher, ident *identity.Service, permanent PermanentLister) *RoomHandlers {
	return &RoomHandlers{
		registry:  reg,
		tracker:   tracker,
		matcher:   matcher,
		identity:  ident,
		permanent: permanent,
	}
}

// ListRooms returns permanent rooms first, then the ephemeral public rooms
// in creation order.
func (h *RoomHandlers) ListRooms(w http.ResponseWriter, r *http.Request) {
	var rooms []models.Room
	if h.permanent != nil {
		perm, err := h.permanent.ListPermanent(r.Context())
		if err != nil {
			// Degraded listing beats an empty lobby.
			logger.Error("List permanent rooms error: %v", err)
		} else {
			rooms = append(rooms, perm...)
		}
	}

	ephemeral, err := h.registry.ListPublic(r.Context())
	if err != nil {
		logger.Error("List rooms error: %v", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	rooms = append(rooms, ephemeral...)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rooms)
}

func (h *RoomHandlers) CreateRoom(w http.ResponseWriter, r *http.Request) {
	user, err := h.userFromRequest(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req models.CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		req.Type = models.RoomTypePublic
	}

	room, err := h.registry.Create(r.Context(), req.Type, user)
	if err != nil {
		logger.Error("Create room error: %v", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(room)
}

// ResolveRoom answers GET /rooms/{slug}: the slug is probed against the
// public, private, and permanent registries. A miss is a terminal 404 the
// client answers with a redirect to the lobby, not a retry.
func (h *RoomHandlers) ResolveRoom(w http.ResponseWriter, r *http.Request) {
	slug := strings.TrimPrefix(r.URL.Path, "/rooms/")
	if slug == "" || strings.Contains(slug, "/") {
		http.Error(w, "invalid path", http.StatusBadRequest)
		return
	}

	room, err := h.registry.FindByURL(r.Context(), slug)
	if errors.Is(err, registry.ErrRoomNotFound) {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}
	if err != nil {
		logger.Error("Resolve room error: %v", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	entries, err := h.tracker.RoomEntries(r.Context(), room.ID)
	if err != nil {
		// Presence degradation: show the room with no worker list rather
		// than failing the resolve.
		logger.Error("Room entries error: %v", err)
		entries = nil
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"room":     room,
		"presence": entries,
		"count":    len(entries),
	})
}

// QuickJoin answers POST /quickjoin with either an under-capacity room or a
// freshly created one.
func (h *RoomHandlers) QuickJoin(w http.ResponseWriter, r *http.Request) {
	user, err := h.userFromRequest(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	decision, err := h.matcher.QuickJoin(r.Context(), user.ID)
	if err != nil {
		logger.Error("Quick join error: %v", err)
		decision = quickjoin.Decision{CreateNew: true}
	}

	resp := models.QuickJoinResponse{}
	if decision.CreateNew {
		room, err := h.registry.Create(r.Context(), models.RoomTypePublic, user)
		if err != nil {
			logger.Error("Quick join create error: %v", err)
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		resp.Created = true
		resp.Room = &room
	} else {
		resp.Room = &decision.Room
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// userFromRequest resolves the caller: a verified token when present, a
// guest identity otherwise.
func (h *RoomHandlers) userFromRequest(r *http.Request) (models.User, error) {
	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		return h.identity.Guest(r.URL.Query().Get("name")), nil
	}
	return h.identity.FromToken(tokenStr)
}
