package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"cowork-app/internal/clock"
	"cowork-app/internal/models"
	"cowork-app/internal/store"
	"cowork-app/pkg/logger"
)

// ErrRoomNotFound is the terminal negative result of a lookup. It is not an
// exception: callers surface it as "room not found" and redirect, no retry.
var ErrRoomNotFound = errors.New("registry: room not found")

// PermanentLookup resolves slugs against the durable always-available room
// registry. It is the last probe of FindByURL; a nil lookup skips the probe.
type PermanentLookup interface {
	FindBySlug(ctx context.Context, slug string) (models.Room, error)
}

// Registry creates, looks up, and deletes room records in the store. Every
// write is visible to room-list subscribers within the store's propagation
// latency, with no ordering relative to other paths.
type Registry struct {
	store     store.Store
	clock     clock.Clock
	permanent PermanentLookup
}

func New(st store.Store, clk clock.Clock, permanent PermanentLookup) *Registry {
	return &Registry{store: st, clock: clk, permanent: permanent}
}

// Create writes a new room record with the creator seeded as first occupant,
// closing the race where the room is observed empty before the creator's
// session registers. Public rooms get a generated slug; private rooms are
// addressed by id.
func (r *Registry) Create(ctx context.Context, typ models.RoomType, creator models.User) (models.Room, error) {
	if typ != models.RoomTypePublic && typ != models.RoomTypePrivate {
		return models.Room{}, fmt.Errorf("registry: unknown room type %q", typ)
	}
	room := models.Room{
		ID:        uuid.NewString(),
		Type:      typ,
		CreatedBy: creator.ID,
		CreatedAt: r.clock.Now(),
		Users:     map[string]string{creator.ID: creator.DisplayName},
	}
	if typ == models.RoomTypePublic {
		room.URL = NewSlug()
	} else {
		room.URL = room.ID
	}
	if err := r.store.Set(ctx, store.JoinPath(r.typePath(typ), room.ID), room); err != nil {
		return models.Room{}, err
	}
	// Legacy record kept in sync for clients still reading Instances.
	if err := r.store.Set(ctx, store.JoinPath(store.PathInstances, room.ID), room); err != nil {
		logger.Warn("instances record for room %s not written: %v", room.ID, err)
	}
	logger.Info("created %s room %s (%s)", typ, room.ID, room.URL)
	return room, nil
}

// Lookup fetches a room record by id, checking public then private records.
func (r *Registry) Lookup(ctx context.Context, roomID string) (models.Room, error) {
	var room models.Room
	for _, base := range []string{store.PathPublicRooms, store.PathPrivateRooms, store.PathInstances} {
		err := r.store.Get(ctx, store.JoinPath(base, roomID), &room)
		if err == nil {
			return room, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return models.Room{}, err
		}
	}
	return models.Room{}, ErrRoomNotFound
}

// FindByURL resolves a slug against the public, then private, then permanent
// registries. First match wins.
func (r *Registry) FindByURL(ctx context.Context, slug string) (models.Room, error) {
	if slug == "" {
		return models.Room{}, ErrRoomNotFound
	}
	for _, base := range []string{store.PathPublicRooms, store.PathPrivateRooms} {
		snap, err := r.store.List(ctx, base)
		if err != nil {
			return models.Room{}, err
		}
		if room, ok := matchSlug(snap, slug); ok {
			return room, nil
		}
	}
	if r.permanent != nil {
		room, err := r.permanent.FindBySlug(ctx, slug)
		if err == nil {
			room.Permanent = true
			return room, nil
		}
		if !errors.Is(err, ErrRoomNotFound) {
			return models.Room{}, err
		}
	}
	return models.Room{}, ErrRoomNotFound
}

// Delete removes a public room record. Deleting an already-deleted room is a
// no-op, which is what makes the concurrent last-leaver race converge.
// Private rooms persist regardless of occupancy and are never deleted here.
func (r *Registry) Delete(ctx context.Context, roomID string) error {
	if err := r.store.Remove(ctx, store.JoinPath(store.PathPublicRooms, roomID)); err != nil {
		return err
	}
	if err := r.store.Remove(ctx, store.JoinPath(store.PathInstances, roomID)); err != nil {
		return err
	}
	return r.store.Remove(ctx, store.JoinPath(store.PathGlobalEffects, roomID))
}

// ListPublic returns public rooms in stable listing order (oldest first).
func (r *Registry) ListPublic(ctx context.Context) ([]models.Room, error) {
	snap, err := r.store.List(ctx, store.PathPublicRooms)
	if err != nil {
		return nil, err
	}
	return decodeRooms(snap), nil
}

// SubscribeRoomList invokes fn with the current public room list and again on
// every change. The cancel must be called on teardown.
func (r *Registry) SubscribeRoomList(fn func([]models.Room)) (cancel func()) {
	return r.store.Subscribe(store.PathPublicRooms, func(snap store.Snapshot) {
		fn(decodeRooms(snap))
	})
}

func (r *Registry) typePath(typ models.RoomType) string {
	if typ == models.RoomTypePrivate {
		return store.PathPrivateRooms
	}
	return store.PathPublicRooms
}

func matchSlug(snap store.Snapshot, slug string) (models.Room, bool) {
	for _, raw := range snap {
		var room models.Room
		if err := json.Unmarshal(raw, &room); err != nil {
			continue
		}
		if room.URL == slug {
			return room, true
		}
	}
	return models.Room{}, false
}

func decodeRooms(snap store.Snapshot) []models.Room {
	rooms := make([]models.Room, 0, len(snap))
	for _, raw := range snap {
		var room models.Room
		if err := json.Unmarshal(raw, &room); err != nil {
			logger.Error("bad room record skipped: %v", err)
			continue
		}
		rooms = append(rooms, room)
	}
	sort.Slice(rooms, func(i, j int) bool {
		if !rooms[i].CreatedAt.Equal(rooms[j].CreatedAt) {
			return rooms[i].CreatedAt.Before(rooms[j].CreatedAt)
		}
		return rooms[i].ID < rooms[j].ID
	})
	return rooms
}
