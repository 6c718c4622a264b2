package cleanup

import (
	"context"
	"encoding/json"
	"time"

	"cowork-app/internal/clock"
	"cowork-app/internal/models"
	"cowork-app/internal/registry"
	"cowork-app/internal/store"
	"cowork-app/pkg/logger"
)

// DefaultInterval is the sweep period. One interval bounds how long an
// orphaned empty public room can survive.
const DefaultInterval = 60 * time.Second

// Sweeper is the belt-and-suspenders backstop for cleanups that disconnect
// hooks failed to run: it expires lapsed sessions, corrects stale index
// projections, and deletes empty public rooms that no client was around to
// delete.
type Sweeper struct {
	store      store.Store
	registry   *registry.Registry
	clock      clock.Clock
	interval   time.Duration
	sessionTTL time.Duration
}

func NewSweeper(st store.Store, reg *registry.Registry, clk clock.Clock, interval, sessionTTL time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sweeper{store: st, registry: reg, clock: clk, interval: interval, sessionTTL: sessionTTL}
}

// Run sweeps on a fixed interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass. Each step re-reads current state rather than trusting
// anything derived earlier in the pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	s.expireSessions(ctx)
	s.correctIndexes(ctx)
	s.correctTabCounts(ctx)
	s.deleteOrphanedRooms(ctx)
	s.pruneInstances(ctx)
}

// expireSessions removes session records whose heartbeat lapsed past the
// TTL. The store's own lease expiry usually gets there first; this catches
// leases lost to a registration race.
func (s *Sweeper) expireSessions(ctx context.Context) {
	users, err := s.store.Children(ctx, store.PathPresence)
	if err != nil {
		logger.Error("sweep: list presence: %v", err)
		return
	}
	cutoff := s.clock.Now().Add(-s.sessionTTL)
	for _, userID := range users {
		snap, err := s.store.List(ctx, store.UserSessionsPath(userID))
		if err != nil {
			continue
		}
		for sessionID, raw := range snap {
			var sess models.Session
			if err := json.Unmarshal(raw, &sess); err != nil {
				continue
			}
			if sess.LastHeartbeat.Before(cutoff) {
				if err := s.store.Remove(ctx, store.SessionPath(userID, sessionID)); err == nil {
					logger.Info("sweep: expired session %s of user %s", sessionID, userID)
				}
			}
		}
	}
}

// correctIndexes drops RoomIndex entries whose user no longer has a live
// session in the room. The index is a projection, never the source of truth,
// so a blind rebuild from sessions is always safe.
func (s *Sweeper) correctIndexes(ctx context.Context) {
	rooms, err := s.store.Children(ctx, store.PathRoomIndex)
	if err != nil {
		logger.Error("sweep: list room index: %v", err)
		return
	}
	for _, roomID := range rooms {
		users, err := s.store.Children(ctx, store.RoomIndexPath(roomID))
		if err != nil {
			continue
		}
		for _, userID := range users {
			live, err := s.userLiveInRoom(ctx, userID, roomID)
			if err != nil || live {
				continue
			}
			if err := s.store.Remove(ctx, store.IndexPath(roomID, userID)); err == nil {
				logger.Debug("sweep: dropped stale index entry %s/%s", roomID, userID)
			}
		}
	}
}

// correctTabCounts reconciles the per-user tab counters against the live
// session set. Only the in-process cleanup path decrements the counter, so a
// session that died by lease expiry leaves it inflated until this pass.
func (s *Sweeper) correctTabCounts(ctx context.Context) {
	users, err := s.store.Children(ctx, store.PathTabCounts)
	if err != nil {
		logger.Error("sweep: list tab counts: %v", err)
		return
	}
	for _, userID := range users {
		snap, err := s.store.List(ctx, store.UserSessionsPath(userID))
		if err != nil {
			continue
		}
		live := len(snap)
		if live == 0 {
			if err := s.store.Remove(ctx, store.TabCountPath(userID)); err == nil {
				logger.Debug("sweep: cleared tab count for %s", userID)
			}
			if err := s.store.Remove(ctx, store.JoinPath(store.PathPresence, userID)); err != nil {
				logger.Error("sweep: presence cleanup for %s: %v", userID, err)
			}
			continue
		}
		var count int
		if err := s.store.Get(ctx, store.TabCountPath(userID), &count); err != nil || count == live {
			continue
		}
		if err := s.store.Set(ctx, store.TabCountPath(userID), live); err == nil {
			logger.Debug("sweep: corrected tab count for %s (%d -> %d)", userID, count, live)
		}
	}
}

// deleteOrphanedRooms removes public rooms with zero derived occupancy.
// Occupancy is re-read from the session set immediately before each delete.
func (s *Sweeper) deleteOrphanedRooms(ctx context.Context) {
	rooms, err := s.registry.ListPublic(ctx)
	if err != nil {
		logger.Error("sweep: list public rooms: %v", err)
		return
	}
	grace := s.clock.Now().Add(-s.interval)
	for _, room := range rooms {
		if room.Permanent {
			continue
		}
		// A just-created room gets one interval for its creator's session to
		// land before it is eligible.
		if room.CreatedAt.After(grace) {
			continue
		}
		occupied, err := s.roomOccupied(ctx, room.ID)
		if err != nil || occupied {
			continue
		}
		if err := s.registry.Delete(ctx, room.ID); err != nil {
			logger.Error("sweep: delete room %s: %v", room.ID, err)
			continue
		}
		logger.Info("sweep: deleted orphaned room %s (%s)", room.ID, room.URL)
	}
}

// pruneInstances drops legacy Instances records whose room record is gone.
func (s *Sweeper) pruneInstances(ctx context.Context) {
	ids, err := s.store.Children(ctx, store.PathInstances)
	if err != nil {
		return
	}
	for _, roomID := range ids {
		var room models.Room
		err := s.store.Get(ctx, store.JoinPath(store.PathPublicRooms, roomID), &room)
		if err == nil {
			continue
		}
		err = s.store.Get(ctx, store.JoinPath(store.PathPrivateRooms, roomID), &room)
		if err == nil {
			continue
		}
		if err := s.store.Remove(ctx, store.JoinPath(store.PathInstances, roomID)); err == nil {
			logger.Debug("sweep: pruned orphan instance record %s", roomID)
		}
	}
}

// roomOccupied enumerates candidates from the session tree rather than the
// index projection, so a session whose index write failed still protects
// its room.
func (s *Sweeper) roomOccupied(ctx context.Context, roomID string) (bool, error) {
	users, err := s.store.Children(ctx, store.PathPresence)
	if err != nil {
		return false, err
	}
	for _, userID := range users {
		live, err := s.userLiveInRoom(ctx, userID, roomID)
		if err != nil {
			return false, err
		}
		if live {
			return true, nil
		}
	}
	return false, nil
}

func (s *Sweeper) userLiveInRoom(ctx context.Context, userID, roomID string) (bool, error) {
	snap, err := s.store.List(ctx, store.UserSessionsPath(userID))
	if err != nil {
		return false, err
	}
	for _, raw := range snap {
		var sess models.Session
		if err := json.Unmarshal(raw, &sess); err != nil {
			continue
		}
		if sess.RoomID == roomID {
			return true, nil
		}
	}
	return false, nil
}
