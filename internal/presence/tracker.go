package presence

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"cowork-app/internal/clock"
	"cowork-app/internal/models"
	"cowork-app/internal/store"
	"cowork-app/pkg/logger"
)

// ErrNotInitialized means an operation referenced a session that was never
// registered, or Initialize was called with empty ids. Both are caller
// errors and are not retried.
var ErrNotInitialized = errors.New("presence: session not initialized")

// DefaultSessionTTL is the lease a session must renew to stay live.
const DefaultSessionTTL = 90 * time.Second

// Tracker registers one presence record per open tab, classifies sessions
// active or idle, and keeps the RoomIndex projection consistent with the
// session set. Every index write is a full rebuild from the user's current
// sessions; nothing is hand-merged.
type Tracker struct {
	store store.Store
	clock clock.Clock
	ttl   time.Duration

	mu       sync.Mutex
	sessions map[string]*handle
}

// handle is the in-process state for one live session: who owns it, where it
// lives, and how to disarm its disconnect hook on graceful leave.
type handle struct {
	userID      string
	displayName string
	roomID      string
	cancelHook  func()
}

func NewTracker(st store.Store, clk clock.Clock, ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Tracker{
		store:    st,
		clock:    clk,
		ttl:      ttl,
		sessions: make(map[string]*handle),
	}
}

// Initialize writes a session record for one tab, arms a disconnect hook on
// that exact path, bumps the user's tab counter, and projects the user into
// the room index. Sessions start idle; activity is driven externally through
// SetActive.
func (t *Tracker) Initialize(ctx context.Context, connID string, user models.User, roomID string) (string, error) {
	if user.ID == "" || roomID == "" {
		return "", ErrNotInitialized
	}
	sessionID := uuid.NewString()
	now := t.clock.Now()
	sess := models.Session{
		SessionID:     sessionID,
		UserID:        user.ID,
		RoomID:        roomID,
		IsActive:      false,
		CreatedAt:     now,
		LastHeartbeat: now,
	}
	path := store.SessionPath(user.ID, sessionID)
	if err := t.store.SetLease(ctx, path, sess, t.ttl); err != nil {
		return "", err
	}
	cancelHook := t.store.OnDisconnectRemove(connID, path)

	t.mu.Lock()
	t.sessions[sessionID] = &handle{
		userID:      user.ID,
		displayName: user.DisplayName,
		roomID:      roomID,
		cancelHook:  cancelHook,
	}
	t.mu.Unlock()

	t.bumpTabCount(ctx, user.ID, +1)
	if err := t.rebuildIndex(ctx, roomID, user.ID, user.DisplayName); err != nil {
		logger.Error("index rebuild for %s/%s: %v", roomID, user.ID, err)
	}
	return sessionID, nil
}

// SetActive flips the session's active flag. This is the single mutation
// path for active/idle transitions; the tracker runs no idle timer of its
// own.
func (t *Tracker) SetActive(ctx context.Context, sessionID string, active bool) error {
	h := t.lookup(sessionID)
	if h == nil {
		return ErrNotInitialized
	}
	path := store.SessionPath(h.userID, sessionID)
	var sess models.Session
	if err := t.store.Get(ctx, path, &sess); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Lease lapsed under us; the next heartbeat or rejoin reconciles.
			return nil
		}
		return err
	}
	sess.IsActive = active
	sess.LastHeartbeat = t.clock.Now()
	if err := t.store.SetLease(ctx, path, sess, t.ttl); err != nil {
		return err
	}
	return t.rebuildIndex(ctx, h.roomID, h.userID, h.displayName)
}

// Heartbeat renews the session lease.
func (t *Tracker) Heartbeat(ctx context.Context, sessionID string) error {
	h := t.lookup(sessionID)
	if h == nil {
		return ErrNotInitialized
	}
	path := store.SessionPath(h.userID, sessionID)
	var sess models.Session
	if err := t.store.Get(ctx, path, &sess); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotInitialized
		}
		return err
	}
	sess.LastHeartbeat = t.clock.Now()
	return t.store.SetLease(ctx, path, sess, t.ttl)
}

// Cleanup removes the session record, disarms its disconnect hook, and
// corrects the index and tab count. Calling it twice, or after the hook
// already fired, is not an error.
func (t *Tracker) Cleanup(ctx context.Context, sessionID string) error {
	t.mu.Lock()
	h, ok := t.sessions[sessionID]
	if ok {
		delete(t.sessions, sessionID)
	}
	t.mu.Unlock()
	if !ok {
		return nil
	}
	h.cancelHook()
	if err := t.store.Remove(ctx, store.SessionPath(h.userID, sessionID)); err != nil {
		return err
	}
	if err := t.rebuildIndex(ctx, h.roomID, h.userID, h.displayName); err != nil {
		logger.Error("index rebuild for %s/%s: %v", h.roomID, h.userID, err)
	}
	t.bumpTabCount(ctx, h.userID, -1)
	return nil
}

// ListenToRoomPresence subscribes to the room's index and invokes fn only
// for meaningful changes, deduplicated by a signature of the sorted active
// and idle user-id lists, so unrelated writes don't storm the callback.
func (t *Tracker) ListenToRoomPresence(roomID string, fn func([]models.IndexEntry)) (cancel func()) {
	var lastSig string
	return t.store.Subscribe(store.RoomIndexPath(roomID), func(snap store.Snapshot) {
		entries := decodeEntries(snap)
		sig := signature(entries)
		if sig == lastSig {
			return
		}
		lastSig = sig
		fn(entries)
	})
}

// RoomEntries returns the current index projection for a room.
func (t *Tracker) RoomEntries(ctx context.Context, roomID string) ([]models.IndexEntry, error) {
	snap, err := t.store.List(ctx, store.RoomIndexPath(roomID))
	if err != nil {
		return nil, err
	}
	return decodeEntries(snap), nil
}

// RoomOccupancy counts distinct users with at least one live session in the
// room. Candidates come from the session tree, not the index projection: a
// live session whose index write failed still counts, so a delete-if-empty
// check can never miss a real occupant.
func (t *Tracker) RoomOccupancy(ctx context.Context, roomID string) (int, error) {
	users, err := t.store.Children(ctx, store.PathPresence)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, userID := range users {
		live, err := t.userLiveInRoom(ctx, userID, roomID)
		if err != nil {
			return 0, err
		}
		if live {
			count++
		}
	}
	return count, nil
}

// UserSessions lists a user's live sessions, optionally filtered to a room
// (empty roomID returns all).
func (t *Tracker) UserSessions(ctx context.Context, userID, roomID string) ([]models.Session, error) {
	snap, err := t.store.List(ctx, store.UserSessionsPath(userID))
	if err != nil {
		return nil, err
	}
	var sessions []models.Session
	for _, raw := range snap {
		var sess models.Session
		if err := json.Unmarshal(raw, &sess); err != nil {
			continue
		}
		if roomID == "" || sess.RoomID == roomID {
			sessions = append(sessions, sess)
		}
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].CreatedAt.Before(sessions[j].CreatedAt) })
	return sessions, nil
}

// RebuildIndex recomputes one user's projection in one room from their
// session set. Exported for the cleanup sweep, which corrects projections
// left behind by sessions that expired without a coordinator present.
func (t *Tracker) RebuildIndex(ctx context.Context, roomID, userID string) error {
	return t.rebuildIndex(ctx, roomID, userID, "")
}

func (t *Tracker) rebuildIndex(ctx context.Context, roomID, userID, displayName string) error {
	sessions, err := t.UserSessions(ctx, userID, roomID)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		return t.store.Remove(ctx, store.IndexPath(roomID, userID))
	}
	active := false
	for _, sess := range sessions {
		if sess.IsActive {
			active = true
			break
		}
	}
	if displayName == "" {
		displayName = t.knownDisplayName(userID)
	}
	entry := models.IndexEntry{
		UserID:      userID,
		DisplayName: displayName,
		IsActive:    active,
		UpdatedAt:   t.clock.Now(),
	}
	return t.store.Set(ctx, store.IndexPath(roomID, userID), entry)
}

func (t *Tracker) userLiveInRoom(ctx context.Context, userID, roomID string) (bool, error) {
	sessions, err := t.UserSessions(ctx, userID, roomID)
	if err != nil {
		return false, err
	}
	return len(sessions) > 0, nil
}

// bumpTabCount tracks open tabs per user so room UI can tell one user with
// two tabs from two users. The last tab closing triggers user-level cleanup
// of the whole presence subtree.
func (t *Tracker) bumpTabCount(ctx context.Context, userID string, delta int) {
	path := store.TabCountPath(userID)
	var count int
	if err := t.store.Get(ctx, path, &count); err != nil && !errors.Is(err, store.ErrNotFound) {
		logger.Error("tab count read for %s: %v", userID, err)
		return
	}
	count += delta
	if count > 0 {
		if err := t.store.Set(ctx, path, count); err != nil {
			logger.Error("tab count write for %s: %v", userID, err)
		}
		return
	}
	if err := t.store.Remove(ctx, path); err != nil {
		logger.Error("tab count remove for %s: %v", userID, err)
	}
	if err := t.store.Remove(ctx, store.JoinPath(store.PathPresence, userID)); err != nil {
		logger.Error("presence cleanup for %s: %v", userID, err)
	}
}

// TabCount reports the user's open-tab counter.
func (t *Tracker) TabCount(ctx context.Context, userID string) (int, error) {
	var count int
	err := t.store.Get(ctx, store.TabCountPath(userID), &count)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	return count, err
}

func (t *Tracker) lookup(sessionID string) *handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessions[sessionID]
}

func (t *Tracker) knownDisplayName(userID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, h := range t.sessions {
		if h.userID == userID && h.displayName != "" {
			return h.displayName
		}
	}
	return ""
}

func decodeEntries(snap store.Snapshot) []models.IndexEntry {
	entries := make([]models.IndexEntry, 0, len(snap))
	for _, raw := range snap {
		var entry models.IndexEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].UserID < entries[j].UserID })
	return entries
}

func signature(entries []models.IndexEntry) string {
	var active, idle []string
	for _, e := range entries {
		if e.IsActive {
			active = append(active, e.UserID)
		} else {
			idle = append(idle, e.UserID)
		}
	}
	return strings.Join(active, ",") + "|" + strings.Join(idle, ",")
}
