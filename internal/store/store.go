package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned by Get when no value exists at a path.
var ErrNotFound = errors.New("store: path not found")

// Snapshot holds the immediate child records under a path, keyed by child
// name, each value the raw JSON of that record.
type Snapshot map[string]json.RawMessage

// Store is the client for the shared hierarchical key-value namespace all
// coordination state lives in. Writes fan out to subscribers with no ordering
// guarantee across paths; within one path subscribers see the latest value,
// intermediate writes may be coalesced.
//
// Disconnect hooks are armed per connection: when Disconnect fires for a
// connection id, every path registered via OnDisconnectRemove is deleted.
// Lease writes (SetLease/Renew) are the crash backstop for hooks that never
// fire: a record whose lease lapses is expired by the store or by the
// cleanup sweep.
type Store interface {
	Get(ctx context.Context, path string, dst any) error
	Set(ctx context.Context, path string, value any) error
	// SetLease writes a record that expires unless renewed within ttl.
	SetLease(ctx context.Context, path string, value any, ttl time.Duration) error
	Renew(ctx context.Context, path string, ttl time.Duration) error
	// Push writes value under a new time-ordered child key and returns it.
	Push(ctx context.Context, path string, value any) (string, error)
	// Remove deletes path and everything under it. Removing an absent path
	// is a no-op.
	Remove(ctx context.Context, path string) error
	// List returns the immediate child records under path.
	List(ctx context.Context, path string) (Snapshot, error)
	// Children returns the immediate child names under path, leaf or subtree.
	Children(ctx context.Context, path string) ([]string, error)
	// Subscribe invokes fn with the current snapshot of path, then again on
	// every change at or under path. The returned cancel releases the
	// subscription; callers must invoke it on teardown.
	Subscribe(path string, fn func(Snapshot)) (cancel func())
	// OnDisconnectRemove arms removal of path when connID disconnects. The
	// returned cancel disarms the hook (used on graceful leave).
	OnDisconnectRemove(connID, path string) (cancel func())
	Disconnect(connID string)
	Close() error
}

// Top-level namespaces. The names mirror the backend schema and matter for
// interop with existing clients.
const (
	PathInstances     = "Instances"
	PathPublicRooms   = "PublicRooms"
	PathPrivateRooms  = "PrivateRooms"
	PathPresence      = "Presence"
	PathRoomIndex     = "RoomIndex"
	PathGlobalEffects = "GlobalEffects"
	PathTabCounts     = "tabCounts"
	SegmentSessions   = "sessions"
	SegmentEvents     = "events"
	SegmentFlyingMsgs = "flyingMessages"
)

// JoinPath joins path segments with the store separator.
func JoinPath(parts ...string) string {
	return strings.Join(parts, "/")
}

// SessionPath is Presence/{userId}/sessions/{sessionId}.
func SessionPath(userID, sessionID string) string {
	return JoinPath(PathPresence, userID, SegmentSessions, sessionID)
}

// UserSessionsPath is Presence/{userId}/sessions.
func UserSessionsPath(userID string) string {
	return JoinPath(PathPresence, userID, SegmentSessions)
}

// IndexPath is RoomIndex/{roomId}/{userId}.
func IndexPath(roomID, userID string) string {
	return JoinPath(PathRoomIndex, roomID, userID)
}

// RoomIndexPath is RoomIndex/{roomId}.
func RoomIndexPath(roomID string) string {
	return JoinPath(PathRoomIndex, roomID)
}

// EventsPath is GlobalEffects/{roomId}/events.
func EventsPath(roomID string) string {
	return JoinPath(PathGlobalEffects, roomID, SegmentEvents)
}

// FlyingMessagesPath is GlobalEffects/{roomId}/flyingMessages.
func FlyingMessagesPath(roomID string) string {
	return JoinPath(PathGlobalEffects, roomID, SegmentFlyingMsgs)
}

// TabCountPath is tabCounts/{userId}.
func TabCountPath(userID string) string {
	return JoinPath(PathTabCounts, userID)
}
