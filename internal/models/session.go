package models

import "time"

// Session is one browser tab's membership in one room. A user may hold many
// sessions (multi-tab) and a room sees many sessions; no two tabs ever share
// a record.
type Session struct {
	SessionID     string    `json:"session_id"`
	UserID        string    `json:"user_id"`
	RoomID        string    `json:"room_id"`
	IsActive      bool      `json:"is_active"`
	CreatedAt     time.Time `json:"created_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// IndexEntry is the denormalized per-room, per-user presence projection kept
// under RoomIndex/{roomId}/{userId}. Derived data only: rebuilt from the
// session set on every change, never hand-merged.
type IndexEntry struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name,omitempty"`
	IsActive    bool      `json:"is_active"`
	UpdatedAt   time.Time `json:"updated_at"`
}
