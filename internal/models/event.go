package models

import "time"

type EventType string

const (
	EventTypeStart    EventType = "start"
	EventTypeComplete EventType = "complete"
	EventTypeQuit     EventType = "quit"
	EventTypeMessage  EventType = "message"
)

// RoomEvent is an ephemeral, timestamped record scoped to a room. Written
// once, read by current subscribers, filtered out after a short TTL.
type RoomEvent struct {
	ID          string        `json:"id,omitempty"`
	Type        EventType     `json:"type"`
	UserID      string        `json:"user_id"`
	DisplayName string        `json:"display_name,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
	Duration    time.Duration `json:"duration,omitempty"`
	Text        string        `json:"text,omitempty"`
}
