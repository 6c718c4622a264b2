package models

import "time"

type RoomType string

const (
	RoomTypePublic  RoomType = "public"
	RoomTypePrivate RoomType = "private"
)

type Room struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Name      string    `json:"name,omitempty"`
	Type      RoomType  `json:"type"`
	CreatedBy string    `json:"created_by"`
	Permanent bool      `json:"permanent,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	// Users seeds the creator into the record so a freshly created room is
	// never observed empty before the creator's session registers. Occupancy
	// is always derived from live sessions, never from this map.
	Users map[string]string `json:"users,omitempty"`
}

func (r Room) IsPublic() bool {
	return r.Type == RoomTypePublic
}

type CreateRoomRequest struct {
	Type RoomType `json:"type"`
	Name string   `json:"name,omitempty"`
}

type QuickJoinResponse struct {
	Created bool  `json:"created"`
	Room    *Room `json:"room,omitempty"`
}
