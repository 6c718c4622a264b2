package models

type FrameType string

// Client -> server commands.
const (
	FrameTypeCreate    FrameType = "create"
	FrameTypeJoin      FrameType = "join"
	FrameTypeResolve   FrameType = "resolve"
	FrameTypeQuickJoin FrameType = "quick_join"
	FrameTypeLeave     FrameType = "leave"
	FrameTypeSetActive FrameType = "set_active"
	FrameTypeHeartbeat FrameType = "heartbeat"
	FrameTypePublish   FrameType = "publish"
)

// Server -> client notifications.
const (
	FrameTypeRoomList FrameType = "room_list"
	FrameTypePresence FrameType = "presence"
	FrameTypeEvent    FrameType = "event"
	FrameTypeJoined   FrameType = "joined"
	FrameTypeLeft     FrameType = "left"
	FrameTypeError    FrameType = "error"
)

type Frame struct {
	Type      FrameType    `json:"type"`
	RoomID    string       `json:"room_id,omitempty"`
	RoomType  RoomType     `json:"room_type,omitempty"`
	Slug      string       `json:"slug,omitempty"`
	Active    bool         `json:"active,omitempty"`
	Room      *Room        `json:"room,omitempty"`
	Rooms     []*Room      `json:"rooms,omitempty"`
	Presence  []IndexEntry `json:"presence,omitempty"`
	Event     *RoomEvent   `json:"event,omitempty"`
	UserCount int          `json:"user_count,omitempty"`
	Error     string       `json:"error,omitempty"`
	Timestamp string       `json:"timestamp,omitempty"`
}
