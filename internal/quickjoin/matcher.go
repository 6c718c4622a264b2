package quickjoin

import (
	"context"

	"cowork-app/internal/models"
	"cowork-app/internal/presence"
	"cowork-app/internal/registry"
)

// DefaultCapacity is the occupancy ceiling a room must be under to accept a
// quick-join placement.
const DefaultCapacity = 5

// Decision is the matcher's answer: either a room to join or an instruction
// to create a new public one.
type Decision struct {
	CreateNew bool
	Room      models.Room
}

// Matcher places a user into an under-capacity public room or instructs the
// caller to create one. Best-effort placement only: rooms are cheap and
// symmetric, so the first qualifying room in listing order wins with no
// further load balancing.
type Matcher struct {
	registry    *registry.Registry
	tracker     *presence.Tracker
	capacity    int
	defaultSlug string
}

func NewMatcher(reg *registry.Registry, tracker *presence.Tracker, capacity int, defaultSlug string) *Matcher {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Matcher{registry: reg, tracker: tracker, capacity: capacity, defaultSlug: defaultSlug}
}

// QuickJoin scans known public rooms for one with derived occupancy below
// capacity. When no ephemeral rooms exist at all, the well-known default
// room is probed first so a lone newcomer lands in the shared room. If
// nothing qualifies the decision is "create new".
func (m *Matcher) QuickJoin(ctx context.Context, userID string) (Decision, error) {
	rooms, err := m.registry.ListPublic(ctx)
	if err != nil {
		return Decision{}, err
	}
	if len(rooms) == 0 && m.defaultSlug != "" {
		d, err := m.DefaultRoom(ctx, m.defaultSlug)
		if err == nil && !d.CreateNew {
			return d, nil
		}
	}
	for _, room := range rooms {
		occupancy, err := m.tracker.RoomOccupancy(ctx, room.ID)
		if err != nil {
			return Decision{}, err
		}
		if occupancy < m.capacity {
			return Decision{Room: room}, nil
		}
	}
	return Decision{CreateNew: true}, nil
}

// DefaultRoom routes to the well-known default room when it has no live
// presence, so a lone new user lands in the shared room instead of
// fragmenting into their own empty one. If the default room is occupied the
// decision falls back to creating an ephemeral room.
func (m *Matcher) DefaultRoom(ctx context.Context, slug string) (Decision, error) {
	room, err := m.registry.FindByURL(ctx, slug)
	if err == registry.ErrRoomNotFound {
		return Decision{CreateNew: true}, nil
	}
	if err != nil {
		return Decision{}, err
	}
	occupancy, err := m.tracker.RoomOccupancy(ctx, room.ID)
	if err != nil {
		return Decision{}, err
	}
	if occupancy == 0 {
		return Decision{Room: room}, nil
	}
	return Decision{CreateNew: true}, nil
}
