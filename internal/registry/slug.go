package registry

import (
	"fmt"
	"math/rand"
)

var slugAdjectives = []string{
	"swift", "quiet", "bright", "calm", "brave", "gentle", "keen", "bold",
	"merry", "lucid", "amber", "azure", "coral", "dusty", "early", "fuzzy",
	"golden", "humble", "ivory", "jolly", "mellow", "noble", "polar", "rustic",
	"silver", "tidal", "vivid", "wild",
}

var slugNouns = []string{
	"owl", "fox", "otter", "heron", "maple", "cedar", "river", "meadow",
	"harbor", "summit", "lantern", "compass", "ember", "breeze", "willow",
	"falcon", "badger", "tundra", "orchid", "pebble", "canyon", "drift",
	"grove", "haven", "island", "juniper", "kestrel", "lagoon",
}

// NewSlug returns an adjective-noun-number room slug, e.g. "swift-owl-42".
// Uniqueness is not enforced; the keyspace is large enough that the rare
// collision is tolerated rather than coordinated away.
func NewSlug() string {
	return fmt.Sprintf("%s-%s-%d",
		slugAdjectives[rand.Intn(len(slugAdjectives))],
		slugNouns[rand.Intn(len(slugNouns))],
		rand.Intn(100))
}
