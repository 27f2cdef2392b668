package policy

import (
	"encoding/json"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// DataRoomName returns the room carrying updates for entity narrowed by
// filters. Logically identical subscriptions map to the same room.
func DataRoomName(entity string, filters map[string]any) string {
	base := dataRoomPrefix + roomSeparator + entity
	if len(filters) == 0 {
		return base
	}
	// encoding/json writes map keys in sorted order.
	canonical, err := json.Marshal(filters)
	if err != nil {
		return base
	}
	return base + roomSeparator + strconv.FormatUint(xxhash.Sum64(canonical), 16)
}
