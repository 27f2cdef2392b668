// Package presence announces online/offline transitions of users.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-realtime-service/internal/keylock"
	"github.com/tinywideclouds/go-realtime-service/internal/policy"
	"github.com/tinywideclouds/go-realtime-service/pkg/realtime"
)

// RoomBroadcaster fans an event out to a room.
type RoomBroadcaster interface {
	BroadcastRoomEvent(room, event string, data any, exceptConnID string) int
}

// OnlineChecker reports whether a user has a live connection.
type OnlineChecker interface {
	IsOnline(userID string) bool
}

// SubjectFunc maps a user to the bus subject carrying their presence.
type SubjectFunc func(userID string) string

// Broadcaster emits user:online to the presence rooms and, when a bus is
// configured, publishes the record for other instances.
type Broadcaster struct {
	rooms     RoomBroadcaster
	online    OnlineChecker
	bus       realtime.Publisher
	subjectOf SubjectFunc
	logger    zerolog.Logger
	now       func() time.Time

	users keylock.Map
	mu    sync.Mutex
	// announced holds users last announced online. Absent means offline.
	announced map[string]struct{}
}

// New creates a Broadcaster. online and bus may be nil; without online the
// status passed to Announce is taken as is.
func New(rooms RoomBroadcaster, online OnlineChecker, bus realtime.Publisher, subjectOf SubjectFunc, logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		rooms:     rooms,
		online:    online,
		bus:       bus,
		subjectOf: subjectOf,
		logger:    logger.With().Str("component", "PresenceBroadcaster").Logger(),
		now:       time.Now,
		announced: make(map[string]struct{}),
	}
}

// Announce reports a transition of userID. Callers invoke it when the
// registry reports a first or last connection. Announcements of one user are
// serialized and re-derive the status from the registry, so a stale call
// racing a newer transition is dropped instead of overwriting it.
func (b *Broadcaster) Announce(ctx context.Context, userID string, status realtime.PresenceStatus) {
	unlock := b.users.Lock(userID)
	defer unlock()

	if b.online != nil {
		status = realtime.StatusOffline
		if b.online.IsOnline(userID) {
			status = realtime.StatusOnline
		}
	}
	if !b.transition(userID, status) {
		b.logger.Debug().Str("user", userID).Str("status", string(status)).Msg("Presence unchanged. Skipping announcement.")
		return
	}

	payload := realtime.UserOnlinePayload{UserID: userID, Status: status, Timestamp: b.now().UTC()}

	sent := b.rooms.BroadcastRoomEvent(policy.PresenceLobby, realtime.EventUserOnline, payload, "")
	sent += b.rooms.BroadcastRoomEvent(policy.PresenceRoom(userID), realtime.EventUserOnline, payload, "")
	b.logger.Debug().Str("user", userID).Str("status", string(status)).Int("recipients", sent).Msg("Presence changed")

	if b.bus == nil || b.subjectOf == nil {
		return
	}
	record := realtime.PresenceRecord{UserID: userID, Status: status, LastSeen: payload.Timestamp}
	if err := b.bus.Publish(ctx, b.subjectOf(userID), record); err != nil {
		b.logger.Warn().Err(err).Str("user", userID).Msg("Failed to publish presence change")
	}
}

// transition records status and reports whether it differs from the last
// announced one.
func (b *Broadcaster) transition(userID string, status realtime.PresenceStatus) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, wasOnline := b.announced[userID]
	if status == realtime.StatusOnline {
		b.announced[userID] = struct{}{}
		return !wasOnline
	}
	delete(b.announced, userID)
	return wasOnline
}
