package health

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-realtime-service/internal/registry"
	"github.com/tinywideclouds/go-realtime-service/pkg/realtime"
)

// Status values carried by system:health.
const (
	StatusOK           = "ok"
	StatusDegraded     = "degraded"
	StatusShuttingDown = "shutting_down"
)

// RoomBroadcaster fans an event out to a room.
type RoomBroadcaster interface {
	BroadcastRoomEvent(room, event string, data any, exceptConnID string) int
}

// StatsSource exposes registry size.
type StatsSource interface {
	Stats() registry.Stats
}

// Reporter periodically pushes system:health to a room.
type Reporter struct {
	monitor     *Monitor
	stats       StatsSource
	broadcaster RoomBroadcaster
	room        string
	interval    time.Duration
	logger      zerolog.Logger
}

func NewReporter(monitor *Monitor, stats StatsSource, broadcaster RoomBroadcaster, room string, interval time.Duration, logger zerolog.Logger) *Reporter {
	return &Reporter{
		monitor:     monitor,
		stats:       stats,
		broadcaster: broadcaster,
		room:        room,
		interval:    interval,
		logger:      logger.With().Str("component", "HealthReporter").Logger(),
	}
}

// Payload builds the current system:health payload.
func (r *Reporter) Payload() realtime.SystemHealthPayload {
	snap := r.monitor.Snapshot()
	stats := r.stats.Stats()
	status := StatusOK
	if snap.Degraded {
		status = StatusDegraded
	}
	return realtime.SystemHealthPayload{
		Status: status,
		Metrics: map[string]any{
			"connectedUsers":    stats.ConnectedUsers,
			"connectedSockets":  stats.ConnectedSockets,
			"droppedBroadcasts": snap.DroppedBroadcasts,
			"transportErrors":   snap.TransportErrors,
			"authFailures":      snap.AuthFailures,
			"degraded":          snap.Degraded,
		},
		Timestamp: time.Now().UTC(),
	}
}

// Report pushes one payload and returns the number of recipients.
func (r *Reporter) Report() int {
	return r.broadcaster.BroadcastRoomEvent(r.room, realtime.EventSystemHealth, r.Payload(), "")
}

// Run reports every interval until ctx is cancelled. A non-positive
// interval disables reporting.
func (r *Reporter) Run(ctx context.Context) {
	if r.interval <= 0 {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := r.Report()
			r.logger.Debug().Int("recipients", n).Msg("Pushed system health")
		}
	}
}
