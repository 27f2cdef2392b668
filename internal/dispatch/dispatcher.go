// Package dispatch delivers notifications and room events to live
// connections and queues notifications for users that are offline.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-realtime-service/internal/keylock"
	"github.com/tinywideclouds/go-realtime-service/internal/policy"
	"github.com/tinywideclouds/go-realtime-service/internal/queue"
	"github.com/tinywideclouds/go-realtime-service/internal/registry"
	"github.com/tinywideclouds/go-realtime-service/pkg/realtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	DefaultQueueTTL       = 24 * time.Hour
	DefaultDeliverTimeout = 5 * time.Second
)

// ErrUnknownConnection is returned when a drain targets a connection that
// already left the registry.
var ErrUnknownConnection = errors.New("unknown connection")

// Connections is the view of the registry the dispatcher needs.
type Connections interface {
	IsOnline(userID string) bool
	HandlesFor(userID string) []registry.Handle
	Handle(connID string) (registry.Handle, bool)
}

// RoomMembers lists the connections in a room.
type RoomMembers interface {
	Members(room string) []string
}

// HealthReporter is told about degraded deliveries.
type HealthReporter interface {
	ReportTransportError(component string, err error)
	ReportDroppedBroadcast(room string)
}

// Config tunes the dispatcher.
type Config struct {
	// QueueTTL is stamped on queued entries.
	QueueTTL time.Duration
	// DeliverTimeout bounds each blocking send while replaying a queue.
	DeliverTimeout time.Duration
}

// Delivery reports what happened to a notification.
type Delivery struct {
	NotificationID string `json:"notificationId"`
	Online         bool   `json:"online"`
	Delivered      int    `json:"delivered"`
	Queued         bool   `json:"queued"`
}

// Dispatcher routes outbound traffic.
type Dispatcher struct {
	conns    Connections
	rooms    RoomMembers
	queue    queue.NotificationQueue
	receipts realtime.ReadReceiptStore
	health   HealthReporter
	cfg      Config
	logger   zerolog.Logger
	now      func() time.Time

	// users serializes the online check and enqueue of a user against the
	// replay of that user's queue.
	users    keylock.Map
	inflight atomic.Int64
	dropped  atomic.Int64

	deliveredCounter metric.Int64Counter
	queuedCounter    metric.Int64Counter
}

// New creates a Dispatcher. receipts and health may be nil.
func New(conns Connections, rooms RoomMembers, q queue.NotificationQueue, receipts realtime.ReadReceiptStore, health HealthReporter, cfg Config, logger zerolog.Logger) (*Dispatcher, error) {
	if conns == nil || rooms == nil {
		return nil, fmt.Errorf("registry and rooms cannot be nil")
	}
	if q == nil {
		return nil, fmt.Errorf("notification queue cannot be nil")
	}
	if cfg.QueueTTL <= 0 {
		cfg.QueueTTL = DefaultQueueTTL
	}
	if cfg.DeliverTimeout <= 0 {
		cfg.DeliverTimeout = DefaultDeliverTimeout
	}

	meter := otel.Meter("realtime-service")
	deliveredCounter, _ := meter.Int64Counter("realtime_notifications_delivered_total",
		metric.WithDescription("Total notifications written to live connections"))
	queuedCounter, _ := meter.Int64Counter("realtime_notifications_queued_total",
		metric.WithDescription("Total notifications queued for offline users"))

	return &Dispatcher{
		conns:            conns,
		rooms:            rooms,
		queue:            q,
		receipts:         receipts,
		health:           health,
		cfg:              cfg,
		logger:           logger.With().Str("component", "Dispatcher").Logger(),
		now:              time.Now,
		deliveredCounter: deliveredCounter,
		queuedCounter:    queuedCounter,
	}, nil
}

// SendNotificationToUser delivers n to every live connection of the user,
// or queues it when the user is offline or no connection accepted it.
func (d *Dispatcher) SendNotificationToUser(ctx context.Context, userID string, n realtime.Notification) (Delivery, error) {
	if userID == "" {
		return Delivery{}, fmt.Errorf("%w: userId is required", realtime.ErrValidation)
	}
	n = d.stamp(n)
	result := Delivery{NotificationID: n.ID}

	unlock := d.users.Lock(userID)
	defer unlock()

	if d.conns.IsOnline(userID) {
		result.Online = true
		event := realtime.OutboundEvent{Event: realtime.EventNotification, Data: livePayload(n)}
		for _, h := range d.conns.HandlesFor(userID) {
			if h.TryDeliver(event) {
				result.Delivered++
			}
		}
		if result.Delivered > 0 {
			d.deliveredCounter.Add(ctx, int64(result.Delivered))
			d.logger.Debug().Str("user", userID).Str("notification", n.ID).Int("connections", result.Delivered).Msg("Notification delivered")
			return result, nil
		}
		d.logger.Warn().Str("user", userID).Str("notification", n.ID).Msg("No connection accepted notification. Queuing.")
	}

	if err := d.enqueue(ctx, userID, n); err != nil {
		return result, err
	}
	result.Queued = true
	return result, nil
}

// QueueNotificationForOfflineUser appends n to the user's durable queue.
func (d *Dispatcher) QueueNotificationForOfflineUser(ctx context.Context, userID string, n realtime.Notification) error {
	if userID == "" {
		return fmt.Errorf("%w: userId is required", realtime.ErrValidation)
	}
	n = d.stamp(n)
	unlock := d.users.Lock(userID)
	defer unlock()
	return d.enqueue(ctx, userID, n)
}

// enqueue is called with the user's lock held.
func (d *Dispatcher) enqueue(ctx context.Context, userID string, n realtime.Notification) error {
	d.inflight.Add(1)
	defer d.inflight.Add(-1)

	entry := realtime.QueuedNotification{
		ID:         n.ID,
		UserID:     userID,
		Type:       n.Type,
		Message:    n.Message,
		Data:       n.Data,
		Timestamp:  n.Timestamp,
		QueuedAt:   d.now().UTC(),
		TTLSeconds: int64(d.cfg.QueueTTL / time.Second),
	}
	if err := d.queue.Enqueue(ctx, userID, entry); err != nil {
		d.logger.Error().Err(err).Str("user", userID).Str("notification", n.ID).Msg("Failed to queue notification")
		return err
	}
	d.queuedCounter.Add(ctx, 1)
	d.logger.Debug().Str("user", userID).Str("notification", n.ID).Msg("Notification queued for offline user")
	return nil
}

// SendQueuedNotifications replays the user's queue to one connection and
// returns the number of entries delivered. Undelivered entries stay queued.
func (d *Dispatcher) SendQueuedNotifications(ctx context.Context, userID, connID string) (int, error) {
	h, ok := d.conns.Handle(connID)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownConnection, connID)
	}

	unlock := d.users.Lock(userID)
	defer unlock()

	delivered, err := d.queue.Drain(ctx, userID, func(ctx context.Context, e realtime.QueuedNotification) error {
		sendCtx, cancel := context.WithTimeout(ctx, d.cfg.DeliverTimeout)
		defer cancel()
		return h.Deliver(sendCtx, realtime.OutboundEvent{Event: realtime.EventNotification, Data: queuedPayload(e)})
	})
	if delivered > 0 {
		d.deliveredCounter.Add(ctx, int64(delivered))
		d.logger.Info().Str("user", userID).Str("connection", connID).Int("count", delivered).Msg("Delivered queued notifications")
	}
	if err != nil {
		d.logger.Warn().Err(err).Str("user", userID).Str("connection", connID).Msg("Queued notification replay incomplete")
		return delivered, err
	}
	return delivered, nil
}

// ClearQueuedNotifications drops every entry queued for the user.
func (d *Dispatcher) ClearQueuedNotifications(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("%w: userId is required", realtime.ErrValidation)
	}
	unlock := d.users.Lock(userID)
	defer unlock()
	if err := d.queue.Clear(ctx, userID); err != nil {
		d.logger.Error().Err(err).Str("user", userID).Msg("Failed to clear queued notifications")
		return err
	}
	return nil
}

// MarkNotificationAsRead records a read receipt. Unknown ids are recorded
// like any other; repeating the call is harmless.
func (d *Dispatcher) MarkNotificationAsRead(ctx context.Context, userID, notificationID string) error {
	if d.receipts == nil {
		return nil
	}
	if err := d.receipts.MarkRead(ctx, userID, notificationID); err != nil {
		if d.health != nil {
			d.health.ReportTransportError("read_receipts", err)
		}
		d.logger.Error().Err(err).Str("user", userID).Str("notification", notificationID).Msg("Failed to record read receipt")
		return fmt.Errorf("%w: read receipt: %w", realtime.ErrTransport, err)
	}
	return nil
}

// BroadcastDataUpdate sends data:updated to the subscribers of entity with
// the given filters and returns the number of connections reached.
func (d *Dispatcher) BroadcastDataUpdate(entity string, filters map[string]any, data any) int {
	room := policy.DataRoomName(entity, filters)
	payload := realtime.DataUpdatedPayload{Entity: entity, Data: data, Timestamp: d.now().UTC()}
	return d.BroadcastRoomEvent(room, realtime.EventDataUpdated, payload, "")
}

// BroadcastRoomEvent sends event to every member of room except
// exceptConnID. Members with a full send buffer miss the frame.
func (d *Dispatcher) BroadcastRoomEvent(room, event string, data any, exceptConnID string) int {
	outbound := realtime.OutboundEvent{Event: event, Data: data}
	sent := 0
	for _, connID := range d.rooms.Members(room) {
		if connID == exceptConnID {
			continue
		}
		h, ok := d.conns.Handle(connID)
		if !ok {
			continue
		}
		if h.TryDeliver(outbound) {
			sent++
			continue
		}
		d.dropped.Add(1)
		if d.health != nil {
			d.health.ReportDroppedBroadcast(room)
		}
		d.logger.Debug().Str("room", room).Str("connection", connID).Str("event", event).Msg("Dropped broadcast for slow connection")
	}
	return sent
}

// Dropped returns the number of broadcast frames dropped so far.
func (d *Dispatcher) Dropped() int64 { return d.dropped.Load() }

// InFlight returns the number of queue writes in progress.
func (d *Dispatcher) InFlight() int64 { return d.inflight.Load() }

// Wait blocks until in-flight queue writes finish or ctx ends.
func (d *Dispatcher) Wait(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for d.inflight.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func (d *Dispatcher) stamp(n realtime.Notification) realtime.Notification {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = d.now().UTC()
	}
	return n
}

func livePayload(n realtime.Notification) realtime.NotificationPayload {
	return realtime.NotificationPayload{ID: n.ID, Type: n.Type, Message: n.Message, Data: n.Data, Timestamp: n.Timestamp}
}

func queuedPayload(e realtime.QueuedNotification) realtime.NotificationPayload {
	queuedAt := e.QueuedAt
	return realtime.NotificationPayload{ID: e.ID, Type: e.Type, Message: e.Message, Data: e.Data, Timestamp: e.Timestamp, QueuedAt: &queuedAt}
}
