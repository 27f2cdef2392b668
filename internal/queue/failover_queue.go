package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-realtime-service/pkg/realtime"
)

const componentName = "notification_queue"

// FailoverQueue is the concrete NotificationQueue. It writes to the durable
// store and falls back to a local store when the durable one fails, so a
// notification is kept even while Redis is down.
type FailoverQueue struct {
	durable  realtime.NotificationQueueStore
	fallback realtime.NotificationQueueStore
	health   HealthReporter
	logger   zerolog.Logger
	now      func() time.Time
}

// NewFailoverQueue creates the queue. health may be nil.
func NewFailoverQueue(durable, fallback realtime.NotificationQueueStore, health HealthReporter, logger zerolog.Logger) (*FailoverQueue, error) {
	if durable == nil {
		return nil, fmt.Errorf("durable store cannot be nil")
	}
	if fallback == nil {
		return nil, fmt.Errorf("fallback store cannot be nil")
	}
	return &FailoverQueue{
		durable:  durable,
		fallback: fallback,
		health:   health,
		logger:   logger.With().Str("component", "FailoverQueue").Logger(),
		now:      time.Now,
	}, nil
}

// Enqueue writes to the durable store, falling back to the local store on
// error. It only fails when both stores fail.
func (q *FailoverQueue) Enqueue(ctx context.Context, userID string, entry realtime.QueuedNotification) error {
	err := q.durable.Append(ctx, userID, entry)
	if err == nil {
		return nil
	}
	q.report(err)
	q.logger.Error().Err(err).Str("user", userID).Str("notification", entry.ID).
		Msg("Durable queue append failed. Falling back to local store.")

	if errLocal := q.fallback.Append(ctx, userID, entry); errLocal != nil {
		q.logger.Error().Err(errLocal).Str("user", userID).
			Msg("FATAL: Durable and local queue append failed.")
		return fmt.Errorf("%w: queue append: %w", realtime.ErrTransport, errLocal)
	}
	if sized, ok := q.fallback.(interface{ Len(userID string) int }); ok {
		q.logger.Warn().Str("user", userID).Int("local_depth", sized.Len(userID)).Msg("Notification parked in local store")
	}
	return nil
}

// Drain delivers the durable queue, then whatever was parked locally while
// the durable store was degraded.
func (q *FailoverQueue) Drain(ctx context.Context, userID string, deliver DeliverFunc) (int, error) {
	delivered, err := q.drainStore(ctx, q.durable, userID, deliver)
	if err != nil {
		if ctx.Err() != nil {
			return delivered, err
		}
		// A failed delivery stops the drain. A failed read of the durable
		// store does not; the local entries are still worth sending.
		if !isStoreError(err) {
			return delivered, err
		}
		q.logger.Error().Err(err).Str("user", userID).Msg("Failed to drain durable queue. Continuing with local store.")
	}
	n, errLocal := q.drainStore(ctx, q.fallback, userID, deliver)
	delivered += n
	if errLocal != nil {
		return delivered, errLocal
	}
	return delivered, err
}

// Clear removes the user's entries from both stores.
func (q *FailoverQueue) Clear(ctx context.Context, userID string) error {
	errDurable := q.durable.Clear(ctx, userID)
	if errDurable != nil {
		q.report(errDurable)
	}
	if err := q.fallback.Clear(ctx, userID); err != nil {
		return err
	}
	if errDurable != nil {
		return fmt.Errorf("%w: queue clear: %w", realtime.ErrTransport, errDurable)
	}
	return nil
}

type storeError struct{ err error }

func (e storeError) Error() string { return e.err.Error() }
func (e storeError) Unwrap() error { return e.err }

func isStoreError(err error) bool {
	var se storeError
	return errors.As(err, &se)
}

// drainStore ranges the whole queue, delivers in order and trims exactly
// the processed prefix. Expired entries count as processed and are dropped.
func (q *FailoverQueue) drainStore(ctx context.Context, store realtime.NotificationQueueStore, userID string, deliver DeliverFunc) (int, error) {
	entries, err := store.Range(ctx, userID)
	if err != nil {
		q.report(err)
		return 0, storeError{fmt.Errorf("%w: queue range: %w", realtime.ErrTransport, err)}
	}
	if len(entries) == 0 {
		return 0, nil
	}

	now := q.now()
	processed, delivered, expired := 0, 0, 0
	var deliverErr error
	for _, entry := range entries {
		if entry.Expired(now) {
			processed++
			expired++
			continue
		}
		if deliverErr = deliver(ctx, entry); deliverErr != nil {
			break
		}
		processed++
		delivered++
	}
	if expired > 0 {
		q.logger.Info().Str("user", userID).Int("count", expired).Msg("Dropped expired queued notifications")
	}

	if processed > 0 {
		if err := store.Trim(ctx, userID, processed); err != nil {
			// Delivered entries stay queued and will be sent again; at-least-once.
			q.report(err)
			q.logger.Error().Err(err).Str("user", userID).Int("count", processed).Msg("Failed to trim delivered notifications")
			if deliverErr == nil {
				return delivered, storeError{fmt.Errorf("%w: queue trim: %w", realtime.ErrTransport, err)}
			}
		}
	}
	if deliverErr != nil {
		q.logger.Warn().Err(deliverErr).Str("user", userID).Int("delivered", delivered).
			Int("remaining", len(entries)-processed).Msg("Queued delivery interrupted")
		return delivered, deliverErr
	}
	return delivered, nil
}

func (q *FailoverQueue) report(err error) {
	if q.health != nil {
		q.health.ReportTransportError(componentName, err)
	}
}
