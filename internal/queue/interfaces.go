// Package queue holds notifications for users that are offline and hands
// them back, in order, when the user reconnects.
package queue

import (
	"context"

	"github.com/tinywideclouds/go-realtime-service/pkg/realtime"
)

// HealthReporter is told about store failures.
type HealthReporter interface {
	ReportTransportError(component string, err error)
}

// DeliverFunc delivers one queued entry. A non-nil error stops the drain and
// leaves the entry and everything after it queued.
type DeliverFunc func(ctx context.Context, entry realtime.QueuedNotification) error

// NotificationQueue is the unified interface used by the dispatcher.
type NotificationQueue interface {
	// Enqueue appends an entry to the user's queue.
	Enqueue(ctx context.Context, userID string, entry realtime.QueuedNotification) error

	// Drain delivers the user's queue head first and removes exactly the
	// entries that were delivered. Entries appended during the drain stay
	// queued for the next one.
	Drain(ctx context.Context, userID string, deliver DeliverFunc) (int, error)

	// Clear removes every entry of the user.
	Clear(ctx context.Context, userID string) error
}
