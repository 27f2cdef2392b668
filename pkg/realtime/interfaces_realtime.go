package realtime

import (
	"context"
)

// UserLookup resolves a user id to an Identity. A miss is reported as a nil
// identity with a nil error; errors are reserved for an unreachable backend.
type UserLookup interface {
	FindByID(ctx context.Context, userID string) (*Identity, error)
}

// Claims is the verified content of a credential.
type Claims struct {
	Subject string
	Name    string
	Role    string
	Extra   map[string]any
}

// CredentialVerifier validates a raw credential and returns its claims.
type CredentialVerifier interface {
	Verify(ctx context.Context, token string) (*Claims, error)
}

// AuditSink receives every room-access decision.
type AuditSink interface {
	Record(ctx context.Context, record AuditRecord) error
}

// NotificationQueueStore is the contract of the external durable list store
// holding per-user queues of notifications. Entries are appended to the tail
// and read head first.
type NotificationQueueStore interface {
	// Append adds an entry to the tail of the user's queue and refreshes the
	// queue expiry window.
	Append(ctx context.Context, userID string, entry QueuedNotification) error

	// Range returns all entries of the user's queue in insertion order.
	Range(ctx context.Context, userID string) ([]QueuedNotification, error)

	// Trim removes the first count entries of the user's queue.
	Trim(ctx context.Context, userID string, count int) error

	// Clear deletes the user's queue.
	Clear(ctx context.Context, userID string) error
}

// ReadReceiptStore records read acknowledgments for notifications.
type ReadReceiptStore interface {
	MarkRead(ctx context.Context, userID, notificationID string) error
}

// Publisher publishes a JSON-encodable value on a subject of a message bus.
type Publisher interface {
	Publish(ctx context.Context, subject string, v any) error
}
