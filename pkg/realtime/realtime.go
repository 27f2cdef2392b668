// Package realtime contains the public domain models, collaborator interfaces
// and wire events for the realtime service. It defines the contract for
// systems that push notifications into the service or embed its components.
package realtime

import (
	"time"
)

// PresenceStatus is the derived online/offline state of a user.
type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusOffline PresenceStatus = "offline"
)

// Identity is the read-only projection of a user resolved at handshake time.
// It is never persisted by this service.
type Identity struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
}

// IsAdmin reports whether the identity carries the administrative role.
func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}

// Well-known roles understood by the room policy.
const (
	RoleAdmin   = "admin"
	RoleService = "service"
	RoleUser    = "user"
)

// Connection describes a single live socket of a user.
type Connection struct {
	ID             string    `json:"connectionId"`
	UserID         string    `json:"userId"`
	ConnectedAt    time.Time `json:"connectedAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// Notification is an outbound notification addressed to a single user.
type Notification struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// QueuedNotification is the record stored in a user's durable queue while
// the user is offline.
type QueuedNotification struct {
	ID         string         `json:"id"`
	UserID     string         `json:"userId"`
	Type       string         `json:"type"`
	Message    string         `json:"message"`
	Data       map[string]any `json:"data,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	QueuedAt   time.Time      `json:"queuedAt"`
	TTLSeconds int64          `json:"ttl"`
}

// Expired reports whether the record outlived its TTL at the given instant.
func (q QueuedNotification) Expired(now time.Time) bool {
	if q.TTLSeconds <= 0 {
		return false
	}
	return now.Sub(q.QueuedAt) > time.Duration(q.TTLSeconds)*time.Second
}

// PresenceRecord is derived from the connection registry.
type PresenceRecord struct {
	UserID   string         `json:"userId"`
	Status   PresenceStatus `json:"status"`
	LastSeen time.Time      `json:"lastSeen,omitempty"`
}

// AuditRecord is an immutable record of a room-access decision.
type AuditRecord struct {
	UserID     string    `json:"userId"`
	Role       string    `json:"role"`
	Room       string    `json:"room"`
	Action     string    `json:"action"`
	Authorized bool      `json:"authorized"`
	Reason     string    `json:"reason,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// SendNotificationRequest is the body accepted by the notification ingestion
// endpoints (HTTP and message bus).
type SendNotificationRequest struct {
	UserID  string         `json:"userId" validate:"required,max=128"`
	Type    string         `json:"type" validate:"required,max=64"`
	Message string         `json:"message" validate:"max=4096"`
	Data    map[string]any `json:"data,omitempty"`
}

// Notification converts the request into a notification.
func (r SendNotificationRequest) Notification() Notification {
	return Notification{Type: r.Type, Message: r.Message, Data: r.Data}
}
