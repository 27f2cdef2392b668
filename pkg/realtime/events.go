package realtime

import (
	"encoding/json"
	"time"
)

// Inbound event names (client to server).
const (
	EventAuth             = "auth"
	EventRoomJoin         = "room:join"
	EventRoomLeave        = "room:leave"
	EventDataSubscribe    = "data:subscribe"
	EventNotificationRead = "notification:read"
	EventUserTyping       = "user:typing"
)

// Outbound event names (server to client).
const (
	EventConnected           = "connected"
	EventDataSubscribed      = "data:subscribed"
	EventDataUpdated         = "data:updated"
	EventNotification        = "notification"
	EventNotificationReadAck = "notification:read:ack"
	EventUserOnline          = "user:online"
	EventSystemHealth        = "system:health"
	EventError               = "error"
)

// Frame is the JSON envelope carried by every WebSocket text frame.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// OutboundEvent is an event waiting to be written to a connection.
type OutboundEvent struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// ConnectedPayload is sent once after a successful handshake.
type ConnectedPayload struct {
	UserID    string    `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
}

// DataSubscribedPayload confirms a data subscription.
type DataSubscribedPayload struct {
	Entity  string         `json:"entity"`
	Filters map[string]any `json:"filters,omitempty"`
	Room    string         `json:"room"`
}

// DataUpdatedPayload carries a data change to subscribers.
type DataUpdatedPayload struct {
	Entity    string    `json:"entity"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// NotificationPayload is the wire form of a delivered notification.
// QueuedAt is set only for notifications replayed from the durable queue.
type NotificationPayload struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	QueuedAt  *time.Time     `json:"queuedAt,omitempty"`
}

// ReadAckPayload acknowledges notification:read.
type ReadAckPayload struct {
	NotificationID string `json:"notificationId"`
}

// UserOnlinePayload announces a presence transition.
type UserOnlinePayload struct {
	UserID    string         `json:"userId"`
	Status    PresenceStatus `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
}

// SystemHealthPayload reports service health to operators.
type SystemHealthPayload struct {
	Status    string         `json:"status"`
	Metrics   map[string]any `json:"metrics,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// TypingPayload relays typing activity to a room.
type TypingPayload struct {
	Username string `json:"username"`
	RoomID   string `json:"roomId"`
	IsTyping bool   `json:"isTyping"`
}

// ErrorPayload describes a refused or invalid client action.
type ErrorPayload struct {
	Message string `json:"message"`
}

// NewError builds an error event.
func NewError(message string) OutboundEvent {
	return OutboundEvent{Event: EventError, Data: ErrorPayload{Message: message}}
}
