package validation

import "github.com/tinywideclouds/go-realtime-service/pkg/realtime"

// Command is a validated, typed inbound event.
type Command interface {
	EventName() string
}

// JoinRoom asks to join a room.
type JoinRoom struct {
	Room string `json:"room" validate:"required,max=128,roomname"`
}

// LeaveRoom asks to leave a room.
type LeaveRoom struct {
	Room string `json:"room" validate:"required,max=128,roomname"`
}

// Subscribe asks for data updates of an entity, optionally narrowed by filters.
type Subscribe struct {
	Entity  string         `json:"entity" validate:"required,max=64,entity"`
	Filters map[string]any `json:"filters" validate:"omitempty,max=20"`
}

// MarkRead acknowledges a notification.
type MarkRead struct {
	NotificationID string `json:"notificationId" validate:"required,max=128"`
}

// SendTyping relays typing activity to a room.
type SendTyping struct {
	RoomID   string `json:"roomId" validate:"required,max=128,roomname"`
	IsTyping *bool  `json:"isTyping"`
}

// Typing reports the typing flag, defaulting to true when omitted.
func (c SendTyping) Typing() bool {
	return c.IsTyping == nil || *c.IsTyping
}

func (JoinRoom) EventName() string   { return realtime.EventRoomJoin }
func (LeaveRoom) EventName() string  { return realtime.EventRoomLeave }
func (Subscribe) EventName() string  { return realtime.EventDataSubscribe }
func (MarkRead) EventName() string   { return realtime.EventNotificationRead }
func (SendTyping) EventName() string { return realtime.EventUserTyping }
