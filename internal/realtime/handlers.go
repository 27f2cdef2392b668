package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-realtime-service/internal/policy"
	"github.com/tinywideclouds/go-realtime-service/internal/registry"
	"github.com/tinywideclouds/go-realtime-service/internal/validation"
	"github.com/tinywideclouds/go-realtime-service/pkg/realtime"
)

// handlers turn validated commands into effects. They hold no
// per-connection state; everything comes from the socket and the stores.
type handlers struct {
	validator  *validation.Validator
	policy     *policy.Policy
	rooms      *registry.Rooms
	dispatcher Dispatcher
	logger     zerolog.Logger
}

func (h *handlers) handle(ctx context.Context, s *socket, frame realtime.Frame) {
	res := h.validator.Validate(frame.Event, frame.Data)
	if !res.Valid {
		h.logger.Debug().Str("connection", s.id).Str("event", frame.Event).Strs("errors", res.Errors).Msg("Dropped invalid event")
		s.TryDeliver(realtime.NewError("Invalid " + frame.Event + " payload: " + strings.Join(res.Errors, "; ")))
		return
	}

	var err error
	switch cmd := res.Command.(type) {
	case validation.JoinRoom:
		err = h.joinRoom(ctx, s, cmd)
	case validation.LeaveRoom:
		h.leaveRoom(s, cmd)
	case validation.Subscribe:
		err = h.subscribe(ctx, s, cmd)
	case validation.MarkRead:
		h.markRead(ctx, s, cmd)
	case validation.SendTyping:
		err = h.typing(ctx, s, cmd)
	}
	if err != nil {
		s.TryDeliver(realtime.NewError(errorMessage(err)))
	}
}

func (h *handlers) joinRoom(ctx context.Context, s *socket, cmd validation.JoinRoom) error {
	d := h.policy.CanJoinRoom(ctx, s.identity, cmd.Room)
	if !d.Authorized {
		return denied("join", cmd.Room, d.Reason)
	}
	h.rooms.Join(cmd.Room, s.id)
	return nil
}

func (h *handlers) leaveRoom(s *socket, cmd validation.LeaveRoom) {
	h.rooms.Leave(cmd.Room, s.id)
}

func (h *handlers) subscribe(ctx context.Context, s *socket, cmd validation.Subscribe) error {
	room := policy.DataRoomName(cmd.Entity, cmd.Filters)
	d := h.policy.CanJoinRoom(ctx, s.identity, room)
	if !d.Authorized {
		return denied("subscribe to", cmd.Entity, d.Reason)
	}
	h.rooms.Join(room, s.id)
	s.TryDeliver(realtime.OutboundEvent{
		Event: realtime.EventDataSubscribed,
		Data:  realtime.DataSubscribedPayload{Entity: cmd.Entity, Filters: cmd.Filters, Room: room},
	})
	return nil
}

// markRead acknowledges even when the receipt store failed; the failure is
// logged by the dispatcher and the client may safely repeat the call.
func (h *handlers) markRead(ctx context.Context, s *socket, cmd validation.MarkRead) {
	_ = h.dispatcher.MarkNotificationAsRead(ctx, s.identity.UserID, cmd.NotificationID)
	s.TryDeliver(realtime.OutboundEvent{
		Event: realtime.EventNotificationReadAck,
		Data:  realtime.ReadAckPayload{NotificationID: cmd.NotificationID},
	})
}

func (h *handlers) typing(ctx context.Context, s *socket, cmd validation.SendTyping) error {
	if policy.RequiresMembership(cmd.RoomID) && !h.rooms.IsMember(cmd.RoomID, s.id) {
		d := policy.Deny(policy.ReasonNotMember)
		h.policy.AuditRoomAccess(ctx, s.identity, cmd.RoomID, policy.ActionBroadcast, d)
		return denied("broadcast to", cmd.RoomID, d.Reason)
	}
	d := h.policy.CanBroadcastToRoom(ctx, s.identity, cmd.RoomID)
	if !d.Authorized {
		return denied("broadcast to", cmd.RoomID, d.Reason)
	}
	name := s.identity.DisplayName
	if name == "" {
		name = s.identity.UserID
	}
	h.dispatcher.BroadcastRoomEvent(cmd.RoomID, realtime.EventUserTyping, realtime.TypingPayload{
		Username: name,
		RoomID:   cmd.RoomID,
		IsTyping: cmd.Typing(),
	}, s.id)
	return nil
}

func denied(action, target, reason string) error {
	return fmt.Errorf("%w: cannot %s %s: %s", realtime.ErrAuthorization, action, target, reason)
}

func errorMessage(err error) string {
	if errors.Is(err, realtime.ErrAuthorization) {
		return "Access denied: " + strings.TrimPrefix(err.Error(), realtime.ErrAuthorization.Error()+": ")
	}
	return err.Error()
}
