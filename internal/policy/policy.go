// Package policy decides which rooms an identity may join or broadcast to
// and records every decision in an audit trail.
package policy

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-realtime-service/pkg/realtime"
)

// Actions recorded in the audit trail.
const (
	ActionJoin      = "join"
	ActionBroadcast = "broadcast"
)

// Denial reasons.
const (
	ReasonInvalidRoom = "invalid room name"
	ReasonAdminOnly   = "admin role required"
	ReasonNotOwner    = "room belongs to another user"
	ReasonReadOnly    = "room does not accept client broadcasts"
	ReasonEntityRole  = "role not permitted for entity"
	ReasonNotMember   = "not a member"
	ReasonNoIdentity  = "unauthenticated"
)

const (
	maxRoomNameLength  = 128
	roomSeparator      = ":"
	dataRoomPrefix     = "data"
	presenceRoomPrefix = "presence"
	userRoomPrefix     = "user"
	adminRoomPrefix    = "admin"
	systemRoomPrefix   = "system"
)

var roomNamePattern = regexp.MustCompile(`^[A-Za-z0-9:_.\-]+$`)

// Decision is the outcome of an authorization check.
type Decision struct {
	Authorized bool
	Reason     string
}

// Allow and Deny build decisions.
func Allow() Decision { return Decision{Authorized: true} }

func Deny(reason string) Decision { return Decision{Reason: reason} }

// EntityRoles lists, per entity, the roles allowed to subscribe to its data
// rooms. An entity with no entry is open to every role.
type EntityRoles map[string][]string

func (e EntityRoles) permits(entity, role string) bool {
	roles, ok := e[entity]
	if !ok {
		return true
	}
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

// Policy applies the room naming convention.
type Policy struct {
	entityRoles EntityRoles
	audit       realtime.AuditSink
	logger      zerolog.Logger
	now         func() time.Time
}

// New creates a Policy. A nil sink disables persistence of audit records,
// they are still logged at debug level.
func New(entityRoles EntityRoles, sink realtime.AuditSink, logger zerolog.Logger) *Policy {
	if entityRoles == nil {
		entityRoles = EntityRoles{}
	}
	return &Policy{
		entityRoles: entityRoles,
		audit:       sink,
		logger:      logger.With().Str("component", "RoomPolicy").Logger(),
		now:         time.Now,
	}
}

// CanJoinRoom reports whether identity may join room. The decision is audited.
func (p *Policy) CanJoinRoom(ctx context.Context, identity realtime.Identity, room string) Decision {
	d := p.join(identity, room)
	p.AuditRoomAccess(ctx, identity, room, ActionJoin, d)
	return d
}

// CanBroadcastToRoom reports whether identity may send client events to
// room. For ordinary rooms the caller must additionally check membership.
func (p *Policy) CanBroadcastToRoom(ctx context.Context, identity realtime.Identity, room string) Decision {
	d := p.broadcast(identity, room)
	p.AuditRoomAccess(ctx, identity, room, ActionBroadcast, d)
	return d
}

// AuditRoomAccess records a decision. It never fails; sink errors are logged.
func (p *Policy) AuditRoomAccess(ctx context.Context, identity realtime.Identity, room, action string, d Decision) {
	rec := realtime.AuditRecord{
		UserID:     identity.UserID,
		Role:       identity.Role,
		Room:       room,
		Action:     action,
		Authorized: d.Authorized,
		Reason:     d.Reason,
		Timestamp:  p.now().UTC(),
	}
	p.logger.Debug().
		Str("user", rec.UserID).
		Str("room", rec.Room).
		Str("action", rec.Action).
		Bool("authorized", rec.Authorized).
		Str("reason", rec.Reason).
		Msg("Room access decision")
	if p.audit == nil {
		return
	}
	if err := p.audit.Record(ctx, rec); err != nil {
		p.logger.Warn().Err(err).Str("user", rec.UserID).Str("room", room).Msg("Failed to record audit entry")
	}
}

func (p *Policy) join(identity realtime.Identity, room string) Decision {
	if identity.UserID == "" {
		return Deny(ReasonNoIdentity)
	}
	if !ValidRoomName(room) {
		return Deny(ReasonInvalidRoom)
	}
	prefix, rest := split(room)
	switch prefix {
	case adminRoomPrefix, systemRoomPrefix:
		if !identity.IsAdmin() {
			return Deny(ReasonAdminOnly)
		}
		return Allow()
	case userRoomPrefix:
		if rest == "" {
			return Deny(ReasonInvalidRoom)
		}
		if rest != identity.UserID && !identity.IsAdmin() {
			return Deny(ReasonNotOwner)
		}
		return Allow()
	case presenceRoomPrefix:
		return Allow()
	case dataRoomPrefix:
		entity, _ := split(rest)
		if entity == "" {
			return Deny(ReasonInvalidRoom)
		}
		if !identity.IsAdmin() && !p.entityRoles.permits(entity, identity.Role) {
			return Deny(ReasonEntityRole)
		}
		return Allow()
	default:
		return Allow()
	}
}

func (p *Policy) broadcast(identity realtime.Identity, room string) Decision {
	if identity.UserID == "" {
		return Deny(ReasonNoIdentity)
	}
	if !ValidRoomName(room) {
		return Deny(ReasonInvalidRoom)
	}
	prefix, _ := split(room)
	switch prefix {
	case adminRoomPrefix, systemRoomPrefix, userRoomPrefix, dataRoomPrefix:
		if !identity.IsAdmin() {
			return Deny(ReasonAdminOnly)
		}
		return Allow()
	case presenceRoomPrefix:
		return Deny(ReasonReadOnly)
	default:
		return Allow()
	}
}

// RequiresMembership reports whether a broadcast to room is only valid from
// a member of that room.
func RequiresMembership(room string) bool {
	prefix, _ := split(room)
	switch prefix {
	case adminRoomPrefix, systemRoomPrefix, userRoomPrefix, dataRoomPrefix, presenceRoomPrefix:
		return false
	}
	return true
}

// ValidRoomName reports whether room is well formed.
func ValidRoomName(room string) bool {
	if room == "" || len(room) > maxRoomNameLength || !roomNamePattern.MatchString(room) {
		return false
	}
	return !strings.HasPrefix(room, roomSeparator) && !strings.HasSuffix(room, roomSeparator)
}

// PresenceRoom names the room that follows a single user's presence.
func PresenceRoom(userID string) string { return presenceRoomPrefix + roomSeparator + userID }

// PresenceLobby is the room that receives every presence change.
const PresenceLobby = presenceRoomPrefix

// SystemHealthRoom receives periodic health reports.
const SystemHealthRoom = systemRoomPrefix + roomSeparator + "health"

// split returns the segment before the first separator and the remainder.
func split(room string) (string, string) {
	prefix, rest, _ := strings.Cut(room, roomSeparator)
	return prefix, rest
}
