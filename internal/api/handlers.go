// Package api implements the internal HTTP API used by other services to
// push notifications, data updates and room events into the realtime
// service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-realtime-service/internal/dispatch"
	"github.com/tinywideclouds/go-realtime-service/internal/health"
	"github.com/tinywideclouds/go-realtime-service/internal/policy"
	"github.com/tinywideclouds/go-realtime-service/internal/registry"
	"github.com/tinywideclouds/go-realtime-service/internal/validation"
	"github.com/tinywideclouds/go-realtime-service/pkg/realtime"
)

const maxBodyBytes = 1 << 20

// Dispatcher is the outbound side of the service.
type Dispatcher interface {
	SendNotificationToUser(ctx context.Context, userID string, n realtime.Notification) (dispatch.Delivery, error)
	BroadcastDataUpdate(entity string, filters map[string]any, data any) int
	BroadcastRoomEvent(room, event string, data any, exceptConnID string) int
	ClearQueuedNotifications(ctx context.Context, userID string) error
}

// Directory is the read side of the connection registry.
type Directory interface {
	Stats() registry.Stats
	Presence(userID string) realtime.PresenceRecord
	ConnectionsFor(userID string) []string
	Connection(connID string) (realtime.Connection, bool)
}

// RoomCounter reports the number of non-empty rooms.
type RoomCounter interface {
	Count() int
}

// HealthSource reports the degraded-mode snapshot.
type HealthSource interface {
	Snapshot() health.Snapshot
}

type dataUpdateRequest struct {
	Entity  string         `json:"entity" validate:"required,max=64,entity"`
	Filters map[string]any `json:"filters" validate:"omitempty,max=20"`
	Data    any            `json:"data"`
}

type roomEventRequest struct {
	Event string `json:"event" validate:"required,max=64"`
	Data  any    `json:"data"`
}

type broadcastResponse struct {
	Room       string `json:"room"`
	Recipients int    `json:"recipients"`
}

type presenceResponse struct {
	realtime.PresenceRecord
	Connections []realtime.Connection `json:"connections"`
}

type statsResponse struct {
	Connections registry.Stats  `json:"connections"`
	Rooms       int             `json:"rooms"`
	Health      health.Snapshot `json:"health"`
}

// API holds the dependencies for the stateless HTTP handlers.
type API struct {
	dispatcher Dispatcher
	directory  Directory
	rooms      RoomCounter
	health     HealthSource
	validator  *validation.Validator
	logger     zerolog.Logger
}

// NewAPI creates the API handlers.
func NewAPI(dispatcher Dispatcher, directory Directory, rooms RoomCounter, monitor HealthSource, v *validation.Validator, logger zerolog.Logger) *API {
	return &API{
		dispatcher: dispatcher,
		directory:  directory,
		rooms:      rooms,
		health:     monitor,
		validator:  v,
		logger:     logger.With().Str("component", "API").Logger(),
	}
}

// Register attaches the handlers to mux behind auth.
func (a *API) Register(mux *http.ServeMux, auth func(http.Handler) http.Handler) {
	mux.Handle("POST /api/notifications", auth(http.HandlerFunc(a.SendNotificationHandler)))
	mux.Handle("POST /api/data-updates", auth(http.HandlerFunc(a.DataUpdateHandler)))
	mux.Handle("POST /api/rooms/{room}/events", auth(http.HandlerFunc(a.RoomEventHandler)))
	mux.Handle("GET /api/users/{userId}/presence", auth(http.HandlerFunc(a.PresenceHandler)))
	mux.Handle("DELETE /api/users/{userId}/notifications", auth(http.HandlerFunc(a.ClearNotificationsHandler)))
	mux.Handle("GET /api/stats", auth(http.HandlerFunc(a.StatsHandler)))
}

// SendNotificationHandler delivers a notification to every live connection
// of the user, or queues it when the user is offline.
func (a *API) SendNotificationHandler(w http.ResponseWriter, r *http.Request) {
	log := a.requestLogger(r)

	var req realtime.SendNotificationRequest
	if !a.decode(w, r, &req, log) {
		return
	}
	log = log.With().Str("user", req.UserID).Str("type", req.Type).Logger()

	delivery, err := a.dispatcher.SendNotificationToUser(r.Context(), req.UserID, req.Notification())
	if err != nil {
		if errors.Is(err, realtime.ErrValidation) {
			WriteJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Error().Err(err).Msg("Failed to send notification")
		WriteJSONError(w, http.StatusServiceUnavailable, "failed to send notification")
		return
	}

	log.Debug().Bool("online", delivery.Online).Bool("queued", delivery.Queued).Msg("Notification accepted")
	WriteJSON(w, http.StatusAccepted, delivery)
}

// DataUpdateHandler broadcasts data:updated to the entity's subscription room.
func (a *API) DataUpdateHandler(w http.ResponseWriter, r *http.Request) {
	log := a.requestLogger(r)

	var req dataUpdateRequest
	if !a.decode(w, r, &req, log) {
		return
	}

	room := policy.DataRoomName(req.Entity, req.Filters)
	n := a.dispatcher.BroadcastDataUpdate(req.Entity, req.Filters, req.Data)
	log.Debug().Str("room", room).Int("recipients", n).Msg("Data update broadcast")
	WriteJSON(w, http.StatusOK, broadcastResponse{Room: room, Recipients: n})
}

// RoomEventHandler broadcasts an arbitrary event to a room.
func (a *API) RoomEventHandler(w http.ResponseWriter, r *http.Request) {
	log := a.requestLogger(r)

	room := r.PathValue("room")
	if !policy.ValidRoomName(room) {
		WriteJSONError(w, http.StatusBadRequest, "invalid room name")
		return
	}

	var req roomEventRequest
	if !a.decode(w, r, &req, log) {
		return
	}

	n := a.dispatcher.BroadcastRoomEvent(room, req.Event, req.Data, "")
	log.Debug().Str("room", room).Str("event", req.Event).Int("recipients", n).Msg("Room event broadcast")
	WriteJSON(w, http.StatusOK, broadcastResponse{Room: room, Recipients: n})
}

// PresenceHandler reports whether a user is online and lists their live
// connections.
func (a *API) PresenceHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userId")
	if userID == "" {
		WriteJSONError(w, http.StatusBadRequest, "userId is required")
		return
	}
	resp := presenceResponse{PresenceRecord: a.directory.Presence(userID), Connections: []realtime.Connection{}}
	for _, id := range a.directory.ConnectionsFor(userID) {
		// A connection can leave between the two lookups.
		if conn, ok := a.directory.Connection(id); ok {
			resp.Connections = append(resp.Connections, conn)
		}
	}
	WriteJSON(w, http.StatusOK, resp)
}

// ClearNotificationsHandler drops every notification queued for a user.
func (a *API) ClearNotificationsHandler(w http.ResponseWriter, r *http.Request) {
	log := a.requestLogger(r)
	userID := r.PathValue("userId")
	if userID == "" {
		WriteJSONError(w, http.StatusBadRequest, "userId is required")
		return
	}
	if err := a.dispatcher.ClearQueuedNotifications(r.Context(), userID); err != nil {
		log.Error().Err(err).Str("user", userID).Msg("Failed to clear queued notifications")
		WriteJSONError(w, http.StatusServiceUnavailable, "failed to clear notifications")
		return
	}
	log.Info().Str("user", userID).Msg("Queued notifications cleared")
	WriteJSON(w, http.StatusNoContent, nil)
}

// StatsHandler reports connection counts and the health snapshot.
func (a *API) StatsHandler(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, statsResponse{
		Connections: a.directory.Stats(),
		Rooms:       a.rooms.Count(),
		Health:      a.health.Snapshot(),
	})
}

// decode reads and validates the JSON body into dst, writing a 400 on failure.
func (a *API) decode(w http.ResponseWriter, r *http.Request, dst any, log zerolog.Logger) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		log.Warn().Err(err).Msg("Failed to decode request body")
		WriteJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	if err := a.validator.Struct(dst); err != nil {
		log.Debug().Err(err).Msg("Request failed validation")
		WriteJSONError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func (a *API) requestLogger(r *http.Request) zerolog.Logger {
	ctx := a.logger.With().Str("path", r.URL.Path)
	if claims, ok := ClaimsFromContext(r.Context()); ok {
		ctx = ctx.Str("caller", claims.Subject)
	}
	return ctx.Logger()
}
