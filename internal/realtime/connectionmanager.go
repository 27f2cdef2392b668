// Package realtime runs the WebSocket endpoint: the handshake, the
// per-connection pumps and the command pipeline.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-realtime-service/internal/policy"
	"github.com/tinywideclouds/go-realtime-service/internal/registry"
	"github.com/tinywideclouds/go-realtime-service/internal/validation"
	"github.com/tinywideclouds/go-realtime-service/pkg/realtime"
)

// CloseAuthenticationFailed is the close code of a rejected handshake.
const CloseAuthenticationFailed = 4401

const userLookupComponent = "user_lookup"

// Config tunes the WebSocket endpoint.
type Config struct {
	Port             string
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	PongWait         time.Duration
	WriteWait        time.Duration
	MaxMessageBytes  int64
	SendBuffer       int
	CommandBuffer    int
	AllowedOrigins   []string
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongWait {
		c.PingInterval = c.PongWait * 9 / 10
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 64 * 1024
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.CommandBuffer <= 0 {
		c.CommandBuffer = 64
	}
	return c
}

// Authenticator resolves a handshake credential to an identity.
type Authenticator interface {
	Authenticate(ctx context.Context, rawCredential string) (*realtime.Identity, error)
}

// Dispatcher is the outbound side used by connections.
type Dispatcher interface {
	SendQueuedNotifications(ctx context.Context, userID, connID string) (int, error)
	MarkNotificationAsRead(ctx context.Context, userID, notificationID string) error
	BroadcastRoomEvent(room, event string, data any, exceptConnID string) int
}

// Announcer reports presence transitions.
type Announcer interface {
	Announce(ctx context.Context, userID string, status realtime.PresenceStatus)
}

// Admission tells whether new connections are accepted.
type Admission interface {
	Accepting() bool
}

// HandshakeReporter is told about rejected handshakes and about the
// backend outages behind them.
type HandshakeReporter interface {
	ReportAuthFailure()
	ReportTransportError(component string, err error)
}

// Dependencies of the ConnectionManager. Admission and Health may be nil.
type Dependencies struct {
	Authenticator Authenticator
	Validator     *validation.Validator
	Policy        *policy.Policy
	Registry      *registry.Registry
	Rooms         *registry.Rooms
	Dispatcher    Dispatcher
	Presence      Announcer
	Admission     Admission
	Health        HandshakeReporter
}

// ConnectionManager manages all active WebSocket connections.
// It runs its own dedicated HTTP server.
type ConnectionManager struct {
	server   *http.Server
	upgrader websocket.Upgrader
	deps     Dependencies
	cfg      Config
	logger   zerolog.Logger
	handlers *handlers
}

// NewConnectionManager creates and wires up a new WebSocket connection manager.
func NewConnectionManager(cfg Config, deps Dependencies, logger zerolog.Logger) (*ConnectionManager, error) {
	if deps.Authenticator == nil || deps.Validator == nil || deps.Policy == nil {
		return nil, fmt.Errorf("authenticator, validator and policy are required")
	}
	if deps.Registry == nil || deps.Rooms == nil || deps.Dispatcher == nil || deps.Presence == nil {
		return nil, fmt.Errorf("registry, rooms, dispatcher and presence are required")
	}
	cfg = cfg.withDefaults()
	cmLogger := logger.With().Str("component", "ConnectionManager").Logger()

	cm := &ConnectionManager{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
		deps:   deps,
		cfg:    cfg,
		logger: cmLogger,
		handlers: &handlers{
			validator:  deps.Validator,
			policy:     deps.Policy,
			rooms:      deps.Rooms,
			dispatcher: deps.Dispatcher,
			logger:     cmLogger,
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/connect", cm.connectHandler)
	cm.server = &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return cm, nil
}

// Handler returns the HTTP handler serving /connect.
func (cm *ConnectionManager) Handler() http.Handler { return cm.server.Handler }

// Start runs the HTTP server for WebSocket connections.
func (cm *ConnectionManager) Start(_ context.Context) error {
	cm.logger.Info().Str("addr", cm.server.Addr).Msg("WebSocket server starting...")
	if err := cm.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("websocket server failed: %w", err)
	}
	return nil
}

// Shutdown stops the HTTP server. Hijacked WebSocket connections are not
// touched; the shutdown coordinator drains them.
func (cm *ConnectionManager) Shutdown(ctx context.Context) error {
	cm.logger.Info().Msg("Shutting down WebSocket server...")
	if err := cm.server.Shutdown(ctx); err != nil {
		cm.logger.Error().Err(err).Msg("WebSocket server shutdown failed.")
		return err
	}
	cm.logger.Info().Msg("WebSocket server shut down.")
	return nil
}

// connectHandler upgrades a new HTTP request to a WebSocket and manages its lifecycle.
func (cm *ConnectionManager) connectHandler(w http.ResponseWriter, r *http.Request) {
	if cm.deps.Admission != nil && !cm.deps.Admission.Accepting() {
		http.Error(w, "Service shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		cm.logger.Warn().Err(err).Msg("Failed to upgrade connection.")
		return
	}
	conn.SetReadLimit(cm.cfg.MaxMessageBytes)

	identity, err := cm.handshake(r, conn)
	if err != nil {
		cm.reject(conn, err)
		return
	}
	cm.serve(conn, *identity)
}

// handshake authenticates from the Authorization header, the token query
// parameter or, if neither is present, a first auth frame.
func (cm *ConnectionManager) handshake(r *http.Request, conn *websocket.Conn) (*realtime.Identity, error) {
	ctx, cancel := context.WithTimeout(r.Context(), cm.cfg.HandshakeTimeout)
	defer cancel()

	token := credentialFromRequest(r)
	if token == "" {
		var err error
		token, err = readAuthFrame(conn, cm.cfg.HandshakeTimeout)
		if err != nil {
			return nil, err
		}
	}
	return cm.deps.Authenticator.Authenticate(ctx, token)
}

func credentialFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return h
	}
	return r.URL.Query().Get("token")
}

type authPayload struct {
	Token string `json:"token"`
}

func readAuthFrame(conn *websocket.Conn, timeout time.Duration) (string, error) {
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	var frame realtime.Frame
	if err := conn.ReadJSON(&frame); err != nil {
		return "", fmt.Errorf("%w: missing credential", realtime.ErrAuthentication)
	}
	if frame.Event != realtime.EventAuth {
		return "", fmt.Errorf("%w: missing credential", realtime.ErrAuthentication)
	}
	var p authPayload
	if err := json.Unmarshal(frame.Data, &p); err != nil {
		return "", fmt.Errorf("%w: malformed auth frame", realtime.ErrAuthentication)
	}
	return p.Token, nil
}

// reject reports the failure and closes the socket. Only authentication
// failures end a connection this way.
func (cm *ConnectionManager) reject(conn *websocket.Conn, err error) {
	defer func() { _ = conn.Close() }()
	if cm.deps.Health != nil {
		cm.deps.Health.ReportAuthFailure()
		if errors.Is(err, realtime.ErrTransport) {
			cm.deps.Health.ReportTransportError(userLookupComponent, err)
		}
	}
	cm.logger.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("Handshake rejected")

	msg := err.Error()
	if !errors.Is(err, realtime.ErrAuthentication) {
		msg = realtime.ErrAuthentication.Error() + ": " + msg
	}
	deadline := time.Now().Add(cm.cfg.WriteWait)
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.WriteJSON(realtime.NewError(msg))
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(CloseAuthenticationFailed, realtime.ErrAuthentication.Error()), deadline)
}

// serve owns an authenticated connection until it ends.
func (cm *ConnectionManager) serve(conn *websocket.Conn, identity realtime.Identity) {
	connID := uuid.NewString()
	log := cm.logger.With().Str("user", identity.UserID).Str("connection", connID).Logger()
	s := newSocket(connID, identity, conn, cm.cfg, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writePump()
	}()

	first := cm.deps.Registry.Register(identity, s)
	log.Info().Bool("first_connection", first).Msg("User connected via WebSocket.")
	s.TryDeliver(realtime.OutboundEvent{
		Event: realtime.EventConnected,
		Data:  realtime.ConnectedPayload{UserID: identity.UserID, Timestamp: time.Now().UTC()},
	})
	if cm.deps.Admission != nil && !cm.deps.Admission.Accepting() {
		// Shutdown began after the upgrade and its snapshot may have
		// missed this connection.
		log.Info().Msg("Connection registered during shutdown. Closing.")
		s.TryDeliver(realtime.OutboundEvent{
			Event: realtime.EventSystemHealth,
			Data:  realtime.SystemHealthPayload{Status: "shutting_down", Timestamp: time.Now().UTC()},
		})
		s.Close(websocket.CloseGoingAway, "server shutting down")
	} else if first {
		cm.deps.Presence.Announce(ctx, identity.UserID, realtime.StatusOnline)
	}

	commands := make(chan realtime.Frame, cm.cfg.CommandBuffer)
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		cm.consume(ctx, s, commands)
	}()

	cm.readPump(ctx, s, commands)

	// The reader is gone: stop the consumer before touching membership so
	// no join can land after LeaveAll.
	cancel()
	close(commands)
	<-consumerDone

	left := cm.deps.Rooms.LeaveAll(connID)
	_, last, _ := cm.deps.Registry.Unregister(connID)
	if last {
		cm.deps.Presence.Announce(context.Background(), identity.UserID, realtime.StatusOffline)
	}
	s.terminate()
	<-writerDone
	log.Info().Int("rooms_left", len(left)).Bool("last_connection", last).Msg("User disconnected.")
}

// readPump reads frames until the connection fails or closes.
func (cm *ConnectionManager) readPump(ctx context.Context, s *socket, commands chan<- realtime.Frame) {
	conn := s.conn
	_ = conn.SetReadDeadline(time.Now().Add(cm.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		cm.deps.Registry.Touch(s.id)
		return conn.SetReadDeadline(time.Now().Add(cm.cfg.PongWait))
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.logger.Debug().Err(err).Msg("Connection closed unexpectedly")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(cm.cfg.PongWait))
		cm.deps.Registry.Touch(s.id)

		if msgType != websocket.TextMessage {
			s.TryDeliver(realtime.NewError("Only text frames are supported"))
			continue
		}
		var frame realtime.Frame
		if err := json.Unmarshal(data, &frame); err != nil || strings.TrimSpace(frame.Event) == "" {
			s.TryDeliver(realtime.NewError("Invalid frame: expected {\"event\", \"data\"}"))
			continue
		}
		select {
		case commands <- frame:
		case <-ctx.Done():
			return
		}
	}
}

// consume replays the queue, then runs commands strictly in order.
func (cm *ConnectionManager) consume(ctx context.Context, s *socket, commands <-chan realtime.Frame) {
	if _, err := cm.deps.Dispatcher.SendQueuedNotifications(ctx, s.identity.UserID, s.id); err != nil {
		s.logger.Warn().Err(err).Msg("Queued notifications not fully delivered")
	}
	for frame := range commands {
		if ctx.Err() != nil {
			continue
		}
		cm.handlers.handle(ctx, s, frame)
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.TrimRight(o, "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}
