// Package realtimeservice wires the realtime components into a runnable
// service: the internal API server, the WebSocket connection manager and
// the background workers.
package realtimeservice

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-realtime-service/internal/api"
	"github.com/tinywideclouds/go-realtime-service/internal/auth"
	"github.com/tinywideclouds/go-realtime-service/internal/dispatch"
	"github.com/tinywideclouds/go-realtime-service/internal/health"
	"github.com/tinywideclouds/go-realtime-service/internal/platform/audit"
	"github.com/tinywideclouds/go-realtime-service/internal/platform/bus"
	rqueue "github.com/tinywideclouds/go-realtime-service/internal/platform/queue"
	"github.com/tinywideclouds/go-realtime-service/internal/policy"
	"github.com/tinywideclouds/go-realtime-service/internal/presence"
	"github.com/tinywideclouds/go-realtime-service/internal/queue"
	rt "github.com/tinywideclouds/go-realtime-service/internal/realtime"
	"github.com/tinywideclouds/go-realtime-service/internal/registry"
	"github.com/tinywideclouds/go-realtime-service/internal/shutdown"
	"github.com/tinywideclouds/go-realtime-service/internal/validation"
	"github.com/tinywideclouds/go-realtime-service/pkg/realtime"
	"github.com/tinywideclouds/go-realtime-service/realtimeservice/config"
)

// Dependencies are the external clients the service runs against. Nats is
// optional; without it presence stays local and bus ingestion is disabled.
type Dependencies struct {
	Redis *redis.Client
	Nats  *nats.Conn
	Users realtime.UserLookup
}

// Wrapper owns every component of a running instance.
type Wrapper struct {
	apiServer   *http.Server
	connManager *rt.ConnectionManager
	coordinator *shutdown.Coordinator
	dispatcher  *dispatch.Dispatcher
	registry    *registry.Registry
	reporter    *health.Reporter
	audit       *policy.AsyncAuditSink
	subscriber  *bus.NotificationSubscriber
	logger      zerolog.Logger

	ready     atomic.Bool
	readyChan chan struct{}
	addr      atomic.Value

	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// New creates and wires up the entire realtime service.
func New(cfg *config.AppConfig, deps Dependencies, logger zerolog.Logger) (*Wrapper, error) {
	if deps.Redis == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if deps.Users == nil {
		return nil, fmt.Errorf("user lookup cannot be nil")
	}
	queueTTL := cfg.Queue.TTL
	if queueTTL <= 0 {
		queueTTL = dispatch.DefaultQueueTTL
	}

	// 1. State and health.
	reg := registry.New()
	rooms := registry.NewRooms()
	monitor := health.NewMonitor(cfg.DegradedWindow, logger)

	// 2. Queueing.
	durable, err := rqueue.NewRedisStore(deps.Redis, cfg.Queue.MaxLength, queueTTL, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create redis queue store: %w", err)
	}
	fallback := queue.NewMemoryStore(cfg.Queue.FallbackMaxLength, queueTTL)
	notificationQueue, err := queue.NewFailoverQueue(durable, fallback, monitor, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create notification queue: %w", err)
	}

	dispatcher, err := dispatch.New(reg, rooms, notificationQueue, durable, monitor, dispatch.Config{
		QueueTTL:       queueTTL,
		DeliverTimeout: cfg.Queue.DeliverTimeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatcher: %w", err)
	}

	// 3. Access control.
	streamSink, err := audit.NewRedisStreamSink(deps.Redis, cfg.Audit.Stream, cfg.Audit.MaxLen, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit stream sink: %w", err)
	}
	auditSink := policy.NewAsyncAuditSink(policy.MultiAuditSink{policy.NewLogAuditSink(logger), streamSink}, cfg.Audit.Buffer, logger)
	roomPolicy := policy.New(cfg.EntityRoles, auditSink, logger)

	verifier, err := auth.NewJWTVerifier(auth.JWTConfig{
		Secret:   []byte(cfg.JWTSecret),
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create jwt verifier: %w", err)
	}
	authenticator, err := auth.NewAuthenticator(verifier, deps.Users, cfg.Auth.MaxTokenBytes, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create authenticator: %w", err)
	}

	// 4. Presence and the bus.
	var publisher realtime.Publisher
	var subjectOf presence.SubjectFunc
	var subscriber *bus.NotificationSubscriber
	if deps.Nats != nil {
		p, err := bus.NewPublisher(deps.Nats)
		if err != nil {
			return nil, fmt.Errorf("failed to create bus publisher: %w", err)
		}
		publisher, subjectOf = p, bus.PresenceSubject

		subscriber, err = bus.NewNotificationSubscriber(deps.Nats, dispatcher, cfg.Nats.QueueGroup, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create notification subscriber: %w", err)
		}
	}
	announcer := presence.New(dispatcher, reg, publisher, subjectOf, logger)

	coordinator := shutdown.New(reg, dispatcher, cfg.DrainTimeout, logger)
	validator := validation.New(cfg.MaxPayloadBytes)

	// 5. The WebSocket endpoint.
	connManager, err := rt.NewConnectionManager(rt.Config{
		Port:             cfg.WebSocketPort,
		HandshakeTimeout: cfg.Auth.HandshakeTimeout,
		PingInterval:     cfg.WebSocket.PingInterval,
		PongWait:         cfg.WebSocket.PongWait,
		WriteWait:        cfg.WebSocket.WriteWait,
		MaxMessageBytes:  cfg.WebSocket.MaxMessageBytes,
		SendBuffer:       cfg.WebSocket.SendBuffer,
		CommandBuffer:    cfg.WebSocket.CommandBuffer,
		AllowedOrigins:   cfg.AllowedOrigins,
	}, rt.Dependencies{
		Authenticator: authenticator,
		Validator:     validator,
		Policy:        roomPolicy,
		Registry:      reg,
		Rooms:         rooms,
		Dispatcher:    dispatcher,
		Presence:      announcer,
		Admission:     coordinator,
		Health:        monitor,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}

	w := &Wrapper{
		connManager: connManager,
		coordinator: coordinator,
		dispatcher:  dispatcher,
		registry:    reg,
		reporter:    health.NewReporter(monitor, reg, dispatcher, policy.SystemHealthRoom, cfg.HealthInterval, logger),
		audit:       auditSink,
		subscriber:  subscriber,
		logger:      logger.With().Str("component", "RealtimeService").Logger(),
		readyChan:   make(chan struct{}),
	}

	// 6. The internal API.
	apiHandler := api.NewAPI(dispatcher, reg, rooms, monitor, validator, logger)
	mux := http.NewServeMux()
	apiHandler.Register(mux, api.RequireRoles(verifier, logger, realtime.RoleService, realtime.RoleAdmin))
	mux.HandleFunc("GET /healthz", func(rw http.ResponseWriter, _ *http.Request) {
		api.WriteJSON(rw, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /readyz", w.readyHandler)
	w.apiServer = &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return w, nil
}

// ConnectionManager returns the WebSocket endpoint so it can be run
// alongside the API service.
func (w *Wrapper) ConnectionManager() *rt.ConnectionManager { return w.connManager }

// Handler returns the internal API handler.
func (w *Wrapper) Handler() http.Handler { return w.apiServer.Handler }

// Ready is closed once the API listener is active.
func (w *Wrapper) Ready() <-chan struct{} { return w.readyChan }

// Addr returns the API listener address once Ready is closed.
func (w *Wrapper) Addr() string {
	addr, _ := w.addr.Load().(string)
	return addr
}

func (w *Wrapper) readyHandler(rw http.ResponseWriter, _ *http.Request) {
	if !w.ready.Load() || !w.coordinator.Accepting() {
		api.WriteJSON(rw, http.StatusServiceUnavailable, map[string]string{"status": w.coordinator.State().String()})
		return
	}
	api.WriteJSON(rw, http.StatusOK, map[string]string{"status": "ready"})
}

// Start runs the background components, then serves the internal API until
// Shutdown.
func (w *Wrapper) Start(ctx context.Context) error {
	if w.subscriber != nil {
		w.logger.Info().Msg("Notification subscriber starting...")
		if err := w.subscriber.Start(); err != nil {
			return fmt.Errorf("failed to start notification subscriber: %w", err)
		}
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	w.bgCancel = cancel
	w.bgWG.Add(1)
	go func() {
		defer w.bgWG.Done()
		w.reporter.Run(bgCtx)
	}()

	lis, err := net.Listen("tcp", w.apiServer.Addr)
	if err != nil {
		return fmt.Errorf("API server failed to listen: %w", err)
	}
	w.addr.Store(lis.Addr().String())

	serverErrChan := make(chan error, 1)
	go func() {
		if err := w.apiServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.logger.Error().Err(err).Msg("HTTP server failed")
			serverErrChan <- err
		}
		close(serverErrChan)
	}()

	w.logger.Info().Str("addr", lis.Addr().String()).Msg("HTTP listener is active.")
	w.ready.Store(true)
	close(w.readyChan)
	w.logger.Info().Msg("Service is now ready.")

	select {
	case err, ok := <-serverErrChan:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown gracefully stops all service components in the correct order:
// bus ingestion, live connections, the API server, then background workers.
func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info().Msg("Shutting down service components...")
	w.ready.Store(false)
	var finalErr error

	if w.subscriber != nil {
		if err := w.subscriber.Stop(ctx); err != nil {
			w.logger.Error().Err(err).Msg("Notification subscriber shutdown failed.")
			finalErr = errors.Join(finalErr, err)
		}
	}

	if err := w.coordinator.Shutdown(ctx); err != nil {
		w.logger.Error().Err(err).Msg("Connection drain did not complete.")
		finalErr = errors.Join(finalErr, err)
	}

	if err := w.apiServer.Shutdown(ctx); err != nil {
		w.logger.Error().Err(err).Msg("HTTP server shutdown failed.")
		finalErr = errors.Join(finalErr, err)
	}

	if w.bgCancel != nil {
		w.bgCancel()
	}
	w.bgWG.Wait()

	if err := w.audit.Close(ctx); err != nil {
		w.logger.Error().Err(err).Msg("Audit sink did not flush.")
		finalErr = errors.Join(finalErr, err)
	}

	w.logger.Info().Msg("All components shut down.")
	return finalErr
}
