// Package shutdown drains live connections and pending queue writes before
// the process exits.
package shutdown

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-realtime-service/internal/registry"
	"github.com/tinywideclouds/go-realtime-service/pkg/realtime"
)

// DefaultDrainTimeout bounds the wait for connections to leave.
const DefaultDrainTimeout = 10 * time.Second

// CloseGoingAway is the WebSocket close code sent to clients.
const CloseGoingAway = 1001

// State of the coordinator.
type State int32

const (
	Running State = iota
	Draining
	Closed
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Connections is the view of the registry needed to drain.
type Connections interface {
	Handles() []registry.Handle
	Stats() registry.Stats
}

// InFlight waits for pending queue writes.
type InFlight interface {
	Wait(ctx context.Context) error
}

// Coordinator runs the shutdown sequence once.
type Coordinator struct {
	conns        Connections
	inflight     InFlight
	drainTimeout time.Duration
	pollInterval time.Duration
	logger       zerolog.Logger

	state atomic.Int32
	once  sync.Once
	done  chan struct{}
}

// New creates a Coordinator. inflight may be nil.
func New(conns Connections, inflight InFlight, drainTimeout time.Duration, logger zerolog.Logger) *Coordinator {
	if drainTimeout <= 0 {
		drainTimeout = DefaultDrainTimeout
	}
	return &Coordinator{
		conns:        conns,
		inflight:     inflight,
		drainTimeout: drainTimeout,
		pollInterval: 20 * time.Millisecond,
		logger:       logger.With().Str("component", "ShutdownCoordinator").Logger(),
		done:         make(chan struct{}),
	}
}

// State returns the current state.
func (c *Coordinator) State() State { return State(c.state.Load()) }

// Accepting reports whether new connections may be admitted.
func (c *Coordinator) Accepting() bool { return c.State() == Running }

// Done is closed once the coordinator reaches Closed.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// Shutdown stops admission, notifies and closes live connections and waits
// up to the drain timeout for them to leave. Connections still registered
// after that are force-closed. Calls after the first return nil at once.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(Running), int32(Draining)) {
		return nil
	}
	defer c.once.Do(func() {
		c.state.Store(int32(Closed))
		close(c.done)
	})

	handles := c.conns.Handles()
	c.logger.Info().Int("connections", len(handles)).Dur("drain_timeout", c.drainTimeout).Msg("Shutdown started. Draining connections.")

	notice := realtime.OutboundEvent{
		Event: realtime.EventSystemHealth,
		Data:  realtime.SystemHealthPayload{Status: "shutting_down", Timestamp: time.Now().UTC()},
	}
	for _, h := range handles {
		h.TryDeliver(notice)
		h.Close(CloseGoingAway, "server shutting down")
	}

	drainCtx, cancel := context.WithTimeout(ctx, c.drainTimeout)
	defer cancel()

	var inflightErr error
	if c.inflight != nil {
		if inflightErr = c.inflight.Wait(drainCtx); inflightErr != nil {
			c.logger.Error().Err(inflightErr).Msg("Pending queue writes did not finish in time")
		}
	}

	if c.waitForEmpty(drainCtx) {
		c.logger.Info().Msg("All connections drained")
		if inflightErr != nil {
			return fmt.Errorf("%w: pending queue writes: %w", realtime.ErrShutdownTimeout, inflightErr)
		}
		return nil
	}

	remaining := c.conns.Handles()
	for _, h := range remaining {
		err := fmt.Errorf("%w: connection %s of user %s", realtime.ErrShutdownTimeout, h.ID(), h.Identity().UserID)
		c.logger.Error().Err(err).Msg("Force-closing connection")
		h.Close(CloseGoingAway, "server shutting down")
	}
	return fmt.Errorf("%w: %d connections force-closed", realtime.ErrShutdownTimeout, len(remaining))
}

func (c *Coordinator) waitForEmpty(ctx context.Context) bool {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		if c.conns.Stats().ConnectedSockets == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return c.conns.Stats().ConnectedSockets == 0
		case <-ticker.C:
		}
	}
}
