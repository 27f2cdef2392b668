// Package health tracks degraded-mode signals (store failures, dropped
// broadcasts) and periodically reports them to operators.
package health

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DefaultDegradedWindow is how long the service reports itself degraded
// after the last transport error.
const DefaultDegradedWindow = time.Minute

// Snapshot is a point-in-time view of the monitor.
type Snapshot struct {
	TransportErrors   int64     `json:"transportErrors"`
	DroppedBroadcasts int64     `json:"droppedBroadcasts"`
	AuthFailures      int64     `json:"authFailures"`
	Degraded          bool      `json:"degraded"`
	LastError         string    `json:"lastError,omitempty"`
	LastErrorAt       time.Time `json:"lastErrorAt,omitempty"`
}

// Monitor counts failures in process and mirrors them to OpenTelemetry.
type Monitor struct {
	transportErrors atomic.Int64
	dropped         atomic.Int64
	authFailures    atomic.Int64

	mu          sync.RWMutex
	lastError   string
	lastErrorAt time.Time

	window time.Duration
	now    func() time.Time
	logger zerolog.Logger

	transportCounter metric.Int64Counter
	droppedCounter   metric.Int64Counter
	authCounter      metric.Int64Counter
}

// NewMonitor creates a monitor using the global meter provider. A
// non-positive window uses DefaultDegradedWindow.
func NewMonitor(window time.Duration, logger zerolog.Logger) *Monitor {
	if window <= 0 {
		window = DefaultDegradedWindow
	}
	meter := otel.Meter("realtime-service")
	transportCounter, _ := meter.Int64Counter("realtime_transport_errors_total",
		metric.WithDescription("Total failed calls to external stores"))
	droppedCounter, _ := meter.Int64Counter("realtime_dropped_broadcasts_total",
		metric.WithDescription("Total broadcast frames dropped on full send buffers"))
	authCounter, _ := meter.Int64Counter("realtime_auth_failures_total",
		metric.WithDescription("Total rejected handshakes"))

	return &Monitor{
		window:           window,
		now:              time.Now,
		logger:           logger.With().Str("component", "HealthMonitor").Logger(),
		transportCounter: transportCounter,
		droppedCounter:   droppedCounter,
		authCounter:      authCounter,
	}
}

// ReportTransportError records a failed call to an external store.
func (m *Monitor) ReportTransportError(component string, err error) {
	m.transportErrors.Add(1)
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	m.mu.Lock()
	m.lastError = component + ": " + msg
	m.lastErrorAt = m.now()
	m.mu.Unlock()

	m.logger.Warn().Str("source", component).Str("error", msg).Msg("Transport error. Service degraded.")
	if m.transportCounter != nil {
		m.transportCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("component", component)))
	}
}

// ReportDroppedBroadcast records a frame dropped for a slow connection.
func (m *Monitor) ReportDroppedBroadcast(room string) {
	m.dropped.Add(1)
	if m.droppedCounter != nil {
		m.droppedCounter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("room", room)))
	}
}

// ReportAuthFailure records a rejected handshake.
func (m *Monitor) ReportAuthFailure() {
	m.authFailures.Add(1)
	if m.authCounter != nil {
		m.authCounter.Add(context.Background(), 1)
	}
}

// Degraded reports whether a transport error happened within the window.
func (m *Monitor) Degraded() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.lastErrorAt.IsZero() && m.now().Sub(m.lastErrorAt) < m.window
}

// Snapshot returns the current counters.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	lastError, lastErrorAt := m.lastError, m.lastErrorAt
	m.mu.RUnlock()
	return Snapshot{
		TransportErrors:   m.transportErrors.Load(),
		DroppedBroadcasts: m.dropped.Load(),
		AuthFailures:      m.authFailures.Load(),
		Degraded:          m.Degraded(),
		LastError:         lastError,
		LastErrorAt:       lastErrorAt,
	}
}
