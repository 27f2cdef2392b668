package policy

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-realtime-service/pkg/realtime"
)

// LogAuditSink writes audit records to a logger.
type LogAuditSink struct {
	logger zerolog.Logger
}

func NewLogAuditSink(logger zerolog.Logger) *LogAuditSink {
	return &LogAuditSink{logger: logger.With().Str("component", "RoomAudit").Logger()}
}

func (s *LogAuditSink) Record(_ context.Context, rec realtime.AuditRecord) error {
	ev := s.logger.Info()
	if !rec.Authorized {
		ev = s.logger.Warn()
	}
	ev.Str("user", rec.UserID).
		Str("role", rec.Role).
		Str("room", rec.Room).
		Str("action", rec.Action).
		Bool("authorized", rec.Authorized).
		Str("reason", rec.Reason).
		Time("at", rec.Timestamp).
		Msg("Room access")
	return nil
}

// MultiAuditSink records to every sink in order. A failing sink does not
// stop the rest.
type MultiAuditSink []realtime.AuditSink

func (m MultiAuditSink) Record(ctx context.Context, rec realtime.AuditRecord) error {
	var errs []error
	for _, sink := range m {
		if err := sink.Record(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AsyncAuditSink hands records to a background worker so slow sinks never
// hold up a connection. When the buffer is full the record is written
// inline instead of being dropped.
type AsyncAuditSink struct {
	next   realtime.AuditSink
	ch     chan realtime.AuditRecord
	logger zerolog.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewAsyncAuditSink starts the worker. Close must be called to flush it.
func NewAsyncAuditSink(next realtime.AuditSink, buffer int, logger zerolog.Logger) *AsyncAuditSink {
	if buffer <= 0 {
		buffer = 1024
	}
	s := &AsyncAuditSink{
		next:   next,
		ch:     make(chan realtime.AuditRecord, buffer),
		logger: logger.With().Str("component", "AsyncAudit").Logger(),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *AsyncAuditSink) run() {
	defer close(s.done)
	for rec := range s.ch {
		s.write(context.Background(), rec)
	}
}

func (s *AsyncAuditSink) write(ctx context.Context, rec realtime.AuditRecord) {
	if err := s.next.Record(ctx, rec); err != nil {
		s.logger.Warn().Err(err).Str("user", rec.UserID).Str("room", rec.Room).Msg("Audit sink write failed")
	}
}

// Record enqueues rec. It always returns nil; downstream failures are logged.
func (s *AsyncAuditSink) Record(ctx context.Context, rec realtime.AuditRecord) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.write(ctx, rec)
		return nil
	}
	select {
	case s.ch <- rec:
	default:
		s.write(ctx, rec)
	}
	return nil
}

// Close stops accepting records and waits for the buffer to flush.
func (s *AsyncAuditSink) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
