// Package audit persists room-access decisions to a Redis stream.
package audit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-realtime-service/pkg/realtime"
)

const (
	DefaultStream = "audit:rooms"
	DefaultMaxLen = 100000
)

// redisClient is the subset of go-redis used by the sink.
type redisClient interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisStreamSink appends audit records to a capped stream.
type RedisStreamSink struct {
	client redisClient
	stream string
	maxLen int64
	logger zerolog.Logger
}

// NewRedisStreamSink creates the sink. Empty stream and non-positive maxLen
// use the defaults.
func NewRedisStreamSink(client redisClient, stream string, maxLen int64, logger zerolog.Logger) (*RedisStreamSink, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if stream == "" {
		stream = DefaultStream
	}
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	return &RedisStreamSink{
		client: client,
		stream: stream,
		maxLen: maxLen,
		logger: logger.With().Str("component", "RedisAuditSink").Logger(),
	}, nil
}

// Record implements realtime.AuditSink.
func (s *RedisStreamSink) Record(ctx context.Context, rec realtime.AuditRecord) error {
	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{
			"userId":     rec.UserID,
			"role":       rec.Role,
			"room":       rec.Room,
			"action":     rec.Action,
			"authorized": strconv.FormatBool(rec.Authorized),
			"reason":     rec.Reason,
			"timestamp":  rec.Timestamp.UTC().Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		s.logger.Error().Err(err).Str("stream", s.stream).Msg("Failed to append audit record")
		return fmt.Errorf("%w: audit xadd: %w", realtime.ErrTransport, err)
	}
	return nil
}
