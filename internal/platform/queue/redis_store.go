// Package queue implements the durable notification queue and read
// receipts on Redis.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-realtime-service/pkg/realtime"
)

// redisClient defines the interface we need from go-redis.
type redisClient interface {
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	TxPipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error)
}

// RedisStore implements realtime.NotificationQueueStore and
// realtime.ReadReceiptStore. Each user has:
//  1. `notifications:queue:{userId}`: a list of JSON records, appended at
//     the tail (RPUSH) and read from the head.
//  2. `notifications:read:{userId}`: a set of acknowledged notification ids.
//
// Both keys expire ttl after the last write.
type RedisStore struct {
	client redisClient
	maxLen int64
	ttl    time.Duration
	logger zerolog.Logger
}

// NewRedisStore is the constructor for the RedisStore. maxLen <= 0 leaves
// queues unbounded; ttl <= 0 disables expiry.
func NewRedisStore(client redisClient, maxLen int, ttl time.Duration, logger zerolog.Logger) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	return &RedisStore{
		client: client,
		maxLen: int64(maxLen),
		ttl:    ttl,
		logger: logger.With().Str("component", "RedisQueueStore").Logger(),
	}, nil
}

// Append pushes the entry to the tail, evicts the oldest entries beyond
// maxLen and refreshes the expiry, all in one transaction.
func (s *RedisStore) Append(ctx context.Context, userID string, entry realtime.QueuedNotification) error {
	log := s.logger.With().Str("user", userID).Logger()

	payload, err := json.Marshal(entry)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal queued notification")
		return fmt.Errorf("failed to marshal queued notification: %w", err)
	}

	key := userQueueKey(userID)
	log.Debug().Str("key", key).Str("notification", entry.ID).Msg("Appending notification to queue")

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, payload)
		if s.maxLen > 0 {
			pipe.LTrim(ctx, key, -s.maxLen, -1)
		}
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("Failed to rpush to queue")
		return fmt.Errorf("failed to rpush to queue: %w", err)
	}
	return nil
}

// Range returns the whole queue, head first. An entry that cannot be decoded
// is returned as already expired so the drain drops it with the prefix.
func (s *RedisStore) Range(ctx context.Context, userID string) ([]realtime.QueuedNotification, error) {
	key := userQueueKey(userID)
	payloads, err := s.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		s.logger.Error().Err(err).Str("user", userID).Msg("Failed to read queue")
		return nil, fmt.Errorf("failed to lrange queue: %w", err)
	}

	entries := make([]realtime.QueuedNotification, 0, len(payloads))
	for _, payload := range payloads {
		var entry realtime.QueuedNotification
		if err := json.Unmarshal([]byte(payload), &entry); err != nil {
			s.logger.Warn().Err(err).Str("user", userID).Msg("Skipping poison message in queue")
			entry = realtime.QueuedNotification{QueuedAt: time.Unix(0, 0), TTLSeconds: 1}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Trim removes the first count entries.
func (s *RedisStore) Trim(ctx context.Context, userID string, count int) error {
	if count <= 0 {
		return nil
	}
	if err := s.client.LTrim(ctx, userQueueKey(userID), int64(count), -1).Err(); err != nil {
		s.logger.Error().Err(err).Str("user", userID).Int("count", count).Msg("Failed to ltrim queue")
		return fmt.Errorf("failed to ltrim queue: %w", err)
	}
	return nil
}

// Clear deletes the user's queue.
func (s *RedisStore) Clear(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, userQueueKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to delete queue: %w", err)
	}
	return nil
}

// MarkRead adds the id to the user's read set.
func (s *RedisStore) MarkRead(ctx context.Context, userID, notificationID string) error {
	key := userReadKey(userID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, key, notificationID)
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	if err != nil {
		s.logger.Error().Err(err).Str("user", userID).Str("notification", notificationID).Msg("Failed to record read receipt")
		return fmt.Errorf("failed to sadd read receipt: %w", err)
	}
	return nil
}

// --- Private Helpers ---

// key formatting helpers
func userQueueKey(userID string) string { return fmt.Sprintf("notifications:queue:%s", userID) }
func userReadKey(userID string) string  { return fmt.Sprintf("notifications:read:%s", userID) }
