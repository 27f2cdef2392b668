package queue

import (
	"context"
	"sync"
	"time"

	"github.com/tinywideclouds/go-realtime-service/pkg/realtime"
)

type memoryQueue struct {
	entries   []realtime.QueuedNotification
	expiresAt time.Time
}

// MemoryStore is an in-process NotificationQueueStore and ReadReceiptStore.
// It backs the local run mode and is the fallback while the durable store
// is unreachable. It behaves like the Redis list: appends refresh the
// expiry of the whole queue and the oldest entries are evicted past maxLen.
type MemoryStore struct {
	mu       sync.Mutex
	queues   map[string]*memoryQueue
	receipts map[string]map[string]time.Time
	maxLen   int
	ttl      time.Duration
	now      func() time.Time
}

// NewMemoryStore creates a store. maxLen <= 0 leaves queues unbounded and
// ttl <= 0 disables expiry.
func NewMemoryStore(maxLen int, ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		queues:   make(map[string]*memoryQueue),
		receipts: make(map[string]map[string]time.Time),
		maxLen:   maxLen,
		ttl:      ttl,
		now:      time.Now,
	}
}

// queue returns the live queue of userID, discarding it if it expired.
// Callers hold s.mu.
func (s *MemoryStore) queue(userID string) *memoryQueue {
	q, ok := s.queues[userID]
	if !ok {
		return nil
	}
	if !q.expiresAt.IsZero() && !s.now().Before(q.expiresAt) {
		delete(s.queues, userID)
		return nil
	}
	return q
}

func (s *MemoryStore) Append(_ context.Context, userID string, entry realtime.QueuedNotification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queue(userID)
	if q == nil {
		q = &memoryQueue{}
		s.queues[userID] = q
	}
	q.entries = append(q.entries, entry)
	if s.maxLen > 0 && len(q.entries) > s.maxLen {
		q.entries = append([]realtime.QueuedNotification(nil), q.entries[len(q.entries)-s.maxLen:]...)
	}
	if s.ttl > 0 {
		q.expiresAt = s.now().Add(s.ttl)
	}
	return nil
}

func (s *MemoryStore) Range(_ context.Context, userID string) ([]realtime.QueuedNotification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queue(userID)
	if q == nil {
		return nil, nil
	}
	return append([]realtime.QueuedNotification(nil), q.entries...), nil
}

func (s *MemoryStore) Trim(_ context.Context, userID string, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queue(userID)
	if q == nil || count <= 0 {
		return nil
	}
	if count >= len(q.entries) {
		delete(s.queues, userID)
		return nil
	}
	q.entries = append([]realtime.QueuedNotification(nil), q.entries[count:]...)
	return nil
}

func (s *MemoryStore) Clear(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.queues, userID)
	return nil
}

// Len reports the number of live entries queued for userID.
func (s *MemoryStore) Len(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q := s.queue(userID); q != nil {
		return len(q.entries)
	}
	return 0
}

func (s *MemoryStore) MarkRead(_ context.Context, userID, notificationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.receipts[userID]
	if !ok {
		set = make(map[string]time.Time)
		s.receipts[userID] = set
	}
	if _, seen := set[notificationID]; !seen {
		set[notificationID] = s.now()
	}
	return nil
}

// IsRead reports whether notificationID was acknowledged by userID.
func (s *MemoryStore) IsRead(userID, notificationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.receipts[userID][notificationID]
	return ok
}
