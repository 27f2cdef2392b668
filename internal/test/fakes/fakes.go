// Package fakes provides in-memory test doubles for the service's
// dependencies. They are used in package tests and by the local run mode.
package fakes

import (
	"context"
	"errors"
	"sync"

	"github.com/tinywideclouds/go-realtime-service/pkg/realtime"
)

// ErrClosed is returned by Handle.Deliver after Close.
var ErrClosed = errors.New("fake handle closed")

// --- Connection handle ---

// Handle is a recording connection handle with a bounded buffer.
type Handle struct {
	id       string
	identity realtime.Identity

	mu     sync.Mutex
	events []realtime.OutboundEvent
	limit  int
	closed bool
	code   int
	reason string
	// Gate, when set, holds Deliver until it is closed, simulating a slow
	// network write.
	Gate chan struct{}
	// FailDeliver makes Deliver fail, simulating a socket that died mid-drain.
	FailDeliver bool
	// FailAfter makes Deliver fail once this many events were accepted (0 = never).
	FailAfter int
}

// NewHandle creates a handle accepting up to limit events (0 = unbounded).
func NewHandle(id string, identity realtime.Identity, limit int) *Handle {
	return &Handle{id: id, identity: identity, limit: limit}
}

func (h *Handle) ID() string                  { return h.id }
func (h *Handle) Identity() realtime.Identity { return h.identity }

func (h *Handle) Deliver(ctx context.Context, event realtime.OutboundEvent) error {
	if h.Gate != nil {
		select {
		case <-h.Gate:
		case <-ctx.Done():
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || h.FailDeliver || (h.FailAfter > 0 && len(h.events) >= h.FailAfter) {
		return ErrClosed
	}
	h.events = append(h.events, event)
	return nil
}

func (h *Handle) TryDeliver(event realtime.OutboundEvent) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || (h.limit > 0 && len(h.events) >= h.limit) {
		return false
	}
	h.events = append(h.events, event)
	return true
}

func (h *Handle) Close(code int, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.code = code
	h.reason = reason
}

// Events returns a copy of everything delivered so far.
func (h *Handle) Events() []realtime.OutboundEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]realtime.OutboundEvent(nil), h.events...)
}

// EventsNamed returns delivered events with the given name.
func (h *Handle) EventsNamed(name string) []realtime.OutboundEvent {
	var out []realtime.OutboundEvent
	for _, e := range h.Events() {
		if e.Event == name {
			out = append(out, e)
		}
	}
	return out
}

// Closed reports whether Close was called, with its code and reason.
func (h *Handle) Closed() (bool, int, string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed, h.code, h.reason
}

// --- Collaborators ---

// UserLookup is an in-memory user directory.
type UserLookup struct {
	mu    sync.RWMutex
	users map[string]realtime.Identity
	Err   error
}

// NewUserLookup creates a directory pre-populated with identities.
func NewUserLookup(identities ...realtime.Identity) *UserLookup {
	u := &UserLookup{users: make(map[string]realtime.Identity)}
	for _, id := range identities {
		u.users[id.UserID] = id
	}
	return u
}

// Add inserts or replaces an identity.
func (u *UserLookup) Add(identity realtime.Identity) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.users[identity.UserID] = identity
}

func (u *UserLookup) FindByID(_ context.Context, userID string) (*realtime.Identity, error) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if u.Err != nil {
		return nil, u.Err
	}
	identity, ok := u.users[userID]
	if !ok {
		return nil, nil
	}
	return &identity, nil
}

// AuditSink records every audit record it receives.
type AuditSink struct {
	mu      sync.Mutex
	records []realtime.AuditRecord
	Err     error
}

func NewAuditSink() *AuditSink { return &AuditSink{} }

func (a *AuditSink) Record(_ context.Context, record realtime.AuditRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Err != nil {
		return a.Err
	}
	a.records = append(a.records, record)
	return nil
}

// Records returns a copy of the recorded audit trail.
func (a *AuditSink) Records() []realtime.AuditRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]realtime.AuditRecord(nil), a.records...)
}

// Publisher records published messages per subject.
type Publisher struct {
	mu        sync.Mutex
	published map[string][]any
	Err       error
}

func NewPublisher() *Publisher { return &Publisher{published: make(map[string][]any)} }

func (p *Publisher) Publish(_ context.Context, subject string, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	p.published[subject] = append(p.published[subject], v)
	return nil
}

// Published returns the values published on subject.
func (p *Publisher) Published(subject string) []any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]any(nil), p.published[subject]...)
}
