// Package registry tracks live connections per user and room membership.
// It is the source of truth for presence.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/tinywideclouds/go-realtime-service/pkg/realtime"
)

const shardCount = 64

// Handle is a live connection as seen by the rest of the service.
type Handle interface {
	ID() string
	Identity() realtime.Identity
	// Deliver blocks until the event is queued for writing, ctx ends or the
	// connection closes. It is the guaranteed path.
	Deliver(ctx context.Context, event realtime.OutboundEvent) error
	// TryDeliver queues the event without blocking and reports whether it was
	// accepted. It is the best-effort path.
	TryDeliver(event realtime.OutboundEvent) bool
	// Close terminates the connection with a WebSocket close code and reason.
	Close(code int, reason string)
}

// Stats is a consistent snapshot of the registry size.
type Stats struct {
	ConnectedUsers   int `json:"connectedUsers"`
	ConnectedSockets int `json:"connectedSockets"`
}

type entry struct {
	conn   realtime.Connection
	handle Handle
}

type userShard struct {
	mu       sync.RWMutex
	users    map[string]map[string]*entry // user -> conn id -> entry
	lastSeen map[string]time.Time
}

type connShard struct {
	mu    sync.RWMutex
	conns map[string]string // conn id -> user
}

// Registry is a sharded, concurrency-safe map of users to connections.
type Registry struct {
	users [shardCount]*userShard
	conns [shardCount]*connShard

	statsMu sync.RWMutex
	stats   Stats

	now func() time.Time
}

// New creates an empty Registry.
func New() *Registry {
	r := &Registry{now: time.Now}
	for i := 0; i < shardCount; i++ {
		r.users[i] = &userShard{
			users:    make(map[string]map[string]*entry),
			lastSeen: make(map[string]time.Time),
		}
		r.conns[i] = &connShard{conns: make(map[string]string)}
	}
	return r
}

func shardIndex(key string) uint64 {
	return xxhash.Sum64String(key) % shardCount
}

func (r *Registry) userShard(userID string) *userShard { return r.users[shardIndex(userID)] }
func (r *Registry) connShard(connID string) *connShard { return r.conns[shardIndex(connID)] }

// Register adds handle for identity. It reports whether this is the user's
// first live connection, i.e. an offline to online transition. Registering
// an already known connection id is a no-op.
func (r *Registry) Register(identity realtime.Identity, handle Handle) bool {
	connID := handle.ID()
	cs := r.connShard(connID)
	us := r.userShard(identity.UserID)

	// Lock order: conn shard, then user shard, then stats.
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if _, exists := cs.conns[connID]; exists {
		return false
	}

	us.mu.Lock()
	defer us.mu.Unlock()

	now := r.now()
	conns := us.users[identity.UserID]
	first := len(conns) == 0
	if conns == nil {
		conns = make(map[string]*entry)
		us.users[identity.UserID] = conns
	}
	conns[connID] = &entry{
		conn: realtime.Connection{
			ID:             connID,
			UserID:         identity.UserID,
			ConnectedAt:    now,
			LastActivityAt: now,
		},
		handle: handle,
	}
	cs.conns[connID] = identity.UserID

	r.statsMu.Lock()
	r.stats.ConnectedSockets++
	if first {
		r.stats.ConnectedUsers++
	}
	r.statsMu.Unlock()

	return first
}

// Unregister removes the connection. It returns the owning user, whether this
// was the user's last connection, and whether anything was removed; a second
// call for the same id removes nothing.
func (r *Registry) Unregister(connID string) (userID string, last bool, removed bool) {
	cs := r.connShard(connID)

	cs.mu.Lock()
	defer cs.mu.Unlock()
	userID, ok := cs.conns[connID]
	if !ok {
		return "", false, false
	}

	us := r.userShard(userID)
	us.mu.Lock()
	defer us.mu.Unlock()

	delete(cs.conns, connID)
	conns := us.users[userID]
	delete(conns, connID)
	last = len(conns) == 0
	if last {
		delete(us.users, userID)
		us.lastSeen[userID] = r.now()
	}

	r.statsMu.Lock()
	r.stats.ConnectedSockets--
	if last {
		r.stats.ConnectedUsers--
	}
	r.statsMu.Unlock()

	return userID, last, true
}

// IsOnline reports whether the user has at least one live connection.
func (r *Registry) IsOnline(userID string) bool {
	us := r.userShard(userID)
	us.mu.RLock()
	defer us.mu.RUnlock()
	return len(us.users[userID]) > 0
}

// ConnectionsFor returns the ids of the user's live connections.
func (r *Registry) ConnectionsFor(userID string) []string {
	us := r.userShard(userID)
	us.mu.RLock()
	defer us.mu.RUnlock()
	ids := make([]string, 0, len(us.users[userID]))
	for id := range us.users[userID] {
		ids = append(ids, id)
	}
	return ids
}

// HandlesFor returns the live handles of the user.
func (r *Registry) HandlesFor(userID string) []Handle {
	us := r.userShard(userID)
	us.mu.RLock()
	defer us.mu.RUnlock()
	handles := make([]Handle, 0, len(us.users[userID]))
	for _, e := range us.users[userID] {
		handles = append(handles, e.handle)
	}
	return handles
}

// Handle returns the live handle for a connection id.
func (r *Registry) Handle(connID string) (Handle, bool) {
	e, ok := r.lookup(connID)
	if !ok {
		return nil, false
	}
	return e.handle, true
}

// Connection returns the connection metadata for a connection id.
func (r *Registry) Connection(connID string) (realtime.Connection, bool) {
	e, ok := r.lookup(connID)
	if !ok {
		return realtime.Connection{}, false
	}
	return e.conn, true
}

// Touch refreshes the last activity time of a connection.
func (r *Registry) Touch(connID string) {
	cs := r.connShard(connID)
	cs.mu.RLock()
	userID, ok := cs.conns[connID]
	cs.mu.RUnlock()
	if !ok {
		return
	}
	us := r.userShard(userID)
	us.mu.Lock()
	if e, ok := us.users[userID][connID]; ok {
		e.conn.LastActivityAt = r.now()
	}
	us.mu.Unlock()
}

// Presence derives the presence record of a user.
func (r *Registry) Presence(userID string) realtime.PresenceRecord {
	us := r.userShard(userID)
	us.mu.RLock()
	defer us.mu.RUnlock()
	if len(us.users[userID]) > 0 {
		return realtime.PresenceRecord{UserID: userID, Status: realtime.StatusOnline, LastSeen: r.now()}
	}
	return realtime.PresenceRecord{UserID: userID, Status: realtime.StatusOffline, LastSeen: us.lastSeen[userID]}
}

// Stats returns a consistent snapshot of the registry size.
func (r *Registry) Stats() Stats {
	r.statsMu.RLock()
	defer r.statsMu.RUnlock()
	return r.stats
}

// Handles returns every live handle. Use sparingly.
func (r *Registry) Handles() []Handle {
	var out []Handle
	for _, us := range r.users {
		us.mu.RLock()
		for _, conns := range us.users {
			for _, e := range conns {
				out = append(out, e.handle)
			}
		}
		us.mu.RUnlock()
	}
	return out
}

func (r *Registry) lookup(connID string) (*entry, bool) {
	cs := r.connShard(connID)
	cs.mu.RLock()
	userID, ok := cs.conns[connID]
	cs.mu.RUnlock()
	if !ok {
		return nil, false
	}
	us := r.userShard(userID)
	us.mu.RLock()
	defer us.mu.RUnlock()
	e, ok := us.users[userID][connID]
	if !ok {
		return nil, false
	}
	copied := *e
	return &copied, true
}
