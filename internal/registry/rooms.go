package registry

import (
	"sort"
	"sync"
)

type roomShard struct {
	mu    sync.RWMutex
	rooms map[string]map[string]struct{} // room -> conn ids
}

// Rooms tracks room membership by connection id. Rooms exist while they
// have at least one member.
type Rooms struct {
	shards [shardCount]*roomShard

	// byConn is the reverse index used to leave every room on disconnect.
	byConn [shardCount]*connRooms
}

type connRooms struct {
	mu    sync.Mutex
	rooms map[string]map[string]struct{} // conn id -> rooms
}

// NewRooms creates an empty membership store.
func NewRooms() *Rooms {
	r := &Rooms{}
	for i := 0; i < shardCount; i++ {
		r.shards[i] = &roomShard{rooms: make(map[string]map[string]struct{})}
		r.byConn[i] = &connRooms{rooms: make(map[string]map[string]struct{})}
	}
	return r
}

func (r *Rooms) shard(room string) *roomShard { return r.shards[shardIndex(room)] }
func (r *Rooms) connIndex(connID string) *connRooms { return r.byConn[shardIndex(connID)] }

// Join adds connID to room, creating the room if needed. It reports whether
// the connection was newly added.
func (r *Rooms) Join(room, connID string) bool {
	// Lock order: reverse index shard, then room shard.
	idx := r.connIndex(connID)
	idx.mu.Lock()
	defer idx.mu.Unlock()

	s := r.shard(room)
	s.mu.Lock()
	members := s.rooms[room]
	if members == nil {
		members = make(map[string]struct{})
		s.rooms[room] = members
	}
	_, existed := members[connID]
	members[connID] = struct{}{}
	s.mu.Unlock()

	joined := idx.rooms[connID]
	if joined == nil {
		joined = make(map[string]struct{})
		idx.rooms[connID] = joined
	}
	joined[room] = struct{}{}
	return !existed
}

// Leave removes connID from room and reports whether it was a member.
func (r *Rooms) Leave(room, connID string) bool {
	idx := r.connIndex(connID)
	idx.mu.Lock()
	defer idx.mu.Unlock()

	left := r.removeLocked(room, connID)
	if joined := idx.rooms[connID]; joined != nil {
		delete(joined, room)
		if len(joined) == 0 {
			delete(idx.rooms, connID)
		}
	}
	return left
}

// LeaveAll removes connID from every room it joined and returns those rooms.
func (r *Rooms) LeaveAll(connID string) []string {
	idx := r.connIndex(connID)
	idx.mu.Lock()
	defer idx.mu.Unlock()

	joined := idx.rooms[connID]
	delete(idx.rooms, connID)
	rooms := make([]string, 0, len(joined))
	for room := range joined {
		r.removeLocked(room, connID)
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms
}

// removeLocked requires the reverse index shard lock of connID.
func (r *Rooms) removeLocked(room, connID string) bool {
	s := r.shard(room)
	s.mu.Lock()
	defer s.mu.Unlock()
	members := s.rooms[room]
	if _, ok := members[connID]; !ok {
		return false
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(s.rooms, room)
	}
	return true
}

// Members returns a snapshot of the connection ids in room.
func (r *Rooms) Members(room string) []string {
	s := r.shard(room)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.rooms[room]))
	for id := range s.rooms[room] {
		out = append(out, id)
	}
	return out
}

// IsMember reports whether connID is in room.
func (r *Rooms) IsMember(room, connID string) bool {
	s := r.shard(room)
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rooms[room][connID]
	return ok
}

// RoomsFor returns the rooms connID has joined, sorted by name.
func (r *Rooms) RoomsFor(connID string) []string {
	idx := r.connIndex(connID)
	idx.mu.Lock()
	defer idx.mu.Unlock()
	out := make([]string, 0, len(idx.rooms[connID]))
	for room := range idx.rooms[connID] {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}

// Count returns the number of non-empty rooms.
func (r *Rooms) Count() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.rooms)
		s.mu.RUnlock()
	}
	return n
}
