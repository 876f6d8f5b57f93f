// Package registry tracks which connections are live in which diagram room.
package registry

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

const shardCount = 32

// Sink is the outbound side of one connection. Send must not block: a slow
// consumer reports an error instead, and the caller evicts it.
type Sink interface {
	Send(data []byte) error
	Close(reason string)
}

// Member is one registered connection. Values are snapshots; mutating a
// returned Member has no effect on the registry.
type Member struct {
	ConnectionID string
	DiagramID    string
	SessionID    string
	Nickname     string
	ConnectedAt  time.Time
	Sink         Sink
}

type shard struct {
	mu    sync.RWMutex
	rooms map[string]map[string]*Member
}

// Registry is safe for concurrent use. Room membership is guarded by a lock
// per shard of diagram ids, so unrelated rooms never contend; the
// connection index is a sync.Map so that exactly one of two racing
// Unregister calls for the same connection succeeds.
type Registry struct {
	shards [shardCount]*shard
	conns  sync.Map // connection id -> diagram id
	now    func() time.Time
}

func New() *Registry {
	r := &Registry{now: time.Now}
	for i := range r.shards {
		r.shards[i] = &shard{rooms: make(map[string]map[string]*Member)}
	}
	return r
}

func (r *Registry) shardFor(diagramID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(diagramID))
	return r.shards[h.Sum32()%shardCount]
}

// Register adds a connection to a diagram room, creating the room if this is
// its first member. The assigned connection id is unique for the process.
func (r *Registry) Register(diagramID, sessionID, nickname string, sink Sink) Member {
	m := &Member{
		ConnectionID: uuid.NewString(),
		DiagramID:    diagramID,
		SessionID:    sessionID,
		Nickname:     nickname,
		ConnectedAt:  r.now().UTC(),
		Sink:         sink,
	}

	s := r.shardFor(diagramID)
	s.mu.Lock()
	room, ok := s.rooms[diagramID]
	if !ok {
		room = make(map[string]*Member)
		s.rooms[diagramID] = room
	}
	room[m.ConnectionID] = m
	r.conns.Store(m.ConnectionID, diagramID)
	s.mu.Unlock()

	return *m
}

// Unregister removes a connection. It reports false if the connection was
// not registered, including when another caller already removed it, so
// callers can emit leave notifications exactly once. The room is deleted
// when its last member leaves.
func (r *Registry) Unregister(connectionID string) (Member, bool) {
	v, ok := r.conns.LoadAndDelete(connectionID)
	if !ok {
		return Member{}, false
	}
	diagramID := v.(string)

	s := r.shardFor(diagramID)
	s.mu.Lock()
	defer s.mu.Unlock()

	room := s.rooms[diagramID]
	m, ok := room[connectionID]
	if !ok {
		return Member{}, false
	}
	delete(room, connectionID)
	if len(room) == 0 {
		delete(s.rooms, diagramID)
	}

	return *m, true
}

// ListMembers returns a snapshot of a room ordered by join time. Later
// changes to the room do not affect the returned slice.
func (r *Registry) ListMembers(diagramID string) []Member {
	s := r.shardFor(diagramID)
	s.mu.RLock()
	members := lo.MapToSlice(s.rooms[diagramID], func(_ string, m *Member) Member {
		return *m
	})
	s.mu.RUnlock()

	sort.Slice(members, func(i, j int) bool {
		if members[i].ConnectedAt.Equal(members[j].ConnectedAt) {
			return members[i].ConnectionID < members[j].ConnectionID
		}
		return members[i].ConnectedAt.Before(members[j].ConnectedAt)
	})
	return members
}

// Count returns the number of members in a room.
func (r *Registry) Count(diagramID string) int {
	s := r.shardFor(diagramID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms[diagramID])
}

// Exists reports whether a room has at least one member.
func (r *Registry) Exists(diagramID string) bool {
	return r.Count(diagramID) > 0
}

func (r *Registry) Lookup(connectionID string) (Member, bool) {
	v, ok := r.conns.Load(connectionID)
	if !ok {
		return Member{}, false
	}
	diagramID := v.(string)

	s := r.shardFor(diagramID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.rooms[diagramID][connectionID]
	if !ok {
		return Member{}, false
	}
	return *m, true
}

// SetNickname changes the display name of a live connection and returns the
// member as it was before the change.
func (r *Registry) SetNickname(connectionID, nickname string) (Member, bool) {
	v, ok := r.conns.Load(connectionID)
	if !ok {
		return Member{}, false
	}
	diagramID := v.(string)

	s := r.shardFor(diagramID)
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.rooms[diagramID][connectionID]
	if !ok {
		return Member{}, false
	}
	before := *m
	m.Nickname = nickname
	return before, true
}

// Stats returns the number of non-empty rooms and live connections.
func (r *Registry) Stats() (rooms, connections int) {
	for _, s := range r.shards {
		s.mu.RLock()
		rooms += len(s.rooms)
		for _, room := range s.rooms {
			connections += len(room)
		}
		s.mu.RUnlock()
	}
	return rooms, connections
}

// RoomSizes returns the member count of every non-empty room.
func (r *Registry) RoomSizes() map[string]int {
	sizes := make(map[string]int)
	for _, s := range r.shards {
		s.mu.RLock()
		for id, room := range s.rooms {
			sizes[id] = len(room)
		}
		s.mu.RUnlock()
	}
	return sizes
}
