// Package registry tracks the live connections of this process, grouped by
// room, and fans frames out to them.
package registry

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"tavern.org/internal/event"
	"tavern.org/internal/obs"
)

const shardCount = 32

// DefaultWriteTimeout bounds a single frame write.
const DefaultWriteTimeout = 2 * time.Second

// ErrInvalidConnection is returned by Admit for a connection without room or transport.
var ErrInvalidConnection = errors.New("registry: connection requires a room and a transport")

// Transport is the write side of a client socket. Implementations serialize
// concurrent Send calls.
type Transport interface {
	Send(frame []byte, timeout time.Duration) error
	Close() error
}

// Connection is one admitted client socket.
type Connection struct {
	ID          string
	RoomID      string
	PrincipalID string
	Username    string
	ConnectedAt time.Time

	transport Transport
}

// NewConnection binds identity to a transport.
func NewConnection(id, roomID, principalID, username string, t Transport) *Connection {
	return &Connection{
		ID:          id,
		RoomID:      roomID,
		PrincipalID: principalID,
		Username:    username,
		ConnectedAt: time.Now().UTC(),
		transport:   t,
	}
}

// Send writes one frame to this connection only.
func (c *Connection) Send(frame []byte, timeout time.Duration) error {
	return c.transport.Send(frame, timeout)
}

// Delivery summarises one fan-out pass.
type Delivery struct {
	Attempted int
	Delivered int
	Dead      int
}

type shard struct {
	mu    sync.RWMutex
	rooms map[string]map[*Connection]struct{}
}

// Registry is safe for concurrent use. Rooms are spread over shards by key
// hash; no lock is held while writing to a socket.
type Registry struct {
	shards       [shardCount]shard
	writeTimeout time.Duration
	total        atomic.Int64
	roomCount    atomic.Int64
}

// Option configures a Registry.
type Option func(*Registry)

// WithWriteTimeout overrides the per-write timeout.
func WithWriteTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.writeTimeout = d
		}
	}
}

// New returns an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{writeTimeout: DefaultWriteTimeout}
	for i := range r.shards {
		r.shards[i].rooms = make(map[string]map[*Connection]struct{})
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) shardFor(roomID string) *shard {
	return &r.shards[xxhash.Sum64String(roomID)%shardCount]
}

// Admit adds the connection to its room, creating the room if needed.
func (r *Registry) Admit(c *Connection) error {
	if c == nil || c.RoomID == "" || c.transport == nil {
		return ErrInvalidConnection
	}
	s := r.shardFor(c.RoomID)
	s.mu.Lock()
	set, ok := s.rooms[c.RoomID]
	if !ok {
		set = make(map[*Connection]struct{})
		s.rooms[c.RoomID] = set
		r.roomCount.Add(1)
	}
	_, dup := set[c]
	set[c] = struct{}{}
	s.mu.Unlock()
	if !dup {
		r.total.Add(1)
	}
	r.publishGauges()
	return nil
}

// Remove drops the connection, deleting its room when it becomes empty.
// It reports whether the connection was registered.
func (r *Registry) Remove(c *Connection) bool {
	if c == nil {
		return false
	}
	s := r.shardFor(c.RoomID)
	s.mu.Lock()
	set, ok := s.rooms[c.RoomID]
	if ok {
		_, ok = set[c]
	}
	if ok {
		delete(set, c)
		if len(set) == 0 {
			delete(s.rooms, c.RoomID)
			r.roomCount.Add(-1)
		}
	}
	s.mu.Unlock()
	if ok {
		r.total.Add(-1)
		r.publishGauges()
	}
	return ok
}

func (r *Registry) publishGauges() {
	obs.Connections.Set(float64(r.total.Load()))
	obs.Rooms.Set(float64(r.roomCount.Load()))
}

func (r *Registry) snapshot(roomID string) []*Connection {
	s := r.shardFor(roomID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.rooms[roomID]
	if len(set) == 0 {
		return nil
	}
	out := make([]*Connection, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

// DeliverFrame writes frame to every connection of the room. Connections
// whose write fails are removed and closed after the pass.
func (r *Registry) DeliverFrame(roomID string, frame []byte) Delivery {
	conns := r.snapshot(roomID)
	d := Delivery{Attempted: len(conns)}
	if len(conns) == 0 {
		return d
	}

	failed := make([]bool, len(conns))
	if len(conns) == 1 {
		failed[0] = conns[0].Send(frame, r.writeTimeout) != nil
	} else {
		var wg sync.WaitGroup
		for i, c := range conns {
			wg.Add(1)
			go func(i int, c *Connection) {
				defer wg.Done()
				failed[i] = c.Send(frame, r.writeTimeout) != nil
			}(i, c)
		}
		wg.Wait()
	}

	for i, c := range conns {
		if !failed[i] {
			d.Delivered++
			continue
		}
		d.Dead++
		r.drop(c)
	}
	return d
}

func (r *Registry) drop(c *Connection) {
	if r.Remove(c) {
		obs.DeadPeers.Inc()
		obs.Warn("ws_dead_peer_removed", map[string]any{
			"conn_id": c.ID,
			"room_id": c.RoomID,
			"user_id": c.PrincipalID,
		})
	}
	_ = c.transport.Close()
}

// LocalDeliver encodes ev and delivers it to the room.
func (r *Registry) LocalDeliver(roomID string, ev event.Event) (Delivery, error) {
	frame, err := event.Encode(ev)
	if err != nil {
		return Delivery{}, err
	}
	return r.DeliverFrame(roomID, frame), nil
}

// DirectFrame writes frame to every connection of principalID, restricted to
// roomID when it is not empty. It reports whether any write succeeded.
func (r *Registry) DirectFrame(principalID, roomID string, frame []byte) bool {
	var targets []*Connection
	collect := func(set map[*Connection]struct{}) {
		for c := range set {
			if c.PrincipalID == principalID {
				targets = append(targets, c)
			}
		}
	}
	if roomID != "" {
		s := r.shardFor(roomID)
		s.mu.RLock()
		collect(s.rooms[roomID])
		s.mu.RUnlock()
	} else {
		for i := range r.shards {
			s := &r.shards[i]
			s.mu.RLock()
			for _, set := range s.rooms {
				collect(set)
			}
			s.mu.RUnlock()
		}
	}

	delivered := false
	for _, c := range targets {
		if err := c.Send(frame, r.writeTimeout); err != nil {
			r.drop(c)
			continue
		}
		delivered = true
	}
	return delivered
}

// DirectDeliver encodes ev and hands it to DirectFrame.
func (r *Registry) DirectDeliver(principalID string, ev event.Event, roomID string) bool {
	frame, err := event.Encode(ev)
	if err != nil {
		return false
	}
	return r.DirectFrame(principalID, roomID, frame)
}

// RoomCount returns the number of local connections in the room.
func (r *Registry) RoomCount(roomID string) int {
	s := r.shardFor(roomID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms[roomID])
}

// Rooms returns the ids of rooms with at least one local connection.
func (r *Registry) Rooms() []string {
	var out []string
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		for id := range s.rooms {
			out = append(out, id)
		}
		s.mu.RUnlock()
	}
	sort.Strings(out)
	return out
}

// Total returns the number of local connections.
func (r *Registry) Total() int { return int(r.total.Load()) }

// RoomTotal returns the number of rooms with local connections.
func (r *Registry) RoomTotal() int { return int(r.roomCount.Load()) }
