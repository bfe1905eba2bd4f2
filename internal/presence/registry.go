// Package presence tracks which users are reachable right now and which
// connections are watching which rooms.
package presence

import (
	"sync"

	"github.com/ekidigital/eki-chat-server/internal/events"
	"github.com/ekidigital/eki-chat-server/internal/metrics"

	"github.com/rs/zerolog/log"
)

// Conn is a live client connection.
type Conn interface {
	// Send queues frame without blocking. It reports false when the buffer
	// is full or the connection is closed.
	Send(frame []byte) bool
	Close()
}

// Registry binds each user to at most one connection. A newer Register for
// the same user replaces the earlier binding.
type Registry struct {
	mu    sync.RWMutex
	users map[string]Conn
	rooms map[string]map[Conn]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		users: make(map[string]Conn),
		rooms: make(map[string]map[Conn]struct{}),
	}
}

// Register binds conn to userID and returns the connection it replaced, if
// any.
func (r *Registry) Register(userID string, conn Conn) Conn {
	r.mu.Lock()
	prev := r.users[userID]
	r.users[userID] = conn
	n := len(r.users)
	r.mu.Unlock()
	metrics.PresenceOnline.Set(float64(n))
	return prev
}

// Unregister removes the binding only while conn is still the one bound to
// userID. It reports whether a binding was removed.
func (r *Registry) Unregister(userID string, conn Conn) bool {
	r.mu.Lock()
	cur, ok := r.users[userID]
	if !ok || cur != conn {
		r.mu.Unlock()
		return false
	}
	delete(r.users, userID)
	n := len(r.users)
	r.mu.Unlock()
	metrics.PresenceOnline.Set(float64(n))
	return true
}

func (r *Registry) Lookup(userID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.users[userID]
	return c, ok
}

// Online returns the number of bound users.
func (r *Registry) Online() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

// Emit sends event to userID's private channel. It reports false when the
// user has no binding or the frame was dropped.
func (r *Registry) Emit(userID, event string, payload any) bool {
	conn, ok := r.Lookup(userID)
	if !ok {
		return false
	}
	frame, err := events.Encode(event, payload)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("encode frame")
		return false
	}
	return deliver(conn, frame)
}

func (r *Registry) JoinRoom(roomID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.rooms[roomID]
	if !ok {
		set = make(map[Conn]struct{})
		r.rooms[roomID] = set
	}
	set[conn] = struct{}{}
}

func (r *Registry) LeaveRoom(roomID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leave(roomID, conn)
}

// LeaveAll drops conn from every room channel.
func (r *Registry) LeaveAll(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for roomID := range r.rooms {
		r.leave(roomID, conn)
	}
}

func (r *Registry) leave(roomID string, conn Conn) {
	set, ok := r.rooms[roomID]
	if !ok {
		return
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(r.rooms, roomID)
	}
}

// Broadcast sends event to every connection watching roomID and returns how
// many accepted it.
func (r *Registry) Broadcast(roomID, event string, payload any) int {
	frame, err := events.Encode(event, payload)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("encode frame")
		return 0
	}
	r.mu.RLock()
	conns := make([]Conn, 0, len(r.rooms[roomID]))
	for c := range r.rooms[roomID] {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	n := 0
	for _, c := range conns {
		if deliver(c, frame) {
			n++
		}
	}
	return n
}

// Close clears every binding and room channel and returns the connections
// that were bound so the caller can close them.
func (r *Registry) Close() []Conn {
	r.mu.Lock()
	conns := make([]Conn, 0, len(r.users))
	for _, c := range r.users {
		conns = append(conns, c)
	}
	r.users = make(map[string]Conn)
	r.rooms = make(map[string]map[Conn]struct{})
	r.mu.Unlock()
	metrics.PresenceOnline.Set(0)
	return conns
}

// deliver drops a slow consumer instead of blocking the sender.
func deliver(c Conn, frame []byte) bool {
	if c.Send(frame) {
		return true
	}
	metrics.FanoutDropped.Inc()
	c.Close()
	return false
}
