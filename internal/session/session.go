// Package session is the in-memory directory of live sessions: the socket
// handle, agent id, last-heartbeat timestamp, bearer token, and bounded
// outbound queue for each connected client.
package session

import (
	"sync"
	"time"
)

// State is a session's position in `new -> connected -> (active <-> stalled)
// -> closed`.
type State string

const (
	StateNew       State = "new"
	StateConnected State = "connected"
	StateActive    State = "active"
	StateStalled   State = "stalled"
	StateClosed    State = "closed"
)

// Permission is a bitmask of operations a session is authorized to perform
// against its sync group.
type Permission uint8

const (
	PermRead Permission = 1 << iota
	PermWrite
)

// Socket is the minimal write surface Delivery needs; satisfied by
// delivery.Conn, the *websocket.Conn wrapper in internal/delivery.
type Socket interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Session is one connected client: its identity, its socket, and its
// outbound queue. Fields other than LastSeen are only ever mutated by the
// writer goroutine that owns this session, per the concurrency model;
// LastSeen updates are atomic via the mutex below.
type Session struct {
	ID        string
	AgentID   string
	SyncGroup string
	Token     string
	Provider  string
	Perms     Permission

	StartedAt time.Time

	Outbound *OutboundQueue
	Socket   Socket

	mu       sync.RWMutex
	state    State
	lastSeen time.Time
}

// New constructs a session in state `new`, not yet registered.
func New(id, agentID, syncGroup, token, provider string, perms Permission, queueCapacity int) *Session {
	now := time.Now()
	return &Session{
		ID:        id,
		AgentID:   agentID,
		SyncGroup: syncGroup,
		Token:     token,
		Provider:  provider,
		Perms:     perms,
		StartedAt: now,
		Outbound:  NewOutboundQueue(queueCapacity),
		state:     StateNew,
		lastSeen:  now,
	}
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Connect transitions new -> connected, called once the socket upgrade and
// initial keyframe push succeed.
func (s *Session) Connect() {
	s.setState(StateConnected)
}

// Activate transitions connected|stalled -> active, called whenever a
// heartbeat or any inbound message is observed.
func (s *Session) Activate() {
	s.mu.Lock()
	s.state = StateActive
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

// Stall transitions active -> stalled when the heartbeat/reaper sweep finds
// the session idle past the inactivity window.
func (s *Session) Stall() {
	s.mu.Lock()
	if s.state != StateClosed {
		s.state = StateStalled
	}
	s.mu.Unlock()
}

// Close transitions any state -> closed. Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
	s.Outbound.Drain()
	if s.Socket != nil {
		_ = s.Socket.Close()
	}
}

func (s *Session) IsClosed() bool {
	return s.State() == StateClosed
}

// Touch records inbound activity without forcing a state transition (used
// by the query executor, which keeps a session active without going
// through the heartbeat path).
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

func (s *Session) LastSeen() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSeen
}

func (s *Session) IdleSince(now time.Time) time.Duration {
	return now.Sub(s.LastSeen())
}

func (s *Session) CanRead() bool  { return s.Perms&PermRead != 0 }
func (s *Session) CanWrite() bool { return s.Perms&PermWrite != 0 }
