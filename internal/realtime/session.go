package realtime

import (
	"sort"
	"sync"

	"golang.org/x/time/rate"

	"imperious/messaging-service/internal/models"
)

type State int

const (
	StateConnected State = iota
	StateAnnounced
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateAnnounced:
		return "announced"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Session is the protocol state of one live connection. Rooms are tracked
// alongside the state; a session can sit in any number of them.
type Session struct {
	mu      sync.Mutex
	handle  Handle
	state   State
	user    *models.User
	bound   *models.User
	rooms   map[string]struct{}
	limiter *rate.Limiter
}

func newSession(h Handle, bound *models.User, limiter *rate.Limiter) *Session {
	return &Session{
		handle:  h,
		state:   StateConnected,
		bound:   bound,
		rooms:   make(map[string]struct{}),
		limiter: limiter,
	}
}

func (s *Session) Handle() Handle { return s.handle }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// User is the identity announced by the last successful login, if any.
func (s *Session) User() *models.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// Bound is the identity proven by the handshake token, if any.
func (s *Session) Bound() *models.User { return s.bound }

func (s *Session) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *Session) announce(user *models.User) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDisconnected {
		return false
	}
	s.user = user
	s.state = StateAnnounced
	return true
}

func (s *Session) addRoom(conversationID string) {
	s.mu.Lock()
	s.rooms[conversationID] = struct{}{}
	s.mu.Unlock()
}

func (s *Session) removeRoom(conversationID string) {
	s.mu.Lock()
	delete(s.rooms, conversationID)
	s.mu.Unlock()
}

// disconnect moves the session to its terminal state. It reports false if
// the session was already disconnected.
func (s *Session) disconnect() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDisconnected {
		return false
	}
	s.state = StateDisconnected
	s.rooms = make(map[string]struct{})
	return true
}

func (s *Session) allow() bool {
	return s.limiter.Allow()
}
