package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/xraph/switchboard/auth"
)

// Conn is the transport side of a session. Closing it ends the
// connection's reader loop. net.Conn satisfies it.
type Conn interface {
	Close() error
}

// Session is one live client connection.
type Session struct {
	// ID uniquely identifies this session. Clients address it as clientId.
	ID string

	// ConnectedAt records when the session was registered.
	ConnectedAt time.Time

	conn Conn

	mu       sync.Mutex
	identity *auth.Identity
	rooms    map[string]struct{}
	grace    *time.Timer
	expired  bool
	closed   bool

	out     chan *Frame
	dropped atomic.Int64
}

func newSession(id string, conn Conn, size int) *Session {
	return &Session{
		ID:          id,
		ConnectedAt: time.Now().UTC(),
		conn:        conn,
		rooms:       make(map[string]struct{}),
		out:         make(chan *Frame, size),
	}
}

// Authenticated reports whether a credential has been accepted.
func (s *Session) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity != nil
}

// Identity returns the authenticated caller, or nil.
func (s *Session) Identity() *auth.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// Rooms returns the rooms the session has joined.
func (s *Session) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.rooms))
	for r := range s.rooms {
		out = append(out, r)
	}
	return out
}

// Outbound is drained by the connection's writer. It is closed when the
// session ends.
func (s *Session) Outbound() <-chan *Frame { return s.out }

// Dropped counts frames discarded because the outbound buffer was full.
func (s *Session) Dropped() int64 { return s.dropped.Load() }

// Send queues f for the writer without blocking. It reports false when
// the session is closed or its buffer is full.
func (s *Session) Send(f *Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.out <- f:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// authenticate installs id. It reports false once the grace period has
// expired or the session is closed.
func (s *Session) authenticate(id *auth.Identity) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.expired {
		return false
	}
	s.identity = id
	if s.grace != nil {
		s.grace.Stop()
		s.grace = nil
	}
	return true
}

// expire claims the grace timeout. It reports false when the session was
// authenticated or closed first, in which case it must stay connected.
func (s *Session) expire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.identity != nil {
		return false
	}
	s.expired = true
	s.grace = nil
	return true
}

func (s *Session) armGrace(d time.Duration, fire func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grace = time.AfterFunc(d, fire)
}

func (s *Session) join(room string) {
	s.mu.Lock()
	s.rooms[room] = struct{}{}
	s.mu.Unlock()
}

func (s *Session) leave(room string) {
	s.mu.Lock()
	delete(s.rooms, room)
	s.mu.Unlock()
}

// close stops the grace timer and the writer. It returns the rooms the
// session was in and false when it was already closed.
func (s *Session) close() ([]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false
	}
	s.closed = true
	if s.grace != nil {
		s.grace.Stop()
		s.grace = nil
	}
	close(s.out)
	rooms := make([]string, 0, len(s.rooms))
	for r := range s.rooms {
		rooms = append(rooms, r)
	}
	return rooms, true
}
