package dispatch

import (
	"sync/atomic"

	"github.com/rmacdonaldsmith/relayhub/pkg/registry"
)

// State is the per-connection protocol state
type State int32

const (
	StateUnidentified State = iota
	StateIdentified
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnidentified:
		return "UNIDENTIFIED"
	case StateIdentified:
		return "IDENTIFIED"
	case StateClosed:
		return "CLOSED"
	default:
		return "INVALID"
	}
}

// Session is one connection's protocol state. It is driven by the goroutine
// that owns the connection; State may be read from anywhere.
type Session struct {
	conn     registry.Conn
	identity string
	state    atomic.Int32
}

// NewSession starts conn in the UNIDENTIFIED state
func NewSession(conn registry.Conn) *Session {
	return &Session{conn: conn}
}

// Conn returns the session's connection
func (s *Session) Conn() registry.Conn { return s.conn }

// Identity returns the identity assigned by the handshake, empty before it
func (s *Session) Identity() string {
	if s.State() == StateUnidentified {
		return ""
	}
	return s.identity
}

// State returns the current protocol state
func (s *Session) State() State {
	return State(s.state.Load())
}

// Identify moves UNIDENTIFIED to IDENTIFIED. It reports false if the session
// was already identified or closed.
func (s *Session) Identify(identity string) bool {
	if s.State() != StateUnidentified {
		return false
	}
	s.identity = identity
	return s.state.CompareAndSwap(int32(StateUnidentified), int32(StateIdentified))
}

// Close moves the session to CLOSED from any state
func (s *Session) Close() {
	s.state.Store(int32(StateClosed))
}
