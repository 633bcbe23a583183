package registry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when no connection is registered under an identity
	ErrNotFound = errors.New("client not found")
	// ErrDuplicateIdentity is returned by Register under PolicyReject
	ErrDuplicateIdentity = errors.New("identity already registered")
	// ErrEmptyIdentity is returned when a connection offers an empty identity
	ErrEmptyIdentity = errors.New("identity must not be empty")
	// ErrClosed is returned by operations on a closed registry
	ErrClosed = errors.New("registry is closed")
	// ErrSealed is returned by Register while the hub is shutting down
	ErrSealed = errors.New("registry is sealed for shutdown")
	// ErrQueueFull is matched by Conn.Send errors when the outbound backlog is full
	ErrQueueFull = errors.New("outbound queue full")
	// ErrConnClosed is matched by Conn errors after the connection was torn down
	ErrConnClosed = errors.New("connection closed")
)

// Conn is one client connection as seen by the hub.
type Conn interface {
	// ID returns a transport-level identifier, unique per accepted connection
	ID() string

	// RemoteAddr returns the peer address
	RemoteAddr() string

	// ConnectedAt returns when the connection was accepted
	ConnectedAt() time.Time

	// Send queues one envelope for delivery. It never blocks on a slow peer;
	// a full queue or closed connection is reported as an error.
	Send(data []byte) error

	// Receive blocks until the next inbound envelope arrives, the connection
	// closes, or ctx is done. An envelope dropped for size is reported as an
	// error matching envelope.ErrTooLarge and the connection stays usable.
	Receive(ctx context.Context) ([]byte, error)

	// Close tears the connection down. It is safe to call more than once.
	Close(reason string) error

	// Done is closed once the connection has been torn down.
	Done() <-chan struct{}
}

// Entry is one registered identity.
type Entry struct {
	Identity     string
	Conn         Conn
	RegisteredAt time.Time
}

// DuplicatePolicy decides what Register does when the identity is taken.
type DuplicatePolicy int

const (
	// PolicyEvict closes the previous connection and registers the new one
	PolicyEvict DuplicatePolicy = iota

	// PolicyReject keeps the previous connection and refuses the new one
	PolicyReject
)

// String returns the configuration spelling of the policy
func (p DuplicatePolicy) String() string {
	switch p {
	case PolicyEvict:
		return "evict"
	case PolicyReject:
		return "reject"
	default:
		return fmt.Sprintf("DuplicatePolicy(%d)", int(p))
	}
}

// ParseDuplicatePolicy converts a configuration value into a DuplicatePolicy
func ParseDuplicatePolicy(s string) (DuplicatePolicy, error) {
	switch s {
	case "", "evict":
		return PolicyEvict, nil
	case "reject":
		return PolicyReject, nil
	default:
		return PolicyEvict, fmt.Errorf("unknown duplicate policy %q (want evict or reject)", s)
	}
}

// Registry maps identities to live connections. All methods are safe for
// concurrent use.
type Registry interface {
	// Register binds identity to conn. evicted reports whether a previous
	// connection was displaced and closed.
	Register(identity string, conn Conn) (evicted bool, err error)

	// Unregister removes identity regardless of which connection holds it.
	// It reports whether anything was removed and is safe to call repeatedly.
	Unregister(identity string) bool

	// Release removes identity only if it is still bound to conn.
	Release(identity string, conn Conn) bool

	// Lookup returns the connection registered under identity.
	Lookup(identity string) (Conn, bool)

	// All returns a snapshot of every entry. Later mutations do not affect it.
	All() []Entry

	// Count returns the number of registered identities.
	Count() int

	// Clear removes and returns every entry without closing the connections.
	Clear() []Entry
}

// Observer is notified when identities come and go.
type Observer interface {
	OnClientAdded(identity, remoteAddr string)
	OnClientRemoved(identity string)
}
