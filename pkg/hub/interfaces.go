package hub

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/rmacdonaldsmith/relayhub/pkg/streamstore"
)

var (
	// ErrNotRunning is returned by operations that need a started hub
	ErrNotRunning = errors.New("hub is not running")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("hub is closed")
	// ErrClientNotFound is returned when no client is connected under an identity
	ErrClientNotFound = errors.New("client not found")
)

// ClientInfo describes one identified client
type ClientInfo struct {
	Identity     string    `json:"client_id"`
	ConnID       string    `json:"conn_id"`
	RemoteAddr   string    `json:"remote_addr"`
	ConnectedAt  time.Time `json:"connected_at"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Hub is the relay hub.
type Hub interface {
	io.Closer

	// Start binds the listener and begins accepting connections.
	Start(ctx context.Context) error

	// Stop sends SERVER_CLOSING to every client, closes every connection,
	// clears the registry and closes the listener. ctx bounds the wait for
	// connection tasks to finish.
	Stop(ctx context.Context) error

	// Address returns the reachable host:port, empty before Start.
	Address() string

	// Publish stores payload as the current value of a stream.
	Publish(name string, payload json.RawMessage, publisher string) error

	// Stream returns the current value of a stream.
	Stream(name string) (streamstore.Stream, error)

	// CloseStream removes a stream and reports whether it existed.
	CloseStream(name string) bool

	// Streams lists every stream without payloads.
	Streams() []streamstore.Info

	// SendToClient writes {"command":"message","data":...} to one client.
	SendToClient(ctx context.Context, identity string, data json.RawMessage) error

	// Broadcast writes {"command":"broadcast","data":...} to every client
	// except exclude and returns how many were reached.
	Broadcast(ctx context.Context, data json.RawMessage, exclude string) (int, error)

	// Disconnect closes one client's connection.
	Disconnect(identity, reason string) error

	// Clients lists identified clients ordered by identity.
	Clients() []ClientInfo

	// Health reports the hub's state.
	Health(ctx context.Context) (HealthStatus, error)

	// AddObserver registers an observer for client and stream notifications.
	AddObserver(o Observer)
}

// HealthStatus represents the overall health of the hub
type HealthStatus struct {
	// Healthy indicates the hub is accepting connections
	Healthy bool `json:"healthy"`

	// Running is true between Start and Stop
	Running bool `json:"running"`

	// ConnectedClients is the number of identified clients
	ConnectedClients int `json:"connected_clients"`

	// PendingConnections is the number of connections still in the handshake
	PendingConnections int `json:"pending_connections"`

	// Streams is the number of streams holding a value
	Streams int `json:"streams"`

	// Address is the reachable host:port
	Address string `json:"address"`

	// Uptime since Start
	Uptime time.Duration `json:"uptime"`

	// Message provides additional health information
	Message string `json:"message,omitempty"`
}
