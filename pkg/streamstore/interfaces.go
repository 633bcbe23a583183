package streamstore

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a stream has no value
	ErrNotFound = errors.New("stream not found")
	// ErrEmptyName is returned when a stream name is empty
	ErrEmptyName = errors.New("stream name must not be empty")
)

// Stream is a snapshot of one stream's state. Payload is shared with the store
// and must be treated as read-only.
type Stream struct {
	Name      string          `json:"name"`
	Payload   json.RawMessage `json:"payload"`
	Publisher string          `json:"publisher"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	// Updates counts publishes since the stream was created
	Updates uint64 `json:"updates"`
}

// Info is Stream without the payload, for listings.
type Info struct {
	Name      string    `json:"name"`
	Publisher string    `json:"publisher"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Updates   uint64    `json:"updates"`
	Size      int       `json:"size"`
}

// Observer is notified when streams appear and disappear. Callbacks run on the
// calling goroutine while that stream's own lock is held, so notifications for
// one name arrive in order. They must not call back into the store.
type Observer interface {
	OnStreamRegistered(name, publisher string)
	OnStreamClosed(name string)
}

// Store is a concurrency-safe last-value store. Operations on different names
// never block each other; operations on the same name are serialized.
type Store interface {
	// Publish overwrites the value of name. created reports whether the name was new.
	Publish(name string, payload json.RawMessage, publisher string) (created bool, err error)

	// Get returns the current value of name, or ErrNotFound.
	Get(name string) (Stream, error)

	// Close removes name. It reports whether the stream existed.
	Close(name string) bool

	// List returns every stream without payloads, ordered by name.
	List() []Info

	// Len returns the number of streams.
	Len() int
}
