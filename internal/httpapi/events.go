package httpapi

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rmacdonaldsmith/relayhub/pkg/hub"
)

// Event types published on the operator feed
const (
	EventClientAdded      = "client_added"
	EventClientRemoved    = "client_removed"
	EventStreamRegistered = "stream_registered"
	EventStreamClosed     = "stream_closed"
	EventClientMessage    = "client_message"
)

// subscriberBuffer is the per-subscriber backlog before events are dropped
const subscriberBuffer = 256

// Event is one operator view notification
type Event struct {
	Type       string          `json:"type"`
	ClientID   string          `json:"clientId,omitempty"`
	RemoteAddr string          `json:"remoteAddr,omitempty"`
	Stream     string          `json:"stream,omitempty"`
	Publisher  string          `json:"publisher,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// EventFeed fans hub notifications out to SSE subscribers. It never blocks
// the notifying goroutine: a subscriber that falls behind loses events.
type EventFeed struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
	dropped     atomic.Uint64
}

// NewEventFeed creates an empty feed
func NewEventFeed() *EventFeed {
	return &EventFeed{subscribers: make(map[chan Event]struct{})}
}

// Subscribe returns a channel of events and a function that ends the subscription
func (f *EventFeed) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	f.mu.Lock()
	f.subscribers[ch] = struct{}{}
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subscribers, ch)
			f.mu.Unlock()
		})
	}
}

// Subscribers returns the number of live subscriptions
func (f *EventFeed) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subscribers)
}

// Dropped returns how many events were discarded for slow subscribers
func (f *EventFeed) Dropped() uint64 {
	return f.dropped.Load()
}

func (f *EventFeed) publish(e Event) {
	e.Timestamp = time.Now()

	f.mu.RLock()
	defer f.mu.RUnlock()
	for ch := range f.subscribers {
		select {
		case ch <- e:
		default:
			f.dropped.Add(1)
		}
	}
}

func (f *EventFeed) OnClientAdded(identity, remoteAddr string) {
	f.publish(Event{Type: EventClientAdded, ClientID: identity, RemoteAddr: remoteAddr})
}

func (f *EventFeed) OnClientRemoved(identity string) {
	f.publish(Event{Type: EventClientRemoved, ClientID: identity})
}

func (f *EventFeed) OnStreamRegistered(name, publisher string) {
	f.publish(Event{Type: EventStreamRegistered, Stream: name, Publisher: publisher})
}

func (f *EventFeed) OnStreamClosed(name string) {
	f.publish(Event{Type: EventStreamClosed, Stream: name})
}

// ClientMessage surfaces a client's "message" envelope. It matches dispatch.MessageFunc.
func (f *EventFeed) ClientMessage(identity string, data json.RawMessage) {
	f.publish(Event{Type: EventClientMessage, ClientID: identity, Data: data})
}

var _ hub.Observer = (*EventFeed)(nil)
