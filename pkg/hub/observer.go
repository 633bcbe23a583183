package hub

import (
	"sync"

	"github.com/rmacdonaldsmith/relayhub/pkg/registry"
	"github.com/rmacdonaldsmith/relayhub/pkg/streamstore"
)

// Observer receives the operator view notifications. Implementations must
// return quickly; they run on connection goroutines.
type Observer interface {
	registry.Observer
	streamstore.Observer
}

// NopObserver ignores every notification. Embed it to implement a subset.
type NopObserver struct{}

func (NopObserver) OnClientAdded(identity, remoteAddr string) {}
func (NopObserver) OnClientRemoved(identity string)           {}
func (NopObserver) OnStreamRegistered(name, publisher string) {}
func (NopObserver) OnStreamClosed(name string)                {}

// MultiObserver fans notifications out to a changing set of observers
type MultiObserver struct {
	mu        sync.RWMutex
	observers []Observer
}

// Add registers o. Nil observers are ignored.
func (m *MultiObserver) Add(o Observer) {
	if o == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

func (m *MultiObserver) snapshot() []Observer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.observers
}

func (m *MultiObserver) OnClientAdded(identity, remoteAddr string) {
	for _, o := range m.snapshot() {
		o.OnClientAdded(identity, remoteAddr)
	}
}

func (m *MultiObserver) OnClientRemoved(identity string) {
	for _, o := range m.snapshot() {
		o.OnClientRemoved(identity)
	}
}

func (m *MultiObserver) OnStreamRegistered(name, publisher string) {
	for _, o := range m.snapshot() {
		o.OnStreamRegistered(name, publisher)
	}
}

func (m *MultiObserver) OnStreamClosed(name string) {
	for _, o := range m.snapshot() {
		o.OnStreamClosed(name)
	}
}

var (
	_ Observer = NopObserver{}
	_ Observer = (*MultiObserver)(nil)
)
