package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/rmacdonaldsmith/relayhub/pkg/registry"
)

// InMemoryRegistry implements registry.Registry with a single map guarded by a
// read-write lock. Lookups and snapshots take the read lock only.
type InMemoryRegistry struct {
	mu      sync.RWMutex
	entries map[string]registry.Entry
	policy  registry.DuplicatePolicy
	closed  bool
	sealed  bool

	// now is replaceable in tests
	now func() time.Time
}

// NewInMemoryRegistry creates an empty registry with the given duplicate policy.
func NewInMemoryRegistry(policy registry.DuplicatePolicy) *InMemoryRegistry {
	return &InMemoryRegistry{
		entries: make(map[string]registry.Entry),
		policy:  policy,
		now:     time.Now,
	}
}

// Policy returns the duplicate identity policy in effect.
func (r *InMemoryRegistry) Policy() registry.DuplicatePolicy {
	return r.policy
}

// Register binds identity to conn. Under PolicyEvict the previous connection is
// closed after the new binding is installed, so no lookup ever observes two
// live connections for one identity.
func (r *InMemoryRegistry) Register(identity string, conn registry.Conn) (bool, error) {
	if identity == "" {
		return false, registry.ErrEmptyIdentity
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false, registry.ErrClosed
	}
	if r.sealed {
		r.mu.Unlock()
		return false, registry.ErrSealed
	}

	previous, exists := r.entries[identity]
	if exists && previous.Conn != conn && r.policy == registry.PolicyReject {
		r.mu.Unlock()
		return false, registry.ErrDuplicateIdentity
	}

	r.entries[identity] = registry.Entry{
		Identity:     identity,
		Conn:         conn,
		RegisteredAt: r.now(),
	}
	r.mu.Unlock()

	if exists && previous.Conn != conn {
		_ = previous.Conn.Close("identity claimed by a new connection")
		return true, nil
	}
	return false, nil
}

// Unregister removes identity. Removing an absent identity is a no-op.
func (r *InMemoryRegistry) Unregister(identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[identity]; !ok {
		return false
	}
	delete(r.entries, identity)
	return true
}

// Release removes identity only while it is still bound to conn.
func (r *InMemoryRegistry) Release(identity string, conn registry.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[identity]
	if !ok || entry.Conn != conn {
		return false
	}
	delete(r.entries, identity)
	return true
}

// Lookup returns the connection registered under identity.
func (r *InMemoryRegistry) Lookup(identity string) (registry.Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[identity]
	if !ok {
		return nil, false
	}
	return entry.Conn, true
}

// All returns a copy of every entry, ordered by identity.
func (r *InMemoryRegistry) All() []registry.Entry {
	r.mu.RLock()
	entries := make([]registry.Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		entries = append(entries, entry)
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Identity < entries[j].Identity
	})
	return entries
}

// Count returns the number of registered identities.
func (r *InMemoryRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Clear removes every entry and returns what was removed.
func (r *InMemoryRegistry) Clear() []registry.Entry {
	r.mu.Lock()
	removed := make([]registry.Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		removed = append(removed, entry)
	}
	r.entries = make(map[string]registry.Entry)
	r.mu.Unlock()

	sort.Slice(removed, func(i, j int) bool {
		return removed[i].Identity < removed[j].Identity
	})
	return removed
}

// Seal refuses further registrations and returns every entry held at that
// moment, ordered by identity. A client is either in the returned snapshot or
// its Register fails with registry.ErrSealed.
func (r *InMemoryRegistry) Seal() []registry.Entry {
	r.mu.Lock()
	r.sealed = true
	entries := make([]registry.Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		entries = append(entries, entry)
	}
	r.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Identity < entries[j].Identity
	})
	return entries
}

// Unseal accepts registrations again after Seal
func (r *InMemoryRegistry) Unseal() {
	r.mu.Lock()
	r.sealed = false
	r.mu.Unlock()
}

// Close clears the registry and refuses further registrations.
// Connections are not closed; that is the hub's job.
func (r *InMemoryRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.entries = make(map[string]registry.Entry)
	r.closed = true
	return nil
}

// Verify that InMemoryRegistry implements registry.Registry at compile time
var _ registry.Registry = (*InMemoryRegistry)(nil)
