package streamstore

import (
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/rmacdonaldsmith/relayhub/pkg/streamstore"
)

// DefaultShardCount is used when NewShardedStore is given a non-positive count
const DefaultShardCount = 32

// entry holds one stream. mu serializes writers for the name; readers load
// the current snapshot without locking.
type entry struct {
	mu      sync.Mutex
	deleted bool
	current atomic.Pointer[streamstore.Stream]
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// ShardedStore implements streamstore.Store. Names are spread over shards by
// xxhash; a shard lock only guards its map, never a payload write.
type ShardedStore struct {
	shards   []*shard
	observer streamstore.Observer

	// now is replaceable in tests
	now func() time.Time
}

// NewShardedStore creates an empty store. observer may be nil.
func NewShardedStore(shardCount int, observer streamstore.Observer) *ShardedStore {
	if shardCount <= 0 {
		shardCount = DefaultShardCount
	}

	shards := make([]*shard, shardCount)
	for i := range shards {
		shards[i] = &shard{entries: make(map[string]*entry)}
	}

	return &ShardedStore{
		shards:   shards,
		observer: observer,
		now:      time.Now,
	}
}

func (s *ShardedStore) shardFor(name string) *shard {
	return s.shards[xxhash.Sum64String(name)%uint64(len(s.shards))]
}

// Publish overwrites the value of name with a copy of payload.
func (s *ShardedStore) Publish(name string, payload json.RawMessage, publisher string) (bool, error) {
	if name == "" {
		return false, streamstore.ErrEmptyName
	}

	data := make(json.RawMessage, len(payload))
	copy(data, payload)
	if len(data) == 0 {
		data = json.RawMessage("null")
	}

	sh := s.shardFor(name)
	for {
		sh.mu.Lock()
		e, ok := sh.entries[name]
		if !ok {
			e = &entry{}
			sh.entries[name] = e
		}
		sh.mu.Unlock()

		e.mu.Lock()
		if e.deleted {
			// Closed between the map lookup and the lock; start over with a fresh entry
			e.mu.Unlock()
			continue
		}

		now := s.now()
		next := &streamstore.Stream{
			Name:      name,
			Payload:   data,
			Publisher: publisher,
			CreatedAt: now,
			UpdatedAt: now,
			Updates:   1,
		}

		prev := e.current.Load()
		created := prev == nil
		if !created {
			next.CreatedAt = prev.CreatedAt
			next.Updates = prev.Updates + 1
		}
		e.current.Store(next)

		if created && s.observer != nil {
			s.observer.OnStreamRegistered(name, publisher)
		}
		e.mu.Unlock()
		return created, nil
	}
}

// Get returns the current value of name.
func (s *ShardedStore) Get(name string) (streamstore.Stream, error) {
	sh := s.shardFor(name)

	sh.mu.RLock()
	e, ok := sh.entries[name]
	sh.mu.RUnlock()
	if !ok {
		return streamstore.Stream{}, streamstore.ErrNotFound
	}

	current := e.current.Load()
	if current == nil {
		return streamstore.Stream{}, streamstore.ErrNotFound
	}
	return *current, nil
}

// Close removes name and reports whether it held a value.
func (s *ShardedStore) Close(name string) bool {
	sh := s.shardFor(name)

	sh.mu.RLock()
	e, ok := sh.entries[name]
	sh.mu.RUnlock()
	if !ok {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return false
	}

	e.deleted = true
	existed := e.current.Swap(nil) != nil
	if existed && s.observer != nil {
		s.observer.OnStreamClosed(name)
	}

	// Removed while still holding the entry lock so a publisher waiting on it
	// retries against a map that no longer holds the dead entry
	sh.mu.Lock()
	if sh.entries[name] == e {
		delete(sh.entries, name)
	}
	sh.mu.Unlock()

	return existed
}

// List returns every stream without its payload, ordered by name.
func (s *ShardedStore) List() []streamstore.Info {
	var infos []streamstore.Info
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, e := range sh.entries {
			if current := e.current.Load(); current != nil {
				infos = append(infos, streamstore.Info{
					Name:      current.Name,
					Publisher: current.Publisher,
					CreatedAt: current.CreatedAt,
					UpdatedAt: current.UpdatedAt,
					Updates:   current.Updates,
					Size:      len(current.Payload),
				})
			}
		}
		sh.mu.RUnlock()
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// Len returns the number of streams holding a value.
func (s *ShardedStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, e := range sh.entries {
			if e.current.Load() != nil {
				n++
			}
		}
		sh.mu.RUnlock()
	}
	return n
}

// Verify that ShardedStore implements streamstore.Store at compile time
var _ streamstore.Store = (*ShardedStore)(nil)
