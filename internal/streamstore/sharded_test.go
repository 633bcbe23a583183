package streamstore

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/relayhub/pkg/streamstore"
)

type recordingObserver struct {
	mu     sync.Mutex
	events []string
}

func (o *recordingObserver) OnStreamRegistered(name, publisher string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, "registered:"+name+":"+publisher)
}

func (o *recordingObserver) OnStreamClosed(name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, "closed:"+name)
}

func (o *recordingObserver) Events() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.events...)
}

func TestShardedStore_PublishAndGet(t *testing.T) {
	store := NewShardedStore(4, nil)

	created, err := store.Publish("pose", json.RawMessage(`{"x":1,"y":2,"z":3}`), "cam1")
	require.NoError(t, err)
	assert.True(t, created)

	stream, err := store.Get("pose")
	require.NoError(t, err)
	assert.Equal(t, "pose", stream.Name)
	assert.Equal(t, "cam1", stream.Publisher)
	assert.JSONEq(t, `{"x":1,"y":2,"z":3}`, string(stream.Payload))
	assert.Equal(t, uint64(1), stream.Updates)
}

func TestShardedStore_LastWriteWins(t *testing.T) {
	store := NewShardedStore(4, nil)

	for i := 0; i < 10; i++ {
		created, err := store.Publish("counter", json.RawMessage(fmt.Sprintf("%d", i)), "cam1")
		require.NoError(t, err)
		assert.Equal(t, i == 0, created)
	}

	stream, err := store.Get("counter")
	require.NoError(t, err)
	assert.Equal(t, "9", string(stream.Payload))
	assert.Equal(t, uint64(10), stream.Updates)
	assert.Equal(t, 1, store.Len())
}

func TestShardedStore_KeepsCreatedAtAcrossPublishes(t *testing.T) {
	store := NewShardedStore(1, nil)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	store.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	_, err := store.Publish("s", json.RawMessage(`1`), "a")
	require.NoError(t, err)
	_, err = store.Publish("s", json.RawMessage(`2`), "b")
	require.NoError(t, err)

	stream, err := store.Get("s")
	require.NoError(t, err)
	assert.Equal(t, base.Add(time.Second), stream.CreatedAt)
	assert.Equal(t, base.Add(2*time.Second), stream.UpdatedAt)
	assert.Equal(t, "b", stream.Publisher)
}

func TestShardedStore_PayloadIsCopied(t *testing.T) {
	store := NewShardedStore(1, nil)
	payload := []byte(`"abc"`)

	_, err := store.Publish("s", payload, "a")
	require.NoError(t, err)
	payload[1] = 'z'

	stream, err := store.Get("s")
	require.NoError(t, err)
	assert.Equal(t, `"abc"`, string(stream.Payload))
}

func TestShardedStore_NotFound(t *testing.T) {
	store := NewShardedStore(4, nil)

	_, err := store.Get("ghost")
	assert.ErrorIs(t, err, streamstore.ErrNotFound)

	_, err = store.Publish("", json.RawMessage(`1`), "a")
	assert.ErrorIs(t, err, streamstore.ErrEmptyName)
}

func TestShardedStore_CloseRevertsToNonexistent(t *testing.T) {
	obs := &recordingObserver{}
	store := NewShardedStore(4, obs)

	_, err := store.Publish("pose", json.RawMessage(`1`), "cam1")
	require.NoError(t, err)

	assert.True(t, store.Close("pose"))
	assert.False(t, store.Close("pose"), "closing an absent stream is a no-op")

	_, err = store.Get("pose")
	assert.ErrorIs(t, err, streamstore.ErrNotFound)
	assert.Equal(t, 0, store.Len())

	created, err := store.Publish("pose", json.RawMessage(`2`), "cam2")
	require.NoError(t, err)
	assert.True(t, created, "publishing after close creates the stream again")

	assert.Equal(t, []string{
		"registered:pose:cam1",
		"closed:pose",
		"registered:pose:cam2",
	}, obs.Events())
}

func TestShardedStore_List(t *testing.T) {
	store := NewShardedStore(8, nil)
	for _, name := range []string{"c", "a", "b"} {
		_, err := store.Publish(name, json.RawMessage(`"`+name+`"`), "p")
		require.NoError(t, err)
	}

	infos := store.List()
	require.Len(t, infos, 3)
	assert.Equal(t, "a", infos[0].Name)
	assert.Equal(t, "b", infos[1].Name)
	assert.Equal(t, "c", infos[2].Name)
	assert.Equal(t, 3, infos[0].Size)
}

func TestShardedStore_ConcurrentPublishNeverTears(t *testing.T) {
	store := NewShardedStore(4, nil)

	// Every payload is internally consistent: both fields carry the same value
	payloadFor := func(i int) json.RawMessage {
		return json.RawMessage(fmt.Sprintf(`{"a":%d,"b":%d}`, i, i))
	}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				_, _ = store.Publish("shared", payloadFor(w*1000+i), fmt.Sprintf("w%d", w))
			}
		}(w)
	}

	stop := make(chan struct{})
	readErr := make(chan error, 1)
	go func() {
		for {
			select {
			case <-stop:
				readErr <- nil
				return
			default:
			}
			stream, err := store.Get("shared")
			if err != nil {
				continue
			}
			var v struct{ A, B int }
			if err := json.Unmarshal(stream.Payload, &v); err != nil || v.A != v.B {
				readErr <- fmt.Errorf("torn read: %s", stream.Payload)
				return
			}
		}
	}()

	wg.Wait()
	close(stop)
	require.NoError(t, <-readErr)

	stream, err := store.Get("shared")
	require.NoError(t, err)
	assert.Equal(t, uint64(8*200), stream.Updates)
}

func TestShardedStore_ConcurrentPublishAndClose(t *testing.T) {
	obs := &recordingObserver{}
	store := NewShardedStore(2, obs)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_, _ = store.Publish("flap", json.RawMessage(`1`), "p")
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				store.Close("flap")
			}
		}()
	}
	wg.Wait()

	// Registered and closed notifications must alternate for one name
	events := obs.Events()
	for i, ev := range events {
		if i%2 == 0 {
			assert.Equal(t, "registered:flap:p", ev, "event %d", i)
		} else {
			assert.Equal(t, "closed:flap", ev, "event %d", i)
		}
	}

	_, err := store.Get("flap")
	if len(events)%2 == 0 {
		assert.ErrorIs(t, err, streamstore.ErrNotFound)
	} else {
		assert.NoError(t, err)
	}
}

func BenchmarkShardedStore_Publish(b *testing.B) {
	store := NewShardedStore(0, nil)
	payload := json.RawMessage(`{"x":1,"y":2,"z":3}`)
	names := make([]string, 64)
	for i := range names {
		names[i] = fmt.Sprintf("stream-%d", i)
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			_, _ = store.Publish(names[i%len(names)], payload, "bench")
			i++
		}
	})
}
