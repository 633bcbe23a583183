// Package testutil holds in-memory doubles shared by the hub's package tests.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rmacdonaldsmith/relayhub/pkg/envelope"
	"github.com/rmacdonaldsmith/relayhub/pkg/registry"
)

// ErrFakeClosed is returned by a FakeConn after Close
var ErrFakeClosed = fmt.Errorf("fake: %w", registry.ErrConnClosed)

// FakeConn is an in-memory registry.Conn. Tests push inbound envelopes with
// Deliver and inspect what the hub wrote with Sent.
type FakeConn struct {
	id          string
	remoteAddr  string
	connectedAt time.Time

	inbound chan []byte
	done    chan struct{}
	signal  chan struct{}

	mu          sync.Mutex
	sent        [][]byte
	sendErr     error
	closeReason string
	closeOnce   sync.Once
}

// NewFakeConn creates an open connection with the given transport id
func NewFakeConn(id string) *FakeConn {
	return &FakeConn{
		id:          id,
		remoteAddr:  "127.0.0.1:0",
		connectedAt: time.Now(),
		inbound:     make(chan []byte, 64),
		done:        make(chan struct{}),
		signal:      make(chan struct{}, 1),
	}
}

func (c *FakeConn) ID() string             { return c.id }
func (c *FakeConn) RemoteAddr() string     { return c.remoteAddr }
func (c *FakeConn) ConnectedAt() time.Time { return c.connectedAt }
func (c *FakeConn) Done() <-chan struct{}  { return c.done }

// Send records data unless the connection is closed or FailSends was called
func (c *FakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return ErrFakeClosed
	default:
	}
	if c.sendErr != nil {
		return c.sendErr
	}

	cp := make([]byte, len(data))
	copy(cp, data)
	c.sent = append(c.sent, cp)

	select {
	case c.signal <- struct{}{}:
	default:
	}
	return nil
}

// Receive returns the next delivered envelope
func (c *FakeConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case raw := <-c.inbound:
		return raw, nil
	case <-c.done:
		return nil, ErrFakeClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close marks the connection closed and unblocks Receive
func (c *FakeConn) Close(reason string) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeReason = reason
		c.mu.Unlock()
		close(c.done)
	})
	return nil
}

// Deliver queues an inbound envelope
func (c *FakeConn) Deliver(raw string) {
	c.inbound <- []byte(raw)
}

// FailSends makes every later Send return err
func (c *FakeConn) FailSends(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

// Sent returns a copy of everything written so far
func (c *FakeConn) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([][]byte, len(c.sent))
	copy(out, c.sent)
	return out
}

// Closed reports whether Close was called
func (c *FakeConn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// CloseReason returns the reason passed to the first Close
func (c *FakeConn) CloseReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeReason
}

// WaitSent blocks until at least n envelopes were sent or the timeout expires
func (c *FakeConn) WaitSent(t testing.TB, n int, timeout time.Duration) [][]byte {
	t.Helper()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		sent := c.Sent()
		if len(sent) >= n {
			return sent
		}
		select {
		case <-c.signal:
		case <-deadline.C:
			t.Fatalf("connection %s: expected %d sent envelopes, got %d", c.id, n, len(sent))
			return nil
		}
	}
}

// Decoded returns every sent envelope as a Message
func (c *FakeConn) Decoded(t testing.TB) []envelope.Message {
	t.Helper()

	var out []envelope.Message
	for _, raw := range c.Sent() {
		msg, err := envelope.Decode(raw)
		if err != nil {
			t.Fatalf("connection %s sent an undecodable envelope %q: %v", c.id, raw, err)
		}
		out = append(out, msg)
	}
	return out
}

// Verify that FakeConn implements registry.Conn at compile time
var _ registry.Conn = (*FakeConn)(nil)
