package wsconn

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/relayhub/pkg/envelope"
	"github.com/rmacdonaldsmith/relayhub/pkg/registry"
)

const (
	// DefaultMaxPayloadBytes is the largest envelope accepted from a peer
	DefaultMaxPayloadBytes = 10_000_000

	// DefaultMaxQueue is the per-direction backlog of envelopes
	DefaultMaxQueue = 10_000

	// DefaultWriteTimeout is the time allowed to write one frame to the peer
	DefaultWriteTimeout = 10 * time.Second

	// DefaultPingInterval is how often the peer is pinged. The peer must answer
	// within pongWait (a ninth more than the interval) or it is dropped.
	DefaultPingInterval = 30 * time.Second

	// hardLimitFactor bounds how far past MaxPayloadBytes a frame may run
	// before the connection itself is dropped instead of the frame
	hardLimitFactor = 16

	maxCloseReason = 123
)

var (
	// ErrQueueFull is returned by Send when the outbound backlog is full
	ErrQueueFull = fmt.Errorf("websocket: %w", registry.ErrQueueFull)
	// ErrConnClosed is returned by operations on a closed connection
	ErrConnClosed = fmt.Errorf("websocket: %w", registry.ErrConnClosed)
	// ErrPayloadTooLarge is returned by Receive for an inbound frame over the size limit
	ErrPayloadTooLarge = fmt.Errorf("inbound frame: %w", envelope.ErrTooLarge)
)

// Config bounds one connection's memory and timing
type Config struct {
	MaxPayloadBytes int
	MaxQueue        int
	WriteTimeout    time.Duration
	PingInterval    time.Duration
}

// SetDefaults fills zero fields
func (c *Config) SetDefaults() {
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	if c.MaxQueue <= 0 {
		c.MaxQueue = DefaultMaxQueue
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
}

func (c Config) pongWait() time.Duration {
	return c.PingInterval * 10 / 9
}

type inbound struct {
	data []byte
	err  error
}

// Connection adapts a gorilla websocket to registry.Conn. A reader goroutine
// feeds a bounded inbound queue and a writer goroutine drains a bounded
// outbound queue, so Send never blocks on a slow peer.
type Connection struct {
	id          string
	ws          *websocket.Conn
	remoteAddr  string
	connectedAt time.Time
	config      Config
	logger      *zap.Logger

	send    chan []byte
	inbound chan inbound

	done       chan struct{}
	closing    chan struct{}
	writerDone chan struct{}

	closeOnce    sync.Once
	shutdownOnce sync.Once

	mu     sync.Mutex
	reason string
}

// New wraps ws and starts its reader and writer goroutines
func New(ws *websocket.Conn, config Config, logger *zap.Logger) *Connection {
	config.SetDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	id := uuid.NewString()
	c := &Connection{
		id:          id,
		ws:          ws,
		remoteAddr:  ws.RemoteAddr().String(),
		connectedAt: time.Now(),
		config:      config,
		logger:      logger.With(zap.String("conn_id", id)),
		send:        make(chan []byte, config.MaxQueue),
		inbound:     make(chan inbound, config.MaxQueue),
		done:        make(chan struct{}),
		closing:     make(chan struct{}),
		writerDone:  make(chan struct{}),
	}

	go c.readLoop()
	go c.writeLoop()
	return c
}

func (c *Connection) ID() string             { return c.id }
func (c *Connection) RemoteAddr() string     { return c.remoteAddr }
func (c *Connection) ConnectedAt() time.Time { return c.connectedAt }
func (c *Connection) Done() <-chan struct{}  { return c.done }

// QueueLen returns the number of envelopes waiting to be written
func (c *Connection) QueueLen() int {
	return len(c.send)
}

// Reason returns why the connection was closed, empty while it is open
func (c *Connection) Reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Send queues data for the writer. It fails fast when the queue is full.
func (c *Connection) Send(data []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	case <-c.closing:
		return ErrConnClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	default:
		return ErrQueueFull
	}
}

// Receive returns the next inbound envelope in arrival order. Envelopes that
// arrived before the connection closed are still returned.
func (c *Connection) Receive(ctx context.Context) ([]byte, error) {
	select {
	case in := <-c.inbound:
		return in.data, in.err
	case <-c.done:
		select {
		case in := <-c.inbound:
			return in.data, in.err
		default:
		}
		return nil, fmt.Errorf("%w: %s", ErrConnClosed, c.Reason())
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close tears the connection down without flushing the outbound queue.
func (c *Connection) Close(reason string) error {
	c.teardown(websocket.ClosePolicyViolation, reason)
	return nil
}

// Shutdown flushes queued envelopes, sends a normal close frame and tears the
// connection down. It returns early with ctx's error, closing abruptly.
func (c *Connection) Shutdown(ctx context.Context, reason string) error {
	c.shutdownOnce.Do(func() {
		c.mu.Lock()
		if c.reason == "" {
			c.reason = reason
		}
		c.mu.Unlock()
		close(c.closing)
	})

	select {
	case <-c.writerDone:
		c.teardown(websocket.CloseNormalClosure, reason)
		return nil
	case <-ctx.Done():
		c.teardown(websocket.CloseGoingAway, reason)
		return ctx.Err()
	}
}

func (c *Connection) teardown(code int, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if c.reason == "" {
			c.reason = reason
		}
		c.mu.Unlock()

		select {
		case <-c.writerDone:
			// Writer already sent the close frame
		default:
			deadline := time.Now().Add(time.Second)
			_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, truncate(reason)), deadline)
		}

		close(c.done)
		_ = c.ws.Close()
		c.logger.Debug("Connection closed", zap.String("remote_addr", c.remoteAddr), zap.String("reason", reason))
	})
}

func (c *Connection) readLoop() {
	limit := c.config.MaxPayloadBytes
	c.ws.SetReadLimit(int64(limit) * hardLimitFactor)

	pongWait := c.config.pongWait()
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, r, err := c.ws.NextReader()
		if err != nil {
			reason := "peer closed connection"
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				reason = err.Error()
			}
			c.teardown(websocket.CloseNormalClosure, reason)
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		data, err := io.ReadAll(io.LimitReader(r, int64(limit)+1))
		if err != nil {
			c.teardown(websocket.CloseInternalServerErr, err.Error())
			return
		}

		item := inbound{data: data}
		if len(data) > limit {
			// Discard the rest of the frame and keep the connection
			rest, err := io.Copy(io.Discard, r)
			if err != nil {
				c.teardown(websocket.CloseMessageTooBig, err.Error())
				return
			}
			item = inbound{err: fmt.Errorf("%w: %d bytes, limit %d", ErrPayloadTooLarge, int64(len(data))+rest, limit)}
		}

		select {
		case c.inbound <- item:
		case <-c.done:
			return
		}
	}
}

func (c *Connection) writeLoop() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer func() {
		ticker.Stop()
		close(c.writerDone)
	}()

	for {
		select {
		case data := <-c.send:
			if err := c.write(data); err != nil {
				c.teardown(websocket.CloseInternalServerErr, "write failed: "+err.Error())
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.teardown(websocket.CloseInternalServerErr, "ping failed: "+err.Error())
				return
			}

		case <-c.closing:
			c.flush()
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, truncate(c.Reason())))
			return

		case <-c.done:
			return
		}
	}
}

// flush writes whatever is already queued
func (c *Connection) flush() {
	for {
		select {
		case data := <-c.send:
			if err := c.write(data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Connection) write(data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func truncate(reason string) string {
	if len(reason) > maxCloseReason {
		return reason[:maxCloseReason]
	}
	return reason
}

// Verify that Connection implements registry.Conn at compile time
var _ registry.Conn = (*Connection)(nil)
