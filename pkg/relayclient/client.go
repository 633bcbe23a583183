package relayclient

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/relayhub/internal/logging"
	"github.com/rmacdonaldsmith/relayhub/internal/wsconn"
	"github.com/rmacdonaldsmith/relayhub/pkg/envelope"
)

const (
	// DefaultHandshakeTimeout bounds the wait for REQUEST_ID
	DefaultHandshakeTimeout = 10 * time.Second
	// DefaultBufferSize is the number of unsolicited envelopes held for Receive
	DefaultBufferSize = 256
	// closeTimeout bounds flushing queued envelopes on Close
	closeTimeout = 2 * time.Second
)

var (
	// ErrEmptyURL is returned when Config.URL is empty
	ErrEmptyURL = errors.New("hub URL is required")
	// ErrEmptyClientID is returned when Config.ClientID is empty
	ErrEmptyClientID = errors.New("client ID is required")
	// ErrUnexpectedPrompt is returned when the hub opens with anything but REQUEST_ID
	ErrUnexpectedPrompt = errors.New("hub did not request an identity")
	// ErrStreamNotFound is returned by Request when the hub reports the stream missing
	ErrStreamNotFound = errors.New("stream not found")
	// ErrClosed is returned by operations after the connection ended
	ErrClosed = errors.New("client is closed")
)

// Config configures a Client
type Config struct {
	// URL of the hub's websocket endpoint, e.g. "ws://127.0.0.1:8080/"
	URL string

	// ClientID is the identity announced in the handshake
	ClientID string

	// LegacyHandshake omits the command field from the identity reply
	LegacyHandshake bool

	Header           http.Header
	Transport        wsconn.Config
	HandshakeTimeout time.Duration

	// BufferSize bounds unsolicited envelopes waiting for Receive. When it is
	// full the oldest one is discarded and counted by Dropped, so Request
	// replies keep flowing to a client that never calls Receive.
	BufferSize int

	Logger *zap.Logger
}

// SetDefaults sets reasonable default values for the config
func (c *Config) SetDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	c.Transport.SetDefaults()
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	if c.URL == "" {
		return ErrEmptyURL
	}
	if c.ClientID == "" {
		return ErrEmptyClientID
	}
	return nil
}

// reply answers one pending Request
type reply struct {
	data []byte
	err  error
}

// Client is one identified connection to a hub. It is safe for concurrent use.
type Client struct {
	config Config
	conn   *wsconn.Connection
	codec  envelope.Codec
	logger *zap.Logger

	inbound chan envelope.Message
	done    chan struct{}

	mu      sync.Mutex
	waiters map[string][]chan reply
	// outstanding counts request_stream_data envelopes sent per stream that
	// the hub has not answered yet
	outstanding map[string]int
	err         error

	dropped       atomic.Uint64
	serverClosing atomic.Bool
	closeOnce     sync.Once
}

// Connect dials the hub, waits for REQUEST_ID and identifies as config.ClientID.
// The hub sends no acknowledgement; a rejected identity surfaces as an
// ErrorReply followed by the connection closing.
func Connect(ctx context.Context, config Config) (*Client, error) {
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	logger := logging.OrNop(config.Logger).Named(logging.ComponentClient).
		With(zap.String("client_id", config.ClientID))

	conn, err := wsconn.Dial(ctx, config.URL, config.Header, config.Transport, logger)
	if err != nil {
		return nil, err
	}

	c := &Client{
		config:  config,
		conn:    conn,
		codec:   envelope.Codec{MaxPayloadBytes: config.Transport.MaxPayloadBytes},
		logger:  logger,
		inbound: make(chan envelope.Message, config.BufferSize),
		done:    make(chan struct{}),
		waiters: make(map[string][]chan reply),

		outstanding: make(map[string]int),
	}

	if err := c.identify(ctx); err != nil {
		_ = conn.Close("handshake failed")
		return nil, err
	}

	go c.readLoop()
	logger.Debug("Connected to hub", zap.String("url", config.URL))
	return c, nil
}

func (c *Client) identify(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.HandshakeTimeout)
	defer cancel()

	raw, err := c.conn.Receive(ctx)
	if err != nil {
		return fmt.Errorf("waiting for identity request: %w", err)
	}
	msg, err := c.codec.Decode(raw)
	if err != nil {
		return fmt.Errorf("waiting for identity request: %w", err)
	}
	if _, ok := msg.(envelope.RequestID); !ok {
		return fmt.Errorf("%w: got %q", ErrUnexpectedPrompt, msg.Command())
	}

	var out []byte
	if c.config.LegacyHandshake {
		out, err = envelope.MarshalData(map[string]string{"client_id": c.config.ClientID})
	} else {
		out, err = c.codec.Encode(envelope.ClientID{ClientID: c.config.ClientID})
	}
	if err != nil {
		return err
	}
	return c.conn.Send(out)
}

// ClientID returns the identity announced to the hub
func (c *Client) ClientID() string {
	return c.config.ClientID
}

// Done is closed once the connection has ended
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended, nil while it is open
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// ServerClosing reports whether the hub announced its shutdown
func (c *Client) ServerClosing() bool {
	return c.serverClosing.Load()
}

// Dropped returns how many unsolicited envelopes were discarded because
// Receive fell BufferSize behind
func (c *Client) Dropped() uint64 {
	return c.dropped.Load()
}

// Publish sets the current value of a stream. v is encoded as JSON; a
// json.RawMessage is sent as is.
func (c *Client) Publish(ctx context.Context, stream string, v any) error {
	data, err := envelope.MarshalData(v)
	if err != nil {
		return err
	}
	return c.send(ctx, envelope.StreamData{StreamName: stream, Data: data})
}

// PublishFrame publishes one camera frame. frameType is envelope.FrameRGB
// (an encoded image) or envelope.FrameDepth (raw little-endian uint16 samples).
func (c *Client) PublishFrame(ctx context.Context, stream, frameType string, frame []byte) error {
	return c.send(ctx, envelope.StreamFrame{
		StreamName: stream,
		FrameType:  frameType,
		Data:       base64.StdEncoding.EncodeToString(frame),
	})
}

// CloseStream deletes a stream
func (c *Client) CloseStream(ctx context.Context, stream string) error {
	return c.send(ctx, envelope.CloseStream{StreamName: stream})
}

// SendTo forwards an envelope to one client. fields travel next to command
// and target_id.
func (c *Client) SendTo(ctx context.Context, target string, fields map[string]any) error {
	msg, err := envelope.NewSendToClient(target, fields)
	if err != nil {
		return err
	}
	return c.send(ctx, msg)
}

// Broadcast sends v to every other identified client
func (c *Client) Broadcast(ctx context.Context, v any) error {
	data, err := envelope.MarshalData(v)
	if err != nil {
		return err
	}
	return c.send(ctx, envelope.Broadcast{Data: data})
}

// Message sends v to the hub operator
func (c *Client) Message(ctx context.Context, v any) error {
	data, err := envelope.MarshalData(v)
	if err != nil {
		return err
	}
	return c.send(ctx, envelope.Text{Data: data})
}

// Request returns the current value of a stream. A hub that does not report
// missing streams stays silent, so ctx must carry a deadline in that case.
//
// Replies carry no request identifier. A stream_data reply answers every
// Request pending for that stream, including one still waiting on a stream
// that did not exist when it was sent. A stream_not_found reply answers only
// the oldest pending Request.
func (c *Client) Request(ctx context.Context, stream string) ([]byte, error) {
	ch := make(chan reply, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.waiters[stream] = append(c.waiters[stream], ch)
	c.outstanding[stream]++
	c.mu.Unlock()

	if err := c.send(ctx, envelope.RequestStreamData{StreamName: stream}); err != nil {
		c.mu.Lock()
		if c.outstanding[stream]--; c.outstanding[stream] <= 0 {
			delete(c.outstanding, stream)
		}
		c.mu.Unlock()
		c.dropWaiter(stream, ch)
		return nil, err
	}

	select {
	case r := <-ch:
		return r.data, r.err
	case <-ctx.Done():
		c.dropWaiter(stream, ch)
		return nil, ctx.Err()
	}
}

// Receive returns the next unsolicited envelope
func (c *Client) Receive(ctx context.Context) (envelope.Message, error) {
	select {
	case msg, ok := <-c.inbound:
		if !ok {
			return nil, c.Err()
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Messages returns the channel Receive reads from. It is closed when the
// connection ends.
func (c *Client) Messages() <-chan envelope.Message {
	return c.inbound
}

// Close flushes queued envelopes and closes the connection
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		_ = c.conn.Shutdown(ctx, "client closing")
	})
	<-c.done
	return nil
}

func (c *Client) send(ctx context.Context, msg envelope.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return c.Err()
	default:
	}

	out, err := c.codec.Encode(msg)
	if err != nil {
		return err
	}
	if err := c.conn.Send(out); err != nil {
		return fmt.Errorf("failed to send %s: %w", msg.Command(), err)
	}
	return nil
}

func (c *Client) readLoop() {
	var cause error
	defer func() { c.finish(cause) }()

	for {
		raw, err := c.conn.Receive(context.Background())
		if err != nil {
			if errors.Is(err, wsconn.ErrConnClosed) {
				cause = fmt.Errorf("%w: %s", ErrClosed, c.conn.Reason())
				return
			}
			c.logger.Warn("Dropped inbound envelope", zap.Error(err))
			continue
		}

		msg, err := c.codec.Decode(raw)
		if err != nil {
			c.logger.Warn("Dropped malformed envelope", zap.Error(err))
			continue
		}

		switch m := msg.(type) {
		case envelope.StreamData:
			if c.answer(m.StreamName, reply{data: m.Data}, true) {
				continue
			}
		case envelope.StreamNotFound:
			if c.answer(m.StreamName, reply{err: fmt.Errorf("%w: %s", ErrStreamNotFound, m.StreamName)}, false) {
				continue
			}
		case envelope.ServerClosing:
			c.serverClosing.Store(true)
			c.logger.Info("Hub is shutting down")
		case envelope.ErrorReply:
			c.logger.Warn("Hub rejected an envelope", zap.String("error", m.Code), zap.String("detail", m.Detail))
		}

		c.deliver(msg)
	}
}

// deliver queues msg for Receive, discarding the oldest queued envelope
// while the buffer is full
func (c *Client) deliver(msg envelope.Message) {
	for {
		select {
		case c.inbound <- msg:
			return
		default:
		}

		select {
		case old := <-c.inbound:
			c.dropped.Add(1)
			c.logger.Debug("Receive buffer full, dropped oldest envelope", zap.String("command", string(old.Command())))
		default:
		}
	}
}

// answer hands a stream reply to pending Requests for name: every one of them
// when all is set, otherwise the oldest. A reply to a Request that already
// gave up is consumed too. It reports whether the reply was a Request reply.
func (c *Client) answer(name string, r reply, all bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	expected := c.outstanding[name] > 0
	if expected {
		if c.outstanding[name]--; c.outstanding[name] == 0 {
			delete(c.outstanding, name)
		}
	}

	pending := c.waiters[name]
	if len(pending) == 0 {
		return expected
	}

	n := 1
	if all {
		n = len(pending)
	}
	for _, ch := range pending[:n] {
		ch <- r
	}
	if n == len(pending) {
		delete(c.waiters, name)
	} else {
		c.waiters[name] = pending[n:]
	}
	return true
}

func (c *Client) dropWaiter(name string, ch chan reply) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pending := c.waiters[name]
	for i, w := range pending {
		if w == ch {
			pending = append(pending[:i:i], pending[i+1:]...)
			break
		}
	}
	if len(pending) == 0 {
		delete(c.waiters, name)
	} else {
		c.waiters[name] = pending
	}
}

func (c *Client) finish(cause error) {
	c.mu.Lock()
	c.err = cause
	waiters := c.waiters
	c.waiters = make(map[string][]chan reply)
	c.outstanding = make(map[string]int)
	c.mu.Unlock()

	for _, pending := range waiters {
		for _, ch := range pending {
			ch <- reply{err: cause}
		}
	}
	close(c.inbound)
	close(c.done)
	c.logger.Debug("Disconnected from hub", zap.Error(cause))
}
