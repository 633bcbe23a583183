// Package hub implements the relay hub over websockets.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rmacdonaldsmith/relayhub/internal/discovery"
	"github.com/rmacdonaldsmith/relayhub/internal/dispatch"
	"github.com/rmacdonaldsmith/relayhub/internal/frames"
	"github.com/rmacdonaldsmith/relayhub/internal/logging"
	"github.com/rmacdonaldsmith/relayhub/internal/metrics"
	registryimpl "github.com/rmacdonaldsmith/relayhub/internal/registry"
	streamstoreimpl "github.com/rmacdonaldsmith/relayhub/internal/streamstore"
	"github.com/rmacdonaldsmith/relayhub/internal/wsconn"
	"github.com/rmacdonaldsmith/relayhub/pkg/envelope"
	"github.com/rmacdonaldsmith/relayhub/pkg/hub"
	"github.com/rmacdonaldsmith/relayhub/pkg/registry"
	"github.com/rmacdonaldsmith/relayhub/pkg/streamstore"
)

const closingReason = "server closing"

// WebSocketHub implements the hub.Hub interface.
// It owns the listener, one task per connection, the client registry and the
// stream store.
type WebSocketHub struct {
	mu     sync.RWMutex
	config *Config
	logger *zap.Logger

	codec      envelope.Codec
	registry   *registryimpl.InMemoryRegistry
	store      *streamstoreimpl.ShardedStore
	handshaker *registryimpl.Handshaker
	dispatcher *dispatch.Dispatcher
	observers  *hub.MultiObserver
	metrics    *metrics.Metrics

	// State management
	started   bool
	closed    bool
	startedAt time.Time
	address   string
	listener  net.Listener
	server    *http.Server

	// Connection tasks
	ctx          context.Context
	cancel       context.CancelFunc
	group        *errgroup.Group
	shuttingDown atomic.Bool
	pending      atomic.Int64

	connMu   sync.Mutex
	conns    map[*wsconn.Connection]struct{}
	draining bool
}

// NewWebSocketHub creates a hub with the given configuration.
// Call Start() to begin accepting connections.
func NewWebSocketHub(config *Config) (*WebSocketHub, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	configCopy := *config
	configCopy.SetDefaults()

	logger := logging.OrNop(configCopy.Logger)
	codec := envelope.Codec{MaxPayloadBytes: configCopy.Transport.MaxPayloadBytes}

	observers := &hub.MultiObserver{}
	if configCopy.Metrics != nil {
		observers.Add(configCopy.Metrics)
	}

	reg := registryimpl.NewInMemoryRegistry(configCopy.DuplicatePolicy)
	store := streamstoreimpl.NewShardedStore(streamstoreimpl.DefaultShardCount, observers)

	validator := frames.NewValidator(configCopy.DepthWidth, configCopy.DepthHeight)
	if configCopy.MaxFramePixels > 0 {
		validator.MaxPixels = configCopy.MaxFramePixels
	}

	dispatchConfig := dispatch.Config{
		Codec:                codec,
		Frames:               validator,
		ReportMissingStreams: configCopy.ReportMissingStreams,
		OnMessage:            configCopy.OnMessage,
		Logger:               logger.Named(logging.ComponentDispatch),
	}
	if configCopy.Metrics != nil {
		dispatchConfig.Recorder = configCopy.Metrics
	}

	return &WebSocketHub{
		config:     &configCopy,
		logger:     logger.Named(logging.ComponentHub),
		codec:      codec,
		registry:   reg,
		store:      store,
		handshaker: registryimpl.NewHandshaker(reg, codec, configCopy.HandshakeTimeout, logger.Named(logging.ComponentRegistry)),
		dispatcher: dispatch.New(reg, store, dispatchConfig),
		observers:  observers,
		metrics:    configCopy.Metrics,
		conns:      make(map[*wsconn.Connection]struct{}),
	}, nil
}

// Start binds the listener, resolves the reachable address and serves
// websocket upgrades until Stop.
func (h *WebSocketHub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return hub.ErrClosed
	}
	if h.started {
		return nil // Already started, idempotent
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", h.config.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.config.ListenAddress, err)
	}

	port := listener.Addr().(*net.TCPAddr).Port
	h.address = discovery.Address(ctx, h.config.resolver(), port)

	mux := http.NewServeMux()
	mux.HandleFunc(h.config.Path, h.handleUpgrade)
	h.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          zap.NewStdLog(h.logger.Named(logging.ComponentTransport)),
	}

	// Connection tasks outlive the Start context; Stop cancels them
	h.connMu.Lock()
	h.ctx, h.cancel = context.WithCancel(context.Background())
	h.group = &errgroup.Group{}
	h.draining = false
	h.connMu.Unlock()
	h.shuttingDown.Store(false)
	h.registry.Unseal()

	h.listener = listener
	h.startedAt = time.Now()
	h.started = true

	server := h.server
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("Listener failed", zap.Error(err))
		}
	}()

	h.logger.Info("Relay hub listening",
		zap.String("address", h.address),
		zap.String("bind", listener.Addr().String()),
		zap.String("path", h.config.Path))
	return nil
}

// Stop notifies every client with SERVER_CLOSING, closes every connection,
// clears the registry and closes the listener. ctx bounds the wait.
// Safe to call from any goroutine and more than once.
func (h *WebSocketHub) Stop(ctx context.Context) error {
	h.mu.Lock()
	if !h.started || h.shuttingDown.Load() {
		h.mu.Unlock()
		return nil // Not started, idempotent
	}
	h.shuttingDown.Store(true)
	server := h.server
	h.mu.Unlock()

	h.connMu.Lock()
	cancel, group := h.cancel, h.group
	h.connMu.Unlock()

	h.logger.Info("Relay hub stopping", zap.Int("clients", h.registry.Count()))

	// Best effort: a failed notice never blocks shutdown. Handshakes that
	// finish after the seal get the notice from the handshaker instead.
	notice := envelope.MustEncode(envelope.ServerClosing{})
	for _, entry := range h.registry.Seal() {
		if err := entry.Conn.Send(notice); err != nil {
			h.logger.Debug("Failed to send shutdown notice", zap.String("client_id", entry.Identity), zap.Error(err))
		}
	}

	// Flush and close every connection, identified or not
	var wg sync.WaitGroup
	for _, conn := range h.drain() {
		wg.Add(1)
		go func(conn *wsconn.Connection) {
			defer wg.Done()
			_ = conn.Shutdown(ctx, closingReason)
		}(conn)
	}
	wg.Wait()

	cancel()
	waitErr := waitGroup(ctx, group)

	for _, entry := range h.registry.Clear() {
		h.observers.OnClientRemoved(entry.Identity)
	}

	var closeErr error
	if err := server.Close(); err != nil {
		closeErr = fmt.Errorf("failed to close listener: %w", err)
	}

	h.mu.Lock()
	h.started = false
	h.mu.Unlock()

	h.logger.Info("Relay hub stopped")
	return errors.Join(waitErr, closeErr)
}

// Close stops the hub and marks it permanently closed.
func (h *WebSocketHub) Close() error {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		return nil // Already closed, idempotent
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.config.ShutdownTimeout)
	defer cancel()
	err := h.Stop(ctx)

	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()

	if closeErr := h.registry.Close(); closeErr != nil {
		err = errors.Join(err, closeErr)
	}
	return err
}

// Address returns the reachable host:port
func (h *WebSocketHub) Address() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.address
}

// ListenAddr returns the bound listener address, nil before Start
func (h *WebSocketHub) ListenAddr() net.Addr {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// URL returns the websocket URL of the hub's bound listener
func (h *WebSocketHub) URL() string {
	addr := h.ListenAddr()
	if addr == nil {
		return ""
	}
	port := addr.(*net.TCPAddr).Port
	return "ws://" + net.JoinHostPort(discovery.LoopbackHost, strconv.Itoa(port)) + h.config.Path
}

func (h *WebSocketHub) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if h.shuttingDown.Load() {
		http.Error(w, "hub is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := wsconn.Accept(w, r, h.config.Transport, h.logger.Named(logging.ComponentTransport))
	if err != nil {
		h.logger.Debug("Rejected upgrade", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}
	h.metrics.ConnectionAccepted()

	if !h.track(conn) {
		_ = conn.Close(closingReason)
	}
}

// track registers conn and starts its task unless the hub is draining
func (h *WebSocketHub) track(conn *wsconn.Connection) bool {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	if h.draining {
		return false
	}
	h.conns[conn] = struct{}{}

	ctx := h.ctx
	h.group.Go(func() error {
		defer h.untrack(conn)
		h.serve(ctx, conn)
		return nil
	})
	return true
}

func (h *WebSocketHub) untrack(conn *wsconn.Connection) {
	h.connMu.Lock()
	delete(h.conns, conn)
	h.connMu.Unlock()
}

// drain stops new connection tasks and returns every tracked connection
func (h *WebSocketHub) drain() []*wsconn.Connection {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	h.draining = true
	conns := make([]*wsconn.Connection, 0, len(h.conns))
	for conn := range h.conns {
		conns = append(conns, conn)
	}
	return conns
}

// serve runs one connection: handshake, then envelopes in arrival order until
// the transport closes.
func (h *WebSocketHub) serve(ctx context.Context, conn *wsconn.Connection) {
	h.pending.Add(1)
	admission, err := h.handshaker.Admit(ctx, conn)
	h.pending.Add(-1)
	if err != nil {
		h.metrics.HandshakeFailed(handshakeFailure(err))
		h.logger.Debug("Handshake failed",
			zap.String("conn_id", conn.ID()),
			zap.String("remote_addr", conn.RemoteAddr()),
			zap.Error(err))
		return
	}

	identity := admission.Identity
	if admission.Evicted {
		h.observers.OnClientRemoved(identity)
	}
	h.observers.OnClientAdded(identity, conn.RemoteAddr())

	session := dispatch.NewSession(conn)
	session.Identify(identity)

	defer func() {
		session.Close()
		_ = conn.Close("receive loop ended")
		if h.registry.Release(identity, conn) {
			h.observers.OnClientRemoved(identity)
		}
		h.logger.Info("Client disconnected",
			zap.String("client_id", identity),
			zap.String("conn_id", conn.ID()),
			zap.String("reason", conn.Reason()))
	}()

	for {
		raw, err := conn.Receive(ctx)
		if errors.Is(err, envelope.ErrTooLarge) {
			h.dispatcher.Reject(session, err)
			continue
		}
		if err != nil {
			return
		}
		h.dispatcher.Dispatch(ctx, session, raw)
	}
}

func handshakeFailure(err error) string {
	switch {
	case errors.Is(err, registryimpl.ErrHandshakeTimeout):
		return "timeout"
	case errors.Is(err, registryimpl.ErrHandshakeAborted):
		return "closed"
	case errors.Is(err, registry.ErrSealed), errors.Is(err, registry.ErrClosed):
		return "shutdown"
	default:
		return "rejected"
	}
}

func waitGroup(ctx context.Context, group *errgroup.Group) error {
	done := make(chan error, 1)
	go func() { done <- group.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("connection tasks still running: %w", ctx.Err())
	}
}

// Publish stores payload as the current value of a stream
func (h *WebSocketHub) Publish(name string, payload json.RawMessage, publisher string) error {
	if _, err := h.store.Publish(name, payload, publisher); err != nil {
		return fmt.Errorf("failed to publish %q: %w", name, err)
	}
	return nil
}

// Stream returns the current value of a stream
func (h *WebSocketHub) Stream(name string) (streamstore.Stream, error) {
	return h.store.Get(name)
}

// CloseStream removes a stream and reports whether it existed
func (h *WebSocketHub) CloseStream(name string) bool {
	return h.store.Close(name)
}

// Streams lists every stream without payloads
func (h *WebSocketHub) Streams() []streamstore.Info {
	return h.store.List()
}

// SendToClient writes {"command":"message","data":...} to one client
func (h *WebSocketHub) SendToClient(ctx context.Context, identity string, data json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !h.running() {
		return hub.ErrNotRunning
	}

	conn, ok := h.registry.Lookup(identity)
	if !ok {
		return fmt.Errorf("%w: %s", hub.ErrClientNotFound, identity)
	}
	out, err := h.codec.Encode(envelope.Text{Data: data})
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	if err := conn.Send(out); err != nil {
		return fmt.Errorf("failed to send to %s: %w", identity, err)
	}
	return nil
}

// Broadcast writes {"command":"broadcast","data":...} to every client except
// exclude and returns how many were reached
func (h *WebSocketHub) Broadcast(ctx context.Context, data json.RawMessage, exclude string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if !h.running() {
		return 0, hub.ErrNotRunning
	}

	out, err := h.codec.Encode(envelope.Broadcast{Data: data})
	if err != nil {
		return 0, fmt.Errorf("failed to encode broadcast: %w", err)
	}
	delivered, failed := dispatch.Fanout(h.registry.All(), exclude, out, h.logger)
	h.metrics.BroadcastDelivered(delivered, failed)
	return delivered, nil
}

// Disconnect closes one client's connection. Its task unregisters it.
func (h *WebSocketHub) Disconnect(identity, reason string) error {
	conn, ok := h.registry.Lookup(identity)
	if !ok {
		return fmt.Errorf("%w: %s", hub.ErrClientNotFound, identity)
	}
	if reason == "" {
		reason = "disconnected by operator"
	}
	return conn.Close(reason)
}

// Clients lists identified clients ordered by identity
func (h *WebSocketHub) Clients() []hub.ClientInfo {
	entries := h.registry.All()
	clients := make([]hub.ClientInfo, 0, len(entries))
	for _, entry := range entries {
		clients = append(clients, hub.ClientInfo{
			Identity:     entry.Identity,
			ConnID:       entry.Conn.ID(),
			RemoteAddr:   entry.Conn.RemoteAddr(),
			ConnectedAt:  entry.Conn.ConnectedAt(),
			RegisteredAt: entry.RegisteredAt,
		})
	}
	return clients
}

// Health reports the hub's state
func (h *WebSocketHub) Health(ctx context.Context) (hub.HealthStatus, error) {
	if err := ctx.Err(); err != nil {
		return hub.HealthStatus{}, err
	}

	h.mu.RLock()
	started, closed, startedAt, address := h.started, h.closed, h.startedAt, h.address
	h.mu.RUnlock()

	status := hub.HealthStatus{
		Running:            started,
		ConnectedClients:   h.registry.Count(),
		PendingConnections: int(h.pending.Load()),
		Streams:            h.store.Len(),
		Address:            address,
	}

	switch {
	case closed:
		status.Message = "hub is closed"
	case !started:
		status.Message = "hub is not running"
	case h.shuttingDown.Load():
		status.Message = "hub is shutting down"
	default:
		status.Healthy = true
		status.Uptime = time.Since(startedAt)
	}
	return status, nil
}

// AddObserver registers an observer for client and stream notifications
func (h *WebSocketHub) AddObserver(o hub.Observer) {
	h.observers.Add(o)
}

func (h *WebSocketHub) running() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.started && !h.shuttingDown.Load()
}

// Verify that WebSocketHub implements hub.Hub at compile time
var _ hub.Hub = (*WebSocketHub)(nil)
