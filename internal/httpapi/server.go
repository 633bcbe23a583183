package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/relayhub/internal/logging"
	"github.com/rmacdonaldsmith/relayhub/pkg/hub"
)

const (
	// DefaultKeepaliveInterval is how often idle SSE streams get a comment line
	DefaultKeepaliveInterval = 15 * time.Second
	// DefaultMaxBodyBytes bounds operator request bodies
	DefaultMaxBodyBytes = 10_000_000
)

var (
	// ErrAlreadyStarted is returned when Start is called twice
	ErrAlreadyStarted = errors.New("http api already started")
)

// Config holds server configuration
type Config struct {
	// ListenAddress is "host:port"; port 0 picks a free port
	ListenAddress string

	// SecretKey enables operator authentication when set
	SecretKey string
	TokenTTL  time.Duration

	// Gatherer backs /metrics; nil leaves the route out
	Gatherer prometheus.Gatherer

	KeepaliveInterval time.Duration
	MaxBodyBytes      int64
	Logger            *zap.Logger
}

// Server represents the operator HTTP API server
type Server struct {
	hub        hub.Hub
	feed       *EventFeed
	jwtAuth    *JWTAuth
	handlers   *Handlers
	middleware *Middleware
	config     Config
	logger     *zap.Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	done     chan struct{}
}

// NewServer creates a new operator API server for h. The feed is registered
// as an observer of h so SSE subscribers see client and stream changes.
func NewServer(h hub.Hub, feed *EventFeed, config Config) *Server {
	if config.KeepaliveInterval <= 0 {
		config.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if feed == nil {
		feed = NewEventFeed()
	}
	logger := logging.OrNop(config.Logger).Named(logging.ComponentAPI)

	var jwtAuth *JWTAuth
	if config.SecretKey != "" {
		jwtAuth = NewJWTAuth(config.SecretKey, config.TokenTTL)
	} else {
		logger.Warn("Operator API authentication is disabled; set admin.secret_key to enable it")
	}

	h.AddObserver(feed)

	s := &Server{
		hub:        h,
		feed:       feed,
		jwtAuth:    jwtAuth,
		handlers:   NewHandlers(h, feed, jwtAuth, logger, config.MaxBodyBytes, config.KeepaliveInterval),
		middleware: NewMiddleware(jwtAuth, logger),
		config:     config,
		logger:     logger,
	}
	return s
}

// Feed returns the operator event feed
func (s *Server) Feed() *EventFeed {
	return s.feed
}

// Start binds the listener and serves in the background
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return ErrAlreadyStarted
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", s.config.ListenAddress)
	if err != nil {
		return err
	}

	s.listener = listener
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1MB
	}
	s.done = make(chan struct{})

	go func(server *http.Server, done chan struct{}) {
		defer close(done)
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Operator API stopped", zap.Error(err))
		}
	}(s.server, s.done)

	s.logger.Info("Operator API listening", zap.String("address", listener.Addr().String()))
	return nil
}

// Stop gracefully stops the HTTP server. SSE streams end when ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	server, done := s.server, s.done
	s.server, s.listener, s.done = nil, nil, nil
	s.mu.Unlock()

	if server == nil {
		return nil
	}

	err := server.Shutdown(ctx)
	if err != nil {
		// Long-lived SSE responses keep Shutdown waiting
		err = errors.Join(err, server.Close())
	}
	<-done
	return err
}

// Addr returns the bound address, empty before Start
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Handler returns the routed handler with middleware applied
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	withMiddleware := func(handler http.HandlerFunc) http.Handler {
		return s.middleware.Recovery(
			s.middleware.Logging(
				s.middleware.CORS(
					s.middleware.ContentType(handler))))
	}
	auth := s.middleware.AuthRequired

	// Open endpoints
	mux.Handle("POST /api/v1/auth/login", withMiddleware(s.handlers.Login))
	mux.Handle("GET /api/v1/health", withMiddleware(s.handlers.Health))

	// Clients
	mux.Handle("GET /api/v1/clients", withMiddleware(auth(s.handlers.ListClients)))
	mux.Handle("DELETE /api/v1/clients/{id}", withMiddleware(auth(s.handlers.DisconnectClient)))
	mux.Handle("POST /api/v1/clients/{id}/messages", withMiddleware(auth(s.handlers.SendMessage)))
	mux.Handle("POST /api/v1/broadcast", withMiddleware(auth(s.handlers.Broadcast)))

	// Streams
	mux.Handle("GET /api/v1/streams", withMiddleware(auth(s.handlers.ListStreams)))
	mux.Handle("GET /api/v1/streams/{name}", withMiddleware(auth(s.handlers.GetStream)))
	mux.Handle("PUT /api/v1/streams/{name}", withMiddleware(auth(s.handlers.PublishStream)))
	mux.Handle("DELETE /api/v1/streams/{name}", withMiddleware(auth(s.handlers.CloseStream)))

	// Operator feed
	mux.Handle("GET /api/v1/events/stream", withMiddleware(auth(s.handlers.StreamEvents)))

	if s.config.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.config.Gatherer, promhttp.HandlerOpts{}))
	}

	mux.Handle("/", withMiddleware(s.handleRoot))

	return mux
}

// handleRoot provides API information
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeError(w, "Not found", http.StatusNotFound)
		return
	}

	authentication := "disabled"
	if s.jwtAuth != nil {
		authentication = "Bearer JWT token from POST /api/v1/auth/login"
	}

	info := map[string]any{
		"service":     "RelayHub operator API",
		"description": "Inspect and drive a relay hub: clients, streams and live events",
		"endpoints": map[string]any{
			"auth": map[string]string{
				"login": "POST /api/v1/auth/login",
			},
			"clients": map[string]string{
				"list":       "GET /api/v1/clients",
				"disconnect": "DELETE /api/v1/clients/{id}?reason={reason}",
				"message":    "POST /api/v1/clients/{id}/messages",
				"broadcast":  "POST /api/v1/broadcast",
			},
			"streams": map[string]string{
				"list":    "GET /api/v1/streams",
				"get":     "GET /api/v1/streams/{name}",
				"publish": "PUT /api/v1/streams/{name}",
				"close":   "DELETE /api/v1/streams/{name}",
			},
			"events":  "GET /api/v1/events/stream",
			"health":  "GET /api/v1/health",
			"metrics": "GET /metrics",
		},
		"authentication": authentication,
	}

	writeJSON(w, info, http.StatusOK)
}
