// Package healthcheck serves the standard grpc.health.v1 service so
// orchestrators can probe the hub without speaking websocket.
package healthcheck

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/rmacdonaldsmith/relayhub/internal/logging"
)

// ServiceName is the per-service name reported alongside the overall status ("")
const ServiceName = "relayhub.Hub"

var (
	// ErrEmptyListenAddress is returned when no listen address is configured
	ErrEmptyListenAddress = errors.New("listen address cannot be empty")
	// ErrAlreadyStarted is returned by a second Start
	ErrAlreadyStarted = errors.New("health server already started")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("health server is closed")
)

// Config holds configuration for the health server
type Config struct {
	ListenAddress string
	Logger        *zap.Logger
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.ListenAddress == "" {
		return ErrEmptyListenAddress
	}
	return nil
}

// Server runs a gRPC server exposing grpc.health.v1.Health
type Server struct {
	config Config
	logger *zap.Logger
	health *health.Server
	grpc   *grpc.Server

	mu       sync.Mutex
	listener net.Listener
	started  bool
	closed   bool
	done     chan struct{}
}

// NewServer creates a health server reporting NOT_SERVING until SetServing(true)
func NewServer(config Config) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		config: config,
		logger: logging.OrNop(config.Logger).Named(logging.ComponentHealth),
		health: health.NewServer(),
		grpc:   grpc.NewServer(),
		done:   make(chan struct{}),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.SetServing(false)
	return s, nil
}

// Start binds the listener and serves in the background
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.started {
		return ErrAlreadyStarted
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", s.config.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddress, err)
	}
	s.listener = listener
	s.started = true

	go func() {
		defer close(s.done)
		if err := s.grpc.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.logger.Warn("Health server stopped", zap.Error(err))
		}
	}()

	s.logger.Info("Health server listening", zap.String("address", listener.Addr().String()))
	return nil
}

// SetServing flips the reported status for both the overall and the hub service
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// GetListeningAddress returns the bound address, empty before Start
func (s *Server) GetListeningAddress() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close marks every service NOT_SERVING and stops the server. Safe to call multiple times.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	s.mu.Unlock()

	// Shutdown ends Watch streams with a final NOT_SERVING update
	s.health.Shutdown()
	s.grpc.GracefulStop()
	if started {
		<-s.done
	}
	return nil
}
