package hub

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/relayhub/internal/discovery"
	"github.com/rmacdonaldsmith/relayhub/internal/dispatch"
	"github.com/rmacdonaldsmith/relayhub/internal/metrics"
	registryimpl "github.com/rmacdonaldsmith/relayhub/internal/registry"
	"github.com/rmacdonaldsmith/relayhub/internal/wsconn"
	"github.com/rmacdonaldsmith/relayhub/pkg/registry"
)

var (
	// ErrEmptyListenAddress is returned when listen address is empty
	ErrEmptyListenAddress = errors.New("listen address cannot be empty")
	// ErrInvalidPath is returned when the websocket path is not absolute
	ErrInvalidPath = errors.New("path must start with /")
)

// DefaultShutdownTimeout bounds Close's graceful stop
const DefaultShutdownTimeout = 5 * time.Second

// Config represents configuration for a WebSocketHub
type Config struct {
	// ListenAddress is "host:port"; port 0 picks a free port
	ListenAddress string

	// Path is where websocket upgrades are served
	Path string

	// AdvertiseHost overrides address discovery when set
	AdvertiseHost string

	// Resolver discovers the reachable host; nil uses discovery.DefaultResolver
	Resolver discovery.Resolver

	// Transport bounds every connection's payload size and queues
	Transport wsconn.Config

	HandshakeTimeout     time.Duration
	ShutdownTimeout      time.Duration
	DuplicatePolicy      registry.DuplicatePolicy
	ReportMissingStreams bool

	// Depth frame size used to validate stream_frame payloads
	DepthWidth  int
	DepthHeight int
	// MaxFramePixels caps rgb frame dimensions. Zero uses the frames default.
	MaxFramePixels int

	// OnMessage receives "message" envelopes from clients
	OnMessage dispatch.MessageFunc

	// Metrics may be nil
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// NewConfig creates a hub configuration with safe defaults
func NewConfig(listenAddress string) *Config {
	c := &Config{ListenAddress: listenAddress}
	c.SetDefaults()
	return c
}

// SetDefaults sets default values for unset fields
func (c *Config) SetDefaults() {
	if c.Path == "" {
		c.Path = "/"
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = registryimpl.DefaultHandshakeTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	c.Transport.SetDefaults()
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	if c.ListenAddress == "" {
		return ErrEmptyListenAddress
	}
	if c.Path != "" && !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidPath, c.Path)
	}
	if c.DepthWidth < 0 || c.DepthHeight < 0 {
		return fmt.Errorf("invalid depth frame size %dx%d", c.DepthWidth, c.DepthHeight)
	}
	if c.MaxFramePixels < 0 {
		return fmt.Errorf("invalid frame pixel limit %d", c.MaxFramePixels)
	}
	return nil
}

func (c *Config) resolver() discovery.Resolver {
	if c.AdvertiseHost != "" {
		return discovery.NewStaticResolver(c.AdvertiseHost)
	}
	if c.Resolver != nil {
		return c.Resolver
	}
	return discovery.DefaultResolver()
}
