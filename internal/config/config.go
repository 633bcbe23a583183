// Package config loads the relay hub configuration from YAML and the environment.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rmacdonaldsmith/relayhub/internal/logging"
	"github.com/rmacdonaldsmith/relayhub/pkg/registry"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "RELAYHUB_"

// Defaults
const (
	DefaultPort             = 8080
	DefaultBindAddress      = "0.0.0.0"
	DefaultPath             = "/"
	DefaultMaxPayloadBytes  = 10_000_000
	DefaultMaxQueue         = 10_000
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
	DefaultPingInterval     = 30 * time.Second
	DefaultShutdownTimeout  = 5 * time.Second
	DefaultDepthWidth       = 640
	DefaultDepthHeight      = 480
	DefaultMaxFramePixels   = 4096 * 4096
	DefaultAdminPort        = 8081
	DefaultTokenTTL         = 24 * time.Hour
)

var (
	// ErrInvalidPort is returned when a port is outside 0-65535
	ErrInvalidPort = errors.New("port must be between 0 and 65535")
	// ErrInvalidLimit is returned when a size or queue limit is not positive
	ErrInvalidLimit = errors.New("limit must be positive")
	// ErrInvalidDuration is returned when a timeout or interval is not positive
	ErrInvalidDuration = errors.New("duration must be positive")
	// ErrPortConflict is returned when two listeners share a port
	ErrPortConflict = errors.New("listeners cannot share a port")
)

// Config is the complete hub configuration
type Config struct {
	Port             int           `yaml:"port"`
	BindAddress      string        `yaml:"bind_address"`
	Path             string        `yaml:"path"`
	AdvertiseHost    string        `yaml:"advertise_host"`
	MaxPayloadBytes  int64         `yaml:"max_payload_bytes"`
	MaxQueue         int           `yaml:"max_queue"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`

	// DuplicatePolicy is "evict" or "reject"
	DuplicatePolicy      string `yaml:"duplicate_policy"`
	ReportMissingStreams bool   `yaml:"report_missing_streams"`

	Frame  FrameConfig    `yaml:"frame"`
	Admin  AdminConfig    `yaml:"admin"`
	Health HealthConfig   `yaml:"health"`
	Log    logging.Config `yaml:"log"`
}

// FrameConfig sizes depth frames and bounds rgb frames
type FrameConfig struct {
	DepthWidth  int `yaml:"depth_width"`
	DepthHeight int `yaml:"depth_height"`
	// MaxPixels caps width*height of a decoded rgb frame
	MaxPixels int `yaml:"max_pixels"`
}

// AdminConfig configures the operator HTTP API. Port 0 disables it.
type AdminConfig struct {
	Port int `yaml:"port"`
	// SecretKey enables bearer-token auth on operator routes when set
	SecretKey string        `yaml:"secret_key"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

// HealthConfig configures the gRPC health service. Port 0 disables it.
type HealthConfig struct {
	GRPCPort int `yaml:"grpc_port"`
}

// Default returns a configuration with every default applied
func Default() *Config {
	c := base()
	c.SetDefaults()
	return c
}

// base enables the optional listeners that are on by default. File and
// environment values decode over it, so an explicit 0 still disables them.
func base() *Config {
	return &Config{Admin: AdminConfig{Port: DefaultAdminPort}}
}

// SetDefaults fills zero values. Ports are left alone so 0 can mean disabled.
func (c *Config) SetDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.BindAddress == "" {
		c.BindAddress = DefaultBindAddress
	}
	if c.Path == "" {
		c.Path = DefaultPath
	}
	if c.MaxPayloadBytes == 0 {
		c.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	if c.MaxQueue == 0 {
		c.MaxQueue = DefaultMaxQueue
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.PingInterval == 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.DuplicatePolicy == "" {
		c.DuplicatePolicy = registry.PolicyEvict.String()
	}
	if c.Frame.DepthWidth == 0 {
		c.Frame.DepthWidth = DefaultDepthWidth
	}
	if c.Frame.DepthHeight == 0 {
		c.Frame.DepthHeight = DefaultDepthHeight
	}
	if c.Frame.MaxPixels == 0 {
		c.Frame.MaxPixels = DefaultMaxFramePixels
	}
	if c.Admin.TokenTTL == 0 {
		c.Admin.TokenTTL = DefaultTokenTTL
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = logging.FormatConsole
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	for name, port := range map[string]int{
		"port":             c.Port,
		"admin.port":       c.Admin.Port,
		"health.grpc_port": c.Health.GRPCPort,
	} {
		if port < 0 || port > 65535 {
			return fmt.Errorf("%s %d: %w", name, port, ErrInvalidPort)
		}
	}
	if c.Admin.Port != 0 && c.Admin.Port == c.Port {
		return fmt.Errorf("admin.port %d: %w", c.Admin.Port, ErrPortConflict)
	}
	if c.Health.GRPCPort != 0 && (c.Health.GRPCPort == c.Port || c.Health.GRPCPort == c.Admin.Port) {
		return fmt.Errorf("health.grpc_port %d: %w", c.Health.GRPCPort, ErrPortConflict)
	}
	if !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("path %q must start with /", c.Path)
	}

	if c.MaxPayloadBytes <= 0 {
		return fmt.Errorf("max_payload_bytes: %w", ErrInvalidLimit)
	}
	if c.MaxQueue <= 0 {
		return fmt.Errorf("max_queue: %w", ErrInvalidLimit)
	}
	if c.Frame.DepthWidth <= 0 || c.Frame.DepthHeight <= 0 {
		return fmt.Errorf("frame depth size: %w", ErrInvalidLimit)
	}
	if c.Frame.MaxPixels <= 0 {
		return fmt.Errorf("frame max_pixels: %w", ErrInvalidLimit)
	}

	for name, d := range map[string]time.Duration{
		"handshake_timeout": c.HandshakeTimeout,
		"write_timeout":     c.WriteTimeout,
		"ping_interval":     c.PingInterval,
		"shutdown_timeout":  c.ShutdownTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s: %w", name, ErrInvalidDuration)
		}
	}

	if _, err := registry.ParseDuplicatePolicy(c.DuplicatePolicy); err != nil {
		return fmt.Errorf("duplicate_policy: %w", err)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch c.Log.Format {
	case logging.FormatConsole, logging.FormatJSON:
	default:
		return fmt.Errorf("log.format %q must be console or json", c.Log.Format)
	}

	return nil
}

// Policy returns the parsed duplicate identity policy
func (c *Config) Policy() registry.DuplicatePolicy {
	p, err := registry.ParseDuplicatePolicy(c.DuplicatePolicy)
	if err != nil {
		return registry.PolicyEvict
	}
	return p
}

// Load reads path (optional), applies RELAYHUB_* overrides, then defaults.
// The result is validated.
func Load(path string) (*Config, error) {
	c := base()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := DecodeStrict(bytes.NewReader(data), c); err != nil {
			return nil, err
		}
	}

	if err := c.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	c.SetDefaults()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return c, nil
}

// DecodeStrict decodes YAML and rejects unknown keys
func DecodeStrict(r io.Reader, out any) error {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// ApplyEnv overrides fields from RELAYHUB_* variables
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	ints := map[string]*int{
		"PORT":               &c.Port,
		"MAX_QUEUE":          &c.MaxQueue,
		"FRAME_DEPTH_WIDTH":  &c.Frame.DepthWidth,
		"FRAME_DEPTH_HEIGHT": &c.Frame.DepthHeight,
		"FRAME_MAX_PIXELS":   &c.Frame.MaxPixels,
		"ADMIN_PORT":         &c.Admin.Port,
		"HEALTH_GRPC_PORT":   &c.Health.GRPCPort,
	}
	for key, dst := range ints {
		if v, ok := lookup(EnvPrefix + key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
			}
			*dst = n
		}
	}

	if v, ok := lookup(EnvPrefix + "MAX_PAYLOAD_BYTES"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%sMAX_PAYLOAD_BYTES: %w", EnvPrefix, err)
		}
		c.MaxPayloadBytes = n
	}

	durations := map[string]*time.Duration{
		"HANDSHAKE_TIMEOUT": &c.HandshakeTimeout,
		"WRITE_TIMEOUT":     &c.WriteTimeout,
		"PING_INTERVAL":     &c.PingInterval,
		"SHUTDOWN_TIMEOUT":  &c.ShutdownTimeout,
		"ADMIN_TOKEN_TTL":   &c.Admin.TokenTTL,
	}
	for key, dst := range durations {
		if v, ok := lookup(EnvPrefix + key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
			}
			*dst = d
		}
	}

	strs := map[string]*string{
		"BIND_ADDRESS":     &c.BindAddress,
		"PATH":             &c.Path,
		"ADVERTISE_HOST":   &c.AdvertiseHost,
		"DUPLICATE_POLICY": &c.DuplicatePolicy,
		"ADMIN_SECRET_KEY": &c.Admin.SecretKey,
		"LOG_LEVEL":        &c.Log.Level,
		"LOG_FORMAT":       &c.Log.Format,
	}
	for key, dst := range strs {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}

	if v, ok := lookup(EnvPrefix + "REPORT_MISSING_STREAMS"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sREPORT_MISSING_STREAMS: %w", EnvPrefix, err)
		}
		c.ReportMissingStreams = b
	}
	if v, ok := lookup(EnvPrefix + "LOG_COLOR"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sLOG_COLOR: %w", EnvPrefix, err)
		}
		c.Log.Color = b
	}

	return nil
}

// ListenAddress is the websocket listener address
func (c *Config) ListenAddress() string {
	return fmt.Sprintf("%s:%d", c.BindAddress, c.Port)
}
