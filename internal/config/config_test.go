package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/relayhub/pkg/registry"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relayhub.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	c := Default()

	assert.Equal(t, 8080, c.Port)
	assert.Equal(t, "0.0.0.0", c.BindAddress)
	assert.Equal(t, "/", c.Path)
	assert.Equal(t, int64(10_000_000), c.MaxPayloadBytes)
	assert.Equal(t, 10_000, c.MaxQueue)
	assert.Equal(t, 10*time.Second, c.HandshakeTimeout)
	assert.Equal(t, "evict", c.DuplicatePolicy)
	assert.Equal(t, registry.PolicyEvict, c.Policy())
	assert.Equal(t, 640, c.Frame.DepthWidth)
	assert.Equal(t, 480, c.Frame.DepthHeight)
	assert.Equal(t, 4096*4096, c.Frame.MaxPixels)
	assert.Equal(t, 8081, c.Admin.Port)
	assert.Equal(t, 0, c.Health.GRPCPort)
	assert.False(t, c.ReportMissingStreams)
	assert.NoError(t, c.Validate())
}

func TestLoad_File(t *testing.T) {
	path := writeFile(t, `
port: 9000
max_payload_bytes: 2048
max_queue: 16
handshake_timeout: 3s
duplicate_policy: reject
report_missing_streams: true
frame:
  depth_width: 4
  depth_height: 2
  max_pixels: 1000000
admin:
  port: 0
health:
  grpc_port: 9100
log:
  level: debug
  format: json
`)

	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, c.Port)
	assert.Equal(t, int64(2048), c.MaxPayloadBytes)
	assert.Equal(t, 16, c.MaxQueue)
	assert.Equal(t, 3*time.Second, c.HandshakeTimeout)
	assert.Equal(t, registry.PolicyReject, c.Policy())
	assert.True(t, c.ReportMissingStreams)
	assert.Equal(t, 4, c.Frame.DepthWidth)
	assert.Equal(t, 1_000_000, c.Frame.MaxPixels)
	assert.Equal(t, 0, c.Admin.Port, "explicit 0 disables the admin API")
	assert.Equal(t, 9100, c.Health.GRPCPort)
	assert.Equal(t, "json", c.Log.Format)
	// Unset keys still get defaults
	assert.Equal(t, 30*time.Second, c.PingInterval)
}

func TestLoad_UnknownKey(t *testing.T) {
	path := writeFile(t, "port: 9000\nmax_payload: 12\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_payload")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_EmptyFile(t *testing.T) {
	c, err := Load(writeFile(t, ""))
	require.NoError(t, err)
	assert.Equal(t, 8080, c.Port)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("RELAYHUB_PORT", "7000")
	t.Setenv("RELAYHUB_MAX_QUEUE", "5")
	t.Setenv("RELAYHUB_WRITE_TIMEOUT", "250ms")
	t.Setenv("RELAYHUB_DUPLICATE_POLICY", "reject")
	t.Setenv("RELAYHUB_REPORT_MISSING_STREAMS", "true")
	t.Setenv("RELAYHUB_ADMIN_SECRET_KEY", "s3cret")

	c, err := Load(writeFile(t, "port: 9000\nmax_queue: 10\n"))
	require.NoError(t, err)

	assert.Equal(t, 7000, c.Port, "environment wins over file")
	assert.Equal(t, 5, c.MaxQueue)
	assert.Equal(t, 250*time.Millisecond, c.WriteTimeout)
	assert.Equal(t, registry.PolicyReject, c.Policy())
	assert.True(t, c.ReportMissingStreams)
	assert.Equal(t, "s3cret", c.Admin.SecretKey)
}

func TestApplyEnv_Invalid(t *testing.T) {
	tests := map[string]string{
		"RELAYHUB_PORT":                   "eighty",
		"RELAYHUB_MAX_PAYLOAD_BYTES":      "big",
		"RELAYHUB_PING_INTERVAL":          "often",
		"RELAYHUB_REPORT_MISSING_STREAMS": "maybe",
	}
	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			lookup := func(k string) (string, bool) {
				if k == key {
					return value, true
				}
				return "", false
			}
			err := Default().ApplyEnv(lookup)
			require.Error(t, err)
			assert.True(t, strings.HasPrefix(err.Error(), key))
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr error
	}{
		{"port out of range", func(c *Config) { c.Port = 70000 }, ErrInvalidPort},
		{"negative admin port", func(c *Config) { c.Admin.Port = -1 }, ErrInvalidPort},
		{"admin shares port", func(c *Config) { c.Admin.Port = c.Port }, ErrPortConflict},
		{"health shares port", func(c *Config) { c.Health.GRPCPort = c.Admin.Port }, ErrPortConflict},
		{"negative payload", func(c *Config) { c.MaxPayloadBytes = -1 }, ErrInvalidLimit},
		{"negative queue", func(c *Config) { c.MaxQueue = -1 }, ErrInvalidLimit},
		{"zero depth", func(c *Config) { c.Frame.DepthWidth = -4 }, ErrInvalidLimit},
		{"negative max pixels", func(c *Config) { c.Frame.MaxPixels = -1 }, ErrInvalidLimit},
		{"negative timeout", func(c *Config) { c.HandshakeTimeout = -time.Second }, ErrInvalidDuration},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			assert.ErrorIs(t, c.Validate(), tt.wantErr)
		})
	}

	t.Run("bad policy", func(t *testing.T) {
		c := Default()
		c.DuplicatePolicy = "share"
		assert.Error(t, c.Validate())
	})
	t.Run("bad path", func(t *testing.T) {
		c := Default()
		c.Path = "ws"
		assert.Error(t, c.Validate())
	})
	t.Run("bad log format", func(t *testing.T) {
		c := Default()
		c.Log.Format = "xml"
		assert.Error(t, c.Validate())
	})
}

func TestListenAddress(t *testing.T) {
	c := Default()
	c.BindAddress = "127.0.0.1"
	c.Port = 9999
	assert.Equal(t, "127.0.0.1:9999", c.ListenAddress())
}
