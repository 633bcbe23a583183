package httpclient

import (
	"encoding/json"
	"time"

	"github.com/rmacdonaldsmith/relayhub/pkg/hub"
	"github.com/rmacdonaldsmith/relayhub/pkg/streamstore"
)

// Config holds client configuration
type Config struct {
	// ServerURL is the base URL of the operator API (e.g., "http://localhost:8081")
	ServerURL string

	// Operator names this client in tokens and audit logs
	Operator string

	// Secret is the hub's admin secret. Leave empty for hubs without auth.
	Secret string

	// Timeout for HTTP requests. Event streams are not bounded by it.
	Timeout time.Duration
}

// SetDefaults sets reasonable default values for the config
func (c *Config) SetDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Operator == "" {
		c.Operator = "relayhub-cli"
	}
}

// AuthResponse represents the response from authentication
type AuthResponse struct {
	Token     string    `json:"token"`
	Operator  string    `json:"operator"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type authRequest struct {
	Operator string `json:"operator"`
	Secret   string `json:"secret"`
}

type messageRequest struct {
	Data    json.RawMessage `json:"data"`
	Exclude string          `json:"exclude,omitempty"`
}

type publishRequest struct {
	Data      json.RawMessage `json:"data"`
	Publisher string          `json:"publisher,omitempty"`
}

// BroadcastResponse reports how many clients a broadcast reached
type BroadcastResponse struct {
	Delivered int `json:"delivered"`
}

// ClientsResponse lists identified clients
type ClientsResponse struct {
	Clients []hub.ClientInfo `json:"clients"`
	Count   int              `json:"count"`
}

// StreamsResponse lists streams without payloads
type StreamsResponse struct {
	Streams []streamstore.Info `json:"streams"`
	Count   int                `json:"count"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// Event is one operator feed notification
type Event struct {
	Type       string          `json:"type"`
	ClientID   string          `json:"clientId,omitempty"`
	RemoteAddr string          `json:"remoteAddr,omitempty"`
	Stream     string          `json:"stream,omitempty"`
	Publisher  string          `json:"publisher,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}
