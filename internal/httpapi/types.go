package httpapi

import (
	"encoding/json"
	"time"

	"github.com/rmacdonaldsmith/relayhub/pkg/hub"
	"github.com/rmacdonaldsmith/relayhub/pkg/streamstore"
)

// Request/Response types for the operator API

// AuthRequest represents a login request
type AuthRequest struct {
	Operator string `json:"operator"`
	Secret   string `json:"secret"`
}

// AuthResponse represents a login response
type AuthResponse struct {
	Token     string    `json:"token"`
	Operator  string    `json:"operator"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// MessageRequest carries the data of an operator message or broadcast
type MessageRequest struct {
	Data json.RawMessage `json:"data"`
	// Exclude skips one client in a broadcast
	Exclude string `json:"exclude,omitempty"`
}

// BroadcastResponse reports how many clients a broadcast reached
type BroadcastResponse struct {
	Delivered int `json:"delivered"`
}

// PublishRequest sets a stream's current value
type PublishRequest struct {
	Data      json.RawMessage `json:"data"`
	Publisher string          `json:"publisher,omitempty"`
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
