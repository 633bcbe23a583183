package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	hubimpl "github.com/rmacdonaldsmith/relayhub/internal/hub"
	"github.com/rmacdonaldsmith/relayhub/internal/metrics"
)

const testSecret = "test-secret-key"

// TestServerSetup holds common test dependencies
type TestServerSetup struct {
	Hub    *hubimpl.WebSocketHub
	Server *Server
	HTTP   *httptest.Server
	Auth   *JWTAuth
}

// NewTestServerSetup starts a hub on a free port and serves the operator API
// for it through httptest. An empty secret disables authentication.
func NewTestServerSetup(t *testing.T, secret string) *TestServerSetup {
	t.Helper()

	reg := prometheus.NewRegistry()
	feed := NewEventFeed()

	m, err := metrics.New(reg)
	if err != nil {
		t.Fatalf("Failed to register metrics: %v", err)
	}

	config := hubimpl.NewConfig("127.0.0.1:0")
	config.AdvertiseHost = "127.0.0.1"
	config.Metrics = m
	config.OnMessage = feed.ClientMessage

	h, err := hubimpl.NewWebSocketHub(config)
	if err != nil {
		t.Fatalf("Failed to create hub: %v", err)
	}
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start hub: %v", err)
	}
	t.Cleanup(func() { h.Close() })

	server := NewServer(h, feed, Config{
		SecretKey:         secret,
		Gatherer:          reg,
		KeepaliveInterval: 50 * time.Millisecond,
	})

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	return &TestServerSetup{
		Hub:    h,
		Server: server,
		HTTP:   ts,
		Auth:   server.jwtAuth,
	}
}

// GenerateTestToken creates a JWT token for testing
func (setup *TestServerSetup) GenerateTestToken(t *testing.T, operator string) string {
	t.Helper()

	token, _, err := setup.Auth.GenerateToken(operator)
	if err != nil {
		t.Fatalf("Failed to generate test token: %v", err)
	}
	return token
}

// Do sends a request to the operator API. A non-nil body is sent as JSON.
func (setup *TestServerSetup) Do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, setup.HTTP.URL+path, reader)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// DecodeBody decodes a JSON response body into v
func DecodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
}

// ConnectClient opens a websocket to the hub and identifies as id
func (setup *TestServerSetup) ConnectClient(t *testing.T, id string) *websocket.Conn {
	t.Helper()

	ws, _, err := websocket.DefaultDialer.Dial(setup.Hub.URL(), nil)
	if err != nil {
		t.Fatalf("Failed to dial hub: %v", err)
	}
	t.Cleanup(func() { ws.Close() })

	// REQUEST_ID prompt
	if _, _, err := ws.ReadMessage(); err != nil {
		t.Fatalf("Failed to read handshake prompt: %v", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"command":"client_id","client_id":"`+id+`"}`)); err != nil {
		t.Fatalf("Failed to identify: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, c := range setup.Hub.Clients() {
			if c.Identity == id {
				return ws
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Client %s was never registered", id)
	return nil
}

// ReadEnvelope reads one envelope from ws as a generic map
func ReadEnvelope(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()

	if err := ws.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("Failed to set deadline: %v", err)
	}
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read envelope: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to decode envelope: %v", err)
	}
	return msg
}
