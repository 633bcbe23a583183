package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/relayhub/pkg/hub"
	"github.com/rmacdonaldsmith/relayhub/pkg/streamstore"
)

func TestHealth(t *testing.T) {
	setup := NewTestServerSetup(t, testSecret)

	resp := setup.Do(t, http.MethodGet, "/api/v1/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}

	var health hub.HealthStatus
	DecodeBody(t, resp, &health)
	if !health.Healthy || !health.Running {
		t.Errorf("Expected healthy running hub, got %+v", health)
	}
}

func TestHealth_StoppedHub(t *testing.T) {
	setup := NewTestServerSetup(t, testSecret)
	require.NoError(t, setup.Hub.Close())

	resp := setup.Do(t, http.MethodGet, "/api/v1/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var health hub.HealthStatus
	DecodeBody(t, resp, &health)
	assert.Equal(t, "hub is closed", health.Message)
}

func TestLogin(t *testing.T) {
	setup := NewTestServerSetup(t, testSecret)

	t.Run("wrong secret", func(t *testing.T) {
		resp := setup.Do(t, http.MethodPost, "/api/v1/auth/login", "", AuthRequest{Operator: "ops", Secret: "nope"})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("missing operator", func(t *testing.T) {
		resp := setup.Do(t, http.MethodPost, "/api/v1/auth/login", "", AuthRequest{Secret: testSecret})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("token grants access", func(t *testing.T) {
		resp := setup.Do(t, http.MethodPost, "/api/v1/auth/login", "", AuthRequest{Operator: "ops", Secret: testSecret})
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var auth AuthResponse
		DecodeBody(t, resp, &auth)
		assert.Equal(t, "ops", auth.Operator)
		assert.True(t, auth.ExpiresAt.After(time.Now()))

		resp = setup.Do(t, http.MethodGet, "/api/v1/clients", auth.Token, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestAuthRequired(t *testing.T) {
	setup := NewTestServerSetup(t, testSecret)

	routes := []struct{ method, path string }{
		{http.MethodGet, "/api/v1/clients"},
		{http.MethodDelete, "/api/v1/clients/cam1"},
		{http.MethodPost, "/api/v1/broadcast"},
		{http.MethodGet, "/api/v1/streams"},
		{http.MethodDelete, "/api/v1/streams/pose"},
		{http.MethodGet, "/api/v1/events/stream"},
	}

	for _, route := range routes {
		t.Run(route.method+" "+route.path, func(t *testing.T) {
			resp := setup.Do(t, route.method, route.path, "", nil)
			if resp.StatusCode != http.StatusUnauthorized {
				t.Errorf("Expected 401 without token, got %d", resp.StatusCode)
			}

			resp = setup.Do(t, route.method, route.path, "not-a-jwt", nil)
			if resp.StatusCode != http.StatusUnauthorized {
				t.Errorf("Expected 401 with bad token, got %d", resp.StatusCode)
			}
		})
	}
}

func TestAuthDisabled(t *testing.T) {
	setup := NewTestServerSetup(t, "")

	resp := setup.Do(t, http.MethodGet, "/api/v1/clients", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = setup.Do(t, http.MethodPost, "/api/v1/auth/login", "", AuthRequest{Operator: "ops", Secret: "x"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Anonymous publishes are attributed to the anonymous operator
	resp = setup.Do(t, http.MethodPut, "/api/v1/streams/pose", "", PublishRequest{Data: json.RawMessage(`1`)})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stream, err := setup.Hub.Stream("pose")
	require.NoError(t, err)
	assert.Equal(t, anonymousOperator, stream.Publisher)
}

func TestListClients(t *testing.T) {
	setup := NewTestServerSetup(t, testSecret)
	token := setup.GenerateTestToken(t, "ops")

	setup.ConnectClient(t, "viewer1")
	setup.ConnectClient(t, "cam1")

	resp := setup.Do(t, http.MethodGet, "/api/v1/clients", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var clients ClientsResponse
	DecodeBody(t, resp, &clients)
	require.Equal(t, 2, clients.Count)
	assert.Equal(t, "cam1", clients.Clients[0].Identity)
	assert.Equal(t, "viewer1", clients.Clients[1].Identity)
	assert.NotEmpty(t, clients.Clients[0].ConnID)
}

func TestSendMessage(t *testing.T) {
	setup := NewTestServerSetup(t, testSecret)
	token := setup.GenerateTestToken(t, "ops")
	ws := setup.ConnectClient(t, "cam1")

	resp := setup.Do(t, http.MethodPost, "/api/v1/clients/cam1/messages", token,
		MessageRequest{Data: json.RawMessage(`{"text":"recalibrate"}`)})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	msg := ReadEnvelope(t, ws)
	assert.Equal(t, "message", msg["command"])
	assert.Equal(t, map[string]any{"text": "recalibrate"}, msg["data"])

	resp = setup.Do(t, http.MethodPost, "/api/v1/clients/ghost/messages", token,
		MessageRequest{Data: json.RawMessage(`"hi"`)})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBroadcast(t *testing.T) {
	setup := NewTestServerSetup(t, testSecret)
	token := setup.GenerateTestToken(t, "ops")

	cam := setup.ConnectClient(t, "cam1")
	viewer := setup.ConnectClient(t, "viewer1")
	setup.ConnectClient(t, "viewer2")

	resp := setup.Do(t, http.MethodPost, "/api/v1/broadcast", token,
		MessageRequest{Data: json.RawMessage(`"maintenance"`), Exclude: "viewer2"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var result BroadcastResponse
	DecodeBody(t, resp, &result)
	assert.Equal(t, 2, result.Delivered)

	assert.Equal(t, "broadcast", ReadEnvelope(t, cam)["command"])
	assert.Equal(t, "maintenance", ReadEnvelope(t, viewer)["data"])
}

func TestDisconnectClient(t *testing.T) {
	setup := NewTestServerSetup(t, testSecret)
	token := setup.GenerateTestToken(t, "ops")
	setup.ConnectClient(t, "cam1")

	resp := setup.Do(t, http.MethodDelete, "/api/v1/clients/cam1?reason=maintenance", token, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	assert.Eventually(t, func() bool { return len(setup.Hub.Clients()) == 0 }, 2*time.Second, 5*time.Millisecond)

	resp = setup.Do(t, http.MethodDelete, "/api/v1/clients/cam1", token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStreams(t *testing.T) {
	setup := NewTestServerSetup(t, testSecret)
	token := setup.GenerateTestToken(t, "ops")

	resp := setup.Do(t, http.MethodPut, "/api/v1/streams/pose", token,
		PublishRequest{Data: json.RawMessage(`{"x":1}`), Publisher: "vision"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stream streamstore.Stream
	DecodeBody(t, resp, &stream)
	assert.Equal(t, "pose", stream.Name)
	assert.Equal(t, "vision", stream.Publisher)
	assert.JSONEq(t, `{"x":1}`, string(stream.Payload))

	resp = setup.Do(t, http.MethodPut, "/api/v1/streams/battery", token, PublishRequest{Data: json.RawMessage(`87`)})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = setup.Do(t, http.MethodGet, "/api/v1/streams", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list StreamsResponse
	DecodeBody(t, resp, &list)
	require.Equal(t, 2, list.Count)
	assert.Equal(t, "battery", list.Streams[0].Name)
	assert.Equal(t, "ops", list.Streams[0].Publisher)

	resp = setup.Do(t, http.MethodGet, "/api/v1/streams/pose", token, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = setup.Do(t, http.MethodDelete, "/api/v1/streams/pose", token, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = setup.Do(t, http.MethodGet, "/api/v1/streams/pose", token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = setup.Do(t, http.MethodDelete, "/api/v1/streams/pose", token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStreams_PublishedValueReachesClients(t *testing.T) {
	setup := NewTestServerSetup(t, testSecret)
	token := setup.GenerateTestToken(t, "ops")
	ws := setup.ConnectClient(t, "viewer1")

	resp := setup.Do(t, http.MethodPut, "/api/v1/streams/pose", token, PublishRequest{Data: json.RawMessage(`[1,2,3]`)})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, ws.WriteJSON(map[string]string{"command": "request_stream_data", "stream_name": "pose"}))
	msg := ReadEnvelope(t, ws)
	assert.Equal(t, "stream_data", msg["command"])
	assert.Equal(t, []any{1.0, 2.0, 3.0}, msg["data"])
}

func TestBadRequests(t *testing.T) {
	setup := NewTestServerSetup(t, testSecret)
	token := setup.GenerateTestToken(t, "ops")

	t.Run("missing data", func(t *testing.T) {
		resp := setup.Do(t, http.MethodPut, "/api/v1/streams/pose", token, PublishRequest{})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	publishRaw := func(t *testing.T, name, body string) int {
		t.Helper()
		req, err := http.NewRequest(http.MethodPut, setup.HTTP.URL+"/api/v1/streams/"+name, strings.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		return resp.StatusCode
	}

	publishBodies := []struct {
		name string
		body string
		want int
	}{
		{"absent data", `{"publisher":"ops"}`, http.StatusBadRequest},
		{"null data", `{"data":null}`, http.StatusBadRequest},
		{"null data with spacing", `{"data": null }`, http.StatusBadRequest},
		{"zero is data", `{"data":0}`, http.StatusOK},
		{"empty string is data", `{"data":""}`, http.StatusOK},
	}
	for _, tt := range publishBodies {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, publishRaw(t, "pose", tt.body))
		})
	}

	t.Run("null data leaves no stream", func(t *testing.T) {
		require.Equal(t, http.StatusBadRequest, publishRaw(t, "ghost-null", `{"data":null}`))
		resp := setup.Do(t, http.MethodGet, "/api/v1/streams/ghost-null", token, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("not json", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPut, setup.HTTP.URL+"/api/v1/streams/pose", strings.NewReader("x=1"))
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
	})

	t.Run("malformed body", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPost, setup.HTTP.URL+"/api/v1/broadcast", strings.NewReader("{"))
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		var errResp ErrorResponse
		DecodeBody(t, resp, &errResp)
		assert.Equal(t, http.StatusBadRequest, errResp.Code)
	})
}

func TestRootAndMetrics(t *testing.T) {
	setup := NewTestServerSetup(t, testSecret)

	resp := setup.Do(t, http.MethodGet, "/", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var info map[string]any
	DecodeBody(t, resp, &info)
	assert.Equal(t, "RelayHub operator API", info["service"])

	resp = setup.Do(t, http.MethodGet, "/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	setup.ConnectClient(t, "cam1")
	resp = setup.Do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "relayhub_connections_accepted_total 1")
}
