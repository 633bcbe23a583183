package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/rmacdonaldsmith/relayhub/pkg/hub"
	"github.com/rmacdonaldsmith/relayhub/pkg/streamstore"
)

// ErrEmptyServerURL is returned when Config.ServerURL is empty
var ErrEmptyServerURL = errors.New("ServerURL is required")

// APIError is a non-2xx response from the operator API
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the operator API
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client provides HTTP client for the relay hub operator API
type Client struct {
	config     Config
	httpClient *http.Client
	baseURL    *url.URL

	mu    sync.RWMutex
	token string
}

// NewClient creates a new operator API client
func NewClient(config Config) (*Client, error) {
	config.SetDefaults()

	if config.ServerURL == "" {
		return nil, ErrEmptyServerURL
	}

	baseURL, err := url.Parse(config.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ServerURL: %w", err)
	}

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		baseURL:    baseURL,
	}, nil
}

// Authenticate exchanges the configured secret for an operator token
func (c *Client) Authenticate(ctx context.Context) (*AuthResponse, error) {
	var resp AuthResponse
	req := authRequest{Operator: c.config.Operator, Secret: c.config.Secret}
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/auth/login", nil, req, &resp); err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}

	c.SetToken(resp.Token)
	return &resp, nil
}

// EnsureAuthenticated logs in when a secret is configured and no token is held
func (c *Client) EnsureAuthenticated(ctx context.Context) error {
	if c.config.Secret == "" || c.IsAuthenticated() {
		return nil
	}
	_, err := c.Authenticate(ctx)
	return err
}

// GetHealth returns the health status of the hub. A hub that is not healthy
// answers 503 with the same body; it is returned without an error.
func (c *Client) GetHealth(ctx context.Context) (*hub.HealthStatus, error) {
	var resp hub.HealthStatus
	err := c.doRequest(ctx, http.MethodGet, "/api/v1/health", nil, nil, &resp)
	var apiErr *APIError
	if err != nil && !(errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusServiceUnavailable) {
		return nil, fmt.Errorf("failed to get health status: %w", err)
	}
	return &resp, nil
}

// ListClients returns every identified client
func (c *Client) ListClients(ctx context.Context) (*ClientsResponse, error) {
	var resp ClientsResponse
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/clients", nil, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	return &resp, nil
}

// DisconnectClient closes one client's connection
func (c *Client) DisconnectClient(ctx context.Context, clientID, reason string) error {
	query := url.Values{}
	if reason != "" {
		query.Set("reason", reason)
	}
	path := "/api/v1/clients/" + url.PathEscape(clientID)
	if err := c.doRequest(ctx, http.MethodDelete, path, query, nil, nil); err != nil {
		return fmt.Errorf("failed to disconnect %s: %w", clientID, err)
	}
	return nil
}

// SendMessage delivers {"command":"message","data":data} to one client
func (c *Client) SendMessage(ctx context.Context, clientID string, data json.RawMessage) error {
	path := "/api/v1/clients/" + url.PathEscape(clientID) + "/messages"
	if err := c.doRequest(ctx, http.MethodPost, path, nil, messageRequest{Data: data}, nil); err != nil {
		return fmt.Errorf("failed to message %s: %w", clientID, err)
	}
	return nil
}

// Broadcast delivers {"command":"broadcast","data":data} to every client but exclude
func (c *Client) Broadcast(ctx context.Context, data json.RawMessage, exclude string) (*BroadcastResponse, error) {
	var resp BroadcastResponse
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/broadcast", nil, messageRequest{Data: data, Exclude: exclude}, &resp); err != nil {
		return nil, fmt.Errorf("failed to broadcast: %w", err)
	}
	return &resp, nil
}

// ListStreams returns every stream without payloads
func (c *Client) ListStreams(ctx context.Context) (*StreamsResponse, error) {
	var resp StreamsResponse
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/streams", nil, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to list streams: %w", err)
	}
	return &resp, nil
}

// GetStream returns the current value of a stream
func (c *Client) GetStream(ctx context.Context, name string) (*streamstore.Stream, error) {
	var resp streamstore.Stream
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/streams/"+url.PathEscape(name), nil, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to get stream %s: %w", name, err)
	}
	return &resp, nil
}

// PublishStream sets the current value of a stream. An empty publisher is
// recorded as the operator.
func (c *Client) PublishStream(ctx context.Context, name string, data json.RawMessage, publisher string) (*streamstore.Stream, error) {
	var resp streamstore.Stream
	req := publishRequest{Data: data, Publisher: publisher}
	if err := c.doRequest(ctx, http.MethodPut, "/api/v1/streams/"+url.PathEscape(name), nil, req, &resp); err != nil {
		return nil, fmt.Errorf("failed to publish stream %s: %w", name, err)
	}
	return &resp, nil
}

// CloseStream removes a stream
func (c *Client) CloseStream(ctx context.Context, name string) error {
	if err := c.doRequest(ctx, http.MethodDelete, "/api/v1/streams/"+url.PathEscape(name), nil, nil, nil); err != nil {
		return fmt.Errorf("failed to close stream %s: %w", name, err)
	}
	return nil
}

// doRequest performs an HTTP request, attaching the token when one is held.
// path is already escaped; identities and stream names are escaped by the
// caller with url.PathEscape.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, reqBody, respBody any) error {
	u, err := url.Parse(path)
	if err != nil {
		return fmt.Errorf("invalid request path %q: %w", path, err)
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	fullURL := c.baseURL.ResolveReference(u)

	var bodyReader io.Reader
	if reqBody != nil {
		jsonBody, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL.String(), bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.GetToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(bytes.TrimSpace(bodyBytes))}
		var errResp ErrorResponse
		if json.Unmarshal(bodyBytes, &errResp) == nil && errResp.Message != "" {
			apiErr.Message = errResp.Message
		}
		// The health endpoint reports an unhealthy hub in the body
		if respBody != nil && resp.StatusCode == http.StatusServiceUnavailable {
			_ = json.Unmarshal(bodyBytes, respBody)
		}
		return apiErr
	}

	if respBody != nil && len(bodyBytes) > 0 {
		if err := json.Unmarshal(bodyBytes, respBody); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}

	return nil
}

// IsAuthenticated returns whether the client has a token
func (c *Client) IsAuthenticated() bool {
	return c.GetToken() != ""
}

// GetToken returns the current authentication token
func (c *Client) GetToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// SetToken sets the authentication token (useful for testing or token reuse)
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}
