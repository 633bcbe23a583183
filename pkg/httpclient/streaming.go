package httpclient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"
)

// StreamClient follows the operator event feed over Server-Sent Events
type StreamClient struct {
	client *Client
	config StreamConfig
	events chan Event
	errors chan error
	done   chan struct{}
	cancel context.CancelFunc

	mu       sync.Mutex
	response *http.Response
}

// StreamConfig configures the streaming client
type StreamConfig struct {
	// Types keeps only events of these types; empty keeps all
	Types []string

	// BufferSize for the event channel
	BufferSize int

	// ReconnectDelay for automatic reconnection
	ReconnectDelay time.Duration

	// MaxReconnectAttempts (0 = infinite)
	MaxReconnectAttempts int
}

// SetDefaults sets reasonable default values for StreamConfig
func (sc *StreamConfig) SetDefaults() {
	if sc.BufferSize == 0 {
		sc.BufferSize = 100
	}
	if sc.ReconnectDelay == 0 {
		sc.ReconnectDelay = 2 * time.Second
	}
}

// Stream opens the operator event feed and reconnects when it drops
func (c *Client) Stream(ctx context.Context, config StreamConfig) (*StreamClient, error) {
	if err := c.EnsureAuthenticated(ctx); err != nil {
		return nil, err
	}

	config.SetDefaults()
	streamCtx, cancel := context.WithCancel(ctx)

	streamClient := &StreamClient{
		client: c,
		config: config,
		events: make(chan Event, config.BufferSize),
		errors: make(chan error, 10),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	go streamClient.startStreaming(streamCtx)

	return streamClient, nil
}

// Events returns the channel for receiving events
func (sc *StreamClient) Events() <-chan Event {
	return sc.events
}

// Errors returns the channel for receiving errors
func (sc *StreamClient) Errors() <-chan error {
	return sc.errors
}

// Done returns a channel that's closed when streaming ends
func (sc *StreamClient) Done() <-chan struct{} {
	return sc.done
}

// Close stops the streaming client and cleans up resources
func (sc *StreamClient) Close() error {
	sc.cancel()

	sc.mu.Lock()
	if sc.response != nil {
		sc.response.Body.Close()
	}
	sc.mu.Unlock()

	<-sc.done
	return nil
}

// startStreaming handles the SSE streaming loop with reconnection
func (sc *StreamClient) startStreaming(ctx context.Context) {
	defer close(sc.done)
	defer close(sc.events)
	defer close(sc.errors)

	attempts := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := sc.connectAndStream(ctx); err != nil && ctx.Err() == nil {
			select {
			case sc.errors <- fmt.Errorf("streaming error: %w", err):
			default:
			}
		}

		if sc.config.MaxReconnectAttempts > 0 && attempts >= sc.config.MaxReconnectAttempts {
			select {
			case sc.errors <- fmt.Errorf("max reconnect attempts (%d) exceeded", sc.config.MaxReconnectAttempts):
			default:
			}
			return
		}
		attempts++

		select {
		case <-time.After(sc.config.ReconnectDelay):
		case <-ctx.Done():
			return
		}
	}
}

// connectAndStream establishes the SSE connection and processes events
func (sc *StreamClient) connectAndStream(ctx context.Context) error {
	streamURL := sc.client.baseURL.ResolveReference(&url.URL{Path: "/api/v1/events/stream"})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to create streaming request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if token := sc.client.GetToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	// The request timeout would cut a healthy stream short
	httpClient := &http.Client{Transport: sc.client.httpClient.Transport}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to stream: %w", err)
	}

	sc.mu.Lock()
	sc.response = resp
	sc.mu.Unlock()
	defer func() {
		resp.Body.Close()
		sc.mu.Lock()
		sc.response = nil
		sc.mu.Unlock()
	}()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(bodyBytes))}
	}

	return sc.processSSEStream(ctx, resp.Body)
}

// processSSEStream reads and parses Server-Sent Events
func (sc *StreamClient) processSSEStream(ctx context.Context, reader io.Reader) error {
	scanner := bufio.NewScanner(reader)

	for scanner.Scan() {
		line := scanner.Text()

		// Comments (": ping"), blank separators and event: lines carry nothing
		// the data line does not
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var event Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			select {
			case sc.errors <- fmt.Errorf("failed to parse event: %w", err):
			default:
			}
			continue
		}
		if len(sc.config.Types) > 0 && !slices.Contains(sc.config.Types, event.Type) {
			continue
		}

		select {
		case sc.events <- event:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading SSE stream: %w", err)
	}
	return io.ErrUnexpectedEOF
}
