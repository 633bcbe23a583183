package wsconn

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:   4096,
	WriteBufferSize:  4096,
	HandshakeTimeout: 10 * time.Second,
	// Clients are robots and desktop tools, not browsers
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Accept upgrades an HTTP request to a websocket and wraps it.
// On failure the upgrader has already written an HTTP error response.
func Accept(w http.ResponseWriter, r *http.Request, config Config, logger *zap.Logger) (*Connection, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket upgrade failed: %w", err)
	}
	return New(ws, config, logger), nil
}

// Dial connects to a websocket endpoint and wraps the socket.
func Dial(ctx context.Context, url string, header http.Header, config Config, logger *zap.Logger) (*Connection, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}

	ws, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	return New(ws, config, logger), nil
}
