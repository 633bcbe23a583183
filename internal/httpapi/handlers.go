package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/relayhub/pkg/envelope"
	"github.com/rmacdonaldsmith/relayhub/pkg/hub"
	"github.com/rmacdonaldsmith/relayhub/pkg/registry"
	"github.com/rmacdonaldsmith/relayhub/pkg/streamstore"
)

// Handlers contains HTTP request handlers for the operator API
type Handlers struct {
	hub          hub.Hub
	feed         *EventFeed
	jwtAuth      *JWTAuth
	logger       *zap.Logger
	maxBodyBytes int64
	keepalive    time.Duration
}

// NewHandlers creates a new handlers instance
func NewHandlers(h hub.Hub, feed *EventFeed, jwtAuth *JWTAuth, logger *zap.Logger, maxBodyBytes int64, keepalive time.Duration) *Handlers {
	return &Handlers{
		hub:          h,
		feed:         feed,
		jwtAuth:      jwtAuth,
		logger:       logger,
		maxBodyBytes: maxBodyBytes,
		keepalive:    keepalive,
	}
}

// Login handles POST /api/v1/auth/login
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	if h.jwtAuth == nil {
		writeError(w, "Authentication is disabled on this hub", http.StatusNotFound)
		return
	}

	var req AuthRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Operator == "" {
		writeError(w, "operator is required", http.StatusBadRequest)
		return
	}
	if err := h.jwtAuth.CheckSecret(req.Secret); err != nil {
		h.logger.Warn("Rejected operator login", zap.String("operator", req.Operator), zap.String("remote_addr", r.RemoteAddr))
		writeError(w, err.Error(), http.StatusUnauthorized)
		return
	}

	token, expiresAt, err := h.jwtAuth.GenerateToken(req.Operator)
	if err != nil {
		writeError(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}

	writeJSON(w, AuthResponse{Token: token, Operator: req.Operator, ExpiresAt: expiresAt}, http.StatusOK)
}

// Health handles GET /api/v1/health
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	health, err := h.hub.Health(r.Context())
	if err != nil {
		writeError(w, "Failed to get health status", http.StatusInternalServerError)
		return
	}

	statusCode := http.StatusOK
	if !health.Healthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, health, statusCode)
}

// ListClients handles GET /api/v1/clients
func (h *Handlers) ListClients(w http.ResponseWriter, r *http.Request) {
	clients := h.hub.Clients()
	writeJSON(w, ClientsResponse{Clients: clients, Count: len(clients)}, http.StatusOK)
}

// DisconnectClient handles DELETE /api/v1/clients/{id}
func (h *Handlers) DisconnectClient(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "disconnected by " + GetOperator(r)
	}

	if err := h.hub.Disconnect(id, reason); err != nil {
		h.writeHubError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SendMessage handles POST /api/v1/clients/{id}/messages
func (h *Handlers) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if !h.decode(w, r, &req) {
		return
	}

	id := r.PathValue("id")
	if err := h.hub.SendToClient(r.Context(), id, req.Data); err != nil {
		h.writeHubError(w, err)
		return
	}

	h.logger.Info("Operator message sent", zap.String("operator", GetOperator(r)), zap.String("client_id", id))
	w.WriteHeader(http.StatusAccepted)
}

// Broadcast handles POST /api/v1/broadcast
func (h *Handlers) Broadcast(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if !h.decode(w, r, &req) {
		return
	}

	delivered, err := h.hub.Broadcast(r.Context(), req.Data, req.Exclude)
	if err != nil {
		h.writeHubError(w, err)
		return
	}

	h.logger.Info("Operator broadcast sent", zap.String("operator", GetOperator(r)), zap.Int("delivered", delivered))
	writeJSON(w, BroadcastResponse{Delivered: delivered}, http.StatusAccepted)
}

// ListStreams handles GET /api/v1/streams
func (h *Handlers) ListStreams(w http.ResponseWriter, r *http.Request) {
	streams := h.hub.Streams()
	writeJSON(w, StreamsResponse{Streams: streams, Count: len(streams)}, http.StatusOK)
}

// GetStream handles GET /api/v1/streams/{name}
func (h *Handlers) GetStream(w http.ResponseWriter, r *http.Request) {
	stream, err := h.hub.Stream(r.PathValue("name"))
	if err != nil {
		h.writeHubError(w, err)
		return
	}
	writeJSON(w, stream, http.StatusOK)
}

// PublishStream handles PUT /api/v1/streams/{name}
func (h *Handlers) PublishStream(w http.ResponseWriter, r *http.Request) {
	var req PublishRequest
	if !h.decode(w, r, &req) {
		return
	}
	if missingData(req.Data) {
		writeError(w, "data is required", http.StatusBadRequest)
		return
	}
	publisher := req.Publisher
	if publisher == "" {
		publisher = GetOperator(r)
	}

	name := r.PathValue("name")
	if err := h.hub.Publish(name, req.Data, publisher); err != nil {
		h.writeHubError(w, err)
		return
	}

	stream, err := h.hub.Stream(name)
	if err != nil {
		h.writeHubError(w, err)
		return
	}
	writeJSON(w, stream, http.StatusOK)
}

// CloseStream handles DELETE /api/v1/streams/{name}
func (h *Handlers) CloseStream(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !h.hub.CloseStream(name) {
		writeError(w, fmt.Sprintf("stream %q not found", name), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// StreamEvents handles GET /api/v1/events/stream, an SSE feed of client and
// stream notifications
func (h *Handlers) StreamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	events, cancel := h.feed.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	_, _ = w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(h.keepalive)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			flusher.Flush()

		case event := <-events:
			if err := writeSSE(w, event); err != nil {
				h.logger.Debug("SSE subscriber gone", zap.Error(err))
				return
			}
			flusher.Flush()
		}
	}
}

// writeSSE writes one event in SSE format with its type as the event name
func writeSSE(w http.ResponseWriter, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal SSE event: %w", err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
	return err
}

// decode reads a JSON body into v, writing the error response on failure
func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		writeError(w, "Content-Type must be application/json", http.StatusUnsupportedMediaType)
		return false
	}

	body := http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, "Request body too large", http.StatusRequestEntityTooLarge)
			return false
		}
		writeError(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// missingData reports whether a decoded data field was absent or JSON null
func missingData(data json.RawMessage) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// writeHubError maps hub errors onto HTTP status codes
func (h *Handlers) writeHubError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, hub.ErrClientNotFound), errors.Is(err, streamstore.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, streamstore.ErrEmptyName):
		status = http.StatusBadRequest
	case errors.Is(err, envelope.ErrTooLarge):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, hub.ErrNotRunning), errors.Is(err, hub.ErrClosed),
		errors.Is(err, registry.ErrQueueFull), errors.Is(err, registry.ErrConnClosed):
		status = http.StatusServiceUnavailable
	}
	writeError(w, err.Error(), status)
}
