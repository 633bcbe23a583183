package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/relayhub/pkg/envelope"
	"github.com/rmacdonaldsmith/relayhub/pkg/registry"
)

// DefaultHandshakeTimeout bounds how long a new connection may stay unidentified
const DefaultHandshakeTimeout = 10 * time.Second

var (
	// ErrHandshakeTimeout is returned when no identity arrives in time
	ErrHandshakeTimeout = errors.New("handshake timed out")
	// ErrHandshakeAborted is returned when the connection closes before identifying
	ErrHandshakeAborted = errors.New("connection closed during handshake")
)

// Admission is the result of a successful handshake
type Admission struct {
	Identity string
	// Evicted reports that a previous connection held Identity and was closed
	Evicted bool
}

// Handshaker runs the identity handshake on new connections and registers
// them once they answer.
type Handshaker struct {
	registry registry.Registry
	codec    envelope.Codec
	timeout  time.Duration
	logger   *zap.Logger
}

// NewHandshaker creates a handshaker that registers into reg.
// A zero timeout uses DefaultHandshakeTimeout; a nil logger discards output.
func NewHandshaker(reg registry.Registry, codec envelope.Codec, timeout time.Duration, logger *zap.Logger) *Handshaker {
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handshaker{
		registry: reg,
		codec:    codec,
		timeout:  timeout,
		logger:   logger,
	}
}

// Admit sends REQUEST_ID on conn and waits for the identity reply. Envelopes that
// arrive first are answered with a not_identified error and otherwise dropped.
// On failure the connection is closed and never registered.
func (h *Handshaker) Admit(ctx context.Context, conn registry.Conn) (Admission, error) {
	log := h.logger.With(zap.String("conn_id", conn.ID()), zap.String("remote_addr", conn.RemoteAddr()))

	if err := conn.Send(envelope.MustEncode(envelope.RequestID{})); err != nil {
		_ = conn.Close("handshake send failed")
		return Admission{}, fmt.Errorf("failed to request identity: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	for {
		raw, err := conn.Receive(ctx)
		if errors.Is(err, envelope.ErrTooLarge) {
			log.Warn("Dropping oversized envelope before identification", zap.Error(err))
			h.reply(conn, envelope.CodeTooLarge, err.Error())
			continue
		}
		if err != nil {
			_ = conn.Close("handshake failed")
			if errors.Is(err, context.DeadlineExceeded) {
				return Admission{}, ErrHandshakeTimeout
			}
			return Admission{}, fmt.Errorf("%w: %v", ErrHandshakeAborted, err)
		}

		msg, err := h.codec.Decode(raw)
		if err != nil {
			log.Warn("Dropping malformed envelope before identification", zap.Error(err), zap.Int("bytes", len(raw)))
			h.reply(conn, errorCode(err), err.Error())
			continue
		}

		id, ok := msg.(envelope.ClientID)
		if !ok {
			log.Warn("Rejecting command from unidentified connection", zap.String("command", string(msg.Command())))
			h.reply(conn, envelope.CodeNotIdentified, "send client_id before "+string(msg.Command()))
			continue
		}

		if id.ClientID == "" {
			h.reply(conn, envelope.CodeNotIdentified, registry.ErrEmptyIdentity.Error())
			closeAfterReply(conn, "empty identity")
			return Admission{}, registry.ErrEmptyIdentity
		}

		evicted, err := h.registry.Register(id.ClientID, conn)
		if err != nil {
			switch {
			case errors.Is(err, registry.ErrDuplicateIdentity):
				log.Warn("Rejecting duplicate identity", zap.String("client_id", id.ClientID))
				h.reply(conn, envelope.CodeDuplicateIdentity, id.ClientID+" is already connected")
			case errors.Is(err, registry.ErrSealed), errors.Is(err, registry.ErrClosed):
				// Shutdown already notified registered clients; this one
				// identified too late to be among them
				log.Info("Refusing identity during shutdown", zap.String("client_id", id.ClientID))
				if out, encErr := h.codec.Encode(envelope.ServerClosing{}); encErr == nil {
					_ = conn.Send(out)
				}
			}
			closeAfterReply(conn, err.Error())
			return Admission{}, fmt.Errorf("failed to register %q: %w", id.ClientID, err)
		}

		if evicted {
			log.Info("Evicted previous connection for identity", zap.String("client_id", id.ClientID))
		}
		log.Info("Client identified", zap.String("client_id", id.ClientID))
		return Admission{Identity: id.ClientID, Evicted: evicted}, nil
	}
}

// replyFlushTimeout bounds how long a rejected connection may take to receive
// its error envelope
const replyFlushTimeout = time.Second

// flusher is implemented by transports that can deliver queued envelopes
// before closing
type flusher interface {
	Shutdown(ctx context.Context, reason string) error
}

// closeAfterReply closes conn, delivering a queued error reply first when the
// transport supports it
func closeAfterReply(conn registry.Conn, reason string) {
	if f, ok := conn.(flusher); ok {
		ctx, cancel := context.WithTimeout(context.Background(), replyFlushTimeout)
		defer cancel()
		_ = f.Shutdown(ctx, reason)
		return
	}
	_ = conn.Close(reason)
}

func (h *Handshaker) reply(conn registry.Conn, code, detail string) {
	out, err := h.codec.Encode(envelope.ErrorReply{Code: code, Detail: detail})
	if err != nil {
		return
	}
	_ = conn.Send(out)
}

func errorCode(err error) string {
	if errors.Is(err, envelope.ErrTooLarge) {
		return envelope.CodeTooLarge
	}
	return envelope.CodeMalformed
}
