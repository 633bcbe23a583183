// Package dispatch routes decoded envelopes from identified clients to the
// client registry and the stream store.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/relayhub/internal/frames"
	"github.com/rmacdonaldsmith/relayhub/pkg/envelope"
	"github.com/rmacdonaldsmith/relayhub/pkg/registry"
	"github.com/rmacdonaldsmith/relayhub/pkg/streamstore"
)

// Recorder observes every dispatched envelope. internal/metrics implements it.
type Recorder interface {
	EnvelopeDispatched(command string, outcome Outcome, elapsed time.Duration)
	BroadcastDelivered(recipients, failed int)
	FrameValidated(frameType string, ok bool)
}

// MessageFunc receives the data of "message" envelopes
type MessageFunc func(identity string, data json.RawMessage)

// Config wires the dispatcher's collaborators. Zero values are usable.
type Config struct {
	Codec envelope.Codec

	// Frames validates stream_frame payloads; nil uses 640x480 depth frames
	Frames *frames.Validator

	// ReportMissingStreams answers request_stream_data for an absent stream
	// with a stream_not_found envelope instead of staying silent
	ReportMissingStreams bool

	OnMessage MessageFunc
	Recorder  Recorder
	Logger    *zap.Logger
}

// Dispatcher executes client commands. It holds no per-connection state, so one
// instance serves every connection concurrently.
type Dispatcher struct {
	registry registry.Registry
	store    streamstore.Store
	config   Config
	logger   *zap.Logger
}

// New creates a dispatcher over reg and store
func New(reg registry.Registry, store streamstore.Store, config Config) *Dispatcher {
	if config.Frames == nil {
		config.Frames = frames.NewValidator(0, 0)
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		registry: reg,
		store:    store,
		config:   config,
		logger:   logger,
	}
}

// Dispatch decodes raw and runs it for session. It never closes the session's
// connection; the returned Outcome says how the envelope was classified.
func (d *Dispatcher) Dispatch(ctx context.Context, session *Session, raw []byte) Outcome {
	start := time.Now()
	command, err := d.dispatch(ctx, session, raw)
	outcome := Classify(err)

	if err != nil {
		d.logFailure(session, command, outcome, err, len(raw))
	}
	if d.config.Recorder != nil {
		d.config.Recorder.EnvelopeDispatched(command, outcome, time.Since(start))
	}
	return outcome
}

// Reject classifies an error that happened before an envelope could be read,
// such as an oversized frame dropped by the transport.
func (d *Dispatcher) Reject(session *Session, err error) Outcome {
	outcome := Classify(err)
	d.logFailure(session, "", outcome, err, 0)
	if d.config.Recorder != nil {
		d.config.Recorder.EnvelopeDispatched("", outcome, 0)
	}
	return outcome
}

func (d *Dispatcher) dispatch(ctx context.Context, session *Session, raw []byte) (string, error) {
	switch session.State() {
	case StateClosed:
		return "", ErrSessionClosed
	case StateUnidentified:
		msg, err := d.config.Codec.Decode(raw)
		command := ""
		if err == nil {
			command = string(msg.Command())
		}
		d.reply(session, envelope.ErrorReply{
			Code:   envelope.CodeNotIdentified,
			Detail: "send client_id before any other command",
		})
		return command, ErrNotIdentified
	}

	msg, err := d.config.Codec.Decode(raw)
	if err != nil {
		var decodeErr *envelope.DecodeError
		if errors.As(err, &decodeErr) {
			return decodeErr.Command, err
		}
		return "", err
	}

	h := &commandHandler{ctx: ctx, d: d, session: session}
	return string(msg.Command()), msg.Accept(h)
}

func (d *Dispatcher) logFailure(session *Session, command string, outcome Outcome, err error, size int) {
	fields := []zap.Field{
		zap.String("client_id", session.Identity()),
		zap.String("conn_id", session.Conn().ID()),
		zap.String("command", command),
		zap.String("outcome", outcome.String()),
		zap.Error(err),
	}
	if size > 0 {
		fields = append(fields, zap.Int("bytes", size))
	}

	switch outcome {
	case TransportError:
		d.logger.Info("Envelope not delivered", fields...)
	default:
		d.logger.Warn("Envelope dropped", fields...)
	}
}

func (d *Dispatcher) reply(session *Session, msg envelope.Message) {
	out, err := d.config.Codec.Encode(msg)
	if err != nil {
		d.logger.Error("Failed to encode reply", zap.String("command", string(msg.Command())), zap.Error(err))
		return
	}
	if err := session.Conn().Send(out); err != nil {
		d.logger.Debug("Failed to send reply",
			zap.String("client_id", session.Identity()),
			zap.String("command", string(msg.Command())),
			zap.Error(err))
	}
}

// commandHandler runs one envelope for one session
type commandHandler struct {
	ctx     context.Context
	d       *Dispatcher
	session *Session
}

func (h *commandHandler) sender() string { return h.session.Identity() }

func (h *commandHandler) HandleClientID(m envelope.ClientID) error {
	h.d.logger.Info("Ignoring client_id from identified client",
		zap.String("client_id", h.sender()),
		zap.String("requested", m.ClientID))
	return nil
}

func (h *commandHandler) HandleSendToClient(m envelope.SendToClient) error {
	target, ok := h.d.registry.Lookup(m.TargetID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrTargetNotFound, m.TargetID)
	}
	if err := target.Send(m.Raw); err != nil {
		return fmt.Errorf("failed to forward to %s: %w", m.TargetID, err)
	}

	h.d.logger.Debug("Forwarded envelope",
		zap.String("client_id", h.sender()),
		zap.String("target_id", m.TargetID),
		zap.Int("bytes", len(m.Raw)))
	return nil
}

func (h *commandHandler) HandleStreamData(m envelope.StreamData) error {
	return h.publish(m.StreamName, m.Data)
}

func (h *commandHandler) publish(name string, payload json.RawMessage) error {
	created, err := h.d.store.Publish(name, payload, h.sender())
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", name, err)
	}
	if created {
		h.d.logger.Info("Stream started", zap.String("stream", name), zap.String("client_id", h.sender()))
	}
	return nil
}

func (h *commandHandler) HandleRequestStreamData(m envelope.RequestStreamData) error {
	stream, err := h.d.store.Get(m.StreamName)
	if err != nil {
		if errors.Is(err, streamstore.ErrNotFound) && h.d.config.ReportMissingStreams {
			h.d.reply(h.session, envelope.StreamNotFound{StreamName: m.StreamName})
		}
		return fmt.Errorf("request for %s: %w", m.StreamName, err)
	}

	out, err := h.d.config.Codec.Encode(envelope.StreamData{StreamName: stream.Name, Data: stream.Payload})
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", m.StreamName, err)
	}
	if err := h.session.Conn().Send(out); err != nil {
		return fmt.Errorf("failed to answer request for %s: %w", m.StreamName, err)
	}
	return nil
}

func (h *commandHandler) HandleCloseStream(m envelope.CloseStream) error {
	if h.d.store.Close(m.StreamName) {
		h.d.logger.Info("Stream closed", zap.String("stream", m.StreamName), zap.String("client_id", h.sender()))
	}
	return nil
}

func (h *commandHandler) HandleStreamFrame(m envelope.StreamFrame) error {
	res, err := h.d.config.Frames.Validate(m.FrameType, m.Data)
	if h.d.config.Recorder != nil {
		h.d.config.Recorder.FrameValidated(m.FrameType, err == nil)
	}
	if err != nil {
		return fmt.Errorf("invalid %s frame for %s: %w", m.FrameType, m.StreamName, err)
	}

	// The base64 text is stored, not the decoded bytes
	payload, err := json.Marshal(m.Data)
	if err != nil {
		return fmt.Errorf("failed to encode frame for %s: %w", m.StreamName, err)
	}

	h.d.logger.Debug("Stored frame",
		zap.String("stream", m.StreamName),
		zap.String("frame_type", m.FrameType),
		zap.String("format", res.Format),
		zap.Int("bytes", res.Bytes))
	return h.publish(m.StreamName, payload)
}

func (h *commandHandler) HandleBroadcast(m envelope.Broadcast) error {
	out, err := h.d.config.Codec.Encode(envelope.Broadcast{Data: m.Data})
	if err != nil {
		return fmt.Errorf("failed to encode broadcast: %w", err)
	}

	delivered, failed := Fanout(h.d.registry.All(), h.sender(), out, h.d.logger)
	if h.d.config.Recorder != nil {
		h.d.config.Recorder.BroadcastDelivered(delivered, failed)
	}

	h.d.logger.Info("Broadcast",
		zap.String("client_id", h.sender()),
		zap.Int("recipients", delivered),
		zap.Int("failed", failed))
	return nil
}

func (h *commandHandler) HandleText(m envelope.Text) error {
	h.d.logger.Info("Message from client", zap.String("client_id", h.sender()), zap.ByteString("data", m.Data))
	if h.d.config.OnMessage != nil {
		h.d.config.OnMessage(h.sender(), m.Data)
	}
	return nil
}

func (h *commandHandler) HandleUnknown(m envelope.Unknown) error {
	return fmt.Errorf("%w: %q", ErrUnknownCommand, m.Name)
}

func (h *commandHandler) HandleRequestID(envelope.RequestID) error {
	return fmt.Errorf("%w: %s", ErrUnexpectedCommand, envelope.CmdRequestID)
}

func (h *commandHandler) HandleServerClosing(envelope.ServerClosing) error {
	return fmt.Errorf("%w: %s", ErrUnexpectedCommand, envelope.CmdServerClosing)
}

func (h *commandHandler) HandleErrorReply(envelope.ErrorReply) error {
	return fmt.Errorf("%w: %s", ErrUnexpectedCommand, envelope.CmdError)
}

func (h *commandHandler) HandleStreamNotFound(envelope.StreamNotFound) error {
	return fmt.Errorf("%w: %s", ErrUnexpectedCommand, envelope.CmdStreamNotFound)
}

// Fanout sends data to every entry except the one registered as exclude.
// A failed send is logged and skipped.
func Fanout(entries []registry.Entry, exclude string, data []byte, logger *zap.Logger) (delivered, failed int) {
	for _, entry := range entries {
		if entry.Identity == exclude {
			continue
		}
		if err := entry.Conn.Send(data); err != nil {
			failed++
			logger.Debug("Skipping client during fan-out", zap.String("client_id", entry.Identity), zap.Error(err))
			continue
		}
		delivered++
	}
	return delivered, failed
}

// Verify that commandHandler handles every envelope variant at compile time
var _ envelope.Handler = (*commandHandler)(nil)
