package dispatch

import (
	"errors"

	"github.com/rmacdonaldsmith/relayhub/internal/frames"
	"github.com/rmacdonaldsmith/relayhub/pkg/envelope"
	"github.com/rmacdonaldsmith/relayhub/pkg/registry"
	"github.com/rmacdonaldsmith/relayhub/pkg/streamstore"
)

// Outcome classifies how one envelope was handled. None of the failure
// outcomes close the sender's connection.
type Outcome int

const (
	// Handled means the command ran to completion
	Handled Outcome = iota

	// ProtocolError covers malformed envelopes, unknown commands, invalid frames
	// and commands sent before identification
	ProtocolError

	// RoutingError means the target client or stream does not exist
	RoutingError

	// ResourceError means a size or queue limit refused the envelope
	ResourceError

	// TransportError means a connection failed while handling the envelope
	TransportError
)

func (o Outcome) String() string {
	switch o {
	case Handled:
		return "handled"
	case ProtocolError:
		return "protocol_error"
	case RoutingError:
		return "routing_error"
	case ResourceError:
		return "resource_error"
	case TransportError:
		return "transport_error"
	default:
		return "unknown"
	}
}

var (
	// ErrNotIdentified is returned for commands on a session without an identity
	ErrNotIdentified = errors.New("client has not identified")
	// ErrTargetNotFound is returned when send_to_client names an absent client
	ErrTargetNotFound = errors.New("target client not found")
	// ErrUnknownCommand is returned for commands the hub does not recognize
	ErrUnknownCommand = errors.New("unknown command")
	// ErrUnexpectedCommand is returned for hub-to-client commands sent by a client
	ErrUnexpectedCommand = errors.New("command is only sent by the hub")
	// ErrSessionClosed is returned for envelopes on a closed session
	ErrSessionClosed = errors.New("session closed")
)

// Classify maps an error from handling one envelope to an Outcome.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return Handled
	case errors.Is(err, envelope.ErrTooLarge),
		errors.Is(err, registry.ErrQueueFull):
		return ResourceError
	case errors.Is(err, ErrTargetNotFound),
		errors.Is(err, registry.ErrNotFound),
		errors.Is(err, streamstore.ErrNotFound):
		return RoutingError
	case errors.Is(err, envelope.ErrMalformed),
		errors.Is(err, envelope.ErrMissingCommand),
		errors.Is(err, envelope.ErrMissingField),
		errors.Is(err, ErrNotIdentified),
		errors.Is(err, ErrUnknownCommand),
		errors.Is(err, ErrUnexpectedCommand),
		errors.Is(err, streamstore.ErrEmptyName),
		errors.Is(err, frames.ErrInvalidBase64),
		errors.Is(err, frames.ErrUnknownFrameType),
		errors.Is(err, frames.ErrUndecodableImage),
		errors.Is(err, frames.ErrImageTooLarge),
		errors.Is(err, frames.ErrDepthSize):
		return ProtocolError
	default:
		return TransportError
	}
}
