package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMalformed is returned when the bytes are not a JSON object of the expected shape
	ErrMalformed = errors.New("malformed envelope")
	// ErrMissingCommand is returned when an envelope has neither a command nor a client_id
	ErrMissingCommand = errors.New("envelope has no command")
	// ErrMissingField is returned when a command-specific field is absent or empty
	ErrMissingField = errors.New("envelope is missing a required field")
	// ErrTooLarge is returned when an envelope exceeds the configured size limit
	ErrTooLarge = errors.New("envelope exceeds maximum size")
)

// DecodeError describes why an envelope could not be decoded.
type DecodeError struct {
	// Command is the raw command string, empty if it could not be read
	Command string
	// Field names the offending field, if any
	Field string
	Err   error
}

func (e *DecodeError) Error() string {
	switch {
	case e.Command != "" && e.Field != "":
		return fmt.Sprintf("%s: %v (%s)", e.Command, e.Err, e.Field)
	case e.Command != "":
		return fmt.Sprintf("%s: %v", e.Command, e.Err)
	default:
		return e.Err.Error()
	}
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// wireEnvelope is the union of every field any command uses.
type wireEnvelope struct {
	Command    *string          `json:"command,omitempty"`
	ClientID   *string          `json:"client_id,omitempty"`
	TargetID   string           `json:"target_id,omitempty"`
	StreamName string           `json:"stream_name,omitempty"`
	FrameType  string           `json:"frame_type,omitempty"`
	Data       *json.RawMessage `json:"data,omitempty"`
	Error      string           `json:"error,omitempty"`
	Detail     string           `json:"detail,omitempty"`
}

// Codec converts between raw envelopes and Message values.
// The zero value has no size limit.
type Codec struct {
	// MaxPayloadBytes rejects larger envelopes before parsing. Zero or negative means unlimited.
	MaxPayloadBytes int
}

// Decode parses one envelope. It never returns a nil Message together with a nil error.
func (c Codec) Decode(raw []byte) (Message, error) {
	if c.MaxPayloadBytes > 0 && len(raw) > c.MaxPayloadBytes {
		return nil, &DecodeError{Err: ErrTooLarge}
	}

	var w wireEnvelope
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, &DecodeError{Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}

	if w.Command == nil {
		// First generation clients answer REQUEST_ID without a command
		if w.ClientID != nil {
			return ClientID{ClientID: *w.ClientID}, nil
		}
		return nil, &DecodeError{Err: ErrMissingCommand}
	}

	cmd := Command(*w.Command)
	switch cmd {
	case CmdRequestID:
		return RequestID{}, nil

	case CmdServerClosing:
		return ServerClosing{}, nil

	case CmdClientID:
		if w.ClientID == nil {
			return nil, missing(cmd, "client_id")
		}
		return ClientID{ClientID: *w.ClientID}, nil

	case CmdSendToClient:
		if w.TargetID == "" {
			return nil, missing(cmd, "target_id")
		}
		return SendToClient{TargetID: w.TargetID, Raw: cloneRaw(raw)}, nil

	case CmdStreamData:
		if w.StreamName == "" {
			return nil, missing(cmd, "stream_name")
		}
		return StreamData{StreamName: w.StreamName, Data: dataOrNull(w.Data)}, nil

	case CmdRequestStreamData:
		if w.StreamName == "" {
			return nil, missing(cmd, "stream_name")
		}
		return RequestStreamData{StreamName: w.StreamName}, nil

	case CmdCloseStream:
		if w.StreamName == "" {
			return nil, missing(cmd, "stream_name")
		}
		return CloseStream{StreamName: w.StreamName}, nil

	case CmdStreamFrame:
		if w.StreamName == "" {
			return nil, missing(cmd, "stream_name")
		}
		if w.Data == nil {
			return nil, missing(cmd, "data")
		}
		var encoded string
		if err := json.Unmarshal(*w.Data, &encoded); err != nil {
			return nil, &DecodeError{Command: string(cmd), Field: "data", Err: fmt.Errorf("%w: data must be a base64 string", ErrMalformed)}
		}
		return StreamFrame{StreamName: w.StreamName, FrameType: w.FrameType, Data: encoded}, nil

	case CmdBroadcast:
		return Broadcast{Data: dataOrNull(w.Data)}, nil

	case CmdMessage:
		return Text{Data: dataOrNull(w.Data)}, nil

	case CmdError:
		return ErrorReply{Code: w.Error, Detail: w.Detail}, nil

	case CmdStreamNotFound:
		return StreamNotFound{StreamName: w.StreamName}, nil

	default:
		return Unknown{Name: string(cmd), Raw: cloneRaw(raw)}, nil
	}
}

// Encode renders a Message as one JSON envelope.
func (c Codec) Encode(m Message) ([]byte, error) {
	if m == nil {
		return nil, errors.New("cannot encode nil message")
	}

	var w wireEnvelope
	cmd := string(m.Command())
	w.Command = &cmd

	switch v := m.(type) {
	case RequestID, ServerClosing:
		// command only
	case ClientID:
		id := v.ClientID
		w.ClientID = &id
	case SendToClient:
		if len(v.Raw) > 0 {
			return cloneRaw(v.Raw), nil
		}
		w.TargetID = v.TargetID
	case StreamData:
		w.StreamName = v.StreamName
		w.Data = rawPtr(v.Data)
	case RequestStreamData:
		w.StreamName = v.StreamName
	case CloseStream:
		w.StreamName = v.StreamName
	case StreamFrame:
		w.StreamName = v.StreamName
		w.FrameType = v.FrameType
		encoded, err := json.Marshal(v.Data)
		if err != nil {
			return nil, err
		}
		w.Data = rawPtr(encoded)
	case Broadcast:
		w.Data = rawPtr(v.Data)
	case Text:
		w.Data = rawPtr(v.Data)
	case ErrorReply:
		w.Error = v.Code
		w.Detail = v.Detail
	case StreamNotFound:
		w.StreamName = v.StreamName
	case Unknown:
		if len(v.Raw) > 0 {
			return cloneRaw(v.Raw), nil
		}
	}

	out, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", cmd, err)
	}
	if c.MaxPayloadBytes > 0 && len(out) > c.MaxPayloadBytes {
		return nil, &DecodeError{Command: cmd, Err: ErrTooLarge}
	}
	return out, nil
}

// Decode parses raw with an unlimited Codec.
func Decode(raw []byte) (Message, error) {
	return Codec{}.Decode(raw)
}

// Encode renders m with an unlimited Codec.
func Encode(m Message) ([]byte, error) {
	return Codec{}.Encode(m)
}

// MustEncode is Encode for messages that cannot fail, such as RequestID.
func MustEncode(m Message) []byte {
	out, err := Encode(m)
	if err != nil {
		panic(err)
	}
	return out
}

// NewSendToClient builds a point-to-point envelope. Extra fields are copied into the
// envelope next to command and target_id; they may not override either.
func NewSendToClient(targetID string, fields map[string]any) (SendToClient, error) {
	if targetID == "" {
		return SendToClient{}, missing(CmdSendToClient, "target_id")
	}

	obj := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		obj[k] = v
	}
	obj["command"] = string(CmdSendToClient)
	obj["target_id"] = targetID

	raw, err := json.Marshal(obj)
	if err != nil {
		return SendToClient{}, fmt.Errorf("failed to encode send_to_client: %w", err)
	}
	return SendToClient{TargetID: targetID, Raw: raw}, nil
}

// MarshalData encodes an arbitrary value as envelope data.
func MarshalData(v any) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return dataOrNull(&raw), nil
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode data: %w", err)
	}
	return out, nil
}

func missing(cmd Command, field string) error {
	return &DecodeError{Command: string(cmd), Field: field, Err: ErrMissingField}
}

var null = json.RawMessage("null")

func dataOrNull(data *json.RawMessage) json.RawMessage {
	if data == nil || len(bytes.TrimSpace(*data)) == 0 {
		return null
	}
	return cloneRaw(*data)
}

func rawPtr(data json.RawMessage) *json.RawMessage {
	if len(data) == 0 {
		data = null
	}
	return &data
}

func cloneRaw(raw []byte) json.RawMessage {
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}
