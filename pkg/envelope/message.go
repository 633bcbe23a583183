package envelope

import (
	"encoding/json"
)

// Command selects the variant of an envelope.
type Command string

const (
	// CmdRequestID is sent by the hub to a fresh connection to ask for its identity.
	CmdRequestID Command = "REQUEST_ID"
	// CmdServerClosing is sent by the hub to every client before shutdown.
	CmdServerClosing Command = "SERVER_CLOSING"
	// CmdClientID is the identity reply of a client.
	CmdClientID Command = "client_id"
	// CmdSendToClient forwards the envelope verbatim to another client.
	CmdSendToClient Command = "send_to_client"
	// CmdStreamData publishes a stream value (client to hub) or carries one back (hub to client).
	CmdStreamData Command = "stream_data"
	// CmdRequestStreamData asks for the current value of a stream.
	CmdRequestStreamData Command = "request_stream_data"
	// CmdCloseStream deletes a stream.
	CmdCloseStream Command = "close_stream"
	// CmdStreamFrame publishes a base64 encoded camera frame.
	CmdStreamFrame Command = "stream_frame"
	// CmdBroadcast fans a payload out to every other identified client.
	CmdBroadcast Command = "broadcast"
	// CmdMessage is a free-form message surfaced to the operator (client to hub)
	// or sent by the operator to one client (hub to client).
	CmdMessage Command = "message"
	// CmdError reports a rejected envelope to its sender.
	CmdError Command = "error"
	// CmdStreamNotFound reports a request for a stream that has no value.
	CmdStreamNotFound Command = "stream_not_found"
)

// Frame types accepted by stream_frame.
const (
	FrameRGB   = "rgb"
	FrameDepth = "depth"
)

// Error codes carried by ErrorReply.
const (
	CodeNotIdentified     = "not_identified"
	CodeDuplicateIdentity = "duplicate_identity"
	CodeMalformed         = "malformed"
	CodeTooLarge          = "too_large"
)

// Message is one decoded envelope. The set of implementations is closed.
type Message interface {
	// Command returns the command this variant is encoded with.
	Command() Command

	// Accept calls the Handler method matching the variant.
	Accept(h Handler) error

	sealed()
}

// Handler has one method per Message variant.
type Handler interface {
	HandleRequestID(RequestID) error
	HandleServerClosing(ServerClosing) error
	HandleClientID(ClientID) error
	HandleSendToClient(SendToClient) error
	HandleStreamData(StreamData) error
	HandleRequestStreamData(RequestStreamData) error
	HandleCloseStream(CloseStream) error
	HandleStreamFrame(StreamFrame) error
	HandleBroadcast(Broadcast) error
	HandleText(Text) error
	HandleErrorReply(ErrorReply) error
	HandleStreamNotFound(StreamNotFound) error
	HandleUnknown(Unknown) error
}

// RequestID asks a new connection for its identity.
type RequestID struct{}

// ServerClosing announces that the hub is shutting down.
type ServerClosing struct{}

// ClientID carries the identity a connection wants to be addressed by.
type ClientID struct {
	ClientID string
}

// SendToClient is a point-to-point envelope. Raw holds the envelope exactly as it
// was received so it can be forwarded without re-encoding.
type SendToClient struct {
	TargetID string
	Raw      json.RawMessage
}

// StreamData publishes or carries the current value of a stream.
type StreamData struct {
	StreamName string
	Data       json.RawMessage
}

// RequestStreamData asks for the current value of a stream.
type RequestStreamData struct {
	StreamName string
}

// CloseStream removes a stream.
type CloseStream struct {
	StreamName string
}

// StreamFrame carries one base64 encoded frame.
type StreamFrame struct {
	StreamName string
	FrameType  string
	Data       string
}

// Broadcast fans Data out to every other identified client.
type Broadcast struct {
	Data json.RawMessage
}

// Text is the "message" command.
type Text struct {
	Data json.RawMessage
}

// ErrorReply tells a client why its envelope was rejected.
type ErrorReply struct {
	Code   string
	Detail string
}

// StreamNotFound answers a request for a stream without a value.
type StreamNotFound struct {
	StreamName string
}

// Unknown is any well-formed envelope with an unrecognized command.
type Unknown struct {
	Name string
	Raw  json.RawMessage
}

func (RequestID) Command() Command         { return CmdRequestID }
func (ServerClosing) Command() Command     { return CmdServerClosing }
func (ClientID) Command() Command          { return CmdClientID }
func (SendToClient) Command() Command      { return CmdSendToClient }
func (StreamData) Command() Command        { return CmdStreamData }
func (RequestStreamData) Command() Command { return CmdRequestStreamData }
func (CloseStream) Command() Command       { return CmdCloseStream }
func (StreamFrame) Command() Command       { return CmdStreamFrame }
func (Broadcast) Command() Command         { return CmdBroadcast }
func (Text) Command() Command              { return CmdMessage }
func (ErrorReply) Command() Command        { return CmdError }
func (StreamNotFound) Command() Command    { return CmdStreamNotFound }
func (u Unknown) Command() Command         { return Command(u.Name) }

func (m RequestID) Accept(h Handler) error         { return h.HandleRequestID(m) }
func (m ServerClosing) Accept(h Handler) error     { return h.HandleServerClosing(m) }
func (m ClientID) Accept(h Handler) error          { return h.HandleClientID(m) }
func (m SendToClient) Accept(h Handler) error      { return h.HandleSendToClient(m) }
func (m StreamData) Accept(h Handler) error        { return h.HandleStreamData(m) }
func (m RequestStreamData) Accept(h Handler) error { return h.HandleRequestStreamData(m) }
func (m CloseStream) Accept(h Handler) error       { return h.HandleCloseStream(m) }
func (m StreamFrame) Accept(h Handler) error       { return h.HandleStreamFrame(m) }
func (m Broadcast) Accept(h Handler) error         { return h.HandleBroadcast(m) }
func (m Text) Accept(h Handler) error              { return h.HandleText(m) }
func (m ErrorReply) Accept(h Handler) error        { return h.HandleErrorReply(m) }
func (m StreamNotFound) Accept(h Handler) error    { return h.HandleStreamNotFound(m) }
func (m Unknown) Accept(h Handler) error           { return h.HandleUnknown(m) }

func (RequestID) sealed()         {}
func (ServerClosing) sealed()     {}
func (ClientID) sealed()          {}
func (SendToClient) sealed()      {}
func (StreamData) sealed()        {}
func (RequestStreamData) sealed() {}
func (CloseStream) sealed()       {}
func (StreamFrame) sealed()       {}
func (Broadcast) sealed()         {}
func (Text) sealed()              {}
func (ErrorReply) sealed()        {}
func (StreamNotFound) sealed()    {}
func (Unknown) sealed()           {}

// Verify that every variant implements Message at compile time
var (
	_ Message = RequestID{}
	_ Message = ServerClosing{}
	_ Message = ClientID{}
	_ Message = SendToClient{}
	_ Message = StreamData{}
	_ Message = RequestStreamData{}
	_ Message = CloseStream{}
	_ Message = StreamFrame{}
	_ Message = Broadcast{}
	_ Message = Text{}
	_ Message = ErrorReply{}
	_ Message = StreamNotFound{}
	_ Message = Unknown{}
)
