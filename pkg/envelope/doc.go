// Package envelope defines the wire protocol spoken between the relay hub and its clients.
//
// Every unit of exchange is one JSON object carrying a mandatory "command" field.
// The package provides:
//   - Command: the closed set of recognized commands
//   - Message: a sealed interface implemented by one struct per command
//   - Handler: one method per variant, so adding a command breaks every handler at compile time
//   - Codec: decode-once-at-the-boundary parsing with a size limit, and encoding back to JSON
//
// Example usage:
//
//	codec := envelope.Codec{MaxPayloadBytes: 10 << 20}
//
//	msg, err := codec.Decode(raw)
//	if err != nil {
//		return err // malformed, missing command or too large
//	}
//
//	switch m := msg.(type) {
//	case envelope.StreamData:
//		store.Publish(m.StreamName, m.Data, sender)
//	case envelope.RequestStreamData:
//		...
//	}
//
//	// Outbound envelopes are plain values too
//	out, err := codec.Encode(envelope.StreamData{StreamName: "pose", Data: payload})
//
// Handshake compatibility: the first generation of clients answer REQUEST_ID with
// {"client_id": "..."} and no command field. Decode maps such an object to ClientID.
package envelope
