// Package streamstore defines the last-value stream store of the relay hub.
//
// A stream is a named slot holding the most recent payload published to it.
// There is no history: every publish overwrites the previous value, and a
// closed stream is indistinguishable from one that never existed.
//
// The package provides:
//   - Stream: a point-in-time copy of one stream
//   - Store: publish/get/close/list with per-name serialization
//   - Observer: notified when a name first appears and when it is closed
//
// Example usage:
//
//	created, err := store.Publish("pose", payload, "camera-1")
//	if err != nil {
//		return err
//	}
//
//	stream, err := store.Get("pose")
//	if errors.Is(err, streamstore.ErrNotFound) {
//		// never published, or closed since
//	}
package streamstore
