// Package hub defines the public contract of the relay hub: a single websocket
// endpoint that identifies clients, routes point-to-point and broadcast envelopes
// between them, and keeps the latest value of every named stream.
//
// The package provides:
//   - Hub: lifecycle (Start/Stop/Close) plus the operator and in-process producer API
//   - Observer: the four notification points of the operator view
//   - ClientInfo and HealthStatus: read models for the operator view
//
// Example usage:
//
//	h, err := hub.New(config, logger) // internal/hub
//	if err != nil {
//		return err
//	}
//	if err := h.Start(ctx); err != nil {
//		return err
//	}
//	defer h.Close()
//
//	// A sensor pipeline in the same process publishes without a socket
//	_ = h.Publish("pose", payload, "vision")
//
//	// Graceful shutdown: SERVER_CLOSING to every client, then disconnect
//	_ = h.Stop(shutdownCtx)
package hub
