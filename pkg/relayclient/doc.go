// Package relayclient is the Go client for a relay hub.
//
// A Client dials the hub, answers the REQUEST_ID prompt with its identity and
// then offers one method per client command:
//
//	c, err := relayclient.Connect(ctx, relayclient.Config{
//		URL:      "ws://127.0.0.1:8080/",
//		ClientID: "cam1",
//	})
//	if err != nil {
//		return err
//	}
//	defer c.Close()
//
//	_ = c.Publish(ctx, "pose", map[string]float64{"x": 1, "y": 2, "z": 3})
//	pose, err := c.Request(ctx, "pose")
//
// Envelopes the hub pushes without being asked (forwarded send_to_client
// envelopes, broadcasts, operator messages, SERVER_CLOSING) are delivered in
// arrival order through Receive or Messages.
package relayclient
