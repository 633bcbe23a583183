package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/relayhub/pkg/httpclient"
)

func newEventsCommand() *cobra.Command {
	var (
		types      []string
		bufferSize int
		count      int
		pretty     bool
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Stream operator events in real-time",
		Long: `Stream hub activity using Server-Sent Events: clients joining and leaving,
streams registered and closed, and message envelopes sent to the operator.
Press Ctrl+C to stop streaming.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvents(cmd, httpclient.StreamConfig{
				Types:                types,
				BufferSize:           bufferSize,
				MaxReconnectAttempts: 0, // Infinite retries
			}, count, pretty)
		},
	}

	cmd.Flags().StringSliceVar(&types, "type", nil, "Only show these event types (repeatable)")
	cmd.Flags().IntVar(&bufferSize, "buffer-size", 100, "Event buffer size")
	cmd.Flags().IntVar(&count, "count", 0, "Exit after this many events (0 = until interrupted)")
	cmd.Flags().BoolVar(&pretty, "pretty", false, "Pretty print message data")

	return cmd
}

func runEvents(cmd *cobra.Command, config httpclient.StreamConfig, count int, pretty bool) error {
	// Handle Ctrl+C gracefully
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := requireOperator(ctx); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "🌊 Streaming events from %s", serverURL)
	if len(config.Types) > 0 {
		fmt.Fprintf(out, " (types: %v)", config.Types)
	}
	fmt.Fprintln(out, "...")

	streamClient, err := operator.Stream(ctx, config)
	if err != nil {
		return fmt.Errorf("failed to start streaming: %w", err)
	}
	defer streamClient.Close()

	errs := streamClient.Errors()
	eventCount := 0
	for count == 0 || eventCount < count {
		select {
		case <-ctx.Done():
			fmt.Fprintf(out, "\n✅ Stream stopped. Received %d events.\n", eventCount)
			return nil

		case event, ok := <-streamClient.Events():
			if !ok {
				fmt.Fprintf(out, "\n🔌 Event stream closed. Received %d events.\n", eventCount)
				return nil
			}
			eventCount++
			printEvent(cmd, event, pretty)

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			// Drops are retried by the stream client
			if !errors.Is(err, io.ErrUnexpectedEOF) {
				fmt.Fprintf(out, "❌ Stream error: %v\n", err)
			}

		case <-streamClient.Done():
			fmt.Fprintf(out, "\n🔌 Stream finished. Received %d events.\n", eventCount)
			return nil
		}
	}
	return nil
}

func printEvent(cmd *cobra.Command, event httpclient.Event, pretty bool) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "📨 %s %s", event.Timestamp.Format("15:04:05.000"), event.Type)
	if event.ClientID != "" {
		fmt.Fprintf(out, " client=%s", event.ClientID)
	}
	if event.RemoteAddr != "" {
		fmt.Fprintf(out, " remote=%s", event.RemoteAddr)
	}
	if event.Stream != "" {
		fmt.Fprintf(out, " stream=%s", event.Stream)
	}
	if event.Publisher != "" {
		fmt.Fprintf(out, " publisher=%s", event.Publisher)
	}
	fmt.Fprintln(out)
	if len(event.Data) > 0 {
		fmt.Fprintf(out, "   Data: ")
		printJSON(cmd, event.Data, pretty)
	}
}
