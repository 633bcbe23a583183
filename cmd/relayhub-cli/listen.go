package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/relayhub/pkg/envelope"
)

func newListenCommand() *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Print envelopes delivered to this client",
		Long: `Stay connected as --client-id and print every envelope the hub delivers:
direct sends, broadcasts and operator messages. Press Ctrl+C to stop.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runListen(cmd, count)
		},
	}

	cmd.Flags().IntVar(&count, "count", 0, "Exit after this many envelopes (0 = until interrupted)")
	return cmd
}

func runListen(cmd *cobra.Command, count int) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	c, err := connectHub(connectCtx)
	cancel()
	if err != nil {
		return err
	}
	defer c.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "👂 Listening on %s as %s\n", hubURL, clientID)

	received := 0
	for count == 0 || received < count {
		msg, err := c.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				fmt.Fprintf(out, "\n✅ Stopped. Received %d envelope(s).\n", received)
				return nil
			}
			if c.ServerClosing() {
				fmt.Fprintf(out, "\n🔌 Hub shut down. Received %d envelope(s).\n", received)
				return nil
			}
			return fmt.Errorf("connection lost: %w", err)
		}

		received++
		raw, err := envelope.Encode(msg)
		if err != nil {
			raw = []byte(msg.Command())
		}
		fmt.Fprintf(out, "📨 %s %s %s\n", time.Now().Format("15:04:05.000"), msg.Command(), raw)
	}
	return nil
}
