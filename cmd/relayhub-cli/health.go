package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newHealthCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check hub health",
		Long:  "Check the health status of the relay hub",
		RunE:  runHealth,
	}

	return cmd
}

func runHealth(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Checking health of %s...\n", serverURL)

	health, err := operator.GetHealth(ctx)
	if err != nil {
		return err
	}

	if health.Healthy {
		fmt.Fprintf(out, "✅ Hub is healthy!\n")
	} else {
		fmt.Fprintf(out, "❌ Hub is not healthy!\n")
	}
	fmt.Fprintf(out, "Running: %t\n", health.Running)
	fmt.Fprintf(out, "Address: %s\n", health.Address)
	fmt.Fprintf(out, "Connected Clients: %d\n", health.ConnectedClients)
	fmt.Fprintf(out, "Pending Connections: %d\n", health.PendingConnections)
	fmt.Fprintf(out, "Streams: %d\n", health.Streams)
	fmt.Fprintf(out, "Uptime: %s\n", health.Uptime)

	return nil
}
