package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newClientsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clients",
		Short: "Inspect and manage connected clients",
		Long:  "Operator commands for the clients identified with the hub",
		RunE:  runClientsList,
	}

	cmd.AddCommand(newClientsListCommand())
	cmd.AddCommand(newClientsDisconnectCommand())
	cmd.AddCommand(newClientsMessageCommand())

	return cmd
}

func newClientsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all connected clients",
		Args:  cobra.NoArgs,
		RunE:  runClientsList,
	}
}

func newClientsDisconnectCommand() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "disconnect <client-id>",
		Short: "Close a client's connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClientsDisconnect(cmd, args[0], reason)
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Reason sent to the client and logged by the hub")
	return cmd
}

func newClientsMessageCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "message <client-id> <json>",
		Short: "Send an operator message to one client",
		Long: `Send {"command":"message","data":<json>} to one client. The hub answers
404 when the client is not connected.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClientsMessage(cmd, args[0], args[1])
		},
	}
}

func runClientsList(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	if err := requireOperator(ctx); err != nil {
		return err
	}

	response, err := operator.ListClients(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(response.Clients) == 0 {
		fmt.Fprintln(out, "No clients currently connected")
		return nil
	}

	fmt.Fprintf(out, "Found %d connected client(s):\n\n", len(response.Clients))
	for i, info := range response.Clients {
		fmt.Fprintf(out, "%d. Client ID: %s\n", i+1, info.Identity)
		fmt.Fprintf(out, "   Connection: %s\n", info.ConnID)
		fmt.Fprintf(out, "   Remote Address: %s\n", info.RemoteAddr)
		fmt.Fprintf(out, "   Connected At: %s\n", info.ConnectedAt.Format("2006-01-02 15:04:05"))
		if i < len(response.Clients)-1 {
			fmt.Fprintln(out)
		}
	}

	return nil
}

func runClientsDisconnect(cmd *cobra.Command, id, reason string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	if err := requireOperator(ctx); err != nil {
		return err
	}

	if err := operator.DisconnectClient(ctx, id, reason); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✅ Disconnected %s\n", id)
	return nil
}

func runClientsMessage(cmd *cobra.Command, id, payload string) error {
	data, err := parsePayload(payload)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	if err := requireOperator(ctx); err != nil {
		return err
	}

	if err := operator.SendMessage(ctx, id, data); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✅ Message queued for %s\n", id)
	return nil
}
