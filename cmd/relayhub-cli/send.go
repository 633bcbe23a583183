package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/relayhub/pkg/relayclient"
)

func newSendCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "send <target-id> <json-object>",
		Short: "Send an envelope to another client",
		Long: `Forward a send_to_client envelope through the hub. The JSON object's
fields travel next to command and target_id, e.g.

  relayhub-cli --client-id ui send robot1 '{"action":"stop"}'`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd, args[0], args[1])
		},
	}
}

func newBroadcastCommand() *cobra.Command {
	var toOperator bool

	cmd := &cobra.Command{
		Use:   "broadcast <json>",
		Short: "Send a value to every other client",
		Long: `Broadcast a JSON value to every other identified client. With --operator the
value goes to the hub operator as a message envelope instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBroadcast(cmd, args[0], toOperator)
		},
	}

	cmd.Flags().BoolVar(&toOperator, "operator", false, "Send to the hub operator instead of the clients")
	return cmd
}

func runSend(cmd *cobra.Command, target, payload string) error {
	var fields map[string]any
	if err := json.Unmarshal([]byte(payload), &fields); err != nil {
		return fmt.Errorf("invalid JSON payload: fields must be a JSON object: %w", err)
	}

	return withHub(cmd, func(ctx context.Context, c *relayclient.Client) error {
		if err := c.SendTo(ctx, target, fields); err != nil {
			return fmt.Errorf("failed to send: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✅ Sent to %s\n", target)
		return nil
	})
}

func runBroadcast(cmd *cobra.Command, payload string, toOperator bool) error {
	data, err := parsePayload(payload)
	if err != nil {
		return err
	}

	return withHub(cmd, func(ctx context.Context, c *relayclient.Client) error {
		if toOperator {
			if err := c.Message(ctx, data); err != nil {
				return fmt.Errorf("failed to message operator: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "✅ Message sent to operator")
			return nil
		}
		if err := c.Broadcast(ctx, data); err != nil {
			return fmt.Errorf("failed to broadcast: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "✅ Broadcast sent")
		return nil
	})
}
