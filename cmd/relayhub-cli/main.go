package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/relayhub/pkg/httpclient"
	"github.com/rmacdonaldsmith/relayhub/pkg/relayclient"
)

var (
	// Global flags
	serverURL    string
	hubURL       string
	clientID     string
	operatorName string
	secret       string
	token        string
	timeout      time.Duration

	// Operator API client, set by initializeClient
	operator *httpclient.Client
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "relayhub-cli",
		Short: "RelayHub command line interface",
		Long: `relayhub-cli talks to a relay hub two ways: as a websocket client
(publish, request, send, broadcast, listen) and as an operator through the
HTTP API (health, clients, streams, events).`,
		PersistentPreRunE: initializeClient,
		SilenceUsage:      true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&serverURL, "server", envOr("RELAYHUB_SERVER", "http://localhost:8081"), "Operator API URL")
	pf.StringVar(&hubURL, "hub", envOr("RELAYHUB_HUB", "ws://localhost:8080/"), "Hub websocket URL")
	pf.StringVar(&clientID, "client-id", envOr("RELAYHUB_CLIENT_ID", ""), "Identity announced to the hub by client commands")
	pf.StringVar(&operatorName, "operator", "relayhub-cli", "Operator name used when logging in")
	pf.StringVar(&secret, "secret", os.Getenv("RELAYHUB_SECRET"), "Admin secret (hubs without auth need none)")
	pf.StringVar(&token, "token", os.Getenv("RELAYHUB_TOKEN"), "Operator token from 'login'")
	pf.DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")

	// Operator commands
	rootCmd.AddCommand(newLoginCommand())
	rootCmd.AddCommand(newHealthCommand())
	rootCmd.AddCommand(newClientsCommand())
	rootCmd.AddCommand(newStreamsCommand())
	rootCmd.AddCommand(newEventsCommand())

	// Hub client commands
	rootCmd.AddCommand(newPublishCommand())
	rootCmd.AddCommand(newRequestCommand())
	rootCmd.AddCommand(newCloseCommand())
	rootCmd.AddCommand(newSendCommand())
	rootCmd.AddCommand(newBroadcastCommand())
	rootCmd.AddCommand(newListenCommand())

	return rootCmd
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

// initializeClient sets up the operator API client with global configuration
func initializeClient(cmd *cobra.Command, args []string) error {
	// Skip client initialization for help commands
	if cmd.Name() == "help" || cmd.Parent() == nil {
		return nil
	}

	var err error
	operator, err = httpclient.NewClient(httpclient.Config{
		ServerURL: serverURL,
		Operator:  operatorName,
		Secret:    secret,
		Timeout:   timeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	if token != "" {
		operator.SetToken(token)
	}
	return nil
}

// requireOperator logs in when a secret is set and no token was given
func requireOperator(ctx context.Context) error {
	if operator == nil {
		return fmt.Errorf("client not initialized")
	}
	return operator.EnsureAuthenticated(ctx)
}

// connectHub opens a websocket session as --client-id
func connectHub(ctx context.Context) (*relayclient.Client, error) {
	if clientID == "" {
		return nil, fmt.Errorf("client-id is required for hub commands")
	}
	c, err := relayclient.Connect(ctx, relayclient.Config{URL: hubURL, ClientID: clientID})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", hubURL, err)
	}
	return c, nil
}

// parsePayload validates a JSON argument
func parsePayload(s string) (json.RawMessage, error) {
	if !json.Valid([]byte(s)) {
		return nil, fmt.Errorf("invalid JSON payload: %q", s)
	}
	return json.RawMessage(s), nil
}

// printJSON writes data indented when pretty is set
func printJSON(cmd *cobra.Command, data []byte, pretty bool) {
	out := cmd.OutOrStdout()
	if pretty {
		var v any
		if err := json.Unmarshal(data, &v); err == nil {
			if b, err := json.MarshalIndent(v, "", "  "); err == nil {
				fmt.Fprintln(out, string(b))
				return
			}
		}
	}
	fmt.Fprintln(out, string(data))
}
