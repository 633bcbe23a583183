package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newLoginCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Get an operator token",
		Long: `Exchange the admin secret for an operator token that later commands
can pass with --token instead of the secret.`,
		RunE: runLogin,
	}

	return cmd
}

func runLogin(cmd *cobra.Command, args []string) error {
	if secret == "" {
		return fmt.Errorf("secret is required to log in")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Logging in to %s as %s...\n", serverURL, operatorName)

	resp, err := operator.Authenticate(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "✅ Login successful!\n")
	fmt.Fprintf(out, "Token: %s\n", resp.Token)
	fmt.Fprintf(out, "Expires: %s\n", resp.ExpiresAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(out, "\nSave it for later commands:\n")
	fmt.Fprintf(out, "  export RELAYHUB_TOKEN=\"%s\"\n", resp.Token)

	return nil
}
