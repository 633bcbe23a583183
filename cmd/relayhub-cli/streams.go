package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newStreamsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "streams",
		Short: "Inspect and manage streams",
		Long:  `Operator commands for the last-value stream store.`,
		RunE:  runStreamsList,
	}

	cmd.AddCommand(newStreamsListCommand())
	cmd.AddCommand(newStreamsGetCommand())
	cmd.AddCommand(newStreamsSetCommand())
	cmd.AddCommand(newStreamsDeleteCommand())

	return cmd
}

func newStreamsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List streams holding a value",
		Args:  cobra.NoArgs,
		RunE:  runStreamsList,
	}
}

func newStreamsGetCommand() *cobra.Command {
	var pretty bool

	cmd := &cobra.Command{
		Use:   "get <name>",
		Short: "Show a stream's metadata and current value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStreamsGet(cmd, args[0], pretty)
		},
	}

	cmd.Flags().BoolVar(&pretty, "pretty", false, "Pretty print the value")
	return cmd
}

func newStreamsSetCommand() *cobra.Command {
	var publisher string

	cmd := &cobra.Command{
		Use:   "set <name> <json>",
		Short: "Replace a stream's value as the operator",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStreamsSet(cmd, args[0], args[1], publisher)
		},
	}

	cmd.Flags().StringVar(&publisher, "publisher", "", "Publisher recorded on the stream (defaults to the operator)")
	return cmd
}

func newStreamsDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "delete <name>",
		Aliases: []string{"close"},
		Short:   "Drop a stream",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStreamsDelete(cmd, args[0])
		},
	}
}

func runStreamsList(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	if err := requireOperator(ctx); err != nil {
		return err
	}

	response, err := operator.ListStreams(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(response.Streams) == 0 {
		fmt.Fprintln(out, "📭 No streams")
		return nil
	}

	fmt.Fprintf(out, "Found %d stream(s):\n\n", len(response.Streams))
	for _, s := range response.Streams {
		fmt.Fprintf(out, "%-24s %8d bytes  %6d updates  by %s at %s\n",
			s.Name, s.Size, s.Updates, s.Publisher, s.UpdatedAt.Format("15:04:05.000"))
	}
	return nil
}

func runStreamsGet(cmd *cobra.Command, name string, pretty bool) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	if err := requireOperator(ctx); err != nil {
		return err
	}

	stream, err := operator.GetStream(ctx, name)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "📊 Stream %s\n", stream.Name)
	fmt.Fprintf(out, "   Publisher: %s\n", stream.Publisher)
	fmt.Fprintf(out, "   Created: %s\n", stream.CreatedAt.Format("2006-01-02 15:04:05.000"))
	fmt.Fprintf(out, "   Updated: %s\n", stream.UpdatedAt.Format("2006-01-02 15:04:05.000"))
	fmt.Fprintf(out, "   Updates: %d\n", stream.Updates)
	fmt.Fprintf(out, "   Value: ")
	printJSON(cmd, stream.Payload, pretty)
	return nil
}

func runStreamsSet(cmd *cobra.Command, name, payload, publisher string) error {
	data, err := parsePayload(payload)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	if err := requireOperator(ctx); err != nil {
		return err
	}

	stream, err := operator.PublishStream(ctx, name, data, publisher)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✅ Stream %s updated (%d updates, publisher %s)\n", stream.Name, stream.Updates, stream.Publisher)
	return nil
}

func runStreamsDelete(cmd *cobra.Command, name string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	if err := requireOperator(ctx); err != nil {
		return err
	}

	if err := operator.CloseStream(ctx, name); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✅ Stream %s closed\n", name)
	return nil
}
