package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/relayhub/pkg/envelope"
	"github.com/rmacdonaldsmith/relayhub/pkg/relayclient"
)

func newPublishCommand() *cobra.Command {
	var (
		frameType string
		frameFile string
	)

	cmd := &cobra.Command{
		Use:   "publish <stream> [json]",
		Short: "Set the current value of a stream",
		Long: `Publish a JSON value to a stream as --client-id. With --frame, the contents
of --file are published as an rgb image or a raw depth frame instead.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if frameType != "" {
				if len(args) != 1 || frameFile == "" {
					return fmt.Errorf("--frame takes a stream name and --file, not a JSON value")
				}
				return runPublishFrame(cmd, args[0], frameType, frameFile)
			}
			if len(args) != 2 {
				return fmt.Errorf("publish needs a stream name and a JSON value")
			}
			return runPublish(cmd, args[0], args[1])
		},
	}

	cmd.Flags().StringVar(&frameType, "frame", "", "Frame type: rgb or depth")
	cmd.Flags().StringVar(&frameFile, "file", "", "File holding the frame")

	return cmd
}

func newRequestCommand() *cobra.Command {
	var pretty bool

	cmd := &cobra.Command{
		Use:   "request <stream>",
		Short: "Read the current value of a stream",
		Long: `Ask the hub for a stream's current value. Hubs that do not report missing
streams never answer for unknown names, so the command gives up after --timeout.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRequest(cmd, args[0], pretty)
		},
	}

	cmd.Flags().BoolVar(&pretty, "pretty", false, "Pretty print the value")
	return cmd
}

func newCloseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "close <stream>",
		Short: "Delete a stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClose(cmd, args[0])
		},
	}
}

func runPublish(cmd *cobra.Command, stream, payload string) error {
	data, err := parsePayload(payload)
	if err != nil {
		return err
	}

	return withHub(cmd, func(ctx context.Context, c *relayclient.Client) error {
		if err := c.Publish(ctx, stream, data); err != nil {
			return fmt.Errorf("failed to publish: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✅ Published %d bytes to %s\n", len(data), stream)
		return nil
	})
}

func runPublishFrame(cmd *cobra.Command, stream, frameType, path string) error {
	if frameType != envelope.FrameRGB && frameType != envelope.FrameDepth {
		return fmt.Errorf("unknown frame type %q (want %s or %s)", frameType, envelope.FrameRGB, envelope.FrameDepth)
	}
	frame, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read frame: %w", err)
	}

	return withHub(cmd, func(ctx context.Context, c *relayclient.Client) error {
		if err := c.PublishFrame(ctx, stream, frameType, frame); err != nil {
			return fmt.Errorf("failed to publish frame: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✅ Published %s frame (%d bytes) to %s\n", frameType, len(frame), stream)
		return nil
	})
}

func runRequest(cmd *cobra.Command, stream string, pretty bool) error {
	return withHub(cmd, func(ctx context.Context, c *relayclient.Client) error {
		data, err := c.Request(ctx, stream)
		switch {
		case errors.Is(err, relayclient.ErrStreamNotFound):
			return fmt.Errorf("stream %s not found", stream)
		case errors.Is(err, context.DeadlineExceeded):
			return fmt.Errorf("no value for %s within %s", stream, timeout)
		case err != nil:
			return fmt.Errorf("failed to request %s: %w", stream, err)
		}
		printJSON(cmd, data, pretty)
		return nil
	})
}

func runClose(cmd *cobra.Command, stream string) error {
	return withHub(cmd, func(ctx context.Context, c *relayclient.Client) error {
		if err := c.CloseStream(ctx, stream); err != nil {
			return fmt.Errorf("failed to close stream: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✅ Closed %s\n", stream)
		return nil
	})
}

// withHub runs fn on a fresh hub session bounded by --timeout and closes it,
// flushing anything fn queued
func withHub(cmd *cobra.Command, fn func(ctx context.Context, c *relayclient.Client) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	c, err := connectHub(ctx)
	if err != nil {
		return err
	}

	err = fn(ctx, c)
	_ = c.Close()
	return err
}
