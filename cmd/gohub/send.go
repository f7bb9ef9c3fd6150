package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Tyrowin/gohub/internal/chat"
	"github.com/Tyrowin/gohub/internal/client"
)

func sendCmd() *cobra.Command {
	var (
		url     string
		origin  string
		timeout time.Duration
		noWait  bool
		follow  bool
	)

	cmd := &cobra.Command{
		Use:   "send METHOD [ARG...]",
		Short: "Invoke a hub method",
		Long: `Connect to a hub, invoke METHOD and print its result.

Each ARG that parses as JSON is sent as that JSON value; any other ARG
is sent as a string.

Examples:
  gohub send SendMessage alice hi
  gohub send MessageCount
  gohub send --follow JoinGroup ops`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			opts := []client.Option{client.WithOrigin(origin)}
			if follow {
				opts = append(opts,
					client.WithHandler(chat.ClientReceiveMessage, printInvocation(out, chat.ClientReceiveMessage)),
					client.WithHandler(chat.ClientUserJoined, printInvocation(out, chat.ClientUserJoined)))
			}

			dialCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			c, err := client.Dial(dialCtx, url, opts...)
			if err != nil {
				return err
			}
			defer c.Close()

			if err := invoke(ctx, c, out, timeout, noWait, args[0], parseArgs(args[1:])); err != nil {
				return err
			}
			if !follow {
				return nil
			}

			select {
			case <-ctx.Done():
				return nil
			case <-c.Done():
				return c.Err()
			}
		},
	}

	cmd.Flags().StringVarP(&url, "url", "u", "ws://localhost:8080/hub", "Hub WebSocket URL")
	cmd.Flags().StringVar(&origin, "origin", "http://localhost:8080", "Origin header sent with the upgrade")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 10*time.Second, "Timeout for the handshake and the invocation")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "Send without waiting for a result")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep the connection open and print chat messages")

	return cmd
}

func invoke(ctx context.Context, c *client.Client, out io.Writer, timeout time.Duration, noWait bool, method string, args []any) error {
	if noWait {
		return c.Send(method, args...)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := c.Invoke(ctx, method, args...)
	if err != nil {
		return err
	}
	if len(result) > 0 {
		fmt.Fprintln(out, string(result))
	}
	return nil
}

// parseArgs keeps JSON arguments as raw JSON and sends everything else as a
// string.
func parseArgs(raw []string) []any {
	args := make([]any, len(raw))
	for i, arg := range raw {
		if json.Valid([]byte(arg)) {
			args[i] = json.RawMessage(arg)
			continue
		}
		args[i] = arg
	}
	return args
}

func printInvocation(out io.Writer, method string) client.Handler {
	return func(args []json.RawMessage) {
		parts := make([]any, 0, len(args)+1)
		parts = append(parts, method)
		for _, arg := range args {
			parts = append(parts, string(arg))
		}
		fmt.Fprintln(out, parts...)
	}
}
