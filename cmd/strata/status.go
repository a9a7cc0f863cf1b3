package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/strataorch/strata/internal/ipc"
)

func newStatusCmd() *cobra.Command {
	var sockPath string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "query a running watch-mode scheduler's status over its RPC socket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStatusClient(cmd.Context(), sockPath, func(ctx context.Context, c *ipc.Client) error {
				s, err := c.Status(ctx)
				if err != nil {
					return err
				}
				return json.NewEncoder(os.Stdout).Encode(s.AsMap())
			})
		},
	}
	cmd.Flags().StringVar(&sockPath, "status-sock", "", "unix socket path the scheduler's status RPC is listening on")
	cmd.MarkFlagRequired("status-sock")
	return cmd
}

func newInterruptCmd() *cobra.Command {
	var sockPath string
	cmd := &cobra.Command{
		Use:   "interrupt",
		Short: "ask a running watch-mode scheduler to abort its current run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStatusClient(cmd.Context(), sockPath, func(ctx context.Context, c *ipc.Client) error {
				return c.Interrupt(ctx)
			})
		},
	}
	cmd.Flags().StringVar(&sockPath, "status-sock", "", "unix socket path the scheduler's status RPC is listening on")
	cmd.MarkFlagRequired("status-sock")
	return cmd
}

func withStatusClient(ctx context.Context, sockPath string, fn func(context.Context, *ipc.Client) error) error {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client, err := ipc.Dial(dialCtx, sockPath)
	if err != nil {
		return err
	}
	defer client.Close()

	return fn(ctx, client)
}
