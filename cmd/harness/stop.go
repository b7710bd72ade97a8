package main

import (
	"context"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/harness/internal/control"
)

type stopConfig struct {
	retries  uint64
	interval time.Duration
}

// NewStopCmd creates the stop subcommand.
func NewStopCmd() *cobra.Command {
	cfg := &stopConfig{}

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Ask the running harness to shut down",
		Long: `Send a shutdown request to the running harness through its control
socket. Plugins are stopped and deinitialized as on SIGTERM.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := control.NewClient(controlComponent)
			if err != nil {
				return err
			}
			return runStop(cmd, cfg, client)
		},
	}

	addRetryFlags(cmd, &cfg.retries, &cfg.interval)

	return cmd
}

func runStop(cmd *cobra.Command, cfg *stopConfig, client StatusClient) error {
	if err := checkRetryInterval(cfg.interval); err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var resp *control.ShutdownResponse
	err := withRetry(ctx, cfg.retries, cfg.interval, func(ctx context.Context) error {
		var err error
		resp, err = client.Shutdown(ctx)
		return err
	})
	if err != nil {
		return oops.Wrapf(err, "harness is not running")
	}
	cmd.Println(resp.Message)
	return nil
}
