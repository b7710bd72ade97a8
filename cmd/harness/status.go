package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
	"github.com/spf13/cobra"

	"github.com/holomush/harness/internal/control"
)

const codeInvalidFlag = "CLI_INVALID_FLAG"

// statusConfig holds configuration for the status command.
type statusConfig struct {
	jsonOutput bool
	retries    uint64
	interval   time.Duration
}

// StatusClient wraps the control client methods used by status and stop.
type StatusClient interface {
	Status(ctx context.Context) (*control.StatusResponse, error)
	Shutdown(ctx context.Context) (*control.ShutdownResponse, error)
}

// NewStatusCmd creates the status subcommand.
func NewStatusCmd() *cobra.Command {
	cfg := &statusConfig{}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show status of the running harness",
		Long: `Show the health, lifecycle stage, plugin order and readiness of a
running harness by querying its control socket.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := control.NewClient(controlComponent)
			if err != nil {
				return err
			}
			return runStatus(cmd, cfg, client)
		},
	}

	cmd.Flags().BoolVar(&cfg.jsonOutput, "json", false, "output status as JSON")
	addRetryFlags(cmd, &cfg.retries, &cfg.interval)

	return cmd
}

func addRetryFlags(cmd *cobra.Command, retries *uint64, interval *time.Duration) {
	cmd.Flags().Uint64Var(retries, "retries", 3, "connection attempts after the first failure")
	cmd.Flags().DurationVar(interval, "retry-interval", 200*time.Millisecond, "base delay between attempts")
}

// withRetry calls fn until it succeeds, fails permanently or attempts run out.
// Only a missing socket or a refused connection is retried.
func withRetry(ctx context.Context, retries uint64, interval time.Duration, fn func(context.Context) error) error {
	backoff := retry.WithMaxRetries(retries, retry.NewExponential(interval))
	//nolint:wrapcheck // the callback's errors are already wrapped
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && retryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// checkRetryInterval rejects intervals the exponential backoff cannot use.
func checkRetryInterval(interval time.Duration) error {
	if interval <= 0 {
		return oops.Code(codeInvalidFlag).With("retry_interval", interval).
			Errorf("--retry-interval must be greater than 0, got %s", interval)
	}
	return nil
}

func retryable(err error) bool {
	return errors.Is(err, control.ErrSocketNotFound) || strings.Contains(err.Error(), "failed to connect")
}

func runStatus(cmd *cobra.Command, cfg *statusConfig, client StatusClient) error {
	if err := checkRetryInterval(cfg.interval); err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var status *control.StatusResponse
	err := withRetry(ctx, cfg.retries, cfg.interval, func(ctx context.Context) error {
		var err error
		status, err = client.Status(ctx)
		return err
	})
	if err != nil {
		return oops.Wrapf(err, "harness is not running")
	}

	if cfg.jsonOutput {
		data, err := json.MarshalIndent(status, "", "  ")
		if err != nil {
			return oops.Wrapf(err, "failed to format JSON")
		}
		cmd.Println(string(data))
		return nil
	}
	cmd.Print(formatStatusTable(status))
	return nil
}

// formatStatusTable formats the status as a human-readable table.
func formatStatusTable(status *control.StatusResponse) string {
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)

	_, _ = fmt.Fprintf(w, "PID\t%d\n", status.PID)
	_, _ = fmt.Fprintf(w, "UPTIME\t%s\n", formatUptime(status.UptimeSeconds))
	if l := status.Loader; l != nil {
		_, _ = fmt.Fprintf(w, "RUN\t%s\n", l.RunID)
		_, _ = fmt.Fprintf(w, "STAGE\t%s\n", l.Stage)
		_, _ = fmt.Fprintf(w, "READY\t%t\n", l.Ready)
		if len(l.PendingReady) > 0 {
			_, _ = fmt.Fprintf(w, "WAITING\t%s\n", strings.Join(l.PendingReady, ", "))
		}
		_, _ = fmt.Fprintf(w, "WORKERS\t%d running / %d spawned\n", l.Workers, l.WorkersSpawned)
		_, _ = fmt.Fprintf(w, "ORDER\t%s\n", joinOrDash(l.Order))
	}

	_ = w.Flush()
	return b.String()
}

// formatUptime formats seconds into a human-readable duration.
func formatUptime(seconds int64) string {
	if seconds < 60 {
		return fmt.Sprintf("%ds", seconds)
	}
	if seconds < 3600 {
		return fmt.Sprintf("%dm %ds", seconds/60, seconds%60)
	}
	hours := seconds / 3600
	minutes := (seconds % 3600) / 60
	return fmt.Sprintf("%dh %dm", hours, minutes)
}
