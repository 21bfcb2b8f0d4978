package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	fsapp "github.com/stacklok/frame-sync/internal/app"
	"github.com/stacklok/frame-sync/internal/config"
	pkgsync "github.com/stacklok/frame-sync/internal/sync"
	"github.com/stacklok/frame-sync/internal/telemetry"
)

func (c *cli) newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync now",
		Long: `Run one sync now: enumerate the share, select photos, download them into staging
and publish the new set.

Exits 1 when the run fails and 2 when another run holds the lock.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := c.loadConfig()
			if err != nil {
				return &ExitError{Code: ExitFailure, Err: err}
			}
			return runSync(ctx, cmd, cfg)
		},
	}
}

func runSync(ctx context.Context, cmd *cobra.Command, cfg *config.Config, opts ...fsapp.Option) error {
	tel, err := telemetry.New(ctx, telemetry.WithTelemetryConfig(cfg.Telemetry))
	if err != nil {
		return &ExitError{Code: ExitFailure, Err: fmt.Errorf("failed to initialize telemetry: %w", err)}
	}
	defer func() {
		if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("Failed to shut down telemetry", "error", err)
		}
	}()

	opts = append([]fsapp.Option{fsapp.WithConfig(cfg), fsapp.WithTelemetry(tel)}, opts...)
	components, err := fsapp.BuildComponents(ctx, opts...)
	if err != nil {
		return &ExitError{Code: ExitFailure, Err: err}
	}
	defer func() {
		if err := components.Close(); err != nil {
			slog.Warn("Failed to close state store", "error", err)
		}
	}()

	result, err := components.Coordinator.RunNow(ctx)
	if errors.Is(err, pkgsync.ErrRunInProgress) {
		return &ExitError{Code: ExitRunPending, Err: errors.New("another sync run is in progress")}
	}
	if err != nil {
		return &ExitError{Code: ExitFailure, Err: err}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Published %d of %d selected photos (%d in catalog) for %s\n",
		result.Downloaded, result.Selected, result.Fetched, result.Period)
	if result.Failed > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "%d photos could not be downloaded\n", result.Failed)
	}
	return nil
}
