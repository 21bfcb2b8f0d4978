package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	fsapp "github.com/stacklok/frame-sync/internal/app"
	"github.com/stacklok/frame-sync/internal/telemetry"
)

const defaultGracefulTimeout = 30 * time.Second

func (c *cli) newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the viewer and sync on a schedule",
		Long: `Serve the published photos to the frame viewer and run syncs on the configured
schedule. POST /sync starts a run immediately.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.runServe(cmd.Context())
		},
	}

	cmd.Flags().String("address", "", "Address to listen on (overrides viewer.address)")
	if err := c.v.BindPFlag("address", cmd.Flags().Lookup("address")); err != nil {
		slog.Error("Error binding address flag", "error", err)
	}
	return cmd
}

func (c *cli) runServe(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}

	tel, err := telemetry.New(ctx, telemetry.WithTelemetryConfig(cfg.Telemetry))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("Failed to shut down telemetry", "error", err)
		}
	}()

	application, err := fsapp.NewFrameSyncApp(ctx,
		fsapp.WithConfig(cfg),
		fsapp.WithAddress(c.v.GetString("address")),
		fsapp.WithTelemetry(tel),
	)
	if err != nil {
		return fmt.Errorf("failed to build application: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- application.Start()
	}()

	select {
	case err := <-errCh:
		_ = application.Stop(defaultGracefulTimeout)
		return err
	case <-ctx.Done():
		slog.Info("Received shutdown signal")
	}

	return application.Stop(defaultGracefulTimeout)
}
