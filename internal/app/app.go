// Package app wires configuration, state, the sync engine and the viewer into a runnable application.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/stacklok/frame-sync/internal/config"
)

// FrameSyncApp runs the background schedule and the viewer HTTP server
type FrameSyncApp struct {
	config     *config.Config
	components *Components
	httpServer *http.Server

	// Lifecycle management
	ctx        context.Context
	cancelFunc context.CancelFunc
}

// Start starts the coordinator in the background and serves HTTP until the server stops
func (app *FrameSyncApp) Start() error {
	go func() {
		if err := app.components.Coordinator.Start(app.ctx); err != nil {
			slog.Error("Sync coordinator failed", "error", err)
		}
	}()

	slog.Info("Viewer listening", "address", app.httpServer.Addr)
	if err := app.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server failed: %w", err)
	}

	return nil
}

// Serve is Start on an existing listener
func (app *FrameSyncApp) Serve(l net.Listener) error {
	go func() {
		if err := app.components.Coordinator.Start(app.ctx); err != nil {
			slog.Error("Sync coordinator failed", "error", err)
		}
	}()

	if err := app.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server failed: %w", err)
	}
	return nil
}

// Stop stops the coordinator, waits for in-flight requests up to timeout and closes the store.
// A run in progress is cancelled; its staging directory is removed by the next run.
func (app *FrameSyncApp) Stop(timeout time.Duration) error {
	slog.Info("Shutting down")

	if err := app.components.Coordinator.Stop(); err != nil {
		slog.Error("Failed to stop sync coordinator", "error", err)
	}

	if app.cancelFunc != nil {
		app.cancelFunc()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if err := app.httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("server forced to shutdown: %w", err))
	}

	// A run started by POST /sync records its failure after cancellation
	for app.components.Coordinator.Running() && shutdownCtx.Err() == nil {
		time.Sleep(50 * time.Millisecond)
	}
	if err := app.components.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close state store: %w", err))
	}

	slog.Info("Shutdown complete")
	return errors.Join(errs...)
}

// GetConfig returns the application configuration
func (app *FrameSyncApp) GetConfig() *config.Config {
	return app.config
}

// GetHTTPServer returns the HTTP server
func (app *FrameSyncApp) GetHTTPServer() *http.Server {
	return app.httpServer
}

// Components returns the wired components
func (app *FrameSyncApp) Components() *Components {
	return app.components
}
