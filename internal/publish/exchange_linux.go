//go:build linux

package publish

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// ExchangePublisher swaps the staging and live directories with renameat2(RENAME_EXCHANGE)
type ExchangePublisher struct {
	ws   *Workspace
	live string
}

// NewExchangePublisher creates an exchange publisher for live
func NewExchangePublisher(ws *Workspace, live string) (*ExchangePublisher, error) {
	return &ExchangePublisher{ws: ws, live: filepath.Clean(live)}, nil
}

// Publish atomically exchanges stagingDir with the live directory and removes the old content
func (p *ExchangePublisher) Publish(ctx context.Context, stagingDir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := os.Stat(stagingDir); err != nil {
		return &PublishError{Op: "stat", Path: stagingDir, Err: err}
	}
	if err := os.MkdirAll(filepath.Dir(p.live), 0o755); err != nil {
		return &PublishError{Op: "mkdir", Path: filepath.Dir(p.live), Err: err}
	}

	if _, err := os.Lstat(p.live); errors.Is(err, fs.ErrNotExist) {
		if err := os.Rename(stagingDir, p.live); err != nil {
			return &PublishError{Op: "rename", Path: p.live, Err: err}
		}
		slog.Info("Published new photo set", "live", p.live)
		return nil
	}

	if err := unix.Renameat2(unix.AT_FDCWD, stagingDir, unix.AT_FDCWD, p.live, unix.RENAME_EXCHANGE); err != nil {
		return &PublishError{Op: "exchange", Path: p.live, Err: err}
	}
	slog.Info("Published new photo set", "live", p.live)

	// stagingDir now holds the superseded content
	if err := os.RemoveAll(stagingDir); err != nil {
		slog.Warn("Failed to remove superseded photo set", "path", stagingDir, "error", err)
	}
	return nil
}
