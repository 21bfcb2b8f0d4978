// Package publish makes a fully staged photo set visible to the viewer in one atomic step.
//
// A run downloads into a private staging directory created by Workspace. Publish then
// substitutes that directory for the live path so readers observe either the previous
// set or the new one, never a mixture. The live path is written by nothing else.
package publish

import (
	"context"
	"fmt"
	"runtime"

	"github.com/stacklok/frame-sync/internal/config"
)

//go:generate mockgen -destination=mocks/mock_publisher.go -package=mocks github.com/stacklok/frame-sync/internal/publish Publisher

// Publisher substitutes a staged directory for the live directory
type Publisher interface {
	// Publish consumes stagingDir. On error the previous live content is left in place.
	Publish(ctx context.Context, stagingDir string) error
}

// PublishError reports a failed substitution
type PublishError struct {
	Op   string
	Path string
	Err  error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// New creates the Publisher for the configured strategy
func New(cfg *config.Config, ws *Workspace) (Publisher, error) {
	switch cfg.Publish.Strategy {
	case config.PublishStrategySymlink, "":
		return NewSymlinkPublisher(ws, cfg.Paths.LiveDir, cfg.Publish.KeepVersions), nil
	case config.PublishStrategyExchange:
		p, err := NewExchangePublisher(ws, cfg.Paths.LiveDir)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unsupported publish strategy %q on %s", cfg.Publish.Strategy, runtime.GOOS)
	}
}
