package state

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/stacklok/frame-sync/internal/config"
)

// New opens the Store selected by the configured backend.
// Unknown backends fall back to SQLite.
func New(cfg *config.StateConfig) (Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0750); err != nil {
		return nil, storageErr("open", fmt.Errorf("failed to create state directory: %w", err))
	}

	switch cfg.Backend {
	case config.StateBackendBolt:
		store, err := NewBoltStore(cfg.Path)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		store, err := NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
}
