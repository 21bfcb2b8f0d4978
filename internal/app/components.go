package app

import (
	"github.com/stacklok/frame-sync/internal/state"
	"github.com/stacklok/frame-sync/internal/status"
	pkgsync "github.com/stacklok/frame-sync/internal/sync"
	"github.com/stacklok/frame-sync/internal/sync/coordinator"
)

// Components groups everything a sync run and the viewer need
type Components struct {
	// Coordinator owns the schedule and the single "run now" entry point
	Coordinator coordinator.Coordinator

	// Manager performs individual runs
	Manager pkgsync.Manager

	// Store is the show-history and run-audit store
	Store state.Store

	// Status is the last-run status file
	Status status.StatusPersistence
}

// Close releases the state store
func (c *Components) Close() error {
	if c == nil || c.Store == nil {
		return nil
	}
	return c.Store.Close()
}
