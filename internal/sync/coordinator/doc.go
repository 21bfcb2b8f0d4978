// Package coordinator schedules sync runs and provides the single "run now" trigger.
//
// It sits on top of sync.Manager and handles:
//
//   - Background runs on a time.Ticker at the configured interval, with jitter
//   - An optional run on startup
//   - Status persistence around every run
//   - Graceful shutdown
//
// # Run now
//
// RunNow is idempotent with respect to concurrent callers: while a run is active,
// further calls return sync.ErrRunInProgress immediately instead of queueing.
// The in-process guard is backed by the manager's file lock, so a second
// frame-sync process is rejected the same way.
//
// # Usage Example
//
//	coord := coordinator.New(manager, status.NewFileStatusPersistence(cfg.StatusPath()), cfg)
//
//	go func() {
//	    if err := coord.Start(ctx); err != nil {
//	        slog.Error("Coordinator failed", "error", err)
//	    }
//	}()
//	defer coord.Stop()
package coordinator
