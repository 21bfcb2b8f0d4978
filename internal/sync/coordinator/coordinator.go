package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stacklok/frame-sync/internal/config"
	"github.com/stacklok/frame-sync/internal/status"
	pkgsync "github.com/stacklok/frame-sync/internal/sync"
	"github.com/stacklok/frame-sync/internal/telemetry"
)

// maxJitter bounds the random offset applied to each interval
const maxJitter = 30 * time.Second

// Coordinator manages background sync scheduling and on-demand runs
type Coordinator interface {
	// Start runs the background schedule. It blocks until ctx is cancelled or Stop is called.
	Start(ctx context.Context) error

	// Stop gracefully stops the background schedule
	Stop() error

	// RunNow performs a run immediately, or returns sync.ErrRunInProgress when one is active
	RunNow(ctx context.Context) (*pkgsync.Result, error)

	// RunAsync starts a run in the background, or returns sync.ErrRunInProgress when one is active
	RunAsync(ctx context.Context) error

	// Running reports whether this process is currently performing a run
	Running() bool
}

// defaultCoordinator is the default implementation of Coordinator
type defaultCoordinator struct {
	manager pkgsync.Manager
	config  *config.Config

	// Lifecycle management. mu guards cancelFunc and stopped.
	mu         sync.Mutex
	cancelFunc context.CancelFunc
	stopped    bool
	done       chan struct{}
	scheduled  atomic.Bool

	running           atomic.Bool
	statusPersistence status.StatusPersistence

	syncMetrics *telemetry.SyncMetrics
}

// Option is a function that configures the coordinator
type Option func(*defaultCoordinator)

// WithSyncMetrics sets the sync metrics for the coordinator
func WithSyncMetrics(metrics *telemetry.SyncMetrics) Option {
	return func(c *defaultCoordinator) {
		c.syncMetrics = metrics
	}
}

// New creates a new coordinator with injected dependencies
func New(
	manager pkgsync.Manager,
	statusPersistence status.StatusPersistence,
	cfg *config.Config,
	opts ...Option,
) Coordinator {
	c := &defaultCoordinator{
		manager:           manager,
		statusPersistence: statusPersistence,
		config:            cfg,
		done:              make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// calculateInterval returns base with a random jitter of up to a tenth of base, capped at maxJitter
func calculateInterval(base time.Duration) time.Duration {
	jitter := min(base/10, maxJitter)
	if jitter <= 0 {
		return base
	}
	//nolint:gosec // G404: Non-cryptographic randomness is sufficient for scheduling jitter
	offset := time.Duration(rand.Int64N(int64(2*jitter))) - jitter
	return base + offset
}

// Start begins the background schedule
func (c *defaultCoordinator) Start(ctx context.Context) error {
	interval := c.config.Schedule.GetInterval()
	slog.Info("Starting background sync coordinator",
		"interval", interval,
		"run_on_start", c.config.Schedule.RunOnStart)

	coordCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer func() {
		close(c.done)
		slog.Info("Background sync coordinator shutting down")
	}()

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.cancelFunc = cancel
	c.mu.Unlock()
	c.scheduled.Store(true)

	ticker := time.NewTicker(calculateInterval(interval))
	defer ticker.Stop()

	if c.config.Schedule.RunOnStart {
		c.scheduledRun(coordCtx)
	}

	for {
		select {
		case <-ticker.C:
			c.scheduledRun(coordCtx)

			// New jitter for the next iteration
			ticker.Reset(calculateInterval(interval))
		case <-coordCtx.Done():
			slog.Info("Sync coordinator stopping")
			return nil
		}
	}
}

// Stop gracefully stops the coordinator. A Start that has not begun yet returns at once.
func (c *defaultCoordinator) Stop() error {
	c.mu.Lock()
	c.stopped = true
	cancel := c.cancelFunc
	c.mu.Unlock()

	if cancel != nil {
		slog.Info("Stopping sync coordinator")
		cancel()
		// Wait for coordinator to finish
		<-c.done
	}
	return nil
}

// Running reports whether a run is active in this process
func (c *defaultCoordinator) Running() bool {
	return c.running.Load()
}

func (c *defaultCoordinator) scheduledRun(ctx context.Context) {
	if _, err := c.RunNow(ctx); errors.Is(err, pkgsync.ErrRunInProgress) {
		slog.Info("Skipping scheduled sync, a run is already in progress")
	}
}

// RunNow performs a run unless one is already active
func (c *defaultCoordinator) RunNow(ctx context.Context) (*pkgsync.Result, error) {
	if !c.running.CompareAndSwap(false, true) {
		return nil, pkgsync.ErrRunInProgress
	}
	defer c.running.Store(false)

	result, syncErr := c.performSync(ctx)
	if syncErr != nil {
		return nil, syncErr
	}
	return result, nil
}

// RunAsync claims the run slot synchronously and performs the run in a goroutine
func (c *defaultCoordinator) RunAsync(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return pkgsync.ErrRunInProgress
	}

	go func() {
		defer c.running.Store(false)
		if _, syncErr := c.performSync(ctx); syncErr != nil {
			slog.Warn("Background sync failed", "error", syncErr)
		}
	}()
	return nil
}

// performSync executes the run and keeps the persisted status in step with it
func (c *defaultCoordinator) performSync(ctx context.Context) (*pkgsync.Result, *pkgsync.Error) {
	syncStatus, err := c.statusPersistence.LoadStatus(ctx)
	if err != nil {
		slog.Warn("Failed to load sync status, starting fresh", "error", err)
		syncStatus = &status.SyncStatus{}
	}

	// Set up the final status update in a defer block so that a run killed by an
	// unexpected error still leaves a Failed status behind.
	contended := false
	finalStatus := *syncStatus
	finalStatus.Phase = status.SyncPhaseFailed
	finalStatus.Message = "Unexpected failure while syncing"
	defer func() {
		if contended {
			return
		}
		if err := c.statusPersistence.SaveStatus(context.WithoutCancel(ctx), &finalStatus); err != nil {
			slog.Error("Error updating sync status", "error", err)
		}
	}()

	startTime := time.Now()
	syncStatus.Phase = status.SyncPhaseSyncing
	syncStatus.Message = "Sync in progress"
	syncStatus.LastAttempt = &startTime
	syncStatus.AttemptCount++
	syncStatus.SyncSchedule = ""
	if c.scheduled.Load() {
		syncStatus.SyncSchedule = c.config.Schedule.Interval
	}
	if err := c.statusPersistence.SaveStatus(ctx, syncStatus); err != nil {
		slog.Warn("Failed to persist syncing status", "error", err)
	}
	finalStatus = *syncStatus
	finalStatus.Phase = status.SyncPhaseFailed

	slog.Info("Starting sync operation", "attempt", syncStatus.AttemptCount)

	result, syncErr := c.manager.PerformSync(ctx)
	syncDuration := time.Since(startTime)

	if syncErr != nil {
		if errors.Is(syncErr, pkgsync.ErrRunInProgress) {
			// The lock holder owns the status file
			contended = true
			return nil, syncErr
		}
		finalStatus.Message = syncErr.Message
		finalStatus.FailureStage = string(syncErr.Stage)
		c.syncMetrics.RecordSyncDuration(ctx, syncDuration, false, string(syncErr.Stage))
		return nil, syncErr
	}

	now := time.Now()
	finalStatus.Phase = status.SyncPhaseComplete
	finalStatus.Message = fmt.Sprintf("Published %d of %d selected photos", result.Downloaded, result.Selected)
	finalStatus.RunID = result.RunID
	finalStatus.FailureStage = ""
	finalStatus.LastSyncTime = &now
	finalStatus.Period = result.Period
	finalStatus.PhotoCount = result.Downloaded
	finalStatus.AttemptCount = 0
	c.syncMetrics.RecordSyncDuration(ctx, syncDuration, true, "")

	slog.Info("Sync completed successfully",
		"run_id", result.RunID,
		"published", result.Downloaded,
		"duration", syncDuration)
	return result, nil
}
