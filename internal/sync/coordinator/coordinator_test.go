package coordinator

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/frame-sync/internal/config"
	"github.com/stacklok/frame-sync/internal/status"
	statusmocks "github.com/stacklok/frame-sync/internal/status/mocks"
	"github.com/stacklok/frame-sync/internal/sync"
	syncmocks "github.com/stacklok/frame-sync/internal/sync/mocks"
)

func testConfig() *config.Config {
	return &config.Config{
		Schedule: config.ScheduleConfig{Interval: "168h"},
	}
}

func TestCalculateInterval(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		base time.Duration
		min  time.Duration
		max  time.Duration
	}{
		{name: "long interval is capped at 30s jitter", base: 168 * time.Hour, min: 168*time.Hour - maxJitter, max: 168*time.Hour + maxJitter},
		{name: "short interval uses a tenth", base: 10 * time.Second, min: 9 * time.Second, max: 11 * time.Second},
		{name: "zero interval", base: 0, min: 0, max: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			for range 100 {
				got := calculateInterval(tt.base)
				assert.GreaterOrEqual(t, got, tt.min)
				assert.LessOrEqual(t, got, tt.max)
			}
		})
	}
}

func TestCoordinator_Stop_BeforeStart(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	coordinator := New(syncmocks.NewMockManager(ctrl), statusmocks.NewMockStatusPersistence(ctrl), testConfig())

	// Stop should not panic if called before Start
	assert.NoError(t, coordinator.Stop())

	// A later Start returns without scheduling anything
	startErr := make(chan error, 1)
	go func() {
		startErr <- coordinator.Start(context.Background())
	}()
	select {
	case err := <-startErr:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start after Stop did not return")
	}
}

func TestCoordinator_ConcurrentStartAndStop(t *testing.T) {
	t.Parallel()

	for range 20 {
		ctrl := gomock.NewController(t)
		coord := New(syncmocks.NewMockManager(ctrl), statusmocks.NewMockStatusPersistence(ctrl), testConfig())

		startErr := make(chan error, 1)
		go func() {
			startErr <- coord.Start(context.Background())
		}()
		stopErr := make(chan error, 1)
		go func() {
			stopErr <- coord.Stop()
		}()

		require.NoError(t, <-stopErr)
		// Stop may land before or after Start, either way Start must return
		select {
		case err := <-startErr:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("Start did not return after Stop")
		}
	}
}

func TestRunNow_Success(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	mockManager := syncmocks.NewMockManager(ctrl)
	persistence := status.NewFileStatusPersistence(filepath.Join(t.TempDir(), "status.json"))

	require.NoError(t, persistence.SaveStatus(context.Background(), &status.SyncStatus{
		Phase:        status.SyncPhaseFailed,
		AttemptCount: 2,
		FailureStage: "auth",
	}))

	mockManager.EXPECT().PerformSync(gomock.Any()).
		DoAndReturn(func(ctx context.Context) (*sync.Result, *sync.Error) {
			current, err := persistence.LoadStatus(ctx)
			require.NoError(t, err)
			assert.Equal(t, status.SyncPhaseSyncing, current.Phase)
			assert.Equal(t, 3, current.AttemptCount)
			return &sync.Result{RunID: "r1", Period: "2026-W42", Selected: 50, Downloaded: 48}, nil
		})

	coord := New(mockManager, persistence, testConfig())
	result, err := coord.RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "r1", result.RunID)
	assert.False(t, coord.Running())

	final, err := persistence.LoadStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, status.SyncPhaseComplete, final.Phase)
	assert.Equal(t, "r1", final.RunID)
	assert.Equal(t, 48, final.PhotoCount)
	assert.Equal(t, "2026-W42", final.Period)
	assert.Zero(t, final.AttemptCount)
	assert.Empty(t, final.FailureStage)
	assert.Empty(t, final.SyncSchedule, "one-shot runs carry no schedule")
	require.NotNil(t, final.LastSyncTime)
}

func TestRunNow_Failure(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	mockManager := syncmocks.NewMockManager(ctrl)
	persistence := status.NewFileStatusPersistence(filepath.Join(t.TempDir(), "status.json"))

	syncErr := &sync.Error{Stage: sync.StageEnumerate, Message: "sync failed at enumerate: boom", Retryable: true}
	mockManager.EXPECT().PerformSync(gomock.Any()).Return(nil, syncErr)

	_, err := New(mockManager, persistence, testConfig()).RunNow(context.Background())
	require.Error(t, err)
	var got *sync.Error
	require.ErrorAs(t, err, &got)
	assert.Equal(t, sync.StageEnumerate, got.Stage)

	final, err := persistence.LoadStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, status.SyncPhaseFailed, final.Phase)
	assert.Equal(t, "enumerate", final.FailureStage)
	assert.Equal(t, 1, final.AttemptCount)
	assert.Equal(t, syncErr.Message, final.Message)
}

func TestRunNow_ConcurrentCallsAreRejected(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	mockManager := syncmocks.NewMockManager(ctrl)
	persistence := status.NewFileStatusPersistence(filepath.Join(t.TempDir(), "status.json"))

	started := make(chan struct{})
	release := make(chan struct{})
	mockManager.EXPECT().PerformSync(gomock.Any()).
		DoAndReturn(func(context.Context) (*sync.Result, *sync.Error) {
			close(started)
			<-release
			return &sync.Result{RunID: "only"}, nil
		}).Times(1)

	coord := New(mockManager, persistence, testConfig())

	errCh := make(chan error, 1)
	go func() {
		_, err := coord.RunNow(context.Background())
		errCh <- err
	}()

	<-started
	assert.True(t, coord.Running())
	_, err := coord.RunNow(context.Background())
	assert.ErrorIs(t, err, sync.ErrRunInProgress)

	close(release)
	require.NoError(t, <-errCh)
	assert.False(t, coord.Running())
}

func TestRunNow_LockHeldByAnotherProcess(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	mockManager := syncmocks.NewMockManager(ctrl)
	mockPersistence := statusmocks.NewMockStatusPersistence(ctrl)

	mockPersistence.EXPECT().LoadStatus(gomock.Any()).Return(&status.SyncStatus{Phase: status.SyncPhaseComplete}, nil)
	// only the Syncing status is written; the lock holder writes the final one
	mockPersistence.EXPECT().SaveStatus(gomock.Any(), gomock.Any()).Return(nil).Times(1)
	mockManager.EXPECT().PerformSync(gomock.Any()).
		Return(nil, &sync.Error{Message: sync.ErrRunInProgress.Error(), Err: sync.ErrRunInProgress})

	_, err := New(mockManager, mockPersistence, testConfig()).RunNow(context.Background())
	assert.ErrorIs(t, err, sync.ErrRunInProgress)
}

func TestRunNow_StatusLoadFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	mockManager := syncmocks.NewMockManager(ctrl)
	mockPersistence := statusmocks.NewMockStatusPersistence(ctrl)

	mockPersistence.EXPECT().LoadStatus(gomock.Any()).Return(nil, errors.New("corrupt"))
	var saved []status.SyncStatus
	mockPersistence.EXPECT().SaveStatus(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, s *status.SyncStatus) error {
			saved = append(saved, *s)
			return nil
		}).Times(2)
	mockManager.EXPECT().PerformSync(gomock.Any()).Return(&sync.Result{RunID: "x", Downloaded: 1, Selected: 1}, nil)

	_, err := New(mockManager, mockPersistence, testConfig()).RunNow(context.Background())
	require.NoError(t, err)
	require.Len(t, saved, 2)
	assert.Equal(t, status.SyncPhaseSyncing, saved[0].Phase)
	assert.Equal(t, status.SyncPhaseComplete, saved[1].Phase)
}

func TestCoordinator_StartRunsOnStartAndStops(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	mockManager := syncmocks.NewMockManager(ctrl)
	persistence := status.NewFileStatusPersistence(filepath.Join(t.TempDir(), "status.json"))

	cfg := testConfig()
	cfg.Schedule.RunOnStart = true

	var runs atomic.Int32
	ran := make(chan struct{}, 1)
	mockManager.EXPECT().PerformSync(gomock.Any()).
		DoAndReturn(func(context.Context) (*sync.Result, *sync.Error) {
			if runs.Add(1) == 1 {
				ran <- struct{}{}
			}
			return &sync.Result{RunID: "boot"}, nil
		}).MinTimes(1)

	coord := New(mockManager, persistence, cfg)
	startErr := make(chan error, 1)
	go func() {
		startErr <- coord.Start(context.Background())
	}()

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("initial run did not happen")
	}

	require.NoError(t, coord.Stop())
	require.NoError(t, <-startErr)

	final, err := persistence.LoadStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "168h", final.SyncSchedule)
}

func TestRunAsync(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	mockManager := syncmocks.NewMockManager(ctrl)
	persistence := status.NewFileStatusPersistence(filepath.Join(t.TempDir(), "status.json"))

	release := make(chan struct{})
	mockManager.EXPECT().PerformSync(gomock.Any()).
		DoAndReturn(func(context.Context) (*sync.Result, *sync.Error) {
			<-release
			return &sync.Result{RunID: "async", Downloaded: 3, Selected: 3}, nil
		}).Times(1)

	coord := New(mockManager, persistence, testConfig())
	require.NoError(t, coord.RunAsync(context.Background()))
	assert.True(t, coord.Running())
	assert.ErrorIs(t, coord.RunAsync(context.Background()), sync.ErrRunInProgress)
	_, err := coord.RunNow(context.Background())
	assert.ErrorIs(t, err, sync.ErrRunInProgress)

	close(release)
	require.Eventually(t, func() bool { return !coord.Running() }, 5*time.Second, 10*time.Millisecond)

	final, err := persistence.LoadStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, status.SyncPhaseComplete, final.Phase)
	assert.Equal(t, "async", final.RunID)
}
