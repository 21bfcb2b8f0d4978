package sync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/frame-sync/internal/catalog"
	"github.com/stacklok/frame-sync/internal/config"
	"github.com/stacklok/frame-sync/internal/publish"
	publishmocks "github.com/stacklok/frame-sync/internal/publish/mocks"
	"github.com/stacklok/frame-sync/internal/sources"
	sourcemocks "github.com/stacklok/frame-sync/internal/sources/mocks"
	"github.com/stacklok/frame-sync/internal/state"
	statemocks "github.com/stacklok/frame-sync/internal/state/mocks"
	"github.com/stacklok/frame-sync/internal/telemetry"
)

const (
	testShareURL   = "https://nas.example.com/mo/sharing/tok"
	testPassphrase = "pw"
	// ISO week 2026-W42
	testPeriod = "2026-W42"
)

var (
	testNow  = time.Date(2026, 10, 14, 9, 30, 0, 0, time.UTC)
	jpegData = append([]byte("\xff\xd8\xff\xe0\x00\x10JFIF\x00"), bytes.Repeat([]byte{0x11}, 512)...)
)

type harness struct {
	cfg       *config.Config
	ctrl      *gomock.Controller
	opener    *sourcemocks.MockOpener
	session   *sourcemocks.MockSession
	store     state.Store
	workspace *publish.Workspace
	publisher publish.Publisher
	fetcher   *catalog.Fetcher
}

func newHarness(t *testing.T, photosPerRun int) *harness {
	t.Helper()

	base := t.TempDir()
	cfg := &config.Config{
		Source: config.SourceConfig{Synology: &config.SynologyConfig{
			BaseURL:    "https://nas.example.com",
			ShareURL:   testShareURL,
			Passphrase: testPassphrase,
		}},
		Sync: config.SyncConfig{
			PhotosPerRun: photosPerRun,
			MaxShowCount: 10,
			PageSize:     100,
			Period:       config.PeriodISOWeek,
			Concurrency:  2,
		},
		Paths: config.PathsConfig{
			LiveDir:  filepath.Join(base, "photos"),
			WorkDir:  filepath.Join(base, ".photos.sync"),
			StateDir: filepath.Join(base, "state"),
		},
		State:   config.StateConfig{Backend: config.StateBackendSQLite, Path: filepath.Join(base, "state", "state.db")},
		Publish: config.PublishConfig{Strategy: config.PublishStrategySymlink, KeepVersions: 1},
	}

	store, err := state.New(&cfg.State)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctrl := gomock.NewController(t)
	ws := publish.NewWorkspace(cfg.Paths.WorkDir)
	pub, err := publish.New(cfg, ws)
	require.NoError(t, err)

	h := &harness{
		cfg:       cfg,
		ctrl:      ctrl,
		opener:    sourcemocks.NewMockOpener(ctrl),
		session:   sourcemocks.NewMockSession(ctrl),
		store:     store,
		workspace: ws,
		publisher: pub,
		fetcher:   catalog.NewFetcher(catalog.WithPageSize(cfg.Sync.PageSize)),
	}
	h.session.EXPECT().Close().Return(nil).AnyTimes()
	h.session.EXPECT().ExpiresAt().Return(testNow.Add(time.Hour)).AnyTimes()
	return h
}

func (h *harness) manager(opts ...Option) Manager {
	n := 0
	base := []Option{
		WithClock(func() time.Time { return testNow }),
		WithRunIDGenerator(func() string {
			n++
			return fmt.Sprintf("run-%d", n)
		}),
	}
	return NewManager(h.cfg, h.opener, h.store, h.fetcher, h.workspace, h.publisher, append(base, opts...)...)
}

func (h *harness) expectOpen() {
	h.opener.EXPECT().Open(gomock.Any(), testShareURL, testPassphrase).Return(h.session, nil)
}

func (h *harness) expectCatalog(entries []catalog.RemoteEntry) {
	h.session.EXPECT().ListPage(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, offset, limit int) (*catalog.Page, error) {
			end := min(offset+limit, len(entries))
			if offset >= end {
				return &catalog.Page{}, nil
			}
			return &catalog.Page{Entries: entries[offset:end]}, nil
		}).AnyTimes()
}

func (h *harness) expectDownloads(fail map[string]error) {
	h.session.EXPECT().Fetch(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, e catalog.RemoteEntry) (*sources.Content, error) {
			if err, ok := fail[e.ID]; ok {
				return nil, err
			}
			return &sources.Content{Body: io.NopCloser(bytes.NewReader(jpegData)), Length: int64(len(jpegData))}, nil
		}).AnyTimes()
}

func (h *harness) seedLive(t *testing.T, names ...string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(h.cfg.Paths.LiveDir, 0o755))
	for _, n := range names {
		require.NoError(t, os.WriteFile(filepath.Join(h.cfg.Paths.LiveDir, n), []byte("old"), 0o600))
	}
}

func (h *harness) liveNames(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(h.cfg.Paths.LiveDir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func (h *harness) runs(t *testing.T) []state.RunRecord {
	t.Helper()
	runs, err := h.store.ListRuns(context.Background(), 0)
	require.NoError(t, err)
	return runs
}

func (h *harness) credited(t *testing.T) map[string]state.ItemRecord {
	t.Helper()
	items, err := h.store.GetAllItems(context.Background())
	require.NoError(t, err)
	out := make(map[string]state.ItemRecord)
	for _, it := range items {
		if it.TimesShown > 0 {
			out[it.ID] = it
		}
	}
	return out
}

func makeEntries(n int) []catalog.RemoteEntry {
	entries := make([]catalog.RemoteEntry, n)
	for i := range entries {
		entries[i] = catalog.RemoteEntry{
			ID:       fmt.Sprintf("%d", i+1),
			Filename: fmt.Sprintf("IMG_%04d.jpg", i+1),
			Kind:     catalog.KindPhoto,
		}
	}
	return entries
}

func TestPerformSync_Success(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3)
	h.seedLive(t, "previous.jpg")
	h.expectOpen()
	h.expectCatalog(makeEntries(5))
	h.expectDownloads(nil)

	result, syncErr := h.manager().PerformSync(context.Background())
	require.Nil(t, syncErr)
	require.NotNil(t, result)

	assert.Equal(t, "run-1", result.RunID)
	assert.Equal(t, testPeriod, result.Period)
	assert.Equal(t, 5, result.Fetched)
	assert.Equal(t, 3, result.Selected)
	assert.Equal(t, 3, result.Downloaded)
	assert.Len(t, result.Published, 3)
	assert.Equal(t, int64(3*len(jpegData)), result.Bytes)

	assert.Len(t, h.liveNames(t), 3)
	assert.NotContains(t, h.liveNames(t), "previous.jpg")

	credited := h.credited(t)
	require.Len(t, credited, 3)
	for _, id := range result.Published {
		rec := credited[id]
		assert.Equal(t, 1, rec.TimesShown)
		assert.Equal(t, testPeriod, rec.LastShownPeriod)
	}

	items, err := h.store.GetAllItems(context.Background())
	require.NoError(t, err)
	assert.Len(t, items, 5, "every enumerated entry is registered")

	runs := h.runs(t)
	require.Len(t, runs, 1)
	assert.True(t, runs[0].Success)
	assert.Equal(t, 5, runs[0].Fetched)
	assert.Equal(t, 3, runs[0].Selected)
	assert.Equal(t, 3, runs[0].Downloaded)
	assert.Equal(t, testPeriod, runs[0].Period)
}

func TestPerformSync_TargetLargerThanCatalog(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 200)
	h.expectOpen()
	h.expectCatalog(makeEntries(150))
	h.expectDownloads(nil)

	result, syncErr := h.manager().PerformSync(context.Background())
	require.Nil(t, syncErr)
	assert.Equal(t, 150, result.Selected)
	assert.Equal(t, 150, result.Downloaded)
	assert.Len(t, h.liveNames(t), 150)
	assert.Len(t, h.credited(t), 150)
}

func TestPerformSync_EnumerationFailsOnSecondPage(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 2)
	h.fetcher = catalog.NewFetcher(catalog.WithPageSize(2))
	h.seedLive(t, "a.jpg", "b.jpg")
	h.expectOpen()

	entries := makeEntries(6)
	gomock.InOrder(
		h.session.EXPECT().ListPage(gomock.Any(), 0, 2).Return(&catalog.Page{Entries: entries[0:2]}, nil),
		h.session.EXPECT().ListPage(gomock.Any(), 2, 2).
			Return(nil, &sources.NetworkError{Op: "list catalog", Err: errors.New("connection reset")}),
	)

	result, syncErr := h.manager().PerformSync(context.Background())
	require.Nil(t, result)
	require.NotNil(t, syncErr)
	assert.Equal(t, StageEnumerate, syncErr.Stage)
	assert.True(t, syncErr.Retryable)
	assert.Contains(t, syncErr.Message, "sync failed at enumerate")

	assert.ElementsMatch(t, []string{"a.jpg", "b.jpg"}, h.liveNames(t), "live directory is untouched")

	items, err := h.store.GetAllItems(context.Background())
	require.NoError(t, err)
	assert.Empty(t, items, "a partial catalog is never registered")

	runs := h.runs(t)
	require.Len(t, runs, 1)
	assert.False(t, runs[0].Success)
	assert.Equal(t, "enumerate", runs[0].FailureStage)
	assert.NotEmpty(t, runs[0].FailureMessage)
}

func TestPerformSync_StageFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		setup         func(h *harness)
		expectedStage Stage
		retryable     bool
	}{
		{
			name: "authentication rejected",
			setup: func(h *harness) {
				h.opener.EXPECT().Open(gomock.Any(), testShareURL, testPassphrase).
					Return(nil, &sources.AuthError{Message: "share login was refused", Code: 119})
			},
			expectedStage: StageAuth,
		},
		{
			name: "share unreachable",
			setup: func(h *harness) {
				h.opener.EXPECT().Open(gomock.Any(), gomock.Any(), gomock.Any()).
					Return(nil, &sources.NetworkError{Op: "open share", Err: errors.New("timeout")})
			},
			expectedStage: StageAuth,
			retryable:     true,
		},
		{
			name: "empty catalog",
			setup: func(h *harness) {
				h.expectOpen()
				h.expectCatalog(nil)
			},
			expectedStage: StageEnumerate,
		},
		{
			name: "every download fails",
			setup: func(h *harness) {
				h.expectOpen()
				h.expectCatalog(makeEntries(2))
				netErr := &sources.NetworkError{Op: "download", Err: errors.New("reset")}
				h.expectDownloads(map[string]error{"1": netErr, "2": netErr})
			},
			expectedStage: StageDownload,
			retryable:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, 2)
			h.seedLive(t, "keep.jpg")
			tt.setup(h)

			result, syncErr := h.manager().PerformSync(context.Background())
			require.Nil(t, result)
			require.NotNil(t, syncErr)
			assert.Equal(t, tt.expectedStage, syncErr.Stage)
			assert.Equal(t, tt.retryable, syncErr.Retryable)

			assert.Equal(t, []string{"keep.jpg"}, h.liveNames(t))
			assert.Empty(t, h.credited(t))

			runs := h.runs(t)
			require.Len(t, runs, 1)
			assert.False(t, runs[0].Success)
			assert.Equal(t, string(tt.expectedStage), runs[0].FailureStage)

			entries, err := os.ReadDir(h.cfg.Paths.WorkDir)
			if err == nil {
				for _, e := range entries {
					assert.NotContains(t, e.Name(), "staging-", "staging is discarded")
				}
			}
		})
	}
}

func TestPerformSync_PartialDownloadCreditsOnlyStagedItems(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3)
	h.expectOpen()
	h.expectCatalog(makeEntries(3))
	h.session.EXPECT().Fetch(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, e catalog.RemoteEntry) (*sources.Content, error) {
			if e.ID == "2" {
				// truncated body
				return &sources.Content{
					Body:   io.NopCloser(bytes.NewReader(jpegData[:100])),
					Length: int64(len(jpegData)),
				}, nil
			}
			return &sources.Content{Body: io.NopCloser(bytes.NewReader(jpegData)), Length: -1}, nil
		}).AnyTimes()

	result, syncErr := h.manager().PerformSync(context.Background())
	require.Nil(t, syncErr)
	assert.Equal(t, 3, result.Selected)
	assert.Equal(t, 2, result.Downloaded)
	assert.Equal(t, 1, result.Failed)
	assert.ElementsMatch(t, []string{"IMG_0001.jpg", "IMG_0003.jpg"}, h.liveNames(t))

	credited := h.credited(t)
	assert.Len(t, credited, 2)
	assert.NotContains(t, credited, "2")
}

func TestPerformSync_PublishFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 2)
	h.seedLive(t, "keep.jpg")
	pub := publishmocks.NewMockPublisher(h.ctrl)
	pub.EXPECT().Publish(gomock.Any(), gomock.Any()).
		Return(&publish.PublishError{Op: "rename", Path: "live", Err: errors.New("EXDEV")})
	h.publisher = pub
	h.expectOpen()
	h.expectCatalog(makeEntries(2))
	h.expectDownloads(nil)

	_, syncErr := h.manager().PerformSync(context.Background())
	require.NotNil(t, syncErr)
	assert.Equal(t, StagePublish, syncErr.Stage)
	var pubErr *publish.PublishError
	assert.ErrorAs(t, syncErr, &pubErr)

	assert.Empty(t, h.credited(t), "nothing is credited when publish fails")
	assert.Equal(t, []string{"keep.jpg"}, h.liveNames(t))
	assert.Equal(t, "publish", h.runs(t)[0].FailureStage)
}

func TestPerformSync_CreditFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1)
	store := statemocks.NewMockStore(h.ctrl)
	h.store = store
	h.expectOpen()
	h.expectCatalog(makeEntries(1))
	h.expectDownloads(nil)

	storageErr := &state.StorageError{Op: "record selections", Err: errors.New("disk I/O error")}
	store.EXPECT().UpsertCatalogEntries(gomock.Any(), gomock.Any()).Return(1, nil)
	store.EXPECT().GetAllItems(gomock.Any()).Return(nil, nil)
	store.EXPECT().RecordSelections(gomock.Any(), []string{"1"}, testPeriod, testNow).Return(storageErr)
	store.EXPECT().AppendRun(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, run state.RunRecord) (int64, error) {
			assert.False(t, run.Success)
			assert.Equal(t, "record", run.FailureStage)
			assert.Equal(t, 1, run.Downloaded)
			return 1, nil
		})

	_, syncErr := h.manager().PerformSync(context.Background())
	require.NotNil(t, syncErr)
	assert.Equal(t, StageRecord, syncErr.Stage)
	assert.ErrorIs(t, syncErr, storageErr)
}

func TestPerformSync_SelectionStoreFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1)
	store := statemocks.NewMockStore(h.ctrl)
	h.store = store
	h.expectOpen()
	h.expectCatalog(makeEntries(1))

	store.EXPECT().UpsertCatalogEntries(gomock.Any(), gomock.Any()).
		Return(0, &state.StorageError{Op: "upsert", Err: errors.New("database is locked")})
	store.EXPECT().AppendRun(gomock.Any(), gomock.Any()).Return(int64(0), errors.New("still broken"))

	_, syncErr := h.manager().PerformSync(context.Background())
	require.NotNil(t, syncErr)
	assert.Equal(t, StageSelect, syncErr.Stage)
	assert.False(t, syncErr.Retryable)
}

func TestPerformSync_RunInProgress(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1)
	store := statemocks.NewMockStore(h.ctrl)
	h.store = store

	other := NewRunLock(h.cfg.LockPath())
	locked, err := other.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	defer func() { _ = other.Unlock() }()

	// no store, opener or session calls are expected
	result, syncErr := h.manager().PerformSync(context.Background())
	assert.Nil(t, result)
	require.NotNil(t, syncErr)
	assert.ErrorIs(t, syncErr, ErrRunInProgress)
	assert.Empty(t, syncErr.Stage)
}

func TestPerformSync_RemovesStaleStaging(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1)
	stale, err := h.workspace.NewStaging("killed-run")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(stale, "half.jpg.part"), []byte("x"), 0o600))

	h.opener.EXPECT().Open(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(nil, &sources.AuthError{Message: "expired"})

	_, syncErr := h.manager().PerformSync(context.Background())
	require.NotNil(t, syncErr)
	assert.NoDirExists(t, stale)
}

func TestPerformSync_CooldownAcrossRuns(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 2)
	h.opener.EXPECT().Open(gomock.Any(), gomock.Any(), gomock.Any()).Return(h.session, nil).Times(2)
	h.expectCatalog(makeEntries(4))
	h.expectDownloads(nil)

	m := h.manager()
	first, syncErr := m.PerformSync(context.Background())
	require.Nil(t, syncErr)
	second, syncErr := m.PerformSync(context.Background())
	require.Nil(t, syncErr)
	assert.Equal(t, "run-2", second.RunID)

	credited := h.credited(t)
	total := 0
	for _, rec := range credited {
		total += rec.TimesShown
	}
	assert.Equal(t, 4, total, "each published item is credited exactly once per run")
	assert.Len(t, h.runs(t), 2)
	assert.Len(t, first.Published, 2)
}

func TestFailureStage(t *testing.T) {
	t.Parallel()

	tests := map[RunState]Stage{
		StateInit:           StageAuth,
		StateAuthenticating: StageAuth,
		StateEnumerating:    StageEnumerate,
		StateSelecting:      StageSelect,
		StateDownloading:    StageDownload,
		StatePublishing:     StagePublish,
		StateDone:           StageRecord,
	}
	for s, expected := range tests {
		assert.Equal(t, expected, failureStage(s), string(s))
	}
}

func TestPerformSync_RecordsStageDurations(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = mp.Shutdown(context.Background()) }()
	metrics, err := telemetry.NewSyncMetrics(mp)
	require.NoError(t, err)

	h := newHarness(t, 2)
	h.expectOpen()
	h.session.EXPECT().ListPage(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(nil, &sources.NetworkError{Op: "list catalog", Err: errors.New("reset")})

	_, syncErr := h.manager(WithMetrics(metrics)).PerformSync(context.Background())
	require.NotNil(t, syncErr)
	assert.Equal(t, StageEnumerate, syncErr.Stage)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	outcomes := make(map[string]bool)
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != "frame_sync_stage_duration_seconds" {
				continue
			}
			hist, ok := m.Data.(metricdata.Histogram[float64])
			require.True(t, ok)
			for _, dp := range hist.DataPoints {
				stage, _ := dp.Attributes.Value("stage")
				success, _ := dp.Attributes.Value("success")
				outcomes[stage.AsString()] = success.AsBool()
			}
		}
	}
	assert.Equal(t, map[string]bool{"auth": true, "enumerate": false}, outcomes,
		"stages after the failing one are never timed")
}
