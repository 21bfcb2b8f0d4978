package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/frame-sync/internal/catalog"
	"github.com/stacklok/frame-sync/internal/config"
	"github.com/stacklok/frame-sync/internal/download"
	"github.com/stacklok/frame-sync/internal/otel"
	"github.com/stacklok/frame-sync/internal/publish"
	"github.com/stacklok/frame-sync/internal/selection"
	"github.com/stacklok/frame-sync/internal/sources"
	"github.com/stacklok/frame-sync/internal/state"
	"github.com/stacklok/frame-sync/internal/telemetry"
)

// defaultSyncManager is the default implementation of Manager
type defaultSyncManager struct {
	cfg       *config.Config
	opener    sources.Opener
	store     state.Store
	fetcher   *catalog.Fetcher
	workspace *publish.Workspace
	publisher publish.Publisher
	lock      *RunLock

	tracer       trace.Tracer
	metrics      *telemetry.SyncMetrics
	now          func() time.Time
	newRunID     func() string
	newRand      func() *rand.Rand
	passphrase   func() (string, error)
	downloadOpts []download.Option
}

// Option configures the sync manager
type Option func(*defaultSyncManager)

// WithTracer traces each run and stage
func WithTracer(tracer trace.Tracer) Option {
	return func(m *defaultSyncManager) {
		m.tracer = tracer
	}
}

// WithMetrics records run counts and download volume
func WithMetrics(metrics *telemetry.SyncMetrics) Option {
	return func(m *defaultSyncManager) {
		m.metrics = metrics
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(m *defaultSyncManager) {
		m.now = now
	}
}

// WithRunIDGenerator replaces the random run id source
func WithRunIDGenerator(gen func() string) Option {
	return func(m *defaultSyncManager) {
		m.newRunID = gen
	}
}

// WithRand supplies the random source used for each run's selection
func WithRand(newRand func() *rand.Rand) Option {
	return func(m *defaultSyncManager) {
		m.newRand = newRand
	}
}

// WithLock replaces the lock derived from the configured state directory
func WithLock(lock *RunLock) Option {
	return func(m *defaultSyncManager) {
		m.lock = lock
	}
}

// WithDownloadOptions appends options for the per-run downloader
func WithDownloadOptions(opts ...download.Option) Option {
	return func(m *defaultSyncManager) {
		m.downloadOpts = append(m.downloadOpts, opts...)
	}
}

// NewManager creates a Manager. cfg is treated as immutable.
func NewManager(
	cfg *config.Config,
	opener sources.Opener,
	store state.Store,
	fetcher *catalog.Fetcher,
	workspace *publish.Workspace,
	publisher publish.Publisher,
	opts ...Option,
) Manager {
	m := &defaultSyncManager{
		cfg:       cfg,
		opener:    opener,
		store:     store,
		fetcher:   fetcher,
		workspace: workspace,
		publisher: publisher,
		lock:      NewRunLock(cfg.LockPath()),
		now:       time.Now,
		newRunID:  uuid.NewString,
		newRand: func() *rand.Rand {
			return selection.NewRand(cfg.Sync.Seed)
		},
		passphrase: func() (string, error) {
			if cfg.Source.Synology == nil {
				return "", nil
			}
			return cfg.Source.Synology.GetPassphrase()
		},
		downloadOpts: []download.Option{
			download.WithConcurrency(cfg.Sync.Concurrency),
			download.WithVideos(cfg.Sync.IncludeVideos),
			download.WithMaxAttempts(cfg.HTTP.MaxRetries + 1),
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// run carries the progress of one run through the state machine
type run struct {
	id      string
	start   time.Time
	period  string
	state   RunState
	logger  *slog.Logger
	record  state.RunRecord
	result  *Result
	staging string
}

func (r *run) enter(s RunState) {
	r.state = s
	r.logger.Debug("Sync state changed", "state", s)
}

// fail moves the run to FAILED and builds the Error for the stage it was in
func (r *run) fail(err error, format string, args ...any) *Error {
	stage := failureStage(r.state)
	r.state = StateFailed
	msg := fmt.Sprintf(format, args...)
	if err != nil {
		msg = fmt.Sprintf("%s: %v", msg, err)
	}
	return &Error{
		Stage:     stage,
		Message:   fmt.Sprintf("sync failed at %s: %s", stage, msg),
		Err:       err,
		Retryable: sources.IsRetryable(err),
	}
}

// PerformSync executes one complete run
func (m *defaultSyncManager) PerformSync(ctx context.Context) (*Result, *Error) {
	locked, err := m.lock.TryLock()
	if err != nil {
		return nil, &Error{Message: err.Error(), Err: err}
	}
	if !locked {
		return nil, &Error{Message: ErrRunInProgress.Error(), Err: ErrRunInProgress}
	}
	defer func() {
		if err := m.lock.Unlock(); err != nil {
			slog.Warn("Failed to release run lock", "error", err)
		}
	}()

	start := m.now()
	r := &run{
		id:     m.newRunID(),
		start:  start,
		period: selection.Period(m.cfg.Sync.Period, start),
		state:  StateInit,
	}
	r.logger = slog.With("run_id", r.id)
	r.record = state.RunRecord{RunAt: start.UTC(), Period: r.period}
	r.result = &Result{RunID: r.id, Period: r.period}

	ctx, span := otel.StartSpan(ctx, m.tracer, "sync.run",
		trace.WithAttributes(otel.AttrRunID.String(r.id), otel.AttrPeriod.String(r.period)))
	defer span.End()

	r.logger.Info("Starting sync run", "period", r.period, "target", m.cfg.Sync.PhotosPerRun)

	syncErr := m.execute(ctx, r)
	if r.staging != "" {
		m.workspace.Discard(r.staging)
	}

	r.result.Duration = m.now().Sub(start)
	// The audit record is written even when the run was cancelled
	recordCtx := context.WithoutCancel(ctx)
	m.metrics.RecordRunItems(ctx, r.record.Fetched, r.record.Selected, r.record.Downloaded)

	if syncErr != nil {
		otel.RecordError(span, syncErr)
		span.SetAttributes(otel.AttrStage.String(string(syncErr.Stage)))
		r.record.Success = false
		r.record.FailureStage = string(syncErr.Stage)
		r.record.FailureMessage = syncErr.Message
		if _, err := m.store.AppendRun(recordCtx, r.record); err != nil {
			r.logger.Error("Failed to record failed run", "error", err)
		}
		r.logger.Error("Sync run failed",
			"stage", syncErr.Stage,
			"retryable", syncErr.Retryable,
			"error", syncErr.Message)
		return nil, syncErr
	}

	r.record.Success = true
	if _, err := m.store.AppendRun(recordCtx, r.record); err != nil {
		r.state = StateFailed
		syncErr = &Error{
			Stage:   StageRecord,
			Message: fmt.Sprintf("sync failed at %s: failed to append run record: %v", StageRecord, err),
			Err:     err,
		}
		otel.RecordError(span, syncErr)
		r.logger.Error("Sync run published but could not be recorded", "error", err)
		return nil, syncErr
	}

	r.enter(StateDone)
	r.logger.Info("Sync run completed",
		"fetched", r.result.Fetched,
		"selected", r.result.Selected,
		"downloaded", r.result.Downloaded,
		"failed", r.result.Failed,
		"duration", r.result.Duration)
	return r.result, nil
}

// execute runs every stage up to and including crediting
func (m *defaultSyncManager) execute(ctx context.Context, r *run) *Error {
	if _, err := m.workspace.CleanStale(); err != nil {
		r.logger.Warn("Failed to clean stale staging", "error", err)
	}

	// AUTHENTICATING
	r.enter(StateAuthenticating)
	done := m.timeStage(ctx, StageAuth)
	session, syncErr := m.authenticate(ctx, r)
	done(syncErr)
	if syncErr != nil {
		return syncErr
	}
	defer func() {
		_ = session.Close()
	}()

	// ENUMERATING
	r.enter(StateEnumerating)
	done = m.timeStage(ctx, StageEnumerate)
	entries, syncErr := m.enumerate(ctx, r, session)
	done(syncErr)
	if syncErr != nil {
		return syncErr
	}

	// SELECTING
	r.enter(StateSelecting)
	done = m.timeStage(ctx, StageSelect)
	selected, syncErr := m.selectEntries(ctx, r, entries)
	done(syncErr)
	if syncErr != nil {
		return syncErr
	}

	// DOWNLOADING
	r.enter(StateDownloading)
	done = m.timeStage(ctx, StageDownload)
	downloaded, syncErr := m.download(ctx, r, session, selected)
	done(syncErr)
	if syncErr != nil {
		return syncErr
	}

	// PUBLISHING
	r.enter(StatePublishing)
	done = m.timeStage(ctx, StagePublish)
	syncErr = m.publishAndCredit(ctx, r, downloaded)
	done(syncErr)
	return syncErr
}

// timeStage starts timing stage; the returned func records its duration and outcome
func (m *defaultSyncManager) timeStage(ctx context.Context, stage Stage) func(*Error) {
	start := m.now()
	return func(syncErr *Error) {
		m.metrics.RecordStageDuration(ctx, string(stage), m.now().Sub(start), syncErr == nil)
	}
}

func (m *defaultSyncManager) authenticate(ctx context.Context, r *run) (sources.Session, *Error) {
	ctx, span := otel.StartSpan(ctx, m.tracer, "sync.authenticate")
	defer span.End()

	passphrase, err := m.passphrase()
	if err != nil {
		otel.RecordError(span, err)
		return nil, r.fail(err, "failed to read share passphrase")
	}

	shareURL := ""
	if syn := m.cfg.Source.Synology; syn != nil {
		shareURL = syn.ShareURL
		span.SetAttributes(otel.AttrShareBaseURL.String(syn.BaseURL))
	}

	session, err := m.opener.Open(ctx, shareURL, passphrase)
	if err != nil {
		otel.RecordError(span, err)
		return nil, r.fail(err, "failed to open share")
	}
	r.logger.Debug("Share session opened", "expires_at", session.ExpiresAt())
	return session, nil
}

func (m *defaultSyncManager) enumerate(ctx context.Context, r *run, session sources.Session) ([]catalog.RemoteEntry, *Error) {
	ctx, span := otel.StartSpan(ctx, m.tracer, "sync.enumerate")
	defer span.End()

	entries, err := m.fetcher.List(ctx, session)
	if err != nil {
		otel.RecordError(span, err)
		return nil, r.fail(err, "failed to enumerate catalog")
	}
	span.SetAttributes(otel.AttrResultCount.Int(len(entries)))

	r.record.Fetched = len(entries)
	r.result.Fetched = len(entries)
	if len(entries) == 0 {
		return nil, r.fail(nil, "catalog is empty")
	}
	return entries, nil
}

func (m *defaultSyncManager) selectEntries(
	ctx context.Context, r *run, entries []catalog.RemoteEntry,
) ([]catalog.RemoteEntry, *Error) {
	ctx, span := otel.StartSpan(ctx, m.tracer, "sync.select",
		trace.WithAttributes(otel.AttrTargetCount.Int(m.cfg.Sync.PhotosPerRun)))
	defer span.End()

	inserted, err := m.store.UpsertCatalogEntries(ctx, entries)
	if err != nil {
		otel.RecordError(span, err)
		return nil, r.fail(err, "failed to register catalog entries")
	}
	records, err := m.store.GetAllItems(ctx)
	if err != nil {
		otel.RecordError(span, err)
		return nil, r.fail(err, "failed to read show history")
	}

	ids := selection.Select(entries, state.IndexByID(records), r.period,
		m.cfg.Sync.PhotosPerRun, m.cfg.Sync.MaxShowCount, m.newRand())

	byID := make(map[string]catalog.RemoteEntry, len(entries))
	for _, e := range entries {
		if _, ok := byID[e.ID]; !ok {
			byID[e.ID] = e
		}
	}
	selected := make([]catalog.RemoteEntry, 0, len(ids))
	for _, id := range ids {
		selected = append(selected, byID[id])
	}

	span.SetAttributes(otel.AttrResultCount.Int(len(selected)))
	r.record.Selected = len(selected)
	r.result.Selected = len(selected)
	r.logger.Info("Selected items", "new_items", inserted, "selected", len(selected), "catalog", len(entries))
	return selected, nil
}

func (m *defaultSyncManager) download(
	ctx context.Context, r *run, session sources.Session, selected []catalog.RemoteEntry,
) (*download.Result, *Error) {
	ctx, span := otel.StartSpan(ctx, m.tracer, "sync.download")
	defer span.End()

	staging, err := m.workspace.NewStaging(r.id)
	if err != nil {
		otel.RecordError(span, err)
		return nil, r.fail(err, "failed to prepare staging")
	}
	r.staging = staging

	result := download.NewDownloader(staging, m.downloadOpts...).FetchAll(ctx, session, selected)
	span.SetAttributes(
		otel.AttrResultCount.Int(len(result.Downloaded)),
		otel.AttrFailedCount.Int(len(result.Failed)),
	)
	m.metrics.RecordDownloads(ctx, result.Bytes(), len(result.Failed))

	r.record.Downloaded = len(result.Downloaded)
	r.result.Downloaded = len(result.Downloaded)
	r.result.Failed = len(result.Failed)
	r.result.Bytes = result.Bytes()

	if err := ctx.Err(); err != nil {
		otel.RecordError(span, err)
		return nil, r.fail(err, "run cancelled while downloading")
	}
	if len(result.Downloaded) == 0 {
		var lastErr error
		if n := len(result.Failed); n > 0 {
			lastErr = result.Failed[n-1].Err
		}
		syncErr := r.fail(lastErr, "none of the %d selected items could be downloaded", len(selected))
		syncErr.Retryable = anyRetryable(result.Failed)
		otel.RecordError(span, syncErr)
		return nil, syncErr
	}
	if len(result.Failed) > 0 {
		r.logger.Warn("Some selected items were skipped",
			"skipped", len(result.Failed),
			"downloaded", len(result.Downloaded))
	}
	return result, nil
}

func (m *defaultSyncManager) publishAndCredit(ctx context.Context, r *run, downloaded *download.Result) *Error {
	ctx, span := otel.StartSpan(ctx, m.tracer, "sync.publish")
	defer span.End()

	if err := m.publisher.Publish(ctx, r.staging); err != nil {
		otel.RecordError(span, err)
		return r.fail(err, "failed to publish photo set")
	}
	// staging has been consumed
	r.staging = ""

	ids := make([]string, 0, len(downloaded.Downloaded))
	for _, item := range downloaded.Downloaded {
		ids = append(ids, item.Entry.ID)
	}
	r.result.Published = ids

	// Crediting must not be abandoned half way once the new set is live
	creditCtx := context.WithoutCancel(ctx)
	if err := m.store.RecordSelections(creditCtx, ids, r.period, m.now().UTC()); err != nil {
		otel.RecordError(span, err)
		r.state = StateFailed
		return &Error{
			Stage:   StageRecord,
			Message: fmt.Sprintf("sync failed at %s: published but failed to credit items: %v", StageRecord, err),
			Err:     err,
		}
	}
	span.SetAttributes(attribute.Int("credited", len(ids)))
	return nil
}

func anyRetryable(failures []download.Failure) bool {
	for _, f := range failures {
		if sources.IsRetryable(f.Err) && !errors.Is(f.Err, context.Canceled) {
			return true
		}
	}
	return false
}
