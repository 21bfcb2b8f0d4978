package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// SyncMetricsMeterName is the name used for the sync metrics meter
	SyncMetricsMeterName = "github.com/stacklok/frame-sync/sync"
)

// SyncMetrics holds the OpenTelemetry instruments for sync run metrics
type SyncMetrics struct {
	syncDuration   metric.Float64Histogram
	stageDuration  metric.Float64Histogram
	runItems       metric.Int64Gauge
	downloadBytes  metric.Int64Counter
	downloadFailed metric.Int64Counter
}

// NewSyncMetrics creates a new SyncMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewSyncMetrics(provider metric.MeterProvider) (*SyncMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(SyncMetricsMeterName)

	syncDuration, err := meter.Float64Histogram(
		"frame_sync_run_duration_seconds",
		metric.WithDescription("Duration of sync runs in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1800),
	)
	if err != nil {
		return nil, err
	}

	stageDuration, err := meter.Float64Histogram(
		"frame_sync_stage_duration_seconds",
		metric.WithDescription("Duration of each run stage (auth, enumerate, select, download, publish) in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300, 900),
	)
	if err != nil {
		return nil, err
	}

	runItems, err := meter.Int64Gauge(
		"frame_sync_run_items",
		metric.WithDescription("Number of catalog entries fetched, selected and downloaded by the last run"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return nil, err
	}

	downloadBytes, err := meter.Int64Counter(
		"frame_sync_download_bytes_total",
		metric.WithDescription("Bytes downloaded into staging"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	downloadFailed, err := meter.Int64Counter(
		"frame_sync_download_failures_total",
		metric.WithDescription("Entries skipped because their download failed"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return nil, err
	}

	return &SyncMetrics{
		syncDuration:   syncDuration,
		stageDuration:  stageDuration,
		runItems:       runItems,
		downloadBytes:  downloadBytes,
		downloadFailed: downloadFailed,
	}, nil
}

// RecordSyncDuration records the duration of a sync run.
// stage is empty for successful runs and names the failing stage otherwise.
func (m *SyncMetrics) RecordSyncDuration(ctx context.Context, duration time.Duration, success bool, stage string) {
	if m == nil || m.syncDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.Bool("success", success),
		attribute.String("stage", stage),
	}

	m.syncDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordStageDuration records how long one stage of a run took and whether it succeeded
func (m *SyncMetrics) RecordStageDuration(ctx context.Context, stage string, duration time.Duration, ok bool) {
	if m == nil || m.stageDuration == nil {
		return
	}

	m.stageDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.Bool("success", ok),
	))
}

// RecordRunItems records the entry counts of a run
func (m *SyncMetrics) RecordRunItems(ctx context.Context, fetched, selected, downloaded int) {
	if m == nil || m.runItems == nil {
		return
	}

	m.runItems.Record(ctx, int64(fetched), metric.WithAttributes(attribute.String("kind", "fetched")))
	m.runItems.Record(ctx, int64(selected), metric.WithAttributes(attribute.String("kind", "selected")))
	m.runItems.Record(ctx, int64(downloaded), metric.WithAttributes(attribute.String("kind", "downloaded")))
}

// RecordDownloads records downloaded bytes and the number of failed entries
func (m *SyncMetrics) RecordDownloads(ctx context.Context, bytes int64, failed int) {
	if m == nil {
		return
	}

	if m.downloadBytes != nil && bytes > 0 {
		m.downloadBytes.Add(ctx, bytes)
	}
	if m.downloadFailed != nil && failed > 0 {
		m.downloadFailed.Add(ctx, int64(failed))
	}
}
