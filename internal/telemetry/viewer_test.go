package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

const photoBody = "JPEG-BYTES"

// viewerFixture is a router shaped like the frame viewer with instrumentation installed
type viewerFixture struct {
	router *chi.Mux
	spans  *tracetest.SpanRecorder
	reader *sdkmetric.ManualReader
}

func newViewerFixture(t *testing.T, syncStatus int) *viewerFixture {
	t.Helper()

	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		_ = mp.Shutdown(context.Background())
	})

	instrument, err := ViewerMiddleware(tp, mp)
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Use(instrument)
	r.Get("/photos/{name}", func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "name") == "missing.jpg" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte(photoBody))
	})
	r.Post("/sync", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(syncStatus)
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	return &viewerFixture{router: r, spans: spans, reader: reader}
}

func (f *viewerFixture) do(t *testing.T, method, path string) int {
	t.Helper()
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, httptest.NewRequest(method, path, nil))
	return rr.Code
}

func (f *viewerFixture) metrics(t *testing.T) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, f.reader.Collect(context.Background(), &rm))
	byName := make(map[string]metricdata.Metrics)
	for _, scope := range rm.ScopeMetrics {
		if scope.Scope.Name != ViewerMeterName {
			continue
		}
		for _, m := range scope.Metrics {
			byName[m.Name] = m
		}
	}
	return byName
}

func sumValue(t *testing.T, m metricdata.Metrics) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "expected int64 sum for %s", m.Name)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestViewerMiddleware_PhotoRequests(t *testing.T) {
	t.Parallel()

	f := newViewerFixture(t, http.StatusAccepted)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/photos/IMG_0001.jpg"))
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/photos/IMG_0002.jpg"))
	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/photos/missing.jpg"))

	byName := f.metrics(t)
	assert.Equal(t, int64(2), sumValue(t, byName["frame_sync_viewer_photos_served_total"]))
	assert.Equal(t, int64(2*len(photoBody)), sumValue(t, byName["frame_sync_viewer_photo_bytes_total"]))

	hist, ok := byName["frame_sync_viewer_request_duration_seconds"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	counts := make(map[string]uint64)
	for _, dp := range hist.DataPoints {
		route, _ := dp.Attributes.Value("route")
		status, _ := dp.Attributes.Value("status_code")
		counts[route.AsString()+" "+status.AsString()] += dp.Count
	}
	assert.Equal(t, map[string]uint64{"/photos/{name} 200": 2, "/photos/{name} 404": 1}, counts,
		"photo names never become metric labels")

	ended := f.spans.Ended()
	require.Len(t, ended, 3)
	first := ended[0]
	assert.Equal(t, "viewer GET /photos/{name}", first.Name())
	assert.Contains(t, first.Attributes(), AttrPhotoName.String("IMG_0001.jpg"))
	assert.Contains(t, first.Attributes(), attribute.String("http.route", RoutePhoto))
	assert.Equal(t, codes.Error, ended[2].Status().Code)
}

func TestViewerMiddleware_SyncTriggers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		status  int
		outcome string
	}{
		{name: "run started", status: http.StatusAccepted, outcome: "started"},
		{name: "run already in progress", status: http.StatusConflict, outcome: "busy"},
		{name: "trigger failed", status: http.StatusInternalServerError, outcome: "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newViewerFixture(t, tt.status)
			require.Equal(t, tt.status, f.do(t, http.MethodPost, "/sync"))

			sum, ok := f.metrics(t)["frame_sync_viewer_sync_triggers_total"].Data.(metricdata.Sum[int64])
			require.True(t, ok)
			require.Len(t, sum.DataPoints, 1)
			outcome, _ := sum.DataPoints[0].Attributes.Value("outcome")
			assert.Equal(t, tt.outcome, outcome.AsString())

			ended := f.spans.Ended()
			require.Len(t, ended, 1)
			assert.Equal(t, "viewer POST /sync", ended[0].Name())
		})
	}
}

func TestViewerMiddleware_HealthChecksAndUnknownRoutes(t *testing.T) {
	t.Parallel()

	f := newViewerFixture(t, http.StatusAccepted)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz"))
	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/does/not/exist"))

	ended := f.spans.Ended()
	require.Len(t, ended, 1, "health checks are not traced")
	assert.Equal(t, "viewer GET unknown_route", ended[0].Name())

	byName := f.metrics(t)
	_, served := byName["frame_sync_viewer_photos_served_total"]
	assert.False(t, served)
	hist, ok := byName["frame_sync_viewer_request_duration_seconds"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	var routes []string
	for _, dp := range hist.DataPoints {
		route, _ := dp.Attributes.Value("route")
		routes = append(routes, route.AsString())
	}
	assert.ElementsMatch(t, []string{"/healthz", "unknown_route"}, routes)
}

func TestViewerMiddleware_NilProviders(t *testing.T) {
	t.Parallel()

	instrument, err := ViewerMiddleware(nil, nil)
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Use(instrument)
	r.Get("/photos/{name}", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(photoBody))
	})

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/photos/a.jpg", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, photoBody, rr.Body.String())
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("x", maxUserAgentLength+10)
	assert.Len(t, truncate(long, maxUserAgentLength), maxUserAgentLength)
	assert.Equal(t, "frame/1.0", truncate("frame/1.0", maxUserAgentLength))
}
