package telemetry

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	// TracerName is the tracer used for viewer requests
	TracerName = "github.com/stacklok/frame-sync/viewer"

	// ViewerMeterName is the meter used for viewer requests
	ViewerMeterName = "github.com/stacklok/frame-sync/viewer"

	// RoutePhoto is the route pattern serving a single published photo
	RoutePhoto = "/photos/{name}"

	// RouteSync is the route pattern that starts a run
	RouteSync = "/sync"

	maxUserAgentLength = 256
	unknownRoute       = "unknown_route"
)

// AttrPhotoName is the published file name requested by the frame
const AttrPhotoName = attribute.Key("frame_sync.photo.name")

// Health and scrape endpoints are measured but never traced
var untracedPaths = map[string]struct{}{
	"/healthz": {},
	"/metrics": {},
}

// ViewerMetrics holds the instruments recorded for viewer requests
type ViewerMetrics struct {
	requestDuration metric.Float64Histogram
	photosServed    metric.Int64Counter
	photoBytes      metric.Int64Counter
	syncTriggers    metric.Int64Counter
}

// NewViewerMetrics creates the viewer instruments. A nil provider yields nil metrics.
func NewViewerMetrics(provider metric.MeterProvider) (*ViewerMetrics, error) {
	if provider == nil {
		return nil, nil
	}
	meter := provider.Meter(ViewerMeterName)

	requestDuration, err := meter.Float64Histogram(
		"frame_sync_viewer_request_duration_seconds",
		metric.WithDescription("Duration of viewer HTTP requests in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, err
	}
	photosServed, err := meter.Int64Counter(
		"frame_sync_viewer_photos_served_total",
		metric.WithDescription("Published photos served to the frame"),
		metric.WithUnit("{photo}"),
	)
	if err != nil {
		return nil, err
	}
	photoBytes, err := meter.Int64Counter(
		"frame_sync_viewer_photo_bytes_total",
		metric.WithDescription("Bytes of published photos served to the frame"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}
	syncTriggers, err := meter.Int64Counter(
		"frame_sync_viewer_sync_triggers_total",
		metric.WithDescription("POST /sync requests by outcome"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	return &ViewerMetrics{
		requestDuration: requestDuration,
		photosServed:    photosServed,
		photoBytes:      photoBytes,
		syncTriggers:    syncTriggers,
	}, nil
}

// ViewerMiddleware traces and measures viewer requests. It must run inside the chi router
// so the matched route pattern is available once the handler returns.
func ViewerMiddleware(tp trace.TracerProvider, mp metric.MeterProvider) (func(http.Handler) http.Handler, error) {
	metrics, err := NewViewerMetrics(mp)
	if err != nil {
		return nil, err
	}
	var tracer trace.Tracer
	if tp != nil {
		tracer = tp.Tracer(TracerName)
	}
	propagator := otel.GetTextMapPropagator()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// The request context can be cancelled once ServeHTTP returns
			ctx := r.Context()
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			var span trace.Span
			if _, skip := untracedPaths[r.URL.Path]; !skip && tracer != nil {
				ctx, span = tracer.Start(propagator.Extract(ctx, propagation.HeaderCarrier(r.Header)),
					"viewer "+r.Method+" "+r.URL.Path,
					trace.WithSpanKind(trace.SpanKindServer),
					trace.WithAttributes(
						semconv.HTTPRequestMethodKey.String(r.Method),
						semconv.URLPath(r.URL.Path),
						semconv.UserAgentOriginal(truncate(r.UserAgent(), maxUserAgentLength)),
					),
				)
				defer span.End()
			}

			next.ServeHTTP(ww, r.WithContext(ctx))

			route, photo := routeOf(r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}

			if span != nil {
				span.SetName("viewer " + r.Method + " " + route)
				span.SetAttributes(semconv.HTTPRoute(route), semconv.HTTPResponseStatusCode(status))
				if photo != "" {
					span.SetAttributes(AttrPhotoName.String(photo))
				}
				if status >= http.StatusBadRequest {
					span.SetStatus(codes.Error, http.StatusText(status))
				}
			}

			metrics.record(ctx, r.Method, route, status, int64(ww.BytesWritten()), time.Since(start))
		})
	}, nil
}

func (m *ViewerMetrics) record(ctx context.Context, method, route string, status int, written int64, elapsed time.Duration) {
	if m == nil {
		return
	}

	m.requestDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.String("status_code", strconv.Itoa(status)),
	))

	switch {
	case route == RoutePhoto && (status == http.StatusOK || status == http.StatusPartialContent):
		m.photosServed.Add(ctx, 1)
		m.photoBytes.Add(ctx, written)
	case route == RouteSync && method == http.MethodPost:
		m.syncTriggers.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", triggerOutcome(status))))
	}
}

func triggerOutcome(status int) string {
	switch status {
	case http.StatusAccepted:
		return "started"
	case http.StatusConflict:
		return "busy"
	default:
		return "error"
	}
}

// routeOf returns the matched chi route pattern and, for photo requests, the requested name.
// Unmatched requests share one route label.
func routeOf(r *http.Request) (route, photo string) {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil || rctx.RoutePattern() == "" {
		return unknownRoute, ""
	}
	route = rctx.RoutePattern()
	if route == RoutePhoto {
		photo = rctx.URLParam("name")
	}
	return route, photo
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
