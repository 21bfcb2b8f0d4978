// Package viewer serves the published photo set, run status and the "run now" trigger over HTTP.
package viewer

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/stacklok/frame-sync/internal/state"
	"github.com/stacklok/frame-sync/internal/status"
)

// DefaultRequestTimeout bounds every request except file downloads, which are bounded by the server
const DefaultRequestTimeout = 30 * time.Second

// Trigger starts runs on demand
//
//go:generate mockgen -destination=mocks/mock_trigger.go -package=mocks -source=server.go Trigger,RunHistory
type Trigger interface {
	// RunAsync starts a run, or returns sync.ErrRunInProgress when one is active
	RunAsync(ctx context.Context) error

	// Running reports whether a run is active
	Running() bool
}

// RunHistory reads the run audit log
type RunHistory interface {
	ListRuns(ctx context.Context, limit int) ([]state.RunRecord, error)
}

// ServerOption configures the viewer server
type ServerOption func(*serverConfig)

type serverConfig struct {
	liveDir        string
	viewerDir      string
	includeVideos  bool
	trigger        Trigger
	history        RunHistory
	status         status.StatusPersistence
	metrics        http.Handler
	runCtx         context.Context
	requestTimeout time.Duration
	middlewares    []func(http.Handler) http.Handler
}

// WithViewerDir serves index.html and its assets at /
func WithViewerDir(dir string) ServerOption {
	return func(cfg *serverConfig) {
		cfg.viewerDir = dir
	}
}

// WithVideos lists video files in /photos.json
func WithVideos(enabled bool) ServerOption {
	return func(cfg *serverConfig) {
		cfg.includeVideos = enabled
	}
}

// WithTrigger enables POST /sync
func WithTrigger(trigger Trigger) ServerOption {
	return func(cfg *serverConfig) {
		cfg.trigger = trigger
	}
}

// WithRunHistory exposes the run audit log on /status
func WithRunHistory(history RunHistory) ServerOption {
	return func(cfg *serverConfig) {
		cfg.history = history
	}
}

// WithStatus exposes the persisted sync status on /status
func WithStatus(persistence status.StatusPersistence) ServerOption {
	return func(cfg *serverConfig) {
		cfg.status = persistence
	}
}

// WithMetricsHandler mounts the handler at /metrics
func WithMetricsHandler(h http.Handler) ServerOption {
	return func(cfg *serverConfig) {
		cfg.metrics = h
	}
}

// WithRunContext sets the context runs started by POST /sync inherit.
// Runs outlive the request that started them.
func WithRunContext(ctx context.Context) ServerOption {
	return func(cfg *serverConfig) {
		cfg.runCtx = ctx
	}
}

// WithRequestTimeout overrides DefaultRequestTimeout
func WithRequestTimeout(d time.Duration) ServerOption {
	return func(cfg *serverConfig) {
		cfg.requestTimeout = d
	}
}

// WithMiddlewares adds middleware to the server
func WithMiddlewares(mw ...func(http.Handler) http.Handler) ServerOption {
	return func(cfg *serverConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

type route struct {
	method  string
	pattern string
	handler http.HandlerFunc
}

// NewServer builds the viewer router for the given live directory
func NewServer(liveDir string, opts ...ServerOption) *chi.Mux {
	cfg := &serverConfig{
		liveDir:        liveDir,
		runCtx:         context.Background(),
		requestTimeout: DefaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	h := &handlers{cfg: cfg}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(middleware.Recoverer)
	for _, mw := range cfg.middlewares {
		r.Use(mw)
	}

	for _, rt := range h.routes() {
		r.With(middleware.Timeout(cfg.requestTimeout)).Method(rt.method, rt.pattern, rt.handler)
	}

	// File transfers can legitimately exceed the request timeout on slow frames
	r.Get("/photos/{name}", h.servePhoto)

	if cfg.viewerDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(cfg.viewerDir)))
	}

	return r
}

func (h *handlers) routes() []route {
	rts := []route{
		{http.MethodGet, "/photos.json", h.listPhotos},
		{http.MethodGet, "/healthz", h.healthz},
		{http.MethodGet, "/status", h.getStatus},
	}
	if h.cfg.trigger != nil {
		rts = append(rts, route{http.MethodPost, "/sync", h.startSync})
	}
	if h.cfg.metrics != nil {
		rts = append(rts, route{http.MethodGet, "/metrics", h.cfg.metrics.ServeHTTP})
	}
	return rts
}

// LoggingMiddleware logs HTTP requests
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		slog.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}
