package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/stacklok/frame-sync/internal/catalog"
	"github.com/stacklok/frame-sync/internal/config"
	"github.com/stacklok/frame-sync/internal/filtering"
	"github.com/stacklok/frame-sync/internal/publish"
	"github.com/stacklok/frame-sync/internal/sources"
	"github.com/stacklok/frame-sync/internal/sources/synology"
	"github.com/stacklok/frame-sync/internal/state"
	"github.com/stacklok/frame-sync/internal/status"
	pkgsync "github.com/stacklok/frame-sync/internal/sync"
	"github.com/stacklok/frame-sync/internal/sync/coordinator"
	"github.com/stacklok/frame-sync/internal/telemetry"
	"github.com/stacklok/frame-sync/internal/viewer"
)

const (
	defaultReadHeaderTimeout = 10 * time.Second
	defaultReadTimeout       = 10 * time.Second
	// Photos can be several megabytes on a slow frame connection
	defaultWriteTimeout = 2 * time.Minute
	defaultIdleTimeout  = 60 * time.Second

	tracerName = "github.com/stacklok/frame-sync/sync"
)

// Option configures the application builder
type Option func(*appConfig) error

// appConfig holds what the builder needs. Component overrides exist for tests.
type appConfig struct {
	config *config.Config

	opener      sources.Opener
	store       state.Store
	syncManager pkgsync.Manager
	publisher   publish.Publisher
	syncOpts    []pkgsync.Option

	address     string
	middlewares []func(http.Handler) http.Handler

	telemetry *telemetry.Telemetry
}

func baseConfig(opts ...Option) (*appConfig, error) {
	cfg := &appConfig{}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.address == "" {
		cfg.address = cfg.config.Viewer.Address
	}

	return cfg, nil
}

// WithConfig sets the configuration
func WithConfig(c *config.Config) Option {
	return func(cfg *appConfig) error {
		cfg.config = c
		return nil
	}
}

// WithAddress overrides the viewer listen address
func WithAddress(addr string) Option {
	return func(cfg *appConfig) error {
		if addr == "" {
			return nil
		}

		host, port, found := strings.Cut(addr, ":")
		if !found || port == "" {
			return fmt.Errorf("address is not a valid port: %s", addr)
		}
		if host == "localhost" {
			host = "127.0.0.1"
		}
		if host == "" {
			host = "0.0.0.0"
		}

		if _, err := netip.ParseAddrPort(host + ":" + port); err != nil {
			return fmt.Errorf("address is not a valid port: %w", err)
		}

		cfg.address = addr
		return nil
	}
}

// WithMiddlewares adds HTTP middlewares to the viewer
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *appConfig) error {
		cfg.middlewares = append(cfg.middlewares, mw...)
		return nil
	}
}

// WithTelemetry supplies initialized telemetry providers
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(cfg *appConfig) error {
		cfg.telemetry = t
		return nil
	}
}

// WithOpener injects the share opener (for testing)
func WithOpener(o sources.Opener) Option {
	return func(cfg *appConfig) error {
		cfg.opener = o
		return nil
	}
}

// WithStore injects the state store (for testing)
func WithStore(s state.Store) Option {
	return func(cfg *appConfig) error {
		cfg.store = s
		return nil
	}
}

// WithPublisher injects the publisher (for testing)
func WithPublisher(p publish.Publisher) Option {
	return func(cfg *appConfig) error {
		cfg.publisher = p
		return nil
	}
}

// WithSyncManager injects the sync manager (for testing)
func WithSyncManager(sm pkgsync.Manager) Option {
	return func(cfg *appConfig) error {
		cfg.syncManager = sm
		return nil
	}
}

// WithSyncOptions passes options to the default sync manager
func WithSyncOptions(opts ...pkgsync.Option) Option {
	return func(cfg *appConfig) error {
		cfg.syncOpts = append(cfg.syncOpts, opts...)
		return nil
	}
}

// BuildComponents wires the sync engine without the HTTP server.
// The caller owns the returned components and must Close them.
func BuildComponents(ctx context.Context, opts ...Option) (*Components, error) {
	cfg, err := baseConfig(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build base configuration: %w", err)
	}
	return buildSyncComponents(ctx, cfg)
}

// NewFrameSyncApp builds the long-running application: coordinator plus viewer
func NewFrameSyncApp(ctx context.Context, opts ...Option) (*FrameSyncApp, error) {
	cfg, err := baseConfig(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build base configuration: %w", err)
	}

	components, err := buildSyncComponents(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build sync components: %w", err)
	}

	appCtx, cancel := context.WithCancel(ctx)

	httpServer, err := buildHTTPServer(appCtx, cfg, components)
	if err != nil {
		cancel()
		_ = components.Close()
		return nil, fmt.Errorf("failed to build HTTP server: %w", err)
	}

	return &FrameSyncApp{
		config:     cfg.config,
		components: components,
		httpServer: httpServer,
		ctx:        appCtx,
		cancelFunc: cancel,
	}, nil
}

// buildSyncComponents builds the store, the sync manager and the coordinator
func buildSyncComponents(_ context.Context, b *appConfig) (*Components, error) {
	slog.Info("Initializing sync components")
	cfg := b.config

	store := b.store
	if store == nil {
		var err error
		store, err = state.New(&cfg.State)
		if err != nil {
			return nil, fmt.Errorf("failed to open state store: %w", err)
		}
	}

	components := &Components{
		Store:  store,
		Status: status.NewFileStatusPersistence(cfg.StatusPath()),
	}

	var syncMetrics *telemetry.SyncMetrics
	if b.telemetry != nil {
		var err error
		syncMetrics, err = telemetry.NewSyncMetrics(b.telemetry.MeterProvider())
		if err != nil {
			_ = components.Close()
			return nil, fmt.Errorf("failed to create sync metrics: %w", err)
		}
	}

	manager := b.syncManager
	if manager == nil {
		var err error
		manager, err = buildManager(b, store, syncMetrics)
		if err != nil {
			_ = components.Close()
			return nil, err
		}
	}
	components.Manager = manager

	components.Coordinator = coordinator.New(manager, components.Status, cfg, coordinator.WithSyncMetrics(syncMetrics))
	slog.Info("Sync components initialized successfully",
		"state_backend", cfg.State.Backend,
		"publish_strategy", cfg.Publish.Strategy,
		"live_dir", cfg.Paths.LiveDir)

	return components, nil
}

func buildManager(b *appConfig, store state.Store, syncMetrics *telemetry.SyncMetrics) (pkgsync.Manager, error) {
	cfg := b.config

	opener := b.opener
	if opener == nil {
		var err error
		opener, err = sources.NewOpenerFactory(synology.NewOpenerFromConfig).CreateOpener(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create share opener: %w", err)
		}
	}

	fetcher := catalog.NewFetcher(
		catalog.WithPageSize(cfg.Sync.PageSize),
		catalog.WithMaxEntries(cfg.Sync.MaxEntries),
		catalog.WithFilter(filtering.NewFilterService(&cfg.Sync)),
	)

	workspace := publish.NewWorkspace(cfg.Paths.WorkDir)
	publisher := b.publisher
	if publisher == nil {
		var err error
		publisher, err = publish.New(cfg, workspace)
		if err != nil {
			return nil, fmt.Errorf("failed to create publisher: %w", err)
		}
	}

	opts := []pkgsync.Option{pkgsync.WithMetrics(syncMetrics)}
	if b.telemetry != nil {
		opts = append(opts, pkgsync.WithTracer(b.telemetry.Tracer(tracerName)))
	}
	opts = append(opts, b.syncOpts...)

	return pkgsync.NewManager(cfg, opener, store, fetcher, workspace, publisher, opts...), nil
}

// buildHTTPServer builds the viewer server with its middleware chain
func buildHTTPServer(ctx context.Context, b *appConfig, components *Components) (*http.Server, error) {
	slog.Info("Initializing HTTP server")
	cfg := b.config

	serverOpts := []viewer.ServerOption{
		viewer.WithViewerDir(cfg.Viewer.ViewerDir),
		viewer.WithVideos(cfg.Sync.IncludeVideos),
		viewer.WithTrigger(components.Coordinator),
		viewer.WithRunHistory(components.Store),
		viewer.WithStatus(components.Status),
		viewer.WithRunContext(ctx),
	}

	if b.telemetry != nil {
		instrument, err := telemetry.ViewerMiddleware(b.telemetry.TracerProvider(), b.telemetry.MeterProvider())
		if err != nil {
			return nil, fmt.Errorf("failed to create viewer instrumentation: %w", err)
		}
		serverOpts = append(serverOpts,
			viewer.WithMiddlewares(instrument),
			viewer.WithMetricsHandler(b.telemetry.MetricsHandler()),
		)
	}
	serverOpts = append(serverOpts, viewer.WithMiddlewares(b.middlewares...))

	router := viewer.NewServer(cfg.Paths.LiveDir, serverOpts...)

	return &http.Server{
		Addr:              b.address,
		Handler:           router,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		ReadTimeout:       defaultReadTimeout,
		WriteTimeout:      defaultWriteTimeout,
		IdleTimeout:       defaultIdleTimeout,
	}, nil
}
