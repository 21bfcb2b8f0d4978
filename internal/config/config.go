// Package config provides configuration loading and management for frame-sync.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/stacklok/frame-sync/internal/telemetry"
)

const (
	// EnvPrefix is the prefix used for environment variable overrides
	EnvPrefix = "FRAME_SYNC"

	// PassphraseEnvVar holds the share passphrase when no file or inline value is configured
	PassphraseEnvVar = EnvPrefix + "_PASSPHRASE"

	appName = "frame-sync"
)

// Period kinds used to compute the cooldown marker of a run
const (
	// PeriodISOWeek groups runs by ISO-8601 calendar week (e.g. 2026-W42)
	PeriodISOWeek = "isoweek"

	// PeriodDay groups runs by calendar day (e.g. 2026-10-18)
	PeriodDay = "day"

	// PeriodMonth groups runs by calendar month (e.g. 2026-10)
	PeriodMonth = "month"
)

const (
	// StateBackendSQLite stores show history in a SQLite database
	StateBackendSQLite = "sqlite"

	// StateBackendBolt stores show history in a bbolt database
	StateBackendBolt = "bolt"
)

const (
	// PublishStrategySymlink publishes by atomically repointing a symlink at a new version directory
	PublishStrategySymlink = "symlink"

	// PublishStrategyExchange publishes by atomically exchanging two directories (Linux only)
	PublishStrategyExchange = "exchange"
)

// Defaults applied by LoadConfig when a value is not set
const (
	DefaultPhotosPerRun      = 50
	DefaultMaxShowCount      = 10
	DefaultPageSize          = 100
	DefaultConcurrency       = 1
	DefaultHTTPTimeout       = "60s"
	DefaultMaxRetries        = 3
	DefaultRequestsPerSecond = 2.0
	DefaultUserAgent         = "frame-sync/1.0"
	DefaultSessionTTL        = "30m"
	DefaultScheduleInterval  = "168h"
	DefaultViewerAddress     = ":8080"
	DefaultKeepVersions      = 1
)

// Option defines the interface for configuration options
type Option func(*loaderConfig) error

// loaderConfig defines the configuration for loading a configuration
type loaderConfig struct {
	path    string
	envFile string
}

// WithConfigPath loads configuration from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// Resolve symlinks to prevent symlink attacks.
		// Note that this calls filepath.Clean internally.
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}

		// Validate the path to prevent path traversal attacks
		if !filepath.IsAbs(realPath) {
			if !filepath.IsLocal(realPath) {
				return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
			}
		}

		cfg.path = realPath
		return nil
	}
}

// WithEnvFile loads KEY=value pairs from a dotenv file before the configuration is resolved.
// Variables already present in the environment win. A missing file is not an error.
func WithEnvFile(path string) Option {
	return func(cfg *loaderConfig) error {
		cfg.envFile = path
		return nil
	}
}

// DefaultConfigPath returns $XDG_CONFIG_HOME/frame-sync/config.yaml
func DefaultConfigPath() string {
	return filepath.Join(xdg.ConfigHome, appName, "config.yaml")
}

// Config represents the root configuration structure
type Config struct {
	Source    SourceConfig      `yaml:"source"`
	Sync      SyncConfig        `yaml:"sync"`
	HTTP      HTTPConfig        `yaml:"http,omitempty"`
	Paths     PathsConfig       `yaml:"paths,omitempty"`
	State     StateConfig       `yaml:"state,omitempty"`
	Publish   PublishConfig     `yaml:"publish,omitempty"`
	Schedule  ScheduleConfig    `yaml:"schedule,omitempty"`
	Viewer    ViewerConfig      `yaml:"viewer,omitempty"`
	Telemetry *telemetry.Config `yaml:"telemetry,omitempty"`
}

// SourceConfig defines where the remote catalog lives
type SourceConfig struct {
	Synology *SynologyConfig `yaml:"synology"`
}

// SynologyConfig defines a Synology Photos shared album
type SynologyConfig struct {
	// BaseURL is the DSM base URL (scheme and host). Derived from ShareURL when empty.
	BaseURL string `yaml:"baseURL,omitempty"`

	// ShareURL is the public share link, e.g. https://nas.example.com/mo/sharing/AbCdEf
	ShareURL string `yaml:"shareURL"`

	// Passphrase protects the share. Prefer PassphraseFile or the environment.
	Passphrase string `yaml:"passphrase,omitempty"`

	// PassphraseFile is the path to a file containing only the passphrase
	PassphraseFile string `yaml:"passphraseFile,omitempty"`

	// SessionTTL bounds how long an opened session may be used (e.g. "30m")
	SessionTTL string `yaml:"sessionTTL,omitempty"`
}

// SyncConfig defines selection and enumeration behaviour
type SyncConfig struct {
	// PhotosPerRun is the number of entries materialized per run
	PhotosPerRun int `yaml:"photosPerRun,omitempty"`

	// MaxShowCount is the show count after which an item keeps only the floor weight
	MaxShowCount int `yaml:"maxShowCount,omitempty"`

	// IncludeVideos admits video entries into the catalog
	IncludeVideos bool `yaml:"includeVideos,omitempty"`

	// PageSize is the number of entries requested per listing page
	PageSize int `yaml:"pageSize,omitempty"`

	// MaxEntries caps enumeration. Zero means unlimited.
	MaxEntries int `yaml:"maxEntries,omitempty"`

	// Period is one of isoweek, day or month
	Period string `yaml:"period,omitempty"`

	// Concurrency is the number of parallel downloads into staging
	Concurrency int `yaml:"concurrency,omitempty"`

	// Seed makes selection reproducible when set
	Seed *uint64 `yaml:"seed,omitempty"`

	// Filter restricts the catalog by filename
	Filter *FilterConfig `yaml:"filter,omitempty"`
}

// FilterConfig defines filtering rules for catalog entries
type FilterConfig struct {
	Names *NameFilterConfig `yaml:"names,omitempty"`
}

// NameFilterConfig defines filename-based filtering
type NameFilterConfig struct {
	Include []string `yaml:"include,omitempty"`
	Exclude []string `yaml:"exclude,omitempty"`
}

// HTTPConfig tunes the remote transport
type HTTPConfig struct {
	Timeout           string  `yaml:"timeout,omitempty"`
	MaxRetries        int     `yaml:"maxRetries,omitempty"`
	RequestsPerSecond float64 `yaml:"requestsPerSecond,omitempty"`
	UserAgent         string  `yaml:"userAgent,omitempty"`
}

// PathsConfig defines the on-disk layout
type PathsConfig struct {
	// LiveDir is the published directory read by the viewer
	LiveDir string `yaml:"liveDir,omitempty"`

	// WorkDir holds staging and version directories. It must share a filesystem with LiveDir.
	// Defaults to a hidden sibling of LiveDir.
	WorkDir string `yaml:"workDir,omitempty"`

	// StateDir holds the state database, the run lock and status.json
	StateDir string `yaml:"stateDir,omitempty"`
}

// StateConfig selects the show-history backend
type StateConfig struct {
	Backend string `yaml:"backend,omitempty"`
	Path    string `yaml:"path,omitempty"`
}

// PublishConfig selects the publish strategy
type PublishConfig struct {
	Strategy string `yaml:"strategy,omitempty"`

	// KeepVersions is the number of superseded versions retained by the symlink strategy
	KeepVersions int `yaml:"keepVersions,omitempty"`
}

// ScheduleConfig defines the background sync interval used by serve
type ScheduleConfig struct {
	Interval   string `yaml:"interval,omitempty"`
	RunOnStart bool   `yaml:"runOnStart,omitempty"`
}

// ViewerConfig defines the viewer HTTP server
type ViewerConfig struct {
	Address string `yaml:"address,omitempty"`

	// ViewerDir contains index.html and assets served at /
	ViewerDir string `yaml:"viewerDir,omitempty"`
}

// LoadConfig loads and parses configuration from a YAML file
func LoadConfig(opts ...Option) (*Config, error) {
	loaderCfg := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loaderCfg); err != nil {
			return nil, err
		}
	}

	if loaderCfg.path == "" {
		return nil, fmt.Errorf("path is required")
	}

	if loaderCfg.envFile != "" {
		if err := godotenv.Load(loaderCfg.envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}

	// Read the entire file into memory
	data, err := os.ReadFile(loaderCfg.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes, defaults and validates raw YAML configuration
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	config.applyDefaults()

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	s := &c.Sync
	if s.PhotosPerRun == 0 {
		s.PhotosPerRun = DefaultPhotosPerRun
	}
	if s.MaxShowCount == 0 {
		s.MaxShowCount = DefaultMaxShowCount
	}
	if s.PageSize == 0 {
		s.PageSize = DefaultPageSize
	}
	if s.Period == "" {
		s.Period = PeriodISOWeek
	}
	if s.Concurrency == 0 {
		s.Concurrency = DefaultConcurrency
	}

	h := &c.HTTP
	if h.Timeout == "" {
		h.Timeout = DefaultHTTPTimeout
	}
	if h.MaxRetries == 0 {
		h.MaxRetries = DefaultMaxRetries
	}
	if h.RequestsPerSecond == 0 {
		h.RequestsPerSecond = DefaultRequestsPerSecond
	}
	if h.UserAgent == "" {
		h.UserAgent = DefaultUserAgent
	}

	if syn := c.Source.Synology; syn != nil {
		if syn.SessionTTL == "" {
			syn.SessionTTL = DefaultSessionTTL
		}
		if syn.BaseURL == "" {
			if u, err := url.Parse(syn.ShareURL); err == nil && u.Host != "" {
				syn.BaseURL = u.Scheme + "://" + u.Host
			}
		}
	}

	p := &c.Paths
	if p.StateDir == "" {
		p.StateDir = filepath.Join(xdg.StateHome, appName)
	}
	if p.LiveDir == "" {
		p.LiveDir = filepath.Join(xdg.DataHome, appName, "photos")
	}
	if p.WorkDir == "" {
		p.WorkDir = filepath.Join(filepath.Dir(p.LiveDir), "."+filepath.Base(p.LiveDir)+".sync")
	}

	if c.State.Backend == "" {
		c.State.Backend = StateBackendSQLite
	}
	if c.State.Path == "" {
		name := "state.db"
		if c.State.Backend == StateBackendBolt {
			name = "state.bolt"
		}
		c.State.Path = filepath.Join(p.StateDir, name)
	}

	if c.Publish.Strategy == "" {
		c.Publish.Strategy = PublishStrategySymlink
	}
	if c.Publish.KeepVersions == 0 {
		c.Publish.KeepVersions = DefaultKeepVersions
	}

	if c.Schedule.Interval == "" {
		c.Schedule.Interval = DefaultScheduleInterval
	}
	if c.Viewer.Address == "" {
		c.Viewer.Address = DefaultViewerAddress
	}
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if err := validateSynology(c.Source.Synology); err != nil {
		return err
	}
	if err := validateSync(&c.Sync); err != nil {
		return err
	}

	if _, err := time.ParseDuration(c.HTTP.Timeout); err != nil {
		return fmt.Errorf("http.timeout must be a valid duration (e.g., '30s', '2m'): %w", err)
	}
	if c.HTTP.MaxRetries < 0 {
		return fmt.Errorf("http.maxRetries must not be negative")
	}
	if c.HTTP.RequestsPerSecond < 0 {
		return fmt.Errorf("http.requestsPerSecond must not be negative")
	}

	switch c.State.Backend {
	case StateBackendSQLite, StateBackendBolt:
	default:
		return fmt.Errorf("state.backend must be one of %s, %s, got %s", StateBackendSQLite, StateBackendBolt, c.State.Backend)
	}

	switch c.Publish.Strategy {
	case PublishStrategySymlink, PublishStrategyExchange:
	default:
		return fmt.Errorf("publish.strategy must be one of %s, %s, got %s",
			PublishStrategySymlink, PublishStrategyExchange, c.Publish.Strategy)
	}
	if c.Publish.KeepVersions < 1 {
		return fmt.Errorf("publish.keepVersions must be at least 1")
	}

	if err := validatePaths(&c.Paths); err != nil {
		return err
	}

	if _, err := time.ParseDuration(c.Schedule.Interval); err != nil {
		return fmt.Errorf("schedule.interval must be a valid duration (e.g., '24h', '168h'): %w", err)
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	return nil
}

// validateSynology validates the Synology source settings
func validateSynology(syn *SynologyConfig) error {
	if syn == nil {
		return fmt.Errorf("source.synology is required")
	}
	if syn.ShareURL == "" {
		return fmt.Errorf("source.synology.shareURL is required")
	}
	if syn.BaseURL == "" {
		return fmt.Errorf("source.synology.baseURL is required when shareURL has no host")
	}
	u, err := url.Parse(syn.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("source.synology.baseURL must be an absolute http(s) URL, got %q", syn.BaseURL)
	}
	if _, err := time.ParseDuration(syn.SessionTTL); err != nil {
		return fmt.Errorf("source.synology.sessionTTL must be a valid duration: %w", err)
	}
	return nil
}

// validateSync validates selection and enumeration settings
func validateSync(s *SyncConfig) error {
	if s.PhotosPerRun < 1 {
		return fmt.Errorf("sync.photosPerRun must be at least 1")
	}
	if s.MaxShowCount < 1 {
		return fmt.Errorf("sync.maxShowCount must be at least 1")
	}
	if s.PageSize < 1 || s.PageSize > 5000 {
		return fmt.Errorf("sync.pageSize must be between 1 and 5000, got %d", s.PageSize)
	}
	if s.MaxEntries < 0 {
		return fmt.Errorf("sync.maxEntries must not be negative")
	}
	if s.Concurrency < 1 || s.Concurrency > 16 {
		return fmt.Errorf("sync.concurrency must be between 1 and 16, got %d", s.Concurrency)
	}
	switch s.Period {
	case PeriodISOWeek, PeriodDay, PeriodMonth:
	default:
		return fmt.Errorf("sync.period must be one of %s, %s, %s, got %s", PeriodISOWeek, PeriodDay, PeriodMonth, s.Period)
	}
	if s.Filter != nil && s.Filter.Names != nil {
		for _, pattern := range append(append([]string{}, s.Filter.Names.Include...), s.Filter.Names.Exclude...) {
			if _, err := filepath.Match(pattern, "test"); err != nil {
				return fmt.Errorf("sync.filter.names: invalid pattern %q: %w", pattern, err)
			}
		}
	}
	return nil
}

// validatePaths ensures the published directory cannot collide with engine-private directories
func validatePaths(p *PathsConfig) error {
	live := filepath.Clean(p.LiveDir)
	work := filepath.Clean(p.WorkDir)
	if live == work {
		return fmt.Errorf("paths.workDir must differ from paths.liveDir")
	}
	rel, err := filepath.Rel(live, work)
	if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("paths.workDir must not be inside paths.liveDir")
	}
	return nil
}

// GetPassphrase returns the share passphrase using the following priority:
// 1. Read from PassphraseFile if specified
// 2. The inline Passphrase value
// 3. The FRAME_SYNC_PASSPHRASE environment variable
//
// An empty passphrase is valid for unprotected shares.
func (s *SynologyConfig) GetPassphrase() (string, error) {
	if s.PassphraseFile != "" {
		cleanPath := filepath.Clean(s.PassphraseFile)

		data, err := os.ReadFile(cleanPath)
		if err != nil {
			return "", fmt.Errorf("failed to read passphrase from file %s: %w", s.PassphraseFile, err)
		}

		return strings.TrimSpace(string(data)), nil
	}

	if s.Passphrase != "" {
		return s.Passphrase, nil
	}

	return os.Getenv(PassphraseEnvVar), nil
}

// GetSessionTTL returns the parsed session validity window
func (s *SynologyConfig) GetSessionTTL() time.Duration {
	d, err := time.ParseDuration(s.SessionTTL)
	if err != nil || d <= 0 {
		d, _ = time.ParseDuration(DefaultSessionTTL)
	}
	return d
}

// GetTimeout returns the parsed HTTP timeout
func (h *HTTPConfig) GetTimeout() time.Duration {
	d, err := time.ParseDuration(h.Timeout)
	if err != nil || d <= 0 {
		d, _ = time.ParseDuration(DefaultHTTPTimeout)
	}
	return d
}

// GetInterval returns the parsed schedule interval
func (s *ScheduleConfig) GetInterval() time.Duration {
	d, err := time.ParseDuration(s.Interval)
	if err != nil || d <= 0 {
		d, _ = time.ParseDuration(DefaultScheduleInterval)
	}
	return d
}

// LockPath returns the path of the exclusive run lock
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.StateDir, appName+".lock")
}

// StatusPath returns the path of the last-run status file
func (c *Config) StatusPath() string {
	return filepath.Join(c.Paths.StateDir, "status.json")
}
