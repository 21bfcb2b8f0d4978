package synology

import (
	"context"
	"fmt"
	"log/slog"
	"net/http/cookiejar"
	"net/url"
	"time"

	"github.com/stacklok/frame-sync/internal/config"
	"github.com/stacklok/frame-sync/internal/httpclient"
	"github.com/stacklok/frame-sync/internal/sources"
)

// Opener opens Synology Photos shares. Every Open call gets its own cookie jar.
type Opener struct {
	baseURL  string
	ttl      time.Duration
	timeout  time.Duration
	httpOpts []httpclient.Option
	now      func() time.Time
}

// Option configures an Opener
type Option func(*Opener)

// WithSessionTTL bounds the lifetime of opened sessions
func WithSessionTTL(ttl time.Duration) Option {
	return func(o *Opener) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithTimeout sets the per-request timeout
func WithTimeout(d time.Duration) Option {
	return func(o *Opener) {
		o.timeout = d
	}
}

// WithHTTPOptions passes options to each session's HTTP client
func WithHTTPOptions(opts ...httpclient.Option) Option {
	return func(o *Opener) {
		o.httpOpts = append(o.httpOpts, opts...)
	}
}

// WithClock replaces time.Now, used for expiry
func WithClock(now func() time.Time) Option {
	return func(o *Opener) {
		o.now = now
	}
}

// NewOpener creates an Opener for shares hosted at baseURL
func NewOpener(baseURL string, opts ...Option) *Opener {
	o := &Opener{
		baseURL: baseURL,
		ttl:     30 * time.Minute,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// NewOpenerFromConfig builds an Opener from the synology source settings
func NewOpenerFromConfig(cfg *config.Config) (sources.Opener, error) {
	syn := cfg.Source.Synology
	if syn == nil {
		return nil, fmt.Errorf("source.synology is not configured")
	}
	return NewOpener(syn.BaseURL,
		WithSessionTTL(syn.GetSessionTTL()),
		WithTimeout(cfg.HTTP.GetTimeout()),
		WithHTTPOptions(
			httpclient.WithUserAgent(cfg.HTTP.UserAgent),
			httpclient.WithMaxRetries(cfg.HTTP.MaxRetries),
			httpclient.WithRequestsPerSecond(cfg.HTTP.RequestsPerSecond),
		),
	), nil
}

// Open establishes a session against shareRef
func (o *Opener) Open(ctx context.Context, shareRef, passphrase string) (sources.Session, error) {
	ref, err := ParseShareReference(o.baseURL, shareRef)
	if err != nil {
		return nil, err
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}
	opts := append(append([]httpclient.Option{}, o.httpOpts...), httpclient.WithCookieJar(jar))
	client := httpclient.NewDefaultClient(o.timeout, opts...)

	if _, err := client.Get(ctx, ref.URL); err != nil {
		client.CloseIdleConnections()
		return nil, sources.ClassifyHTTPError(ctx, "open share", err)
	}

	if passphrase != "" {
		if err := login(ctx, client, ref, passphrase); err != nil {
			client.CloseIdleConnections()
			return nil, err
		}
	}

	s := &session{
		client:     client,
		ref:        ref,
		passphrase: passphrase,
		expiresAt:  o.now().Add(o.ttl),
		now:        o.now,
	}
	if s.passphrase == "" {
		s.passphrase = ref.Token
	}

	slog.Info("Share session opened",
		"base_url", ref.BaseURL,
		"expires_at", s.expiresAt.Format(time.RFC3339))
	return s, nil
}

func login(ctx context.Context, client httpclient.Client, ref *ShareRef, passphrase string) error {
	form := url.Values{
		"api":        {apiLogin},
		"method":     {"login"},
		"version":    {"1"},
		"sharing_id": {ref.Token},
		"password":   {passphrase},
	}
	body, err := client.PostForm(ctx, ref.BaseURL+entryPath, form)
	if err != nil {
		return sources.ClassifyHTTPError(ctx, "share login", err)
	}
	_, err = decodeResponse(apiLogin, "share login", body)
	return err
}
