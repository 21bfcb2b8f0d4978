// Package httpclient provides the HTTP transport used to talk to the photo service.
// Requests are paced by a rate limiter and transient failures are retried with
// exponential backoff.
package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"
)

const (
	// DefaultTimeout is the default timeout for HTTP requests
	DefaultTimeout = 10 * time.Second

	// MaxResponseSize is the maximum allowed size of a buffered response (100MB)
	MaxResponseSize = 100 * 1024 * 1024

	// UserAgent is the default user agent string for HTTP requests
	UserAgent = "frame-sync/1.0"

	// DefaultInitialBackoff is the first retry delay
	DefaultInitialBackoff = 500 * time.Millisecond
)

// Client is an interface for HTTP operations
type Client interface {
	// Get performs an HTTP GET request and returns the response body
	Get(ctx context.Context, url string) ([]byte, error)

	// PostForm posts a form and returns the response body
	PostForm(ctx context.Context, url string, form url.Values) ([]byte, error)

	// StreamForm posts a form and returns the open response for streaming.
	// The caller must close the body. Only establishing the response is retried.
	StreamForm(ctx context.Context, url string, form url.Values) (*http.Response, error)

	// CloseIdleConnections releases pooled connections
	CloseIdleConnections()
}

// DefaultClient is the default HTTP client implementation
type DefaultClient struct {
	client         *http.Client
	userAgent      string
	maxRetries     int
	initialBackoff time.Duration
	limiter        *rate.Limiter
}

// Option configures a DefaultClient
type Option func(*DefaultClient)

// WithUserAgent overrides the User-Agent header
func WithUserAgent(ua string) Option {
	return func(c *DefaultClient) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// WithMaxRetries sets how many times a transient failure is retried
func WithMaxRetries(n int) Option {
	return func(c *DefaultClient) {
		c.maxRetries = max(n, 0)
	}
}

// WithInitialBackoff sets the first retry delay
func WithInitialBackoff(d time.Duration) Option {
	return func(c *DefaultClient) {
		c.initialBackoff = d
	}
}

// WithRequestsPerSecond paces requests; non-positive values disable pacing
func WithRequestsPerSecond(rps float64) Option {
	return func(c *DefaultClient) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		} else {
			c.limiter = rate.NewLimiter(rate.Inf, 1)
		}
	}
}

// WithCookieJar attaches a cookie jar, used to carry session cookies
func WithCookieJar(jar http.CookieJar) Option {
	return func(c *DefaultClient) {
		c.client.Jar = jar
	}
}

// NewDefaultClient creates a new default HTTP client with the specified timeout
// If timeout is 0, uses DefaultTimeout
func NewDefaultClient(timeout time.Duration, opts ...Option) Client {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	c := &DefaultClient{
		client: &http.Client{
			Timeout: timeout,
		},
		userAgent:      UserAgent,
		initialBackoff: DefaultInitialBackoff,
		limiter:        rate.NewLimiter(rate.Inf, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get performs an HTTP GET request
func (c *DefaultClient) Get(ctx context.Context, rawURL string) ([]byte, error) {
	resp, err := c.do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	return readLimited(resp)
}

// PostForm posts an urlencoded form
func (c *DefaultClient) PostForm(ctx context.Context, rawURL string, form url.Values) ([]byte, error) {
	resp, err := c.StreamForm(ctx, rawURL, form)
	if err != nil {
		return nil, err
	}
	return readLimited(resp)
}

// StreamForm posts an urlencoded form and hands back the open response
func (c *DefaultClient) StreamForm(ctx context.Context, rawURL string, form url.Values) (*http.Response, error) {
	encoded := form.Encode()
	return c.do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(encoded))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	})
}

// CloseIdleConnections releases pooled connections
func (c *DefaultClient) CloseIdleConnections() {
	c.client.CloseIdleConnections()
}

// do executes a request built by newReq, retrying transport failures and transient statuses
func (c *DefaultClient) do(ctx context.Context, newReq func() (*http.Request, error)) (*http.Response, error) {
	operation := func() (*http.Response, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, backoff.Permanent(err)
		}

		req, err := newReq()
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		req.Header.Set("User-Agent", c.userAgent)

		resp, err := c.client.Do(req)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, backoff.Permanent(fmt.Errorf("failed to execute request: %w", ctxErr))
			}
			return nil, fmt.Errorf("failed to execute request: %w", err)
		}

		if resp.StatusCode != http.StatusOK {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			_ = resp.Body.Close()

			httpErr := &HTTPError{StatusCode: resp.StatusCode, URL: req.URL.Redacted(), Message: resp.Status}
			if httpErr.Retryable() {
				return nil, httpErr
			}
			return nil, backoff.Permanent(httpErr)
		}

		return resp, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialBackoff

	resp, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.maxRetries)+1), //nolint:gosec // maxRetries is never negative
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.Warn("Retrying HTTP request", "error", err, "backoff", next)
		}),
	)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func readLimited(resp *http.Response) ([]byte, error) {
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.ContentLength > MaxResponseSize {
		return nil, fmt.Errorf("response size %d bytes exceeds maximum allowed size of %d bytes (%.2f MB)",
			resp.ContentLength, MaxResponseSize, float64(MaxResponseSize)/(1024*1024))
	}

	// +1 to detect if limit exceeded
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(body)) > MaxResponseSize {
		return nil, fmt.Errorf("response size exceeds maximum allowed size of %d bytes (%.2f MB)",
			MaxResponseSize, float64(MaxResponseSize)/(1024*1024))
	}
	return body, nil
}

// IsRetryable reports whether err is a transient transport or server failure.
// Client timeouts are retryable; a bare context error from the caller is not.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Retryable()
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var timeoutErr interface{ Timeout() bool }
	if errors.As(err, &timeoutErr) && timeoutErr.Timeout() {
		return any(timeoutErr) != any(context.DeadlineExceeded)
	}
	return false
}
