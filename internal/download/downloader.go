// Package download streams selected catalog entries into a staging directory.
//
// Each item is written to a .part file and renamed into place only after the
// whole body arrived and its sniffed type is one the viewer can display. Transient
// failures are retried per item; an item that still fails is skipped.
package download

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/sync/errgroup"

	"github.com/stacklok/frame-sync/internal/catalog"
	"github.com/stacklok/frame-sync/internal/sources"
)

const (
	// DefaultMaxAttempts bounds tries per item, including the first
	DefaultMaxAttempts = 3

	// DefaultInitialBackoff is the delay before the first retry of an item
	DefaultInitialBackoff = time.Second

	partSuffix = ".part"
	sniffLen   = 3072
)

// ContentError means the remote returned something that is not a photo or video.
// It is not retried.
type ContentError struct {
	ItemID string
	Reason string
}

func (e *ContentError) Error() string {
	return fmt.Sprintf("item %s: %s", e.ItemID, e.Reason)
}

// Item is a staged download
type Item struct {
	Entry catalog.RemoteEntry
	Path  string
	Bytes int64
}

// Failure is an item that could not be staged
type Failure struct {
	Entry catalog.RemoteEntry
	Err   error
}

// Result partitions a batch by outcome. Both slices keep the input order.
type Result struct {
	Downloaded []Item
	Failed     []Failure
}

// Bytes is the total size of downloaded items
func (r *Result) Bytes() int64 {
	var total int64
	for _, item := range r.Downloaded {
		total += item.Bytes
	}
	return total
}

// Downloader stages items into a single directory
type Downloader struct {
	dir            string
	maxAttempts    int
	initialBackoff time.Duration
	concurrency    int
	allowVideo     bool
	names          *nameSet
}

// Option configures a Downloader
type Option func(*Downloader)

// WithMaxAttempts bounds the tries per item
func WithMaxAttempts(n int) Option {
	return func(d *Downloader) {
		d.maxAttempts = max(n, 1)
	}
}

// WithInitialBackoff sets the first retry delay
func WithInitialBackoff(b time.Duration) Option {
	return func(d *Downloader) {
		d.initialBackoff = b
	}
}

// WithConcurrency sets how many items FetchAll downloads in parallel
func WithConcurrency(n int) Option {
	return func(d *Downloader) {
		d.concurrency = max(n, 1)
	}
}

// WithVideos accepts video content in addition to images
func WithVideos(allow bool) Option {
	return func(d *Downloader) {
		d.allowVideo = allow
	}
}

// NewDownloader creates a Downloader writing into dir, which must exist
func NewDownloader(dir string, opts ...Option) *Downloader {
	d := &Downloader{
		dir:            dir,
		maxAttempts:    DefaultMaxAttempts,
		initialBackoff: DefaultInitialBackoff,
		concurrency:    1,
		names:          newNameSet(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Fetch stages one entry and returns its path
func (d *Downloader) Fetch(ctx context.Context, fetcher sources.ContentFetcher, entry catalog.RemoteEntry) (string, error) {
	item, err := d.fetchWithRetry(ctx, fetcher, entry)
	if err != nil {
		return "", err
	}
	return item.Path, nil
}

// FetchAll stages entries with bounded concurrency. Failed items are logged and reported, never fatal.
func (d *Downloader) FetchAll(ctx context.Context, fetcher sources.ContentFetcher, entries []catalog.RemoteEntry) *Result {
	items := make([]*Item, len(entries))
	errs := make([]error, len(entries))

	var g errgroup.Group
	g.SetLimit(d.concurrency)
	for i, entry := range entries {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				errs[i] = err
				return nil
			}
			item, err := d.fetchWithRetry(ctx, fetcher, entry)
			if err != nil {
				slog.Warn("Skipping item after failed download",
					"item_id", entry.ID,
					"filename", entry.Filename,
					"error", err)
				errs[i] = err
				return nil
			}
			items[i] = item
			return nil
		})
	}
	_ = g.Wait()

	result := &Result{}
	for i, entry := range entries {
		if items[i] != nil {
			result.Downloaded = append(result.Downloaded, *items[i])
		} else {
			result.Failed = append(result.Failed, Failure{Entry: entry, Err: errs[i]})
		}
	}
	return result
}

func (d *Downloader) fetchWithRetry(ctx context.Context, fetcher sources.ContentFetcher, entry catalog.RemoteEntry) (*Item, error) {
	operation := func() (*Item, error) {
		item, err := d.fetchOnce(ctx, fetcher, entry)
		if err != nil && !sources.IsRetryable(err) {
			return nil, backoff.Permanent(err)
		}
		return item, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.initialBackoff

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(d.maxAttempts)), //nolint:gosec // maxAttempts is at least 1
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.Debug("Retrying item download", "item_id", entry.ID, "error", err, "backoff", next)
		}),
	)
}

func (d *Downloader) fetchOnce(ctx context.Context, fetcher sources.ContentFetcher, entry catalog.RemoteEntry) (*Item, error) {
	content, err := fetcher.Fetch(ctx, entry)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = content.Body.Close()
	}()

	op := "download item " + entry.ID
	body := &readTracker{r: content.Body}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(body, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, &sources.NetworkError{Op: op, Err: err}
	}
	head = head[:n]
	if n == 0 {
		return nil, &ContentError{ItemID: entry.ID, Reason: "empty content"}
	}

	mtype := mimetype.Detect(head)
	ext := d.displayExt(mtype)
	if ext == "" {
		return nil, &ContentError{ItemID: entry.ID, Reason: "unexpected content type " + mtype.String()}
	}

	name := d.names.reserve(withExtension(SanitizeFilename(entry.Filename, entry.ID, ext), ext, d.allowVideo))
	final := filepath.Join(d.dir, name)

	written, err := writePart(final+partSuffix, io.MultiReader(bytes.NewReader(head), body))
	if err == nil && content.Length >= 0 && written != content.Length {
		err = &sources.NetworkError{
			Op:  op,
			Err: fmt.Errorf("incomplete body: received %d of %d bytes", written, content.Length),
		}
	}
	if err == nil {
		if renameErr := os.Rename(final+partSuffix, final); renameErr != nil {
			err = fmt.Errorf("failed to finalize %s: %w", name, renameErr)
		}
	}
	if err != nil {
		_ = os.Remove(final + partSuffix)
		d.names.release(name)
		if body.err != nil {
			return nil, &sources.NetworkError{Op: op, Err: body.err}
		}
		return nil, err
	}

	return &Item{Entry: entry, Path: final, Bytes: written}, nil
}

// displayExt returns the extension of the first displayable type in the lineage of mtype, or ""
func (d *Downloader) displayExt(mtype *mimetype.MIME) string {
	for m := mtype; m != nil; m = m.Parent() {
		if ext := m.Extension(); catalog.IsDisplayableExt(ext, d.allowVideo) {
			return ext
		}
	}
	return ""
}

func writePart(path string, r io.Reader) (int64, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644) //nolint:gosec // path is built from a sanitized name
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", filepath.Base(path), err)
	}

	written, err := io.Copy(f, r)
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return written, fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return written, nil
}

// readTracker remembers the first read error so transport failures can be told apart from disk failures
type readTracker struct {
	r   io.Reader
	err error
}

func (t *readTracker) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) && t.err == nil {
		t.err = err
	}
	return n, err
}
