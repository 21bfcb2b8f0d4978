package catalog

import (
	"context"
	"fmt"
	"log/slog"
)

const (
	// DefaultPageSize is the number of entries requested per page
	DefaultPageSize = 100
)

// Fetcher enumerates a whole catalog through a PageLister.
// Enumeration is all-or-nothing: a failing page discards everything collected so far.
type Fetcher struct {
	pageSize   int
	maxEntries int
	filter     EntryFilter
}

// Option configures a Fetcher
type Option func(*Fetcher)

// WithPageSize sets the page size; non-positive values keep the default
func WithPageSize(size int) Option {
	return func(f *Fetcher) {
		if size > 0 {
			f.pageSize = size
		}
	}
}

// WithMaxEntries caps the number of raw entries enumerated, 0 means unlimited
func WithMaxEntries(n int) Option {
	return func(f *Fetcher) {
		f.maxEntries = n
	}
}

// WithFilter sets the filter applied to the complete listing
func WithFilter(filter EntryFilter) Option {
	return func(f *Fetcher) {
		f.filter = filter
	}
}

// NewFetcher creates a Fetcher
func NewFetcher(opts ...Option) *Fetcher {
	f := &Fetcher{pageSize: DefaultPageSize}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// List enumerates the catalog page by page until a short page, the reported total,
// or the entry cap is reached. Duplicate ids keep their first occurrence.
func (f *Fetcher) List(ctx context.Context, lister PageLister) ([]RemoteEntry, error) {
	var (
		entries []RemoteEntry
		seen    = make(map[string]struct{})
		offset  int
		raw     int
	)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		limit := f.pageSize
		if f.maxEntries > 0 && f.maxEntries-raw < limit {
			limit = f.maxEntries - raw
		}

		page, err := lister.ListPage(ctx, offset, limit)
		if err != nil {
			return nil, fmt.Errorf("failed to list catalog page at offset %d: %w", offset, err)
		}

		for _, e := range page.Entries {
			if _, dup := seen[e.ID]; dup {
				slog.Debug("Skipping duplicate catalog entry", "id", e.ID, "filename", e.Filename)
				continue
			}
			seen[e.ID] = struct{}{}
			entries = append(entries, e)
		}

		n := len(page.Entries)
		raw += n
		offset += n

		slog.Debug("Fetched catalog page", "offset", offset-n, "entries", n, "total", page.Total)

		if n < limit {
			break
		}
		if page.Total > 0 && offset >= page.Total {
			break
		}
		if f.maxEntries > 0 && raw >= f.maxEntries {
			slog.Warn("Catalog enumeration stopped at entry cap", "max_entries", f.maxEntries)
			break
		}
	}

	listed := len(entries)
	if f.filter != nil {
		entries = f.filter.ApplyFilters(ctx, entries)
	}

	slog.Info("Catalog enumerated", "listed", listed, "kept", len(entries))
	return entries, nil
}
