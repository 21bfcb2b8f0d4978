// Package catalog enumerates the remote photo catalog of a share.
package catalog

import (
	"context"
	"time"
)

// MediaKind distinguishes photos from videos in a catalog listing
type MediaKind string

const (
	// KindPhoto is a still image
	KindPhoto MediaKind = "photo"
	// KindVideo is a video clip
	KindVideo MediaKind = "video"
	// KindOther is any provider type a frame cannot show, such as live photos
	KindOther MediaKind = "other"
)

// ParseMediaKind maps a provider type string onto a MediaKind
func ParseMediaKind(s string) MediaKind {
	switch MediaKind(s) {
	case KindPhoto, KindVideo:
		return MediaKind(s)
	default:
		return KindOther
	}
}

// RemoteEntry is one item of a catalog snapshot
type RemoteEntry struct {
	ID       string
	Filename string
	Kind     MediaKind
	// SizeHint is the size reported by the provider, 0 when unknown
	SizeHint int64
	// TakenAt is the capture time, zero when the provider does not report it
	TakenAt time.Time
}

// Page is a single page of a catalog listing
type Page struct {
	// Entries holds the raw, unfiltered entries of the page
	Entries []RemoteEntry
	// Total is the provider-reported catalog size, 0 when unknown
	Total int
}

// PageLister requests one bounded page of the catalog
//
//go:generate mockgen -destination=mocks/mock_page_lister.go -package=mocks github.com/stacklok/frame-sync/internal/catalog PageLister
type PageLister interface {
	ListPage(ctx context.Context, offset, limit int) (*Page, error)
}

// EntryFilter narrows an enumerated catalog
type EntryFilter interface {
	ApplyFilters(ctx context.Context, entries []RemoteEntry) []RemoteEntry
}
