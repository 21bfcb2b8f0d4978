package filtering

import (
	"context"
	"log/slog"

	"github.com/stacklok/frame-sync/internal/catalog"
	"github.com/stacklok/frame-sync/internal/config"
)

// FilterService applies the configured kind and name filters to a catalog listing
type FilterService struct {
	nameFilter    NameFilter
	includeVideos bool
	include       []string
	exclude       []string
}

var _ catalog.EntryFilter = (*FilterService)(nil)

// NewFilterService creates a FilterService from the sync configuration
func NewFilterService(cfg *config.SyncConfig) *FilterService {
	return NewFilterServiceWith(NewDefaultNameFilter(), cfg)
}

// NewFilterServiceWith creates a FilterService with a custom name filter
func NewFilterServiceWith(nameFilter NameFilter, cfg *config.SyncConfig) *FilterService {
	s := &FilterService{
		nameFilter:    nameFilter,
		includeVideos: cfg.IncludeVideos,
	}
	if cfg.Filter != nil && cfg.Filter.Names != nil {
		s.include = cfg.Filter.Names.Include
		s.exclude = cfg.Filter.Names.Exclude
	}
	return s
}

// ApplyFilters returns the entries that pass the kind filter and then the name filter.
// Entries of KindOther never pass. Order is preserved.
func (s *FilterService) ApplyFilters(_ context.Context, entries []catalog.RemoteEntry) []catalog.RemoteEntry {
	filtered := make([]catalog.RemoteEntry, 0, len(entries))
	var videos, others, byName int

	for _, e := range entries {
		if e.Kind == catalog.KindOther {
			others++
			slog.Debug("Excluding catalog entry", "id", e.ID, "filename", e.Filename, "reason", "unsupported media kind")
			continue
		}
		if e.Kind == catalog.KindVideo && !s.includeVideos {
			videos++
			continue
		}
		if included, reason := s.nameFilter.ShouldInclude(e.Filename, s.include, s.exclude); !included {
			byName++
			slog.Debug("Excluding catalog entry", "id", e.ID, "filename", e.Filename, "reason", reason)
			continue
		}
		filtered = append(filtered, e)
	}

	if videos > 0 || others > 0 || byName > 0 {
		slog.Info("Catalog filtering completed",
			"original_count", len(entries),
			"excluded_videos", videos,
			"excluded_other_kinds", others,
			"excluded_by_name", byName,
			"filtered_count", len(filtered))
	}

	return filtered
}
