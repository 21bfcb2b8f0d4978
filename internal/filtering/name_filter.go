package filtering

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gobwas/glob"
)

// NameFilter handles filename filtering using glob patterns
type NameFilter interface {
	// ShouldInclude determines if a filename should be included based on include/exclude patterns
	// Returns (shouldInclude bool, reason string)
	ShouldInclude(name string, include, exclude []string) (bool, string)
}

// defaultNameFilter implements name filtering using compiled, cached glob patterns
type defaultNameFilter struct {
	mu       sync.Mutex
	compiled map[string]glob.Glob
}

var _ NameFilter = (*defaultNameFilter)(nil)

// NewDefaultNameFilter creates a new defaultNameFilter
func NewDefaultNameFilter() NameFilter {
	return &defaultNameFilter{compiled: make(map[string]glob.Glob)}
}

// matchPattern matches a glob pattern against a filename, ignoring case
func (f *defaultNameFilter) matchPattern(pattern, name string) (bool, error) {
	pattern = strings.ToLower(pattern)

	f.mu.Lock()
	g, ok := f.compiled[pattern]
	f.mu.Unlock()

	if !ok {
		// filepath.Match rejects malformed patterns that glob.Compile would accept
		if _, err := filepath.Match(pattern, "test"); err != nil {
			return false, err
		}
		var err error
		g, err = glob.Compile(pattern)
		if err != nil {
			return false, fmt.Errorf("invalid glob pattern: %v", err)
		}
		f.mu.Lock()
		f.compiled[pattern] = g
		f.mu.Unlock()
	}

	return g.Match(strings.ToLower(name)), nil
}

// ShouldInclude determines if a filename should be included based on include/exclude patterns
//
// Logic:
// 1. If name matches any exclude pattern -> exclude (exclude takes precedence)
// 2. If include patterns are specified and name matches one -> include
// 3. If include patterns are specified and name matches none -> exclude
// 4. Otherwise -> include
func (f *defaultNameFilter) ShouldInclude(name string, include, exclude []string) (bool, string) {
	for _, pattern := range exclude {
		matches, err := f.matchPattern(pattern, name)
		if err != nil {
			return false, fmt.Sprintf("invalid exclude pattern '%s': %v", pattern, err)
		}
		if matches {
			return false, fmt.Sprintf("excluded by pattern '%s'", pattern)
		}
	}

	if len(include) > 0 {
		for _, pattern := range include {
			matches, err := f.matchPattern(pattern, name)
			if err != nil {
				return false, fmt.Sprintf("invalid include pattern '%s': %v", pattern, err)
			}
			if matches {
				return true, fmt.Sprintf("included by pattern '%s'", pattern)
			}
		}
		return false, fmt.Sprintf("no match found in include patterns %v", include)
	}

	if len(exclude) > 0 {
		return true, fmt.Sprintf("no match in exclude patterns %v", exclude)
	}
	return true, "no name filters specified"
}
