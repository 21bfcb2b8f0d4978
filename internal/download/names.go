package download

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/stacklok/frame-sync/internal/catalog"
)

// MaxNameLength caps a staged filename in bytes
const MaxNameLength = 200

// SanitizeFilename turns a remote filename into a safe single path element.
// Separators and control characters are replaced, leading dots are stripped and the
// result is capped at MaxNameLength bytes. An unusable name falls back to item_<id>,
// with fallbackExt appended when given.
func SanitizeFilename(name, id, fallbackExt string) string {
	name = cleanElement(name)
	if name == "" {
		name = "item_" + cleanElement(id)
		if name == "item_" {
			name = "item"
		}
		name += fallbackExt
	}
	return truncateName(name, MaxNameLength)
}

func cleanElement(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == '\\' || r == ':':
			return '_'
		case r == utf8.RuneError || unicode.IsControl(r):
			return -1
		default:
			return r
		}
	}, s)
	s = strings.TrimRight(strings.TrimLeft(s, ". "), " ")
	return strings.ReplaceAll(s, "..", "_")
}

// truncateName shortens name to limit bytes on a rune boundary, keeping a short extension
func truncateName(name string, limit int) string {
	if len(name) <= limit {
		return name
	}
	ext := filepath.Ext(name)
	if len(ext) > 16 {
		ext = ""
	}
	stem := name[:len(name)-len(ext)]
	budget := limit - len(ext)
	for len(stem) > budget {
		_, size := utf8.DecodeLastRuneInString(stem)
		stem = stem[:len(stem)-size]
	}
	return stem + ext
}

// withExtension appends ext to name unless name already ends in a displayable extension
func withExtension(name, ext string, includeVideos bool) string {
	if catalog.IsDisplayable(name, includeVideos) {
		return name
	}
	return truncateName(name, MaxNameLength-len(ext)) + ext
}

// nameSet hands out unique names within one staging directory
type nameSet struct {
	mu    sync.Mutex
	taken map[string]struct{}
}

func newNameSet() *nameSet {
	return &nameSet{taken: make(map[string]struct{})}
}

// reserve returns name, or "stem (n).ext" with the smallest free n. A reservation
// also holds name+".part" so an in-flight part file never shadows another item.
// Matching is case-insensitive so the set is safe on case-folding filesystems.
func (s *nameSet) reserve(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	candidate := name
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for n := 1; ; n++ {
		key := strings.ToLower(candidate)
		_, nameTaken := s.taken[key]
		_, partTaken := s.taken[key+partSuffix]
		if !nameTaken && !partTaken {
			s.taken[key] = struct{}{}
			s.taken[key+partSuffix] = struct{}{}
			return candidate
		}
		suffix := fmt.Sprintf(" (%d)", n)
		candidate = truncateName(stem, MaxNameLength-len(ext)-len(suffix)) + suffix + ext
	}
}

func (s *nameSet) release(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(name)
	delete(s.taken, key)
	delete(s.taken, key+partSuffix)
}
