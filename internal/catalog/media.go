package catalog

import (
	"path/filepath"
	"slices"
	"strings"
)

// File extensions a frame can display. The downloader keeps only content with one
// of these types and the viewer lists only files with one of these extensions.
var (
	ImageExtensions = []string{".jpg", ".jpeg", ".png", ".gif", ".bmp", ".webp"}
	VideoExtensions = []string{".mp4", ".mov", ".m4v", ".webm"}
)

// IsDisplayableExt reports whether ext names a displayable type. Videos count only when includeVideos is set.
func IsDisplayableExt(ext string, includeVideos bool) bool {
	ext = strings.ToLower(ext)
	if slices.Contains(ImageExtensions, ext) {
		return true
	}
	return includeVideos && slices.Contains(VideoExtensions, ext)
}

// IsDisplayable reports whether the extension of name is displayable
func IsDisplayable(name string, includeVideos bool) bool {
	return IsDisplayableExt(filepath.Ext(name), includeVideos)
}
