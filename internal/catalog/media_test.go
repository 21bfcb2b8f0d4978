package catalog_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/stacklok/frame-sync/internal/catalog"
)

func TestIsDisplayable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		filename string
		videos   bool
		expected bool
	}{
		{name: "jpeg", filename: "a.jpeg", expected: true},
		{name: "upper case png", filename: "B.PNG", expected: true},
		{name: "webp", filename: "c.webp", expected: true},
		{name: "heic", filename: "d.heic", expected: false},
		{name: "tiff", filename: "e.tiff", expected: false},
		{name: "no extension", filename: "f", expected: false},
		{name: "video without opt-in", filename: "g.mov", expected: false},
		{name: "video with opt-in", filename: "g.mov", videos: true, expected: true},
		{name: "image with videos enabled", filename: "h.gif", videos: true, expected: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, catalog.IsDisplayable(tt.filename, tt.videos))
		})
	}
}
