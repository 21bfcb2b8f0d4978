package viewer

import (
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/frame-sync/internal/catalog"
)

const photoCacheControl = "public, max-age=3600"

type handlers struct {
	cfg *serverConfig
}

func (h *handlers) servable(name string) bool {
	return catalog.IsDisplayable(name, h.cfg.includeVideos)
}

// listPhotos handles GET /photos.json
func (h *handlers) listPhotos(w http.ResponseWriter, _ *http.Request) {
	entries, err := os.ReadDir(h.cfg.liveDir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Error("Failed to read live directory", "path", h.cfg.liveDir, "error", err)
		writeErrorResponse(w, "failed to list photos", http.StatusInternalServerError)
		return
	}

	photos := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") || !h.servable(e.Name()) {
			continue
		}
		photos = append(photos, "/photos/"+e.Name())
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSONResponse(w, photos, http.StatusOK)
}

// servePhoto handles GET /photos/{name}
func (h *handlers) servePhoto(w http.ResponseWriter, r *http.Request) {
	name, err := url.PathUnescape(chi.URLParam(r, "name"))
	if err != nil || !validName(name) {
		writeErrorResponse(w, "invalid photo name", http.StatusBadRequest)
		return
	}

	// Resolve the live directory once so the file and its root come from the same published version
	root, err := filepath.EvalSymlinks(h.cfg.liveDir)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	path, err := filepath.EvalSymlinks(filepath.Join(root, name))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		http.NotFound(w, r)
		return
	case err != nil:
		writeErrorResponse(w, "failed to resolve photo", http.StatusInternalServerError)
		return
	}
	if rel, err := filepath.Rel(root, path); err != nil || !filepath.IsLocal(rel) {
		writeErrorResponse(w, "forbidden", http.StatusForbidden)
		return
	}

	f, err := os.Open(path) //nolint:gosec // G304: path is confined to the live directory above
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Cache-Control", photoCacheControl)
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

func validName(name string) bool {
	if name == "" || name == "." || name == ".." || strings.Contains(name, "..") {
		return false
	}
	return !strings.ContainsAny(name, `/\`+"\x00")
}
