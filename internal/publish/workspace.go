package publish

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

const (
	stagingPrefix = "staging-"
	versionsDir   = "versions"
)

// Workspace owns the engine-private directory next to the live path
type Workspace struct {
	root string
}

// NewWorkspace creates a Workspace rooted at workDir
func NewWorkspace(workDir string) *Workspace {
	return &Workspace{root: workDir}
}

// Root returns the workspace directory
func (w *Workspace) Root() string {
	return w.root
}

// VersionsDir holds published versions for the symlink strategy
func (w *Workspace) VersionsDir() string {
	return filepath.Join(w.root, versionsDir)
}

// NewStaging creates an empty staging directory for runID
func (w *Workspace) NewStaging(runID string) (string, error) {
	if runID == "" || strings.ContainsAny(runID, `/\`) || strings.Contains(runID, "..") {
		return "", fmt.Errorf("invalid run id %q", runID)
	}
	if err := os.MkdirAll(w.root, 0o750); err != nil {
		return "", fmt.Errorf("failed to create work directory: %w", err)
	}
	dir := filepath.Join(w.root, stagingPrefix+runID)
	if err := os.Mkdir(dir, 0o750); err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}
	return dir, nil
}

// Discard removes a staging directory that will not be published
func (w *Workspace) Discard(stagingDir string) {
	if err := os.RemoveAll(stagingDir); err != nil {
		slog.Warn("Failed to remove staging directory", "path", stagingDir, "error", err)
	}
}

// CleanStale removes staging directories left behind by interrupted runs and returns how many it removed
func (w *Workspace) CleanStale() (int, error) {
	entries, err := os.ReadDir(w.root)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read work directory: %w", err)
	}

	removed := 0
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), stagingPrefix) {
			continue
		}
		path := filepath.Join(w.root, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			return removed, fmt.Errorf("failed to remove stale staging %s: %w", entry.Name(), err)
		}
		removed++
	}
	if removed > 0 {
		slog.Info("Removed stale staging directories", "count", removed)
	}
	return removed, nil
}

func runIDOf(stagingDir string) string {
	return strings.TrimPrefix(filepath.Base(stagingDir), stagingPrefix)
}
