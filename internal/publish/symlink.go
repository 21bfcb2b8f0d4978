package publish

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

// versionTimeLayout sorts lexically in publish order
const versionTimeLayout = "20060102T150405.000000000Z"

// SymlinkPublisher keeps the live path as a symlink to the current version directory
// and repoints it with rename(2), which is atomic on POSIX filesystems.
type SymlinkPublisher struct {
	ws   *Workspace
	live string
	// keep is the number of superseded versions retained after a publish
	keep int
	now  func() time.Time
}

// NewSymlinkPublisher creates a publisher for live that retains keep superseded versions
func NewSymlinkPublisher(ws *Workspace, live string, keep int) *SymlinkPublisher {
	return &SymlinkPublisher{ws: ws, live: filepath.Clean(live), keep: max(keep, 0), now: time.Now}
}

// Publish moves stagingDir into the versions directory and points the live path at it
func (p *SymlinkPublisher) Publish(ctx context.Context, stagingDir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := os.Stat(stagingDir); err != nil {
		return &PublishError{Op: "stat", Path: stagingDir, Err: err}
	}

	versions := p.ws.VersionsDir()
	if err := os.MkdirAll(versions, 0o750); err != nil {
		return &PublishError{Op: "mkdir", Path: versions, Err: err}
	}
	if err := os.MkdirAll(filepath.Dir(p.live), 0o755); err != nil {
		return &PublishError{Op: "mkdir", Path: filepath.Dir(p.live), Err: err}
	}
	p.removeStaleLinks()

	if err := p.migrateLiveDir(); err != nil {
		return err
	}

	version := filepath.Join(versions, p.now().UTC().Format(versionTimeLayout)+"-"+runIDOf(stagingDir))
	if err := os.Rename(stagingDir, version); err != nil {
		return &PublishError{Op: "rename", Path: stagingDir, Err: err}
	}

	if err := p.swapLink(version); err != nil {
		// live still references the previous version
		if rbErr := os.Rename(version, stagingDir); rbErr != nil {
			slog.Warn("Failed to return version to staging", "path", version, "error", rbErr)
		}
		return err
	}

	slog.Info("Published new photo set", "live", p.live, "version", filepath.Base(version))
	p.prune(version)
	return nil
}

// swapLink creates a temporary symlink beside live and renames it over live
func (p *SymlinkPublisher) swapLink(version string) error {
	target := version
	if rel, err := filepath.Rel(filepath.Dir(p.live), version); err == nil {
		target = rel
	}

	tmp, err := p.tempLinkPath()
	if err != nil {
		return &PublishError{Op: "symlink", Path: p.live, Err: err}
	}
	if err := os.Symlink(target, tmp); err != nil {
		return &PublishError{Op: "symlink", Path: tmp, Err: err}
	}
	if err := os.Rename(tmp, p.live); err != nil {
		_ = os.Remove(tmp)
		return &PublishError{Op: "rename", Path: p.live, Err: err}
	}
	return nil
}

// migrateLiveDir turns a real directory at the live path into a version and points live at it.
// Readers see no live directory only between the move and the link swap; if the swap fails
// the directory is moved back.
func (p *SymlinkPublisher) migrateLiveDir() error {
	info, err := os.Lstat(p.live)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return &PublishError{Op: "stat", Path: p.live, Err: err}
	}

	switch {
	case info.Mode()&fs.ModeSymlink != 0:
		return nil
	case info.IsDir():
		dest := filepath.Join(p.ws.VersionsDir(), p.now().UTC().Format(versionTimeLayout)+"-migrated")
		if err := os.Rename(p.live, dest); err != nil {
			return &PublishError{Op: "migrate", Path: p.live, Err: err}
		}
		if err := p.swapLink(dest); err != nil {
			if rbErr := os.Rename(dest, p.live); rbErr != nil {
				slog.Error("Failed to restore live directory", "from", dest, "to", p.live, "error", rbErr)
			}
			return err
		}
		slog.Info("Migrated existing live directory", "from", p.live, "to", dest)
		return nil
	default:
		return &PublishError{Op: "stat", Path: p.live, Err: fmt.Errorf("live path is neither a directory nor a symlink")}
	}
}

// prune removes superseded versions beyond the retention count, never the current one
func (p *SymlinkPublisher) prune(current string) {
	entries, err := os.ReadDir(p.ws.VersionsDir())
	if err != nil {
		slog.Warn("Failed to list versions", "error", err)
		return
	}

	var superseded []string
	for _, entry := range entries {
		if entry.IsDir() && entry.Name() != filepath.Base(current) {
			superseded = append(superseded, entry.Name())
		}
	}
	slices.Sort(superseded)
	slices.Reverse(superseded)

	if len(superseded) <= p.keep {
		return
	}
	for _, name := range superseded[p.keep:] {
		if err := os.RemoveAll(filepath.Join(p.ws.VersionsDir(), name)); err != nil {
			slog.Warn("Failed to remove old version", "version", name, "error", err)
		}
	}
}

func (p *SymlinkPublisher) tempLinkPrefix() string {
	return "." + filepath.Base(p.live) + ".tmp-"
}

func (p *SymlinkPublisher) tempLinkPath() (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return filepath.Join(filepath.Dir(p.live), p.tempLinkPrefix()+hex.EncodeToString(b[:])), nil
}

// removeStaleLinks deletes temporary links left by a publish that was killed mid-swap
func (p *SymlinkPublisher) removeStaleLinks() {
	entries, err := os.ReadDir(filepath.Dir(p.live))
	if err != nil {
		return
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), p.tempLinkPrefix()) && entry.Type()&fs.ModeSymlink != 0 {
			_ = os.Remove(filepath.Join(filepath.Dir(p.live), entry.Name()))
		}
	}
}
