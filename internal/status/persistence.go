// Package status persists the summary of the latest sync run.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

//go:generate mockgen -destination=mocks/mock_status_persistence.go -package=mocks -source=persistence.go StatusPersistence

// StatusPersistence defines the interface for sync status persistence
//
//nolint:revive // This name is fine
type StatusPersistence interface {
	// SaveStatus replaces the stored status
	SaveStatus(ctx context.Context, status *SyncStatus) error

	// LoadStatus returns the stored status, or an empty SyncStatus before the first run
	LoadStatus(ctx context.Context) (*SyncStatus, error)
}

// fileStatusPersistence implements StatusPersistence with a single JSON file
type fileStatusPersistence struct {
	filePath string
}

// NewFileStatusPersistence creates a file-based status persistence writing to filePath
func NewFileStatusPersistence(filePath string) StatusPersistence {
	return &fileStatusPersistence{
		filePath: filePath,
	}
}

// SaveStatus writes the status through a temporary file and an atomic rename
func (f *fileStatusPersistence) SaveStatus(_ context.Context, status *SyncStatus) error {
	if err := os.MkdirAll(filepath.Dir(f.filePath), 0750); err != nil {
		return fmt.Errorf("failed to create status directory: %w", err)
	}

	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal status data: %w", err)
	}

	tempPath := f.filePath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temporary status file: %w", err)
	}

	if err := os.Rename(tempPath, f.filePath); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to rename status file: %w", err)
	}

	return nil
}

// LoadStatus reads the status file
func (f *fileStatusPersistence) LoadStatus(_ context.Context) (*SyncStatus, error) {
	// #nosec G304 -- filePath comes from configuration, not from request input
	data, err := os.ReadFile(f.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			// First run
			return &SyncStatus{}, nil
		}
		return nil, fmt.Errorf("failed to read status file: %w", err)
	}

	var status SyncStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("failed to unmarshal status data: %w", err)
	}

	return &status, nil
}
