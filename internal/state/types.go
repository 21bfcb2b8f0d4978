// Package state persists per-item show history and the run audit log.
package state

import (
	"context"
	"errors"
	"time"

	"github.com/stacklok/frame-sync/internal/catalog"
)

// ErrItemNotFound is returned when crediting an item that has no record
var ErrItemNotFound = errors.New("item not found")

// ItemRecord is the persistent show history of one catalog item
type ItemRecord struct {
	ID         string            `json:"id"`
	Filename   string            `json:"filename"`
	Kind       catalog.MediaKind `json:"kind"`
	TimesShown int               `json:"times_shown"`
	// LastShownAt is nil until the item is first credited
	LastShownAt *time.Time `json:"last_shown_at,omitempty"`
	// LastShownPeriod is empty until the item is first credited
	LastShownPeriod string `json:"last_shown_period,omitempty"`
}

// NeverShown reports whether the item has never been credited
func (r *ItemRecord) NeverShown() bool {
	return r == nil || r.LastShownPeriod == ""
}

// RunRecord is one entry of the append-only run audit log
type RunRecord struct {
	ID             int64     `json:"id"`
	RunAt          time.Time `json:"run_at"`
	Period         string    `json:"period"`
	Fetched        int       `json:"fetched"`
	Selected       int       `json:"selected"`
	Downloaded     int       `json:"downloaded"`
	Success        bool      `json:"success"`
	FailureStage   string    `json:"failure_stage,omitempty"`
	FailureMessage string    `json:"failure_message,omitempty"`
}

// Store is the durable show-history and run-audit store.
// Every mutation is transactional; failures are returned as *StorageError.
//
//go:generate mockgen -destination=mocks/mock_store.go -package=mocks github.com/stacklok/frame-sync/internal/state Store
type Store interface {
	// GetAllItems returns every item record
	GetAllItems(ctx context.Context) ([]ItemRecord, error)

	// UpsertCatalogEntries inserts records for unseen ids and leaves existing ones untouched.
	// It returns the number of records inserted.
	UpsertCatalogEntries(ctx context.Context, entries []catalog.RemoteEntry) (int, error)

	// RecordSelection credits a single item for the given period
	RecordSelection(ctx context.Context, itemID, period string, at time.Time) error

	// RecordSelections credits a batch of items in one transaction
	RecordSelections(ctx context.Context, itemIDs []string, period string, at time.Time) error

	// AppendRun appends a run record and returns its id
	AppendRun(ctx context.Context, run RunRecord) (int64, error)

	// ListRuns returns up to limit run records, newest first. A non-positive limit returns all.
	ListRuns(ctx context.Context, limit int) ([]RunRecord, error)

	// Close releases the underlying database
	Close() error
}

// StorageError is an I/O or integrity failure of the state store
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return "state " + e.Op + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// IndexByID maps records by item id
func IndexByID(records []ItemRecord) map[string]ItemRecord {
	m := make(map[string]ItemRecord, len(records))
	for _, r := range records {
		m[r.ID] = r
	}
	return m
}
