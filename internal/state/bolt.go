package state

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/stacklok/frame-sync/internal/catalog"
)

var (
	bucketItems = []byte("items")
	bucketRuns  = []byte("sync_runs")
)

// BoltStore implements Store on a bbolt database with JSON values
type BoltStore struct {
	db *bolt.DB
}

var _ Store = (*BoltStore)(nil)

// NewBoltStore opens (or creates) the bbolt database at path
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, storageErr("open", fmt.Errorf("failed to open bolt db: %w", err))
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketItems, bucketRuns} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, storageErr("open", err)
	}

	return &BoltStore{db: db}, nil
}

// GetAllItems returns every item record in key order
func (s *BoltStore) GetAllItems(_ context.Context) ([]ItemRecord, error) {
	var items []ItemRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketItems).ForEach(func(k, v []byte) error {
			var rec ItemRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("corrupt item %s: %w", k, err)
			}
			items = append(items, rec)
			return nil
		})
	})
	if err != nil {
		return nil, storageErr("get items", err)
	}
	return items, nil
}

// UpsertCatalogEntries inserts unseen ids with a zero show count
func (s *BoltStore) UpsertCatalogEntries(ctx context.Context, entries []catalog.RemoteEntry) (int, error) {
	var inserted int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketItems)
		for _, e := range entries {
			if err := ctx.Err(); err != nil {
				return err
			}
			key := []byte(e.ID)
			if b.Get(key) != nil {
				continue
			}
			data, err := json.Marshal(ItemRecord{ID: e.ID, Filename: e.Filename, Kind: e.Kind})
			if err != nil {
				return err
			}
			if err := b.Put(key, data); err != nil {
				return fmt.Errorf("failed to insert item %s: %w", e.ID, err)
			}
			inserted++
		}
		return nil
	})
	if err != nil {
		return 0, storageErr("upsert items", err)
	}
	return inserted, nil
}

// RecordSelection credits a single item
func (s *BoltStore) RecordSelection(ctx context.Context, itemID, period string, at time.Time) error {
	return s.RecordSelections(ctx, []string{itemID}, period, at)
}

// RecordSelections credits a batch of items in one transaction
func (s *BoltStore) RecordSelections(_ context.Context, itemIDs []string, period string, at time.Time) error {
	at = at.UTC()
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketItems)
		for _, id := range itemIDs {
			v := b.Get([]byte(id))
			if v == nil {
				return fmt.Errorf("%w: %s", ErrItemNotFound, id)
			}
			var rec ItemRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("corrupt item %s: %w", id, err)
			}
			rec.TimesShown++
			rec.LastShownAt = &at
			rec.LastShownPeriod = period

			data, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(id), data); err != nil {
				return err
			}
		}
		return nil
	})
	return storageErr("record selection", err)
}

// AppendRun appends a run record keyed by the bucket sequence
func (s *BoltStore) AppendRun(_ context.Context, run RunRecord) (int64, error) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		run.ID = int64(seq) //nolint:gosec // bolt sequences never exceed int64
		data, err := json.Marshal(run)
		if err != nil {
			return err
		}
		return b.Put(runKey(seq), data)
	})
	if err != nil {
		return 0, storageErr("append run", err)
	}
	return run.ID, nil
}

// ListRuns returns run records, newest first
func (s *BoltStore) ListRuns(_ context.Context, limit int) ([]RunRecord, error) {
	var runs []RunRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRuns).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(runs) >= limit {
				break
			}
			var run RunRecord
			if err := json.Unmarshal(v, &run); err != nil {
				return fmt.Errorf("corrupt run %d: %w", binary.BigEndian.Uint64(k), err)
			}
			runs = append(runs, run)
		}
		return nil
	})
	if err != nil {
		return nil, storageErr("list runs", err)
	}
	return runs, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func runKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
