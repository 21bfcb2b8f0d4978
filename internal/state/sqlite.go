package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	// registers the "sqlite" database/sql driver
	_ "modernc.org/sqlite"

	"github.com/stacklok/frame-sync/internal/catalog"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS items (
	id                TEXT PRIMARY KEY,
	filename          TEXT NOT NULL,
	kind              TEXT NOT NULL DEFAULT 'photo',
	times_shown       INTEGER NOT NULL DEFAULT 0 CHECK (times_shown >= 0),
	last_shown_at     TEXT,
	last_shown_period TEXT
);

CREATE TABLE IF NOT EXISTS sync_runs (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	run_at          TEXT NOT NULL,
	period          TEXT NOT NULL DEFAULT '',
	fetched         INTEGER NOT NULL,
	selected        INTEGER NOT NULL,
	downloaded      INTEGER NOT NULL,
	success         INTEGER NOT NULL,
	failure_stage   TEXT,
	failure_message TEXT
);
`

var sqlitePragmas = []string{
	"PRAGMA foreign_keys = ON",
	"PRAGMA journal_mode = WAL",
	"PRAGMA busy_timeout = 10000",
	"PRAGMA synchronous = NORMAL",
}

// SQLiteStore implements Store on a SQLite database
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the SQLite database at path and applies the schema
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, storageErr("open", err)
	}
	// A single connection keeps the pragmas applied and serializes writers
	db.SetMaxOpenConns(1)

	for _, pragma := range sqlitePragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, storageErr("open", fmt.Errorf("%s: %w", pragma, err))
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, storageErr("open", fmt.Errorf("failed to apply schema: %w", err))
	}

	return &SQLiteStore{db: db}, nil
}

// GetAllItems returns every item record
func (s *SQLiteStore) GetAllItems(ctx context.Context) ([]ItemRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, filename, kind, times_shown, last_shown_at, last_shown_period FROM items ORDER BY id`)
	if err != nil {
		return nil, storageErr("get items", err)
	}
	defer func() { _ = rows.Close() }()

	var items []ItemRecord
	for rows.Next() {
		var (
			rec    ItemRecord
			kind   string
			at     sql.NullString
			period sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.Filename, &kind, &rec.TimesShown, &at, &period); err != nil {
			return nil, storageErr("get items", err)
		}
		rec.Kind = catalog.MediaKind(kind)
		rec.LastShownPeriod = period.String
		if at.Valid {
			t, err := time.Parse(time.RFC3339Nano, at.String)
			if err != nil {
				return nil, storageErr("get items", fmt.Errorf("corrupt last_shown_at for item %s: %w", rec.ID, err))
			}
			rec.LastShownAt = &t
		}
		items = append(items, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("get items", err)
	}
	return items, nil
}

// UpsertCatalogEntries inserts unseen ids with a zero show count
func (s *SQLiteStore) UpsertCatalogEntries(ctx context.Context, entries []catalog.RemoteEntry) (int, error) {
	var inserted int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO items (id, filename, kind) VALUES (?, ?, ?) ON CONFLICT(id) DO NOTHING`)
		if err != nil {
			return err
		}
		defer func() { _ = stmt.Close() }()

		for _, e := range entries {
			res, err := stmt.ExecContext(ctx, e.ID, e.Filename, string(e.Kind))
			if err != nil {
				return fmt.Errorf("failed to insert item %s: %w", e.ID, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			inserted += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, storageErr("upsert items", err)
	}
	return inserted, nil
}

// RecordSelection credits a single item
func (s *SQLiteStore) RecordSelection(ctx context.Context, itemID, period string, at time.Time) error {
	return s.RecordSelections(ctx, []string{itemID}, period, at)
}

// RecordSelections credits a batch of items in one transaction.
// An unknown id rolls back the whole batch.
func (s *SQLiteStore) RecordSelections(ctx context.Context, itemIDs []string, period string, at time.Time) error {
	stamp := at.UTC().Format(time.RFC3339Nano)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `UPDATE items
			SET times_shown = times_shown + 1, last_shown_at = ?, last_shown_period = ?
			WHERE id = ?`)
		if err != nil {
			return err
		}
		defer func() { _ = stmt.Close() }()

		for _, id := range itemIDs {
			res, err := stmt.ExecContext(ctx, stamp, period, id)
			if err != nil {
				return fmt.Errorf("failed to credit item %s: %w", id, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				return fmt.Errorf("%w: %s", ErrItemNotFound, id)
			}
		}
		return nil
	})
	return storageErr("record selection", err)
}

// AppendRun appends a run record
func (s *SQLiteStore) AppendRun(ctx context.Context, run RunRecord) (int64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO sync_runs
		(run_at, period, fetched, selected, downloaded, success, failure_stage, failure_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunAt.UTC().Format(time.RFC3339Nano), run.Period,
		run.Fetched, run.Selected, run.Downloaded, run.Success,
		nullString(run.FailureStage), nullString(run.FailureMessage),
	)
	if err != nil {
		return 0, storageErr("append run", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, storageErr("append run", err)
	}
	return id, nil
}

// ListRuns returns run records, newest first
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, run_at, period, fetched, selected, downloaded, success,
		failure_stage, failure_message FROM sync_runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, storageErr("list runs", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []RunRecord
	for rows.Next() {
		var (
			run        RunRecord
			runAt      string
			stage, msg sql.NullString
		)
		if err := rows.Scan(&run.ID, &runAt, &run.Period, &run.Fetched, &run.Selected, &run.Downloaded,
			&run.Success, &stage, &msg); err != nil {
			return nil, storageErr("list runs", err)
		}
		t, err := time.Parse(time.RFC3339Nano, runAt)
		if err != nil {
			return nil, storageErr("list runs", fmt.Errorf("corrupt run_at for run %d: %w", run.ID, err))
		}
		run.RunAt = t
		run.FailureStage = stage.String
		run.FailureMessage = msg.String
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list runs", err)
	}
	return runs, nil
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, rbErr)
		}
		return err
	}
	return tx.Commit()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
