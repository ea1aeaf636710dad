// Copyright (C) 2025 Stratum Labs.
// See LICENSE for copying information.

// Package cache is the query module's local mirror of the file
// registry, kept current by consuming the lifecycle event stream.
// Applying an event twice is harmless: every event carries a dedup key
// that is recorded on first application.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	_ "github.com/mattn/go-sqlite3"

	"github.com/stratumfs/stratum/pkg/stratum"
)

var (
	// Error is the query cache error class.
	Error = errs.Class("query cache")
	// ErrNotFound is returned when a file is not in the cache.
	ErrNotFound = errs.Class("file not in cache")

	mon = monkit.Package()
)

const schema = `
CREATE TABLE IF NOT EXISTS files (
	file_id            TEXT      NOT NULL PRIMARY KEY,
	original_filename  TEXT      NOT NULL,
	storage_filename   TEXT      NOT NULL,
	storage_path       TEXT      NOT NULL,
	file_size          BIGINT    NOT NULL,
	checksum_sha256    TEXT      NOT NULL,
	content_type       TEXT      NOT NULL DEFAULT '',
	retention_policy   TEXT      NOT NULL,
	storage_element_id TEXT      NOT NULL,
	deleted_at         TIMESTAMP,
	deletion_reason    TEXT,
	updated_at         TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_query_files_updated ON files (updated_at);

CREATE TABLE IF NOT EXISTS processed_events (
	dedup_key    TEXT      NOT NULL PRIMARY KEY,
	processed_at TIMESTAMP NOT NULL
);
`

// Entry is one cached file.
type Entry struct {
	FileID           stratum.FileID          `db:"file_id" json:"file_id"`
	OriginalFilename string                  `db:"original_filename" json:"original_filename"`
	StorageFilename  string                  `db:"storage_filename" json:"storage_filename"`
	StoragePath      string                  `db:"storage_path" json:"storage_path"`
	FileSize         int64                   `db:"file_size" json:"file_size"`
	Checksum         string                  `db:"checksum_sha256" json:"checksum_sha256"`
	ContentType      string                  `db:"content_type" json:"content_type"`
	RetentionPolicy  stratum.RetentionPolicy `db:"retention_policy" json:"retention_policy"`
	StorageElementID string                  `db:"storage_element_id" json:"storage_element_id"`
	DeletedAt        *time.Time              `db:"deleted_at" json:"deleted_at,omitempty"`
	DeletionReason   *string                 `db:"deletion_reason" json:"deletion_reason,omitempty"`
	UpdatedAt        time.Time               `db:"updated_at" json:"updated_at"`
}

// Deleted reports whether the cached file is soft-deleted.
func (entry *Entry) Deleted() bool { return entry.DeletedAt != nil }

// DB is the query cache database.
type DB struct {
	db *sqlx.DB
}

// Open opens the cache at path, creating the schema when missing.
func Open(path string) (*DB, error) {
	raw, err := sqlx.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, Error.Wrap(err)
	}
	raw.SetMaxOpenConns(1)

	if _, err := raw.Exec(schema); err != nil {
		return nil, errs.Combine(Error.Wrap(err), raw.Close())
	}
	return &DB{db: raw}, nil
}

// Close closes the cache.
func (db *DB) Close() error { return Error.Wrap(db.db.Close()) }

// Ping verifies the cache is usable.
func (db *DB) Ping(ctx context.Context) error { return Error.Wrap(db.db.PingContext(ctx)) }

// ApplyEvent applies a lifecycle event to the cache. Events already
// applied are skipped, keyed by their dedup key. The dedup record and
// the mutation commit together: an event whose apply fails is not
// marked processed, so its redelivery applies it cleanly.
func (db *DB) ApplyEvent(ctx context.Context, event stratum.Event) (applied bool, err error) {
	defer mon.Task()(&ctx)(&err)

	tx, err := db.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, Error.Wrap(err)
	}
	defer func() {
		if err != nil {
			err = errs.Combine(err, tx.Rollback())
		}
	}()

	result, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO processed_events (dedup_key, processed_at) VALUES (?, ?)`,
		event.DedupKey(), time.Now().UTC())
	if err != nil {
		return false, Error.Wrap(err)
	}
	if inserted, err := result.RowsAffected(); err == nil && inserted == 0 {
		mon.Event("event_deduplicated")
		_ = tx.Rollback()
		return false, nil
	}

	switch event.Type {
	case stratum.EventFileCreated, stratum.EventFileUpdated:
		err = db.upsert(ctx, tx, event)
	case stratum.EventFileDeleted:
		err = db.markDeleted(ctx, tx, event)
	default:
		return false, stratum.ErrEvent.New("unknown event type %q", event.Type)
	}
	if err != nil {
		return false, err
	}
	return true, Error.Wrap(tx.Commit())
}

func (db *DB) upsert(ctx context.Context, tx *sqlx.Tx, event stratum.Event) error {
	metadata := event.Metadata
	_, err := tx.ExecContext(ctx, `
		INSERT INTO files (
			file_id, original_filename, storage_filename, storage_path,
			file_size, checksum_sha256, content_type, retention_policy,
			storage_element_id, deleted_at, deletion_reason, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, ?)
		ON CONFLICT(file_id) DO UPDATE SET
			original_filename = excluded.original_filename,
			storage_filename = excluded.storage_filename,
			storage_path = excluded.storage_path,
			file_size = excluded.file_size,
			checksum_sha256 = excluded.checksum_sha256,
			content_type = excluded.content_type,
			retention_policy = excluded.retention_policy,
			storage_element_id = excluded.storage_element_id,
			updated_at = excluded.updated_at`,
		event.FileID, metadata.OriginalFilename, metadata.StorageFilename,
		metadata.StoragePath, metadata.FileSize, metadata.Checksum,
		metadata.ContentType, metadata.RetentionPolicy,
		event.StorageElementID, event.Timestamp.UTC())
	return Error.Wrap(err)
}

func (db *DB) markDeleted(ctx context.Context, tx *sqlx.Tx, event stratum.Event) error {
	reason := event.Metadata.DeletionReason
	_, err := tx.ExecContext(ctx, `
		UPDATE files SET deleted_at = ?, deletion_reason = ?, updated_at = ?
		WHERE file_id = ? AND deleted_at IS NULL`,
		event.Timestamp.UTC(), reason, event.Timestamp.UTC(), event.FileID)
	return Error.Wrap(err)
}

// Get returns the cached file, soft-deleted included.
func (db *DB) Get(ctx context.Context, id stratum.FileID) (_ *Entry, err error) {
	defer mon.Task()(&ctx)(&err)

	var entry Entry
	err = db.db.GetContext(ctx, &entry, `SELECT * FROM files WHERE file_id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound.New("%s", id)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &entry, nil
}

// List returns live cached files ordered by update time descending.
func (db *DB) List(ctx context.Context, limit, offset int) (_ []*Entry, err error) {
	defer mon.Task()(&ctx)(&err)

	if limit <= 0 {
		limit = 50
	}
	var entries []*Entry
	err = db.db.SelectContext(ctx, &entries, `
		SELECT * FROM files
		WHERE deleted_at IS NULL
		ORDER BY updated_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return entries, nil
}

// Count returns the number of live cached files.
func (db *DB) Count(ctx context.Context) (count int, err error) {
	defer mon.Task()(&ctx)(&err)

	err = db.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM files WHERE deleted_at IS NULL`)
	return count, Error.Wrap(err)
}

// PurgeProcessed drops dedup records older than the cutoff. The stream
// retention makes redelivery of such old events impossible.
func (db *DB) PurgeProcessed(ctx context.Context, olderThan time.Time) (removed int64, err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.ExecContext(ctx,
		`DELETE FROM processed_events WHERE processed_at < ?`, olderThan)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	removed, _ = result.RowsAffected()
	return removed, nil
}
