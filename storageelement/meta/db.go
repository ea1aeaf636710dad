// Copyright (C) 2025 Stratum Labs.
// See LICENSE for copying information.

// Package meta implements the storage element's local metadata cache:
// a rebuildable relational projection of the attribute sidecars used for
// fast listing and lookup.
package meta

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // registers the sqlite3 driver
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"github.com/stratumfs/stratum/pkg/stratum"
	"github.com/stratumfs/stratum/storageelement/sidecar"
)

var (
	// Error is the metadata cache error class.
	Error = errs.Class("meta")
	// ErrNotFound is returned when a cache row does not exist.
	ErrNotFound = errs.Class("cache entry not found")

	mon = monkit.Package()
)

// Cache TTLs by mode: writable elements churn, read-only ones barely move.
const (
	WritableCacheTTL = 24 * time.Hour
	ReadOnlyCacheTTL = 168 * time.Hour
)

// TTLForMode returns the cache ttl for a storage element mode.
func TTLForMode(mode stratum.Mode) time.Duration {
	if mode == stratum.ModeRO || mode == stratum.ModeAR {
		return ReadOnlyCacheTTL
	}
	return WritableCacheTTL
}

const schema = `
CREATE TABLE IF NOT EXISTS file_cache (
	file_id            TEXT PRIMARY KEY,
	original_filename  TEXT NOT NULL,
	storage_filename   TEXT NOT NULL,
	storage_path       TEXT NOT NULL,
	file_size          INTEGER NOT NULL,
	checksum_sha256    TEXT NOT NULL,
	content_type       TEXT NOT NULL,
	retention_policy   TEXT NOT NULL,
	ttl_expires_at     TIMESTAMP,
	created_at         TIMESTAMP NOT NULL,
	updated_at         TIMESTAMP NOT NULL,
	custom_attributes  TEXT NOT NULL DEFAULT '{}',
	cache_updated_at   TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_file_cache_storage_path ON file_cache(storage_path);
CREATE INDEX IF NOT EXISTS idx_file_cache_created_at ON file_cache(created_at);
`

// Entry is one metadata cache row.
type Entry struct {
	FileID           stratum.FileID          `db:"file_id"`
	OriginalFilename string                  `db:"original_filename"`
	StorageFilename  string                  `db:"storage_filename"`
	StoragePath      string                  `db:"storage_path"`
	FileSize         int64                   `db:"file_size"`
	Checksum         string                  `db:"checksum_sha256"`
	ContentType      string                  `db:"content_type"`
	RetentionPolicy  stratum.RetentionPolicy `db:"retention_policy"`
	TTLExpiresAt     *time.Time              `db:"ttl_expires_at"`
	CreatedAt        time.Time               `db:"created_at"`
	UpdatedAt        time.Time               `db:"updated_at"`
	CustomAttributes string                  `db:"custom_attributes"`
	CacheUpdatedAt   time.Time               `db:"cache_updated_at"`
}

// Expired reports whether the row is older than the cache ttl.
func (entry *Entry) Expired(now time.Time, ttl time.Duration) bool {
	return now.After(entry.CacheUpdatedAt.Add(ttl))
}

// EntryFromAttributes projects a sidecar document into a cache row.
func EntryFromAttributes(attrs *sidecar.Attributes, now time.Time) (*Entry, error) {
	custom, err := json.Marshal(attrs.CustomAttributes)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &Entry{
		FileID:           attrs.FileID,
		OriginalFilename: attrs.OriginalFilename,
		StorageFilename:  attrs.StorageFilename,
		StoragePath:      attrs.StoragePath,
		FileSize:         attrs.FileSize,
		Checksum:         attrs.Checksum,
		ContentType:      attrs.ContentType,
		RetentionPolicy:  attrs.RetentionPolicy,
		TTLExpiresAt:     attrs.TTLExpiresAt,
		CreatedAt:        attrs.CreatedAt,
		UpdatedAt:        attrs.UpdatedAt,
		CustomAttributes: string(custom),
		CacheUpdatedAt:   now,
	}, nil
}

// DB is the metadata cache database.
type DB struct {
	db  *sqlx.DB
	ttl time.Duration

	locks *LockManager
}

// Open opens (and migrates) the cache database at path. Use ":memory:"
// for ephemeral tests.
func Open(path string, mode stratum.Mode) (*DB, error) {
	db, err := sqlx.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, Error.Wrap(err)
	}
	// sqlite handles a single writer; serialize through one connection
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, Error.Wrap(err)
	}

	return &DB{
		db:    db,
		ttl:   TTLForMode(mode),
		locks: NewLockManager(),
	}, nil
}

// TTL returns the cache ttl used by this database.
func (db *DB) TTL() time.Duration { return db.ttl }

// Locks returns the cache lock manager.
func (db *DB) Locks() *LockManager { return db.locks }

// Close closes the database.
func (db *DB) Close() error { return Error.Wrap(db.db.Close()) }

// Upsert inserts or replaces a cache row.
func (db *DB) Upsert(ctx context.Context, entry *Entry) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.NamedExecContext(ctx, `
		INSERT OR REPLACE INTO file_cache (
			file_id, original_filename, storage_filename, storage_path,
			file_size, checksum_sha256, content_type, retention_policy,
			ttl_expires_at, created_at, updated_at, custom_attributes,
			cache_updated_at
		) VALUES (
			:file_id, :original_filename, :storage_filename, :storage_path,
			:file_size, :checksum_sha256, :content_type, :retention_policy,
			:ttl_expires_at, :created_at, :updated_at, :custom_attributes,
			:cache_updated_at
		)`, entry)
	return Error.Wrap(err)
}

// Get returns the cache row for the file id.
func (db *DB) Get(ctx context.Context, id stratum.FileID) (*Entry, error) {
	var entry Entry
	err := db.db.GetContext(ctx, &entry,
		`SELECT * FROM file_cache WHERE file_id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound.New("%s", id)
		}
		return nil, Error.Wrap(err)
	}
	return &entry, nil
}

// Delete removes the cache row for the file id.
func (db *DB) Delete(ctx context.Context, id stratum.FileID) error {
	_, err := db.db.ExecContext(ctx,
		`DELETE FROM file_cache WHERE file_id = ?`, id)
	return Error.Wrap(err)
}

// List returns rows ordered by created_at descending.
func (db *DB) List(ctx context.Context, limit, offset int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	var entries []*Entry
	err := db.db.SelectContext(ctx, &entries,
		`SELECT * FROM file_cache ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		limit, offset)
	return entries, Error.Wrap(err)
}

// Count returns the number of cache rows.
func (db *DB) Count(ctx context.Context) (int64, error) {
	var count int64
	err := db.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM file_cache`)
	return count, Error.Wrap(err)
}

// AllPaths returns the storage path of every cache row.
func (db *DB) AllPaths(ctx context.Context) (map[stratum.FileID]string, error) {
	rows, err := db.db.QueryxContext(ctx,
		`SELECT file_id, storage_path FROM file_cache`)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { _ = rows.Close() }()

	paths := make(map[stratum.FileID]string)
	for rows.Next() {
		var id stratum.FileID
		var path string
		if err := rows.Scan(&id, &path); err != nil {
			return nil, Error.Wrap(err)
		}
		paths[id] = path
	}
	return paths, Error.Wrap(rows.Err())
}

// CountExpired returns the number of rows older than the cache ttl.
func (db *DB) CountExpired(ctx context.Context, now time.Time) (int64, error) {
	var count int64
	err := db.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM file_cache WHERE cache_updated_at < ?`, now.Add(-db.ttl))
	return count, Error.Wrap(err)
}

// DeleteExpired removes rows whose cache_updated_at + ttl has passed.
func (db *DB) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := db.db.ExecContext(ctx,
		`DELETE FROM file_cache WHERE cache_updated_at < ?`, now.Add(-db.ttl))
	if err != nil {
		return 0, Error.Wrap(err)
	}
	affected, err := res.RowsAffected()
	return affected, Error.Wrap(err)
}

// Truncate removes all rows.
func (db *DB) Truncate(ctx context.Context) error {
	_, err := db.db.ExecContext(ctx, `DELETE FROM file_cache`)
	return Error.Wrap(err)
}

// UpsertBatch inserts rows in a single transaction.
func (db *DB) UpsertBatch(ctx context.Context, entries []*Entry) (err error) {
	defer mon.Task()(&ctx)(&err)

	tx, err := db.db.BeginTxx(ctx, nil)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, entry := range entries {
		if _, err = tx.NamedExecContext(ctx, `
			INSERT OR REPLACE INTO file_cache (
				file_id, original_filename, storage_filename, storage_path,
				file_size, checksum_sha256, content_type, retention_policy,
				ttl_expires_at, created_at, updated_at, custom_attributes,
				cache_updated_at
			) VALUES (
				:file_id, :original_filename, :storage_filename, :storage_path,
				:file_size, :checksum_sha256, :content_type, :retention_policy,
				:ttl_expires_at, :created_at, :updated_at, :custom_attributes,
				:cache_updated_at
			)`, entry); err != nil {
			return Error.Wrap(err)
		}
	}
	return Error.Wrap(tx.Commit())
}

// Exists reports whether a row exists for the file id.
func (db *DB) Exists(ctx context.Context, id stratum.FileID) (bool, error) {
	var count int
	err := db.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM file_cache WHERE file_id = ?`, id)
	return count > 0, Error.Wrap(err)
}
