// Copyright (C) 2025 Stratum Labs.
// See LICENSE for copying information.

package admindb

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/stratumfs/stratum/pkg/stratum"
)

// CreateFile inserts a new registry entry. Registering an id twice is
// ErrDuplicate.
func (db *DB) CreateFile(ctx context.Context, record *stratum.FileRecord) (err error) {
	defer mon.Task()(&ctx)(&err)

	switch _, err := db.GetFile(ctx, record.ID); {
	case err == nil:
		return ErrDuplicate.New("file %s", record.ID)
	case !ErrNotFound.Has(err):
		return err
	}

	_, err = db.db.NamedExecContext(ctx, `
		INSERT INTO files (
			file_id, original_filename, storage_filename,
			file_size, checksum_sha256, content_type,
			retention_policy, ttl_expires_at,
			storage_element_id, storage_path,
			created_at, updated_at, finalized_at
		) VALUES (
			:file_id, :original_filename, :storage_filename,
			:file_size, :checksum_sha256, :content_type,
			:retention_policy, :ttl_expires_at,
			:storage_element_id, :storage_path,
			:created_at, :updated_at, :finalized_at
		)`, record)
	return Error.Wrap(err)
}

// GetFile returns the registry entry, soft-deleted included; the caller
// checks Deleted().
func (db *DB) GetFile(ctx context.Context, id stratum.FileID) (_ *stratum.FileRecord, err error) {
	defer mon.Task()(&ctx)(&err)

	var record stratum.FileRecord
	err = db.db.GetContext(ctx, &record,
		db.rebind(`SELECT * FROM files WHERE file_id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound.New("file %s", id)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &record, nil
}

// ListFiles returns live entries ordered by creation time descending.
func (db *DB) ListFiles(ctx context.Context, limit, offset int) (_ []*stratum.FileRecord, err error) {
	defer mon.Task()(&ctx)(&err)

	if limit <= 0 {
		limit = 50
	}

	var records []*stratum.FileRecord
	err = db.db.SelectContext(ctx, &records, db.rebind(`
		SELECT * FROM files
		WHERE deleted_at IS NULL
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?`), limit, offset)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return records, nil
}

// FileFilter narrows SearchFiles.
type FileFilter struct {
	RetentionPolicy  stratum.RetentionPolicy
	StorageElementID string
	IncludeDeleted   bool
	Limit            int
	Offset           int
}

// SearchFiles returns entries matching the filter ordered by creation
// time descending, along with the total match count.
func (db *DB) SearchFiles(ctx context.Context, filter FileFilter) (_ []*stratum.FileRecord, total int, err error) {
	defer mon.Task()(&ctx)(&err)

	if filter.Limit <= 0 {
		filter.Limit = 50
	}

	where := "WHERE 1=1"
	var args []interface{}
	if !filter.IncludeDeleted {
		where += " AND deleted_at IS NULL"
	}
	if filter.RetentionPolicy != "" {
		where += " AND retention_policy = ?"
		args = append(args, filter.RetentionPolicy)
	}
	if filter.StorageElementID != "" {
		where += " AND storage_element_id = ?"
		args = append(args, filter.StorageElementID)
	}

	err = db.db.GetContext(ctx, &total,
		db.rebind("SELECT COUNT(*) FROM files "+where), args...)
	if err != nil {
		return nil, 0, Error.Wrap(err)
	}

	var records []*stratum.FileRecord
	err = db.db.SelectContext(ctx, &records, db.rebind(
		"SELECT * FROM files "+where+" ORDER BY created_at DESC LIMIT ? OFFSET ?"),
		append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return nil, 0, Error.Wrap(err)
	}
	return records, total, nil
}

// CountFiles returns the number of live entries.
func (db *DB) CountFiles(ctx context.Context) (count int, err error) {
	defer mon.Task()(&ctx)(&err)

	err = db.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM files WHERE deleted_at IS NULL`)
	return count, Error.Wrap(err)
}

// UpdateRetention changes the file's retention policy. The permanent to
// temporary direction is forbidden.
func (db *DB) UpdateRetention(ctx context.Context, id stratum.FileID, policy stratum.RetentionPolicy) (err error) {
	defer mon.Task()(&ctx)(&err)

	record, err := db.GetFile(ctx, id)
	if err != nil {
		return err
	}
	if !record.RetentionPolicy.CanTransition(policy) {
		return ErrRetention.New("%s cannot become %s", record.RetentionPolicy, policy)
	}

	query := `UPDATE files SET retention_policy = ?, updated_at = ? WHERE file_id = ?`
	args := []interface{}{policy, time.Now().UTC(), id}
	if policy == stratum.RetentionPermanent {
		query = `UPDATE files SET retention_policy = ?, ttl_expires_at = NULL, updated_at = ? WHERE file_id = ?`
	}
	_, err = db.db.ExecContext(ctx, db.rebind(query), args...)
	return Error.Wrap(err)
}

// SetFileLocation moves the record to a new element, recording the
// finalization time.
func (db *DB) SetFileLocation(ctx context.Context, id stratum.FileID, elementID, storagePath string, finalizedAt time.Time) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.ExecContext(ctx, db.rebind(`
		UPDATE files
		SET storage_element_id = ?, storage_path = ?, finalized_at = ?, updated_at = ?
		WHERE file_id = ?`),
		elementID, storagePath, finalizedAt, time.Now().UTC(), id)
	if err != nil {
		return Error.Wrap(err)
	}
	return db.requireAffected(result, "file %s", id)
}

// SoftDeleteFile marks the record deleted. Deleting an already deleted
// file is a no-op so the operation stays idempotent.
func (db *DB) SoftDeleteFile(ctx context.Context, id stratum.FileID, reason string) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.ExecContext(ctx, db.rebind(`
		UPDATE files
		SET deleted_at = ?, deletion_reason = ?, updated_at = ?
		WHERE file_id = ? AND deleted_at IS NULL`),
		time.Now().UTC(), reason, time.Now().UTC(), id)
	return Error.Wrap(err)
}

// ExpiredFiles returns live temporary files whose ttl has passed.
func (db *DB) ExpiredFiles(ctx context.Context, now time.Time, limit int) (_ []*stratum.FileRecord, err error) {
	defer mon.Task()(&ctx)(&err)

	if limit <= 0 {
		limit = 100
	}

	var records []*stratum.FileRecord
	err = db.db.SelectContext(ctx, &records, db.rebind(`
		SELECT * FROM files
		WHERE deleted_at IS NULL
		  AND retention_policy = ?
		  AND ttl_expires_at IS NOT NULL
		  AND ttl_expires_at < ?
		ORDER BY ttl_expires_at
		LIMIT ?`), stratum.RetentionTemporary, now, limit)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return records, nil
}

func (db *DB) requireAffected(result sql.Result, format string, args ...interface{}) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		return ErrNotFound.New(format, args...)
	}
	return nil
}
