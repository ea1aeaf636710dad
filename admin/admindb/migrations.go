// Copyright (C) 2025 Stratum Labs.
// See LICENSE for copying information.

package admindb

import (
	"context"
	"database/sql"
	"errors"

	"go.uber.org/zap"
)

// migration is one versioned schema step. Steps run in order inside a
// transaction each; the applied version is recorded in schema_versions.
type migration struct {
	Version     int
	Description string
	Statements  []string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "files registry",
		Statements: []string{
			`CREATE TABLE files (
				file_id            TEXT      NOT NULL PRIMARY KEY,
				original_filename  TEXT      NOT NULL,
				storage_filename   TEXT      NOT NULL,
				file_size          BIGINT    NOT NULL,
				checksum_sha256    TEXT      NOT NULL,
				content_type       TEXT      NOT NULL DEFAULT '',
				retention_policy   TEXT      NOT NULL,
				ttl_expires_at     TIMESTAMP,
				storage_element_id TEXT      NOT NULL,
				storage_path       TEXT      NOT NULL,
				created_at         TIMESTAMP NOT NULL,
				updated_at         TIMESTAMP NOT NULL,
				finalized_at       TIMESTAMP,
				deleted_at         TIMESTAMP,
				deletion_reason    TEXT
			)`,
			`CREATE INDEX idx_files_created_at ON files (created_at)`,
			`CREATE INDEX idx_files_ttl ON files (ttl_expires_at)`,
			`CREATE INDEX idx_files_element ON files (storage_element_id)`,
		},
	},
	{
		Version:     2,
		Description: "storage element registry",
		Statements: []string{
			`CREATE TABLE storage_elements (
				element_id          TEXT      NOT NULL PRIMARY KEY,
				endpoint            TEXT      NOT NULL,
				mode                TEXT      NOT NULL,
				priority            INTEGER   NOT NULL,
				datacenter_location TEXT      NOT NULL DEFAULT '',
				status              TEXT      NOT NULL DEFAULT 'INITIALIZING',
				threshold_warning   REAL,
				threshold_critical  REAL,
				threshold_full      REAL,
				updated_at          TIMESTAMP NOT NULL
			)`,
		},
	},
	{
		Version:     3,
		Description: "finalize transactions",
		Statements: []string{
			`CREATE TABLE finalize_transactions (
				transaction_id    TEXT      NOT NULL PRIMARY KEY,
				file_id           TEXT      NOT NULL,
				source_element_id TEXT      NOT NULL,
				target_element_id TEXT      NOT NULL,
				state             TEXT      NOT NULL,
				progress          INTEGER   NOT NULL DEFAULT 0,
				checksum          TEXT      NOT NULL DEFAULT '',
				last_error        TEXT      NOT NULL DEFAULT '',
				created_at        TIMESTAMP NOT NULL,
				updated_at        TIMESTAMP NOT NULL,
				completed_at      TIMESTAMP
			)`,
			`CREATE INDEX idx_finalize_state ON finalize_transactions (state)`,
			`CREATE INDEX idx_finalize_file ON finalize_transactions (file_id)`,
		},
	},
	{
		Version:     4,
		Description: "cleanup queue",
		Statements: []string{
			`CREATE TABLE cleanup_queue (
				id                 TEXT      NOT NULL PRIMARY KEY,
				file_id            TEXT      NOT NULL,
				storage_element_id TEXT      NOT NULL,
				storage_path       TEXT      NOT NULL,
				reason             TEXT      NOT NULL,
				not_before         TIMESTAMP NOT NULL,
				attempts           INTEGER   NOT NULL DEFAULT 0,
				last_error         TEXT      NOT NULL DEFAULT '',
				created_at         TIMESTAMP NOT NULL,
				processed_at       TIMESTAMP
			)`,
			`CREATE INDEX idx_cleanup_due ON cleanup_queue (not_before)`,
		},
	},
	{
		Version:     5,
		Description: "cleanup queue priority",
		Statements: []string{
			`ALTER TABLE cleanup_queue ADD COLUMN priority INTEGER NOT NULL DEFAULT 0`,
		},
	},
}

func (db *DB) migrate(ctx context.Context) error {
	_, err := db.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_versions (
		version     INTEGER   NOT NULL PRIMARY KEY,
		description TEXT      NOT NULL,
		applied_at  TIMESTAMP NOT NULL
	)`)
	if err != nil {
		return Error.Wrap(err)
	}

	var current int
	err = db.db.GetContext(ctx, &current, `SELECT COALESCE(MAX(version), 0) FROM schema_versions`)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Error.Wrap(err)
	}

	for _, step := range migrations {
		if step.Version <= current {
			continue
		}

		tx, err := db.db.BeginTxx(ctx, nil)
		if err != nil {
			return Error.Wrap(err)
		}
		for _, statement := range step.Statements {
			if _, err := tx.ExecContext(ctx, statement); err != nil {
				_ = tx.Rollback()
				return Error.New("migration %d (%s): %v", step.Version, step.Description, err)
			}
		}
		_, err = tx.ExecContext(ctx, db.rebind(
			`INSERT INTO schema_versions (version, description, applied_at) VALUES (?, ?, CURRENT_TIMESTAMP)`),
			step.Version, step.Description)
		if err != nil {
			_ = tx.Rollback()
			return Error.Wrap(err)
		}
		if err := tx.Commit(); err != nil {
			return Error.Wrap(err)
		}

		db.log.Info("migration applied",
			zap.Int("version", step.Version),
			zap.String("description", step.Description))
	}
	return nil
}
