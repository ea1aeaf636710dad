// Copyright (C) 2025 Stratum Labs.
// See LICENSE for copying information.

package admindb

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/stratumfs/stratum/pkg/stratum"
)

// CleanupItem is one pending physical deletion.
type CleanupItem struct {
	ID               string         `db:"id"`
	FileID           stratum.FileID `db:"file_id"`
	StorageElementID string         `db:"storage_element_id"`
	StoragePath      string         `db:"storage_path"`
	Reason           string         `db:"reason"`

	// NotBefore delays processing; finalized staging copies keep a
	// safety margin before removal.
	NotBefore time.Time `db:"not_before"`

	// Priority orders items due at the same time; higher runs first.
	Priority int `db:"priority"`

	Attempts    int        `db:"attempts"`
	LastError   string     `db:"last_error"`
	CreatedAt   time.Time  `db:"created_at"`
	ProcessedAt *time.Time `db:"processed_at"`
}

// Cleanup reasons.
const (
	CleanupReasonUserDelete      = "user_delete"
	CleanupReasonTTLExpired      = "ttl_expired"
	CleanupReasonFinalizedSource = "finalized_source"
	CleanupReasonOrphan          = "orphan"
)

// Cleanup priorities; higher runs first among items due together.
// User-requested deletions go before background housekeeping.
const (
	CleanupPriorityLow    = 0
	CleanupPriorityNormal = 5
	CleanupPriorityHigh   = 10
)

// EnqueueCleanup adds a pending deletion to the queue.
func (db *DB) EnqueueCleanup(ctx context.Context, item *CleanupItem) (err error) {
	defer mon.Task()(&ctx)(&err)

	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	if item.NotBefore.IsZero() {
		item.NotBefore = item.CreatedAt
	}

	_, err = db.db.NamedExecContext(ctx, `
		INSERT INTO cleanup_queue (
			id, file_id, storage_element_id, storage_path, reason,
			not_before, priority, attempts, last_error, created_at
		) VALUES (
			:id, :file_id, :storage_element_id, :storage_path, :reason,
			:not_before, :priority, 0, '', :created_at
		)`, item)
	return Error.Wrap(err)
}

// DueCleanups returns unprocessed items whose delay has passed, oldest
// first; items due at the same time run in priority order.
func (db *DB) DueCleanups(ctx context.Context, now time.Time, limit int) (_ []*CleanupItem, err error) {
	defer mon.Task()(&ctx)(&err)

	if limit <= 0 {
		limit = 100
	}
	var items []*CleanupItem
	err = db.db.SelectContext(ctx, &items, db.rebind(`
		SELECT * FROM cleanup_queue
		WHERE processed_at IS NULL AND not_before <= ?
		ORDER BY not_before ASC, priority DESC
		LIMIT ?`), now, limit)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return items, nil
}

// MarkCleanupProcessed closes an item after a successful deletion.
func (db *DB) MarkCleanupProcessed(ctx context.Context, id string) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.ExecContext(ctx, db.rebind(`
		UPDATE cleanup_queue SET processed_at = ? WHERE id = ? AND processed_at IS NULL`),
		time.Now().UTC(), id)
	if err != nil {
		return Error.Wrap(err)
	}
	return db.requireAffected(result, "cleanup item %s", id)
}

// RecordCleanupFailure bumps the attempt counter and stores the error.
// The item stays in the queue and is retried on the next run.
func (db *DB) RecordCleanupFailure(ctx context.Context, id string, cause error) (err error) {
	defer mon.Task()(&ctx)(&err)

	message := ""
	if cause != nil {
		message = cause.Error()
	}
	_, err = db.db.ExecContext(ctx, db.rebind(`
		UPDATE cleanup_queue SET attempts = attempts + 1, last_error = ? WHERE id = ?`),
		message, id)
	return Error.Wrap(err)
}

// PendingCleanups counts unprocessed items.
func (db *DB) PendingCleanups(ctx context.Context) (count int, err error) {
	defer mon.Task()(&ctx)(&err)

	err = db.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM cleanup_queue WHERE processed_at IS NULL`)
	return count, Error.Wrap(err)
}
