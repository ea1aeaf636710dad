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

// CreateFinalize records a new finalize transaction in COPYING state.
func (db *DB) CreateFinalize(ctx context.Context, tx *stratum.FinalizeTransaction) (err error) {
	defer mon.Task()(&ctx)(&err)

	if tx.State == "" {
		tx.State = stratum.FinalizeCopying
	}
	tx.Progress = tx.State.Progress()
	now := time.Now().UTC()
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	tx.UpdatedAt = now

	_, err = db.db.NamedExecContext(ctx, `
		INSERT INTO finalize_transactions (
			transaction_id, file_id, source_element_id, target_element_id,
			state, progress, checksum, last_error, created_at, updated_at
		) VALUES (
			:transaction_id, :file_id, :source_element_id, :target_element_id,
			:state, :progress, :checksum, :last_error, :created_at, :updated_at
		)`, tx)
	return Error.Wrap(err)
}

// GetFinalize returns the finalize transaction.
func (db *DB) GetFinalize(ctx context.Context, transactionID string) (_ *stratum.FinalizeTransaction, err error) {
	defer mon.Task()(&ctx)(&err)

	var tx stratum.FinalizeTransaction
	err = db.db.GetContext(ctx, &tx,
		db.rebind(`SELECT * FROM finalize_transactions WHERE transaction_id = ?`), transactionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound.New("finalize transaction %s", transactionID)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &tx, nil
}

// AdvanceFinalize transitions the transaction. Transitioning a terminal
// transaction is an error; checksum and lastError are recorded when
// non-empty.
func (db *DB) AdvanceFinalize(ctx context.Context, transactionID string, state stratum.FinalizeState, checksum, lastError string) (err error) {
	defer mon.Task()(&ctx)(&err)

	current, err := db.GetFinalize(ctx, transactionID)
	if err != nil {
		return err
	}
	if current.State.Terminal() {
		return Error.New("finalize transaction %s already %s", transactionID, current.State)
	}

	now := time.Now().UTC()
	progress := state.Progress()
	if progress == 0 {
		// failure states keep the last progress reached
		progress = current.Progress
	}

	var completedAt *time.Time
	if state.Terminal() {
		completedAt = &now
	}
	if checksum == "" {
		checksum = current.Checksum
	}

	_, err = db.db.ExecContext(ctx, db.rebind(`
		UPDATE finalize_transactions
		SET state = ?, progress = ?, checksum = ?, last_error = ?, updated_at = ?, completed_at = ?
		WHERE transaction_id = ?`),
		state, progress, checksum, lastError, now, completedAt, transactionID)
	return Error.Wrap(err)
}

// FinalizeByState returns transactions in the given state, oldest first.
func (db *DB) FinalizeByState(ctx context.Context, state stratum.FinalizeState, limit int) (_ []*stratum.FinalizeTransaction, err error) {
	defer mon.Task()(&ctx)(&err)

	if limit <= 0 {
		limit = 100
	}
	var txs []*stratum.FinalizeTransaction
	err = db.db.SelectContext(ctx, &txs, db.rebind(`
		SELECT * FROM finalize_transactions
		WHERE state = ?
		ORDER BY created_at
		LIMIT ?`), state, limit)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return txs, nil
}

// CompletedFinalizeBefore returns completed transactions whose
// completion is older than the cutoff. The garbage collector uses it to
// find staging copies safe to remove.
func (db *DB) CompletedFinalizeBefore(ctx context.Context, cutoff time.Time, limit int) (_ []*stratum.FinalizeTransaction, err error) {
	defer mon.Task()(&ctx)(&err)

	if limit <= 0 {
		limit = 100
	}
	var txs []*stratum.FinalizeTransaction
	err = db.db.SelectContext(ctx, &txs, db.rebind(`
		SELECT * FROM finalize_transactions
		WHERE state = ? AND completed_at IS NOT NULL AND completed_at < ?
		ORDER BY completed_at
		LIMIT ?`), stratum.FinalizeCompleted, cutoff, limit)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return txs, nil
}
