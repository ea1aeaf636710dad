// Copyright (C) 2025 Stratum Labs.
// See LICENSE for copying information.

package admindb

import (
	"context"

	"github.com/stratumfs/stratum/pkg/stratum"
)

// HasCleanup reports whether an item already exists for the file on the
// element with the given reason, processed or not. Keeps periodic
// enqueue passes idempotent.
func (db *DB) HasCleanup(ctx context.Context, fileID stratum.FileID, elementID, reason string) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)

	var count int
	err = db.db.GetContext(ctx, &count, db.rebind(`
		SELECT COUNT(*) FROM cleanup_queue
		WHERE file_id = ? AND storage_element_id = ? AND reason = ?`),
		fileID, elementID, reason)
	if err != nil {
		return false, Error.Wrap(err)
	}
	return count > 0, nil
}
