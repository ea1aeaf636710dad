// Copyright (C) 2025 Stratum Labs.
// See LICENSE for copying information.

package cache_test

import (
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratumfs/stratum/internal/testcontext"
	"github.com/stratumfs/stratum/pkg/stratum"
	"github.com/stratumfs/stratum/query/cache"
)

func openCache(t *testing.T, ctx *testcontext.Context) *cache.DB {
	db, err := cache.Open(ctx.File("cache", "query.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	return db
}

func createdEvent(id stratum.FileID, ts time.Time) stratum.Event {
	return stratum.Event{
		Type:             stratum.EventFileCreated,
		FileID:           id,
		StorageElementID: "se-edit-1",
		Timestamp:        ts,
		Metadata: stratum.EventMetadata{
			OriginalFilename: "img.png",
			StorageFilename:  "img_bob_20250101T000000_x.png",
			StoragePath:      "2025/01/01/00/img_bob_20250101T000000_x.png",
			FileSize:         512,
			Checksum:         "aa11",
			ContentType:      "image/png",
			RetentionPolicy:  stratum.RetentionTemporary,
		},
	}
}

func TestApplyCreateUpdateDelete(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := openCache(t, ctx)

	id := stratum.NewFileID()
	base := time.Now().UTC().Truncate(time.Millisecond)

	applied, err := db.ApplyEvent(ctx, createdEvent(id, base))
	require.NoError(t, err)
	assert.True(t, applied)

	entry, err := db.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "img.png", entry.OriginalFilename)
	assert.False(t, entry.Deleted())

	update := createdEvent(id, base.Add(time.Second))
	update.Type = stratum.EventFileUpdated
	update.StorageElementID = "se-rw-1"
	update.Metadata.RetentionPolicy = stratum.RetentionPermanent
	applied, err = db.ApplyEvent(ctx, update)
	require.NoError(t, err)
	assert.True(t, applied)

	entry, err = db.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "se-rw-1", entry.StorageElementID)
	assert.Equal(t, stratum.RetentionPermanent, entry.RetentionPolicy)

	deleted := stratum.Event{
		Type:             stratum.EventFileDeleted,
		FileID:           id,
		StorageElementID: "se-rw-1",
		Timestamp:        base.Add(2 * time.Second),
		Metadata:         stratum.EventMetadata{DeletionReason: "ttl_expired"},
	}
	applied, err = db.ApplyEvent(ctx, deleted)
	require.NoError(t, err)
	assert.True(t, applied)

	entry, err = db.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, entry.Deleted())
	require.NotNil(t, entry.DeletionReason)
	assert.Equal(t, "ttl_expired", *entry.DeletionReason)

	count, err := db.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count, "deleted files are not live")
}

func TestApplyEventIdempotent(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := openCache(t, ctx)

	event := createdEvent(stratum.NewFileID(), time.Now().UTC())

	applied, err := db.ApplyEvent(ctx, event)
	require.NoError(t, err)
	assert.True(t, applied)

	// redelivery of the same event is a no-op
	applied, err = db.ApplyEvent(ctx, event)
	require.NoError(t, err)
	assert.False(t, applied)

	count, err := db.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestApplyEventFailureLeavesEventUnprocessed(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	path := ctx.File("cache", "query.db")
	db, err := cache.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })

	// break the apply step through a second handle on the same file
	raw, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, raw.Close()) })

	_, err = raw.Exec(`ALTER TABLE files RENAME TO files_unreachable`)
	require.NoError(t, err)

	event := createdEvent(stratum.NewFileID(), time.Now().UTC())
	_, err = db.ApplyEvent(ctx, event)
	require.Error(t, err)

	_, err = raw.Exec(`ALTER TABLE files_unreachable RENAME TO files`)
	require.NoError(t, err)

	// the failed attempt must not have recorded the dedup key, so the
	// redelivered event applies for real
	applied, err := db.ApplyEvent(ctx, event)
	require.NoError(t, err)
	assert.True(t, applied, "redelivery after a failed apply must not be deduplicated")

	entry, err := db.Get(ctx, event.FileID)
	require.NoError(t, err)
	assert.Equal(t, "img.png", entry.OriginalFilename)
}

func TestListOrdering(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := openCache(t, ctx)

	base := time.Now().UTC().Truncate(time.Millisecond)
	var ids []stratum.FileID
	for i := 0; i < 3; i++ {
		id := stratum.NewFileID()
		ids = append(ids, id)
		_, err := db.ApplyEvent(ctx, createdEvent(id, base.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
	}

	entries, err := db.List(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, ids[2], entries[0].FileID, "most recently updated first")

	entries, err = db.List(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ids[1], entries[0].FileID)
}

func TestGetMissing(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := openCache(t, ctx)

	_, err := db.Get(ctx, stratum.NewFileID())
	require.Error(t, err)
	assert.True(t, cache.ErrNotFound.Has(err))
}

func TestPurgeProcessed(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := openCache(t, ctx)

	event := createdEvent(stratum.NewFileID(), time.Now().UTC())
	_, err := db.ApplyEvent(ctx, event)
	require.NoError(t, err)

	removed, err := db.PurgeProcessed(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, removed, "recent dedup records are kept")

	removed, err = db.PurgeProcessed(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)

	// once the dedup record is gone a redelivered event applies again;
	// the upsert keeps the row identical
	applied, err := db.ApplyEvent(ctx, event)
	require.NoError(t, err)
	assert.True(t, applied)
}
