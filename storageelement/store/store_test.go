// Copyright (C) 2025 Stratum Labs.
// See LICENSE for copying information.

package store_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/errs"
	"go.uber.org/zap/zaptest"

	"github.com/stratumfs/stratum/internal/testcontext"
	"github.com/stratumfs/stratum/pkg/stratum"
	"github.com/stratumfs/stratum/storageelement/blobstore"
	"github.com/stratumfs/stratum/storageelement/meta"
	"github.com/stratumfs/stratum/storageelement/sidecar"
	"github.com/stratumfs/stratum/storageelement/store"
	"github.com/stratumfs/stratum/storageelement/wal"
)

type fixture struct {
	store   *store.Store
	db      *meta.DB
	wal     wal.Log
	backend blobstore.Backend
}

func newFixture(t *testing.T, ctx *testcontext.Context, mode stratum.Mode, backend blobstore.Backend) *fixture {
	log := zaptest.NewLogger(t)

	if backend == nil {
		var err error
		backend, err = blobstore.NewLocal(ctx.Dir("blobs"), 0)
		require.NoError(t, err)
	}

	db, err := meta.Open(ctx.File("meta", "cache.db"), mode)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })

	walLog := wal.NewMemLog()
	rebuilder := meta.NewRebuilder(log, db, backend)

	return &fixture{
		store:   store.New(log, "se-test-1", mode, backend, walLog, db, rebuilder),
		db:      db,
		wal:     walLog,
		backend: backend,
	}
}

func TestUploadDownload(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	fx := newFixture(t, ctx, stratum.ModeEdit, nil)

	data := []byte("the quick brown fox")
	sum := sha256.Sum256(data)

	result, err := fx.store.Upload(ctx, store.UploadRequest{
		OriginalFilename: "fox.txt",
		Uploader:         "alice",
		ContentType:      "text/plain",
		RetentionPolicy:  stratum.RetentionTemporary,
		ExpectedSize:     int64(len(data)),
		Data:             bytes.NewReader(data),
	})
	require.NoError(t, err)
	assert.EqualValues(t, len(data), result.FileSize)
	assert.Equal(t, hex.EncodeToString(sum[:]), result.Checksum)
	assert.NotEmpty(t, result.StoragePath)

	entry, err := fx.store.GetMetadata(ctx, result.FileID)
	require.NoError(t, err)
	assert.Equal(t, "fox.txt", entry.OriginalFilename)
	assert.Equal(t, result.Checksum, entry.Checksum)

	reader, meta2, err := fx.store.Download(ctx, result.FileID)
	require.NoError(t, err)
	defer ctx.Check(reader.Close)
	got, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, result.StoragePath, meta2.StoragePath)

	// the sidecar is the source of truth; verify it landed next to the bytes
	attrs, err := sidecar.Read(ctx, fx.backend, result.StoragePath)
	require.NoError(t, err)
	assert.Equal(t, result.FileID, attrs.FileID)
	assert.Equal(t, result.Checksum, attrs.Checksum)

	entries, err := fx.wal.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, wal.StatusCommitted, entries[0].Status)
}

func TestUploadPreservesFileID(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	fx := newFixture(t, ctx, stratum.ModeRW, nil)

	id := stratum.NewFileID()
	result, err := fx.store.Upload(ctx, store.UploadRequest{
		FileID:           id,
		OriginalFilename: "promoted.bin",
		RetentionPolicy:  stratum.RetentionPermanent,
		ExpectedSize:     -1,
		Data:             bytes.NewReader([]byte("payload")),
	})
	require.NoError(t, err)
	assert.Equal(t, id, result.FileID)
}

// failAttrBackend fails sidecar writes after the bytes have landed.
type failAttrBackend struct {
	blobstore.Backend
}

func (b failAttrBackend) WriteAttrFile(ctx context.Context, path string, data []byte) error {
	return errs.New("disk on fire")
}

func TestUploadRollback(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	local, err := blobstore.NewLocal(ctx.Dir("blobs"), 0)
	require.NoError(t, err)
	fx := newFixture(t, ctx, stratum.ModeEdit, failAttrBackend{local})

	_, err = fx.store.Upload(ctx, store.UploadRequest{
		OriginalFilename: "doomed.txt",
		ExpectedSize:     -1,
		Data:             bytes.NewReader([]byte("data")),
	})
	require.Error(t, err)

	// nothing observable may remain
	count, err := fx.db.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	attrPaths, err := local.ListAttrFiles(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, attrPaths)

	entries, err := fx.wal.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, wal.StatusRolledBack, entries[0].Status)
}

func TestModeEnforcement(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	readonly := newFixture(t, ctx, stratum.ModeRO, nil)
	_, err := readonly.store.Upload(ctx, store.UploadRequest{
		OriginalFilename: "nope.txt",
		Data:             bytes.NewReader(nil),
	})
	require.Error(t, err)
	assert.True(t, store.ErrInvalidMode.Has(err))

	rw := newFixture(t, ctx, stratum.ModeRW, nil)
	result, err := rw.store.Upload(ctx, store.UploadRequest{
		OriginalFilename: "keep.txt",
		ExpectedSize:     -1,
		Data:             bytes.NewReader([]byte("keep")),
	})
	require.NoError(t, err)

	// rw refuses deletes
	err = rw.store.Delete(ctx, result.FileID)
	require.Error(t, err)
	assert.True(t, store.ErrInvalidMode.Has(err))

	archive := newFixture(t, ctx, stratum.ModeAR, nil)
	_, _, err = archive.store.Download(ctx, stratum.NewFileID())
	require.Error(t, err)
	assert.True(t, store.ErrInvalidMode.Has(err))
}

func TestDelete(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	fx := newFixture(t, ctx, stratum.ModeEdit, nil)

	result, err := fx.store.Upload(ctx, store.UploadRequest{
		OriginalFilename: "gone.txt",
		ExpectedSize:     -1,
		Data:             bytes.NewReader([]byte("gone")),
	})
	require.NoError(t, err)

	require.NoError(t, fx.store.Delete(ctx, result.FileID))

	_, err = fx.store.GetMetadata(ctx, result.FileID)
	require.Error(t, err)
	assert.True(t, store.ErrNotFound.Has(err))

	exists, err := fx.backend.FileExists(ctx, result.StoragePath)
	require.NoError(t, err)
	assert.False(t, exists)

	err = fx.store.Delete(ctx, result.FileID)
	require.Error(t, err)
	assert.True(t, store.ErrNotFound.Has(err))
}

func TestUpdateMetadata(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	fx := newFixture(t, ctx, stratum.ModeEdit, nil)

	ttl := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	result, err := fx.store.Upload(ctx, store.UploadRequest{
		OriginalFilename: "mut.txt",
		RetentionPolicy:  stratum.RetentionTemporary,
		TTLExpiresAt:     &ttl,
		ExpectedSize:     -1,
		Data:             bytes.NewReader([]byte("mut")),
	})
	require.NoError(t, err)

	permanent := stratum.RetentionPermanent
	entry, err := fx.store.UpdateMetadata(ctx, result.FileID,
		map[string]string{"reviewed": "true"}, &permanent)
	require.NoError(t, err)
	assert.Equal(t, stratum.RetentionPermanent, entry.RetentionPolicy)
	assert.Nil(t, entry.TTLExpiresAt, "promotion clears the ttl")
	assert.Contains(t, entry.CustomAttributes, "reviewed")

	// permanent never goes back to temporary
	temporary := stratum.RetentionTemporary
	_, err = fx.store.UpdateMetadata(ctx, result.FileID, nil, &temporary)
	require.Error(t, err)

	attrs, err := sidecar.Read(ctx, fx.backend, result.StoragePath)
	require.NoError(t, err)
	assert.Equal(t, stratum.RetentionPermanent, attrs.RetentionPolicy)
	assert.Equal(t, "true", attrs.CustomAttributes["reviewed"])
}

func TestRecover(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	fx := newFixture(t, ctx, stratum.ModeEdit, nil)

	// a committed upload must survive recovery untouched
	kept, err := fx.store.Upload(ctx, store.UploadRequest{
		OriginalFilename: "kept.txt",
		ExpectedSize:     -1,
		Data:             bytes.NewReader([]byte("kept")),
	})
	require.NoError(t, err)

	// simulate a crash mid-upload: bytes and sidecar landed, cache row
	// written, but the wal entry never committed
	interruptedID := stratum.NewFileID()
	path := "2025/01/01/00/crash_test_file.bin"
	_, err = fx.backend.WriteFile(ctx, path, bytes.NewReader([]byte("partial")), -1)
	require.NoError(t, err)
	attrs := &sidecar.Attributes{
		FileID:          interruptedID,
		StoragePath:     path,
		RetentionPolicy: stratum.RetentionTemporary,
		CreatedAt:       time.Now().UTC(),
		UpdatedAt:       time.Now().UTC(),
	}
	require.NoError(t, sidecar.Write(ctx, fx.backend, path, attrs))
	row, err := meta.EntryFromAttributes(attrs, time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, fx.db.Upsert(ctx, row))

	walEntry, err := fx.wal.Begin(ctx, wal.OpUpload, map[string]interface{}{
		"file_id":      interruptedID,
		"storage_path": path,
	})
	require.NoError(t, err)
	require.NoError(t, fx.wal.Update(ctx, walEntry.TransactionID, wal.StatusInProgress))

	require.NoError(t, fx.store.Recover(ctx))

	exists, err := fx.backend.FileExists(ctx, path)
	require.NoError(t, err)
	assert.False(t, exists, "recovery removes interrupted bytes")

	_, err = fx.db.Get(ctx, interruptedID)
	require.Error(t, err)

	recovered, err := fx.wal.Get(ctx, walEntry.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, wal.StatusRolledBack, recovered.Status)

	// the committed upload is untouched
	_, err = fx.store.GetMetadata(ctx, kept.FileID)
	require.NoError(t, err)
}
