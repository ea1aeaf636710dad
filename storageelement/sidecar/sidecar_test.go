// Copyright (C) 2025 Stratum Labs.
// See LICENSE for copying information.

package sidecar_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratumfs/stratum/internal/testcontext"
	"github.com/stratumfs/stratum/pkg/stratum"
	"github.com/stratumfs/stratum/storageelement/blobstore"
	"github.com/stratumfs/stratum/storageelement/sidecar"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	ttl := time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC)
	attrs := &sidecar.Attributes{
		FileID:           stratum.NewFileID(),
		OriginalFilename: "invoice.pdf",
		StorageFilename:  "invoice_alice_20250101T000000_abc.pdf",
		StoragePath:      "2025/01/01/00/invoice_alice_20250101T000000_abc.pdf",
		FileSize:         1234,
		Checksum:         "deadbeef",
		ContentType:      "application/pdf",
		RetentionPolicy:  stratum.RetentionTemporary,
		TTLExpiresAt:     &ttl,
		CreatedAt:        time.Now().UTC().Truncate(time.Second),
		UpdatedAt:        time.Now().UTC().Truncate(time.Second),
		CustomAttributes: map[string]string{"department": "finance"},
	}

	data, err := sidecar.Encode(attrs)
	require.NoError(t, err)
	assert.Equal(t, sidecar.SchemaVersion, attrs.SchemaVersion, "encode stamps the current schema")

	decoded, err := sidecar.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, attrs, decoded)
}

func TestDecodeMigratesV1(t *testing.T) {
	// v1 documents predate custom attributes
	v1 := `{
		"schema_version": 1,
		"file_id": "` + stratum.NewFileID().String() + `",
		"original_filename": "old.txt",
		"file_size": 10,
		"checksum_sha256": "cafe",
		"retention_policy": "permanent",
		"created_at": "2024-01-01T00:00:00Z",
		"updated_at": "2024-01-01T00:00:00Z"
	}`

	attrs, err := sidecar.Decode([]byte(v1))
	require.NoError(t, err)
	assert.Equal(t, sidecar.SchemaVersion, attrs.SchemaVersion)
	assert.NotNil(t, attrs.CustomAttributes, "migration adds the custom attributes map")
	assert.Equal(t, stratum.RetentionPermanent, attrs.RetentionPolicy)
	assert.Nil(t, attrs.TTLExpiresAt)
}

func TestSizeCap(t *testing.T) {
	attrs := &sidecar.Attributes{
		FileID: stratum.NewFileID(),
		CustomAttributes: map[string]string{
			"overflow": strings.Repeat("x", sidecar.MaxSize),
		},
	}
	_, err := sidecar.Encode(attrs)
	require.Error(t, err)
	assert.True(t, sidecar.ErrTooLarge.Has(err))

	_, err = sidecar.Decode([]byte(strings.Repeat(" ", sidecar.MaxSize+1)))
	require.Error(t, err)
	assert.True(t, sidecar.ErrTooLarge.Has(err))
}

func TestAttrPath(t *testing.T) {
	assert.Equal(t, "a/b/file.bin.attr.json", sidecar.AttrPath("a/b/file.bin"))
	assert.Equal(t, "a/b/file.bin", sidecar.FilePath("a/b/file.bin.attr.json"))
}

func TestWriteReadDelete(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	backend, err := blobstore.NewLocal(ctx.Dir("blobs"), 0)
	require.NoError(t, err)

	attrs := &sidecar.Attributes{
		FileID:           stratum.NewFileID(),
		OriginalFilename: "photo.jpg",
		StoragePath:      "2025/06/01/12/photo.jpg",
		FileSize:         99,
		RetentionPolicy:  stratum.RetentionTemporary,
		CreatedAt:        time.Now().UTC().Truncate(time.Second),
		UpdatedAt:        time.Now().UTC().Truncate(time.Second),
	}

	require.NoError(t, sidecar.Write(ctx, backend, attrs.StoragePath, attrs))

	read, err := sidecar.Read(ctx, backend, attrs.StoragePath)
	require.NoError(t, err)
	assert.Equal(t, attrs.FileID, read.FileID)
	assert.Equal(t, attrs.FileSize, read.FileSize)

	require.NoError(t, sidecar.Delete(ctx, backend, attrs.StoragePath))
	_, err = sidecar.Read(ctx, backend, attrs.StoragePath)
	require.Error(t, err)
	assert.True(t, blobstore.ErrNotFound.Has(err))

	// deleting a missing sidecar is not an error
	require.NoError(t, sidecar.Delete(ctx, backend, attrs.StoragePath))
}
