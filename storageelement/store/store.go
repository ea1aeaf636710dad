// Copyright (C) 2025 Stratum Labs.
// See LICENSE for copying information.

// Package store implements the storage element's attribute-first write
// protocol: WAL entry, bytes, sidecar, cache row, WAL commit — with
// rollback on any failure in between.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"hash/fnv"
	"io"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/stratumfs/stratum/pkg/filename"
	"github.com/stratumfs/stratum/pkg/stratum"
	"github.com/stratumfs/stratum/storageelement/blobstore"
	"github.com/stratumfs/stratum/storageelement/meta"
	"github.com/stratumfs/stratum/storageelement/sidecar"
	"github.com/stratumfs/stratum/storageelement/wal"
)

var (
	// Error is the store error class.
	Error = errs.Class("store")
	// ErrInvalidMode is returned for operations the element's mode forbids.
	ErrInvalidMode = errs.Class("invalid mode")
	// ErrNotFound is returned when a file is unknown to this element.
	ErrNotFound = errs.Class("file not found")

	mon = monkit.Package()
)

// pathShards is the size of the sharded lock map serializing writes per
// storage path.
const pathShards = 64

// Store persists file bytes plus attribute sidecars and keeps the local
// metadata cache in sync.
type Store struct {
	log       *zap.Logger
	elementID string
	mode      stratum.Mode

	backend   blobstore.Backend
	wal       wal.Log
	db        *meta.DB
	rebuilder *meta.Rebuilder

	pathLocks [pathShards]sync.Mutex
}

// New creates a store for the element operating in the given mode.
func New(log *zap.Logger, elementID string, mode stratum.Mode, backend blobstore.Backend, walLog wal.Log, db *meta.DB, rebuilder *meta.Rebuilder) *Store {
	return &Store{
		log:       log,
		elementID: elementID,
		mode:      mode,
		backend:   backend,
		wal:       walLog,
		db:        db,
		rebuilder: rebuilder,
	}
}

// Mode returns the element's operating mode.
func (store *Store) Mode() stratum.Mode { return store.mode }

func (store *Store) lockPath(path string) func() {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(path))
	shard := &store.pathLocks[hasher.Sum32()%pathShards]
	shard.Lock()
	return shard.Unlock
}

// UploadRequest describes an incoming file write.
type UploadRequest struct {
	// FileID is optional; finalization preserves the original id.
	FileID stratum.FileID

	OriginalFilename string
	Uploader         string
	ContentType      string
	RetentionPolicy  stratum.RetentionPolicy
	TTLExpiresAt     *time.Time

	// ExpectedSize < 0 means unknown.
	ExpectedSize int64

	Data io.Reader
}

// UploadResult describes a stored file.
type UploadResult struct {
	FileID          stratum.FileID `json:"file_id"`
	FileSize        int64          `json:"file_size"`
	Checksum        string         `json:"checksum"`
	StoragePath     string         `json:"storage_path"`
	StorageFilename string         `json:"storage_filename"`
}

type uploadPayload struct {
	FileID          stratum.FileID `json:"file_id"`
	StoragePath     string         `json:"storage_path"`
	StorageFilename string         `json:"storage_filename"`
	ContentType     string         `json:"content_type"`
}

// Upload stores a file with the attribute-first protocol.
func (store *Store) Upload(ctx context.Context, req UploadRequest) (_ *UploadResult, err error) {
	defer mon.Task()(&ctx)(&err)

	if !store.mode.AllowsWrite() {
		return nil, ErrInvalidMode.New("mode %s does not accept writes", store.mode)
	}
	if !req.RetentionPolicy.Valid() {
		req.RetentionPolicy = stratum.RetentionTemporary
	}

	id := req.FileID
	if id.IsZero() {
		id = stratum.NewFileID()
	}
	now := time.Now().UTC()

	storageFilename := filename.Generate(req.OriginalFilename, req.Uploader, now, id)
	storagePath := filename.PartitionPath(now) + "/" + storageFilename

	unlock := store.lockPath(storagePath)
	defer unlock()

	entry, err := store.wal.Begin(ctx, wal.OpUpload, uploadPayload{
		FileID:          id,
		StoragePath:     storagePath,
		StorageFilename: storageFilename,
		ContentType:     req.ContentType,
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}

	bytesWritten := false
	sidecarWritten := false
	defer func() {
		if err == nil {
			return
		}
		store.rollbackUpload(ctx, entry.TransactionID, id, storagePath, bytesWritten, sidecarWritten)
	}()

	if err := store.wal.Update(ctx, entry.TransactionID, wal.StatusInProgress); err != nil {
		return nil, Error.Wrap(err)
	}

	hasher := sha256.New()
	written, err := store.backend.WriteFile(ctx, storagePath, io.TeeReader(req.Data, hasher), req.ExpectedSize)
	if err != nil {
		return nil, err
	}
	bytesWritten = true
	checksum := hex.EncodeToString(hasher.Sum(nil))

	attrs := &sidecar.Attributes{
		SchemaVersion:    sidecar.SchemaVersion,
		FileID:           id,
		OriginalFilename: req.OriginalFilename,
		StorageFilename:  storageFilename,
		StoragePath:      storagePath,
		FileSize:         written,
		Checksum:         checksum,
		ContentType:      req.ContentType,
		RetentionPolicy:  req.RetentionPolicy,
		TTLExpiresAt:     req.TTLExpiresAt,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err = sidecar.Write(ctx, store.backend, storagePath, attrs); err != nil {
		return nil, err
	}
	sidecarWritten = true

	cacheEntry, err := meta.EntryFromAttributes(attrs, now)
	if err != nil {
		return nil, err
	}
	if err = store.db.Upsert(ctx, cacheEntry); err != nil {
		return nil, err
	}

	if err = store.wal.Update(ctx, entry.TransactionID, wal.StatusCommitted); err != nil {
		return nil, Error.Wrap(err)
	}

	return &UploadResult{
		FileID:          id,
		FileSize:        written,
		Checksum:        checksum,
		StoragePath:     storagePath,
		StorageFilename: storageFilename,
	}, nil
}

// rollbackUpload undoes the observable effects of a failed upload.
func (store *Store) rollbackUpload(ctx context.Context, transactionID string, id stratum.FileID, storagePath string, bytesWritten, sidecarWritten bool) {
	mon.Event("upload_rollback")

	if sidecarWritten {
		if err := sidecar.Delete(ctx, store.backend, storagePath); err != nil {
			store.log.Warn("rollback: sidecar delete failed",
				zap.String("path", storagePath), zap.Error(err))
		}
	}
	if bytesWritten {
		if err := store.backend.DeleteFile(ctx, storagePath); err != nil && !blobstore.ErrNotFound.Has(err) {
			store.log.Warn("rollback: bytes delete failed",
				zap.String("path", storagePath), zap.Error(err))
		}
	}
	if err := store.db.Delete(ctx, id); err != nil {
		store.log.Warn("rollback: cache delete failed",
			zap.Stringer("file_id", id), zap.Error(err))
	}
	if err := store.wal.Update(ctx, transactionID, wal.StatusRolledBack); err != nil {
		store.log.Warn("rollback: wal update failed",
			zap.String("transaction_id", transactionID), zap.Error(err))
	}
}

// GetMetadata returns the cache row for the file, lazily refreshing it
// from the sidecar when expired.
func (store *Store) GetMetadata(ctx context.Context, id stratum.FileID) (_ *meta.Entry, err error) {
	defer mon.Task()(&ctx)(&err)

	entry, err := store.db.Get(ctx, id)
	if err != nil {
		if meta.ErrNotFound.Has(err) {
			return nil, ErrNotFound.New("%s", id)
		}
		return nil, err
	}

	if entry.Expired(time.Now(), store.db.TTL()) {
		entry = store.rebuilder.LazyRefresh(ctx, entry)
	}
	return entry, nil
}

// Download opens the file bytes for streaming.
func (store *Store) Download(ctx context.Context, id stratum.FileID) (_ io.ReadCloser, _ *meta.Entry, err error) {
	defer mon.Task()(&ctx)(&err)

	if !store.mode.ServesBytes() {
		return nil, nil, ErrInvalidMode.New("mode %s keeps only metadata", store.mode)
	}

	entry, err := store.GetMetadata(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	reader, err := store.backend.ReadFile(ctx, entry.StoragePath)
	if err != nil {
		if blobstore.ErrNotFound.Has(err) {
			return nil, nil, ErrNotFound.New("%s", id)
		}
		return nil, nil, err
	}
	return reader, entry, nil
}

type updatePayload struct {
	FileID stratum.FileID `json:"file_id"`
}

// UpdateMetadata merges custom attributes and optionally changes the
// retention policy. The sidecar is written first; the cache row follows.
func (store *Store) UpdateMetadata(ctx context.Context, id stratum.FileID, custom map[string]string, retention *stratum.RetentionPolicy) (_ *meta.Entry, err error) {
	defer mon.Task()(&ctx)(&err)

	if !store.mode.AllowsUpdate() {
		return nil, ErrInvalidMode.New("mode %s does not accept updates", store.mode)
	}

	entry, err := store.GetMetadata(ctx, id)
	if err != nil {
		return nil, err
	}

	unlock := store.lockPath(entry.StoragePath)
	defer unlock()

	walEntry, err := store.wal.Begin(ctx, wal.OpUpdateMetadata, updatePayload{FileID: id})
	if err != nil {
		return nil, Error.Wrap(err)
	}

	attrs, err := sidecar.Read(ctx, store.backend, entry.StoragePath)
	if err != nil {
		_ = store.wal.Update(ctx, walEntry.TransactionID, wal.StatusFailed)
		return nil, err
	}

	if retention != nil {
		if !attrs.RetentionPolicy.CanTransition(*retention) {
			_ = store.wal.Update(ctx, walEntry.TransactionID, wal.StatusFailed)
			return nil, Error.New("retention %s cannot become %s", attrs.RetentionPolicy, *retention)
		}
		attrs.RetentionPolicy = *retention
		if *retention == stratum.RetentionPermanent {
			attrs.TTLExpiresAt = nil
		}
	}
	for key, value := range custom {
		attrs.CustomAttributes[key] = value
	}
	attrs.UpdatedAt = time.Now().UTC()

	if err := sidecar.Write(ctx, store.backend, entry.StoragePath, attrs); err != nil {
		_ = store.wal.Update(ctx, walEntry.TransactionID, wal.StatusRolledBack)
		return nil, err
	}

	fresh, err := meta.EntryFromAttributes(attrs, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if err := store.db.Upsert(ctx, fresh); err != nil {
		// sidecar already updated; cache catches up on next rebuild
		store.log.Warn("metadata cache update failed", zap.Error(err))
	}

	if err := store.wal.Update(ctx, walEntry.TransactionID, wal.StatusCommitted); err != nil {
		return nil, Error.Wrap(err)
	}
	return fresh, nil
}

type deletePayload struct {
	FileID      stratum.FileID `json:"file_id"`
	StoragePath string         `json:"storage_path"`
}

// Delete removes bytes, sidecar and cache row. Only allowed in edit mode.
func (store *Store) Delete(ctx context.Context, id stratum.FileID) (err error) {
	defer mon.Task()(&ctx)(&err)

	if !store.mode.AllowsDelete() {
		return ErrInvalidMode.New("mode %s does not accept deletes", store.mode)
	}

	entry, err := store.db.Get(ctx, id)
	if err != nil {
		if meta.ErrNotFound.Has(err) {
			return ErrNotFound.New("%s", id)
		}
		return err
	}

	unlock := store.lockPath(entry.StoragePath)
	defer unlock()

	walEntry, err := store.wal.Begin(ctx, wal.OpDelete, deletePayload{
		FileID:      id,
		StoragePath: entry.StoragePath,
	})
	if err != nil {
		return Error.Wrap(err)
	}

	if err := store.backend.DeleteFile(ctx, entry.StoragePath); err != nil && !blobstore.ErrNotFound.Has(err) {
		_ = store.wal.Update(ctx, walEntry.TransactionID, wal.StatusFailed)
		return err
	}
	if err := sidecar.Delete(ctx, store.backend, entry.StoragePath); err != nil {
		_ = store.wal.Update(ctx, walEntry.TransactionID, wal.StatusFailed)
		return err
	}
	if err := store.db.Delete(ctx, id); err != nil {
		_ = store.wal.Update(ctx, walEntry.TransactionID, wal.StatusFailed)
		return err
	}

	return Error.Wrap(store.wal.Update(ctx, walEntry.TransactionID, wal.StatusCommitted))
}

// List returns cache rows ordered by creation time descending.
func (store *Store) List(ctx context.Context, limit, offset int) ([]*meta.Entry, error) {
	return store.db.List(ctx, limit, offset)
}

// Recover rolls back transactions the log recorded as in flight. Called
// once on startup, before the element serves traffic.
func (store *Store) Recover(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	entries, err := store.wal.List(ctx)
	if err != nil {
		return Error.Wrap(err)
	}

	for _, entry := range entries {
		if entry.Status.Terminal() {
			continue
		}

		store.log.Warn("recovering interrupted transaction",
			zap.String("transaction_id", entry.TransactionID),
			zap.String("operation", string(entry.Operation)),
			zap.String("status", string(entry.Status)))
		mon.Event("wal_recovery_rollback")

		var payload uploadPayload
		if unmarshalErr := entry.DecodePayload(&payload); unmarshalErr != nil || payload.StoragePath == "" {
			// nothing observable could have landed without a path
			if updateErr := store.wal.Update(ctx, entry.TransactionID, wal.StatusRolledBack); updateErr != nil {
				store.log.Warn("recovery: wal update failed", zap.Error(updateErr))
			}
			continue
		}

		store.rollbackUpload(ctx, entry.TransactionID, payload.FileID, payload.StoragePath, true, true)
	}
	return nil
}
