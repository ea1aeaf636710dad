// Copyright (C) 2025 Stratum Labs.
// See LICENSE for copying information.

package meta

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/stratumfs/stratum/pkg/stratum"
	"github.com/stratumfs/stratum/storageelement/blobstore"
	"github.com/stratumfs/stratum/storageelement/sidecar"
)

// rebuildBatchSize is the number of rows committed per batch during a
// rebuild.
const rebuildBatchSize = 100

// ConsistencyReport is the outcome of a dry-run consistency scan.
type ConsistencyReport struct {
	TotalSidecars     int              `json:"total_sidecars"`
	TotalCacheEntries int              `json:"total_cache_entries"`
	OrphanCacheIDs    []stratum.FileID `json:"orphan_cache_entries"`
	OrphanAttrFiles   []string         `json:"orphan_attr_files"`
	ExpiredEntries    int              `json:"expired_cache_entries"`
	ConsistentPercent float64          `json:"consistent_percent"`
	CheckedAt         time.Time        `json:"checked_at"`
}

// Rebuilder repairs the metadata cache from the attribute sidecars, which
// are the source of truth.
type Rebuilder struct {
	log     *zap.Logger
	db      *DB
	backend blobstore.Backend
}

// NewRebuilder creates a rebuilder.
func NewRebuilder(log *zap.Logger, db *DB, backend blobstore.Backend) *Rebuilder {
	return &Rebuilder{log: log, db: db, backend: backend}
}

// CheckConsistency scans sidecars against cache rows without mutating
// anything.
func (rebuilder *Rebuilder) CheckConsistency(ctx context.Context) (_ *ConsistencyReport, err error) {
	defer mon.Task()(&ctx)(&err)

	release, err := rebuilder.db.Locks().TryAcquire(LockManualCheck)
	if err != nil {
		return nil, err
	}
	defer release()

	attrPaths, err := rebuilder.backend.ListAttrFiles(ctx, "")
	if err != nil {
		return nil, Error.Wrap(err)
	}

	cachePaths, err := rebuilder.db.AllPaths(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	report := &ConsistencyReport{
		TotalSidecars:     len(attrPaths),
		TotalCacheEntries: len(cachePaths),
		CheckedAt:         now,
	}

	sidecarByPath := make(map[string]bool, len(attrPaths))
	for _, attrPath := range attrPaths {
		sidecarByPath[sidecar.FilePath(attrPath)] = true
	}

	for id, path := range cachePaths {
		if !sidecarByPath[path] {
			report.OrphanCacheIDs = append(report.OrphanCacheIDs, id)
		}
	}

	cacheByPath := make(map[string]bool, len(cachePaths))
	for _, path := range cachePaths {
		cacheByPath[path] = true
	}
	for _, attrPath := range attrPaths {
		if !cacheByPath[sidecar.FilePath(attrPath)] {
			report.OrphanAttrFiles = append(report.OrphanAttrFiles, attrPath)
		}
	}

	expired, err := rebuilder.db.CountExpired(ctx, now)
	if err != nil {
		return nil, err
	}
	report.ExpiredEntries = int(expired)

	inconsistent := len(report.OrphanCacheIDs) + len(report.OrphanAttrFiles)
	total := report.TotalSidecars + len(report.OrphanCacheIDs)
	if total > 0 {
		report.ConsistentPercent = 100 * float64(total-inconsistent) / float64(total)
	} else {
		report.ConsistentPercent = 100
	}
	return report, nil
}

// RebuildFull truncates the cache and repopulates it from the sidecars in
// batches.
func (rebuilder *Rebuilder) RebuildFull(ctx context.Context) (inserted int, err error) {
	defer mon.Task()(&ctx)(&err)

	release, err := rebuilder.db.Locks().Acquire(ctx, LockManualRebuild)
	if err != nil {
		return 0, err
	}
	defer release()

	if err := rebuilder.db.Truncate(ctx); err != nil {
		return 0, err
	}
	return rebuilder.repopulate(ctx, false)
}

// RebuildIncremental inserts rows for sidecars absent from the cache. It
// does not delete orphans.
func (rebuilder *Rebuilder) RebuildIncremental(ctx context.Context) (inserted int, err error) {
	defer mon.Task()(&ctx)(&err)

	release, err := rebuilder.db.Locks().Acquire(ctx, LockManualRebuild)
	if err != nil {
		return 0, err
	}
	defer release()

	return rebuilder.repopulate(ctx, true)
}

func (rebuilder *Rebuilder) repopulate(ctx context.Context, onlyMissing bool) (inserted int, err error) {
	attrPaths, err := rebuilder.backend.ListAttrFiles(ctx, "")
	if err != nil {
		return 0, Error.Wrap(err)
	}

	now := time.Now().UTC()
	batch := make([]*Entry, 0, rebuildBatchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := rebuilder.db.UpsertBatch(ctx, batch); err != nil {
			return err
		}
		inserted += len(batch)
		batch = batch[:0]
		return nil
	}

	for _, attrPath := range attrPaths {
		attrs, err := sidecar.Read(ctx, rebuilder.backend, sidecar.FilePath(attrPath))
		if err != nil {
			rebuilder.log.Warn("skipping unreadable sidecar",
				zap.String("path", attrPath), zap.Error(err))
			continue
		}

		if onlyMissing {
			exists, err := rebuilder.db.Exists(ctx, attrs.FileID)
			if err != nil {
				return inserted, err
			}
			if exists {
				continue
			}
		}

		entry, err := EntryFromAttributes(attrs, now)
		if err != nil {
			rebuilder.log.Warn("skipping malformed sidecar",
				zap.String("path", attrPath), zap.Error(err))
			continue
		}
		batch = append(batch, entry)
		if len(batch) >= rebuildBatchSize {
			if err := flush(); err != nil {
				return inserted, err
			}
		}
	}
	return inserted, flush()
}

// CleanupExpired removes rows older than the cache ttl.
func (rebuilder *Rebuilder) CleanupExpired(ctx context.Context) (removed int64, err error) {
	defer mon.Task()(&ctx)(&err)

	release, err := rebuilder.db.Locks().TryAcquire(LockBackgroundCleanup)
	if err != nil {
		return 0, err
	}
	defer release()

	return rebuilder.db.DeleteExpired(ctx, time.Now())
}

// LazyRefresh refreshes a single expired cache row from its sidecar.
// On lock contention the caller serves the stale row; this never fails
// the read path.
func (rebuilder *Rebuilder) LazyRefresh(ctx context.Context, entry *Entry) *Entry {
	release, err := rebuilder.db.Locks().TryAcquire(LockLazyRebuild)
	if err != nil {
		mon.Event("lazy_rebuild_skipped")
		return entry
	}
	defer release()

	attrs, err := sidecar.Read(ctx, rebuilder.backend, entry.StoragePath)
	if err != nil {
		rebuilder.log.Warn("lazy rebuild could not read sidecar",
			zap.String("path", entry.StoragePath), zap.Error(err))
		return entry
	}

	fresh, err := EntryFromAttributes(attrs, time.Now().UTC())
	if err != nil {
		rebuilder.log.Warn("lazy rebuild could not project sidecar",
			zap.String("path", entry.StoragePath), zap.Error(err))
		return entry
	}
	if err := rebuilder.db.Upsert(ctx, fresh); err != nil {
		rebuilder.log.Warn("lazy rebuild could not update cache",
			zap.String("path", entry.StoragePath), zap.Error(err))
		return entry
	}
	mon.Event("lazy_rebuild_refreshed")
	return fresh
}
