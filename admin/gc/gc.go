// Copyright (C) 2025 Stratum Labs.
// See LICENSE for copying information.

// Package gc runs the fleet's garbage collection: the cleanup queue,
// ttl expiry, staging copies left behind by finalization, and the
// operator-triggered orphan scan.
package gc

import (
	"context"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/stratumfs/stratum/admin/admindb"
	"github.com/stratumfs/stratum/admin/events"
	"github.com/stratumfs/stratum/internal/sync2"
	"github.com/stratumfs/stratum/pkg/seclient"
	"github.com/stratumfs/stratum/pkg/stratum"
)

var (
	// Error is the gc error class.
	Error = errs.Class("gc")

	mon = monkit.Package()
)

// Config configures the garbage collector.
type Config struct {
	Interval     time.Duration `help:"how often the collector runs" default:"5m"`
	BatchSize    int           `help:"items processed per category per run" default:"100"`
	SafetyMargin time.Duration `help:"delay before a finalized staging copy is removed" default:"24h"`
	OrphanGrace  time.Duration `help:"delay before an orphaned object is removed" default:"72h"`
}

// Dialer returns a client for a storage element endpoint.
type Dialer func(endpoint string) *seclient.Client

// Collector is the garbage collection chore.
type Collector struct {
	log    *zap.Logger
	config Config

	db     *admindb.DB
	events *events.Publisher
	dial   Dialer

	Loop *sync2.Cycle
}

// NewCollector creates the garbage collection chore.
func NewCollector(log *zap.Logger, config Config, db *admindb.DB, publisher *events.Publisher, dial Dialer) *Collector {
	return &Collector{
		log:    log,
		config: config,
		db:     db,
		events: publisher,
		dial:   dial,
		Loop:   sync2.NewCycle(config.Interval),
	}
}

// Run executes the collection loop until ctx is canceled.
func (collector *Collector) Run(ctx context.Context) error {
	return collector.Loop.Run(ctx, func(ctx context.Context) error {
		if err := collector.RunOnce(ctx); err != nil {
			collector.log.Error("collection pass failed", zap.Error(err))
		}
		return nil
	})
}

// Close stops the loop.
func (collector *Collector) Close() error {
	collector.Loop.Close()
	return nil
}

// RunOnce runs a single collection pass: expire ttls, sweep finalized
// staging copies, then work the queue.
func (collector *Collector) RunOnce(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	var group errs.Group
	group.Add(collector.expireTTLs(ctx))
	group.Add(collector.sweepFinalizedSources(ctx))
	group.Add(collector.processQueue(ctx))
	return group.Err()
}

// expireTTLs soft-deletes temporary files past their ttl and queues
// their physical removal.
func (collector *Collector) expireTTLs(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	now := time.Now().UTC()
	expired, err := collector.db.ExpiredFiles(ctx, now, collector.config.BatchSize)
	if err != nil {
		return err
	}

	for _, record := range expired {
		if err := collector.db.SoftDeleteFile(ctx, record.ID, admindb.CleanupReasonTTLExpired); err != nil {
			collector.log.Error("ttl expiry: soft delete failed",
				zap.Stringer("file_id", record.ID), zap.Error(err))
			continue
		}
		if err := collector.events.FileDeleted(ctx, record, admindb.CleanupReasonTTLExpired); err != nil {
			collector.log.Warn("ttl expiry: event publish failed",
				zap.Stringer("file_id", record.ID), zap.Error(err))
		}
		if err := collector.db.EnqueueCleanup(ctx, &admindb.CleanupItem{
			FileID:           record.ID,
			StorageElementID: record.StorageElementID,
			StoragePath:      record.StoragePath,
			Reason:           admindb.CleanupReasonTTLExpired,
			Priority:         admindb.CleanupPriorityNormal,
		}); err != nil {
			collector.log.Error("ttl expiry: enqueue failed",
				zap.Stringer("file_id", record.ID), zap.Error(err))
			continue
		}
		mon.Event("gc_ttl_expired")
	}
	return nil
}

// sweepFinalizedSources queues removal of staging copies whose
// finalization completed before the safety margin.
func (collector *Collector) sweepFinalizedSources(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	cutoff := time.Now().UTC().Add(-collector.config.SafetyMargin)
	completed, err := collector.db.CompletedFinalizeBefore(ctx, cutoff, collector.config.BatchSize)
	if err != nil {
		return err
	}

	for _, transaction := range completed {
		queued, err := collector.db.HasCleanup(ctx, transaction.FileID,
			transaction.SourceElementID, admindb.CleanupReasonFinalizedSource)
		if err != nil {
			return err
		}
		if queued {
			continue
		}

		record, err := collector.db.GetFile(ctx, transaction.FileID)
		if err != nil {
			if admindb.ErrNotFound.Has(err) {
				continue
			}
			return err
		}
		// the registry already points at the target; the source path is
		// the pre-finalize location recorded on the transaction's file
		if record.StorageElementID == transaction.SourceElementID {
			// finalize recorded COMPLETED but the registry still points
			// at the source; do not remove the only copy
			collector.log.Warn("finalized sweep: registry still points at source",
				zap.Stringer("file_id", transaction.FileID),
				zap.String("transaction_id", transaction.TransactionID))
			continue
		}

		if err := collector.db.EnqueueCleanup(ctx, &admindb.CleanupItem{
			FileID:           transaction.FileID,
			StorageElementID: transaction.SourceElementID,
			StoragePath:      record.StoragePath,
			Reason:           admindb.CleanupReasonFinalizedSource,
		}); err != nil {
			return err
		}
		mon.Event("gc_finalized_source_queued")
	}
	return nil
}

// processQueue performs the physical deletions that are due. A missing
// file counts as success; elements reported OFFLINE are skipped and the
// item retried later.
func (collector *Collector) processQueue(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	due, err := collector.db.DueCleanups(ctx, time.Now().UTC(), collector.config.BatchSize)
	if err != nil {
		return err
	}

	elements := map[string]*stratum.StorageElementInfo{}
	for _, item := range due {
		element, ok := elements[item.StorageElementID]
		if !ok {
			element, err = collector.db.GetElement(ctx, item.StorageElementID)
			if err != nil {
				if admindb.ErrNotFound.Has(err) {
					_ = collector.db.RecordCleanupFailure(ctx, item.ID, err)
					continue
				}
				return err
			}
			elements[item.StorageElementID] = element
		}

		if element.Status == stratum.StatusOffline {
			mon.Event("gc_element_offline_skip")
			continue
		}

		if item.Reason == admindb.CleanupReasonOrphan {
			// an upload racing the scan may have registered since; its
			// bytes are no longer orphaned
			switch _, err := collector.db.GetFile(ctx, item.FileID); {
			case err == nil:
				if err := collector.db.MarkCleanupProcessed(ctx, item.ID); err != nil {
					return err
				}
				mon.Event("gc_orphan_registered_skip")
				continue
			case !admindb.ErrNotFound.Has(err):
				return err
			}
		}

		deleteErr := collector.dial(element.Endpoint).Delete(ctx, item.FileID)
		if deleteErr != nil && !seclient.ErrNotFound.Has(deleteErr) {
			collector.log.Warn("queue: delete failed",
				zap.Stringer("file_id", item.FileID),
				zap.String("element_id", item.StorageElementID),
				zap.Error(deleteErr))
			_ = collector.db.RecordCleanupFailure(ctx, item.ID, deleteErr)
			continue
		}

		if err := collector.db.MarkCleanupProcessed(ctx, item.ID); err != nil {
			return err
		}
		mon.Event("gc_cleanup_processed")
	}
	return nil
}

// OrphanReport is the result of an on-demand orphan scan.
type OrphanReport struct {
	ElementID string           `json:"element_id"`
	Checked   int              `json:"checked"`
	Orphans   []stratum.FileID `json:"orphans"`
	Enqueued  int              `json:"enqueued"`
	ScannedAt time.Time        `json:"scanned_at"`
}

// DetectOrphans compares the ids actually present on the element, as
// listed by the caller, against the registry and queues removal of the
// unknown ones. The grace period delays the deletion so an upload that
// has written its bytes but not registered yet survives; the queue
// re-checks the registry before deleting.
func (collector *Collector) DetectOrphans(ctx context.Context, elementID string, onStorage []stratum.FileID) (_ *OrphanReport, err error) {
	defer mon.Task()(&ctx)(&err)

	if _, err := collector.db.GetElement(ctx, elementID); err != nil {
		return nil, err
	}

	report := &OrphanReport{
		ElementID: elementID,
		ScannedAt: time.Now().UTC(),
		Orphans:   []stratum.FileID{},
	}

	for _, id := range onStorage {
		report.Checked++

		switch _, err := collector.db.GetFile(ctx, id); {
		case err == nil:
			continue
		case !admindb.ErrNotFound.Has(err):
			return nil, err
		}
		report.Orphans = append(report.Orphans, id)

		queued, err := collector.db.HasCleanup(ctx, id, elementID, admindb.CleanupReasonOrphan)
		if err != nil {
			return nil, err
		}
		if queued {
			continue
		}

		if err := collector.db.EnqueueCleanup(ctx, &admindb.CleanupItem{
			FileID:           id,
			StorageElementID: elementID,
			Reason:           admindb.CleanupReasonOrphan,
			NotBefore:        report.ScannedAt.Add(collector.config.OrphanGrace),
		}); err != nil {
			return nil, err
		}
		report.Enqueued++
		mon.Event("gc_orphan_queued")
	}
	return report, nil
}
