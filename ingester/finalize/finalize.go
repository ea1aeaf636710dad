// Copyright (C) 2025 Stratum Labs.
// See LICENSE for copying information.

// Package finalize moves a file from its staging element to a durable
// one in two phases: copy, then verify, and only then repoint the
// registry. The staging copy stays behind for the garbage collector's
// safety margin.
package finalize

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/stratumfs/stratum/ingester/selector"
	"github.com/stratumfs/stratum/pkg/adminclient"
	"github.com/stratumfs/stratum/pkg/seclient"
	"github.com/stratumfs/stratum/pkg/stratum"
)

var (
	// Error is the finalize error class.
	Error = errs.Class("finalize")
	// ErrChecksumMismatch is returned when the copied bytes do not match
	// the registry record.
	ErrChecksumMismatch = errs.Class("checksum mismatch")
	// ErrBusy is returned when the engine is at its concurrency limit.
	ErrBusy = errs.Class("finalize busy")

	mon = monkit.Package()
)

// Config configures the finalize engine.
type Config struct {
	MaxConcurrent int    `help:"finalizations allowed to run at once" default:"4"`
	TargetMode    string `help:"mode of the elements files are finalized to" default:"rw"`
}

// maxTargetAttempts bounds re-picking when a chosen target turns out
// to have no room after all.
const maxTargetAttempts = 3

// Engine runs two-phase finalizations.
type Engine struct {
	log        *zap.Logger
	config     Config
	targetMode stratum.Mode

	admin   *adminclient.Client
	targets *selector.Selector
	dial    func(endpoint string) *seclient.Client

	slots   chan struct{}
	running atomic.Int64
}

// NewEngine creates the finalize engine. Targets are picked through the
// same capacity-aware selection uploads use.
func NewEngine(log *zap.Logger, config Config, admin *adminclient.Client, targets *selector.Selector, dial func(endpoint string) *seclient.Client) (*Engine, error) {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 4
	}
	if config.TargetMode == "" {
		config.TargetMode = string(stratum.ModeRW)
	}
	targetMode, err := stratum.ParseMode(config.TargetMode)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &Engine{
		log:        log,
		config:     config,
		targetMode: targetMode,
		admin:      admin,
		targets:    targets,
		dial:       dial,
		slots:      make(chan struct{}, config.MaxConcurrent),
	}, nil
}

// Running returns the number of finalizations in flight.
func (engine *Engine) Running() int64 { return engine.running.Load() }

// Status returns the transaction as the registry sees it.
func (engine *Engine) Status(ctx context.Context, transactionID string) (*stratum.FinalizeTransaction, error) {
	return engine.admin.GetFinalize(ctx, transactionID)
}

// Finalize runs a complete finalization of the file. When
// targetElementID is empty the target is picked through capacity-aware
// selection in the target mode. It blocks while a slot is unavailable.
func (engine *Engine) Finalize(ctx context.Context, fileID stratum.FileID, targetElementID string) (_ *stratum.FinalizeTransaction, err error) {
	defer mon.Task()(&ctx)(&err)

	select {
	case engine.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ErrBusy.Wrap(ctx.Err())
	}
	defer func() { <-engine.slots }()

	engine.running.Add(1)
	defer engine.running.Add(-1)
	mon.IntVal("finalize_running").Observe(engine.running.Load())

	record, err := engine.admin.GetFile(ctx, fileID)
	if err != nil {
		return nil, err
	}

	source, err := engine.resolveElement(ctx, record.StorageElementID)
	if err != nil {
		return nil, err
	}

	// the source never receives its own copy; targets that reject for
	// space are excluded and the next candidate tried
	exclude := map[string]bool{source.ID: true}
	for attempt := 0; attempt < maxTargetAttempts; attempt++ {
		target, err := engine.pickTarget(ctx, targetElementID, source.ID, record.FileSize, exclude)
		if err != nil {
			return nil, err
		}

		transaction := &stratum.FinalizeTransaction{
			TransactionID:   uuid.NewString(),
			FileID:          fileID,
			SourceElementID: source.ID,
			TargetElementID: target.ID,
			State:           stratum.FinalizeCopying,
		}
		if err := engine.admin.CreateFinalize(ctx, transaction); err != nil {
			return nil, err
		}

		log := engine.log.With(
			zap.String("transaction_id", transaction.TransactionID),
			zap.Stringer("file_id", fileID),
			zap.String("source", source.ID),
			zap.String("target", target.ID))
		log.Info("finalization started")

		result, err := engine.copy(ctx, record, source, target)
		if err != nil {
			if seclient.ErrInsufficientStorage.Has(err) && targetElementID == "" {
				log.Warn("target rejected copy for space, repicking", zap.Error(err))
				engine.targets.ReportRejection(target.ID)
				exclude[target.ID] = true
				_, _ = engine.fail(ctx, transaction.TransactionID, stratum.FinalizeFailed, err)
				continue
			}
			log.Error("copy failed", zap.Error(err))
			return engine.fail(ctx, transaction.TransactionID, stratum.FinalizeFailed, err)
		}
		if _, err := engine.admin.AdvanceFinalize(ctx, transaction.TransactionID, stratum.FinalizeCopied, result.Checksum, ""); err != nil {
			return nil, err
		}

		if _, err := engine.admin.AdvanceFinalize(ctx, transaction.TransactionID, stratum.FinalizeVerifying, "", ""); err != nil {
			return nil, err
		}
		if err := engine.verify(ctx, record, target, result.Checksum); err != nil {
			log.Error("verification failed", zap.Error(err))
			engine.rollbackTarget(ctx, target, fileID)
			return engine.fail(ctx, transaction.TransactionID, stratum.FinalizeRolledBack, err)
		}

		if err := engine.admin.SetFileLocation(ctx, fileID, target.ID, result.StoragePath, time.Now().UTC()); err != nil {
			log.Error("registry repoint failed", zap.Error(err))
			engine.rollbackTarget(ctx, target, fileID)
			return engine.fail(ctx, transaction.TransactionID, stratum.FinalizeRolledBack, err)
		}

		final, err := engine.admin.AdvanceFinalize(ctx, transaction.TransactionID, stratum.FinalizeCompleted, result.Checksum, "")
		if err != nil {
			return nil, err
		}
		log.Info("finalization completed", zap.String("checksum", result.Checksum))
		mon.Event("finalize_completed")
		return final, nil
	}
	return nil, Error.New("no %s element with room after %d attempts", engine.targetMode, maxTargetAttempts)
}

// copy streams the file from the source element to the target,
// preserving the file id.
func (engine *Engine) copy(ctx context.Context, record *stratum.FileRecord, source, target *stratum.StorageElementInfo) (_ *seclient.UploadResult, err error) {
	defer mon.Task()(&ctx)(&err)

	reader, err := engine.dial(source.Endpoint).Download(ctx, record.ID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = reader.Close() }()

	return engine.dial(target.Endpoint).Upload(ctx, seclient.UploadParams{
		FileID:           record.ID,
		OriginalFilename: record.OriginalFilename,
		ContentType:      record.ContentType,
		RetentionPolicy:  record.RetentionPolicy,
		TTLExpiresAt:     record.TTLExpiresAt,
		ExpectedSize:     record.FileSize,
	}, reader)
}

// verify compares the copied bytes' checksum against the registry
// record and the target's own metadata.
func (engine *Engine) verify(ctx context.Context, record *stratum.FileRecord, target *stratum.StorageElementInfo, copiedChecksum string) (err error) {
	defer mon.Task()(&ctx)(&err)

	if record.Checksum != "" && copiedChecksum != record.Checksum {
		mon.Counter("finalize_checksum_mismatch_total").Inc(1)
		return ErrChecksumMismatch.New("copied %s, registry has %s", copiedChecksum, record.Checksum)
	}

	metadata, err := engine.dial(target.Endpoint).GetMetadata(ctx, record.ID)
	if err != nil {
		return err
	}
	if metadata.Checksum != copiedChecksum {
		mon.Counter("finalize_checksum_mismatch_total").Inc(1)
		return ErrChecksumMismatch.New("target reports %s, copied %s", metadata.Checksum, copiedChecksum)
	}
	if metadata.FileSize != record.FileSize {
		return ErrChecksumMismatch.New("target reports %d bytes, registry has %d", metadata.FileSize, record.FileSize)
	}
	return nil
}

func (engine *Engine) rollbackTarget(ctx context.Context, target *stratum.StorageElementInfo, fileID stratum.FileID) {
	if err := engine.dial(target.Endpoint).Delete(ctx, fileID); err != nil && !seclient.ErrNotFound.Has(err) {
		engine.log.Warn("target rollback failed",
			zap.Stringer("file_id", fileID),
			zap.String("target", target.ID),
			zap.Error(err))
	}
	mon.Event("finalize_rolled_back")
}

func (engine *Engine) fail(ctx context.Context, transactionID string, state stratum.FinalizeState, cause error) (*stratum.FinalizeTransaction, error) {
	transaction, advanceErr := engine.admin.AdvanceFinalize(ctx, transactionID, state, "", cause.Error())
	if advanceErr != nil {
		return nil, errs.Combine(cause, advanceErr)
	}
	return transaction, cause
}

func (engine *Engine) resolveElement(ctx context.Context, elementID string) (*stratum.StorageElementInfo, error) {
	elements, err := engine.admin.ListElements(ctx)
	if err != nil {
		return nil, err
	}
	for _, element := range elements {
		if element.ID == elementID {
			return element, nil
		}
	}
	return nil, Error.New("element %s not registered", elementID)
}

// pickTarget returns the requested element, or the best capacity-aware
// candidate in the target mode with room for the file.
func (engine *Engine) pickTarget(ctx context.Context, targetElementID, sourceID string, size int64, exclude map[string]bool) (*stratum.StorageElementInfo, error) {
	if targetElementID != "" {
		target, err := engine.resolveElement(ctx, targetElementID)
		if err != nil {
			return nil, err
		}
		if target.ID == sourceID {
			return nil, Error.New("target equals source %s", sourceID)
		}
		return target, nil
	}

	target, err := engine.targets.Select(ctx, engine.targetMode, size, exclude)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return target, nil
}
