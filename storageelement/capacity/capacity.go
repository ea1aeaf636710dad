// Copyright (C) 2025 Stratum Labs.
// See LICENSE for copying information.

// Package capacity reports the storage element's capacity and health.
package capacity

import (
	"context"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/stratumfs/stratum/pkg/stratum"
	"github.com/stratumfs/stratum/storageelement/blobstore"
)

var (
	// Error is the capacity error class.
	Error = errs.Class("capacity")

	mon = monkit.Package()
)

// Service reports capacity for one storage element.
type Service struct {
	log *zap.Logger

	elementID string
	mode      stratum.Mode
	location  string
	endpoint  string
	priority  int

	backend    blobstore.Backend
	thresholds stratum.Thresholds
}

// NewService creates a capacity service.
func NewService(log *zap.Logger, elementID string, mode stratum.Mode, location, endpoint string, priority int, backend blobstore.Backend, thresholds stratum.Thresholds) *Service {
	return &Service{
		log:        log,
		elementID:  elementID,
		mode:       mode,
		location:   location,
		endpoint:   endpoint,
		priority:   priority,
		backend:    backend,
		thresholds: thresholds,
	}
}

// Thresholds returns the effective capacity thresholds.
func (service *Service) Thresholds() stratum.Thresholds { return service.thresholds }

// Report polls the backend and derives the capacity record.
func (service *Service) Report(ctx context.Context) (_ *stratum.CapacityRecord, err error) {
	defer mon.Task()(&ctx)(&err)

	info, err := service.backend.SpaceInfo(ctx)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	health := stratum.HealthHealthy
	if err := service.backend.HealthCheck(ctx); err != nil {
		service.log.Warn("backend health check failed", zap.Error(err))
		health = stratum.HealthDegraded
	}

	percent := 0.0
	if info.Total > 0 {
		percent = 100 * float64(info.Used) / float64(info.Total)
	}

	record := &stratum.CapacityRecord{
		StorageID:   service.elementID,
		Mode:        service.mode,
		Total:       info.Total,
		Used:        info.Used,
		Available:   info.Available,
		PercentUsed: percent,
		Health:      health,
		Backend:     service.backend.Name(),
		Location:    service.location,
		Endpoint:    service.endpoint,
		Priority:    service.priority,
		LastPoll:    time.Now().UTC(),
	}
	if err := record.Verify(); err != nil {
		return nil, err
	}
	return record, nil
}

// HasSpaceFor reports whether an upload of size fits without pushing the
// element into the FULL state.
func (service *Service) HasSpaceFor(ctx context.Context, size int64) (bool, error) {
	record, err := service.Report(ctx)
	if err != nil {
		return false, err
	}
	if record.Available < size {
		return false, nil
	}
	projected := record.PercentUsed
	if record.Total > 0 {
		projected = 100 * float64(record.Used+size) / float64(record.Total)
	}
	return service.thresholds.StatusFor(projected) != stratum.CapacityFull, nil
}
