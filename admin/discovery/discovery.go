// Copyright (C) 2025 Stratum Labs.
// See LICENSE for copying information.

// Package discovery keeps the fleet's shared view of storage elements:
// it publishes the registry to redis for the ingester and query modules
// and keeps element statuses in sync with their health endpoints.
package discovery

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stratumfs/stratum/admin/admindb"
	"github.com/stratumfs/stratum/internal/sync2"
	"github.com/stratumfs/stratum/pkg/seclient"
	"github.com/stratumfs/stratum/pkg/stratum"
)

var (
	// Error is the discovery error class.
	Error = errs.Class("discovery")

	mon = monkit.Package()
)

// ConfigKey is the redis key holding the published element registry.
const ConfigKey = "storage_elements:config"

// Config configures the discovery chores.
type Config struct {
	PublishInterval    time.Duration `help:"how often the element registry is published" default:"30s"`
	HealthSyncInterval time.Duration `help:"how often element statuses are synced with health checks" default:"60s"`
}

// Service publishes the element registry and syncs element health.
type Service struct {
	log    *zap.Logger
	config Config

	db     *admindb.DB
	client redis.UniversalClient
	dial   func(endpoint string) *seclient.Client

	Publish    *sync2.Cycle
	HealthSync *sync2.Cycle
}

// NewService creates the discovery service.
func NewService(log *zap.Logger, config Config, db *admindb.DB, client redis.UniversalClient, dial func(endpoint string) *seclient.Client) *Service {
	return &Service{
		log:        log,
		config:     config,
		db:         db,
		client:     client,
		dial:       dial,
		Publish:    sync2.NewCycle(config.PublishInterval),
		HealthSync: sync2.NewCycle(config.HealthSyncInterval),
	}
}

// Run executes both chores until ctx is canceled.
func (service *Service) Run(ctx context.Context) error {
	var group errgroup.Group
	group.Go(func() error {
		return service.Publish.Run(ctx, service.publishOnce)
	})
	group.Go(func() error {
		return service.HealthSync.Run(ctx, service.syncHealthOnce)
	})
	return group.Wait()
}

// Close stops the chores.
func (service *Service) Close() error {
	service.Publish.Close()
	service.HealthSync.Close()
	return nil
}

// publishOnce writes the current registry to the shared config key.
func (service *Service) publishOnce(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	elements, err := service.db.ListElements(ctx)
	if err != nil {
		service.log.Error("registry publish: list failed", zap.Error(err))
		return nil
	}

	payload, err := json.Marshal(elements)
	if err != nil {
		return Error.Wrap(err)
	}
	if err := service.client.Set(ctx, ConfigKey, payload, 0).Err(); err != nil {
		service.log.Error("registry publish: set failed", zap.Error(err))
		mon.Event("discovery_publish_failed")
		return nil
	}
	return nil
}

// syncHealthOnce probes each element and records status changes.
func (service *Service) syncHealthOnce(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	elements, err := service.db.ListElements(ctx)
	if err != nil {
		service.log.Error("health sync: list failed", zap.Error(err))
		return nil
	}

	for _, element := range elements {
		if element.Status == stratum.StatusUpgrading {
			// maintenance is operator-driven; health probes do not override it
			continue
		}

		status := stratum.StatusReady
		if probeErr := service.dial(element.Endpoint).Ready(ctx); probeErr != nil {
			if seclient.ErrUnavailable.Has(probeErr) {
				status = stratum.StatusOffline
			} else {
				status = stratum.StatusDegraded
			}
		}

		if status == element.Status {
			continue
		}
		service.log.Info("element status changed",
			zap.String("element_id", element.ID),
			zap.String("from", string(element.Status)),
			zap.String("to", string(status)))
		if err := service.db.SetElementStatus(ctx, element.ID, status); err != nil {
			service.log.Error("health sync: status update failed",
				zap.String("element_id", element.ID), zap.Error(err))
		}
		mon.Event("discovery_status_changed")
	}
	return nil
}

// ElementsFromConfig decodes a published registry payload. The ingester
// and query modules use it when reading ConfigKey.
func ElementsFromConfig(payload []byte) ([]*stratum.StorageElementInfo, error) {
	var elements []*stratum.StorageElementInfo
	if err := json.Unmarshal(payload, &elements); err != nil {
		return nil, Error.Wrap(err)
	}
	return elements, nil
}
