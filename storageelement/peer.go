// Copyright (C) 2025 Stratum Labs.
// See LICENSE for copying information.

// Package storageelement assembles the storage element process: a blob
// backend, the write-ahead log, the metadata cache and the HTTP API.
package storageelement

import (
	"context"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stratumfs/stratum/internal/sync2"
	"github.com/stratumfs/stratum/pkg/auth"
	"github.com/stratumfs/stratum/pkg/stratum"
	"github.com/stratumfs/stratum/storageelement/blobstore"
	"github.com/stratumfs/stratum/storageelement/capacity"
	"github.com/stratumfs/stratum/storageelement/meta"
	"github.com/stratumfs/stratum/storageelement/server"
	"github.com/stratumfs/stratum/storageelement/store"
	"github.com/stratumfs/stratum/storageelement/wal"
)

// Error is the storage element peer error class.
var Error = errs.Class("storage element")

// StorageConfig selects and configures the blob backend.
type StorageConfig struct {
	Backend        string `help:"blob backend: local or s3" default:"local"`
	BasePath       string `help:"root directory for the local backend" default:""`
	AllocatedBytes int64  `help:"bytes allocated to the local backend" default:"1000000000000"`

	S3 blobstore.S3Config
}

// CacheConfig configures the sqlite metadata cache.
type CacheConfig struct {
	DatabasePath    string        `help:"path of the metadata cache database" default:"cache.db"`
	CleanupInterval time.Duration `help:"how often expired cache rows are removed" default:"1h"`
}

// WALConfig configures the write-ahead log.
type WALConfig struct {
	Dir           string        `help:"directory holding write-ahead log entries" default:"wal"`
	PurgeInterval time.Duration `help:"how often terminal wal entries are purged" default:"1h"`
	Retention     time.Duration `help:"how long terminal wal entries are kept" default:"72h"`
}

// ThresholdsConfig overrides the capacity thresholds.
type ThresholdsConfig struct {
	Warning  float64 `help:"percent used at which the element reports WARNING" default:"85"`
	Critical float64 `help:"percent used at which the element reports CRITICAL" default:"92"`
	Full     float64 `help:"percent used at which the element stops accepting writes" default:"98"`
}

// Config is the storage element configuration.
type Config struct {
	ElementID       string `help:"unique id of this storage element" default:""`
	Mode            string `help:"operating mode: edit, rw, ro or ar" default:"rw"`
	Priority        int    `help:"selection priority, lower fills first" default:"100"`
	Location        string `help:"location label reported to the fleet" default:""`
	ExternalAddress string `help:"address other services reach this element at" default:""`
	AuthKeysURL     string `help:"url serving the admin module's token verification keys, empty disables auth" default:"http://localhost:8400/api/v1/auth/keys"`

	Server     server.Config
	Storage    StorageConfig
	Cache      CacheConfig
	WAL        WALConfig
	Thresholds ThresholdsConfig
}

// Peer is the storage element process.
type Peer struct {
	Log    *zap.Logger
	Config Config
	Mode   stratum.Mode

	Storage struct {
		Backend blobstore.Backend
	}

	WAL struct {
		Log   wal.Log
		Purge *sync2.Cycle
	}

	Cache struct {
		DB        *meta.DB
		Rebuilder *meta.Rebuilder
		Cleanup   *sync2.Cycle
	}

	Files struct {
		Store *store.Store
	}

	Capacity struct {
		Service *capacity.Service
	}

	Servers struct {
		API *server.Server
	}
}

// New assembles the storage element from config.
func New(log *zap.Logger, config Config, verifier auth.Verifier) (_ *Peer, err error) {
	mode, err := stratum.ParseMode(config.Mode)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if config.ElementID == "" {
		return nil, Error.New("element id is required")
	}

	peer := &Peer{
		Log:    log,
		Config: config,
		Mode:   mode,
	}

	{ // setup storage backend
		switch config.Storage.Backend {
		case "local", "":
			peer.Storage.Backend, err = blobstore.NewLocal(config.Storage.BasePath, config.Storage.AllocatedBytes)
		case "s3":
			peer.Storage.Backend, err = blobstore.NewS3(context.Background(), config.Storage.S3)
		default:
			err = Error.New("unknown backend %q", config.Storage.Backend)
		}
		if err != nil {
			return nil, errs.Combine(Error.Wrap(err), peer.Close())
		}
	}

	{ // setup write-ahead log
		peer.WAL.Log, err = wal.NewFileLog(config.WAL.Dir)
		if err != nil {
			return nil, errs.Combine(Error.Wrap(err), peer.Close())
		}
		peer.WAL.Purge = sync2.NewCycle(config.WAL.PurgeInterval)
	}

	{ // setup metadata cache
		peer.Cache.DB, err = meta.Open(config.Cache.DatabasePath, mode)
		if err != nil {
			return nil, errs.Combine(Error.Wrap(err), peer.Close())
		}
		peer.Cache.Rebuilder = meta.NewRebuilder(log.Named("rebuilder"), peer.Cache.DB, peer.Storage.Backend)
		peer.Cache.Cleanup = sync2.NewCycle(config.Cache.CleanupInterval)
	}

	{ // setup file store
		peer.Files.Store = store.New(log.Named("store"), config.ElementID, mode,
			peer.Storage.Backend, peer.WAL.Log, peer.Cache.DB, peer.Cache.Rebuilder)
	}

	{ // setup capacity
		thresholds := stratum.Thresholds{
			Warning:  config.Thresholds.Warning,
			Critical: config.Thresholds.Critical,
			Full:     config.Thresholds.Full,
		}
		peer.Capacity.Service = capacity.NewService(log.Named("capacity"),
			config.ElementID, mode, config.Location, config.ExternalAddress,
			config.Priority, peer.Storage.Backend, thresholds)
	}

	{ // setup api server
		peer.Servers.API, err = server.New(log.Named("server"), config.Server,
			config.ElementID, mode, config.Priority, config.Location,
			peer.Files.Store, peer.Capacity.Service, peer.Cache.Rebuilder, verifier)
		if err != nil {
			return nil, errs.Combine(Error.Wrap(err), peer.Close())
		}
	}

	return peer, nil
}

// Run recovers interrupted transactions and serves until ctx is canceled.
func (peer *Peer) Run(ctx context.Context) (err error) {
	if err := peer.Files.Store.Recover(ctx); err != nil {
		return err
	}

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return peer.Cache.Cleanup.Run(ctx, func(ctx context.Context) error {
			removed, err := peer.Cache.Rebuilder.CleanupExpired(ctx)
			if err != nil {
				if meta.ErrLockContention.Has(err) {
					return nil
				}
				peer.Log.Warn("cache cleanup failed", zap.Error(err))
				return nil
			}
			if removed > 0 {
				peer.Log.Info("expired cache rows removed", zap.Int64("count", removed))
			}
			return nil
		})
	})

	group.Go(func() error {
		return peer.WAL.Purge.Run(ctx, func(ctx context.Context) error {
			cutoff := time.Now().Add(-peer.Config.WAL.Retention)
			if _, err := peer.WAL.Log.Purge(ctx, cutoff); err != nil {
				peer.Log.Warn("wal purge failed", zap.Error(err))
			}
			return nil
		})
	})

	group.Go(func() error {
		return peer.Servers.API.Run(ctx)
	})

	return group.Wait()
}

// Close releases the peer's resources in reverse construction order.
func (peer *Peer) Close() error {
	var group errs.Group

	if peer.Servers.API != nil {
		group.Add(peer.Servers.API.Close())
	}
	if peer.Cache.Cleanup != nil {
		peer.Cache.Cleanup.Close()
	}
	if peer.WAL.Purge != nil {
		peer.WAL.Purge.Close()
	}
	if peer.Cache.DB != nil {
		group.Add(peer.Cache.DB.Close())
	}
	if peer.WAL.Log != nil {
		group.Add(peer.WAL.Log.Close())
	}
	if peer.Storage.Backend != nil {
		group.Add(peer.Storage.Backend.Close())
	}

	return Error.Wrap(group.Err())
}
