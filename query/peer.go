// Copyright (C) 2025 Stratum Labs.
// See LICENSE for copying information.

// Package query assembles the query process: the event-driven cache,
// the stream consumer and the read API.
package query

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stratumfs/stratum/internal/sync2"
	"github.com/stratumfs/stratum/pkg/auth"
	"github.com/stratumfs/stratum/pkg/redisutil"
	"github.com/stratumfs/stratum/pkg/seclient"
	"github.com/stratumfs/stratum/query/cache"
	"github.com/stratumfs/stratum/query/consumer"
	"github.com/stratumfs/stratum/query/server"
)

// Error is the query peer error class.
var Error = errs.Class("query")

// Config is the query module configuration.
type Config struct {
	CachePath      string        `help:"path of the local cache database" default:"query-cache.db"`
	AuthToken      string        `help:"bearer token for storage element calls" default:""`
	AuthKeysURL    string        `help:"url serving the admin module's token verification keys, empty disables auth" default:"http://localhost:8400/api/v1/auth/keys"`
	DedupRetention time.Duration `help:"how long processed event keys are kept" default:"168h"`

	Redis  redisutil.Config
	Server server.Config
}

// Peer is the query process.
type Peer struct {
	Log    *zap.Logger
	Config Config

	Redis redis.UniversalClient

	Cache struct {
		DB    *cache.DB
		Purge *sync2.Cycle
	}

	Events struct {
		Consumer *consumer.Consumer
	}

	Servers struct {
		API *server.Server
	}
}

// New assembles the query peer from config.
func New(ctx context.Context, log *zap.Logger, config Config, verifier auth.Verifier) (_ *Peer, err error) {
	peer := &Peer{
		Log:    log,
		Config: config,
	}

	token := func(ctx context.Context) (string, error) { return config.AuthToken, nil }
	if config.AuthToken == "" {
		token = nil
	}
	dial := func(endpoint string) *seclient.Client {
		return seclient.New(endpoint, token)
	}

	{ // setup redis
		peer.Redis, err = redisutil.Open(ctx, config.Redis)
		if err != nil {
			return nil, errs.Combine(Error.Wrap(err), peer.Close())
		}
	}

	{ // setup cache
		peer.Cache.DB, err = cache.Open(config.CachePath)
		if err != nil {
			return nil, errs.Combine(Error.Wrap(err), peer.Close())
		}
		peer.Cache.Purge = sync2.NewCycle(24 * time.Hour)
	}

	{ // setup consumer
		peer.Events.Consumer = consumer.New(log.Named("consumer"), peer.Redis, peer.Cache.DB)
	}

	{ // setup api server
		peer.Servers.API, err = server.New(log.Named("server"), config.Server,
			peer.Cache.DB, peer.Redis, dial, verifier)
		if err != nil {
			return nil, errs.Combine(Error.Wrap(err), peer.Close())
		}
	}

	return peer, nil
}

// Run serves until ctx is canceled.
func (peer *Peer) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error { return peer.Events.Consumer.Run(ctx) })
	group.Go(func() error {
		return peer.Cache.Purge.Run(ctx, func(ctx context.Context) error {
			cutoff := time.Now().Add(-peer.Config.DedupRetention)
			removed, err := peer.Cache.DB.PurgeProcessed(ctx, cutoff)
			if err != nil {
				peer.Log.Warn("dedup purge failed", zap.Error(err))
				return nil
			}
			if removed > 0 {
				peer.Log.Info("dedup keys purged", zap.Int64("count", removed))
			}
			return nil
		})
	})
	group.Go(func() error { return peer.Servers.API.Run(ctx) })

	return group.Wait()
}

// Close releases resources in reverse construction order.
func (peer *Peer) Close() error {
	var group errs.Group

	if peer.Servers.API != nil {
		group.Add(peer.Servers.API.Close())
	}
	if peer.Events.Consumer != nil {
		group.Add(peer.Events.Consumer.Close())
	}
	if peer.Cache.Purge != nil {
		peer.Cache.Purge.Close()
	}
	if peer.Cache.DB != nil {
		group.Add(peer.Cache.DB.Close())
	}
	if peer.Redis != nil {
		group.Add(peer.Redis.Close())
	}

	return Error.Wrap(group.Err())
}
