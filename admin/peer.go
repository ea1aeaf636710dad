// Copyright (C) 2025 Stratum Labs.
// See LICENSE for copying information.

// Package admin assembles the admin process: the registry database,
// event publishing, garbage collection, discovery and key rotation.
package admin

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stratumfs/stratum/admin/admindb"
	"github.com/stratumfs/stratum/admin/discovery"
	"github.com/stratumfs/stratum/admin/events"
	"github.com/stratumfs/stratum/admin/gc"
	"github.com/stratumfs/stratum/admin/keys"
	"github.com/stratumfs/stratum/admin/server"
	"github.com/stratumfs/stratum/pkg/redisutil"
	"github.com/stratumfs/stratum/pkg/seclient"
)

// Error is the admin peer error class.
var Error = errs.Class("admin")

// Config is the admin module configuration.
type Config struct {
	Database  admindb.Config
	Redis     redisutil.Config
	Server    server.Config
	GC        gc.Config
	Discovery discovery.Config
	Keys      keys.Config
}

// Peer is the admin process.
type Peer struct {
	Log    *zap.Logger
	Config Config

	DB    *admindb.DB
	Redis redis.UniversalClient

	Events struct {
		Publisher *events.Publisher
	}

	Keys struct {
		Rotator *keys.Rotator
	}

	GC struct {
		Collector *gc.Collector
	}

	Discovery struct {
		Service *discovery.Service
	}

	Servers struct {
		API *server.Server
	}
}

// New assembles the admin peer from config.
func New(ctx context.Context, log *zap.Logger, config Config) (_ *Peer, err error) {
	peer := &Peer{
		Log:    log,
		Config: config,
	}

	{ // setup registry database
		peer.DB, err = admindb.Open(ctx, log.Named("admindb"), config.Database)
		if err != nil {
			return nil, errs.Combine(Error.Wrap(err), peer.Close())
		}
	}

	{ // setup redis
		peer.Redis, err = redisutil.Open(ctx, config.Redis)
		if err != nil {
			return nil, errs.Combine(Error.Wrap(err), peer.Close())
		}
	}

	{ // setup events
		peer.Events.Publisher = events.NewPublisher(log.Named("events"), peer.Redis)
	}

	{ // setup key rotation
		peer.Keys.Rotator, err = keys.NewRotator(log.Named("keys"), config.Keys)
		if err != nil {
			return nil, errs.Combine(Error.Wrap(err), peer.Close())
		}
	}

	dial := func(endpoint string) *seclient.Client {
		return seclient.New(endpoint, func(ctx context.Context) (string, error) {
			return peer.Keys.Rotator.IssueServiceToken("admin")
		})
	}

	{ // setup garbage collection
		peer.GC.Collector = gc.NewCollector(log.Named("gc"), config.GC,
			peer.DB, peer.Events.Publisher, dial)
	}

	{ // setup discovery
		peer.Discovery.Service = discovery.NewService(log.Named("discovery"),
			config.Discovery, peer.DB, peer.Redis, dial)
	}

	{ // setup api server
		peer.Servers.API, err = server.New(log.Named("server"), config.Server,
			peer.DB, peer.Redis, peer.Events.Publisher, peer.GC.Collector, peer.Keys.Rotator)
		if err != nil {
			return nil, errs.Combine(Error.Wrap(err), peer.Close())
		}
	}

	return peer, nil
}

// Run serves until ctx is canceled.
func (peer *Peer) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error { return peer.Keys.Rotator.Run(ctx) })
	group.Go(func() error { return peer.GC.Collector.Run(ctx) })
	group.Go(func() error { return peer.Discovery.Service.Run(ctx) })
	group.Go(func() error { return peer.Servers.API.Run(ctx) })

	return group.Wait()
}

// Close releases resources in reverse construction order.
func (peer *Peer) Close() error {
	var group errs.Group

	if peer.Servers.API != nil {
		group.Add(peer.Servers.API.Close())
	}
	if peer.Discovery.Service != nil {
		group.Add(peer.Discovery.Service.Close())
	}
	if peer.GC.Collector != nil {
		group.Add(peer.GC.Collector.Close())
	}
	if peer.Keys.Rotator != nil {
		group.Add(peer.Keys.Rotator.Close())
	}
	if peer.Redis != nil {
		group.Add(peer.Redis.Close())
	}
	if peer.DB != nil {
		group.Add(peer.DB.Close())
	}

	return Error.Wrap(group.Err())
}
