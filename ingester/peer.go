// Copyright (C) 2025 Stratum Labs.
// See LICENSE for copying information.

// Package ingester assembles the ingest process: capacity monitoring
// with leader election, element selection, upload proxying and
// finalization.
package ingester

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stratumfs/stratum/ingester/finalize"
	"github.com/stratumfs/stratum/ingester/monitor"
	"github.com/stratumfs/stratum/ingester/selector"
	"github.com/stratumfs/stratum/ingester/server"
	"github.com/stratumfs/stratum/pkg/adminclient"
	"github.com/stratumfs/stratum/pkg/auth"
	"github.com/stratumfs/stratum/pkg/redisutil"
	"github.com/stratumfs/stratum/pkg/seclient"
)

// Error is the ingester peer error class.
var Error = errs.Class("ingester")

// Config is the ingester configuration.
type Config struct {
	AdminURL    string `help:"base url of the admin module" default:"http://localhost:8400"`
	AuthToken   string `help:"bearer token for internal calls" default:""`
	AuthKeysURL string `help:"url serving the admin module's token verification keys, empty disables auth" default:"http://localhost:8400/api/v1/auth/keys"`

	Redis    redisutil.Config
	Server   server.Config
	Monitor  monitor.Config
	Selector selector.Config
	Finalize finalize.Config
}

// Peer is the ingester process.
type Peer struct {
	Log    *zap.Logger
	Config Config

	Redis redis.UniversalClient
	Admin *adminclient.Client

	Capacity struct {
		Elector *monitor.Elector
		Monitor *monitor.Monitor
	}

	Selection struct {
		Selector *selector.Selector
	}

	Finalize struct {
		Engine *finalize.Engine
	}

	Servers struct {
		API *server.Server
	}
}

// New assembles the ingester from config.
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

	{ // setup admin client
		peer.Admin = adminclient.New(config.AdminURL, adminclient.TokenFunc(token))
	}

	{ // setup capacity monitoring
		peer.Capacity.Elector = monitor.NewElector(log.Named("elector"), peer.Redis)
		peer.Capacity.Monitor = monitor.NewMonitor(log.Named("monitor"), config.Monitor,
			peer.Redis, peer.Admin, peer.Capacity.Elector, dial)
	}

	{ // setup selection
		peer.Selection.Selector = selector.New(log.Named("selector"), config.Selector,
			peer.Redis, peer.Admin, peer.Capacity.Monitor)
	}

	{ // setup finalization
		peer.Finalize.Engine, err = finalize.NewEngine(log.Named("finalize"),
			config.Finalize, peer.Admin, peer.Selection.Selector, dial)
		if err != nil {
			return nil, errs.Combine(Error.Wrap(err), peer.Close())
		}
	}

	{ // setup api server
		peer.Servers.API, err = server.New(log.Named("server"), config.Server,
			peer.Selection.Selector, peer.Finalize.Engine, peer.Admin, dial, verifier)
		if err != nil {
			return nil, errs.Combine(Error.Wrap(err), peer.Close())
		}
	}

	return peer, nil
}

// Run serves until ctx is canceled.
func (peer *Peer) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error { return peer.Capacity.Elector.Run(ctx) })
	group.Go(func() error { return peer.Capacity.Monitor.Run(ctx) })
	group.Go(func() error { return peer.Selection.Selector.Run(ctx) })
	group.Go(func() error { return peer.Servers.API.Run(ctx) })

	return group.Wait()
}

// Close releases resources in reverse construction order.
func (peer *Peer) Close() error {
	var group errs.Group

	if peer.Servers.API != nil {
		group.Add(peer.Servers.API.Close())
	}
	if peer.Selection.Selector != nil {
		group.Add(peer.Selection.Selector.Close())
	}
	if peer.Capacity.Monitor != nil {
		group.Add(peer.Capacity.Monitor.Close())
	}
	if peer.Capacity.Elector != nil {
		group.Add(peer.Capacity.Elector.Close())
	}
	if peer.Redis != nil {
		group.Add(peer.Redis.Close())
	}

	return Error.Wrap(group.Err())
}
