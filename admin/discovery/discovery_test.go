// Copyright (C) 2025 Stratum Labs.
// See LICENSE for copying information.

package discovery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/stratumfs/stratum/admin/admindb"
	"github.com/stratumfs/stratum/internal/testcontext"
	"github.com/stratumfs/stratum/pkg/seclient"
	"github.com/stratumfs/stratum/pkg/stratum"
)

func newService(t *testing.T, ctx *testcontext.Context) (*Service, *admindb.DB, *redis.Client) {
	db, err := admindb.Open(ctx, zaptest.NewLogger(t), admindb.Config{
		Driver: "sqlite3",
		URL:    ctx.File("db", "registry.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })

	mini := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mini.Addr()})
	t.Cleanup(func() { require.NoError(t, client.Close()) })

	service := NewService(zaptest.NewLogger(t), Config{
		PublishInterval:    time.Hour,
		HealthSyncInterval: time.Hour,
	}, db, client, func(endpoint string) *seclient.Client {
		return seclient.New(endpoint, nil)
	})
	t.Cleanup(func() { require.NoError(t, service.Close()) })

	return service, db, client
}

func upsertElement(t *testing.T, ctx *testcontext.Context, db *admindb.DB, id, endpoint string, status stratum.StorageStatus) {
	require.NoError(t, db.UpsertElement(ctx, &stratum.StorageElementInfo{
		ID:       id,
		Mode:     stratum.ModeEdit,
		Priority: 10,
		Endpoint: endpoint,
		Status:   status,
	}))
}

func TestPublishOnce(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	service, db, client := newService(t, ctx)
	upsertElement(t, ctx, db, "se-a", "http://se-a:8080", stratum.StatusReady)
	upsertElement(t, ctx, db, "se-b", "http://se-b:8080", stratum.StatusOffline)

	require.NoError(t, service.publishOnce(ctx))

	payload, err := client.Get(ctx, ConfigKey).Bytes()
	require.NoError(t, err)
	elements, err := ElementsFromConfig(payload)
	require.NoError(t, err)
	assert.Len(t, elements, 2)
}

func TestSyncHealthOnce(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()

	service, db, _ := newService(t, ctx)
	upsertElement(t, ctx, db, "se-up", healthy.URL, stratum.StatusReady)
	upsertElement(t, ctx, db, "se-down", down.URL, stratum.StatusReady)
	upsertElement(t, ctx, db, "se-maint", down.URL, stratum.StatusUpgrading)

	require.NoError(t, service.syncHealthOnce(ctx))

	up, err := db.GetElement(ctx, "se-up")
	require.NoError(t, err)
	assert.Equal(t, stratum.StatusReady, up.Status)

	offline, err := db.GetElement(ctx, "se-down")
	require.NoError(t, err)
	assert.Equal(t, stratum.StatusOffline, offline.Status)

	// maintenance is operator-driven; the probe does not override it
	maint, err := db.GetElement(ctx, "se-maint")
	require.NoError(t, err)
	assert.Equal(t, stratum.StatusUpgrading, maint.Status)
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	service, _, client := newService(t, ctx)

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- service.Run(runCtx) }()

	// both chores run once at startup
	require.Eventually(t, func() bool {
		return client.Exists(context.Background(), ConfigKey).Val() == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("discovery did not stop on cancel")
	}
}
