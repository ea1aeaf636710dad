// Copyright (C) 2025 Stratum Labs.
// See LICENSE for copying information.

package selector

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/stratumfs/stratum/admin/discovery"
	"github.com/stratumfs/stratum/ingester/monitor"
	"github.com/stratumfs/stratum/internal/testcontext"
	"github.com/stratumfs/stratum/pkg/adminclient"
	"github.com/stratumfs/stratum/pkg/stratum"
)

// newAdminStub serves the available-elements fallback endpoint with a
// fixed answer.
func newAdminStub(t *testing.T, available ...*stratum.StorageElementInfo) *adminclient.Client {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/internal/storage-elements/available", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(available))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return adminclient.New(srv.URL, nil)
}

func newSelector(t *testing.T, client redis.UniversalClient, admin *adminclient.Client) *Selector {
	selector := New(zaptest.NewLogger(t), Config{
		ReloadInterval: time.Minute,
	}, client, admin, nil)
	t.Cleanup(func() { require.NoError(t, selector.Close()) })
	return selector
}

func seedRegistry(t *testing.T, ctx *testcontext.Context, client redis.UniversalClient, elements ...*stratum.StorageElementInfo) {
	payload, err := json.Marshal(elements)
	require.NoError(t, err)
	require.NoError(t, client.Set(ctx, discovery.ConfigKey, payload, 0).Err())
}

func seedCapacity(t *testing.T, ctx *testcontext.Context, client redis.UniversalClient, entry monitor.CacheEntry) {
	payload, err := json.Marshal(entry)
	require.NoError(t, err)
	require.NoError(t, client.Set(ctx, monitor.CapacityKey(entry.ElementID), payload, 0).Err())
	require.NoError(t, client.ZAdd(ctx, monitor.AvailableSetKey(entry.Mode), redis.Z{
		Score:  float64(entry.Priority),
		Member: entry.ElementID,
	}).Err())
}

func editEntry(id string, priority int, available int64) monitor.CacheEntry {
	return monitor.CacheEntry{
		ElementID:   id,
		Endpoint:    "http://" + id + ":8080",
		Mode:        stratum.ModeEdit,
		Priority:    priority,
		Total:       1000,
		Used:        1000 - available,
		Available:   available,
		PercentUsed: 100 * float64(1000-available) / 1000,
		Status:      stratum.CapacityOK,
		Health:      stratum.HealthHealthy,
		PolledAt:    time.Now().UTC(),
	}
}

func registryElement(id string, priority int) *stratum.StorageElementInfo {
	return &stratum.StorageElementInfo{
		ID:       id,
		Mode:     stratum.ModeEdit,
		Priority: priority,
		Endpoint: "http://" + id + ":8080",
		Status:   stratum.StatusReady,
	}
}

func TestSequentialFill(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	mini := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mini.Addr()})
	defer ctx.Check(client.Close)

	seedRegistry(t, ctx, client,
		registryElement("se-a", 10), registryElement("se-b", 20), registryElement("se-c", 30))
	seedCapacity(t, ctx, client, editEntry("se-b", 20, 500))
	seedCapacity(t, ctx, client, editEntry("se-a", 10, 500))
	seedCapacity(t, ctx, client, editEntry("se-c", 30, 500))

	selector := newSelector(t, client, newAdminStub(t))

	// the lowest priority element always wins while it has room
	for i := 0; i < 3; i++ {
		element, err := selector.Select(ctx, stratum.ModeEdit, 100, nil)
		require.NoError(t, err)
		assert.Equal(t, "se-a", element.ID)
	}
}

func TestSelectTieBreaksOnFullness(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	mini := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mini.Addr()})
	defer ctx.Check(client.Close)

	seedRegistry(t, ctx, client,
		registryElement("se-a", 10), registryElement("se-b", 10), registryElement("se-c", 10))
	// equal priority; se-a is the fullest, se-c the emptiest but later
	// in id order than se-b at the same fullness
	seedCapacity(t, ctx, client, editEntry("se-a", 10, 100))
	seedCapacity(t, ctx, client, editEntry("se-b", 10, 600))
	seedCapacity(t, ctx, client, editEntry("se-c", 10, 600))

	selector := newSelector(t, client, newAdminStub(t))

	element, err := selector.Select(ctx, stratum.ModeEdit, 50, nil)
	require.NoError(t, err)
	assert.Equal(t, "se-b", element.ID, "equal priority ties break on fullness, then id")
}

func TestSelectSkipsExcluded(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	mini := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mini.Addr()})
	defer ctx.Check(client.Close)

	seedRegistry(t, ctx, client, registryElement("se-a", 10), registryElement("se-b", 20))
	seedCapacity(t, ctx, client, editEntry("se-a", 10, 500))
	seedCapacity(t, ctx, client, editEntry("se-b", 20, 500))

	selector := newSelector(t, client, newAdminStub(t))

	element, err := selector.Select(ctx, stratum.ModeEdit, 100, map[string]bool{"se-a": true})
	require.NoError(t, err)
	assert.Equal(t, "se-b", element.ID, "an element that rejected this upload is skipped")

	_, err = selector.Select(ctx, stratum.ModeEdit, 100, map[string]bool{"se-a": true, "se-b": true})
	require.Error(t, err)
	assert.True(t, ErrNoAvailableStorage.Has(err))
}

func TestSelectSkipsFullAndSmall(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	mini := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mini.Addr()})
	defer ctx.Check(client.Close)

	seedRegistry(t, ctx, client, registryElement("se-a", 10), registryElement("se-b", 20))

	full := editEntry("se-a", 10, 10)
	full.Status = stratum.CapacityFull
	seedCapacity(t, ctx, client, full)

	small := editEntry("se-b", 20, 50)
	seedCapacity(t, ctx, client, small)

	selector := newSelector(t, client, newAdminStub(t))

	// se-a is FULL, se-b has room but not enough for this upload
	_, err := selector.Select(ctx, stratum.ModeEdit, 100, nil)
	require.Error(t, err)
	assert.True(t, ErrNoAvailableStorage.Has(err))

	element, err := selector.Select(ctx, stratum.ModeEdit, 40, nil)
	require.NoError(t, err)
	assert.Equal(t, "se-b", element.ID)
}

func TestSelectEmptyCacheFallsBackToAdmin(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	mini := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mini.Addr()})
	defer ctx.Check(client.Close)

	// a cold capacity cache must not fail uploads the registry knows a
	// home for
	admin := newAdminStub(t, registryElement("se-a", 10))
	selector := newSelector(t, client, admin)

	element, err := selector.Select(ctx, stratum.ModeEdit, 100, nil)
	require.NoError(t, err)
	assert.Equal(t, "se-a", element.ID)
}

func TestSelectSynthesizesFromCache(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	mini := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mini.Addr()})
	defer ctx.Check(client.Close)

	// the capacity cache knows an element the registry snapshot missed
	seedRegistry(t, ctx, client, registryElement("se-other", 50))
	seedCapacity(t, ctx, client, editEntry("se-new", 10, 500))

	selector := newSelector(t, client, newAdminStub(t))

	element, err := selector.Select(ctx, stratum.ModeEdit, 100, nil)
	require.NoError(t, err)
	assert.Equal(t, "se-new", element.ID)
	assert.Equal(t, "http://se-new:8080", element.Endpoint)
}

func TestSelectRejectsNonWritableMode(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	mini := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mini.Addr()})
	defer ctx.Check(client.Close)

	selector := newSelector(t, client, newAdminStub(t))

	_, err := selector.Select(ctx, stratum.ModeRO, 100, nil)
	require.Error(t, err)

	_, err = selector.Select(ctx, stratum.ModeAR, 100, nil)
	require.Error(t, err)
}
