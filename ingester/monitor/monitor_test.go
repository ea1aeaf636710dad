// Copyright (C) 2025 Stratum Labs.
// See LICENSE for copying information.

package monitor

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/stratumfs/stratum/admin/discovery"
	"github.com/stratumfs/stratum/internal/testcontext"
	"github.com/stratumfs/stratum/pkg/seclient"
	"github.com/stratumfs/stratum/pkg/stratum"
)

func testConfig() Config {
	return Config{
		Interval:         30 * time.Second,
		WarningInterval:  15 * time.Second,
		CriticalInterval: 5 * time.Second,
		Concurrency:      4,
	}
}

func capacityResponse(total, used int64, health stratum.Health) *seclient.CapacityResponse {
	response := &seclient.CapacityResponse{Health: health}
	response.Capacity.Total = total
	response.Capacity.Used = used
	response.Capacity.Available = total - used
	response.Capacity.PercentUsed = 100 * float64(used) / float64(total)
	return response
}

func element(id string, mode stratum.Mode, priority int) *stratum.StorageElementInfo {
	return &stratum.StorageElementInfo{
		ID:       id,
		Mode:     mode,
		Priority: priority,
		Endpoint: "http://" + id + ":8080",
		Status:   stratum.StatusReady,
	}
}

func TestWriteCache(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	mini := miniredis.RunT(t)
	client := newClient(t, mini)

	monitor := NewMonitor(zaptest.NewLogger(t), testConfig(), client, nil, nil, nil)

	healthy := element("se-edit-1", stratum.ModeEdit, 10)
	monitor.writeCache(ctx, healthy, capacityResponse(1000, 500, stratum.HealthHealthy), stratum.CapacityOK)

	entry, err := CachedCapacity(ctx, client, "se-edit-1")
	require.NoError(t, err)
	assert.Equal(t, "se-edit-1", entry.ElementID)
	assert.EqualValues(t, 500, entry.Available)
	assert.Equal(t, stratum.CapacityOK, entry.Status)

	members, err := client.ZRange(ctx, AvailableSetKey(stratum.ModeEdit), 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"se-edit-1"}, members)

	health, err := client.Get(ctx, HealthKey("se-edit-1")).Result()
	require.NoError(t, err)
	assert.Equal(t, string(stratum.HealthHealthy), health)
}

func TestFullElementLeavesAvailableSet(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	mini := miniredis.RunT(t)
	client := newClient(t, mini)

	monitor := NewMonitor(zaptest.NewLogger(t), testConfig(), client, nil, nil, nil)
	se := element("se-edit-1", stratum.ModeEdit, 10)

	monitor.writeCache(ctx, se, capacityResponse(1000, 500, stratum.HealthHealthy), stratum.CapacityOK)
	members, err := client.ZRange(ctx, AvailableSetKey(stratum.ModeEdit), 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, members, 1)

	// the element crosses the full threshold: it disappears from the set
	// but its capacity entry stays readable
	monitor.writeCache(ctx, se, capacityResponse(1000, 990, stratum.HealthHealthy), stratum.CapacityFull)
	members, err = client.ZRange(ctx, AvailableSetKey(stratum.ModeEdit), 0, -1).Result()
	require.NoError(t, err)
	assert.Empty(t, members)

	entry, err := CachedCapacity(ctx, client, "se-edit-1")
	require.NoError(t, err)
	assert.Equal(t, stratum.CapacityFull, entry.Status)
}

func TestUnhealthyAndReadOnlyExcluded(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	mini := miniredis.RunT(t)
	client := newClient(t, mini)

	monitor := NewMonitor(zaptest.NewLogger(t), testConfig(), client, nil, nil, nil)

	unhealthy := element("se-edit-2", stratum.ModeEdit, 10)
	monitor.writeCache(ctx, unhealthy, capacityResponse(1000, 100, stratum.HealthUnhealthy), stratum.CapacityOK)

	readonly := element("se-ro-1", stratum.ModeRO, 10)
	monitor.writeCache(ctx, readonly, capacityResponse(1000, 100, stratum.HealthHealthy), stratum.CapacityOK)

	members, err := client.ZRange(ctx, AvailableSetKey(stratum.ModeEdit), 0, -1).Result()
	require.NoError(t, err)
	assert.Empty(t, members)
	members, err = client.ZRange(ctx, AvailableSetKey(stratum.ModeRO), 0, -1).Result()
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestAvailableSetOrderedByPriority(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	mini := miniredis.RunT(t)
	client := newClient(t, mini)

	monitor := NewMonitor(zaptest.NewLogger(t), testConfig(), client, nil, nil, nil)

	monitor.writeCache(ctx, element("se-b", stratum.ModeEdit, 20), capacityResponse(1000, 100, stratum.HealthHealthy), stratum.CapacityOK)
	monitor.writeCache(ctx, element("se-a", stratum.ModeEdit, 10), capacityResponse(1000, 100, stratum.HealthHealthy), stratum.CapacityOK)
	monitor.writeCache(ctx, element("se-c", stratum.ModeEdit, 30), capacityResponse(1000, 100, stratum.HealthHealthy), stratum.CapacityOK)

	members, err := client.ZRange(ctx, AvailableSetKey(stratum.ModeEdit), 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"se-a", "se-b", "se-c"}, members, "lowest priority value selects first")
}

func TestIntervalAdaptsToWorstStatus(t *testing.T) {
	monitor := NewMonitor(zaptest.NewLogger(t), testConfig(), nil, nil, nil, nil)

	assert.Equal(t, 30*time.Second, monitor.intervalFor(stratum.CapacityOK))
	assert.Equal(t, 15*time.Second, monitor.intervalFor(stratum.CapacityWarning))
	assert.Equal(t, 5*time.Second, monitor.intervalFor(stratum.CapacityCritical))
	assert.Equal(t, 5*time.Second, monitor.intervalFor(stratum.CapacityFull))
}

func TestPollElementByIDWithoutLeadership(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	mini := miniredis.RunT(t)
	client := newClient(t, mini)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(capacityResponse(1000, 900, stratum.HealthHealthy)))
	}))
	defer server.Close()

	se := element("se-edit-1", stratum.ModeEdit, 10)
	se.Endpoint = server.URL
	payload, err := json.Marshal([]*stratum.StorageElementInfo{se})
	require.NoError(t, err)
	require.NoError(t, client.Set(ctx, discovery.ConfigKey, payload, 0).Err())

	// this instance never held the leader lock
	elector := NewElector(zaptest.NewLogger(t), client)
	require.False(t, elector.IsLeader())

	dial := func(endpoint string) *seclient.Client { return seclient.New(endpoint, nil) }
	monitor := NewMonitor(zaptest.NewLogger(t), testConfig(), client, nil, elector, dial)

	require.NoError(t, monitor.PollElementByID(ctx, "se-edit-1"))

	entry, err := CachedCapacity(ctx, client, "se-edit-1")
	require.NoError(t, err)
	assert.EqualValues(t, 100, entry.Available)
	assert.EqualValues(t, 90, entry.PercentUsed)

	err = monitor.PollElementByID(ctx, "se-missing")
	require.Error(t, err)
	assert.True(t, Error.Has(err))
}

func TestCachedCapacityMissing(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	mini := miniredis.RunT(t)
	client := newClient(t, mini)

	_, err := CachedCapacity(ctx, client, "se-unknown")
	require.Error(t, err)
	assert.True(t, Error.Has(err))
}
