// Copyright (C) 2025 Stratum Labs.
// See LICENSE for copying information.

// Package monitor polls the fleet's storage elements for capacity and
// keeps the shared capacity cache current. Only the elected leader
// runs the periodic fleet poll; every instance reads the cache and may
// re-poll a single element on demand.
package monitor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/stratumfs/stratum/admin/discovery"
	"github.com/stratumfs/stratum/internal/sync2"
	"github.com/stratumfs/stratum/pkg/adminclient"
	"github.com/stratumfs/stratum/pkg/seclient"
	"github.com/stratumfs/stratum/pkg/stratum"
)

var (
	// Error is the monitor error class.
	Error = errs.Class("monitor")

	mon = monkit.Package()
)

// Cache keys and lifetimes. Entries expire so a dead leader cannot
// leave permanently stale capacity behind.
const (
	capacityKeyPrefix = "capacity:"
	healthKeyPrefix   = "health:"
	cacheTTL          = 600 * time.Second
)

// AvailableSetKey returns the sorted set of writable elements for the
// mode, scored by selection priority.
func AvailableSetKey(mode stratum.Mode) string {
	return "capacity:" + string(mode) + ":available"
}

// CapacityKey returns the cache key for an element's capacity record.
func CapacityKey(elementID string) string { return capacityKeyPrefix + elementID }

// HealthKey returns the cache key for an element's health.
func HealthKey(elementID string) string { return healthKeyPrefix + elementID }

// Polling behavior.
const (
	pollAttempts      = 3
	pollBackoffBase   = 2 * time.Second
	lazyUpdateTimeout = 30 * time.Second
)

// Config configures the capacity monitor.
type Config struct {
	Interval         time.Duration `help:"base polling interval" default:"30s"`
	WarningInterval  time.Duration `help:"polling interval while any element reports WARNING" default:"15s"`
	CriticalInterval time.Duration `help:"polling interval while any element reports CRITICAL or FULL" default:"5s"`
	Concurrency      int           `help:"how many elements are polled concurrently" default:"8"`
}

// Monitor is the capacity polling chore.
type Monitor struct {
	log    *zap.Logger
	config Config

	client  redis.UniversalClient
	admin   *adminclient.Client
	elector *Elector
	dial    func(endpoint string) *seclient.Client

	Loop *sync2.Cycle
}

// NewMonitor creates the capacity monitor.
func NewMonitor(log *zap.Logger, config Config, client redis.UniversalClient, admin *adminclient.Client, elector *Elector, dial func(endpoint string) *seclient.Client) *Monitor {
	return &Monitor{
		log:     log,
		config:  config,
		client:  client,
		admin:   admin,
		elector: elector,
		dial:    dial,
		Loop:    sync2.NewCycle(config.Interval),
	}
}

// Run polls until ctx is canceled. Standby instances skip the poll but
// keep cycling so they start polling the moment they become leader.
func (monitor *Monitor) Run(ctx context.Context) error {
	return monitor.Loop.Run(ctx, func(ctx context.Context) error {
		if !monitor.elector.IsLeader() {
			return nil
		}
		worst := monitor.pollOnce(ctx)
		monitor.Loop.ChangeInterval(monitor.intervalFor(worst))
		return nil
	})
}

// Close stops the polling loop.
func (monitor *Monitor) Close() error {
	monitor.Loop.Close()
	return nil
}

// TriggerLazyUpdate re-polls one element right away, on any instance.
// The instance that saw a rejection must not wait for the leader's next
// fleet pass while the cache keeps offering a full element. With no
// element named the next fleet poll is brought forward instead.
func (monitor *Monitor) TriggerLazyUpdate(elementID string) {
	if elementID == "" {
		monitor.Loop.Trigger()
		return
	}
	mon.Event("capacity_lazy_update")
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), lazyUpdateTimeout)
		defer cancel()
		if err := monitor.PollElementByID(ctx, elementID); err != nil {
			monitor.log.Warn("lazy update failed",
				zap.String("element_id", elementID), zap.Error(err))
		}
	}()
}

// PollElementByID polls a single element and refreshes its cache entry,
// irrespective of leadership.
func (monitor *Monitor) PollElementByID(ctx context.Context, elementID string) error {
	elements, err := monitor.elements(ctx)
	if err != nil {
		return err
	}
	for _, element := range elements {
		if element.ID == elementID {
			monitor.pollElement(ctx, element)
			return nil
		}
	}
	return Error.New("unknown element %s", elementID)
}

// intervalFor adapts the polling cadence to the worst capacity status
// observed: a fleet near the edge is watched more closely.
func (monitor *Monitor) intervalFor(worst stratum.CapacityStatus) time.Duration {
	switch worst {
	case stratum.CapacityCritical, stratum.CapacityFull:
		return monitor.config.CriticalInterval
	case stratum.CapacityWarning:
		return monitor.config.WarningInterval
	default:
		return monitor.config.Interval
	}
}

// pollOnce polls every registered element and returns the worst
// capacity status seen.
func (monitor *Monitor) pollOnce(ctx context.Context) stratum.CapacityStatus {
	var err error
	defer mon.Task()(&ctx)(&err)

	elements, err := monitor.elements(ctx)
	if err != nil {
		monitor.log.Error("element discovery failed", zap.Error(err))
		return stratum.CapacityOK
	}

	results := make(chan stratum.CapacityStatus, len(elements))
	limiter := sync2.NewLimiter(monitor.config.Concurrency)
	for _, element := range elements {
		element := element
		started := limiter.Go(ctx, func() {
			results <- monitor.pollElement(ctx, element)
		})
		if !started {
			break
		}
	}
	limiter.Wait()
	close(results)

	worst := stratum.CapacityOK
	for status := range results {
		if status.WorseThan(worst) {
			worst = status
		}
	}
	return worst
}

// elements loads the registry from the published config key, falling
// back to the admin API.
func (monitor *Monitor) elements(ctx context.Context) ([]*stratum.StorageElementInfo, error) {
	payload, err := monitor.client.Get(ctx, discovery.ConfigKey).Bytes()
	if err == nil {
		elements, decodeErr := discovery.ElementsFromConfig(payload)
		if decodeErr == nil {
			return elements, nil
		}
		monitor.log.Warn("published registry malformed", zap.Error(decodeErr))
	}
	return monitor.admin.ListElements(ctx)
}

// pollElement polls one element with retries and updates the cache.
func (monitor *Monitor) pollElement(ctx context.Context, element *stratum.StorageElementInfo) stratum.CapacityStatus {
	if element.Status == stratum.StatusOffline || element.Status == stratum.StatusUpgrading {
		monitor.removeAvailable(ctx, element)
		return stratum.CapacityOK
	}

	var capacity *seclient.CapacityResponse
	var err error
	client := monitor.dial(element.Endpoint)
	for attempt := 0; attempt < pollAttempts; attempt++ {
		if attempt > 0 {
			backoff := pollBackoffBase << (attempt - 1)
			if !sync2.Sleep(ctx, backoff) {
				return stratum.CapacityOK
			}
		}
		capacity, err = client.Capacity(ctx)
		if err == nil {
			break
		}
	}
	if err != nil {
		monitor.log.Warn("capacity poll failed",
			zap.String("element_id", element.ID),
			zap.Error(err))
		mon.Event("capacity_poll_failed")
		monitor.removeAvailable(ctx, element)
		return stratum.CapacityOK
	}

	status := element.EffectiveThresholds().StatusFor(capacity.Capacity.PercentUsed)
	monitor.writeCache(ctx, element, capacity, status)
	return status
}

// CacheEntry is the capacity cache entry shape.
type CacheEntry struct {
	ElementID   string                 `json:"element_id"`
	Endpoint    string                 `json:"endpoint"`
	Mode        stratum.Mode           `json:"mode"`
	Priority    int                    `json:"priority"`
	Total       int64                  `json:"total"`
	Used        int64                  `json:"used"`
	Available   int64                  `json:"available"`
	PercentUsed float64                `json:"percent_used"`
	Status      stratum.CapacityStatus `json:"status"`
	Health      stratum.Health         `json:"health"`
	PolledAt    time.Time              `json:"polled_at"`
}

func (monitor *Monitor) writeCache(ctx context.Context, element *stratum.StorageElementInfo, capacity *seclient.CapacityResponse, status stratum.CapacityStatus) {
	entry := CacheEntry{
		ElementID:   element.ID,
		Endpoint:    element.Endpoint,
		Mode:        element.Mode,
		Priority:    element.Priority,
		Total:       capacity.Capacity.Total,
		Used:        capacity.Capacity.Used,
		Available:   capacity.Capacity.Available,
		PercentUsed: capacity.Capacity.PercentUsed,
		Status:      status,
		Health:      capacity.Health,
		PolledAt:    time.Now().UTC(),
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		monitor.log.Error("capacity cache encode failed", zap.Error(err))
		return
	}

	pipe := monitor.client.Pipeline()
	pipe.Set(ctx, CapacityKey(element.ID), payload, cacheTTL)
	pipe.Set(ctx, HealthKey(element.ID), string(capacity.Health), cacheTTL)

	// a FULL or unhealthy element never appears in the available set
	if status != stratum.CapacityFull && capacity.Health != stratum.HealthUnhealthy && element.Mode.AllowsWrite() {
		pipe.ZAdd(ctx, AvailableSetKey(element.Mode), redis.Z{
			Score:  float64(element.Priority),
			Member: element.ID,
		})
	} else {
		pipe.ZRem(ctx, AvailableSetKey(element.Mode), element.ID)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		monitor.log.Error("capacity cache write failed",
			zap.String("element_id", element.ID), zap.Error(err))
		mon.Event("capacity_cache_write_failed")
	}
}

func (monitor *Monitor) removeAvailable(ctx context.Context, element *stratum.StorageElementInfo) {
	if err := monitor.client.ZRem(ctx, AvailableSetKey(element.Mode), element.ID).Err(); err != nil {
		monitor.log.Warn("available set removal failed",
			zap.String("element_id", element.ID), zap.Error(err))
	}
}

// CachedCapacity reads an element's capacity cache entry.
func CachedCapacity(ctx context.Context, client redis.UniversalClient, elementID string) (*CacheEntry, error) {
	payload, err := client.Get(ctx, CapacityKey(elementID)).Bytes()
	if err != nil {
		return nil, Error.Wrap(err)
	}
	var entry CacheEntry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return nil, Error.Wrap(err)
	}
	return &entry, nil
}
