// Copyright (C) 2025 Stratum Labs.
// See LICENSE for copying information.

// Package selector picks the storage element for each new upload.
// Selection is sequential-fill: elements are ordered by priority and
// the first one with room wins, so the fleet fills predictably instead
// of spreading load.
package selector

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/stratumfs/stratum/admin/discovery"
	"github.com/stratumfs/stratum/ingester/monitor"
	"github.com/stratumfs/stratum/internal/sync2"
	"github.com/stratumfs/stratum/pkg/adminclient"
	"github.com/stratumfs/stratum/pkg/stratum"
)

var (
	// Error is the selector error class.
	Error = errs.Class("selector")
	// ErrNoAvailableStorage is returned when no element can take the
	// upload. Callers answer 503 with a retry hint.
	ErrNoAvailableStorage = errs.Class("no available storage")

	mon = monkit.Package()
)

// Config configures the selector.
type Config struct {
	ReloadInterval time.Duration `help:"how often the element registry is reloaded" default:"60s"`
}

// Selector picks elements for uploads.
type Selector struct {
	log    *zap.Logger
	config Config

	client  redis.UniversalClient
	admin   *adminclient.Client
	monitor *monitor.Monitor

	mu       sync.RWMutex
	elements map[string]*stratum.StorageElementInfo

	Reload *sync2.Cycle
}

// New creates a selector. The placement mode is chosen per call, from
// the file's retention policy.
func New(log *zap.Logger, config Config, client redis.UniversalClient, admin *adminclient.Client, capacityMonitor *monitor.Monitor) *Selector {
	return &Selector{
		log:      log,
		config:   config,
		client:   client,
		admin:    admin,
		monitor:  capacityMonitor,
		elements: map[string]*stratum.StorageElementInfo{},
		Reload:   sync2.NewCycle(config.ReloadInterval),
	}
}

// Run reloads the element registry until ctx is canceled.
func (selector *Selector) Run(ctx context.Context) error {
	return selector.Reload.Run(ctx, func(ctx context.Context) error {
		if err := selector.reloadOnce(ctx); err != nil {
			selector.log.Warn("registry reload failed", zap.Error(err))
		}
		return nil
	})
}

// Close stops the reload loop.
func (selector *Selector) Close() error {
	selector.Reload.Close()
	return nil
}

func (selector *Selector) reloadOnce(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	elements, err := selector.loadElements(ctx)
	if err != nil {
		return err
	}

	byID := make(map[string]*stratum.StorageElementInfo, len(elements))
	for _, element := range elements {
		byID[element.ID] = element
	}

	selector.mu.Lock()
	selector.elements = byID
	selector.mu.Unlock()
	return nil
}

func (selector *Selector) loadElements(ctx context.Context) ([]*stratum.StorageElementInfo, error) {
	payload, err := selector.client.Get(ctx, discovery.ConfigKey).Bytes()
	if err == nil {
		elements, decodeErr := discovery.ElementsFromConfig(payload)
		if decodeErr == nil {
			return elements, nil
		}
	}
	return selector.admin.ListElements(ctx)
}

func (selector *Selector) element(id string) *stratum.StorageElementInfo {
	selector.mu.RLock()
	defer selector.mu.RUnlock()
	return selector.elements[id]
}

// Select returns the element the upload goes to, writable in mode.
// Elements in exclude were already tried and rejected this request.
func (selector *Selector) Select(ctx context.Context, mode stratum.Mode, size int64, exclude map[string]bool) (_ *stratum.StorageElementInfo, err error) {
	defer mon.Task()(&ctx)(&err)

	if !mode.AllowsWrite() {
		return nil, Error.New("mode %s does not accept uploads", mode)
	}

	if len(selector.elementsSnapshot()) == 0 {
		// first call before the reload cycle ran
		if err := selector.reloadOnce(ctx); err != nil {
			selector.log.Warn("on-demand registry reload failed", zap.Error(err))
		}
	}

	element, err := selector.selectFromCache(ctx, mode, size, exclude)
	if err == nil {
		return element, nil
	}
	// the registry is consulted both when the cache errors and when it
	// is empty: a cold or lagging monitor must not fail uploads that
	// the admin module knows a home for
	if Error.Has(err) {
		selector.log.Warn("capacity cache unavailable, falling back to admin", zap.Error(err))
	}
	mon.Event("selection_fallback")
	return selector.selectFromAdmin(ctx, mode, size, exclude)
}

func (selector *Selector) elementsSnapshot() map[string]*stratum.StorageElementInfo {
	selector.mu.RLock()
	defer selector.mu.RUnlock()
	return selector.elements
}

// selectFromCache walks the available set ordered by priority, then
// fullness, then id, and returns the first candidate with room.
func (selector *Selector) selectFromCache(ctx context.Context, mode stratum.Mode, size int64, exclude map[string]bool) (*stratum.StorageElementInfo, error) {
	ids, err := selector.client.ZRangeByScore(ctx, monitor.AvailableSetKey(mode), &redis.ZRangeBy{
		Min: "-inf", Max: "+inf",
	}).Result()
	if err != nil {
		return nil, Error.Wrap(err)
	}

	var candidates []*monitor.CacheEntry
	for _, id := range ids {
		if exclude[id] {
			continue
		}
		entry, err := monitor.CachedCapacity(ctx, selector.client, id)
		if err != nil {
			// entry expired between the set read and here
			continue
		}
		if entry.Status == stratum.CapacityFull || entry.Health == stratum.HealthUnhealthy {
			continue
		}
		if size > 0 && entry.Available < size {
			continue
		}
		candidates = append(candidates, entry)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		if candidates[i].PercentUsed != candidates[j].PercentUsed {
			return candidates[i].PercentUsed < candidates[j].PercentUsed
		}
		return candidates[i].ElementID < candidates[j].ElementID
	})

	if len(candidates) == 0 {
		return nil, ErrNoAvailableStorage.New("no element in mode %s can take %d bytes", mode, size)
	}

	entry := candidates[0]
	element := selector.element(entry.ElementID)
	if element == nil {
		element = &stratum.StorageElementInfo{
			ID:       entry.ElementID,
			Endpoint: entry.Endpoint,
			Mode:     entry.Mode,
			Priority: entry.Priority,
			Status:   stratum.StatusReady,
		}
	}
	return element, nil
}

// selectFromAdmin is the degraded path: the registry's writable READY
// elements in priority order, with no capacity numbers to check.
func (selector *Selector) selectFromAdmin(ctx context.Context, mode stratum.Mode, size int64, exclude map[string]bool) (*stratum.StorageElementInfo, error) {
	elements, err := selector.admin.AvailableElements(ctx, mode, size)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	sort.Slice(elements, func(i, j int) bool {
		if elements[i].Priority != elements[j].Priority {
			return elements[i].Priority < elements[j].Priority
		}
		return elements[i].ID < elements[j].ID
	})

	for _, element := range elements {
		if exclude[element.ID] || element.Mode != mode {
			continue
		}
		return element, nil
	}
	return nil, ErrNoAvailableStorage.New("no element available in mode %s", mode)
}

// ReportRejection tells the selector an element rejected a write for
// lack of space. The monitor re-polls that element right away so the
// cache stops offering it.
func (selector *Selector) ReportRejection(elementID string) {
	mon.Event("selection_rejected")
	if selector.monitor != nil {
		selector.monitor.TriggerLazyUpdate(elementID)
	}
}
