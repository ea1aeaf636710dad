// Copyright (C) 2025 Stratum Labs.
// See LICENSE for copying information.

package meta

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/zeebo/errs"
)

// ErrLockContention is returned when an acquirer must yield to a holder
// of equal or higher priority. Callers treat it as "skipped", never as a
// failure of the read path.
var ErrLockContention = errs.Class("lock contention")

// LockPriority orders cache-mutating operations. Higher wins.
type LockPriority int

// Lock priorities, highest first.
const (
	LockManualRebuild     LockPriority = 40
	LockManualCheck       LockPriority = 30
	LockLazyRebuild       LockPriority = 20
	LockBackgroundCleanup LockPriority = 10
)

// String returns the operation name for the priority.
func (p LockPriority) String() string {
	switch p {
	case LockManualRebuild:
		return "MANUAL_REBUILD"
	case LockManualCheck:
		return "MANUAL_CHECK"
	case LockLazyRebuild:
		return "LAZY_REBUILD"
	case LockBackgroundCleanup:
		return "BACKGROUND_CLEANUP"
	}
	return "UNKNOWN"
}

// MaxHold returns the maximum hold time for the priority. A holder past
// its max hold is considered abandoned and may be displaced.
func (p LockPriority) MaxHold() time.Duration {
	switch p {
	case LockManualRebuild:
		return 30 * time.Minute
	case LockManualCheck:
		return 10 * time.Minute
	case LockLazyRebuild:
		return 30 * time.Second
	case LockBackgroundCleanup:
		return 5 * time.Minute
	}
	return time.Minute
}

type lockWaiter struct {
	priority LockPriority
	order    int
	granted  chan uint64
}

// LockManager is the priority-ordered lock protecting cache-mutating
// operations.
//
// An acquirer at or below the active holder's priority fails non-blocking
// with ErrLockContention; a higher-priority acquirer waits and is served
// before any pending lower-priority waiters.
type LockManager struct {
	mu sync.Mutex

	held        bool
	holder      LockPriority
	holderSince time.Time
	epoch       uint64

	waiters     []*lockWaiter
	waiterOrder int
}

// NewLockManager creates a lock manager.
func NewLockManager() *LockManager {
	return &LockManager{}
}

// Acquire takes the lock for an operation with the given priority.
// The returned release function is safe to call more than once.
func (manager *LockManager) Acquire(ctx context.Context, priority LockPriority) (release func(), err error) {
	manager.mu.Lock()
	manager.reapExpiredLocked(time.Now())

	if !manager.held && len(manager.waiters) == 0 {
		epoch := manager.grantLocked(priority)
		manager.mu.Unlock()
		return manager.releaser(epoch), nil
	}
	if manager.held && priority <= manager.holder {
		active := manager.holder
		manager.mu.Unlock()
		return nil, ErrLockContention.New("%s yields to active %s", priority, active)
	}

	// higher priority than the active holder: wait, ordered before any
	// lower-priority waiters
	waiter := &lockWaiter{
		priority: priority,
		order:    manager.waiterOrder,
		granted:  make(chan uint64, 1),
	}
	manager.waiterOrder++
	manager.waiters = append(manager.waiters, waiter)
	manager.sortWaitersLocked()
	manager.mu.Unlock()

	select {
	case epoch := <-waiter.granted:
		return manager.releaser(epoch), nil
	case <-ctx.Done():
		manager.mu.Lock()
		if !manager.removeWaiterLocked(waiter) {
			// granted concurrently with cancellation; hand it back
			epoch := <-waiter.granted
			manager.mu.Unlock()
			manager.releaser(epoch)()
			return nil, ctx.Err()
		}
		manager.mu.Unlock()
		return nil, ctx.Err()
	}
}

// TryAcquire is like Acquire but never waits.
func (manager *LockManager) TryAcquire(priority LockPriority) (release func(), err error) {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	manager.reapExpiredLocked(time.Now())

	if manager.held || len(manager.waiters) > 0 {
		return nil, ErrLockContention.New("%s yields to active %s", priority, manager.holder)
	}
	epoch := manager.grantLocked(priority)
	return manager.releaser(epoch), nil
}

// Holder returns the active holder's priority, if any.
func (manager *LockManager) Holder() (LockPriority, bool) {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	return manager.holder, manager.held
}

// grantLocked marks the lock held and returns the ownership epoch.
func (manager *LockManager) grantLocked(priority LockPriority) uint64 {
	manager.held = true
	manager.holder = priority
	manager.holderSince = time.Now()
	manager.epoch++
	return manager.epoch
}

// releaser builds the release function for an ownership epoch. A displaced
// holder's release is a no-op.
func (manager *LockManager) releaser(epoch uint64) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			manager.mu.Lock()
			defer manager.mu.Unlock()
			if !manager.held || manager.epoch != epoch {
				return
			}
			manager.held = false
			manager.handoffLocked()
		})
	}
}

// handoffLocked passes ownership to the highest-priority waiter, if any.
func (manager *LockManager) handoffLocked() {
	if len(manager.waiters) == 0 {
		return
	}
	next := manager.waiters[0]
	manager.waiters = manager.waiters[1:]
	next.granted <- manager.grantLocked(next.priority)
}

// reapExpiredLocked displaces a holder that exceeded its max hold time.
func (manager *LockManager) reapExpiredLocked(now time.Time) {
	if manager.held && now.Sub(manager.holderSince) > manager.holder.MaxHold() {
		manager.held = false
		manager.epoch++
		manager.handoffLocked()
	}
}

func (manager *LockManager) sortWaitersLocked() {
	sort.SliceStable(manager.waiters, func(i, j int) bool {
		if manager.waiters[i].priority != manager.waiters[j].priority {
			return manager.waiters[i].priority > manager.waiters[j].priority
		}
		return manager.waiters[i].order < manager.waiters[j].order
	})
}

func (manager *LockManager) removeWaiterLocked(waiter *lockWaiter) bool {
	for i, w := range manager.waiters {
		if w == waiter {
			manager.waiters = append(manager.waiters[:i], manager.waiters[i+1:]...)
			return true
		}
	}
	return false
}
