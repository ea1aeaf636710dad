// Copyright (C) 2025 Stratum Labs.
// See LICENSE for copying information.

package meta

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratumfs/stratum/internal/testcontext"
)

func TestLockEqualAndLowerPriorityYields(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	manager := NewLockManager()

	release, err := manager.Acquire(ctx, LockLazyRebuild)
	require.NoError(t, err)

	// a lazy rebuild never waits on another cache mutation
	_, err = manager.Acquire(ctx, LockLazyRebuild)
	require.Error(t, err)
	assert.True(t, ErrLockContention.Has(err))

	_, err = manager.Acquire(ctx, LockBackgroundCleanup)
	require.Error(t, err)
	assert.True(t, ErrLockContention.Has(err))

	release()

	release, err = manager.Acquire(ctx, LockBackgroundCleanup)
	require.NoError(t, err)
	release()
}

func TestLockHigherPriorityWaits(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	manager := NewLockManager()

	release, err := manager.Acquire(ctx, LockLazyRebuild)
	require.NoError(t, err)

	acquired := make(chan struct{})
	ctx.Go(func() error {
		rel, err := manager.Acquire(ctx, LockManualRebuild)
		if err != nil {
			return err
		}
		close(acquired)
		rel()
		return nil
	})

	select {
	case <-acquired:
		t.Fatal("manual rebuild acquired while lazy rebuild held the lock")
	case <-time.After(50 * time.Millisecond):
	}

	release()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("manual rebuild never granted after release")
	}
}

func TestLockLazySkippedDuringManualRebuild(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	manager := NewLockManager()

	release, err := manager.Acquire(ctx, LockManualRebuild)
	require.NoError(t, err)
	defer release()

	holder, held := manager.Holder()
	require.True(t, held)
	assert.Equal(t, LockManualRebuild, holder)

	// lazy rebuild triggered during a manual rebuild is skipped, the
	// read path keeps serving the stale entry
	_, err = manager.Acquire(ctx, LockLazyRebuild)
	require.Error(t, err)
	assert.True(t, ErrLockContention.Has(err))
}

func TestLockWaiterOrdering(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	manager := NewLockManager()

	release, err := manager.Acquire(ctx, LockBackgroundCleanup)
	require.NoError(t, err)

	order := make(chan LockPriority, 2)
	started := make(chan struct{}, 2)

	wait := func(priority LockPriority) {
		ctx.Go(func() error {
			started <- struct{}{}
			rel, err := manager.Acquire(ctx, priority)
			if err != nil {
				return err
			}
			order <- priority
			time.Sleep(10 * time.Millisecond)
			rel()
			return nil
		})
	}

	wait(LockManualCheck)
	<-started
	time.Sleep(20 * time.Millisecond)
	wait(LockManualRebuild)
	<-started
	time.Sleep(20 * time.Millisecond)

	release()

	first := <-order
	second := <-order
	assert.Equal(t, LockManualRebuild, first, "highest priority waiter is served first")
	assert.Equal(t, LockManualCheck, second)
}

func TestLockReleaseIdempotent(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	manager := NewLockManager()

	release, err := manager.Acquire(ctx, LockManualCheck)
	require.NoError(t, err)
	release()
	release()

	release, err = manager.Acquire(ctx, LockManualCheck)
	require.NoError(t, err)
	release()
}

func TestLockTryAcquire(t *testing.T) {
	manager := NewLockManager()

	release, err := manager.TryAcquire(LockLazyRebuild)
	require.NoError(t, err)

	_, err = manager.TryAcquire(LockManualRebuild)
	require.Error(t, err)
	assert.True(t, ErrLockContention.Has(err))

	release()
}

func TestLockReapsExpiredHolder(t *testing.T) {
	manager := NewLockManager()

	_, err := manager.Acquire(context.Background(), LockLazyRebuild)
	require.NoError(t, err)

	// simulate a holder well past the 30s lazy rebuild max hold
	manager.mu.Lock()
	manager.holderSince = time.Now().Add(-time.Minute)
	manager.mu.Unlock()

	release, err := manager.Acquire(context.Background(), LockLazyRebuild)
	require.NoError(t, err, "abandoned holders are displaced")
	release()
}
