// Copyright (C) 2025 Stratum Labs.
// See LICENSE for copying information.

package monitor

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/stratumfs/stratum/internal/sync2"
)

// LeaderLockKey is the redis key guarding the polling leadership.
const LeaderLockKey = "capacity_monitor:leader_lock"

// Leadership timing. The ttl is three renewals long, so a leader
// survives two missed renewals before losing the lock.
const (
	LeaderLockTTL   = 30 * time.Second
	RenewalInterval = 10 * time.Second
)

// renewScript extends the lock only while we still hold it.
var renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("expire", KEYS[1], ARGV[2])
else
	return 0
end`)

// releaseScript deletes the lock only while we still hold it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`)

// Elector competes for the polling leadership. Exactly one instance
// holds the lock at a time; the rest stand by and take over when the
// lock expires.
type Elector struct {
	log    *zap.Logger
	client redis.UniversalClient

	// instanceID is this process's nonce; the lock value identifies the
	// holder so renewals and releases cannot touch another's lock.
	instanceID string

	leader atomic.Bool
	Loop   *sync2.Cycle
}

// NewElector creates an elector with a fresh instance nonce.
func NewElector(log *zap.Logger, client redis.UniversalClient) *Elector {
	return &Elector{
		log:        log,
		client:     client,
		instanceID: uuid.NewString(),
		Loop:       sync2.NewCycle(RenewalInterval),
	}
}

// InstanceID returns this process's election nonce.
func (elector *Elector) InstanceID() string { return elector.instanceID }

// IsLeader reports whether this instance currently holds the lock.
func (elector *Elector) IsLeader() bool { return elector.leader.Load() }

// Run competes for and renews the leadership until ctx is canceled,
// then releases the lock if held.
func (elector *Elector) Run(ctx context.Context) error {
	err := elector.Loop.Run(ctx, elector.tick)

	releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	elector.release(releaseCtx)
	return err
}

// Close stops the election loop.
func (elector *Elector) Close() error {
	elector.Loop.Close()
	return nil
}

func (elector *Elector) tick(ctx context.Context) error {
	if elector.leader.Load() {
		renewed, err := renewScript.Run(ctx, elector.client,
			[]string{LeaderLockKey},
			elector.instanceID, int(LeaderLockTTL.Seconds())).Int()
		if err != nil || renewed == 0 {
			elector.leader.Store(false)
			elector.log.Warn("leadership lost",
				zap.String("instance_id", elector.instanceID),
				zap.Error(err))
			mon.Event("leader_lost")
		}
		return nil
	}

	acquired, err := elector.client.SetNX(ctx, LeaderLockKey, elector.instanceID, LeaderLockTTL).Result()
	if err != nil {
		elector.log.Debug("leader acquire failed", zap.Error(err))
		return nil
	}
	if acquired {
		elector.leader.Store(true)
		elector.log.Info("leadership acquired",
			zap.String("instance_id", elector.instanceID))
		mon.Event("leader_acquired")
	}
	return nil
}

func (elector *Elector) release(ctx context.Context) {
	if !elector.leader.Swap(false) {
		return
	}
	if _, err := releaseScript.Run(ctx, elector.client,
		[]string{LeaderLockKey}, elector.instanceID).Int(); err != nil {
		elector.log.Warn("leader release failed", zap.Error(err))
		return
	}
	elector.log.Info("leadership released",
		zap.String("instance_id", elector.instanceID))
	mon.Event("leader_released")
}
