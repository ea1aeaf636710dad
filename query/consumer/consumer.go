// Copyright (C) 2025 Stratum Labs.
// See LICENSE for copying information.

// Package consumer reads the file lifecycle stream through a consumer
// group and applies the events to the query cache. Delivery is at
// least once; the cache deduplicates.
package consumer

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stratumfs/stratum/admin/events"
	"github.com/stratumfs/stratum/internal/sync2"
	"github.com/stratumfs/stratum/pkg/stratum"
	"github.com/stratumfs/stratum/query/cache"
)

var (
	// Error is the consumer error class.
	Error = errs.Class("consumer")

	mon = monkit.Package()
)

// GroupName is the query module's consumer group on the event stream.
const GroupName = "query-module-consumers"

// Read and reclaim behavior.
const (
	readCount     = 10
	readBlock     = 5 * time.Second
	reclaimEvery  = 30 * time.Second
	reclaimIdle   = 60 * time.Second
	maxDeliveries = 5
)

// Consumer reads and applies lifecycle events.
type Consumer struct {
	log    *zap.Logger
	client redis.UniversalClient
	db     *cache.DB

	// consumerName identifies this instance within the group, so
	// pending entries can be claimed from dead instances.
	consumerName string

	Reclaim *sync2.Cycle
}

// New creates a consumer with a unique name in the group.
func New(log *zap.Logger, client redis.UniversalClient, db *cache.DB) *Consumer {
	return &Consumer{
		log:          log,
		client:       client,
		db:           db,
		consumerName: "query-" + uuid.NewString(),
		Reclaim:      sync2.NewCycle(reclaimEvery),
	}
}

// Name returns this instance's consumer name.
func (consumer *Consumer) Name() string { return consumer.consumerName }

// Run consumes the stream until ctx is canceled.
func (consumer *Consumer) Run(ctx context.Context) error {
	if err := consumer.ensureGroup(ctx); err != nil {
		return err
	}

	var group errgroup.Group
	group.Go(func() error {
		return consumer.readLoop(ctx)
	})
	group.Go(func() error {
		return consumer.Reclaim.Run(ctx, consumer.reclaimOnce)
	})
	return group.Wait()
}

// Close stops the reclaim loop.
func (consumer *Consumer) Close() error {
	consumer.Reclaim.Close()
	return nil
}

// ensureGroup creates the consumer group from the start of the stream,
// creating the stream as needed. An already existing group is fine.
func (consumer *Consumer) ensureGroup(ctx context.Context) error {
	err := consumer.client.XGroupCreateMkStream(ctx, events.StreamName, GroupName, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return Error.Wrap(err)
	}
	return nil
}

func (consumer *Consumer) readLoop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		streams, err := consumer.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    GroupName,
			Consumer: consumer.consumerName,
			Streams:  []string{events.StreamName, ">"},
			Count:    readCount,
			Block:    readBlock,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}
			consumer.log.Warn("stream read failed", zap.Error(err))
			if !sync2.Sleep(ctx, time.Second) {
				return nil
			}
			continue
		}

		for _, stream := range streams {
			for _, message := range stream.Messages {
				consumer.handle(ctx, message, 1)
			}
		}
	}
}

// handle applies one stream entry and acknowledges it. Malformed
// entries are acknowledged and dropped: redelivering them cannot help.
func (consumer *Consumer) handle(ctx context.Context, message redis.XMessage, deliveries int64) {
	event, err := stratum.EventFromStreamValues(message.Values)
	if err != nil {
		consumer.log.Error("poisoned event dropped",
			zap.String("stream_id", message.ID), zap.Error(err))
		mon.Event("event_poisoned")
		consumer.ack(ctx, message.ID)
		return
	}

	applied, err := consumer.db.ApplyEvent(ctx, event)
	if err != nil {
		if deliveries >= maxDeliveries {
			consumer.log.Error("event dropped after max deliveries",
				zap.String("stream_id", message.ID),
				zap.Int64("deliveries", deliveries),
				zap.Error(err))
			mon.Event("event_poisoned")
			consumer.ack(ctx, message.ID)
			return
		}
		// leave unacked; the reclaim pass redelivers it
		consumer.log.Warn("event apply failed, will retry",
			zap.String("stream_id", message.ID), zap.Error(err))
		mon.Event("event_apply_failed")
		return
	}

	if applied {
		mon.Event("event_applied")
	}
	consumer.ack(ctx, message.ID)
}

func (consumer *Consumer) ack(ctx context.Context, messageID string) {
	if err := consumer.client.XAck(ctx, events.StreamName, GroupName, messageID).Err(); err != nil {
		consumer.log.Warn("ack failed", zap.String("stream_id", messageID), zap.Error(err))
	}
}

// reclaimOnce claims entries other consumers left pending for too long
// and processes them here.
func (consumer *Consumer) reclaimOnce(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	pending, err := consumer.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: events.StreamName,
		Group:  GroupName,
		Start:  "-",
		End:    "+",
		Count:  100,
	}).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			consumer.log.Warn("pending scan failed", zap.Error(err))
		}
		return nil
	}

	for _, entry := range pending {
		if entry.Idle < reclaimIdle {
			continue
		}

		messages, err := consumer.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   events.StreamName,
			Group:    GroupName,
			Consumer: consumer.consumerName,
			MinIdle:  reclaimIdle,
			Messages: []string{entry.ID},
		}).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				consumer.log.Warn("claim failed",
					zap.String("stream_id", entry.ID), zap.Error(err))
			}
			continue
		}

		mon.Event("event_reclaimed")
		for _, message := range messages {
			consumer.handle(ctx, message, entry.RetryCount)
		}
	}
	return nil
}
