// Copyright (C) 2025 Stratum Labs.
// See LICENSE for copying information.

// Package events publishes file lifecycle events to the shared stream.
package events

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/stratumfs/stratum/pkg/stratum"
)

var (
	// Error is the events error class.
	Error = errs.Class("events")

	mon = monkit.Package()
)

// StreamName is the shared file lifecycle stream.
const StreamName = "file-events"

// MaxLen bounds the stream; old entries are trimmed approximately.
const MaxLen = 1_000_000

// Publisher appends file lifecycle events to the stream.
type Publisher struct {
	log    *zap.Logger
	client redis.UniversalClient
}

// NewPublisher creates a publisher on the given redis client.
func NewPublisher(log *zap.Logger, client redis.UniversalClient) *Publisher {
	return &Publisher{log: log, client: client}
}

// Publish appends the event. Event publication is best effort relative
// to the registry write: the caller commits the registry first and
// treats a publish failure as degraded, not fatal.
func (publisher *Publisher) Publish(ctx context.Context, event stratum.Event) (err error) {
	defer mon.Task()(&ctx)(&err)

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	values, err := event.StreamValues()
	if err != nil {
		return Error.Wrap(err)
	}

	id, err := publisher.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamName,
		MaxLen: MaxLen,
		Approx: true,
		Values: values,
	}).Result()
	if err != nil {
		mon.Event("event_publish_failed")
		return Error.Wrap(err)
	}

	publisher.log.Debug("event published",
		zap.String("stream_id", id),
		zap.String("event_type", string(event.Type)),
		zap.Stringer("file_id", event.FileID))
	return nil
}

// FileCreated publishes a file:created event for the record.
func (publisher *Publisher) FileCreated(ctx context.Context, record *stratum.FileRecord) error {
	return publisher.Publish(ctx, eventFromRecord(stratum.EventFileCreated, record, ""))
}

// FileUpdated publishes a file:updated event for the record.
func (publisher *Publisher) FileUpdated(ctx context.Context, record *stratum.FileRecord) error {
	return publisher.Publish(ctx, eventFromRecord(stratum.EventFileUpdated, record, ""))
}

// FileDeleted publishes a file:deleted event for the record.
func (publisher *Publisher) FileDeleted(ctx context.Context, record *stratum.FileRecord, reason string) error {
	return publisher.Publish(ctx, eventFromRecord(stratum.EventFileDeleted, record, reason))
}

func eventFromRecord(eventType stratum.EventType, record *stratum.FileRecord, deletionReason string) stratum.Event {
	return stratum.Event{
		Type:             eventType,
		FileID:           record.ID,
		StorageElementID: record.StorageElementID,
		Timestamp:        time.Now().UTC(),
		Metadata: stratum.EventMetadata{
			OriginalFilename: record.OriginalFilename,
			StorageFilename:  record.StorageFilename,
			StoragePath:      record.StoragePath,
			FileSize:         record.FileSize,
			Checksum:         record.Checksum,
			ContentType:      record.ContentType,
			RetentionPolicy:  record.RetentionPolicy,
			DeletionReason:   deletionReason,
		},
	}
}
