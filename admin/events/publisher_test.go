// Copyright (C) 2025 Stratum Labs.
// See LICENSE for copying information.

package events_test

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/stratumfs/stratum/admin/events"
	"github.com/stratumfs/stratum/internal/testcontext"
	"github.com/stratumfs/stratum/pkg/stratum"
)

func TestPublish(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	mini := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mini.Addr()})
	defer ctx.Check(client.Close)

	publisher := events.NewPublisher(zaptest.NewLogger(t), client)

	record := &stratum.FileRecord{
		ID:               stratum.NewFileID(),
		OriginalFilename: "a.txt",
		StorageFilename:  "a_x_20250101T000000_y.txt",
		StoragePath:      "2025/01/01/00/a_x_20250101T000000_y.txt",
		FileSize:         7,
		Checksum:         "0a",
		ContentType:      "text/plain",
		RetentionPolicy:  stratum.RetentionTemporary,
		StorageElementID: "se-edit-1",
	}

	require.NoError(t, publisher.FileCreated(ctx, record))
	require.NoError(t, publisher.FileUpdated(ctx, record))
	require.NoError(t, publisher.FileDeleted(ctx, record, "user_delete"))

	messages, err := client.XRange(ctx, events.StreamName, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, messages, 3)

	created, err := stratum.EventFromStreamValues(messages[0].Values)
	require.NoError(t, err)
	assert.Equal(t, stratum.EventFileCreated, created.Type)
	assert.Equal(t, record.ID, created.FileID)
	assert.Equal(t, record.StorageElementID, created.StorageElementID)
	assert.Equal(t, record.StoragePath, created.Metadata.StoragePath)
	assert.WithinDuration(t, time.Now(), created.Timestamp, time.Minute)

	deleted, err := stratum.EventFromStreamValues(messages[2].Values)
	require.NoError(t, err)
	assert.Equal(t, stratum.EventFileDeleted, deleted.Type)
	assert.Equal(t, "user_delete", deleted.Metadata.DeletionReason)
}
