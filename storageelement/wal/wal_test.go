// Copyright (C) 2025 Stratum Labs.
// See LICENSE for copying information.

package wal_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratumfs/stratum/internal/testcontext"
	"github.com/stratumfs/stratum/storageelement/wal"
)

type uploadPayload struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

func openLogs(t *testing.T, ctx *testcontext.Context) map[string]wal.Log {
	fileLog, err := wal.NewFileLog(ctx.Dir("wal"))
	require.NoError(t, err)

	return map[string]wal.Log{
		"file":   fileLog,
		"memory": wal.NewMemLog(),
	}
}

func TestLifecycle(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	for name, log := range openLogs(t, ctx) {
		t.Run(name, func(t *testing.T) {
			defer ctx.Check(log.Close)

			entry, err := log.Begin(ctx, wal.OpUpload, uploadPayload{Path: "a/b", Size: 42})
			require.NoError(t, err)
			require.NotEmpty(t, entry.TransactionID)
			assert.Equal(t, wal.StatusPending, entry.Status)

			require.NoError(t, log.Update(ctx, entry.TransactionID, wal.StatusInProgress))
			require.NoError(t, log.Update(ctx, entry.TransactionID, wal.StatusCommitted))

			got, err := log.Get(ctx, entry.TransactionID)
			require.NoError(t, err)
			assert.Equal(t, wal.StatusCommitted, got.Status)
			require.NotNil(t, got.CommittedAt)

			var payload uploadPayload
			require.NoError(t, got.DecodePayload(&payload))
			assert.Equal(t, uploadPayload{Path: "a/b", Size: 42}, payload)

			// terminal entries refuse further transitions
			err = log.Update(ctx, entry.TransactionID, wal.StatusFailed)
			require.Error(t, err)
		})
	}
}

func TestCompensation(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	for name, log := range openLogs(t, ctx) {
		t.Run(name, func(t *testing.T) {
			defer ctx.Check(log.Close)

			entry, err := log.Begin(ctx, wal.OpDelete, uploadPayload{Path: "x"})
			require.NoError(t, err)

			require.NoError(t, log.SetCompensation(ctx, entry.TransactionID,
				map[string]string{"backup_path": "x.bak"}))
			require.NoError(t, log.Update(ctx, entry.TransactionID, wal.StatusFailed))
			require.NoError(t, log.Update(ctx, entry.TransactionID, wal.StatusRolledBack))

			got, err := log.Get(ctx, entry.TransactionID)
			require.NoError(t, err)
			assert.Equal(t, wal.StatusRolledBack, got.Status)
			assert.Contains(t, string(got.CompensationData), "backup_path")
		})
	}
}

func TestListOrdering(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	for name, log := range openLogs(t, ctx) {
		t.Run(name, func(t *testing.T) {
			defer ctx.Check(log.Close)

			var ids []string
			for i := 0; i < 3; i++ {
				entry, err := log.Begin(ctx, wal.OpUpload, uploadPayload{Size: int64(i)})
				require.NoError(t, err)
				ids = append(ids, entry.TransactionID)
				time.Sleep(2 * time.Millisecond)
			}

			entries, err := log.List(ctx)
			require.NoError(t, err)
			require.Len(t, entries, 3)
			for i, entry := range entries {
				assert.Equal(t, ids[i], entry.TransactionID, "oldest first")
			}
		})
	}
}

func TestPurge(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	for name, log := range openLogs(t, ctx) {
		t.Run(name, func(t *testing.T) {
			defer ctx.Check(log.Close)

			committed, err := log.Begin(ctx, wal.OpUpload, nil)
			require.NoError(t, err)
			require.NoError(t, log.Update(ctx, committed.TransactionID, wal.StatusCommitted))

			pending, err := log.Begin(ctx, wal.OpUpload, nil)
			require.NoError(t, err)

			removed, err := log.Purge(ctx, time.Now().Add(time.Minute))
			require.NoError(t, err)
			assert.Equal(t, 1, removed, "purge only removes terminal entries")

			_, err = log.Get(ctx, committed.TransactionID)
			require.Error(t, err)

			got, err := log.Get(ctx, pending.TransactionID)
			require.NoError(t, err)
			assert.Equal(t, wal.StatusPending, got.Status)

			// nothing older than a past cutoff
			removed, err = log.Purge(ctx, time.Now().Add(-time.Hour))
			require.NoError(t, err)
			assert.Zero(t, removed)
		})
	}
}
