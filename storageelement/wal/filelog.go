// Copyright (C) 2025 Stratum Labs.
// See LICENSE for copying information.

package wal

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileLog stores one JSON file per transaction under the wal directory,
// named wal_{transaction_id}.json and overwritten on status transitions.
type FileLog struct {
	mu  sync.Mutex
	dir string
}

var _ Log = (*FileLog)(nil)

// NewFileLog opens a file-backed log in dir, creating it when missing.
func NewFileLog(dir string) (*FileLog, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, Error.Wrap(err)
	}
	return &FileLog{dir: dir}, nil
}

func (log *FileLog) path(transactionID string) string {
	return filepath.Join(log.dir, "wal_"+transactionID+".json")
}

func (log *FileLog) write(entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return Error.Wrap(err)
	}

	target := log.path(entry.TransactionID)
	tmp := target + ".tmp"
	file, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return Error.Wrap(err)
	}
	if _, err := file.Write(data); err != nil {
		_ = file.Close()
		_ = os.Remove(tmp)
		return Error.Wrap(err)
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		_ = os.Remove(tmp)
		return Error.Wrap(err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmp)
		return Error.Wrap(err)
	}
	return Error.Wrap(os.Rename(tmp, target))
}

func (log *FileLog) read(transactionID string) (*Entry, error) {
	data, err := os.ReadFile(log.path(transactionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, Error.New("transaction %s not found", transactionID)
		}
		return nil, Error.Wrap(err)
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, Error.Wrap(err)
	}
	return &entry, nil
}

// Begin implements Log.
func (log *FileLog) Begin(ctx context.Context, op Operation, payload interface{}) (*Entry, error) {
	entry, err := newEntry(op, payload)
	if err != nil {
		return nil, err
	}

	log.mu.Lock()
	defer log.mu.Unlock()
	if err := log.write(entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Update implements Log.
func (log *FileLog) Update(ctx context.Context, transactionID string, status Status) error {
	log.mu.Lock()
	defer log.mu.Unlock()

	entry, err := log.read(transactionID)
	if err != nil {
		return err
	}
	if err := transition(entry, status); err != nil {
		return err
	}
	return log.write(entry)
}

// SetCompensation implements Log.
func (log *FileLog) SetCompensation(ctx context.Context, transactionID string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return Error.Wrap(err)
	}

	log.mu.Lock()
	defer log.mu.Unlock()

	entry, err := log.read(transactionID)
	if err != nil {
		return err
	}
	entry.CompensationData = raw
	entry.UpdatedAt = time.Now().UTC()
	return log.write(entry)
}

// Get implements Log.
func (log *FileLog) Get(ctx context.Context, transactionID string) (*Entry, error) {
	log.mu.Lock()
	defer log.mu.Unlock()
	return log.read(transactionID)
}

// List implements Log.
func (log *FileLog) List(ctx context.Context) ([]*Entry, error) {
	log.mu.Lock()
	defer log.mu.Unlock()

	names, err := os.ReadDir(log.dir)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	var entries []*Entry
	for _, name := range names {
		if name.IsDir() || !strings.HasPrefix(name.Name(), "wal_") || !strings.HasSuffix(name.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(name.Name(), "wal_"), ".json")
		entry, err := log.read(id)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	return entries, nil
}

// Purge implements Log.
func (log *FileLog) Purge(ctx context.Context, olderThan time.Time) (int, error) {
	entries, err := log.List(ctx)
	if err != nil {
		return 0, err
	}

	log.mu.Lock()
	defer log.mu.Unlock()

	removed := 0
	for _, entry := range entries {
		if !entry.Status.Terminal() || entry.UpdatedAt.After(olderThan) {
			continue
		}
		if err := os.Remove(log.path(entry.TransactionID)); err != nil && !os.IsNotExist(err) {
			return removed, Error.Wrap(err)
		}
		removed++
	}
	return removed, nil
}

// Close implements Log.
func (log *FileLog) Close() error { return nil }
