// Copyright (C) 2025 Stratum Labs.
// See LICENSE for copying information.

package wal

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// MemLog is an in-memory log for ephemeral tests.
type MemLog struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

var _ Log = (*MemLog)(nil)

// NewMemLog creates an empty in-memory log.
func NewMemLog() *MemLog {
	return &MemLog{entries: make(map[string]*Entry)}
}

// Begin implements Log.
func (log *MemLog) Begin(ctx context.Context, op Operation, payload interface{}) (*Entry, error) {
	entry, err := newEntry(op, payload)
	if err != nil {
		return nil, err
	}

	log.mu.Lock()
	defer log.mu.Unlock()
	log.entries[entry.TransactionID] = entry

	copied := *entry
	return &copied, nil
}

// Update implements Log.
func (log *MemLog) Update(ctx context.Context, transactionID string, status Status) error {
	log.mu.Lock()
	defer log.mu.Unlock()

	entry, ok := log.entries[transactionID]
	if !ok {
		return Error.New("transaction %s not found", transactionID)
	}
	return transition(entry, status)
}

// SetCompensation implements Log.
func (log *MemLog) SetCompensation(ctx context.Context, transactionID string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return Error.Wrap(err)
	}

	log.mu.Lock()
	defer log.mu.Unlock()

	entry, ok := log.entries[transactionID]
	if !ok {
		return Error.New("transaction %s not found", transactionID)
	}
	entry.CompensationData = raw
	entry.UpdatedAt = time.Now().UTC()
	return nil
}

// Get implements Log.
func (log *MemLog) Get(ctx context.Context, transactionID string) (*Entry, error) {
	log.mu.Lock()
	defer log.mu.Unlock()

	entry, ok := log.entries[transactionID]
	if !ok {
		return nil, Error.New("transaction %s not found", transactionID)
	}
	copied := *entry
	return &copied, nil
}

// List implements Log.
func (log *MemLog) List(ctx context.Context) ([]*Entry, error) {
	log.mu.Lock()
	defer log.mu.Unlock()

	entries := make([]*Entry, 0, len(log.entries))
	for _, entry := range log.entries {
		copied := *entry
		entries = append(entries, &copied)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	return entries, nil
}

// Purge implements Log.
func (log *MemLog) Purge(ctx context.Context, olderThan time.Time) (int, error) {
	log.mu.Lock()
	defer log.mu.Unlock()

	removed := 0
	for id, entry := range log.entries {
		if entry.Status.Terminal() && !entry.UpdatedAt.After(olderThan) {
			delete(log.entries, id)
			removed++
		}
	}
	return removed, nil
}

// Close implements Log.
func (log *MemLog) Close() error { return nil }
