// Copyright (C) 2025 Stratum Labs.
// See LICENSE for copying information.

// Package wal implements the storage element's write-ahead log: one
// durable entry per user-visible operation, written before the operation
// observably mutates state.
package wal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/errs"
)

// Error is the wal error class.
var Error = errs.Class("wal")

// Operation is the kind of user-visible operation an entry brackets.
type Operation string

// Operations.
const (
	OpUpload         Operation = "UPLOAD"
	OpDelete         Operation = "DELETE"
	OpUpdateMetadata Operation = "UPDATE_METADATA"
	OpCreate         Operation = "CREATE"
	OpRotate         Operation = "ROTATE"
)

// Status is the lifecycle state of an entry.
type Status string

// Statuses.
const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCommitted  Status = "COMMITTED"
	StatusFailed     Status = "FAILED"
	StatusRolledBack Status = "ROLLED_BACK"
)

// Terminal reports whether no further transitions are allowed.
func (status Status) Terminal() bool {
	return status == StatusCommitted || status == StatusRolledBack
}

// Entry is a single write-ahead log record.
type Entry struct {
	TransactionID string    `json:"transaction_id"`
	Operation     Operation `json:"operation"`
	Status        Status    `json:"status"`

	Payload          json.RawMessage `json:"payload,omitempty"`
	CompensationData json.RawMessage `json:"compensation_data,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CommittedAt *time.Time `json:"committed_at,omitempty"`
}

// Log persists write-ahead entries.
type Log interface {
	// Begin durably creates a PENDING entry for the operation.
	Begin(ctx context.Context, op Operation, payload interface{}) (*Entry, error)
	// Update durably transitions the entry's status. Transitioning a
	// terminal entry is an error.
	Update(ctx context.Context, transactionID string, status Status) error
	// SetCompensation attaches rollback data to the entry.
	SetCompensation(ctx context.Context, transactionID string, data interface{}) error
	// Get returns the entry for the transaction id.
	Get(ctx context.Context, transactionID string) (*Entry, error)
	// List returns all entries, oldest first.
	List(ctx context.Context) ([]*Entry, error)
	// Purge removes terminal entries older than the cutoff.
	Purge(ctx context.Context, olderThan time.Time) (int, error)

	Close() error
}

// DecodePayload unmarshals the entry payload into v.
func (entry *Entry) DecodePayload(v interface{}) error {
	if len(entry.Payload) == 0 {
		return Error.New("transaction %s has no payload", entry.TransactionID)
	}
	return Error.Wrap(json.Unmarshal(entry.Payload, v))
}

// NewTransactionID generates a fresh transaction id.
func NewTransactionID() string { return uuid.NewString() }

func newEntry(op Operation, payload interface{}) (*Entry, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	now := time.Now().UTC()
	return &Entry{
		TransactionID: NewTransactionID(),
		Operation:     op,
		Status:        StatusPending,
		Payload:       raw,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

func transition(entry *Entry, status Status) error {
	if entry.Status.Terminal() {
		return Error.New("transaction %s already %s", entry.TransactionID, entry.Status)
	}
	now := time.Now().UTC()
	entry.Status = status
	entry.UpdatedAt = now
	if status == StatusCommitted {
		entry.CommittedAt = &now
	}
	return nil
}
