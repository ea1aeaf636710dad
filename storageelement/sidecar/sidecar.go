// Copyright (C) 2025 Stratum Labs.
// See LICENSE for copying information.

// Package sidecar implements the per-file attribute document stored
// alongside the bytes. The sidecar is the source of truth for bytes-local
// metadata; the metadata cache is only a rebuildable projection of it.
package sidecar

import (
	"context"
	"encoding/json"
	"time"

	"github.com/zeebo/errs"

	"github.com/stratumfs/stratum/pkg/stratum"
	"github.com/stratumfs/stratum/storageelement/blobstore"
)

var (
	// Error is the sidecar error class.
	Error = errs.Class("sidecar")
	// ErrTooLarge is returned when a sidecar would exceed MaxSize serialized.
	ErrTooLarge = errs.Class("sidecar too large")
)

// MaxSize is the maximum serialized sidecar size in bytes.
const MaxSize = 4096

// SchemaVersion is the current sidecar schema version.
const SchemaVersion = 2

// Suffix is appended to the storage path to form the sidecar path.
const Suffix = ".attr.json"

// AttrPath returns the sidecar path for a file path.
func AttrPath(path string) string { return path + Suffix }

// FilePath returns the file path for a sidecar path.
func FilePath(attrPath string) string {
	return attrPath[:len(attrPath)-len(Suffix)]
}

// Attributes is the sidecar document. Schema v2 added CustomAttributes;
// v1 documents are migrated on read.
type Attributes struct {
	SchemaVersion int `json:"schema_version"`

	FileID           stratum.FileID `json:"file_id"`
	OriginalFilename string         `json:"original_filename"`
	StorageFilename  string         `json:"storage_filename"`
	StoragePath      string         `json:"storage_path"`

	FileSize    int64  `json:"file_size"`
	Checksum    string `json:"checksum_sha256"`
	ContentType string `json:"content_type"`

	RetentionPolicy stratum.RetentionPolicy `json:"retention_policy"`
	TTLExpiresAt    *time.Time              `json:"ttl_expires_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	CustomAttributes map[string]string `json:"custom_attributes"`
}

// Encode serializes the attributes, enforcing the size cap.
func Encode(attrs *Attributes) ([]byte, error) {
	if attrs.SchemaVersion == 0 {
		attrs.SchemaVersion = SchemaVersion
	}
	if attrs.CustomAttributes == nil {
		attrs.CustomAttributes = map[string]string{}
	}
	data, err := json.Marshal(attrs)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if len(data) > MaxSize {
		return nil, ErrTooLarge.New("%d bytes exceeds limit of %d", len(data), MaxSize)
	}
	return data, nil
}

// Decode parses a sidecar document, migrating older schema versions.
func Decode(data []byte) (*Attributes, error) {
	if len(data) > MaxSize {
		return nil, ErrTooLarge.New("%d bytes exceeds limit of %d", len(data), MaxSize)
	}
	var attrs Attributes
	if err := json.Unmarshal(data, &attrs); err != nil {
		return nil, Error.Wrap(err)
	}
	migrate(&attrs)
	return &attrs, nil
}

// migrate upgrades older schema versions in place. v1 → v2 adds the
// custom attributes map.
func migrate(attrs *Attributes) {
	if attrs.SchemaVersion <= 1 {
		attrs.SchemaVersion = SchemaVersion
	}
	if attrs.CustomAttributes == nil {
		attrs.CustomAttributes = map[string]string{}
	}
}

// Write atomically writes the sidecar for the file at path.
func Write(ctx context.Context, backend blobstore.Backend, path string, attrs *Attributes) error {
	data, err := Encode(attrs)
	if err != nil {
		return err
	}
	return Error.Wrap(backend.WriteAttrFile(ctx, AttrPath(path), data))
}

// Read loads and migrates the sidecar for the file at path.
func Read(ctx context.Context, backend blobstore.Backend, path string) (*Attributes, error) {
	data, err := backend.ReadAttrFile(ctx, AttrPath(path))
	if err != nil {
		if blobstore.ErrNotFound.Has(err) {
			return nil, err
		}
		return nil, Error.Wrap(err)
	}
	return Decode(data)
}

// Delete removes the sidecar for the file at path.
func Delete(ctx context.Context, backend blobstore.Backend, path string) error {
	err := backend.DeleteAttrFile(ctx, AttrPath(path))
	if blobstore.ErrNotFound.Has(err) {
		return nil
	}
	return Error.Wrap(err)
}
