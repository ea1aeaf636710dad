// Copyright (C) 2025 Stratum Labs.
// See LICENSE for copying information.

// Package blobstore defines the storage backend interface shared by the
// local filesystem and s3-compatible implementations.
package blobstore

import (
	"context"
	"io"

	"github.com/zeebo/errs"
)

var (
	// Error is the default blobstore error class.
	Error = errs.Class("blobstore")
	// ErrNotFound is returned when the requested file does not exist.
	ErrNotFound = errs.Class("file not found")
	// ErrInsufficientSpace is returned when the backend cannot allocate
	// the requested size.
	ErrInsufficientSpace = errs.Class("insufficient space")
)

// ChunkSize is the unit of streaming I/O.
const ChunkSize = 8 << 20 // 8 MiB

// SpaceInfo describes the backend's capacity.
type SpaceInfo struct {
	Total     int64
	Used      int64
	Available int64
}

// Backend is a storage backend holding file bytes and attribute sidecars.
//
// WriteFile must be atomic: a reader must never observe a partially
// written file under its final path.
type Backend interface {
	// Name identifies the backend kind ("local" or "s3").
	Name() string

	// WriteFile streams data to the given path and returns the number of
	// bytes written. expectedSize < 0 means unknown.
	WriteFile(ctx context.Context, path string, data io.Reader, expectedSize int64) (int64, error)
	// ReadFile opens the file for streaming reads.
	ReadFile(ctx context.Context, path string) (io.ReadCloser, error)
	// DeleteFile removes the file. Deleting a missing file returns
	// ErrNotFound.
	DeleteFile(ctx context.Context, path string) error
	// FileExists reports whether the file exists.
	FileExists(ctx context.Context, path string) (bool, error)
	// FileSize returns the size of the file in bytes.
	FileSize(ctx context.Context, path string) (int64, error)

	// WriteAttrFile atomically replaces the attribute sidecar at path.
	WriteAttrFile(ctx context.Context, path string, data []byte) error
	// ReadAttrFile reads the attribute sidecar at path.
	ReadAttrFile(ctx context.Context, path string) ([]byte, error)
	// DeleteAttrFile removes the attribute sidecar at path.
	DeleteAttrFile(ctx context.Context, path string) error
	// ListAttrFiles walks the partition tree and returns the paths of all
	// attribute sidecars under prefix.
	ListAttrFiles(ctx context.Context, prefix string) ([]string, error)

	// SpaceInfo returns the capacity of the backend.
	SpaceInfo(ctx context.Context) (SpaceInfo, error)
	// HealthCheck verifies that the backend is usable.
	HealthCheck(ctx context.Context) error

	Close() error
}
