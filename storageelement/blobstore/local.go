// Copyright (C) 2025 Stratum Labs.
// See LICENSE for copying information.

package blobstore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// Local is a filesystem-backed blob store rooted at a base directory.
// Writes go through a temporary file in the target directory and are
// atomically renamed into place.
type Local struct {
	base      string
	allocated int64
}

var _ Backend = (*Local)(nil)

// NewLocal opens a local backend at the given base path, creating it when
// missing. allocated caps the space the element reports as its total;
// zero means the whole filesystem.
func NewLocal(base string, allocated int64) (*Local, error) {
	if err := os.MkdirAll(base, 0755); err != nil {
		return nil, Error.Wrap(err)
	}
	return &Local{base: base, allocated: allocated}, nil
}

// Name implements Backend.
func (local *Local) Name() string { return "local" }

func (local *Local) abs(path string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(path))
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) || filepath.IsAbs(cleaned) {
		return "", Error.New("path %q escapes the base directory", path)
	}
	return filepath.Join(local.base, cleaned), nil
}

// WriteFile implements Backend.
func (local *Local) WriteFile(ctx context.Context, path string, data io.Reader, expectedSize int64) (_ int64, err error) {
	target, err := local.abs(path)
	if err != nil {
		return 0, err
	}

	if expectedSize >= 0 {
		info, err := local.SpaceInfo(ctx)
		if err == nil && info.Available < expectedSize {
			return 0, ErrInsufficientSpace.New("need %d bytes, %d available", expectedSize, info.Available)
		}
	}

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return 0, Error.Wrap(err)
	}

	tmp := target + ".tmp-" + randomSuffix()
	file, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	defer func() {
		if err != nil {
			_ = file.Close()
			_ = os.Remove(tmp)
		}
	}()

	written, err := io.CopyBuffer(file, data, make([]byte, ChunkSize))
	if err != nil {
		return 0, Error.Wrap(err)
	}
	if expectedSize >= 0 && written != expectedSize {
		return 0, Error.New("expected %d bytes, wrote %d", expectedSize, written)
	}

	if err = file.Sync(); err != nil {
		return 0, Error.Wrap(err)
	}
	if err = file.Close(); err != nil {
		return 0, Error.Wrap(err)
	}
	if err = os.Rename(tmp, target); err != nil {
		return 0, Error.Wrap(err)
	}
	return written, nil
}

// ReadFile implements Backend.
func (local *Local) ReadFile(ctx context.Context, path string) (io.ReadCloser, error) {
	target, err := local.abs(path)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(target)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound.New("%s", path)
		}
		return nil, Error.Wrap(err)
	}
	return file, nil
}

// DeleteFile implements Backend.
func (local *Local) DeleteFile(ctx context.Context, path string) error {
	target, err := local.abs(path)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound.New("%s", path)
		}
		return Error.Wrap(err)
	}
	return nil
}

// FileExists implements Backend.
func (local *Local) FileExists(ctx context.Context, path string) (bool, error) {
	target, err := local.abs(path)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(target)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, Error.Wrap(err)
	}
	return true, nil
}

// FileSize implements Backend.
func (local *Local) FileSize(ctx context.Context, path string) (int64, error) {
	target, err := local.abs(path)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(target)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotFound.New("%s", path)
		}
		return 0, Error.Wrap(err)
	}
	return info.Size(), nil
}

// WriteAttrFile implements Backend using tmp+fsync+rename.
func (local *Local) WriteAttrFile(ctx context.Context, path string, data []byte) (err error) {
	target, err := local.abs(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return Error.Wrap(err)
	}

	tmp := target + ".tmp"
	file, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() {
		if err != nil {
			_ = file.Close()
			_ = os.Remove(tmp)
		}
	}()

	if _, err = file.Write(data); err != nil {
		return Error.Wrap(err)
	}
	if err = file.Sync(); err != nil {
		return Error.Wrap(err)
	}
	if err = file.Close(); err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(os.Rename(tmp, target))
}

// ReadAttrFile implements Backend.
func (local *Local) ReadAttrFile(ctx context.Context, path string) ([]byte, error) {
	target, err := local.abs(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(target)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound.New("%s", path)
		}
		return nil, Error.Wrap(err)
	}
	return data, nil
}

// DeleteAttrFile implements Backend.
func (local *Local) DeleteAttrFile(ctx context.Context, path string) error {
	return local.DeleteFile(ctx, path)
}

// ListAttrFiles implements Backend.
func (local *Local) ListAttrFiles(ctx context.Context, prefix string) ([]string, error) {
	root, err := local.abs(prefix)
	if err != nil {
		return nil, err
	}

	var paths []string
	err = filepath.WalkDir(root, func(walked string, entry os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if entry.IsDir() || !strings.HasSuffix(walked, ".attr.json") {
			return nil
		}
		rel, err := filepath.Rel(local.base, walked)
		if err != nil {
			return err
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return paths, nil
}

// SpaceInfo implements Backend using statfs on the base directory,
// clamped to the allocated quota when one is set.
func (local *Local) SpaceInfo(ctx context.Context) (SpaceInfo, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(local.base, &stat); err != nil {
		return SpaceInfo{}, Error.Wrap(err)
	}
	total := int64(stat.Blocks) * int64(stat.Bsize)
	available := int64(stat.Bavail) * int64(stat.Bsize)
	used := total - available

	if local.allocated > 0 && local.allocated < total {
		used, err := local.usedBytes()
		if err != nil {
			return SpaceInfo{}, err
		}
		available := local.allocated - used
		if available < 0 {
			available = 0
		}
		return SpaceInfo{Total: local.allocated, Used: used, Available: available}, nil
	}

	return SpaceInfo{Total: total, Used: used, Available: available}, nil
}

// usedBytes walks the base directory summing file sizes. The allocated
// quota is against bytes stored, not filesystem usage.
func (local *Local) usedBytes() (int64, error) {
	var used int64
	err := filepath.WalkDir(local.base, func(walked string, entry os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if entry.IsDir() {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		used += info.Size()
		return nil
	})
	if err != nil {
		return 0, Error.Wrap(err)
	}
	return used, nil
}

// HealthCheck implements Backend by probing that the base directory is
// writable.
func (local *Local) HealthCheck(ctx context.Context) error {
	probe := filepath.Join(local.base, ".health-"+randomSuffix())
	if err := os.WriteFile(probe, []byte("ok"), 0644); err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(os.Remove(probe))
}

// Close implements Backend.
func (local *Local) Close() error { return nil }

func randomSuffix() string {
	var buf [8]byte
	_, _ = rand.Read(buf[:])
	return hex.EncodeToString(buf[:])
}
