// Copyright (C) 2025 Stratum Labs.
// See LICENSE for copying information.

// Package filename implements the storage filename scheme
// {stem}_{uploader}_{UTCstamp}_{uuid32}{ext}.
package filename

import (
	"path"
	"strings"
	"time"

	"github.com/zeebo/errs"

	"github.com/stratumfs/stratum/pkg/stratum"
)

// Error is the filename error class.
var Error = errs.Class("filename")

// MaxLength is the maximum length of a generated storage filename.
const MaxLength = 200

// stampLayout is the compact UTC timestamp embedded in storage filenames.
const stampLayout = "20060102T150405"

// Generate derives the storage filename for an original filename.
//
// The uploader name is sanitized so the result stays parseable; the stem
// is truncated so the total length never exceeds MaxLength.
func Generate(originalFilename, uploader string, ts time.Time, id stratum.FileID) string {
	ext := path.Ext(originalFilename)
	stem := strings.TrimSuffix(path.Base(originalFilename), ext)

	stem = sanitize(stem)
	uploader = sanitizeUploader(uploader)
	if stem == "" {
		stem = "file"
	}
	if uploader == "" {
		uploader = "unknown"
	}

	suffix := "_" + uploader + "_" + ts.UTC().Format(stampLayout) + "_" + id.Compact() + ext

	if len(stem)+len(suffix) > MaxLength {
		keep := MaxLength - len(suffix)
		if keep < 1 {
			keep = 1
		}
		stem = stem[:keep]
	}
	return stem + suffix
}

// Parsed is the decomposition of a storage filename.
type Parsed struct {
	Stem      string
	Uploader  string
	Timestamp time.Time
	ID        stratum.FileID
	Ext       string
}

// Parse decomposes a storage filename generated by Generate.
func Parse(name string) (Parsed, error) {
	if len(name) > MaxLength {
		return Parsed{}, Error.New("name longer than %d characters", MaxLength)
	}

	// the uuid segment is the last underscore-separated token,
	// optionally followed by an extension
	lastSep := strings.LastIndexByte(name, '_')
	if lastSep < 0 {
		return Parsed{}, Error.New("missing uuid segment")
	}
	tail := name[lastSep+1:]
	if len(tail) < 32 {
		return Parsed{}, Error.New("uuid segment too short")
	}
	compact, ext := tail[:32], tail[32:]
	if ext != "" && !strings.HasPrefix(ext, ".") {
		return Parsed{}, Error.New("malformed extension %q", ext)
	}
	id, err := stratum.FileIDFromString(expandCompact(compact))
	if err != nil {
		return Parsed{}, Error.Wrap(err)
	}

	rest := name[:lastSep]
	stampSep := strings.LastIndexByte(rest, '_')
	if stampSep < 0 {
		return Parsed{}, Error.New("missing timestamp segment")
	}
	ts, err := time.Parse(stampLayout, rest[stampSep+1:])
	if err != nil {
		return Parsed{}, Error.New("invalid timestamp: %v", err)
	}

	rest = rest[:stampSep]
	uploaderSep := strings.LastIndexByte(rest, '_')
	if uploaderSep < 0 {
		return Parsed{}, Error.New("missing uploader segment")
	}

	return Parsed{
		Stem:      rest[:uploaderSep],
		Uploader:  rest[uploaderSep+1:],
		Timestamp: ts.UTC(),
		ID:        id,
		Ext:       ext,
	}, nil
}

// PartitionPath returns the datetime partition YYYY/MM/DD/HH for a time.
func PartitionPath(ts time.Time) string {
	return ts.UTC().Format("2006/01/02/15")
}

func expandCompact(compact string) string {
	return compact[0:8] + "-" + compact[8:12] + "-" + compact[12:16] + "-" +
		compact[16:20] + "-" + compact[20:32]
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '.' || r == '_':
			return r
		default:
			return '-'
		}
	}, s)
}

// sanitizeUploader additionally forbids separators that would break parsing.
func sanitizeUploader(s string) string {
	s = sanitize(s)
	s = strings.ReplaceAll(s, "_", "-")
	return strings.ReplaceAll(s, ".", "-")
}
