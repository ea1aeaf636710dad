// Copyright (C) 2025 Stratum Labs.
// See LICENSE for copying information.

package stratum

import (
	"database/sql/driver"

	"github.com/google/uuid"
	"github.com/zeebo/errs"
)

// ErrFileID is used when something goes wrong with a file id.
var ErrFileID = errs.Class("file id")

// FileID is a unique identifier for a file, stable for the life of the file.
type FileID uuid.UUID

// NewFileID creates a new random file id.
func NewFileID() FileID {
	return FileID(uuid.New())
}

// FileIDFromString parses a file id from its canonical string form.
func FileIDFromString(s string) (FileID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return FileID{}, ErrFileID.Wrap(err)
	}
	return FileID(id), nil
}

// String returns the canonical uuid form.
func (id FileID) String() string { return uuid.UUID(id).String() }

// Compact returns the 32 character hex form without dashes.
func (id FileID) Compact() string {
	u := uuid.UUID(id)
	const hex = "0123456789abcdef"
	out := make([]byte, 32)
	for i, b := range u[:] {
		out[i*2] = hex[b>>4]
		out[i*2+1] = hex[b&0x0f]
	}
	return string(out)
}

// IsZero returns whether the id is the zero value.
func (id FileID) IsZero() bool { return uuid.UUID(id) == uuid.UUID{} }

// Value implements driver.Valuer, storing the canonical string form.
func (id FileID) Value() (driver.Value, error) { return id.String(), nil }

// Scan implements sql.Scanner.
func (id *FileID) Scan(src interface{}) error {
	switch v := src.(type) {
	case string:
		parsed, err := FileIDFromString(v)
		if err != nil {
			return err
		}
		*id = parsed
		return nil
	case []byte:
		parsed, err := FileIDFromString(string(v))
		if err != nil {
			return err
		}
		*id = parsed
		return nil
	default:
		return ErrFileID.New("unsupported scan type %T", src)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (id FileID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *FileID) UnmarshalText(data []byte) error { return id.Scan(string(data)) }
