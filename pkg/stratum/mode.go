// Copyright (C) 2025 Stratum Labs.
// See LICENSE for copying information.

package stratum

import "github.com/zeebo/errs"

// ErrMode is returned for invalid storage element modes and transitions.
var ErrMode = errs.Class("storage mode")

// Mode is the operating mode of a storage element.
//
// Modes form a one-way lattice: EDIT → RW → RO → AR. A mode is declared
// at boot and can only advance forward.
type Mode string

const (
	// ModeEdit allows full CRUD; target for temporary uploads.
	ModeEdit Mode = "edit"
	// ModeRW accepts new writes but refuses deletes; target for permanent files.
	ModeRW Mode = "rw"
	// ModeRO serves reads only.
	ModeRO Mode = "ro"
	// ModeAR keeps only metadata.
	ModeAR Mode = "ar"
)

var modeRank = map[Mode]int{
	ModeEdit: 0,
	ModeRW:   1,
	ModeRO:   2,
	ModeAR:   3,
}

// ParseMode parses a mode string.
func ParseMode(s string) (Mode, error) {
	mode := Mode(s)
	if _, ok := modeRank[mode]; !ok {
		return "", ErrMode.New("unknown mode %q", s)
	}
	return mode, nil
}

// Valid returns whether the mode is a known mode.
func (mode Mode) Valid() bool {
	_, ok := modeRank[mode]
	return ok
}

// CanTransition reports whether the lattice allows advancing to target.
// Transitions are irreversible; staying in place is allowed.
func (mode Mode) CanTransition(target Mode) bool {
	a, ok1 := modeRank[mode]
	b, ok2 := modeRank[target]
	return ok1 && ok2 && b >= a
}

// AllowsWrite reports whether new files may be written.
func (mode Mode) AllowsWrite() bool {
	return mode == ModeEdit || mode == ModeRW
}

// AllowsDelete reports whether files may be deleted.
func (mode Mode) AllowsDelete() bool {
	return mode == ModeEdit
}

// AllowsUpdate reports whether file metadata may be updated.
func (mode Mode) AllowsUpdate() bool {
	return mode == ModeEdit || mode == ModeRW
}

// ServesBytes reports whether file contents can be read back.
func (mode Mode) ServesBytes() bool {
	return mode != ModeAR
}

// ModeForRetention returns the mode an upload with the given retention
// policy must land on. A mode mismatch is a selection miss, never a
// silent fallthrough.
func ModeForRetention(policy RetentionPolicy) Mode {
	if policy == RetentionPermanent {
		return ModeRW
	}
	return ModeEdit
}
