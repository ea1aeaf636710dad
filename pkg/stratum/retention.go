// Copyright (C) 2025 Stratum Labs.
// See LICENSE for copying information.

package stratum

import "github.com/zeebo/errs"

// ErrRetention is returned for invalid retention policies and transitions.
var ErrRetention = errs.Class("retention policy")

// RetentionPolicy describes how long a file is kept.
type RetentionPolicy string

const (
	// RetentionTemporary marks a file for garbage collection after its ttl.
	RetentionTemporary RetentionPolicy = "temporary"
	// RetentionPermanent marks a file as promoted through finalization.
	RetentionPermanent RetentionPolicy = "permanent"
)

// ParseRetentionPolicy parses a retention policy string.
func ParseRetentionPolicy(s string) (RetentionPolicy, error) {
	switch RetentionPolicy(s) {
	case RetentionTemporary:
		return RetentionTemporary, nil
	case RetentionPermanent:
		return RetentionPermanent, nil
	}
	return "", ErrRetention.New("unknown retention policy %q", s)
}

// Valid returns whether the policy is known.
func (policy RetentionPolicy) Valid() bool {
	return policy == RetentionTemporary || policy == RetentionPermanent
}

// CanTransition reports whether the policy may change to target.
// permanent → temporary is forbidden.
func (policy RetentionPolicy) CanTransition(target RetentionPolicy) bool {
	if policy == RetentionPermanent && target == RetentionTemporary {
		return false
	}
	return policy.Valid() && target.Valid()
}
