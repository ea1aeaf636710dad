// Copyright (C) 2025 Stratum Labs.
// See LICENSE for copying information.

package stratum

// StorageStatus is the admin-side availability status of a storage element.
// The canonical set follows the registry migrations.
type StorageStatus string

const (
	// StatusReady means the element answers health checks.
	StatusReady StorageStatus = "READY"
	// StatusInitializing means the element has registered but not reported yet.
	StatusInitializing StorageStatus = "INITIALIZING"
	// StatusUpgrading means the element is temporarily out for maintenance.
	StatusUpgrading StorageStatus = "UPGRADING"
	// StatusDegraded means the element answers but reports problems.
	StatusDegraded StorageStatus = "DEGRADED"
	// StatusOffline means the element stopped answering health checks.
	StatusOffline StorageStatus = "OFFLINE"
)

// Valid returns whether the status is part of the canonical set.
func (status StorageStatus) Valid() bool {
	switch status {
	case StatusReady, StatusInitializing, StatusUpgrading, StatusDegraded, StatusOffline:
		return true
	}
	return false
}
