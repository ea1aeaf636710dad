// Copyright (C) 2025 Stratum Labs.
// See LICENSE for copying information.

package stratum

import (
	"time"

	"github.com/zeebo/errs"
)

// ErrCapacity is returned for invalid capacity records.
var ErrCapacity = errs.Class("capacity")

// Health describes the polled health of a storage element.
type Health string

const (
	// HealthHealthy means the element responds and reports no problems.
	HealthHealthy Health = "HEALTHY"
	// HealthDegraded means the element responds but reports problems.
	HealthDegraded Health = "DEGRADED"
	// HealthUnhealthy means the element failed polling.
	HealthUnhealthy Health = "UNHEALTHY"
)

// CapacityStatus is derived from percent used.
type CapacityStatus string

const (
	// CapacityOK is below the warning threshold.
	CapacityOK CapacityStatus = "OK"
	// CapacityWarning is at or above the warning threshold.
	CapacityWarning CapacityStatus = "WARNING"
	// CapacityCritical is at or above the critical threshold.
	CapacityCritical CapacityStatus = "CRITICAL"
	// CapacityFull is at or above the full threshold; the element must not
	// be selected for new writes.
	CapacityFull CapacityStatus = "FULL"
)

// capacityRank orders statuses from best to worst.
var capacityRank = map[CapacityStatus]int{
	CapacityOK:       0,
	CapacityWarning:  1,
	CapacityCritical: 2,
	CapacityFull:     3,
}

// WorseThan reports whether the status is more severe than other.
func (status CapacityStatus) WorseThan(other CapacityStatus) bool {
	return capacityRank[status] > capacityRank[other]
}

// Thresholds are the percent-used boundaries for capacity status.
// They may be statically overridden per storage element.
type Thresholds struct {
	Warning  float64 `json:"warning"`
	Critical float64 `json:"critical"`
	Full     float64 `json:"full"`
}

// DefaultThresholds are the platform defaults.
var DefaultThresholds = Thresholds{Warning: 85, Critical: 92, Full: 98}

// StatusFor derives the capacity status for a percent-used value.
func (t Thresholds) StatusFor(percentUsed float64) CapacityStatus {
	switch {
	case percentUsed >= t.Full:
		return CapacityFull
	case percentUsed >= t.Critical:
		return CapacityCritical
	case percentUsed >= t.Warning:
		return CapacityWarning
	default:
		return CapacityOK
	}
}

// CapacityRecord is the polled capacity view of a single storage element.
type CapacityRecord struct {
	StorageID   string  `json:"storage_id"`
	Mode        Mode    `json:"mode"`
	Total       int64   `json:"total"`
	Used        int64   `json:"used"`
	Available   int64   `json:"available"`
	PercentUsed float64 `json:"percent_used"`
	Health      Health  `json:"health"`
	Backend     string  `json:"backend"`
	Location    string  `json:"location"`
	Endpoint    string  `json:"endpoint"`
	Priority    int     `json:"priority"`

	LastPoll time.Time `json:"last_poll"`
}

// Verify checks the record invariants: used ≤ total, available = total − used.
func (rec *CapacityRecord) Verify() error {
	if rec.Used > rec.Total {
		return ErrCapacity.New("used %d exceeds total %d", rec.Used, rec.Total)
	}
	if rec.Available != rec.Total-rec.Used {
		return ErrCapacity.New("available %d does not match total %d - used %d",
			rec.Available, rec.Total, rec.Used)
	}
	return nil
}

// Status derives the capacity status using the given thresholds.
func (rec *CapacityRecord) Status(t Thresholds) CapacityStatus {
	return t.StatusFor(rec.PercentUsed)
}

// Writable reports whether the element can take a file of the given size.
func (rec *CapacityRecord) Writable(size int64, t Thresholds) bool {
	return rec.Health == HealthHealthy &&
		rec.Mode.AllowsWrite() &&
		rec.Status(t) != CapacityFull &&
		rec.Available >= size
}
