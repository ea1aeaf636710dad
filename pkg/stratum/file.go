// Copyright (C) 2025 Stratum Labs.
// See LICENSE for copying information.

package stratum

import "time"

// FileRecord is the durable registry entry for a file. Admin owns it;
// Query mirrors it in its cache and each storage element carries a
// partial projection.
type FileRecord struct {
	ID FileID `json:"file_id" db:"file_id"`

	OriginalFilename string `json:"original_filename" db:"original_filename"`
	StorageFilename  string `json:"storage_filename" db:"storage_filename"`

	FileSize    int64  `json:"file_size" db:"file_size"`
	Checksum    string `json:"checksum_sha256" db:"checksum_sha256"`
	ContentType string `json:"content_type" db:"content_type"`

	RetentionPolicy RetentionPolicy `json:"retention_policy" db:"retention_policy"`
	TTLExpiresAt    *time.Time      `json:"ttl_expires_at,omitempty" db:"ttl_expires_at"`

	StorageElementID string `json:"storage_element_id" db:"storage_element_id"`
	StoragePath      string `json:"storage_path" db:"storage_path"`

	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
	FinalizedAt    *time.Time `json:"finalized_at,omitempty" db:"finalized_at"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
	DeletionReason *string    `json:"deletion_reason,omitempty" db:"deletion_reason"`
}

// Deleted reports whether the record has been soft-deleted.
func (rec *FileRecord) Deleted() bool { return rec.DeletedAt != nil }

// Expired reports whether a temporary record's ttl has passed.
// Permanent records never expire.
func (rec *FileRecord) Expired(now time.Time) bool {
	if rec.RetentionPolicy == RetentionPermanent || rec.TTLExpiresAt == nil {
		return false
	}
	return rec.TTLExpiresAt.Before(now)
}

// StorageElementInfo is the registry entry for a storage element.
type StorageElementInfo struct {
	ID       string `json:"element_id" db:"element_id"`
	Mode     Mode   `json:"mode" db:"mode"`
	Priority int    `json:"priority" db:"priority"`
	Endpoint string `json:"endpoint" db:"endpoint"`
	Location string `json:"datacenter_location" db:"datacenter_location"`

	Status StorageStatus `json:"status" db:"status"`

	// Optional per-element override of the capacity thresholds.
	ThresholdsOverride *Thresholds `json:"capacity_thresholds,omitempty" db:"-"`

	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// EffectiveThresholds returns the override, or the platform defaults.
func (info *StorageElementInfo) EffectiveThresholds() Thresholds {
	if info.ThresholdsOverride != nil {
		return *info.ThresholdsOverride
	}
	return DefaultThresholds
}
