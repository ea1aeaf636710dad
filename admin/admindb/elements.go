// Copyright (C) 2025 Stratum Labs.
// See LICENSE for copying information.

package admindb

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/stratumfs/stratum/pkg/stratum"
)

// elementRow is the flat table shape of a storage element.
type elementRow struct {
	ID       string                `db:"element_id"`
	Endpoint string                `db:"endpoint"`
	Mode     stratum.Mode          `db:"mode"`
	Priority int                   `db:"priority"`
	Location string                `db:"datacenter_location"`
	Status   stratum.StorageStatus `db:"status"`

	ThresholdWarning  *float64 `db:"threshold_warning"`
	ThresholdCritical *float64 `db:"threshold_critical"`
	ThresholdFull     *float64 `db:"threshold_full"`

	UpdatedAt time.Time `db:"updated_at"`
}

func (row *elementRow) info() *stratum.StorageElementInfo {
	info := &stratum.StorageElementInfo{
		ID:        row.ID,
		Endpoint:  row.Endpoint,
		Mode:      row.Mode,
		Priority:  row.Priority,
		Location:  row.Location,
		Status:    row.Status,
		UpdatedAt: row.UpdatedAt,
	}
	if row.ThresholdWarning != nil && row.ThresholdCritical != nil && row.ThresholdFull != nil {
		info.ThresholdsOverride = &stratum.Thresholds{
			Warning:  *row.ThresholdWarning,
			Critical: *row.ThresholdCritical,
			Full:     *row.ThresholdFull,
		}
	}
	return info
}

func rowFromInfo(info *stratum.StorageElementInfo) *elementRow {
	row := &elementRow{
		ID:        info.ID,
		Endpoint:  info.Endpoint,
		Mode:      info.Mode,
		Priority:  info.Priority,
		Location:  info.Location,
		Status:    info.Status,
		UpdatedAt: info.UpdatedAt,
	}
	if override := info.ThresholdsOverride; override != nil {
		row.ThresholdWarning = &override.Warning
		row.ThresholdCritical = &override.Critical
		row.ThresholdFull = &override.Full
	}
	return row
}

// UpsertElement registers or refreshes a storage element.
func (db *DB) UpsertElement(ctx context.Context, info *stratum.StorageElementInfo) (err error) {
	defer mon.Task()(&ctx)(&err)

	if !info.Mode.Valid() {
		return Error.New("invalid mode %q", info.Mode)
	}
	if !info.Status.Valid() {
		return Error.New("invalid status %q", info.Status)
	}

	row := rowFromInfo(info)
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = time.Now().UTC()
	}

	result, err := db.db.NamedExecContext(ctx, `
		UPDATE storage_elements SET
			endpoint = :endpoint, mode = :mode, priority = :priority,
			datacenter_location = :datacenter_location, status = :status,
			threshold_warning = :threshold_warning,
			threshold_critical = :threshold_critical,
			threshold_full = :threshold_full,
			updated_at = :updated_at
		WHERE element_id = :element_id`, row)
	if err != nil {
		return Error.Wrap(err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected > 0 {
		return nil
	}

	_, err = db.db.NamedExecContext(ctx, `
		INSERT INTO storage_elements (
			element_id, endpoint, mode, priority, datacenter_location, status,
			threshold_warning, threshold_critical, threshold_full, updated_at
		) VALUES (
			:element_id, :endpoint, :mode, :priority, :datacenter_location, :status,
			:threshold_warning, :threshold_critical, :threshold_full, :updated_at
		)`, row)
	return Error.Wrap(err)
}

// GetElement returns the registry entry for the element.
func (db *DB) GetElement(ctx context.Context, id string) (_ *stratum.StorageElementInfo, err error) {
	defer mon.Task()(&ctx)(&err)

	var row elementRow
	err = db.db.GetContext(ctx, &row,
		db.rebind(`SELECT * FROM storage_elements WHERE element_id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound.New("element %s", id)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return row.info(), nil
}

// ListElements returns all registered elements ordered by priority.
func (db *DB) ListElements(ctx context.Context) (_ []*stratum.StorageElementInfo, err error) {
	defer mon.Task()(&ctx)(&err)

	var rows []elementRow
	err = db.db.SelectContext(ctx, &rows,
		`SELECT * FROM storage_elements ORDER BY priority, element_id`)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	infos := make([]*stratum.StorageElementInfo, 0, len(rows))
	for i := range rows {
		infos = append(infos, rows[i].info())
	}
	return infos, nil
}

// SetElementStatus updates the health status of an element.
func (db *DB) SetElementStatus(ctx context.Context, id string, status stratum.StorageStatus) (err error) {
	defer mon.Task()(&ctx)(&err)

	if !status.Valid() {
		return Error.New("invalid status %q", status)
	}
	result, err := db.db.ExecContext(ctx, db.rebind(`
		UPDATE storage_elements SET status = ?, updated_at = ? WHERE element_id = ?`),
		status, time.Now().UTC(), id)
	if err != nil {
		return Error.Wrap(err)
	}
	return db.requireAffected(result, "element %s", id)
}
