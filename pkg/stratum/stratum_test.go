// Copyright (C) 2025 Stratum Labs.
// See LICENSE for copying information.

package stratum_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratumfs/stratum/pkg/stratum"
)

func TestModeLattice(t *testing.T) {
	modes := []stratum.Mode{stratum.ModeEdit, stratum.ModeRW, stratum.ModeRO, stratum.ModeAR}

	for i, from := range modes {
		for j, to := range modes {
			expected := j >= i
			assert.Equal(t, expected, from.CanTransition(to),
				"transition %s -> %s", from, to)
		}
	}

	assert.False(t, stratum.Mode("bogus").CanTransition(stratum.ModeRO))
	assert.False(t, stratum.ModeEdit.CanTransition(stratum.Mode("bogus")))
}

func TestModePermissions(t *testing.T) {
	assert.True(t, stratum.ModeEdit.AllowsWrite())
	assert.True(t, stratum.ModeEdit.AllowsDelete())
	assert.True(t, stratum.ModeEdit.AllowsUpdate())
	assert.True(t, stratum.ModeEdit.ServesBytes())

	assert.True(t, stratum.ModeRW.AllowsWrite())
	assert.False(t, stratum.ModeRW.AllowsDelete())
	assert.True(t, stratum.ModeRW.AllowsUpdate())

	assert.False(t, stratum.ModeRO.AllowsWrite())
	assert.False(t, stratum.ModeRO.AllowsDelete())
	assert.False(t, stratum.ModeRO.AllowsUpdate())
	assert.True(t, stratum.ModeRO.ServesBytes())

	assert.False(t, stratum.ModeAR.AllowsWrite())
	assert.False(t, stratum.ModeAR.ServesBytes())
}

func TestParseMode(t *testing.T) {
	mode, err := stratum.ParseMode("rw")
	require.NoError(t, err)
	assert.Equal(t, stratum.ModeRW, mode)

	_, err = stratum.ParseMode("read-write")
	require.Error(t, err)
	assert.True(t, stratum.ErrMode.Has(err))
}

func TestModeForRetention(t *testing.T) {
	assert.Equal(t, stratum.ModeEdit, stratum.ModeForRetention(stratum.RetentionTemporary))
	assert.Equal(t, stratum.ModeRW, stratum.ModeForRetention(stratum.RetentionPermanent))
}

func TestRetentionTransitions(t *testing.T) {
	assert.True(t, stratum.RetentionTemporary.CanTransition(stratum.RetentionPermanent))
	assert.True(t, stratum.RetentionTemporary.CanTransition(stratum.RetentionTemporary))
	assert.True(t, stratum.RetentionPermanent.CanTransition(stratum.RetentionPermanent))
	assert.False(t, stratum.RetentionPermanent.CanTransition(stratum.RetentionTemporary))

	_, err := stratum.ParseRetentionPolicy("forever")
	require.Error(t, err)
	assert.True(t, stratum.ErrRetention.Has(err))
}

func TestThresholdStatus(t *testing.T) {
	th := stratum.DefaultThresholds

	assert.Equal(t, stratum.CapacityOK, th.StatusFor(0))
	assert.Equal(t, stratum.CapacityOK, th.StatusFor(84.9))
	assert.Equal(t, stratum.CapacityWarning, th.StatusFor(85))
	assert.Equal(t, stratum.CapacityWarning, th.StatusFor(91.9))
	assert.Equal(t, stratum.CapacityCritical, th.StatusFor(92))
	assert.Equal(t, stratum.CapacityCritical, th.StatusFor(97.9))
	assert.Equal(t, stratum.CapacityFull, th.StatusFor(98))
	assert.Equal(t, stratum.CapacityFull, th.StatusFor(100))
}

func TestCapacityStatusOrdering(t *testing.T) {
	assert.True(t, stratum.CapacityFull.WorseThan(stratum.CapacityCritical))
	assert.True(t, stratum.CapacityCritical.WorseThan(stratum.CapacityWarning))
	assert.True(t, stratum.CapacityWarning.WorseThan(stratum.CapacityOK))
	assert.False(t, stratum.CapacityOK.WorseThan(stratum.CapacityFull))
	assert.False(t, stratum.CapacityOK.WorseThan(stratum.CapacityOK))
}

func TestCapacityRecordVerify(t *testing.T) {
	rec := stratum.CapacityRecord{Total: 100, Used: 40, Available: 60}
	require.NoError(t, rec.Verify())

	rec = stratum.CapacityRecord{Total: 100, Used: 120, Available: 0}
	require.Error(t, rec.Verify())

	rec = stratum.CapacityRecord{Total: 100, Used: 40, Available: 50}
	require.Error(t, rec.Verify())
}

func TestCapacityRecordWritable(t *testing.T) {
	th := stratum.DefaultThresholds
	rec := stratum.CapacityRecord{
		Mode:        stratum.ModeRW,
		Total:       1000,
		Used:        500,
		Available:   500,
		PercentUsed: 50,
		Health:      stratum.HealthHealthy,
	}
	assert.True(t, rec.Writable(100, th))
	assert.False(t, rec.Writable(600, th), "not enough available bytes")

	full := rec
	full.PercentUsed = 99
	assert.False(t, full.Writable(100, th), "full elements refuse writes")

	unhealthy := rec
	unhealthy.Health = stratum.HealthUnhealthy
	assert.False(t, unhealthy.Writable(100, th))

	readonly := rec
	readonly.Mode = stratum.ModeRO
	assert.False(t, readonly.Writable(100, th))
}

func TestFileIDRoundTrip(t *testing.T) {
	id := stratum.NewFileID()
	require.False(t, id.IsZero())

	parsed, err := stratum.FileIDFromString(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	assert.Len(t, id.Compact(), 32)

	_, err = stratum.FileIDFromString("not-a-uuid")
	require.Error(t, err)
	assert.True(t, stratum.ErrFileID.Has(err))
}
