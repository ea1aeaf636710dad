// Copyright (C) 2025 Stratum Labs.
// See LICENSE for copying information.

package filename_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratumfs/stratum/pkg/filename"
	"github.com/stratumfs/stratum/pkg/stratum"
)

func TestGenerateParseRoundTrip(t *testing.T) {
	id := stratum.NewFileID()
	ts := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

	name := filename.Generate("report-final.pdf", "alice", ts, id)
	require.LessOrEqual(t, len(name), filename.MaxLength)

	parsed, err := filename.Parse(name)
	require.NoError(t, err)
	assert.Equal(t, "report-final", parsed.Stem)
	assert.Equal(t, "alice", parsed.Uploader)
	assert.Equal(t, ts, parsed.Timestamp)
	assert.Equal(t, id, parsed.ID)
	assert.Equal(t, ".pdf", parsed.Ext)
}

func TestGenerateSanitizes(t *testing.T) {
	id := stratum.NewFileID()
	ts := time.Now()

	name := filename.Generate("q1 results (draft).xlsx", "bob_smith@corp", ts, id)
	parsed, err := filename.Parse(name)
	require.NoError(t, err)
	assert.Equal(t, "q1-results--draft-", parsed.Stem)
	assert.Equal(t, "bob-smith-corp", parsed.Uploader, "uploader must not contain separators")
	assert.Equal(t, ".xlsx", parsed.Ext)
}

func TestGenerateDefaults(t *testing.T) {
	id := stratum.NewFileID()

	name := filename.Generate(".gitignore", "", time.Now(), id)
	parsed, err := filename.Parse(name)
	require.NoError(t, err)
	assert.Equal(t, "file", parsed.Stem)
	assert.Equal(t, "unknown", parsed.Uploader)
}

func TestGenerateTruncates(t *testing.T) {
	id := stratum.NewFileID()
	long := strings.Repeat("x", 500) + ".bin"

	name := filename.Generate(long, "carol", time.Now(), id)
	require.LessOrEqual(t, len(name), filename.MaxLength)

	parsed, err := filename.Parse(name)
	require.NoError(t, err)
	assert.Equal(t, id, parsed.ID, "truncation must preserve the id")
	assert.Equal(t, ".bin", parsed.Ext)
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, name := range []string{
		"",
		"no-separators",
		"short-uuid_alice_20250101T000000_abcdef",
		strings.Repeat("x", filename.MaxLength+1),
	} {
		_, err := filename.Parse(name)
		require.Error(t, err, "name %q", name)
		assert.True(t, filename.Error.Has(err))
	}
}

func TestPartitionPath(t *testing.T) {
	ts := time.Date(2025, 7, 4, 23, 59, 0, 0, time.UTC)
	assert.Equal(t, "2025/07/04/23", filename.PartitionPath(ts))

	// always partitions on the utc hour
	est := time.FixedZone("EST", -5*60*60)
	assert.Equal(t, "2025/07/05/04",
		filename.PartitionPath(time.Date(2025, 7, 4, 23, 59, 0, 0, est)))
}
