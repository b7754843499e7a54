package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objsync/objsync/pkg/types"
)

func descAt(size int64, mtime time.Time) types.ObjectDescriptor {
	return types.ObjectDescriptor{Key: "k", Size: size, LastModified: mtime}
}

func TestStandardDiff(t *testing.T) {
	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		source    types.ObjectDescriptor
		target    types.ObjectDescriptor
		different bool
	}{
		{
			name:      "both zero length never different",
			source:    descAt(0, base.Add(time.Hour)),
			target:    descAt(0, base),
			different: false,
		},
		{
			name:      "target older",
			source:    descAt(10, base.Add(time.Second)),
			target:    descAt(10, base),
			different: true,
		},
		{
			name:      "target newer",
			source:    descAt(10, base),
			target:    descAt(10, base.Add(time.Second)),
			different: false,
		},
		{
			name:      "same second different subsecond",
			source:    descAt(10, base.Add(900*time.Millisecond)),
			target:    descAt(10, base.Add(100*time.Millisecond)),
			different: false,
		},
		{
			name:      "size change alone is not a difference",
			source:    descAt(10, base),
			target:    descAt(20, base),
			different: false,
		},
	}

	d := standardDiff{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := d.IsDifferent(tt.source, tt.target)
			require.NoError(t, err)
			assert.Equal(t, tt.different, got)
		})
	}
}

func TestStandardDiffIdempotent(t *testing.T) {
	// A target written from the source carries a timestamp at or after the
	// source's; a second run must not re-transfer.
	src := descAt(10, time.Date(2026, 3, 14, 10, 0, 0, 500_000_000, time.UTC))
	tgt := descAt(10, time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC))

	got, err := standardDiff{}.IsDifferent(src, tgt)
	require.NoError(t, err)
	assert.False(t, got)
}

func TestSizeDiff(t *testing.T) {
	now := time.Now()
	got, err := sizeDiff{}.IsDifferent(descAt(10, now), descAt(10, now))
	require.NoError(t, err)
	assert.False(t, got)

	got, err = sizeDiff{}.IsDifferent(descAt(10, now), descAt(11, now))
	require.NoError(t, err)
	assert.True(t, got)
}

func TestETagDiff(t *testing.T) {
	now := time.Now()
	with := func(size int64, etag string) types.ObjectDescriptor {
		d := descAt(size, now)
		d.ETag = etag
		return d
	}

	tests := []struct {
		name      string
		source    types.ObjectDescriptor
		target    types.ObjectDescriptor
		different bool
	}{
		{"equal plain", with(5, `"abc"`), with(5, `"abc"`), false},
		{"unquoted vs quoted", with(5, "abc"), with(5, `"abc"`), false},
		{"plain mismatch", with(5, `"abc"`), with(5, `"def"`), true},
		{"equal multipart", with(5, `"abc-3"`), with(5, `"abc-3"`), false},
		{"multipart vs plain", with(5, `"abc-3"`), with(5, `"abc"`), true},
		{"missing target etag", with(5, `"abc"`), with(5, ""), true},
		{"size mismatch wins", with(5, `"abc"`), with(6, `"abc"`), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := etagDiff{}.IsDifferent(tt.source, tt.target)
			require.NoError(t, err)
			assert.Equal(t, tt.different, got)
		})
	}
}

func TestChecksumDiff(t *testing.T) {
	now := time.Now()
	with := func(cs string, alg types.ChecksumAlgorithm) types.ObjectDescriptor {
		d := descAt(5, now)
		d.Checksum = cs
		d.ChecksumAlgorithm = alg
		return d
	}

	got, err := checksumDiff{}.IsDifferent(with("x", types.ChecksumAlgorithmCRC32), with("x", types.ChecksumAlgorithmCRC32))
	require.NoError(t, err)
	assert.False(t, got)

	got, err = checksumDiff{}.IsDifferent(with("x", types.ChecksumAlgorithmCRC32), with("x", types.ChecksumAlgorithmSHA1))
	require.NoError(t, err)
	assert.True(t, got, "algorithm mismatch forces transfer")

	got, err = checksumDiff{}.IsDifferent(with("x", types.ChecksumAlgorithmCRC32), with("", types.ChecksumAlgorithmNone))
	require.NoError(t, err)
	assert.True(t, got, "missing value forces transfer")
}

func TestNewDiffDetector(t *testing.T) {
	tests := []struct {
		mode DiffMode
		name string
	}{
		{DiffStandard, "standard"},
		{DiffAlways, "always"},
		{DiffSize, "size"},
		{DiffETag, "etag"},
		{DiffChecksum, "checksum"},
	}
	for _, tt := range tests {
		d := NewDiffDetector(Config{DiffMode: tt.mode})
		assert.Equal(t, tt.name, d.Name())
	}
}
