package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objsync/objsync/pkg/types"
)

func unitFor(key string, size int64, mtime time.Time) types.ComparisonUnit {
	return types.ComparisonUnit{
		Source: &types.ObjectDescriptor{Key: key, Size: size, LastModified: mtime},
	}
}

func TestSizeFilters(t *testing.T) {
	now := time.Now()

	allow, err := MinSizeFilter{Bytes: 100}.Allow(unitFor("k", 99, now))
	require.NoError(t, err)
	assert.False(t, allow)

	allow, err = MinSizeFilter{Bytes: 100}.Allow(unitFor("k", 100, now))
	require.NoError(t, err)
	assert.True(t, allow)

	allow, err = MaxSizeFilter{Bytes: 100}.Allow(unitFor("k", 101, now))
	require.NoError(t, err)
	assert.False(t, allow)

	allow, err = MaxSizeFilter{Bytes: 100}.Allow(unitFor("k", 100, now))
	require.NoError(t, err)
	assert.True(t, allow)
}

func TestMtimeFilters(t *testing.T) {
	cut := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	allow, err := MtimeAfterFilter{T: cut}.Allow(unitFor("k", 1, cut.Add(time.Second)))
	require.NoError(t, err)
	assert.True(t, allow)

	allow, err = MtimeAfterFilter{T: cut}.Allow(unitFor("k", 1, cut))
	require.NoError(t, err)
	assert.False(t, allow)

	allow, err = MtimeBeforeFilter{T: cut}.Allow(unitFor("k", 1, cut.Add(-time.Second)))
	require.NoError(t, err)
	assert.True(t, allow)

	allow, err = MtimeBeforeFilter{T: cut}.Allow(unitFor("k", 1, cut))
	require.NoError(t, err)
	assert.False(t, allow)
}

func TestGlobFilters(t *testing.T) {
	tests := []struct {
		pattern string
		key     string
		match   bool
	}{
		{"**/*.txt", "docs/readme.txt", true},
		{"**/*.txt", "docs/nested/deep.txt", true},
		{"*.txt", "readme.txt", true},
		{"*.txt", "docs/readme.txt", false},
		{"logs/**", "logs/2026/app.log", true},
		{"logs/**", "data/app.log", false},
	}
	for _, tt := range tests {
		allow, err := IncludeFilter{Pattern: tt.pattern}.Allow(unitFor(tt.key, 1, time.Now()))
		require.NoError(t, err)
		assert.Equal(t, tt.match, allow, "include %s against %s", tt.pattern, tt.key)

		allow, err = ExcludeFilter{Pattern: tt.pattern}.Allow(unitFor(tt.key, 1, time.Now()))
		require.NoError(t, err)
		assert.Equal(t, !tt.match, allow, "exclude %s against %s", tt.pattern, tt.key)
	}
}

func TestGlobFilterBadPattern(t *testing.T) {
	_, err := IncludeFilter{Pattern: "[unclosed"}.Allow(unitFor("k", 1, time.Now()))
	assert.Error(t, err)
}

func TestFuncFilter(t *testing.T) {
	f := FuncFilter{
		FilterName: "key-prefix",
		Fn: func(unit types.ComparisonUnit) (bool, error) {
			return unit.Key() == "keep", nil
		},
	}
	assert.Equal(t, "key-prefix", f.Name())

	allow, err := f.Allow(unitFor("keep", 1, time.Now()))
	require.NoError(t, err)
	assert.True(t, allow)

	allow, err = f.Allow(unitFor("drop", 1, time.Now()))
	require.NoError(t, err)
	assert.False(t, allow)
}
