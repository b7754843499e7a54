package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objsync/objsync/pkg/types"
)

func version(key string, id string, mtime time.Time, deleteMarker bool) types.ObjectDescriptor {
	return types.ObjectDescriptor{
		Key:            key,
		VersionID:      id,
		LastModified:   mtime,
		IsDeleteMarker: deleteMarker,
		Size:           4,
	}
}

func runVersionsPacker(t *testing.T, input []types.ObjectDescriptor) []types.ComparisonUnit {
	t.Helper()
	in := make(chan types.ObjectDescriptor, len(input))
	for _, d := range input {
		in <- d
	}
	close(in)

	out := make(chan types.ComparisonUnit, len(input))
	require.NoError(t, packVersions(context.Background(), in, out))
	close(out)

	var units []types.ComparisonUnit
	for u := range out {
		units = append(units, u)
	}
	return units
}

func TestPackVersionsChronologicalPerKey(t *testing.T) {
	base := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)

	units := runVersionsPacker(t, []types.ObjectDescriptor{
		version("a", "a2", base.Add(2*time.Hour), false),
		version("a", "a1", base.Add(time.Hour), false),
		version("a", "a3", base.Add(3*time.Hour), true),
		version("b", "b1", base, false),
	})

	require.Len(t, units, 4)
	assert.Equal(t, "a1", units[0].Source.VersionID)
	assert.Equal(t, "a2", units[1].Source.VersionID)
	assert.Equal(t, "a3", units[2].Source.VersionID)
	assert.True(t, units[2].Source.IsDeleteMarker)
	assert.Equal(t, "b1", units[3].Source.VersionID)
}

func TestPackPointInTime(t *testing.T) {
	t1 := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)
	t3 := t1.Add(2 * time.Hour)
	t4 := t1.Add(3 * time.Hour)

	history := []types.ObjectDescriptor{
		version("k", "v1", t1, false),
		version("k", "v2", t2, false),
		version("k", "v3", t3, false),
		version("k", "v4", t4, true),
	}

	tests := []struct {
		name   string
		at     time.Time
		want   string
		absent bool
	}{
		{"before first version", t1.Add(-time.Minute), "", true},
		{"exactly first version", t1, "v1", false},
		{"between versions", t2.Add(time.Minute), "v2", false},
		{"exactly last version", t3, "v3", false},
		{"after delete marker", t4.Add(time.Minute), "", true},
		{"exactly delete marker", t4, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := make(chan types.ObjectDescriptor, len(history))
			for _, d := range history {
				in <- d
			}
			close(in)

			out := make(chan types.ObjectDescriptor, 1)
			var absent []string
			err := packPointInTime(context.Background(), tt.at, in, out, func(key string) {
				absent = append(absent, key)
			})
			require.NoError(t, err)
			close(out)

			if tt.absent {
				assert.Empty(t, out)
				assert.Equal(t, []string{"k"}, absent)
				return
			}
			require.Len(t, out, 1)
			got := <-out
			assert.Equal(t, tt.want, got.VersionID)
			assert.Empty(t, absent)
		})
	}
}

func TestPackPointInTimeMultipleKeys(t *testing.T) {
	t1 := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)
	at := t1.Add(90 * time.Minute)

	in := make(chan types.ObjectDescriptor, 5)
	in <- version("a", "a1", t1, false)
	in <- version("a", "a2", t1.Add(time.Hour), false)
	in <- version("b", "b1", t1, false)
	in <- version("b", "b2", t1.Add(time.Hour), true)
	in <- version("c", "c1", t1.Add(2*time.Hour), false)
	close(in)

	out := make(chan types.ObjectDescriptor, 5)
	var absent []string
	require.NoError(t, packPointInTime(context.Background(), at, in, out, func(key string) {
		absent = append(absent, key)
	}))
	close(out)

	var keys []string
	for d := range out {
		keys = append(keys, d.Key+"/"+d.VersionID)
	}
	assert.Equal(t, []string{"a/a2"}, keys)
	assert.Equal(t, []string{"b", "c"}, absent)
}
