package memory

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objsync/objsync/pkg/storage"
	"github.com/objsync/objsync/pkg/types"
)

func drain(t *testing.T, list func(context.Context, chan<- types.ObjectDescriptor) error) []types.ObjectDescriptor {
	t.Helper()
	out := make(chan types.ObjectDescriptor, 64)
	require.NoError(t, list(context.Background(), out))
	close(out)

	var descs []types.ObjectDescriptor
	for d := range out {
		descs = append(descs, d)
	}
	return descs
}

func TestListOmitsDeletedKeys(t *testing.T) {
	s := New(true)
	t1 := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	s.Seed(types.ObjectDescriptor{Key: "alive", LastModified: t1}, []byte("a"))
	s.Seed(types.ObjectDescriptor{Key: "dead", LastModified: t1}, []byte("d"))
	s.Seed(types.ObjectDescriptor{Key: "dead", LastModified: t1.Add(time.Hour), IsDeleteMarker: true}, nil)

	descs := drain(t, s.List)
	require.Len(t, descs, 1)
	assert.Equal(t, "alive", descs[0].Key)
}

func TestListVersionsKeyOrderedChronological(t *testing.T) {
	s := New(true)
	t1 := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	s.Seed(types.ObjectDescriptor{Key: "b", VersionID: "b1", LastModified: t1}, []byte("1"))
	s.Seed(types.ObjectDescriptor{Key: "a", VersionID: "a1", LastModified: t1}, []byte("1"))
	s.Seed(types.ObjectDescriptor{Key: "a", VersionID: "a2", LastModified: t1.Add(time.Hour)}, []byte("2"))

	descs := drain(t, s.ListVersions)
	require.Len(t, descs, 3)
	assert.Equal(t, "a1", descs[0].VersionID)
	assert.Equal(t, "a2", descs[1].VersionID)
	assert.True(t, descs[1].IsLatest)
	assert.Equal(t, "b1", descs[2].VersionID)
}

func TestListVersionsRequiresVersioning(t *testing.T) {
	s := New(false)
	out := make(chan types.ObjectDescriptor)
	assert.ErrorIs(t, s.ListVersions(context.Background(), out), storage.ErrVersioningNotSupported)
}

func TestGetByVersionID(t *testing.T) {
	s := New(true)
	t1 := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	s.Seed(types.ObjectDescriptor{Key: "k", VersionID: "v1", LastModified: t1}, []byte("old"))
	s.Seed(types.ObjectDescriptor{Key: "k", VersionID: "v2", LastModified: t1.Add(time.Hour)}, []byte("new"))

	rc, _, err := s.Get(context.Background(), "k", "v1", nil)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, []byte("old"), data)

	rc, _, err = s.Get(context.Background(), "k", "", nil)
	require.NoError(t, err)
	data, err = io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), data)
}

func TestDeleteCreatesMarkerWhenVersioned(t *testing.T) {
	s := New(true)
	s.Seed(types.ObjectDescriptor{Key: "k", VersionID: "v1", LastModified: time.Now()}, []byte("x"))

	require.NoError(t, s.Delete(context.Background(), "k", ""))

	_, err := s.Head(context.Background(), "k", "")
	assert.ErrorIs(t, err, storage.ErrNotFound, "latest is a delete marker")

	descs := drain(t, s.ListVersions)
	require.Len(t, descs, 2)
	assert.True(t, descs[1].IsDeleteMarker)
}

func TestMultipartAssemblesByPartNumber(t *testing.T) {
	s := New(false)
	ctx := context.Background()

	id, err := s.CreateMultipartUpload(ctx, "k", storage.PutOptions{ChecksumAlgorithm: types.ChecksumAlgorithmCRC32})
	require.NoError(t, err)

	chunks := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	var parts []storage.Part
	for _, i := range []int{1, 2, 0} {
		p, err := s.UploadPart(ctx, "k", id, int32(i+1), bytes.NewReader(chunks[i]), int64(len(chunks[i])), storage.PutOptions{ChecksumAlgorithm: types.ChecksumAlgorithmCRC32})
		require.NoError(t, err)
		parts = append(parts, p)
	}

	result, err := s.CompleteMultipartUpload(ctx, "k", id, parts, storage.PutOptions{ChecksumAlgorithm: types.ChecksumAlgorithmCRC32})
	require.NoError(t, err)
	assert.True(t, types.IsMultipartETag(result.ETag))
	assert.Contains(t, result.Checksum, "-3")
	assert.Zero(t, s.PendingUploads())

	data, ok := s.Data("k")
	require.True(t, ok)
	assert.Equal(t, []byte("onetwothree"), data)
}
