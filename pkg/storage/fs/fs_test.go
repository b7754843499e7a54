package fs

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objsync/objsync/pkg/storage"
	"github.com/objsync/objsync/pkg/types"
)

func newBackend(t *testing.T) (*Backend, string) {
	t.Helper()
	root := t.TempDir()
	b, err := New(root, Options{PartSize: 1000, MultipartThreshold: 1000})
	require.NoError(t, err)
	return b, root
}

func collect(t *testing.T, b *Backend) []types.ObjectDescriptor {
	t.Helper()
	out := make(chan types.ObjectDescriptor, 64)
	require.NoError(t, b.List(context.Background(), out))
	close(out)

	var descs []types.ObjectDescriptor
	for d := range out {
		descs = append(descs, d)
	}
	return descs
}

func TestListSortedKeys(t *testing.T) {
	b, root := newBackend(t)

	files := []string{"b.txt", "a/nested.txt", "a.txt", "a/b/deep.txt"}
	for _, rel := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(rel), 0o644))
	}

	descs := collect(t, b)
	keys := make([]string, len(descs))
	for i, d := range descs {
		keys[i] = d.Key
	}
	assert.Equal(t, []string{"a.txt", "a/b/deep.txt", "a/nested.txt", "b.txt"}, keys)
}

func TestPutGetRoundTrip(t *testing.T) {
	b, _ := newBackend(t)
	ctx := context.Background()

	data := []byte("local object data")
	result, err := b.Put(ctx, "dir/file.bin", bytes.NewReader(data), int64(len(data)), storage.PutOptions{
		ChecksumAlgorithm: types.ChecksumAlgorithmCRC32,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, result.ETag)
	assert.NotEmpty(t, result.Checksum)

	rc, desc, err := b.Get(ctx, "dir/file.bin", "", nil)
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, int64(len(data)), desc.Size)
}

func TestGetRange(t *testing.T) {
	b, _ := newBackend(t)
	ctx := context.Background()

	data := []byte("0123456789")
	_, err := b.Put(ctx, "r.bin", bytes.NewReader(data), int64(len(data)), storage.PutOptions{})
	require.NoError(t, err)

	rc, _, err := b.Get(ctx, "r.bin", "", &types.ByteRange{Start: 2, End: 6})
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, []byte("2345"), got)
}

func TestHeadComputesETag(t *testing.T) {
	b, _ := newBackend(t)
	ctx := context.Background()

	data := bytes.Repeat([]byte("z"), 2500)
	_, err := b.Put(ctx, "big.bin", bytes.NewReader(data), int64(len(data)), storage.PutOptions{})
	require.NoError(t, err)

	desc, err := b.Head(ctx, "big.bin", "")
	require.NoError(t, err)
	want, err := storage.ETagForReader(bytes.NewReader(data), int64(len(data)), 1000, 1000)
	require.NoError(t, err)
	assert.Equal(t, want, desc.ETag)
	assert.True(t, types.IsMultipartETag(desc.ETag))
}

func TestHeadNotFound(t *testing.T) {
	b, _ := newBackend(t)
	_, err := b.Head(context.Background(), "missing", "")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestKeyEscapesRoot(t *testing.T) {
	b, _ := newBackend(t)
	_, err := b.Head(context.Background(), "../outside", "")
	assert.Error(t, err)
}

func TestMultipartUpload(t *testing.T) {
	b, root := newBackend(t)
	ctx := context.Background()

	uploadID, err := b.CreateMultipartUpload(ctx, "assembled.bin", storage.PutOptions{
		ChecksumAlgorithm: types.ChecksumAlgorithmSHA256,
	})
	require.NoError(t, err)

	chunks := [][]byte{[]byte("first-"), []byte("second-"), []byte("third")}
	var parts []storage.Part
	// Upload out of order; completion must assemble by part number.
	for _, i := range []int{2, 0, 1} {
		part, err := b.UploadPart(ctx, "assembled.bin", uploadID, int32(i+1), bytes.NewReader(chunks[i]), int64(len(chunks[i])), storage.PutOptions{
			ChecksumAlgorithm: types.ChecksumAlgorithmSHA256,
		})
		require.NoError(t, err)
		parts = append(parts, part)
	}

	result, err := b.CompleteMultipartUpload(ctx, "assembled.bin", uploadID, parts, storage.PutOptions{
		ChecksumAlgorithm: types.ChecksumAlgorithmSHA256,
	})
	require.NoError(t, err)
	assert.True(t, types.IsMultipartETag(result.ETag))
	assert.Contains(t, result.Checksum, "-3")

	rc, _, err := b.Get(ctx, "assembled.bin", "", nil)
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, []byte("first-second-third"), got)

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), uploadDirPrefix, "upload staging dir must be removed")
	}
}

func TestAbortMultipartUpload(t *testing.T) {
	b, root := newBackend(t)
	ctx := context.Background()

	uploadID, err := b.CreateMultipartUpload(ctx, "never.bin", storage.PutOptions{})
	require.NoError(t, err)
	_, err = b.UploadPart(ctx, "never.bin", uploadID, 1, bytes.NewReader([]byte("x")), 1, storage.PutOptions{})
	require.NoError(t, err)

	require.NoError(t, b.AbortMultipartUpload(ctx, "never.bin", uploadID))

	_, err = b.Head(ctx, "never.bin", "")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestListVersionsUnsupported(t *testing.T) {
	b, _ := newBackend(t)
	out := make(chan types.ObjectDescriptor)
	err := b.ListVersions(context.Background(), out)
	assert.ErrorIs(t, err, storage.ErrVersioningNotSupported)

	enabled, err := b.VersioningEnabled(context.Background())
	require.NoError(t, err)
	assert.False(t, enabled)
}

func TestDeleteIsIdempotent(t *testing.T) {
	b, _ := newBackend(t)
	ctx := context.Background()

	_, err := b.Put(ctx, "gone.txt", bytes.NewReader([]byte("x")), 1, storage.PutOptions{})
	require.NoError(t, err)
	require.NoError(t, b.Delete(ctx, "gone.txt", ""))
	require.NoError(t, b.Delete(ctx, "gone.txt", ""))
}
