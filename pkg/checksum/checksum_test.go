package checksum

import (
	"bytes"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"testing"

	"github.com/minio/crc64nvme"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objsync/objsync/pkg/types"
)

func testParts() [][]byte {
	return [][]byte{
		bytes.Repeat([]byte{0xAB}, 3000),
		bytes.Repeat([]byte{0x01}, 1777),
		[]byte("last part, shorter than the others"),
	}
}

// compositeOf computes the expected composite digest independently of the
// engine under test.
func compositeOf(t *testing.T, algorithm types.ChecksumAlgorithm, parts [][]byte) string {
	t.Helper()

	var concat []byte
	for _, part := range parts {
		concat = append(concat, rawDigestOf(algorithm, part)...)
	}
	digest := rawDigestOf(algorithm, concat)
	return fmt.Sprintf("%s-%d", base64.StdEncoding.EncodeToString(digest), len(parts))
}

func rawDigestOf(algorithm types.ChecksumAlgorithm, data []byte) []byte {
	switch algorithm {
	case types.ChecksumAlgorithmCRC32:
		raw := make([]byte, 4)
		binary.BigEndian.PutUint32(raw, crc32.ChecksumIEEE(data))
		return raw
	case types.ChecksumAlgorithmCRC32C:
		raw := make([]byte, 4)
		binary.BigEndian.PutUint32(raw, crc32.Checksum(data, crc32.MakeTable(crc32.Castagnoli)))
		return raw
	case types.ChecksumAlgorithmSHA1:
		sum := sha1.Sum(data)
		return sum[:]
	case types.ChecksumAlgorithmSHA256:
		sum := sha256.Sum256(data)
		return sum[:]
	}
	return nil
}

func TestFinalizeAllComposite(t *testing.T) {
	algorithms := []types.ChecksumAlgorithm{
		types.ChecksumAlgorithmCRC32,
		types.ChecksumAlgorithmCRC32C,
		types.ChecksumAlgorithmSHA1,
		types.ChecksumAlgorithmSHA256,
	}

	for _, algorithm := range algorithms {
		t.Run(string(algorithm), func(t *testing.T) {
			parts := testParts()
			h, err := New(algorithm, false)
			require.NoError(t, err)

			for _, part := range parts {
				// Stream each part in uneven chunks.
				_, err := h.Write(part[:len(part)/2])
				require.NoError(t, err)
				_, err = h.Write(part[len(part)/2:])
				require.NoError(t, err)

				want := base64.StdEncoding.EncodeToString(rawDigestOf(algorithm, part))
				assert.Equal(t, want, h.Finalize())
			}

			assert.Equal(t, compositeOf(t, algorithm, parts), h.FinalizeAll())
		})
	}
}

func TestFinalizeAllOutOfOrderParts(t *testing.T) {
	parts := testParts()
	h, err := New(types.ChecksumAlgorithmSHA256, false)
	require.NoError(t, err)

	// Record parts in reverse completion order; the ledger must compose
	// them in ascending part-number order regardless.
	for i := len(parts) - 1; i >= 0; i-- {
		h.RecordPart(int32(i+1), rawDigestOf(types.ChecksumAlgorithmSHA256, parts[i]))
	}

	require.Equal(t, len(parts), h.PartCount())
	assert.Equal(t, compositeOf(t, types.ChecksumAlgorithmSHA256, parts), h.FinalizeAll())
}

func TestCRC64NVMEAlwaysWholeObject(t *testing.T) {
	parts := testParts()

	whole := crc64nvme.New()
	for _, p := range parts {
		whole.Write(p)
	}
	raw := make([]byte, 8)
	binary.BigEndian.PutUint64(raw, whole.Sum64())
	want := base64.StdEncoding.EncodeToString(raw)

	h, err := New(types.ChecksumAlgorithmCRC64NVME, false)
	require.NoError(t, err)

	for i, part := range parts {
		_, err := h.Write(part)
		require.NoError(t, err)
		if i < len(parts)-1 {
			h.Finalize()
		}
	}

	// No composite form: FinalizeAll equals Finalize, whatever the number
	// of update/finalize cycles.
	assert.Equal(t, want, h.Finalize())
	assert.Equal(t, want, h.FinalizeAll())
}

func TestFullObjectMode(t *testing.T) {
	parts := testParts()

	var all []byte
	for _, p := range parts {
		all = append(all, p...)
	}
	want := base64.StdEncoding.EncodeToString(rawDigestOf(types.ChecksumAlgorithmCRC32, all))

	h, err := New(types.ChecksumAlgorithmCRC32, true)
	require.NoError(t, err)

	for _, part := range parts {
		_, err := h.Write(part)
		require.NoError(t, err)
		h.Finalize()
	}

	assert.Equal(t, want, h.FinalizeAll())
}

func TestFullObjectModeUnsupported(t *testing.T) {
	for _, algorithm := range []types.ChecksumAlgorithm{
		types.ChecksumAlgorithmSHA1,
		types.ChecksumAlgorithmSHA256,
	} {
		_, err := New(algorithm, true)
		assert.Error(t, err, string(algorithm))
	}
}

func TestSumPartMatchesFinalize(t *testing.T) {
	part := testParts()[0]

	b64, raw, err := SumPart(types.ChecksumAlgorithmCRC32C, part)
	require.NoError(t, err)
	assert.Equal(t, rawDigestOf(types.ChecksumAlgorithmCRC32C, part), raw)

	h, err := New(types.ChecksumAlgorithmCRC32C, false)
	require.NoError(t, err)
	_, err = h.Write(part)
	require.NoError(t, err)
	assert.Equal(t, b64, h.Finalize())
}

func TestUnsupportedAlgorithm(t *testing.T) {
	_, err := New(types.ChecksumAlgorithm("MD6"), false)
	assert.Error(t, err)
}
