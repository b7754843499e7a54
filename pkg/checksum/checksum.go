// Package checksum implements the incremental checksum engine used while
// streaming objects out and for post-transfer verification. It reproduces
// the S3 multipart digest convention bit-exactly: per-part digests are
// collected in a ledger indexed by part number, and the composite digest is
// the hash of the ledger bytes in ascending part-number order, formatted
// "<base64>-<parts>".
package checksum

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"hash"
	"hash/crc32"
	"sort"
	"sync"

	"github.com/minio/crc64nvme"

	"github.com/objsync/objsync/pkg/types"
)

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

func newHash(algorithm types.ChecksumAlgorithm) (hash.Hash, error) {
	switch algorithm {
	case types.ChecksumAlgorithmCRC32:
		return crc32.NewIEEE(), nil
	case types.ChecksumAlgorithmCRC32C:
		return crc32.New(castagnoliTable), nil
	case types.ChecksumAlgorithmCRC64NVME:
		return crc64nvme.New(), nil
	case types.ChecksumAlgorithmSHA1:
		return sha1.New(), nil
	case types.ChecksumAlgorithmSHA256:
		return sha256.New(), nil
	}
	return nil, fmt.Errorf("unsupported checksum algorithm %q", algorithm)
}

// Hasher accumulates the checksum state of one transfer. It is an io.Writer
// so callers can tee the outbound byte stream through it; bytes are hashed
// exactly once, on the way out.
//
// Finalize closes the current logical part and appends its raw digest to the
// ledger at the next part number. Parts hashed concurrently elsewhere are
// recorded with RecordPart; the ledger is indexed by part number, never by
// completion order. FinalizeAll is valid once the part sequence is complete.
//
// CRC64NVME has no composite form: the hasher rolls over every byte written
// and FinalizeAll always equals Finalize regardless of how many
// update/finalize cycles were made. Callers must not assume part-ledger
// semantics for it.
type Hasher struct {
	algorithm  types.ChecksumAlgorithm
	fullObject bool

	mu       sync.Mutex
	current  hash.Hash
	parts    map[int32][]byte
	nextPart int32
}

// New creates a Hasher. fullObject selects the whole-object (non-composite)
// transfer mode, supported for CRC32 and CRC32C only.
func New(algorithm types.ChecksumAlgorithm, fullObject bool) (*Hasher, error) {
	switch {
	case !fullObject:
	case algorithm == types.ChecksumAlgorithmCRC32,
		algorithm == types.ChecksumAlgorithmCRC32C,
		algorithm == types.ChecksumAlgorithmCRC64NVME:
		// CRC64NVME is whole-object by nature; the flag is a no-op for it.
	default:
		return nil, fmt.Errorf("full-object checksum is not supported for %s", algorithm)
	}

	h, err := newHash(algorithm)
	if err != nil {
		return nil, err
	}
	return &Hasher{
		algorithm:  algorithm,
		fullObject: fullObject,
		current:    h,
		parts:      make(map[int32][]byte),
		nextPart:   1,
	}, nil
}

// Algorithm returns the algorithm the hasher was created with.
func (h *Hasher) Algorithm() types.ChecksumAlgorithm { return h.algorithm }

// Write streams a chunk of arbitrary size into the current part.
func (h *Hasher) Write(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current.Write(p)
}

func (h *Hasher) rolling() bool {
	return h.fullObject || h.algorithm == types.ChecksumAlgorithmCRC64NVME
}

// Finalize closes the current logical part and returns its base64 digest.
// In rolling modes (full-object, CRC64NVME) the state is not reset and the
// returned digest covers every byte written so far.
func (h *Hasher) Finalize() string {
	h.mu.Lock()
	defer h.mu.Unlock()

	digest := h.current.Sum(nil)
	if !h.rolling() {
		h.parts[h.nextPart] = digest
		h.nextPart++
		h.current.Reset()
	}
	return base64.StdEncoding.EncodeToString(digest)
}

// RecordPart stores the raw digest of a part hashed out of band, e.g. by a
// concurrent part-upload worker. Part numbers start at 1; recording a part
// bumps the sequential counter past it.
func (h *Hasher) RecordPart(partNumber int32, rawDigest []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.parts[partNumber] = append([]byte(nil), rawDigest...)
	if partNumber >= h.nextPart {
		h.nextPart = partNumber + 1
	}
}

// PartCount returns the number of finalized parts in the ledger.
func (h *Hasher) PartCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.parts)
}

// FinalizeAll returns the whole-object digest. For composite algorithms it
// concatenates the ledger's raw digests in ascending part-number order
// (parts may have finished out of order), re-hashes the concatenation with
// the same algorithm and appends "-<parts>". In rolling modes it returns the
// same value as Finalize.
func (h *Hasher) FinalizeAll() string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.rolling() {
		return base64.StdEncoding.EncodeToString(h.current.Sum(nil))
	}

	numbers := make([]int, 0, len(h.parts))
	for n := range h.parts {
		numbers = append(numbers, int(n))
	}
	sort.Ints(numbers)

	total, _ := newHash(h.algorithm)
	for _, n := range numbers {
		total.Write(h.parts[int32(n)])
	}
	digest := base64.StdEncoding.EncodeToString(total.Sum(nil))
	return fmt.Sprintf("%s-%d", digest, len(numbers))
}

// SumPart hashes one complete part and returns its base64 and raw digests.
// Used by part-upload workers that hash independently of the shared ledger.
func SumPart(algorithm types.ChecksumAlgorithm, data []byte) (string, []byte, error) {
	h, err := newHash(algorithm)
	if err != nil {
		return "", nil, err
	}
	h.Write(data)
	raw := h.Sum(nil)
	return base64.StdEncoding.EncodeToString(raw), raw, nil
}
