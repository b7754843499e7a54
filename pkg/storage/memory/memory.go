// Package memory implements Storage on an in-process map. It supports full
// version history including delete markers, which makes it the backend of
// choice for pipeline, packer and verification tests.
package memory

import (
	"bytes"
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/objsync/objsync/pkg/checksum"
	"github.com/objsync/objsync/pkg/storage"
	"github.com/objsync/objsync/pkg/types"
)

type version struct {
	desc types.ObjectDescriptor
	data []byte
}

type upload struct {
	key   string
	opts  storage.PutOptions
	parts map[int32][]byte
}

// Store is an in-memory Storage implementation. The zero value is not
// usable; construct with New.
type Store struct {
	kind       string
	versioning bool

	mu      sync.Mutex
	objects map[string][]version // versions in chronological order
	uploads map[string]*upload

	// Now supplies timestamps for writes; tests override it for
	// deterministic version histories.
	Now func() time.Time
}

// New creates an empty store. versioning enables version history and delete
// markers, mirroring a bucket with versioning enabled.
func New(versioning bool) *Store {
	return &Store{
		kind:       "memory",
		versioning: versioning,
		objects:    make(map[string][]version),
		uploads:    make(map[string]*upload),
		Now:        time.Now,
	}
}

func (s *Store) Kind() string { return s.kind }

// Seed inserts a version with an explicit descriptor, bypassing the write
// path. Intended for tests that need controlled timestamps and version ids.
func (s *Store) Seed(desc types.ObjectDescriptor, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if desc.VersionID == "" {
		desc.VersionID = uuid.NewString()
	}
	if desc.ETag == "" && !desc.IsDeleteMarker {
		sum := md5.Sum(data)
		desc.ETag = storage.ETagForParts([][]byte{sum[:]}, 0)
	}
	desc.Size = int64(len(data))
	s.append(desc, data)
}

func (s *Store) append(desc types.ObjectDescriptor, data []byte) {
	versions := s.objects[desc.Key]
	for i := range versions {
		versions[i].desc.IsLatest = false
	}
	desc.IsLatest = true
	s.objects[desc.Key] = append(versions, version{desc: desc, data: data})
}

func (s *Store) sortedKeys() []string {
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *Store) List(ctx context.Context, out chan<- types.ObjectDescriptor) error {
	s.mu.Lock()
	var latest []types.ObjectDescriptor
	for _, key := range s.sortedKeys() {
		versions := s.objects[key]
		last := versions[len(versions)-1]
		if last.desc.IsDeleteMarker {
			continue
		}
		latest = append(latest, last.desc)
	}
	s.mu.Unlock()

	for _, desc := range latest {
		select {
		case out <- desc:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *Store) ListVersions(ctx context.Context, out chan<- types.ObjectDescriptor) error {
	if !s.versioning {
		return storage.ErrVersioningNotSupported
	}

	s.mu.Lock()
	var all []types.ObjectDescriptor
	for _, key := range s.sortedKeys() {
		for _, v := range s.objects[key] {
			all = append(all, v.desc)
		}
	}
	s.mu.Unlock()

	for _, desc := range all {
		select {
		case out <- desc:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *Store) lookup(key, versionID string) (version, error) {
	versions, ok := s.objects[key]
	if !ok || len(versions) == 0 {
		return version{}, storage.ErrNotFound
	}
	if versionID == "" {
		last := versions[len(versions)-1]
		if last.desc.IsDeleteMarker {
			return version{}, storage.ErrNotFound
		}
		return last, nil
	}
	for _, v := range versions {
		if v.desc.VersionID == versionID {
			return v, nil
		}
	}
	return version{}, storage.ErrNotFound
}

func (s *Store) Head(ctx context.Context, key, versionID string) (types.ObjectDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := s.lookup(key, versionID)
	if err != nil {
		return types.ObjectDescriptor{}, err
	}
	return v.desc, nil
}

func (s *Store) Get(ctx context.Context, key, versionID string, rng *types.ByteRange) (io.ReadCloser, types.ObjectDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := s.lookup(key, versionID)
	if err != nil {
		return nil, types.ObjectDescriptor{}, err
	}

	data := v.data
	if rng != nil {
		if rng.Start < 0 || rng.End > int64(len(data)) || rng.Start > rng.End {
			return nil, types.ObjectDescriptor{}, fmt.Errorf("invalid range [%d, %d) for %q", rng.Start, rng.End, key)
		}
		data = data[rng.Start:rng.End]
	}
	return io.NopCloser(bytes.NewReader(data)), v.desc, nil
}

func reportedChecksum(data []byte, opts storage.PutOptions) (string, error) {
	if opts.ChecksumAlgorithm == types.ChecksumAlgorithmNone {
		return "", nil
	}
	b64, _, err := checksum.SumPart(opts.ChecksumAlgorithm, data)
	return b64, err
}

func (s *Store) Put(ctx context.Context, key string, body io.Reader, size int64, opts storage.PutOptions) (storage.PutResult, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return storage.PutResult{}, fmt.Errorf("read body: %w", err)
	}

	sum := md5.Sum(data)
	etag := storage.ETagForParts([][]byte{sum[:]}, 0)
	reported, err := reportedChecksum(data, opts)
	if err != nil {
		return storage.PutResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.versioning {
		delete(s.objects, key)
	}
	s.append(types.ObjectDescriptor{
		Key:               key,
		Size:              int64(len(data)),
		LastModified:      s.Now(),
		ETag:              etag,
		VersionID:         uuid.NewString(),
		Checksum:          reported,
		ChecksumAlgorithm: opts.ChecksumAlgorithm,
		ContentType:       opts.ContentType,
	}, data)

	return storage.PutResult{ETag: etag, Checksum: reported}, nil
}

func (s *Store) CreateMultipartUpload(ctx context.Context, key string, opts storage.PutOptions) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	s.uploads[id] = &upload{key: key, opts: opts, parts: make(map[int32][]byte)}
	return id, nil
}

func (s *Store) UploadPart(ctx context.Context, key, uploadID string, partNumber int32, body io.Reader, size int64, opts storage.PutOptions) (storage.Part, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return storage.Part{}, fmt.Errorf("read part body: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	up, ok := s.uploads[uploadID]
	if !ok {
		return storage.Part{}, fmt.Errorf("unknown upload id %q", uploadID)
	}
	up.parts[partNumber] = data

	sum := md5.Sum(data)
	part := storage.Part{
		PartNumber: partNumber,
		ETag:       storage.ETagForParts([][]byte{sum[:]}, 0),
	}
	if opts.ChecksumAlgorithm != types.ChecksumAlgorithmNone {
		b64, _, err := checksum.SumPart(opts.ChecksumAlgorithm, data)
		if err != nil {
			return storage.Part{}, err
		}
		part.Checksum = b64
	}
	return part, nil
}

func (s *Store) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []storage.Part, opts storage.PutOptions) (storage.PutResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	up, ok := s.uploads[uploadID]
	if !ok {
		return storage.PutResult{}, fmt.Errorf("unknown upload id %q", uploadID)
	}
	delete(s.uploads, uploadID)

	numbers := make([]int, 0, len(up.parts))
	for n := range up.parts {
		numbers = append(numbers, int(n))
	}
	sort.Ints(numbers)

	var data []byte
	var md5Digests [][]byte
	for _, n := range numbers {
		part := up.parts[int32(n)]
		data = append(data, part...)
		sum := md5.Sum(part)
		md5Digests = append(md5Digests, sum[:])
	}
	etag := storage.ETagForParts(md5Digests, len(numbers))

	var reported string
	if opts.ChecksumAlgorithm != types.ChecksumAlgorithmNone {
		h, err := checksum.New(opts.ChecksumAlgorithm, opts.FullObjectChecksum)
		if err != nil {
			return storage.PutResult{}, err
		}
		for _, n := range numbers {
			if _, err := h.Write(up.parts[int32(n)]); err != nil {
				return storage.PutResult{}, err
			}
			h.Finalize()
		}
		reported = h.FinalizeAll()
	}

	if !s.versioning {
		delete(s.objects, key)
	}
	s.append(types.ObjectDescriptor{
		Key:               key,
		Size:              int64(len(data)),
		LastModified:      s.Now(),
		ETag:              etag,
		VersionID:         uuid.NewString(),
		Checksum:          reported,
		ChecksumAlgorithm: opts.ChecksumAlgorithm,
		ContentType:       opts.ContentType,
	}, data)

	return storage.PutResult{ETag: etag, Checksum: reported}, nil
}

func (s *Store) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.uploads, uploadID)
	return nil
}

// PendingUploads reports the number of multipart uploads neither completed
// nor aborted. Used by tests asserting best-effort abort on cancellation.
func (s *Store) PendingUploads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.uploads)
}

func (s *Store) Delete(ctx context.Context, key, versionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions, ok := s.objects[key]
	if !ok {
		return nil
	}

	if versionID != "" {
		kept := versions[:0]
		for _, v := range versions {
			if v.desc.VersionID != versionID {
				kept = append(kept, v)
			}
		}
		if len(kept) == 0 {
			delete(s.objects, key)
		} else {
			kept[len(kept)-1].desc.IsLatest = true
			s.objects[key] = kept
		}
		return nil
	}

	if !s.versioning {
		delete(s.objects, key)
		return nil
	}
	s.append(types.ObjectDescriptor{
		Key:            key,
		LastModified:   s.Now(),
		VersionID:      uuid.NewString(),
		IsDeleteMarker: true,
	}, nil)
	return nil
}

func (s *Store) VersioningEnabled(ctx context.Context) (bool, error) {
	return s.versioning, nil
}

// Data returns the current bytes of key's latest version, for test
// assertions.
func (s *Store) Data(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := s.lookup(key, "")
	if err != nil {
		return nil, false
	}
	return append([]byte(nil), v.data...), true
}
