// Package fs implements Storage on a local directory tree. Keys map to
// slash-separated paths relative to the root. Writes land in a temporary
// file and are renamed into place; multipart uploads stage part files that
// are assembled on complete. The backend has no version history:
// VersioningEnabled reports false and ListVersions fails.
package fs

import (
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/objsync/objsync/pkg/checksum"
	"github.com/objsync/objsync/pkg/storage"
	"github.com/objsync/objsync/pkg/types"
)

const uploadDirPrefix = ".objsync-mpu-"

// Options tune how the backend derives metadata.
type Options struct {
	// PartSize and MultipartThreshold control the ETag convention used when
	// Head computes an entity tag for a local file, so ETag diffing against
	// an object store remains meaningful.
	PartSize           int64
	MultipartThreshold int64
}

// Backend implements Storage for a directory root.
type Backend struct {
	root string
	opts Options

	mu      sync.Mutex
	uploads map[string]*upload
}

type upload struct {
	key  string
	dir  string
	opts storage.PutOptions
}

// New validates root and returns a Backend.
func New(root string, opts Options) (*Backend, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root is not a directory: %s", abs)
	}
	return &Backend{root: abs, opts: opts, uploads: make(map[string]*upload)}, nil
}

func (b *Backend) Kind() string { return "fs" }

// pathFor maps a key to a path under the root, rejecting traversal outside
// of it.
func (b *Backend) pathFor(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || filepath.IsAbs(clean) {
		return "", fmt.Errorf("key %q escapes the storage root", key)
	}
	return filepath.Join(b.root, clean), nil
}

func (b *Backend) descriptorFor(key string, info fs.FileInfo) types.ObjectDescriptor {
	return types.ObjectDescriptor{
		Key:          key,
		Size:         info.Size(),
		LastModified: info.ModTime(),
	}
}

func (b *Backend) List(ctx context.Context, out chan<- types.ObjectDescriptor) error {
	var descs []types.ObjectDescriptor

	err := filepath.WalkDir(b.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), uploadDirPrefix) {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(b.root, path)
		if err != nil {
			return fmt.Errorf("relative path of %s: %w", path, err)
		}
		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", path, err)
		}
		descs = append(descs, b.descriptorFor(filepath.ToSlash(rel), info))
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk %s: %w", b.root, err)
	}

	// The aggregator requires key order; WalkDir is lexical per directory
	// but "a/b" sorts differently from "a.b" at the tree level.
	sort.Slice(descs, func(i, j int) bool { return descs[i].Key < descs[j].Key })

	for _, desc := range descs {
		select {
		case out <- desc:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *Backend) ListVersions(ctx context.Context, out chan<- types.ObjectDescriptor) error {
	return storage.ErrVersioningNotSupported
}

func (b *Backend) Head(ctx context.Context, key, versionID string) (types.ObjectDescriptor, error) {
	path, err := b.pathFor(key)
	if err != nil {
		return types.ObjectDescriptor{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return types.ObjectDescriptor{}, storage.ErrNotFound
		}
		return types.ObjectDescriptor{}, fmt.Errorf("stat %s: %w", path, err)
	}

	desc := b.descriptorFor(key, info)
	if b.opts.PartSize > 0 && b.opts.MultipartThreshold > 0 {
		etag, err := storage.ETagForFile(path, b.opts.PartSize, b.opts.MultipartThreshold)
		if err != nil {
			return types.ObjectDescriptor{}, err
		}
		desc.ETag = etag
	}
	return desc, nil
}

func (b *Backend) Get(ctx context.Context, key, versionID string, rng *types.ByteRange) (io.ReadCloser, types.ObjectDescriptor, error) {
	path, err := b.pathFor(key)
	if err != nil {
		return nil, types.ObjectDescriptor{}, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, types.ObjectDescriptor{}, storage.ErrNotFound
		}
		return nil, types.ObjectDescriptor{}, fmt.Errorf("open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, types.ObjectDescriptor{}, fmt.Errorf("stat %s: %w", path, err)
	}
	desc := b.descriptorFor(key, info)

	if rng == nil {
		return f, desc, nil
	}
	if _, err := f.Seek(rng.Start, io.SeekStart); err != nil {
		f.Close()
		return nil, types.ObjectDescriptor{}, fmt.Errorf("seek %s: %w", path, err)
	}
	return &sectionReadCloser{Reader: io.LimitReader(f, rng.End-rng.Start), closer: f}, desc, nil
}

type sectionReadCloser struct {
	io.Reader
	closer io.Closer
}

func (s *sectionReadCloser) Close() error { return s.closer.Close() }

func (b *Backend) Put(ctx context.Context, key string, body io.Reader, size int64, opts storage.PutOptions) (storage.PutResult, error) {
	path, err := b.pathFor(key)
	if err != nil {
		return storage.PutResult{}, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return storage.PutResult{}, fmt.Errorf("create parent directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".objsync-tmp-*")
	if err != nil {
		return storage.PutResult{}, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	md5Hash := md5.New()
	var reported string

	writer := io.MultiWriter(tmp, md5Hash)
	if opts.ChecksumAlgorithm != types.ChecksumAlgorithmNone {
		h, err := checksum.New(opts.ChecksumAlgorithm, opts.FullObjectChecksum)
		if err != nil {
			tmp.Close()
			return storage.PutResult{}, err
		}
		if _, err := io.Copy(io.MultiWriter(tmp, md5Hash, h), body); err != nil {
			tmp.Close()
			return storage.PutResult{}, fmt.Errorf("write %s: %w", tmp.Name(), err)
		}
		reported = h.Finalize()
	} else if _, err := io.Copy(writer, body); err != nil {
		tmp.Close()
		return storage.PutResult{}, fmt.Errorf("write %s: %w", tmp.Name(), err)
	}

	if err := tmp.Close(); err != nil {
		return storage.PutResult{}, fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return storage.PutResult{}, fmt.Errorf("rename into place: %w", err)
	}

	return storage.PutResult{
		ETag:     storage.ETagForParts([][]byte{md5Hash.Sum(nil)}, 0),
		Checksum: reported,
	}, nil
}

func (b *Backend) CreateMultipartUpload(ctx context.Context, key string, opts storage.PutOptions) (string, error) {
	id := uuid.NewString()
	dir := filepath.Join(b.root, uploadDirPrefix+id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create upload directory: %w", err)
	}

	b.mu.Lock()
	b.uploads[id] = &upload{key: key, dir: dir, opts: opts}
	b.mu.Unlock()
	return id, nil
}

func (b *Backend) uploadByID(uploadID string) (*upload, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	up, ok := b.uploads[uploadID]
	if !ok {
		return nil, fmt.Errorf("unknown upload id %q", uploadID)
	}
	return up, nil
}

func (b *Backend) UploadPart(ctx context.Context, key, uploadID string, partNumber int32, body io.Reader, size int64, opts storage.PutOptions) (storage.Part, error) {
	up, err := b.uploadByID(uploadID)
	if err != nil {
		return storage.Part{}, err
	}

	partPath := filepath.Join(up.dir, fmt.Sprintf("part-%05d", partNumber))
	f, err := os.Create(partPath)
	if err != nil {
		return storage.Part{}, fmt.Errorf("create part file: %w", err)
	}

	md5Hash := md5.New()
	part := storage.Part{PartNumber: partNumber}
	if opts.ChecksumAlgorithm != types.ChecksumAlgorithmNone {
		h, err := checksum.New(opts.ChecksumAlgorithm, false)
		if err != nil {
			f.Close()
			return storage.Part{}, err
		}
		if _, err := io.Copy(io.MultiWriter(f, md5Hash, h), body); err != nil {
			f.Close()
			return storage.Part{}, fmt.Errorf("write part: %w", err)
		}
		part.Checksum = h.Finalize()
	} else if _, err := io.Copy(io.MultiWriter(f, md5Hash), body); err != nil {
		f.Close()
		return storage.Part{}, fmt.Errorf("write part: %w", err)
	}
	if err := f.Close(); err != nil {
		return storage.Part{}, fmt.Errorf("close part file: %w", err)
	}

	part.ETag = storage.ETagForParts([][]byte{md5Hash.Sum(nil)}, 0)
	return part, nil
}

func (b *Backend) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []storage.Part, opts storage.PutOptions) (storage.PutResult, error) {
	up, err := b.uploadByID(uploadID)
	if err != nil {
		return storage.PutResult{}, err
	}

	sorted := append([]storage.Part(nil), parts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })

	path, err := b.pathFor(key)
	if err != nil {
		return storage.PutResult{}, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return storage.PutResult{}, fmt.Errorf("create parent directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".objsync-tmp-*")
	if err != nil {
		return storage.PutResult{}, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	var total *checksum.Hasher
	if opts.ChecksumAlgorithm != types.ChecksumAlgorithmNone {
		total, err = checksum.New(opts.ChecksumAlgorithm, opts.FullObjectChecksum)
		if err != nil {
			tmp.Close()
			return storage.PutResult{}, err
		}
	}

	var md5Digests [][]byte
	for _, part := range sorted {
		partPath := filepath.Join(up.dir, fmt.Sprintf("part-%05d", part.PartNumber))
		data, err := os.ReadFile(partPath)
		if err != nil {
			tmp.Close()
			return storage.PutResult{}, fmt.Errorf("read part %d: %w", part.PartNumber, err)
		}
		if _, err := tmp.Write(data); err != nil {
			tmp.Close()
			return storage.PutResult{}, fmt.Errorf("assemble part %d: %w", part.PartNumber, err)
		}
		sum := md5.Sum(data)
		md5Digests = append(md5Digests, sum[:])
		if total != nil {
			if _, err := total.Write(data); err != nil {
				tmp.Close()
				return storage.PutResult{}, err
			}
			total.Finalize()
		}
	}

	if err := tmp.Close(); err != nil {
		return storage.PutResult{}, fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return storage.PutResult{}, fmt.Errorf("rename into place: %w", err)
	}

	b.mu.Lock()
	delete(b.uploads, uploadID)
	b.mu.Unlock()
	if err := os.RemoveAll(up.dir); err != nil {
		return storage.PutResult{}, fmt.Errorf("remove upload directory: %w", err)
	}

	result := storage.PutResult{ETag: storage.ETagForParts(md5Digests, len(md5Digests))}
	if total != nil {
		result.Checksum = total.FinalizeAll()
	}
	return result, nil
}

func (b *Backend) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	b.mu.Lock()
	up, ok := b.uploads[uploadID]
	delete(b.uploads, uploadID)
	b.mu.Unlock()

	if !ok {
		return nil
	}
	if err := os.RemoveAll(up.dir); err != nil {
		return fmt.Errorf("remove upload directory: %w", err)
	}
	return nil
}

func (b *Backend) Delete(ctx context.Context, key, versionID string) error {
	path, err := b.pathFor(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

func (b *Backend) VersioningEnabled(ctx context.Context) (bool, error) {
	return false, nil
}
