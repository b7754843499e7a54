// Package storage defines the capability interface the pipeline consumes
// from a backend. It is implemented uniformly by an object store (s3), a
// local filesystem (fs), and an in-memory versioned store used in tests
// (memory).
package storage

import (
	"context"
	"errors"
	"io"

	"github.com/objsync/objsync/pkg/types"
)

// ErrNotFound is returned by Head and Get for keys (or versions) that do
// not exist.
var ErrNotFound = errors.New("object not found")

// ErrVersioningNotSupported is returned by ListVersions on backends without
// version history.
var ErrVersioningNotSupported = errors.New("versioning not supported")

// PutOptions carries the metadata of an upload.
type PutOptions struct {
	ContentType string
	Metadata    map[string]string

	// ChecksumAlgorithm selects the additional checksum the backend should
	// compute and report. None disables it.
	ChecksumAlgorithm types.ChecksumAlgorithm
	// FullObjectChecksum selects the whole-object (non-composite) checksum
	// mode for multipart uploads.
	FullObjectChecksum bool
	// PrecomputedChecksum, when non-empty, is handed to the backend for
	// server-side validation of a single-part upload.
	PrecomputedChecksum string
}

// PutResult is what the destination reports after a completed upload.
type PutResult struct {
	ETag     string
	Checksum string
}

// Part identifies one completed part of a multipart upload.
type Part struct {
	PartNumber int32
	ETag       string
	Checksum   string
}

// Storage is the capability set the pipeline consumes from a backend.
//
// List and ListVersions emit descriptors into out in lexicographic key
// order and return once the listing is exhausted; they do not close out.
// ListVersions orders versions of one key chronologically, delete markers
// included. All blocking operations honor ctx.
type Storage interface {
	// Kind names the backend ("s3", "fs", "memory") for logs and events.
	Kind() string

	List(ctx context.Context, out chan<- types.ObjectDescriptor) error
	ListVersions(ctx context.Context, out chan<- types.ObjectDescriptor) error

	Head(ctx context.Context, key, versionID string) (types.ObjectDescriptor, error)
	Get(ctx context.Context, key, versionID string, rng *types.ByteRange) (io.ReadCloser, types.ObjectDescriptor, error)

	Put(ctx context.Context, key string, body io.Reader, size int64, opts PutOptions) (PutResult, error)

	CreateMultipartUpload(ctx context.Context, key string, opts PutOptions) (string, error)
	UploadPart(ctx context.Context, key, uploadID string, partNumber int32, body io.Reader, size int64, opts PutOptions) (Part, error)
	CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []Part, opts PutOptions) (PutResult, error)
	AbortMultipartUpload(ctx context.Context, key, uploadID string) error

	Delete(ctx context.Context, key, versionID string) error

	VersioningEnabled(ctx context.Context) (bool, error)
}
