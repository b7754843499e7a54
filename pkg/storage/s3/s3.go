// Package s3 implements Storage against an S3 bucket and prefix using the
// AWS SDK. Transient service errors are wrapped as retryable so the pipeline
// retry policy applies; missing objects map to storage.ErrNotFound.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/objsync/objsync/pkg/storage"
	"github.com/objsync/objsync/pkg/types"
)

// API is the subset of the S3 client the backend uses. It allows tests to
// substitute a fake without a live endpoint.
type API interface {
	ListObjectsV2(ctx context.Context, params *awss3.ListObjectsV2Input, optFns ...func(*awss3.Options)) (*awss3.ListObjectsV2Output, error)
	ListObjectVersions(ctx context.Context, params *awss3.ListObjectVersionsInput, optFns ...func(*awss3.Options)) (*awss3.ListObjectVersionsOutput, error)
	HeadObject(ctx context.Context, params *awss3.HeadObjectInput, optFns ...func(*awss3.Options)) (*awss3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *awss3.GetObjectInput, optFns ...func(*awss3.Options)) (*awss3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *awss3.PutObjectInput, optFns ...func(*awss3.Options)) (*awss3.PutObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, params *awss3.CreateMultipartUploadInput, optFns ...func(*awss3.Options)) (*awss3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *awss3.UploadPartInput, optFns ...func(*awss3.Options)) (*awss3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *awss3.CompleteMultipartUploadInput, optFns ...func(*awss3.Options)) (*awss3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *awss3.AbortMultipartUploadInput, optFns ...func(*awss3.Options)) (*awss3.AbortMultipartUploadOutput, error)
	DeleteObject(ctx context.Context, params *awss3.DeleteObjectInput, optFns ...func(*awss3.Options)) (*awss3.DeleteObjectOutput, error)
	GetBucketVersioning(ctx context.Context, params *awss3.GetBucketVersioningInput, optFns ...func(*awss3.Options)) (*awss3.GetBucketVersioningOutput, error)
}

// Backend implements Storage for one bucket/prefix pair.
type Backend struct {
	api    API
	bucket string
	prefix string
}

// ParseURI splits an s3://bucket/prefix URI.
func ParseURI(uri string) (bucket, prefix string, err error) {
	if !strings.HasPrefix(uri, "s3://") {
		return "", "", fmt.Errorf("invalid S3 URI %q: must start with s3://", uri)
	}
	path := strings.TrimPrefix(uri, "s3://")
	parts := strings.SplitN(path, "/", 2)
	if parts[0] == "" {
		return "", "", fmt.Errorf("invalid S3 URI %q: missing bucket name", uri)
	}
	bucket = parts[0]
	if len(parts) > 1 {
		prefix = parts[1]
	}
	return bucket, prefix, nil
}

// New loads the default AWS configuration and returns a Backend for uri.
func New(ctx context.Context, uri string, optFns ...func(*awsconfig.LoadOptions) error) (*Backend, error) {
	bucket, prefix, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return NewWithAPI(awss3.NewFromConfig(cfg), bucket, prefix), nil
}

// NewWithAPI wires a Backend to an existing client. A non-empty prefix is
// normalized to end with "/" so keys join without gluing onto the last path
// segment.
func NewWithAPI(api API, bucket, prefix string) *Backend {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Backend{api: api, bucket: bucket, prefix: prefix}
}

func (b *Backend) Kind() string { return "s3" }

func (b *Backend) fullKey(key string) string { return b.prefix + key }

func (b *Backend) relativeKey(full string) string { return strings.TrimPrefix(full, b.prefix) }

// classify maps SDK failures onto the pipeline error taxonomy.
func classify(err error) error {
	var notFound *s3types.NotFound
	var noSuchKey *s3types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		return storage.ErrNotFound
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return storage.ErrNotFound
		case "PreconditionFailed":
			return fmt.Errorf("%w: %w", types.ErrPreconditionFailed, err)
		case "SlowDown", "ServiceUnavailable", "RequestTimeout", "RequestTimeoutException", "InternalError":
			return types.Retryable(err)
		}
		if httpErr, ok := apiErr.(interface{ HTTPStatusCode() int }); ok {
			if code := httpErr.HTTPStatusCode(); code >= 500 && code < 600 {
				return types.Retryable(err)
			}
		}
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return types.Retryable(err)
	}
	return err
}

func sdkAlgorithm(a types.ChecksumAlgorithm) s3types.ChecksumAlgorithm {
	switch a {
	case types.ChecksumAlgorithmCRC32:
		return s3types.ChecksumAlgorithmCrc32
	case types.ChecksumAlgorithmCRC32C:
		return s3types.ChecksumAlgorithmCrc32c
	case types.ChecksumAlgorithmCRC64NVME:
		return s3types.ChecksumAlgorithmCrc64nvme
	case types.ChecksumAlgorithmSHA1:
		return s3types.ChecksumAlgorithmSha1
	case types.ChecksumAlgorithmSHA256:
		return s3types.ChecksumAlgorithmSha256
	}
	return ""
}

// checksumFields carries the per-algorithm response values the SDK exposes
// as separate pointers.
type checksumFields struct {
	crc32     *string
	crc32c    *string
	crc64nvme *string
	sha1      *string
	sha256    *string
}

func (f checksumFields) value(a types.ChecksumAlgorithm) string {
	var p *string
	switch a {
	case types.ChecksumAlgorithmCRC32:
		p = f.crc32
	case types.ChecksumAlgorithmCRC32C:
		p = f.crc32c
	case types.ChecksumAlgorithmCRC64NVME:
		p = f.crc64nvme
	case types.ChecksumAlgorithmSHA1:
		p = f.sha1
	case types.ChecksumAlgorithmSHA256:
		p = f.sha256
	}
	return aws.ToString(p)
}

func (f checksumFields) first() (string, types.ChecksumAlgorithm) {
	for _, c := range []struct {
		p *string
		a types.ChecksumAlgorithm
	}{
		{f.crc64nvme, types.ChecksumAlgorithmCRC64NVME},
		{f.crc32c, types.ChecksumAlgorithmCRC32C},
		{f.crc32, types.ChecksumAlgorithmCRC32},
		{f.sha256, types.ChecksumAlgorithmSHA256},
		{f.sha1, types.ChecksumAlgorithmSHA1},
	} {
		if c.p != nil && *c.p != "" {
			return *c.p, c.a
		}
	}
	return "", types.ChecksumAlgorithmNone
}

func (b *Backend) List(ctx context.Context, out chan<- types.ObjectDescriptor) error {
	paginator := awss3.NewListObjectsV2Paginator(b.api, &awss3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(b.prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("list objects: %w", classify(err))
		}
		for _, obj := range page.Contents {
			desc := types.ObjectDescriptor{
				Key:          b.relativeKey(aws.ToString(obj.Key)),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
				ETag:         aws.ToString(obj.ETag),
				IsLatest:     true,
			}
			select {
			case out <- desc:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

// ListVersions emits every version and delete marker under the prefix. The
// service returns versions and delete markers as two key-ordered lists per
// page; they are merged back into a single key-ordered stream.
func (b *Backend) ListVersions(ctx context.Context, out chan<- types.ObjectDescriptor) error {
	input := &awss3.ListObjectVersionsInput{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(b.prefix),
	}

	for {
		page, err := b.api.ListObjectVersions(ctx, input)
		if err != nil {
			return fmt.Errorf("list object versions: %w", classify(err))
		}

		descs := make([]types.ObjectDescriptor, 0, len(page.Versions)+len(page.DeleteMarkers))
		for _, v := range page.Versions {
			// Listing responses carry only the checksum algorithm, not the
			// value; Head fills values in when a comparison needs them.
			descs = append(descs, types.ObjectDescriptor{
				Key:          b.relativeKey(aws.ToString(v.Key)),
				Size:         aws.ToInt64(v.Size),
				LastModified: aws.ToTime(v.LastModified),
				ETag:         aws.ToString(v.ETag),
				VersionID:    aws.ToString(v.VersionId),
				IsLatest:     aws.ToBool(v.IsLatest),
			})
		}
		for _, m := range page.DeleteMarkers {
			descs = append(descs, types.ObjectDescriptor{
				Key:            b.relativeKey(aws.ToString(m.Key)),
				LastModified:   aws.ToTime(m.LastModified),
				VersionID:      aws.ToString(m.VersionId),
				IsLatest:       aws.ToBool(m.IsLatest),
				IsDeleteMarker: true,
			})
		}
		sortVersions(descs)

		for _, desc := range descs {
			select {
			case out <- desc:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if !aws.ToBool(page.IsTruncated) {
			break
		}
		input.KeyMarker = page.NextKeyMarker
		input.VersionIdMarker = page.NextVersionIdMarker
	}
	return nil
}

func sortVersions(descs []types.ObjectDescriptor) {
	// Stable insertion by key, oldest first within a key, so downstream
	// consumers see version history in chronological order.
	for i := 1; i < len(descs); i++ {
		for j := i; j > 0 && versionLess(descs[j], descs[j-1]); j-- {
			descs[j], descs[j-1] = descs[j-1], descs[j]
		}
	}
}

func versionLess(a, b types.ObjectDescriptor) bool {
	if a.Key != b.Key {
		return a.Key < b.Key
	}
	return a.LastModified.Before(b.LastModified)
}

func (b *Backend) Head(ctx context.Context, key, versionID string) (types.ObjectDescriptor, error) {
	input := &awss3.HeadObjectInput{
		Bucket:       aws.String(b.bucket),
		Key:          aws.String(b.fullKey(key)),
		ChecksumMode: s3types.ChecksumModeEnabled,
	}
	if versionID != "" {
		input.VersionId = aws.String(versionID)
	}
	out, err := b.api.HeadObject(ctx, input)
	if err != nil {
		return types.ObjectDescriptor{}, classify(err)
	}

	cs, csAlg := checksumFields{crc32: out.ChecksumCRC32, crc32c: out.ChecksumCRC32C, crc64nvme: out.ChecksumCRC64NVME, sha1: out.ChecksumSHA1, sha256: out.ChecksumSHA256}.first()
	return types.ObjectDescriptor{
		Key:               key,
		Size:              aws.ToInt64(out.ContentLength),
		LastModified:      aws.ToTime(out.LastModified),
		ETag:              aws.ToString(out.ETag),
		VersionID:         aws.ToString(out.VersionId),
		IsLatest:          versionID == "",
		Checksum:          cs,
		ChecksumAlgorithm: csAlg,
		ContentType:       aws.ToString(out.ContentType),
	}, nil
}

func (b *Backend) Get(ctx context.Context, key, versionID string, rng *types.ByteRange) (io.ReadCloser, types.ObjectDescriptor, error) {
	input := &awss3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.fullKey(key)),
	}
	if versionID != "" {
		input.VersionId = aws.String(versionID)
	}
	if rng != nil {
		input.Range = aws.String(fmt.Sprintf("bytes=%d-%d", rng.Start, rng.End-1))
	}
	out, err := b.api.GetObject(ctx, input)
	if err != nil {
		return nil, types.ObjectDescriptor{}, classify(err)
	}

	desc := types.ObjectDescriptor{
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		LastModified: aws.ToTime(out.LastModified),
		ETag:         aws.ToString(out.ETag),
		VersionID:    aws.ToString(out.VersionId),
		ContentType:  aws.ToString(out.ContentType),
	}
	return out.Body, desc, nil
}

func (b *Backend) Put(ctx context.Context, key string, body io.Reader, size int64, opts storage.PutOptions) (storage.PutResult, error) {
	input := &awss3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(b.fullKey(key)),
		Body:          body,
		ContentLength: aws.Int64(size),
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}
	if len(opts.Metadata) > 0 {
		input.Metadata = opts.Metadata
	}
	if opts.ChecksumAlgorithm != types.ChecksumAlgorithmNone {
		input.ChecksumAlgorithm = sdkAlgorithm(opts.ChecksumAlgorithm)
		// Pre-computed values let the service verify the payload in flight.
		if opts.PrecomputedChecksum != "" {
			switch opts.ChecksumAlgorithm {
			case types.ChecksumAlgorithmCRC32:
				input.ChecksumCRC32 = aws.String(opts.PrecomputedChecksum)
			case types.ChecksumAlgorithmCRC32C:
				input.ChecksumCRC32C = aws.String(opts.PrecomputedChecksum)
			case types.ChecksumAlgorithmCRC64NVME:
				input.ChecksumCRC64NVME = aws.String(opts.PrecomputedChecksum)
			case types.ChecksumAlgorithmSHA1:
				input.ChecksumSHA1 = aws.String(opts.PrecomputedChecksum)
			case types.ChecksumAlgorithmSHA256:
				input.ChecksumSHA256 = aws.String(opts.PrecomputedChecksum)
			}
		}
	}

	out, err := b.api.PutObject(ctx, input)
	if err != nil {
		return storage.PutResult{}, classify(err)
	}
	fields := checksumFields{crc32: out.ChecksumCRC32, crc32c: out.ChecksumCRC32C, crc64nvme: out.ChecksumCRC64NVME, sha1: out.ChecksumSHA1, sha256: out.ChecksumSHA256}
	return storage.PutResult{
		ETag:     aws.ToString(out.ETag),
		Checksum: fields.value(opts.ChecksumAlgorithm),
	}, nil
}

func (b *Backend) CreateMultipartUpload(ctx context.Context, key string, opts storage.PutOptions) (string, error) {
	input := &awss3.CreateMultipartUploadInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.fullKey(key)),
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}
	if len(opts.Metadata) > 0 {
		input.Metadata = opts.Metadata
	}
	if opts.ChecksumAlgorithm != types.ChecksumAlgorithmNone {
		input.ChecksumAlgorithm = sdkAlgorithm(opts.ChecksumAlgorithm)
		if opts.FullObjectChecksum {
			input.ChecksumType = s3types.ChecksumTypeFullObject
		}
	}

	out, err := b.api.CreateMultipartUpload(ctx, input)
	if err != nil {
		return "", classify(err)
	}
	return aws.ToString(out.UploadId), nil
}

func (b *Backend) UploadPart(ctx context.Context, key, uploadID string, partNumber int32, body io.Reader, size int64, opts storage.PutOptions) (storage.Part, error) {
	input := &awss3.UploadPartInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(b.fullKey(key)),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int32(partNumber),
		Body:          body,
		ContentLength: aws.Int64(size),
	}
	if opts.ChecksumAlgorithm != types.ChecksumAlgorithmNone {
		input.ChecksumAlgorithm = sdkAlgorithm(opts.ChecksumAlgorithm)
	}

	out, err := b.api.UploadPart(ctx, input)
	if err != nil {
		return storage.Part{}, classify(err)
	}
	fields := checksumFields{crc32: out.ChecksumCRC32, crc32c: out.ChecksumCRC32C, crc64nvme: out.ChecksumCRC64NVME, sha1: out.ChecksumSHA1, sha256: out.ChecksumSHA256}
	return storage.Part{
		PartNumber: partNumber,
		ETag:       aws.ToString(out.ETag),
		Checksum:   fields.value(opts.ChecksumAlgorithm),
	}, nil
}

func (b *Backend) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []storage.Part, opts storage.PutOptions) (storage.PutResult, error) {
	completed := make([]s3types.CompletedPart, 0, len(parts))
	for _, p := range parts {
		cp := s3types.CompletedPart{
			PartNumber: aws.Int32(p.PartNumber),
			ETag:       aws.String(p.ETag),
		}
		if p.Checksum != "" {
			switch opts.ChecksumAlgorithm {
			case types.ChecksumAlgorithmCRC32:
				cp.ChecksumCRC32 = aws.String(p.Checksum)
			case types.ChecksumAlgorithmCRC32C:
				cp.ChecksumCRC32C = aws.String(p.Checksum)
			case types.ChecksumAlgorithmCRC64NVME:
				cp.ChecksumCRC64NVME = aws.String(p.Checksum)
			case types.ChecksumAlgorithmSHA1:
				cp.ChecksumSHA1 = aws.String(p.Checksum)
			case types.ChecksumAlgorithmSHA256:
				cp.ChecksumSHA256 = aws.String(p.Checksum)
			}
		}
		completed = append(completed, cp)
	}

	out, err := b.api.CompleteMultipartUpload(ctx, &awss3.CompleteMultipartUploadInput{
		Bucket:          aws.String(b.bucket),
		Key:             aws.String(b.fullKey(key)),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &s3types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return storage.PutResult{}, classify(err)
	}
	fields := checksumFields{crc32: out.ChecksumCRC32, crc32c: out.ChecksumCRC32C, crc64nvme: out.ChecksumCRC64NVME, sha1: out.ChecksumSHA1, sha256: out.ChecksumSHA256}
	return storage.PutResult{
		ETag:     aws.ToString(out.ETag),
		Checksum: fields.value(opts.ChecksumAlgorithm),
	}, nil
}

func (b *Backend) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	_, err := b.api.AbortMultipartUpload(ctx, &awss3.AbortMultipartUploadInput{
		Bucket:   aws.String(b.bucket),
		Key:      aws.String(b.fullKey(key)),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		return classify(err)
	}
	return nil
}

func (b *Backend) Delete(ctx context.Context, key, versionID string) error {
	input := &awss3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.fullKey(key)),
	}
	if versionID != "" {
		input.VersionId = aws.String(versionID)
	}
	if _, err := b.api.DeleteObject(ctx, input); err != nil {
		return classify(err)
	}
	return nil
}

// VersioningEnabled reports whether the bucket has versioning enabled. The
// result is cached by callers; bucket versioning state rarely changes while
// a transfer runs.
func (b *Backend) VersioningEnabled(ctx context.Context) (bool, error) {
	out, err := b.api.GetBucketVersioning(ctx, &awss3.GetBucketVersioningInput{
		Bucket: aws.String(b.bucket),
	})
	if err != nil {
		return false, fmt.Errorf("get bucket versioning: %w", classify(err))
	}
	return out.Status == s3types.BucketVersioningStatusEnabled, nil
}
