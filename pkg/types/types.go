// Package types holds the data model shared by every pipeline stage:
// object descriptors, comparison units, statistics events, the error
// taxonomy and the cancellation token.
package types

import (
	"strings"
	"time"
)

// ChecksumAlgorithm identifies one of the checksum algorithms supported by
// the transfer and verification paths.
type ChecksumAlgorithm string

const (
	ChecksumAlgorithmNone      ChecksumAlgorithm = ""
	ChecksumAlgorithmCRC32     ChecksumAlgorithm = "CRC32"
	ChecksumAlgorithmCRC32C    ChecksumAlgorithm = "CRC32C"
	ChecksumAlgorithmCRC64NVME ChecksumAlgorithm = "CRC64NVME"
	ChecksumAlgorithmSHA1      ChecksumAlgorithm = "SHA1"
	ChecksumAlgorithmSHA256    ChecksumAlgorithm = "SHA256"
)

// ParseChecksumAlgorithm maps a user-supplied name to a ChecksumAlgorithm.
// The empty string means "no additional checksum".
func ParseChecksumAlgorithm(s string) (ChecksumAlgorithm, bool) {
	switch strings.ToUpper(s) {
	case "":
		return ChecksumAlgorithmNone, true
	case "CRC32":
		return ChecksumAlgorithmCRC32, true
	case "CRC32C":
		return ChecksumAlgorithmCRC32C, true
	case "CRC64NVME":
		return ChecksumAlgorithmCRC64NVME, true
	case "SHA1":
		return ChecksumAlgorithmSHA1, true
	case "SHA256":
		return ChecksumAlgorithmSHA256, true
	}
	return ChecksumAlgorithmNone, false
}

// ObjectDescriptor is an immutable metadata snapshot of one object (or one
// object version) captured at listing time. Descriptors are passed by value
// between stages and never mutated after creation.
type ObjectDescriptor struct {
	Key          string
	Size         int64
	LastModified time.Time
	ETag         string

	// Version fields are zero unless the descriptor came from a version
	// listing.
	VersionID      string
	IsLatest       bool
	IsDeleteMarker bool

	// Checksum is the value the backend reported for the object, base64
	// encoded in the algorithm's canonical form, possibly with the composite
	// "-<parts>" suffix. Empty when the backend reported none.
	Checksum          string
	ChecksumAlgorithm ChecksumAlgorithm

	ContentType string
}

// ComparisonUnit pairs the source and target view of one key (and, in
// versioned mode, one version). A nil side means the key is absent there.
// A unit is created by the key aggregator or a packer and consumed exactly
// once by the decision logic downstream.
type ComparisonUnit struct {
	Source *ObjectDescriptor
	Target *ObjectDescriptor
}

// Key returns the object key of whichever side is present.
func (u ComparisonUnit) Key() string {
	if u.Source != nil {
		return u.Source.Key
	}
	if u.Target != nil {
		return u.Target.Key
	}
	return ""
}

// ByteRange selects a half-open byte range [Start, End) of an object.
type ByteRange struct {
	Start int64
	End   int64
}

// IsMultipartETag reports whether an entity tag carries the "-<parts>"
// suffix S3 assigns to multipart uploads.
func IsMultipartETag(etag string) bool {
	return strings.Contains(NormalizeETag(etag), "-")
}

// NormalizeETag strips the surrounding quotes an S3 ETag is delivered with.
func NormalizeETag(etag string) string {
	return strings.Trim(etag, `"`)
}
