package storage

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/objsync/objsync/pkg/types"
)

// ETagForParts reproduces the S3 entity-tag convention. With zero parts the
// data is a single-part object and the ETag is its plain MD5; otherwise the
// MD5 digests of the parts are concatenated in part order, re-hashed, and
// suffixed with the part count.
func ETagForParts(partDigests [][]byte, partsCount int) string {
	if partsCount == 0 {
		var concat []byte
		for _, d := range partDigests {
			concat = append(concat, d...)
		}
		return fmt.Sprintf("\"%s\"", hex.EncodeToString(concat))
	}

	h := md5.New()
	for _, d := range partDigests {
		h.Write(d)
	}
	return fmt.Sprintf("\"%s-%d\"", hex.EncodeToString(h.Sum(nil)), partsCount)
}

// ETagForReader computes the ETag a backend would assign to the bytes of r,
// given the multipart threshold and part size of the transfer configuration.
func ETagForReader(r io.Reader, size int64, partSize, multipartThreshold int64) (string, error) {
	if size < multipartThreshold {
		h := md5.New()
		if _, err := io.Copy(h, r); err != nil {
			return "", fmt.Errorf("hash object: %w", err)
		}
		return ETagForParts([][]byte{h.Sum(nil)}, 0), nil
	}

	var digests [][]byte
	remaining := size
	for remaining > 0 {
		n := partSize
		if remaining < n {
			n = remaining
		}
		h := md5.New()
		if _, err := io.CopyN(h, r, n); err != nil {
			return "", fmt.Errorf("hash part: %w", err)
		}
		digests = append(digests, h.Sum(nil))
		remaining -= n
	}
	return ETagForParts(digests, len(digests)), nil
}

// ETagForFile computes the ETag convention value for a local file.
func ETagForFile(path string, partSize, multipartThreshold int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", path, err)
	}
	return ETagForReader(f, info.Size(), partSize, multipartThreshold)
}

// ETagsComparable reports whether two entity tags can be compared for
// equality. Both must be present and of the same form; a multipart tag
// never equals a plain MD5 even for identical bytes. With allowMultipart
// false, multipart tags are rejected outright.
func ETagsComparable(source, target string, allowMultipart bool) bool {
	if source == "" || target == "" {
		return false
	}
	srcMulti := types.IsMultipartETag(source)
	tgtMulti := types.IsMultipartETag(target)
	if srcMulti != tgtMulti {
		return false
	}
	if !allowMultipart && srcMulti {
		return false
	}
	return true
}
