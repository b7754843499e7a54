package pipeline

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/objsync/objsync/pkg/types"
)

// Mode selects which object set the pipeline reconstructs on the target.
type Mode string

const (
	// ModeStandard transfers the latest object set.
	ModeStandard Mode = "standard"
	// ModeVersioning replays the full version history of every key.
	ModeVersioning Mode = "versioning"
	// ModePointInTime reconstructs the object set as it existed at
	// Config.PointInTime.
	ModePointInTime Mode = "point-in-time"
)

// DiffMode selects how an existing target object is compared against its
// source counterpart.
type DiffMode string

const (
	DiffStandard DiffMode = "standard"
	DiffAlways   DiffMode = "always"
	DiffSize     DiffMode = "size"
	DiffETag     DiffMode = "etag"
	DiffChecksum DiffMode = "checksum"
)

const (
	defaultChannelCapacity    = 1000
	defaultWorkers            = 16
	defaultPartConcurrency    = 4
	defaultMultipartThreshold = 8 * 1024 * 1024
	defaultPartSize           = 8 * 1024 * 1024
	defaultRetryCount         = 5
	defaultRetryInterval      = 500 * time.Millisecond
)

// UploadRequest is handed to the preprocess hook before an object is
// written. The hook may adjust metadata or content type; returning
// ErrFilteredOut skips the object, returning types.ErrCancelled abandons
// this one upload without affecting the rest of the run.
type UploadRequest struct {
	Key         string
	Source      types.ObjectDescriptor
	ContentType string
	Metadata    map[string]string
}

// Config carries every knob of a pipeline run. The zero value is usable
// after withDefaults.
type Config struct {
	Mode        Mode
	PointInTime time.Time

	// Delete removes target objects that have no source counterpart. Only
	// valid in standard mode.
	Delete bool
	DryRun bool

	DiffMode DiffMode

	ChecksumAlgorithm  types.ChecksumAlgorithm
	FullObjectChecksum bool

	ChannelCapacity    int
	Workers            int
	PartConcurrency    int
	MultipartThreshold int64
	PartSize           int64

	RetryCount    int
	RetryInterval time.Duration

	WarnAsError                bool
	PreconditionCheck          bool
	PreconditionFailureIsError bool
	GuessContentType           bool

	Filters    []Filter
	Preprocess func(*UploadRequest) error

	// Logger defaults to a no-op logger when nil.
	Logger *zerolog.Logger
}

func (c Config) withDefaults() Config {
	if c.Mode == "" {
		c.Mode = ModeStandard
	}
	if c.DiffMode == "" {
		c.DiffMode = DiffStandard
	}
	if c.ChannelCapacity <= 0 {
		c.ChannelCapacity = defaultChannelCapacity
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.PartConcurrency <= 0 {
		c.PartConcurrency = defaultPartConcurrency
	}
	if c.MultipartThreshold <= 0 {
		c.MultipartThreshold = defaultMultipartThreshold
	}
	if c.PartSize <= 0 {
		c.PartSize = defaultPartSize
	}
	// RetryCount counts attempts after the first; negative disables retries.
	if c.RetryCount == 0 {
		c.RetryCount = defaultRetryCount
	} else if c.RetryCount < 0 {
		c.RetryCount = 0
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = defaultRetryInterval
	}
	// Version history must land on the target in chronological order, so
	// the history modes transfer with a single worker.
	if c.Mode == ModeVersioning {
		c.Workers = 1
	}
	return c
}

func (c Config) validate() error {
	switch c.Mode {
	case ModeStandard, ModeVersioning, ModePointInTime:
	default:
		return fmt.Errorf("unknown mode %q", c.Mode)
	}
	switch c.DiffMode {
	case DiffStandard, DiffAlways, DiffSize, DiffETag, DiffChecksum:
	default:
		return fmt.Errorf("unknown diff mode %q", c.DiffMode)
	}
	if c.Mode == ModePointInTime && c.PointInTime.IsZero() {
		return fmt.Errorf("point-in-time mode requires a timestamp")
	}
	if c.Delete && c.Mode != ModeStandard {
		return fmt.Errorf("delete is only supported in standard mode")
	}
	if c.FullObjectChecksum {
		switch c.ChecksumAlgorithm {
		case types.ChecksumAlgorithmCRC32, types.ChecksumAlgorithmCRC32C, types.ChecksumAlgorithmCRC64NVME:
		default:
			return fmt.Errorf("full-object checksum is not supported for %s", c.ChecksumAlgorithm)
		}
	}
	return nil
}
