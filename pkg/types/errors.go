package types

import (
	"errors"
	"fmt"
)

// Severity classifies a pipeline error.
//
// Warning: object-level and recoverable; counted, fails the run only when
// warn-as-error is configured. Error: object-level; counted, run is reported
// failed at the end but processing continues. Fatal: stage-level; triggers
// pipeline-wide cancellation. Cancelled: the run was cancelled; on its own it
// does not mark the run as failed.
type Severity int

const (
	SeverityWarning Severity = iota
	SeverityError
	SeverityFatal
	SeverityCancelled
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityFatal:
		return "fatal"
	case SeverityCancelled:
		return "cancelled"
	}
	return "unknown"
}

// ErrCancelled is the distinguished error kind a filter or preprocess hook
// returns to cancel a single upload without failing the run. It is also
// produced when the pipeline observes its cancellation token.
var ErrCancelled = errors.New("cancelled")

// ErrRetryable marks transient failures that should be retried at a fixed
// interval before terminal classification. Wrap with Retryable.
var ErrRetryable = errors.New("retryable")

// ErrPreconditionFailed marks a target that changed between the transfer
// decision and the write. Downgraded to Warning unless configured otherwise.
var ErrPreconditionFailed = errors.New("precondition failed")

// ErrVersioningRequired is the fail-fast configuration error raised when a
// versioned operation targets a source without version history.
var ErrVersioningRequired = errors.New("versioning must be enabled on the source")

// PipelineError attaches a Severity to an underlying error.
type PipelineError struct {
	Severity Severity
	Key      string
	Err      error
}

func (e *PipelineError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s: key=%s: %v", e.Severity, e.Key, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Severity, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// NewPipelineError wraps err with a severity and the key it concerns.
func NewPipelineError(severity Severity, key string, err error) *PipelineError {
	return &PipelineError{Severity: severity, Key: key, Err: err}
}

// Retryable marks err as transient.
func Retryable(err error) error {
	return fmt.Errorf("%w: %w", ErrRetryable, err)
}

// IsRetryable reports whether err (or anything it wraps) is transient.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRetryable)
}

// IsCancelled reports whether err is the distinguished cancelled kind.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

// SeverityOf extracts the severity of err, defaulting to SeverityError for
// plain errors and SeverityCancelled for the cancelled kind.
func SeverityOf(err error) Severity {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Severity
	}
	if IsCancelled(err) {
		return SeverityCancelled
	}
	return SeverityError
}
