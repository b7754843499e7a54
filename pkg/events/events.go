// Package events delivers domain events (pipeline lifecycle, transfer
// outcomes, verification results) to registered listeners. Delivery is
// serial and synchronous: a slow listener stalls the pipeline, so listeners
// must return promptly.
package events

import (
	"time"

	"github.com/objsync/objsync/pkg/types"
)

// Type identifies one domain event. Types form a set via bitwise masks so a
// listener subscribes with O(1) membership tests.
type Type uint64

const (
	PipelineStart Type = 1 << iota
	PipelineEnd
	SyncComplete
	SyncDelete
	SyncFiltered
	ETagVerified
	ETagMismatch
	ChecksumVerified
	ChecksumMismatch
	PipelineError

	// AllEvents subscribes a listener to every event type.
	AllEvents Type = 1<<64 - 1
)

func (t Type) String() string {
	switch t {
	case PipelineStart:
		return "pipeline_start"
	case PipelineEnd:
		return "pipeline_end"
	case SyncComplete:
		return "sync_complete"
	case SyncDelete:
		return "sync_delete"
	case SyncFiltered:
		return "sync_filtered"
	case ETagVerified:
		return "etag_verified"
	case ETagMismatch:
		return "etag_mismatch"
	case ChecksumVerified:
		return "checksum_verified"
	case ChecksumMismatch:
		return "checksum_mismatch"
	case PipelineError:
		return "pipeline_error"
	}
	return "unknown"
}

// Contains reports whether t includes every bit of other.
func (t Type) Contains(other Type) bool { return t&other == other }

// Data carries the payload of one event. Fields not applicable to the event
// type are left zero.
type Data struct {
	Type Type
	Key  string

	SourceVersionID    string
	TargetVersionID    string
	SourceLastModified time.Time
	TargetLastModified time.Time
	SourceSize         int64
	TargetSize         int64

	ChecksumAlgorithm types.ChecksumAlgorithm
	SourceChecksum    string
	TargetChecksum    string
	SourceETag        string
	TargetETag        string

	Message string
}

// Listener receives events. Implementations must not block.
type Listener func(Data)

type subscription struct {
	mask Type
	fn   Listener
}

// Manager fans events out to zero or more listeners in registration order.
// Register all listeners before the pipeline starts; Manager is not safe for
// concurrent registration.
type Manager struct {
	subs []subscription
}

func NewManager() *Manager {
	return &Manager{}
}

// Register subscribes fn to the event types in mask.
func (m *Manager) Register(mask Type, fn Listener) {
	m.subs = append(m.subs, subscription{mask: mask, fn: fn})
}

// Emit delivers data to every listener whose mask includes data.Type.
func (m *Manager) Emit(data Data) {
	if m == nil {
		return
	}
	for _, s := range m.subs {
		if s.mask.Contains(data.Type) {
			s.fn(data)
		}
	}
}
