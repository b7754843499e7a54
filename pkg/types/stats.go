package types

// StatKind tags a SyncStatistics event.
type StatKind int

const (
	StatComplete StatKind = iota
	StatBytes
	StatError
	StatSkip
	StatDelete
	StatWarning
	StatETagVerified
	StatChecksumVerified
)

func (k StatKind) String() string {
	switch k {
	case StatComplete:
		return "complete"
	case StatBytes:
		return "bytes"
	case StatError:
		return "error"
	case StatSkip:
		return "skip"
	case StatDelete:
		return "delete"
	case StatWarning:
		return "warning"
	case StatETagVerified:
		return "etag_verified"
	case StatChecksumVerified:
		return "checksum_verified"
	}
	return "unknown"
}

// SyncStatistics is one immutable accounting event. Any stage may produce
// them; only the statistics collector consumes them.
type SyncStatistics struct {
	Kind  StatKind
	Key   string
	Bytes uint64
}

// Report is the aggregate outcome of one pipeline run.
type Report struct {
	Completed        uint64
	Skipped          uint64
	Deleted          uint64
	Errors           uint64
	Warnings         uint64
	ETagVerified     uint64
	ChecksumVerified uint64
	TransferredBytes uint64
}

// Apply folds one statistics event into the report.
func (r *Report) Apply(s SyncStatistics) {
	switch s.Kind {
	case StatComplete:
		r.Completed++
	case StatBytes:
		r.TransferredBytes += s.Bytes
	case StatError:
		r.Errors++
	case StatSkip:
		r.Skipped++
	case StatDelete:
		r.Deleted++
	case StatWarning:
		r.Warnings++
	case StatETagVerified:
		r.ETagVerified++
	case StatChecksumVerified:
		r.ChecksumVerified++
	}
}
