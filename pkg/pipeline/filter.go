package pipeline

import (
	"fmt"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/objsync/objsync/pkg/types"
)

// Filter decides whether a comparison unit proceeds down the pipeline.
// Filters run in order; the first refusal wins and is reported with the
// filter's name.
type Filter interface {
	Name() string
	Allow(unit types.ComparisonUnit) (bool, error)
}

// MinSizeFilter refuses source objects smaller than Bytes.
type MinSizeFilter struct {
	Bytes int64
}

func (f MinSizeFilter) Name() string { return "min-size" }

func (f MinSizeFilter) Allow(unit types.ComparisonUnit) (bool, error) {
	return unit.Source == nil || unit.Source.Size >= f.Bytes, nil
}

// MaxSizeFilter refuses source objects larger than Bytes.
type MaxSizeFilter struct {
	Bytes int64
}

func (f MaxSizeFilter) Name() string { return "max-size" }

func (f MaxSizeFilter) Allow(unit types.ComparisonUnit) (bool, error) {
	return unit.Source == nil || unit.Source.Size <= f.Bytes, nil
}

// MtimeAfterFilter refuses source objects modified at or before T.
type MtimeAfterFilter struct {
	T time.Time
}

func (f MtimeAfterFilter) Name() string { return "mtime-after" }

func (f MtimeAfterFilter) Allow(unit types.ComparisonUnit) (bool, error) {
	return unit.Source == nil || unit.Source.LastModified.After(f.T), nil
}

// MtimeBeforeFilter refuses source objects modified at or after T.
type MtimeBeforeFilter struct {
	T time.Time
}

func (f MtimeBeforeFilter) Name() string { return "mtime-before" }

func (f MtimeBeforeFilter) Allow(unit types.ComparisonUnit) (bool, error) {
	return unit.Source == nil || unit.Source.LastModified.Before(f.T), nil
}

// IncludeFilter keeps only keys matching the glob pattern. Patterns use
// doublestar syntax, so `**` spans path separators.
type IncludeFilter struct {
	Pattern string
}

func (f IncludeFilter) Name() string { return "include" }

func (f IncludeFilter) Allow(unit types.ComparisonUnit) (bool, error) {
	ok, err := doublestar.Match(f.Pattern, unit.Key())
	if err != nil {
		return false, fmt.Errorf("include pattern %q: %w", f.Pattern, err)
	}
	return ok, nil
}

// ExcludeFilter refuses keys matching the glob pattern.
type ExcludeFilter struct {
	Pattern string
}

func (f ExcludeFilter) Name() string { return "exclude" }

func (f ExcludeFilter) Allow(unit types.ComparisonUnit) (bool, error) {
	ok, err := doublestar.Match(f.Pattern, unit.Key())
	if err != nil {
		return false, fmt.Errorf("exclude pattern %q: %w", f.Pattern, err)
	}
	return !ok, nil
}

// FuncFilter wraps a caller-supplied predicate.
type FuncFilter struct {
	FilterName string
	Fn         func(unit types.ComparisonUnit) (bool, error)
}

func (f FuncFilter) Name() string {
	if f.FilterName == "" {
		return "user"
	}
	return f.FilterName
}

func (f FuncFilter) Allow(unit types.ComparisonUnit) (bool, error) {
	return f.Fn(unit)
}
