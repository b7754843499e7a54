package pipeline

import (
	"context"
	"sort"
	"time"

	"github.com/objsync/objsync/pkg/types"
)

// packVersions groups the key-ordered version stream by key and emits one
// unit per version in chronological order, delete markers included. The
// stable sort preserves the listing order of versions that share a
// timestamp.
func packVersions(ctx context.Context, in <-chan types.ObjectDescriptor, out chan<- types.ComparisonUnit) error {
	emit := func(group []types.ObjectDescriptor) error {
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].LastModified.Before(group[j].LastModified)
		})
		for i := range group {
			select {
			case out <- types.ComparisonUnit{Source: &group[i]}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}

	var group []types.ObjectDescriptor
	for {
		select {
		case desc, ok := <-in:
			if !ok {
				if len(group) > 0 {
					return emit(group)
				}
				return nil
			}
			if len(group) > 0 && group[0].Key != desc.Key {
				if err := emit(group); err != nil {
					return err
				}
				group = nil
			}
			group = append(group, desc)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// packPointInTime reduces each key's history to the single version that was
// current at the instant t. A key whose newest version at t is a delete
// marker, or that has no version at or before t, did not exist then and is
// dropped through the onAbsent callback.
func packPointInTime(ctx context.Context, t time.Time, in <-chan types.ObjectDescriptor, out chan<- types.ObjectDescriptor, onAbsent func(key string)) error {
	emit := func(group []types.ObjectDescriptor) error {
		var chosen *types.ObjectDescriptor
		for i := range group {
			v := &group[i]
			if v.LastModified.After(t) {
				continue
			}
			// Listing order within a key is chronological, so on a
			// timestamp tie the later entry is the newer version.
			if chosen == nil || !v.LastModified.Before(chosen.LastModified) {
				chosen = v
			}
		}
		if chosen == nil || chosen.IsDeleteMarker {
			onAbsent(group[0].Key)
			return nil
		}
		select {
		case out <- *chosen:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var group []types.ObjectDescriptor
	for {
		select {
		case desc, ok := <-in:
			if !ok {
				if len(group) > 0 {
					return emit(group)
				}
				return nil
			}
			if len(group) > 0 && group[0].Key != desc.Key {
				if err := emit(group); err != nil {
					return err
				}
				group = nil
			}
			group = append(group, desc)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
