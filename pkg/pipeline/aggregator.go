package pipeline

import (
	"context"

	"github.com/objsync/objsync/pkg/types"
)

// aggregate merge-joins the two listing streams into comparison units.
// Both inputs must arrive in ascending key order; the join then needs only
// one descriptor of lookahead per stream. Keys present on both sides pair
// up, source-only keys become new-object units, target-only keys become
// candidate deletions.
func aggregate(ctx context.Context, source, target <-chan types.ObjectDescriptor, out chan<- types.ComparisonUnit) error {
	recv := func(ch <-chan types.ObjectDescriptor) (*types.ObjectDescriptor, error) {
		select {
		case desc, ok := <-ch:
			if !ok {
				return nil, nil
			}
			return &desc, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	send := func(unit types.ComparisonUnit) error {
		select {
		case out <- unit:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	src, err := recv(source)
	if err != nil {
		return err
	}
	tgt, err := recv(target)
	if err != nil {
		return err
	}

	for src != nil && tgt != nil {
		switch {
		case src.Key == tgt.Key:
			if err := send(types.ComparisonUnit{Source: src, Target: tgt}); err != nil {
				return err
			}
			if src, err = recv(source); err != nil {
				return err
			}
			if tgt, err = recv(target); err != nil {
				return err
			}
		case src.Key < tgt.Key:
			if err := send(types.ComparisonUnit{Source: src}); err != nil {
				return err
			}
			if src, err = recv(source); err != nil {
				return err
			}
		default:
			if err := send(types.ComparisonUnit{Target: tgt}); err != nil {
				return err
			}
			if tgt, err = recv(target); err != nil {
				return err
			}
		}
	}
	for src != nil {
		if err := send(types.ComparisonUnit{Source: src}); err != nil {
			return err
		}
		if src, err = recv(source); err != nil {
			return err
		}
	}
	for tgt != nil {
		if err := send(types.ComparisonUnit{Target: tgt}); err != nil {
			return err
		}
		if tgt, err = recv(target); err != nil {
			return err
		}
	}
	return nil
}
