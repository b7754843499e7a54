package pipeline

import (
	"context"
	"fmt"

	"github.com/objsync/objsync/pkg/events"
	"github.com/objsync/objsync/pkg/types"
)

// deleteWorker removes target objects whose key no longer exists on the
// source. It consumes target-only units routed off the aggregated stream.
func (p *Pipeline) deleteWorker(ctx context.Context, in <-chan types.ComparisonUnit) error {
	for {
		select {
		case unit, ok := <-in:
			if !ok {
				return nil
			}
			if err := p.deleteOne(ctx, unit); err != nil {
				if stop := p.recordFailure(unit.Key(), err); stop {
					return err
				}
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *Pipeline) deleteOne(ctx context.Context, unit types.ComparisonUnit) error {
	tgt := *unit.Target
	if !p.cfg.DryRun {
		err := p.withRetry(ctx, tgt.Key, func() error {
			return p.target.Delete(ctx, tgt.Key, "")
		})
		if err != nil {
			return fmt.Errorf("delete %s: %w", tgt.Key, err)
		}
	}

	p.stats.Send(types.SyncStatistics{Kind: types.StatDelete, Key: tgt.Key})
	p.events.Emit(events.Data{
		Type:               events.SyncDelete,
		Key:                tgt.Key,
		TargetVersionID:    tgt.VersionID,
		TargetLastModified: tgt.LastModified,
		TargetSize:         tgt.Size,
	})
	p.log.Debug().Str("key", tgt.Key).Msg("deleted")
	return nil
}
