// Package pipeline implements the concurrent transfer engine. A run wires
// listing, aggregation, filtering, diff detection and transfer stages
// together with bounded channels; statistics flow out of every stage
// through an unbounded collector so no stage ever blocks on accounting.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/objsync/objsync/pkg/checksum"
	"github.com/objsync/objsync/pkg/events"
	"github.com/objsync/objsync/pkg/fault"
	"github.com/objsync/objsync/pkg/storage"
	"github.com/objsync/objsync/pkg/types"
)

// ErrRunFailed reports a run that finished but accumulated errors, or
// warnings under warn-as-error.
var ErrRunFailed = errors.New("completed with errors")

// Pipeline is one configured transfer between a source and a target.
type Pipeline struct {
	cfg      Config
	source   storage.Storage
	target   storage.Storage
	events   *events.Manager
	token    *types.CancelToken
	injector fault.Injector
	detector DiffDetector
	stats    *statsCollector
	log      zerolog.Logger
	bufPool  *sync.Pool
}

// Option adjusts optional pipeline collaborators.
type Option func(*Pipeline)

// WithEvents attaches an event manager. Register listeners before Run.
func WithEvents(m *events.Manager) Option {
	return func(p *Pipeline) { p.events = m }
}

// WithCancelToken shares an external cancellation token, typically wired to
// a signal handler.
func WithCancelToken(t *types.CancelToken) Option {
	return func(p *Pipeline) { p.token = t }
}

// WithInjector installs a fault injector.
func WithInjector(i fault.Injector) Option {
	return func(p *Pipeline) { p.injector = i }
}

// New validates cfg and builds a pipeline from source to target.
func New(cfg Config, source, target storage.Storage, opts ...Option) (*Pipeline, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, types.NewPipelineError(types.SeverityFatal, "", err)
	}

	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}

	partSize := cfg.PartSize
	p := &Pipeline{
		cfg:      cfg,
		source:   source,
		target:   target,
		events:   events.NewManager(),
		token:    types.NewCancelToken(),
		injector: fault.None,
		detector: NewDiffDetector(cfg),
		log:      log,
		bufPool: &sync.Pool{New: func() any {
			b := make([]byte, partSize)
			return &b
		}},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Token exposes the cancellation token of this run.
func (p *Pipeline) Token() *types.CancelToken { return p.token }

// Run executes the transfer and returns the aggregated statistics. The
// returned error is nil only for a fully clean run; a cancelled run
// carries types.ErrCancelled, a failed run ErrRunFailed or the fatal
// error that stopped it.
func (p *Pipeline) Run(ctx context.Context) (types.Report, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-p.token.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	p.stats = newStatsCollector()
	p.events.Emit(events.Data{Type: events.PipelineStart})

	var runErr error
	if p.cfg.Mode != ModeStandard {
		enabled, err := p.source.VersioningEnabled(ctx)
		if err != nil {
			runErr = types.NewPipelineError(types.SeverityFatal, "", fmt.Errorf("check source versioning: %w", err))
		} else if !enabled {
			runErr = types.NewPipelineError(types.SeverityFatal, "", types.ErrVersioningRequired)
		}
	}

	if runErr == nil {
		g, gctx := errgroup.WithContext(ctx)
		switch p.cfg.Mode {
		case ModeVersioning:
			p.wireVersioning(g, gctx)
		case ModePointInTime:
			p.wirePointInTime(g, gctx)
		default:
			p.wireStandard(g, gctx)
		}
		runErr = g.Wait()
	}

	report := p.stats.Close()
	p.events.Emit(events.Data{Type: events.PipelineEnd})

	if p.token.Cancelled() || types.IsCancelled(runErr) || errors.Is(runErr, context.Canceled) {
		if !types.IsCancelled(runErr) {
			runErr = types.ErrCancelled
		}
		return report, runErr
	}
	if runErr != nil {
		p.token.Cancel()
		return report, runErr
	}
	if report.Errors > 0 || (p.cfg.WarnAsError && report.Warnings > 0) {
		return report, fmt.Errorf("%w: %d errors, %d warnings", ErrRunFailed, report.Errors, report.Warnings)
	}
	return report, nil
}

func (p *Pipeline) wireStandard(g *errgroup.Group, ctx context.Context) {
	capacity := p.cfg.ChannelCapacity
	srcCh := make(chan types.ObjectDescriptor, capacity)
	tgtCh := make(chan types.ObjectDescriptor, capacity)
	units := make(chan types.ComparisonUnit, capacity)
	syncCh := make(chan types.ComparisonUnit, capacity)
	var delCh chan types.ComparisonUnit
	if p.cfg.Delete {
		delCh = make(chan types.ComparisonUnit, capacity)
	}

	g.Go(func() error {
		defer close(srcCh)
		return p.fatal("list source", p.source.List(ctx, srcCh))
	})
	g.Go(func() error {
		defer close(tgtCh)
		return p.fatal("list target", p.target.List(ctx, tgtCh))
	})
	g.Go(func() error {
		defer close(units)
		return aggregate(ctx, srcCh, tgtCh, units)
	})
	g.Go(func() error {
		defer close(syncCh)
		if delCh != nil {
			defer close(delCh)
		}
		return p.decide(ctx, units, syncCh, delCh)
	})
	for i := 0; i < p.cfg.Workers; i++ {
		g.Go(func() error { return p.syncWorker(ctx, syncCh) })
	}
	if delCh != nil {
		for i := 0; i < p.cfg.Workers; i++ {
			g.Go(func() error { return p.deleteWorker(ctx, delCh) })
		}
	}
}

func (p *Pipeline) wireVersioning(g *errgroup.Group, ctx context.Context) {
	capacity := p.cfg.ChannelCapacity
	verCh := make(chan types.ObjectDescriptor, capacity)
	packed := make(chan types.ComparisonUnit, capacity)
	syncCh := make(chan types.ComparisonUnit, capacity)

	g.Go(func() error {
		defer close(verCh)
		return p.fatal("list source versions", p.source.ListVersions(ctx, verCh))
	})
	g.Go(func() error {
		defer close(packed)
		return packVersions(ctx, verCh, packed)
	})
	g.Go(func() error {
		defer close(syncCh)
		return p.decide(ctx, packed, syncCh, nil)
	})
	// Workers is forced to one in this mode so history lands in
	// chronological order.
	for i := 0; i < p.cfg.Workers; i++ {
		g.Go(func() error { return p.syncWorker(ctx, syncCh) })
	}
}

func (p *Pipeline) wirePointInTime(g *errgroup.Group, ctx context.Context) {
	capacity := p.cfg.ChannelCapacity
	verCh := make(chan types.ObjectDescriptor, capacity)
	pitCh := make(chan types.ObjectDescriptor, capacity)
	tgtCh := make(chan types.ObjectDescriptor, capacity)
	units := make(chan types.ComparisonUnit, capacity)
	syncCh := make(chan types.ComparisonUnit, capacity)

	g.Go(func() error {
		defer close(verCh)
		return p.fatal("list source versions", p.source.ListVersions(ctx, verCh))
	})
	g.Go(func() error {
		defer close(pitCh)
		return packPointInTime(ctx, p.cfg.PointInTime, verCh, pitCh, func(key string) {
			p.stats.Send(types.SyncStatistics{Kind: types.StatSkip, Key: key})
			p.events.Emit(events.Data{Type: events.SyncFiltered, Key: key, Message: "absent at point in time"})
		})
	})
	g.Go(func() error {
		defer close(tgtCh)
		return p.fatal("list target", p.target.List(ctx, tgtCh))
	})
	g.Go(func() error {
		defer close(units)
		return aggregate(ctx, pitCh, tgtCh, units)
	})
	g.Go(func() error {
		defer close(syncCh)
		return p.decide(ctx, units, syncCh, nil)
	})
	for i := 0; i < p.cfg.Workers; i++ {
		g.Go(func() error { return p.syncWorker(ctx, syncCh) })
	}
}

// fatal promotes a stage failure to pipeline-wide cancellation. Stage
// errors are never object-level; a lister that cannot finish leaves the
// comparison incomplete.
func (p *Pipeline) fatal(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || types.IsCancelled(err) {
		return err
	}
	p.token.Cancel()
	return types.NewPipelineError(types.SeverityFatal, "", fmt.Errorf("%s: %w", op, err))
}

// decide applies the filter chain and the diff detector, then routes units
// to the transfer or deletion workers. Filter and detector failures are
// object-level errors, counted and dropped here.
func (p *Pipeline) decide(ctx context.Context, in <-chan types.ComparisonUnit, syncCh, delCh chan<- types.ComparisonUnit) error {
	forward := func(ch chan<- types.ComparisonUnit, unit types.ComparisonUnit) error {
		select {
		case ch <- unit:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for {
		var unit types.ComparisonUnit
		var ok bool
		select {
		case unit, ok = <-in:
			if !ok {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}

		if unit.Source == nil {
			if delCh != nil {
				if allowed := p.applyFilters(unit); allowed {
					if err := forward(delCh, unit); err != nil {
						return err
					}
				}
			}
			continue
		}

		// Delete markers bypass the chain; size and time filters are about
		// object content and would strip history replay of its deletions.
		if !unit.Source.IsDeleteMarker && !p.applyFilters(unit) {
			continue
		}

		if unit.Target != nil && !unit.Source.IsDeleteMarker {
			if err := p.enrichForDiff(ctx, unit); err != nil {
				p.recordFailure(unit.Key(), fmt.Errorf("diff %s: %w", unit.Key(), err))
				continue
			}
			different, err := p.detector.IsDifferent(*unit.Source, *unit.Target)
			if err != nil {
				p.recordFailure(unit.Key(), fmt.Errorf("diff %s: %w", unit.Key(), err))
				continue
			}
			if !different {
				p.filtered(unit, p.detector.Name(), "up to date")
				continue
			}
		}

		if err := forward(syncCh, unit); err != nil {
			return err
		}
	}
}

// enrichForDiff fills in the fields the configured detector compares when
// the listing did not carry them. Listings are sparse: the fs backend reports
// an ETag only from Head, and S3 reports checksum values only from Head with
// checksum mode enabled.
func (p *Pipeline) enrichForDiff(ctx context.Context, unit types.ComparisonUnit) error {
	sides := []struct {
		store storage.Storage
		desc  *types.ObjectDescriptor
	}{
		{p.source, unit.Source},
		{p.target, unit.Target},
	}

	switch p.cfg.DiffMode {
	case DiffETag:
		for _, s := range sides {
			if s.desc.ETag != "" {
				continue
			}
			head, err := s.store.Head(ctx, s.desc.Key, s.desc.VersionID)
			if err != nil {
				return fmt.Errorf("head %s: %w", s.desc.Key, err)
			}
			s.desc.ETag = head.ETag
		}
	case DiffChecksum:
		for _, s := range sides {
			if s.desc.Checksum != "" {
				continue
			}
			head, err := s.store.Head(ctx, s.desc.Key, s.desc.VersionID)
			if err != nil {
				return fmt.Errorf("head %s: %w", s.desc.Key, err)
			}
			if head.Checksum != "" {
				s.desc.Checksum = head.Checksum
				s.desc.ChecksumAlgorithm = head.ChecksumAlgorithm
				continue
			}
			cs, err := p.checksumOf(ctx, s.store, s.desc)
			if err != nil {
				return err
			}
			s.desc.Checksum = cs
			s.desc.ChecksumAlgorithm = p.cfg.ChecksumAlgorithm
		}
	}
	return nil
}

// checksumOf hashes an object with the configured algorithm for backends
// that store no checksum. The part layout follows the transfer configuration
// so the value matches what transferring the same bytes would report.
func (p *Pipeline) checksumOf(ctx context.Context, store storage.Storage, desc *types.ObjectDescriptor) (string, error) {
	if p.cfg.ChecksumAlgorithm == types.ChecksumAlgorithmNone {
		return "", nil
	}

	rc, _, err := store.Get(ctx, desc.Key, desc.VersionID, nil)
	if err != nil {
		return "", fmt.Errorf("get %s: %w", desc.Key, err)
	}
	defer rc.Close()

	h, err := checksum.New(p.cfg.ChecksumAlgorithm, p.cfg.FullObjectChecksum)
	if err != nil {
		return "", err
	}
	if desc.Size < p.cfg.MultipartThreshold {
		if _, err := io.Copy(h, rc); err != nil {
			return "", fmt.Errorf("hash %s: %w", desc.Key, err)
		}
		return h.Finalize(), nil
	}

	buf := make([]byte, p.cfg.PartSize)
	for {
		n, err := io.ReadFull(rc, buf)
		if n > 0 {
			if _, werr := h.Write(buf[:n]); werr != nil {
				return "", werr
			}
			h.Finalize()
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("hash %s: %w", desc.Key, err)
		}
	}
	return h.FinalizeAll(), nil
}

// applyFilters runs the chain in order; the first refusal wins. A filter
// error counts against the run and drops the unit.
func (p *Pipeline) applyFilters(unit types.ComparisonUnit) bool {
	for _, f := range p.cfg.Filters {
		allowed, err := f.Allow(unit)
		if err != nil {
			p.recordFailure(unit.Key(), fmt.Errorf("filter %s on %s: %w", f.Name(), unit.Key(), err))
			return false
		}
		if !allowed {
			p.filtered(unit, f.Name(), "excluded")
			return false
		}
	}
	return true
}

// filtered accounts for a unit that leaves the pipeline without a transfer.
func (p *Pipeline) filtered(unit types.ComparisonUnit, name, reason string) {
	p.stats.Send(types.SyncStatistics{Kind: types.StatSkip, Key: unit.Key()})
	data := events.Data{
		Type:    events.SyncFiltered,
		Key:     unit.Key(),
		Message: fmt.Sprintf("%s: %s", name, reason),
	}
	if unit.Source != nil {
		data.SourceVersionID = unit.Source.VersionID
		data.SourceLastModified = unit.Source.LastModified
		data.SourceSize = unit.Source.Size
	}
	if unit.Target != nil {
		data.TargetVersionID = unit.Target.VersionID
		data.TargetLastModified = unit.Target.LastModified
		data.TargetSize = unit.Target.Size
	}
	p.events.Emit(data)
	p.log.Debug().Str("key", unit.Key()).Str("filter", name).Str("reason", reason).Msg("filtered")
}
