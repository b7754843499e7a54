package pipeline

import (
	"bytes"
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/objsync/objsync/pkg/checksum"
	"github.com/objsync/objsync/pkg/events"
	"github.com/objsync/objsync/pkg/storage"
	"github.com/objsync/objsync/pkg/types"
)

// ErrFilteredOut is returned by a preprocess hook to skip the object it was
// given. The skip is counted and reported like any other filter refusal.
var ErrFilteredOut = errors.New("filtered out")

func (p *Pipeline) syncWorker(ctx context.Context, in <-chan types.ComparisonUnit) error {
	for {
		select {
		case unit, ok := <-in:
			if !ok {
				return nil
			}
			if err := p.syncOne(ctx, unit); err != nil {
				if stop := p.recordFailure(unit.Key(), err); stop {
					return err
				}
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// recordFailure folds an object-level failure into statistics and events.
// It reports true when the worker must stop, which happens on cancellation
// and on fatal errors after the token has been tripped.
func (p *Pipeline) recordFailure(key string, err error) bool {
	switch types.SeverityOf(err) {
	case types.SeverityCancelled:
		return true
	case types.SeverityFatal:
		p.stats.Send(types.SyncStatistics{Kind: types.StatError, Key: key})
		p.events.Emit(events.Data{Type: events.PipelineError, Key: key, Message: err.Error()})
		p.log.Error().Str("key", key).Err(err).Msg("fatal transfer error")
		p.token.Cancel()
		return true
	case types.SeverityWarning:
		p.stats.Send(types.SyncStatistics{Kind: types.StatWarning, Key: key})
		p.events.Emit(events.Data{Type: events.PipelineError, Key: key, Message: err.Error()})
		p.log.Warn().Str("key", key).Err(err).Msg("transfer warning")
		return false
	default:
		p.stats.Send(types.SyncStatistics{Kind: types.StatError, Key: key})
		p.events.Emit(events.Data{Type: events.PipelineError, Key: key, Message: err.Error()})
		p.log.Error().Str("key", key).Err(err).Msg("transfer error")
		return false
	}
}

func (p *Pipeline) syncOne(ctx context.Context, unit types.ComparisonUnit) error {
	src := *unit.Source
	key := src.Key

	if src.IsDeleteMarker {
		return p.replayDeleteMarker(ctx, src)
	}

	req := &UploadRequest{Key: key, Source: src, ContentType: src.ContentType}
	if p.cfg.Preprocess != nil {
		if err := p.cfg.Preprocess(req); err != nil {
			if errors.Is(err, ErrFilteredOut) || types.IsCancelled(err) {
				p.filtered(unit, "preprocess", err.Error())
				return nil
			}
			return fmt.Errorf("preprocess %s: %w", key, err)
		}
	}

	if p.cfg.DryRun {
		p.stats.Send(types.SyncStatistics{Kind: types.StatComplete, Key: key})
		p.events.Emit(events.Data{
			Type:       events.SyncComplete,
			Key:        key,
			SourceSize: src.Size,
			Message:    "dry-run",
		})
		return nil
	}

	if p.cfg.PreconditionCheck && unit.Target != nil {
		if err := p.checkPrecondition(ctx, unit); err != nil {
			return err
		}
	}

	err := p.withRetry(ctx, key, func() error {
		return p.transferOnce(ctx, req, src)
	})
	if err != nil {
		var pe *types.PipelineError
		if errors.Is(err, types.ErrPreconditionFailed) && !errors.As(err, &pe) {
			severity := types.SeverityWarning
			if p.cfg.PreconditionFailureIsError {
				severity = types.SeverityError
			}
			return types.NewPipelineError(severity, key, err)
		}
		return err
	}

	p.stats.Send(types.SyncStatistics{Kind: types.StatComplete, Key: key})
	p.stats.Send(types.SyncStatistics{Kind: types.StatBytes, Key: key, Bytes: uint64(src.Size)})
	p.events.Emit(events.Data{
		Type:               events.SyncComplete,
		Key:                key,
		SourceVersionID:    src.VersionID,
		SourceLastModified: src.LastModified,
		SourceSize:         src.Size,
	})
	p.log.Debug().Str("key", key).Int64("size", src.Size).Msg("synced")
	return nil
}

// replayDeleteMarker applies a versioned delete to the target.
func (p *Pipeline) replayDeleteMarker(ctx context.Context, src types.ObjectDescriptor) error {
	if !p.cfg.DryRun {
		err := p.withRetry(ctx, src.Key, func() error {
			return p.target.Delete(ctx, src.Key, "")
		})
		if err != nil {
			return fmt.Errorf("replay delete of %s: %w", src.Key, err)
		}
	}
	p.stats.Send(types.SyncStatistics{Kind: types.StatDelete, Key: src.Key})
	p.events.Emit(events.Data{
		Type:               events.SyncDelete,
		Key:                src.Key,
		SourceVersionID:    src.VersionID,
		SourceLastModified: src.LastModified,
	})
	return nil
}

// checkPrecondition re-reads the target immediately before the write and
// fails when it no longer matches the descriptor the transfer decision was
// made against. The failure is a warning unless configured to be an error.
func (p *Pipeline) checkPrecondition(ctx context.Context, unit types.ComparisonUnit) error {
	current, err := p.target.Head(ctx, unit.Key(), "")
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("precondition head %s: %w", unit.Key(), err)
	}
	if err == nil && current.ETag == unit.Target.ETag && current.Size == unit.Target.Size {
		return nil
	}

	severity := types.SeverityWarning
	if p.cfg.PreconditionFailureIsError {
		severity = types.SeverityError
	}
	return types.NewPipelineError(severity, unit.Key(),
		fmt.Errorf("%w: target changed after the transfer decision", types.ErrPreconditionFailed))
}

// withRetry runs fn, retrying transient failures at a fixed interval.
func (p *Pipeline) withRetry(ctx context.Context, key string, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !types.IsRetryable(err) || attempt >= p.cfg.RetryCount {
			return err
		}
		p.log.Debug().Str("key", key).Int("attempt", attempt+1).Err(err).Msg("retrying transfer")
		select {
		case <-time.After(p.cfg.RetryInterval):
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", types.ErrCancelled, ctx.Err())
		}
	}
}

func (p *Pipeline) transferOnce(ctx context.Context, req *UploadRequest, src types.ObjectDescriptor) error {
	if err := p.injector.BeforeTransfer(req.Key); err != nil {
		return err
	}

	body, _, err := p.source.Get(ctx, req.Key, src.VersionID, nil)
	if err != nil {
		return fmt.Errorf("get %s: %w", req.Key, err)
	}
	defer body.Close()

	if src.Size < p.cfg.MultipartThreshold {
		return p.putSingle(ctx, req, src, body)
	}
	return p.putMultipart(ctx, req, src, body)
}

func (p *Pipeline) putOptions(req *UploadRequest) storage.PutOptions {
	return storage.PutOptions{
		ContentType:        req.ContentType,
		Metadata:           req.Metadata,
		ChecksumAlgorithm:  p.cfg.ChecksumAlgorithm,
		FullObjectChecksum: p.cfg.FullObjectChecksum,
	}
}

func (p *Pipeline) putSingle(ctx context.Context, req *UploadRequest, src types.ObjectDescriptor, body io.Reader) error {
	var hasher *checksum.Hasher
	if p.cfg.ChecksumAlgorithm != types.ChecksumAlgorithmNone {
		var err error
		hasher, err = checksum.New(p.cfg.ChecksumAlgorithm, p.cfg.FullObjectChecksum)
		if err != nil {
			return err
		}
		body = io.TeeReader(body, hasher)
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return types.Retryable(fmt.Errorf("read %s: %w", req.Key, err))
	}
	if req.ContentType == "" && p.cfg.GuessContentType {
		req.ContentType = mimetype.Detect(data).String()
	}

	opts := p.putOptions(req)
	var localChecksum string
	if hasher != nil {
		localChecksum = hasher.Finalize()
		opts.PrecomputedChecksum = localChecksum
	}

	if err := p.injector.BeforePut(req.Key); err != nil {
		return err
	}
	result, err := p.target.Put(ctx, req.Key, bytes.NewReader(data), int64(len(data)), opts)
	if err != nil {
		return fmt.Errorf("put %s: %w", req.Key, err)
	}

	sum := md5.Sum(data)
	localETag := storage.ETagForParts([][]byte{sum[:]}, 0)
	return p.verify(req.Key, localETag, result.ETag, localChecksum, result.Checksum)
}

func (p *Pipeline) putMultipart(ctx context.Context, req *UploadRequest, src types.ObjectDescriptor, body io.Reader) error {
	var hasher *checksum.Hasher
	rolling := false
	if p.cfg.ChecksumAlgorithm != types.ChecksumAlgorithmNone {
		var err error
		hasher, err = checksum.New(p.cfg.ChecksumAlgorithm, p.cfg.FullObjectChecksum)
		if err != nil {
			return err
		}
		rolling = p.cfg.FullObjectChecksum || p.cfg.ChecksumAlgorithm == types.ChecksumAlgorithmCRC64NVME
	}

	if err := p.injector.BeforePut(req.Key); err != nil {
		return err
	}

	firstChunk := true
	opts := p.putOptions(req)
	uploadID := ""

	var (
		mu       sync.Mutex
		parts    []storage.Part
		partMD5s = map[int32][]byte{}
	)

	g, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(int64(p.cfg.PartConcurrency))

	abort := func() {
		if uploadID == "" {
			return
		}
		// The surrounding context may already be cancelled; the abort gets
		// its own deadline so stray parts do not linger on the target.
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := p.target.AbortMultipartUpload(actx, req.Key, uploadID); err != nil {
			p.log.Warn().Str("key", req.Key).Err(err).Msg("abort multipart upload failed")
		}
	}

	var partNumber int32
	for {
		bufp := p.bufPool.Get().(*[]byte)
		buf := *bufp
		n, err := io.ReadFull(body, buf)
		if n == 0 {
			p.bufPool.Put(bufp)
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			_ = g.Wait()
			abort()
			return types.Retryable(fmt.Errorf("read %s: %w", req.Key, err))
		}
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			p.bufPool.Put(bufp)
			_ = g.Wait()
			abort()
			return types.Retryable(fmt.Errorf("read %s: %w", req.Key, err))
		}
		chunk := buf[:n]

		if firstChunk {
			firstChunk = false
			if req.ContentType == "" && p.cfg.GuessContentType {
				req.ContentType = mimetype.Detect(chunk).String()
				opts.ContentType = req.ContentType
			}
			id, cerr := p.target.CreateMultipartUpload(ctx, req.Key, opts)
			if cerr != nil {
				p.bufPool.Put(bufp)
				return fmt.Errorf("create multipart upload for %s: %w", req.Key, cerr)
			}
			uploadID = id
		}

		// Rolling digests depend on byte order, so they are fed here in
		// read order while the uploads themselves run concurrently.
		if hasher != nil && rolling {
			hasher.Write(chunk)
		}

		if err := sem.Acquire(gctx, 1); err != nil {
			p.bufPool.Put(bufp)
			break
		}
		partNumber++
		num := partNumber
		g.Go(func() error {
			defer sem.Release(1)
			defer p.bufPool.Put(bufp)

			if hasher != nil && !rolling {
				_, raw, err := checksum.SumPart(p.cfg.ChecksumAlgorithm, chunk)
				if err != nil {
					return err
				}
				hasher.RecordPart(num, raw)
			}
			sum := md5.Sum(chunk)

			part, err := p.target.UploadPart(gctx, req.Key, uploadID, num, bytes.NewReader(chunk), int64(len(chunk)), opts)
			if err != nil {
				return fmt.Errorf("upload part %d of %s: %w", num, req.Key, err)
			}
			mu.Lock()
			parts = append(parts, part)
			partMD5s[num] = append([]byte(nil), sum[:]...)
			mu.Unlock()
			return nil
		})

		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
	}

	if err := g.Wait(); err != nil {
		abort()
		return err
	}
	if uploadID == "" {
		// Zero-length bodies never reach the multipart path; the threshold
		// is positive.
		return fmt.Errorf("empty multipart body for %s", req.Key)
	}
	if ctx.Err() != nil {
		abort()
		return fmt.Errorf("%w: %w", types.ErrCancelled, ctx.Err())
	}

	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	result, err := p.target.CompleteMultipartUpload(ctx, req.Key, uploadID, parts, opts)
	if err != nil {
		abort()
		return fmt.Errorf("complete multipart upload for %s: %w", req.Key, err)
	}

	digests := make([][]byte, 0, len(parts))
	for _, part := range parts {
		digests = append(digests, partMD5s[part.PartNumber])
	}
	localETag := storage.ETagForParts(digests, len(digests))

	var localChecksum string
	if hasher != nil {
		localChecksum = hasher.FinalizeAll()
	}
	return p.verify(req.Key, localETag, result.ETag, localChecksum, result.Checksum)
}

// verify compares locally computed integrity values with what the target
// reported. Empty values on either side skip that comparison; backends that
// do not report a value cannot be verified against.
func (p *Pipeline) verify(key, localETag, remoteETag, localChecksum, remoteChecksum string) error {
	if localETag != "" && remoteETag != "" && storage.ETagsComparable(localETag, remoteETag, true) {
		if types.NormalizeETag(localETag) != types.NormalizeETag(remoteETag) {
			p.events.Emit(events.Data{Type: events.ETagMismatch, Key: key, SourceETag: localETag, TargetETag: remoteETag})
			return fmt.Errorf("etag mismatch for %s: sent %s, stored %s", key, localETag, remoteETag)
		}
		p.stats.Send(types.SyncStatistics{Kind: types.StatETagVerified, Key: key})
		p.events.Emit(events.Data{Type: events.ETagVerified, Key: key, SourceETag: localETag, TargetETag: remoteETag})
	}
	if localChecksum != "" && remoteChecksum != "" {
		if localChecksum != remoteChecksum {
			p.events.Emit(events.Data{
				Type: events.ChecksumMismatch, Key: key,
				ChecksumAlgorithm: p.cfg.ChecksumAlgorithm,
				SourceChecksum:    localChecksum, TargetChecksum: remoteChecksum,
			})
			return fmt.Errorf("checksum mismatch for %s: sent %s, stored %s", key, localChecksum, remoteChecksum)
		}
		p.stats.Send(types.SyncStatistics{Kind: types.StatChecksumVerified, Key: key})
		p.events.Emit(events.Data{
			Type: events.ChecksumVerified, Key: key,
			ChecksumAlgorithm: p.cfg.ChecksumAlgorithm,
			SourceChecksum:    localChecksum, TargetChecksum: remoteChecksum,
		})
	}
	return nil
}
