package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/INLOpen/logstore/core"
	"github.com/INLOpen/logstore/kv"
	"github.com/INLOpen/logstore/partition"
)

// epochOf extracts the epoch component of an LSN: the high 32 bits. Seals
// reject stores whose epoch is at or below the sealed epoch.
func epochOf(lsn core.LSN) uint32 {
	return uint32(uint64(lsn) >> 32)
}

// Store durably writes one sequencer-assigned record. The record, its index
// entries, the directory update and a dirty marker (when the partition is
// newly dirtied) commit as a single atomic batch.
func (e *ShardEngine) Store(ctx context.Context, req *core.StoreRequest) error {
	start := e.clock.Now()
	ctx, span := e.tracer.Start(ctx, "ShardEngine.Store")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("log_id", int64(req.LogID)),
		attribute.Int64("lsn", int64(req.LSN)),
		attribute.Int("payload_bytes", len(req.Payload)),
	)
	e.metrics.StoreTotal.Add(1)

	if err := e.store(ctx, req); err != nil {
		e.metrics.StoreErrorsTotal.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, "store_failed")
		return err
	}
	e.metrics.StoreBytesTotal.Add(int64(len(req.Payload)))
	e.metrics.StoreLatency.Observe(e.clock.Now().Sub(start).Seconds())
	return nil
}

func (e *ShardEngine) store(ctx context.Context, req *core.StoreRequest) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if err := validateStore(req); err != nil {
		return err
	}
	if e.readOnly.Load() {
		return core.ErrDisabled
	}
	if e.spaceFull.Load() {
		return core.ErrNoSpace
	}

	rebuilding := req.Rebuild != nil || req.Flags.Has(core.FlagWrittenByRebuilding)
	if e.opts.RebuildingRecipient != nil && !rebuilding {
		return &core.RebuildingError{Recipient: *e.opts.RebuildingRecipient}
	}
	if rebuilding && int(e.partialInFlightTotal.Load()) >= e.opts.PartialCompactionStallTrigger {
		e.metrics.RebuildingStallsTotal.Add(1)
		return fmt.Errorf("%w: %d partial compactions outstanding", core.ErrBusy, e.partialInFlightTotal.Load())
	}

	if sealed := e.dir.SealEpoch(req.LogID); sealed > 0 && epochOf(req.LSN) <= sealed {
		return &core.PreemptedError{LogID: req.LogID, SealedEpoch: sealed}
	}

	if e.opts.VerifyChecksumDuringStore && req.Flags.Has(core.FlagChecksum) {
		if got := xxhash.Sum64(req.Payload); got != req.Checksum {
			return fmt.Errorf("%w: log %d lsn %d: computed %x, header %x",
				core.ErrChecksumMismatch, req.LogID, req.LSN, got, req.Checksum)
		}
	}

	tsMS := req.Timestamp.UnixMilli()
	p, err := e.selectPartition(tsMS)
	if err != nil {
		return err
	}

	payload := req.Payload
	codec := e.payloadCompressor.Type()
	if codec != core.CompressionNone {
		payload, err = e.payloadCompressor.Compress(req.Payload)
		if err != nil {
			return fmt.Errorf("compress payload: %w", err)
		}
	}
	var checksum uint64
	if req.Flags.Has(core.FlagChecksum) {
		checksum = req.Checksum
	}
	value := core.EncodeRecordValue(&core.RecordValue{
		Flags:       req.Flags,
		Codec:       codec,
		TimestampMS: tsMS,
		Checksum:    checksum,
		Copyset:     req.Copyset,
		Payload:     payload,
	})

	// Per-log serialization: the stripe lock is held across the KV commit so
	// commit order equals LSN-assignment order within the log.
	unlock := e.dir.LockLog(req.LogID)
	defer unlock()

	b := e.db.NewBatch()
	b.Set(p.Family, core.EncodeRecordKey(req.LogID, req.LSN), value)
	if e.opts.UseCopysetIndex {
		b.Set(p.Family, core.EncodeCopysetIndexKey(req.LogID, req.LSN), core.EncodeCopysetIndexValue(&req.Copyset))
	}
	e.stageFindTimeEntry(b, p, req.LogID, req.LSN, tsMS)
	staged := e.dir.StageRecordWrite(b, req.LogID, p.ID, req.LSN, uint64(len(value)))

	if needMarker := p.RecordWrite(e.nowMS(), int64(len(value))); needMarker {
		marker := core.DirtyMarker{Instance: e.instance, Wave: e.wave.Add(1)}
		b.Set(kv.MetadataFamily, core.EncodeDirtyKey(p.ID), core.EncodeDirtyMarker(&marker))
	}

	// Rebuilding batches are re-sendable; their WAL sync may be deferred to
	// the background syncer.
	sync := true
	if rebuilding && e.opts.BackgroundWALSync {
		sync = false
	}
	if err := e.applyWithDeadline(ctx, b, sync); err != nil {
		return err
	}
	if !sync {
		select {
		case e.walSyncKick <- struct{}{}:
		default:
		}
	}

	staged.Commit()
	p.ObserveTimestamp(tsMS)
	e.noteFlushProgress()
	return nil
}

// applyWithDeadline commits the batch honoring the context deadline.
// Cancellation is best effort: on TimedOut the underlying write may still
// commit.
func (e *ShardEngine) applyWithDeadline(ctx context.Context, b *kv.Batch, sync bool) error {
	if ctx.Done() == nil {
		return e.db.Apply(b, sync)
	}
	done := make(chan error, 1)
	go func() { done <- e.db.Apply(b, sync) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return core.ErrTimedOut
		}
		return ctx.Err()
	}
}

func validateStore(req *core.StoreRequest) error {
	if req.LogID == 0 {
		return &core.ProtocolError{Detail: "log id must be non-zero"}
	}
	if req.LSN == core.LSNInvalid {
		return &core.ProtocolError{Detail: "lsn must be non-zero"}
	}
	if req.Copyset.Len() == 0 {
		return &core.ProtocolError{Detail: "copyset must not be empty"}
	}
	if req.Timestamp.IsZero() {
		return &core.ProtocolError{Detail: "timestamp must be set"}
	}
	return nil
}

// selectPartition picks the partition for a record timestamp: the latest
// partition unless the timestamp is older than its effective floor (min_ts
// minus the clock-skew margin), in which case the catalog resolves it,
// prepending a new partition when the timestamp predates everything.
func (e *ShardEngine) selectPartition(tsMS int64) (*partition.Partition, error) {
	margin := e.opts.NewPartitionTimestampMargin.Milliseconds()
	latest := e.catalog.Latest()
	if latest == nil {
		return nil, core.NewCorruption("catalog has no partitions")
	}
	if tsMS >= latest.MinTimestamp-margin {
		return latest, nil
	}

	p, below := e.catalog.FindForTimestamp(tsMS)
	if !below {
		return p, nil
	}
	if e.catalog.Count() < e.opts.PartitionCountSoftLimit {
		pre, err := e.catalog.Prepend(tsMS-e.opts.PartitionDuration.Milliseconds(), e.nowMS())
		if err != nil {
			return nil, err
		}
		e.metrics.PartitionsPrepended.Add(1)
		return pre, nil
	}
	// Catalog is full: route below-floor writes to the oldest partition
	// rather than growing below the floor.
	e.logger.Warn("Write timestamp predates all partitions and catalog is at its soft limit, routing to oldest.",
		"timestamp_ms", tsMS, "oldest_partition", p.ID)
	return p, nil
}

// stageFindTimeEntry maintains the per-bucket findTime index: each bucket
// stores the smallest LSN observed with a timestamp in that bucket.
func (e *ShardEngine) stageFindTimeEntry(b *kv.Batch, p *partition.Partition, log core.LogID, lsn core.LSN, tsMS int64) {
	bucket := uint64(tsMS) / uint64(e.opts.TimestampGranularity.Milliseconds())
	key := core.EncodeFindTimeKey(log, bucket)
	cur, done, err := e.db.Get(p.Family, key)
	if err == nil {
		existing, derr := core.DecodeTrimPoint(cur)
		done()
		if derr == nil && existing <= lsn {
			return
		}
	} else {
		done()
		if !errors.Is(err, core.ErrNotFound) {
			// Index maintenance is advisory; fall back to overwriting.
			e.logger.Warn("findTime index read failed, overwriting bucket.", "log", log, "error", err)
		}
	}
	b.Set(p.Family, key, core.EncodeTrimPoint(lsn))
}

// Seal records the sealed epoch for a log; stores with an LSN epoch at or
// below it are rejected with Preempted.
func (e *ShardEngine) Seal(ctx context.Context, log core.LogID, epoch uint32) error {
	_, span := e.tracer.Start(ctx, "ShardEngine.Seal")
	defer span.End()
	if err := e.checkOpen(); err != nil {
		return err
	}
	e.metrics.SealTotal.Add(1)
	changed, err := e.dir.Seal(log, epoch)
	if err != nil {
		return err
	}
	if changed {
		e.logger.Info("Log sealed.", "log", log, "epoch", epoch)
	}
	return nil
}

// noteFlushProgress lets the flush scheduler react promptly when the
// memtable budget is crossed instead of waiting for the next tick.
func (e *ShardEngine) noteFlushProgress() {
	if e.totalUnflushedBytes() >= e.opts.MemtableSizePerNode {
		select {
		case e.flushKick <- struct{}{}:
		default:
		}
	}
}

func (e *ShardEngine) totalUnflushedBytes() int64 {
	var total int64
	for _, p := range e.catalog.All() {
		total += p.BytesSinceFlush()
	}
	return total
}

// walSyncTick is the dedicated background WAL syncer used when
// BackgroundWALSync defers rebuilding-store syncs off the write path.
func (e *ShardEngine) walSyncTick() {
	if err := e.db.SyncWAL(); err != nil {
		e.noteBackgroundError("wal-sync", err)
		return
	}
	e.noteBackgroundSuccess()
}
