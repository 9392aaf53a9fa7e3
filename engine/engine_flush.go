package engine

import (
	"github.com/INLOpen/logstore/core"
	"github.com/INLOpen/logstore/kv"
	"github.com/INLOpen/logstore/partition"
)

// flushTick is the flush scheduler: it runs every MinManualFlushInterval
// (or sooner when kicked by the write path) and flushes when any trigger
// fires:
//   - oldest unflushed data in a partition is older than the data-age
//     trigger,
//   - a dirty partition saw no writes for the idle trigger,
//   - logical unflushed bytes exceed the bytes-written trigger, or
//   - the node-wide memtable budget is exceeded.
func (e *ShardEngine) flushTick() {
	e.cleanDirtyMarkers(false)
	nowMS := e.nowMS()
	if nowMS-e.lastManualFlush.Load() < e.opts.MinManualFlushInterval.Milliseconds() {
		// Budget pressure is the one trigger that may not wait out the
		// minimum interval, or an overloaded node could never catch up.
		if e.totalUnflushedBytes() < e.opts.MemtableSizePerNode {
			return
		}
	}

	var (
		reason string
		pick   *partition.Partition
	)
	total := int64(0)
	for _, p := range e.catalog.All() {
		if !p.Dirty() {
			continue
		}
		total += p.BytesSinceFlush()
		if oldest := p.OldestUnflushed(); oldest != 0 && nowMS-oldest >= e.opts.DataAgeFlushTrigger.Milliseconds() {
			reason, pick = "data-age", p
		}
		if last := p.LatestWrite(); last != 0 && nowMS-last >= e.opts.IdleFlushTrigger.Milliseconds() {
			reason, pick = "idle", p
		}
		if p.BytesSinceFlush() >= e.opts.BytesWrittenFlushTrigger {
			reason, pick = "bytes-written", p
		}
	}
	if reason == "" && total >= e.opts.MemtableSizePerNode {
		// Over the node budget: evict starting from the oldest dirtied
		// partition.
		reason, pick = "memtable-budget", e.oldestDirtyPartition()
	}
	if reason == "" || pick == nil {
		return
	}

	e.logger.Info("Flush trigger fired.", "reason", reason, "partition", pick.ID,
		"partition_bytes", pick.BytesSinceFlush(), "total_unflushed", total)
	if err := e.flushAllPartitions(reason); err != nil {
		e.noteBackgroundError("flush", err)
		return
	}
	e.noteBackgroundSuccess()
}

// oldestDirtyPartition returns the dirty partition with the oldest
// unflushed write.
func (e *ShardEngine) oldestDirtyPartition() *partition.Partition {
	var pick *partition.Partition
	var oldest int64
	for _, p := range e.catalog.All() {
		ts := p.OldestUnflushed()
		if ts == 0 {
			continue
		}
		if pick == nil || ts < oldest {
			pick, oldest = p, ts
		}
	}
	return pick
}

// flushAllPartitions flushes the substrate memtable (shared across
// families), then clears dirty accounting and on-disk dirty markers for
// every partition that was dirty, in one batch.
func (e *ShardEngine) flushAllPartitions(reason string) error {
	start := e.clock.Now()
	dirty := make([]*partition.Partition, 0)
	var bytes int64
	for _, p := range e.catalog.All() {
		if p.Dirty() {
			dirty = append(dirty, p)
			bytes += p.BytesSinceFlush()
		}
	}
	if len(dirty) == 0 {
		return nil
	}

	if err := e.db.Flush(); err != nil {
		return err
	}

	nowMS := e.nowMS()
	for _, p := range dirty {
		// The on-disk markers stay through the redirty grace window; the
		// marker cleanup pass removes them once the window passes.
		p.MarkFlushed(nowMS, e.opts.RedirtyGracePeriod)
	}

	e.lastManualFlush.Store(nowMS)
	e.metrics.FlushTotal.Add(1)
	e.metrics.FlushBytesTotal.Add(bytes)
	e.metrics.FlushLatency.Observe(e.clock.Now().Sub(start).Seconds())
	e.logger.Info("Flushed partitions.", "reason", reason, "partitions", len(dirty), "bytes", bytes)
	return nil
}

// cleanDirtyMarkers removes on-disk dirty markers of clean partitions whose
// redirty grace window has passed. With force it removes markers of every
// clean partition, used for a clean shutdown.
func (e *ShardEngine) cleanDirtyMarkers(force bool) {
	nowMS := e.nowMS()
	var cleaned []*partition.Partition
	b := e.db.NewBatch()
	for _, p := range e.catalog.All() {
		removable := p.MarkerRemovable(nowMS)
		if force {
			removable = !p.Dirty() && p.HasDirtyMarker()
		}
		if !removable {
			continue
		}
		b.Delete(kv.MetadataFamily, core.EncodeDirtyKey(p.ID))
		cleaned = append(cleaned, p)
	}
	if len(cleaned) == 0 {
		b.Close()
		return
	}
	if err := e.db.Apply(b, true); err != nil {
		e.noteBackgroundError("dirty-marker-clean", err)
		return
	}
	for _, p := range cleaned {
		p.ClearDirtyMarker()
	}
}
