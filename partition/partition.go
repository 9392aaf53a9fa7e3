// Package partition manages the time-ordered sequence of partitions that
// make up one shard. Each partition is a column family in the shard's KV
// instance holding records whose write timestamps fall inside the
// partition's time range.
package partition

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/INLOpen/logstore/core"
	"github.com/INLOpen/logstore/kv"
)

// Partition is one live time partition. Dirty-state fields are written by
// the foreground write path and read by the flush scheduler, so they are all
// atomic.
type Partition struct {
	ID           core.PartitionID
	Family       kv.Family
	MinTimestamp int64 // ms, fixed at creation
	CreationTime int64 // ms
	Flags        core.PartitionMetaFlags

	// maxTimestamp is the highest record timestamp observed in this
	// partition, maintained by the write path.
	maxTimestamp atomic.Int64

	// Logical memtable accounting. The substrate shares one physical
	// memtable across families; the flush scheduler reasons about these
	// per-partition numbers instead.
	dirty            atomic.Bool
	bytesSinceFlush  atomic.Int64
	oldestUnflushed  atomic.Int64 // ms, 0 when clean
	latestWrite      atomic.Int64 // ms
	redirtyDeadline  atomic.Int64 // ms; re-dirtying before this skips the marker write
	dirtyMarkerAhead atomic.Bool  // marker row exists on disk

	// Iterator refcount and drop coordination.
	refs     atomic.Int64
	dropping atomic.Bool

	// Compaction bookkeeping.
	lastFullCompaction atomic.Int64 // ms, 0 = never
	partialInFlight    atomic.Int32
}

// newPartition wires a Partition from its persisted metadata.
func newPartition(id core.PartitionID, meta core.PartitionMeta) *Partition {
	p := &Partition{
		ID:           id,
		Family:       kv.Family{ID: meta.FamilyID, Name: fmt.Sprintf("partition_%d", id)},
		MinTimestamp: meta.MinTimestamp,
		CreationTime: meta.CreationTime,
		Flags:        meta.Flags,
	}
	p.maxTimestamp.Store(meta.MinTimestamp)
	return p
}

// Meta returns the persistable metadata row for the partition.
func (p *Partition) Meta() core.PartitionMeta {
	return core.PartitionMeta{
		FamilyID:     p.Family.ID,
		MinTimestamp: p.MinTimestamp,
		CreationTime: p.CreationTime,
		Flags:        p.Flags,
	}
}

// IsPrepended reports whether the partition was created below the floor.
func (p *Partition) IsPrepended() bool {
	return p.Flags&core.PartitionPrepended != 0
}

// MaxTimestamp returns the highest record timestamp observed so far.
func (p *Partition) MaxTimestamp() int64 {
	return p.maxTimestamp.Load()
}

// ObserveTimestamp extends the partition's observed time range.
func (p *Partition) ObserveTimestamp(ms int64) {
	for {
		cur := p.maxTimestamp.Load()
		if ms <= cur || p.maxTimestamp.CompareAndSwap(cur, ms) {
			return
		}
	}
}

// Age returns how long the partition has existed as of now (ms).
func (p *Partition) Age(nowMS int64) time.Duration {
	return time.Duration(nowMS-p.CreationTime) * time.Millisecond
}

// Ref takes a reference for an iterator. It fails once a drop has started,
// at which point the caller must not open iterators on the partition.
func (p *Partition) Ref() bool {
	p.refs.Add(1)
	if p.dropping.Load() {
		p.refs.Add(-1)
		return false
	}
	return true
}

// Unref releases an iterator reference.
func (p *Partition) Unref() {
	if p.refs.Add(-1) < 0 {
		panic("partition refcount underflow")
	}
}

// BeginDrop marks the partition as dropping and reports whether iterators
// still hold references. A drop with live references is retried on the next
// lo-pri cycle rather than waited for.
func (p *Partition) BeginDrop() (idle bool) {
	p.dropping.Store(true)
	return p.refs.Load() == 0
}

// AbortDrop clears the dropping mark after a retryable drop failure.
func (p *Partition) AbortDrop() {
	p.dropping.Store(false)
}

// Dropping reports whether a drop is in progress for the partition.
func (p *Partition) Dropping() bool {
	return p.dropping.Load()
}

// RecordWrite accounts one write against the partition's logical memtable.
// It returns true when the caller must persist a dirty marker: the
// partition became dirty and no marker row is already on disk. Markers
// linger through the redirty grace window after a flush, so re-dirtying
// inside the window needs no metadata write.
func (p *Partition) RecordWrite(nowMS int64, bytes int64) (needMarker bool) {
	p.bytesSinceFlush.Add(bytes)
	p.latestWrite.Store(nowMS)
	p.oldestUnflushed.CompareAndSwap(0, nowMS)
	if p.dirty.CompareAndSwap(false, true) {
		return !p.dirtyMarkerAhead.Swap(true)
	}
	return false
}

// MarkFlushed resets the dirty accounting after a flush and opens the
// redirty grace window. The on-disk marker stays until the window passes.
func (p *Partition) MarkFlushed(nowMS int64, redirtyGrace time.Duration) {
	p.dirty.Store(false)
	p.bytesSinceFlush.Store(0)
	p.oldestUnflushed.Store(0)
	p.redirtyDeadline.Store(nowMS + redirtyGrace.Milliseconds())
}

// MarkerRemovable reports whether the on-disk dirty marker can be deleted:
// the partition is clean and the redirty grace window has passed.
func (p *Partition) MarkerRemovable(nowMS int64) bool {
	return !p.dirty.Load() && p.dirtyMarkerAhead.Load() && nowMS >= p.redirtyDeadline.Load()
}

// HasDirtyMarker reports whether a marker row exists on disk.
func (p *Partition) HasDirtyMarker() bool {
	return p.dirtyMarkerAhead.Load()
}

// ClearDirtyMarker records that the on-disk dirty row was removed.
func (p *Partition) ClearDirtyMarker() {
	p.dirtyMarkerAhead.Store(false)
}

// Dirty reports whether unflushed writes exist for this partition.
func (p *Partition) Dirty() bool { return p.dirty.Load() }

// BytesSinceFlush returns the logical unflushed byte count.
func (p *Partition) BytesSinceFlush() int64 { return p.bytesSinceFlush.Load() }

// OldestUnflushed returns the timestamp (ms) of the oldest unflushed write,
// or zero when clean.
func (p *Partition) OldestUnflushed() int64 { return p.oldestUnflushed.Load() }

// LatestWrite returns the timestamp (ms) of the most recent write.
func (p *Partition) LatestWrite() int64 { return p.latestWrite.Load() }

// LastFullCompaction returns when the partition was last fully compacted
// (ms), zero if never.
func (p *Partition) LastFullCompaction() int64 { return p.lastFullCompaction.Load() }

// MarkFullCompaction records a completed full compaction.
func (p *Partition) MarkFullCompaction(nowMS int64) { p.lastFullCompaction.Store(nowMS) }

// PartialCompactionsInFlight returns the number of partial compactions
// currently running against this partition.
func (p *Partition) PartialCompactionsInFlight() int {
	return int(p.partialInFlight.Load())
}

// AddPartialCompaction adjusts the in-flight partial compaction count.
func (p *Partition) AddPartialCompaction(delta int) {
	p.partialInFlight.Add(int32(delta))
}
