package engine

import (
	"github.com/INLOpen/logstore/core"
	"github.com/INLOpen/logstore/partition"
)

// hiPriTick evaluates the partition-creation triggers. It runs on a short
// period because appends straddling a partition boundary wait on creation.
func (e *ShardEngine) hiPriTick() {
	latest := e.catalog.Latest()
	if latest == nil {
		return
	}
	nowMS := e.nowMS()
	count := e.catalog.Count()
	overSoft := count > e.opts.PartitionCountSoftLimit

	durationMS := e.opts.PartitionDuration.Milliseconds()
	if overSoft {
		// Slow rollover down when the catalog is oversized.
		durationMS *= 3
	}

	reason := ""
	switch {
	case nowMS-latest.CreationTime >= durationMS:
		reason = "age"
	case latest.MaxTimestamp() > latest.MinTimestamp+durationMS+e.opts.NewPartitionTimestampMargin.Milliseconds():
		reason = "timestamp"
	}
	if reason == "" && !overSoft {
		files, err := e.db.L0FilesForFamily(latest.Family)
		if err != nil {
			e.noteBackgroundError("hi-pri-l0-scan", err)
			return
		}
		if len(files) >= e.opts.PartitionFileLimit {
			reason = "file-limit"
		}
	}
	if reason == "" && e.opts.PartitionSizeLimit > 0 {
		size, err := e.db.EstimateDiskUsage(latest.Family)
		if err != nil {
			e.noteBackgroundError("hi-pri-size", err)
			return
		}
		if int64(size) >= e.opts.PartitionSizeLimit {
			reason = "size-limit"
		}
	}
	if reason == "" {
		e.noteBackgroundSuccess()
		return
	}

	minTS := nowMS + e.opts.NewPartitionTimestampMargin.Milliseconds()
	if minTS <= latest.MinTimestamp {
		// min_ts must stay non-decreasing across the catalog even if the
		// wall clock stepped backwards.
		minTS = latest.MinTimestamp + 1
	}
	if _, err := e.catalog.CreateNew(minTS, nowMS); err != nil {
		e.noteBackgroundError("partition-create", err)
		return
	}
	e.metrics.PartitionsCreated.Add(1)
	e.logger.Info("Created new partition.", "reason", reason, "min_ts", minTS, "count", count+1)
	e.noteBackgroundSuccess()
}

// loPriTick runs the maintenance pipeline: retention trimming, directory
// GC, partition drops, compaction selection and the periodic directory
// consistency check.
func (e *ShardEngine) loPriTick() {
	e.retentionTrimPass()
	e.directoryGCPass()
	e.dropPass()
	e.compactionPass()
	e.metadataCompactionPass()
	e.consistencyCheckPass()
}

// protectedNewestPartitions is how many of the newest partitions are never
// dropped, keeping the write target and its predecessor stable.
const protectedNewestPartitions = 2

// dropPass drops fully-trimmed partitions oldest-first. A partition is
// droppable when every directory entry in it is entirely at or below its
// log's trim point (or belongs to a log unconfigured beyond the grace
// period), it is not among the two newest, and a prepended partition has
// lived its minimum lifetime.
func (e *ShardEngine) dropPass() {
	parts := e.catalog.All()
	if len(parts) <= protectedNewestPartitions {
		return
	}
	nowMS := e.nowMS()
	droppable := parts[:len(parts)-protectedNewestPartitions]

	var upTo core.PartitionID
	found := false
	for _, p := range droppable {
		if !e.partitionDroppable(p, nowMS) {
			break
		}
		upTo = p.ID
		found = true
	}
	if !found {
		return
	}

	res, err := e.catalog.DropOldestUpTo(upTo, func(p *partition.Partition) error {
		b := e.db.NewBatch()
		commit := e.dir.StagePartitionRemoval(b, p.ID)
		if err := e.db.Apply(b, true); err != nil {
			return err
		}
		commit()
		return nil
	})
	if err != nil {
		e.noteBackgroundError("partition-drop", err)
		return
	}
	if n := len(res.Dropped); n > 0 {
		e.metrics.PartitionsDropped.Add(int64(n))
	}
	e.noteBackgroundSuccess()
}

func (e *ShardEngine) partitionDroppable(p *partition.Partition, nowMS int64) bool {
	if p.IsPrepended() && p.Age(nowMS) < e.opts.PrependedPartitionMinLifetime {
		return false
	}
	for log, entry := range e.dir.EntriesForPartition(p.ID) {
		if entry.LastLSN <= e.dir.TrimPoint(log) {
			continue
		}
		if e.logUnconfiguredBeyondGrace(log, nowMS) {
			continue
		}
		return false
	}
	return true
}

// logUnconfiguredBeyondGrace reports whether a log has been missing from
// the logs configuration for longer than the grace period. Records of such
// logs no longer block partition drops.
func (e *ShardEngine) logUnconfiguredBeyondGrace(log core.LogID, nowMS int64) bool {
	if e.opts.LogsConfig == nil {
		return false
	}
	if _, ok := e.opts.LogsConfig.LogConfig(log); ok {
		e.unconfiguredMu.Lock()
		delete(e.firstSeenUnconfigured, log)
		e.unconfiguredMu.Unlock()
		return false
	}
	e.unconfiguredMu.Lock()
	defer e.unconfiguredMu.Unlock()
	first, seen := e.firstSeenUnconfigured[log]
	if !seen {
		e.firstSeenUnconfigured[log] = nowMS
		return false
	}
	return nowMS-first >= e.opts.UnconfiguredLogGracePeriod.Milliseconds()
}

// consistencyCheckPass reconciles the cached directory with disk, at most
// once per configured period.
func (e *ShardEngine) consistencyCheckPass() {
	nowMS := e.nowMS()
	last := e.lastConsistencyCheck.Load()
	if nowMS-last < e.opts.DirectoryConsistencyCheckPeriod.Milliseconds() {
		return
	}
	if !e.lastConsistencyCheck.CompareAndSwap(last, nowMS) {
		return
	}
	for _, log := range e.dir.Logs() {
		if err := e.dir.Reconcile(log); err != nil {
			e.noteBackgroundError("directory-reconcile", err)
			return
		}
	}
	e.noteBackgroundSuccess()
}
