package engine

// spaceTick polls free disk space. Crossing the low threshold raises the
// fullness signal so the sequencer side can trim proactively; with SBRForce
// the shard additionally advances trim points itself, sacrificing the
// oldest partition's backlog to stay writable.
func (e *ShardEngine) spaceTick() {
	stats, err := e.opts.DiskStat(e.opts.RootPath)
	if err != nil {
		e.noteBackgroundError("disk-stat", err)
		return
	}
	e.noteBackgroundSuccess()

	full := stats.FreeFraction() < e.opts.FreeDiskSpaceThresholdLow
	was := e.spaceFull.Swap(full)
	if full != was {
		if full {
			e.metrics.SpaceFullSignals.Add(1)
			e.logger.Warn("Disk free space below threshold, signaling fullness.",
				"free_fraction", stats.FreeFraction(), "threshold", e.opts.FreeDiskSpaceThresholdLow)
		} else {
			e.logger.Info("Disk free space recovered.", "free_fraction", stats.FreeFraction())
		}
		if e.opts.OnFullness != nil {
			e.opts.OnFullness(full)
		}
	}
	if full && e.opts.SBRForce {
		e.forceRetention()
	}
}

// forceRetention advances trim points past everything the oldest partition
// holds, making it droppable on the next lo-pri cycle.
func (e *ShardEngine) forceRetention() {
	oldest := e.catalog.Oldest()
	if oldest == nil {
		return
	}
	if e.catalog.Count() <= protectedNewestPartitions {
		// Nothing can be dropped anyway; forcing trims would only lose data
		// without freeing space.
		return
	}
	for log, entry := range e.dir.EntriesForPartition(oldest.ID) {
		changed, err := e.dir.AdvanceTrim(log, entry.LastLSN)
		if err != nil {
			e.noteBackgroundError("sbr-trim", err)
			return
		}
		if changed {
			e.metrics.SBRForcedTrims.Add(1)
			e.metrics.TrimPointsAdvanced.Add(1)
			e.logger.Warn("Space-based retention advanced trim point.",
				"log", log, "trim_lsn", entry.LastLSN, "partition", oldest.ID)
		}
	}
}
