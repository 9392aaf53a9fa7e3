package engine

import (
	"time"

	"github.com/INLOpen/logstore/kv"
	"github.com/INLOpen/logstore/partition"
)

// compactionRange is one contiguous run of L0 files selected for a partial
// compaction. Keys are family-relative.
type compactionRange struct {
	lo, hi     []byte
	fileCount  int
	totalBytes uint64
}

// pickPartialCompactions selects contiguous runs of small L0 files worth
// merging. A run qualifies when it has at least numThreshold files, every
// file is at or below sizeThreshold, the run total stays within maxTotal,
// and no single file exceeds largestShare of the run total. At most
// maxPicks runs are returned.
func pickPartialCompactions(files []kv.FileInfo, numThreshold int, sizeThreshold int64, maxTotal int64, largestShare float64, maxPicks int) []compactionRange {
	var picks []compactionRange
	i := 0
	for i < len(files) && len(picks) < maxPicks {
		if int64(files[i].SizeBytes) > sizeThreshold {
			i++
			continue
		}
		// Grow the run while files stay small and the total stays capped.
		j := i
		var total uint64
		var largest uint64
		for j < len(files) &&
			int64(files[j].SizeBytes) <= sizeThreshold &&
			int64(total+files[j].SizeBytes) <= maxTotal {
			total += files[j].SizeBytes
			if files[j].SizeBytes > largest {
				largest = files[j].SizeBytes
			}
			j++
		}
		run := files[i:j]
		if len(run) >= numThreshold && (total == 0 || float64(largest) <= largestShare*float64(total)) {
			picks = append(picks, compactionRange{
				lo:         run[0].SmallestKey,
				hi:         run[len(run)-1].LargestKey,
				fileCount:  len(run),
				totalBytes: total,
			})
		}
		if j == i {
			j = i + 1
		}
		i = j
	}
	return picks
}

// compactionPass selects and runs partial compactions, then evaluates the
// scheduled full-compaction policy. Compaction IO is paced by the
// configured rate limit.
func (e *ShardEngine) compactionPass() {
	picksLeft := e.opts.PartialCompactionMaxNumPerLoop
	latest := e.catalog.Latest()
	for _, p := range e.catalog.All() {
		if picksLeft <= 0 {
			break
		}
		if p == latest || p.Dropping() {
			// The write target's L0 churn is expected; leave it to the
			// substrate until the partition rotates out.
			continue
		}
		files, err := e.db.L0FilesForFamily(p.Family)
		if err != nil {
			e.noteBackgroundError("partial-compaction-scan", err)
			return
		}
		picks := pickPartialCompactions(files,
			e.opts.PartialCompactionFileNumThreshold,
			e.opts.PartialCompactionFileSizeThreshold,
			e.opts.PartialCompactionMaxFileSize,
			e.opts.PartialCompactionLargestFileShare,
			picksLeft)
		for _, pick := range picks {
			picksLeft--
			e.runPartialCompaction(p, pick)
		}
	}

	e.fullCompactionPass()
}

func (e *ShardEngine) runPartialCompaction(p *partition.Partition, r compactionRange) {
	e.partialInFlightTotal.Add(1)
	p.AddPartialCompaction(1)
	defer func() {
		p.AddPartialCompaction(-1)
		e.partialInFlightTotal.Add(-1)
	}()

	if err := e.db.CompactRange(p.Family, r.lo, r.hi); err != nil {
		e.noteBackgroundError("partial-compaction", err)
		return
	}
	e.metrics.PartialCompactions.Add(1)
	e.logger.Info("Partial compaction done.", "partition", p.ID, "files", r.fileCount, "bytes", r.totalBytes)
	e.pace(r.totalBytes)
	e.noteBackgroundSuccess()
}

// pace sleeps long enough that compaction throughput stays at or below the
// configured rate limit.
func (e *ShardEngine) pace(bytes uint64) {
	if e.opts.CompactionRateLimit <= 0 || bytes == 0 {
		return
	}
	d := time.Duration(float64(bytes) / float64(e.opts.CompactionRateLimit) * float64(time.Second))
	if d <= 0 {
		return
	}
	select {
	case <-e.clock.After(d):
	case <-e.shutdownChan:
	}
}

// fullCompactionPass runs scheduled full partition compactions. With an
// explicit schedule a partition is compacted once per crossed threshold;
// with "auto" the threshold derives from the largest configured log
// backlog, so a partition compacts after its retention has passed and its
// dead records can actually be reclaimed.
func (e *ShardEngine) fullCompactionPass() {
	thresholds := e.opts.CompactionSchedule
	if len(thresholds) == 0 {
		auto, ok := e.autoCompactionThreshold()
		if !ok {
			return
		}
		thresholds = []time.Duration{auto}
	}

	nowMS := e.nowMS()
	latest := e.catalog.Latest()
	for _, p := range e.catalog.All() {
		if p == latest || p.Dropping() || p.Dirty() {
			continue
		}
		for _, th := range thresholds {
			crossing := p.CreationTime + th.Milliseconds()
			if nowMS < crossing {
				continue
			}
			if p.LastFullCompaction() >= crossing {
				continue
			}
			size, _ := e.db.EstimateDiskUsage(p.Family)
			if err := e.db.CompactRange(p.Family, nil, nil); err != nil {
				e.noteBackgroundError("full-compaction", err)
				return
			}
			p.MarkFullCompaction(nowMS)
			e.metrics.FullCompactionsTotal.Add(1)
			e.logger.Info("Full partition compaction done.", "partition", p.ID, "threshold", th.String())
			e.noteBackgroundSuccess()
			e.pace(size)
			break
		}
	}
}

// autoCompactionThreshold derives the full-compaction age from the largest
// backlog duration across configured logs with directory state.
func (e *ShardEngine) autoCompactionThreshold() (time.Duration, bool) {
	if e.opts.LogsConfig == nil {
		return 0, false
	}
	var max time.Duration
	for _, log := range e.dir.Logs() {
		cfg, ok := e.opts.LogsConfig.LogConfig(log)
		if !ok {
			continue
		}
		if cfg.BacklogDuration > max {
			max = cfg.BacklogDuration
		}
	}
	return max, max > 0
}

// metadataCompactionPass compacts the metadata family once per period when
// directory churn has left it fragmented across multiple SSTs. Mass deletes
// after partition drops otherwise make metadata iterators wade through
// tombstones.
func (e *ShardEngine) metadataCompactionPass() {
	nowMS := e.nowMS()
	if nowMS-e.lastMetadataCompaction.Load() < e.opts.MetadataCompactionPeriod.Milliseconds() {
		return
	}
	count, err := e.db.SSTFileCountForFamily(kv.MetadataFamily)
	if err != nil {
		e.noteBackgroundError("metadata-compaction-scan", err)
		return
	}
	if count <= 1 {
		return
	}
	if err := e.db.CompactRange(kv.MetadataFamily, nil, nil); err != nil {
		e.noteBackgroundError("metadata-compaction", err)
		return
	}
	e.lastMetadataCompaction.Store(nowMS)
	e.metrics.MetadataCompactions.Add(1)
	e.logger.Info("Metadata family compacted.", "sst_files_before", count)
	e.noteBackgroundSuccess()
}
