package engine

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"github.com/INLOpen/logstore/core"
)

// Trim advances the trim point of a log. Records with LSN at or below the
// trim point become invisible immediately and are physically reclaimed when
// their partitions are dropped or compacted. The operation is idempotent:
// lower or equal trim points are no-ops.
func (e *ShardEngine) Trim(ctx context.Context, log core.LogID, upTo core.LSN) error {
	_, span := e.tracer.Start(ctx, "ShardEngine.Trim")
	defer span.End()
	span.SetAttributes(attribute.Int64("log_id", int64(log)), attribute.Int64("up_to", int64(upTo)))
	if err := e.checkOpen(); err != nil {
		return err
	}
	if log == 0 {
		return &core.ProtocolError{Detail: "log id must be non-zero"}
	}
	e.metrics.TrimTotal.Add(1)

	changed, err := e.dir.AdvanceTrim(log, upTo)
	if err != nil {
		return err
	}
	if changed {
		e.metrics.TrimPointsAdvanced.Add(1)
		e.logger.Info("Trim point advanced.", "log", log, "trim_lsn", upTo)
	}
	return nil
}

// TrimPoint returns the current trim point of a log.
func (e *ShardEngine) TrimPoint(log core.LogID) core.LSN {
	return e.dir.TrimPoint(log)
}

// retentionTrimPass advances trim points by per-log time-based retention:
// for every log with a configured backlog duration, everything that lives
// only in partitions whose data is entirely older than the backlog window
// gets trimmed.
func (e *ShardEngine) retentionTrimPass() {
	if e.opts.LogsConfig == nil {
		return
	}
	nowMS := e.nowMS()
	for _, log := range e.dir.Logs() {
		cfg, ok := e.opts.LogsConfig.LogConfig(log)
		if !ok || cfg.BacklogDuration <= 0 {
			continue
		}
		horizon := nowMS - cfg.BacklogDuration.Milliseconds()
		var target core.LSN
		for _, p := range e.catalog.All() {
			if p.MaxTimestamp() >= horizon {
				break
			}
			entry, ok := e.dir.Entry(log, p.ID)
			if !ok {
				continue
			}
			if entry.LastLSN > target {
				target = entry.LastLSN
			}
		}
		if target == core.LSNInvalid {
			continue
		}
		changed, err := e.dir.AdvanceTrim(log, target)
		if err != nil {
			e.noteBackgroundError("retention-trim", err)
			return
		}
		if changed {
			e.metrics.TrimPointsAdvanced.Add(1)
			e.logger.Info("Retention advanced trim point.", "log", log, "trim_lsn", target, "backlog", cfg.BacklogDuration.String())
		}
	}
	e.noteBackgroundSuccess()
}

// directoryGCPass removes directory entries whose whole range is trimmed.
func (e *ShardEngine) directoryGCPass() {
	for _, log := range e.dir.Logs() {
		gone, err := e.dir.GCEntries(log)
		if err != nil {
			e.noteBackgroundError("directory-gc", err)
			return
		}
		if len(gone) > 0 {
			e.metrics.DirectoryEntriesGCed.Add(int64(len(gone)))
		}
	}
	e.noteBackgroundSuccess()
}
