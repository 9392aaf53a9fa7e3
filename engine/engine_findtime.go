package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/INLOpen/logstore/core"
	"github.com/INLOpen/logstore/kv"
	"github.com/INLOpen/logstore/partition"
)

// FindTime returns the smallest LSN whose record timestamp is at or after
// target, at timestamp-granularity resolution. When no stored record is
// that recent, it returns one past the highest LSN written for the log.
func (e *ShardEngine) FindTime(ctx context.Context, log core.LogID, target time.Time) (core.LSN, error) {
	start := e.clock.Now()
	_, span := e.tracer.Start(ctx, "ShardEngine.FindTime")
	defer span.End()
	span.SetAttributes(attribute.Int64("log_id", int64(log)), attribute.Int64("target_ms", target.UnixMilli()))
	if err := e.checkOpen(); err != nil {
		return core.LSNInvalid, err
	}
	e.metrics.FindTimeTotal.Add(1)
	defer func() {
		e.metrics.FindTimeLatency.Observe(e.clock.Now().Sub(start).Seconds())
	}()

	targetMS := target.UnixMilli()
	parts := e.candidatePartitionsFor(targetMS)

	for _, p := range parts {
		if !p.Ref() {
			continue
		}
		var lsn core.LSN
		var err error
		if e.opts.ReadFindTimeIndex {
			lsn, err = e.findTimeViaIndex(p, log, targetMS)
		} else {
			lsn, err = e.findTimeViaScan(p, log, targetMS)
		}
		p.Unref()
		if err != nil {
			return core.LSNInvalid, err
		}
		if lsn != core.LSNInvalid {
			return lsn, nil
		}
	}
	return e.dir.MaxLSNWritten(log) + 1, nil
}

// candidatePartitionsFor returns the partition bracketing the target
// timestamp and everything newer, oldest-first.
func (e *ShardEngine) candidatePartitionsFor(targetMS int64) []*partition.Partition {
	all := e.catalog.All()
	margin := e.opts.NewPartitionTimestampMargin.Milliseconds()
	i := 0
	// Skip partitions whose whole observed range is before the target; the
	// margin keeps the bracketing partition included despite clock skew.
	for i < len(all)-1 && all[i].MaxTimestamp()+margin < targetMS {
		i++
	}
	return all[i:]
}

// findTimeViaIndex reads the per-bucket index: the first bucket at or after
// the target holds the smallest qualifying LSN in this partition.
func (e *ShardEngine) findTimeViaIndex(p *partition.Partition, log core.LogID, targetMS int64) (core.LSN, error) {
	bucket := uint64(targetMS) / uint64(e.opts.TimestampGranularity.Milliseconds())
	upper := core.KeyTypeUpperBound(core.KeyTypeFindTime)
	if !e.opts.DisableIterateUpperBound {
		upper = core.EncodeFindTimeKey(log+1, 0)
	}
	it, err := e.db.NewIter(p.Family, kv.IterOptions{
		LowerBound: core.EncodeFindTimeKey(log, bucket),
		UpperBound: upper,
	})
	if err != nil {
		return core.LSNInvalid, err
	}
	defer it.Close()

	if !it.First() {
		return core.LSNInvalid, it.Error()
	}
	entryLog, _, err := core.DecodeFindTimeKey(it.Key())
	if err != nil {
		return core.LSNInvalid, err
	}
	if entryLog != log {
		return core.LSNInvalid, nil
	}
	return core.DecodeTrimPoint(it.Value())
}

// findTimeViaScan walks the partition's records comparing embedded
// timestamps, for deployments that write no findTime index.
func (e *ShardEngine) findTimeViaScan(p *partition.Partition, log core.LogID, targetMS int64) (core.LSN, error) {
	upper := core.KeyTypeUpperBound(core.KeyTypeRecord)
	if !e.opts.DisableIterateUpperBound {
		upper = core.EncodeRecordKey(log+1, 0)
	}
	it, err := e.db.NewIter(p.Family, kv.IterOptions{
		LowerBound: core.EncodeRecordKey(log, 0),
		UpperBound: upper,
	})
	if err != nil {
		return core.LSNInvalid, err
	}
	defer it.Close()

	for valid := it.First(); valid; valid = it.Next() {
		entryLog, lsn, err := core.DecodeRecordKey(it.Key())
		if err != nil {
			return core.LSNInvalid, err
		}
		if entryLog != log {
			break
		}
		ts, err := core.DecodeRecordTimestamp(it.Value())
		if err != nil {
			return core.LSNInvalid, err
		}
		if ts >= targetMS {
			return lsn, nil
		}
	}
	return core.LSNInvalid, it.Error()
}
