package engine

import (
	"expvar"
	"sync"

	tdigest "github.com/caio/go-tdigest/v4"
)

// LatencyDigest tracks a latency distribution with a t-digest so health
// endpoints can report quantiles without fixed buckets.
type LatencyDigest struct {
	mu sync.Mutex
	td *tdigest.TDigest
}

// NewLatencyDigest creates an empty digest.
func NewLatencyDigest() *LatencyDigest {
	td, err := tdigest.New()
	if err != nil {
		panic(err)
	}
	return &LatencyDigest{td: td}
}

// Observe adds one latency sample in seconds.
func (l *LatencyDigest) Observe(seconds float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_ = l.td.Add(seconds)
}

// Quantile returns the latency at quantile q in seconds.
func (l *LatencyDigest) Quantile(q float64) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.td.Quantile(q)
}

// Count returns the number of observed samples.
func (l *LatencyDigest) Count() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.td.Count()
}

// EngineMetrics holds all counters for one shard engine instance.
type EngineMetrics struct {
	StoreTotal           *expvar.Int
	StoreErrorsTotal     *expvar.Int
	StoreBytesTotal      *expvar.Int
	ReadTotal            *expvar.Int
	ReadRecordsTotal     *expvar.Int
	ReadErrorsTotal      *expvar.Int
	FindTimeTotal        *expvar.Int
	TrimTotal            *expvar.Int
	SealTotal            *expvar.Int

	PayloadReadsTotal     *expvar.Int // record values fetched from the KV
	CSIEntriesScanned     *expvar.Int
	CSIRecordsSkipped     *expvar.Int // records filtered without a payload read

	FlushTotal            *expvar.Int
	FlushBytesTotal       *expvar.Int
	PartitionsCreated     *expvar.Int
	PartitionsPrepended   *expvar.Int
	PartitionsDropped     *expvar.Int
	FullCompactionsTotal  *expvar.Int
	PartialCompactions    *expvar.Int
	MetadataCompactions   *expvar.Int
	RebuildingStallsTotal *expvar.Int

	TrimPointsAdvanced   *expvar.Int
	DirectoryEntriesGCed *expvar.Int

	SpaceFullSignals    *expvar.Int
	SBRForcedTrims      *expvar.Int
	BackgroundErrors    *expvar.Int
	ShardReadOnlyTrips  *expvar.Int
	UncleanShutdowns    *expvar.Int

	StoreLatency    *LatencyDigest
	ReadLatency     *LatencyDigest
	FindTimeLatency *LatencyDigest
	FlushLatency    *LatencyDigest
}

// NewEngineMetrics creates and initializes metrics. With publishGlobally the
// counters register in the process expvar namespace under prefix.
func NewEngineMetrics(publishGlobally bool, prefix string) *EngineMetrics {
	newInt := func(name string) *expvar.Int {
		if publishGlobally {
			return expvar.NewInt(prefix + name)
		}
		return new(expvar.Int)
	}
	return &EngineMetrics{
		StoreTotal:       newInt("store_total"),
		StoreErrorsTotal: newInt("store_errors_total"),
		StoreBytesTotal:  newInt("store_bytes_total"),
		ReadTotal:        newInt("read_total"),
		ReadRecordsTotal: newInt("read_records_total"),
		ReadErrorsTotal:  newInt("read_errors_total"),
		FindTimeTotal:    newInt("findtime_total"),
		TrimTotal:        newInt("trim_total"),
		SealTotal:        newInt("seal_total"),

		PayloadReadsTotal: newInt("payload_reads_total"),
		CSIEntriesScanned: newInt("csi_entries_scanned_total"),
		CSIRecordsSkipped: newInt("csi_records_skipped_total"),

		FlushTotal:            newInt("flush_total"),
		FlushBytesTotal:       newInt("flush_bytes_total"),
		PartitionsCreated:     newInt("partitions_created_total"),
		PartitionsPrepended:   newInt("partitions_prepended_total"),
		PartitionsDropped:     newInt("partitions_dropped_total"),
		FullCompactionsTotal:  newInt("full_compactions_total"),
		PartialCompactions:    newInt("partial_compactions_total"),
		MetadataCompactions:   newInt("metadata_compactions_total"),
		RebuildingStallsTotal: newInt("rebuilding_stalls_total"),

		TrimPointsAdvanced:   newInt("trim_points_advanced_total"),
		DirectoryEntriesGCed: newInt("directory_entries_gced_total"),

		SpaceFullSignals:   newInt("space_full_signals_total"),
		SBRForcedTrims:     newInt("sbr_forced_trims_total"),
		BackgroundErrors:   newInt("background_errors_total"),
		ShardReadOnlyTrips: newInt("shard_read_only_trips_total"),
		UncleanShutdowns:   newInt("unclean_shutdowns_total"),

		StoreLatency:    NewLatencyDigest(),
		ReadLatency:     NewLatencyDigest(),
		FindTimeLatency: NewLatencyDigest(),
		FlushLatency:    NewLatencyDigest(),
	}
}
