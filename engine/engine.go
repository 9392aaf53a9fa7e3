// Package engine implements the storage engine of one shard: it accepts
// sequencer-assigned records, partitions them by write time, serves range
// reads and findTime queries, and runs the trim/drop/compaction machinery
// that bounds disk usage.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/INLOpen/logstore/compressors"
	"github.com/INLOpen/logstore/core"
	"github.com/INLOpen/logstore/directory"
	"github.com/INLOpen/logstore/kv"
	"github.com/INLOpen/logstore/partition"
	"github.com/INLOpen/logstore/sys"
)

var (
	ErrEngineClosed         = errors.New("engine is closed or not started")
	ErrEngineAlreadyStarted = errors.New("engine is already started")
)

// consecutiveIOErrorLimit is how many same-kind background IO errors in a
// row flip the shard read-only.
const consecutiveIOErrorLimit = 3

// Options configures one shard engine.
type Options struct {
	RootPath string
	ShardID  core.ShardID
	KV       kv.Options

	// LogsConfig is the read-only view of per-log configuration. Nil means
	// no log carries time-based retention and no log is treated as
	// unconfigured.
	LogsConfig core.LogsConfigView

	// Partition lifecycle.
	PartitionDuration             time.Duration
	PartitionFileLimit            int
	PartitionSizeLimit            int64
	PartitionCountSoftLimit       int
	TimestampGranularity          time.Duration
	NewPartitionTimestampMargin   time.Duration
	PrependedPartitionMinLifetime time.Duration
	PartitionHiPriCheckPeriod     time.Duration
	PartitionLoPriCheckPeriod     time.Duration
	UnconfiguredLogGracePeriod    time.Duration

	// Flush scheduler.
	DataAgeFlushTrigger      time.Duration
	IdleFlushTrigger         time.Duration
	BytesWrittenFlushTrigger int64
	MemtableSizePerNode      int64
	MinManualFlushInterval   time.Duration
	RedirtyGracePeriod       time.Duration

	// Compaction policy.
	CompactionSchedule                 []time.Duration // empty = auto
	CompactionRateLimit                int64           // uncompressed bytes/sec, 0 = unlimited
	PartialCompactionFileNumThreshold  int
	PartialCompactionFileSizeThreshold int64
	PartialCompactionMaxFileSize       int64
	PartialCompactionLargestFileShare  float64
	PartialCompactionMaxNumPerLoop     int
	PartialCompactionStallTrigger      int
	MetadataCompactionPeriod           time.Duration

	// Read path.
	UseCopysetIndex          bool
	ReadFindTimeIndex        bool
	DisableIterateUpperBound bool

	// Durability and safety.
	BackgroundWALSync               bool
	VerifyChecksumDuringStore       bool
	ReadOnly                        bool
	FreeDiskSpaceThresholdLow       float64
	SBRForce                        bool
	SpaceMonitorPeriod              time.Duration
	DiskStat                        sys.DiskStatFunc
	NumMetadataLocks                int
	DirectoryConsistencyCheckPeriod time.Duration

	// PayloadCompression selects the codec applied to stored payloads.
	PayloadCompression core.CompressionType

	// RebuildingRecipient, when non-nil, makes the shard refuse normal
	// stores and redirect them to the named shard.
	RebuildingRecipient *core.ShardID

	// OnFullness is invoked when the space monitor's fullness signal changes.
	OnFullness func(full bool)

	// DisableBackgroundLoops keeps the loops from starting; tests drive the
	// tick functions directly.
	DisableBackgroundLoops bool

	Logger         *slog.Logger
	Clock          clock.Clock
	TracerProvider trace.TracerProvider
	Metrics        *EngineMetrics
}

func (o *Options) applyDefaults() {
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Metrics == nil {
		o.Metrics = NewEngineMetrics(false, "")
	}
	if o.PartitionDuration <= 0 {
		o.PartitionDuration = 15 * time.Minute
	}
	if o.PartitionFileLimit <= 0 {
		o.PartitionFileLimit = 200
	}
	if o.PartitionCountSoftLimit <= 0 {
		o.PartitionCountSoftLimit = 2000
	}
	if o.TimestampGranularity <= 0 {
		o.TimestampGranularity = 10 * time.Second
	}
	if o.NewPartitionTimestampMargin < 0 {
		o.NewPartitionTimestampMargin = 0
	}
	if o.PrependedPartitionMinLifetime <= 0 {
		o.PrependedPartitionMinLifetime = 5 * time.Minute
	}
	if o.PartitionHiPriCheckPeriod <= 0 {
		o.PartitionHiPriCheckPeriod = 2 * time.Second
	}
	if o.PartitionLoPriCheckPeriod <= 0 {
		o.PartitionLoPriCheckPeriod = 30 * time.Second
	}
	if o.UnconfiguredLogGracePeriod <= 0 {
		o.UnconfiguredLogGracePeriod = 24 * time.Hour
	}
	if o.DataAgeFlushTrigger <= 0 {
		o.DataAgeFlushTrigger = 10 * time.Minute
	}
	if o.IdleFlushTrigger <= 0 {
		o.IdleFlushTrigger = 5 * time.Minute
	}
	if o.BytesWrittenFlushTrigger <= 0 {
		o.BytesWrittenFlushTrigger = 200 << 20
	}
	if o.MemtableSizePerNode <= 0 {
		o.MemtableSizePerNode = 10 << 30
	}
	if o.MinManualFlushInterval <= 0 {
		o.MinManualFlushInterval = 2 * time.Minute
	}
	if o.RedirtyGracePeriod < 0 {
		o.RedirtyGracePeriod = 0
	}
	if o.PartialCompactionFileNumThreshold <= 0 {
		o.PartialCompactionFileNumThreshold = 10
	}
	if o.PartialCompactionFileSizeThreshold <= 0 {
		o.PartialCompactionFileSizeThreshold = 2 << 20
	}
	if o.PartialCompactionMaxFileSize <= 0 {
		o.PartialCompactionMaxFileSize = 256 << 20
	}
	if o.PartialCompactionLargestFileShare <= 0 || o.PartialCompactionLargestFileShare > 1 {
		o.PartialCompactionLargestFileShare = 0.7
	}
	if o.PartialCompactionMaxNumPerLoop <= 0 {
		o.PartialCompactionMaxNumPerLoop = 4
	}
	if o.PartialCompactionStallTrigger <= 0 {
		o.PartialCompactionStallTrigger = 50
	}
	if o.MetadataCompactionPeriod <= 0 {
		o.MetadataCompactionPeriod = time.Hour
	}
	if o.FreeDiskSpaceThresholdLow <= 0 {
		o.FreeDiskSpaceThresholdLow = 0.2
	}
	if o.SpaceMonitorPeriod <= 0 {
		o.SpaceMonitorPeriod = 30 * time.Second
	}
	if o.DiskStat == nil {
		o.DiskStat = sys.DefaultDiskStat
	}
	if o.NumMetadataLocks <= 0 {
		o.NumMetadataLocks = directory.DefaultNumLocks
	}
	if o.DirectoryConsistencyCheckPeriod <= 0 {
		o.DirectoryConsistencyCheckPeriod = 10 * time.Minute
	}
}

// ShardEngine is one shard's storage engine.
type ShardEngine struct {
	opts    Options
	db      *kv.DB
	catalog *partition.Catalog
	dir     *directory.Directory

	logger  *slog.Logger
	clock   clock.Clock
	tracer  trace.Tracer
	metrics *EngineMetrics

	// instance identifies this process lifetime in dirty markers.
	instance uuid.UUID
	wave     atomic.Uint32

	payloadCompressor core.Compressor

	isStarted atomic.Bool
	isClosing atomic.Bool
	readOnly  atomic.Bool
	spaceFull atomic.Bool

	// consecutive same-kind background IO errors.
	bgErrStreak atomic.Int32

	lastManualFlush        atomic.Int64 // ms
	lastMetadataCompaction atomic.Int64 // ms
	lastConsistencyCheck   atomic.Int64 // ms
	partialInFlightTotal   atomic.Int32

	// firstSeenUnconfigured tracks when the lo-pri loop first noticed a log
	// without configuration, for the drop grace period.
	unconfiguredMu        sync.Mutex
	firstSeenUnconfigured map[core.LogID]int64 // ms

	shutdownChan chan struct{}
	loops        *errgroup.Group
	flushKick    chan struct{}
	walSyncKick  chan struct{}
}

// Open opens the shard at opts.RootPath, recovers persisted state, and
// starts the background loops.
func Open(opts Options) (*ShardEngine, error) {
	opts.applyDefaults()
	logger := opts.Logger.With("component", "ShardEngine", "shard", opts.ShardID)

	shardPath := filepath.Join(opts.RootPath, fmt.Sprintf("shard_%d", opts.ShardID))
	if _, err := os.Stat(shardPath); os.IsNotExist(err) {
		if err := os.MkdirAll(shardPath, 0o755); err != nil {
			return nil, core.NewIOError("create-shard-dir", err)
		}
	}

	kvOpts := opts.KV
	kvOpts.Logger = opts.Logger
	db, err := kv.Open(shardPath, kvOpts)
	if err != nil {
		return nil, err
	}

	e := &ShardEngine{
		opts:                  opts,
		db:                    db,
		logger:                logger,
		clock:                 opts.Clock,
		metrics:               opts.Metrics,
		instance:              uuid.New(),
		shutdownChan:          make(chan struct{}),
		flushKick:             make(chan struct{}, 1),
		walSyncKick:           make(chan struct{}, 1),
		firstSeenUnconfigured: make(map[core.LogID]int64),
	}
	if opts.TracerProvider != nil {
		e.tracer = opts.TracerProvider.Tracer("github.com/INLOpen/logstore/engine")
	} else {
		e.tracer = noop.NewTracerProvider().Tracer("")
	}
	e.readOnly.Store(opts.ReadOnly)

	e.payloadCompressor, err = compressors.ForType(opts.PayloadCompression)
	if err != nil {
		db.Close()
		return nil, err
	}

	e.catalog, err = partition.Open(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	e.dir, err = directory.Open(db, logger, opts.NumMetadataLocks)
	if err != nil {
		db.Close()
		return nil, err
	}

	if err := e.recoverDirtyState(); err != nil {
		db.Close()
		return nil, err
	}

	if e.catalog.Count() == 0 {
		now := e.nowMS()
		// The first partition opens its range slightly in the past so the
		// writes that triggered shard creation land in it.
		if _, err := e.catalog.CreateNew(now-opts.NewPartitionTimestampMargin.Milliseconds(), now); err != nil {
			db.Close()
			return nil, err
		}
		e.metrics.PartitionsCreated.Add(1)
	}

	e.isStarted.Store(true)
	e.lastManualFlush.Store(e.nowMS())
	e.lastMetadataCompaction.Store(e.nowMS())

	if !opts.DisableBackgroundLoops {
		e.startLoops()
	}
	logger.Info("Shard engine opened.", "path", shardPath, "partitions", e.catalog.Count())
	return e, nil
}

// recoverDirtyState scans persisted dirty markers. Markers from a previous
// instance mean an unclean shutdown: the affected partitions' directory
// entries are flagged under-replicated so rebuilding re-replicates them, and
// the stale markers are dropped.
func (e *ShardEngine) recoverDirtyState() error {
	it, err := e.db.NewIter(kv.MetadataFamily, kv.IterOptions{
		LowerBound: []byte{core.KeyTypeDirty},
		UpperBound: core.KeyTypeUpperBound(core.KeyTypeDirty),
	})
	if err != nil {
		return err
	}
	defer it.Close()

	b := e.db.NewBatch()
	dirtyPartitions := 0
	for valid := it.First(); valid; valid = it.Next() {
		part, err := core.DecodeDirtyKey(it.Key())
		if err != nil {
			return err
		}
		marker, err := core.DecodeDirtyMarker(it.Value())
		if err != nil {
			return err
		}
		dirtyPartitions++
		e.logger.Warn("Unclean shutdown detected for partition.",
			"partition", part, "previous_instance", marker.Instance.String(), "wave", marker.Wave)

		for log, entry := range e.dir.EntriesForPartition(part) {
			entry.Flags |= core.DirEntryUnderReplicated
			b.Set(kv.MetadataFamily, core.EncodeDirectoryKey(log, part), core.EncodeDirectoryEntry(&entry))
		}
		b.Delete(kv.MetadataFamily, core.EncodeDirtyKey(part))
	}
	if err := it.Error(); err != nil {
		b.Close()
		return err
	}
	if dirtyPartitions == 0 {
		b.Close()
		return nil
	}
	e.metrics.UncleanShutdowns.Add(1)
	if err := e.db.Apply(b, true); err != nil {
		return err
	}
	// Reload the directory cache so the flags are visible.
	dir, err := directory.Open(e.db, e.opts.Logger, e.opts.NumMetadataLocks)
	if err != nil {
		return err
	}
	e.dir = dir
	return nil
}

func (e *ShardEngine) startLoops() {
	g := &errgroup.Group{}
	e.loops = g
	g.Go(func() error { return e.runTicker(e.opts.PartitionHiPriCheckPeriod, e.hiPriTick) })
	g.Go(func() error { return e.runTicker(e.opts.PartitionLoPriCheckPeriod, e.loPriTick) })
	g.Go(func() error { return e.runTickerKickable(e.opts.MinManualFlushInterval, e.flushKick, e.flushTick) })
	g.Go(func() error { return e.runTicker(e.opts.SpaceMonitorPeriod, e.spaceTick) })
	if e.opts.BackgroundWALSync {
		g.Go(func() error { return e.runTickerKickable(time.Second, e.walSyncKick, e.walSyncTick) })
	}
}

func (e *ShardEngine) runTicker(period time.Duration, tick func()) error {
	t := e.clock.Ticker(period)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			tick()
		case <-e.shutdownChan:
			return nil
		}
	}
}

func (e *ShardEngine) runTickerKickable(period time.Duration, kick chan struct{}, tick func()) error {
	t := e.clock.Ticker(period)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			tick()
		case <-kick:
			tick()
		case <-e.shutdownChan:
			return nil
		}
	}
}

// Close stops the background loops, flushes outstanding data, and closes
// the KV instance.
func (e *ShardEngine) Close() error {
	if !e.isStarted.Load() {
		return ErrEngineClosed
	}
	if !e.isClosing.CompareAndSwap(false, true) {
		return ErrEngineClosed
	}
	close(e.shutdownChan)
	if e.loops != nil {
		_ = e.loops.Wait()
	}

	// Final flush so dirty markers can be cleared and restart is clean.
	if err := e.flushAllPartitions("shutdown"); err != nil {
		e.logger.Error("Final flush failed during shutdown.", "error", err)
	} else {
		e.cleanDirtyMarkers(true)
	}

	e.isStarted.Store(false)
	err := e.db.Close()
	e.logger.Info("Shard engine closed.")
	return err
}

// ReadOnly reports whether the shard currently rejects writes.
func (e *ShardEngine) ReadOnly() bool { return e.readOnly.Load() }

// SpaceFull reports whether the space monitor considers the disk full.
func (e *ShardEngine) SpaceFull() bool { return e.spaceFull.Load() }

// Metrics exposes the engine counters.
func (e *ShardEngine) Metrics() *EngineMetrics { return e.metrics }

// Catalog exposes the partition catalog. Intended for tests and tooling.
func (e *ShardEngine) Catalog() *partition.Catalog { return e.catalog }

// Directory exposes the log directory. Intended for tests and tooling.
func (e *ShardEngine) Directory() *directory.Directory { return e.dir }

// Property surfaces one named substrate metric.
func (e *ShardEngine) Property(name string) (int64, error) {
	return e.db.Property(name)
}

func (e *ShardEngine) nowMS() int64 {
	return e.clock.Now().UnixMilli()
}

// checkOpen validates the engine accepts foreground operations.
func (e *ShardEngine) checkOpen() error {
	if !e.isStarted.Load() || e.isClosing.Load() {
		return core.ErrShuttingDown
	}
	return nil
}

// noteBackgroundError counts a background failure and flips the shard
// read-only after enough consecutive IO errors of the same kind.
func (e *ShardEngine) noteBackgroundError(op string, err error) {
	e.metrics.BackgroundErrors.Add(1)
	if !core.IsIOError(err) {
		e.bgErrStreak.Store(0)
		e.logger.Error("Background operation failed.", "op", op, "error", err)
		return
	}
	streak := e.bgErrStreak.Add(1)
	e.logger.Error("Background IO error.", "op", op, "streak", streak, "error", err)
	if streak >= consecutiveIOErrorLimit && e.readOnly.CompareAndSwap(false, true) {
		e.metrics.ShardReadOnlyTrips.Add(1)
		e.logger.Error("Transitioning shard to read-only after repeated IO errors.", "streak", streak)
	}
}

func (e *ShardEngine) noteBackgroundSuccess() {
	e.bgErrStreak.Store(0)
}
