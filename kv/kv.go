// Package kv adapts the embedded pebble LSM instance that backs one shard.
// It realizes column families as 4-byte big-endian key prefixes inside a
// single pebble database, which keeps multi-family write batches atomic (one
// batch, one WAL) while still allowing families to be created and dropped
// independently. The rest of the engine only sees families, batches and
// iterators; every pebble knob translation lives here.
package kv

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/bloom"

	"github.com/INLOpen/logstore/core"
)

// Options carries the substrate tuning knobs. Zero values select pebble
// defaults, except Compression, whose zero value (CompressionNone) turns SST
// compression off.
type Options struct {
	// CacheSize is the shared block cache capacity in bytes.
	CacheSize int64
	// WriteBufferSize is the memtable size in bytes.
	WriteBufferSize uint64
	// MaxOpenFiles bounds file descriptors held by the instance.
	MaxOpenFiles int
	// BlockSize is the uncompressed data block size for data families.
	BlockSize int
	// MetadataBlockSize overrides BlockSize for index blocks.
	MetadataBlockSize int
	// BloomBitsPerKey enables per-block bloom filters when positive.
	BloomBitsPerKey int
	// Compression selects the SST block compression codec.
	Compression core.CompressionType
	// CompactionStyle selects "universal" or "level" shaped compaction
	// heuristics.
	CompactionStyle string
	// L0CompactionFileThreshold is the L0 file count that triggers a
	// substrate-internal compaction.
	L0CompactionFileThreshold int
	// MaxConcurrentCompactions bounds substrate-internal compaction
	// parallelism.
	MaxConcurrentCompactions int
	// BytesPerSync paces background SST writes.
	BytesPerSync int
	// WALBytesPerSync paces background WAL syncing.
	WALBytesPerSync int
	// SSTDeleteBytesPerSec paces deletion of obsolete files after drops and
	// compactions.
	SSTDeleteBytesPerSec int64
	// DisableWAL turns the WAL off entirely. Testing only.
	DisableWAL bool

	Logger *slog.Logger
}

// familyPrefixLen is the length of the family-ID prefix on every key.
const familyPrefixLen = 4

// logPrefixLen covers family + key type tag + log id, the unit the bloom
// filter and prefix iteration operate on.
const logPrefixLen = familyPrefixLen + 1 + 8

// DB is one open pebble instance holding all families of a shard.
type DB struct {
	db     *pebble.DB
	cache  *pebble.Cache
	logger *slog.Logger
	path   string
}

// shardComparer splits keys at the (family, type, log_id) prefix so pebble
// builds prefix bloom filters that serve log-scoped point and range reads.
var shardComparer = func() *pebble.Comparer {
	c := *pebble.DefaultComparer
	c.Name = "logstore.family-log-prefix"
	c.Split = func(key []byte) int {
		if len(key) > logPrefixLen {
			return logPrefixLen
		}
		return len(key)
	}
	return &c
}()

// Open opens (creating if necessary) the pebble instance at path.
func Open(path string, opts Options) (*DB, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "KV")

	cache := pebble.NewCache(opts.CacheSize)
	popts := &pebble.Options{
		Cache:        cache,
		Comparer:     shardComparer,
		MaxOpenFiles: opts.MaxOpenFiles,
		DisableWAL:   opts.DisableWAL,
		Logger:       pebbleLogAdapter{logger},
	}
	if opts.WriteBufferSize > 0 {
		popts.MemTableSize = opts.WriteBufferSize
	}
	if opts.L0CompactionFileThreshold > 0 {
		popts.L0CompactionFileThreshold = opts.L0CompactionFileThreshold
	}
	if opts.MaxConcurrentCompactions > 0 {
		n := opts.MaxConcurrentCompactions
		popts.MaxConcurrentCompactions = func() int { return n }
	}
	if opts.BytesPerSync > 0 {
		popts.BytesPerSync = opts.BytesPerSync
	}
	if opts.WALBytesPerSync > 0 {
		popts.WALBytesPerSync = opts.WALBytesPerSync
	}
	if opts.SSTDeleteBytesPerSec > 0 {
		popts.TargetByteDeletionRate = int(opts.SSTDeleteBytesPerSec)
	}

	levels := make([]pebble.LevelOptions, 7)
	for i := range levels {
		l := &levels[i]
		if opts.BlockSize > 0 {
			l.BlockSize = opts.BlockSize
		}
		if opts.MetadataBlockSize > 0 {
			l.IndexBlockSize = opts.MetadataBlockSize
		}
		if opts.BloomBitsPerKey > 0 {
			l.FilterPolicy = bloom.FilterPolicy(opts.BloomBitsPerKey)
		}
		compression := translateCompression(opts.Compression)
		l.Compression = func() pebble.Compression { return compression }
	}
	popts.Levels = levels

	switch opts.CompactionStyle {
	case "", "universal":
		// Pebble's default heuristics are size-tiered at L0 and leveled
		// below, the closest match to universal compaction for an
		// append-mostly keyspace. Nothing to override.
	case "level":
		if popts.L0CompactionFileThreshold == 0 || popts.L0CompactionFileThreshold > 4 {
			popts.L0CompactionFileThreshold = 4
		}
	default:
		cache.Unref()
		return nil, fmt.Errorf("unknown compaction style %q", opts.CompactionStyle)
	}

	db, err := pebble.Open(path, popts)
	if err != nil {
		cache.Unref()
		return nil, core.NewIOError("open", err)
	}
	logger.Info("Opened KV instance.", "path", path, "cache_size", opts.CacheSize)
	return &DB{db: db, cache: cache, logger: logger, path: path}, nil
}

// Close closes the instance and releases its block cache.
func (d *DB) Close() error {
	err := d.db.Close()
	d.cache.Unref()
	if err != nil {
		return core.NewIOError("close", err)
	}
	return nil
}

// Get reads one key from a family. The returned close function must be
// called once the value is no longer needed; it is non-nil even on miss.
func (d *DB) Get(f Family, key []byte) ([]byte, func(), error) {
	val, closer, err := d.db.Get(f.Wrap(key))
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, func() {}, core.ErrNotFound
		}
		return nil, func() {}, core.NewIOError("get", err)
	}
	return val, func() { closer.Close() }, nil
}

// Flush synchronously flushes the memtable to L0.
func (d *DB) Flush() error {
	if err := d.db.Flush(); err != nil {
		return core.NewIOError("flush", err)
	}
	return nil
}

// AsyncFlush starts a memtable flush without waiting for it.
func (d *DB) AsyncFlush() error {
	if _, err := d.db.AsyncFlush(); err != nil {
		return core.NewIOError("flush", err)
	}
	return nil
}

// SyncWAL blocks until everything written so far is durable in the WAL.
// Used by the deferred-sync path for rebuilding stores.
func (d *DB) SyncWAL() error {
	b := d.db.NewBatch()
	defer b.Close()
	if err := d.db.Apply(b, pebble.Sync); err != nil {
		return core.NewIOError("wal-sync", err)
	}
	return nil
}

// CompactRange compacts the given key range of a family down to the bottom
// level. lo/hi are family-relative; a nil hi means the end of the family.
func (d *DB) CompactRange(f Family, lo, hi []byte) error {
	flo, fhi := f.Bounds()
	if lo != nil {
		flo = f.Wrap(lo)
	}
	if hi != nil {
		fhi = f.Wrap(hi)
	}
	if err := d.db.Compact(flo, fhi, true); err != nil {
		return core.NewIOError("compact", err)
	}
	return nil
}

// DropFamily removes every key of the family with a single atomic range
// deletion, then compacts the range away so the space is reclaimed.
func (d *DB) DropFamily(f Family) error {
	lo, hi := f.Bounds()
	if err := d.db.DeleteRange(lo, hi, pebble.Sync); err != nil {
		return core.NewIOError("drop-family", err)
	}
	if err := d.db.Compact(lo, hi, false); err != nil {
		// The tombstone is durable; reclaim is best effort and will happen
		// during normal compaction if this fails.
		d.logger.Warn("Compaction after family drop failed.", "family", f.Name, "error", err)
	}
	d.logger.Info("Dropped family.", "family", f.Name, "id", f.ID)
	return nil
}

// EstimateDiskUsage returns the approximate on-disk bytes held by a family.
func (d *DB) EstimateDiskUsage(f Family) (uint64, error) {
	lo, hi := f.Bounds()
	n, err := d.db.EstimateDiskUsage(lo, hi)
	if err != nil {
		return 0, core.NewIOError("estimate-disk-usage", err)
	}
	return n, nil
}

// WaitForCompactions gives internal compactions a bounded window to settle.
// Used by tests and shutdown.
func (d *DB) WaitForCompactions(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		m := d.db.Metrics()
		if m.Compact.NumInProgress == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func translateCompression(t core.CompressionType) pebble.Compression {
	switch t {
	case core.CompressionNone:
		return pebble.NoCompression
	case core.CompressionZstd:
		return pebble.ZstdCompression
	default:
		// Snappy is pebble's native fast codec; lz4 (which "lz4hc" also
		// parses to) maps to it.
		return pebble.SnappyCompression
	}
}

// pebbleLogAdapter routes pebble's internal logging into slog.
type pebbleLogAdapter struct {
	logger *slog.Logger
}

func (a pebbleLogAdapter) Infof(format string, args ...interface{}) {
	a.logger.Debug(fmt.Sprintf(format, args...))
}

func (a pebbleLogAdapter) Errorf(format string, args ...interface{}) {
	a.logger.Error(fmt.Sprintf(format, args...))
}

func (a pebbleLogAdapter) Fatalf(format string, args ...interface{}) {
	a.logger.Error(fmt.Sprintf(format, args...))
	panic(fmt.Sprintf(format, args...))
}
