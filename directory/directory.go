// Package directory maintains the per-log, per-partition metadata of one
// shard: which LSN range of each log lives in which partition, the trim
// point of each log, and seal state. The authoritative copy lives in the
// metadata column family; a two-level in-RAM map serves reads. KV commits
// first, the cache is updated after, so the cache can lag but never leads
// the disk.
package directory

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/INLOpen/logstore/core"
	"github.com/INLOpen/logstore/kv"
)

// DefaultNumLocks is the default stripe count for per-log locking.
const DefaultNumLocks = 256

type logState struct {
	entries map[core.PartitionID]core.DirectoryEntry
	trim    core.LSN
	seal    uint32
}

// Directory is the in-RAM view plus persistence of the shard's log
// metadata.
type Directory struct {
	db     *kv.DB
	logger *slog.Logger

	stripes []sync.Mutex

	mu   sync.RWMutex // guards the logs map structure only
	logs map[core.LogID]*logState
}

// Open loads the directory, trim points and seals from the metadata family.
func Open(db *kv.DB, logger *slog.Logger, numLocks int) (*Directory, error) {
	if numLocks <= 0 {
		numLocks = DefaultNumLocks
	}
	d := &Directory{
		db:      db,
		logger:  logger.With("component", "Directory"),
		stripes: make([]sync.Mutex, numLocks),
		logs:    make(map[core.LogID]*logState),
	}
	if err := d.load(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Directory) load() error {
	it, err := d.db.NewIter(kv.MetadataFamily, kv.IterOptions{
		LowerBound: []byte{core.KeyTypeDirectory},
		UpperBound: core.KeyTypeUpperBound(core.KeyTypeSeal),
	})
	if err != nil {
		return err
	}
	defer it.Close()

	entries, trims, seals := 0, 0, 0
	for valid := it.First(); valid; valid = it.Next() {
		key := it.Key()
		switch key[0] {
		case core.KeyTypeDirectory:
			log, part, err := core.DecodeDirectoryKey(key)
			if err != nil {
				return err
			}
			entry, err := core.DecodeDirectoryEntry(it.Value())
			if err != nil {
				d.logger.Error("Skipping undecodable directory entry.", "log", log, "partition", part, "error", err)
				continue
			}
			d.state(log).entries[part] = entry
			entries++
		case core.KeyTypeTrimPoint:
			log, err := core.DecodeTrimPointKey(key)
			if err != nil {
				return err
			}
			trim, err := core.DecodeTrimPoint(it.Value())
			if err != nil {
				return err
			}
			d.state(log).trim = trim
			trims++
		case core.KeyTypeSeal:
			log, err := core.DecodeSealKey(key)
			if err != nil {
				return err
			}
			epoch, err := core.DecodeSealValue(it.Value())
			if err != nil {
				return err
			}
			d.state(log).seal = epoch
			seals++
		}
	}
	if err := it.Error(); err != nil {
		return err
	}
	d.logger.Info("Directory loaded.", "entries", entries, "trim_points", trims, "seals", seals)
	return nil
}

// state returns the logState for a log, creating it if needed. Callers
// mutating entry contents must hold the log's stripe lock.
func (d *Directory) state(log core.LogID) *logState {
	d.mu.RLock()
	ls, ok := d.logs[log]
	d.mu.RUnlock()
	if ok {
		return ls
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if ls, ok = d.logs[log]; ok {
		return ls
	}
	ls = &logState{entries: make(map[core.PartitionID]core.DirectoryEntry)}
	d.logs[log] = ls
	return ls
}

// LockLog serializes writers of one log. Returns the unlock function.
// Writers hold the lock across the KV commit so per-log LSN ordering is
// also commit ordering.
func (d *Directory) LockLog(log core.LogID) func() {
	m := &d.stripes[uint64(log)%uint64(len(d.stripes))]
	m.Lock()
	return m.Unlock
}

// Staged is a pending directory update: the KV row is already in the batch,
// Commit publishes it to the cache after the batch applies.
type Staged struct {
	d     *Directory
	log   core.LogID
	part  core.PartitionID
	entry core.DirectoryEntry
	fresh bool
}

// Fresh reports whether this write creates the (log, partition) entry.
func (s *Staged) Fresh() bool { return s.fresh }

// Commit publishes the staged entry to the RAM cache. Call only after the
// KV batch carrying the row committed, with the log's stripe lock held.
func (s *Staged) Commit() {
	s.d.state(s.log).entries[s.part] = s.entry
}

// StageRecordWrite merges one record write into the (log, partition) entry
// and appends the updated row to b. Caller holds the log's stripe lock.
func (d *Directory) StageRecordWrite(b *kv.Batch, log core.LogID, part core.PartitionID, lsn core.LSN, size uint64) *Staged {
	ls := d.state(log)
	entry, ok := ls.entries[part]
	if !ok {
		entry = core.DirectoryEntry{FirstLSN: lsn, LastLSN: lsn}
	} else {
		if lsn < entry.FirstLSN {
			entry.FirstLSN = lsn
		}
		if lsn > entry.LastLSN {
			entry.LastLSN = lsn
		}
		entry.Flags &^= core.DirEntryPseudo
	}
	entry.SizeBytes += size
	b.Set(kv.MetadataFamily, core.EncodeDirectoryKey(log, part), core.EncodeDirectoryEntry(&entry))
	return &Staged{d: d, log: log, part: part, entry: entry, fresh: !ok}
}

// Entry returns the cached entry for (log, partition).
func (d *Directory) Entry(log core.LogID, part core.PartitionID) (core.DirectoryEntry, bool) {
	unlock := d.LockLog(log)
	defer unlock()
	e, ok := d.state(log).entries[part]
	return e, ok
}

// Lookup returns the partitions that may hold LSNs of log in [from, until],
// ascending. Over-approximation is fine; missing a partition that holds a
// live record is not, so entries match on range intersection.
func (d *Directory) Lookup(log core.LogID, from, until core.LSN) []core.PartitionID {
	unlock := d.LockLog(log)
	defer unlock()
	ls := d.state(log)
	var out []core.PartitionID
	for part, e := range ls.entries {
		if e.LastLSN < from || e.FirstLSN > until {
			continue
		}
		out = append(out, part)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Logs returns every log that currently has directory state.
func (d *Directory) Logs() []core.LogID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]core.LogID, 0, len(d.logs))
	for log := range d.logs {
		out = append(out, log)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// EntriesForPartition returns each log's entry in the given partition. The
// drop policy uses this to verify every entry is fully trimmed.
func (d *Directory) EntriesForPartition(part core.PartitionID) map[core.LogID]core.DirectoryEntry {
	out := make(map[core.LogID]core.DirectoryEntry)
	for _, log := range d.Logs() {
		unlock := d.LockLog(log)
		if e, ok := d.state(log).entries[part]; ok {
			out[log] = e
		}
		unlock()
	}
	return out
}

// TrimPoint returns the log's trim LSN; records at or below it are
// logically deleted.
func (d *Directory) TrimPoint(log core.LogID) core.LSN {
	unlock := d.LockLog(log)
	defer unlock()
	return d.state(log).trim
}

// AdvanceTrim raises the trim point of a log. Lower or equal values are
// no-ops, which makes Trim idempotent and order-insensitive. The new point
// is synced to disk before the cache moves.
func (d *Directory) AdvanceTrim(log core.LogID, to core.LSN) (bool, error) {
	unlock := d.LockLog(log)
	defer unlock()
	ls := d.state(log)
	if to <= ls.trim {
		return false, nil
	}
	b := d.db.NewBatch()
	b.Set(kv.MetadataFamily, core.EncodeTrimPointKey(log), core.EncodeTrimPoint(to))
	if err := d.db.Apply(b, true); err != nil {
		return false, err
	}
	ls.trim = to
	return true, nil
}

// SealEpoch returns the sealed epoch of a log, zero when unsealed.
func (d *Directory) SealEpoch(log core.LogID) uint32 {
	unlock := d.LockLog(log)
	defer unlock()
	return d.state(log).seal
}

// Seal raises the sealed epoch of a log. Lowering is a no-op.
func (d *Directory) Seal(log core.LogID, epoch uint32) (bool, error) {
	unlock := d.LockLog(log)
	defer unlock()
	ls := d.state(log)
	if epoch <= ls.seal {
		return false, nil
	}
	b := d.db.NewBatch()
	key := core.EncodeSealKey(log)
	b.Set(kv.MetadataFamily, key, core.EncodeSealValue(epoch))
	if err := d.db.Apply(b, true); err != nil {
		return false, err
	}
	ls.seal = epoch
	return true, nil
}

// GCEntries removes entries of log whose whole range is at or below the
// trim point, returning the partitions whose entries were dropped. The
// deletes are batched and synced before the cache forgets them.
func (d *Directory) GCEntries(log core.LogID) ([]core.PartitionID, error) {
	unlock := d.LockLog(log)
	defer unlock()
	ls := d.state(log)
	var gone []core.PartitionID
	b := d.db.NewBatch()
	for part, e := range ls.entries {
		if e.LastLSN <= ls.trim {
			b.Delete(kv.MetadataFamily, core.EncodeDirectoryKey(log, part))
			gone = append(gone, part)
		}
	}
	if len(gone) == 0 {
		b.Close()
		return nil, nil
	}
	if err := d.db.Apply(b, true); err != nil {
		return nil, err
	}
	for _, part := range gone {
		delete(ls.entries, part)
	}
	sort.Slice(gone, func(i, j int) bool { return gone[i] < gone[j] })
	return gone, nil
}

// StagePartitionRemoval appends deletion of every metadata row of the
// partition (directory entries and dirty marker) to b and returns a commit
// function publishing the removal to the cache after the batch applies.
func (d *Directory) StagePartitionRemoval(b *kv.Batch, part core.PartitionID) (commit func()) {
	logs := d.Logs()
	var affected []core.LogID
	for _, log := range logs {
		unlock := d.LockLog(log)
		_, ok := d.state(log).entries[part]
		unlock()
		if !ok {
			continue
		}
		b.Delete(kv.MetadataFamily, core.EncodeDirectoryKey(log, part))
		affected = append(affected, log)
	}
	b.Delete(kv.MetadataFamily, core.EncodeDirtyKey(part))
	b.Delete(kv.MetadataFamily, core.EncodePartitionMetaKey(part))
	return func() {
		for _, log := range affected {
			unlock := d.LockLog(log)
			delete(d.state(log).entries, part)
			unlock()
		}
	}
}

// MaxLSNWritten returns the highest LastLSN across all entries of a log.
func (d *Directory) MaxLSNWritten(log core.LogID) core.LSN {
	unlock := d.LockLog(log)
	defer unlock()
	var max core.LSN
	for _, e := range d.state(log).entries {
		if e.LastLSN > max {
			max = e.LastLSN
		}
	}
	return max
}

// Reconcile compares the cached entries of a log against disk and repairs
// the cache toward the union. Disk rows always at least cover what was
// committed, so merging keeps the cache over-approximate, never under.
func (d *Directory) Reconcile(log core.LogID) error {
	unlock := d.LockLog(log)
	defer unlock()
	ls := d.state(log)

	upper := core.KeyTypeUpperBound(core.KeyTypeDirectory)
	if log < core.LogID(^uint64(0)) {
		upper = core.EncodeDirectoryKey(log+1, 0)
	}
	it, err := d.db.NewIter(kv.MetadataFamily, kv.IterOptions{
		LowerBound: core.EncodeDirectoryKey(log, 0),
		UpperBound: upper,
	})
	if err != nil {
		return err
	}
	defer it.Close()

	for valid := it.First(); valid; valid = it.Next() {
		_, part, err := core.DecodeDirectoryKey(it.Key())
		if err != nil {
			return err
		}
		diskEntry, err := core.DecodeDirectoryEntry(it.Value())
		if err != nil {
			return err
		}
		cached, ok := ls.entries[part]
		if !ok {
			d.logger.Warn("Directory cache missing entry present on disk.", "log", log, "partition", part)
			ls.entries[part] = diskEntry
			continue
		}
		merged := cached
		if diskEntry.FirstLSN < merged.FirstLSN {
			merged.FirstLSN = diskEntry.FirstLSN
		}
		if diskEntry.LastLSN > merged.LastLSN {
			merged.LastLSN = diskEntry.LastLSN
		}
		if merged != cached {
			d.logger.Warn("Directory cache narrower than disk, widening.", "log", log, "partition", part)
			ls.entries[part] = merged
		}
	}
	return it.Error()
}
