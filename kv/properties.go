package kv

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/INLOpen/logstore/core"
)

// FileInfo describes one SST file overlapping a family, as seen by the
// partial-compaction picker. Keys are family-relative and clamped to the
// family bounds.
type FileInfo struct {
	FileNum     uint64
	SizeBytes   uint64
	SmallestKey []byte
	LargestKey  []byte
}

// L0FilesForFamily lists L0 files whose key range overlaps family f, in
// smallest-key order. L0 is where fresh flushes land, so this is the input
// to the partial compaction policy.
func (d *DB) L0FilesForFamily(f Family) ([]FileInfo, error) {
	tables, err := d.db.SSTables()
	if err != nil {
		return nil, core.NewIOError("sstables", err)
	}
	if len(tables) == 0 {
		return nil, nil
	}
	lo, hi := f.Bounds()
	var out []FileInfo
	for _, t := range tables[0] {
		smallest := t.Smallest.UserKey
		largest := t.Largest.UserKey
		if bytes.Compare(largest, lo) < 0 || bytes.Compare(smallest, hi) >= 0 {
			continue
		}
		fi := FileInfo{
			FileNum:   uint64(t.FileNum),
			SizeBytes: t.Size,
		}
		if bytes.Compare(smallest, lo) < 0 {
			smallest = lo
		}
		if bytes.Compare(largest, hi) >= 0 {
			largest = hi
		}
		fi.SmallestKey = append([]byte(nil), f.Unwrap(smallest)...)
		fi.LargestKey = append([]byte(nil), f.Unwrap(largest)...)
		out = append(out, fi)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].SmallestKey, out[j].SmallestKey) < 0 })
	return out, nil
}

// SSTFileCountForFamily counts SST files on any level overlapping family f.
// The metadata-compaction policy uses this to decide when churn has
// fragmented the metadata family.
func (d *DB) SSTFileCountForFamily(f Family) (int, error) {
	tables, err := d.db.SSTables()
	if err != nil {
		return 0, core.NewIOError("sstables", err)
	}
	lo, hi := f.Bounds()
	count := 0
	for _, level := range tables {
		for _, t := range level {
			if bytes.Compare(t.Largest.UserKey, lo) < 0 || bytes.Compare(t.Smallest.UserKey, hi) >= 0 {
				continue
			}
			count++
		}
	}
	return count, nil
}

// Property reports one named metric of the substrate. Unknown names return
// an error rather than a zero so misspelled probes fail loudly.
func (d *DB) Property(name string) (int64, error) {
	m := d.db.Metrics()
	switch name {
	case "kv.l0.num-files":
		return m.Levels[0].NumFiles, nil
	case "kv.mem.size":
		return int64(m.MemTable.Size), nil
	case "kv.mem.count":
		return m.MemTable.Count, nil
	case "kv.wal.size":
		return int64(m.WAL.Size), nil
	case "kv.disk.usage":
		return int64(m.DiskSpaceUsage()), nil
	case "kv.compactions.in-progress":
		return m.Compact.NumInProgress, nil
	case "kv.block-cache.hits":
		return m.BlockCache.Hits, nil
	case "kv.block-cache.misses":
		return m.BlockCache.Misses, nil
	case "kv.flushes":
		return m.Flush.Count, nil
	default:
		return 0, fmt.Errorf("unknown kv property %q", name)
	}
}

// MemTableSize returns the current total memtable bytes.
func (d *DB) MemTableSize() int64 {
	return int64(d.db.Metrics().MemTable.Size)
}
