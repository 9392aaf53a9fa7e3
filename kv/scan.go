package kv

import (
	"encoding/binary"

	"github.com/cockroachdb/pebble"

	"github.com/INLOpen/logstore/core"
)

// PopulatedFamilyIDs discovers which family IDs currently hold at least one
// key. It hops between family prefixes with one seek per populated family,
// so cost is proportional to the number of families, not keys. Recovery uses
// this to find orphaned partition data left by a crash between a catalog
// update and the family drop.
func (d *DB) PopulatedFamilyIDs() ([]uint32, error) {
	it, err := d.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, core.NewIOError("scan-families", err)
	}
	defer it.Close()

	var ids []uint32
	seek := make([]byte, familyPrefixLen)
	valid := it.First()
	for valid {
		key := it.Key()
		if len(key) < familyPrefixLen {
			return nil, core.NewCorruption("key shorter than family prefix: %d bytes", len(key))
		}
		id := binary.BigEndian.Uint32(key)
		ids = append(ids, id)
		if id == ^uint32(0) {
			break
		}
		binary.BigEndian.PutUint32(seek, id+1)
		valid = it.SeekGE(seek)
	}
	if err := it.Error(); err != nil {
		return nil, core.NewIOError("scan-families", err)
	}
	return ids, nil
}
