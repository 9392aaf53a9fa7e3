package kv

import (
	"encoding/binary"
)

// Reserved family IDs. Partition families start at FirstPartitionFamilyID.
const (
	MetadataFamilyID       uint32 = 0
	UnpartitionedFamilyID  uint32 = 1
	FirstPartitionFamilyID uint32 = 2
)

// Family names one keyspace inside the shard's pebble instance. Families are
// cheap value types; dropping one is a range deletion over its prefix.
type Family struct {
	ID   uint32
	Name string
}

// MetadataFamily is the reserved family holding the directory, trim points,
// dirty markers and the partition catalog.
var MetadataFamily = Family{ID: MetadataFamilyID, Name: "metadata"}

// UnpartitionedFamily is the reserved family for internal logs that bypass
// time partitioning.
var UnpartitionedFamily = Family{ID: UnpartitionedFamilyID, Name: "unpartitioned"}

// Wrap prepends the family prefix to a family-relative key.
func (f Family) Wrap(key []byte) []byte {
	out := make([]byte, familyPrefixLen+len(key))
	binary.BigEndian.PutUint32(out, f.ID)
	copy(out[familyPrefixLen:], key)
	return out
}

// Unwrap strips the family prefix from an absolute key. The result aliases
// key.
func (f Family) Unwrap(key []byte) []byte {
	return key[familyPrefixLen:]
}

// Bounds returns the [lo, hi) absolute key range covering the whole family.
func (f Family) Bounds() (lo, hi []byte) {
	lo = make([]byte, familyPrefixLen)
	binary.BigEndian.PutUint32(lo, f.ID)
	hi = make([]byte, familyPrefixLen)
	binary.BigEndian.PutUint32(hi, f.ID+1)
	return lo, hi
}

// Contains reports whether an absolute key belongs to this family.
func (f Family) Contains(absKey []byte) bool {
	return len(absKey) >= familyPrefixLen && binary.BigEndian.Uint32(absKey) == f.ID
}
