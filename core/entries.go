package core

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// DirectoryEntryFlags annotate one (log, partition) directory entry.
type DirectoryEntryFlags uint32

const (
	// DirEntryUnderReplicated marks entries written while the partition was
	// dirty at an unclean shutdown; rebuilding must re-replicate them.
	DirEntryUnderReplicated DirectoryEntryFlags = 1 << 0
	// DirEntryPseudo marks entries created by a prepend before any record was
	// written, holding a range hint rather than observed LSNs.
	DirEntryPseudo DirectoryEntryFlags = 1 << 1
)

// DirectoryEntry is the per-(log, partition) metadata row: the LSN range the
// partition holds for the log and the approximate bytes written.
type DirectoryEntry struct {
	FirstLSN  LSN
	LastLSN   LSN
	SizeBytes uint64
	Flags     DirectoryEntryFlags
}

// Contains reports whether lsn lies inside the entry's range.
func (e *DirectoryEntry) Contains(lsn LSN) bool {
	return lsn >= e.FirstLSN && lsn <= e.LastLSN
}

// EncodeDirectoryEntry serializes a directory entry value.
func EncodeDirectoryEntry(e *DirectoryEntry) []byte {
	buf := make([]byte, 28)
	binary.BigEndian.PutUint64(buf[0:], uint64(e.FirstLSN))
	binary.BigEndian.PutUint64(buf[8:], uint64(e.LastLSN))
	binary.BigEndian.PutUint64(buf[16:], e.SizeBytes)
	binary.BigEndian.PutUint32(buf[24:], uint32(e.Flags))
	return buf
}

// DecodeDirectoryEntry parses a directory entry value.
func DecodeDirectoryEntry(b []byte) (DirectoryEntry, error) {
	if len(b) != 28 {
		return DirectoryEntry{}, NewCorruption("directory entry value has %d bytes, want 28", len(b))
	}
	e := DirectoryEntry{
		FirstLSN:  LSN(binary.BigEndian.Uint64(b[0:])),
		LastLSN:   LSN(binary.BigEndian.Uint64(b[8:])),
		SizeBytes: binary.BigEndian.Uint64(b[16:]),
		Flags:     DirectoryEntryFlags(binary.BigEndian.Uint32(b[24:])),
	}
	if e.FirstLSN > e.LastLSN {
		return DirectoryEntry{}, NewCorruption("directory entry range inverted: first %d > last %d", e.FirstLSN, e.LastLSN)
	}
	return e, nil
}

// EncodeTrimPoint serializes a trim point value.
func EncodeTrimPoint(lsn LSN) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(lsn))
	return buf
}

// DecodeTrimPoint parses a trim point value.
func DecodeTrimPoint(b []byte) (LSN, error) {
	if len(b) != 8 {
		return 0, NewCorruption("trim point value has %d bytes, want 8", len(b))
	}
	return LSN(binary.BigEndian.Uint64(b)), nil
}

// DirtyMarker is persisted when a partition first becomes dirty. Finding a
// marker from a different server instance at startup means the shard shut
// down uncleanly with unflushed data in that partition.
type DirtyMarker struct {
	Instance uuid.UUID
	Wave     uint32
}

// EncodeDirtyMarker serializes a dirty marker value.
func EncodeDirtyMarker(m *DirtyMarker) []byte {
	buf := make([]byte, 20)
	copy(buf, m.Instance[:])
	binary.BigEndian.PutUint32(buf[16:], m.Wave)
	return buf
}

// DecodeDirtyMarker parses a dirty marker value.
func DecodeDirtyMarker(b []byte) (DirtyMarker, error) {
	if len(b) != 20 {
		return DirtyMarker{}, NewCorruption("dirty marker value has %d bytes, want 20", len(b))
	}
	var m DirtyMarker
	copy(m.Instance[:], b[:16])
	m.Wave = binary.BigEndian.Uint32(b[16:])
	return m, nil
}

// PartitionMetaFlags annotate a persisted partition.
type PartitionMetaFlags uint32

const (
	// PartitionPrepended marks partitions created below the existing floor to
	// absorb old-timestamp writes.
	PartitionPrepended PartitionMetaFlags = 1 << 0
)

// PartitionMeta is the persisted catalog row for one partition.
type PartitionMeta struct {
	FamilyID     uint32
	MinTimestamp int64 // ms
	CreationTime int64 // ms
	Flags        PartitionMetaFlags
}

// EncodePartitionMeta serializes a partition catalog row.
func EncodePartitionMeta(m *PartitionMeta) []byte {
	buf := make([]byte, 24)
	binary.BigEndian.PutUint32(buf[0:], m.FamilyID)
	binary.BigEndian.PutUint64(buf[4:], uint64(m.MinTimestamp))
	binary.BigEndian.PutUint64(buf[12:], uint64(m.CreationTime))
	binary.BigEndian.PutUint32(buf[20:], uint32(m.Flags))
	return buf
}

// DecodePartitionMeta parses a partition catalog row.
func DecodePartitionMeta(b []byte) (PartitionMeta, error) {
	if len(b) != 24 {
		return PartitionMeta{}, NewCorruption("partition meta value has %d bytes, want 24", len(b))
	}
	return PartitionMeta{
		FamilyID:     binary.BigEndian.Uint32(b[0:]),
		MinTimestamp: int64(binary.BigEndian.Uint64(b[4:])),
		CreationTime: int64(binary.BigEndian.Uint64(b[12:])),
		Flags:        PartitionMetaFlags(binary.BigEndian.Uint32(b[20:])),
	}, nil
}

// EncodeSealValue serializes a sealed epoch.
func EncodeSealValue(epoch uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, epoch)
	return buf
}

// DecodeSealValue parses a sealed epoch.
func DecodeSealValue(b []byte) (uint32, error) {
	if len(b) != 4 {
		return 0, NewCorruption("seal value has %d bytes, want 4", len(b))
	}
	return binary.BigEndian.Uint32(b), nil
}

// FormatStoreFlags renders flags for logging.
func FormatStoreFlags(f StoreFlags) string {
	s := ""
	appendFlag := func(name string) {
		if s != "" {
			s += "|"
		}
		s += name
	}
	if f.Has(FlagChecksum) {
		appendFlag("CHECKSUM")
	}
	if f.Has(FlagWrittenByRebuilding) {
		appendFlag("REBUILDING")
	}
	if f.Has(FlagAmend) {
		appendFlag("AMEND")
	}
	if f.Has(FlagDrained) {
		appendFlag("DRAINED")
	}
	if s == "" {
		return "-"
	}
	return fmt.Sprintf("%s(0x%x)", s, uint32(f))
}
