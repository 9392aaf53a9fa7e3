package core

import (
	"time"
)

// LogID identifies one log within the cluster. Log 0 is invalid.
type LogID uint64

// LSN is the sequence number assigned to a record within a log by the
// sequencer. LSNs are unique per log and monotonically increasing.
type LSN uint64

const (
	// LSNInvalid is never assigned to a record.
	LSNInvalid LSN = 0
	// LSNMax is the largest representable LSN, used as an open upper bound.
	LSNMax LSN = ^LSN(0)
)

// ShardID identifies one storage shard on some node in the cluster.
type ShardID uint32

// PartitionID identifies a partition within a shard. IDs are allocated
// monotonically and never reused for the lifetime of the shard.
type PartitionID uint64

// StoreFlags carries per-record flags persisted in the record header.
type StoreFlags uint32

const (
	// FlagChecksum indicates the request carries a payload checksum that must
	// be verified before the record is accepted.
	FlagChecksum StoreFlags = 1 << 0
	// FlagWrittenByRebuilding marks records written by the rebuilding
	// pipeline rather than a live sequencer.
	FlagWrittenByRebuilding StoreFlags = 1 << 1
	// FlagAmend marks a metadata-only amendment of an existing record.
	FlagAmend StoreFlags = 1 << 2
	// FlagDrained marks records stored after their log was drained from this
	// shard.
	FlagDrained StoreFlags = 1 << 3
)

// Has reports whether all bits in other are set in f.
func (f StoreFlags) Has(other StoreFlags) bool {
	return f&other == other
}

// RebuildContext accompanies stores issued by the rebuilding pipeline. The
// engine uses it to relax WAL sync (rebuilding batches are re-sendable) and
// to account stalls against the partial-compaction backlog.
type RebuildContext struct {
	Version    uint64
	Wave       uint32
	FlushToken uint64
}

// StoreRequest is one validated record handed to the write path. The
// sequencer has already assigned the LSN and chosen the copyset.
type StoreRequest struct {
	LogID     LogID
	LSN       LSN
	Timestamp time.Time
	Copyset   Copyset
	Flags     StoreFlags
	Checksum  uint64
	Payload   []byte
	Rebuild   *RebuildContext
}

// Record is one stored record as returned by the read path.
type Record struct {
	LogID     LogID
	LSN       LSN
	Timestamp time.Time
	Copyset   Copyset
	Flags     StoreFlags
	Payload   []byte
}

// TrimGap marks a range of LSNs that was trimmed away, reported in-stream so
// readers can distinguish data loss from retention.
type TrimGap struct {
	LogID LogID
	From  LSN
	To    LSN
}

// LogConfig is the engine's read-only view of one log's configuration,
// provided by the nodes-configuration layer.
type LogConfig struct {
	BacklogDuration time.Duration // zero means no time-based retention
}

// LogsConfigView resolves a log id to its configuration. Unconfigured logs
// return ok=false; the lo-pri loop treats their records as droppable after
// the grace period.
type LogsConfigView interface {
	LogConfig(id LogID) (cfg LogConfig, ok bool)
}
