package core

import (
	"encoding/binary"
	"time"
)

// recordFormatVersion is bumped whenever the record value layout changes.
const recordFormatVersion = 1

// RecordValue is the decoded form of a stored record value. Layout on disk:
//
//	version u8 | flags u32 | codec u8 | timestamp_ms i64 | checksum u64 |
//	copyset (count u8, shard u32...) | payload
//
// All integers big-endian. The checksum covers the uncompressed payload and
// is zero when FlagChecksum is unset.
type RecordValue struct {
	Flags       StoreFlags
	Codec       CompressionType
	TimestampMS int64
	Checksum    uint64
	Copyset     Copyset
	Payload     []byte
}

// Timestamp returns the record's write timestamp.
func (rv *RecordValue) Timestamp() time.Time {
	return time.UnixMilli(rv.TimestampMS)
}

// EncodeRecordValue serializes a record value.
func EncodeRecordValue(rv *RecordValue) []byte {
	n := 1 + 4 + 1 + 8 + 8 + rv.Copyset.EncodedLen() + len(rv.Payload)
	buf := make([]byte, 0, n)
	buf = append(buf, recordFormatVersion)
	buf = binary.BigEndian.AppendUint32(buf, uint32(rv.Flags))
	buf = append(buf, byte(rv.Codec))
	buf = binary.BigEndian.AppendUint64(buf, uint64(rv.TimestampMS))
	buf = binary.BigEndian.AppendUint64(buf, rv.Checksum)
	buf = rv.Copyset.AppendEncode(buf)
	buf = append(buf, rv.Payload...)
	return buf
}

// DecodeRecordValue parses a stored record value. The returned payload
// aliases b.
func DecodeRecordValue(b []byte) (*RecordValue, error) {
	const fixed = 1 + 4 + 1 + 8 + 8
	if len(b) < fixed+1 {
		return nil, NewCorruption("record value too short: %d bytes", len(b))
	}
	if b[0] != recordFormatVersion {
		return nil, NewCorruption("unsupported record format version %d", b[0])
	}
	rv := &RecordValue{
		Flags:       StoreFlags(binary.BigEndian.Uint32(b[1:])),
		Codec:       CompressionType(b[5]),
		TimestampMS: int64(binary.BigEndian.Uint64(b[6:])),
		Checksum:    binary.BigEndian.Uint64(b[14:]),
	}
	cs, rest, err := DecodeCopyset(b[fixed:])
	if err != nil {
		return nil, &CorruptionError{Detail: "record copyset", Err: err}
	}
	rv.Copyset = cs
	rv.Payload = rest
	return rv, nil
}

// DecodeRecordTimestamp extracts just the timestamp from an encoded record
// value without decoding the rest. Used by findTime's record scan.
func DecodeRecordTimestamp(b []byte) (int64, error) {
	if len(b) < 14 || b[0] != recordFormatVersion {
		return 0, NewCorruption("record value too short for timestamp: %d bytes", len(b))
	}
	return int64(binary.BigEndian.Uint64(b[6:])), nil
}

// EncodeCopysetIndexValue serializes a CSI entry: the copyset hash followed
// by the copyset itself, so filters can be evaluated without touching the
// record value.
func EncodeCopysetIndexValue(cs *Copyset) []byte {
	buf := make([]byte, 0, 8+cs.EncodedLen())
	buf = binary.BigEndian.AppendUint64(buf, cs.Hash())
	return cs.AppendEncode(buf)
}

// DecodeCopysetIndexValue parses a CSI entry.
func DecodeCopysetIndexValue(b []byte) (hash uint64, cs Copyset, err error) {
	if len(b) < 9 {
		return 0, cs, NewCorruption("copyset index value too short: %d bytes", len(b))
	}
	hash = binary.BigEndian.Uint64(b)
	cs, _, err = DecodeCopyset(b[8:])
	if err != nil {
		err = &CorruptionError{Detail: "copyset index value", Err: err}
	}
	return hash, cs, err
}
