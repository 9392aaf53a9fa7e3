package core

import (
	"encoding/binary"
	"fmt"
)

// Key type tags. Every key inside a column family starts with one of these
// bytes; the integer components that follow are big-endian so lexicographic
// ordering matches numeric ordering.
const (
	// Data families (per-partition and unpartitioned).
	KeyTypeRecord   byte = 0x01 // | log_id u64 | lsn u64
	KeyTypeCopyset  byte = 0x02 // | log_id u64 | lsn u64
	KeyTypeFindTime byte = 0x03 // | log_id u64 | ts_bucket u64

	// Metadata family.
	KeyTypeDirectory byte = 0x10 // | log_id u64 | partition_id u64
	KeyTypeTrimPoint byte = 0x11 // | log_id u64
	KeyTypeDirty     byte = 0x12 // | partition_id u64
	KeyTypePartition byte = 0x13 // | partition_id u64
	KeyTypeSeal      byte = 0x14 // | log_id u64
)

// EncodeRecordKey builds the primary record key for (log, lsn).
func EncodeRecordKey(log LogID, lsn LSN) []byte {
	return encodeTagU64U64(KeyTypeRecord, uint64(log), uint64(lsn))
}

// DecodeRecordKey parses a primary record key.
func DecodeRecordKey(key []byte) (LogID, LSN, error) {
	a, b, err := decodeTagU64U64(key, KeyTypeRecord)
	return LogID(a), LSN(b), err
}

// EncodeCopysetIndexKey builds a copyset index key for (log, lsn).
func EncodeCopysetIndexKey(log LogID, lsn LSN) []byte {
	return encodeTagU64U64(KeyTypeCopyset, uint64(log), uint64(lsn))
}

// DecodeCopysetIndexKey parses a copyset index key.
func DecodeCopysetIndexKey(key []byte) (LogID, LSN, error) {
	a, b, err := decodeTagU64U64(key, KeyTypeCopyset)
	return LogID(a), LSN(b), err
}

// EncodeFindTimeKey builds a findTime index key for (log, bucket).
func EncodeFindTimeKey(log LogID, bucket uint64) []byte {
	return encodeTagU64U64(KeyTypeFindTime, uint64(log), bucket)
}

// DecodeFindTimeKey parses a findTime index key.
func DecodeFindTimeKey(key []byte) (LogID, uint64, error) {
	a, b, err := decodeTagU64U64(key, KeyTypeFindTime)
	return LogID(a), b, err
}

// EncodeDirectoryKey builds the directory key for (log, partition).
func EncodeDirectoryKey(log LogID, p PartitionID) []byte {
	return encodeTagU64U64(KeyTypeDirectory, uint64(log), uint64(p))
}

// DecodeDirectoryKey parses a directory key.
func DecodeDirectoryKey(key []byte) (LogID, PartitionID, error) {
	a, b, err := decodeTagU64U64(key, KeyTypeDirectory)
	return LogID(a), PartitionID(b), err
}

// EncodeTrimPointKey builds the trim point key for a log.
func EncodeTrimPointKey(log LogID) []byte {
	return encodeTagU64(KeyTypeTrimPoint, uint64(log))
}

// DecodeTrimPointKey parses a trim point key.
func DecodeTrimPointKey(key []byte) (LogID, error) {
	a, err := decodeTagU64(key, KeyTypeTrimPoint)
	return LogID(a), err
}

// EncodeDirtyKey builds the dirty marker key for a partition.
func EncodeDirtyKey(p PartitionID) []byte {
	return encodeTagU64(KeyTypeDirty, uint64(p))
}

// DecodeDirtyKey parses a dirty marker key.
func DecodeDirtyKey(key []byte) (PartitionID, error) {
	a, err := decodeTagU64(key, KeyTypeDirty)
	return PartitionID(a), err
}

// EncodePartitionMetaKey builds the catalog metadata key for a partition.
func EncodePartitionMetaKey(p PartitionID) []byte {
	return encodeTagU64(KeyTypePartition, uint64(p))
}

// DecodePartitionMetaKey parses a catalog metadata key.
func DecodePartitionMetaKey(key []byte) (PartitionID, error) {
	a, err := decodeTagU64(key, KeyTypePartition)
	return PartitionID(a), err
}

// EncodeSealKey builds the seal state key for a log.
func EncodeSealKey(log LogID) []byte {
	return encodeTagU64(KeyTypeSeal, uint64(log))
}

// DecodeSealKey parses a seal state key.
func DecodeSealKey(key []byte) (LogID, error) {
	a, err := decodeTagU64(key, KeyTypeSeal)
	return LogID(a), err
}

// KeyTypeUpperBound returns the exclusive upper bound of a key-type keyspace,
// usable as an iterator bound covering every key of that type.
func KeyTypeUpperBound(tag byte) []byte {
	return []byte{tag + 1}
}

func encodeTagU64(tag byte, a uint64) []byte {
	key := make([]byte, 9)
	key[0] = tag
	binary.BigEndian.PutUint64(key[1:], a)
	return key
}

func encodeTagU64U64(tag byte, a, b uint64) []byte {
	key := make([]byte, 17)
	key[0] = tag
	binary.BigEndian.PutUint64(key[1:], a)
	binary.BigEndian.PutUint64(key[9:], b)
	return key
}

func decodeTagU64(key []byte, tag byte) (uint64, error) {
	if len(key) != 9 || key[0] != tag {
		return 0, fmt.Errorf("malformed key for tag 0x%02x: %d bytes", tag, len(key))
	}
	return binary.BigEndian.Uint64(key[1:]), nil
}

func decodeTagU64U64(key []byte, tag byte) (uint64, uint64, error) {
	if len(key) != 17 || key[0] != tag {
		return 0, 0, fmt.Errorf("malformed key for tag 0x%02x: %d bytes", tag, len(key))
	}
	return binary.BigEndian.Uint64(key[1:]), binary.BigEndian.Uint64(key[9:]), nil
}
