package core

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordKeyOrdering(t *testing.T) {
	// Byte-wise ordering of record keys must match (log, lsn) numeric order,
	// including values that straddle byte boundaries.
	keys := [][]byte{
		EncodeRecordKey(1, 1),
		EncodeRecordKey(1, 255),
		EncodeRecordKey(1, 256),
		EncodeRecordKey(1, 1<<32),
		EncodeRecordKey(2, 1),
		EncodeRecordKey(256, 5),
	}
	for i := 1; i < len(keys); i++ {
		assert.Negative(t, bytes.Compare(keys[i-1], keys[i]),
			"key %d should sort before key %d", i-1, i)
	}
}

func TestRecordKeyRoundTrip(t *testing.T) {
	key := EncodeRecordKey(42, 1000)
	log, lsn, err := DecodeRecordKey(key)
	require.NoError(t, err)
	assert.Equal(t, LogID(42), log)
	assert.Equal(t, LSN(1000), lsn)

	_, _, err = DecodeRecordKey(key[:10])
	assert.Error(t, err)

	// A CSI key must not decode as a record key.
	_, _, err = DecodeRecordKey(EncodeCopysetIndexKey(42, 1000))
	assert.Error(t, err)
}

func TestKeyTypesAreDisjoint(t *testing.T) {
	rec := EncodeRecordKey(7, 100)
	csi := EncodeCopysetIndexKey(7, 100)
	fti := EncodeFindTimeKey(7, 100)
	assert.NotEqual(t, rec, csi)
	assert.NotEqual(t, csi, fti)

	// All record keys sort before all CSI keys so iterator bounds on one key
	// type never see the other.
	assert.Negative(t, bytes.Compare(EncodeRecordKey(LogID(^uint64(0)), LSNMax), EncodeCopysetIndexKey(0, 0)))
}

func TestKeyTypeUpperBound(t *testing.T) {
	ub := KeyTypeUpperBound(KeyTypeRecord)
	assert.Negative(t, bytes.Compare(EncodeRecordKey(LogID(^uint64(0)), LSNMax), ub))
	assert.Positive(t, bytes.Compare(EncodeCopysetIndexKey(0, 0), EncodeRecordKey(0, 0)))
}

func TestDirectoryKeyRoundTrip(t *testing.T) {
	key := EncodeDirectoryKey(9, 3)
	log, part, err := DecodeDirectoryKey(key)
	require.NoError(t, err)
	assert.Equal(t, LogID(9), log)
	assert.Equal(t, PartitionID(3), part)
}
