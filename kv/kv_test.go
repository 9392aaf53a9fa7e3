package kv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/logstore/core"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir(), Options{CacheSize: 1 << 20})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestBatchSpansFamilies(t *testing.T) {
	db := openTestDB(t)
	fam := Family{ID: FirstPartitionFamilyID, Name: "partition_0"}

	b := db.NewBatch()
	b.Set(MetadataFamily, []byte("k"), []byte("meta"))
	b.Set(fam, []byte("k"), []byte("data"))
	require.NoError(t, db.Apply(b, true))

	val, done, err := db.Get(MetadataFamily, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("meta"), val)
	done()

	val, done, err = db.Get(fam, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), val)
	done()
}

func TestGetMissReturnsNotFound(t *testing.T) {
	db := openTestDB(t)
	_, done, err := db.Get(MetadataFamily, []byte("absent"))
	done()
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestIteratorStaysWithinFamily(t *testing.T) {
	db := openTestDB(t)
	famA := Family{ID: FirstPartitionFamilyID, Name: "partition_0"}
	famB := Family{ID: FirstPartitionFamilyID + 1, Name: "partition_1"}

	b := db.NewBatch()
	b.Set(famA, []byte("a"), []byte("1"))
	b.Set(famA, []byte("b"), []byte("2"))
	b.Set(famB, []byte("a"), []byte("other"))
	require.NoError(t, db.Apply(b, false))

	it, err := db.NewIter(famA, IterOptions{})
	require.NoError(t, err)
	defer it.Close()

	var keys []string
	for valid := it.First(); valid; valid = it.Next() {
		keys = append(keys, string(it.Key()))
	}
	require.NoError(t, it.Error())
	assert.Equal(t, []string{"a", "b"}, keys)
}

func TestIteratorBounds(t *testing.T) {
	db := openTestDB(t)
	fam := Family{ID: FirstPartitionFamilyID, Name: "partition_0"}

	b := db.NewBatch()
	for _, k := range []string{"a", "b", "c", "d"} {
		b.Set(fam, []byte(k), []byte(k))
	}
	require.NoError(t, db.Apply(b, false))

	it, err := db.NewIter(fam, IterOptions{LowerBound: []byte("b"), UpperBound: []byte("d")})
	require.NoError(t, err)
	defer it.Close()

	var keys []string
	for valid := it.First(); valid; valid = it.Next() {
		keys = append(keys, string(it.Key()))
	}
	assert.Equal(t, []string{"b", "c"}, keys)
}

func TestSnapshotIsolation(t *testing.T) {
	db := openTestDB(t)
	fam := Family{ID: FirstPartitionFamilyID, Name: "partition_0"}

	b := db.NewBatch()
	b.Set(fam, []byte("k"), []byte("v1"))
	require.NoError(t, db.Apply(b, false))

	snap := db.NewSnapshot()
	defer snap.Close()

	b = db.NewBatch()
	b.Set(fam, []byte("k"), []byte("v2"))
	require.NoError(t, db.Apply(b, false))

	val, done, err := snap.Get(fam, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), val, "snapshot must not observe later writes")
	done()
}

func TestDropFamilyRemovesOnlyThatFamily(t *testing.T) {
	db := openTestDB(t)
	famA := Family{ID: FirstPartitionFamilyID, Name: "partition_0"}
	famB := Family{ID: FirstPartitionFamilyID + 1, Name: "partition_1"}

	b := db.NewBatch()
	b.Set(famA, []byte("k"), []byte("a"))
	b.Set(famB, []byte("k"), []byte("b"))
	require.NoError(t, db.Apply(b, true))

	require.NoError(t, db.DropFamily(famA))

	_, done, err := db.Get(famA, []byte("k"))
	done()
	assert.ErrorIs(t, err, core.ErrNotFound)

	val, done, err := db.Get(famB, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), val)
	done()
}

func TestPropertySurface(t *testing.T) {
	db := openTestDB(t)
	_, err := db.Property("kv.mem.size")
	assert.NoError(t, err)
	_, err = db.Property("no.such.property")
	assert.Error(t, err)
}

func TestL0FilesForFamilyAfterFlush(t *testing.T) {
	db := openTestDB(t)
	fam := Family{ID: FirstPartitionFamilyID, Name: "partition_0"}

	b := db.NewBatch()
	b.Set(fam, []byte("a"), []byte("1"))
	b.Set(fam, []byte("z"), []byte("2"))
	require.NoError(t, db.Apply(b, true))
	require.NoError(t, db.Flush())

	files, err := db.L0FilesForFamily(fam)
	require.NoError(t, err)
	require.NotEmpty(t, files)
	assert.Equal(t, []byte("a"), files[0].SmallestKey)
}
