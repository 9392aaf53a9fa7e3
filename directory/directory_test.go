package directory

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/logstore/core"
	"github.com/INLOpen/logstore/kv"
)

func openDirectory(t *testing.T, path string) (*kv.DB, *Directory) {
	t.Helper()
	db, err := kv.Open(path, kv.Options{CacheSize: 1 << 20})
	require.NoError(t, err)
	dir, err := Open(db, slog.Default(), 16)
	require.NoError(t, err)
	return db, dir
}

func stageAndCommit(t *testing.T, db *kv.DB, dir *Directory, log core.LogID, part core.PartitionID, lsn core.LSN, size uint64) {
	t.Helper()
	unlock := dir.LockLog(log)
	defer unlock()
	b := db.NewBatch()
	staged := dir.StageRecordWrite(b, log, part, lsn, size)
	require.NoError(t, db.Apply(b, false))
	staged.Commit()
}

func TestRecordWriteWidensEntry(t *testing.T) {
	db, dir := openDirectory(t, t.TempDir())
	defer db.Close()

	stageAndCommit(t, db, dir, 7, 1, 100, 10)
	stageAndCommit(t, db, dir, 7, 1, 105, 10)
	stageAndCommit(t, db, dir, 7, 1, 95, 10)

	e, ok := dir.Entry(7, 1)
	require.True(t, ok)
	assert.Equal(t, core.LSN(95), e.FirstLSN)
	assert.Equal(t, core.LSN(105), e.LastLSN)
	assert.Equal(t, uint64(30), e.SizeBytes)
}

func TestLookupIntersectsRanges(t *testing.T) {
	db, dir := openDirectory(t, t.TempDir())
	defer db.Close()

	stageAndCommit(t, db, dir, 7, 1, 100, 1)
	stageAndCommit(t, db, dir, 7, 1, 110, 1)
	stageAndCommit(t, db, dir, 7, 2, 200, 1)
	stageAndCommit(t, db, dir, 8, 3, 50, 1)

	assert.Equal(t, []core.PartitionID{1}, dir.Lookup(7, 0, 150))
	assert.Equal(t, []core.PartitionID{1, 2}, dir.Lookup(7, 105, 300))
	assert.Empty(t, dir.Lookup(7, 111, 199))
	assert.Equal(t, []core.PartitionID{3}, dir.Lookup(8, 0, core.LSNMax))
}

func TestTrimIdempotentAndMonotonic(t *testing.T) {
	db, dir := openDirectory(t, t.TempDir())
	defer db.Close()

	changed, err := dir.AdvanceTrim(7, 100)
	require.NoError(t, err)
	assert.True(t, changed)

	// Lower and equal trims are no-ops: Trim(t'); Trim(t) == Trim(max(t,t')).
	changed, err = dir.AdvanceTrim(7, 50)
	require.NoError(t, err)
	assert.False(t, changed)
	changed, err = dir.AdvanceTrim(7, 100)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, core.LSN(100), dir.TrimPoint(7))

	changed, err = dir.AdvanceTrim(7, 150)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, core.LSN(150), dir.TrimPoint(7))
}

func TestTrimSurvivesReopen(t *testing.T) {
	path := t.TempDir()
	db, dir := openDirectory(t, path)
	_, err := dir.AdvanceTrim(7, 123)
	require.NoError(t, err)
	stageAndCommit(t, db, dir, 7, 1, 200, 5)
	require.NoError(t, db.Close())

	db, dir = openDirectory(t, path)
	defer db.Close()
	assert.Equal(t, core.LSN(123), dir.TrimPoint(7))
	e, ok := dir.Entry(7, 1)
	require.True(t, ok)
	assert.Equal(t, core.LSN(200), e.FirstLSN)
}

func TestGCEntries(t *testing.T) {
	db, dir := openDirectory(t, t.TempDir())
	defer db.Close()

	stageAndCommit(t, db, dir, 7, 1, 100, 1)
	stageAndCommit(t, db, dir, 7, 2, 200, 1)

	_, err := dir.AdvanceTrim(7, 100)
	require.NoError(t, err)
	gone, err := dir.GCEntries(7)
	require.NoError(t, err)
	assert.Equal(t, []core.PartitionID{1}, gone)

	_, ok := dir.Entry(7, 1)
	assert.False(t, ok)
	_, ok = dir.Entry(7, 2)
	assert.True(t, ok)
}

func TestEntriesForPartitionAndRemoval(t *testing.T) {
	db, dir := openDirectory(t, t.TempDir())
	defer db.Close()

	stageAndCommit(t, db, dir, 7, 1, 100, 1)
	stageAndCommit(t, db, dir, 8, 1, 300, 1)
	stageAndCommit(t, db, dir, 8, 2, 400, 1)

	entries := dir.EntriesForPartition(1)
	require.Len(t, entries, 2)
	assert.Equal(t, core.LSN(100), entries[7].LastLSN)

	b := db.NewBatch()
	commit := dir.StagePartitionRemoval(b, 1)
	require.NoError(t, db.Apply(b, true))
	commit()

	assert.Empty(t, dir.EntriesForPartition(1))
	_, ok := dir.Entry(8, 2)
	assert.True(t, ok)
}

func TestSealMonotonic(t *testing.T) {
	db, dir := openDirectory(t, t.TempDir())
	defer db.Close()

	changed, err := dir.Seal(7, 5)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = dir.Seal(7, 3)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, uint32(5), dir.SealEpoch(7))
}

func TestReconcileWidensCache(t *testing.T) {
	db, dir := openDirectory(t, t.TempDir())
	defer db.Close()

	stageAndCommit(t, db, dir, 7, 1, 100, 1)

	// Write a wider row behind the cache's back, as if the cache were stale.
	wide := core.DirectoryEntry{FirstLSN: 50, LastLSN: 150, SizeBytes: 2}
	b := db.NewBatch()
	b.Set(kv.MetadataFamily, core.EncodeDirectoryKey(7, 1), core.EncodeDirectoryEntry(&wide))
	require.NoError(t, db.Apply(b, true))

	require.NoError(t, dir.Reconcile(7))
	e, ok := dir.Entry(7, 1)
	require.True(t, ok)
	assert.Equal(t, core.LSN(50), e.FirstLSN)
	assert.Equal(t, core.LSN(150), e.LastLSN)
}
