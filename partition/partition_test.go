package partition

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/logstore/core"
)

func testPartition() *Partition {
	return newPartition(basePartitionID, core.PartitionMeta{
		FamilyID:     2,
		MinTimestamp: 1000,
		CreationTime: 1000,
	})
}

func TestDirtyAccounting(t *testing.T) {
	p := testPartition()
	assert.False(t, p.Dirty())

	need := p.RecordWrite(2000, 100)
	assert.True(t, need, "first dirtying needs a marker")
	assert.True(t, p.Dirty())
	assert.Equal(t, int64(100), p.BytesSinceFlush())
	assert.Equal(t, int64(2000), p.OldestUnflushed())

	need = p.RecordWrite(3000, 50)
	assert.False(t, need, "already dirty, no second marker")
	assert.Equal(t, int64(150), p.BytesSinceFlush())
	assert.Equal(t, int64(2000), p.OldestUnflushed(), "oldest unflushed sticks")
	assert.Equal(t, int64(3000), p.LatestWrite())
}

func TestRedirtyGraceWindow(t *testing.T) {
	p := testPartition()
	require.True(t, p.RecordWrite(2000, 10))
	p.MarkFlushed(5000, 10*time.Second)
	assert.False(t, p.Dirty())
	assert.True(t, p.HasDirtyMarker(), "marker survives the flush")
	assert.False(t, p.MarkerRemovable(6000), "inside the grace window")
	assert.True(t, p.MarkerRemovable(16000))

	// Re-dirty inside the window: marker already on disk, no write needed.
	need := p.RecordWrite(7000, 10)
	assert.False(t, need)
	assert.False(t, p.MarkerRemovable(20000), "dirty partitions keep their marker")
}

func TestObserveTimestampIsMonotonic(t *testing.T) {
	p := testPartition()
	p.ObserveTimestamp(5000)
	p.ObserveTimestamp(3000)
	assert.Equal(t, int64(5000), p.MaxTimestamp())
}

func TestRefsBlockDrop(t *testing.T) {
	p := testPartition()
	require.True(t, p.Ref())
	assert.False(t, p.BeginDrop())
	p.AbortDrop()
	p.Unref()
	assert.True(t, p.BeginDrop())
	assert.False(t, p.Ref(), "no new refs once dropping")
}
