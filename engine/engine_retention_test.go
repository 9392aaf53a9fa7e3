package engine

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/logstore/core"
	"github.com/INLOpen/logstore/sys"
)

// fakeDisk is an injectable disk stat whose free fraction tests flip.
type fakeDisk struct {
	freeFraction atomic.Value // float64
}

func (f *fakeDisk) stat(string) (sys.DiskStats, error) {
	frac := f.freeFraction.Load().(float64)
	return sys.DiskStats{TotalBytes: 1 << 30, FreeBytes: uint64(float64(uint64(1) << 30) * frac)}, nil
}

func TestSpaceMonitorSignalsFullness(t *testing.T) {
	disk := &fakeDisk{}
	disk.freeFraction.Store(0.5)
	var signals []bool
	env := openTestEngine(t, func(o *Options) {
		o.DiskStat = disk.stat
		o.FreeDiskSpaceThresholdLow = 0.2
		o.OnFullness = func(full bool) { signals = append(signals, full) }
	})

	env.eng.spaceTick()
	assert.False(t, env.eng.SpaceFull())
	assert.Empty(t, signals)

	disk.freeFraction.Store(0.1)
	env.eng.spaceTick()
	assert.True(t, env.eng.SpaceFull())
	assert.Equal(t, []bool{true}, signals)
	assert.Equal(t, int64(1), env.eng.Metrics().SpaceFullSignals.Value())

	// Stores are refused while full.
	err := env.eng.Store(context.Background(), &core.StoreRequest{
		LogID: 7, LSN: 1, Timestamp: env.mock.Now(), Copyset: core.NewCopyset(1), Payload: []byte("x"),
	})
	assert.ErrorIs(t, err, core.ErrNoSpace)

	// Recovery clears the signal and writes resume.
	disk.freeFraction.Store(0.5)
	env.eng.spaceTick()
	assert.False(t, env.eng.SpaceFull())
	assert.Equal(t, []bool{true, false}, signals)
	require.NoError(t, env.eng.Store(context.Background(), &core.StoreRequest{
		LogID: 7, LSN: 1, Timestamp: env.mock.Now(), Copyset: core.NewCopyset(1), Payload: []byte("x"),
	}))
}

func TestSBRForceAdvancesTrim(t *testing.T) {
	disk := &fakeDisk{}
	disk.freeFraction.Store(0.5)
	env := openTestEngine(t, func(o *Options) {
		o.DiskStat = disk.stat
		o.FreeDiskSpaceThresholdLow = 0.2
		o.SBRForce = true
	})
	cs := core.NewCopyset(1)
	env.store(t, 7, 100, env.mock.Now(), cs, "a")
	rolloverPartition(t, env)
	env.store(t, 7, 101, env.mock.Now(), cs, "b")
	rolloverPartition(t, env)
	env.store(t, 7, 102, env.mock.Now(), cs, "c")
	oldest := env.eng.Catalog().Oldest()

	disk.freeFraction.Store(0.05)
	env.eng.spaceTick()
	require.True(t, env.eng.SpaceFull())
	assert.Equal(t, core.LSN(100), env.eng.TrimPoint(7),
		"forced retention trims through the oldest partition's records")
	assert.Positive(t, env.eng.Metrics().SBRForcedTrims.Value())

	// The next lo-pri cycle can now drop the oldest partition.
	env.eng.loPriTick()
	remaining := env.eng.Catalog().All()
	require.Len(t, remaining, 2)
	assert.NotEqual(t, oldest.ID, remaining[0].ID)
}

func TestSBRForceNeedsDroppablePartitions(t *testing.T) {
	disk := &fakeDisk{}
	disk.freeFraction.Store(0.05)
	env := openTestEngine(t, func(o *Options) {
		o.DiskStat = disk.stat
		o.SBRForce = true
	})
	env.store(t, 7, 100, env.mock.Now(), core.NewCopyset(1), "only")

	env.eng.spaceTick()
	assert.True(t, env.eng.SpaceFull())
	assert.Equal(t, core.LSN(0), env.eng.TrimPoint(7),
		"forcing trims is pointless when no partition could be dropped")
}
