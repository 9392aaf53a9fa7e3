package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/logstore/core"
)

// rolloverPartition forces a time-based rollover so later writes land in a
// fresh partition.
func rolloverPartition(t *testing.T, env *testEnv) {
	t.Helper()
	before := env.eng.Catalog().Count()
	env.mock.Add(env.eng.opts.PartitionDuration + time.Second)
	env.eng.hiPriTick()
	require.Equal(t, before+1, env.eng.Catalog().Count())
}

func TestReadMergesAcrossPartitions(t *testing.T) {
	env := openTestEngine(t, nil)
	cs := core.NewCopyset(1)

	env.store(t, 7, 100, env.mock.Now(), cs, "p1-a")
	env.store(t, 7, 101, env.mock.Now(), cs, "p1-b")
	rolloverPartition(t, env)
	env.store(t, 7, 102, env.mock.Now(), cs, "p2-a")
	env.store(t, 7, 103, env.mock.Now(), cs, "p2-b")

	require.GreaterOrEqual(t, env.eng.Catalog().Count(), 2)

	r, err := env.eng.Read(context.Background(), 7, 0, core.LSNMax, core.ReadFilter{})
	require.NoError(t, err)
	records, _ := drain(t, r)
	require.Len(t, records, 4)
	for i, rec := range records {
		assert.Equal(t, core.LSN(100+i), rec.LSN, "records must merge in LSN order")
	}
}

func TestAppendMonotonicity(t *testing.T) {
	env := openTestEngine(t, nil)
	cs := core.NewCopyset(1)
	for lsn := core.LSN(1); lsn <= 20; lsn += 2 {
		env.store(t, 7, lsn, env.mock.Now(), cs, fmt.Sprintf("r%d", lsn))
		env.mock.Add(time.Millisecond)
	}
	r, err := env.eng.Read(context.Background(), 7, 0, core.LSNMax, core.ReadFilter{})
	require.NoError(t, err)
	records, _ := drain(t, r)
	require.Len(t, records, 10)
	var prev core.LSN
	for _, rec := range records {
		assert.Greater(t, rec.LSN, prev)
		prev = rec.LSN
	}
}

func TestCopysetFilterPushdown(t *testing.T) {
	const n = 100
	runRead := func(t *testing.T, useCSI bool) (matched int, payloadReads int64) {
		env := openTestEngine(t, func(o *Options) { o.UseCopysetIndex = useCSI })
		csA := core.NewCopyset(1, 2, 3)
		csB := core.NewCopyset(4, 5, 6)
		for i := 0; i < n; i++ {
			cs := csA
			if i%2 == 1 {
				cs = csB
			}
			env.store(t, 7, core.LSN(i+1), env.mock.Now(), cs, fmt.Sprintf("record-%d", i))
		}
		r, err := env.eng.Read(context.Background(), 7, 0, core.LSNMax, core.ReadFilter{
			Copyset: core.CopysetIncludes(1),
		})
		require.NoError(t, err)
		records, _ := drain(t, r)
		for _, rec := range records {
			assert.True(t, rec.Copyset.Contains(1))
		}
		return len(records), env.eng.Metrics().PayloadReadsTotal.Value()
	}

	withCSI, readsWithCSI := runRead(t, true)
	withoutCSI, readsWithoutCSI := runRead(t, false)

	assert.Equal(t, n/2, withCSI)
	assert.Equal(t, withCSI, withoutCSI, "filter result must not depend on the index")
	assert.Less(t, readsWithCSI, readsWithoutCSI,
		"the copyset index must avoid payload reads for filtered records")
	assert.Equal(t, int64(n/2), readsWithCSI, "CSI reads payloads only for passing records")
	assert.Equal(t, int64(n), readsWithoutCSI)
}

func TestMaxRecordsBound(t *testing.T) {
	env := openTestEngine(t, nil)
	cs := core.NewCopyset(1)
	for i := 1; i <= 10; i++ {
		env.store(t, 7, core.LSN(i), env.mock.Now(), cs, "x")
	}
	r, err := env.eng.Read(context.Background(), 7, 0, core.LSNMax, core.ReadFilter{MaxRecords: 3})
	require.NoError(t, err)
	records, _ := drain(t, r)
	assert.Len(t, records, 3)
}

func TestReadRangeBounds(t *testing.T) {
	env := openTestEngine(t, nil)
	cs := core.NewCopyset(1)
	for i := 1; i <= 10; i++ {
		env.store(t, 7, core.LSN(i*10), env.mock.Now(), cs, "x")
	}
	r, err := env.eng.Read(context.Background(), 7, 25, 75, core.ReadFilter{})
	require.NoError(t, err)
	records, _ := drain(t, r)
	require.Len(t, records, 5)
	assert.Equal(t, core.LSN(30), records[0].LSN)
	assert.Equal(t, core.LSN(70), records[4].LSN)

	_, err = env.eng.Read(context.Background(), 7, 75, 25, core.ReadFilter{})
	assert.True(t, core.IsProtocolError(err))
}

func TestReadIsolatedPerLog(t *testing.T) {
	env := openTestEngine(t, nil)
	cs := core.NewCopyset(1)
	env.store(t, 7, 100, env.mock.Now(), cs, "seven")
	env.store(t, 8, 100, env.mock.Now(), cs, "eight")

	r, err := env.eng.Read(context.Background(), 7, 0, core.LSNMax, core.ReadFilter{})
	require.NoError(t, err)
	records, _ := drain(t, r)
	require.Len(t, records, 1)
	assert.Equal(t, "seven", string(records[0].Payload))
}

func TestPayloadCompressionRoundTrip(t *testing.T) {
	for _, codec := range []core.CompressionType{core.CompressionSnappy, core.CompressionLZ4, core.CompressionZstd} {
		t.Run(codec.String(), func(t *testing.T) {
			env := openTestEngine(t, func(o *Options) { o.PayloadCompression = codec })
			payload := ""
			for i := 0; i < 200; i++ {
				payload += "compressible log payload "
			}
			env.store(t, 7, 1, env.mock.Now(), core.NewCopyset(1), payload)

			r, err := env.eng.Read(context.Background(), 7, 0, core.LSNMax, core.ReadFilter{})
			require.NoError(t, err)
			records, _ := drain(t, r)
			require.Len(t, records, 1)
			assert.Equal(t, payload, string(records[0].Payload))
		})
	}
}

func TestDisableIterateUpperBound(t *testing.T) {
	env := openTestEngine(t, func(o *Options) { o.DisableIterateUpperBound = true })
	cs := core.NewCopyset(1)
	for i := 1; i <= 10; i++ {
		env.store(t, 7, core.LSN(i*10), env.mock.Now(), cs, "x")
	}
	r, err := env.eng.Read(context.Background(), 7, 25, 75, core.ReadFilter{})
	require.NoError(t, err)
	records, _ := drain(t, r)
	require.Len(t, records, 5, "manual bound enforcement must match the iterator bound")
}
