package engine

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/logstore/core"
	"github.com/INLOpen/logstore/kv"
	"github.com/INLOpen/logstore/sys"
)

// testEpoch anchors the mock clock at a realistic wall time.
var testEpoch = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

type testEnv struct {
	eng  *ShardEngine
	mock *clock.Mock
	path string
}

// testLogsConfig is a fixed-map logs configuration view.
type testLogsConfig map[core.LogID]core.LogConfig

func (m testLogsConfig) LogConfig(id core.LogID) (core.LogConfig, bool) {
	cfg, ok := m[id]
	return cfg, ok
}

func openTestEngine(t *testing.T, mutate func(*Options)) *testEnv {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(testEpoch)
	opts := Options{
		RootPath:                    t.TempDir(),
		ShardID:                     0,
		KV:                          kv.Options{CacheSize: 8 << 20},
		PartitionDuration:           time.Minute,
		NewPartitionTimestampMargin: 10 * time.Second,
		TimestampGranularity:        time.Millisecond,
		PartitionCountSoftLimit:     100,
		MinManualFlushInterval:      time.Second,
		UseCopysetIndex:             true,
		ReadFindTimeIndex:           true,
		VerifyChecksumDuringStore:   true,
		DiskStat: func(string) (sys.DiskStats, error) {
			return sys.DiskStats{TotalBytes: 1 << 40, FreeBytes: 1 << 39}, nil
		},
		DisableBackgroundLoops: true,
		Clock:                  mock,
	}
	if mutate != nil {
		mutate(&opts)
	}
	env := &testEnv{mock: mock, path: opts.RootPath}
	eng, err := Open(opts)
	require.NoError(t, err)
	env.eng = eng
	t.Cleanup(func() {
		if env.eng != nil {
			env.eng.Close()
		}
	})
	return env
}

func (env *testEnv) store(t *testing.T, log core.LogID, lsn core.LSN, ts time.Time, cs core.Copyset, payload string) {
	t.Helper()
	req := &core.StoreRequest{
		LogID:     log,
		LSN:       lsn,
		Timestamp: ts,
		Copyset:   cs,
		Payload:   []byte(payload),
	}
	require.NoError(t, env.eng.Store(context.Background(), req))
}

// drain reads the whole stream, failing the test on stream errors.
func drain(t *testing.T, r *Reader) (records []*core.Record, gaps []*core.TrimGap) {
	t.Helper()
	defer r.Close()
	for r.Next() {
		item := r.Item()
		if item.Record != nil {
			records = append(records, item.Record)
		}
		if item.Gap != nil {
			gaps = append(gaps, item.Gap)
		}
	}
	require.NoError(t, r.Error())
	return records, gaps
}

func TestBasicWriteReadTrim(t *testing.T) {
	env := openTestEngine(t, nil)
	cs := core.NewCopyset(1, 2, 3)
	ts := env.mock.Now()

	env.store(t, 7, 100, ts, cs, "a")
	env.store(t, 7, 101, ts.Add(time.Millisecond), cs, "b")

	r, err := env.eng.Read(context.Background(), 7, 0, 200, core.ReadFilter{})
	require.NoError(t, err)
	records, _ := drain(t, r)
	require.Len(t, records, 2)
	assert.Equal(t, core.LSN(100), records[0].LSN)
	assert.Equal(t, "a", string(records[0].Payload))
	assert.Equal(t, core.LSN(101), records[1].LSN)
	assert.Equal(t, "b", string(records[1].Payload))
	assert.True(t, cs.Equal(&records[0].Copyset))

	require.NoError(t, env.eng.Trim(context.Background(), 7, 100))
	r, err = env.eng.Read(context.Background(), 7, 0, 200, core.ReadFilter{})
	require.NoError(t, err)
	records, _ = drain(t, r)
	require.Len(t, records, 1)
	assert.Equal(t, core.LSN(101), records[0].LSN)
}

func TestTrimGapMarker(t *testing.T) {
	env := openTestEngine(t, nil)
	cs := core.NewCopyset(1)
	env.store(t, 7, 100, env.mock.Now(), cs, "a")
	env.store(t, 7, 101, env.mock.Now(), cs, "b")
	require.NoError(t, env.eng.Trim(context.Background(), 7, 100))

	r, err := env.eng.Read(context.Background(), 7, 50, 200, core.ReadFilter{IncludeTrimGaps: true})
	require.NoError(t, err)
	records, gaps := drain(t, r)
	require.Len(t, gaps, 1)
	assert.Equal(t, core.LSN(50), gaps[0].From)
	assert.Equal(t, core.LSN(100), gaps[0].To)
	require.Len(t, records, 1)
	assert.Equal(t, core.LSN(101), records[0].LSN)
}

func TestTrimIdempotence(t *testing.T) {
	env := openTestEngine(t, nil)
	ctx := context.Background()
	require.NoError(t, env.eng.Trim(ctx, 7, 50))
	require.NoError(t, env.eng.Trim(ctx, 7, 80))
	require.NoError(t, env.eng.Trim(ctx, 7, 30))
	assert.Equal(t, core.LSN(80), env.eng.TrimPoint(7))
}

func TestStoreValidation(t *testing.T) {
	env := openTestEngine(t, nil)
	ctx := context.Background()
	cs := core.NewCopyset(1)

	err := env.eng.Store(ctx, &core.StoreRequest{LogID: 0, LSN: 1, Timestamp: env.mock.Now(), Copyset: cs})
	assert.True(t, core.IsProtocolError(err))

	err = env.eng.Store(ctx, &core.StoreRequest{LogID: 7, LSN: 0, Timestamp: env.mock.Now(), Copyset: cs})
	assert.True(t, core.IsProtocolError(err))

	err = env.eng.Store(ctx, &core.StoreRequest{LogID: 7, LSN: 1, Timestamp: env.mock.Now()})
	assert.True(t, core.IsProtocolError(err))

	err = env.eng.Store(ctx, &core.StoreRequest{LogID: 7, LSN: 1, Copyset: cs})
	assert.True(t, core.IsProtocolError(err))
}

func TestChecksumVerification(t *testing.T) {
	env := openTestEngine(t, nil)
	ctx := context.Background()
	payload := []byte("payload")

	good := &core.StoreRequest{
		LogID: 7, LSN: 1, Timestamp: env.mock.Now(),
		Copyset: core.NewCopyset(1), Flags: core.FlagChecksum,
		Checksum: xxhash.Sum64(payload), Payload: payload,
	}
	require.NoError(t, env.eng.Store(ctx, good))

	bad := &core.StoreRequest{
		LogID: 7, LSN: 2, Timestamp: env.mock.Now(),
		Copyset: core.NewCopyset(1), Flags: core.FlagChecksum,
		Checksum: 0xbad, Payload: payload,
	}
	err := env.eng.Store(ctx, bad)
	assert.ErrorIs(t, err, core.ErrChecksumMismatch)

	// The failed store is fatal to the request, not the shard.
	good2 := *good
	good2.LSN = 3
	require.NoError(t, env.eng.Store(ctx, &good2))
}

func TestSealRejectsOldEpochs(t *testing.T) {
	env := openTestEngine(t, nil)
	ctx := context.Background()
	cs := core.NewCopyset(1)
	require.NoError(t, env.eng.Seal(ctx, 7, 5))

	lsnAt := func(epoch uint32, offset uint64) core.LSN {
		return core.LSN(uint64(epoch)<<32 | offset)
	}
	err := env.eng.Store(ctx, &core.StoreRequest{
		LogID: 7, LSN: lsnAt(5, 1), Timestamp: env.mock.Now(), Copyset: cs, Payload: []byte("x"),
	})
	assert.True(t, core.IsPreempted(err))

	require.NoError(t, env.eng.Store(ctx, &core.StoreRequest{
		LogID: 7, LSN: lsnAt(6, 1), Timestamp: env.mock.Now(), Copyset: cs, Payload: []byte("x"),
	}))
}

func TestRebuildingShardRedirects(t *testing.T) {
	recipient := core.ShardID(9)
	env := openTestEngine(t, func(o *Options) { o.RebuildingRecipient = &recipient })
	ctx := context.Background()

	err := env.eng.Store(ctx, &core.StoreRequest{
		LogID: 7, LSN: 1, Timestamp: env.mock.Now(), Copyset: core.NewCopyset(1), Payload: []byte("x"),
	})
	var re *core.RebuildingError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, recipient, re.Recipient)

	// Rebuilding-flagged stores are still accepted.
	require.NoError(t, env.eng.Store(ctx, &core.StoreRequest{
		LogID: 7, LSN: 1, Timestamp: env.mock.Now(), Copyset: core.NewCopyset(1),
		Flags: core.FlagWrittenByRebuilding, Payload: []byte("x"),
	}))
}

func TestReadOnlyShardRejectsStores(t *testing.T) {
	env := openTestEngine(t, func(o *Options) { o.ReadOnly = true })
	err := env.eng.Store(context.Background(), &core.StoreRequest{
		LogID: 7, LSN: 1, Timestamp: env.mock.Now(), Copyset: core.NewCopyset(1), Payload: []byte("x"),
	})
	assert.ErrorIs(t, err, core.ErrDisabled)
}

func TestDataSurvivesReopen(t *testing.T) {
	path := t.TempDir()
	env := openTestEngine(t, func(o *Options) { o.RootPath = path })
	env.store(t, 7, 100, env.mock.Now(), core.NewCopyset(1), "persisted")
	require.NoError(t, env.eng.Trim(context.Background(), 7, 50))
	require.NoError(t, env.eng.Close())
	env.eng = nil

	env2 := openTestEngine(t, func(o *Options) { o.RootPath = path })
	assert.Equal(t, core.LSN(50), env2.eng.TrimPoint(7))
	r, err := env2.eng.Read(context.Background(), 7, 0, 200, core.ReadFilter{})
	require.NoError(t, err)
	records, _ := drain(t, r)
	require.Len(t, records, 1)
	assert.Equal(t, "persisted", string(records[0].Payload))
	// Clean shutdown leaves no unclean-shutdown evidence.
	assert.Equal(t, int64(0), env2.eng.Metrics().UncleanShutdowns.Value())
}

func TestUncleanShutdownFlagsEntries(t *testing.T) {
	path := t.TempDir()

	// Fabricate the on-disk state of a crash: a partition with data, a
	// directory entry, and a dirty marker from a dead instance.
	env := openTestEngine(t, func(o *Options) { o.RootPath = path })
	env.store(t, 7, 100, env.mock.Now(), core.NewCopyset(1), "dirty")
	part := env.eng.Catalog().Latest()
	require.True(t, part.HasDirtyMarker(), "a store must persist a dirty marker")
	// Abandon the engine without flushing: close only the KV underneath.
	require.NoError(t, env.eng.db.Close())
	env.eng = nil

	env2 := openTestEngine(t, func(o *Options) { o.RootPath = path })
	assert.Equal(t, int64(1), env2.eng.Metrics().UncleanShutdowns.Value())
	entry, ok := env2.eng.Directory().Entry(7, part.ID)
	require.True(t, ok)
	assert.NotZero(t, entry.Flags&core.DirEntryUnderReplicated,
		"entries of a dirty partition must be flagged after a crash")
}

func TestStoreAfterCloseFails(t *testing.T) {
	env := openTestEngine(t, nil)
	require.NoError(t, env.eng.Close())
	err := env.eng.Store(context.Background(), &core.StoreRequest{
		LogID: 7, LSN: 1, Timestamp: testEpoch, Copyset: core.NewCopyset(1),
	})
	assert.ErrorIs(t, err, core.ErrShuttingDown)
	env.eng = nil
}
