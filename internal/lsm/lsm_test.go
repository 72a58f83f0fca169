package lsm_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coretrusts/amdb/internal/fs"
	"github.com/coretrusts/amdb/internal/lsm"
)

func openLSM(t *testing.T, cfg lsm.Config) *lsm.LSM {
	t.Helper()
	l, err := lsm.Open(fs.NewReal(), t.TempDir(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, l.Close()) })
	return l
}

func TestPutGet_RoundTrip(t *testing.T) {
	l := openLSM(t, lsm.Config{ShardCount: 1})

	require.NoError(t, l.Put(lsm.Item{Key: []byte("a"), Value: []byte("1"), Version: 1, Timestamp: 1}))

	e, ok := l.Get([]byte("a"))
	require.True(t, ok)
	require.Equal(t, []byte("1"), e.Value)

	require.NoError(t, l.Flush())

	e, ok = l.Get([]byte("a"))
	require.True(t, ok)
	require.Equal(t, []byte("1"), e.Value)
}

func TestPutBatch_RotatesOnFull(t *testing.T) {
	l := openLSM(t, lsm.Config{ShardCount: 1, MemtableBudgetBytes: 200, MaxImmutableQueue: 8})

	items := make([]lsm.Item, 0, 20)
	for i := 0; i < 20; i++ {
		items = append(items, lsm.Item{
			Key:       []byte(fmt.Sprintf("k%03d", i)),
			Value:     []byte("some-value-bytes"),
			Version:   1,
			Timestamp: float64(i),
		})
	}

	inserted, rejected, err := l.PutBatch(items)
	require.NoError(t, err)
	require.Empty(t, rejected)
	require.Equal(t, len(items), inserted)

	stats := l.Stats()
	require.Greater(t, stats.Shards[0].ImmutableCount, 0)

	require.NoError(t, l.Flush())
	for _, it := range items {
		e, ok := l.Get(it.Key)
		require.True(t, ok, "key %s", it.Key)
		require.Equal(t, it.Value, e.Value)
	}
}

func TestPutBatch_RejectsEntryLargerThanBudget(t *testing.T) {
	l := openLSM(t, lsm.Config{ShardCount: 1, MemtableBudgetBytes: 64})

	items := []lsm.Item{
		{Key: []byte("ok"), Value: []byte("fits"), Version: 1, Timestamp: 1},
		{Key: []byte("huge"), Value: make([]byte, 4096), Version: 1, Timestamp: 2},
		{Key: []byte("ok2"), Value: []byte("fits2"), Version: 1, Timestamp: 3},
	}

	inserted, rejected, err := l.PutBatch(items)
	require.NoError(t, err)
	require.Equal(t, 2, inserted)
	require.Len(t, rejected, 1)
	require.ErrorIs(t, rejected[0].Err, lsm.ErrEntryTooLarge)
	require.Equal(t, []byte("huge"), rejected[0].Item.Key)

	_, ok := l.Get([]byte("ok"))
	require.True(t, ok)
	_, ok = l.Get([]byte("ok2"))
	require.True(t, ok)
	_, ok = l.Get([]byte("huge"))
	require.False(t, ok)
}

func TestCompaction_MergesOldestTwoKeepingLatestVersion(t *testing.T) {
	l := openLSM(t, lsm.Config{ShardCount: 1, CompactionThreshold: 1})

	require.NoError(t, l.Put(lsm.Item{Key: []byte("a"), Value: []byte("v1"), Version: 1, Timestamp: 1}))
	require.NoError(t, l.Flush())

	require.NoError(t, l.Put(lsm.Item{Key: []byte("a"), Value: []byte("v2"), Version: 2, Timestamp: 2}))
	require.NoError(t, l.Flush())

	e, ok := l.Get([]byte("a"))
	require.True(t, ok)
	require.Equal(t, []byte("v2"), e.Value)
	require.Equal(t, uint32(2), e.Version)

	stats := l.Stats()
	require.Equal(t, 1, stats.Shards[0].SSTableCount, "the two flushed runs should have compacted into one")
}

func TestRangeQuery_AcrossShards(t *testing.T) {
	l := openLSM(t, lsm.Config{ShardCount: 4})

	for i := 0; i < 30; i++ {
		require.NoError(t, l.Put(lsm.Item{
			Key:       []byte(fmt.Sprintf("key_%03d", i)),
			Value:     []byte(fmt.Sprintf("val_%03d", i)),
			Version:   1,
			Timestamp: float64(i),
		}))
	}
	require.NoError(t, l.Flush())

	entries := l.RangeQuery([]byte("key_010"), []byte("key_019"))
	require.Len(t, entries, 10)
	for i, e := range entries {
		require.Equal(t, fmt.Sprintf("key_%03d", 10+i), string(e.Key))
		require.Equal(t, fmt.Sprintf("val_%03d", 10+i), string(e.Value))
	}
}

func TestOpen_ReloadsExistingSSTables(t *testing.T) {
	dir := t.TempDir()
	real := fs.NewReal()

	l1, err := lsm.Open(real, dir, lsm.Config{ShardCount: 2})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, l1.Put(lsm.Item{
			Key:       []byte(fmt.Sprintf("key_%03d", i)),
			Value:     []byte(fmt.Sprintf("val_%03d", i)),
			Version:   1,
			Timestamp: float64(i),
		}))
	}
	require.NoError(t, l1.Flush())
	require.NoError(t, l1.Close())

	l2, err := lsm.Open(real, dir, lsm.Config{ShardCount: 2})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, l2.Close()) })

	for i := 0; i < 10; i++ {
		e, ok := l2.Get([]byte(fmt.Sprintf("key_%03d", i)))
		require.True(t, ok, "key %d", i)
		require.Equal(t, fmt.Sprintf("val_%03d", i), string(e.Value))
	}
}
