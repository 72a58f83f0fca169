package bplus_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coretrusts/amdb/internal/bplus"
	"github.com/coretrusts/amdb/internal/fs"
)

func key(i int) []byte { return []byte(fmt.Sprintf("key_%05d", i)) }
func val(i int) []byte { return []byte(fmt.Sprintf("val_%05d", i)) }

func TestInsertGet_RoundTrip(t *testing.T) {
	tr, err := bplus.Open(fs.NewReal(), t.TempDir(), bplus.Options{Order: 4})
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		require.NoError(t, tr.Insert(key(i), val(i)))
	}

	for i := 0; i < 50; i++ {
		v, ok, err := tr.Get(key(i))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, val(i), v)
	}

	_, ok, err := tr.Get([]byte("missing"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestInsert_OverwriteReplacesValue(t *testing.T) {
	tr, err := bplus.Open(fs.NewReal(), t.TempDir(), bplus.Options{Order: 4})
	require.NoError(t, err)

	require.NoError(t, tr.Insert(key(1), val(1)))
	require.NoError(t, tr.Insert(key(1), []byte("updated")))

	v, ok, err := tr.Get(key(1))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("updated"), v)
}

func TestRangeQuery_OrdersAcrossLeafSplits(t *testing.T) {
	tr, err := bplus.Open(fs.NewReal(), t.TempDir(), bplus.Options{Order: 4})
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		require.NoError(t, tr.Insert(key(i), val(i)))
	}

	entries, err := tr.RangeQuery(key(10), key(20))
	require.NoError(t, err)
	require.Len(t, entries, 11)
	for i, e := range entries {
		require.Equal(t, key(10+i), e.Key)
		require.Equal(t, val(10+i), e.Value)
	}
}

func TestFlushAndReopen_PersistsTree(t *testing.T) {
	dir := t.TempDir()
	real := fs.NewReal()

	tr, err := bplus.Open(real, dir, bplus.Options{Order: 4})
	require.NoError(t, err)

	for i := 0; i < 60; i++ {
		require.NoError(t, tr.Insert(key(i), val(i)))
	}
	require.NoError(t, tr.Flush())

	reopened, err := bplus.Open(real, dir, bplus.Options{Order: 4})
	require.NoError(t, err)

	for i := 0; i < 60; i++ {
		v, ok, err := reopened.Get(key(i))
		require.NoError(t, err)
		require.True(t, ok, "key %d", i)
		require.Equal(t, val(i), v)
	}

	entries, err := reopened.RangeQuery(key(0), key(59))
	require.NoError(t, err)
	require.Len(t, entries, 60)
}

func TestSmallCacheCapacity_StillRoundTrips(t *testing.T) {
	dir := t.TempDir()
	real := fs.NewReal()

	tr, err := bplus.Open(real, dir, bplus.Options{Order: 4, CacheCapacity: 2})
	require.NoError(t, err)

	for i := 0; i < 80; i++ {
		require.NoError(t, tr.Insert(key(i), val(i)))
	}
	require.NoError(t, tr.Flush())

	for i := 0; i < 80; i++ {
		v, ok, err := tr.Get(key(i))
		require.NoError(t, err)
		require.True(t, ok, "key %d", i)
		require.Equal(t, val(i), v)
	}
}

func TestOpen_EmptyTreeHasNoEntries(t *testing.T) {
	tr, err := bplus.Open(fs.NewReal(), t.TempDir(), bplus.Options{})
	require.NoError(t, err)

	entries, err := tr.RangeQuery([]byte{0x00}, []byte{0xFF})
	require.NoError(t, err)
	require.Empty(t, entries)
}
