package engine_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"

	"github.com/coretrusts/amdb/internal/engine"
	"github.com/coretrusts/amdb/internal/fs"
	"github.com/coretrusts/amdb/internal/version"
)

func clockAt(t *float64) engine.Option {
	return engine.WithClock(func() float64 {
		*t += 1
		return *t
	})
}

func openEngine(t *testing.T, dir string, opts ...engine.Option) *engine.Engine {
	t.Helper()
	e, _, err := engine.Open(fs.NewReal(), dir, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestOpen_CreatesFreshDatabase(t *testing.T) {
	dir := t.TempDir()

	e, report, err := engine.Open(fs.NewReal(), dir)
	require.NoError(t, err)
	defer e.Close()

	require.True(t, report.Created)
	require.Zero(t, report.WALRecordsReplayed)
}

func TestPutGet_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	e := openEngine(t, dir)

	ok, root, err := e.Put([]byte("a"), []byte("1"))
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, root)

	value, found, err := e.Get([]byte("a"), 0)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("1"), value)
}

func TestPut_EmptyKeyRejected(t *testing.T) {
	dir := t.TempDir()
	e := openEngine(t, dir)

	_, _, err := e.Put(nil, []byte("x"))
	require.Error(t, err)
}

func TestPut_OverwriteCreatesNewVersion(t *testing.T) {
	dir := t.TempDir()
	e := openEngine(t, dir)

	_, _, err := e.Put([]byte("k"), []byte("v1"))
	require.NoError(t, err)
	_, _, err = e.Put([]byte("k"), []byte("v2"))
	require.NoError(t, err)

	v1, found, err := e.Get([]byte("k"), 1)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v1"), v1)

	latest, found, err := e.Get([]byte("k"), 0)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v2"), latest)
}

func TestDelete_HidesKeyFromGet(t *testing.T) {
	dir := t.TempDir()
	e := openEngine(t, dir)

	_, _, err := e.Put([]byte("k"), []byte("v"))
	require.NoError(t, err)

	ok, _, err := e.Delete([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)

	_, found, err := e.Get([]byte("k"), 0)
	require.NoError(t, err)
	require.False(t, found)
}

func TestBatchPut_InsertsEverythingAndRejectsEmptyKeys(t *testing.T) {
	dir := t.TempDir()
	e := openEngine(t, dir)

	items := []engine.Item{
		{Key: []byte("a"), Value: []byte("1")},
		{Key: []byte("b"), Value: []byte("2")},
		{Key: nil, Value: []byte("bad")},
	}

	result, root, err := e.BatchPut(items)
	require.NoError(t, err)
	require.Equal(t, 2, result.Inserted)
	require.Len(t, result.Rejected, 1)
	require.NotEmpty(t, root)

	v, found, err := e.Get([]byte("a"), 0)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("1"), v)
}

func TestBatchPut_SameKeyTwiceStaysOrdered(t *testing.T) {
	dir := t.TempDir()
	e := openEngine(t, dir)

	items := []engine.Item{
		{Key: []byte("k"), Value: []byte("first")},
		{Key: []byte("k"), Value: []byte("second")},
	}

	result, _, err := e.BatchPut(items)
	require.NoError(t, err)
	require.Equal(t, 2, result.Inserted)

	hist, err := e.GetHistory([]byte("k"), 1, 0)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	require.Equal(t, []byte("first"), hist[0].Value)
	require.Equal(t, []byte("second"), hist[1].Value)
}

func TestGetHistoryAndGetAtTime(t *testing.T) {
	dir := t.TempDir()
	var clock float64
	e := openEngine(t, dir, clockAt(&clock))

	_, _, err := e.Put([]byte("k"), []byte("v1"))
	require.NoError(t, err)
	_, _, err = e.Put([]byte("k"), []byte("v2"))
	require.NoError(t, err)

	hist, err := e.GetHistory([]byte("k"), 1, 2)
	require.NoError(t, err)

	want := []version.Version{
		{Version: 1, Timestamp: 1, Value: []byte("v1")},
		{Version: 2, Timestamp: 2, Value: []byte("v2")},
	}
	if diff := cmp.Diff(want, hist, cmpopts.IgnoreFields(version.Version{}, "PrevHash", "Hash")); diff != "" {
		t.Fatalf("history mismatch (-want +got):\n%s", diff)
	}

	v, found, err := e.GetAtTime([]byte("k"), 1)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v1"), v)

	_, found, err = e.GetAtTime([]byte("k"), 0)
	require.NoError(t, err)
	require.False(t, found)
}

func TestRangeQuery_SkipsTombstones(t *testing.T) {
	dir := t.TempDir()
	e := openEngine(t, dir)

	_, _, err := e.Put([]byte("a"), []byte("1"))
	require.NoError(t, err)
	_, _, err = e.Put([]byte("b"), []byte("2"))
	require.NoError(t, err)
	_, _, err = e.Delete([]byte("b"))
	require.NoError(t, err)
	_, _, err = e.Put([]byte("c"), []byte("3"))
	require.NoError(t, err)

	entries, err := e.RangeQuery([]byte("a"), []byte("c"))
	require.NoError(t, err)

	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		keys = append(keys, string(e.Key))
	}
	require.ElementsMatch(t, []string{"a", "c"}, keys)
}

func TestGetWithProof_VerifiesAgainstRoot(t *testing.T) {
	dir := t.TempDir()
	e := openEngine(t, dir)

	_, _, err := e.Put([]byte("k"), []byte("v"))
	require.NoError(t, err)

	value, proof, root, err := e.GetWithProof([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), value)
	require.Equal(t, e.GetRootHash(), root)
	require.True(t, e.Verify([]byte("k"), value, proof))
}

func TestGetWithProof_MissingKeyReturnsErrNotFound(t *testing.T) {
	dir := t.TempDir()
	e := openEngine(t, dir)

	_, _, _, err := e.GetWithProof([]byte("nope"))
	require.ErrorIs(t, err, engine.ErrNotFound)
}

func TestFlush_SyncPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	e := openEngine(t, dir)

	_, _, err := e.Put([]byte("k"), []byte("v"))
	require.NoError(t, err)
	require.NoError(t, e.Flush(true))
	require.NoError(t, e.Close())

	e2, report, err := engine.Open(fs.NewReal(), dir)
	require.NoError(t, err)
	defer e2.Close()

	require.True(t, report.VersionsLoaded)
	require.True(t, report.MerkleLoaded)

	v, found, err := e2.Get([]byte("k"), 0)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v"), v)
}

func TestOpen_AfterCleanCloseReplaysNothing(t *testing.T) {
	dir := t.TempDir()
	e := openEngine(t, dir)

	_, _, err := e.Put([]byte("k"), []byte("v"))
	require.NoError(t, err)
	// Close always flushes, so the version snapshot already reflects this
	// write; reopening should dedup every WAL record away.
	require.NoError(t, e.Close())

	e2, report, err := engine.Open(fs.NewReal(), dir)
	require.NoError(t, err)
	defer e2.Close()

	require.Zero(t, report.WALRecordsReplayed)

	v, found, err := e2.Get([]byte("k"), 0)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v"), v)
}

func TestClose_IsIdempotent(t *testing.T) {
	dir := t.TempDir()
	e := openEngine(t, dir)

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
}

func TestOperations_FailAfterClose(t *testing.T) {
	dir := t.TempDir()
	e, _, err := engine.Open(fs.NewReal(), dir)
	require.NoError(t, err)
	require.NoError(t, e.Close())

	_, _, err = e.Put([]byte("k"), []byte("v"))
	require.ErrorIs(t, err, engine.ErrClosed)
}

func TestGetStats_ReportsShardDetail(t *testing.T) {
	dir := t.TempDir()
	e := openEngine(t, dir, engine.WithShardCount(4))

	_, _, err := e.Put([]byte("k"), []byte("v"))
	require.NoError(t, err)

	stats := e.GetStats()
	require.Equal(t, 1, stats.TotalKeys)
	require.Len(t, stats.Shards, 4)
	require.NotEmpty(t, stats.RootHash)
}
