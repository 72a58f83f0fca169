package version_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coretrusts/amdb/internal/fs"
	"github.com/coretrusts/amdb/internal/version"
)

func TestCreateVersion_HistoryAndHashChain(t *testing.T) {
	m := version.New(version.Options{})

	v1 := m.CreateVersion([]byte("alice"), []byte("100"), 1)
	v2 := m.CreateVersion([]byte("alice"), []byte("150"), 2)

	require.Equal(t, uint32(1), v1.Version)
	require.Equal(t, uint32(2), v2.Version)
	require.Nil(t, v1.PrevHash)
	require.Equal(t, v1.Hash, v2.PrevHash)

	hist, err := m.GetHistory([]byte("alice"), 0, 0)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	require.Equal(t, []byte("100"), hist[0].Value)
	require.Equal(t, []byte("150"), hist[1].Value)

	require.NoError(t, m.VerifyChain([]byte("alice")))
}

func TestGetLatest_GetVersion_NotFound(t *testing.T) {
	m := version.New(version.Options{})

	_, err := m.GetLatest([]byte("nope"))
	require.ErrorIs(t, err, version.ErrKeyNotFound)

	m.CreateVersion([]byte("k"), []byte("v"), 1)

	_, err = m.GetVersion([]byte("k"), 5)
	require.ErrorIs(t, err, version.ErrVersionNotFound)
}

func TestGetAtTime_BoundarySemantics(t *testing.T) {
	m := version.New(version.Options{})

	m.CreateVersion([]byte("x"), []byte("1"), 10)
	m.CreateVersion([]byte("x"), []byte("2"), 20)
	m.CreateVersion([]byte("x"), []byte("3"), 30)

	v, err := m.GetAtTime([]byte("x"), 25)
	require.NoError(t, err)
	require.Equal(t, []byte("2"), v.Value)

	v, err = m.GetAtTime([]byte("x"), 20)
	require.NoError(t, err)
	require.Equal(t, []byte("2"), v.Value)

	_, err = m.GetAtTime([]byte("x"), 5)
	require.ErrorIs(t, err, version.ErrVersionNotFound)

	v, err = m.GetAtTime([]byte("x"), 1000)
	require.NoError(t, err)
	require.Equal(t, []byte("3"), v.Value)
}

func TestCreateVersionsBatch_SkipsIntermediateHashesAboveThreshold(t *testing.T) {
	m := version.New(version.Options{AllowHashChainSkip: true, SkipThreshold: 2})

	items := []version.BatchItem{
		{Key: []byte("k"), Value: []byte("1"), Timestamp: 1},
		{Key: []byte("k"), Value: []byte("2"), Timestamp: 2},
		{Key: []byte("k"), Value: []byte("3"), Timestamp: 3},
	}

	out := m.CreateVersionsBatch(items)
	require.Len(t, out, 3)
	require.Nil(t, out[0].Hash)
	require.Nil(t, out[1].Hash)
	require.NotNil(t, out[2].Hash, "last entry in an over-threshold batch is always hashed")

	require.NoError(t, m.RebuildChain([]byte("k")))
	require.NoError(t, m.VerifyChain([]byte("k")))
}

func TestCreateVersionsBatch_BelowThresholdAlwaysHashes(t *testing.T) {
	m := version.New(version.Options{AllowHashChainSkip: true, SkipThreshold: 100})

	out := m.CreateVersionsBatch([]version.BatchItem{
		{Key: []byte("k"), Value: []byte("1"), Timestamp: 1},
		{Key: []byte("k"), Value: []byte("2"), Timestamp: 2},
	})

	require.NotNil(t, out[0].Hash)
	require.NotNil(t, out[1].Hash)
}

func TestSaveAndLoad_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	real := fs.NewReal()

	m := version.New(version.Options{})
	m.CreateVersion([]byte("a"), []byte("1"), 1)
	m.CreateVersion([]byte("a"), []byte("2"), 2)
	m.CreateVersion([]byte("b"), []byte("x"), 3)

	require.NoError(t, m.SaveToDisk(real, dir))

	loaded := version.New(version.Options{})
	require.NoError(t, loaded.LoadFromDisk(real, dir))

	histA, err := loaded.GetHistory([]byte("a"), 0, 0)
	require.NoError(t, err)
	require.Len(t, histA, 2)
	require.Equal(t, []byte("2"), histA[1].Value)

	latestB, err := loaded.GetLatest([]byte("b"))
	require.NoError(t, err)
	require.Equal(t, []byte("x"), latestB.Value)

	require.NoError(t, loaded.VerifyChain([]byte("a")))
}

func TestLoadFromDisk_MissingFileIsNoop(t *testing.T) {
	dir := t.TempDir()
	real := fs.NewReal()

	m := version.New(version.Options{})
	require.NoError(t, m.LoadFromDisk(real, dir))

	_, err := m.GetLatest([]byte("anything"))
	require.ErrorIs(t, err, version.ErrKeyNotFound)
}

func TestLoadFromDisk_ChecksumMismatchErrors(t *testing.T) {
	dir := t.TempDir()
	real := fs.NewReal()

	m := version.New(version.Options{})
	m.CreateVersion([]byte("a"), []byte("1"), 1)
	require.NoError(t, m.SaveToDisk(real, dir))

	path := filepath.Join(dir, "versions.ver")
	raw, err := real.ReadFile(path)
	require.NoError(t, err)

	corrupted := append([]byte(nil), raw...)
	corrupted[len(corrupted)/2] ^= 0xFF
	require.NoError(t, real.WriteFileAtomic(path, corrupted, 0o644))

	loaded := version.New(version.Options{})
	err = loaded.LoadFromDisk(real, dir)
	require.Error(t, err)
}

func TestGetAllKeys(t *testing.T) {
	m := version.New(version.Options{})
	m.CreateVersion([]byte("a"), []byte("1"), 1)
	m.CreateVersion([]byte("b"), []byte("2"), 1)

	keys := m.GetAllKeys()
	require.Len(t, keys, 2)
}
