package merkle_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coretrusts/amdb/internal/fs"
	"github.com/coretrusts/amdb/internal/merkle"
)

func TestEmptyTree_RootIsZeroHash(t *testing.T) {
	tr := merkle.New()
	require.Equal(t, make([]byte, 32), tr.GetRootHash())

	_, ok := tr.Get([]byte("anything"))
	require.False(t, ok)
}

func TestPut_ChangesRootAndIsReadable(t *testing.T) {
	tr := merkle.New()

	root0 := tr.GetRootHash()
	root1 := tr.Put([]byte("a"), []byte("1"))
	require.NotEqual(t, root0, root1)

	v, ok := tr.Get([]byte("a"))
	require.True(t, ok)
	require.Equal(t, []byte("1"), v)
}

func TestPut_IsIdempotentReplace(t *testing.T) {
	tr := merkle.New()

	tr.Put([]byte("a"), []byte("1"))
	rootAfterFirst := tr.GetRootHash()

	tr.Put([]byte("a"), []byte("1"))
	require.Equal(t, rootAfterFirst, tr.GetRootHash())

	tr.Put([]byte("a"), []byte("2"))
	require.NotEqual(t, rootAfterFirst, tr.GetRootHash())
}

func TestDelete_ChangesRootAndRemovesKey(t *testing.T) {
	tr := merkle.New()

	tr.Put([]byte("a"), []byte("1"))
	tr.Put([]byte("b"), []byte("2"))
	tr.Put([]byte("c"), []byte("3"))

	rootBefore := tr.GetRootHash()
	rootAfter := tr.Delete([]byte("b"))
	require.NotEqual(t, rootBefore, rootAfter)

	_, ok := tr.Get([]byte("b"))
	require.False(t, ok)

	_, ok = tr.Get([]byte("a"))
	require.True(t, ok)
}

func TestProofVerify_ScenarioS2(t *testing.T) {
	tr := merkle.New()

	tr.Put([]byte("a"), []byte("1"))
	tr.Put([]byte("b"), []byte("2"))
	tr.Put([]byte("c"), []byte("3"))

	root1 := tr.GetRootHash()

	tr.Delete([]byte("b"))
	root2 := tr.GetRootHash()

	require.NotEqual(t, root1, root2)

	_, ok := tr.Get([]byte("b"))
	require.False(t, ok)

	proof, err := tr.GetProof([]byte("a"))
	require.NoError(t, err)
	require.True(t, tr.Verify([]byte("a"), []byte("1"), proof))
}

func TestVerify_RejectsWrongValue(t *testing.T) {
	tr := merkle.New()

	for i := 0; i < 20; i++ {
		tr.Put([]byte{byte(i)}, []byte{byte(i * 2)})
	}

	proof, err := tr.GetProof([]byte{5})
	require.NoError(t, err)

	require.True(t, tr.Verify([]byte{5}, []byte{10}, proof))
	require.False(t, tr.Verify([]byte{5}, []byte{99}, proof))
}

func TestGetProof_ManyKeysSharedPrefixes(t *testing.T) {
	tr := merkle.New()

	keys := [][]byte{
		[]byte("key_000000"),
		[]byte("key_000001"),
		[]byte("key_000002"),
		[]byte("key_000100"),
		[]byte("other"),
	}

	for i, k := range keys {
		tr.Put(k, []byte{byte(i)})
	}

	for i, k := range keys {
		proof, err := tr.GetProof(k)
		require.NoError(t, err, "key %s", k)
		require.True(t, tr.Verify(k, []byte{byte(i)}, proof), "key %s", k)
	}
}

func TestGetProof_MissingKeyErrors(t *testing.T) {
	tr := merkle.New()
	tr.Put([]byte("a"), []byte("1"))

	_, err := tr.GetProof([]byte("missing"))
	require.ErrorIs(t, err, merkle.ErrKeyNotFound)
}

func TestSaveAndLoad_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	real := fs.NewReal()

	tr := merkle.New()
	tr.Put([]byte("a"), []byte("1"))
	tr.Put([]byte("b"), []byte("2"))

	require.NoError(t, tr.SaveToDisk(real, dir))

	loaded := merkle.New()
	require.NoError(t, loaded.LoadFromDisk(real, dir))

	require.Equal(t, tr.GetRootHash(), loaded.GetRootHash())

	v, ok := loaded.Get([]byte("a"))
	require.True(t, ok)
	require.Equal(t, []byte("1"), v)

	proof, err := loaded.GetProof([]byte("b"))
	require.NoError(t, err)
	require.True(t, loaded.Verify([]byte("b"), []byte("2"), proof))
}

func TestLoadFromDisk_MissingFileIsNoop(t *testing.T) {
	dir := t.TempDir()
	real := fs.NewReal()

	tr := merkle.New()
	require.NoError(t, tr.LoadFromDisk(real, dir))
	require.Equal(t, make([]byte, 32), tr.GetRootHash())
}
