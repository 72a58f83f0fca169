package sstable_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coretrusts/amdb/internal/fs"
	"github.com/coretrusts/amdb/internal/sstable"
)

func writeSample(t *testing.T, fsys fs.FS, path string) []sstable.Entry {
	t.Helper()

	entries := []sstable.Entry{
		{Key: []byte("alpha"), Value: []byte("a-val"), Version: 1, Timestamp: 1.0},
		{Key: []byte("bravo"), Value: []byte("b-val"), Version: 2, Timestamp: 2.0},
		{Key: []byte("charlie"), Value: []byte("c-val"), Version: 1, Timestamp: 3.0},
	}

	require.NoError(t, sstable.Write(fsys, path, entries))

	return entries
}

func TestWriteRead_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000001.sst")
	real := fs.NewReal()

	entries := writeSample(t, real, path)

	r, err := sstable.Open(real, path)
	require.NoError(t, err)

	for _, e := range entries {
		val, version, ts, ok := r.Get(e.Key)
		require.True(t, ok, "key %q", e.Key)
		require.Equal(t, e.Value, val)
		require.Equal(t, e.Version, version)
		require.Equal(t, e.Timestamp, ts)
	}

	_, _, _, ok := r.Get([]byte("missing"))
	require.False(t, ok)
}

func TestAll_StreamsInFileOrder(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000001.sst")
	real := fs.NewReal()

	entries := writeSample(t, real, path)

	r, err := sstable.Open(real, path)
	require.NoError(t, err)

	var got []string
	r.All(func(e sstable.Entry) bool {
		got = append(got, string(e.Key))

		return true
	})

	require.Len(t, got, len(entries))
	require.Equal(t, "alpha", got[0])
	require.Equal(t, "bravo", got[1])
	require.Equal(t, "charlie", got[2])
}

func TestOpen_TruncatedFooterYieldsEmptyIndex(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000001.sst")
	real := fs.NewReal()

	writeSample(t, real, path)

	raw, err := real.ReadFile(path)
	require.NoError(t, err)

	truncated := raw[:len(raw)-10]
	require.NoError(t, real.WriteFileAtomic(path, truncated, 0o644))

	r, err := sstable.Open(real, path)
	require.NoError(t, err)

	_, _, _, ok := r.Get([]byte("alpha"))
	require.False(t, ok)
}

func TestOpen_BadMagicYieldsEmptyIndex(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000001.sst")
	real := fs.NewReal()

	writeSample(t, real, path)

	raw, err := real.ReadFile(path)
	require.NoError(t, err)

	corrupted := append([]byte(nil), raw...)
	// Corrupt both the header magic and the trailing footer magic: with
	// only the header magic bad, the reader recovers the index from the
	// intact footer.
	copy(corrupted[:4], []byte("XXXX"))
	copy(corrupted[len(corrupted)-4:], []byte("XXXX"))
	require.NoError(t, real.WriteFileAtomic(path, corrupted, 0o644))

	r, err := sstable.Open(real, path)
	require.NoError(t, err)

	_, _, _, ok := r.Get([]byte("alpha"))
	require.False(t, ok)
}

func TestOpen_ChecksumMismatchYieldsEmptyIndex(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000001.sst")
	real := fs.NewReal()

	writeSample(t, real, path)

	raw, err := real.ReadFile(path)
	require.NoError(t, err)

	corrupted := append([]byte(nil), raw...)
	// Flip a byte in the middle of the data region so the stored checksum
	// no longer matches.
	corrupted[len(corrupted)/2] ^= 0xFF
	require.NoError(t, real.WriteFileAtomic(path, corrupted, 0o644))

	r, err := sstable.Open(real, path)
	require.NoError(t, err)

	_, _, _, ok := r.Get([]byte("alpha"))
	require.False(t, ok)
}
