package wal_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coretrusts/amdb/internal/fs"
	"github.com/coretrusts/amdb/internal/wal"
)

func TestLogAndReplay_RoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "wal")
	real := fs.NewReal()

	w, err := wal.Open(real, dir, wal.Options{SyncWAL: true})
	require.NoError(t, err)

	require.NoError(t, w.LogPut([]byte("alice"), []byte("100"), 1))
	require.NoError(t, w.LogPut([]byte("alice"), []byte("150"), 2))
	require.NoError(t, w.LogDelete([]byte("bob"), 3))
	require.NoError(t, w.LogCommit([]byte("tx1"), 4))
	require.NoError(t, w.Close())

	var got []wal.Record
	require.NoError(t, wal.Replay(real, dir, func(r wal.Record) {
		got = append(got, r)
	}))

	require.Len(t, got, 4)
	require.Equal(t, wal.RecordPut, got[0].Type)
	require.Equal(t, []byte("alice"), got[0].Key)
	require.Equal(t, []byte("100"), got[0].Value)
	require.Equal(t, wal.RecordPut, got[1].Type)
	require.Equal(t, []byte("150"), got[1].Value)
	require.Equal(t, wal.RecordDelete, got[2].Type)
	require.Nil(t, got[2].Value)
	require.Equal(t, wal.RecordCommit, got[3].Type)
	require.Equal(t, []byte("tx1"), got[3].Key)
}

func TestReplay_EmptyDirIsNoop(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "wal")
	real := fs.NewReal()

	called := false
	require.NoError(t, wal.Replay(real, dir, func(wal.Record) { called = true }))
	require.False(t, called)
}

func TestRotation_SplitsAcrossFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "wal")
	real := fs.NewReal()

	w, err := wal.Open(real, dir, wal.Options{MaxFileSizeBytes: 64})
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		require.NoError(t, w.LogPut([]byte("k"), []byte("0123456789"), float64(i)))
	}
	require.NoError(t, w.Close())

	entries, err := real.ReadDir(dir)
	require.NoError(t, err)
	require.Greater(t, len(entries), 1)

	count := 0
	require.NoError(t, wal.Replay(real, dir, func(wal.Record) { count++ }))
	require.Equal(t, 50, count)
}

func TestReplay_CorruptTailStopsThatFileOnly(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "wal")
	real := fs.NewReal()

	w, err := wal.Open(real, dir, wal.Options{})
	require.NoError(t, err)
	require.NoError(t, w.LogPut([]byte("a"), []byte("1"), 1))
	require.NoError(t, w.LogPut([]byte("b"), []byte("2"), 2))
	require.NoError(t, w.Close())

	entries, err := real.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	path := filepath.Join(dir, entries[0].Name())
	raw, err := real.ReadFile(path)
	require.NoError(t, err)

	truncated := raw[:len(raw)-5]
	require.NoError(t, real.WriteFileAtomic(path, truncated, 0o644))

	var got []wal.Record
	require.NoError(t, wal.Replay(real, dir, func(r wal.Record) {
		got = append(got, r)
	}))

	require.Len(t, got, 1)
	require.Equal(t, []byte("a"), got[0].Key)
}

func TestReplay_OrdersFilesByCreationTimestamp(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "wal")
	real := fs.NewReal()

	w, err := wal.Open(real, dir, wal.Options{MaxFileSizeBytes: 1})
	require.NoError(t, err)

	require.NoError(t, w.LogPut([]byte("first"), []byte("1"), 1))
	require.NoError(t, w.LogPut([]byte("second"), []byte("2"), 2))
	require.NoError(t, w.LogPut([]byte("third"), []byte("3"), 3))
	require.NoError(t, w.Close())

	var keys []string
	require.NoError(t, wal.Replay(real, dir, func(r wal.Record) {
		keys = append(keys, string(r.Key))
	}))

	require.Equal(t, []string{"first", "second", "third"}, keys)
}
