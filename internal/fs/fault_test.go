package fs_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coretrusts/amdb/internal/fs"
)

func TestFault_FailAfter_Open(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x")
	require.NoError(t, os.WriteFile(path, []byte("hi"), 0o644))

	faulty := fs.NewFault(fs.NewReal())
	faulty.FailAfter(fs.FailOpen, 2)

	_, err := faulty.Open(path)
	require.NoError(t, err)

	_, err = faulty.Open(path)
	require.Error(t, err)
	require.True(t, fs.IsInjected(err))

	_, err = faulty.Open(path)
	require.NoError(t, err)
}

func TestFault_Write_TearsWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x")

	faulty := fs.NewFault(fs.NewReal())
	faulty.FailAfter(fs.FailWrite, 1)

	f, err := faulty.Create(path)
	require.NoError(t, err)

	n, err := f.Write([]byte("0123456789"))
	require.Error(t, err)
	require.Less(t, n, 10)
	require.True(t, fs.IsInjected(err))

	require.NoError(t, f.Close())
}

func TestFault_Disarm(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x")
	require.NoError(t, os.WriteFile(path, []byte("hi"), 0o644))

	faulty := fs.NewFault(fs.NewReal())
	faulty.FailAfter(fs.FailOpen, 1)
	faulty.Disarm(fs.FailOpen)

	_, err := faulty.Open(path)
	require.NoError(t, err)
}
