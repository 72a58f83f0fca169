package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (stdout, stderr string, code int) {
	t.Helper()

	var out, errOut bytes.Buffer
	code = Run(strings.NewReader(""), &out, &errOut, append([]string{"amdb"}, args...), nil)

	return out.String(), errOut.String(), code
}

func TestOneShot_PutGet(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")

	_, _, code := run(t, "-d", dir, "put", "k", "v")
	require.Equal(t, 0, code)

	out, _, code := run(t, "-d", dir, "get", "k")
	require.Equal(t, 0, code)
	require.Equal(t, "v\n", out)
}

func TestOneShot_DeleteThenGetNotFound(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")

	_, _, code := run(t, "-d", dir, "put", "k", "v")
	require.Equal(t, 0, code)

	_, _, code = run(t, "-d", dir, "delete", "k")
	require.Equal(t, 0, code)

	out, _, code := run(t, "-d", dir, "get", "k")
	require.Equal(t, 0, code)
	require.Equal(t, "(not found)\n", out)
}

func TestOneShot_BatchPutAndSelect(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")

	_, _, code := run(t, "-d", dir, "batch", "put", "a1", "x", "a2", "y")
	require.Equal(t, 0, code)

	out, _, code := run(t, "-d", dir, "select", "*", "from", "a")
	require.Equal(t, 0, code)
	require.Contains(t, out, "a1 = x")
	require.Contains(t, out, "a2 = y")
}

func TestOneShot_UnknownCommandFails(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")

	_, errOut, code := run(t, "-d", dir, "bogus")
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "unknown command")
}

func TestOneShot_ShowStats(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")

	_, _, code := run(t, "-d", dir, "put", "k", "v")
	require.Equal(t, 0, code)

	out, _, code := run(t, "-d", dir, "show", "stats")
	require.Equal(t, 0, code)
	require.Contains(t, out, "total_keys: 1")
}

func TestConfig_ExplicitPathAppliesOverridesAndShows(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")

	cfgPath := filepath.Join(t.TempDir(), "amdb.jsonc")
	cfgBody := `{
		// comments and trailing commas are tolerated (JWCC)
		"shard_count": 4,
		"description": "test fixture",
	}`
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfgBody), 0o644))

	out, _, code := run(t, "--config", cfgPath, "-d", dir, "show", "config")
	require.Equal(t, 0, code)
	require.Contains(t, out, `"shard_count": 4`)
	require.Contains(t, out, "test fixture")
	require.Contains(t, out, cfgPath)
}

func TestConfig_MissingExplicitPathFails(t *testing.T) {
	_, errOut, code := run(t, "--config", filepath.Join(t.TempDir(), "nope.json"), "show", "config")
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "config file not found")
}

func TestHelp_ExitsZero(t *testing.T) {
	out, _, code := run(t, "--help")
	require.Equal(t, 0, code)
	require.Contains(t, out, "amdb")
}
