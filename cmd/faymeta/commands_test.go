package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	FayLSM "github.com/Kirov7/FayLSM"
	"github.com/Kirov7/FayLSM/persistent"
	"github.com/Kirov7/FayLSM/utils"
	"github.com/Kirov7/FayLSM/version"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// seedDB writes two tables: "a","b" in the first and "c" in the second.
func seedDB(t *testing.T) string {
	opt := FayLSM.DefaultOptions()
	opt.WorkDir = t.TempDir()
	opt.MemTableSize = 1 << 16
	db, err := FayLSM.OpenWithLogger(opt, zap.NewNop().Sugar())
	require.NoError(t, err)
	require.NoError(t, db.Set(utils.NewEntry([]byte("a"), []byte("1"))))
	require.NoError(t, db.Set(utils.NewEntry([]byte("b"), []byte("2"))))
	require.NoError(t, db.Flush())
	require.NoError(t, db.Set(utils.NewEntry([]byte("c"), []byte("3"))))
	require.NoError(t, db.Close())
	return opt.WorkDir
}

func run(t *testing.T, args ...string) (string, error) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

type fileState struct {
	size    int64
	modTime time.Time
}

func snapshotDir(t *testing.T, dir string) map[string]fileState {
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	out := make(map[string]fileState)
	for _, e := range entries {
		info, err := e.Info()
		require.NoError(t, err)
		out[e.Name()] = fileState{size: info.Size(), modTime: info.ModTime()}
	}
	return out
}

func TestDumpManifest(t *testing.T) {
	dir := seedDB(t)
	out, err := run(t, "dump", dir)
	require.NoError(t, err)
	require.Contains(t, out, "--- record 1 @")
	require.Contains(t, out, "records")
}

func TestCheckTables(t *testing.T) {
	dir := seedDB(t)
	out, err := run(t, "check", "--log-level", "error", dir)
	require.NoError(t, err)
	require.Contains(t, out, "ok, 2 entries")
	require.Contains(t, out, "ok, 1 entries")
}

func TestCheckLeavesDirectoryAlone(t *testing.T) {
	dir := seedDB(t)
	stray := utils.FileNameSSTable(dir, 99)
	require.NoError(t, os.WriteFile(stray, []byte("not a table"), 0666))
	before := snapshotDir(t, dir)

	for _, args := range [][]string{
		{"check", "--log-level", "error", dir},
		{"keys", "--log-level", "error", dir},
	} {
		out, err := run(t, args...)
		require.NoError(t, err)
		if args[0] == "check" {
			require.Contains(t, out, "table 000099 is not in the manifest")
		}
		require.Equal(t, before, snapshotDir(t, dir), "%v", args)
	}
}

func TestCheckWithoutManifest(t *testing.T) {
	dir := t.TempDir()
	stray := utils.FileNameSSTable(dir, 99)
	require.NoError(t, os.WriteFile(stray, []byte("x"), 0666))

	_, err := run(t, "check", "--log-level", "error", dir)
	require.Error(t, err)
	_, err = os.Stat(stray)
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, utils.ManifestFilename))
	require.True(t, os.IsNotExist(err))
}

func TestCheckReportsDamagedTable(t *testing.T) {
	dir := seedDB(t)
	m, err := persistent.ReadManifest(filepath.Join(dir, utils.ManifestFilename))
	require.NoError(t, err)
	for num := range m.L0Tables {
		require.NoError(t, os.Remove(utils.FileNameSSTable(dir, num)))
		break
	}
	_, err = run(t, "check", "--log-level", "error", dir)
	require.Error(t, err)
	require.Contains(t, err.Error(), "1 damaged tables")
}

func TestKeysMergesTables(t *testing.T) {
	dir := seedDB(t)
	out, err := run(t, "keys", "--log-level", "error", dir)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	for i, k := range []string{`"a"`, `"b"`, `"c"`} {
		require.True(t, strings.HasPrefix(lines[i], k), lines[i])
	}

	out, err = run(t, "keys", "--limit", "1", "--log-level", "error", dir)
	require.NoError(t, err)
	require.Equal(t, 1, strings.Count(out, "\n"))
}

func TestCompactManifest(t *testing.T) {
	dir := seedDB(t)
	path := filepath.Join(dir, utils.ManifestFilename)
	count := func() int {
		n := 0
		require.NoError(t, persistent.WalkManifest(path, func(int64, *version.VersionEdit) error {
			n++
			return nil
		}))
		return n
	}
	require.Greater(t, count(), 1)
	before, err := persistent.ReadManifest(path)
	require.NoError(t, err)

	out, err := run(t, "compact-manifest", dir)
	require.NoError(t, err)
	require.Contains(t, out, "manifest rewritten")
	require.Equal(t, 1, count())
	after, err := persistent.ReadManifest(path)
	require.NoError(t, err)
	require.Equal(t, len(before.L0Tables), len(after.L0Tables))
	require.Equal(t, before.NextFileNumber, after.NextFileNumber)

	_, err = run(t, "compact-manifest", t.TempDir())
	require.Error(t, err)
}

func TestDumpMissingManifest(t *testing.T) {
	_, err := run(t, "dump", t.TempDir())
	require.Error(t, err)
}
