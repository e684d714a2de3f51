package FayLSM

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Kirov7/FayLSM/utils"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadOptions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "faylsm.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
work_dir: /tmp/db
table_cache_size: 12
verify_checksums: true
logger:
  level: debug
`), 0666))

	opt, err := LoadOptions(path)
	require.NoError(t, err)
	require.Equal(t, "/tmp/db", opt.WorkDir)
	require.Equal(t, 12, opt.TableCacheSize)
	require.True(t, opt.VerifyChecksums)
	require.Equal(t, "debug", opt.Logger.Level)
	// untouched fields keep their defaults
	require.Equal(t, DefaultOptions().BlockSize, opt.BlockSize)

	opt, err = LoadOptions(filepath.Join(dir, "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, DefaultOptions(), opt)

	require.NoError(t, os.WriteFile(path, []byte("bloom_false_positive: 2\n"), 0666))
	_, err = LoadOptions(path)
	require.Error(t, err)
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	_, err := NewLogger(LoggerOptions{Level: "loud"})
	require.Error(t, err)
}

func TestDBRoundTrip(t *testing.T) {
	opt := DefaultOptions()
	opt.WorkDir = t.TempDir()
	opt.MemTableSize = 1 << 16
	opt.Preload = true

	db, err := OpenWithLogger(opt, zap.NewNop().Sugar())
	require.NoError(t, err)
	require.NoError(t, db.Set(utils.NewEntry([]byte("hello"), []byte("world"))))
	require.NoError(t, db.Set(utils.NewEntry([]byte("bye"), []byte("now"))))
	require.NoError(t, db.Del([]byte("bye")))
	require.NoError(t, db.Flush())

	info := db.Info()
	require.Equal(t, 1, info.Tables)
	require.NotZero(t, info.TableBytes)
	require.NoError(t, db.Close())

	db, err = OpenWithLogger(opt, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer db.Close()
	require.Equal(t, 1, db.Info().OpenTables)

	e, err := db.Get([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, "world", string(e.Value))
	_, err = db.Get([]byte("bye"))
	require.True(t, errors.Is(err, utils.ErrKeyNotFound))

	mfs, err := db.Registry().Gather()
	require.NoError(t, err)
	require.NotEmpty(t, mfs)
}
