package lsm

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/Kirov7/FayLSM/persistent"
	"github.com/Kirov7/FayLSM/utils"
	"github.com/Kirov7/FayLSM/version"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func ikey(k string, seq uint64) []byte {
	return utils.MakeInternalKey([]byte(k), seq, utils.KindSet)
}

// writeTable writes n keys "<prefix>000".. into table fid of dir.
func writeTable(t *testing.T, dir string, fid uint64, prefix string, n int) *persistent.TableInfo {
	t.Helper()
	tb := persistent.NewTableBuilder(&persistent.Options{BlockSize: 256, BloomFalsePositive: 0.01})
	for i := 0; i < n; i++ {
		k := fmt.Sprintf("%s%03d", prefix, i)
		require.NoError(t, tb.Add(utils.NewEntry(ikey(k, uint64(i+1)), []byte("v"+k))))
	}
	info, err := tb.Flush(utils.FileNameSSTable(dir, fid), fid)
	require.NoError(t, err)
	return info
}

func newTestTableCache(t *testing.T, dbname, dataDir string, entries int) *TableCache {
	opt := &Options{WorkDir: dbname, DataDir: dataDir, Registerer: prometheus.NewRegistry()}
	tc := NewTableCache(dbname, dataDir, opt, entries)
	t.Cleanup(tc.Close)
	return tc
}

func TestTableCacheSharesOpenTables(t *testing.T) {
	dir := t.TempDir()
	info := writeTable(t, dir, 1, "k", 50)
	tc := newTestTableCache(t, dir, "", 10)

	const readers = 16
	tables := make([]*persistent.SSTable, readers)
	iters := make([]utils.Iterator, readers)
	errs := make([]error, readers)
	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			iters[i], tables[i], errs[i] = tc.NewIterator(nil, 1, info.Size, 1)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	for i := 1; i < readers; i++ {
		require.Same(t, tables[0], tables[i])
	}
	require.Equal(t, float64(1), testutil.ToFloat64(tc.Metrics().Misses))
	for _, it := range iters {
		require.NoError(t, it.Close())
	}
	require.Equal(t, 1, tc.Len())
}

func TestTableCacheEvictKeepsIteratorsAlive(t *testing.T) {
	dir := t.TempDir()
	info := writeTable(t, dir, 7, "k", 20)
	tc := newTestTableCache(t, dir, "", 10)

	it, t1, err := tc.NewIterator(nil, 7, info.Size, 1)
	require.NoError(t, err)
	tc.Evict(7)
	require.Equal(t, 0, tc.Len())

	n := 0
	for it.Rewind(); it.Valid(); it.Next() {
		n++
	}
	require.Equal(t, 20, n)

	it2, t2, err := tc.NewIterator(nil, 7, info.Size, 1)
	require.NoError(t, err)
	require.NotSame(t, t1, t2)
	require.NoError(t, it2.Close())

	require.NoError(t, it.Close())
	// the evicted table was closed with its last iterator
	stale := t1.NewIterator(nil)
	stale.Rewind()
	require.False(t, stale.Valid())
	require.True(t, errors.Is(stale.Close(), utils.ErrClosed))
}

func TestTableCacheEvictCoversEveryLevel(t *testing.T) {
	dir := t.TempDir()
	info := writeTable(t, dir, 3, "k", 5)
	tc := newTestTableCache(t, dir, "", 10)

	for _, level := range []int{0, 2} {
		it, _, err := tc.NewIterator(nil, 3, info.Size, level)
		require.NoError(t, err)
		require.NoError(t, it.Close())
	}
	require.Equal(t, 2, tc.Len())
	tc.Evict(3)
	require.Equal(t, 0, tc.Len())
}

func TestTableCacheLRUBound(t *testing.T) {
	dir := t.TempDir()
	tc := newTestTableCache(t, dir, "", 2)
	var infos []*persistent.TableInfo
	for fid := uint64(1); fid <= 3; fid++ {
		infos = append(infos, writeTable(t, dir, fid, "k", 5))
	}
	for i, info := range infos {
		it, _, err := tc.NewIterator(nil, uint64(i+1), info.Size, 1)
		require.NoError(t, err)
		require.NoError(t, it.Close())
	}
	require.Equal(t, 2, tc.Len())
	require.Equal(t, float64(1), testutil.ToFloat64(tc.Metrics().Evictions))

	// table 1 was least recently used and must be reopened
	it, _, err := tc.NewIterator(nil, 1, infos[0].Size, 1)
	require.NoError(t, err)
	require.NoError(t, it.Close())
	require.Equal(t, float64(4), testutil.ToFloat64(tc.Metrics().Misses))
}

func TestTableCacheFailedOpenLeavesCacheUnchanged(t *testing.T) {
	dir := t.TempDir()
	tc := newTestTableCache(t, dir, "", 10)

	_, _, err := tc.NewIterator(nil, 9, 100, 1)
	require.True(t, errors.Is(err, utils.ErrTableNotFound))
	require.Equal(t, 0, tc.Len())
	require.Equal(t, float64(1), testutil.ToFloat64(tc.Metrics().LoadFailures))

	info := writeTable(t, dir, 9, "k", 5)
	_, _, err = tc.NewIterator(nil, 9, info.Size+1, 1)
	require.True(t, errors.Is(err, utils.ErrTableSizeMismatch))

	it, _, err := tc.NewIterator(nil, 9, info.Size, 1)
	require.NoError(t, err)
	require.NoError(t, it.Close())
}

func TestTableCacheFallsBackToDataDir(t *testing.T) {
	dbname, dataDir := t.TempDir(), t.TempDir()
	info := writeTable(t, dataDir, 4, "k", 5)
	tc := newTestTableCache(t, dbname, dataDir, 10)

	it, tbl, err := tc.NewIterator(nil, 4, info.Size, 1)
	require.NoError(t, err)
	require.Equal(t, utils.FileNameSSTable(dataDir, 4), tbl.Path())
	require.NoError(t, it.Close())
}

func TestTableCacheGet(t *testing.T) {
	dir := t.TempDir()
	info := writeTable(t, dir, 5, "k", 30)
	tc := newTestTableCache(t, dir, "", 10)

	var gotKey, gotVal []byte
	calls := 0
	fn := func(k, v []byte) {
		calls++
		gotKey = append([]byte(nil), k...)
		gotVal = append([]byte(nil), v...)
	}
	require.NoError(t, tc.Get(nil, 1, 5, info.Size, ikey("k010", utils.MaxSequenceNumber), fn))
	require.Equal(t, 1, calls)
	require.Equal(t, "k010", string(utils.ParseKey(gotKey)))
	require.Equal(t, "vk010", string(gotVal))

	// present user key but only newer than the read sequence
	require.NoError(t, tc.Get(nil, 1, 5, info.Size, ikey("k010", 3), fn))
	require.Equal(t, 1, calls)

	require.NoError(t, tc.Get(nil, 1, 5, info.Size, ikey("nope", utils.MaxSequenceNumber), fn))
	require.Equal(t, 1, calls)

	err := tc.Get(nil, 1, 6, 10, ikey("k010", 1), fn)
	require.True(t, errors.Is(err, utils.ErrTableNotFound))
}

func TestTableCachePreload(t *testing.T) {
	dir := t.TempDir()
	tc := newTestTableCache(t, dir, "", 10)
	var files []version.NewFile
	for fid := uint64(1); fid <= 5; fid++ {
		info := writeTable(t, dir, fid, "k", 5)
		files = append(files, version.NewFile{Level: 1, Meta: version.NewFileMetaData(fid, info.Size, info.Smallest, info.Largest)})
	}
	require.NoError(t, tc.Preload(context.Background(), files))
	require.Equal(t, 5, tc.Len())

	files = append(files, version.NewFile{Level: 1, Meta: version.NewFileMetaData(42, 1, nil, nil)})
	require.True(t, errors.Is(tc.Preload(context.Background(), files), utils.ErrTableNotFound))
}

func TestTableCacheChecksSizeOnHit(t *testing.T) {
	dir := t.TempDir()
	info := writeTable(t, dir, 3, "k", 20)
	tc := newTestTableCache(t, dir, "", 10)

	it, _, err := tc.NewIterator(nil, 3, info.Size, 1)
	require.NoError(t, err)
	require.NoError(t, it.Close())

	_, _, err = tc.NewIterator(nil, 3, info.Size+1, 1)
	require.True(t, errors.Is(err, utils.ErrTableSizeMismatch), "%v", err)
	err = tc.Get(nil, 1, 3, info.Size-1, ikey("k001", 100), func(_, _ []byte) {
		t.Fatal("callback on a mismatched table")
	})
	require.True(t, errors.Is(err, utils.ErrTableSizeMismatch), "%v", err)

	// the cached table itself is untouched and still serves the right size
	require.Equal(t, 1, tc.Len())
	require.Equal(t, float64(1), testutil.ToFloat64(tc.Metrics().Misses))
	it, _, err = tc.NewIterator(nil, 3, info.Size, 1)
	require.NoError(t, err)
	require.NoError(t, it.Close())
	// zero skips the check
	it, _, err = tc.NewIterator(nil, 3, 0, 1)
	require.NoError(t, err)
	require.NoError(t, it.Close())
}
