package lsm

import (
	"context"

	"github.com/Kirov7/FayLSM/cache"
	"github.com/Kirov7/FayLSM/persistent"
	"github.com/Kirov7/FayLSM/utils"
	"github.com/Kirov7/FayLSM/version"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultTableCacheSize = 1000

// tableKey identifies a cached table. The level is part of the key because
// the same file number may be opened in different structural contexts.
type tableKey struct {
	level  int
	number uint64
}

// TableCache keeps open tables shared between readers. At most entries tables
// stay open when none of them is pinned; a table is closed once it has left
// the cache and its last iterator is closed.
type TableCache struct {
	dbname  string
	dataDir string
	opt     *Options
	cache   *cache.Cache[tableKey, *persistent.SSTable]
	metrics *cache.Metrics
	log     *zap.SugaredLogger
}

// NewTableCache returns a cache opening tables from dbname, falling back to
// dataDir when a file is not found there.
func NewTableCache(dbname, dataDir string, opt *Options, entries int) *TableCache {
	if entries <= 0 {
		entries = defaultTableCacheSize
	}
	tc := &TableCache{
		dbname:  dbname,
		dataDir: dataDir,
		opt:     opt,
		metrics: cache.NewMetrics("faylsm", "table_cache"),
		log:     opt.logger().With("component", "table_cache"),
	}
	if opt.Registerer != nil {
		if err := tc.metrics.Register(opt.Registerer); err != nil {
			tc.log.Warnw("table cache metrics not registered", "error", err)
		}
	}
	tc.cache = cache.NewCache[tableKey, *persistent.SSTable](entries, tc.release, tc.metrics)
	return tc
}

func (tc *TableCache) release(key tableKey, t *persistent.SSTable) {
	if err := t.Close(); err != nil {
		tc.log.Warnw("close table", "file", key.number, "level", key.level, "error", err)
		return
	}
	tc.log.Debugw("closed table", "file", key.number, "level", key.level)
}

// findTable returns a pinned handle on (level, number). A size of 0 accepts
// any size; otherwise a cached table of another size is a mismatch.
func (tc *TableCache) findTable(level int, number, size uint64) (*cache.Handle[tableKey, *persistent.SSTable], error) {
	h, err := tc.cache.GetOrLoad(tableKey{level: level, number: number}, func() (*persistent.SSTable, error) {
		return tc.openTable(number, size)
	})
	if err != nil {
		return nil, err
	}
	if got := h.Value().Size(); size != 0 && got != size {
		h.Release()
		return nil, errors.Wrapf(utils.ErrTableSizeMismatch, "file %d: cached table is %d bytes, want %d", number, got, size)
	}
	return h, nil
}

func (tc *TableCache) openTable(number, size uint64) (*persistent.SSTable, error) {
	path := utils.FileNameSSTable(tc.dbname, number)
	t, err := persistent.OpenSSTable(path, number, size)
	if errors.Is(err, utils.ErrTableNotFound) && tc.dataDir != "" && tc.dataDir != tc.dbname {
		path = utils.FileNameSSTable(tc.dataDir, number)
		t, err = persistent.OpenSSTable(path, number, size)
	}
	if err != nil {
		tc.log.Warnw("open table failed", "file", number, "size", size, "error", err)
		return nil, err
	}
	tc.log.Debugw("opened table", "file", number, "path", path, "size", size)
	return t, nil
}

// NewIterator returns an iterator over the table (level, number). The
// returned table stays valid until the iterator is closed; callers must not
// close it themselves.
func (tc *TableCache) NewIterator(opt *utils.Options, number, size uint64, level int) (utils.Iterator, *persistent.SSTable, error) {
	h, err := tc.findTable(level, number, size)
	if err != nil {
		return nil, nil, err
	}
	t := h.Value()
	it := t.NewIterator(opt)
	it.OnClose(h.Release)
	return it, t, nil
}

// Get looks up the internal key ikey in table (level, number). fn is called
// with the first entry at or after ikey when it carries the same user key.
// Not finding the key is not an error.
func (tc *TableCache) Get(opt *utils.Options, level int, number, size uint64, ikey []byte, fn func(key, value []byte)) error {
	h, err := tc.findTable(level, number, size)
	if err != nil {
		return err
	}
	defer h.Release()
	t := h.Value()
	if !t.MayContain(utils.ParseKey(ikey)) {
		return nil
	}
	it := t.NewIterator(opt)
	defer it.Close()
	it.Seek(ikey)
	if !it.Valid() {
		return it.Error()
	}
	e := it.Item().Entry()
	if utils.SameKey(e.Key, ikey) {
		fn(e.Key, e.Value)
	}
	return nil
}

// Evict drops every cached table with the given number. Iterators already
// handed out keep working; later calls reopen the file.
func (tc *TableCache) Evict(number uint64) {
	n := tc.cache.EraseFunc(func(k tableKey) bool { return k.number == number })
	if n > 0 {
		tc.log.Debugw("evicted table", "file", number, "entries", n)
	}
}

// Preload opens files in parallel so that the first reads do not pay for it.
// It stops at the first failure.
func (tc *TableCache) Preload(ctx context.Context, files []version.NewFile) error {
	g, ctx := errgroup.WithContext(ctx)
	limit := tc.opt.PreloadConcurrency
	if limit <= 0 {
		limit = 4
	}
	g.SetLimit(limit)
	for _, f := range files {
		f := f
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			h, err := tc.findTable(f.Level, f.Meta.Number, f.Meta.FileSize)
			if err != nil {
				return errors.WithMessagef(err, "preload file %d", f.Meta.Number)
			}
			h.Release()
			return nil
		})
	}
	return g.Wait()
}

// Len is the number of open tables held by the cache.
func (tc *TableCache) Len() int {
	return tc.cache.Len()
}

// Metrics exposes the cache counters.
func (tc *TableCache) Metrics() *cache.Metrics {
	return tc.metrics
}

// Close drops every cached table. Pinned tables close when released.
func (tc *TableCache) Close() {
	tc.cache.Close()
}
