package lsm

import (
	"context"
	"os"
	"sync"
	"sync/atomic"

	"github.com/Kirov7/FayLSM/utils"
	"github.com/Kirov7/FayLSM/version"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type LSM struct {
	lock       sync.RWMutex
	memTable   *memTable
	immutables []*memTable
	levels     *levelManager
	option     *Options
	closer     *utils.Closer
	seq        uint64 // atomic, last sequence number handed out
	partition  uint32 // atomic, round robin over level-0 partitions
	closed     bool
}

type Options struct {
	// WorkDir holds the manifest and newly written tables.
	WorkDir string
	// DataDir is searched for tables missing from WorkDir.
	DataDir string

	MemTableSize       int64
	TableCacheSize     int
	BlockSize          int
	BloomFalsePositive float64
	NumL0Partitions    int
	PreloadConcurrency int
	VerifyChecksums    bool
	Comparator         string

	Logger     *zap.SugaredLogger
	Registerer prometheus.Registerer
}

func (opt *Options) logger() *zap.SugaredLogger {
	if opt.Logger == nil {
		return zap.NewNop().Sugar()
	}
	return opt.Logger
}

func (opt *Options) readOptions() *utils.Options {
	return &utils.Options{VerifyChecksums: opt.VerifyChecksums}
}

func NewLSM(opt *Options) (*LSM, error) {
	if opt.WorkDir == "" {
		return nil, errors.New("lsm: WorkDir is required")
	}
	if opt.MemTableSize <= 0 {
		opt.MemTableSize = 64 << 20
	}
	if opt.NumL0Partitions <= 0 {
		opt.NumL0Partitions = utils.DefaultL0Partitions
	}
	if opt.Comparator == "" {
		opt.Comparator = utils.DefaultComparatorName
	}
	if err := os.MkdirAll(opt.WorkDir, 0755); err != nil {
		return nil, errors.Wrapf(err, "create %s", opt.WorkDir)
	}
	lsm := &LSM{option: opt}
	levels, err := newLevelManager(opt)
	if err != nil {
		return nil, err
	}
	lsm.levels = levels
	lsm.seq = atomic.LoadUint64(&levels.lastSequence)
	lsm.memTable = lsm.NewMemTable()
	lsm.closer = utils.NewCloser()
	return lsm, nil
}

// Set writes entry under a new sequence number. entry.Key is a user key.
func (lsm *LSM) Set(entry *utils.Entry) error {
	if entry == nil || len(entry.Key) == 0 {
		return utils.ErrEmptyKey
	}
	return lsm.write(entry, utils.KindSet)
}

// Delete writes a tombstone for key.
func (lsm *LSM) Delete(key []byte) error {
	if len(key) == 0 {
		return utils.ErrEmptyKey
	}
	return lsm.write(&utils.Entry{Key: key}, utils.KindDelete)
}

func (lsm *LSM) write(entry *utils.Entry, kind utils.Kind) error {
	lsm.lock.Lock()
	defer lsm.lock.Unlock()
	if lsm.closed {
		return errors.Wrap(utils.ErrClosed, "lsm")
	}
	lsm.closer.Add(1)
	defer lsm.closer.Done()
	seq := atomic.AddUint64(&lsm.seq, 1)
	e := &utils.Entry{
		Key:       utils.MakeInternalKey(entry.Key, seq, kind),
		Value:     entry.Value,
		ExpiresAt: entry.ExpiresAt,
		Meta:      entry.Meta,
		Version:   seq,
	}
	if !lsm.memTable.fits(e) {
		if lsm.memTable.empty() {
			return errors.Errorf("lsm: entry of %d bytes exceeds the memtable", e.Size())
		}
		lsm.seal()
		if err := lsm.flushImmutables(); err != nil {
			return err
		}
	}
	return lsm.memTable.set(e)
}

// seal retires the active memtable. Must hold lsm.lock.
func (lsm *LSM) seal() {
	lsm.immutables = append(lsm.immutables, lsm.memTable)
	lsm.memTable = lsm.NewMemTable()
}

// flushImmutables writes every sealed memtable to level 0. Must hold lsm.lock.
func (lsm *LSM) flushImmutables() error {
	for len(lsm.immutables) > 0 {
		mt := lsm.immutables[0]
		par := int(atomic.AddUint32(&lsm.partition, 1)-1) % lsm.option.NumL0Partitions
		it := mt.sl.NewSkipListIterator()
		_, err := lsm.levels.flush(par, it)
		_ = it.Close()
		if err != nil {
			return err
		}
		lsm.immutables = lsm.immutables[1:]
		mt.close()
	}
	return nil
}

// Flush writes the active memtable to a level-0 table.
func (lsm *LSM) Flush() error {
	lsm.lock.Lock()
	defer lsm.lock.Unlock()
	if lsm.closed {
		return errors.Wrap(utils.ErrClosed, "lsm")
	}
	if !lsm.memTable.empty() {
		lsm.seal()
	}
	return lsm.flushImmutables()
}

// Get returns the newest value of key. The returned entry carries the user
// key and its sequence number in Version.
func (lsm *LSM) Get(key []byte) (*utils.Entry, error) {
	if len(key) == 0 {
		return nil, utils.ErrEmptyKey
	}
	lsm.lock.RLock()
	if lsm.closed {
		lsm.lock.RUnlock()
		return nil, errors.Wrap(utils.ErrClosed, "lsm")
	}
	lsm.closer.Add(1)
	defer lsm.closer.Done()
	ikey := utils.MakeInternalKey(key, atomic.LoadUint64(&lsm.seq), utils.KindSeek)
	// Start by querying in the active table, then the sealed ones newest first.
	tables := []*memTable{lsm.memTable}
	for i := len(lsm.immutables) - 1; i >= 0; i-- {
		tables = append(tables, lsm.immutables[i])
	}
	for _, mt := range tables {
		mt.sl.IncrRef()
	}
	lsm.lock.RUnlock()
	defer func() {
		for _, mt := range tables {
			mt.close()
		}
	}()

	for _, mt := range tables {
		if e, ok := mt.Get(ikey); ok {
			return userEntry(e)
		}
	}
	// If not found, query the tables
	e, err := lsm.levels.Get(lsm.option.readOptions(), ikey)
	if err != nil {
		return nil, err
	}
	return userEntry(e)
}

func userEntry(e *utils.Entry) (*utils.Entry, error) {
	k := utils.InternalKey(e.Key)
	if k.Kind() == utils.KindDelete {
		return nil, utils.ErrKeyNotFound
	}
	e.Version = k.Seq()
	e.Key = k.UserKey()
	return e, nil
}

// NewIterator returns every entry of the database, memtables included, in
// internal key order. The file set it reads stays on disk until the iterator
// is closed.
func (lsm *LSM) NewIterator(opt *utils.Options) (utils.Iterator, error) {
	if opt == nil {
		opt = lsm.option.readOptions()
	}
	var iters []utils.Iterator
	lsm.lock.RLock()
	if lsm.closed {
		lsm.lock.RUnlock()
		return nil, errors.Wrap(utils.ErrClosed, "lsm")
	}
	iters = append(iters, lsm.memTable.sl.NewSkipListIterator())
	for _, mt := range lsm.immutables {
		iters = append(iters, mt.sl.NewSkipListIterator())
	}
	lsm.lock.RUnlock()

	v := lsm.levels.currentView()
	var err error
	v.forEach(func(level int, partition bool, f *version.FileMetaData) {
		if err != nil {
			return
		}
		if partition {
			level = 0
		}
		var it utils.Iterator
		it, _, err = lsm.levels.cache.NewIterator(opt, f.Number, f.FileSize, level)
		if err == nil {
			iters = append(iters, it)
		}
	})
	if err != nil {
		for _, it := range iters {
			_ = it.Close()
		}
		v.unref()
		return nil, err
	}
	return NewMergeIterator(iters, v.unref), nil
}

// LogAndApply records edit in the manifest and installs the resulting file set.
func (lsm *LSM) LogAndApply(edit *version.VersionEdit) error {
	return lsm.levels.LogAndApply(edit)
}

// NewFileNumber allocates a table file number.
func (lsm *LSM) NewFileNumber() uint64 {
	return lsm.levels.newFileNumber()
}

// Files lists every live table with the level it is cached under.
func (lsm *LSM) Files() []version.NewFile {
	return lsm.levels.files()
}

func (lsm *LSM) TableCache() *TableCache {
	return lsm.levels.cache
}

// Preload opens every live table through the table cache.
func (lsm *LSM) Preload(ctx context.Context) error {
	return lsm.levels.preload(ctx)
}

// SeekCompactionCandidate reports the first file whose seek budget ran out.
func (lsm *LSM) SeekCompactionCandidate() (int, *version.FileMetaData, bool) {
	c := lsm.levels.SeekCompactionCandidate()
	if c == nil {
		return 0, nil, false
	}
	return c.Level, c.File, true
}

// CompactPointer is where the next compaction of level resumes.
func (lsm *LSM) CompactPointer(level int) utils.InternalKey {
	return lsm.levels.compactPointer(level)
}

// Close flushes the memtable and releases every file. Reads in progress
// finish first.
func (lsm *LSM) Close() error {
	lsm.lock.Lock()
	if lsm.closed {
		lsm.lock.Unlock()
		return nil
	}
	if !lsm.memTable.empty() {
		lsm.seal()
	}
	err := lsm.flushImmutables()
	lsm.closed = true
	lsm.lock.Unlock()
	lsm.closer.Close()

	lsm.memTable.close()
	for _, mt := range lsm.immutables {
		mt.close()
	}
	if cerr := lsm.levels.close(); err == nil {
		err = cerr
	}
	return err
}
