package lsm

import (
	"bytes"
	"context"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/Kirov7/FayLSM/persistent"
	"github.com/Kirov7/FayLSM/utils"
	"github.com/Kirov7/FayLSM/version"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// levelsView is an immutable snapshot of the file set. Every file it lists
// holds one ref for the lifetime of the view.
type levelsView struct {
	refs int32 // atomic

	levels []*levelHandler
	// partitions are the level-0 partitions, files newest first.
	partitions map[int]*levelHandler
	lm         *levelManager
}

func (v *levelsView) ref() {
	atomic.AddInt32(&v.refs, 1)
}

func (v *levelsView) unref() {
	refs := atomic.AddInt32(&v.refs, -1)
	utils.CondPanic(refs < 0, errors.New("levelsView: negative refs"))
	if refs > 0 {
		return
	}
	v.forEach(func(_ int, _ bool, f *version.FileMetaData) {
		if f.Unref() == 0 {
			v.lm.deleteObsolete(f)
		}
	})
}

// forEach visits every file. partition is true for level-0 partition files,
// in which case level is the partition number.
func (v *levelsView) forEach(fn func(level int, partition bool, f *version.FileMetaData)) {
	for _, lh := range v.levels {
		for _, f := range lh.tables {
			fn(lh.levelNum, false, f)
		}
	}
	for par, lh := range v.partitions {
		for _, f := range lh.tables {
			fn(par, true, f)
		}
	}
}

func (v *levelsView) contains(number uint64) bool {
	found := false
	v.forEach(func(_ int, _ bool, f *version.FileMetaData) {
		if f.Number == number {
			found = true
		}
	})
	return found
}

// levelHandler lists the files of one level or partition.
type levelHandler struct {
	levelNum  int
	tables    []*version.FileMetaData
	totalSize uint64
}

func (lh *levelHandler) add(f *version.FileMetaData) {
	lh.tables = append(lh.tables, f)
	lh.totalSize += f.FileSize
}

func (lh *levelHandler) remove(number uint64) bool {
	for i, f := range lh.tables {
		if f.Number == number {
			lh.tables = append(lh.tables[:i:i], lh.tables[i+1:]...)
			lh.totalSize -= f.FileSize
			return true
		}
	}
	return false
}

func (lh *levelHandler) clone() *levelHandler {
	return &levelHandler{
		levelNum:  lh.levelNum,
		tables:    append([]*version.FileMetaData(nil), lh.tables...),
		totalSize: lh.totalSize,
	}
}

// Sort orders level 0 and partitions newest first; other levels by smallest key.
func (lh *levelHandler) Sort(overlapping bool) {
	if overlapping {
		// Key range will overlap. Newer files carry larger numbers.
		sort.Slice(lh.tables, func(i, j int) bool {
			return lh.tables[i].Number > lh.tables[j].Number
		})
		return
	}
	sort.Slice(lh.tables, func(i, j int) bool {
		return utils.CompareKeys(lh.tables[i].Smallest, lh.tables[j].Smallest) < 0
	})
}

// overlapping returns the files whose range may hold userKey.
func (lh *levelHandler) overlapping(userKey []byte) []*version.FileMetaData {
	var out []*version.FileMetaData
	for _, f := range lh.tables {
		if bytes.Compare(userKey, f.Smallest.UserKey()) >= 0 &&
			bytes.Compare(userKey, f.Largest.UserKey()) <= 0 {
			out = append(out, f)
		}
	}
	return out
}

// getTable finds the one file of a sorted level that may hold ikey.
func (lh *levelHandler) getTable(ikey []byte) *version.FileMetaData {
	idx := sort.Search(len(lh.tables), func(i int) bool {
		return utils.CompareKeys(lh.tables[i].Largest, ikey) >= 0
	})
	if idx >= len(lh.tables) {
		return nil
	}
	f := lh.tables[idx]
	if bytes.Compare(utils.ParseKey(ikey), f.Smallest.UserKey()) < 0 {
		return nil
	}
	return f
}

// seekCandidate is a file whose seek budget ran out.
type seekCandidate struct {
	Level int
	File  *version.FileMetaData
}

type levelManager struct {
	nextFileNumber uint64 // atomic
	lastSequence   uint64 // atomic
	opt            *Options
	cache          *TableCache
	manifestFile   *persistent.ManifestFile
	log            *zap.SugaredLogger

	// applyMu serializes LogAndApply.
	applyMu         sync.Mutex
	compactPointers map[int]utils.InternalKey

	viewMu  sync.RWMutex
	current *levelsView

	seekMu   sync.Mutex
	seekComp *seekCandidate
}

func newLevelManager(opt *Options) (*levelManager, error) {
	lm := &levelManager{
		opt:             opt,
		log:             opt.logger().With("component", "levels"),
		compactPointers: make(map[int]utils.InternalKey),
	}
	if err := lm.loadManifest(); err != nil {
		return nil, err
	}
	if err := lm.build(); err != nil {
		_ = lm.manifestFile.Close()
		return nil, err
	}
	return lm, nil
}

func (lm *levelManager) loadManifest() (err error) {
	lm.manifestFile, err = persistent.OpenManifestFile(&persistent.Options{
		Dir:        lm.opt.WorkDir,
		Comparator: lm.opt.Comparator,
	})
	return err
}

func (lm *levelManager) build() error {
	manifest := lm.manifestFile.GetManifest()
	// Compare the correctness of the manifest file
	if err := lm.manifestFile.RevertToManifest(utils.LoadIDMap(lm.opt.WorkDir, lm.opt.DataDir), lm.opt.WorkDir, lm.opt.DataDir); err != nil {
		return err
	}
	lm.cache = NewTableCache(lm.opt.WorkDir, lm.opt.DataDir, lm.opt, lm.opt.TableCacheSize)

	view := lm.emptyView()
	maxFID := manifest.NextFileNumber
	for num, tm := range manifest.Tables {
		view.levels[tm.Level].add(lm.install(tm.Meta))
		if num >= maxFID {
			maxFID = num + 1
		}
	}
	for num, tm := range manifest.L0Tables {
		view.partition(tm.Level).add(lm.install(tm.Meta))
		if num >= maxFID {
			maxFID = num + 1
		}
	}
	view.sort()
	for level, key := range manifest.CompactPointers {
		lm.compactPointers[level] = key
	}
	atomic.StoreUint64(&lm.nextFileNumber, maxFID)
	atomic.StoreUint64(&lm.lastSequence, manifest.LastSequence)
	lm.current = view
	lm.log.Infow("levels loaded", "files", len(manifest.Tables)+len(manifest.L0Tables),
		"next_file", maxFID, "last_seq", manifest.LastSequence)
	return nil
}

func (lm *levelManager) emptyView() *levelsView {
	v := &levelsView{refs: 1, lm: lm, partitions: make(map[int]*levelHandler)}
	v.levels = make([]*levelHandler, utils.NumLevels)
	for i := range v.levels {
		v.levels[i] = &levelHandler{levelNum: i}
	}
	return v
}

func (v *levelsView) partition(par int) *levelHandler {
	lh, ok := v.partitions[par]
	if !ok {
		lh = &levelHandler{levelNum: 0}
		v.partitions[par] = lh
	}
	return lh
}

func (v *levelsView) sort() {
	for _, lh := range v.levels {
		lh.Sort(lh.levelNum == 0)
	}
	for _, lh := range v.partitions {
		lh.Sort(true)
	}
}

// install takes the first ref of a file entering the file set.
func (lm *levelManager) install(f *version.FileMetaData) *version.FileMetaData {
	f = f.Clone()
	f.ResetAllowedSeeks()
	f.Ref()
	return f
}

// currentView returns the current snapshot with a ref the caller must drop.
func (lm *levelManager) currentView() *levelsView {
	lm.viewMu.RLock()
	defer lm.viewMu.RUnlock()
	v := lm.current
	v.ref()
	return v
}

// newFileNumber allocates a table file number.
func (lm *levelManager) newFileNumber() uint64 {
	return atomic.AddUint64(&lm.nextFileNumber, 1) - 1
}

// LogAndApply persists edit and installs the file set it produces.
func (lm *levelManager) LogAndApply(edit *version.VersionEdit) error {
	lm.applyMu.Lock()
	defer lm.applyMu.Unlock()
	utils.CondPanic(edit.Sealed(), errors.New("LogAndApply: edit already applied"))

	if _, ok := edit.NextFile(); !ok {
		edit.SetNextFile(atomic.LoadUint64(&lm.nextFileNumber))
	}
	if _, ok := edit.LastSequence(); !ok {
		edit.SetLastSequence(atomic.LoadUint64(&lm.lastSequence))
	}
	if _, ok := edit.Comparator(); !ok && lm.opt.Comparator != "" {
		edit.SetComparatorName(lm.opt.Comparator)
	}

	lm.viewMu.RLock()
	base := lm.current
	lm.viewMu.RUnlock()
	next, err := lm.apply(base, edit)
	if err != nil {
		return err
	}
	if err := lm.manifestFile.AddChanges(edit); err != nil {
		next.release()
		return err
	}
	edit.Seal()
	for _, cp := range edit.CompactPointers() {
		lm.compactPointers[cp.Level] = cp.Key
	}

	lm.viewMu.Lock()
	lm.current = next
	lm.viewMu.Unlock()
	base.unref()
	return nil
}

// apply builds the view that results from edit on top of base. Moved files
// are removed first, then added, as the manifest does.
func (lm *levelManager) apply(base *levelsView, edit *version.VersionEdit) (*levelsView, error) {
	if err := edit.Validate(); err != nil {
		return nil, errors.Wrapf(persistent.ErrCorruptManifest, "%v", err)
	}
	next := &levelsView{refs: 1, lm: lm, partitions: make(map[int]*levelHandler)}
	next.levels = make([]*levelHandler, len(base.levels))
	for i, lh := range base.levels {
		next.levels[i] = lh.clone()
	}
	for par, lh := range base.partitions {
		next.partitions[par] = lh.clone()
	}
	for _, df := range edit.DeletedFiles() {
		if df.Level < 0 || df.Level >= len(next.levels) || !next.levels[df.Level].remove(df.Number) {
			return nil, errors.Wrapf(persistent.ErrCorruptManifest, "delete of unknown file %d at level %d", df.Number, df.Level)
		}
	}
	for _, df := range edit.DeletedP2Files() {
		lh, ok := next.partitions[df.Level]
		if !ok || !lh.remove(df.Number) {
			return nil, errors.Wrapf(persistent.ErrCorruptManifest, "delete of unknown file %d in partition %d", df.Number, df.Level)
		}
	}
	var added []*version.FileMetaData
	for _, nf := range edit.NewFiles() {
		if nf.Level < 0 || nf.Level >= len(next.levels) {
			return nil, errors.Wrapf(persistent.ErrCorruptManifest, "file %d at level %d", nf.Meta.Number, nf.Level)
		}
		f := lm.install(nf.Meta)
		added = append(added, f)
		next.levels[nf.Level].add(f)
	}
	for _, nf := range edit.NewL0Files() {
		f := lm.install(nf.Meta)
		added = append(added, f)
		next.partition(nf.Level).add(f)
	}
	// Files carried over from base gain a ref in next.
	next.forEach(func(_ int, _ bool, f *version.FileMetaData) {
		for _, a := range added {
			if a == f {
				return
			}
		}
		f.Ref()
	})
	next.sort()
	return next, nil
}

// release drops a view that was never installed. Its new files are not
// obsolete on disk: they were never recorded.
func (v *levelsView) release() {
	v.forEach(func(_ int, _ bool, f *version.FileMetaData) {
		f.Unref()
	})
}

// deleteObsolete is called once a file has no live view left.
func (lm *levelManager) deleteObsolete(f *version.FileMetaData) {
	lm.viewMu.RLock()
	live := lm.current != nil && lm.current.contains(f.Number)
	lm.viewMu.RUnlock()
	if live {
		// moved to another level or partition
		return
	}
	lm.cache.Evict(f.Number)
	for _, dir := range []string{lm.opt.WorkDir, lm.opt.DataDir} {
		if dir == "" {
			continue
		}
		path := utils.FileNameSSTable(dir, f.Number)
		if err := os.Remove(path); err != nil {
			if !os.IsNotExist(err) {
				lm.log.Warnw("remove obsolete table", "file", f.Number, "path", path, "error", err)
			}
			continue
		}
		lm.log.Infow("removed obsolete table", "file", f.Number, "path", path)
	}
}

// flush writes entries, sorted by internal key, into a new table of level-0
// partition par.
func (lm *levelManager) flush(par int, iter utils.Iterator) (*version.FileMetaData, error) {
	fid := lm.newFileNumber()
	builder := persistent.NewTableBuilder(&persistent.Options{
		BlockSize:          lm.opt.BlockSize,
		BloomFalsePositive: lm.opt.BloomFalsePositive,
	})
	var maxSeq uint64
	for iter.Rewind(); iter.Valid(); iter.Next() {
		entry := iter.Item().Entry()
		if err := builder.Add(entry); err != nil {
			return nil, err
		}
		if seq := utils.ParseSeq(entry.Key); seq > maxSeq {
			maxSeq = seq
		}
	}
	if builder.Empty() {
		return nil, nil
	}
	path := utils.FileNameSSTable(lm.opt.WorkDir, fid)
	info, err := builder.Flush(path, fid)
	if err != nil {
		_ = os.Remove(path)
		return nil, err
	}
	edit := version.NewVersionEdit()
	edit.AddL0File(par, fid, info.Size, info.Smallest, info.Largest)
	lm.markSequence(maxSeq)
	if err := lm.LogAndApply(edit); err != nil {
		_ = os.Remove(path)
		return nil, err
	}
	lm.log.Infow("flushed table", "file", fid, "partition", par, "size", info.Size,
		"smallest", info.Smallest, "largest", info.Largest)
	return edit.NewL0Files()[0].Meta, nil
}

// markSequence raises the last sequence recorded by the next edit.
func (lm *levelManager) markSequence(seq uint64) {
	for {
		cur := atomic.LoadUint64(&lm.lastSequence)
		if seq <= cur || atomic.CompareAndSwapUint64(&lm.lastSequence, cur, seq) {
			return
		}
	}
}

// Get looks up the newest entry for ikey's user key visible at ikey's
// sequence number. Deletions are reported as utils.ErrKeyNotFound.
func (lm *levelManager) Get(opt *utils.Options, ikey []byte) (*utils.Entry, error) {
	v := lm.currentView()
	defer v.unref()

	userKey := utils.ParseKey(ikey)
	type lookup struct {
		level int
		f     *version.FileMetaData
	}
	// level 0 and its partitions overlap; newest first across all of them.
	var candidates []lookup
	for _, f := range v.levels[0].overlapping(userKey) {
		candidates = append(candidates, lookup{0, f})
	}
	for _, lh := range v.partitions {
		for _, f := range lh.overlapping(userKey) {
			candidates = append(candidates, lookup{0, f})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].f.Number > candidates[j].f.Number
	})
	for level := 1; level < len(v.levels); level++ {
		if f := v.levels[level].getTable(ikey); f != nil {
			candidates = append(candidates, lookup{level, f})
		}
	}

	var (
		found     *utils.Entry
		firstRead *lookup
	)
	for i := range candidates {
		c := candidates[i]
		if i == 1 && firstRead != nil {
			lm.chargeSeek(firstRead.level, firstRead.f)
		}
		if firstRead == nil {
			firstRead = &c
		}
		err := lm.cache.Get(opt, c.level, c.f.Number, c.f.FileSize, ikey, func(key, value []byte) {
			found = &utils.Entry{
				Key:     append([]byte(nil), key...),
				Value:   append([]byte(nil), value...),
				Version: utils.ParseSeq(key),
			}
		})
		if err != nil {
			return nil, err
		}
		if found != nil {
			if utils.InternalKey(found.Key).Kind() == utils.KindDelete {
				return nil, utils.ErrKeyNotFound
			}
			return found, nil
		}
	}
	return nil, utils.ErrKeyNotFound
}

func (lm *levelManager) chargeSeek(level int, f *version.FileMetaData) {
	if !f.ConsumeSeek() {
		return
	}
	lm.seekMu.Lock()
	defer lm.seekMu.Unlock()
	if lm.seekComp == nil {
		lm.seekComp = &seekCandidate{Level: level, File: f}
		lm.log.Debugw("seek compaction candidate", "file", f.Number, "level", level)
	}
}

// SeekCompactionCandidate returns the first file whose seek budget ran out,
// or nil.
func (lm *levelManager) SeekCompactionCandidate() *seekCandidate {
	lm.seekMu.Lock()
	defer lm.seekMu.Unlock()
	return lm.seekComp
}

// compactPointer is where the next compaction of level should resume.
func (lm *levelManager) compactPointer(level int) utils.InternalKey {
	lm.applyMu.Lock()
	defer lm.applyMu.Unlock()
	return lm.compactPointers[level]
}

// files lists the live files with the level used as their cache key.
func (lm *levelManager) files() []version.NewFile {
	v := lm.currentView()
	defer v.unref()
	var out []version.NewFile
	v.forEach(func(level int, partition bool, f *version.FileMetaData) {
		if partition {
			level = 0
		}
		out = append(out, version.NewFile{Level: level, Meta: f})
	})
	return out
}

func (lm *levelManager) preload(ctx context.Context) error {
	return lm.cache.Preload(ctx, lm.files())
}

func (lm *levelManager) close() error {
	lm.cache.Close()
	return lm.manifestFile.Close()
}
