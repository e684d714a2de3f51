package persistent

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/Kirov7/FayLSM/utils"
	"github.com/Kirov7/FayLSM/version"
	"github.com/pkg/errors"
)

// ErrCorruptManifest is returned, wrapped with the reason, when a complete
// manifest record cannot be verified or applied.
var ErrCorruptManifest = errors.New("corrupt manifest")

// ManifestFile is the append-only log of version edits describing which
// table files make up the database.
type ManifestFile struct {
	opt                       *Options
	f                         *os.File
	lock                      sync.Mutex
	deletionsRewriteThreshold int
	manifest                  *Manifest
}

// Manifest is the state obtained by applying every edit in the log.
type Manifest struct {
	Comparator      string
	LogNumber       uint64
	PrevLogNumber   uint64
	NextFileNumber  uint64
	LastSequence    uint64
	CompactPointers map[int]utils.InternalKey

	Levels     []levelManifest
	Partitions map[int]*levelManifest
	// Tables holds leveled files and L0Tables level-0 partition files. The two
	// are separate namespaces.
	Tables   map[uint64]TableManifest
	L0Tables map[uint64]TableManifest

	Creations int
	Deletions int
}

// TableManifest locates one file. Level is the partition for L0Tables.
type TableManifest struct {
	Level int
	Meta  *version.FileMetaData
}

type levelManifest struct {
	Tables map[uint64]struct{}
}

func newLevelManifest() *levelManifest {
	return &levelManifest{Tables: make(map[uint64]struct{})}
}

func createManifest() *Manifest {
	levels := make([]levelManifest, utils.NumLevels)
	for i := range levels {
		levels[i].Tables = make(map[uint64]struct{})
	}
	return &Manifest{
		CompactPointers: make(map[int]utils.InternalKey),
		Levels:          levels,
		Partitions:      make(map[int]*levelManifest),
		Tables:          make(map[uint64]TableManifest),
		L0Tables:        make(map[uint64]TableManifest),
	}
}

// OpenManifestFile opens the manifest in opt.Dir, creating it when absent,
// and replays it. opt.Comparator, when set, must match the recorded name.
func OpenManifestFile(opt *Options) (*ManifestFile, error) {
	path := filepath.Join(opt.Dir, utils.ManifestFilename)
	mf := &ManifestFile{
		opt:                       opt,
		deletionsRewriteThreshold: utils.ManifestDeletionsRewriteThreshold,
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "open manifest %s", path)
		}
		m := createManifest()
		m.Comparator = comparatorName(opt)
		m.NextFileNumber = 1
		fp, err := helpRewrite(opt.Dir, m)
		if err != nil {
			return nil, err
		}
		mf.f = fp
		mf.manifest = m
		return mf, nil
	}

	manifest, truncOffset, err := ReplayManifestFile(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if opt.Comparator != "" && manifest.Comparator != "" && manifest.Comparator != opt.Comparator {
		_ = f.Close()
		return nil, errors.Wrapf(utils.ErrComparatorMismatch, "manifest uses %q, opened with %q", manifest.Comparator, opt.Comparator)
	}
	// Truncate file so we don't have a half-written entry at the end.
	if err := f.Truncate(truncOffset); err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "truncate manifest %s", path)
	}
	if _, err = f.Seek(0, io.SeekEnd); err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "seek manifest %s", path)
	}
	mf.f = f
	mf.manifest = manifest
	return mf, nil
}

func comparatorName(opt *Options) string {
	if opt.Comparator != "" {
		return opt.Comparator
	}
	return utils.DefaultComparatorName
}

// ReplayManifestFile applies every record of fp. It returns the offset just
// past the last complete record; anything after it is a torn write.
func ReplayManifestFile(fp *os.File) (*Manifest, int64, error) {
	build := createManifest()
	offset, err := walkRecords(fp, func(offset int64, edit *version.VersionEdit) error {
		return errors.WithMessagef(build.Apply(edit), "record at offset %d", offset)
	})
	if err != nil {
		return nil, 0, err
	}
	return build, offset, nil
}

// ReadManifest replays the manifest at path without creating, truncating or
// otherwise modifying it.
func ReadManifest(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open manifest %s", path)
	}
	defer f.Close()
	m, _, err := ReplayManifestFile(f)
	return m, err
}

// WalkManifest calls fn for every complete record of the manifest at path,
// in order, without modifying the file.
func WalkManifest(path string, fn func(offset int64, edit *version.VersionEdit) error) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open manifest %s", path)
	}
	defer f.Close()
	_, err = walkRecords(f, fn)
	return err
}

func walkRecords(r io.Reader, fn func(offset int64, edit *version.VersionEdit) error) (int64, error) {
	rr := newRecordReader(r)
	if err := rr.readMagic(); err != nil {
		return 0, err
	}
	for {
		offset := rr.offset()
		payload, err := rr.next()
		if err == io.EOF || err == errTornRecord {
			return offset, nil
		}
		if err != nil {
			return 0, err
		}
		edit := version.NewVersionEdit()
		if err := edit.DecodeFrom(payload); err != nil {
			return 0, errors.Wrapf(ErrCorruptManifest, "record at offset %d: %v", offset, err)
		}
		if err := fn(offset, edit); err != nil {
			return 0, err
		}
	}
}

// Apply folds edit into m. Deletions are applied before additions, so a file
// both deleted and added in one edit moves. Adding a live file or deleting an
// unknown one is corruption.
func (m *Manifest) Apply(edit *version.VersionEdit) error {
	if err := edit.Validate(); err != nil {
		return errors.Wrapf(ErrCorruptManifest, "%v", err)
	}
	if name, ok := edit.Comparator(); ok {
		m.Comparator = name
	}
	if n, ok := edit.LogNumber(); ok {
		m.LogNumber = n
	}
	if n, ok := edit.PrevLogNumber(); ok {
		m.PrevLogNumber = n
	}
	if n, ok := edit.NextFile(); ok {
		m.NextFileNumber = n
	}
	if n, ok := edit.LastSequence(); ok {
		m.LastSequence = n
	}
	for _, cp := range edit.CompactPointers() {
		m.CompactPointers[cp.Level] = cp.Key.Clone()
	}
	for _, df := range edit.DeletedFiles() {
		tm, ok := m.Tables[df.Number]
		if !ok || tm.Level != df.Level {
			return errors.Wrapf(ErrCorruptManifest, "delete of unknown file %d at level %d", df.Number, df.Level)
		}
		delete(m.Levels[df.Level].Tables, df.Number)
		delete(m.Tables, df.Number)
		m.Deletions++
	}
	for _, df := range edit.DeletedP2Files() {
		tm, ok := m.L0Tables[df.Number]
		if !ok || tm.Level != df.Level {
			return errors.Wrapf(ErrCorruptManifest, "delete of unknown file %d in partition %d", df.Number, df.Level)
		}
		delete(m.Partitions[df.Level].Tables, df.Number)
		delete(m.L0Tables, df.Number)
		m.Deletions++
	}
	for _, nf := range edit.NewFiles() {
		if nf.Level < 0 || nf.Level >= len(m.Levels) {
			return errors.Wrapf(ErrCorruptManifest, "file %d at level %d", nf.Meta.Number, nf.Level)
		}
		if _, ok := m.Tables[nf.Meta.Number]; ok {
			return errors.Wrapf(ErrCorruptManifest, "file %d added twice", nf.Meta.Number)
		}
		m.Levels[nf.Level].Tables[nf.Meta.Number] = struct{}{}
		m.Tables[nf.Meta.Number] = TableManifest{Level: nf.Level, Meta: nf.Meta.Clone()}
		m.Creations++
	}
	for _, nf := range edit.NewL0Files() {
		if _, ok := m.L0Tables[nf.Meta.Number]; ok {
			return errors.Wrapf(ErrCorruptManifest, "file %d added twice", nf.Meta.Number)
		}
		p, ok := m.Partitions[nf.Level]
		if !ok {
			p = newLevelManifest()
			m.Partitions[nf.Level] = p
		}
		p.Tables[nf.Meta.Number] = struct{}{}
		m.L0Tables[nf.Meta.Number] = TableManifest{Level: nf.Level, Meta: nf.Meta.Clone()}
		m.Creations++
	}
	return nil
}

// asEdit returns a single edit that recreates m from nothing.
func (m *Manifest) asEdit() *version.VersionEdit {
	edit := version.NewVersionEdit()
	if m.Comparator != "" {
		edit.SetComparatorName(m.Comparator)
	}
	edit.SetLogNumber(m.LogNumber)
	edit.SetPrevLogNumber(m.PrevLogNumber)
	edit.SetNextFile(m.NextFileNumber)
	edit.SetLastSequence(m.LastSequence)
	levels := make([]int, 0, len(m.CompactPointers))
	for level := range m.CompactPointers {
		levels = append(levels, level)
	}
	sort.Ints(levels)
	for _, level := range levels {
		edit.SetCompactPointer(level, m.CompactPointers[level])
	}
	for _, num := range sortedNumbers(m.Tables) {
		tm := m.Tables[num]
		edit.AddFile(tm.Level, num, tm.Meta.FileSize, tm.Meta.Smallest, tm.Meta.Largest)
	}
	for _, num := range sortedNumbers(m.L0Tables) {
		tm := m.L0Tables[num]
		edit.AddL0File(tm.Level, num, tm.Meta.FileSize, tm.Meta.Smallest, tm.Meta.Largest)
	}
	return edit
}

func sortedNumbers(tables map[uint64]TableManifest) []uint64 {
	nums := make([]uint64, 0, len(tables))
	for num := range tables {
		nums = append(nums, num)
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
	return nums
}

// clone copies the summary; file metadata is shared and read-only.
func (m *Manifest) clone() *Manifest {
	c := createManifest()
	c.Comparator = m.Comparator
	c.LogNumber = m.LogNumber
	c.PrevLogNumber = m.PrevLogNumber
	c.NextFileNumber = m.NextFileNumber
	c.LastSequence = m.LastSequence
	for level, key := range m.CompactPointers {
		c.CompactPointers[level] = key
	}
	for num, tm := range m.Tables {
		c.Tables[num] = tm
		c.Levels[tm.Level].Tables[num] = struct{}{}
	}
	for num, tm := range m.L0Tables {
		c.L0Tables[num] = tm
		p, ok := c.Partitions[tm.Level]
		if !ok {
			p = newLevelManifest()
			c.Partitions[tm.Level] = p
		}
		p.Tables[num] = struct{}{}
	}
	c.Creations = m.Creations
	c.Deletions = m.Deletions
	return c
}

// GetManifest returns a copy of the current state.
func (mf *ManifestFile) GetManifest() *Manifest {
	mf.lock.Lock()
	defer mf.lock.Unlock()
	return mf.manifest.clone()
}

// AddChanges appends edit to the log and syncs it. The in-memory state only
// changes when the edit applies cleanly and the write succeeds. The log is
// compacted into a single snapshot record once deletions dominate it.
func (mf *ManifestFile) AddChanges(edit *version.VersionEdit) error {
	mf.lock.Lock()
	defer mf.lock.Unlock()
	if mf.f == nil {
		return errors.Wrap(utils.ErrClosed, "manifest")
	}
	next := mf.manifest.clone()
	if err := next.Apply(edit); err != nil {
		return err
	}
	if next.Deletions > mf.deletionsRewriteThreshold &&
		next.Deletions > utils.ManifestDeletionsRatio*(next.Creations-next.Deletions) {
		if err := mf.rewrite(next); err != nil {
			return err
		}
		mf.manifest = next
		return nil
	}
	var buf bytes.Buffer
	encodeRecord(&buf, edit.EncodeTo(nil))
	if _, err := mf.f.Write(buf.Bytes()); err != nil {
		return errors.Wrap(err, "append manifest")
	}
	if err := mf.f.Sync(); err != nil {
		return errors.Wrap(err, "sync manifest")
	}
	mf.manifest = next
	return nil
}

// Rewrite compacts the log into a single snapshot record.
func (mf *ManifestFile) Rewrite() error {
	mf.lock.Lock()
	defer mf.lock.Unlock()
	if mf.f == nil {
		return errors.Wrap(utils.ErrClosed, "manifest")
	}
	return mf.rewrite(mf.manifest)
}

// Must be called while holding mf.lock.
func (mf *ManifestFile) rewrite(m *Manifest) error {
	if err := mf.f.Close(); err != nil {
		return errors.Wrap(err, "close manifest")
	}
	fp, err := helpRewrite(mf.opt.Dir, m)
	if err != nil {
		mf.f = nil
		return err
	}
	m.Creations = len(m.Tables) + len(m.L0Tables)
	m.Deletions = 0
	mf.f = fp
	return nil
}

// helpRewrite writes m as a fresh log under a temporary name, renames it over
// the manifest and returns it opened for appending.
func helpRewrite(dir string, m *Manifest) (*os.File, error) {
	rewritePath := filepath.Join(dir, utils.ManifestRewriteFilename)
	fp, err := os.OpenFile(rewritePath, os.O_CREATE|os.O_TRUNC|os.O_RDWR, utils.DefaultFileMode)
	if err != nil {
		return nil, errors.Wrapf(err, "create %s", rewritePath)
	}

	var buf bytes.Buffer
	encodeMagic(&buf)
	encodeRecord(&buf, m.asEdit().EncodeTo(nil))
	if _, err := fp.Write(buf.Bytes()); err != nil {
		_ = fp.Close()
		return nil, errors.Wrapf(err, "write %s", rewritePath)
	}
	if err := fp.Sync(); err != nil {
		_ = fp.Close()
		return nil, errors.Wrapf(err, "sync %s", rewritePath)
	}
	// In Windows the files should be closed before doing a Rename.
	if err = fp.Close(); err != nil {
		return nil, err
	}
	manifestPath := filepath.Join(dir, utils.ManifestFilename)
	if err := os.Rename(rewritePath, manifestPath); err != nil {
		return nil, errors.Wrapf(err, "rename %s", rewritePath)
	}
	fp, err = os.OpenFile(manifestPath, os.O_APPEND|os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "reopen %s", manifestPath)
	}
	if err := SyncDir(dir); err != nil {
		_ = fp.Close()
		return nil, err
	}
	return fp, nil
}

// RevertToManifest checks that every file the manifest lists is present in
// idMap and removes table files from dirs that the manifest does not list.
func (mf *ManifestFile) RevertToManifest(idMap map[uint64]struct{}, dirs ...string) error {
	mf.lock.Lock()
	m := mf.manifest
	mf.lock.Unlock()
	// 1. Check all files in manifest exist.
	for id := range m.Tables {
		if _, ok := idMap[id]; !ok {
			return errors.Wrapf(utils.ErrTableNotFound, "file %d listed in manifest", id)
		}
	}
	for id := range m.L0Tables {
		if _, ok := idMap[id]; !ok {
			return errors.Wrapf(utils.ErrTableNotFound, "file %d listed in manifest", id)
		}
	}
	// 2. Delete files that shouldn't exist.
	for id := range idMap {
		_, leveled := m.Tables[id]
		_, partitioned := m.L0Tables[id]
		if leveled || partitioned {
			continue
		}
		for _, dir := range dirs {
			if dir == "" {
				continue
			}
			path := utils.FileNameSSTable(dir, id)
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return errors.Wrapf(err, "remove orphan table %s", path)
			}
		}
	}
	return nil
}

// Close closes the manifest file.
func (mf *ManifestFile) Close() error {
	mf.lock.Lock()
	defer mf.lock.Unlock()
	if mf.f == nil {
		return nil
	}
	err := mf.f.Close()
	mf.f = nil
	return err
}
