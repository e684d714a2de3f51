// Package version holds the vocabulary of file-set changes: per-file metadata
// and the VersionEdit delta that is appended to the manifest and replayed on
// startup.
package version

import (
	"math"
	"sort"

	"github.com/Kirov7/FayLSM/utils"
	"github.com/pkg/errors"
)

// CompactPointer records where the next compaction of Level should resume.
type CompactPointer struct {
	Level int
	Key   utils.InternalKey
}

// DeletedFile names a removed file. Level is a level number in the
// deleted-files set and a partition number in the deleted-p2-files set.
type DeletedFile struct {
	Level  int
	Number uint64
}

// NewFile is an added file. Level is a partition number for level-0
// partition additions.
type NewFile struct {
	Level int
	Meta  *FileMetaData
}

// VersionEdit is the delta between two file-set snapshots. It is not safe for
// concurrent use and must not be modified once applied.
type VersionEdit struct {
	comparator     string
	logNumber      uint64
	prevLogNumber  uint64
	nextFileNumber uint64
	lastSequence   uint64

	hasComparator     bool
	hasLogNumber      bool
	hasPrevLogNumber  bool
	hasNextFileNumber bool
	hasLastSequence   bool

	compactPointers []CompactPointer
	deletedFiles    map[DeletedFile]struct{}
	deletedP2Files  map[DeletedFile]struct{}
	newFiles        []NewFile
	newL0Files      []NewFile

	sealed bool
}

// NewVersionEdit returns an empty edit. The zero value is also empty.
func NewVersionEdit() *VersionEdit {
	return &VersionEdit{}
}

// Clear resets the edit to the empty delta.
func (ve *VersionEdit) Clear() {
	*ve = VersionEdit{}
}

// Seal marks the edit as applied; later mutation trips an invariant check.
func (ve *VersionEdit) Seal() {
	ve.sealed = true
}

func (ve *VersionEdit) Sealed() bool {
	return ve.sealed
}

func (ve *VersionEdit) assertMutable() {
	utils.AssertInvariant(!ve.sealed, "mutating an applied version edit")
}

func (ve *VersionEdit) SetComparatorName(name string) {
	ve.assertMutable()
	ve.hasComparator = true
	ve.comparator = name
}

func (ve *VersionEdit) SetLogNumber(num uint64) {
	ve.assertMutable()
	ve.hasLogNumber = true
	ve.logNumber = num
}

func (ve *VersionEdit) SetPrevLogNumber(num uint64) {
	ve.assertMutable()
	ve.hasPrevLogNumber = true
	ve.prevLogNumber = num
}

func (ve *VersionEdit) SetNextFile(num uint64) {
	ve.assertMutable()
	ve.hasNextFileNumber = true
	ve.nextFileNumber = num
}

func (ve *VersionEdit) SetLastSequence(seq uint64) {
	ve.assertMutable()
	ve.hasLastSequence = true
	ve.lastSequence = seq
}

// SetCompactPointer appends an advance for level. Every call is kept in
// order; the consumer applies them in sequence.
func (ve *VersionEdit) SetCompactPointer(level int, key utils.InternalKey) {
	ve.assertMutable()
	assertLevel(level)
	assertKey(key)
	ve.compactPointers = append(ve.compactPointers, CompactPointer{Level: level, Key: key.Clone()})
}

// AddFile records a new file at level.
// REQUIRES: smallest and largest are the smallest and largest keys in the file.
func (ve *VersionEdit) AddFile(level int, number, size uint64, smallest, largest utils.InternalKey) {
	ve.assertMutable()
	assertLevel(level)
	assertKey(smallest)
	assertKey(largest)
	ve.assertNewNumber(number)
	ve.newFiles = append(ve.newFiles, NewFile{
		Level: level,
		Meta:  NewFileMetaData(number, size, smallest.Clone(), largest.Clone()),
	})
}

// AddL0File records a new file in level-0 partition par.
// REQUIRES: smallest and largest are the smallest and largest keys in the file.
func (ve *VersionEdit) AddL0File(par int, number, size uint64, smallest, largest utils.InternalKey) {
	ve.assertMutable()
	assertPartition(par)
	assertKey(smallest)
	assertKey(largest)
	ve.assertNewNumber(number)
	ve.newL0Files = append(ve.newL0Files, NewFile{
		Level: par,
		Meta:  NewFileMetaData(number, size, smallest.Clone(), largest.Clone()),
	})
}

func (ve *VersionEdit) assertNewNumber(number uint64) {
	if !utils.InvariantsEnabled {
		return
	}
	for _, nf := range ve.newFiles {
		utils.AssertInvariant(nf.Meta.Number != number, "file %d added twice", number)
	}
	for _, nf := range ve.newL0Files {
		utils.AssertInvariant(nf.Meta.Number != number, "file %d added twice", number)
	}
}

// DeleteFile records the removal of file number from level. Calling it twice
// with the same arguments is a no-op.
func (ve *VersionEdit) DeleteFile(level int, number uint64) {
	ve.assertMutable()
	assertLevel(level)
	if ve.deletedFiles == nil {
		ve.deletedFiles = make(map[DeletedFile]struct{})
	}
	ve.deletedFiles[DeletedFile{Level: level, Number: number}] = struct{}{}
}

// DeleteP2File records the removal of file number from partition par. The
// partition namespace is independent of the level namespace of DeleteFile.
func (ve *VersionEdit) DeleteP2File(par int, number uint64) {
	ve.assertMutable()
	assertPartition(par)
	if ve.deletedP2Files == nil {
		ve.deletedP2Files = make(map[DeletedFile]struct{})
	}
	ve.deletedP2Files[DeletedFile{Level: par, Number: number}] = struct{}{}
}

func (ve *VersionEdit) Comparator() (string, bool)  { return ve.comparator, ve.hasComparator }
func (ve *VersionEdit) LogNumber() (uint64, bool)     { return ve.logNumber, ve.hasLogNumber }
func (ve *VersionEdit) PrevLogNumber() (uint64, bool) { return ve.prevLogNumber, ve.hasPrevLogNumber }
func (ve *VersionEdit) NextFile() (uint64, bool)      { return ve.nextFileNumber, ve.hasNextFileNumber }
func (ve *VersionEdit) LastSequence() (uint64, bool)  { return ve.lastSequence, ve.hasLastSequence }

func (ve *VersionEdit) CompactPointers() []CompactPointer { return ve.compactPointers }
func (ve *VersionEdit) NewFiles() []NewFile               { return ve.newFiles }
func (ve *VersionEdit) NewL0Files() []NewFile             { return ve.newL0Files }

// DeletedFiles returns the deleted-files set sorted by (level, number).
func (ve *VersionEdit) DeletedFiles() []DeletedFile {
	return sortedDeletes(ve.deletedFiles)
}

// DeletedP2Files returns the deleted-p2-files set sorted by (partition, number).
func (ve *VersionEdit) DeletedP2Files() []DeletedFile {
	return sortedDeletes(ve.deletedP2Files)
}

// Empty reports whether the edit carries no change at all.
func (ve *VersionEdit) Empty() bool {
	return !ve.hasComparator && !ve.hasLogNumber && !ve.hasPrevLogNumber &&
		!ve.hasNextFileNumber && !ve.hasLastSequence &&
		len(ve.compactPointers) == 0 && len(ve.deletedFiles) == 0 && len(ve.deletedP2Files) == 0 &&
		len(ve.newFiles) == 0 && len(ve.newL0Files) == 0
}

// Validate reports the first field DecodeFrom would refuse: a level outside
// [0, utils.NumLevels), a partition outside [0, math.MaxInt32] or an internal
// key shorter than its trailer. An edit that validates decodes back to itself.
func (ve *VersionEdit) Validate() error {
	for _, cp := range ve.compactPointers {
		if err := checkLevel(cp.Level); err != nil {
			return errors.WithMessage(err, "compaction pointer")
		}
		if err := checkKey(cp.Key); err != nil {
			return errors.WithMessagef(err, "compaction pointer for level %d", cp.Level)
		}
	}
	for df := range ve.deletedFiles {
		if err := checkLevel(df.Level); err != nil {
			return errors.WithMessagef(err, "deleted file %d", df.Number)
		}
	}
	for df := range ve.deletedP2Files {
		if err := checkPartition(df.Level); err != nil {
			return errors.WithMessagef(err, "deleted p2 file %d", df.Number)
		}
	}
	for _, nf := range ve.newFiles {
		if err := checkLevel(nf.Level); err != nil {
			return errors.WithMessagef(err, "new file %d", nf.Meta.Number)
		}
		if err := checkFileKeys(nf.Meta); err != nil {
			return err
		}
	}
	for _, nf := range ve.newL0Files {
		if err := checkPartition(nf.Level); err != nil {
			return errors.WithMessagef(err, "new L0 file %d", nf.Meta.Number)
		}
		if err := checkFileKeys(nf.Meta); err != nil {
			return err
		}
	}
	return nil
}

func checkLevel(level int) error {
	if level < 0 || level >= utils.NumLevels {
		return errors.Wrapf(ErrCorruptEdit, "level %d out of range", level)
	}
	return nil
}

func checkPartition(par int) error {
	if par < 0 || par > math.MaxInt32 {
		return errors.Wrapf(ErrCorruptEdit, "partition %d out of range", par)
	}
	return nil
}

func checkKey(key utils.InternalKey) error {
	if !key.Valid() {
		return errors.Wrapf(ErrCorruptEdit, "internal key %q shorter than %d bytes", []byte(key), utils.InternalKeyTrailerLen)
	}
	return nil
}

func checkFileKeys(f *FileMetaData) error {
	if err := checkKey(f.Smallest); err != nil {
		return errors.WithMessagef(err, "file %d smallest", f.Number)
	}
	if err := checkKey(f.Largest); err != nil {
		return errors.WithMessagef(err, "file %d largest", f.Number)
	}
	return nil
}

func assertLevel(level int) {
	utils.AssertInvariant(checkLevel(level) == nil, "level %d out of range", level)
}

func assertPartition(par int) {
	utils.AssertInvariant(checkPartition(par) == nil, "partition %d out of range", par)
}

func assertKey(key utils.InternalKey) {
	utils.AssertInvariant(key.Valid(), "internal key %q shorter than its trailer", []byte(key))
}

func sortedDeletes(set map[DeletedFile]struct{}) []DeletedFile {
	if len(set) == 0 {
		return nil
	}
	out := make([]DeletedFile, 0, len(set))
	for df := range set {
		out = append(out, df)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Level != out[j].Level {
			return out[i].Level < out[j].Level
		}
		return out[i].Number < out[j].Number
	})
	return out
}
