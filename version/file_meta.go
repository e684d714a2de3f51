package version

import (
	"bytes"
	"fmt"
	"sync/atomic"

	"github.com/Kirov7/FayLSM/utils"
)

// minAllowedSeeks and bytesPerSeek size the seek budget of an installed
// file: one seek costs roughly as much as compacting 16KiB.
const (
	minAllowedSeeks = 100
	bytesPerSeek    = 16 * 1024
)

// FileMetaData describes one table file on disk.
type FileMetaData struct {
	refs         int32 // atomic
	allowedSeeks int32 // atomic

	Number   uint64
	FileSize uint64
	Smallest utils.InternalKey
	Largest  utils.InternalKey
}

// NewFileMetaData returns metadata with the default seek budget and no refs.
func NewFileMetaData(number, size uint64, smallest, largest utils.InternalKey) *FileMetaData {
	return &FileMetaData{
		allowedSeeks: utils.DefaultAllowedSeeks,
		Number:       number,
		FileSize:     size,
		Smallest:     smallest,
		Largest:      largest,
	}
}

// Ref adds an owner.
func (f *FileMetaData) Ref() {
	atomic.AddInt32(&f.refs, 1)
}

// Unref drops an owner and returns the remaining count. The file may be
// unlinked once it returns zero.
func (f *FileMetaData) Unref() int32 {
	n := atomic.AddInt32(&f.refs, -1)
	utils.CondPanic(n < 0, fmt.Errorf("file %d: negative refs", f.Number))
	return n
}

func (f *FileMetaData) Refs() int32 {
	return atomic.LoadInt32(&f.refs)
}

func (f *FileMetaData) AllowedSeeks() int32 {
	return atomic.LoadInt32(&f.allowedSeeks)
}

// ConsumeSeek charges one seek and reports whether the budget is now exhausted.
func (f *FileMetaData) ConsumeSeek() bool {
	return atomic.AddInt32(&f.allowedSeeks, -1) <= 0
}

// ResetAllowedSeeks sizes the budget from the file size.
func (f *FileMetaData) ResetAllowedSeeks() {
	seeks := f.FileSize / bytesPerSeek
	if seeks < minAllowedSeeks {
		seeks = minAllowedSeeks
	}
	if seeks > utils.DefaultAllowedSeeks {
		seeks = utils.DefaultAllowedSeeks
	}
	atomic.StoreInt32(&f.allowedSeeks, int32(seeks))
}

// Clone copies the persisted fields. The copy starts with no refs and a fresh
// seek budget.
func (f *FileMetaData) Clone() *FileMetaData {
	return NewFileMetaData(f.Number, f.FileSize, f.Smallest.Clone(), f.Largest.Clone())
}

// Equal compares the persisted fields.
func (f *FileMetaData) Equal(o *FileMetaData) bool {
	return f.Number == o.Number && f.FileSize == o.FileSize &&
		bytes.Equal(f.Smallest, o.Smallest) && bytes.Equal(f.Largest, o.Largest)
}

func (f *FileMetaData) String() string {
	return fmt.Sprintf("%06d:%d[%s .. %s]", f.Number, f.FileSize, f.Smallest, f.Largest)
}
