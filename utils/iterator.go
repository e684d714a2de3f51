package utils

type Iterator interface {
	Next()
	Valid() bool
	Rewind()
	Item() Item
	Close() error
	Seek(key []byte)
}

type Item interface {
	Entry() *Entry
}

// Options are the per-read options handed to table iterators and lookups.
type Options struct {
	// VerifyChecksums checks every data block checksum before it is read.
	VerifyChecksums bool
}
