package utils

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// Kind is the operation tag stored in the trailer of an internal key.
type Kind uint8

const (
	KindDelete Kind = 0
	KindSet    Kind = 1

	// KindSeek sorts before every other kind with the same sequence number, so a
	// seek key built with it lands on the newest visible entry.
	KindSeek = KindSet
)

const (
	// InternalKeyTrailerLen is the size of the (seq << 8 | kind) suffix, and also
	// the minimum length of a valid internal key.
	InternalKeyTrailerLen = 8
	MaxSequenceNumber     = uint64(1)<<56 - 1

	DefaultComparatorName = "fay.BytewiseComparator"
)

// InternalKey is a user key followed by an 8 byte little-endian trailer
// packing the sequence number and the operation kind.
type InternalKey []byte

// MakeInternalKey builds an internal key. seq must not exceed MaxSequenceNumber.
func MakeInternalKey(userKey []byte, seq uint64, kind Kind) InternalKey {
	CondPanic(seq > MaxSequenceNumber, fmt.Errorf("sequence number %d overflows", seq))
	k := make([]byte, len(userKey)+InternalKeyTrailerLen)
	copy(k, userKey)
	binary.LittleEndian.PutUint64(k[len(userKey):], seq<<8|uint64(kind))
	return k
}

// ParseInternalKey validates b and returns it as an InternalKey. The bytes are
// not copied.
func ParseInternalKey(b []byte) (InternalKey, error) {
	if len(b) < InternalKeyTrailerLen {
		return nil, errors.Wrapf(ErrBadInternalKey, "length %d < %d", len(b), InternalKeyTrailerLen)
	}
	return InternalKey(b), nil
}

func (k InternalKey) Valid() bool {
	return len(k) >= InternalKeyTrailerLen
}

func (k InternalKey) UserKey() []byte {
	return ParseKey(k)
}

func (k InternalKey) Seq() uint64 {
	return ParseSeq(k)
}

func (k InternalKey) Kind() Kind {
	if !k.Valid() {
		return KindDelete
	}
	return Kind(k[len(k)-InternalKeyTrailerLen])
}

// Clone returns a copy that does not alias k.
func (k InternalKey) Clone() InternalKey {
	if k == nil {
		return nil
	}
	return append(InternalKey(nil), k...)
}

func (k InternalKey) String() string {
	if !k.Valid() {
		return fmt.Sprintf("%q(bad)", []byte(k))
	}
	return fmt.Sprintf("%q@%d,%d", k.UserKey(), k.Seq(), k.Kind())
}

// CompareKeys orders internal keys by user key ascending, then by trailer
// descending so that newer entries for the same user key come first.
func CompareKeys(key1, key2 []byte) int {
	if cmp := bytes.Compare(ParseKey(key1), ParseKey(key2)); cmp != 0 {
		return cmp
	}
	t1, t2 := trailer(key1), trailer(key2)
	switch {
	case t1 > t2:
		return -1
	case t1 < t2:
		return 1
	}
	return 0
}

// SameKey checks for user key equality ignoring the trailer.
func SameKey(src, dst []byte) bool {
	return bytes.Equal(ParseKey(src), ParseKey(dst))
}

// ParseKey parses the user key from the internal key bytes.
func ParseKey(key []byte) []byte {
	if len(key) < InternalKeyTrailerLen {
		return key
	}
	return key[:len(key)-InternalKeyTrailerLen]
}

// ParseSeq parses the sequence number from the internal key bytes.
func ParseSeq(key []byte) uint64 {
	return trailer(key) >> 8
}

func trailer(key []byte) uint64 {
	if len(key) < InternalKeyTrailerLen {
		return 0
	}
	return binary.LittleEndian.Uint64(key[len(key)-InternalKeyTrailerLen:])
}
