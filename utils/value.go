package utils

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/pkg/errors"
)

// BytesToU32 converts the given byte slice to uint32
func BytesToU32(b []byte) uint32 {
	return binary.BigEndian.Uint32(b)
}

// BytesToU64 _
func BytesToU64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

// U32ToBytes converts the given Uint32 to bytes
func U32ToBytes(v uint32) []byte {
	var uBuf [4]byte
	binary.BigEndian.PutUint32(uBuf[:], v)
	return uBuf[:]
}

// U64ToBytes converts the given Uint64 to bytes
func U64ToBytes(v uint64) []byte {
	var uBuf [8]byte
	binary.BigEndian.PutUint64(uBuf[:], v)
	return uBuf[:]
}

// U32SliceToBytes encodes each value big endian, back to back.
func U32SliceToBytes(u32s []uint32) []byte {
	b := make([]byte, 4*len(u32s))
	for i, v := range u32s {
		binary.BigEndian.PutUint32(b[4*i:], v)
	}
	return b
}

// BytesToU32Slice is the inverse of U32SliceToBytes. Trailing bytes are ignored.
func BytesToU32Slice(b []byte) []uint32 {
	u32s := make([]uint32, len(b)/4)
	for i := range u32s {
		u32s[i] = binary.BigEndian.Uint32(b[4*i:])
	}
	return u32s
}

// CalculateChecksum _
func CalculateChecksum(data []byte) uint64 {
	return uint64(crc32.Checksum(data, CastagnoliCrcTable))
}

// VerifyChecksum crc32
func VerifyChecksum(data []byte, expected []byte) error {
	if len(expected) != 8 {
		return errors.Wrapf(ErrChecksumMismatch, "checksum length %d", len(expected))
	}
	actual := CalculateChecksum(data)
	expectedU64 := BytesToU64(expected)
	if actual != expectedU64 {
		return errors.Wrapf(ErrChecksumMismatch, "actual: %d, expected: %d", actual, expectedU64)
	}

	return nil
}
