package utils

import "github.com/pkg/errors"

var (
	ErrChecksumMismatch   = errors.New("checksum mismatch")
	ErrEmptyKey           = errors.New("Key cannot be empty")
	ErrKeyNotFound        = errors.New("Key not found")
	ErrBadInternalKey     = errors.New("malformed internal key")
	ErrCorruption         = errors.New("data corruption")
	ErrTableNotFound      = errors.New("table file not found")
	ErrTableSizeMismatch  = errors.New("table file size mismatch")
	ErrComparatorMismatch = errors.New("comparator name mismatch")
	ErrClosed             = errors.New("closed")
)

// Panic if err != nil then panic
func Panic(err error) {
	if err != nil {
		panic(err)
	}
}

func CondPanic(condition bool, err error) {
	if condition {
		Panic(err)
	}
}

// Corruptionf wraps ErrCorruption with a formatted reason. errors.Is(err, ErrCorruption) holds.
func Corruptionf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrCorruption, format, args...)
}
