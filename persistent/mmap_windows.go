//go:build windows

package persistent

import (
	"os"

	"github.com/pkg/errors"
)

var errMmapUnsupported = errors.New("mmap: not supported on windows")

func mmap(fd *os.File, _ bool, _ int64) ([]byte, error) {
	return nil, errors.Wrapf(errMmapUnsupported, "map %s", fd.Name())
}

func munmap(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return errMmapUnsupported
}

func msync(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return errMmapUnsupported
}

func madviseRandom([]byte) error {
	return nil
}
