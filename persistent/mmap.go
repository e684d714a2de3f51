package persistent

import (
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// MmapFile mmap file contains buffer and the file descriptor
type MmapFile struct {
	Data []byte
	Fd   *os.File
}

func OpenMmapFile(filename string, flag int, maxSize int) (*MmapFile, error) {
	fd, err := os.OpenFile(filename, flag, 0666)
	if err != nil {
		return nil, errors.Wrapf(err, "open file error: %s", filename)
	}
	writable := flag&(os.O_RDWR|os.O_WRONLY) != 0
	mf, err := OpenMmapFileSys(fd, maxSize, writable)
	if err != nil {
		_ = fd.Close()
		return nil, err
	}
	return mf, nil
}

func OpenMmapFileSys(fd *os.File, size int, writable bool) (*MmapFile, error) {
	filename := fd.Name()
	fi, err := fd.Stat()
	if err != nil {
		return nil, errors.Wrapf(err, "stat file error: %s", filename)
	}

	fileSize := fi.Size()
	if writable && size > 0 && fileSize == 0 {
		err = fd.Truncate(int64(size))
		if err != nil {
			return nil, errors.Wrapf(err, "turncate error: %s", filename)
		}
		fileSize = int64(size)
	}
	if fileSize == 0 {
		// nothing to map; an empty file is handed back as an empty buffer
		return &MmapFile{Fd: fd}, nil
	}
	buf, err := mmap(fd, writable, fileSize)
	if err != nil {
		return nil, errors.Wrapf(err, "mmap mapping %s with size %d error", fd.Name(), fileSize)
	}
	if !writable {
		_ = madviseRandom(buf)
	}
	return &MmapFile{
		Data: buf,
		Fd:   fd,
	}, nil
}

// Bytes returns data starting from offset off of size sz. If there's not enough data, it would
// return nil slice and io.EOF.
func (m *MmapFile) Bytes(off, sz int) ([]byte, error) {
	if off < 0 || sz < 0 || off > len(m.Data) || len(m.Data)-off < sz {
		return nil, io.EOF
	}
	return m.Data[off : off+sz], nil
}

// Close unmaps and closes the file. Read-only mappings are not synced.
func (m *MmapFile) Close(sync bool) error {
	if m.Fd == nil {
		return nil
	}
	if sync {
		if err := m.Sync(); err != nil {
			return errors.Wrapf(err, "while sync file: %s", m.Fd.Name())
		}
	}
	if err := munmap(m.Data); err != nil {
		return errors.Wrapf(err, "while munmap file: %s", m.Fd.Name())
	}
	m.Data = nil
	return m.Fd.Close()
}

func (m *MmapFile) Sync() error {
	if m == nil {
		return nil
	}
	return msync(m.Data)
}

func SyncDir(dir string) error {
	df, err := os.Open(dir)
	if err != nil {
		return errors.Wrapf(err, "opening error: %s", dir)
	}
	if err := df.Sync(); err != nil {
		_ = df.Close()
		return errors.Wrapf(err, "syncing error: %s", dir)
	}
	if err := df.Close(); err != nil {
		return errors.Wrapf(err, "closing error: %s", dir)
	}
	return nil
}

// syncParent fsyncs the directory holding name so that a new entry survives a crash.
func syncParent(name string) error {
	return SyncDir(filepath.Dir(name))
}
