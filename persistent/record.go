package persistent

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/Kirov7/FayLSM/utils"
	"github.com/pkg/errors"
)

// recordHeaderSize is crc32c(u32) followed by the payload length (u32).
const recordHeaderSize = 8

// maxRecordSize bounds a single manifest record so a damaged length cannot
// trigger a huge allocation.
const maxRecordSize = 64 << 20

var errTornRecord = errors.New("torn record")

// encodeRecord frames payload as crc | len | payload.
func encodeRecord(buf *bytes.Buffer, payload []byte) {
	var h [recordHeaderSize]byte
	binary.BigEndian.PutUint32(h[0:4], crc32.Checksum(payload, utils.CastagnoliCrcTable))
	binary.BigEndian.PutUint32(h[4:8], uint32(len(payload)))
	buf.Write(h[:])
	buf.Write(payload)
}

func encodeMagic(buf *bytes.Buffer) {
	buf.Write(utils.MagicText[:])
	buf.Write(utils.U32ToBytes(utils.MagicVersion))
}

type countingReader struct {
	wrapped *bufio.Reader
	count   int64
}

func (r *countingReader) Read(p []byte) (n int, err error) {
	n, err = r.wrapped.Read(p)
	r.count += int64(n)
	return
}

func (r *countingReader) ReadByte() (b byte, err error) {
	b, err = r.wrapped.ReadByte()
	if err == nil {
		r.count++
	}
	return
}

type recordReader struct {
	r *countingReader
}

func newRecordReader(r io.Reader) *recordReader {
	return &recordReader{r: &countingReader{wrapped: bufio.NewReader(r)}}
}

func (rr *recordReader) readMagic() error {
	var magicBuf [8]byte
	if _, err := io.ReadFull(rr.r, magicBuf[:]); err != nil {
		return errors.Wrapf(ErrCorruptManifest, "magic: %v", err)
	}
	if !bytes.Equal(magicBuf[0:4], utils.MagicText[:]) {
		return errors.Wrapf(ErrCorruptManifest, "bad magic text %q", magicBuf[0:4])
	}
	if version := utils.BytesToU32(magicBuf[4:8]); version != utils.MagicVersion {
		return errors.Wrapf(ErrCorruptManifest, "unsupported version %d", version)
	}
	return nil
}

// next returns the next payload. io.EOF marks a clean end; errTornRecord a
// record cut short by the end of the file.
func (rr *recordReader) next() ([]byte, error) {
	var h [recordHeaderSize]byte
	n, err := io.ReadFull(rr.r, h[:])
	if err != nil {
		if err == io.EOF && n == 0 {
			return nil, io.EOF
		}
		return nil, errTornRecord
	}
	crc := binary.BigEndian.Uint32(h[0:4])
	length := binary.BigEndian.Uint32(h[4:8])
	if length > maxRecordSize {
		return nil, errors.Wrapf(ErrCorruptManifest, "record of %d bytes at offset %d", length, rr.offset()-recordHeaderSize)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(rr.r, payload); err != nil {
		return nil, errTornRecord
	}
	if crc32.Checksum(payload, utils.CastagnoliCrcTable) != crc {
		return nil, errors.Wrapf(ErrCorruptManifest, "checksum mismatch at offset %d", rr.offset()-int64(length)-recordHeaderSize)
	}
	return payload, nil
}

func (rr *recordReader) offset() int64 {
	return rr.r.count
}
