package version

import (
	"encoding/binary"
	"math"

	"github.com/Kirov7/FayLSM/utils"
	"github.com/pkg/errors"
)

// ErrCorruptEdit is returned, wrapped with the reason, for any record that
// cannot be decoded.
var ErrCorruptEdit = errors.New("corrupt version edit")

// Tags for the record format. Tag 8 is unused.
const (
	tagEnd            uint64 = 0
	tagComparator     uint64 = 1
	tagLogNumber      uint64 = 2
	tagNextFileNumber uint64 = 3
	tagLastSequence   uint64 = 4
	tagCompactPointer uint64 = 5
	tagDeletedFile    uint64 = 6
	tagNewFile        uint64 = 7
	tagPrevLogNumber  uint64 = 9
	tagDeletedP2File  uint64 = 10
	tagNewL0File      uint64 = 11
)

// EncodeTo appends the encoded edit to dst and returns the extended buffer.
// Only fields that were set, and non-empty collections, are written. The
// record always ends with tagEnd. Callers persisting the record check
// Validate first; DecodeFrom rejects what Validate rejects.
func (ve *VersionEdit) EncodeTo(dst []byte) []byte {
	if utils.InvariantsEnabled {
		err := ve.Validate()
		utils.AssertInvariant(err == nil, "encoding an invalid version edit: %v", err)
	}
	e := editEncoder{buf: dst}
	if ve.hasComparator {
		e.writeUvarint(tagComparator)
		e.writeBytes([]byte(ve.comparator))
	}
	if ve.hasLogNumber {
		e.writeUvarint(tagLogNumber)
		e.writeUvarint(ve.logNumber)
	}
	if ve.hasPrevLogNumber {
		e.writeUvarint(tagPrevLogNumber)
		e.writeUvarint(ve.prevLogNumber)
	}
	if ve.hasNextFileNumber {
		e.writeUvarint(tagNextFileNumber)
		e.writeUvarint(ve.nextFileNumber)
	}
	if ve.hasLastSequence {
		e.writeUvarint(tagLastSequence)
		e.writeUvarint(ve.lastSequence)
	}
	for _, cp := range ve.compactPointers {
		e.writeUvarint(tagCompactPointer)
		e.writeInt(cp.Level)
		e.writeBytes(cp.Key)
	}
	for _, df := range ve.DeletedFiles() {
		e.writeUvarint(tagDeletedFile)
		e.writeInt(df.Level)
		e.writeUvarint(df.Number)
	}
	for _, df := range ve.DeletedP2Files() {
		e.writeUvarint(tagDeletedP2File)
		e.writeInt(df.Level)
		e.writeUvarint(df.Number)
	}
	for _, nf := range ve.newFiles {
		e.writeUvarint(tagNewFile)
		e.writeNewFile(nf)
	}
	for _, nf := range ve.newL0Files {
		e.writeUvarint(tagNewL0File)
		e.writeNewFile(nf)
	}
	e.writeUvarint(tagEnd)
	return e.buf
}

// DecodeFrom replaces the contents of ve with the record in src. On error ve
// is left cleared.
func (ve *VersionEdit) DecodeFrom(src []byte) error {
	ve.Clear()
	if err := ve.decode(src); err != nil {
		ve.Clear()
		return err
	}
	return nil
}

func (ve *VersionEdit) decode(src []byte) error {
	d := editDecoder{src: src}
	for {
		if d.empty() {
			return d.corrupt("missing end of record")
		}
		tag, err := d.readUvarint("tag")
		if err != nil {
			return err
		}
		switch tag {
		case tagEnd:
			if !d.empty() {
				return d.corrupt("%d bytes after end of record", len(d.src)-d.pos)
			}
			return nil

		case tagComparator:
			name, err := d.readBytes("comparator name")
			if err != nil {
				return err
			}
			ve.SetComparatorName(string(name))

		case tagLogNumber:
			n, err := d.readUvarint("log number")
			if err != nil {
				return err
			}
			ve.SetLogNumber(n)

		case tagPrevLogNumber:
			n, err := d.readUvarint("previous log number")
			if err != nil {
				return err
			}
			ve.SetPrevLogNumber(n)

		case tagNextFileNumber:
			n, err := d.readUvarint("next file number")
			if err != nil {
				return err
			}
			ve.SetNextFile(n)

		case tagLastSequence:
			n, err := d.readUvarint("last sequence number")
			if err != nil {
				return err
			}
			ve.SetLastSequence(n)

		case tagCompactPointer:
			level, err := d.readLevel()
			if err != nil {
				return err
			}
			key, err := d.readInternalKey("compaction pointer")
			if err != nil {
				return err
			}
			ve.compactPointers = append(ve.compactPointers, CompactPointer{Level: level, Key: key})

		case tagDeletedFile:
			level, err := d.readLevel()
			if err != nil {
				return err
			}
			n, err := d.readUvarint("deleted file number")
			if err != nil {
				return err
			}
			ve.DeleteFile(level, n)

		case tagDeletedP2File:
			par, err := d.readPartition()
			if err != nil {
				return err
			}
			n, err := d.readUvarint("deleted p2 file number")
			if err != nil {
				return err
			}
			ve.DeleteP2File(par, n)

		case tagNewFile:
			level, err := d.readLevel()
			if err != nil {
				return err
			}
			meta, err := d.readFileMeta("new-file entry")
			if err != nil {
				return err
			}
			ve.newFiles = append(ve.newFiles, NewFile{Level: level, Meta: meta})

		case tagNewL0File:
			par, err := d.readPartition()
			if err != nil {
				return err
			}
			meta, err := d.readFileMeta("new-L0-file entry")
			if err != nil {
				return err
			}
			ve.newL0Files = append(ve.newL0Files, NewFile{Level: par, Meta: meta})

		default:
			return d.corrupt("unknown tag %d", tag)
		}
	}
}

type editEncoder struct {
	buf []byte
}

func (e *editEncoder) writeUvarint(u uint64) {
	e.buf = binary.AppendUvarint(e.buf, u)
}

func (e *editEncoder) writeInt(i int) {
	utils.CondPanic(i < 0, errors.Errorf("negative level or partition %d", i))
	e.writeUvarint(uint64(i))
}

func (e *editEncoder) writeBytes(p []byte) {
	e.writeUvarint(uint64(len(p)))
	e.buf = append(e.buf, p...)
}

func (e *editEncoder) writeNewFile(nf NewFile) {
	e.writeInt(nf.Level)
	e.writeUvarint(nf.Meta.Number)
	e.writeUvarint(nf.Meta.FileSize)
	e.writeBytes(nf.Meta.Smallest)
	e.writeBytes(nf.Meta.Largest)
}

type editDecoder struct {
	src []byte
	pos int
}

func (d *editDecoder) empty() bool {
	return d.pos >= len(d.src)
}

func (d *editDecoder) corrupt(format string, args ...interface{}) error {
	return errors.Wrapf(ErrCorruptEdit, "offset %d: "+format, append([]interface{}{d.pos}, args...)...)
}

func (d *editDecoder) readUvarint(field string) (uint64, error) {
	u, n := binary.Uvarint(d.src[d.pos:])
	if n <= 0 {
		return 0, d.corrupt("bad varint for %s", field)
	}
	d.pos += n
	return u, nil
}

func (d *editDecoder) readBytes(field string) ([]byte, error) {
	n, err := d.readUvarint(field + " length")
	if err != nil {
		return nil, err
	}
	if n > uint64(len(d.src)-d.pos) {
		return nil, d.corrupt("%s truncated: need %d bytes, have %d", field, n, len(d.src)-d.pos)
	}
	b := make([]byte, n)
	copy(b, d.src[d.pos:])
	d.pos += int(n)
	return b, nil
}

func (d *editDecoder) readInternalKey(field string) (utils.InternalKey, error) {
	b, err := d.readBytes(field)
	if err != nil {
		return nil, err
	}
	key, err := utils.ParseInternalKey(b)
	if err != nil {
		return nil, d.corrupt("%s: %v", field, err)
	}
	return key, nil
}

func (d *editDecoder) readLevel() (int, error) {
	u, err := d.readUvarint("level")
	if err != nil {
		return 0, err
	}
	if u >= utils.NumLevels {
		return 0, d.corrupt("level %d out of range", u)
	}
	return int(u), nil
}

func (d *editDecoder) readPartition() (int, error) {
	u, err := d.readUvarint("partition")
	if err != nil {
		return 0, err
	}
	if u > math.MaxInt32 {
		return 0, d.corrupt("partition %d out of range", u)
	}
	return int(u), nil
}

func (d *editDecoder) readFileMeta(field string) (*FileMetaData, error) {
	number, err := d.readUvarint(field + " number")
	if err != nil {
		return nil, err
	}
	size, err := d.readUvarint(field + " size")
	if err != nil {
		return nil, err
	}
	smallest, err := d.readInternalKey(field + " smallest key")
	if err != nil {
		return nil, err
	}
	largest, err := d.readInternalKey(field + " largest key")
	if err != nil {
		return nil, err
	}
	return NewFileMetaData(number, size, smallest, largest), nil
}
