package persistent

import (
	"os"
	"sort"
	"sync/atomic"

	"github.com/Kirov7/FayLSM/bloomfilter"
	"github.com/Kirov7/FayLSM/utils"
	"github.com/pkg/errors"
)

// SSTable is an open, read-only table file.
type SSTable struct {
	f         *MmapFile
	path      string
	fid       uint64
	size      uint64
	maxKey    []byte
	minKey    []byte
	idxTables *TableIndex
	bloom     *bloomfilter.BloomFilter
	idxLen    int
	idxStart  int
	closed    atomic.Bool
}

// OpenSSTable maps the table at path and loads its index. A missing file is
// reported as utils.ErrTableNotFound, a file whose size differs from
// expectedSize as utils.ErrTableSizeMismatch and a damaged footer or index as
// utils.ErrCorruption. expectedSize 0 skips the size check.
func OpenSSTable(path string, fid uint64, expectedSize uint64) (*SSTable, error) {
	fd, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(utils.ErrTableNotFound, "%s", path)
		}
		return nil, errors.Wrapf(err, "open table %s", path)
	}
	fi, err := fd.Stat()
	if err != nil {
		_ = fd.Close()
		return nil, errors.Wrapf(err, "stat table %s", path)
	}
	if expectedSize != 0 && uint64(fi.Size()) != expectedSize {
		_ = fd.Close()
		return nil, errors.Wrapf(utils.ErrTableSizeMismatch, "%s: %d bytes, want %d", path, fi.Size(), expectedSize)
	}
	f, err := OpenMmapFileSys(fd, 0, false)
	if err != nil {
		_ = fd.Close()
		return nil, err
	}
	ss := &SSTable{
		f:    f,
		path: path,
		fid:  fid,
		size: uint64(fi.Size()),
	}
	if err := ss.initTable(); err != nil {
		_ = f.Close(false)
		return nil, errors.WithMessagef(err, "table %s", path)
	}
	return ss, nil
}

func (ss *SSTable) initTable() error {
	readPos := len(ss.f.Data)

	// read checksum len at the last 4 bytes
	readPos -= 4
	buf, err := ss.read(readPos, 4)
	if err != nil {
		return utils.Corruptionf("footer: file of %d bytes", len(ss.f.Data))
	}
	checksumLen := int(utils.BytesToU32(buf))
	if checksumLen != 8 {
		return utils.Corruptionf("footer: checksum length %d", checksumLen)
	}

	// read checksum value
	readPos -= checksumLen
	expectedCks, err := ss.read(readPos, checksumLen)
	if err != nil {
		return utils.Corruptionf("footer: truncated checksum")
	}

	// read idx len at last
	readPos -= 4
	buf, err = ss.read(readPos, 4)
	if err != nil {
		return utils.Corruptionf("footer: truncated index length")
	}
	ss.idxLen = int(utils.BytesToU32(buf))

	// read index
	readPos -= ss.idxLen
	ss.idxStart = readPos
	data, err := ss.read(readPos, ss.idxLen)
	if err != nil {
		return utils.Corruptionf("footer: index length %d", ss.idxLen)
	}
	if err := utils.VerifyChecksum(data, expectedCks); err != nil {
		return errors.Wrapf(utils.ErrCorruption, "index: %v", err)
	}
	indexTable := &TableIndex{}
	if err := indexTable.Unmarshal(data); err != nil {
		return err
	}
	if len(indexTable.GetOffsets()) == 0 {
		return utils.Corruptionf("index: no blocks")
	}
	for _, bo := range indexTable.Offsets {
		if int(bo.Offset)+int(bo.Len) > ss.idxStart {
			return utils.Corruptionf("index: block at %d of %d bytes overruns data", bo.Offset, bo.Len)
		}
	}
	ss.idxTables = indexTable
	if len(indexTable.BloomFilter) > 0 {
		ss.bloom = bloomfilter.FromBytes(indexTable.BloomFilter)
	}
	ss.minKey = indexTable.Smallest
	ss.maxKey = indexTable.Largest
	if len(ss.minKey) == 0 {
		ss.minKey = indexTable.Offsets[0].Key
	}
	return nil
}

func (ss *SSTable) read(off, sz int) ([]byte, error) {
	return ss.f.Bytes(off, sz)
}

func (ss *SSTable) block(idx int, verify bool) (*dataBlock, error) {
	if ss.closed.Load() {
		return nil, errors.Wrapf(utils.ErrClosed, "table %d", ss.fid)
	}
	bo := ss.idxTables.Offsets[idx]
	raw, err := ss.read(int(bo.Offset), int(bo.Len))
	if err != nil {
		return nil, utils.Corruptionf("table %d: block %d unreadable", ss.fid, idx)
	}
	return decodeBlock(int(bo.Offset), raw, verify)
}

// MayContain consults the bloom filter for userKey. Tables without a filter
// always answer true.
func (ss *SSTable) MayContain(userKey []byte) bool {
	if ss.bloom == nil {
		return true
	}
	return ss.bloom.MayContainKey(userKey)
}

// Get returns the first entry whose key is >= ikey. utils.ErrKeyNotFound is
// returned when the filter rules the user key out or no such entry exists.
func (ss *SSTable) Get(opt *utils.Options, ikey []byte) (*utils.Entry, error) {
	if !ss.MayContain(utils.ParseKey(ikey)) {
		return nil, utils.ErrKeyNotFound
	}
	it := ss.NewIterator(opt)
	defer it.Close()
	it.Seek(ikey)
	if !it.Valid() {
		if err := it.Error(); err != nil {
			return nil, err
		}
		return nil, utils.ErrKeyNotFound
	}
	e := it.Item().Entry()
	return &utils.Entry{
		Key:       append([]byte(nil), e.Key...),
		Value:     append([]byte(nil), e.Value...),
		ExpiresAt: e.ExpiresAt,
		Meta:      e.Meta,
		Version:   e.Version,
	}, nil
}

// Indexs returns the decoded footer index.
func (ss *SSTable) Indexs() *TableIndex {
	return ss.idxTables
}

func (ss *SSTable) MinKey() []byte { return ss.minKey }

func (ss *SSTable) MaxKey() []byte { return ss.maxKey }

func (ss *SSTable) KeyCount() uint32 { return ss.idxTables.KeyCount }

func (ss *SSTable) MaxVersion() uint64 { return ss.idxTables.MaxVersion }

// Size is the file size in bytes.
func (ss *SSTable) Size() uint64 { return ss.size }

// FID get fid
func (ss *SSTable) FID() uint64 {
	return ss.fid
}

func (ss *SSTable) Path() string {
	return ss.path
}

// Close unmaps the file. It is safe to call more than once.
func (ss *SSTable) Close() error {
	if !ss.closed.CompareAndSwap(false, true) {
		return nil
	}
	return ss.f.Close(false)
}

// TableIterator walks every entry of a table in internal key order.
type TableIterator struct {
	opt      *utils.Options
	t        *SSTable
	blockPos int
	bi       *blockIterator
	err      error
	onClose  func()
	closed   bool
}

func (ss *SSTable) NewIterator(options *utils.Options) *TableIterator {
	if options == nil {
		options = &utils.Options{}
	}
	return &TableIterator{
		opt: options,
		t:   ss,
		bi:  &blockIterator{err: errEndOfBlock},
	}
}

// OnClose registers fn to run once when the iterator is closed.
func (it *TableIterator) OnClose(fn func()) {
	it.onClose = fn
}

func (it *TableIterator) loadBlock(pos int) bool {
	it.blockPos = pos
	b, err := it.t.block(pos, it.opt.VerifyChecksums)
	if err != nil {
		it.err = err
		return false
	}
	it.bi.setBlock(b)
	return true
}

func (it *TableIterator) Rewind() {
	it.err = nil
	if !it.loadBlock(0) {
		return
	}
	it.bi.seekToFirst()
	it.skipEmpty()
}

// Seek positions the iterator at the first entry >= key.
func (it *TableIterator) Seek(key []byte) {
	it.err = nil
	offsets := it.t.idxTables.Offsets
	// the last block whose base key is <= key
	idx := sort.Search(len(offsets), func(i int) bool {
		return utils.CompareKeys(offsets[i].Key, key) > 0
	})
	if idx > 0 {
		idx--
	}
	if !it.loadBlock(idx) {
		return
	}
	it.bi.seek(key)
	it.skipEmpty()
}

func (it *TableIterator) Next() {
	if it.err != nil {
		return
	}
	it.bi.Next()
	it.skipEmpty()
}

// skipEmpty moves into the next block when the current one is exhausted.
func (it *TableIterator) skipEmpty() {
	for !it.bi.Valid() {
		if !errors.Is(it.bi.Error(), errEndOfBlock) {
			it.err = it.bi.Error()
			return
		}
		if it.blockPos+1 >= len(it.t.idxTables.Offsets) {
			it.err = it.bi.Error()
			return
		}
		if !it.loadBlock(it.blockPos + 1) {
			return
		}
		it.bi.seekToFirst()
	}
}

func (it *TableIterator) Valid() bool {
	return it.err == nil && it.bi.Valid()
}

func (it *TableIterator) Item() utils.Item {
	return it.bi.Item()
}

// Error reports a corruption or I/O failure met while iterating. Running off
// the end of the table is not an error.
func (it *TableIterator) Error() error {
	if errors.Is(it.err, errEndOfBlock) {
		return nil
	}
	return it.err
}

func (it *TableIterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	if it.onClose != nil {
		it.onClose()
	}
	return it.Error()
}
