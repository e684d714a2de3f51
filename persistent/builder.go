package persistent

import (
	"encoding/binary"
	"math"
	"os"

	"github.com/Kirov7/FayLSM/bloomfilter"
	"github.com/Kirov7/FayLSM/utils"
	"github.com/pkg/errors"
)

const (
	defaultBlockSize = 4 * 1024
	headerSize       = 4
)

// TableBuilder accumulates sorted entries into data blocks and writes them
// out as a table file.
type TableBuilder struct {
	opt        *Options
	curBlock   *block
	blockList  []*block
	keyCount   uint32
	keyHashes  []uint32
	maxVersion uint64
	smallest   []byte
	largest    []byte
	estimateSz int64
}

type buildData struct {
	blockList []*block
	index     []byte
	checksum  []byte
	size      int
}

type block struct {
	offset       int // the offset of the current block
	data         []byte
	baseKey      []byte   // the first key be written of the block
	entryOffsets []uint32 // the offset of each key
	end          int
	estimateSz   int64
}

// header is the per entry prefix: how many bytes of the block base key the
// entry key shares, and how many follow.
type header struct {
	overlap uint16 // Overlap with base key.
	diff    uint16 // Length of the diff.
}

func (h *header) decode(buf []byte) {
	h.overlap = binary.BigEndian.Uint16(buf[0:2])
	h.diff = binary.BigEndian.Uint16(buf[2:4])
}

func (h header) encode() []byte {
	var b [headerSize]byte
	binary.BigEndian.PutUint16(b[0:2], h.overlap)
	binary.BigEndian.PutUint16(b[2:4], h.diff)
	return b[:]
}

func NewTableBuilder(opt *Options) *TableBuilder {
	if opt.BlockSize <= 0 {
		opt.BlockSize = defaultBlockSize
	}
	return &TableBuilder{opt: opt}
}

// Empty reports whether no entry has been added.
func (tb *TableBuilder) Empty() bool {
	return tb.keyCount == 0 && (tb.curBlock == nil || len(tb.curBlock.entryOffsets) == 0)
}

// Add appends an entry. Keys must be valid internal keys in strictly
// increasing order.
func (tb *TableBuilder) Add(entry *utils.Entry) error {
	key := entry.Key
	if !utils.InternalKey(key).Valid() {
		return errors.Wrapf(utils.ErrBadInternalKey, "table builder: key %q", key)
	}
	if tb.largest != nil && utils.CompareKeys(tb.largest, key) >= 0 {
		return errors.Errorf("table builder: key %s not after %s", utils.InternalKey(key), utils.InternalKey(tb.largest))
	}
	if len(key) > math.MaxUint16 {
		return errors.Errorf("table builder: key of %d bytes too large", len(key))
	}
	val := utils.ValueStruct{
		Meta:      entry.Meta,
		Value:     entry.Value,
		ExpiresAt: entry.ExpiresAt,
	}
	// Check if new blocks are needed
	if tb.tryFinishBlock(entry) {
		tb.finishBlock()
		// create new block and start writing
		tb.curBlock = &block{data: make([]byte, tb.opt.BlockSize)}
	}
	// all the user keys are hashed for the bloom filter
	tb.keyHashes = append(tb.keyHashes, bloomfilter.Hash(utils.ParseKey(key)))
	if version := utils.ParseSeq(key); version > tb.maxVersion {
		tb.maxVersion = version
	}
	if tb.smallest == nil {
		tb.smallest = append([]byte(nil), key...)
	}
	tb.largest = append(tb.largest[:0], key...)

	var diffKey []byte
	if len(tb.curBlock.baseKey) == 0 {
		// first time to write
		tb.curBlock.baseKey = append(tb.curBlock.baseKey[:0], key...)
		diffKey = key
	} else {
		diffKey = tb.keyDiff(key)
	}

	h := header{
		overlap: uint16(len(key) - len(diffKey)),
		diff:    uint16(len(diffKey)),
	}

	tb.curBlock.entryOffsets = append(tb.curBlock.entryOffsets, uint32(tb.curBlock.end))

	tb.append(h.encode())
	tb.append(diffKey)

	dst := tb.allocate(int(val.EncodedSize()))
	val.EncodeValue(dst)
	return nil
}

func (tb *TableBuilder) tryFinishBlock(entry *utils.Entry) bool {
	if tb.curBlock == nil {
		return true
	}

	if len(tb.curBlock.entryOffsets) <= 0 {
		return false
	}
	// (entries + the new one) * 4 bytes of offsets, + entry count u32, + checksum u64, + checksum length u32
	entriesOffsetsSize := int64((len(tb.curBlock.entryOffsets)+1)*4 +
		4 + // size of list
		8 + // Sum64 in checksum proto
		4) // checksum length
	tb.curBlock.estimateSz = int64(tb.curBlock.end) + int64(headerSize) +
		int64(len(entry.Key)) + int64(entry.EncodedSize()) + entriesOffsetsSize

	// Integer overflow check for table size.
	utils.CondPanic(!(uint64(tb.curBlock.end)+uint64(tb.curBlock.estimateSz) < math.MaxUint32), errors.New("Integer overflow"))

	return tb.curBlock.estimateSz > int64(tb.opt.BlockSize)
}

func (tb *TableBuilder) finishBlock() {
	if tb.curBlock == nil || len(tb.curBlock.entryOffsets) == 0 {
		return
	}
	tb.append(utils.U32SliceToBytes(tb.curBlock.entryOffsets))
	tb.append(utils.U32ToBytes(uint32(len(tb.curBlock.entryOffsets))))

	checksum := tb.calculateChecksum(tb.curBlock.data[:tb.curBlock.end])

	// Append the block checksum and its length.
	tb.append(checksum)
	tb.append(utils.U32ToBytes(uint32(len(checksum))))
	tb.estimateSz += tb.curBlock.estimateSz
	tb.blockList = append(tb.blockList, tb.curBlock)
	// add the key's num for statistic meta
	tb.keyCount += uint32(len(tb.curBlock.entryOffsets))
	tb.curBlock = nil // Indicates that the current block has been serialized to memory
}

func (tb *TableBuilder) done() (buildData, error) {
	// finish the current active block
	tb.finishBlock()
	if len(tb.blockList) == 0 {
		return buildData{}, errors.New("table builder: no entries")
	}
	bd := buildData{
		blockList: tb.blockList,
	}

	var f []byte
	if tb.opt.BloomFalsePositive > 0 {
		f = bloomfilter.BuildBloomFilter(tb.keyHashes, tb.opt.BloomFalsePositive).Bytes()
	}

	// when all the block are finish, then build the index of the SST
	index, dataSize, err := tb.buildIndex(f)
	if err != nil {
		return buildData{}, err
	}
	checksum := tb.calculateChecksum(index)
	bd.index = index
	bd.checksum = checksum
	bd.size = int(dataSize) + len(index) + len(checksum) + 4 + 4
	return bd, nil
}

func (tb *TableBuilder) buildIndex(bloom []byte) ([]byte, uint32, error) {
	tableIndex := &TableIndex{
		BloomFilter: bloom,
		KeyCount:    tb.keyCount,
		MaxVersion:  tb.maxVersion,
		Smallest:    tb.smallest,
		Largest:     tb.largest,
	}
	var dataSize uint32
	for _, bl := range tb.blockList {
		tableIndex.Offsets = append(tableIndex.Offsets, &BlockOffset{
			Key:    bl.baseKey,
			Offset: dataSize,
			Len:    uint32(bl.end),
		})
		bl.offset = int(dataSize)
		dataSize += uint32(bl.end)
	}
	data, err := tableIndex.Marshal()
	return data, dataSize, err
}

// append appends to curBlock.data
func (tb *TableBuilder) append(data []byte) {
	dst := tb.allocate(len(data))
	utils.CondPanic(len(data) != copy(dst, data), errors.New("tableBuilder.append data"))
}

func (tb *TableBuilder) allocate(need int) []byte {
	bb := tb.curBlock
	if len(bb.data[bb.end:]) < need {
		sz := 2 * len(bb.data)
		if bb.end+need > sz {
			sz = bb.end + need
		}
		tmp := make([]byte, sz)
		copy(tmp, bb.data)
		bb.data = tmp
	}
	bb.end += need
	return bb.data[bb.end-need : bb.end]
}

// keyDiff Prefix matching
func (tb *TableBuilder) keyDiff(newKey []byte) []byte {
	var i int
	for i = 0; i < len(newKey) && i < len(tb.curBlock.baseKey); i++ {
		if newKey[i] != tb.curBlock.baseKey[i] {
			break
		}
	}
	return newKey[i:]
}

func (tb *TableBuilder) calculateChecksum(data []byte) []byte {
	return utils.U64ToBytes(utils.CalculateChecksum(data))
}

// Copy copy data to the specified byte array
func (bd *buildData) Copy(dst []byte) int {
	var written int
	for _, bl := range bd.blockList {
		written += copy(dst[written:], bl.data[:bl.end])
	}
	written += copy(dst[written:], bd.index)
	written += copy(dst[written:], utils.U32ToBytes(uint32(len(bd.index))))

	written += copy(dst[written:], bd.checksum)
	written += copy(dst[written:], utils.U32ToBytes(uint32(len(bd.checksum))))
	return written
}

// TableInfo is what a finished table reports back for the manifest.
type TableInfo struct {
	FID      uint64
	Path     string
	Size     uint64
	Smallest utils.InternalKey
	Largest  utils.InternalKey
}

// Flush writes the table to path and syncs it.
func (tb *TableBuilder) Flush(path string, fid uint64) (*TableInfo, error) {
	bd, err := tb.done()
	if err != nil {
		return nil, err
	}
	mf, err := OpenMmapFile(path, os.O_CREATE|os.O_RDWR|os.O_EXCL, bd.size)
	if err != nil {
		return nil, err
	}
	written := bd.Copy(mf.Data)
	if written != bd.size {
		_ = mf.Close(false)
		return nil, errors.Errorf("tableBuilder.flush written %d != %d", written, bd.size)
	}
	if err := mf.Close(true); err != nil {
		return nil, err
	}
	if err := syncParent(path); err != nil {
		return nil, err
	}
	return &TableInfo{
		FID:      fid,
		Path:     path,
		Size:     uint64(bd.size),
		Smallest: utils.InternalKey(tb.smallest).Clone(),
		Largest:  utils.InternalKey(tb.largest).Clone(),
	}, nil
}
