package persistent

import (
	"sort"

	"github.com/Kirov7/FayLSM/utils"
	"github.com/pkg/errors"
)

var errEndOfBlock = errors.New("end of block")

// dataBlock is a block read back from a table file.
type dataBlock struct {
	offset            int
	data              []byte // entries only
	checksum          []byte
	entriesIndexStart int
	entryOffsets      []uint32
}

// decodeBlock splits raw block bytes into entries, offsets and checksum.
func decodeBlock(offset int, raw []byte, verify bool) (*dataBlock, error) {
	readPos := len(raw) - 4
	if readPos < 0 {
		return nil, utils.Corruptionf("block at %d: %d bytes", offset, len(raw))
	}
	cksLen := int(utils.BytesToU32(raw[readPos:]))
	if cksLen != 8 || readPos < cksLen+4 {
		return nil, utils.Corruptionf("block at %d: checksum length %d", offset, cksLen)
	}
	readPos -= cksLen
	b := &dataBlock{offset: offset, checksum: raw[readPos : readPos+cksLen]}
	checked := raw[:readPos]

	readPos -= 4
	numEntries := int(utils.BytesToU32(raw[readPos:]))
	entriesIndexStart := readPos - numEntries*4
	if numEntries == 0 || entriesIndexStart < 0 {
		return nil, utils.Corruptionf("block at %d: %d entries", offset, numEntries)
	}
	b.entryOffsets = utils.BytesToU32Slice(raw[entriesIndexStart:readPos])
	b.entriesIndexStart = entriesIndexStart
	b.data = checked
	if verify {
		if err := b.verifyCheckSum(); err != nil {
			return nil, errors.Wrapf(utils.ErrCorruption, "block at %d: %v", offset, err)
		}
	}
	b.data = raw[:entriesIndexStart]
	for i, off := range b.entryOffsets {
		if int(off) >= entriesIndexStart || (i > 0 && off <= b.entryOffsets[i-1]) {
			return nil, utils.Corruptionf("block at %d: bad entry offset %d", offset, off)
		}
	}
	return b, nil
}

// verifyCheckSum covers the entries and the offset table.
func (b *dataBlock) verifyCheckSum() error {
	return utils.VerifyChecksum(b.data, b.checksum)
}

type blockIterator struct {
	data         []byte
	idx          int
	err          error
	baseKey      []byte
	key          []byte
	val          []byte
	entryOffsets []uint32
	block        *dataBlock

	it utils.Item
}

func (itr *blockIterator) setBlock(b *dataBlock) {
	itr.block = b
	itr.err = nil
	itr.idx = 0
	itr.baseKey = itr.baseKey[:0]
	itr.key = itr.key[:0]
	itr.val = nil
	itr.it = nil
	itr.data = b.data
	itr.entryOffsets = b.entryOffsets
}

// seekToFirst brings us to the first element.
func (itr *blockIterator) seekToFirst() {
	itr.setIdx(0)
}

// seek moves to the first entry >= key.
func (itr *blockIterator) seek(key []byte) {
	itr.err = nil
	foundEntryIdx := sort.Search(len(itr.entryOffsets), func(idx int) bool {
		itr.setIdx(idx)
		return utils.CompareKeys(itr.key, key) >= 0
	})
	itr.setIdx(foundEntryIdx)
}

func (itr *blockIterator) setIdx(i int) {
	itr.idx = i
	if i >= len(itr.entryOffsets) || i < 0 {
		itr.err = errEndOfBlock
		return
	}
	itr.err = nil
	startOffset := int(itr.entryOffsets[i])

	// Set base key.
	if len(itr.baseKey) == 0 {
		var baseHeader header
		if len(itr.data) < headerSize {
			itr.err = utils.Corruptionf("block at %d: short header", itr.block.offset)
			return
		}
		baseHeader.decode(itr.data)
		if headerSize+int(baseHeader.diff) > len(itr.data) {
			itr.err = utils.Corruptionf("block at %d: base key overruns block", itr.block.offset)
			return
		}
		itr.baseKey = itr.data[headerSize : headerSize+baseHeader.diff]
	}

	var endOffset int
	// idx points to the last entry in the block.
	if itr.idx+1 == len(itr.entryOffsets) {
		endOffset = len(itr.data)
	} else {
		// idx point to some entry other than the last one in the block.
		// EndOffset of the current entry is the start offset of the next entry.
		endOffset = int(itr.entryOffsets[itr.idx+1])
	}
	if startOffset+headerSize > endOffset || endOffset > len(itr.data) {
		itr.err = utils.Corruptionf("block at %d: entry %d overruns block", itr.block.offset, i)
		return
	}

	entryData := itr.data[startOffset:endOffset]
	var h header
	h.decode(entryData)
	if int(h.overlap) > len(itr.baseKey) || headerSize+int(h.diff) > len(entryData) {
		itr.err = utils.Corruptionf("block at %d: entry %d header", itr.block.offset, i)
		return
	}
	overlap := int(h.overlap)
	diffKey := entryData[headerSize : headerSize+int(h.diff)]
	itr.key = append(itr.key[:0], itr.baseKey[:overlap]...)
	itr.key = append(itr.key, diffKey...)

	valueOff := headerSize + int(h.diff)
	itr.val = entryData[valueOff:]
	e := &utils.Entry{Key: itr.key}
	var vs utils.ValueStruct
	if !vs.DecodeValue(itr.val) {
		itr.err = utils.Corruptionf("block at %d: entry %d value", itr.block.offset, i)
		return
	}
	e.Value = vs.Value
	e.ExpiresAt = vs.ExpiresAt
	e.Meta = vs.Meta
	e.Version = utils.ParseSeq(itr.key)
	itr.it = &Item{e: e}
}

func (itr *blockIterator) Error() error {
	return itr.err
}

func (itr *blockIterator) Valid() bool {
	return itr.err == nil
}

func (itr *blockIterator) Next() {
	itr.setIdx(itr.idx + 1)
}

func (itr *blockIterator) Item() utils.Item {
	return itr.it
}

func (itr *blockIterator) Close() error {
	return nil
}

// Item is the iterator element handed out by table iterators. The entry
// aliases iterator buffers and is only valid until the iterator moves.
type Item struct {
	e *utils.Entry
}

func (it *Item) Entry() *utils.Entry {
	return it.e
}
