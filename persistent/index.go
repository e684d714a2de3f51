package persistent

import (
	"github.com/Kirov7/FayLSM/utils"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// TableIndex is the footer index of a table, stored as a protobuf message:
//
//	message TableIndex {
//	  repeated BlockOffset offsets = 1;
//	  bytes bloom_filter = 2;
//	  uint32 key_count = 3;
//	  uint64 max_version = 4;
//	  bytes smallest = 5;
//	  bytes largest = 6;
//	}
//	message BlockOffset {
//	  bytes key = 1;
//	  uint32 offset = 2;
//	  uint32 len = 3;
//	}
type TableIndex struct {
	Offsets     []*BlockOffset
	BloomFilter []byte
	KeyCount    uint32
	MaxVersion  uint64
	Smallest    []byte
	Largest     []byte
}

// BlockOffset locates one data block. Key is the first key in the block.
type BlockOffset struct {
	Key    []byte
	Offset uint32
	Len    uint32
}

const (
	fieldIndexOffsets     protowire.Number = 1
	fieldIndexBloomFilter protowire.Number = 2
	fieldIndexKeyCount    protowire.Number = 3
	fieldIndexMaxVersion  protowire.Number = 4
	fieldIndexSmallest    protowire.Number = 5
	fieldIndexLargest     protowire.Number = 6

	fieldBlockKey    protowire.Number = 1
	fieldBlockOffset protowire.Number = 2
	fieldBlockLen    protowire.Number = 3
)

func (ti *TableIndex) GetOffsets() []*BlockOffset {
	if ti == nil {
		return nil
	}
	return ti.Offsets
}

// Marshal encodes the index in protobuf wire format.
func (ti *TableIndex) Marshal() ([]byte, error) {
	var b []byte
	for _, bo := range ti.Offsets {
		b = protowire.AppendTag(b, fieldIndexOffsets, protowire.BytesType)
		b = protowire.AppendBytes(b, bo.marshal())
	}
	if len(ti.BloomFilter) > 0 {
		b = protowire.AppendTag(b, fieldIndexBloomFilter, protowire.BytesType)
		b = protowire.AppendBytes(b, ti.BloomFilter)
	}
	if ti.KeyCount != 0 {
		b = protowire.AppendTag(b, fieldIndexKeyCount, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(ti.KeyCount))
	}
	if ti.MaxVersion != 0 {
		b = protowire.AppendTag(b, fieldIndexMaxVersion, protowire.VarintType)
		b = protowire.AppendVarint(b, ti.MaxVersion)
	}
	if len(ti.Smallest) > 0 {
		b = protowire.AppendTag(b, fieldIndexSmallest, protowire.BytesType)
		b = protowire.AppendBytes(b, ti.Smallest)
	}
	if len(ti.Largest) > 0 {
		b = protowire.AppendTag(b, fieldIndexLargest, protowire.BytesType)
		b = protowire.AppendBytes(b, ti.Largest)
	}
	return b, nil
}

// Unmarshal decodes an index produced by Marshal. Unknown fields are skipped,
// as protobuf readers do.
func (ti *TableIndex) Unmarshal(b []byte) error {
	*ti = TableIndex{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return indexError(n)
		}
		b = b[n:]
		switch {
		case num == fieldIndexOffsets && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return indexError(n)
			}
			bo := &BlockOffset{}
			if err := bo.unmarshal(v); err != nil {
				return err
			}
			ti.Offsets = append(ti.Offsets, bo)
			b = b[n:]
		case num == fieldIndexBloomFilter && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return indexError(n)
			}
			ti.BloomFilter = v
			b = b[n:]
		case num == fieldIndexKeyCount && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return indexError(n)
			}
			ti.KeyCount = uint32(v)
			b = b[n:]
		case num == fieldIndexMaxVersion && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return indexError(n)
			}
			ti.MaxVersion = v
			b = b[n:]
		case num == fieldIndexSmallest && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return indexError(n)
			}
			ti.Smallest = v
			b = b[n:]
		case num == fieldIndexLargest && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return indexError(n)
			}
			ti.Largest = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return indexError(n)
			}
			b = b[n:]
		}
	}
	return nil
}

func (bo *BlockOffset) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldBlockKey, protowire.BytesType)
	b = protowire.AppendBytes(b, bo.Key)
	b = protowire.AppendTag(b, fieldBlockOffset, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(bo.Offset))
	b = protowire.AppendTag(b, fieldBlockLen, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(bo.Len))
	return b
}

func (bo *BlockOffset) unmarshal(b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return indexError(n)
		}
		b = b[n:]
		switch {
		case num == fieldBlockKey && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return indexError(n)
			}
			bo.Key = v
			b = b[n:]
		case num == fieldBlockOffset && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return indexError(n)
			}
			bo.Offset = uint32(v)
			b = b[n:]
		case num == fieldBlockLen && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return indexError(n)
			}
			bo.Len = uint32(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return indexError(n)
			}
			b = b[n:]
		}
	}
	return nil
}

func indexError(n int) error {
	return errors.Wrapf(utils.ErrCorruption, "table index: %v", protowire.ParseError(n))
}
