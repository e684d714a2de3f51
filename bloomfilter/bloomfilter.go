package bloomfilter

import (
	"math"

	xxhash "github.com/cespare/xxhash/v2"
)

type BloomFilter struct {
	bitmap Filter
	k      uint8 // hash Function nums
}

func (bf *BloomFilter) MayContainKey(k []byte) bool {
	return bf.MayContain(Hash(k))
}

// MayContain reports false only if the hash was never inserted.
func (bf *BloomFilter) MayContain(h uint32) bool {
	if bf == nil || bf.len() < 2 {
		return true
	}
	k := bf.k
	if k > 30 {
		// reserved for future encodings, treat as a match
		return true
	}

	nBits := uint32(8 * (bf.len() - 1))
	delta := h>>17 | h<<15
	for j := uint8(0); j < k; j++ {
		bitPos := h % nBits
		if !bf.bitmap.Contains(bitPos) {
			return false
		}
		h += delta
	}
	return true
}

func (bf BloomFilter) len() int32 {
	return int32(len(bf.bitmap))
}

func (bf *BloomFilter) InsertKey(k []byte) {
	bf.Insert(Hash(k))
}

func (bf *BloomFilter) Insert(h uint32) {
	k := bf.k
	if k > 30 {
		return
	}
	nBits := uint32(8 * (bf.len() - 1))
	delta := h>>17 | h<<15
	for j := uint8(0); j < k; j++ {
		bitPos := h % nBits
		bf.bitmap.Insert(bitPos)
		h += delta
	}
}

// Bytes returns the serialized filter, hash count included.
func (bf *BloomFilter) Bytes() []byte {
	return bf.bitmap
}

// FromBytes wraps a filter produced by Bytes. The bytes are not copied.
func FromBytes(b []byte) *BloomFilter {
	f := Filter(b)
	return &BloomFilter{bitmap: f, k: f.HashNum()}
}

func NewBloomFilter(numEntries int, falsePositive float64) *BloomFilter {
	bitsPerKey := bitsPerKey(numEntries, falsePositive)
	return initFilter(numEntries, bitsPerKey)
}

// BuildBloomFilter builds a filter over already hashed keys.
func BuildBloomFilter(keyHashes []uint32, falsePositive float64) *BloomFilter {
	bf := NewBloomFilter(len(keyHashes), falsePositive)
	for _, h := range keyHashes {
		bf.Insert(h)
	}
	return bf
}

func bitsPerKey(numEntries int, falsePositive float64) int {
	if numEntries <= 0 {
		numEntries = 1
	}
	size := -1 * float64(numEntries) * math.Log(falsePositive) / math.Pow(math.Ln2, 2)
	locs := math.Ceil(size / float64(numEntries))
	return int(locs)
}

func initFilter(numEntries int, bitsPerKey int) *BloomFilter {
	bf := &BloomFilter{}
	if bitsPerKey < 0 {
		bitsPerKey = 0
	}
	k := uint32(float64(bitsPerKey) * math.Ln2)
	if k < 1 {
		k = 1
	}
	if k > 30 {
		k = 30
	}
	bf.k = uint8(k)

	nBits := numEntries * int(bitsPerKey)
	if nBits < 64 {
		nBits = 64
	}
	// bitmap`s []byte length
	nBytes := (nBits + 7) / 8
	filter := MakeBitmapWithByteSize(nBytes + 1)

	filter.SetHashNum(uint8(k))

	bf.bitmap = filter
	return bf
}

// Hash folds the 64 bit xxhash of b into 32 bits.
func Hash(b []byte) uint32 {
	h := xxhash.Sum64(b)
	return uint32(h) ^ uint32(h>>32)
}
