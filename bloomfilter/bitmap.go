package bloomfilter

// Filter is a bitmap whose last byte stores the number of hash functions.
type Filter []byte

func MakeBitmapWithByteSize(nBytes int) Filter {
	filter := make([]byte, nBytes)
	return filter
}

func (f Filter) SetHashNum(hashNum uint8) {
	f[len(f)-1] = byte(hashNum)
}

func (f Filter) HashNum() uint8 {
	if len(f) == 0 {
		return 0
	}
	return f[len(f)-1]
}

// Insert Change the bitPos th bit to 1
func (f Filter) Insert(bitPos uint32) {
	f[bitPos/8] |= 1 << (bitPos % 8)
}

func (f Filter) Contains(bitPos uint32) bool {
	return f[bitPos/8]&(1<<(bitPos%8)) != 0
}
