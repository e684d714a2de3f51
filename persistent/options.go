package persistent

// Options describe one file opened or created by this package.
type Options struct {
	FID      uint64
	FileName string
	Dir      string
	Flag     int
	MaxSize  int

	// Comparator is the key ordering name recorded in a new manifest and
	// checked against an existing one.
	Comparator string

	// Table building.
	BlockSize          int
	BloomFalsePositive float64
}
