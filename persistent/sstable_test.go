package persistent

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/Kirov7/FayLSM/utils"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func ikey(k string, seq uint64) []byte {
	return utils.MakeInternalKey([]byte(k), seq, utils.KindSet)
}

func buildTable(t *testing.T, dir string, fid uint64, n int, blockSize int) *TableInfo {
	t.Helper()
	tb := NewTableBuilder(&Options{BlockSize: blockSize, BloomFalsePositive: 0.01})
	require.True(t, tb.Empty())
	for i := 0; i < n; i++ {
		e := utils.NewEntry(ikey(fmt.Sprintf("key%05d", i), uint64(i+1)), []byte(fmt.Sprintf("val%d", i)))
		require.NoError(t, tb.Add(e))
	}
	info, err := tb.Flush(utils.FileNameSSTable(dir, fid), fid)
	require.NoError(t, err)
	return info
}

func TestTableRoundTrip(t *testing.T) {
	dir := t.TempDir()
	info := buildTable(t, dir, 1, 500, 256)

	ss, err := OpenSSTable(info.Path, 1, info.Size)
	require.NoError(t, err)
	defer ss.Close()

	require.Equal(t, uint32(500), ss.KeyCount())
	require.Equal(t, uint64(500), ss.MaxVersion())
	require.Equal(t, []byte(info.Smallest), ss.MinKey())
	require.Equal(t, []byte(info.Largest), ss.MaxKey())
	require.Greater(t, len(ss.Indexs().GetOffsets()), 1)

	it := ss.NewIterator(&utils.Options{VerifyChecksums: true})
	n := 0
	for it.Rewind(); it.Valid(); it.Next() {
		e := it.Item().Entry()
		require.Equal(t, fmt.Sprintf("key%05d", n), string(utils.ParseKey(e.Key)))
		require.Equal(t, fmt.Sprintf("val%d", n), string(e.Value))
		n++
	}
	require.Equal(t, 500, n)
	require.NoError(t, it.Close())
}

func TestTableSeek(t *testing.T) {
	dir := t.TempDir()
	info := buildTable(t, dir, 2, 300, 128)
	ss, err := OpenSSTable(info.Path, 2, info.Size)
	require.NoError(t, err)
	defer ss.Close()

	it := ss.NewIterator(nil)
	defer it.Close()

	it.Seek(ikey("key00150", utils.MaxSequenceNumber))
	require.True(t, it.Valid())
	require.Equal(t, "key00150", string(utils.ParseKey(it.Item().Entry().Key)))

	// between two keys
	it.Seek(ikey("key00150a", utils.MaxSequenceNumber))
	require.True(t, it.Valid())
	require.Equal(t, "key00151", string(utils.ParseKey(it.Item().Entry().Key)))

	it.Seek(ikey("a", utils.MaxSequenceNumber))
	require.True(t, it.Valid())
	require.Equal(t, "key00000", string(utils.ParseKey(it.Item().Entry().Key)))

	it.Seek(ikey("zzz", utils.MaxSequenceNumber))
	require.False(t, it.Valid())
	require.NoError(t, it.Error())
}

func TestTableGet(t *testing.T) {
	dir := t.TempDir()
	info := buildTable(t, dir, 3, 100, 0)
	ss, err := OpenSSTable(info.Path, 3, info.Size)
	require.NoError(t, err)
	defer ss.Close()

	e, err := ss.Get(nil, ikey("key00042", utils.MaxSequenceNumber))
	require.NoError(t, err)
	require.Equal(t, "val42", string(e.Value))
	require.Equal(t, uint64(43), e.Version)

	_, err = ss.Get(nil, ikey("zzz", utils.MaxSequenceNumber))
	require.True(t, errors.Is(err, utils.ErrKeyNotFound))
}

func TestBuilderRejectsUnorderedKeys(t *testing.T) {
	tb := NewTableBuilder(&Options{})
	require.NoError(t, tb.Add(utils.NewEntry(ikey("b", 1), nil)))
	require.Error(t, tb.Add(utils.NewEntry(ikey("a", 1), nil)))
	require.True(t, errors.Is(tb.Add(utils.NewEntry([]byte("short"), nil)), utils.ErrBadInternalKey))
}

func TestOpenTableErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := OpenSSTable(filepath.Join(dir, "000009.sst"), 9, 0)
	require.True(t, errors.Is(err, utils.ErrTableNotFound))

	info := buildTable(t, dir, 4, 10, 0)
	_, err = OpenSSTable(info.Path, 4, info.Size+1)
	require.True(t, errors.Is(err, utils.ErrTableSizeMismatch))

	// flip a byte inside the index
	data, err := os.ReadFile(info.Path)
	require.NoError(t, err)
	data[len(data)-20] ^= 0xff
	require.NoError(t, os.WriteFile(info.Path, data, 0666))
	_, err = OpenSSTable(info.Path, 4, info.Size)
	require.True(t, errors.Is(err, utils.ErrCorruption), "%v", err)

	require.NoError(t, os.WriteFile(info.Path, []byte{1, 2}, 0666))
	_, err = OpenSSTable(info.Path, 4, 0)
	require.True(t, errors.Is(err, utils.ErrCorruption), "%v", err)
}

func TestBlockChecksumVerified(t *testing.T) {
	dir := t.TempDir()
	info := buildTable(t, dir, 5, 10, 0)
	data, err := os.ReadFile(info.Path)
	require.NoError(t, err)
	// inside the first key of block 0
	data[10] ^= 0xff
	require.NoError(t, os.WriteFile(info.Path, data, 0666))

	ss, err := OpenSSTable(info.Path, 5, info.Size)
	require.NoError(t, err)
	defer ss.Close()

	it := ss.NewIterator(&utils.Options{VerifyChecksums: true})
	it.Rewind()
	require.False(t, it.Valid())
	require.True(t, errors.Is(it.Close(), utils.ErrCorruption))
}
