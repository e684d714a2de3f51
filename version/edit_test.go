package version

import (
	"testing"

	"github.com/Kirov7/FayLSM/utils"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func ikey(user string, seq uint64) utils.InternalKey {
	return utils.MakeInternalKey([]byte(user), seq, utils.KindSet)
}

func fullEdit() *VersionEdit {
	ve := NewVersionEdit()
	ve.SetComparatorName(utils.DefaultComparatorName)
	ve.SetLogNumber(12)
	ve.SetPrevLogNumber(11)
	ve.SetNextFile(300)
	ve.SetLastSequence(1 << 40)
	ve.SetCompactPointer(2, ikey("k", 9))
	ve.SetCompactPointer(1, ikey("b", 3))
	ve.SetCompactPointer(2, ikey("q", 10))
	ve.DeleteFile(3, 77)
	ve.DeleteFile(0, 5)
	ve.DeleteP2File(3, 77)
	ve.DeleteP2File(1, 200)
	ve.AddFile(1, 7, 4096, ikey("a", 1), ikey("m", 2))
	ve.AddFile(4, 8, 1<<33, ikey("n", 5), ikey("z", 6))
	ve.AddL0File(2, 9, 512, ikey("", 7), ikey("\xff\xff", 8))
	return ve
}

func requireEditsEqual(t *testing.T, want, got *VersionEdit) {
	t.Helper()
	for _, pair := range [][2]func(*VersionEdit) (uint64, bool){
		{(*VersionEdit).LogNumber, (*VersionEdit).LogNumber},
		{(*VersionEdit).PrevLogNumber, (*VersionEdit).PrevLogNumber},
		{(*VersionEdit).NextFile, (*VersionEdit).NextFile},
		{(*VersionEdit).LastSequence, (*VersionEdit).LastSequence},
	} {
		wv, wok := pair[0](want)
		gv, gok := pair[1](got)
		require.Equal(t, wok, gok)
		require.Equal(t, wv, gv)
	}
	wc, wok := want.Comparator()
	gc, gok := got.Comparator()
	require.Equal(t, wok, gok)
	require.Equal(t, wc, gc)

	require.Equal(t, len(want.CompactPointers()), len(got.CompactPointers()))
	for i, cp := range want.CompactPointers() {
		require.Equal(t, cp.Level, got.CompactPointers()[i].Level)
		require.Equal(t, []byte(cp.Key), []byte(got.CompactPointers()[i].Key))
	}
	require.Equal(t, want.DeletedFiles(), got.DeletedFiles())
	require.Equal(t, want.DeletedP2Files(), got.DeletedP2Files())

	requireNewFilesEqual(t, want.NewFiles(), got.NewFiles())
	requireNewFilesEqual(t, want.NewL0Files(), got.NewL0Files())
}

func requireNewFilesEqual(t *testing.T, want, got []NewFile) {
	t.Helper()
	require.Equal(t, len(want), len(got))
	for i := range want {
		require.Equal(t, want[i].Level, got[i].Level)
		require.True(t, want[i].Meta.Equal(got[i].Meta), "want %s, got %s", want[i].Meta, got[i].Meta)
	}
}

func TestEditRoundTrip(t *testing.T) {
	ve := fullEdit()
	encoded := ve.EncodeTo(nil)

	var decoded VersionEdit
	require.NoError(t, decoded.DecodeFrom(encoded))
	requireEditsEqual(t, ve, &decoded)

	// Encoding is deterministic.
	require.Equal(t, encoded, decoded.EncodeTo(nil))
}

func TestEditRoundTripEveryPrefixOfCalls(t *testing.T) {
	steps := []func(*VersionEdit){
		func(ve *VersionEdit) { ve.SetLogNumber(0) },
		func(ve *VersionEdit) { ve.AddL0File(0, 1, 10, ikey("a", 1), ikey("b", 1)) },
		func(ve *VersionEdit) { ve.DeleteP2File(0, 1) },
		func(ve *VersionEdit) { ve.SetComparatorName("") },
		func(ve *VersionEdit) { ve.SetCompactPointer(6, ikey("x", 0)) },
		func(ve *VersionEdit) { ve.SetLastSequence(utils.MaxSequenceNumber) },
		func(ve *VersionEdit) { ve.DeleteFile(6, 1<<63) },
	}
	ve := NewVersionEdit()
	for _, step := range steps {
		step(ve)
		var decoded VersionEdit
		require.NoError(t, decoded.DecodeFrom(ve.EncodeTo(nil)))
		requireEditsEqual(t, ve, &decoded)
	}
}

func TestEditEncodeAppends(t *testing.T) {
	prefix := []byte("prefix")
	out := fullEdit().EncodeTo(append([]byte(nil), prefix...))
	require.Equal(t, prefix, out[:len(prefix)])

	var decoded VersionEdit
	require.NoError(t, decoded.DecodeFrom(out[len(prefix):]))
	requireEditsEqual(t, fullEdit(), &decoded)
}

func TestEmptyEditIsSparse(t *testing.T) {
	ve := NewVersionEdit()
	encoded := ve.EncodeTo(nil)
	require.Equal(t, []byte{byte(tagEnd)}, encoded)

	decoded := fullEdit()
	require.NoError(t, decoded.DecodeFrom(encoded))
	require.True(t, decoded.Empty())
	requireEditsEqual(t, NewVersionEdit(), decoded)

	cleared := fullEdit()
	cleared.Clear()
	require.True(t, cleared.Empty())
	require.Equal(t, encoded, cleared.EncodeTo(nil))
}

func TestUnsetFieldsEmitNoTags(t *testing.T) {
	ve := NewVersionEdit()
	ve.SetNextFile(5)
	require.Equal(t, []byte{byte(tagNextFileNumber), 5, byte(tagEnd)}, ve.EncodeTo(nil))
}

func TestDecodeRejectsEveryTruncation(t *testing.T) {
	encoded := fullEdit().EncodeTo(nil)
	for i := 0; i < len(encoded); i++ {
		var ve VersionEdit
		err := ve.DecodeFrom(encoded[:i])
		require.Error(t, err, "prefix of length %d decoded", i)
		require.True(t, errors.Is(err, ErrCorruptEdit), "prefix %d: %v", i, err)
		require.True(t, ve.Empty())
	}
}

func TestDecodeRejectsMalformedRecords(t *testing.T) {
	shortKey := []byte{byte(tagCompactPointer), 1, 3, 'a', 'b', 'c', byte(tagEnd)}
	badLevel := []byte{byte(tagDeletedFile), utils.NumLevels, 1, byte(tagEnd)}
	unknown := []byte{8, 1, byte(tagEnd)}
	trailing := []byte{byte(tagLogNumber), 1, byte(tagEnd), 0}
	badVarint := []byte{byte(tagLogNumber), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x01, byte(tagEnd)}
	longLength := []byte{byte(tagComparator), 200, 'a', byte(tagEnd)}

	for name, rec := range map[string][]byte{
		"short internal key": shortKey,
		"level out of range": badLevel,
		"unknown tag":        unknown,
		"trailing bytes":     trailing,
		"bad varint":         badVarint,
		"length overflow":    longLength,
	} {
		t.Run(name, func(t *testing.T) {
			var ve VersionEdit
			err := ve.DecodeFrom(rec)
			require.True(t, errors.Is(err, ErrCorruptEdit), "%v", err)
		})
	}
}

func TestDecodeRejectsShortKeysInNewFile(t *testing.T) {
	ve := NewVersionEdit()
	ve.AddFile(1, 7, 4096, ikey("a", 1), ikey("m", 2))
	encoded := ve.EncodeTo(nil)
	// Shrink the largest key (last field before the end tag) to 7 bytes.
	largestLen := len(ikey("m", 2))
	bad := append([]byte(nil), encoded[:len(encoded)-1-largestLen-1]...)
	bad = append(bad, 7)
	bad = append(bad, make([]byte, 7)...)
	bad = append(bad, byte(tagEnd))

	var decoded VersionEdit
	err := decoded.DecodeFrom(bad)
	require.True(t, errors.Is(err, ErrCorruptEdit), "%v", err)
	require.Contains(t, err.Error(), "largest key")
}

func TestAddFileScenario(t *testing.T) {
	ve := NewVersionEdit()
	ve.AddFile(1, 7, 4096, ikey("a", 100), ikey("m", 200))

	var decoded VersionEdit
	require.NoError(t, decoded.DecodeFrom(ve.EncodeTo(nil)))
	files := decoded.NewFiles()
	require.Len(t, files, 1)
	require.Equal(t, 1, files[0].Level)
	require.Equal(t, uint64(7), files[0].Meta.Number)
	require.Equal(t, uint64(4096), files[0].Meta.FileSize)
	require.Equal(t, []byte("a"), files[0].Meta.Smallest.UserKey())
	require.Equal(t, []byte("m"), files[0].Meta.Largest.UserKey())
	require.Empty(t, decoded.NewL0Files())
}

func TestDeleteFileIsIdempotent(t *testing.T) {
	ve := NewVersionEdit()
	ve.DeleteFile(0, 7)
	ve.DeleteFile(0, 7)
	require.Equal(t, []DeletedFile{{Level: 0, Number: 7}}, ve.DeletedFiles())
	require.Empty(t, ve.DeletedP2Files())

	var decoded VersionEdit
	require.NoError(t, decoded.DecodeFrom(ve.EncodeTo(nil)))
	require.Equal(t, []DeletedFile{{Level: 0, Number: 7}}, decoded.DeletedFiles())
}

func TestDeleteSetsAreIndependent(t *testing.T) {
	ve := NewVersionEdit()
	ve.DeleteFile(2, 9)
	ve.DeleteP2File(2, 9)

	var decoded VersionEdit
	require.NoError(t, decoded.DecodeFrom(ve.EncodeTo(nil)))
	require.Equal(t, []DeletedFile{{Level: 2, Number: 9}}, decoded.DeletedFiles())
	require.Equal(t, []DeletedFile{{Level: 2, Number: 9}}, decoded.DeletedP2Files())
}

func TestScalarSettersLastWriteWins(t *testing.T) {
	ve := NewVersionEdit()
	ve.SetLogNumber(1)
	ve.SetLogNumber(2)
	ve.SetComparatorName("a")
	ve.SetComparatorName("b")

	var decoded VersionEdit
	require.NoError(t, decoded.DecodeFrom(ve.EncodeTo(nil)))
	n, ok := decoded.LogNumber()
	require.True(t, ok)
	require.Equal(t, uint64(2), n)
	name, _ := decoded.Comparator()
	require.Equal(t, "b", name)
}

func TestAddFileCopiesKeys(t *testing.T) {
	smallest, largest := ikey("a", 1), ikey("b", 2)
	ve := NewVersionEdit()
	ve.AddFile(1, 3, 10, smallest, largest)
	smallest[0] = 'x'
	require.Equal(t, []byte("a"), ve.NewFiles()[0].Meta.Smallest.UserKey())
}

func TestDebugString(t *testing.T) {
	s := fullEdit().DebugString()
	for _, want := range []string{
		"Comparator: " + utils.DefaultComparatorName,
		"LogNumber: 12",
		"PrevLogNumber: 11",
		"NextFile: 300",
		"CompactPointer: 2",
		"DeleteFile: 0 5",
		"DeleteP2File: 1 200",
		"AddFile: 1 7 4096",
		"AddL0File: 2 9 512",
	} {
		require.Contains(t, s, want)
	}
}

func TestValidateMatchesDecoder(t *testing.T) {
	if utils.InvariantsEnabled {
		t.Skip("setters assert on invalid arguments")
	}
	for name, build := range map[string]func(*VersionEdit){
		"deleted file level":       func(ve *VersionEdit) { ve.DeleteFile(utils.NumLevels, 1) },
		"new file level":           func(ve *VersionEdit) { ve.AddFile(9, 7, 4096, ikey("a", 1), ikey("m", 2)) },
		"compaction pointer level": func(ve *VersionEdit) { ve.SetCompactPointer(8, ikey("k", 1)) },
		"compaction pointer key":   func(ve *VersionEdit) { ve.SetCompactPointer(1, utils.InternalKey("k")) },
		"new file short key": func(ve *VersionEdit) {
			ve.AddFile(1, 7, 4096, utils.InternalKey("a"), utils.InternalKey("m"))
		},
		"new L0 file short key": func(ve *VersionEdit) {
			ve.AddL0File(1, 7, 4096, ikey("a", 1), utils.InternalKey("m"))
		},
		"deleted p2 partition": func(ve *VersionEdit) { ve.DeleteP2File(-1, 3) },
	} {
		t.Run(name, func(t *testing.T) {
			ve := NewVersionEdit()
			build(ve)
			err := ve.Validate()
			require.True(t, errors.Is(err, ErrCorruptEdit), "%v", err)
			if name == "deleted p2 partition" {
				// a negative partition cannot be encoded at all
				return
			}
			var decoded VersionEdit
			require.True(t, errors.Is(decoded.DecodeFrom(ve.EncodeTo(nil)), ErrCorruptEdit))
		})
	}
}

func TestValidEditsRoundTrip(t *testing.T) {
	ve := fullEdit()
	ve.DeleteP2File(utils.NumLevels+3, 4)
	ve.AddFile(utils.NumLevels-1, 400, 1, ikey("a", 1), ikey("b", 1))
	require.NoError(t, ve.Validate())

	var decoded VersionEdit
	require.NoError(t, decoded.DecodeFrom(ve.EncodeTo(nil)))
	requireEditsEqual(t, ve, &decoded)
}
