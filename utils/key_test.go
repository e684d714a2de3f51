package utils

import (
	"sort"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestCompareKeysOrdersNewestFirst(t *testing.T) {
	keys := []InternalKey{
		MakeInternalKey([]byte("b"), 1, KindSet),
		MakeInternalKey([]byte("a"), 3, KindDelete),
		MakeInternalKey([]byte("a"), 7, KindSet),
		MakeInternalKey([]byte("a"), 3, KindSet),
	}
	sort.Slice(keys, func(i, j int) bool { return CompareKeys(keys[i], keys[j]) < 0 })

	var got []string
	for _, k := range keys {
		got = append(got, k.String())
	}
	require.Equal(t, []string{`"a"@7,1`, `"a"@3,1`, `"a"@3,0`, `"b"@1,1`}, got)
	require.True(t, SameKey(keys[0], keys[2]))
}

func TestParseInternalKey(t *testing.T) {
	_, err := ParseInternalKey([]byte("short"))
	require.True(t, errors.Is(err, ErrBadInternalKey))

	k := MakeInternalKey([]byte("user"), 42, KindDelete)
	parsed, err := ParseInternalKey(k)
	require.NoError(t, err)
	require.Equal(t, "user", string(parsed.UserKey()))
	require.Equal(t, uint64(42), parsed.Seq())
	require.Equal(t, KindDelete, parsed.Kind())

	c := k.Clone()
	c[0] = 'x'
	require.Equal(t, byte('u'), k[0])
}

func TestMakeInternalKeyOverflow(t *testing.T) {
	require.Panics(t, func() { MakeInternalKey(nil, MaxSequenceNumber+1, KindSet) })
}

func TestValueStructEncoding(t *testing.T) {
	e := NewEntry([]byte("k"), []byte("value")).WithTTL(time.Hour)
	e.Meta = 3
	vs := ValueStruct{Meta: e.Meta, Value: e.Value, ExpiresAt: e.ExpiresAt}
	buf := make([]byte, e.EncodedSize())
	require.Equal(t, uint32(len(buf)), vs.EncodeValue(buf))

	var out ValueStruct
	require.True(t, out.DecodeValue(buf))
	require.Equal(t, vs.Meta, out.Meta)
	require.Equal(t, vs.ExpiresAt, out.ExpiresAt)
	require.Equal(t, "value", string(out.Value))

	require.False(t, out.DecodeValue(nil))
}
