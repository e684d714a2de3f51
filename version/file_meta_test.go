package version

import (
	"testing"

	"github.com/Kirov7/FayLSM/utils"
	"github.com/stretchr/testify/require"
)

func TestFileMetaDataDefaults(t *testing.T) {
	f := NewFileMetaData(7, 4096, ikey("a", 1), ikey("m", 1))
	require.Equal(t, int32(0), f.Refs())
	require.Equal(t, int32(utils.DefaultAllowedSeeks), f.AllowedSeeks())
}

func TestFileMetaDataRefs(t *testing.T) {
	f := NewFileMetaData(7, 4096, ikey("a", 1), ikey("m", 1))
	f.Ref()
	f.Ref()
	require.Equal(t, int32(1), f.Unref())
	require.Equal(t, int32(0), f.Unref())
	require.Panics(t, func() { f.Unref() })
}

func TestFileMetaDataSeeks(t *testing.T) {
	f := NewFileMetaData(7, 0, ikey("a", 1), ikey("m", 1))
	f.ResetAllowedSeeks()
	require.Equal(t, int32(minAllowedSeeks), f.AllowedSeeks())
	for i := 0; i < minAllowedSeeks-1; i++ {
		require.False(t, f.ConsumeSeek())
	}
	require.True(t, f.ConsumeSeek())

	big := NewFileMetaData(8, 1000*bytesPerSeek, ikey("a", 1), ikey("m", 1))
	big.ResetAllowedSeeks()
	require.Equal(t, int32(1000), big.AllowedSeeks())
}

func TestFileMetaDataClone(t *testing.T) {
	f := NewFileMetaData(7, 4096, ikey("a", 1), ikey("m", 1))
	f.Ref()
	c := f.Clone()
	require.True(t, f.Equal(c))
	require.Equal(t, int32(0), c.Refs())
	c.Smallest[0] = 'z'
	require.Equal(t, []byte("a"), f.Smallest.UserKey())
}
