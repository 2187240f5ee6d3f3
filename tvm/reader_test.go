package tvm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlockReaderCursor(t *testing.T) {
	r := NewBlockReaderBytes([]byte{
		0x01,
		0x02, 0x03,
		0x04, 0x05, 0x06, 0x07,
		'T', 'V',
	})

	require.Equal(t, 9, r.Size())
	require.Equal(t, uint8(0x01), r.Current())
	require.Equal(t, uint8(0x01), r.Next())
	require.Equal(t, uint16(0x0302), r.Read16())
	require.Equal(t, uint32(0x07060504), r.Read32())

	buf := make([]byte, 4)
	require.Equal(t, 2, r.Read(buf))
	require.Equal(t, []byte{'T', 'V'}, buf[:2])
	require.True(t, r.Eof())

	r.MoveTo(7)
	require.False(t, r.Eof())
	require.Equal(t, 7, r.Tell())
	r.Offset(-3)
	require.Equal(t, 4, r.Tell())
	r.MoveTo(-10)
	require.Equal(t, 0, r.Tell())
}

func TestBlockReaderFile(t *testing.T) {
	name := filepath.Join(t.TempDir(), "img.tv")
	require.NoError(t, os.WriteFile(name, []byte("TV\x00\x00"), 0o644))

	r, err := NewBlockReader(name)
	require.NoError(t, err)
	require.Equal(t, 4, r.Size())
	require.Equal(t, []byte("TV\x00\x00"), r.Ptr())

	_, err = NewBlockReader(filepath.Join(t.TempDir(), "missing.tv"))
	require.Error(t, err)
}
