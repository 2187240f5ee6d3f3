package tvm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// A name's recorded offset is the byte position of its first character in
// the serialized payload, and re-adding a name is a no-op.
func TestStringTableOffsets(t *testing.T) {
	var st StringTable
	require.Equal(t, uint64(0), st.Add("puts"))
	require.Equal(t, uint64(5), st.Add("getchar"))
	require.Equal(t, uint64(13), st.Add("putchar"))

	// duplicates return the original offset without growing the table
	require.Equal(t, uint64(0), st.Add("puts"))
	require.Equal(t, uint64(21), st.Size())
	require.Equal(t, []string{"puts", "getchar", "putchar"}, st.Ordered())
}

func TestDataTableOffsets(t *testing.T) {
	var dt DataTable
	require.Equal(t, uint64(0), dt.Add(DataDeclaration{Type: DeclASCII, Lname: "msg", Sval: "hey"}))
	require.Equal(t, uint64(3), dt.Add(DataDeclaration{Type: DeclZero, Lname: "buf", Ival: 5}))
	require.Equal(t, uint64(8), dt.Add(DataDeclaration{Type: DeclInt, Lname: "num", Ival: 0x0102030405060708}))

	// re-inserting keeps the first address and appends nothing
	require.Equal(t, uint64(0), dt.Add(DataDeclaration{Type: DeclASCII, Lname: "msg", Sval: "zzz"}))
	require.Equal(t, uint64(16), dt.Size())

	require.Equal(t, []byte{
		'h', 'e', 'y',
		0, 0, 0, 0, 0,
		0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01,
	}, dt.Bytes())
}
