package tvm

import "encoding/binary"

// ByteBuffer is an append-only byte sink with typed little endian writes.
// The data-section accumulator owns its buffer exclusively; read access is
// limited to Bytes and Size.
type ByteBuffer struct {
	buf []byte
}

// WriteBytes appends p and returns the number of bytes written.
func (b *ByteBuffer) WriteBytes(p []byte) int {
	b.buf = append(b.buf, p...)
	return len(p)
}

// Write8 appends a single byte.
func (b *ByteBuffer) Write8(v uint8) int {
	b.buf = append(b.buf, v)
	return 1
}

// Write16 appends v as 2 little endian bytes.
func (b *ByteBuffer) Write16(v uint16) int {
	b.buf = binary.LittleEndian.AppendUint16(b.buf, v)
	return 2
}

// Write32 appends v as 4 little endian bytes.
func (b *ByteBuffer) Write32(v uint32) int {
	b.buf = binary.LittleEndian.AppendUint32(b.buf, v)
	return 4
}

// Write64 appends v as 8 little endian bytes.
func (b *ByteBuffer) Write64(v uint64) int {
	b.buf = binary.LittleEndian.AppendUint64(b.buf, v)
	return 8
}

// WriteString appends the raw bytes of s with no terminator.
func (b *ByteBuffer) WriteString(s string) int {
	b.buf = append(b.buf, s...)
	return len(s)
}

// Fill appends n copies of v.
func (b *ByteBuffer) Fill(n int, v byte) int {
	for i := 0; i < n; i++ {
		b.buf = append(b.buf, v)
	}
	return n
}

// Bytes returns the accumulated contents.
func (b *ByteBuffer) Bytes() []byte {
	return b.buf
}

// Size returns the number of accumulated bytes.
func (b *ByteBuffer) Size() int {
	return len(b.buf)
}
