package tvm

import (
	"encoding/binary"
	"os"

	"github.com/pkg/errors"
)

// BlockReader reads a whole file into one block and walks it with a cursor.
// The image loader uses it so that decoding never touches the disk more
// than once.
type BlockReader struct {
	block []byte
	loc   int
}

// NewBlockReader reads fname into memory.
func NewBlockReader(fname string) (*BlockReader, error) {
	block, err := os.ReadFile(fname)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open '%s' for reading", fname)
	}
	return &BlockReader{block: block}, nil
}

// NewBlockReaderBytes wraps an in-memory image.
func NewBlockReaderBytes(block []byte) *BlockReader {
	return &BlockReader{block: block}
}

// Next returns the current byte and advances the cursor.
func (r *BlockReader) Next() uint8 {
	if r.Eof() {
		return 0
	}
	b := r.block[r.loc]
	r.loc++
	return b
}

// Current returns the byte under the cursor without advancing.
func (r *BlockReader) Current() uint8 {
	if r.Eof() {
		return 0
	}
	return r.block[r.loc]
}

// Read copies up to len(p) bytes into p and advances the cursor, returning
// the number of bytes copied.
func (r *BlockReader) Read(p []byte) int {
	n := copy(p, r.block[r.loc:])
	r.loc += n
	return n
}

// Read16 reads a little endian uint16 and advances the cursor.
func (r *BlockReader) Read16() uint16 {
	var b [2]byte
	r.Read(b[:])
	return binary.LittleEndian.Uint16(b[:])
}

// Read32 reads a little endian uint32 and advances the cursor.
func (r *BlockReader) Read32() uint32 {
	var b [4]byte
	r.Read(b[:])
	return binary.LittleEndian.Uint32(b[:])
}

// Read64 reads a little endian uint64 and advances the cursor.
func (r *BlockReader) Read64() uint64 {
	var b [8]byte
	r.Read(b[:])
	return binary.LittleEndian.Uint64(b[:])
}

// Offset moves the cursor relative to its current position.
func (r *BlockReader) Offset(nr int) {
	r.MoveTo(r.loc + nr)
}

// MoveTo places the cursor at loc, clamping to the block bounds.
func (r *BlockReader) MoveTo(loc int) {
	if loc < 0 {
		loc = 0
	}
	if loc > len(r.block) {
		loc = len(r.block)
	}
	r.loc = loc
}

// Eof reports whether the cursor is past the last byte.
func (r *BlockReader) Eof() bool {
	return r.loc >= len(r.block)
}

// Tell returns the cursor position.
func (r *BlockReader) Tell() int {
	return r.loc
}

// Size returns the block length.
func (r *BlockReader) Size() int {
	return len(r.block)
}

// Ptr returns the underlying block.
func (r *BlockReader) Ptr() []byte {
	return r.block
}
