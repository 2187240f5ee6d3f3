package tvm

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// parseSource runs a single translation unit through the parser.
func parseSource(t *testing.T, src string) *Parser {
	t.Helper()
	p := NewParser()
	require.NoError(t, p.Parse(strings.NewReader(src), "test.asm"))
	return p
}

// assembleImage merges src, injects extSyms as pre-resolved library
// exports and returns the serialized image.
func assembleImage(t *testing.T, src string, extSyms map[string]string) []byte {
	t.Helper()

	p := parseSource(t, src)
	w := NewBinaryWriter(".")
	w.MergeInstructions(p.Instructions())
	require.NoError(t, w.MergeData(p.Data()))
	require.NoError(t, w.MergeLabels(p.Labels()))
	for name, lib := range extSyms {
		require.NoError(t, w.indexSymbols(lib, SymbolTable{{Name: name}}))
	}

	out := filepath.Join(t.TempDir(), "out.tv")
	require.NoError(t, w.Open(out))
	require.NoError(t, w.WriteHeader())
	require.NoError(t, w.WriteSections())
	require.NoError(t, w.Close())

	img, err := os.ReadFile(out)
	require.NoError(t, err)
	return img
}

func TestMinimalProgram(t *testing.T) {
	img := assembleImage(t, `
main:
	ret
`, nil)

	// header: magic, flags, no data/string/symbol sections
	require.Equal(t, []byte{
		'T', 'V', 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00,
	}, img[:HeaderSize])

	// code section header: flags=0, align=10, entry=0, size=6, start=16
	require.Equal(t, []byte{
		0x00, 0x00, 0x0A, 0x00,
		0x00, 0x00, 0x00, 0x00,
		0x06, 0x00, 0x00, 0x00,
		0x10, 0x00, 0x00, 0x00,
	}, img[HeaderSize:HeaderSize+SectionSize])

	// payload: ret with no arguments, then the alignment pad
	require.Equal(t, []byte{0x01, 0x00, 0x00, 0x00, 0x00, 0x00}, img[32:38])
	require.Equal(t, 48, len(img))
	require.Equal(t, bytes.Repeat([]byte{0}, 10), img[38:])
}

func TestDataReference(t *testing.T) {
	img := assembleImage(t, `
.data
msg: .ascii "Hi"
.text
main:
	mov x0, msg
	ret
`, nil)

	hdr := NewBlockReaderBytes(img)
	hdr.MoveTo(2)
	require.Equal(t, uint16(0), hdr.Read16())
	dat := hdr.Read32()
	str := hdr.Read32()
	sym := hdr.Read32()
	require.NotZero(t, dat)
	require.Zero(t, str)
	require.Zero(t, sym)

	// mov x0, msg: argc=2, REG0|ADRD flags, both args fit in one byte
	mov := img[32:40]
	require.Equal(t, uint8(OpMov), mov[0])
	require.Equal(t, uint8(2), mov[1])
	require.Equal(t, IFReg0|IFAdrd, uint16(mov[2])|uint16(mov[3])<<8)
	require.Equal(t, SizeFlags[0][0]|SizeFlags[1][0], uint16(mov[4])|uint16(mov[5])<<8)
	require.Equal(t, uint8(0), mov[6]) // x0
	require.Equal(t, uint8(0), mov[7]) // data offset 0

	// data section: size=2, align=14, payload "Hi"
	sec := NewBlockReaderBytes(img)
	sec.MoveTo(int(dat))
	sec.Read16()
	require.Equal(t, uint16(14), sec.Read16())
	require.Equal(t, dat, sec.Read32())
	require.Equal(t, uint32(2), sec.Read32())
	sec.Read32()
	require.Equal(t, []byte("Hi"), img[int(dat)+SectionSize:int(dat)+SectionSize+2])
}

func TestMissingMain(t *testing.T) {
	p := parseSource(t, `
foo:
	ret
`)
	w := NewBinaryWriter(".")
	w.MergeInstructions(p.Instructions())
	require.NoError(t, w.MergeLabels(p.Labels()))

	require.NoError(t, w.Open(filepath.Join(t.TempDir(), "out.tv")))
	require.NoError(t, w.WriteHeader())
	require.ErrorIs(t, w.WriteSections(), ErrNoMain)
}

func TestDuplicateLabelAcrossUnits(t *testing.T) {
	first := parseSource(t, "foo:\n\tret\n")

	second := NewParser()
	second.SetLabelBase(first.nextLabel)
	require.NoError(t, second.Parse(strings.NewReader("foo:\n\tret\n"), "unit2.asm"))

	w := NewBinaryWriter(".")
	w.MergeInstructions(first.Instructions())
	require.NoError(t, w.MergeLabels(first.Labels()))
	w.MergeInstructions(second.Instructions())
	require.ErrorIs(t, w.MergeLabels(second.Labels()), ErrDuplicateLabel)
}

func TestExternalSymbolBinding(t *testing.T) {
	img := assembleImage(t, `
.lib std
main:
	call puts
	ret
`, map[string]string{"puts": "std"})

	hdr := NewBlockReaderBytes(img)
	hdr.MoveTo(4)
	require.Zero(t, hdr.Read32())
	str := hdr.Read32()
	sym := hdr.Read32()
	require.NotZero(t, str)
	require.NotZero(t, sym)

	// call: SYMU set, argv[0] = string-table offset of puts = 0
	call := img[32:39]
	require.Equal(t, uint8(OpGto), call[0])
	require.Equal(t, uint8(1), call[1])
	require.Equal(t, IFSymU, uint16(call[2])|uint16(call[3])<<8)
	require.Equal(t, uint8(0), call[6])

	require.Equal(t, []byte("std\x00"), img[int(sym)+SectionSize:int(sym)+SectionSize+4])
	require.Equal(t, []byte("puts\x00"), img[int(str)+SectionSize:int(str)+SectionSize+5])
}

func TestWidthSelection(t *testing.T) {
	tests := []struct {
		value uint64
		bytes uint64
		bit   uint16
	}{
		{0xFF, 1, SizeFlags[0][0]},
		{0x100, 2, SizeFlags[0][1]},
		{0x10000, 4, SizeFlags[0][2]},
		{0x100000000, 8, 0},
	}

	for _, tc := range tests {
		w := NewBinaryWriter(".")
		w.MergeInstructions(Instructions{{
			Op:   OpGto,
			Argc: 1,
			Argv: [MaxArgs]uint64{tc.value},
		}})
		require.Equal(t, 6+tc.bytes, w.calculateInstructionSize(), "value 0x%x", tc.value)
		require.Equal(t, tc.bit, w.ins[0].Sizes, "value 0x%x", tc.value)
	}
}

// Every instruction written must decode back bit-identically using only
// the sizes word, and the writer must emit exactly the predicted number
// of bytes.
func TestEncodingRoundTrip(t *testing.T) {
	ins := Instructions{
		{Op: OpRet},
		{Op: OpMov, Argc: 2, Flags: IFReg0, Argv: [MaxArgs]uint64{3, 0x1234}},
		{Op: OpGto, Argc: 1, Flags: IFSymU, Argv: [MaxArgs]uint64{0xFFFFFFFF01020304}},
		{Op: OpCmp, Argc: 2, Flags: IFReg0 | IFReg1 | IFRidx, Index: 7,
			Argv: [MaxArgs]uint64{1, 2}},
		{Op: OpMov, Argc: 3, Flags: IFReg0 | IFReg2, Argv: [MaxArgs]uint64{9, 0x10000, 5}},
	}

	var buf bytes.Buffer
	w := &BinaryWriter{out: bufio.NewWriter(&buf)}
	w.ins = ins

	predicted := w.calculateInstructionSize()
	var written uint64
	for i := range w.ins {
		written += w.writeInstruction(&w.ins[i])
	}
	require.NoError(t, w.out.Flush())

	require.Equal(t, predicted, written)
	require.Equal(t, int(predicted), buf.Len())

	r := NewBlockReaderBytes(buf.Bytes())
	for i := range ins {
		dec, err := decodeInstruction(r)
		require.NoError(t, err)
		require.Equal(t, ins[i].Op, dec.Op)
		require.Equal(t, ins[i].Argc, dec.Argc)
		require.Equal(t, ins[i].Flags, dec.Flags)
		require.Equal(t, ins[i].Index, dec.Index)
		for j := 0; j < int(ins[i].Argc); j++ {
			require.Equal(t, ins[i].Argv[j], dec.Argv[j])
		}
	}
	require.True(t, r.Eof())
}

// A name defined both locally and by a library resolves locally; SYMU is
// never set for it.
func TestLocalDefinitionsShadowLibraries(t *testing.T) {
	p := parseSource(t, `
main:
	call puts
	ret
puts:
	ret
`)
	w := NewBinaryWriter(".")
	w.MergeInstructions(p.Instructions())
	require.NoError(t, w.MergeLabels(p.Labels()))
	require.NoError(t, w.indexSymbols("std", SymbolTable{{Name: "puts"}}))

	require.NoError(t, w.mapInstructions())
	call := w.ins[0]
	require.Zero(t, call.Flags&IFSymU)
	require.NotZero(t, call.Flags&IFAddr)
	require.Equal(t, uint64(2), call.Argv[0])
	require.Empty(t, w.linkedLibs)
}

// Data shadows library symbols the same way.
func TestDataShadowsLibraries(t *testing.T) {
	p := parseSource(t, `
.data
puts: .quad 1
.text
main:
	mov x0, puts
	ret
`)
	w := NewBinaryWriter(".")
	w.MergeInstructions(p.Instructions())
	require.NoError(t, w.MergeData(p.Data()))
	require.NoError(t, w.MergeLabels(p.Labels()))
	require.NoError(t, w.indexSymbols("std", SymbolTable{{Name: "puts"}}))

	require.NoError(t, w.mapInstructions())
	require.NotZero(t, w.ins[0].Flags&IFAdrd)
	require.Zero(t, w.ins[0].Flags&IFSymU)
}

func TestUnresolvedName(t *testing.T) {
	p := parseSource(t, `
main:
	call nowhere
	ret
`)
	w := NewBinaryWriter(".")
	w.MergeInstructions(p.Instructions())
	require.NoError(t, w.MergeLabels(p.Labels()))
	require.ErrorIs(t, w.mapInstructions(), ErrUnresolved)
}

// For a locally defined label the resolver stores the index of the first
// instruction of the labeled block.
func TestLabelResolution(t *testing.T) {
	p := parseSource(t, `
main:
	mov x1, 1
	mov x2, 2
loop:
	dec x1
	jne loop
	ret
`)
	w := NewBinaryWriter(".")
	w.MergeInstructions(p.Instructions())
	require.NoError(t, w.MergeLabels(p.Labels()))
	require.NoError(t, w.mapInstructions())

	jne := w.ins[3]
	require.NotZero(t, jne.Flags&IFAddr)
	require.Equal(t, uint64(2), jne.Argv[0])
}

func TestDuplicateDataAcrossUnits(t *testing.T) {
	w := NewBinaryWriter(".")
	require.NoError(t, w.MergeData(DataLookup{"x": {Type: DeclInt, Lname: "x"}}))
	require.ErrorIs(t,
		w.MergeData(DataLookup{"x": {Type: DeclZero, Lname: "x"}}),
		ErrDuplicateData)
}

func TestDuplicateLibrarySymbol(t *testing.T) {
	w := NewBinaryWriter(".")
	require.NoError(t, w.indexSymbols("std", SymbolTable{{Name: "puts"}}))
	require.ErrorIs(t,
		w.indexSymbols("extra", SymbolTable{{Name: "puts"}}),
		ErrDuplicateSymbol)
}

func TestEmptyCode(t *testing.T) {
	w := NewBinaryWriter(".")
	require.NoError(t, w.Open(filepath.Join(t.TempDir(), "out.tv")))
	require.ErrorIs(t, w.WriteHeader(), ErrEmptyCode)
}

// Section payloads are always padded so that payload+pad is a multiple
// of 16, and the header offsets agree with the padded layout.
func TestSectionAlignment(t *testing.T) {
	img := assembleImage(t, `
.lib std
.data
msg: .asciz "hello world"
.text
main:
	mov x0, msg
	call puts
	ret
`, map[string]string{"puts": "std"})

	r := NewBlockReaderBytes(img)
	r.MoveTo(4)
	offsets := []uint32{r.Read32(), r.Read32(), r.Read32()}

	for _, off := range offsets {
		require.NotZero(t, off)
		sec := NewBlockReaderBytes(img)
		sec.MoveTo(int(off))
		sec.Read16()
		align := sec.Read16()
		sec.Read32()
		size := sec.Read32()
		require.Zero(t, (uint64(size)+uint64(align))%16)
	}
}

// WriteSections before WriteHeader violates the writer's state machine.
func TestWriterOrdering(t *testing.T) {
	p := parseSource(t, "main:\n\tret\n")
	w := NewBinaryWriter(".")
	w.MergeInstructions(p.Instructions())
	require.NoError(t, w.MergeLabels(p.Labels()))
	require.NoError(t, w.Open(filepath.Join(t.TempDir(), "out.tv")))

	require.Error(t, w.WriteSections())
	require.NoError(t, w.WriteHeader())
	require.Error(t, w.WriteHeader())
	require.NoError(t, w.WriteSections())
}
