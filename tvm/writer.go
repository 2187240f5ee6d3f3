package tvm

import (
	"bufio"
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// The writer walks a fixed sequence of states. Offsets computed in one step
// feed the next, so the order can never change.
type writerState int

const (
	stateInit writerState = iota
	stateHeaderStamped
	stateMapped
	stateSized
	stateHeaderWritten
	stateSectionsWritten
)

// pad16 returns the number of zero bytes needed to round n up to a
// multiple of 16.
func pad16(n uint64) uint16 {
	rem := n % 16
	if rem > 0 {
		return uint16(16 - rem)
	}
	return 0
}

// BinaryWriter merges parsed translation units, resolves every referenced
// name, sizes the instruction stream and serializes the final image. All
// output is written in ascending offset order; the sink is never seeked.
type BinaryWriter struct {
	file  *os.File
	out   *bufio.Writer
	state writerState

	ins      Instructions
	labels   LabelMap
	addrMap  IndexToPosition
	dataDecl DataLookup

	// exported name -> owning library, filled by Resolve before mapping
	symbols StringLookup

	strtab  StringTable
	datatab DataTable

	linkedSet  map[string]struct{}
	linkedLibs []string

	sizeOfCode uint64
	sizeOfSym  uint64

	header  Header
	modpath string
}

// NewBinaryWriter creates a writer that resolves shared libraries against
// modpath.
func NewBinaryWriter(modpath string) *BinaryWriter {
	return &BinaryWriter{
		labels:    make(LabelMap),
		addrMap:   make(IndexToPosition),
		dataDecl:  make(DataLookup),
		symbols:   make(StringLookup),
		linkedSet: make(map[string]struct{}),
		modpath:   modpath,
	}
}

// MergeInstructions appends a unit's instructions in input order.
func (w *BinaryWriter) MergeInstructions(insl Instructions) {
	w.ins = append(w.ins, insl...)
}

// MergeData adds a unit's data declarations, rejecting duplicate names.
func (w *BinaryWriter) MergeData(data DataLookup) error {
	for name, decl := range data {
		if _, ok := w.dataDecl[name]; ok {
			return errors.Wrapf(ErrDuplicateData, "'%s'", name)
		}
		w.dataDecl[name] = decl
	}
	return nil
}

// MergeLabels adds a unit's label map, rejecting duplicate names. Each
// accepted label seeds its block position with a placeholder that the
// mapping pass fills in.
func (w *BinaryWriter) MergeLabels(m LabelMap) error {
	for name, id := range m {
		if _, ok := w.labels[name]; ok {
			return errors.Wrapf(ErrDuplicateLabel, "'%s'", name)
		}
		w.labels[name] = id
		w.addrMap[id] = 0
	}
	return nil
}

// Resolve loads every declared library and indexes its exported names.
// Must run before WriteHeader so that unresolved identifiers can fall back
// to library symbols.
func (w *BinaryWriter) Resolve(modules []string) error {
	for _, lib := range modules {
		if err := w.loadSharedLibrary(lib); err != nil {
			return err
		}
	}
	return nil
}

func (w *BinaryWriter) loadSharedLibrary(lib string) error {
	table, err := openLibrary(w.modpath, lib)
	if err != nil {
		return err
	}
	return w.indexSymbols(lib, table)
}

// indexSymbols records (name -> lib) for every exported name. Duplicate
// names across libraries are fatal.
func (w *BinaryWriter) indexSymbols(lib string, table SymbolTable) error {
	for _, entry := range table {
		if entry.Name == "" {
			continue
		}
		if first, ok := w.symbols[entry.Name]; ok {
			return errors.Wrapf(ErrDuplicateSymbol,
				"'%s' found in library %s, first seen in %s", entry.Name, lib, first)
		}
		w.symbols[entry.Name] = lib
	}
	return nil
}

// addLinkedSymbol notes that the image depends on libname and returns the
// string-table offset of symname.
func (w *BinaryWriter) addLinkedSymbol(symname, libname string) uint64 {
	if _, ok := w.linkedSet[libname]; !ok {
		w.linkedSet[libname] = struct{}{}
		w.linkedLibs = append(w.linkedLibs, libname)
		w.sizeOfSym += uint64(len(libname)) + 1
	}
	return w.strtab.Add(symname)
}

// findLabel maps a label name to the instruction index of its block.
func (w *BinaryWriter) findLabel(name string) (uint64, bool) {
	if name == "" {
		return 0, false
	}
	id, ok := w.labels[name]
	if !ok {
		return 0, false
	}
	pos, ok := w.addrMap[id]
	if !ok {
		return 0, false
	}
	return pos, true
}

// mapInstructions runs the two resolution passes. The first walk records,
// for each label id, the index of the first instruction of its block and
// collects every instruction still carrying a name. The second walk
// rewrites those instructions: local labels win over data declarations,
// data wins over library symbols.
func (w *BinaryWriter) mapInstructions() error {
	var pending []*Instruction

	currentLabel := ^uint64(0)
	insp := uint64(0)
	for i := range w.ins {
		ins := &w.ins[i]

		// look for changes in the label id, then save the index of the
		// first instruction after the change
		if ins.Label != currentLabel {
			currentLabel = ins.Label
			w.addrMap[currentLabel] = insp
		}

		if ins.Lname != "" {
			pending = append(pending, ins)
		}
		insp++
	}

	for _, ins := range pending {
		if pos, ok := w.findLabel(ins.Lname); ok {
			ins.Argv[0] = pos
			ins.Flags |= IFAddr
			continue
		}

		if decl, ok := w.dataDecl[ins.Lname]; ok {
			off := w.datatab.Add(decl)
			if ins.Flags&IFReg2 != 0 {
				ins.Argv[2] = off
			} else {
				ins.Argv[1] = off
			}
			ins.Flags |= IFAdrd
			continue
		}

		if lib, ok := w.symbols[ins.Lname]; ok {
			ins.Argv[0] = w.addLinkedSymbol(ins.Lname, lib)
			ins.Flags |= IFSymU
			continue
		}

		return errors.Wrapf(ErrUnresolved, "failed to locate '%s'", ins.Lname)
	}
	return nil
}

// calculateInstructionSize picks the narrowest serialized width for every
// argument, records the choices in each instruction's sizes word and
// returns the total code payload size. The flag word is left untouched;
// the resolver already owns it.
func (w *BinaryWriter) calculateInstructionSize() uint64 {
	var size uint64
	for i := range w.ins {
		ins := &w.ins[i]
		ins.Sizes = 0

		size += 6 // op, argc, flags, sizes
		if ins.Flags&IFRidx != 0 {
			size++
		}

		for j := 0; j < int(ins.Argc); j++ {
			switch {
			case ins.Argv[j] <= 0xFF:
				ins.Sizes |= SizeFlags[j][0]
				size++
			case ins.Argv[j] <= 0xFFFF:
				ins.Sizes |= SizeFlags[j][1]
				size += 2
			case ins.Argv[j] <= 0xFFFFFFFF:
				ins.Sizes |= SizeFlags[j][2]
				size += 4
			default:
				size += 8
			}
		}
	}
	return size
}

// Open creates the output file. Any previously opened file is closed.
func (w *BinaryWriter) Open(fname string) error {
	if w.file != nil {
		w.file.Close()
	}
	f, err := os.Create(fname)
	if err != nil {
		return errors.Wrapf(err, "failed to open '%s' for writing", fname)
	}
	w.file = f
	w.out = bufio.NewWriter(f)
	return nil
}

// Close flushes and releases the output file. Write errors surface here if
// no earlier call reported them.
func (w *BinaryWriter) Close() error {
	if w.file == nil {
		return nil
	}
	err := w.out.Flush()
	if cerr := w.file.Close(); err == nil {
		err = cerr
	}
	w.file = nil
	w.out = nil
	return errors.Wrap(err, "failed to write image")
}

// WriteHeader resolves and sizes the merged program, computes the section
// offsets and emits the 16 byte header. It must be called exactly once,
// after all units are merged and libraries resolved.
func (w *BinaryWriter) WriteHeader() error {
	if w.out == nil {
		return errors.New("no output file opened")
	}
	if w.state != stateInit {
		return errors.New("header already written")
	}

	w.header.Magic = [2]byte{'T', 'V'}
	w.header.Flags = 0
	w.state = stateHeaderStamped

	if err := w.mapInstructions(); err != nil {
		return err
	}
	w.state = stateMapped

	w.sizeOfCode = w.calculateInstructionSize()
	if w.sizeOfCode == 0 {
		return ErrEmptyCode
	}
	w.state = stateSized

	offset := uint64(HeaderSize)
	offset += SectionSize + w.sizeOfCode + uint64(pad16(w.sizeOfCode))

	if w.datatab.Size() > 0 {
		w.header.Dat = uint32(offset)
		offset += SectionSize + w.datatab.Size() + uint64(pad16(w.datatab.Size()))
	}
	if w.sizeOfSym > 0 {
		w.header.Sym = uint32(offset)
		offset += SectionSize + w.sizeOfSym + uint64(pad16(w.sizeOfSym))
	}
	if w.strtab.Size() > 0 {
		// last section, nothing advances past it
		w.header.Str = uint32(offset)
	}

	log.Debugf("code=%d data=%d sym=%d str=%d",
		w.sizeOfCode, w.datatab.Size(), w.sizeOfSym, w.strtab.Size())

	var buf ByteBuffer
	buf.WriteBytes(w.header.Magic[:])
	buf.Write16(w.header.Flags)
	buf.Write32(w.header.Dat)
	buf.Write32(w.header.Str)
	buf.Write32(w.header.Sym)
	w.out.Write(buf.Bytes())

	w.state = stateHeaderWritten
	return nil
}

// WriteSections emits the present sections strictly in the order code,
// data, symbol, string. Every section's written payload size is checked
// against the size the header was computed from.
func (w *BinaryWriter) WriteSections() error {
	if w.state != stateHeaderWritten {
		return errors.New("sections written before header")
	}

	size, err := w.writeCodeSection()
	if err != nil {
		return err
	}
	if size != w.sizeOfCode {
		return errors.Errorf("code section size mismatch: wrote %d, expected %d",
			size, w.sizeOfCode)
	}

	if w.datatab.Size() > 0 {
		if size = w.writeDataSection(); size != w.datatab.Size() {
			return errors.Errorf("data section size mismatch: wrote %d, expected %d",
				size, w.datatab.Size())
		}
	}
	if w.sizeOfSym > 0 {
		if size = w.writeSymbolSection(); size != w.sizeOfSym {
			return errors.Errorf("symbol section size mismatch: wrote %d, expected %d",
				size, w.sizeOfSym)
		}
	}
	if w.strtab.Size() > 0 {
		if size = w.writeStringSection(); size != w.strtab.Size() {
			return errors.Errorf("string section size mismatch: wrote %d, expected %d",
				size, w.strtab.Size())
		}
	}

	w.state = stateSectionsWritten
	return nil
}

func (w *BinaryWriter) putSection(sec *Section) {
	var buf ByteBuffer
	buf.Write16(sec.Flags)
	buf.Write16(sec.Align)
	buf.Write32(sec.Entry)
	buf.Write32(sec.Size)
	buf.Write32(sec.Start)
	w.out.Write(buf.Bytes())
}

func (w *BinaryWriter) pad(n uint16) {
	for i := uint16(0); i < n; i++ {
		w.out.WriteByte(0)
	}
}

func (w *BinaryWriter) writeCodeSection() (uint64, error) {
	entry, ok := w.findLabel("main")
	if !ok {
		return 0, errors.Wrap(ErrNoMain, "failed to find main entry point")
	}

	sec := Section{
		Align: pad16(w.sizeOfCode),
		Entry: uint32(entry),
		Size:  uint32(w.sizeOfCode),
		Start: HeaderSize,
	}
	w.putSection(&sec)

	var written uint64
	for i := range w.ins {
		written += w.writeInstruction(&w.ins[i])
	}
	w.pad(sec.Align)
	return written, nil
}

// writeInstruction emits one instruction and returns the number of bytes
// it occupied.
func (w *BinaryWriter) writeInstruction(ins *Instruction) uint64 {
	var buf ByteBuffer
	buf.Write8(uint8(ins.Op))
	buf.Write8(ins.Argc)
	buf.Write16(ins.Flags)
	buf.Write16(ins.Sizes)

	if ins.Flags&IFRidx != 0 {
		buf.Write8(ins.Index)
	}

	for i := 0; i < int(ins.Argc); i++ {
		switch {
		case ins.Sizes&SizeFlags[i][0] != 0:
			buf.Write8(uint8(ins.Argv[i]))
		case ins.Sizes&SizeFlags[i][1] != 0:
			buf.Write16(uint16(ins.Argv[i]))
		case ins.Sizes&SizeFlags[i][2] != 0:
			buf.Write32(uint32(ins.Argv[i]))
		default:
			buf.Write64(ins.Argv[i])
		}
	}

	w.out.Write(buf.Bytes())
	return uint64(buf.Size())
}

func (w *BinaryWriter) writeDataSection() uint64 {
	sec := Section{
		Align: pad16(w.datatab.Size()),
		Entry: w.header.Dat,
		Size:  uint32(w.datatab.Size()),
	}
	w.putSection(&sec)
	w.out.Write(w.datatab.Bytes())
	w.pad(sec.Align)
	return w.datatab.Size()
}

func (w *BinaryWriter) writeSymbolSection() uint64 {
	sec := Section{
		Align: pad16(w.sizeOfSym),
		Entry: w.header.Sym,
		Size:  uint32(w.sizeOfSym),
	}
	w.putSection(&sec)

	var written uint64
	for _, lib := range w.linkedLibs {
		w.out.WriteString(lib)
		w.out.WriteByte(0)
		written += uint64(len(lib)) + 1
	}
	w.pad(sec.Align)
	return written
}

func (w *BinaryWriter) writeStringSection() uint64 {
	sec := Section{
		Align: pad16(w.strtab.Size()),
		Entry: w.header.Str,
		Size:  uint32(w.strtab.Size()),
	}
	w.putSection(&sec)

	var written uint64
	for _, name := range w.strtab.Ordered() {
		w.out.WriteString(name)
		w.out.WriteByte(0)
		written += uint64(len(name)) + 1
	}
	w.pad(sec.Align)
	return written
}
