package tvm

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
)

// Register is a 64 bit store accessed through explicit 1, 2, 4 and 8 byte
// views. View i addresses the i-th little endian slice of that width.
type Register uint64

func (r Register) B(i int) uint8  { return uint8(r >> (8 * uint(i&7))) }
func (r Register) W(i int) uint16 { return uint16(r >> (16 * uint(i&3))) }
func (r Register) L(i int) uint32 { return uint32(r >> (32 * uint(i&1))) }
func (r Register) X() uint64      { return uint64(r) }

func (r *Register) SetB(i int, v uint8) {
	shift := 8 * uint(i&7)
	*r = Register(uint64(*r)&^(uint64(0xFF)<<shift) | uint64(v)<<shift)
}

func (r *Register) SetW(i int, v uint16) {
	shift := 16 * uint(i&3)
	*r = Register(uint64(*r)&^(uint64(0xFFFF)<<shift) | uint64(v)<<shift)
}

func (r *Register) SetL(i int, v uint32) {
	shift := 32 * uint(i&1)
	*r = Register(uint64(*r)&^(uint64(0xFFFFFFFF)<<shift) | uint64(v)<<shift)
}

func (r *Register) SetX(v uint64) { *r = Register(v) }

// RegisterFile is what library callbacks receive. Besides the registers it
// carries the loaded data segment and the program's standard streams, so
// routines like puts can reach memory and the console.
type RegisterFile struct {
	reg   [MaxRegisters]Register
	flags uint8

	data   []byte
	stdout *bufio.Writer
	stdin  *bufio.Reader
}

// Reg returns the i-th register. Out of range indices fault.
func (rf *RegisterFile) Reg(i int) *Register {
	return &rf.reg[i]
}

// Data returns the loaded data segment.
func (rf *RegisterFile) Data() []byte {
	return rf.data
}

// CString reads the NUL terminated string starting at off in the data
// segment.
func (rf *RegisterFile) CString(off uint64) string {
	if off >= uint64(len(rf.data)) {
		return ""
	}
	end := off
	for end < uint64(len(rf.data)) && rf.data[end] != 0 {
		end++
	}
	return string(rf.data[off:end])
}

func (rf *RegisterFile) Stdout() io.Writer    { return rf.stdout }
func (rf *RegisterFile) Stdin() *bufio.Reader { return rf.stdin }

// Flags returns the current E/G/L compare flags.
func (rf *RegisterFile) Flags() uint8 { return rf.flags }

// ExecInstruction is the decoded, bound form of one instruction. Call is
// non-nil only for SYMU references.
type ExecInstruction struct {
	Op    Opcode
	Flags uint16
	Argc  uint8
	Argv  [MaxArgs]uint64
	Index uint8
	Call  Symbol
}

// String renders the instruction roughly as it was written.
func (e ExecInstruction) String() string {
	s := e.Op.String()
	regFlags := [MaxArgs]uint16{IFReg0, IFReg1, IFReg2}
	for i := 0; i < int(e.Argc); i++ {
		sep := ", "
		if i == 0 {
			sep = " "
		}
		if e.Flags&regFlags[i] != 0 {
			s += fmt.Sprintf("%sx%d", sep, e.Argv[i])
		} else {
			s += fmt.Sprintf("%s%d", sep, e.Argv[i])
		}
	}
	return s
}

var (
	errProgramFinished    = errors.New("ran out of instructions")
	errDivisionByZero     = errors.New("division by zero")
	errUnknownInstruction = errors.New("instruction not recognized")
	errIllegalOperation   = errors.New("illegal operation at instruction")
	errUnboundSymbol      = errors.New("unbound library symbol")
)

// Program is a loaded image ready to execute.
type Program struct {
	header  Header
	code    []ExecInstruction
	entry   uint32
	strings []byte
	libs    []string

	rf    RegisterFile
	pc    uint64
	stack []uint64
	done  bool
}

// LoadProgram reads and decodes an image file, binding SYMU references
// against the libraries named in its symbol section.
func LoadProgram(fname, modpath string) (*Program, error) {
	r, err := NewBlockReader(fname)
	if err != nil {
		return nil, err
	}
	return loadProgram(r, modpath)
}

// LoadProgramBytes decodes an in-memory image.
func LoadProgramBytes(image []byte, modpath string) (*Program, error) {
	return loadProgram(NewBlockReaderBytes(image), modpath)
}

func loadProgram(r *BlockReader, modpath string) (*Program, error) {
	p := &Program{}
	p.rf.stdout = bufio.NewWriter(os.Stdout)
	p.rf.stdin = bufio.NewReader(os.Stdin)

	if r.Size() < HeaderSize+SectionSize {
		return nil, errors.Wrap(ErrMalformedImage, "file too small")
	}
	if r.Next() != 'T' || r.Next() != 'V' {
		return nil, errors.Wrap(ErrMalformedImage, "bad magic")
	}
	p.header.Magic = [2]byte{'T', 'V'}
	p.header.Flags = r.Read16()
	p.header.Dat = r.Read32()
	p.header.Str = r.Read32()
	p.header.Sym = r.Read32()

	if err := p.readCodeSection(r); err != nil {
		return nil, err
	}

	if p.header.Dat != 0 {
		payload, err := readSectionPayload(r, int(p.header.Dat))
		if err != nil {
			return nil, err
		}
		p.rf.data = payload
	}
	if p.header.Str != 0 {
		payload, err := readSectionPayload(r, int(p.header.Str))
		if err != nil {
			return nil, err
		}
		p.strings = payload
	}
	if p.header.Sym != 0 {
		payload, err := readSectionPayload(r, int(p.header.Sym))
		if err != nil {
			return nil, err
		}
		p.libs = splitCStrings(payload)
	}

	if err := p.bindSymbols(modpath); err != nil {
		return nil, err
	}

	p.Reset()
	return p, nil
}

func readSectionPayload(r *BlockReader, offset int) ([]byte, error) {
	r.MoveTo(offset)
	var sec Section
	sec.Flags = r.Read16()
	sec.Align = r.Read16()
	sec.Entry = r.Read32()
	sec.Size = r.Read32()
	sec.Start = r.Read32()

	if r.Tell()+int(sec.Size) > r.Size() {
		return nil, errors.Wrap(ErrMalformedImage, "section payload out of bounds")
	}
	payload := make([]byte, sec.Size)
	r.Read(payload)
	return payload, nil
}

func (p *Program) readCodeSection(r *BlockReader) error {
	r.MoveTo(HeaderSize)
	var sec Section
	sec.Flags = r.Read16()
	sec.Align = r.Read16()
	sec.Entry = r.Read32()
	sec.Size = r.Read32()
	sec.Start = r.Read32()

	if sec.Size == 0 {
		return errors.Wrap(ErrMalformedImage, "empty code section")
	}
	if r.Tell()+int(sec.Size) > r.Size() {
		return errors.Wrap(ErrMalformedImage, "code payload out of bounds")
	}
	p.entry = sec.Entry

	end := r.Tell() + int(sec.Size)
	for r.Tell() < end {
		ins, err := decodeInstruction(r)
		if err != nil {
			return err
		}
		p.code = append(p.code, ins)
	}
	if r.Tell() != end {
		return errors.Wrap(ErrMalformedImage, "instruction stream overruns its section")
	}
	if int(p.entry) >= len(p.code) {
		return errors.Wrap(ErrMalformedImage, "entry index out of bounds")
	}
	return nil
}

// decodeInstruction is the exact inverse of the writer's instruction
// encoding; argument values are zero extended to 64 bits.
func decodeInstruction(r *BlockReader) (ExecInstruction, error) {
	var ins ExecInstruction
	ins.Op = Opcode(r.Next())
	ins.Argc = r.Next()
	ins.Flags = r.Read16()
	sizes := r.Read16()

	if ins.Argc > MaxArgs {
		return ins, errors.Wrapf(ErrMalformedImage, "instruction with %d arguments", ins.Argc)
	}
	if ins.Flags&IFRidx != 0 {
		ins.Index = r.Next()
	}

	for i := 0; i < int(ins.Argc); i++ {
		switch {
		case sizes&SizeFlags[i][0] != 0:
			ins.Argv[i] = uint64(r.Next())
		case sizes&SizeFlags[i][1] != 0:
			ins.Argv[i] = uint64(r.Read16())
		case sizes&SizeFlags[i][2] != 0:
			ins.Argv[i] = uint64(r.Read32())
		default:
			ins.Argv[i] = r.Read64()
		}
	}

	regFlags := [MaxArgs]uint16{IFReg0, IFReg1, IFReg2}
	for i := 0; i < int(ins.Argc); i++ {
		if ins.Flags&regFlags[i] != 0 && ins.Argv[i] >= MaxRegisters {
			return ins, errors.Wrapf(ErrMalformedImage, "register x%d out of range", ins.Argv[i])
		}
	}
	return ins, nil
}

// bindSymbols loads the linked libraries and attaches callbacks to every
// SYMU instruction. The argument of such an instruction is the byte offset
// of the symbol's name in the string section.
func (p *Program) bindSymbols(modpath string) error {
	needed := false
	for i := range p.code {
		if p.code[i].Flags&IFSymU != 0 {
			needed = true
			break
		}
	}
	if !needed {
		return nil
	}

	symbols, err := loadSymbolMap(modpath, p.libs)
	if err != nil {
		return err
	}

	for i := range p.code {
		ins := &p.code[i]
		if ins.Flags&IFSymU == 0 {
			continue
		}
		name := cStringAt(p.strings, ins.Argv[0])
		if name == "" {
			return errors.Wrapf(ErrMalformedImage, "symbol offset %d outside string section", ins.Argv[0])
		}
		call, ok := symbols[name]
		if !ok {
			return errors.Wrapf(ErrUnresolved, "'%s' not exported by any linked library", name)
		}
		ins.Call = call
	}
	return nil
}

func cStringAt(b []byte, off uint64) string {
	if off >= uint64(len(b)) {
		return ""
	}
	end := off
	for end < uint64(len(b)) && b[end] != 0 {
		end++
	}
	return string(b[off:end])
}

func splitCStrings(b []byte) []string {
	var out []string
	start := 0
	for i, c := range b {
		if c == 0 {
			if i > start {
				out = append(out, string(b[start:i]))
			}
			start = i + 1
		}
	}
	return out
}

// SetStdout redirects the program's output stream.
func (p *Program) SetStdout(w io.Writer) {
	p.rf.stdout = bufio.NewWriter(w)
}

// FlushOutput forces buffered program output through to the sink behind
// SetStdout. The debugger calls this after every step.
func (p *Program) FlushOutput() {
	p.rf.stdout.Flush()
}

// SetStdin redirects the program's input stream.
func (p *Program) SetStdin(r io.Reader) {
	p.rf.stdin = bufio.NewReader(r)
}

// Reset rewinds execution to the entry point and clears machine state.
func (p *Program) Reset() {
	p.pc = uint64(p.entry)
	p.stack = p.stack[:0]
	p.rf.reg = [MaxRegisters]Register{}
	p.rf.flags = 0
	p.done = false
}

func (p *Program) PC() uint64               { return p.pc }
func (p *Program) Entry() uint32            { return p.entry }
func (p *Program) Code() []ExecInstruction  { return p.code }
func (p *Program) Registers() *RegisterFile { return &p.rf }
func (p *Program) Libraries() []string      { return p.libs }
func (p *Program) Finished() bool           { return p.done }

// Step executes one instruction. It reports done=true when the program
// halted normally.
func (p *Program) Step() (bool, error) {
	if p.done {
		return true, nil
	}
	if p.pc >= uint64(len(p.code)) {
		p.done = true
		return true, nil
	}

	ins := &p.code[p.pc]
	p.pc++

	if err := p.exec(ins); err != nil {
		if errors.Is(err, errProgramFinished) {
			p.done = true
			return true, nil
		}
		return true, err
	}
	return p.done, nil
}

// Run executes until the program halts or faults.
func (p *Program) Run() error {
	defer p.rf.stdout.Flush()
	for {
		done, err := p.Step()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// operand returns the value of an argument slot, reading through the
// register file when the slot carries a register selector.
func (p *Program) operand(ins *ExecInstruction, slot int) uint64 {
	regFlags := [MaxArgs]uint16{IFReg0, IFReg1, IFReg2}
	if ins.Flags&regFlags[slot] != 0 {
		return p.rf.reg[ins.Argv[slot]].X()
	}
	return ins.Argv[slot]
}

// dest returns the destination register of an instruction whose first
// operand must be a register.
func (p *Program) dest(ins *ExecInstruction) (*Register, error) {
	if ins.Flags&IFReg0 == 0 {
		return nil, errors.Wrapf(errIllegalOperation, "%s needs a register destination", ins.Op)
	}
	return &p.rf.reg[ins.Argv[0]], nil
}

func (p *Program) exec(ins *ExecInstruction) error {
	switch ins.Op {
	case OpRet:
		if len(p.stack) == 0 {
			return errProgramFinished
		}
		p.pc = p.stack[len(p.stack)-1]
		p.stack = p.stack[:len(p.stack)-1]

	case OpMov:
		dst, err := p.dest(ins)
		if err != nil {
			return err
		}
		dst.SetX(p.operand(ins, 1))

	case OpGto:
		if ins.Flags&IFSymU != 0 {
			if ins.Call == nil {
				return errors.Wrap(errUnboundSymbol, "call target")
			}
			ins.Call(&p.rf)
			return nil
		}
		p.stack = append(p.stack, p.pc)
		p.pc = ins.Argv[0]

	case OpInc:
		dst, err := p.dest(ins)
		if err != nil {
			return err
		}
		dst.SetX(dst.X() + 1)

	case OpDec:
		dst, err := p.dest(ins)
		if err != nil {
			return err
		}
		dst.SetX(dst.X() - 1)

	case OpCmp:
		a := int64(p.operand(ins, 0))
		b := int64(p.operand(ins, 1))
		p.rf.flags = 0
		switch {
		case a == b:
			p.rf.flags |= PFE
		case a > b:
			p.rf.flags |= PFG
		default:
			p.rf.flags |= PFL
		}

	case OpJmp:
		p.pc = ins.Argv[0]
	case OpJeq:
		p.jumpIf(ins, p.rf.flags&PFE != 0)
	case OpJne:
		p.jumpIf(ins, p.rf.flags&PFE == 0)
	case OpJlt:
		p.jumpIf(ins, p.rf.flags&PFL != 0)
	case OpJgt:
		p.jumpIf(ins, p.rf.flags&PFG != 0)
	case OpJle:
		p.jumpIf(ins, p.rf.flags&(PFL|PFE) != 0)
	case OpJge:
		p.jumpIf(ins, p.rf.flags&(PFG|PFE) != 0)

	case OpAdd, OpSub, OpMul, OpDiv, OpShr, OpShl:
		dst, err := p.dest(ins)
		if err != nil {
			return err
		}
		src := p.operand(ins, 1)
		switch ins.Op {
		case OpAdd:
			dst.SetX(dst.X() + src)
		case OpSub:
			dst.SetX(dst.X() - src)
		case OpMul:
			dst.SetX(dst.X() * src)
		case OpDiv:
			if src == 0 {
				return errDivisionByZero
			}
			dst.SetX(dst.X() / src)
		case OpShr:
			dst.SetX(dst.X() >> (src & 63))
		case OpShl:
			dst.SetX(dst.X() << (src & 63))
		}

	case OpPrg:
		fmt.Fprintf(p.rf.stdout, "0x%016x (%d)\n", p.operand(ins, 0), p.operand(ins, 0))
	case OpPri:
		for i := 0; i < MaxRegisters; i++ {
			fmt.Fprintf(p.rf.stdout, "x%d: 0x%016x (%d)\n", i, p.rf.reg[i].X(), p.rf.reg[i].X())
		}

	default:
		return errors.Wrapf(errUnknownInstruction, "opcode 0x%02x", uint8(ins.Op))
	}
	return nil
}

func (p *Program) jumpIf(ins *ExecInstruction, cond bool) {
	if cond {
		p.pc = ins.Argv[0]
	}
}
