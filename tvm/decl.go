package tvm

/*
	ToyVM virtual architecture:
			- little endian
			- 10 registers (x0 through x9), each 64 bits wide
			- registers are accessed as overlapping 1, 2, 4 or 8 byte views
			- compare results are kept in three processor flags (E, G, L)
			- execution starts at the instruction index of the main label

	Image layout (all multi-byte fields little endian):

			header (16 bytes)
				0  2  magic "TV"
				2  2  flags
				4  4  data-section offset   (0 if absent)
				8  4  string-section offset (0 if absent)
				12 4  symbol-section offset (0 if absent)

			each present section is preceded by a 16 byte section header
				0  2  flags
				2  2  align (zero bytes following the payload)
				4  4  entry (code: entry instruction index, others: own offset)
				8  4  size  (payload size, not counting pad)
				12 4  start (code only: offset of the code section header)

			sections appear in the order code, data, symbol, string and each
			payload is padded with zeros to the next 16 byte boundary.

	Instruction encoding:

			op:u8, argc:u8, flags:u16, sizes:u16, [index:u8 when RIDX],
			then the first argc arguments at the width selected by sizes.

			The sizes word holds one bit triple per argument slot. For slot i
			the bits are {1<<(3i), 1<<(3i+1), 1<<(3i+2)} selecting a 1, 2 or
			4 byte argument. A slot with none of its bits set is 8 bytes.

	Current opcodes (<> means required, [] means optional)
			ret			  (return from call, or halt when the call stack is empty)
			mov  <dst>, <src> (dst = src; src may be a register, immediate or data address)
			call <target>	  (jump to a local label or invoke a linked library symbol)
			inc  <reg>		  (reg = reg + 1)
			dec  <reg>		  (reg = reg - 1)
			cmp  <a>, <b>	  (compare a and b, setting the E/G/L flags)
			jmp  <label>	  (unconditional jump)
			jeq, jne, jlt, jgt, jle, jge <label> (conditional jumps on E/G/L)
			add, sub, mul, div, shr, shl <reg>, <src> (reg = reg op src)
			prg  <reg>		  (print a single register)
			pri				  (print all registers)
*/

// Opcode identifies a single virtual instruction. The numeric values are
// part of the image format.
type Opcode uint8

const (
	OpBeg Opcode = iota // unused padding
	OpRet
	OpMov
	OpGto // call
	OpInc
	OpDec
	OpCmp
	OpJmp
	OpJeq
	OpJne
	OpJlt
	OpJgt
	OpJle
	OpJge
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpShr
	OpShl
	OpPrg
	OpPri
	OpMax
)

// Instruction flag word bits.
const (
	IFReg0 uint16 = 0x01 // argv[0] is a register selector
	IFReg1 uint16 = 0x02 // argv[1] is a register selector
	IFReg2 uint16 = 0x04 // argv[2] is a register selector
	IFAddr uint16 = 0x08 // argv[0] resolved to a code offset
	IFAdrd uint16 = 0x10 // a numeric argument resolved to a data offset
	IFSymU uint16 = 0x20 // argv[0] resolved to a linked symbol name
	IFRidx uint16 = 0x40 // the register-index byte is present
)

// Processor flag bits set by cmp.
const (
	PFE uint8 = 1 << 0
	PFG uint8 = 1 << 1
	PFL uint8 = 1 << 2
)

const (
	// MaxArgs is the number of argument slots carried per instruction.
	MaxArgs = 3

	// MaxRegisters is the number of registers in the register file.
	MaxRegisters = 10

	// HeaderSize is the serialized size of the image header.
	HeaderSize = 16

	// SectionSize is the serialized size of one section header.
	SectionSize = 16
)

// SizeFlags maps an argument slot and width choice to the bit recorded in
// the instruction's sizes word. Row = slot, column = 1, 2 or 4 bytes. The
// 8 byte width is the absence of all three bits.
var SizeFlags = [MaxArgs][3]uint16{
	{1 << 0, 1 << 1, 1 << 2},
	{1 << 3, 1 << 4, 1 << 5},
	{1 << 6, 1 << 7, 1 << 8},
}

// Instruction is the assembler's working form of one instruction. Only the
// first Argc argument slots are meaningful. Lname carries a referenced name
// until the resolver rewrites it into Argv and the flag word.
type Instruction struct {
	Op    Opcode
	Argc  uint8
	Flags uint16
	Sizes uint16
	Argv  [MaxArgs]uint64
	Index uint8 // register-index byte, written only when IFRidx is set

	// Label is the id of the labeled block this instruction belongs to.
	Label uint64

	// Lname is a referenced label, data or library symbol name that has not
	// been resolved yet.
	Lname string
}

// Header is the fixed image header. Code always begins immediately after it.
type Header struct {
	Magic [2]byte
	Flags uint16
	Dat   uint32
	Str   uint32
	Sym   uint32
}

// Section is the header preceding each present section payload.
type Section struct {
	Flags uint16
	Align uint16
	Entry uint32
	Size  uint32
	Start uint32
}

// Data declaration tags.
const (
	DeclASCII = iota // raw string bytes
	DeclZero         // Ival zero bytes
	DeclInt          // one 64 bit little endian integer
)

// DataDeclaration is a single named entry destined for the data section.
type DataDeclaration struct {
	Type  int
	Lname string
	Sval  string
	Ival  uint64
}

type (
	Instructions    = []Instruction
	LabelMap        = map[string]uint64
	IndexToPosition = map[uint64]uint64
	DataLookup      = map[string]DataDeclaration
	StringLookup    = map[string]string
)

// Symbol is a callback exported by a shared library. It receives the
// register file of the running program.
type Symbol func(rf *RegisterFile)

// SymbolEntry pairs an exported name with its callback.
type SymbolEntry struct {
	Name string
	Call Symbol
}

// SymbolTable is the table returned by a library's Init function.
type SymbolTable []SymbolEntry

// ModuleInit is the signature every shared library must export as Init.
type ModuleInit func() SymbolTable

var (
	// Maps from mnemonic -> opcode and argument count
	keywordMap = map[string]struct {
		op   Opcode
		argc int
	}{
		"ret":  {OpRet, 0},
		"mov":  {OpMov, 2},
		"call": {OpGto, 1},
		"inc":  {OpInc, 1},
		"dec":  {OpDec, 1},
		"cmp":  {OpCmp, 2},
		"jmp":  {OpJmp, 1},
		"jeq":  {OpJeq, 1},
		"jne":  {OpJne, 1},
		"jlt":  {OpJlt, 1},
		"jgt":  {OpJgt, 1},
		"jle":  {OpJle, 1},
		"jge":  {OpJge, 1},
		"add":  {OpAdd, 2},
		"sub":  {OpSub, 2},
		"mul":  {OpMul, 2},
		"div":  {OpDiv, 2},
		"shr":  {OpShr, 2},
		"shl":  {OpShl, 2},
		"prg":  {OpPrg, 1},
		"pri":  {OpPri, 0},
	}

	// Maps from opcode -> mnemonic (built from keywordMap)
	opToStrMap map[Opcode]string
)

// String converts an opcode to its mnemonic for use with Print/Sprint.
func (op Opcode) String() string {
	str, ok := opToStrMap[op]
	if !ok {
		str = "?unknown?"
	}
	return str
}

// This is called when package is first loaded (before main)
func init() {
	// Build opcode -> mnemonic map using the existing keyword map
	opToStrMap = make(map[Opcode]string, len(keywordMap))
	for s, k := range keywordMap {
		opToStrMap[k.op] = s
	}
}
