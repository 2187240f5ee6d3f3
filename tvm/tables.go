package tvm

// StringTable deduplicates referenced names and records, for each one, the
// byte offset of its first character in the eventually written string
// section. Insertion order is kept because those offsets are cumulative.
type StringTable struct {
	offsets map[string]uint64
	ordered []string
	size    uint64
}

// Add inserts name and returns its byte offset in the serialized payload.
// Inserting a name twice returns the offset assigned the first time.
func (st *StringTable) Add(name string) uint64 {
	if st.offsets == nil {
		st.offsets = make(map[string]uint64)
	}
	if off, ok := st.offsets[name]; ok {
		return off
	}

	off := st.size
	st.offsets[name] = off
	st.ordered = append(st.ordered, name)

	// account for the NUL terminator
	st.size += uint64(len(name)) + 1
	return off
}

// Size returns the serialized payload size including NUL terminators.
func (st *StringTable) Size() uint64 {
	return st.size
}

// Ordered returns the names in insertion order.
func (st *StringTable) Ordered() []string {
	return st.ordered
}

// DataTable accumulates data declarations into the data-section buffer and
// hands out the start address of each named entry.
type DataTable struct {
	addr map[string]uint64
	buf  ByteBuffer
}

// Add appends decl to the buffer and returns its start address. A name that
// was already inserted keeps its original address and nothing is appended.
func (dt *DataTable) Add(decl DataDeclaration) uint64 {
	if dt.addr == nil {
		dt.addr = make(map[string]uint64)
	}
	if addr, ok := dt.addr[decl.Lname]; ok {
		return addr
	}

	startAddr := uint64(dt.buf.Size())
	dt.addr[decl.Lname] = startAddr

	switch decl.Type {
	case DeclASCII:
		dt.buf.WriteString(decl.Sval)
	case DeclZero:
		dt.buf.Fill(int(decl.Ival), 0)
	default:
		dt.buf.Write64(decl.Ival)
	}
	return startAddr
}

// Size returns the current data payload size.
func (dt *DataTable) Size() uint64 {
	return uint64(dt.buf.Size())
}

// Bytes returns the accumulated data payload.
func (dt *DataTable) Bytes() []byte {
	return dt.buf.Bytes()
}
