// The std library plug-in. Build with
//
//	go build -buildmode=plugin -o std.so ./stdlib
//
// and place std.so on the module search path. Programs link against it
// with a '.lib std' declaration.
package main

import (
	"fmt"

	"github.com/CharlesCarley/ToyVM/tvm"
)

func putchar(rf *tvm.RegisterFile) {
	if ch := rf.Reg(0).B(0); ch != 0 {
		fmt.Fprintf(rf.Stdout(), "%c", ch)
	}
}

func puts(rf *tvm.RegisterFile) {
	if ptr := rf.Reg(0).X(); ptr < uint64(len(rf.Data())) {
		fmt.Fprintln(rf.Stdout(), rf.CString(ptr))
	}
}

func getchar(rf *tvm.RegisterFile) {
	ch, err := rf.Stdin().ReadByte()
	if err != nil {
		ch = 0
	}
	rf.Reg(0).SetX(uint64(ch))
}

var stdlib = tvm.SymbolTable{
	{Name: "putchar", Call: putchar},
	{Name: "puts", Call: puts},
	{Name: "getchar", Call: getchar},
}

// Init is the entry point the assembler and runtime look up.
func Init() tvm.SymbolTable {
	return stdlib
}

func main() {}
