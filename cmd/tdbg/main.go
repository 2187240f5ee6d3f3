// tdbg opens a ToyVM image in the terminal debugger.
package main

import (
	"flag"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/CharlesCarley/ToyVM/tdbg"
	"github.com/CharlesCarley/ToyVM/tvm"
)

func main() {
	modpath := flag.String("m", tvm.DefaultModulePath(), "shared library search path")
	flag.Parse()

	log.SetFormatter(&log.TextFormatter{DisableTimestamp: true})

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: tdbg [-m modpath] <image>")
		os.Exit(1)
	}

	prog, err := tvm.LoadProgram(flag.Arg(0), *modpath)
	if err != nil {
		log.Fatal(err)
	}
	if err := tdbg.NewDebugger(prog).Run(); err != nil {
		log.Fatal(err)
	}
}
