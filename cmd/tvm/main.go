// tvm loads and executes a ToyVM image.
package main

import (
	"flag"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/CharlesCarley/ToyVM/tvm"
)

func main() {
	modpath := flag.String("m", tvm.DefaultModulePath(), "shared library search path")
	flag.Parse()

	log.SetFormatter(&log.TextFormatter{DisableTimestamp: true})

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: tvm [-m modpath] <image>")
		os.Exit(1)
	}

	prog, err := tvm.LoadProgram(flag.Arg(0), *modpath)
	if err != nil {
		log.Fatal(err)
	}
	if err := prog.Run(); err != nil {
		log.Fatal(err)
	}
}
