// tcom assembles one or more source files into a ToyVM image.
package main

import (
	"flag"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/CharlesCarley/ToyVM/tvm"
)

func main() {
	output := flag.String("o", "a.tv", "output image file")
	modpath := flag.String("m", tvm.DefaultModulePath(), "shared library search path")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	log.SetFormatter(&log.TextFormatter{DisableTimestamp: true})
	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	files := flag.Args()
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "usage: tcom [-o out.tv] [-m modpath] <file 1> [file 2] ... [file N]")
		os.Exit(1)
	}

	if err := tvm.Assemble(*output, *modpath, files...); err != nil {
		log.Fatal(err)
	}
}
