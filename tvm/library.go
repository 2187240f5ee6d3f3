package tvm

import (
	"path/filepath"
	"plugin"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/xyproto/env/v2"
)

// DefaultModulePath returns the shared-library search path, taken from
// TVM_MODULE_PATH when set.
func DefaultModulePath() string {
	return env.Str("TVM_MODULE_PATH", ".")
}

// openLibrary resolves lib against modpath, loads it and invokes its Init
// entry point to obtain the exported symbol table.
//
// A library is a Go plugin whose main package exports
//
//	func Init() tvm.SymbolTable
//
// Go plugins stay mapped for the life of the process; there is no handle to
// close. The assembler keeps only the exported names, the runtime keeps the
// callbacks.
func openLibrary(modpath, lib string) (SymbolTable, error) {
	path := filepath.Join(modpath, lib+".so")
	log.Debugf("loading library %s", path)

	pl, err := plugin.Open(path)
	if err != nil {
		return nil, errors.Wrapf(ErrLibraryLoad, "'%s': %v", lib, err)
	}

	sym, err := pl.Lookup("Init")
	if err != nil {
		return nil, errors.Wrapf(ErrMissingInit, "'Init' not found in %s", path)
	}

	initFn, ok := sym.(func() SymbolTable)
	if !ok {
		return nil, errors.Wrapf(ErrMissingInit, "'Init' in %s has the wrong signature", path)
	}

	table := initFn()
	if table == nil {
		return nil, errors.Wrapf(ErrInitFailed, "symbol initialization failed in %s", path)
	}
	return table, nil
}

// loadSymbolMap loads every library in libs and merges their exported
// callbacks into one name -> callback map. The runtime uses this to bind
// SYMU references when a program is loaded.
func loadSymbolMap(modpath string, libs []string) (map[string]Symbol, error) {
	symbols := make(map[string]Symbol)
	for _, lib := range libs {
		table, err := openLibrary(modpath, lib)
		if err != nil {
			return nil, err
		}
		for _, entry := range table {
			if entry.Name == "" {
				continue
			}
			if _, ok := symbols[entry.Name]; ok {
				return nil, errors.Wrapf(ErrDuplicateSymbol,
					"'%s' found in library %s", entry.Name, lib)
			}
			symbols[entry.Name] = entry.Call
		}
	}
	return symbols, nil
}
