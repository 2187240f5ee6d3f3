package tvm

import "github.com/pkg/errors"

// Every assembly failure is fatal for the current invocation. Call sites
// wrap these with the offending identifier so the driver can report a
// single line per error while errors.Is still matches the kind.
var (
	ErrDuplicateLabel  = errors.New("duplicate label")
	ErrDuplicateData   = errors.New("duplicate data declaration")
	ErrDuplicateSymbol = errors.New("duplicate symbol")
	ErrLibraryLoad     = errors.New("failed to load library")
	ErrMissingInit     = errors.New("missing library entry point")
	ErrInitFailed      = errors.New("library initialization failed")
	ErrUnresolved      = errors.New("unresolved symbol")
	ErrEmptyCode       = errors.New("no instructions to write")
	ErrNoMain          = errors.New("no main entry point")
	ErrMalformedImage  = errors.New("malformed image")
)
