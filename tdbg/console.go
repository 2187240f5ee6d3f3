// Package tdbg implements the terminal debugger for ToyVM images. Display
// goes through the Console capability set so that the drawing code stays
// independent of the terminal back-end.
package tdbg

import (
	"os"

	"github.com/xyproto/env/v2"
)

// Color selects a foreground color for a screen cell.
type Color uint8

const (
	ColorDefault Color = iota
	ColorWhite
	ColorGrey
	ColorGreen
	ColorRed
	ColorYellow
	ColorCyan
)

// Command is one debugger action read from the console.
type Command int

const (
	CmdNone Command = iota
	CmdStep
	CmdRun
	CmdBreak
	CmdQuit
)

// Console is the drawing and input surface the debugger runs on.
type Console interface {
	Create() error
	Close()

	Clear()
	Flush()
	Size() (w, h int)
	WriteChar(ch byte, x, y int, color Color)
	WriteString(s string, x, y int, color Color)
	SetCursor(x, y int)
	ShowCursor(on bool)

	NextCommand() (Command, error)
}

// New picks a console back-end. The ANSI back-end is used on terminals
// that support it; TVM_COLORS=0 or a redirected stdout fall back to the
// plain line console.
func New() Console {
	if env.Str("TVM_COLORS", "1") == "0" {
		return newLineConsole()
	}
	fi, err := os.Stdout.Stat()
	if err != nil || fi.Mode()&os.ModeCharDevice == 0 {
		return newLineConsole()
	}
	return newPlatformConsole()
}

// screen is the cell back buffer shared by every console back-end.
type screen struct {
	w, h   int
	cells  []byte
	colors []Color
}

func (s *screen) resize(w, h int) {
	s.w, s.h = w, h
	s.cells = make([]byte, w*h)
	s.colors = make([]Color, w*h)
	s.Clear()
}

func (s *screen) Clear() {
	for i := range s.cells {
		s.cells[i] = ' '
		s.colors[i] = ColorDefault
	}
}

func (s *screen) Size() (int, int) {
	return s.w, s.h
}

func (s *screen) WriteChar(ch byte, x, y int, color Color) {
	if x < 0 || y < 0 || x >= s.w || y >= s.h {
		return
	}
	s.cells[y*s.w+x] = ch
	s.colors[y*s.w+x] = color
}

func (s *screen) WriteString(str string, x, y int, color Color) {
	for i := 0; i < len(str); i++ {
		s.WriteChar(str[i], x+i, y, color)
	}
}
