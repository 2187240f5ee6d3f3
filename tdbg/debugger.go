package tdbg

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/CharlesCarley/ToyVM/tvm"
)

// Debugger single-steps a loaded program, showing the instruction
// listing, the register file and the program's output.
//
// Commands: n/space step, r run to breakpoint or exit, b toggle a
// breakpoint on the current instruction, q quit.
type Debugger struct {
	prog   *tvm.Program
	con    Console
	breaks map[uint64]struct{}
	output bytes.Buffer
	status string
}

// NewDebugger wraps prog with the default console back-end.
func NewDebugger(prog *tvm.Program) *Debugger {
	return &Debugger{
		prog:   prog,
		con:    New(),
		breaks: make(map[uint64]struct{}),
	}
}

// Run drives the debugger until the user quits or the program ends.
func (d *Debugger) Run() error {
	if err := d.con.Create(); err != nil {
		return err
	}
	defer d.con.Close()

	d.prog.SetStdout(&d.output)
	d.status = "n: step  r: run  b: breakpoint  q: quit"

	for {
		d.draw()

		cmd, err := d.con.NextCommand()
		if err != nil || cmd == CmdQuit {
			return nil
		}

		switch cmd {
		case CmdStep:
			if err := d.step(); err != nil {
				d.status = err.Error()
			}
		case CmdRun:
			if err := d.runToBreak(); err != nil {
				d.status = err.Error()
			}
		case CmdBreak:
			d.toggleBreak(d.prog.PC())
		}

		if d.prog.Finished() {
			d.status = "program finished (q to quit)"
		}
	}
}

func (d *Debugger) step() error {
	_, err := d.prog.Step()
	d.prog.FlushOutput()
	return err
}

func (d *Debugger) runToBreak() error {
	for {
		done, err := d.prog.Step()
		d.prog.FlushOutput()
		if err != nil || done {
			return err
		}
		if _, ok := d.breaks[d.prog.PC()]; ok {
			d.status = fmt.Sprintf("breakpoint at %d", d.prog.PC())
			return nil
		}
	}
}

func (d *Debugger) toggleBreak(pc uint64) {
	if _, ok := d.breaks[pc]; ok {
		delete(d.breaks, pc)
		d.status = fmt.Sprintf("breakpoint removed at %d", pc)
	} else {
		d.breaks[pc] = struct{}{}
		d.status = fmt.Sprintf("breakpoint set at %d", pc)
	}
}

func (d *Debugger) drawLineHorz(st, en, y int) {
	for x := st; x < en; x++ {
		d.con.WriteChar('-', x, y, ColorGrey)
	}
}

func (d *Debugger) drawLineVert(st, en, x int) {
	for y := st; y < en; y++ {
		d.con.WriteChar('|', x, y, ColorGrey)
	}
}

func (d *Debugger) draw() {
	w, h := d.con.Size()
	d.con.Clear()

	split := w - 26
	if split < 20 {
		split = 20
	}
	outTop := h - 8

	d.drawLineHorz(0, w, 0)
	d.con.WriteString(" tdbg ", 2, 0, ColorWhite)
	d.drawLineVert(1, outTop, split)
	d.drawLineHorz(0, w, outTop)
	d.con.WriteString(" output ", 2, outTop, ColorWhite)
	d.drawLineHorz(0, w, h-2)

	d.drawCode(1, split-1, outTop)
	d.drawRegisters(split+2, 1)
	d.drawOutput(1, outTop+1, h-2)

	d.con.WriteString(d.status, 1, h-1, ColorYellow)
	d.con.Flush()
}

func (d *Debugger) drawCode(x, wmax, hmax int) {
	code := d.prog.Code()
	pc := d.prog.PC()
	rows := hmax - 2

	// keep the current instruction inside the visible window
	first := 0
	if int(pc) > rows/2 {
		first = int(pc) - rows/2
	}

	for row := 0; row < rows && first+row < len(code); row++ {
		idx := uint64(first + row)
		color := ColorGrey
		marker := "  "

		if _, ok := d.breaks[idx]; ok {
			marker = " *"
			color = ColorRed
		}
		if idx == pc {
			marker = " >"
			color = ColorGreen
		}

		line := fmt.Sprintf("%s%4d  %s", marker, idx, code[idx].String())
		if len(line) > wmax-x {
			line = line[:wmax-x]
		}
		d.con.WriteString(line, x, row+1, color)
	}
}

func (d *Debugger) drawRegisters(x, y int) {
	rf := d.prog.Registers()
	for i := 0; i < tvm.MaxRegisters; i++ {
		color := ColorGrey
		if rf.Reg(i).X() != 0 {
			color = ColorCyan
		}
		d.con.WriteString(fmt.Sprintf("x%d %016x", i, rf.Reg(i).X()), x, y+i, color)
	}

	flags := rf.Flags()
	d.con.WriteString(fmt.Sprintf("flags %c%c%c",
		flagChar(flags, tvm.PFE, 'E'),
		flagChar(flags, tvm.PFG, 'G'),
		flagChar(flags, tvm.PFL, 'L')),
		x, y+tvm.MaxRegisters+1, ColorYellow)
}

func flagChar(flags, bit uint8, ch byte) byte {
	if flags&bit != 0 {
		return ch
	}
	return '-'
}

func (d *Debugger) drawOutput(x, top, bottom int) {
	lines := strings.Split(strings.TrimRight(d.output.String(), "\n"), "\n")
	rows := bottom - top
	if len(lines) > rows {
		lines = lines[len(lines)-rows:]
	}
	for i, line := range lines {
		d.con.WriteString(line, x, top+i, ColorDefault)
	}
}
