//go:build linux

package tdbg

import (
	"bufio"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

func newPlatformConsole() Console {
	return &ansiConsole{}
}

// ansiConsole draws with ANSI escape sequences and reads single-key
// commands with the terminal in raw mode.
type ansiConsole struct {
	screen
	fd    int
	saved *unix.Termios
	out   *bufio.Writer
	in    *bufio.Reader
}

var ansiColors = map[Color]string{
	ColorDefault: "0",
	ColorWhite:   "97",
	ColorGrey:    "90",
	ColorGreen:   "92",
	ColorRed:     "91",
	ColorYellow:  "93",
	ColorCyan:    "96",
}

func (c *ansiConsole) Create() error {
	c.fd = int(os.Stdin.Fd())
	c.out = bufio.NewWriter(os.Stdout)
	c.in = bufio.NewReader(os.Stdin)

	ws, err := unix.IoctlGetWinsize(int(os.Stdout.Fd()), unix.TIOCGWINSZ)
	if err != nil {
		return err
	}
	c.resize(int(ws.Col), int(ws.Row))

	saved, err := unix.IoctlGetTermios(c.fd, unix.TCGETS)
	if err != nil {
		return err
	}
	c.saved = saved

	raw := *saved
	raw.Lflag &^= unix.ICANON | unix.ECHO
	raw.Cc[unix.VMIN] = 1
	raw.Cc[unix.VTIME] = 0
	if err := unix.IoctlSetTermios(c.fd, unix.TCSETS, &raw); err != nil {
		return err
	}

	c.out.WriteString("\x1b[2J")
	c.ShowCursor(false)
	return nil
}

func (c *ansiConsole) Close() {
	if c.saved != nil {
		unix.IoctlSetTermios(c.fd, unix.TCSETS, c.saved)
	}
	c.ShowCursor(true)
	c.out.WriteString("\x1b[0m\n")
	c.out.Flush()
}

func (c *ansiConsole) Flush() {
	c.out.WriteString("\x1b[H")

	current := ColorDefault
	c.out.WriteString("\x1b[0m")
	for y := 0; y < c.h; y++ {
		for x := 0; x < c.w; x++ {
			i := y*c.w + x
			if c.colors[i] != current {
				current = c.colors[i]
				fmt.Fprintf(c.out, "\x1b[%sm", ansiColors[current])
			}
			c.out.WriteByte(c.cells[i])
		}
		if y < c.h-1 {
			c.out.WriteString("\r\n")
		}
	}
	c.out.Flush()
}

func (c *ansiConsole) SetCursor(x, y int) {
	fmt.Fprintf(c.out, "\x1b[%d;%dH", y+1, x+1)
}

func (c *ansiConsole) ShowCursor(on bool) {
	if on {
		c.out.WriteString("\x1b[?25h")
	} else {
		c.out.WriteString("\x1b[?25l")
	}
}

func (c *ansiConsole) NextCommand() (Command, error) {
	for {
		ch, err := c.in.ReadByte()
		if err != nil {
			return CmdQuit, err
		}
		switch ch {
		case 'n', ' ':
			return CmdStep, nil
		case 'r':
			return CmdRun, nil
		case 'b':
			return CmdBreak, nil
		case 'q', 0x03: // ^C
			return CmdQuit, nil
		}
	}
}
