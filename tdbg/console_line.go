package tdbg

import (
	"bufio"
	"os"
	"strings"
)

// lineConsole is the portable fallback. It repaints the whole back buffer
// on every flush and reads one command per line in cooked mode.
type lineConsole struct {
	screen
	out *bufio.Writer
	in  *bufio.Reader
}

func newLineConsole() Console {
	return &lineConsole{}
}

func (c *lineConsole) Create() error {
	c.out = bufio.NewWriter(os.Stdout)
	c.in = bufio.NewReader(os.Stdin)
	c.resize(80, 24)
	return nil
}

func (c *lineConsole) Close() {
	c.out.Flush()
}

func (c *lineConsole) Flush() {
	for y := 0; y < c.h; y++ {
		line := strings.TrimRight(string(c.cells[y*c.w:(y+1)*c.w]), " ")
		c.out.WriteString(line)
		c.out.WriteByte('\n')
	}
	c.out.Flush()
}

func (c *lineConsole) SetCursor(x, y int) {}
func (c *lineConsole) ShowCursor(on bool) {}

func (c *lineConsole) NextCommand() (Command, error) {
	for {
		c.out.WriteString("-> ")
		c.out.Flush()

		line, err := c.in.ReadString('\n')
		if err != nil {
			return CmdQuit, err
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "n", "next", "":
			return CmdStep, nil
		case "r", "run":
			return CmdRun, nil
		case "b", "break":
			return CmdBreak, nil
		case "q", "quit", "exit":
			return CmdQuit, nil
		}
	}
}
