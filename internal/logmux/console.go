package logmux

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/term"

	"github.com/Paintersrp/launchpad/internal/cliutil"
	"github.com/Paintersrp/launchpad/internal/runtime"
)

var palette = []string{"36", "33", "32", "35", "34", "96", "93", "92", "95", "94"}

// Console echoes output as "[task]  line". Stderr lines go to the error
// writer.
type Console struct {
	stdout io.Writer
	stderr io.Writer
	color  bool
	json   bool

	mu     sync.Mutex
	colors map[string]string
}

// ConsoleOption configures a Console.
type ConsoleOption func(*Console)

// WithColor forces task prefix colouring on or off.
func WithColor(enabled bool) ConsoleOption {
	return func(c *Console) {
		c.color = enabled
	}
}

// WithJSON switches the console to one JSON record per line.
func WithJSON() ConsoleOption {
	return func(c *Console) {
		c.json = true
	}
}

// NewConsole writes to stdout and stderr. Colour defaults to on when stdout
// is a terminal.
func NewConsole(stdout, stderr io.Writer, opts ...ConsoleOption) *Console {
	if stderr == nil {
		stderr = stdout
	}
	c := &Console{
		stdout: stdout,
		stderr: stderr,
		color:  IsTerminal(stdout),
		colors: make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

// Write echoes one line.
func (c *Console) Write(line Line) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.stdout
	if line.Source == runtime.LogSourceStderr {
		out = c.stderr
	}
	if c.json {
		cliutil.EncodeLogRecord(json.NewEncoder(out), nil, cliutil.NewLogRecord(line.Timestamp, line.Task, line.Source, line.Text))
		return nil
	}
	_, err := fmt.Fprintf(out, "%s  %s\n", c.prefix(line.Task), line.Text)
	return err
}

// Run echoes lines until the channel is closed.
func (c *Console) Run(lines <-chan Line) {
	for line := range lines {
		if err := c.Write(line); err != nil {
			return
		}
	}
}

func (c *Console) prefix(task string) string {
	label := "[" + task + "]"
	if !c.color {
		return label
	}
	code, ok := c.colors[task]
	if !ok {
		code = palette[len(c.colors)%len(palette)]
		c.colors[task] = code
	}
	return "\x1b[" + code + "m" + label + "\x1b[0m"
}
