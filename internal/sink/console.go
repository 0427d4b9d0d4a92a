package sink

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/mattn/go-runewidth"
	"golang.org/x/term"

	"github.com/loomrun/loom/internal/models"
)

const (
	defaultBoxWidth = 80
	minBoxWidth     = 40
	maxBoxWidth     = 120
)

// Console renders each subtask as a boxed pane on a single writer.
// Chunks are buffered per subtask while it runs; the full pane is
// flushed when the subtask reaches a terminal status. Because the
// dispatcher issues terminal Status calls in ascending identifier
// order after a wave joins, panes appear in identifier order.
type Console struct {
	writer io.Writer
	color  bool

	mu    sync.Mutex
	panes map[string]*strings.Builder
}

// NewConsole returns a Console sink writing to w. Color and box width
// adapt to whether w is a TTY.
func NewConsole(w io.Writer) *Console {
	useColor := false
	if w == os.Stdout {
		useColor = isatty.IsTerminal(os.Stdout.Fd())
	} else if w == os.Stderr {
		useColor = isatty.IsTerminal(os.Stderr.Fd())
	}
	return &Console{
		writer: w,
		color:  useColor,
		panes:  make(map[string]*strings.Builder),
	}
}

func (c *Console) Start() {}

// Stop flushes any pane that never reached a terminal status (a
// cancelled run leaves these behind) so buffered output is not lost.
func (c *Console) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, pane := range c.panes {
		if pane.Len() > 0 {
			c.renderPane(id, "interrupted", pane.String())
		}
	}
	c.panes = make(map[string]*strings.Builder)
}

// Chunk buffers one streamed fragment for id.
func (c *Console) Chunk(id, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pane, ok := c.panes[id]
	if !ok {
		pane = &strings.Builder{}
		c.panes[id] = pane
	}
	pane.WriteString(text)
}

// Status renders and releases the pane on a terminal transition;
// running transitions only announce the pane.
func (c *Console) Status(id string, status models.SubtaskStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch status {
	case models.StatusCompleted, models.StatusFailed:
		body := ""
		if pane, ok := c.panes[id]; ok {
			body = pane.String()
			delete(c.panes, id)
		}
		c.renderPane(id, string(status), body)
	case models.StatusRunning:
		if _, ok := c.panes[id]; !ok {
			c.panes[id] = &strings.Builder{}
		}
	}
}

// renderPane draws one boxed pane. Caller must hold the mutex.
func (c *Console) renderPane(id, status, body string) {
	width := c.boxWidth()
	inner := width - 4

	border := color.New(color.FgCyan)

	paint := func(col *color.Color, s string) string {
		if !c.color {
			return s
		}
		return col.Sprint(s)
	}

	hLine := strings.Repeat("─", width-2)
	var buf strings.Builder
	fmt.Fprintf(&buf, "%s\n", paint(border, "┌"+hLine+"┐"))

	buf.WriteString(c.boxLine(paint(border, "│"), padLine(fmt.Sprintf("%s [%s]", id, status), inner)))
	fmt.Fprintf(&buf, "%s\n", paint(border, "├"+hLine+"┤"))

	for _, line := range strings.Split(strings.TrimRight(body, "\n"), "\n") {
		for _, wrapped := range wrapLine(line, inner) {
			buf.WriteString(c.boxLine(paint(border, "│"), padLine(wrapped, inner)))
		}
	}
	fmt.Fprintf(&buf, "%s\n", paint(border, "└"+hLine+"┘"))

	fmt.Fprint(c.writer, buf.String())
}

func (c *Console) boxLine(edge, content string) string {
	return fmt.Sprintf("%s %s %s\n", edge, content, edge)
}

// boxWidth returns the pane width: the terminal width clamped into
// [minBoxWidth, maxBoxWidth], or defaultBoxWidth when not a TTY.
func (c *Console) boxWidth() int {
	if c.writer == os.Stdout || c.writer == os.Stderr {
		if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
			switch {
			case w < minBoxWidth:
				return minBoxWidth
			case w > maxBoxWidth:
				return maxBoxWidth
			default:
				return w
			}
		}
	}
	return defaultBoxWidth
}

// padLine pads or truncates s to exactly width display columns,
// runewidth-aware so emoji and CJK text stay aligned.
func padLine(s string, width int) string {
	w := runewidth.StringWidth(s)
	if w > width {
		return runewidth.Truncate(s, width, "...")
	}
	return s + strings.Repeat(" ", width-w)
}

// wrapLine splits line into pieces of at most width display columns.
func wrapLine(line string, width int) []string {
	if runewidth.StringWidth(line) <= width {
		return []string{line}
	}
	var out []string
	for runewidth.StringWidth(line) > width {
		head := runewidth.Truncate(line, width, "")
		out = append(out, head)
		line = line[len(head):]
	}
	return append(out, line)
}
