package sink

import (
	"strings"
	"testing"

	"github.com/loomrun/loom/internal/models"
)

func TestMemory_RecordsChunksAndStatuses(t *testing.T) {
	m := NewMemory()
	m.Start()
	m.Status("s1", models.StatusRunning)
	m.Chunk("s1", "hello ")
	m.Chunk("s1", "world")
	m.Status("s1", models.StatusCompleted)
	m.Stop()

	if got := m.Output("s1"); got != "hello world" {
		t.Errorf("Output = %q", got)
	}
	statuses := m.Statuses("s1")
	if len(statuses) != 2 || statuses[0] != models.StatusRunning || statuses[1] != models.StatusCompleted {
		t.Errorf("Statuses = %v", statuses)
	}
	started, stopped := m.Lifecycle()
	if !started || !stopped {
		t.Errorf("lifecycle = %v/%v", started, stopped)
	}
}

func TestMemory_TerminalOrder(t *testing.T) {
	m := NewMemory()
	m.Status("b", models.StatusRunning)
	m.Status("a", models.StatusRunning)
	m.Status("a", models.StatusCompleted)
	m.Status("b", models.StatusFailed)

	order := m.TerminalOrder()
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Errorf("TerminalOrder = %v", order)
	}
}

func TestConsole_RendersPaneOnTerminalStatus(t *testing.T) {
	var buf strings.Builder
	c := NewConsole(&buf)

	c.Start()
	c.Status("s1", models.StatusRunning)
	c.Chunk("s1", "streamed body")
	if buf.Len() != 0 {
		t.Errorf("pane rendered before terminal status:\n%s", buf.String())
	}

	c.Status("s1", models.StatusCompleted)
	out := buf.String()
	if !strings.Contains(out, "s1 [completed]") {
		t.Errorf("pane header missing:\n%s", out)
	}
	if !strings.Contains(out, "streamed body") {
		t.Errorf("pane body missing:\n%s", out)
	}
	c.Stop()
}

func TestConsole_StopFlushesInterruptedPanes(t *testing.T) {
	var buf strings.Builder
	c := NewConsole(&buf)

	c.Start()
	c.Chunk("s1", "partial output")
	c.Stop()

	out := buf.String()
	if !strings.Contains(out, "interrupted") || !strings.Contains(out, "partial output") {
		t.Errorf("interrupted pane not flushed:\n%s", out)
	}
}

func TestConsole_WrapsLongLines(t *testing.T) {
	var buf strings.Builder
	c := NewConsole(&buf)

	c.Chunk("s1", strings.Repeat("x", 300))
	c.Status("s1", models.StatusCompleted)

	for _, line := range strings.Split(buf.String(), "\n") {
		if len([]rune(line)) > defaultBoxWidth+2 {
			t.Errorf("line longer than the box: %d runes", len([]rune(line)))
		}
	}
}

func TestNull_Discards(t *testing.T) {
	var n Null
	n.Start()
	n.Chunk("x", "y")
	n.Status("x", models.StatusCompleted)
	n.Stop()
}
