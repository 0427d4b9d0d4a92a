package sink

import (
	"strings"
	"sync"

	"github.com/loomrun/loom/internal/models"
)

// Memory is an in-process Sink that records everything it receives, in
// arrival order. Tests use it to assert on chunk content, lifecycle
// sequences, and the identifier order of terminal statuses.
type Memory struct {
	mu       sync.Mutex
	chunks   map[string]*strings.Builder
	statuses map[string][]models.SubtaskStatus
	terminal []string // subtask IDs in the order they reached a terminal status
	started  bool
	stopped  bool
}

// NewMemory returns an empty Memory sink.
func NewMemory() *Memory {
	return &Memory{
		chunks:   make(map[string]*strings.Builder),
		statuses: make(map[string][]models.SubtaskStatus),
	}
}

func (m *Memory) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = true
}

func (m *Memory) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
}

func (m *Memory) Chunk(id, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.chunks[id]
	if !ok {
		b = &strings.Builder{}
		m.chunks[id] = b
	}
	b.WriteString(text)
}

func (m *Memory) Status(id string, status models.SubtaskStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[id] = append(m.statuses[id], status)
	if status == models.StatusCompleted || status == models.StatusFailed {
		m.terminal = append(m.terminal, id)
	}
}

// Output returns the joined chunks received for id.
func (m *Memory) Output(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.chunks[id]; ok {
		return b.String()
	}
	return ""
}

// Statuses returns the lifecycle sequence observed for id.
func (m *Memory) Statuses(id string) []models.SubtaskStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.SubtaskStatus(nil), m.statuses[id]...)
}

// TerminalOrder returns subtask IDs in the order their terminal status
// arrived.
func (m *Memory) TerminalOrder() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.terminal...)
}

// Lifecycle reports whether Start and Stop were both observed.
func (m *Memory) Lifecycle() (started, stopped bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started, m.stopped
}
