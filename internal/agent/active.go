package agent

import (
	"fmt"
	"sync"

	"github.com/loomrun/loom/internal/models"
)

// Active is the process-wide active-agent pointer: which agent handles
// work that names no target of its own (fallback plans, direct chat).
// The pointer changes only through an explicit Switch call from the
// main loop; workers read a snapshot at dispatch time and never see a
// mid-run change. The struct is initialized at process start and never
// torn down.
type Active struct {
	mu       sync.Mutex
	registry *Registry
	id       string
}

// NewActive returns an Active pointing at id. An empty or unknown id
// falls back to the registry's first agent (by sorted ID) so the
// pointer is never dangling.
func NewActive(registry *Registry, id string) *Active {
	a := &Active{registry: registry}
	if id != "" && registry.Exists(id) {
		a.id = id
		return a
	}
	if ids := registry.IDs(); len(ids) > 0 {
		a.id = ids[0]
	}
	return a
}

// Switch repoints the active agent. Unknown identifiers are rejected
// and leave the pointer unchanged.
func (a *Active) Switch(id string) error {
	if !a.registry.Exists(id) {
		return fmt.Errorf("agent: cannot switch to unknown agent %q", id)
	}
	a.mu.Lock()
	a.id = id
	a.mu.Unlock()
	return nil
}

// CurrentID returns the active agent's identifier. This is the
// snapshot workers capture at dispatch time.
func (a *Active) CurrentID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.id
}

// Current returns the active agent record.
func (a *Active) Current() (models.Agent, bool) {
	return a.registry.Get(a.CurrentID())
}
