// Package agent holds the Agent Registry: a write-once lookup table of
// models.Agent records keyed by ID, and (in loader.go) an ambient YAML
// directory loader that populates one from disk. The core Registry has
// no file-system dependency; callers may build it purely in code (as
// the tests do) or via Load.
package agent

import (
	"fmt"
	"sort"
	"sync"

	"github.com/loomrun/loom/internal/models"
)

// Registry is a process-lifetime, concurrency-safe map of agent ID to
// models.Agent. Register is idempotent-unsafe by design: registering an
// ID twice is a caller error and returns an error rather than silently
// overwriting, since agent identity is meant to be fixed at startup.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]models.Agent
}

// NewRegistry returns an empty Registry ready for Register calls.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]models.Agent)}
}

// Register adds agent to the registry. Returns an error if the ID is
// empty, already registered, or the routing slug is empty.
func (r *Registry) Register(a models.Agent) error {
	if a.ID == "" {
		return fmt.Errorf("agent: empty ID")
	}
	if a.RoutingSlug == "" {
		return fmt.Errorf("agent %q: empty routing slug", a.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[a.ID]; exists {
		return fmt.Errorf("agent %q: already registered", a.ID)
	}
	r.agents[a.ID] = a
	return nil
}

// Get retrieves an agent by ID.
func (r *Registry) Get(id string) (models.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	return a, ok
}

// Exists reports whether an agent with id is registered.
func (r *Registry) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[id]
	return ok
}

// List returns all registered agents, sorted by ID for deterministic
// output (console listings, validate command).
func (r *Registry) List() []models.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IDs returns all registered agent identifiers, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.agents))
	for id := range r.agents {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Len reports the number of registered agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
