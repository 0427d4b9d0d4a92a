package budget

import (
	"sync"

	"github.com/loomrun/loom/internal/models"
)

// Profile is the process-wide token-profile holder. One preset is
// active at a time; Set swaps the whole preset atomically under the
// mutex, so a reader never observes a half-applied mix of two presets.
// Workers snapshot the profile at dispatch time and keep that snapshot
// for the run.
type Profile struct {
	mu      sync.Mutex
	name    string
	profile models.TokenProfile
}

// NewProfile resolves the named preset (falling back to standard for
// an unknown name, same as models.TokenProfileByName).
func NewProfile(name string) *Profile {
	return &Profile{name: name, profile: models.TokenProfileByName(name)}
}

// Set atomically replaces the active preset.
func (p *Profile) Set(name string) {
	p.mu.Lock()
	p.name = name
	p.profile = models.TokenProfileByName(name)
	p.mu.Unlock()
}

// Snapshot returns the current preset by value. Dispatch captures one
// of these per run; later Set calls do not affect in-flight work.
func (p *Profile) Snapshot() models.TokenProfile {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.profile
}

// Name returns the active preset's name.
func (p *Profile) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.name
}
