// Package toolrunner implements the agentic loop that interprets
// structured tool-call markers in model output and executes registered
// tools. A turn's output carries either an Action marker (a tool call
// with JSON arguments) or a Final Answer marker; the runner executes
// tools, feeds observations back into the dialog, and stops when a
// final answer arrives or the step budget runs out.
package toolrunner

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/loomrun/loom/internal/models"
)

// registeredTool pairs a descriptor with its compiled argument schema.
type registeredTool struct {
	desc   models.ToolDescriptor
	schema *jsonschema.Schema // nil when the descriptor declares none
}

// Registry is the process-wide tool table: populated by explicit
// Register calls at startup, read-only afterwards. There is no
// implicit discovery.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*registeredTool
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*registeredTool)}
}

// Register adds desc, compiling its input schema once so argument
// validation at call time is just a Validate. Registering a duplicate
// name or an uncompilable schema is an error.
func (r *Registry) Register(desc models.ToolDescriptor) error {
	if desc.Name == "" {
		return fmt.Errorf("toolrunner: tool name is required")
	}
	if desc.Exec == nil {
		return fmt.Errorf("toolrunner: tool %q has no executor", desc.Name)
	}

	var schema *jsonschema.Schema
	if len(desc.InputSchema) > 0 {
		var doc any
		if err := json.Unmarshal(desc.InputSchema, &doc); err != nil {
			return fmt.Errorf("toolrunner: tool %q schema: %w", desc.Name, err)
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("schema.json", doc); err != nil {
			return fmt.Errorf("toolrunner: tool %q schema: %w", desc.Name, err)
		}
		compiled, err := c.Compile("schema.json")
		if err != nil {
			return fmt.Errorf("toolrunner: tool %q schema: %w", desc.Name, err)
		}
		schema = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[desc.Name]; exists {
		return fmt.Errorf("toolrunner: tool %q already registered", desc.Name)
	}
	r.tools[desc.Name] = &registeredTool{desc: desc, schema: schema}
	return nil
}

// get returns the registered tool for name.
func (r *Registry) get(name string) (*registeredTool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Describe renders the prompt block enumerating the given tools: name,
// description, and argument schema, one block per tool. Unregistered
// names are skipped.
func (r *Registry) Describe(names []string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []byte
	for _, name := range names {
		t, ok := r.tools[name]
		if !ok {
			continue
		}
		out = append(out, fmt.Sprintf("- %s: %s\n", t.desc.Name, t.desc.Description)...)
		if len(t.desc.InputSchema) > 0 {
			out = append(out, fmt.Sprintf("  arguments schema: %s\n", t.desc.InputSchema)...)
		}
	}
	return string(out)
}

// validateArgs checks args against the tool's compiled schema.
func (t *registeredTool) validateArgs(args map[string]any) error {
	if t.schema == nil {
		return nil
	}
	// Round-trip through json so numbers and nested values carry the
	// types the validator expects.
	raw, err := json.Marshal(args)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	return t.schema.Validate(doc)
}
