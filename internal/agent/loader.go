package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/loomrun/loom/internal/models"
)

// frontmatter mirrors the YAML frontmatter block of an agent profile
// file: a fenced "---" section at the top of a .md file, same
// convention as a Claude Code subagent definition.
type frontmatter struct {
	ID               string   `yaml:"id"`
	DisplayName      string   `yaml:"display_name"`
	MemoryCategories []string `yaml:"memory_categories"`
	RoutingSlug      string   `yaml:"routing_slug"`
}

// Load walks dir for "*.md" agent profile files and registers each one
// into reg. A missing directory is not an error — it yields a registry
// with zero agents, matching the convention that agent profiles are an
// optional, external convenience layer outside the core contract.
//
// Each file's frontmatter supplies id/display_name/memory_categories/
// routing_slug; the body after the closing "---" becomes the agent's
// Instruction verbatim.
func Load(reg *Registry, dir string) error {
	if dir == "" {
		return nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}

	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if !strings.HasSuffix(path, ".md") {
			return nil
		}

		a, err := parseProfile(path)
		if err != nil {
			return fmt.Errorf("agent: parsing %s: %w", path, err)
		}
		return reg.Register(*a)
	})
}

func parseProfile(path string) (*models.Agent, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	fm, body := splitFrontmatter(content)
	if fm == nil {
		return nil, fmt.Errorf("no frontmatter found")
	}

	var meta frontmatter
	if err := yaml.Unmarshal(fm, &meta); err != nil {
		return nil, fmt.Errorf("parsing frontmatter: %w", err)
	}
	if meta.ID == "" {
		return nil, fmt.Errorf("agent id is required")
	}
	if meta.RoutingSlug == "" {
		return nil, fmt.Errorf("routing_slug is required")
	}

	return &models.Agent{
		ID:               meta.ID,
		DisplayName:      meta.DisplayName,
		Instruction:      strings.TrimSpace(string(body)),
		MemoryCategories: meta.MemoryCategories,
		RoutingSlug:      meta.RoutingSlug,
	}, nil
}

// splitFrontmatter extracts the YAML block delimited by a leading and
// matching "---" line, returning (frontmatter, remainder). Returns a
// nil frontmatter if content does not begin with "---".
func splitFrontmatter(content []byte) ([]byte, []byte) {
	lines := strings.Split(string(content), "\n")
	if len(lines) < 3 || strings.TrimSpace(lines[0]) != "---" {
		return nil, content
	}

	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			fm := []byte(strings.Join(lines[1:i], "\n"))
			body := []byte(strings.Join(lines[i+1:], "\n"))
			return fm, body
		}
	}
	return nil, content
}
