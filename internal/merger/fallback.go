package merger

import (
	"fmt"
	"sort"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	gmtext "github.com/yuin/goldmark/text"

	"github.com/loomrun/loom/internal/models"
)

// fallbackExcerptCeiling is the per-subtask character cap in the
// internal summary.
const fallbackExcerptCeiling = 500

// FallbackSummary renders the deterministic internal summary used when
// the merger backend is unavailable: the goal verbatim, then each
// completed subtask's identifier, title, and the leading slice of its
// result, in identifier order, with minimal markdown. The function is
// pure in its inputs, so two back-to-back calls over the same graph
// produce byte-identical output.
func (m *Merger) FallbackSummary(goal string, graph *models.TaskGraph) string {
	type entry struct {
		id, title, text string
	}
	var entries []entry
	for _, s := range graph.Subtasks {
		if s.Result.Status != models.StatusCompleted || s.Result.MemoryPath == "" {
			continue
		}
		text, err := m.results.ReadResult(s.Result.MemoryPath)
		if err != nil {
			text = fmt.Sprintf("(result unavailable: %v)", err)
		}
		entries = append(entries, entry{s.ID, s.Title, truncate(plainText(text), fallbackExcerptCeiling)})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].id < entries[j].id })

	var sb strings.Builder
	sb.WriteString(goal)
	sb.WriteString("\n")
	for _, e := range entries {
		fmt.Fprintf(&sb, "\n## %s — %s\n\n%s\n", e.id, e.title, e.text)
	}
	return sb.String()
}

// plainText flattens any markdown in a stored result down to its text
// content before truncation, so the 500-character slice cannot cut a
// construct in half and leave a dangling fence or half-link in the
// summary.
func plainText(source string) string {
	src := []byte(source)
	doc := goldmark.New().Parser().Parse(gmtext.NewReader(src))

	var sb strings.Builder
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			if n.Type() == ast.TypeBlock && sb.Len() > 0 && !strings.HasSuffix(sb.String(), "\n") {
				sb.WriteByte('\n')
			}
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Text:
			sb.Write(node.Segment.Value(src))
			if node.SoftLineBreak() || node.HardLineBreak() {
				sb.WriteByte('\n')
			}
		case *ast.FencedCodeBlock:
			writeLines(&sb, src, node.Lines())
		case *ast.CodeBlock:
			writeLines(&sb, src, node.Lines())
		}
		return ast.WalkContinue, nil
	})

	return strings.TrimSpace(sb.String())
}

func writeLines(sb *strings.Builder, src []byte, lines *gmtext.Segments) {
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		sb.Write(seg.Value(src))
	}
}
