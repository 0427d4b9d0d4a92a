package toolrunner

import (
	"encoding/json"
	"strings"

	"github.com/loomrun/loom/internal/models"
)

const (
	actionMarker = "Action:"
	finalMarker  = "Final Answer:"
)

// turnParse is the outcome of parsing one turn's accumulated output.
type turnParse struct {
	call        *models.ToolCall
	finalAnswer string
	hasFinal    bool
	prose       bool // non-marker text present outside any marker
}

// parseTurn scans text (already stripped of scratch-pad regions) for
// the two recognized markers. Completeness is judged over the whole
// accumulated buffer, never mid-stream.
func parseTurn(text string) turnParse {
	var p turnParse

	actionIdx := strings.Index(text, actionMarker)
	finalIdx := strings.Index(text, finalMarker)

	if finalIdx >= 0 {
		p.hasFinal = true
		p.finalAnswer = strings.TrimSpace(text[finalIdx+len(finalMarker):])
	}

	if actionIdx >= 0 {
		if obj, ok := extractJSONObject(text[actionIdx+len(actionMarker):]); ok {
			var call models.ToolCall
			if err := json.Unmarshal([]byte(obj), &call); err == nil && call.Name != "" {
				p.call = &call
			}
		}
	}

	p.prose = hasProse(text, actionIdx, finalIdx)
	return p
}

// extractJSONObject returns the first balanced {...} region of s,
// counting braces and skipping brace characters inside JSON strings.
func extractJSONObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return s[start : i+1], true
				}
			}
		}
	}
	return "", false
}

// hasProse reports whether text contains non-whitespace content before
// the first marker. Text after a marker belongs to that marker (the
// final answer body, or the action's JSON), so only the leading region
// counts.
func hasProse(text string, actionIdx, finalIdx int) bool {
	cut := len(text)
	if actionIdx >= 0 && actionIdx < cut {
		cut = actionIdx
	}
	if finalIdx >= 0 && finalIdx < cut {
		cut = finalIdx
	}
	return strings.TrimSpace(text[:cut]) != ""
}
