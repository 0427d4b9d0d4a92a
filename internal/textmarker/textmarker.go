// Package textmarker strips scratch-pad regions from model output before
// it is persisted or forwarded. A scratch-pad region is anything between
// a <think> opening tag and its matching </think> closing tag, case
// insensitive; the planner, merger, memory writer, and tool-call parser
// all call StripScratchpad on text they are about to hand to the next
// stage.
package textmarker

import "regexp"

var scratchpadPattern = regexp.MustCompile(`(?is)<think>.*?</think>`)

// StripScratchpad removes every <think>...</think> region from text,
// collapsing the surrounding whitespace left behind. Unterminated
// <think> tags (no matching close) are left untouched — a malformed
// scratch-pad is not this function's problem to fix.
func StripScratchpad(text string) string {
	stripped := scratchpadPattern.ReplaceAllString(text, "")
	return collapseBlankRuns(stripped)
}

// HasScratchpad reports whether text contains at least one complete
// <think>...</think> region.
func HasScratchpad(text string) bool {
	return scratchpadPattern.MatchString(text)
}

var blankRunPattern = regexp.MustCompile(`\n{3,}`)

// collapseBlankRuns reduces runs of 3+ newlines (left by removing an
// interior scratch-pad block) down to a single blank line, and trims
// leading/trailing whitespace left by removing a leading or trailing one.
func collapseBlankRuns(text string) string {
	text = blankRunPattern.ReplaceAllString(text, "\n\n")
	return trimOuterBlank(text)
}

func trimOuterBlank(text string) string {
	start := 0
	for start < len(text) && isBlank(text[start]) {
		start++
	}
	end := len(text)
	for end > start && isBlank(text[end-1]) {
		end--
	}
	return text[start:end]
}

func isBlank(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
