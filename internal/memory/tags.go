package memory

import (
	"sort"
	"strings"
	"unicode"

	"github.com/clipperhouse/uax29/v2/words"
)

// maxExtractedTags caps the lightweight extraction so a long turn does
// not drown the Jaccard score in noise.
const maxExtractedTags = 12

// stopwords excluded from tag extraction. Short and common words carry
// no retrieval signal.
var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true,
	"this": true, "from": true, "you": true, "your": true, "are": true,
	"was": true, "were": true, "has": true, "have": true, "had": true,
	"not": true, "but": true, "can": true, "will": true, "would": true,
	"should": true, "could": true, "about": true, "into": true,
	"what": true, "when": true, "where": true, "which": true, "how": true,
	"all": true, "any": true, "its": true, "also": true, "then": true,
	"than": true, "out": true, "use": true, "using": true, "please": true,
}

// extractTags tokenizes text on Unicode word boundaries and keeps the
// first maxExtractedTags distinct lowercase words that look like
// content words: at least three bytes long, not a stopword, containing
// at least one letter.
func extractTags(text string) []string {
	seen := make(map[string]bool)
	var tags []string

	tokens := words.FromString(text)
	for tokens.Next() {
		token := strings.ToLower(strings.TrimSpace(tokens.Value()))
		if len(token) < 3 || stopwords[token] || seen[token] {
			continue
		}
		if !hasLetter(token) {
			continue
		}
		seen[token] = true
		tags = append(tags, token)
		if len(tags) >= maxExtractedTags {
			break
		}
	}
	return tags
}

func hasLetter(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}

// jaccard computes |a∩b| / |a∪b| over two tag lists, 0 when both are
// empty.
func jaccard(a, b []string) float64 {
	setA := make(map[string]bool, len(a))
	for _, t := range a {
		setA[strings.ToLower(t)] = true
	}
	setB := make(map[string]bool, len(b))
	for _, t := range b {
		setB[strings.ToLower(t)] = true
	}
	if len(setA) == 0 && len(setB) == 0 {
		return 0
	}

	intersection := 0
	for t := range setA {
		if setB[t] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	return float64(intersection) / float64(union)
}

// normalizeTags lowercases, dedupes, and sorts a tag list.
func normalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	var out []string
	for _, t := range tags {
		lt := strings.ToLower(strings.TrimSpace(t))
		if lt == "" || seen[lt] {
			continue
		}
		seen[lt] = true
		out = append(out, lt)
	}
	sort.Strings(out)
	return out
}
