package models

import "time"

// MemoryRecord is the parsed form of one persisted memory file: a
// plain-text document under <memory-root>/<category>/<slug>_<timestamp>.txt
// carrying a delimited header block plus system-preamble, user, and
// assistant sections (see internal/memory for the serialization).
type MemoryRecord struct {
	Agent         string    `json:"agent"`
	AgentKey      string    `json:"agent_key"`
	Workspace     string    `json:"workspace"`
	Timestamp     time.Time `json:"timestamp"`
	Tags          []string  `json:"tags"`
	Preamble      string    `json:"preamble"`
	UserTurn      string    `json:"user_turn"`
	AssistantTurn string    `json:"assistant_turn"`
	Path          string    `json:"path,omitempty"` // set once written
}

// RelevanceThreshold is the minimum Jaccard similarity between a
// retrieval hint's tags and a record's tags for the record to count as
// relevant; below it, retrieval falls back to plain recency.
const RelevanceThreshold = 0.35
