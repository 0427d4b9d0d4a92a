// Package memory persists conversational exchanges as plain-text
// records under a category-per-directory layout and retrieves them by
// recency window plus tag relevance. Records are append-only: save
// always produces a fresh filename and never overwrites.
package memory

import (
	"fmt"
	"strings"
	"time"

	"github.com/loomrun/loom/internal/models"
)

const (
	headerDelim    = "---"
	timestampLayout = "2006-01-02 15:04:05"
)

// renderRecord serializes one exchange to the on-disk text format: a
// delimited header block followed by the system preamble snapshot, the
// user turn, and the assistant turn.
func renderRecord(agent models.Agent, workspace string, ts time.Time, tags []string, preamble, userTurn, assistantTurn string) string {
	var sb strings.Builder
	sb.WriteString(headerDelim + "\n")
	fmt.Fprintf(&sb, "Agent: %s\n", agent.DisplayName)
	fmt.Fprintf(&sb, "AgentKey: %s\n", agent.ID)
	fmt.Fprintf(&sb, "Workspace: %s\n", workspace)
	fmt.Fprintf(&sb, "Timestamp: %s\n", ts.Format(timestampLayout))
	fmt.Fprintf(&sb, "Tags: %s\n", strings.Join(tags, ", "))
	sb.WriteString(headerDelim + "\n")
	sb.WriteString("System Prompt:\n")
	sb.WriteString(preamble + "\n")
	sb.WriteString(headerDelim + "\n")
	sb.WriteString("User:\n")
	sb.WriteString(userTurn + "\n")
	sb.WriteString(headerDelim + "\n")
	sb.WriteString("SelfAI:\n")
	sb.WriteString(assistantTurn + "\n")
	return sb.String()
}

// parsedRecord is the in-memory form of one record file.
type parsedRecord struct {
	Agent      string
	AgentKey   string
	Workspace  string
	Timestamp  time.Time
	Tags       []string
	Preamble   string
	UserTurn   string
	Assistant  string
}

// parseRecord reads the record text format back. It tolerates missing
// header fields; sections are matched by their labels, and a file with
// no recognizable sections yields empty turns rather than an error so
// a stray file in a category directory cannot poison retrieval.
func parseRecord(content string) (*parsedRecord, error) {
	rec := &parsedRecord{}

	parts := strings.Split(content, "\n"+headerDelim+"\n")
	if len(parts) < 2 {
		return nil, fmt.Errorf("memory: record has no header block")
	}

	header := strings.TrimPrefix(parts[0], headerDelim+"\n")
	for _, line := range strings.Split(header, "\n") {
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "Agent":
			rec.Agent = value
		case "AgentKey":
			rec.AgentKey = value
		case "Workspace":
			rec.Workspace = value
		case "Timestamp":
			if ts, err := time.ParseInLocation(timestampLayout, value, time.Local); err == nil {
				rec.Timestamp = ts
			}
		case "Tags":
			rec.Tags = splitTags(value)
		}
	}

	for _, section := range parts[1:] {
		label, body, found := strings.Cut(section, ":\n")
		if !found {
			continue
		}
		body = strings.TrimSuffix(body, "\n")
		switch strings.TrimSpace(label) {
		case "System Prompt":
			rec.Preamble = body
		case "User":
			rec.UserTurn = body
		case "SelfAI":
			rec.Assistant = body
		}
	}
	return rec, nil
}

func splitTags(s string) []string {
	var tags []string
	for _, t := range strings.Split(s, ",") {
		t = strings.TrimSpace(t)
		if t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}
