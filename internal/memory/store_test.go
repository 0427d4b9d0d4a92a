package memory

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loomrun/loom/internal/models"
)

var testAgent = models.Agent{
	ID:               "researcher",
	DisplayName:      "Researcher",
	Instruction:      "You research things.",
	MemoryCategories: []string{"research"},
	RoutingSlug:      "researcher-v1",
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(t.TempDir(), NewSession())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSave_RoundTrip(t *testing.T) {
	store := newTestStore(t)

	userTurn := "What is the airspeed of an unladen swallow?"
	assistantTurn := "African or European?\nIt matters."

	path, err := store.Save(testAgent, "preamble text", userTurn, assistantTurn)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading record: %v", err)
	}
	rec, err := parseRecord(string(content))
	if err != nil {
		t.Fatalf("parseRecord: %v", err)
	}
	if rec.UserTurn != userTurn {
		t.Errorf("user turn = %q, want %q", rec.UserTurn, userTurn)
	}
	if rec.Assistant != assistantTurn {
		t.Errorf("assistant turn = %q, want %q", rec.Assistant, assistantTurn)
	}
	if rec.Agent != "Researcher" || rec.AgentKey != "researcher" {
		t.Errorf("header agent = %q/%q", rec.Agent, rec.AgentKey)
	}
}

func TestSave_NeverOverwrites(t *testing.T) {
	store := newTestStore(t)

	p1, err := store.Save(testAgent, "p", "first", "a")
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	p2, err := store.Save(testAgent, "p", "second", "b")
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if p1 == p2 {
		t.Errorf("same-second saves produced the same path %s", p1)
	}
}

func TestSave_StripsScratchpad(t *testing.T) {
	store := newTestStore(t)

	path, err := store.Save(testAgent, "p", "question", "<think>private reasoning</think>public answer")
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	content, _ := os.ReadFile(path)
	if strings.Contains(string(content), "private reasoning") {
		t.Error("scratch-pad region persisted to disk")
	}
	rec, _ := parseRecord(string(content))
	if rec.Assistant != "public answer" {
		t.Errorf("assistant turn = %q", rec.Assistant)
	}
}

// Window excludes stale records: records at now-10m and now-60m with a
// 30 minute window must yield exactly the fresh record's pair.
func TestLoadContext_WindowExcludesStale(t *testing.T) {
	store := newTestStore(t)
	store.Session().SetWindow(30)

	fresh, err := store.Save(testAgent, "p", "fresh question", "fresh answer")
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	stale, err := store.Save(testAgent, "p", "stale question", "stale answer")
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	now := time.Now()
	if err := os.Chtimes(fresh, now.Add(-10*time.Minute), now.Add(-10*time.Minute)); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}
	if err := os.Chtimes(stale, now.Add(-60*time.Minute), now.Add(-60*time.Minute)); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}
	store.invalidate(fresh)
	store.invalidate(stale)

	messages, err := store.LoadContext(testAgent, "anything at all", 10)
	if err != nil {
		t.Fatalf("LoadContext: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("got %d messages, want 2: %+v", len(messages), messages)
	}
	if messages[0].Role != "user" || messages[0].Content != "fresh question" {
		t.Errorf("first message = %+v, want fresh user turn", messages[0])
	}
	if messages[1].Role != "assistant" || messages[1].Content != "fresh answer" {
		t.Errorf("second message = %+v, want fresh assistant turn", messages[1])
	}
}

func TestLoadContext_ZeroWindowReturnsEmpty(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Save(testAgent, "p", "question", "answer"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	store.Session().SetWindow(0)
	messages, err := store.LoadContext(testAgent, "question", 10)
	if err != nil {
		t.Fatalf("LoadContext: %v", err)
	}
	if len(messages) != 0 {
		t.Errorf("zero window returned %d messages", len(messages))
	}
}

// Shrinking the window never grows the candidate set.
func TestLoadContext_RetrievalMonotonicity(t *testing.T) {
	store := newTestStore(t)

	paths := make([]string, 0, 3)
	for _, turn := range []string{"alpha", "beta", "gamma"} {
		p, err := store.Save(testAgent, "p", turn+" topic words entirely distinct", turn)
		if err != nil {
			t.Fatalf("Save: %v", err)
		}
		paths = append(paths, p)
	}
	now := time.Now()
	for i, p := range paths {
		age := time.Duration(i*25+5) * time.Minute // 5m, 30m, 55m
		os.Chtimes(p, now.Add(-age), now.Add(-age))
		store.invalidate(p)
	}

	counts := make([]int, 0, 3)
	for _, window := range []int{90, 40, 10} {
		store.Session().SetWindow(window)
		messages, err := store.LoadContext(testAgent, "no matching hint whatsoever", 10)
		if err != nil {
			t.Fatalf("LoadContext: %v", err)
		}
		counts = append(counts, len(messages))
	}
	if counts[0] < counts[1] || counts[1] < counts[2] {
		t.Errorf("candidate counts grew as the window shrank: %v", counts)
	}
}

func TestLoadContext_RelevanceFiltering(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.Save(testAgent, "p", "kubernetes deployment rollback strategy", "use kubectl rollout undo"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := store.Save(testAgent, "p", "favorite soup recipes lentil tomato", "lentil soup wins"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	messages, err := store.LoadContext(testAgent, "kubernetes deployment rollback strategy details", 10)
	if err != nil {
		t.Fatalf("LoadContext: %v", err)
	}
	for _, m := range messages {
		if strings.Contains(m.Content, "soup") {
			t.Errorf("irrelevant record retrieved: %q", m.Content)
		}
	}
	found := false
	for _, m := range messages {
		if strings.Contains(m.Content, "kubectl") {
			found = true
		}
	}
	if !found {
		t.Error("relevant record was not retrieved")
	}
}

func TestSessionReset_ErasesCandidates(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Save(testAgent, "p", "question", "answer"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	store.Session().Reset()
	messages, err := store.LoadContext(testAgent, "question", 10)
	if err != nil {
		t.Fatalf("LoadContext: %v", err)
	}
	if len(messages) != 0 {
		t.Errorf("reset session still retrieved %d messages", len(messages))
	}

	// A record written after the reset is retrievable again.
	if _, err := store.Save(testAgent, "p", "newer question", "newer answer"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	messages, _ = store.LoadContext(testAgent, "newer question", 10)
	if len(messages) != 2 {
		t.Errorf("post-reset record not retrieved, got %d messages", len(messages))
	}
}

func TestClear_KeepLast(t *testing.T) {
	store := newTestStore(t)

	paths := make([]string, 0, 3)
	for _, turn := range []string{"one", "two", "three"} {
		p, err := store.Save(testAgent, "p", turn, turn)
		if err != nil {
			t.Fatalf("Save: %v", err)
		}
		paths = append(paths, p)
	}
	now := time.Now()
	for i, p := range paths {
		ts := now.Add(time.Duration(i-3) * time.Minute)
		os.Chtimes(p, ts, ts)
	}

	if err := store.Clear("research", 1); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	entries, _ := os.ReadDir(filepath.Join(store.Root(), "research"))
	remaining := 0
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".txt") {
			remaining++
		}
	}
	if remaining != 1 {
		t.Errorf("%d records remain after Clear keepLast=1, want 1", remaining)
	}
}

func TestListCategories(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Save(testAgent, "p", "q", "a"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	other := testAgent
	other.MemoryCategories = []string{"analysis"}
	if _, err := store.Save(other, "p", "q", "a"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	categories, err := store.ListCategories()
	if err != nil {
		t.Fatalf("ListCategories: %v", err)
	}
	want := []string{"analysis", "research"}
	if len(categories) != 2 || categories[0] != want[0] || categories[1] != want[1] {
		t.Errorf("categories = %v, want %v", categories, want)
	}
}

func TestJaccard(t *testing.T) {
	tests := []struct {
		name string
		a, b []string
		want float64
	}{
		{"identical", []string{"a", "b"}, []string{"a", "b"}, 1},
		{"disjoint", []string{"a"}, []string{"b"}, 0},
		{"one shared of three", []string{"a", "b"}, []string{"b", "c"}, 1.0 / 3.0},
		{"both empty", nil, nil, 0},
		{"case insensitive", []string{"Alpha"}, []string{"alpha"}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := jaccard(tt.a, tt.b); got != tt.want {
				t.Errorf("jaccard(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestExtractTags(t *testing.T) {
	tags := extractTags("Deploy the Kubernetes cluster and check the ingress, then deploy again")
	joined := strings.Join(tags, " ")
	for _, want := range []string{"deploy", "kubernetes", "cluster", "ingress"} {
		if !strings.Contains(joined, want) {
			t.Errorf("tags %v missing %q", tags, want)
		}
	}
	for _, t2 := range tags {
		if t2 == "the" || t2 == "and" {
			t.Errorf("stopword %q extracted", t2)
		}
	}
	// "deploy" appears twice but must be extracted once.
	count := 0
	for _, tag := range tags {
		if tag == "deploy" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("duplicate tag extracted %d times", count)
	}
}
