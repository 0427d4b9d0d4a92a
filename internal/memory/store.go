package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomrun/loom/internal/filelock"
	"github.com/loomrun/loom/internal/models"
	"github.com/loomrun/loom/internal/textmarker"
)

// DefaultCategory receives records for agents that declare no memory
// categories.
const DefaultCategory = "general"

const fileTimestampLayout = "20060102-150405"

// cachedRecord is one scoring-cache entry: the parsed record plus its
// tag set, valid for a specific mtime.
type cachedRecord struct {
	mtime  int64
	record *parsedRecord
	tags   []string
}

// Store is the memory system: save, windowed retrieval, clear, and
// category listing over a <root>/<category>/<slug>_<timestamp>.txt
// layout. The scoring cache is guarded by a single mutex; record
// writes themselves are lock-free because every save gets a unique
// filename and writes are temp+rename atomic.
type Store struct {
	root    string
	session *Session
	index   *tagIndex

	mu    sync.Mutex
	cache map[string]cachedRecord
}

// New opens a Store rooted at dir, creating it if needed. The SQLite
// tag index lives at <dir>/.tagindex.db; if it cannot be opened the
// store degrades to parsing every candidate on each retrieval.
func New(dir string, session *Session) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("memory: creating root %s: %w", dir, err)
	}
	if session == nil {
		session = NewSession()
	}

	index, err := openTagIndex(filepath.Join(dir, ".tagindex.db"))
	if err != nil {
		index = nil
	}

	return &Store{
		root:    dir,
		session: session,
		index:   index,
		cache:   make(map[string]cachedRecord),
	}, nil
}

// Close releases the tag index.
func (s *Store) Close() error {
	return s.index.Close()
}

// Session returns the store's retrieval session.
func (s *Store) Session() *Session { return s.session }

// Root returns the memory root directory.
func (s *Store) Root() string { return s.root }

// Save persists one exchange for agent and returns the new record's
// path. The assistant turn is stripped of scratch-pad regions before
// persisting; the user turn is stored verbatim. Save never overwrites:
// a same-second collision gets a short unique suffix.
func (s *Store) Save(agent models.Agent, preamble, userTurn, assistantTurn string) (string, error) {
	category := DefaultCategory
	if len(agent.MemoryCategories) > 0 {
		category = agent.MemoryCategories[0]
	}

	now := time.Now()
	tags := extractTags(userTurn)
	content := renderRecord(agent, category, now, tags,
		textmarker.StripScratchpad(preamble),
		userTurn,
		textmarker.StripScratchpad(assistantTurn),
	)

	dir := filepath.Join(s.root, category)
	slug := slugify(agent.DisplayName)
	base := fmt.Sprintf("%s_%s", slug, now.Format(fileTimestampLayout))

	path := filepath.Join(dir, base+".txt")
	if _, err := os.Stat(path); err == nil {
		path = filepath.Join(dir, fmt.Sprintf("%s_%s.txt", base, uuid.NewString()[:8]))
	}

	if err := filelock.AtomicWrite(path, []byte(content)); err != nil {
		return "", fmt.Errorf("memory: writing record: %w", err)
	}

	s.mu.Lock()
	delete(s.cache, path)
	s.mu.Unlock()
	if s.index != nil {
		if info, err := os.Stat(path); err == nil {
			s.index.store(path, info.ModTime().Unix(), tags)
		}
	}
	return path, nil
}

// LoadContext returns the relevant conversational context for agent,
// flattened to an alternating user/assistant message list in ascending
// modification-time order.
//
// Candidates are records in any of the agent's categories modified at
// or after the session cutoff. Each is scored by Jaccard similarity
// between the hint's extracted tags and the record's tags; records at
// or above the relevance threshold are retained, and when none qualify
// the limit most recent candidates are used unconditionally.
func (s *Store) LoadContext(agent models.Agent, hint string, limit int) ([]models.Message, error) {
	now := time.Now()
	cutoff := s.session.Cutoff(now)
	if cutoff.After(now) {
		return []models.Message{}, nil
	}

	categories := agent.MemoryCategories
	if len(categories) == 0 {
		categories = []string{DefaultCategory}
	}

	type candidate struct {
		path  string
		mtime time.Time
		score float64
	}
	hintTags := extractTags(hint)
	var candidates []candidate

	for _, category := range categories {
		dir := filepath.Join(s.root, category)
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".txt") {
				continue
			}
			info, err := entry.Info()
			if err != nil || info.ModTime().Before(cutoff) {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			tags, err := s.tagsFor(path, info.ModTime())
			if err != nil {
				continue
			}
			candidates = append(candidates, candidate{
				path:  path,
				mtime: info.ModTime(),
				score: jaccard(hintTags, tags),
			})
		}
	}

	var selected []candidate
	for _, c := range candidates {
		if c.score >= models.RelevanceThreshold {
			selected = append(selected, c)
		}
	}
	if len(selected) == 0 {
		// Nothing relevant: fall back to plain recency.
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].mtime.After(candidates[j].mtime) })
		if limit > 0 && len(candidates) > limit {
			candidates = candidates[:limit]
		}
		selected = candidates
	} else if limit > 0 && len(selected) > limit {
		sort.Slice(selected, func(i, j int) bool { return selected[i].score > selected[j].score })
		selected = selected[:limit]
	}

	sort.Slice(selected, func(i, j int) bool { return selected[i].mtime.Before(selected[j].mtime) })

	messages := make([]models.Message, 0, len(selected)*2)
	for _, c := range selected {
		rec, err := s.recordFor(c.path)
		if err != nil {
			continue
		}
		messages = append(messages,
			models.Message{Role: "user", Content: rec.UserTurn},
			models.Message{Role: "assistant", Content: rec.Assistant},
		)
	}
	return messages, nil
}

// Read returns the full parsed record at path.
func (s *Store) Read(path string) (models.MemoryRecord, error) {
	rec, err := s.recordFor(path)
	if err != nil {
		return models.MemoryRecord{}, fmt.Errorf("memory: reading %s: %w", path, err)
	}
	return models.MemoryRecord{
		Agent:         rec.Agent,
		AgentKey:      rec.AgentKey,
		Workspace:     rec.Workspace,
		Timestamp:     rec.Timestamp,
		Tags:          rec.Tags,
		Preamble:      rec.Preamble,
		UserTurn:      rec.UserTurn,
		AssistantTurn: rec.Assistant,
		Path:          path,
	}, nil
}

// ReadResult returns the assistant turn stored in the record at path.
// The merger resolves subtask result-slot paths through this.
func (s *Store) ReadResult(path string) (string, error) {
	rec, err := s.recordFor(path)
	if err != nil {
		return "", fmt.Errorf("memory: reading result %s: %w", path, err)
	}
	return rec.Assistant, nil
}

// Clear removes a category's record files, optionally keeping the
// keepLast most recent. The category directory itself stays.
func (s *Store) Clear(category string, keepLast int) error {
	dir := filepath.Join(s.root, category)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("memory: clearing %s: %w", category, err)
	}

	type aged struct {
		path  string
		mtime time.Time
	}
	var files []aged
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".txt") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, aged{filepath.Join(dir, entry.Name()), info.ModTime()})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].mtime.After(files[j].mtime) })
	if keepLast > len(files) {
		keepLast = len(files)
	}
	for _, f := range files[keepLast:] {
		if err := os.Remove(f.path); err != nil {
			return fmt.Errorf("memory: removing %s: %w", f.path, err)
		}
		s.invalidate(f.path)
	}
	return nil
}

// ListCategories returns the category directories under the root,
// sorted.
func (s *Store) ListCategories() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("memory: listing categories: %w", err)
	}
	var out []string
	for _, entry := range entries {
		if entry.IsDir() {
			out = append(out, entry.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// tagsFor returns the tag set for the record at path, via the scoring
// cache, then the SQLite index, then a full parse.
func (s *Store) tagsFor(path string, mtime time.Time) ([]string, error) {
	s.mu.Lock()
	if c, ok := s.cache[path]; ok && c.mtime == mtime.Unix() {
		tags := c.tags
		s.mu.Unlock()
		return tags, nil
	}
	s.mu.Unlock()

	if tags, ok := s.index.lookup(path, mtime.Unix()); ok {
		return tags, nil
	}

	rec, err := s.parseFile(path, mtime)
	if err != nil {
		return nil, err
	}
	tags := rec.Tags
	if len(tags) == 0 {
		tags = extractTags(rec.UserTurn)
	}
	if s.index != nil {
		s.index.store(path, mtime.Unix(), tags)
	}
	return tags, nil
}

// recordFor returns the parsed record at path, via the scoring cache.
func (s *Store) recordFor(path string) (*parsedRecord, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	return s.parseFile(path, info.ModTime())
}

// parseFile reads, parses, tags, and caches the record at path.
func (s *Store) parseFile(path string, mtime time.Time) (*parsedRecord, error) {
	s.mu.Lock()
	if c, ok := s.cache[path]; ok && c.mtime == mtime.Unix() {
		rec := c.record
		s.mu.Unlock()
		return rec, nil
	}
	s.mu.Unlock()

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	rec, err := parseRecord(string(content))
	if err != nil {
		return nil, err
	}

	tags := rec.Tags
	if len(tags) == 0 {
		tags = extractTags(rec.UserTurn)
	}

	s.mu.Lock()
	s.cache[path] = cachedRecord{mtime: mtime.Unix(), record: rec, tags: tags}
	s.mu.Unlock()
	return rec, nil
}

// invalidate drops path from the scoring cache and the tag index. The
// directory watcher calls this when another process touches a record.
func (s *Store) invalidate(path string) {
	s.mu.Lock()
	delete(s.cache, path)
	s.mu.Unlock()
	s.index.forget(path)
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// slugify lowercases name and collapses every non-alphanumeric run to
// a single hyphen.
func slugify(name string) string {
	slug := slugPattern.ReplaceAllString(strings.ToLower(name), "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		return "agent"
	}
	return slug
}
