// Package planstore persists a TaskGraph to disk and guards every
// read-modify-write cycle against both other goroutines in this process
// (a per-path sync.Mutex) and other processes (a gofrs/flock advisory
// lock on a sibling ".lock" file), mirroring the dispatcher's need to
// record each subtask's lifecycle transition before scheduling the next
// wave.
package planstore

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/loomrun/loom/internal/filelock"
	"github.com/loomrun/loom/internal/models"
)

// lockTimeout bounds how long a writer waits on another process's
// flock before giving up. A plan writer stuck behind a dead process
// should fail fast, not hang the dispatcher.
const lockTimeout = 10 * time.Second

// Store persists TaskGraph snapshots under a directory, one JSON file
// per plan, named by plan ID.
type Store struct {
	dir string

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	monitor func(path string, metrics filelock.LockMetrics)
}

// New returns a Store rooted at dir, creating it if necessary.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("planstore: creating %s: %w", dir, err)
	}
	return &Store{dir: dir, locks: make(map[string]*sync.Mutex)}, nil
}

// SetLockMonitor registers a callback receiving the flock metrics of
// every plan write, for observability of cross-process contention.
// Pass nil to disable.
func (s *Store) SetLockMonitor(fn func(path string, metrics filelock.LockMetrics)) {
	s.mu.Lock()
	s.monitor = fn
	s.mu.Unlock()
}

// writeLocked performs the cross-process-safe atomic write: acquire
// the sibling .lock file with a bounded wait, write temp+rename, then
// release and remove the lock file. The per-path in-process mutex is
// already held by every caller.
func (s *Store) writeLocked(path string, data []byte) error {
	lockPath := path + ".lock"
	lock := filelock.NewFileLock(lockPath)

	s.mu.Lock()
	monitor := s.monitor
	s.mu.Unlock()
	if monitor != nil {
		lock.SetMonitor(monitor)
	}

	if err := lock.LockWithTimeout(lockTimeout); err != nil {
		return err
	}
	defer os.Remove(lockPath)
	defer lock.Unlock()

	return filelock.AtomicWrite(path, data)
}

func (s *Store) pathFor(planID string) string {
	return s.dir + "/" + planID + ".json"
}

// perPathMutex returns the in-process mutex guarding planID, creating
// one on first use.
func (s *Store) perPathMutex(planID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.locks[planID]
	if !ok {
		m = &sync.Mutex{}
		s.locks[planID] = m
	}
	return m
}

// Create persists graph under a fresh identifier derived from the
// current time and a slug of label, so plan files sort by creation
// time. Returns the new plan ID and the file path it was written to.
func (s *Store) Create(graph *models.TaskGraph, label string) (planID, path string, err error) {
	planID = time.Now().Format("20060102-150405") + "_" + slugifyLabel(label)
	if err := s.Save(planID, graph); err != nil {
		return "", "", err
	}
	return planID, s.pathFor(planID), nil
}

// Path returns the file path a plan ID maps to.
func (s *Store) Path(planID string) string {
	return s.pathFor(planID)
}

// slugifyLabel lowercases label and collapses non-alphanumeric runs to
// single hyphens, capped at 40 characters.
func slugifyLabel(label string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(label) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case b.Len() > 0 && !strings.HasSuffix(b.String(), "-"):
			b.WriteByte('-')
		}
	}
	slug := strings.Trim(b.String(), "-")
	if len(slug) > 40 {
		slug = slug[:40]
	}
	if slug == "" {
		return "plan"
	}
	return slug
}

// Save writes graph for planID, replacing any prior snapshot atomically.
func (s *Store) Save(planID string, graph *models.TaskGraph) error {
	mu := s.perPathMutex(planID)
	mu.Lock()
	defer mu.Unlock()

	data, err := json.MarshalIndent(graph, "", "  ")
	if err != nil {
		return fmt.Errorf("planstore: marshaling plan %s: %w", planID, err)
	}
	if err := s.writeLocked(s.pathFor(planID), data); err != nil {
		return fmt.Errorf("planstore: writing plan %s: %w", planID, err)
	}
	return nil
}

// Load reads the current snapshot for planID. Returns os.ErrNotExist
// (wrapped) if no such plan has been saved.
func (s *Store) Load(planID string) (*models.TaskGraph, error) {
	mu := s.perPathMutex(planID)
	mu.Lock()
	defer mu.Unlock()

	data, err := os.ReadFile(s.pathFor(planID))
	if err != nil {
		return nil, fmt.Errorf("planstore: reading plan %s: %w", planID, err)
	}

	var graph models.TaskGraph
	if err := json.Unmarshal(data, &graph); err != nil {
		return nil, fmt.Errorf("planstore: parsing plan %s: %w", planID, err)
	}
	return &graph, nil
}

// UpdateSubtask loads planID, applies mutate to the subtask identified
// by subtaskID, and saves the result — all while holding the per-path
// mutex, so the load-mutate-save cycle is atomic with respect to other
// goroutines updating the same plan.
func (s *Store) UpdateSubtask(planID, subtaskID string, mutate func(*models.Subtask)) error {
	mu := s.perPathMutex(planID)
	mu.Lock()
	defer mu.Unlock()

	data, err := os.ReadFile(s.pathFor(planID))
	if err != nil {
		return fmt.Errorf("planstore: reading plan %s: %w", planID, err)
	}
	var graph models.TaskGraph
	if err := json.Unmarshal(data, &graph); err != nil {
		return fmt.Errorf("planstore: parsing plan %s: %w", planID, err)
	}

	found := false
	for i := range graph.Subtasks {
		if graph.Subtasks[i].ID == subtaskID {
			mutate(&graph.Subtasks[i])
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("planstore: subtask %q not found in plan %s", subtaskID, planID)
	}

	out, err := json.MarshalIndent(&graph, "", "  ")
	if err != nil {
		return fmt.Errorf("planstore: marshaling plan %s: %w", planID, err)
	}
	if err := s.writeLocked(s.pathFor(planID), out); err != nil {
		return fmt.Errorf("planstore: writing plan %s: %w", planID, err)
	}
	return nil
}

// Exists reports whether planID has a saved snapshot.
func (s *Store) Exists(planID string) bool {
	_, err := os.Stat(s.pathFor(planID))
	return err == nil
}
