package memory

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces the create+write burst a temp+rename write
// produces into one invalidation.
const watchDebounce = 100 * time.Millisecond

// Watcher invalidates a Store's scoring cache when record files change
// underneath it — a second loom process dropping a record into a shared
// memory root becomes visible to this process's next retrieval without
// waiting for an mtime mismatch.
type Watcher struct {
	store    *Store
	watcher  *fsnotify.Watcher
	done     chan struct{}
	debounce map[string]*time.Timer
}

// Watch starts a directory watcher over the store's root and category
// directories. Call Close to stop it. Errors from the underlying
// watcher are dropped; cache invalidation is best-effort, the mtime
// check in tagsFor catches anything missed.
func Watch(store *Store) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		store:    store,
		watcher:  fsw,
		done:     make(chan struct{}),
		debounce: make(map[string]*time.Timer),
	}

	if err := fsw.Add(store.Root()); err != nil {
		fsw.Close()
		return nil, err
	}
	if categories, err := store.ListCategories(); err == nil {
		for _, category := range categories {
			fsw.Add(filepath.Join(store.Root(), category))
		}
	}

	go w.loop()
	return w, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(event)
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	// A directory appearing under the root is a new category: watch it.
	if event.Op.Has(fsnotify.Create) {
		if filepath.Dir(event.Name) == w.store.Root() && !strings.Contains(filepath.Base(event.Name), ".") {
			w.watcher.Add(event.Name)
			return
		}
	}

	if !strings.HasSuffix(event.Name, ".txt") {
		return
	}
	if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) &&
		!event.Op.Has(fsnotify.Remove) && !event.Op.Has(fsnotify.Rename) {
		return
	}

	// Debounce: temp+rename produces several events per record.
	path := event.Name
	if timer, ok := w.debounce[path]; ok {
		timer.Stop()
	}
	w.debounce[path] = time.AfterFunc(watchDebounce, func() {
		w.store.invalidate(path)
	})
}
