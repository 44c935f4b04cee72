// Package watch monitors graph and shape files on disk and reports debounced,
// content-level changes so a host can rerun validation or harmonization.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long the watcher waits for more writes before reporting.
const DefaultDebounce = 100 * time.Millisecond

// Operation indicates the type of change.
type Operation string

const (
	OpModify Operation = "modify"
	OpDelete Operation = "delete"
)

// Change is one reported file change.
type Change struct {
	Path      string
	Operation Operation
}

// ChangeFunc handles a batch of changes, sorted by path. A returned error is
// logged and counted; it does not stop the watcher.
type ChangeFunc func(ctx context.Context, changes []Change) error

// Status summarizes watcher activity.
type Status struct {
	Files      []string
	Batches    int
	Errors     int
	LastChange time.Time
	LastError  string
}

// Option configures a FileWatcher.
type Option func(*FileWatcher)

// WithDebounce sets the quiet period before a batch is reported.
func WithDebounce(d time.Duration) Option {
	return func(w *FileWatcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *FileWatcher) {
		w.logger = logger
	}
}

// FileWatcher watches a fixed set of files. Editors often replace files
// instead of writing them in place, so the parent directories are watched and
// events are filtered by name.
type FileWatcher struct {
	files    map[string]bool
	debounce time.Duration
	logger   *slog.Logger
	onChange ChangeFunc

	mu      sync.Mutex
	pending map[string]fsnotify.Op
	hashes  map[string]uint64
	status  Status
}

// New creates a watcher for files. Paths are made absolute.
func New(files []string, onChange ChangeFunc, opts ...Option) (*FileWatcher, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("no files to watch")
	}
	if onChange == nil {
		return nil, fmt.Errorf("change handler is required")
	}
	w := &FileWatcher{
		files:    make(map[string]bool, len(files)),
		debounce: DefaultDebounce,
		onChange: onChange,
		pending:  make(map[string]fsnotify.Op),
		hashes:   make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	for _, f := range files {
		abs, err := filepath.Abs(f)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", f, err)
		}
		w.files[abs] = true
		w.status.Files = append(w.status.Files, abs)
	}
	sort.Strings(w.status.Files)
	return w, nil
}

// Run watches until ctx is done. Current contents are hashed first so only
// real edits are reported.
func (w *FileWatcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fsw.Close()

	dirs := make(map[string]bool)
	for _, f := range w.status.Files {
		w.remember(f)
		dirs[filepath.Dir(f)] = true
	}
	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		w.logger.Debug("Watching directory", "path", dir)
	}

	w.logger.Info("File watcher started", "files", len(w.files), "debounce", w.debounce)

	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.handle(event)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("Watcher error", "error", err)

		case <-ticker.C:
			w.flush(ctx)
		}
	}
}

// Status returns a copy of the current status.
func (w *FileWatcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.status
	s.Files = append([]string(nil), w.status.Files...)
	return s
}

func (w *FileWatcher) handle(event fsnotify.Event) {
	name := filepath.Clean(event.Name)
	if !w.files[name] {
		return
	}
	w.mu.Lock()
	w.pending[name] |= event.Op
	w.mu.Unlock()
	w.logger.Debug("File change detected", "path", name, "op", event.Op.String())
}

func (w *FileWatcher) remember(path string) {
	sum, ok := hashFile(path)
	w.mu.Lock()
	defer w.mu.Unlock()
	if ok {
		w.hashes[path] = sum
	} else {
		delete(w.hashes, path)
	}
}

// flush reports pending changes whose content differs from the last seen state.
func (w *FileWatcher) flush(ctx context.Context) {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	toProcess := w.pending
	w.pending = make(map[string]fsnotify.Op)
	w.mu.Unlock()

	var changes []Change
	for path := range toProcess {
		sum, exists := hashFile(path)

		w.mu.Lock()
		old, had := w.hashes[path]
		switch {
		case !exists && had:
			delete(w.hashes, path)
			changes = append(changes, Change{Path: path, Operation: OpDelete})
		case exists && (!had || old != sum):
			w.hashes[path] = sum
			changes = append(changes, Change{Path: path, Operation: OpModify})
		}
		w.mu.Unlock()
	}
	if len(changes) == 0 {
		return
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })

	err := w.onChange(ctx, changes)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.status.Batches++
	w.status.LastChange = time.Now()
	if err != nil {
		w.status.Errors++
		w.status.LastError = err.Error()
		w.logger.Warn("Change handler failed", "changes", len(changes), "error", err)
	}
}

func hashFile(path string) (uint64, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	return xxhash.Sum64(data), true
}
