package launch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 500 * time.Millisecond

// Patterns that never trigger a reload. They cover VCS metadata,
// interpreter caches, and editor noise.
var reloadIgnores = []string{
	"**/.git/**",
	"**/__pycache__/**",
	"**/node_modules/**",
	"**/*.swp",
	"**/*~",
	"**/.DS_Store",
}

// Watches a source tree and reports debounced batches of changed files.
//
// Events inside the debounce window coalesce, so an editor writing and
// renaming a temp file triggers one reload, not two.
type watcher struct {
	fsw      *fsnotify.Watcher
	dir      string
	patterns []string
	debounce time.Duration
}

func newWatcher(dir string, patterns []string, debounce time.Duration) (*watcher, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrWatch, err)
	}

	for _, pat := range patterns {
		if _, err := doublestar.Match(pat, ""); err != nil {
			return nil, fmt.Errorf("%w: invalid pattern %q: %w", ErrWatch, pat, err)
		}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrWatch, err)
	}

	if debounce <= 0 {
		debounce = defaultDebounce
	}

	w := &watcher{fsw: fsw, dir: abs, patterns: patterns, debounce: debounce}

	if err := w.addDirs(); err != nil {
		fsw.Close()
		return nil, err
	}

	return w, nil
}

// Blocks until ctx is cancelled, sending one value on changed per debounced
// batch of matching filesystem events.
func (w *watcher) run(ctx context.Context, changed chan<- struct{}) error {
	defer w.fsw.Close()

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case evt, ok := <-w.fsw.Events:
			if !ok {
				return fmt.Errorf("%w: event channel closed", ErrWatch)
			}

			rel, err := filepath.Rel(w.dir, evt.Name)
			if err != nil {
				rel = evt.Name
			}
			if !w.matches(rel) {
				continue
			}

			// Directories created after startup must be watched too.
			if evt.Has(fsnotify.Create) {
				w.maybeAddDir(evt.Name)
			}

			slog.Debug("source change", "path", rel, "op", evt.Op)

			if timer == nil {
				timer = time.AfterFunc(w.debounce, func() {
					select {
					case changed <- struct{}{}:
					default:
					}
				})
			} else {
				timer.Reset(w.debounce)
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return fmt.Errorf("%w: error channel closed", ErrWatch)
			}
			slog.Warn("watch error", "error", err)
		}
	}
}

// Registers every non-ignored directory under the watch root. fsnotify
// watches are not recursive, so each directory is added individually.
func (w *watcher) addDirs() error {
	err := filepath.WalkDir(w.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			slog.Warn("skipping unreadable path", "path", path, "error", err)
			return nil
		}
		if !d.IsDir() {
			return nil
		}

		rel, relErr := filepath.Rel(w.dir, path)
		if relErr != nil {
			return nil
		}
		if ignored(rel) || ignored(rel+"/") {
			return filepath.SkipDir
		}

		return w.fsw.Add(path)
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWatch, err)
	}
	return nil
}

func (w *watcher) maybeAddDir(path string) {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return
	}

	rel, err := filepath.Rel(w.dir, path)
	if err != nil || ignored(rel) || ignored(rel+"/") {
		return
	}

	if err := w.fsw.Add(path); err != nil {
		slog.Warn("failed to watch new directory", "path", path, "error", err)
	}
}

// Reports whether a path relative to the watch root should trigger a
// reload. An empty pattern list matches every non-ignored file.
func (w *watcher) matches(rel string) bool {
	normalized := filepath.ToSlash(rel)
	if ignored(normalized) {
		return false
	}
	if len(w.patterns) == 0 {
		return true
	}
	for _, pat := range w.patterns {
		if ok, err := doublestar.Match(pat, normalized); err == nil && ok {
			return true
		}
	}
	return false
}

func ignored(rel string) bool {
	normalized := filepath.ToSlash(rel)
	for _, pat := range reloadIgnores {
		if ok, err := doublestar.Match(pat, normalized); err == nil && ok {
			return true
		}
	}
	return false
}
