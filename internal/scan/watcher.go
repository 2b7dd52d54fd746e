package scan

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/franz/music-collection/internal/util"
)

// DefaultDebounce is how long the watcher waits for a burst of changes to settle
const DefaultDebounce = 5 * time.Second

// ChangeFunc receives the directories that changed since the last call
type ChangeFunc func(ctx context.Context, dirs []string) error

// Watcher reports changed directories below a set of roots
type Watcher struct {
	watcher  *fsnotify.Watcher
	debounce time.Duration
	isAudio  func(string) bool

	mu      sync.Mutex
	pending map[string]struct{}
	timer   *time.Timer
	fire    chan struct{}
}

// NewWatcher creates a watcher. Files are filtered by the scanner's
// extensions; directory events are always reported.
func NewWatcher(s *Scanner, debounce time.Duration) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		watcher:  fw,
		debounce: debounce,
		isAudio:  s.isAudioFile,
		pending:  make(map[string]struct{}),
		fire:     make(chan struct{}, 1),
	}, nil
}

// Watch adds every directory below roots and calls onChange with the
// directories touched during each debounce window. It returns when ctx is
// done or onChange fails.
func (w *Watcher) Watch(ctx context.Context, roots []string, onChange ChangeFunc) error {
	defer w.stop()

	for _, root := range roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			return fmt.Errorf("failed to resolve %s: %w", root, err)
		}
		if err := w.addTree(abs); err != nil {
			return err
		}
	}
	util.InfoLog("Watching %d directories", len(w.watcher.WatchList()))

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			util.WarnLog("Watcher error: %v", err)

		case <-w.fire:
			dirs := w.drain()
			if len(dirs) == 0 {
				continue
			}
			util.InfoLog("Changes in %d directories", len(dirs))
			if err := onChange(ctx, dirs); err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			}
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
		return
	}
	if strings.HasPrefix(filepath.Base(event.Name), ".") {
		return
	}

	dir := filepath.Dir(event.Name)
	if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
		if event.Has(fsnotify.Create) {
			if err := w.addTree(event.Name); err != nil {
				util.WarnLog("Failed to watch %s: %v", event.Name, err)
			}
		}
		dir = event.Name
	} else if err == nil && !w.isAudio(event.Name) {
		return
	}
	// removed paths cannot be stat'ed; their parent directory is rescanned

	util.DebugLog("Watcher event %s on %s", event.Op, event.Name)
	w.mu.Lock()
	w.pending[dir] = struct{}{}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		select {
		case w.fire <- struct{}{}:
		default:
		}
	})
	w.mu.Unlock()
}

// drain returns the pending directories, dropping any that are below another
func (w *Watcher) drain() []string {
	w.mu.Lock()
	dirs := make([]string, 0, len(w.pending))
	for d := range w.pending {
		dirs = append(dirs, d)
	}
	w.pending = make(map[string]struct{})
	w.mu.Unlock()

	sort.Strings(dirs)
	out := dirs[:0]
	for _, d := range dirs {
		if len(out) > 0 && isBelow(d, out[len(out)-1]) {
			continue
		}
		out = append(out, d)
	}
	return out
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			util.WarnLog("Error accessing path %s: %v", path, err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return fs.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}

func (w *Watcher) stop() {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()
	if err := w.watcher.Close(); err != nil {
		util.DebugLog("Failed to close watcher: %v", err)
	}
}

// isBelow reports whether path is inside dir
func isBelow(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	return err == nil && rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
