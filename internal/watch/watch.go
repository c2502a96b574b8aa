// Package watch reports source changes under the backend directory so the
// supervisor can reload the backend.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"vawter.tech/stopper"
)

// DefaultDebounce collapses bursts such as an editor's save-rename-chmod.
const DefaultDebounce = 500 * time.Millisecond

// DefaultPatterns are matched against file base names.
var DefaultPatterns = []string{"*.py"}

// skipDirs are never watched.
var skipDirs = map[string]bool{
	"__pycache__": true, ".git": true, ".venv": true, "venv": true, "node_modules": true,
}

// Options configures a Watcher.
type Options struct {
	Root     string
	Patterns []string
	Debounce time.Duration
}

// Watcher calls onChange once per debounced burst of matching events.
type Watcher struct {
	opts     Options
	onChange func(path string)
	fsw      *fsnotify.Watcher

	mu      sync.Mutex
	timer   *time.Timer
	pending string
}

// New validates the patterns and registers every directory below Root.
func New(opts Options, onChange func(path string)) (*Watcher, error) {
	if onChange == nil {
		return nil, errors.New("watch: onChange is required")
	}
	if len(opts.Patterns) == 0 {
		opts.Patterns = DefaultPatterns
	}
	for _, p := range opts.Patterns {
		if _, err := filepath.Match(p, ""); err != nil {
			return nil, fmt.Errorf("watch: bad pattern %q: %w", p, err)
		}
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, err
	}
	opts.Root = root

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{opts: opts, onChange: onChange, fsw: fsw}
	if err := w.addTree(root); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return w, nil
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && skipDirs[d.Name()] {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}

func (w *Watcher) matches(path string) bool {
	base := filepath.Base(path)
	for _, p := range w.opts.Patterns {
		if ok, _ := filepath.Match(p, base); ok {
			return true
		}
	}
	return false
}

// Run delivers changes until ctx is done. It closes the underlying watcher on
// return.
func (w *Watcher) Run(ctx context.Context) error {
	sctx := stopper.WithContext(ctx)
	sctx.Defer(func() {
		_ = w.fsw.Close()
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
	})
	sctx.Go(func(sctx *stopper.Context) error {
		for {
			select {
			case <-sctx.Stopping():
				return nil
			case ev, ok := <-w.fsw.Events:
				if !ok {
					return nil
				}
				w.handle(ev)
			case err, ok := <-w.fsw.Errors:
				if !ok {
					return nil
				}
				slog.Warn("File watcher error", "root", w.opts.Root, "error", err)
			}
		}
	})
	slog.Info("Watching backend sources", "root", w.opts.Root, "patterns", w.opts.Patterns)
	<-ctx.Done()
	sctx.Stop(time.Second)
	err := sctx.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if ev.Has(fsnotify.Create) {
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() && !skipDirs[fi.Name()] {
			if err := w.addTree(ev.Name); err != nil {
				slog.Warn("Failed to watch new directory", "path", ev.Name, "error", err)
			}
			return
		}
	}
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return
	}
	if !w.matches(ev.Name) || strings.HasPrefix(filepath.Base(ev.Name), ".") {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = ev.Name
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.opts.Debounce, w.fire)
}

func (w *Watcher) fire() {
	w.mu.Lock()
	path := w.pending
	w.pending = ""
	w.mu.Unlock()
	if path == "" {
		return
	}
	slog.Info("Backend source changed", "path", path)
	w.onChange(path)
}
