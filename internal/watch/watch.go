// Package watch turns filesystem events for one file into debounced
// "something changed" callbacks.
//
// The parent directory is watched rather than the file itself so that
// editors replacing the file via rename, and SQLite's -wal and -shm
// companions, are all observed.
package watch

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces bursts of events (a SQLite commit touches
// several files) into one callback.
const DefaultDebounce = 100 * time.Millisecond

// Option configures a [File].
type Option func(*File)

// WithDebounce overrides [DefaultDebounce].
func WithDebounce(d time.Duration) Option {
	return func(f *File) {
		if d > 0 {
			f.debounce = d
		}
	}
}

// WithCompanions also matches files sharing the watched file's name as a
// prefix, e.g. "storage.db-wal" for "storage.db".
func WithCompanions() Option {
	return func(f *File) { f.companions = true }
}

// File watches a single path.
type File struct {
	path       string
	debounce   time.Duration
	companions bool
	log        *slog.Logger
}

// NewFile creates a watcher for path. Nothing is watched until Subscribe.
func NewFile(path string, logger *slog.Logger, opts ...Option) *File {
	f := &File{path: filepath.Clean(path), debounce: DefaultDebounce, log: logger}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Path returns the watched path.
func (f *File) Path() string {
	return f.path
}

// Subscribe starts watching and calls fn, at most once per debounce window,
// after the file is written, created, removed or renamed. fn runs on the
// watcher goroutine. cancel stops the watcher and returns only after that
// goroutine has exited, so fn is never called after cancel returns.
func (f *File) Subscribe(fn func()) (cancel func(), err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	dir := filepath.Dir(f.path)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watching %q: %w", dir, err)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go f.loop(w, fn, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
		})
	}, nil
}

func (f *File) loop(w *fsnotify.Watcher, fn func(), stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer func() { _ = w.Close() }()

	// Stop and Reset never leave a stale tick behind (Go 1.23 timers).
	timer := time.NewTimer(f.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-stop:
			return

		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if !f.matches(event) {
				continue
			}
			timer.Reset(f.debounce)

		case <-timer.C:
			fn()

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			f.log.Error("file watcher error", "path", f.path, "error", err)
		}
	}
}

func (f *File) matches(event fsnotify.Event) bool {
	if event.Op == fsnotify.Chmod {
		return false
	}
	name := filepath.Clean(event.Name)
	if name == f.path {
		return true
	}
	return f.companions && strings.HasPrefix(name, f.path)
}
