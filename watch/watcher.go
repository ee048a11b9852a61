// Package watch ingests manifests dropped into a directory.
//
// Matching files are handed to a Handler once writes to them have settled,
// then moved to done/ on success or rejected/ (with a .error note) on failure.
package watch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/teranos/imgbatch/errors"
)

// Handler consumes one dropped file
type Handler func(ctx context.Context, path string) error

// Sub-directories that receive handled files
const (
	DoneDir     = "done"
	RejectedDir = "rejected"
)

// Config controls which files are picked up and when
type Config struct {
	Dir      string
	Pattern  string        // glob on the base name (default "*.csv")
	Debounce time.Duration // quiet period after the last write (default 500ms)
}

// DirWatcher watches one directory, non-recursively
type DirWatcher struct {
	cfg     Config
	handle  Handler
	watcher *fsnotify.Watcher
	log     *zap.SugaredLogger

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
	wg     sync.WaitGroup

	handled  atomic.Int64
	rejected atomic.Int64
}

// New prepares the directory layout and starts an fsnotify watch on cfg.Dir
func New(cfg Config, handle Handler, log *zap.SugaredLogger) (*DirWatcher, error) {
	if cfg.Dir == "" {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "watch directory is required")
	}
	if cfg.Pattern == "" {
		cfg.Pattern = "*.csv"
	}
	if _, err := filepath.Match(cfg.Pattern, "x"); err != nil {
		return nil, errors.Wrapf(errors.ErrInvalidRequest, "bad pattern %q", cfg.Pattern)
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 500 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	for _, sub := range []string{DoneDir, RejectedDir} {
		if err := os.MkdirAll(filepath.Join(cfg.Dir, sub), 0755); err != nil {
			return nil, errors.Wrapf(err, "failed to create %s", filepath.Join(cfg.Dir, sub))
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fsnotify watcher")
	}
	if err := watcher.Add(cfg.Dir); err != nil {
		watcher.Close()
		return nil, errors.Wrapf(err, "failed to watch %s", cfg.Dir)
	}

	return &DirWatcher{
		cfg:     cfg,
		handle:  handle,
		watcher: watcher,
		log:     log.With("dir", cfg.Dir),
		timers:  make(map[string]*time.Timer),
	}, nil
}

// Run handles files already present, then follows the directory until ctx
// is cancelled. Pending debounce timers are dropped; a file being handled is
// allowed to finish.
func (w *DirWatcher) Run(ctx context.Context) error {
	defer w.shutdown()

	entries, err := os.ReadDir(w.cfg.Dir)
	if err != nil {
		return errors.Wrapf(err, "failed to list %s", w.cfg.Dir)
	}
	for _, e := range entries {
		if !e.IsDir() {
			w.schedule(ctx, filepath.Join(w.cfg.Dir, e.Name()))
		}
	}

	w.log.Infow("Watching for manifests", "pattern", w.cfg.Pattern)
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				w.schedule(ctx, event.Name)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warnw("Watcher error", "error", err)
		}
	}
}

// Stats returns how many files were handled and rejected
func (w *DirWatcher) Stats() (handled, rejected int64) {
	return w.handled.Load(), w.rejected.Load()
}

func (w *DirWatcher) matches(path string) bool {
	if filepath.Dir(path) != filepath.Clean(w.cfg.Dir) {
		return false
	}
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	ok, _ := filepath.Match(w.cfg.Pattern, base)
	return ok
}

// schedule (re)starts the debounce timer for path
func (w *DirWatcher) schedule(ctx context.Context, path string) {
	if !w.matches(path) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if t, ok := w.timers[path]; ok && t.Stop() {
		t.Reset(w.cfg.Debounce)
		return
	}

	w.wg.Add(1)
	var t *time.Timer
	t = time.AfterFunc(w.cfg.Debounce, func() {
		defer w.wg.Done()
		w.mu.Lock()
		if w.timers[path] == t {
			delete(w.timers, path)
		}
		w.mu.Unlock()
		w.process(ctx, path)
	})
	w.timers[path] = t
}

func (w *DirWatcher) process(ctx context.Context, path string) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return
	}

	log := w.log.With("file", filepath.Base(path))
	handleErr := w.handle(ctx, path)
	if handleErr != nil && ctx.Err() != nil {
		// Interrupted; leave the file for the next run
		return
	}

	if handleErr == nil {
		if _, err := w.move(path, DoneDir); err != nil {
			log.Errorw("Failed to move handled file", "error", err)
		}
		w.handled.Add(1)
		return
	}

	w.rejected.Add(1)
	log.Warnw("Rejected dropped file", "error", handleErr)
	target, err := w.move(path, RejectedDir)
	if err != nil {
		log.Errorw("Failed to move rejected file", "error", err)
		return
	}
	if err := os.WriteFile(target+".error", []byte(handleErr.Error()+"\n"), 0644); err != nil {
		log.Warnw("Failed to write rejection note", "error", err)
	}
}

// move renames path into sub, prefixed with a UTC timestamp so repeated
// drops of the same name do not collide
func (w *DirWatcher) move(path, sub string) (string, error) {
	target := filepath.Join(w.cfg.Dir, sub,
		time.Now().UTC().Format("20060102T150405.000")+"-"+filepath.Base(path))
	if err := os.Rename(path, target); err != nil {
		return "", errors.Wrapf(err, "failed to move %s to %s", path, sub)
	}
	return target, nil
}

func (w *DirWatcher) shutdown() {
	w.mu.Lock()
	w.closed = true
	for path, t := range w.timers {
		if t.Stop() {
			w.wg.Done()
		}
		delete(w.timers, path)
	}
	w.mu.Unlock()

	w.wg.Wait()
	if err := w.watcher.Close(); err != nil {
		w.log.Debugw("Watcher close failed", "error", err)
	}
}
