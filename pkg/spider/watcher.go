package spider

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/arbordata/arbor/pkg/registry"
)

// Watcher re-resolves a YAML resource specification when it changes on
// disk and merges the result into a mutable registry, so a running server
// picks up new resources without a restart.
type Watcher struct {
	specPath string
	target   registry.Mutable
	walkOpts WalkOptions
	watcher  *fsnotify.Watcher
	logger   *slog.Logger

	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	debounce time.Duration
}

// NewWatcher builds a watcher over the spec file feeding the registry.
func NewWatcher(specPath string, target registry.Mutable, walkOpts WalkOptions, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		specPath: specPath,
		target:   target,
		walkOpts: walkOpts,
		watcher:  fsw,
		logger:   logger,
		stopCh:   make(chan struct{}),
		debounce: time.Second,
	}, nil
}

// Start begins watching. The spec's directory is watched rather than the
// file itself because editors often replace files by rename.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.watcher.Add(filepath.Dir(w.specPath)); err != nil {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		return err
	}

	w.logger.Info("resource spec watcher started", "spec", w.specPath)
	go w.watchLoop(ctx)
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return nil
	}
	w.running = false
	close(w.stopCh)
	return w.watcher.Close()
}

func (w *Watcher) watchLoop(ctx context.Context) {
	var debounceTimer *time.Timer
	var timerCh <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.specPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.NewTimer(w.debounce)
			timerCh = debounceTimer.C
		case <-timerCh:
			timerCh = nil
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("spec watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	f, err := os.Open(w.specPath)
	if err != nil {
		w.logger.Error("failed to reopen resource spec", "spec", w.specPath, "error", err)
		return
	}
	defer f.Close()

	resolved, err := FromYAML(f, w.walkOpts)
	if err != nil {
		w.logger.Error("failed to reload resource spec", "spec", w.specPath, "error", err)
		return
	}
	w.target.Merge(resolved.Snapshot())
	w.logger.Info("resource spec reloaded", "resources", len(resolved.Names()))
}
