package prompt

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads the template set when override files change.
type Watcher struct {
	dir    string
	fsw    *fsnotify.Watcher
	logger *zap.Logger
}

// NewWatcher starts watching dir, creating it if needed. Events are queued
// from this point on, before Run is called.
func NewWatcher(dir string, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	return &Watcher{dir: dir, fsw: fsw, logger: logger}, nil
}

// Run calls apply with a freshly loaded set after every change to a .yaml
// file in the directory. A set that fails to load is logged and skipped, so
// the previous one stays in effect. Run blocks until ctx is done and closes
// the watcher on return.
func (w *Watcher) Run(ctx context.Context, apply func(Set)) {
	defer w.fsw.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Ext(ev.Name) != ".yaml" || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) {
				continue
			}
			set, err := LoadSet(w.dir)
			if err != nil {
				w.logger.Warn("prompt reload failed", zap.String("file", ev.Name), zap.Error(err))
				continue
			}
			w.logger.Info("prompts reloaded", zap.String("file", ev.Name), zap.String("op", ev.Op.String()))
			apply(set)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("prompt watcher", zap.Error(err))
		}
	}
}
