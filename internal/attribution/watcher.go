package attribution

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const reloadDelay = 100 * time.Millisecond

// Watcher reloads the engine's corpus when its file changes. An invalid file
// is logged and the previous corpus stays in service.
type Watcher struct {
	engine *Engine
	path   string
	logger *zap.Logger
	fs     *fsnotify.Watcher
}

// NewWatcher watches the directory holding path so that editor renames are seen
func NewWatcher(engine *Engine, path string, logger *zap.Logger) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create corpus watcher: %w", err)
	}

	path = filepath.Clean(path)
	if err := fs.Add(filepath.Dir(path)); err != nil {
		fs.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	return &Watcher{
		engine: engine,
		path:   path,
		logger: logger,
		fs:     fs,
	}, nil
}

// Run processes file events until ctx is done
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fs.Close()

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				// editors often write in several steps
				pending = time.After(reloadDelay)
			}

		case <-pending:
			pending = nil
			w.Reload()

		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Corpus watcher error", zap.Error(err))
		}
	}
}

// Reload reads the corpus file and swaps it in when valid
func (w *Watcher) Reload() bool {
	corpus, err := LoadCorpus(w.path)
	if err != nil {
		w.logger.Error("Failed to reload attribution corpus, keeping previous version",
			zap.String("path", w.path),
			zap.String("version", w.engine.Version()),
			zap.Error(err))
		return false
	}
	w.engine.Swap(corpus)
	return true
}
