package knowledge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads the knowledge base when its file or directory changes.
// A reload that fails keeps the previous Base in service.
type Watcher struct {
	path     string
	dir      bool
	debounce time.Duration
	onReload func(*Base)
	logger   *zap.Logger
}

// NewWatcher watches path and calls onReload with each successfully
// reloaded Base.
func NewWatcher(path string, onReload func(*Base), logger *zap.Logger) (*Watcher, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat knowledge base: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		path:     filepath.Clean(path),
		dir:      info.IsDir(),
		debounce: 300 * time.Millisecond,
		onReload: onReload,
		logger:   logger.With(zap.String("component", "kb_watcher")),
	}, nil
}

// Run blocks until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()

	// Watch the parent for single files so editor rename-on-save is seen.
	target := w.path
	if !w.dir {
		target = filepath.Dir(w.path)
	}
	if err := fw.Add(target); err != nil {
		return fmt.Errorf("watch %s: %w", target, err)
	}
	w.logger.Info("Watching knowledge base", zap.String("path", w.path))

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(ev) {
				continue
			}
			w.logger.Debug("Knowledge base changed", zap.String("file", ev.Name), zap.String("op", ev.Op.String()))
			timer.Reset(w.debounce)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("Watcher error", zap.Error(err))
		case <-timer.C:
			w.reload()
		}
	}
}

func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
		return false
	}
	name := filepath.Clean(ev.Name)
	if !w.dir {
		return name == w.path
	}
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

func (w *Watcher) reload() {
	base, err := LoadPath(w.path, w.logger)
	if err != nil {
		w.logger.Error("Knowledge base reload failed, keeping previous version", zap.Error(err))
		return
	}
	w.logger.Info("Knowledge base reloaded", zap.Int("steps", base.Len()))
	if w.onReload != nil {
		w.onReload(base)
	}
}
