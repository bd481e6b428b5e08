package plans

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/honestinvoice/gatekeeper/pkg/observability"
)

// Watcher reloads a YAML catalog file into a SwappableCatalog when it
// changes on disk. A file that fails validation is logged and ignored; the
// previous catalog stays live.
type Watcher struct {
	path     string
	target   *SwappableCatalog
	logger   *observability.Logger
	metrics  *observability.Metrics
	debounce time.Duration
}

// NewWatcher creates a watcher for path. metrics may be nil.
func NewWatcher(path string, target *SwappableCatalog, logger *observability.Logger, metrics *observability.Metrics) *Watcher {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Watcher{
		path:     filepath.Clean(path),
		target:   target,
		logger:   logger.WithField("component", "plan_watcher"),
		metrics:  metrics,
		debounce: 200 * time.Millisecond,
	}
}

// Run watches until ctx is cancelled. The parent directory is watched so
// that atomic replace-by-rename deployments are picked up.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(w.path), err)
	}

	w.logger.Infof("Watching plan catalog %s", w.path)

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				pending = time.After(w.debounce)
			}
		case <-pending:
			pending = nil
			w.Reload()
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.WithError(err).Warn("Plan catalog watcher error")
		}
	}
}

// Reload loads the file once and swaps it in on success
func (w *Watcher) Reload() bool {
	next, err := LoadFile(w.path)
	if err != nil {
		w.logger.WithError(err).Error("Rejected plan catalog reload, keeping previous catalog")
		w.count("rejected")
		return false
	}
	w.target.Swap(next)
	w.logger.Info("Plan catalog reloaded")
	w.count("ok")
	return true
}

func (w *Watcher) count(result string) {
	if w.metrics != nil {
		w.metrics.CatalogReloads.WithLabelValues(result).Inc()
	}
}
