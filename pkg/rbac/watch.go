package rbac

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/platinummonkey/campus/pkg/observability"
)

// SeedWatcher re-applies the seed catalog when its file changes
type SeedWatcher struct {
	path     string
	delay    time.Duration
	reload   func(ctx context.Context) error
	logger   *observability.Logger
	watcher  *fsnotify.Watcher
	reloaded chan struct{}
}

// NewSeedWatcher watches path. reload runs once per burst of changes, after
// delay has passed without another change.
func NewSeedWatcher(path string, delay time.Duration, reload func(ctx context.Context) error, logger *observability.Logger) (*SeedWatcher, error) {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	// editors replace files through renames, so watch the directory
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", path, err)
	}

	return &SeedWatcher{
		path:     filepath.Clean(path),
		delay:    delay,
		reload:   reload,
		logger:   logger.WithFields(map[string]interface{}{"component": "rbac.seed_watcher", "path": path}),
		watcher:  watcher,
		reloaded: make(chan struct{}, 1),
	}, nil
}

// Run processes file events until ctx is done
func (w *SeedWatcher) Run(ctx context.Context) {
	defer observability.RecoverPanic(w.logger, "seed watcher")

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.delay)
			fire = timer.C

		case <-fire:
			fire = nil
			if err := w.reload(ctx); err != nil {
				w.logger.WithError(err).Error("failed to re-apply seed catalog")
				continue
			}
			w.logger.Info("seed catalog re-applied")
			select {
			case w.reloaded <- struct{}{}:
			default:
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("seed watcher error")
		}
	}
}

// Reloaded signals after each successful reload
func (w *SeedWatcher) Reloaded() <-chan struct{} {
	return w.reloaded
}

// Close stops watching
func (w *SeedWatcher) Close() error {
	return w.watcher.Close()
}
