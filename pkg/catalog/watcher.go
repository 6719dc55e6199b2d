package catalog

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ApplyFunc installs a freshly loaded snapshot.
type ApplyFunc func(ctx context.Context, snap *Snapshot) error

// Watcher reloads a catalog file when it changes on disk.
type Watcher struct {
	path     string
	apply    ApplyFunc
	logger   zerolog.Logger
	debounce time.Duration

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewWatcher creates a watcher for the catalog file at path.
func NewWatcher(path string, apply ApplyFunc, logger zerolog.Logger) *Watcher {
	return &Watcher{
		path:     filepath.Clean(path),
		apply:    apply,
		logger:   logger.With().Str("component", "catalog-watcher").Logger(),
		debounce: 500 * time.Millisecond,
	}
}

// Start begins watching. The parent directory is watched so that editors
// replacing the file by rename are noticed.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		_ = fw.Close()
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}

	w.mu.Lock()
	w.watcher = fw
	w.done = make(chan struct{})
	w.mu.Unlock()

	go w.processEvents(ctx, fw)

	w.logger.Info().Str("path", w.path).Msg("Started watching catalog")
	return nil
}

// Close stops the watcher and waits for the event loop to exit.
func (w *Watcher) Close() error {
	w.mu.Lock()
	fw, done := w.watcher, w.done
	w.watcher = nil
	w.mu.Unlock()

	if fw == nil {
		return nil
	}
	err := fw.Close()
	<-done
	return err
}

func (w *Watcher) processEvents(ctx context.Context, fw *fsnotify.Watcher) {
	defer close(w.done)

	var reloadTimer *time.Timer
	defer func() {
		if reloadTimer != nil {
			reloadTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			w.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Catalog file changed")

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(w.debounce, func() {
				if err := w.reload(ctx); err != nil {
					w.logger.Error().Err(err).Msg("Failed to reload catalog")
				}
			})

		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (w *Watcher) reload(ctx context.Context) error {
	snap, err := Load(w.path)
	if err != nil {
		return err
	}
	if err := w.apply(ctx, snap); err != nil {
		return fmt.Errorf("failed to apply reloaded catalog: %w", err)
	}
	w.logger.Info().
		Int("goals", len(snap.Goals())).
		Int("strategies", len(snap.Strategies())).
		Msg("Catalog reloaded")
	return nil
}
