package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 100 * time.Millisecond

// ReloadFunc receives freshly read policy modules keyed by file name.
type ReloadFunc func(ctx context.Context, modules map[string]string) error

// LoadPolicyModules reads a single Rego file into a module map.
func LoadPolicyModules(path string) (map[string]string, error) {
	// #nosec G304 -- Policy path is configured at startup
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file %s: %w", path, err)
	}
	return map[string]string{filepath.Base(path): string(data)}, nil
}

// PolicyWatcher reloads a policy file whenever it changes on disk.
type PolicyWatcher struct {
	path     string
	reload   ReloadFunc
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
	debounce time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPolicyWatcher watches the directory holding path. Call Start to begin
// delivering reloads and Close to stop.
func NewPolicyWatcher(path string, reload ReloadFunc, logger *slog.Logger) (*PolicyWatcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}

	return &PolicyWatcher{
		path:     absPath,
		reload:   reload,
		logger:   logger,
		watcher:  watcher,
		debounce: defaultDebounce,
	}, nil
}

// Start runs the watch loop until ctx is done or Close is called.
func (w *PolicyWatcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.watchLoop(ctx)
	}()
}

// Close stops the watcher and waits for the loop to exit.
func (w *PolicyWatcher) Close() error {
	if w.cancel != nil {
		w.cancel()
	}
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

func (w *PolicyWatcher) watchLoop(ctx context.Context) {
	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Chmod) {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(w.debounce, func() {
					w.apply(ctx)
				})
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("policy watcher error", "error", err)
		}
	}
}

func (w *PolicyWatcher) apply(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	modules, err := LoadPolicyModules(w.path)
	if err != nil {
		w.logger.Error("policy reload failed", "path", w.path, "error", err)
		return
	}
	if err := w.reload(ctx, modules); err != nil {
		w.logger.Error("policy reload rejected", "path", w.path, "error", err)
		return
	}
	w.logger.Info("policy reloaded", "path", w.path)
}
