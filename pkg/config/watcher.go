package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/frostguard/frostguard/internal/log"
)

// watchDebounce coalesces the write bursts editors and atomic renames
// produce into a single reload.
const watchDebounce = 500 * time.Millisecond

// Watcher reloads the configuration when its file changes and hands valid
// reloads to the callback. Invalid edits are logged and ignored, keeping the
// previous configuration active.
type Watcher struct {
	provider *YAMLProvider
	onReload func(*Config)
}

// NewWatcher creates a watcher over the provider's file.
func NewWatcher(provider *YAMLProvider, onReload func(*Config)) *Watcher {
	return &Watcher{provider: provider, onReload: onReload}
}

// Run watches until the context is cancelled. The parent directory is
// watched rather than the file itself so atomic replace-by-rename keeps
// working.
func (w *Watcher) Run(ctx context.Context, wg *sync.WaitGroup) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dir := filepath.Dir(w.provider.Path())
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return err
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer fsw.Close()

		var debounce *time.Timer
		var debounceC <-chan time.Time
		target := filepath.Clean(w.provider.Path())

		for {
			select {
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if debounce == nil {
					debounce = time.NewTimer(watchDebounce)
					debounceC = debounce.C
				} else {
					debounce.Reset(watchDebounce)
				}
			case <-debounceC:
				debounce = nil
				debounceC = nil
				cfg, err := w.provider.Load()
				if err != nil {
					log.Warnf("config reload rejected, keeping previous config: %v", err)
					continue
				}
				log.Info("configuration reloaded")
				if w.onReload != nil {
					w.onReload(cfg)
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				log.Warnf("config watcher error: %v", err)
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}
