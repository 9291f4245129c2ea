// Package watcher reloads the YAML configuration file while the gateway
// runs. It watches the config directory with fsnotify, deduplicates editor
// write storms by content hash, and hands the freshly parsed config to a
// reload callback.
package watcher

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/routegate/routegate/internal/config"
)

// debounce absorbs the create/write bursts editors and atomic-save tools
// produce for a single logical change.
const debounce = 300 * time.Millisecond

// Watcher observes one config file and fires a callback on real changes.
type Watcher struct {
	configPath string
	reload     func(*config.Config)

	fsw *fsnotify.Watcher

	mu       sync.Mutex
	lastHash [sha256.Size]byte
	timer    *time.Timer
}

// New builds a watcher on the given config file. The callback receives the
// re-parsed config; it runs on the watcher goroutine and must not block.
func New(configPath string, reload func(*config.Config)) (*Watcher, error) {
	abs, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	w := &Watcher{configPath: abs, reload: reload, fsw: fsw}
	if data, err := os.ReadFile(abs); err == nil {
		w.lastHash = sha256.Sum256(data)
	}
	return w, nil
}

// Start begins watching until the context is canceled. Watching the parent
// directory instead of the file survives rename-based atomic saves.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.fsw.Add(filepath.Dir(w.configPath)); err != nil {
		return fmt.Errorf("watch config directory: %w", err)
	}
	go w.loop(ctx)
	log.Debugf("watching config file %s", w.configPath)
	return nil
}

// Stop closes the underlying watcher.
func (w *Watcher) Stop() error {
	return w.fsw.Close()
}

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Warnf("config watcher error: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Name != w.configPath {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(debounce, w.fire)
}

func (w *Watcher) fire() {
	data, err := os.ReadFile(w.configPath)
	if err != nil {
		log.Warnf("config reload: read %s: %v", w.configPath, err)
		return
	}
	sum := sha256.Sum256(data)

	w.mu.Lock()
	unchanged := sum == w.lastHash
	if !unchanged {
		w.lastHash = sum
	}
	w.mu.Unlock()
	if unchanged {
		log.Debug("config file touched but content unchanged, skipping reload")
		return
	}

	cfg, err := config.LoadConfig(w.configPath)
	if err != nil {
		log.Errorf("config reload: parse %s: %v (keeping previous config)", w.configPath, err)
		return
	}
	log.Infof("config file %s changed, reloading", w.configPath)
	w.reload(cfg)
}
