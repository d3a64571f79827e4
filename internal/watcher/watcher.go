// Package watcher polls the config file and triggers a reload when its
// content changes.
package watcher

import (
	"crypto/sha256"
	"os"
	"sync"
	"time"

	"github.com/FeelPulse/chatrelay/internal/logger"
)

// DefaultPollInterval is the default interval for checking config changes
const DefaultPollInterval = 5 * time.Second

// ReloadFunc applies a changed config. An error keeps the previous settings
// in force and is logged.
type ReloadFunc func() error

// ConfigWatcher watches a config file for content changes using polling.
// A missing or unreadable file never triggers a reload.
type ConfigWatcher struct {
	path         string
	pollInterval time.Duration
	reload       ReloadFunc
	log          *logger.Logger

	lastModTime time.Time
	lastSum     [sha256.Size]byte
	haveSum     bool
	reloads     int
	failures    int

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	mu       sync.Mutex
}

// NewConfigWatcher creates a watcher for path
func NewConfigWatcher(path string, pollInterval time.Duration, reload ReloadFunc) *ConfigWatcher {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &ConfigWatcher{
		path:         path,
		pollInterval: pollInterval,
		reload:       reload,
		log:          logger.GetDefaultLogger().WithComponent("watcher"),
		stop:         make(chan struct{}),
	}
}

// Start records the current content and begins polling
func (w *ConfigWatcher) Start() {
	w.mu.Lock()
	w.snapshot()
	w.mu.Unlock()

	w.wg.Add(1)
	go w.watch()
}

// Stop stops polling. It is safe to call more than once.
func (w *ConfigWatcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	w.wg.Wait()
}

// Reloads returns how many reloads succeeded and failed
func (w *ConfigWatcher) Reloads() (ok, failed int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads, w.failures
}

// snapshot stores the current content hash and reports whether it differs
// from the previous one. Caller holds w.mu.
func (w *ConfigWatcher) snapshot() bool {
	info, err := os.Stat(w.path)
	if err != nil {
		return false
	}
	// Skip the read while the mtime is unchanged
	if w.haveSum && info.ModTime().Equal(w.lastModTime) {
		return false
	}

	data, err := os.ReadFile(w.path)
	if err != nil {
		return false
	}
	sum := sha256.Sum256(data)
	changed := w.haveSum && sum != w.lastSum

	w.lastModTime = info.ModTime()
	w.lastSum = sum
	w.haveSum = true
	return changed
}

// check runs one poll cycle
func (w *ConfigWatcher) check() {
	w.mu.Lock()
	changed := w.snapshot()
	w.mu.Unlock()
	if !changed || w.reload == nil {
		return
	}

	w.log.Info("🔄 %s changed, reloading", w.path)
	err := w.reload()

	w.mu.Lock()
	defer w.mu.Unlock()
	if err != nil {
		w.failures++
		w.log.Error("config reload failed, keeping previous settings: %v", err)
		return
	}
	w.reloads++
}

func (w *ConfigWatcher) watch() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.check()
		}
	}
}
