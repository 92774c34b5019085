package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/adorevd/prreview/internal/config"
)

// ConfigWatcher watches the global config file for changes and reloads it
// in place, logging each changed field; Config returns the latest loaded
// values. The daemon's HTTP server, worker pool, analyzer semaphore,
// analyzer and plugin table are built from the startup config and keep
// those values for the daemon's lifetime: a reload does not reach them.
//
// Not restart-safe: once Stop() is called, Start() returns an error.
type ConfigWatcher struct {
	configPath string
	logger     *slog.Logger

	cfgMu          sync.RWMutex
	cfg            *config.Config
	lastReloadedAt time.Time
	reloadCounter  uint64

	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	stopOnce sync.Once
	stopped  bool
}

// NewConfigWatcher constructs a watcher seeded with cfg. An empty
// configPath disables watching (Start becomes a no-op), matching a test or
// single-shot invocation that never wants hot reload.
func NewConfigWatcher(configPath string, cfg *config.Config, logger *slog.Logger) *ConfigWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConfigWatcher{
		configPath: configPath,
		cfg:        cfg,
		logger:     logger,
		stopCh:     make(chan struct{}),
	}
}

// Start begins watching the config file for changes.
func (cw *ConfigWatcher) Start(ctx context.Context) error {
	cw.cfgMu.RLock()
	stopped := cw.stopped
	cw.cfgMu.RUnlock()
	if stopped {
		return fmt.Errorf("config watcher already stopped; create a new instance to restart")
	}

	if cw.configPath == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	cw.watcher = watcher

	// Watch the directory, not the file, so editors doing an atomic
	// write (delete + create, or rename) are still observed.
	configDir := filepath.Dir(cw.configPath)
	configFile := filepath.Base(cw.configPath)

	if err := watcher.Add(configDir); err != nil {
		watcher.Close()
		cw.watcher = nil
		return err
	}

	go cw.watchLoop(ctx, configFile)
	return nil
}

// Stop stops the watcher. Safe to call multiple times.
func (cw *ConfigWatcher) Stop() {
	cw.stopOnce.Do(func() {
		cw.cfgMu.Lock()
		cw.stopped = true
		cw.cfgMu.Unlock()
		close(cw.stopCh)
		if cw.watcher != nil {
			cw.watcher.Close()
		}
	})
}

// Config returns the current config.
func (cw *ConfigWatcher) Config() *config.Config {
	cw.cfgMu.RLock()
	defer cw.cfgMu.RUnlock()
	return cw.cfg
}

// LastReloadedAt returns the time of the last successful reload.
func (cw *ConfigWatcher) LastReloadedAt() time.Time {
	cw.cfgMu.RLock()
	defer cw.cfgMu.RUnlock()
	return cw.lastReloadedAt
}

// ReloadCounter returns a monotonic counter incremented on each reload, for
// callers that need to detect reloads within the same wall-clock second.
func (cw *ConfigWatcher) ReloadCounter() uint64 {
	cw.cfgMu.RLock()
	defer cw.cfgMu.RUnlock()
	return cw.reloadCounter
}

func (cw *ConfigWatcher) watchLoop(ctx context.Context, configFile string) {
	var debounceTimer *time.Timer
	const debounceDelay = 200 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			return
		case <-cw.stopCh:
			return
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != configFile {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(debounceDelay, cw.reloadConfig)
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.logger.Warn("config watcher error", "error", err)
		}
	}
}

func (cw *ConfigWatcher) reloadConfig() {
	newCfg, err := config.LoadGlobalFrom(cw.configPath)
	if err != nil {
		cw.logger.Error("config reload failed", "path", cw.configPath, "error", err)
		return
	}

	cw.cfgMu.Lock()
	oldCfg := cw.cfg
	cw.cfg = newCfg
	cw.lastReloadedAt = time.Now()
	cw.reloadCounter++
	cw.cfgMu.Unlock()

	cw.logConfigChanges(oldCfg, newCfg)
	cw.logger.Info("config reloaded", "path", cw.configPath)
}

func (cw *ConfigWatcher) logConfigChanges(old, new *config.Config) {
	if old.DefaultAnalyzer != new.DefaultAnalyzer {
		cw.logger.Info("config change", "field", "default_analyzer", "old", old.DefaultAnalyzer, "new", new.DefaultAnalyzer)
	}
	if old.JobTimeoutMinutes != new.JobTimeoutMinutes {
		cw.logger.Info("config change", "field", "job_timeout_minutes", "old", old.JobTimeoutMinutes, "new", new.JobTimeoutMinutes)
	}
	if old.WorkerDeadlineMin != new.WorkerDeadlineMin {
		cw.logger.Info("config change", "field", "worker_deadline_minutes", "old", old.WorkerDeadlineMin, "new", new.WorkerDeadlineMin)
	}
	if old.SemaphoreSize != new.SemaphoreSize {
		cw.logger.Info("config change", "field", "semaphore_size", "old", old.SemaphoreSize, "new", new.SemaphoreSize)
	}
	if old.PluginTablePath != new.PluginTablePath {
		cw.logger.Info("config change", "field", "plugin_table_path", "old", old.PluginTablePath, "new", new.PluginTablePath)
	}
	if old.MaxWorkers != new.MaxWorkers {
		cw.logger.Info("config change", "field", "max_workers", "old", old.MaxWorkers, "new", new.MaxWorkers, "note", "requires daemon restart")
	}
	if old.ServerAddr != new.ServerAddr {
		cw.logger.Info("config change", "field", "server_addr", "old", old.ServerAddr, "new", new.ServerAddr, "note", "requires daemon restart")
	}
}
