package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/pageforge/pageforge/pkg/logger"
	"github.com/pageforge/pageforge/pkg/types"
)

// ReloadCallback is called with the re-read configuration, or with the
// error that prevented reading it.
type ReloadCallback func(*types.Config, error)

// ReloadManager watches the override file during development and re-reads
// it after changes settle.
type ReloadManager struct {
	configPath     string
	workDir        string
	logger         logger.Logger
	watcher        *fsnotify.Watcher
	callbacks      []ReloadCallback
	lastModTime    time.Time
	debounceTimer  *time.Timer
	debouncePeriod time.Duration
	mu             sync.RWMutex
	ctx            context.Context
	cancel         context.CancelFunc
	isWatching     bool
}

// NewReloadManager creates a new configuration reload manager
func NewReloadManager(configPath, workDir string, log logger.Logger) *ReloadManager {
	ctx, cancel := context.WithCancel(context.Background())

	return &ReloadManager{
		configPath:     configPath,
		workDir:        workDir,
		logger:         log,
		debouncePeriod: 300 * time.Millisecond,
		ctx:            ctx,
		cancel:         cancel,
	}
}

// AddCallback adds a reload callback
func (rm *ReloadManager) AddCallback(callback ReloadCallback) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.callbacks = append(rm.callbacks, callback)
}

// SetDebouncePeriod sets the debounce period for file change events
func (rm *ReloadManager) SetDebouncePeriod(period time.Duration) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.debouncePeriod = period
}

// StartWatching begins watching the configuration file for changes
func (rm *ReloadManager) StartWatching() error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.isWatching {
		return fmt.Errorf("already watching configuration file")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	// editors replace files on save, so watch the directory
	if err := watcher.Add(filepath.Dir(rm.configPath)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch config directory: %w", err)
	}
	rm.watcher = watcher

	if stat, err := os.Stat(rm.configPath); err == nil {
		rm.lastModTime = stat.ModTime()
	}

	rm.isWatching = true
	go rm.watchLoop(watcher)

	rm.logger.Debug("Started watching configuration file",
		logger.WithField("path", rm.configPath))

	return nil
}

// StopWatching stops watching the configuration file
func (rm *ReloadManager) StopWatching() error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if !rm.isWatching {
		return nil
	}

	rm.cancel()

	if rm.debounceTimer != nil {
		rm.debounceTimer.Stop()
		rm.debounceTimer = nil
	}

	var err error
	if rm.watcher != nil {
		err = rm.watcher.Close()
		rm.watcher = nil
	}

	rm.isWatching = false
	rm.logger.Debug("Stopped watching configuration file")
	return err
}

func (rm *ReloadManager) watchLoop(watcher *fsnotify.Watcher) {
	defer func() {
		if r := recover(); r != nil {
			rm.logger.Error("Configuration watcher panic recovered",
				logger.WithField("panic", r))
		}
	}()

	for {
		select {
		case <-rm.ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !rm.isConfigFileEvent(event.Name) || event.Op == fsnotify.Chmod {
				continue
			}
			rm.debounceReload()

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			rm.logger.Warn("Configuration file watcher error", logger.WithError(err))
		}
	}
}

func (rm *ReloadManager) isConfigFileEvent(eventPath string) bool {
	return filepath.Base(eventPath) == filepath.Base(rm.configPath) ||
		strings.HasPrefix(filepath.Base(eventPath), filepath.Base(rm.configPath)+".")
}

func (rm *ReloadManager) debounceReload() {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.debounceTimer != nil {
		rm.debounceTimer.Stop()
	}
	rm.debounceTimer = time.AfterFunc(rm.debouncePeriod, func() {
		rm.handleConfigChange()
	})
}

func (rm *ReloadManager) handleConfigChange() {
	stat, err := os.Stat(rm.configPath)
	if err != nil {
		rm.notifyCallbacks(nil, fmt.Errorf("configuration file unavailable: %w", err))
		return
	}

	rm.mu.Lock()
	if !stat.ModTime().After(rm.lastModTime) {
		rm.mu.Unlock()
		return
	}
	rm.lastModTime = stat.ModTime()
	rm.mu.Unlock()

	manager := NewManager()
	cfg, err := manager.LoadConfig(rm.workDir, rm.configPath, rm.logger)
	if err != nil {
		rm.notifyCallbacks(nil, err)
		return
	}
	if manager.ConfigFile() == "" {
		rm.notifyCallbacks(nil, fmt.Errorf("configuration file %s is invalid, keeping previous values", rm.configPath))
		return
	}

	rm.logger.Info("Configuration reloaded", logger.WithField("file", rm.configPath))
	rm.notifyCallbacks(cfg, nil)
}

func (rm *ReloadManager) notifyCallbacks(cfg *types.Config, err error) {
	rm.mu.RLock()
	callbacks := make([]ReloadCallback, len(rm.callbacks))
	copy(callbacks, rm.callbacks)
	rm.mu.RUnlock()

	for _, callback := range callbacks {
		func(cb ReloadCallback) {
			defer func() {
				if r := recover(); r != nil {
					rm.logger.Error("Reload callback panic recovered",
						logger.WithField("panic", r))
				}
			}()
			cb(cfg, err)
		}(callback)
	}
}
