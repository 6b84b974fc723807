package config

import (
	"context"
	"os"
	"sync"
	"time"

	"teamchat/internal/models"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

const defaultWatchInterval = 5 * time.Second

// ConfigWatcher polls the configuration file and reloads it when its
// modification time moves forward.
type ConfigWatcher struct {
	configPath string
	interval   time.Duration
	clock      clock.Clock
	logger     *logrus.Logger

	mu        sync.RWMutex
	config    *models.Config
	modTime   time.Time
	callbacks []func(*models.Config)
}

func NewConfigWatcher(configPath string, interval time.Duration, clk clock.Clock, logger *logrus.Logger) *ConfigWatcher {
	if interval <= 0 {
		interval = defaultWatchInterval
	}
	if clk == nil {
		clk = clock.New()
	}
	return &ConfigWatcher{
		configPath: configPath,
		interval:   interval,
		clock:      clk,
		logger:     logger,
	}
}

// Load reads the configuration once and records the file's modification
// time. Start calls it when no configuration has been loaded yet.
func (cw *ConfigWatcher) Load() (*models.Config, error) {
	config, err := LoadConfig(cw.configPath)
	if err != nil {
		return nil, err
	}
	stat, err := os.Stat(cw.configPath)
	if err != nil {
		return nil, err
	}

	cw.mu.Lock()
	cw.config = config
	cw.modTime = stat.ModTime()
	cw.mu.Unlock()
	return config, nil
}

// Start polls until ctx is done.
func (cw *ConfigWatcher) Start(ctx context.Context) error {
	if cw.GetConfig() == nil {
		if _, err := cw.Load(); err != nil {
			return err
		}
	}

	cw.logger.WithField("path", cw.configPath).Info("Configuration watcher started")

	ticker := cw.clock.Ticker(cw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cw.logger.Info("Configuration watcher stopping")
			return nil
		case <-ticker.C:
			cw.checkForChanges()
		}
	}
}

func (cw *ConfigWatcher) checkForChanges() {
	stat, err := os.Stat(cw.configPath)
	if err != nil {
		cw.logger.WithError(err).Error("Failed to stat configuration file")
		return
	}

	cw.mu.RLock()
	changed := stat.ModTime().After(cw.modTime)
	cw.mu.RUnlock()
	if !changed {
		return
	}

	cw.logger.Debug("Configuration file changed")
	cw.reloadConfig(stat.ModTime())
}

func (cw *ConfigWatcher) GetConfig() *models.Config {
	cw.mu.RLock()
	defer cw.mu.RUnlock()
	return cw.config
}

// OnConfigChange registers a callback run after every successful reload.
func (cw *ConfigWatcher) OnConfigChange(callback func(*models.Config)) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.callbacks = append(cw.callbacks, callback)
}

func (cw *ConfigWatcher) reloadConfig(modTime time.Time) {
	newConfig, err := LoadConfig(cw.configPath)
	if err != nil {
		// Keep the old modification time so a fixed file is picked up.
		cw.logger.WithError(err).Error("Failed to reload configuration")
		return
	}

	cw.mu.Lock()
	oldConfig := cw.config
	cw.config = newConfig
	cw.modTime = modTime
	callbacks := make([]func(*models.Config), len(cw.callbacks))
	copy(callbacks, cw.callbacks)
	cw.mu.Unlock()

	cw.logger.Info("Configuration reloaded successfully")
	cw.logConfigChanges(oldConfig, newConfig)

	for _, callback := range callbacks {
		func(cb func(*models.Config)) {
			defer func() {
				if r := recover(); r != nil {
					cw.logger.WithField("panic", r).Error("Config change callback panicked")
				}
			}()
			cb(newConfig)
		}(callback)
	}
}

func (cw *ConfigWatcher) logConfigChanges(old, new *models.Config) {
	if old == nil {
		return
	}
	if old.LogLevel != new.LogLevel {
		cw.logger.WithFields(logrus.Fields{
			"old": old.LogLevel,
			"new": new.LogLevel,
		}).Info("Log level changed")
	}
	if old.API.BaseURL != new.API.BaseURL {
		cw.logger.Warn("API base URL changed; restart to apply")
	}
	if old.Storage != new.Storage {
		cw.logger.Warn("Storage settings changed; restart to apply")
	}
}
