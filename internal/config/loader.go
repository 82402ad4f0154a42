// Package config handles configuration loading and validation for tresd.
package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Loader handles configuration loading, watching, and hot-reloading.
type Loader struct {
	path     string
	config   *Config
	mu       sync.RWMutex
	watcher  *fsnotify.Watcher
	onChange []func(*Config)
	ctx      context.Context
	cancel   context.CancelFunc
	errChan  chan error
}

// NewLoader creates a new configuration loader.
func NewLoader(path string) *Loader {
	ctx, cancel := context.WithCancel(context.Background())
	return &Loader{
		path:    path,
		errChan: make(chan error, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Load reads and parses the configuration file.
func (l *Loader) Load() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cfg, err := loadConfigFromFile(l.path)
	if err != nil {
		return nil, err
	}

	// Apply environment overrides
	cfg.ApplyEnvOverrides()

	// Validate; warnings alone do not block startup
	if err := validateForLoad(cfg); err != nil {
		return nil, err
	}

	l.config = cfg
	return cfg, nil
}

// validateForLoad rejects a config with hard validation errors.
func validateForLoad(cfg *Config) error {
	err := cfg.Validate()
	if err == nil {
		return nil
	}
	var verrs ValidationErrors
	if errors.As(err, &verrs) && !verrs.HasErrors() {
		return nil
	}
	return fmt.Errorf("validation failed: %w", err)
}

// Config returns the current configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config
}

// Watch starts watching the configuration file for changes.
// When changes are detected, the configuration is reloaded and
// registered callbacks are invoked.
func (l *Loader) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	l.watcher = watcher

	// Watch the directory containing the config file
	dir := filepath.Dir(l.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch directory: %w", err)
	}

	go l.watchLoop()

	return nil
}

// watchLoop handles file system events.
func (l *Loader) watchLoop() {
	// Debounce timer to avoid multiple reloads for rapid changes
	var debounceTimer *time.Timer
	debounceDelay := 100 * time.Millisecond

	for {
		select {
		case <-l.ctx.Done():
			return

		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}

			// Check if this event is for our config file
			if filepath.Base(event.Name) != filepath.Base(l.path) {
				continue
			}

			// Only reload on write/create events
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			// Debounce
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(debounceDelay, func() {
				l.reload()
			})

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			select {
			case l.errChan <- err:
			default:
			}
		}
	}
}

// reload attempts to reload the configuration.
func (l *Loader) reload() {
	newCfg, err := loadConfigFromFile(l.path)
	if err != nil {
		select {
		case l.errChan <- fmt.Errorf("reload config: %w", err):
		default:
		}
		return
	}

	// Apply environment overrides
	newCfg.ApplyEnvOverrides()

	// Validate before applying
	if err := validateForLoad(newCfg); err != nil {
		select {
		case l.errChan <- fmt.Errorf("validate new config: %w", err):
		default:
		}
		return
	}

	// Update the config
	l.mu.Lock()
	l.config = newCfg
	l.mu.Unlock()

	// Notify listeners
	for _, cb := range l.onChange {
		cb(newCfg)
	}
}

// OnChange registers a callback to be invoked when the configuration changes.
func (l *Loader) OnChange(cb func(*Config)) {
	l.onChange = append(l.onChange, cb)
}

// Errors returns a channel for receiving errors that occur during watching.
func (l *Loader) Errors() <-chan error {
	return l.errChan
}

// Close stops the watcher and releases resources.
func (l *Loader) Close() error {
	l.cancel()
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}

// loadConfigFromFile reads and parses a config file based on its extension.
func loadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if no config file exists
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := decodeConfig(path, data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// decodeConfig parses config data using the format implied by the file
// extension, falling back to auto-detection.
func decodeConfig(path string, data []byte, cfg *Config) error {
	switch filepath.Ext(path) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("decode TOML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode YAML: %w", err)
		}
	default:
		if err := autoDetectAndParse(data, cfg); err != nil {
			return fmt.Errorf("parse config: %w", err)
		}
	}
	return nil
}

// autoDetectAndParse attempts to parse the config in multiple formats.
func autoDetectAndParse(data []byte, cfg *Config) error {
	// Try TOML first (most common)
	if _, err := toml.Decode(string(data), cfg); err == nil {
		return nil
	}

	// Try JSON
	if err := json.Unmarshal(data, cfg); err == nil {
		return nil
	}

	// Try YAML
	if err := yaml.Unmarshal(data, cfg); err == nil {
		return nil
	}

	return fmt.Errorf("unable to parse config file (tried TOML, JSON, YAML)")
}

// LoadFromEnv creates a configuration primarily from environment variables.
// This is useful for containerized deployments.
func LoadFromEnv() *Config {
	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()
	return cfg
}

// LoadOrCreate loads the configuration from the specified path,
// creating a default configuration file if it doesn't exist.
func LoadOrCreate(path string) (*Config, bool, error) {
	if path == "" {
		path = ConfigPath()
	}

	// Check if file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		// Create default config
		cfg := DefaultConfig()
		if err := SaveConfig(cfg, path); err != nil {
			return nil, false, fmt.Errorf("create default config: %w", err)
		}
		return cfg, true, nil
	}

	// Load existing config
	loader := NewLoader(path)
	cfg, err := loader.Load()
	if err != nil {
		return nil, false, err
	}

	return cfg, false, nil
}

// Merge merges two configurations, with src overriding dst for non-zero values.
func Merge(dst, src *Config) *Config {
	result := dst.Clone()

	// Version
	if src.Version > 0 {
		result.Version = src.Version
	}

	// Elements
	if len(src.Elements) > 0 {
		result.Elements = src.Elements
	}

	// Detection
	if src.Detection.JammingThresholdDB > 0 {
		result.Detection.JammingThresholdDB = src.Detection.JammingThresholdDB
	}
	if src.Detection.NarrowbandKHz > 0 {
		result.Detection.NarrowbandKHz = src.Detection.NarrowbandKHz
	}
	if src.Detection.WidebandKHz > 0 {
		result.Detection.WidebandKHz = src.Detection.WidebandKHz
	}
	if src.Detection.BaselineAlpha > 0 {
		result.Detection.BaselineAlpha = src.Detection.BaselineAlpha
	}
	if src.Detection.CN0FloorDBHz > 0 {
		result.Detection.CN0FloorDBHz = src.Detection.CN0FloorDBHz
	}
	if src.Detection.CN0DropDB > 0 {
		result.Detection.CN0DropDB = src.Detection.CN0DropDB
	}
	if src.Detection.MinSatellites > 0 {
		result.Detection.MinSatellites = src.Detection.MinSatellites
	}
	if src.Detection.TDOPCeiling > 0 {
		result.Detection.TDOPCeiling = src.Detection.TDOPCeiling
	}
	if src.Detection.StaleAfterSec > 0 {
		result.Detection.StaleAfterSec = src.Detection.StaleAfterSec
	}

	// Spoofing
	if src.Spoofing.ClockJumpMaxUs > 0 {
		result.Spoofing.ClockJumpMaxUs = src.Spoofing.ClockJumpMaxUs
	}
	if src.Spoofing.PeerDivergenceMaxUs > 0 {
		result.Spoofing.PeerDivergenceMaxUs = src.Spoofing.PeerDivergenceMaxUs
	}
	if src.Spoofing.PowerJumpDB > 0 {
		result.Spoofing.PowerJumpDB = src.Spoofing.PowerJumpDB
	}
	if src.Spoofing.CodeCarrierMaxM > 0 {
		result.Spoofing.CodeCarrierMaxM = src.Spoofing.CodeCarrierMaxM
	}
	if src.Spoofing.DopplerMaxHz > 0 {
		result.Spoofing.DopplerMaxHz = src.Spoofing.DopplerMaxHz
	}
	if src.Spoofing.IndicatorWindowSec > 0 {
		result.Spoofing.IndicatorWindowSec = src.Spoofing.IndicatorWindowSec
	}
	if src.Spoofing.ScorePerIndicator > 0 {
		result.Spoofing.ScorePerIndicator = src.Spoofing.ScorePerIndicator
	}
	if src.Spoofing.DetectScore > 0 {
		result.Spoofing.DetectScore = src.Spoofing.DetectScore
	}
	if src.Spoofing.AuthRateFloor > 0 {
		result.Spoofing.AuthRateFloor = src.Spoofing.AuthRateFloor
	}

	// OSNMA
	if src.OSNMA.Algorithm != "" {
		result.OSNMA.Algorithm = src.OSNMA.Algorithm
	}
	if src.OSNMA.KeyDir != "" {
		result.OSNMA.KeyDir = src.OSNMA.KeyDir
	}
	if src.OSNMA.RateWindowSec > 0 {
		result.OSNMA.RateWindowSec = src.OSNMA.RateWindowSec
	}

	// WarMode
	if src.WarMode.AssessIntervalMs > 0 {
		result.WarMode.AssessIntervalMs = src.WarMode.AssessIntervalMs
	}
	if src.WarMode.SmoothingWindowSec > 0 {
		result.WarMode.SmoothingWindowSec = src.WarMode.SmoothingWindowSec
	}
	if src.WarMode.HoldoverIntervalSec > 0 {
		result.WarMode.HoldoverIntervalSec = src.WarMode.HoldoverIntervalSec
	}

	// Storage
	if src.Storage.Type != "" {
		result.Storage.Type = src.Storage.Type
	}
	if src.Storage.Path != "" {
		result.Storage.Path = src.Storage.Path
	}
	if src.Storage.MaxConnections > 0 {
		result.Storage.MaxConnections = src.Storage.MaxConnections
	}
	if src.Storage.BusyTimeoutMs > 0 {
		result.Storage.BusyTimeoutMs = src.Storage.BusyTimeoutMs
	}

	// Anchor
	if src.Anchor.Provider != "" {
		result.Anchor.Provider = src.Anchor.Provider
	}
	if src.Anchor.TPMPath != "" {
		result.Anchor.TPMPath = src.Anchor.TPMPath
	}
	if src.Anchor.NVIndex > 0 {
		result.Anchor.NVIndex = src.Anchor.NVIndex
	}
	if src.Anchor.StatePath != "" {
		result.Anchor.StatePath = src.Anchor.StatePath
	}
	if src.Anchor.IntervalSec > 0 {
		result.Anchor.IntervalSec = src.Anchor.IntervalSec
	}

	// Logging
	if src.Logging.Level != "" {
		result.Logging.Level = src.Logging.Level
	}
	if src.Logging.Format != "" {
		result.Logging.Format = src.Logging.Format
	}
	if src.Logging.Output != "" {
		result.Logging.Output = src.Logging.Output
	}
	if src.Logging.FilePath != "" {
		result.Logging.FilePath = src.Logging.FilePath
	}
	if src.Logging.MaxSizeMB > 0 {
		result.Logging.MaxSizeMB = src.Logging.MaxSizeMB
	}
	if src.Logging.MaxBackups > 0 {
		result.Logging.MaxBackups = src.Logging.MaxBackups
	}
	if src.Logging.MaxAgeDays > 0 {
		result.Logging.MaxAgeDays = src.Logging.MaxAgeDays
	}

	// IPC
	if src.IPC.SocketPath != "" {
		result.IPC.SocketPath = src.IPC.SocketPath
	}
	if src.IPC.Permissions != "" {
		result.IPC.Permissions = src.IPC.Permissions
	}
	if src.IPC.MaxConnections > 0 {
		result.IPC.MaxConnections = src.IPC.MaxConnections
	}
	if src.IPC.TimeoutSec > 0 {
		result.IPC.TimeoutSec = src.IPC.TimeoutSec
	}

	// Daemon
	if src.Daemon.PidFile != "" {
		result.Daemon.PidFile = src.Daemon.PidFile
	}
	if src.Daemon.HeartbeatSec > 0 {
		result.Daemon.HeartbeatSec = src.Daemon.HeartbeatSec
	}

	return result
}

// ConfigWatcher provides a simple interface for watching config changes.
type ConfigWatcher struct {
	loader    *Loader
	callbacks []func(*Config, *Config) // old, new
}

// NewConfigWatcher creates a new config watcher.
func NewConfigWatcher(path string) (*ConfigWatcher, error) {
	loader := NewLoader(path)
	if _, err := loader.Load(); err != nil {
		return nil, err
	}

	return &ConfigWatcher{
		loader: loader,
	}, nil
}

// Start begins watching for configuration changes.
func (w *ConfigWatcher) Start() error {
	// Track old config for diff callbacks
	oldCfg := w.loader.Config()

	w.loader.OnChange(func(newCfg *Config) {
		for _, cb := range w.callbacks {
			cb(oldCfg, newCfg)
		}
		oldCfg = newCfg
	})

	return w.loader.Watch()
}

// OnChange registers a callback for config changes.
// The callback receives both old and new configurations.
func (w *ConfigWatcher) OnChange(cb func(old, new *Config)) {
	w.callbacks = append(w.callbacks, cb)
}

// Config returns the current configuration.
func (w *ConfigWatcher) Config() *Config {
	return w.loader.Config()
}

// Stop stops watching for changes.
func (w *ConfigWatcher) Stop() error {
	return w.loader.Close()
}

// Reload forces a reload of the configuration.
func (w *ConfigWatcher) Reload() error {
	_, err := w.loader.Load()
	return err
}
