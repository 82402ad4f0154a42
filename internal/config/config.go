// Package config handles configuration loading, validation, and management for tresd.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Elements lists the grid elements this daemon protects.
	Elements []ElementConfig `toml:"elements" json:"elements" yaml:"elements"`

	// Detection holds jamming and signal-quality thresholds.
	Detection DetectionConfig `toml:"detection" json:"detection" yaml:"detection"`

	// Spoofing holds spoofing detection thresholds.
	Spoofing SpoofingConfig `toml:"spoofing" json:"spoofing" yaml:"spoofing"`

	// OSNMA holds navigation message authentication settings.
	OSNMA OSNMAConfig `toml:"osnma" json:"osnma" yaml:"osnma"`

	// WarMode holds posture assessment cadence and smoothing.
	WarMode WarModeConfig `toml:"war_mode" json:"war_mode" yaml:"war_mode"`

	// Storage configuration for persistence.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Anchor configuration for ledger head anchoring.
	Anchor AnchorConfig `toml:"anchor" json:"anchor" yaml:"anchor"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// IPC configuration for the control socket.
	IPC IPCConfig `toml:"ipc" json:"ipc" yaml:"ipc"`

	// Daemon holds background process settings.
	Daemon DaemonConfig `toml:"daemon" json:"daemon" yaml:"daemon"`
}

// ElementConfig describes one protected grid element.
type ElementConfig struct {
	// Name uniquely identifies the element (e.g. "pmu-east-01").
	Name string `toml:"name" json:"name" yaml:"name"`

	// Oscillator is the holdover oscillator installed at the element:
	// "ocxo", "rubidium", "csac", or "cesium". Empty selects csac.
	Oscillator string `toml:"oscillator" json:"oscillator" yaml:"oscillator"`
}

// DetectionConfig holds jamming and signal-quality thresholds.
type DetectionConfig struct {
	// JammingThresholdDB is the power rise over baseline that raises a
	// jamming threat.
	JammingThresholdDB float64 `toml:"jamming_threshold_db" json:"jamming_threshold_db" yaml:"jamming_threshold_db"`

	// NarrowbandKHz and WidebandKHz bound interference bandwidth
	// classification.
	NarrowbandKHz float64 `toml:"narrowband_khz" json:"narrowband_khz" yaml:"narrowband_khz"`
	WidebandKHz   float64 `toml:"wideband_khz" json:"wideband_khz" yaml:"wideband_khz"`

	// BaselineAlpha is the exponential baseline update weight applied on
	// quiet samples. Zero freezes baselines at the first observation.
	BaselineAlpha float64 `toml:"baseline_alpha" json:"baseline_alpha" yaml:"baseline_alpha"`

	// CN0FloorDBHz is the carrier-to-noise density below which signal
	// quality is considered degraded.
	CN0FloorDBHz float64 `toml:"cn0_floor_db_hz" json:"cn0_floor_db_hz" yaml:"cn0_floor_db_hz"`

	// CN0DropDB is the fall from the per-constellation baseline that
	// raises a degradation threat.
	CN0DropDB float64 `toml:"cn0_drop_db" json:"cn0_drop_db" yaml:"cn0_drop_db"`

	// MinSatellites is the minimum usable satellite count.
	MinSatellites int `toml:"min_satellites" json:"min_satellites" yaml:"min_satellites"`

	// TDOPCeiling is the time dilution of precision ceiling.
	TDOPCeiling float64 `toml:"tdop_ceiling" json:"tdop_ceiling" yaml:"tdop_ceiling"`

	// StaleAfterSec marks fixes older than this as stale.
	// Zero disables the staleness check.
	StaleAfterSec int `toml:"stale_after_sec" json:"stale_after_sec" yaml:"stale_after_sec"`
}

// StaleAfter returns the fix staleness ceiling as a duration.
func (d DetectionConfig) StaleAfter() time.Duration {
	return time.Duration(d.StaleAfterSec) * time.Second
}

// SpoofingConfig holds spoofing detection thresholds.
type SpoofingConfig struct {
	// ClockJumpMaxUs is the largest step between consecutive time
	// offsets, in microseconds, that holdover physics can explain.
	ClockJumpMaxUs float64 `toml:"clock_jump_max_us" json:"clock_jump_max_us" yaml:"clock_jump_max_us"`

	// PeerDivergenceMaxUs bounds, in microseconds, how far one peer may
	// sit from the peer mean before the local view is suspect.
	PeerDivergenceMaxUs float64 `toml:"peer_divergence_max_us" json:"peer_divergence_max_us" yaml:"peer_divergence_max_us"`

	// PowerJumpDB is the per-satellite power increase that raises an
	// indicator.
	PowerJumpDB float64 `toml:"power_jump_db" json:"power_jump_db" yaml:"power_jump_db"`

	// CodeCarrierMaxM is the code-carrier divergence ceiling in meters.
	CodeCarrierMaxM float64 `toml:"code_carrier_max_m" json:"code_carrier_max_m" yaml:"code_carrier_max_m"`

	// DopplerMaxHz bounds the observed-vs-predicted doppler residual.
	DopplerMaxHz float64 `toml:"doppler_max_hz" json:"doppler_max_hz" yaml:"doppler_max_hz"`

	// IndicatorWindowSec is the trailing window scored for detections.
	IndicatorWindowSec int `toml:"indicator_window_sec" json:"indicator_window_sec" yaml:"indicator_window_sec"`

	// ScorePerIndicator converts windowed detections to a 0-100 score.
	ScorePerIndicator int `toml:"score_per_indicator" json:"score_per_indicator" yaml:"score_per_indicator"`

	// DetectScore is the score above which spoofing is declared outright.
	DetectScore int `toml:"detect_score" json:"detect_score" yaml:"detect_score"`

	// AuthRateFloor declares spoofing when indicators are present and
	// the authentication success rate sits below this fraction.
	AuthRateFloor float64 `toml:"auth_rate_floor" json:"auth_rate_floor" yaml:"auth_rate_floor"`
}

// IndicatorWindow returns the indicator scoring window as a duration.
func (s SpoofingConfig) IndicatorWindow() time.Duration {
	return time.Duration(s.IndicatorWindowSec) * time.Second
}

// ClockJumpMax returns the clock jump ceiling as a duration.
func (s SpoofingConfig) ClockJumpMax() time.Duration {
	return time.Duration(s.ClockJumpMaxUs * float64(time.Microsecond))
}

// PeerDivergenceMax returns the peer divergence ceiling as a duration.
func (s SpoofingConfig) PeerDivergenceMax() time.Duration {
	return time.Duration(s.PeerDivergenceMaxUs * float64(time.Microsecond))
}

// OSNMAConfig holds navigation message authentication settings.
type OSNMAConfig struct {
	// Enabled determines whether navigation messages are verified.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Algorithm selects the verification scheme:
	// "hmac-sha256" or "ed25519".
	Algorithm string `toml:"algorithm" json:"algorithm" yaml:"algorithm"`

	// KeyDir is the directory holding verification key material.
	KeyDir string `toml:"key_dir" json:"key_dir" yaml:"key_dir"`

	// RateWindowSec is the trailing window for the authentication
	// success rate.
	RateWindowSec int `toml:"rate_window_sec" json:"rate_window_sec" yaml:"rate_window_sec"`
}

// RateWindow returns the authentication rate window as a duration.
func (o OSNMAConfig) RateWindow() time.Duration {
	return time.Duration(o.RateWindowSec) * time.Second
}

// WarModeConfig holds posture assessment cadence and smoothing.
type WarModeConfig struct {
	// AssessIntervalMs is the posture assessment cadence in milliseconds.
	AssessIntervalMs int `toml:"assess_interval_ms" json:"assess_interval_ms" yaml:"assess_interval_ms"`

	// SmoothingWindowSec is how long a calmer posture must persist
	// before de-escalation is applied. Zero de-escalates immediately.
	SmoothingWindowSec int `toml:"smoothing_window_sec" json:"smoothing_window_sec" yaml:"smoothing_window_sec"`

	// HoldoverIntervalSec is the drift recomputation cadence while a
	// holdover event is open.
	HoldoverIntervalSec int `toml:"holdover_interval_sec" json:"holdover_interval_sec" yaml:"holdover_interval_sec"`
}

// AssessInterval returns the posture assessment cadence as a duration.
func (w WarModeConfig) AssessInterval() time.Duration {
	return time.Duration(w.AssessIntervalMs) * time.Millisecond
}

// SmoothingWindow returns the de-escalation dwell as a duration.
func (w WarModeConfig) SmoothingWindow() time.Duration {
	return time.Duration(w.SmoothingWindowSec) * time.Second
}

// HoldoverInterval returns the holdover recomputation cadence as a duration.
func (w WarModeConfig) HoldoverInterval() time.Duration {
	return time.Duration(w.HoldoverIntervalSec) * time.Second
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// Type is the storage backend type: "sqlite" or "memory".
	Type string `toml:"type" json:"type" yaml:"type"`

	// Path is the path to the database file (for sqlite).
	Path string `toml:"path" json:"path" yaml:"path"`

	// MaxConnections is the maximum number of database connections.
	MaxConnections int `toml:"max_connections" json:"max_connections" yaml:"max_connections"`

	// BusyTimeoutMs is the SQLite busy timeout in milliseconds.
	BusyTimeoutMs int `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms"`
}

// AnchorConfig holds ledger head anchoring configuration.
type AnchorConfig struct {
	// Enabled determines whether ledger heads are anchored.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Provider selects the anchor backend: "tpm", "software", or "none".
	Provider string `toml:"provider" json:"provider" yaml:"provider"`

	// TPMPath is the TPM device path (for the tpm provider).
	TPMPath string `toml:"tpm_path" json:"tpm_path" yaml:"tpm_path"`

	// NVIndex is the TPM NV index holding the anchored head.
	NVIndex uint32 `toml:"nv_index" json:"nv_index" yaml:"nv_index"`

	// StatePath is the anchor state file (for the software provider).
	StatePath string `toml:"state_path" json:"state_path" yaml:"state_path"`

	// IntervalSec is the anchoring cadence in seconds.
	IntervalSec int `toml:"interval_sec" json:"interval_sec" yaml:"interval_sec"`
}

// Interval returns the anchoring cadence as a duration.
func (a AnchorConfig) Interval() time.Duration {
	return time.Duration(a.IntervalSec) * time.Second
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is the log destination: "stdout", "stderr", or "file".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the log file path (when output is "file").
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the maximum log file size before rotation.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of rotated files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	// MaxAgeDays is the maximum age of rotated files in days.
	MaxAgeDays int `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`

	// Compress determines whether to compress rotated logs.
	Compress bool `toml:"compress" json:"compress" yaml:"compress"`
}

// IPCConfig holds inter-process communication configuration.
type IPCConfig struct {
	// Enabled determines whether the IPC server is enabled.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// SocketPath is the path to the Unix socket.
	SocketPath string `toml:"socket_path" json:"socket_path" yaml:"socket_path"`

	// Permissions is the Unix socket permissions (e.g., "0600").
	Permissions string `toml:"permissions" json:"permissions" yaml:"permissions"`

	// MaxConnections is the maximum concurrent connections.
	MaxConnections int `toml:"max_connections" json:"max_connections" yaml:"max_connections"`

	// TimeoutSec is the connection timeout.
	TimeoutSec int `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`
}

// Timeout returns the connection timeout as a duration.
func (i IPCConfig) Timeout() time.Duration {
	return time.Duration(i.TimeoutSec) * time.Second
}

// DaemonConfig holds background process settings.
type DaemonConfig struct {
	// PidFile is the path to the PID file.
	PidFile string `toml:"pid_file" json:"pid_file" yaml:"pid_file"`

	// HeartbeatSec is the liveness heartbeat interval.
	HeartbeatSec int `toml:"heartbeat_sec" json:"heartbeat_sec" yaml:"heartbeat_sec"`

	// EMCON starts the daemon in emission control: peer exchange stays
	// suspended until lifted through the control socket.
	EMCON bool `toml:"emcon" json:"emcon" yaml:"emcon"`

	// HostClockProbe enables the advisory probe of the host's own clock
	// discipline (timedated over D-Bus on Linux). The engine never
	// trusts the host clock; the probe only annotates status output.
	HostClockProbe bool `toml:"host_clock_probe" json:"host_clock_probe" yaml:"host_clock_probe"`
}

// Heartbeat returns the heartbeat interval as a duration.
func (d DaemonConfig) Heartbeat() time.Duration {
	return time.Duration(d.HeartbeatSec) * time.Second
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := TresdDir()

	return &Config{
		Version:  Version,
		Elements: []ElementConfig{},
		Detection: DetectionConfig{
			JammingThresholdDB: 15.0,
			NarrowbandKHz:      1.0,
			WidebandKHz:        20.0,
			BaselineAlpha:      0,
			CN0FloorDBHz:       30.0,
			CN0DropDB:          10.0,
			MinSatellites:      4,
			TDOPCeiling:        5.0,
			StaleAfterSec:      10,
		},
		Spoofing: SpoofingConfig{
			ClockJumpMaxUs:      100,
			PeerDivergenceMaxUs: 50,
			PowerJumpDB:         6.0,
			CodeCarrierMaxM:     0.1,
			DopplerMaxHz:        5.0,
			IndicatorWindowSec:  300,
			ScorePerIndicator:   20,
			DetectScore:         60,
			AuthRateFloor:       0.5,
		},
		OSNMA: OSNMAConfig{
			Enabled:       true,
			Algorithm:     "hmac-sha256",
			KeyDir:        filepath.Join(dir, "osnma"),
			RateWindowSec: 300,
		},
		WarMode: WarModeConfig{
			AssessIntervalMs:    1000,
			SmoothingWindowSec:  5,
			HoldoverIntervalSec: 10,
		},
		Storage: StorageConfig{
			Type:           "sqlite",
			Path:           filepath.Join(dir, "tresd.db"),
			MaxConnections: 5,
			BusyTimeoutMs:  5000,
		},
		Anchor: AnchorConfig{
			Enabled:     false,
			Provider:    "software",
			TPMPath:     defaultTPMPath(),
			NVIndex:     0x01500001,
			StatePath:   filepath.Join(dir, "anchor.json"),
			IntervalSec: 300,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "file",
			FilePath:   filepath.Join(dir, "tresd.log"),
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
		IPC: IPCConfig{
			Enabled:        true,
			SocketPath:     defaultSocketPath(),
			Permissions:    "0600",
			MaxConnections: 10,
			TimeoutSec:     30,
		},
		Daemon: DaemonConfig{
			PidFile:        filepath.Join(dir, "tresd.pid"),
			HeartbeatSec:   60,
			EMCON:          false,
			HostClockProbe: false,
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(TresdDir(), "config.toml")
}

// Load reads configuration from the specified path.
// If the file doesn't exist, returns default configuration.
// Supports TOML, JSON, and YAML formats based on file extension.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = ConfigPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := decodeConfig(path, data, cfg); err != nil {
		return nil, err
	}

	cfg.ApplyEnvOverrides()

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates all necessary directories for the daemon.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.Storage.Path),
		c.OSNMA.KeyDir,
		filepath.Dir(c.Anchor.StatePath),
		filepath.Dir(c.Logging.FilePath),
		filepath.Dir(c.Daemon.PidFile),
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

// TresdDir returns the base tresd directory.
// Uses platform-specific paths or the TRESD_DATA_DIR environment override.
func TresdDir() string {
	if envDir := os.Getenv("TRESD_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables are prefixed with TRESD_ and use underscores.
func (c *Config) ApplyEnvOverrides() {
	// Storage overrides
	if v := os.Getenv("TRESD_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}

	// OSNMA overrides
	if v := os.Getenv("TRESD_OSNMA_KEY_DIR"); v != "" {
		c.OSNMA.KeyDir = v
	}

	// Logging overrides
	if v := os.Getenv("TRESD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("TRESD_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}

	// IPC overrides
	if v := os.Getenv("TRESD_SOCKET_PATH"); v != "" {
		c.IPC.SocketPath = v
	}

	// Anchor overrides
	if v := os.Getenv("TRESD_TPM_PATH"); v != "" {
		c.Anchor.TPMPath = v
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Elements = append([]ElementConfig{}, c.Elements...)
	return &clone
}

// Element returns the element configuration with the given name.
func (c *Config) Element(name string) (ElementConfig, bool) {
	for _, el := range c.Elements {
		if el.Name == name {
			return el, true
		}
	}
	return ElementConfig{}, false
}

// Helper functions

func defaultTPMPath() string {
	switch runtime.GOOS {
	case "linux":
		// Prefer the resource manager path
		if _, err := os.Stat("/dev/tpmrm0"); err == nil {
			return "/dev/tpmrm0"
		}
		return "/dev/tpm0"
	default:
		return ""
	}
}

func defaultSocketPath() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(os.Getenv("HOME"), "Library", "Application Support", "tresd", "tresd.sock")
	case "linux":
		// Prefer XDG_RUNTIME_DIR
		if xdgRuntime := os.Getenv("XDG_RUNTIME_DIR"); xdgRuntime != "" {
			return filepath.Join(xdgRuntime, "tresd.sock")
		}
		return "/tmp/tresd.sock"
	default:
		return "/tmp/tresd.sock"
	}
}
