// Package config handles configuration loading and validation for tresd.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// SaveConfig saves the configuration to a file.
func SaveConfig(cfg *Config, path string) error {
	// Determine format from extension
	ext := filepath.Ext(path)

	var data []byte
	var err error

	switch ext {
	case ".json":
		data, err = json.MarshalIndent(cfg, "", "  ")
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		// Default to TOML
		data = []byte(generateTOML(cfg))
	}

	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	// Write with secure permissions
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// generateTOML generates a well-formatted TOML configuration file.
func generateTOML(cfg *Config) string {
	var b strings.Builder

	fmt.Fprintf(&b, `# tresd configuration
# Version %d

version = %d
`, Version, cfg.Version)

	for _, el := range cfg.Elements {
		fmt.Fprintf(&b, `
[[elements]]
name = "%s"
oscillator = "%s"
`, el.Name, el.Oscillator)
	}

	fmt.Fprintf(&b, `
[detection]
jamming_threshold_db = %g
narrowband_khz = %g
wideband_khz = %g
baseline_alpha = %g
cn0_floor_db_hz = %g
cn0_drop_db = %g
min_satellites = %d
tdop_ceiling = %g
stale_after_sec = %d

[spoofing]
clock_jump_max_us = %g
peer_divergence_max_us = %g
power_jump_db = %g
code_carrier_max_m = %g
doppler_max_hz = %g
indicator_window_sec = %d
score_per_indicator = %d
detect_score = %d
auth_rate_floor = %g

[osnma]
enabled = %t
algorithm = "%s"
key_dir = "%s"
rate_window_sec = %d

[war_mode]
assess_interval_ms = %d
smoothing_window_sec = %d
holdover_interval_sec = %d

[storage]
type = "%s"
path = "%s"
max_connections = %d
busy_timeout_ms = %d

[anchor]
enabled = %t
provider = "%s"
tpm_path = "%s"
nv_index = %d
state_path = "%s"
interval_sec = %d

[logging]
level = "%s"
format = "%s"
output = "%s"
file_path = "%s"
max_size_mb = %d
max_backups = %d
max_age_days = %d
compress = %t

[ipc]
enabled = %t
socket_path = "%s"
permissions = "%s"
max_connections = %d
timeout_sec = %d

[daemon]
pid_file = "%s"
heartbeat_sec = %d
emcon = %t
`,
		cfg.Detection.JammingThresholdDB,
		cfg.Detection.NarrowbandKHz,
		cfg.Detection.WidebandKHz,
		cfg.Detection.BaselineAlpha,
		cfg.Detection.CN0FloorDBHz,
		cfg.Detection.CN0DropDB,
		cfg.Detection.MinSatellites,
		cfg.Detection.TDOPCeiling,
		cfg.Detection.StaleAfterSec,
		cfg.Spoofing.ClockJumpMaxUs,
		cfg.Spoofing.PeerDivergenceMaxUs,
		cfg.Spoofing.PowerJumpDB,
		cfg.Spoofing.CodeCarrierMaxM,
		cfg.Spoofing.DopplerMaxHz,
		cfg.Spoofing.IndicatorWindowSec,
		cfg.Spoofing.ScorePerIndicator,
		cfg.Spoofing.DetectScore,
		cfg.Spoofing.AuthRateFloor,
		cfg.OSNMA.Enabled,
		cfg.OSNMA.Algorithm,
		cfg.OSNMA.KeyDir,
		cfg.OSNMA.RateWindowSec,
		cfg.WarMode.AssessIntervalMs,
		cfg.WarMode.SmoothingWindowSec,
		cfg.WarMode.HoldoverIntervalSec,
		cfg.Storage.Type,
		cfg.Storage.Path,
		cfg.Storage.MaxConnections,
		cfg.Storage.BusyTimeoutMs,
		cfg.Anchor.Enabled,
		cfg.Anchor.Provider,
		cfg.Anchor.TPMPath,
		cfg.Anchor.NVIndex,
		cfg.Anchor.StatePath,
		cfg.Anchor.IntervalSec,
		cfg.Logging.Level,
		cfg.Logging.Format,
		cfg.Logging.Output,
		cfg.Logging.FilePath,
		cfg.Logging.MaxSizeMB,
		cfg.Logging.MaxBackups,
		cfg.Logging.MaxAgeDays,
		cfg.Logging.Compress,
		cfg.IPC.Enabled,
		cfg.IPC.SocketPath,
		cfg.IPC.Permissions,
		cfg.IPC.MaxConnections,
		cfg.IPC.TimeoutSec,
		cfg.Daemon.PidFile,
		cfg.Daemon.HeartbeatSec,
		cfg.Daemon.EMCON,
	)

	return b.String()
}
