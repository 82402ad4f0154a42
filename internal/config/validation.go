// Package config handles configuration loading and validation for tresd.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// ValidateConfig performs comprehensive validation of the configuration.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	// Validate version
	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	// Validate element configuration
	if elemErrs := validateElements(c.Elements); len(elemErrs) > 0 {
		errs = append(errs, elemErrs...)
	}

	// Validate detection configuration
	if detErrs := validateDetection(&c.Detection); len(detErrs) > 0 {
		errs = append(errs, detErrs...)
	}

	// Validate spoofing configuration
	if spoofErrs := validateSpoofing(&c.Spoofing); len(spoofErrs) > 0 {
		errs = append(errs, spoofErrs...)
	}

	// Validate OSNMA configuration
	if osnmaErrs := validateOSNMA(&c.OSNMA); len(osnmaErrs) > 0 {
		errs = append(errs, osnmaErrs...)
	}

	// Validate war mode configuration
	if wmErrs := validateWarMode(&c.WarMode); len(wmErrs) > 0 {
		errs = append(errs, wmErrs...)
	}

	// Validate storage configuration
	if storageErrs := validateStorage(&c.Storage); len(storageErrs) > 0 {
		errs = append(errs, storageErrs...)
	}

	// Validate anchor configuration
	if anchorErrs := validateAnchor(&c.Anchor); len(anchorErrs) > 0 {
		errs = append(errs, anchorErrs...)
	}

	// Validate logging configuration
	if loggingErrs := validateLogging(&c.Logging); len(loggingErrs) > 0 {
		errs = append(errs, loggingErrs...)
	}

	// Validate IPC configuration
	if ipcErrs := validateIPC(&c.IPC); len(ipcErrs) > 0 {
		errs = append(errs, ipcErrs...)
	}

	// Validate daemon configuration
	if daemonErrs := validateDaemon(&c.Daemon); len(daemonErrs) > 0 {
		errs = append(errs, daemonErrs...)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateElements(elements []ElementConfig) ValidationErrors {
	var errs ValidationErrors

	if len(elements) == 0 {
		errs = append(errs, ValidationError{
			Field:   "elements",
			Message: "no elements configured; the daemon will idle until one is registered",
		})
	}

	seen := make(map[string]bool, len(elements))
	for i, el := range elements {
		if el.Name == "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("elements[%d].name", i),
				Message: "element name cannot be empty",
			})
			continue
		}
		if seen[el.Name] {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("elements[%d].name", i),
				Message: fmt.Sprintf("duplicate element name: %s", el.Name),
			})
		}
		seen[el.Name] = true

		switch el.Oscillator {
		case "", "ocxo", "rubidium", "csac", "cesium":
			// Valid oscillators; empty selects the default
		default:
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("elements[%d].oscillator", i),
				Message: fmt.Sprintf("unknown oscillator: %s (valid: ocxo, rubidium, csac, cesium)", el.Oscillator),
			})
		}
	}

	return errs
}

func validateDetection(d *DetectionConfig) ValidationErrors {
	var errs ValidationErrors

	if d.JammingThresholdDB <= 0 {
		errs = append(errs, ValidationError{
			Field:   "detection.jamming_threshold_db",
			Message: "jamming threshold must be positive",
		})
	}

	if d.NarrowbandKHz <= 0 {
		errs = append(errs, ValidationError{
			Field:   "detection.narrowband_khz",
			Message: "narrowband bound must be positive",
		})
	}
	if d.WidebandKHz <= d.NarrowbandKHz {
		errs = append(errs, ValidationError{
			Field:   "detection.wideband_khz",
			Message: "wideband bound must exceed the narrowband bound",
		})
	}

	if d.BaselineAlpha < 0 || d.BaselineAlpha >= 1 {
		errs = append(errs, ValidationError{
			Field:   "detection.baseline_alpha",
			Message: "baseline alpha must be in [0, 1)",
		})
	}

	if d.CN0FloorDBHz <= 0 || d.CN0FloorDBHz > 60 {
		errs = append(errs, ValidationError{
			Field:   "detection.cn0_floor_db_hz",
			Message: "C/N0 floor must be in (0, 60] dB-Hz",
		})
	}

	if d.CN0DropDB <= 0 {
		errs = append(errs, ValidationError{
			Field:   "detection.cn0_drop_db",
			Message: "C/N0 drop threshold must be positive",
		})
	}

	if d.MinSatellites < 1 {
		errs = append(errs, ValidationError{
			Field:   "detection.min_satellites",
			Message: "minimum satellite count must be at least 1",
		})
	}

	if d.TDOPCeiling <= 0 {
		errs = append(errs, ValidationError{
			Field:   "detection.tdop_ceiling",
			Message: "TDOP ceiling must be positive",
		})
	}

	if d.StaleAfterSec < 0 {
		errs = append(errs, ValidationError{
			Field:   "detection.stale_after_sec",
			Message: "staleness ceiling cannot be negative",
		})
	}

	return errs
}

func validateSpoofing(s *SpoofingConfig) ValidationErrors {
	var errs ValidationErrors

	positive := []struct {
		field string
		value float64
	}{
		{"spoofing.clock_jump_max_us", s.ClockJumpMaxUs},
		{"spoofing.peer_divergence_max_us", s.PeerDivergenceMaxUs},
		{"spoofing.power_jump_db", s.PowerJumpDB},
		{"spoofing.code_carrier_max_m", s.CodeCarrierMaxM},
		{"spoofing.doppler_max_hz", s.DopplerMaxHz},
	}
	for _, p := range positive {
		if p.value <= 0 {
			errs = append(errs, ValidationError{
				Field:   p.field,
				Message: "threshold must be positive",
			})
		}
	}

	if s.IndicatorWindowSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "spoofing.indicator_window_sec",
			Message: "indicator window must be at least 1 second",
		})
	}

	if s.ScorePerIndicator < 1 || s.ScorePerIndicator > 100 {
		errs = append(errs, ValidationError{
			Field:   "spoofing.score_per_indicator",
			Message: "score per indicator must be in [1, 100]",
		})
	}

	if s.DetectScore < 1 || s.DetectScore > 100 {
		errs = append(errs, ValidationError{
			Field:   "spoofing.detect_score",
			Message: "detect score must be in [1, 100]",
		})
	}

	if s.AuthRateFloor < 0 || s.AuthRateFloor > 1 {
		errs = append(errs, ValidationError{
			Field:   "spoofing.auth_rate_floor",
			Message: "authentication rate floor must be in [0, 1]",
		})
	}

	return errs
}

func validateOSNMA(o *OSNMAConfig) ValidationErrors {
	var errs ValidationErrors

	if !o.Enabled {
		return errs
	}

	switch o.Algorithm {
	case "hmac-sha256", "ed25519":
		// Valid algorithms
	default:
		errs = append(errs, ValidationError{
			Field:   "osnma.algorithm",
			Message: fmt.Sprintf("invalid algorithm: %s (valid: hmac-sha256, ed25519)", o.Algorithm),
		})
	}

	if o.KeyDir == "" {
		errs = append(errs, ValidationError{
			Field:   "osnma.key_dir",
			Message: "key directory is required when OSNMA is enabled",
		})
	}

	if o.RateWindowSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "osnma.rate_window_sec",
			Message: "rate window must be at least 1 second",
		})
	}

	return errs
}

func validateWarMode(w *WarModeConfig) ValidationErrors {
	var errs ValidationErrors

	if w.AssessIntervalMs < 100 {
		errs = append(errs, ValidationError{
			Field:   "war_mode.assess_interval_ms",
			Message: "assessment interval must be at least 100ms",
		})
	}
	if w.AssessIntervalMs > 60000 {
		errs = append(errs, ValidationError{
			Field:   "war_mode.assess_interval_ms",
			Message: "assessment interval cannot exceed 60000ms (1 minute)",
		})
	}

	if w.SmoothingWindowSec < 0 {
		errs = append(errs, ValidationError{
			Field:   "war_mode.smoothing_window_sec",
			Message: "smoothing window cannot be negative",
		})
	}

	if w.HoldoverIntervalSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "war_mode.holdover_interval_sec",
			Message: "holdover interval must be at least 1 second",
		})
	}

	return errs
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors

	// Validate storage type
	switch s.Type {
	case "sqlite", "memory":
		// Valid types
	default:
		errs = append(errs, ValidationError{
			Field:   "storage.type",
			Message: fmt.Sprintf("invalid storage type: %s (valid: sqlite, memory)", s.Type),
		})
	}

	// SQLite-specific validation
	if s.Type == "sqlite" {
		if s.Path == "" {
			errs = append(errs, ValidationError{
				Field:   "storage.path",
				Message: "database path is required for sqlite storage",
			})
		}

		// Check parent directory exists or can be created
		dir := filepath.Dir(expandPath(s.Path))
		if dir != "" && dir != "." {
			if info, err := os.Stat(dir); err != nil {
				if !os.IsNotExist(err) {
					errs = append(errs, ValidationError{
						Field:   "storage.path",
						Message: fmt.Sprintf("cannot access directory: %v", err),
					})
				}
				// Directory doesn't exist yet - that's OK, it will be created
			} else if !info.IsDir() {
				errs = append(errs, ValidationError{
					Field:   "storage.path",
					Message: fmt.Sprintf("parent path is not a directory: %s", dir),
				})
			}
		}
	}

	// Validate connection settings
	if s.MaxConnections < 1 {
		errs = append(errs, ValidationError{
			Field:   "storage.max_connections",
			Message: "max connections must be at least 1",
		})
	}
	if s.MaxConnections > 100 {
		errs = append(errs, ValidationError{
			Field:   "storage.max_connections",
			Message: "max connections cannot exceed 100",
		})
	}

	if s.BusyTimeoutMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "storage.busy_timeout_ms",
			Message: "busy timeout cannot be negative",
		})
	}

	return errs
}

func validateAnchor(a *AnchorConfig) ValidationErrors {
	var errs ValidationErrors

	if !a.Enabled {
		return errs // Skip validation if anchoring is disabled
	}

	switch a.Provider {
	case "tpm":
		if a.TPMPath == "" {
			errs = append(errs, ValidationError{
				Field:   "anchor.tpm_path",
				Message: "TPM device path is required for the tpm provider",
			})
		}
		if a.NVIndex == 0 {
			errs = append(errs, ValidationError{
				Field:   "anchor.nv_index",
				Message: "NV index is required for the tpm provider",
			})
		}
	case "software":
		if a.StatePath == "" {
			errs = append(errs, ValidationError{
				Field:   "anchor.state_path",
				Message: "state path is required for the software provider",
			})
		}
	case "none":
		// Valid, anchoring records nothing
	default:
		errs = append(errs, ValidationError{
			Field:   "anchor.provider",
			Message: fmt.Sprintf("unknown provider: %s (valid: tpm, software, none)", a.Provider),
		})
	}

	if a.IntervalSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "anchor.interval_sec",
			Message: "anchor interval must be at least 1 second",
		})
	}

	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
		// Valid levels
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
		// Valid formats
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr", "file":
		// Valid outputs
		if l.Output == "file" && l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: "file path is required when output is 'file'",
			})
		}
	default:
		if l.Output == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.output",
				Message: "log output is required",
			})
		}
	}

	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: "max size must be at least 1 MB",
		})
	}

	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}

	if l.MaxAgeDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_age_days",
			Message: "max age cannot be negative",
		})
	}

	return errs
}

func validateIPC(i *IPCConfig) ValidationErrors {
	var errs ValidationErrors

	if !i.Enabled {
		return errs
	}

	if i.SocketPath == "" {
		errs = append(errs, ValidationError{
			Field:   "ipc.socket_path",
			Message: "socket path is required when IPC is enabled",
		})
	}

	// Validate permissions format (Unix only)
	if i.Permissions != "" {
		if matched, _ := regexp.MatchString(`^0[0-7]{3}$`, i.Permissions); !matched {
			errs = append(errs, ValidationError{
				Field:   "ipc.permissions",
				Message: fmt.Sprintf("invalid permissions format: %s (expected octal like 0600)", i.Permissions),
			})
		}
	}

	if i.MaxConnections < 1 {
		errs = append(errs, ValidationError{
			Field:   "ipc.max_connections",
			Message: "max connections must be at least 1",
		})
	}

	if i.TimeoutSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "ipc.timeout_sec",
			Message: "timeout must be at least 1 second",
		})
	}

	return errs
}

func validateDaemon(d *DaemonConfig) ValidationErrors {
	var errs ValidationErrors

	if d.HeartbeatSec < 10 {
		errs = append(errs, ValidationError{
			Field:   "daemon.heartbeat_sec",
			Message: "heartbeat interval must be at least 10 seconds",
		})
	}

	return errs
}

// Helper functions

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// IsWarning returns true if this is a non-fatal validation issue.
func (e *ValidationError) IsWarning() bool {
	// Some fields are warnings, not errors
	warningFields := []string{
		"elements", // An element-less daemon idles, it doesn't break
	}
	for _, f := range warningFields {
		if e.Field == f {
			return true
		}
	}
	return false
}

// Warnings returns only warning-level validation errors.
func (e ValidationErrors) Warnings() ValidationErrors {
	var warnings ValidationErrors
	for _, err := range e {
		if err.IsWarning() {
			warnings = append(warnings, err)
		}
	}
	return warnings
}

// Errors returns only error-level validation errors.
func (e ValidationErrors) Errors() ValidationErrors {
	var errs ValidationErrors
	for _, err := range e {
		if !err.IsWarning() {
			errs = append(errs, err)
		}
	}
	return errs
}

// HasErrors returns true if there are any non-warning errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e.Errors()) > 0
}

// ErrInvalidConfig is returned when validation fails.
var ErrInvalidConfig = errors.New("invalid configuration")
