// Package logging provides structured logging with slog for tresd.
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

// SecurityEventType classifies entries in the security event log.
type SecurityEventType string

// Security event types.
const (
	EventStartup       SecurityEventType = "startup"
	EventShutdown      SecurityEventType = "shutdown"
	EventJamming       SecurityEventType = "jamming_detected"
	EventSpoofing      SecurityEventType = "spoofing_detected"
	EventThreat        SecurityEventType = "threat_detected"
	EventWarMode       SecurityEventType = "war_mode_change"
	EventFailover      SecurityEventType = "source_failover"
	EventHoldoverStart SecurityEventType = "holdover_start"
	EventHoldoverEnd   SecurityEventType = "holdover_end"
	EventNullSteering  SecurityEventType = "null_steering"
	EventOSNMA         SecurityEventType = "osnma_verification"
	EventConfigChange  SecurityEventType = "config_change"
	EventEMCON         SecurityEventType = "emcon_change"
	EventIntegrity     SecurityEventType = "integrity_violation"
	EventError         SecurityEventType = "error"
)

// SecurityEvent is one line in the security event log. The event log is
// the operator-facing feed; the tamper-evident record lives in the audit
// ledger.
type SecurityEvent struct {
	Timestamp time.Time              `json:"timestamp"`
	EventType SecurityEventType      `json:"event_type"`
	Component string                 `json:"component"`
	Element   string                 `json:"element,omitempty"`
	Action    string                 `json:"action"`
	Resource  string                 `json:"resource,omitempty"`
	Result    string                 `json:"result"` // "success", "failure", "detected"
	Details   map[string]interface{} `json:"details,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

// EventLogConfig holds configuration for the security event log.
type EventLogConfig struct {
	// FilePath is the path to the event log file.
	FilePath string

	// MaxSizeMB is the maximum size in MB before rotation.
	MaxSizeMB int64

	// MaxAgeDays is the maximum age in days before deletion.
	MaxAgeDays int

	// MaxBackups is the maximum number of rotated files to keep.
	MaxBackups int

	// Compress determines if rotated logs should be compressed.
	Compress bool

	// Component is the component name for events.
	Component string
}

// DefaultEventLogConfig returns default event log configuration.
func DefaultEventLogConfig() *EventLogConfig {
	return &EventLogConfig{
		FilePath:   defaultEventLogPath(),
		MaxSizeMB:  50,
		MaxAgeDays: 90,
		MaxBackups: 10,
		Compress:   true,
		Component:  "tresd",
	}
}

// defaultEventLogPath returns the platform-specific default event log path.
func defaultEventLogPath() string {
	switch runtime.GOOS {
	case "darwin":
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "Library", "Logs", "tresd", "security.log")
	case "windows":
		appData := os.Getenv("LOCALAPPDATA")
		if appData == "" {
			appData = os.Getenv("APPDATA")
		}
		return filepath.Join(appData, "tresd", "logs", "security.log")
	default:
		stateHome := os.Getenv("XDG_STATE_HOME")
		if stateHome == "" {
			homeDir, _ := os.UserHomeDir()
			stateHome = filepath.Join(homeDir, ".local", "state")
		}
		return filepath.Join(stateHome, "tresd", "security.log")
	}
}

// EventLog writes security events as JSON lines with rotation.
type EventLog struct {
	config  *EventLogConfig
	rotator *FileRotator
	mu      sync.Mutex
}

var (
	defaultEventLog *EventLog
	eventLogOnce    sync.Once
)

// DefaultEventLog returns the default global event log.
func DefaultEventLog() *EventLog {
	eventLogOnce.Do(func() {
		var err error
		defaultEventLog, err = NewEventLog(DefaultEventLogConfig())
		if err != nil {
			// Fallback without a rotator; Log will report the write error
			defaultEventLog = &EventLog{
				config: DefaultEventLogConfig(),
			}
		}
	})
	return defaultEventLog
}

// SetDefaultEventLog sets the default global event log.
func SetDefaultEventLog(e *EventLog) {
	defaultEventLog = e
}

// NewEventLog creates a new EventLog.
func NewEventLog(cfg *EventLogConfig) (*EventLog, error) {
	if cfg == nil {
		cfg = DefaultEventLogConfig()
	}

	// Create rotator config from event log config
	rotatorCfg := &Config{
		FilePath:   cfg.FilePath,
		MaxSizeMB:  cfg.MaxSizeMB,
		MaxAgeDays: cfg.MaxAgeDays,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
	}

	rotator, err := NewFileRotator(rotatorCfg)
	if err != nil {
		return nil, fmt.Errorf("create event log rotator: %w", err)
	}

	return &EventLog{
		config:  cfg,
		rotator: rotator,
	}, nil
}

// Log writes a security event.
func (e *EventLog) Log(ctx context.Context, event SecurityEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Fill in defaults
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Component == "" {
		event.Component = e.config.Component
	}
	if event.Element == "" {
		event.Element = ElementFromContext(ctx)
	}

	if e.rotator == nil {
		return fmt.Errorf("event log has no writer")
	}

	// Convert to JSON and write directly
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal security event: %w", err)
	}

	data = append(data, '\n')
	if _, err := e.rotator.Write(data); err != nil {
		return fmt.Errorf("write security event: %w", err)
	}

	return nil
}

// LogStartup records a daemon startup event.
func (e *EventLog) LogStartup(ctx context.Context, version string, details map[string]interface{}) error {
	if details == nil {
		details = make(map[string]interface{})
	}
	details["version"] = version
	return e.Log(ctx, SecurityEvent{
		EventType: EventStartup,
		Action:    "daemon_started",
		Result:    "success",
		Details:   details,
	})
}

// LogShutdown records a daemon shutdown event.
func (e *EventLog) LogShutdown(ctx context.Context, reason string) error {
	return e.Log(ctx, SecurityEvent{
		EventType: EventShutdown,
		Action:    "daemon_stopped",
		Result:    "success",
		Details: map[string]interface{}{
			"reason": reason,
		},
	})
}

// LogJamming records a jamming detection on an element.
func (e *EventLog) LogJamming(ctx context.Context, element, band, severity string, powerRiseDB float64) error {
	return e.Log(ctx, SecurityEvent{
		EventType: EventJamming,
		Element:   element,
		Action:    "jamming_detected",
		Result:    "detected",
		Details: map[string]interface{}{
			"band":          band,
			"severity":      severity,
			"power_rise_db": powerRiseDB,
		},
	})
}

// LogSpoofing records a spoofing detection on an element.
func (e *EventLog) LogSpoofing(ctx context.Context, element string, score int, indicators []string) error {
	return e.Log(ctx, SecurityEvent{
		EventType: EventSpoofing,
		Element:   element,
		Action:    "spoofing_detected",
		Result:    "detected",
		Details: map[string]interface{}{
			"score":      score,
			"indicators": indicators,
		},
	})
}

// LogThreat records a threat event that is neither jamming nor spoofing.
func (e *EventLog) LogThreat(ctx context.Context, element, kind, severity string, details map[string]interface{}) error {
	if details == nil {
		details = make(map[string]interface{})
	}
	details["kind"] = kind
	details["severity"] = severity
	return e.Log(ctx, SecurityEvent{
		EventType: EventThreat,
		Element:   element,
		Action:    "threat_detected",
		Result:    "detected",
		Details:   details,
	})
}

// LogWarModeChange records a war mode transition on an element.
func (e *EventLog) LogWarModeChange(ctx context.Context, element, from, to, reason string) error {
	return e.Log(ctx, SecurityEvent{
		EventType: EventWarMode,
		Element:   element,
		Action:    "war_mode_changed",
		Result:    "success",
		Details: map[string]interface{}{
			"from":   from,
			"to":     to,
			"reason": reason,
		},
	})
}

// LogFailover records a source failover on an element.
func (e *EventLog) LogFailover(ctx context.Context, element, from, to, reason string) error {
	return e.Log(ctx, SecurityEvent{
		EventType: EventFailover,
		Element:   element,
		Action:    "source_switched",
		Result:    "success",
		Details: map[string]interface{}{
			"from":   from,
			"to":     to,
			"reason": reason,
		},
	})
}

// LogHoldoverStart records the start of a holdover period on an element.
func (e *EventLog) LogHoldoverStart(ctx context.Context, element, oscillator string) error {
	return e.Log(ctx, SecurityEvent{
		EventType: EventHoldoverStart,
		Element:   element,
		Action:    "holdover_entered",
		Result:    "success",
		Details: map[string]interface{}{
			"oscillator": oscillator,
		},
	})
}

// LogHoldoverEnd records the end of a holdover period on an element.
func (e *EventLog) LogHoldoverEnd(ctx context.Context, element string, duration time.Duration, driftNs float64) error {
	return e.Log(ctx, SecurityEvent{
		EventType: EventHoldoverEnd,
		Element:   element,
		Action:    "holdover_exited",
		Result:    "success",
		Details: map[string]interface{}{
			"duration_s": duration.Seconds(),
			"drift_ns":   driftNs,
		},
	})
}

// LogNullSteering records an antenna null operation on an element.
func (e *EventLog) LogNullSteering(ctx context.Context, element, action string, success bool, details map[string]interface{}) error {
	result := "success"
	if !success {
		result = "failure"
	}
	return e.Log(ctx, SecurityEvent{
		EventType: EventNullSteering,
		Element:   element,
		Action:    action,
		Result:    result,
		Details:   details,
	})
}

// LogOSNMAFailure records a navigation message authentication failure.
func (e *EventLog) LogOSNMAFailure(ctx context.Context, element, constellation, reason string) error {
	return e.Log(ctx, SecurityEvent{
		EventType: EventOSNMA,
		Element:   element,
		Action:    "authentication_failed",
		Result:    "failure",
		Details: map[string]interface{}{
			"constellation": constellation,
			"reason":        reason,
		},
	})
}

// LogConfigChange records a configuration change.
func (e *EventLog) LogConfigChange(ctx context.Context, setting, oldValue, newValue string) error {
	return e.Log(ctx, SecurityEvent{
		EventType: EventConfigChange,
		Action:    "config_changed",
		Resource:  setting,
		Result:    "success",
		Details: map[string]interface{}{
			"old_value": oldValue,
			"new_value": newValue,
		},
	})
}

// LogEMCONChange records an emission control state change.
func (e *EventLog) LogEMCONChange(ctx context.Context, enabled bool) error {
	state := "lifted"
	if enabled {
		state = "imposed"
	}
	return e.Log(ctx, SecurityEvent{
		EventType: EventEMCON,
		Action:    "emcon_" + state,
		Result:    "success",
		Details: map[string]interface{}{
			"enabled": enabled,
		},
	})
}

// LogIntegrityViolation records an audit ledger verification failure.
func (e *EventLog) LogIntegrityViolation(ctx context.Context, sequence uint64, err error) error {
	return e.Log(ctx, SecurityEvent{
		EventType: EventIntegrity,
		Action:    "ledger_verification",
		Result:    "failure",
		Error:     err.Error(),
		Details: map[string]interface{}{
			"sequence": sequence,
		},
	})
}

// LogError records an operational failure.
func (e *EventLog) LogError(ctx context.Context, operation string, err error, details map[string]interface{}) error {
	if details == nil {
		details = make(map[string]interface{})
	}
	return e.Log(ctx, SecurityEvent{
		EventType: EventError,
		Action:    operation,
		Result:    "failure",
		Error:     err.Error(),
		Details:   details,
	})
}

// Close closes the event log.
func (e *EventLog) Close() error {
	if e.rotator != nil {
		return e.rotator.Close()
	}
	return nil
}

// Sync flushes any buffered events.
func (e *EventLog) Sync() error {
	if e.rotator != nil {
		return e.rotator.Sync()
	}
	return nil
}

// Event logs a security event using the default event log.
func Event(ctx context.Context, event SecurityEvent) error {
	return DefaultEventLog().Log(ctx, event)
}
