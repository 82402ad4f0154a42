package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}

	// Verify defaults
	if cfg.Version != Version {
		t.Errorf("expected version %d, got %d", Version, cfg.Version)
	}
	if cfg.Detection.JammingThresholdDB != 15.0 {
		t.Errorf("expected jamming threshold 15, got %g", cfg.Detection.JammingThresholdDB)
	}
	if cfg.Spoofing.DetectScore != 60 {
		t.Errorf("expected detect score 60, got %d", cfg.Spoofing.DetectScore)
	}
	if cfg.WarMode.AssessIntervalMs != 1000 {
		t.Errorf("expected assess interval 1000ms, got %d", cfg.WarMode.AssessIntervalMs)
	}
	if len(cfg.Elements) != 0 {
		t.Errorf("expected 0 elements, got %d", len(cfg.Elements))
	}

	// Check paths contain tresd
	if !strings.Contains(cfg.Storage.Path, "tresd") {
		t.Errorf("storage path should contain tresd: %s", cfg.Storage.Path)
	}
	if !strings.Contains(cfg.Logging.FilePath, "tresd") {
		t.Errorf("log path should contain tresd: %s", cfg.Logging.FilePath)
	}
	if !strings.Contains(cfg.OSNMA.KeyDir, "tresd") {
		t.Errorf("OSNMA key dir should contain tresd: %s", cfg.OSNMA.KeyDir)
	}
}

func TestConfigPath(t *testing.T) {
	path := ConfigPath()
	if path == "" {
		t.Error("ConfigPath returned empty string")
	}
	if !strings.HasSuffix(path, "config.toml") {
		t.Errorf("expected path ending with config.toml, got %s", path)
	}
}

func TestTresdDir(t *testing.T) {
	dir := TresdDir()
	if dir == "" {
		t.Error("TresdDir returned empty string")
	}

	t.Setenv("TRESD_DATA_DIR", "/srv/tresd-data")
	if dir := TresdDir(); dir != "/srv/tresd-data" {
		t.Errorf("expected TRESD_DATA_DIR override, got %s", dir)
	}
}

func TestLoadNonexistent(t *testing.T) {
	// Load from nonexistent path should return default config
	cfg, err := Load("/nonexistent/path/config.toml")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg == nil {
		t.Fatal("Load returned nil config")
	}

	// Should have defaults
	if cfg.Detection.CN0FloorDBHz != 30.0 {
		t.Errorf("expected C/N0 floor 30, got %g", cfg.Detection.CN0FloorDBHz)
	}
}

func TestLoadValidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	content := `
version = 1

[[elements]]
name = "pmu-east-01"
oscillator = "rubidium"

[[elements]]
name = "sub-north-02"
oscillator = "ocxo"

[detection]
jamming_threshold_db = 12.5
cn0_floor_db_hz = 28.0

[war_mode]
assess_interval_ms = 500

[storage]
type = "memory"
`
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if len(cfg.Elements) != 2 {
		t.Fatalf("expected 2 elements, got %d", len(cfg.Elements))
	}
	if cfg.Elements[0].Name != "pmu-east-01" {
		t.Errorf("expected first element pmu-east-01, got %s", cfg.Elements[0].Name)
	}
	if cfg.Elements[1].Oscillator != "ocxo" {
		t.Errorf("expected second oscillator ocxo, got %s", cfg.Elements[1].Oscillator)
	}
	if cfg.Detection.JammingThresholdDB != 12.5 {
		t.Errorf("expected jamming threshold 12.5, got %g", cfg.Detection.JammingThresholdDB)
	}
	if cfg.Detection.CN0FloorDBHz != 28.0 {
		t.Errorf("expected C/N0 floor 28, got %g", cfg.Detection.CN0FloorDBHz)
	}
	if cfg.WarMode.AssessIntervalMs != 500 {
		t.Errorf("expected assess interval 500ms, got %d", cfg.WarMode.AssessIntervalMs)
	}
	if cfg.Storage.Type != "memory" {
		t.Errorf("expected memory storage, got %s", cfg.Storage.Type)
	}

	// Unset fields keep their defaults
	if cfg.Detection.NarrowbandKHz != 1.0 {
		t.Errorf("expected default narrowband bound, got %g", cfg.Detection.NarrowbandKHz)
	}
	if cfg.WarMode.SmoothingWindowSec != 5 {
		t.Errorf("expected default smoothing window, got %d", cfg.WarMode.SmoothingWindowSec)
	}
}

func TestLoadPartialConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	// Only set some values, rest should come from defaults
	content := `
[spoofing]
detect_score = 75
`
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Spoofing.DetectScore != 75 {
		t.Errorf("expected detect score 75, got %d", cfg.Spoofing.DetectScore)
	}
	// Other fields should have defaults
	if cfg.Spoofing.ScorePerIndicator != 20 {
		t.Errorf("expected default score per indicator, got %d", cfg.Spoofing.ScorePerIndicator)
	}
	if !strings.Contains(cfg.Storage.Path, "tresd") {
		t.Errorf("storage path should have default value")
	}
}

func TestLoadInvalidTOML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	content := `
this is not valid toml {{{
`
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Error("expected error for invalid TOML")
	}
}

func TestLoadJSONConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.json")

	content := `{
  "elements": [{"name": "pmu-east-01", "oscillator": "csac"}],
  "detection": {"jamming_threshold_db": 18.5}
}`
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cfg.Elements) != 1 || cfg.Elements[0].Oscillator != "csac" {
		t.Errorf("elements not decoded from JSON: %+v", cfg.Elements)
	}
	if cfg.Detection.JammingThresholdDB != 18.5 {
		t.Errorf("expected jamming threshold 18.5, got %g", cfg.Detection.JammingThresholdDB)
	}
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Elements = []ElementConfig{{Name: "pmu-east-01", Oscillator: "csac"}}
	if err := cfg.Validate(); err != nil {
		t.Errorf("configured defaults should be valid: %v", err)
	}
}

func TestValidateWarnsWithoutElements(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected a warning for an element-less config")
	}

	var verrs ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("expected ValidationErrors, got %T", err)
	}
	if verrs.HasErrors() {
		t.Errorf("element-less config should carry warnings only: %v", verrs.Errors())
	}
	if len(verrs.Warnings()) != 1 {
		t.Errorf("expected 1 warning, got %d", len(verrs.Warnings()))
	}
}

func TestValidateUnknownOscillator(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Elements = []ElementConfig{{Name: "pmu-east-01", Oscillator: "sundial"}}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for unknown oscillator")
	}
	var verrs ValidationErrors
	if !errors.As(err, &verrs) || !verrs.HasErrors() {
		t.Errorf("unknown oscillator should be a hard error: %v", err)
	}
}

func TestValidateDuplicateElementNames(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Elements = []ElementConfig{
		{Name: "pmu-east-01"},
		{Name: "pmu-east-01"},
	}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for duplicate element names")
	}
	if !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("expected duplicate name error, got: %v", err)
	}
}

func TestValidateDetectionBounds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Elements = []ElementConfig{{Name: "pmu-east-01"}}

	cfg.Detection.WidebandKHz = 0.5 // below narrowband bound
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for wideband bound below narrowband bound")
	}

	cfg = DefaultConfig()
	cfg.Elements = []ElementConfig{{Name: "pmu-east-01"}}
	cfg.Detection.BaselineAlpha = 1.0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for baseline alpha of 1")
	}
}

func TestValidateSpoofingBounds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Elements = []ElementConfig{{Name: "pmu-east-01"}}

	cfg.Spoofing.AuthRateFloor = 1.5
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for auth rate floor above 1")
	}

	cfg = DefaultConfig()
	cfg.Elements = []ElementConfig{{Name: "pmu-east-01"}}
	cfg.Spoofing.DetectScore = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero detect score")
	}
}

func TestValidateAnchorProvider(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Elements = []ElementConfig{{Name: "pmu-east-01"}}
	cfg.Anchor.Enabled = true

	cfg.Anchor.Provider = "blockchain"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown anchor provider")
	}

	cfg.Anchor.Provider = "none"
	if err := cfg.Validate(); err != nil {
		t.Errorf("none provider should be valid: %v", err)
	}

	cfg.Anchor.Provider = "tpm"
	cfg.Anchor.TPMPath = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for tpm provider without a device path")
	}
}

func TestValidateDisabledSectionsSkipped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Elements = []ElementConfig{{Name: "pmu-east-01"}}

	// A disabled OSNMA section is not validated
	cfg.OSNMA.Enabled = false
	cfg.OSNMA.Algorithm = "rot13"
	if err := cfg.Validate(); err != nil {
		t.Errorf("disabled OSNMA should skip validation: %v", err)
	}

	cfg.OSNMA.Enabled = true
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown OSNMA algorithm once enabled")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("TRESD_LOG_LEVEL", "debug")
	t.Setenv("TRESD_STORAGE_PATH", "/var/lib/tresd/alt.db")
	t.Setenv("TRESD_SOCKET_PATH", "/run/tresd/ctl.sock")
	t.Setenv("TRESD_OSNMA_KEY_DIR", "/etc/tresd/osnma")

	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()

	if cfg.Logging.Level != "debug" {
		t.Errorf("expected log level debug, got %s", cfg.Logging.Level)
	}
	if cfg.Storage.Path != "/var/lib/tresd/alt.db" {
		t.Errorf("expected storage path override, got %s", cfg.Storage.Path)
	}
	if cfg.IPC.SocketPath != "/run/tresd/ctl.sock" {
		t.Errorf("expected socket path override, got %s", cfg.IPC.SocketPath)
	}
	if cfg.OSNMA.KeyDir != "/etc/tresd/osnma" {
		t.Errorf("expected key dir override, got %s", cfg.OSNMA.KeyDir)
	}
}

func TestClone(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Elements = []ElementConfig{{Name: "pmu-east-01", Oscillator: "csac"}}

	clone := cfg.Clone()
	clone.Elements[0].Name = "tampered"
	clone.Detection.JammingThresholdDB = 99

	if cfg.Elements[0].Name != "pmu-east-01" {
		t.Error("clone shares element storage with the original")
	}
	if cfg.Detection.JammingThresholdDB != 15.0 {
		t.Error("clone shares detection config with the original")
	}
}

func TestElementLookup(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Elements = []ElementConfig{
		{Name: "pmu-east-01", Oscillator: "csac"},
		{Name: "sub-north-02", Oscillator: "cesium"},
	}

	el, ok := cfg.Element("sub-north-02")
	if !ok {
		t.Fatal("expected to find sub-north-02")
	}
	if el.Oscillator != "cesium" {
		t.Errorf("expected cesium, got %s", el.Oscillator)
	}

	if _, ok := cfg.Element("missing"); ok {
		t.Error("expected lookup miss for unknown element")
	}
}

func TestDurationHelpers(t *testing.T) {
	w := WarModeConfig{AssessIntervalMs: 1000, SmoothingWindowSec: 5, HoldoverIntervalSec: 10}
	if w.AssessInterval() != time.Second {
		t.Errorf("expected 1s assess interval, got %v", w.AssessInterval())
	}
	if w.SmoothingWindow() != 5*time.Second {
		t.Errorf("expected 5s smoothing window, got %v", w.SmoothingWindow())
	}
	if w.HoldoverInterval() != 10*time.Second {
		t.Errorf("expected 10s holdover interval, got %v", w.HoldoverInterval())
	}

	s := SpoofingConfig{ClockJumpMaxUs: 100, PeerDivergenceMaxUs: 50}
	if s.ClockJumpMax() != 100*time.Microsecond {
		t.Errorf("expected 100us clock jump ceiling, got %v", s.ClockJumpMax())
	}
	if s.PeerDivergenceMax() != 50*time.Microsecond {
		t.Errorf("expected 50us divergence ceiling, got %v", s.PeerDivergenceMax())
	}

	d := DetectionConfig{StaleAfterSec: 10}
	if d.StaleAfter() != 10*time.Second {
		t.Errorf("expected 10s staleness ceiling, got %v", d.StaleAfter())
	}
}

func TestEnsureDirectories(t *testing.T) {
	tmpDir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Storage.Path = filepath.Join(tmpDir, "db", "tresd.db")
	cfg.OSNMA.KeyDir = filepath.Join(tmpDir, "osnma")
	cfg.Anchor.StatePath = filepath.Join(tmpDir, "anchor", "state.json")
	cfg.Logging.FilePath = filepath.Join(tmpDir, "logs", "tresd.log")
	cfg.Daemon.PidFile = filepath.Join(tmpDir, "run", "tresd.pid")

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}

	for _, dir := range []string{
		filepath.Join(tmpDir, "db"),
		filepath.Join(tmpDir, "osnma"),
		filepath.Join(tmpDir, "anchor"),
		filepath.Join(tmpDir, "logs"),
		filepath.Join(tmpDir, "run"),
	} {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			t.Errorf("%s was not created", dir)
		}
	}
}

func TestMerge(t *testing.T) {
	dst := DefaultConfig()
	src := &Config{}
	src.Detection.JammingThresholdDB = 20
	src.Logging.Level = "debug"
	src.Elements = []ElementConfig{{Name: "pmu-east-01"}}

	merged := Merge(dst, src)

	if merged.Detection.JammingThresholdDB != 20 {
		t.Errorf("expected merged jamming threshold 20, got %g", merged.Detection.JammingThresholdDB)
	}
	if merged.Detection.NarrowbandKHz != 1.0 {
		t.Errorf("unset src fields should keep dst values, got %g", merged.Detection.NarrowbandKHz)
	}
	if merged.Logging.Level != "debug" {
		t.Errorf("expected merged log level debug, got %s", merged.Logging.Level)
	}
	if merged.Storage.Type != "sqlite" {
		t.Errorf("expected dst storage type, got %s", merged.Storage.Type)
	}
	if len(merged.Elements) != 1 {
		t.Errorf("expected merged elements from src, got %d", len(merged.Elements))
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	cfg := DefaultConfig()
	cfg.Elements = []ElementConfig{{Name: "pmu-east-01", Oscillator: "cesium"}}
	cfg.Detection.JammingThresholdDB = 18.5
	cfg.WarMode.AssessIntervalMs = 250
	cfg.Daemon.EMCON = true

	if err := SaveConfig(cfg, configPath); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	loaded, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if len(loaded.Elements) != 1 || loaded.Elements[0].Oscillator != "cesium" {
		t.Errorf("elements did not survive the round trip: %+v", loaded.Elements)
	}
	if loaded.Detection.JammingThresholdDB != 18.5 {
		t.Errorf("expected jamming threshold 18.5, got %g", loaded.Detection.JammingThresholdDB)
	}
	if loaded.WarMode.AssessIntervalMs != 250 {
		t.Errorf("expected assess interval 250ms, got %d", loaded.WarMode.AssessIntervalMs)
	}
	if !loaded.Daemon.EMCON {
		t.Error("expected EMCON flag to survive the round trip")
	}
}

func TestLoadOrCreate(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	cfg, created, err := LoadOrCreate(configPath)
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if !created {
		t.Error("expected config file to be created")
	}
	if cfg == nil {
		t.Fatal("LoadOrCreate returned nil config")
	}
	if _, err := os.Stat(configPath); err != nil {
		t.Errorf("config file missing after create: %v", err)
	}

	_, created, err = LoadOrCreate(configPath)
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}
	if created {
		t.Error("expected existing config file to be loaded, not recreated")
	}
}

func TestLoaderRejectsHardErrors(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	content := `
[storage]
type = "postgres"
`
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	loader := NewLoader(configPath)
	if _, err := loader.Load(); err == nil {
		t.Error("expected validation failure for unknown storage type")
	}
}
