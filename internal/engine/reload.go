package engine

import (
	"errors"

	"tresd/internal/config"
	"tresd/internal/ledger"
)

// ErrNilConfig is returned by ApplyConfig for a nil configuration.
var ErrNilConfig = errors.New("engine: nil config")

// ApplyConfig hot-applies a reloaded configuration. Detection and
// spoofing thresholds, the smoothing window, and the tick cadences take
// effect on the running engine; storage and ledger paths, the element
// set, and OSNMA settings need a restart and are logged when they
// differ. The change is recorded in the audit chain.
func (e *Engine) ApplyConfig(cfg *config.Config, actor string) error {
	if cfg == nil {
		return ErrNilConfig
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if actor == "" {
		actor = ledger.DefaultActor
	}

	e.mu.Lock()
	old := e.cfg
	e.cfg = cfg
	e.mu.Unlock()

	e.analyzer.SetThresholds(signalThresholdsFrom(cfg.Detection))
	e.aggregator.SetFloors(floorsFrom(cfg.Detection))
	e.cn0drop.SetThresholds(cn0DropFrom(cfg.Detection))

	window := cfg.WarMode.SmoothingWindow()
	spoofTh := spoofThresholdsFrom(cfg.Spoofing)
	for _, ctrl := range e.registry.All() {
		ctrl.SetSmoothingWindow(window)
		ctrl.Detector().SetThresholds(spoofTh)
	}

	e.mu.RLock()
	for _, st := range e.indicators {
		st.setWindow(window)
	}
	e.mu.RUnlock()

	for _, warn := range restartOnly(old, cfg) {
		e.log.Warn("config change needs restart", "setting", warn)
	}

	e.appendLedger(ledger.EventConfigChange, actor, map[string]any{
		"setting": "reload",
		"version": cfg.Version,
	})
	e.log.Info("configuration applied",
		"smoothing_window", window,
		"assess_interval", cfg.WarMode.AssessInterval(),
		"holdover_interval", cfg.WarMode.HoldoverInterval())
	return nil
}

// restartOnly names the settings whose change cannot be hot-applied.
func restartOnly(old, next *config.Config) []string {
	var out []string
	if old.Storage.Path != next.Storage.Path {
		out = append(out, "storage.path")
	}
	if old.IPC.SocketPath != next.IPC.SocketPath {
		out = append(out, "ipc.socket_path")
	}
	if old.OSNMA != next.OSNMA {
		out = append(out, "osnma")
	}
	if len(old.Elements) != len(next.Elements) {
		out = append(out, "elements")
	} else {
		for i := range old.Elements {
			if old.Elements[i] != next.Elements[i] {
				out = append(out, "elements")
				break
			}
		}
	}
	return out
}
