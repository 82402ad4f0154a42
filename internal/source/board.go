package source

import (
	"sync"
	"time"
)

// CSACWarmup is how long a chip-scale atomic clock needs after power-on
// before its output is usable, per the SA.45s datasheet.
const CSACWarmup = 180 * time.Second

// CSACStatus reports the atomic clock's readiness and telemetry.
type CSACStatus struct {
	Active          bool          `json:"active"`
	Ready           bool          `json:"ready"`
	WarmupRemaining time.Duration `json:"warmup_remaining"`
	TempC           float64       `json:"temp_c"`
	PowerW          float64       `json:"power_w"`
}

// CSACMonitor tracks chip-scale atomic clock power state, warmup, and
// hardware telemetry. Safe for concurrent use.
type CSACMonitor struct {
	mu sync.Mutex

	active      bool
	activatedAt time.Time
	tempC       float64
	powerW      float64
	now         func() time.Time
}

// NewCSACMonitor creates a monitor. A nil clock defaults to time.Now.
func NewCSACMonitor(clock func() time.Time) *CSACMonitor {
	if clock == nil {
		clock = time.Now
	}
	return &CSACMonitor{now: clock}
}

// Activate powers the clock on and starts warmup. Re-activating a powered
// clock does not restart the warmup.
func (m *CSACMonitor) Activate() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active {
		return
	}
	m.active = true
	m.activatedAt = m.now()
}

// Deactivate powers the clock off. The next activation warms up from cold.
func (m *CSACMonitor) Deactivate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = false
}

// Ready reports whether the clock is powered and through warmup.
func (m *CSACMonitor) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready()
}

func (m *CSACMonitor) ready() bool {
	return m.active && m.now().Sub(m.activatedAt) >= CSACWarmup
}

// SetTelemetry records the latest temperature and power draw reported
// by the clock hardware.
func (m *CSACMonitor) SetTelemetry(tempC, powerW float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tempC = tempC
	m.powerW = powerW
}

// Status returns the current power, warmup, and telemetry state.
func (m *CSACMonitor) Status() CSACStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := CSACStatus{
		Active: m.active,
		Ready:  m.ready(),
		TempC:  m.tempC,
		PowerW: m.powerW,
	}
	if m.active && !st.Ready {
		st.WarmupRemaining = CSACWarmup - m.now().Sub(m.activatedAt)
	}
	return st
}

// Board tracks source availability for one element. Marking the CSAC
// available powers it on; it is only reported available once warmed up.
// Safe for concurrent use.
type Board struct {
	mu sync.RWMutex

	available map[Source]bool
	csac      *CSACMonitor
}

// NewBoard creates an availability board. A nil clock defaults to
// time.Now.
func NewBoard(clock func() time.Time) *Board {
	return &Board{
		available: make(map[Source]bool),
		csac:      NewCSACMonitor(clock),
	}
}

// SetAvailable records whether a source can currently be used.
func (b *Board) SetAvailable(s Source, available bool) {
	if !s.Valid() || s == Holdover {
		return
	}

	b.mu.Lock()
	b.available[s] = available
	b.mu.Unlock()

	if s == CSAC {
		if available {
			b.csac.Activate()
		} else {
			b.csac.Deactivate()
		}
	}
}

// IsAvailable reports whether a source is usable right now.
func (b *Board) IsAvailable(s Source) bool {
	b.mu.RLock()
	avail := b.available[s]
	b.mu.RUnlock()

	if s == CSAC {
		return avail && b.csac.Ready()
	}
	return avail
}

// Available returns all usable sources in priority order.
func (b *Board) Available() []Source {
	b.mu.RLock()
	out := make([]Source, 0, len(b.available))
	for s, avail := range b.available {
		if avail {
			out = append(out, s)
		}
	}
	b.mu.RUnlock()

	filtered := out[:0]
	for _, s := range out {
		if s == CSAC && !b.csac.Ready() {
			continue
		}
		filtered = append(filtered, s)
	}
	return ByPriority(filtered)
}

// Snapshot returns the raw availability map including sources still
// warming up.
func (b *Board) Snapshot() map[Source]bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[Source]bool, len(b.available))
	for s, avail := range b.available {
		out[s] = avail
	}
	return out
}

// CSAC exposes the atomic clock monitor for status reporting.
func (b *Board) CSAC() *CSACMonitor {
	return b.csac
}
