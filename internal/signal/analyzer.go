// Package signal implements per-constellation RF spectrum analysis for GNSS
// jamming detection.
//
// The analyzer keeps a rolling power baseline per (element, constellation,
// frequency). A sample whose power exceeds its baseline by more than the
// jamming threshold raises a jamming threat, classified by bandwidth and
// graded by the size of the excursion. The first sample seen for a frequency
// establishes the baseline and is never judged against itself.
package signal

import (
	"errors"
	"sort"
	"sync"
	"time"

	"tresd/internal/threat"
)

// ErrInsufficientData indicates no baseline exists yet for a frequency.
// This is a startup state, not a fault.
var ErrInsufficientData = errors.New("signal: baseline not established")

// JammingType classifies detected interference by its spectral shape.
type JammingType string

const (
	// JammingNarrowband is a single-frequency tone, bandwidth under 1 kHz.
	JammingNarrowband JammingType = "narrowband"
	// JammingWideband is broadband noise, bandwidth over 20 kHz.
	JammingWideband JammingType = "wideband"
	// JammingMatchedSpectrum mimics the shape of an authentic GNSS signal.
	// It is the most dangerous class: receivers cannot filter it without
	// also rejecting the real signal.
	JammingMatchedSpectrum JammingType = "matched_spectrum"
)

// Sample is one RF spectrum observation for an element and constellation.
type Sample struct {
	Element       string    `json:"element"`
	Constellation string    `json:"constellation"`
	FrequencyMHz  float64   `json:"frequency_mhz"`
	PowerDBm      float64   `json:"power_dbm"`
	CN0DBHz       float64   `json:"cn0_db_hz,omitempty"`
	BandwidthKHz  float64   `json:"bandwidth_khz"`
	DirectionDeg  *float64  `json:"direction_deg,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Thresholds controls jamming detection and grading.
type Thresholds struct {
	// JammingDB is the power increase over baseline that raises a threat.
	JammingDB float64

	// NarrowbandKHz and WidebandKHz bound the bandwidth classification:
	// below NarrowbandKHz is narrowband, above WidebandKHz is wideband,
	// between them is matched-spectrum.
	NarrowbandKHz float64
	WidebandKHz   float64

	// BaselineAlpha is the exponential update weight applied to the
	// baseline on quiet samples. Zero freezes the baseline at the first
	// observed power.
	BaselineAlpha float64
}

// DefaultThresholds returns the standard detection thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		JammingDB:     15.0,
		NarrowbandKHz: 1.0,
		WidebandKHz:   20.0,
		BaselineAlpha: 0,
	}
}

type baselineKey struct {
	element       string
	constellation string
	frequencyMHz  float64
}

// BandStats summarizes jamming activity in one named band.
type BandStats struct {
	Band             string    `json:"band"`
	EventCount       int       `json:"event_count"`
	MaxPowerDBm      float64   `json:"max_power_dbm"`
	MaxIncreaseDB    float64   `json:"max_increase_db"`
	AvgDegradationDB float64   `json:"avg_degradation_db"`
	JammingTypes     []string  `json:"jamming_types"`
	LastDetectedAt   time.Time `json:"last_detected_at"`
}

type bandAccum struct {
	count          int
	maxPower       float64
	maxIncrease    float64
	degradationSum float64
	types          map[JammingType]struct{}
	last           time.Time
}

// Analyzer detects jamming from spectrum samples. Safe for concurrent use;
// baselines for distinct (element, constellation, frequency) keys are
// independent.
type Analyzer struct {
	mu sync.RWMutex

	thresholds Thresholds
	baselines  map[baselineKey]float64
	bands      map[string]*bandAccum
	now        func() time.Time
}

// NewAnalyzer creates an analyzer. A nil clock defaults to time.Now.
func NewAnalyzer(thresholds Thresholds, clock func() time.Time) *Analyzer {
	if clock == nil {
		clock = time.Now
	}
	return &Analyzer{
		thresholds: thresholds,
		baselines:  make(map[baselineKey]float64),
		bands:      make(map[string]*bandAccum),
		now:        clock,
	}
}

// SetThresholds replaces the detection thresholds. Established
// baselines are kept; only the grading changes.
func (a *Analyzer) SetThresholds(t Thresholds) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.thresholds = t
}

// Analyze judges one sample against its baseline. It returns a jamming
// threat event when the power increase crosses the threshold, or nil when
// the sample is quiet or merely establishes a new baseline.
func (a *Analyzer) Analyze(s Sample) *threat.Event {
	key := baselineKey{s.Element, s.Constellation, s.FrequencyMHz}

	a.mu.Lock()
	defer a.mu.Unlock()

	baseline, ok := a.baselines[key]
	if !ok {
		a.baselines[key] = s.PowerDBm
		return nil
	}

	increase := s.PowerDBm - baseline
	if increase <= a.thresholds.JammingDB {
		// Quiet sample; let the baseline drift with the environment.
		if alpha := a.thresholds.BaselineAlpha; alpha > 0 {
			a.baselines[key] = (1-alpha)*baseline + alpha*s.PowerDBm
		}
		return nil
	}

	band := BandName(s.FrequencyMHz, s.Constellation)
	jt := a.classify(s)
	ev := threat.NewEvent(threat.KindJamming, severityFor(increase), s.Element, a.now()).
		WithConstellation(s.Constellation).
		WithEvidence(map[string]any{
			"band":               band,
			"frequency_mhz":      s.FrequencyMHz,
			"power_dbm":          s.PowerDBm,
			"baseline_dbm":       baseline,
			"power_increase_db":  increase,
			"cn0_degradation_db": increase,
			"bandwidth_khz":      s.BandwidthKHz,
			"jamming_type":       string(jt),
		})
	if s.DirectionDeg != nil {
		ev.Evidence["direction_deg"] = *s.DirectionDeg
		ev.Evidence["direction"] = CompassPoint(*s.DirectionDeg)
	}

	acc := a.bands[band]
	if acc == nil {
		acc = &bandAccum{maxPower: s.PowerDBm, types: make(map[JammingType]struct{})}
		a.bands[band] = acc
	}
	acc.count++
	if s.PowerDBm > acc.maxPower {
		acc.maxPower = s.PowerDBm
	}
	if increase > acc.maxIncrease {
		acc.maxIncrease = increase
	}
	acc.degradationSum += increase
	acc.types[jt] = struct{}{}
	acc.last = ev.DetectedAt

	return ev
}

// classify maps bandwidth to a jamming type.
func (a *Analyzer) classify(s Sample) JammingType {
	switch {
	case s.BandwidthKHz < a.thresholds.NarrowbandKHz:
		return JammingNarrowband
	case s.BandwidthKHz > a.thresholds.WidebandKHz:
		return JammingWideband
	default:
		return JammingMatchedSpectrum
	}
}

// severityFor grades a power increase. Cutoffs are strict: exactly 20 dB is
// Medium, exactly 30 dB is High.
func severityFor(increaseDB float64) threat.Severity {
	switch {
	case increaseDB > 30:
		return threat.SeverityCritical
	case increaseDB > 20:
		return threat.SeverityHigh
	case increaseDB > 15:
		return threat.SeverityMedium
	default:
		return threat.SeverityLow
	}
}

// PowerIncrease reports the current increase over baseline for a frequency.
// Returns ErrInsufficientData when no baseline exists yet.
func (a *Analyzer) PowerIncrease(element, constellation string, frequencyMHz, powerDBm float64) (float64, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	baseline, ok := a.baselines[baselineKey{element, constellation, frequencyMHz}]
	if !ok {
		return 0, ErrInsufficientData
	}
	return powerDBm - baseline, nil
}

// BandIntelligence returns a snapshot of per-band jamming statistics.
func (a *Analyzer) BandIntelligence() map[string]BandStats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make(map[string]BandStats, len(a.bands))
	for name, acc := range a.bands {
		types := make([]string, 0, len(acc.types))
		for jt := range acc.types {
			types = append(types, string(jt))
		}
		sort.Strings(types)
		out[name] = BandStats{
			Band:             name,
			EventCount:       acc.count,
			MaxPowerDBm:      acc.maxPower,
			MaxIncreaseDB:    acc.maxIncrease,
			AvgDegradationDB: acc.degradationSum / float64(acc.count),
			JammingTypes:     types,
			LastDetectedAt:   acc.last,
		}
	}
	return out
}

// ResetBaselines clears all learned baselines. Used when an element's RF
// environment changes legitimately, such as an antenna swap.
func (a *Analyzer) ResetBaselines(element string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for key := range a.baselines {
		if key.element == element {
			delete(a.baselines, key)
		}
	}
}
