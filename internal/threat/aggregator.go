package threat

import (
	"sync"
	"time"
)

// FixQuality is a GNSS fix-quality snapshot delivered by a receiver driver.
// DOP values default to 99.0 upstream when the receiver has no fix.
type FixQuality struct {
	Element           string    `json:"element"`
	Constellation     string    `json:"constellation"`
	CN0DBHz           float64   `json:"cn0_db_hz"`
	SatellitesVisible int       `json:"satellites_visible"`
	SatellitesUsed    int       `json:"satellites_used"`
	HDOP              float64   `json:"hdop"`
	PDOP              float64   `json:"pdop"`
	TDOP              float64   `json:"tdop"`
	FixValid          bool      `json:"fix_valid"`
	Timestamp         time.Time `json:"timestamp"`
}

// Rule inspects one fix-quality snapshot and either emits a threat event or
// returns nil. The floor rules are pure functions of their arguments; rules
// that need history, like CN0DropRule, close over their own serialized state.
type Rule func(q FixQuality, now time.Time) *Event

// Floors holds the hard detection floors applied independently of any trend
// analysis.
type Floors struct {
	// CN0Jamming is the carrier-to-noise floor in dB-Hz below which a High
	// jamming threat is raised.
	CN0Jamming float64

	// MinSatellites is the minimum satellites-used count; below it a
	// Critical signal-loss threat is raised.
	MinSatellites int

	// TDOPCeiling is the time-dilution-of-precision ceiling above which a
	// Medium multipath threat is raised.
	TDOPCeiling float64

	// StaleAfter raises a Critical signal-loss threat when the most recent
	// fix snapshot is older than this. Zero disables the staleness rule.
	StaleAfter time.Duration
}

// DefaultFloors returns the standard detection floors.
func DefaultFloors() Floors {
	return Floors{
		CN0Jamming:    30.0,
		MinSatellites: 4,
		TDOPCeiling:   5.0,
		StaleAfter:    10 * time.Second,
	}
}

// CN0FloorRule raises High jamming when the mean C/N0 drops below floor.
func CN0FloorRule(floor float64) Rule {
	return func(q FixQuality, now time.Time) *Event {
		if q.CN0DBHz >= floor {
			return nil
		}
		return NewEvent(KindJamming, SeverityHigh, q.Element, now).
			WithConstellation(q.Constellation).
			WithEvidence(map[string]any{
				"cn0_db_hz": q.CN0DBHz,
				"floor":     floor,
			})
	}
}

// SatelliteCountRule raises Critical signal loss when fewer than min
// satellites are used in the fix.
func SatelliteCountRule(min int) Rule {
	return func(q FixQuality, now time.Time) *Event {
		if q.SatellitesUsed >= min {
			return nil
		}
		return NewEvent(KindSignalLoss, SeverityCritical, q.Element, now).
			WithConstellation(q.Constellation).
			WithEvidence(map[string]any{
				"satellites_used":    q.SatellitesUsed,
				"satellites_visible": q.SatellitesVisible,
				"minimum":            min,
			})
	}
}

// TDOPRule raises Medium multipath when time dilution of precision exceeds
// the ceiling.
func TDOPRule(ceiling float64) Rule {
	return func(q FixQuality, now time.Time) *Event {
		if q.TDOP <= ceiling {
			return nil
		}
		return NewEvent(KindMultipath, SeverityMedium, q.Element, now).
			WithConstellation(q.Constellation).
			WithEvidence(map[string]any{
				"tdop":    q.TDOP,
				"ceiling": ceiling,
			})
	}
}

// StalenessRule raises Critical signal loss when the snapshot itself is
// older than maxAge. Receivers that stop reporting are indistinguishable
// from receivers that lost the sky.
func StalenessRule(maxAge time.Duration) Rule {
	return func(q FixQuality, now time.Time) *Event {
		if maxAge <= 0 || now.Sub(q.Timestamp) <= maxAge {
			return nil
		}
		return NewEvent(KindSignalLoss, SeverityCritical, q.Element, now).
			WithConstellation(q.Constellation).
			WithEvidence(map[string]any{
				"last_fix_at": q.Timestamp,
				"age_seconds": now.Sub(q.Timestamp).Seconds(),
			})
	}
}

// Aggregator applies the floor rules to fix-quality snapshots and merges the
// results with detector-emitted events into one report per analysis pass.
type Aggregator struct {
	mu    sync.RWMutex
	base  []Rule
	extra []Rule
	now   func() time.Time
}

// NewAggregator builds an aggregator from the given floors. A nil clock
// defaults to time.Now.
func NewAggregator(floors Floors, clock func() time.Time) *Aggregator {
	if clock == nil {
		clock = time.Now
	}
	return &Aggregator{
		base: floorRules(floors),
		now:  clock,
	}
}

func floorRules(floors Floors) []Rule {
	return []Rule{
		CN0FloorRule(floors.CN0Jamming),
		SatelliteCountRule(floors.MinSatellites),
		TDOPRule(floors.TDOPCeiling),
		StalenessRule(floors.StaleAfter),
	}
}

// SetFloors replaces the floor rules. Rules added with AddRule are kept.
func (a *Aggregator) SetFloors(floors Floors) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.base = floorRules(floors)
}

// AddRule appends a custom rule to the pipeline.
func (a *Aggregator) AddRule(r Rule) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.extra = append(a.extra, r)
}

// Analyze evaluates all rules against the snapshot, merges any events from
// detectors that ran in the same pass, and returns the grouped report.
func (a *Aggregator) Analyze(q FixQuality, detected []*Event) *Report {
	now := a.now()
	report := &Report{
		Element:       q.Element,
		Constellation: q.Constellation,
		GeneratedAt:   now,
	}

	a.mu.RLock()
	rules := make([]Rule, 0, len(a.base)+len(a.extra))
	rules = append(rules, a.base...)
	rules = append(rules, a.extra...)
	a.mu.RUnlock()

	for _, rule := range rules {
		if ev := rule(q, now); ev != nil {
			report.Events = append(report.Events, ev)
		}
	}
	report.Events = append(report.Events, detected...)
	return report
}
