package threat

import (
	"sync"
	"time"
)

// CN0DropThresholds grade a drop in mean carrier-to-noise density
// relative to the constellation's established baseline. Severity
// cutoffs are strict.
type CN0DropThresholds struct {
	DropDB     float64
	HighDB     float64
	CriticalDB float64
}

// DefaultCN0DropThresholds returns the standard grading: detection
// above 10 dB of drop, high above 15, critical above 20.
func DefaultCN0DropThresholds() CN0DropThresholds {
	return CN0DropThresholds{DropDB: 10.0, HighDB: 15.0, CriticalDB: 20.0}
}

type cn0Key struct {
	element       string
	constellation string
}

// CN0DropRule raises jamming when mean C/N0 falls well below the
// baseline recorded for a constellation, catching wideband degradation
// that never crosses the absolute floor. The first snapshot for a
// (element, constellation) pair establishes the baseline and emits
// nothing.
type CN0DropRule struct {
	mu sync.Mutex

	thresholds CN0DropThresholds
	baselines  map[cn0Key]float64
}

// NewCN0DropRule creates the rule with its own baseline state.
func NewCN0DropRule(th CN0DropThresholds) *CN0DropRule {
	return &CN0DropRule{
		thresholds: th,
		baselines:  make(map[cn0Key]float64),
	}
}

// SetThresholds replaces the grading thresholds, keeping baselines.
func (r *CN0DropRule) SetThresholds(th CN0DropThresholds) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.thresholds = th
}

// Rule adapts the detector to the aggregator's rule pipeline.
func (r *CN0DropRule) Rule() Rule {
	return r.check
}

func (r *CN0DropRule) check(q FixQuality, now time.Time) *Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := cn0Key{element: q.Element, constellation: q.Constellation}
	baseline, ok := r.baselines[key]
	if !ok {
		r.baselines[key] = q.CN0DBHz
		return nil
	}

	drop := baseline - q.CN0DBHz
	if drop <= r.thresholds.DropDB {
		return nil
	}

	severity := SeverityMedium
	switch {
	case drop > r.thresholds.CriticalDB:
		severity = SeverityCritical
	case drop > r.thresholds.HighDB:
		severity = SeverityHigh
	}

	return NewEvent(KindJamming, severity, q.Element, now).
		WithConstellation(q.Constellation).
		WithEvidence(map[string]any{
			"cn0_db_hz":    q.CN0DBHz,
			"baseline_cn0": baseline,
			"drop_db":      drop,
		})
}

// Reset forgets the baselines for an element, forcing re-establishment.
func (r *CN0DropRule) Reset(element string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.baselines {
		if key.element == element {
			delete(r.baselines, key)
		}
	}
}
