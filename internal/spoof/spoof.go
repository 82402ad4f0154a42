// Package spoof detects GNSS spoofing through layered heuristics.
//
// Three layers feed a combined determination: clock behavior (sudden time
// jumps, divergence from timing peers), per-satellite signal heuristics
// (power jumps, code-carrier divergence, doppler anomalies), and the
// navigation message authentication rate from the osnma package. Heuristic
// detections accumulate in a trailing window and produce a 0-100 score;
// spoofing is declared when the score crosses its threshold or when any
// indicator coincides with a poor authentication rate.
package spoof

import (
	"math"
	"sync"
	"time"

	"tresd/internal/threat"
)

// Indicator names a heuristic spoofing signature.
type Indicator string

const (
	// IndicatorPowerAnomaly is a sudden per-satellite power increase.
	// Spoofers must overpower the authentic signal to capture tracking
	// loops.
	IndicatorPowerAnomaly Indicator = "power_anomaly"
	// IndicatorCodeCarrierDivergence is disagreement between code and
	// carrier phase, which track closely for an authentic signal.
	IndicatorCodeCarrierDivergence Indicator = "code_carrier_divergence"
	// IndicatorDopplerAnomaly is an observed doppler shift far from the
	// value predicted by the broadcast ephemeris.
	IndicatorDopplerAnomaly Indicator = "doppler_anomaly"
)

// Thresholds controls the detection layers.
type Thresholds struct {
	// ClockJumpMax is the largest step between consecutive time offsets
	// that holdover physics can explain.
	ClockJumpMax time.Duration
	// PeerDivergenceMax bounds how far one peer may sit from the peer
	// mean before the local view is suspect.
	PeerDivergenceMax time.Duration
	// PowerJumpDB is the per-satellite power increase that raises an
	// indicator.
	PowerJumpDB float64
	// CodeCarrierMaxM is the code-carrier divergence ceiling in meters.
	CodeCarrierMaxM float64
	// DopplerMaxHz bounds |observed - predicted| doppler.
	DopplerMaxHz float64
	// IndicatorWindow is the trailing window scored for detections.
	IndicatorWindow time.Duration
	// ScorePerIndicator converts windowed detections to a 0-100 score.
	ScorePerIndicator int
	// DetectScore is the score above which spoofing is declared outright.
	DetectScore int
	// AuthRateFloor declares spoofing when indicators are present and the
	// authentication success rate sits below this fraction.
	AuthRateFloor float64
}

// DefaultThresholds returns the standard spoofing thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ClockJumpMax:      100 * time.Microsecond,
		PeerDivergenceMax: 50 * time.Microsecond,
		PowerJumpDB:       6.0,
		CodeCarrierMaxM:   0.1,
		DopplerMaxHz:      5.0,
		IndicatorWindow:   5 * time.Minute,
		ScorePerIndicator: 20,
		DetectScore:       60,
		AuthRateFloor:     0.5,
	}
}

// Detection is one heuristic indicator observation.
type Detection struct {
	Indicator   Indicator `json:"indicator"`
	SatelliteID int       `json:"satellite_id"`
	Value       float64   `json:"value"`
	At          time.Time `json:"at"`
}

// Assessment is the combined spoofing determination for one element.
type Assessment struct {
	Detected    bool        `json:"detected"`
	Score       int         `json:"score"`
	Indicators  []Detection `json:"indicators,omitempty"`
	AuthRate    float64     `json:"auth_rate"`
	AuthSamples int         `json:"auth_samples"`
	At          time.Time   `json:"at"`
}

// Detector runs spoofing detection for a single grid element. Safe for
// concurrent use.
type Detector struct {
	mu sync.Mutex

	element    string
	thresholds Thresholds

	baselinePower map[int]float64
	detections    []Detection
	lastOffset    time.Duration
	haveOffset    bool

	now func() time.Time
}

// NewDetector creates a detector for an element. A nil clock defaults to
// time.Now.
func NewDetector(element string, thresholds Thresholds, clock func() time.Time) *Detector {
	if clock == nil {
		clock = time.Now
	}
	return &Detector{
		element:       element,
		thresholds:    thresholds,
		baselinePower: make(map[int]float64),
		now:           clock,
	}
}

// SetThresholds replaces the detection thresholds, keeping observation
// history and baselines.
func (d *Detector) SetThresholds(t Thresholds) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.thresholds = t
}

// ---------- clock layer ----------

// CheckClockJump compares a time offset against the previous observation.
// A step larger than the threshold raises a critical clock-jump threat.
// The first observation establishes the reference and returns nil.
func (d *Detector) CheckClockJump(offset time.Duration) *threat.Event {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.haveOffset {
		d.lastOffset = offset
		d.haveOffset = true
		return nil
	}

	jump := offset - d.lastOffset
	if jump < 0 {
		jump = -jump
	}
	prev := d.lastOffset
	d.lastOffset = offset

	if jump <= d.thresholds.ClockJumpMax {
		return nil
	}
	return threat.NewEvent(threat.KindClockJump, threat.SeverityCritical, d.element, d.now()).
		WithEvidence(map[string]any{
			"jump_us":            microseconds(jump),
			"offset_us":          microseconds(offset),
			"previous_offset_us": microseconds(prev),
		})
}

// CheckPeerDivergence compares peer time offsets against their mean. It
// needs at least two peers; with fewer there is no quorum and the check is
// skipped. A peer sitting too far from the mean raises a high-severity
// spoofing threat.
func (d *Detector) CheckPeerDivergence(peerOffsets []time.Duration) *threat.Event {
	if len(peerOffsets) < 2 {
		return nil
	}

	var sum time.Duration
	for _, off := range peerOffsets {
		sum += off
	}
	mean := sum / time.Duration(len(peerOffsets))

	var maxDiv time.Duration
	for _, off := range peerOffsets {
		div := off - mean
		if div < 0 {
			div = -div
		}
		if div > maxDiv {
			maxDiv = div
		}
	}

	if maxDiv <= d.thresholds.PeerDivergenceMax {
		return nil
	}
	return threat.NewEvent(threat.KindSpoofing, threat.SeverityHigh, d.element, d.now()).
		WithEvidence(map[string]any{
			"max_divergence_us": microseconds(maxDiv),
			"mean_offset_us":    microseconds(mean),
			"peer_count":        len(peerOffsets),
		})
}

// ---------- heuristic layer ----------

// ObservePower checks one satellite's received power against its baseline.
// A jump over the threshold raises an indicator and freezes the baseline;
// quiet observations move the baseline to the latest power.
func (d *Detector) ObservePower(satelliteID int, powerDBm float64) *Detection {
	d.mu.Lock()
	defer d.mu.Unlock()

	baseline, ok := d.baselinePower[satelliteID]
	if ok {
		if jump := powerDBm - baseline; jump > d.thresholds.PowerJumpDB {
			return d.record(IndicatorPowerAnomaly, satelliteID, jump)
		}
	}
	d.baselinePower[satelliteID] = powerDBm
	return nil
}

// ObserveCodeCarrier checks agreement between code and carrier phase, both
// in meters.
func (d *Detector) ObserveCodeCarrier(satelliteID int, codePhaseM, carrierPhaseM float64) *Detection {
	divergence := math.Abs(codePhaseM - carrierPhaseM)
	if divergence <= d.thresholds.CodeCarrierMaxM {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.record(IndicatorCodeCarrierDivergence, satelliteID, divergence)
}

// ObserveDoppler checks an observed doppler shift against the value
// predicted from the broadcast ephemeris.
func (d *Detector) ObserveDoppler(satelliteID int, observedHz, predictedHz float64) *Detection {
	delta := math.Abs(observedHz - predictedHz)
	if delta <= d.thresholds.DopplerMaxHz {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.record(IndicatorDopplerAnomaly, satelliteID, delta)
}

// record appends a detection and prunes the window. Caller holds mu.
func (d *Detector) record(ind Indicator, satelliteID int, value float64) *Detection {
	det := Detection{
		Indicator:   ind,
		SatelliteID: satelliteID,
		Value:       value,
		At:          d.now(),
	}
	d.detections = append(d.detections, det)
	d.prune(det.At)
	return &det
}

// prune drops detections older than the indicator window. Caller holds mu.
func (d *Detector) prune(now time.Time) {
	cutoff := now.Add(-d.thresholds.IndicatorWindow)
	i := 0
	for i < len(d.detections) && d.detections[i].At.Before(cutoff) {
		i++
	}
	if i > 0 {
		d.detections = append(d.detections[:0], d.detections[i:]...)
	}
}

// ---------- combined determination ----------

// Score returns the current 0-100 spoofing likelihood from windowed
// indicator count.
func (d *Detector) Score() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.prune(d.now())
	return scoreFor(len(d.detections), d.thresholds)
}

// scoreFor converts an indicator count to a capped score.
func scoreFor(indicators int, th Thresholds) int {
	score := indicators * th.ScorePerIndicator
	if score > 100 {
		score = 100
	}
	return score
}

// Decide is the combined spoofing rule. Spoofing is declared when the
// heuristic score crosses its threshold outright, or when indicators are
// present and the authentication success rate has collapsed. A rate with
// no samples carries no weight either way.
func Decide(score, indicators int, authRate float64, authSamples int, th Thresholds) bool {
	if score > th.DetectScore {
		return true
	}
	return indicators > 0 && authSamples > 0 && authRate < th.AuthRateFloor
}

// Assess produces the combined determination using the detector's current
// window and the caller's authentication rate.
func (d *Detector) Assess(authRate float64, authSamples int) Assessment {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	d.prune(now)

	indicators := make([]Detection, len(d.detections))
	copy(indicators, d.detections)
	score := scoreFor(len(indicators), d.thresholds)

	return Assessment{
		Detected:    Decide(score, len(indicators), authRate, authSamples, d.thresholds),
		Score:       score,
		Indicators:  indicators,
		AuthRate:    authRate,
		AuthSamples: authSamples,
		At:          now,
	}
}

// DetectedEvent builds the critical spoofing threat for a positive
// assessment.
func (d *Detector) DetectedEvent(a Assessment) *threat.Event {
	byIndicator := make(map[string]int, 3)
	for _, det := range a.Indicators {
		byIndicator[string(det.Indicator)]++
	}
	return threat.NewEvent(threat.KindSpoofing, threat.SeverityCritical, d.element, a.At).
		WithEvidence(map[string]any{
			"score":        a.Score,
			"indicators":   byIndicator,
			"auth_rate":    a.AuthRate,
			"auth_samples": a.AuthSamples,
		})
}

func microseconds(d time.Duration) float64 {
	return float64(d) / float64(time.Microsecond)
}
