// Package holdover models the time error a free-running oscillator
// accumulates after losing every external reference, classifies the
// resulting clock quality, and estimates measured stability from phase
// samples.
//
// The model is the standard two-term expansion
//
//	time_error(T) = freq_offset*T + (aging_rate*T^2)/2
//
// where freq_offset is the oscillator's 1 s Allan deviation and
// aging_rate is the per-day aging converted to per-second. Accumulated
// error is always recomputed from wall-clock elapsed time since the
// hold began; incremental accumulation compounds floating-point error
// over long holds.
package holdover

import (
	"errors"
	"fmt"
	"time"
)

// Errors returned by the holdover model.
var (
	ErrUnknownOscillator = errors.New("holdover: unknown oscillator type")
	ErrSeriesTooShort    = errors.New("holdover: phase series too short")
)

const secondsPerDay = 86400.0

// Oscillator identifies a free-running oscillator class.
type Oscillator string

const (
	OCXO     Oscillator = "ocxo"
	Rubidium Oscillator = "rubidium"
	CSAC     Oscillator = "csac"
	Cesium   Oscillator = "cesium"
)

// DefaultOscillator is assumed when an element does not declare its
// oscillator class.
const DefaultOscillator = CSAC

// Profile characterizes an oscillator's free-running stability.
// FreqOffset is the fractional frequency offset, taken as the 1 s Allan
// deviation. AgingPerDay is the fractional frequency aging per day.
type Profile struct {
	FreqOffset  float64 `json:"freq_offset"`
	AgingPerDay float64 `json:"aging_per_day"`
}

// Manufacturer-sheet figures. The cesium beam has no meaningful aging.
var profiles = map[Oscillator]Profile{
	OCXO:     {FreqOffset: 1e-11, AgingPerDay: 1e-10},
	Rubidium: {FreqOffset: 3e-11, AgingPerDay: 5e-12},
	CSAC:     {FreqOffset: 1.5e-10, AgingPerDay: 3e-11},
	Cesium:   {FreqOffset: 1e-11, AgingPerDay: 0},
}

// Valid reports whether o names a known oscillator class.
func (o Oscillator) Valid() bool {
	_, ok := profiles[o]
	return ok
}

// ProfileFor returns the drift profile for an oscillator class.
func ProfileFor(o Oscillator) (Profile, error) {
	p, ok := profiles[o]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q", ErrUnknownOscillator, o)
	}
	return p, nil
}

// TimeError returns the modeled accumulated time error in seconds after
// free-running for elapsed. Zero or negative elapsed yields zero; the
// result is non-negative and non-decreasing in elapsed.
func (p Profile) TimeError(elapsed time.Duration) float64 {
	t := elapsed.Seconds()
	if t <= 0 {
		return 0
	}
	aging := p.AgingPerDay / secondsPerDay
	return p.FreqOffset*t + (aging*t*t)/2
}

// DriftNanos returns TimeError expressed in nanoseconds.
func (p Profile) DriftNanos(elapsed time.Duration) float64 {
	return p.TimeError(elapsed) * 1e9
}

// DriftRatePPB returns the frequency offset in parts per billion.
func (p Profile) DriftRatePPB() float64 {
	return p.FreqOffset * 1e9
}

// DailyDrift returns the per-day-normalized drift rate in seconds per
// day at the given point into a hold. At the start of a hold this is
// the pure frequency term; aging then raises it linearly.
func (p Profile) DailyDrift(elapsed time.Duration) float64 {
	t := elapsed.Seconds()
	if t < 0 {
		t = 0
	}
	return p.FreqOffset*secondsPerDay + (p.AgingPerDay*t)/2
}

// Quality classifies how usable a free-running clock still is.
type Quality string

const (
	QualityExcellent  Quality = "excellent"
	QualityGood       Quality = "good"
	QualityAcceptable Quality = "acceptable"
	QualityDegraded   Quality = "degraded"
	QualityPoor       Quality = "poor"
)

// Daily drift cutoffs in seconds per day.
const (
	excellentMaxPerDay  = 1e-6
	goodMaxPerDay       = 1e-5
	acceptableMaxPerDay = 1e-4
	degradedMaxPerDay   = 1e-3
)

// QualityFor classifies a daily-normalized drift rate in seconds per day.
func QualityFor(perDay float64) Quality {
	switch {
	case perDay < excellentMaxPerDay:
		return QualityExcellent
	case perDay < goodMaxPerDay:
		return QualityGood
	case perDay < acceptableMaxPerDay:
		return QualityAcceptable
	case perDay < degradedMaxPerDay:
		return QualityDegraded
	default:
		return QualityPoor
	}
}

// QualityAt classifies the clock quality at the given point into a hold.
func (p Profile) QualityAt(elapsed time.Duration) Quality {
	return QualityFor(p.DailyDrift(elapsed))
}
