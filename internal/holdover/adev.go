package holdover

import (
	"fmt"
	"math"
	"time"
)

// DefaultTaus lists the averaging intervals checked against a profile.
var DefaultTaus = []time.Duration{
	1 * time.Second,
	10 * time.Second,
	100 * time.Second,
	1000 * time.Second,
}

// ADEVPoint is one measured stability figure at an averaging interval.
type ADEVPoint struct {
	Tau   time.Duration `json:"tau"`
	Dev   float64       `json:"dev"`
	Terms int           `json:"terms"`
}

// OverlappingADEV computes the overlapping-estimator Allan deviation
// from a series of phase samples in seconds, spaced tau0 seconds apart,
// at averaging interval m*tau0. Requires at least 2m+1 samples.
func OverlappingADEV(phase []float64, tau0 float64, m int) (float64, error) {
	if m < 1 {
		return 0, fmt.Errorf("holdover: averaging multiple %d out of range", m)
	}
	if tau0 <= 0 {
		return 0, fmt.Errorf("holdover: sample spacing %v out of range", tau0)
	}
	n := len(phase)
	terms := n - 2*m
	if terms < 1 {
		return 0, fmt.Errorf("%w: %d samples, need %d for m=%d", ErrSeriesTooShort, n, 2*m+1, m)
	}

	tau := float64(m) * tau0
	var sum float64
	for i := 0; i < terms; i++ {
		d := phase[i+2*m] - 2*phase[i+m] + phase[i]
		sum += d * d
	}
	return math.Sqrt(sum / (2 * tau * tau * float64(terms))), nil
}

// ADEVSeries computes the deviation at each requested tau that the
// series is long enough to support. Taus that are not a multiple of
// tau0 or do not fit the series are skipped; an empty result means the
// series supports none of them.
func ADEVSeries(phase []float64, tau0 float64, taus []time.Duration) ([]ADEVPoint, error) {
	if len(taus) == 0 {
		taus = DefaultTaus
	}

	var out []ADEVPoint
	for _, tau := range taus {
		m := int(math.Round(tau.Seconds() / tau0))
		if m < 1 || len(phase) < 2*m+1 {
			continue
		}
		dev, err := OverlappingADEV(phase, tau0, m)
		if err != nil {
			continue
		}
		out = append(out, ADEVPoint{Tau: tau, Dev: dev, Terms: len(phase) - 2*m})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %d samples support none of the requested taus", ErrSeriesTooShort, len(phase))
	}
	return out, nil
}

// Oscillators routinely beat their sheet figures; a measurement is
// suspect only well past the book value.
const profileMargin = 2.0

// Consistent reports whether a measured 1 s Allan deviation is
// plausible for the profile.
func (p Profile) Consistent(dev1s float64) bool {
	return dev1s <= profileMargin*p.FreqOffset
}
