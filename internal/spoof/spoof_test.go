package spoof

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tresd/internal/threat"
)

func TestDetector_CheckClockJump(t *testing.T) {
	d := NewDetector("substation-7", DefaultThresholds(), nil)

	// First offset establishes the reference
	assert.Nil(t, d.CheckClockJump(10*time.Microsecond))

	// Within holdover physics
	assert.Nil(t, d.CheckClockJump(60*time.Microsecond))

	// Exactly at the threshold is still explainable
	assert.Nil(t, d.CheckClockJump(160*time.Microsecond))

	// One nanosecond past the threshold is not
	ev := d.CheckClockJump(160*time.Microsecond + 100*time.Microsecond + time.Nanosecond)
	require.NotNil(t, ev)
	assert.Equal(t, threat.KindClockJump, ev.Kind)
	assert.Equal(t, threat.SeverityCritical, ev.Severity)
	assert.Equal(t, "substation-7", ev.Element)
	assert.InDelta(t, 100.001, ev.Evidence["jump_us"], 1e-6)
}

func TestDetector_CheckClockJumpBackward(t *testing.T) {
	d := NewDetector("substation-7", DefaultThresholds(), nil)

	assert.Nil(t, d.CheckClockJump(200*time.Microsecond))

	// Backward steps count the same as forward ones
	ev := d.CheckClockJump(-50 * time.Microsecond)
	require.NotNil(t, ev)
	assert.InDelta(t, 250.0, ev.Evidence["jump_us"], 1e-6)
}

func TestDetector_CheckPeerDivergence(t *testing.T) {
	tests := []struct {
		name   string
		peers  []time.Duration
		detect bool
	}{
		{"no peers", nil, false},
		{"single peer has no quorum", []time.Duration{900 * time.Microsecond}, false},
		{"agreeing peers", []time.Duration{10 * time.Microsecond, 20 * time.Microsecond, 30 * time.Microsecond}, false},
		{"one peer pulled away", []time.Duration{0, 0, 120 * time.Microsecond}, true},
		{"all diverged equally still agree", []time.Duration{500 * time.Microsecond, 500 * time.Microsecond}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDetector("substation-7", DefaultThresholds(), nil)
			ev := d.CheckPeerDivergence(tt.peers)
			if !tt.detect {
				assert.Nil(t, ev)
				return
			}
			require.NotNil(t, ev)
			assert.Equal(t, threat.KindSpoofing, ev.Kind)
			assert.Equal(t, threat.SeverityHigh, ev.Severity)
		})
	}
}

func TestDetector_CheckPeerDivergenceEvidence(t *testing.T) {
	d := NewDetector("substation-7", DefaultThresholds(), nil)

	// Mean is 40 us; the outlier sits 80 us away
	ev := d.CheckPeerDivergence([]time.Duration{0, 0, 120 * time.Microsecond})
	require.NotNil(t, ev)
	assert.InDelta(t, 80.0, ev.Evidence["max_divergence_us"], 1e-6)
	assert.InDelta(t, 40.0, ev.Evidence["mean_offset_us"], 1e-6)
	assert.Equal(t, 3, ev.Evidence["peer_count"])
}

func TestDetector_ObservePower(t *testing.T) {
	d := NewDetector("substation-7", DefaultThresholds(), nil)

	// First observation establishes the baseline
	assert.Nil(t, d.ObservePower(12, -130))

	// Small variation slides the baseline
	assert.Nil(t, d.ObservePower(12, -128))

	// A 7 dB jump over the slid baseline fires
	det := d.ObservePower(12, -121)
	require.NotNil(t, det)
	assert.Equal(t, IndicatorPowerAnomaly, det.Indicator)
	assert.Equal(t, 12, det.SatelliteID)
	assert.InDelta(t, 7.0, det.Value, 1e-9)

	// The jump did not move the baseline: the same power fires again
	det = d.ObservePower(12, -121)
	require.NotNil(t, det)
	assert.InDelta(t, 7.0, det.Value, 1e-9)

	// Other satellites keep independent baselines
	assert.Nil(t, d.ObservePower(25, -121))
}

func TestDetector_ObserveCodeCarrier(t *testing.T) {
	d := NewDetector("substation-7", DefaultThresholds(), nil)

	assert.Nil(t, d.ObserveCodeCarrier(3, 100.00, 99.95))

	det := d.ObserveCodeCarrier(3, 100.00, 99.85)
	require.NotNil(t, det)
	assert.Equal(t, IndicatorCodeCarrierDivergence, det.Indicator)
	assert.InDelta(t, 0.15, det.Value, 1e-9)
}

func TestDetector_ObserveDoppler(t *testing.T) {
	d := NewDetector("substation-7", DefaultThresholds(), nil)

	assert.Nil(t, d.ObserveDoppler(9, 1203.0, 1200.0))

	det := d.ObserveDoppler(9, 1208.0, 1200.0)
	require.NotNil(t, det)
	assert.Equal(t, IndicatorDopplerAnomaly, det.Indicator)
	assert.InDelta(t, 8.0, det.Value, 1e-9)
}

func TestDetector_ScoreWindow(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	d := NewDetector("substation-7", DefaultThresholds(), func() time.Time { return now })

	assert.Equal(t, 0, d.Score())

	d.ObserveCodeCarrier(1, 1.0, 0.0)
	d.ObserveCodeCarrier(2, 1.0, 0.0)
	assert.Equal(t, 40, d.Score())

	// Six indicators cap at 100
	for sv := 3; sv <= 6; sv++ {
		d.ObserveCodeCarrier(sv, 1.0, 0.0)
	}
	assert.Equal(t, 100, d.Score())

	// The window forgets
	now = now.Add(6 * time.Minute)
	assert.Equal(t, 0, d.Score())
}

func TestDecide(t *testing.T) {
	th := DefaultThresholds()

	tests := []struct {
		name        string
		score       int
		indicators  int
		authRate    float64
		authSamples int
		want        bool
	}{
		{"quiet", 0, 0, 1.0, 10, false},
		{"score at threshold holds", 60, 3, 1.0, 10, false},
		{"score past threshold fires", 80, 4, 1.0, 10, true},
		{"indicator with collapsed auth fires", 20, 1, 0.3, 10, true},
		{"indicator with healthy auth holds", 20, 1, 0.9, 10, false},
		{"auth at floor holds", 20, 1, 0.5, 10, false},
		{"collapsed auth without indicators holds", 0, 0, 0.0, 10, false},
		{"no auth samples carry no weight", 20, 1, 0.0, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Decide(tt.score, tt.indicators, tt.authRate, tt.authSamples, th)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDetector_Assess(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	d := NewDetector("substation-7", DefaultThresholds(), func() time.Time { return now })

	d.ObserveCodeCarrier(1, 1.0, 0.0)

	a := d.Assess(0.25, 8)
	assert.True(t, a.Detected)
	assert.Equal(t, 20, a.Score)
	assert.Len(t, a.Indicators, 1)
	assert.Equal(t, 0.25, a.AuthRate)
	assert.Equal(t, now, a.At)

	ev := d.DetectedEvent(a)
	require.NotNil(t, ev)
	assert.Equal(t, threat.KindSpoofing, ev.Kind)
	assert.Equal(t, threat.SeverityCritical, ev.Severity)
	assert.Equal(t, 20, ev.Evidence["score"])
	assert.Equal(t, map[string]int{"code_carrier_divergence": 1}, ev.Evidence["indicators"])
}

func TestDetector_AssessQuiet(t *testing.T) {
	d := NewDetector("substation-7", DefaultThresholds(), nil)

	a := d.Assess(1.0, 50)
	assert.False(t, a.Detected)
	assert.Equal(t, 0, a.Score)
	assert.Empty(t, a.Indicators)
}
