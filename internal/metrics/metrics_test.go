package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounter(t *testing.T) {
	r := NewRegistry("tresd")
	c := r.RegisterCounter("threats_total", "Threat events recorded", nil)

	c.Inc()
	c.Add(4)
	assert.Equal(t, uint64(5), c.Value())

	// Re-registering the same name returns the same counter.
	again := r.RegisterCounter("threats_total", "Threat events recorded", nil)
	again.Inc()
	assert.Equal(t, uint64(6), c.Value())
}

func TestGauge(t *testing.T) {
	r := NewRegistry("tresd")
	g := r.RegisterGauge("elements", "Registered elements", nil)

	g.Set(3)
	g.Inc()
	g.Dec()
	g.Add(2)
	assert.Equal(t, int64(5), g.Value())
}

func TestHistogram(t *testing.T) {
	r := NewRegistry("tresd")
	h := r.RegisterHistogram("assess_duration_seconds", "Tick duration", nil, []float64{0.001, 0.01, 0.1})

	h.Observe(0.0005)
	h.Observe(0.05)
	h.Observe(2.0) // over the top bucket
	h.ObserveDuration(3 * time.Millisecond)

	assert.Equal(t, uint64(4), h.Count())
	assert.InDelta(t, 2.0535, h.Sum(), 1e-9)
	assert.InDelta(t, 2.0535/4, h.Mean(), 1e-9)
}

func TestWritePrometheus(t *testing.T) {
	r := NewRegistry("tresd")
	c := r.RegisterCounter("failovers_total", "Failovers executed", nil)
	g := r.RegisterGauge("war_mode_max", "Highest level", Labels{"site": "nyc"})
	h := r.RegisterHistogram("assess_duration_seconds", "Tick duration", nil, []float64{0.01, 0.1})

	c.Add(2)
	g.Set(3)
	h.Observe(0.05)

	var b strings.Builder
	require.NoError(t, r.WritePrometheus(&b))
	out := b.String()

	assert.Contains(t, out, "# TYPE tresd_failovers_total counter")
	assert.Contains(t, out, "tresd_failovers_total 2")
	assert.Contains(t, out, `tresd_war_mode_max{site="nyc"} 3`)
	assert.Contains(t, out, `tresd_assess_duration_seconds_bucket{le="0.1"} 1`)
	assert.Contains(t, out, `tresd_assess_duration_seconds_bucket{le="+Inf"} 1`)
	assert.Contains(t, out, "tresd_assess_duration_seconds_count 1")
}

func TestSnapshotAndReset(t *testing.T) {
	r := NewRegistry("tresd")
	c := r.RegisterCounter("threats_total", "", nil)
	g := r.RegisterGauge("elements", "", nil)
	c.Add(7)
	g.Set(2)

	snap := r.Snapshot()
	assert.Equal(t, uint64(7), snap["tresd_threats_total"])
	assert.Equal(t, int64(2), snap["tresd_elements"])

	r.Reset()
	assert.Equal(t, uint64(0), c.Value())
	assert.Equal(t, int64(0), g.Value())
}

func TestEngineMetricsSet(t *testing.T) {
	m := NewEngineMetrics(nil)
	m.ThreatsTotal.Inc()
	m.Elements.Set(4)
	m.AssessDuration.ObserveDuration(500 * time.Microsecond)

	snap := m.Registry().Snapshot()
	assert.Equal(t, uint64(1), snap["tresd_threats_total"])
	assert.Equal(t, int64(4), snap["tresd_elements"])
}
