package holdover

import (
	"errors"
	"math"
	"testing"
	"time"
)

// closeTo reports whether got is within rel relative error of want.
func closeTo(got, want, rel float64) bool {
	if want == 0 {
		return math.Abs(got) <= rel
	}
	return math.Abs(got-want) <= rel*math.Abs(want)
}

// ============================================================
// Drift model
// ============================================================

func TestTimeErrorZeroAtStart(t *testing.T) {
	for osc := range map[Oscillator]bool{OCXO: true, Rubidium: true, CSAC: true, Cesium: true} {
		p, err := ProfileFor(osc)
		if err != nil {
			t.Fatalf("ProfileFor(%s): %v", osc, err)
		}
		if got := p.TimeError(0); got != 0 {
			t.Errorf("%s: TimeError(0) = %g, want 0", osc, got)
		}
		if got := p.TimeError(-time.Minute); got != 0 {
			t.Errorf("%s: TimeError(-1m) = %g, want 0", osc, got)
		}
	}
}

func TestTimeErrorNonNegativeAndMonotonic(t *testing.T) {
	ladder := []time.Duration{
		time.Second,
		10 * time.Second,
		time.Minute,
		10 * time.Minute,
		time.Hour,
		24 * time.Hour,
		7 * 24 * time.Hour,
	}
	for osc := range profiles {
		p, _ := ProfileFor(osc)
		prev := 0.0
		for _, elapsed := range ladder {
			got := p.TimeError(elapsed)
			if got < 0 {
				t.Fatalf("%s: TimeError(%v) = %g, negative", osc, elapsed, got)
			}
			if got < prev {
				t.Fatalf("%s: TimeError(%v) = %g < %g, not monotonic", osc, elapsed, got, prev)
			}
			prev = got
		}
	}
}

func TestTimeErrorClosedForm(t *testing.T) {
	csac, _ := ProfileFor(CSAC)
	// 1.5e-10 * 3600 + (3e-11/86400) * 3600^2 / 2 = 542.25 ns
	if got := csac.DriftNanos(time.Hour); !closeTo(got, 542.25, 1e-9) {
		t.Errorf("CSAC DriftNanos(1h) = %g, want 542.25", got)
	}

	ocxo, _ := ProfileFor(OCXO)
	// 1e-11 * 86400 + 1e-10 * 86400 / 2 = 5.184 us
	if got := ocxo.TimeError(24 * time.Hour); !closeTo(got, 5.184e-6, 1e-9) {
		t.Errorf("OCXO TimeError(24h) = %g, want 5.184e-6", got)
	}
}

// A cesium beam has no aging term, so its error is purely linear.
func TestCesiumErrorLinear(t *testing.T) {
	cs, _ := ProfileFor(Cesium)
	one := cs.TimeError(6 * time.Hour)
	two := cs.TimeError(12 * time.Hour)
	if !closeTo(two, 2*one, 1e-12) {
		t.Errorf("TimeError(12h) = %g, want exactly twice TimeError(6h) = %g", two, one)
	}
}

func TestProfileLookup(t *testing.T) {
	if _, err := ProfileFor("quartz-wristwatch"); !errors.Is(err, ErrUnknownOscillator) {
		t.Errorf("ProfileFor(unknown) err = %v", err)
	}
	if !CSAC.Valid() || Oscillator("maser").Valid() {
		t.Error("Valid() misclassified an oscillator")
	}
	csac, _ := ProfileFor(CSAC)
	if got := csac.DriftRatePPB(); !closeTo(got, 0.15, 1e-12) {
		t.Errorf("CSAC DriftRatePPB = %g, want 0.15", got)
	}
}

// ============================================================
// Quality classification
// ============================================================

func TestQualityFor(t *testing.T) {
	cases := []struct {
		perDay float64
		want   Quality
	}{
		{9e-7, QualityExcellent},
		{1e-6, QualityGood},
		{9e-6, QualityGood},
		{1e-5, QualityAcceptable},
		{9e-5, QualityAcceptable},
		{1e-4, QualityDegraded},
		{9e-4, QualityDegraded},
		{1e-3, QualityPoor},
		{1.0, QualityPoor},
	}
	for _, tc := range cases {
		if got := QualityFor(tc.perDay); got != tc.want {
			t.Errorf("QualityFor(%g) = %s, want %s", tc.perDay, got, tc.want)
		}
	}
}

func TestQualityDegradesWithHoldLength(t *testing.T) {
	ocxo, _ := ProfileFor(OCXO)
	cases := []struct {
		elapsed time.Duration
		want    Quality
	}{
		{0, QualityExcellent},
		{24 * time.Hour, QualityGood},
		{3 * 24 * time.Hour, QualityAcceptable},
	}
	for _, tc := range cases {
		if got := ocxo.QualityAt(tc.elapsed); got != tc.want {
			t.Errorf("OCXO QualityAt(%v) = %s, want %s", tc.elapsed, got, tc.want)
		}
	}

	// No aging means quality never degrades.
	cs, _ := ProfileFor(Cesium)
	if got := cs.QualityAt(30 * 24 * time.Hour); got != QualityExcellent {
		t.Errorf("Cesium QualityAt(30d) = %s, want excellent", got)
	}
}

// ============================================================
// Holdover tracking
// ============================================================

func TestTrackerLifecycle(t *testing.T) {
	now := time.Date(2027, 3, 9, 12, 0, 0, 0, time.UTC)
	tr, err := NewTracker("pmu-east-01", CSAC, func() time.Time { return now })
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	if tr.Active() != nil {
		t.Fatal("new tracker has an active hold")
	}
	if tr.Tick() != nil {
		t.Fatal("Tick without a hold returned an event")
	}

	ev, opened := tr.Start("sess-42")
	if !opened {
		t.Fatal("Start did not open a hold")
	}
	if !ev.Active || ev.AccumulatedNs != 0 {
		t.Errorf("at t=0: active=%v drift=%g, want active with zero drift", ev.Active, ev.AccumulatedNs)
	}
	if ev.Element != "pmu-east-01" || ev.SessionID != "sess-42" || ev.Oscillator != CSAC {
		t.Errorf("event identity = %+v", ev)
	}
	if !ev.StartedAt.Equal(now) {
		t.Errorf("StartedAt = %v, want %v", ev.StartedAt, now)
	}
	if ev.Quality != QualityAcceptable {
		t.Errorf("CSAC quality at start = %s, want acceptable", ev.Quality)
	}

	now = now.Add(time.Hour)
	ticked := tr.Tick()
	if ticked == nil {
		t.Fatal("Tick during a hold returned nil")
	}
	if !closeTo(ticked.AccumulatedNs, 542.25, 1e-9) {
		t.Errorf("drift after 1h = %g ns, want 542.25", ticked.AccumulatedNs)
	}

	now = now.Add(time.Hour)
	final := tr.End()
	if final == nil {
		t.Fatal("End returned nil for an active hold")
	}
	if final.Active {
		t.Error("ended hold still marked active")
	}
	if !final.EndedAt.Equal(now) {
		t.Errorf("EndedAt = %v, want %v", final.EndedAt, now)
	}
	if final.AccumulatedNs <= ticked.AccumulatedNs {
		t.Error("final drift not recomputed at close")
	}
	if tr.Active() != nil {
		t.Error("hold survived End")
	}
	if tr.End() != nil {
		t.Error("second End returned an event")
	}
}

func TestTrackerStartWhileHolding(t *testing.T) {
	now := time.Date(2027, 3, 9, 12, 0, 0, 0, time.UTC)
	tr, _ := NewTracker("pmu-east-01", OCXO, func() time.Time { return now })

	first, _ := tr.Start("")
	now = now.Add(time.Minute)
	second, opened := tr.Start("")
	if opened {
		t.Fatal("Start during a hold opened a second event")
	}
	if second.ID != first.ID {
		t.Error("Start during a hold changed the event identity")
	}
	if !second.StartedAt.Equal(first.StartedAt) {
		t.Error("Start during a hold moved StartedAt")
	}
	if second.AccumulatedNs == 0 {
		t.Error("Start during a hold did not refresh drift")
	}
}

// Drift must always be rederived from elapsed wall-clock time, so a
// single late tick lands exactly on the model curve.
func TestTrackerRecomputesFromElapsed(t *testing.T) {
	now := time.Date(2027, 3, 9, 12, 0, 0, 0, time.UTC)
	tr, _ := NewTracker("pmu-east-01", Rubidium, func() time.Time { return now })
	tr.Start("")

	now = now.Add(10 * 24 * time.Hour)
	ev := tr.Tick()

	p, _ := ProfileFor(Rubidium)
	want := p.DriftNanos(10 * 24 * time.Hour)
	if !closeTo(ev.AccumulatedNs, want, 1e-12) {
		t.Errorf("drift after silent 10d = %g, want model value %g", ev.AccumulatedNs, want)
	}
}

func TestTrackerOscillatorDefaults(t *testing.T) {
	tr, err := NewTracker("pmu-east-01", "", nil)
	if err != nil {
		t.Fatalf("NewTracker with empty oscillator: %v", err)
	}
	ev, _ := tr.Start("")
	if ev.Oscillator != CSAC {
		t.Errorf("default oscillator = %s, want csac", ev.Oscillator)
	}

	if _, err := NewTracker("pmu-east-01", "sundial", nil); !errors.Is(err, ErrUnknownOscillator) {
		t.Errorf("NewTracker(sundial) err = %v", err)
	}
}

// ============================================================
// Allan deviation
// ============================================================

// rampPhase returns phase samples for a linear frequency drift a,
// x(t) = a*t^2/2, sampled every tau0 seconds.
func rampPhase(n int, tau0, a float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		t := float64(i) * tau0
		out[i] = a * t * t / 2
	}
	return out
}

func TestOverlappingADEVLinearDrift(t *testing.T) {
	// For x(t) = a*t^2/2 the estimator is exactly a*m*tau0/sqrt(2).
	const a = 1e-10
	phase := rampPhase(101, 1.0, a)

	dev, err := OverlappingADEV(phase, 1.0, 1)
	if err != nil {
		t.Fatalf("OverlappingADEV: %v", err)
	}
	if want := a / math.Sqrt2; !closeTo(dev, want, 1e-9) {
		t.Errorf("ADEV(1s) = %g, want %g", dev, want)
	}

	dev, err = OverlappingADEV(phase, 1.0, 10)
	if err != nil {
		t.Fatalf("OverlappingADEV m=10: %v", err)
	}
	if want := a * 10 / math.Sqrt2; !closeTo(dev, want, 1e-9) {
		t.Errorf("ADEV(10s) = %g, want %g", dev, want)
	}
}

func TestOverlappingADEVConstantFrequency(t *testing.T) {
	phase := make([]float64, 64)
	for i := range phase {
		phase[i] = 2.5e-9 * float64(i)
	}
	dev, err := OverlappingADEV(phase, 1.0, 4)
	if err != nil {
		t.Fatalf("OverlappingADEV: %v", err)
	}
	if !closeTo(dev, 0, 1e-18) {
		t.Errorf("ADEV of pure frequency offset = %g, want 0", dev)
	}
}

func TestOverlappingADEVAlternating(t *testing.T) {
	const d = 1e-9
	phase := make([]float64, 32)
	for i := range phase {
		if i%2 == 1 {
			phase[i] = d
		}
	}
	dev, err := OverlappingADEV(phase, 1.0, 1)
	if err != nil {
		t.Fatalf("OverlappingADEV: %v", err)
	}
	if want := d * math.Sqrt2; !closeTo(dev, want, 1e-9) {
		t.Errorf("ADEV of alternating phase = %g, want %g", dev, want)
	}
}

func TestOverlappingADEVSeriesTooShort(t *testing.T) {
	phase := []float64{0, 1e-9, 2e-9, 3e-9}
	if _, err := OverlappingADEV(phase, 1.0, 2); !errors.Is(err, ErrSeriesTooShort) {
		t.Errorf("err = %v, want series-too-short", err)
	}
	if _, err := OverlappingADEV(phase, 1.0, 0); err == nil {
		t.Error("m=0 accepted")
	}
	if _, err := OverlappingADEV(phase, 0, 1); err == nil {
		t.Error("tau0=0 accepted")
	}
}

func TestADEVSeriesSkipsUnsupportedTaus(t *testing.T) {
	phase := rampPhase(250, 1.0, 1e-10)
	points, err := ADEVSeries(phase, 1.0, nil)
	if err != nil {
		t.Fatalf("ADEVSeries: %v", err)
	}
	if len(points) != 3 {
		t.Fatalf("got %d points, want 3 (1000s tau cannot fit 250 samples)", len(points))
	}
	wantTaus := []time.Duration{time.Second, 10 * time.Second, 100 * time.Second}
	for i, pt := range points {
		if pt.Tau != wantTaus[i] {
			t.Errorf("point %d tau = %v, want %v", i, pt.Tau, wantTaus[i])
		}
		if pt.Terms != 250-2*int(pt.Tau.Seconds()) {
			t.Errorf("point %d terms = %d", i, pt.Terms)
		}
	}

	if _, err := ADEVSeries(phase[:2], 1.0, nil); !errors.Is(err, ErrSeriesTooShort) {
		t.Errorf("two-sample series err = %v", err)
	}
}

func TestProfileConsistency(t *testing.T) {
	csac, _ := ProfileFor(CSAC)
	if !csac.Consistent(1.5e-10) {
		t.Error("sheet-value measurement flagged inconsistent")
	}
	if !csac.Consistent(2.9e-10) {
		t.Error("measurement inside margin flagged inconsistent")
	}
	if csac.Consistent(3.1e-10) {
		t.Error("measurement past margin accepted")
	}
}

// ============================================================
// Benchmarks
// ============================================================

func BenchmarkOverlappingADEV(b *testing.B) {
	phase := rampPhase(10000, 1.0, 1e-10)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := OverlappingADEV(phase, 1.0, 10); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkTimeError(b *testing.B) {
	p, _ := ProfileFor(CSAC)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = p.TimeError(time.Duration(i) * time.Second)
	}
}
