package warmode

import (
	"testing"
	"time"

	"tresd/internal/source"
)

// ============================================================
// Level parsing
// ============================================================

func TestLevelString(t *testing.T) {
	cases := map[Level]string{
		LevelPeacetime: "peacetime",
		LevelElevated:  "elevated",
		LevelTactical:  "tactical",
		LevelCritical:  "critical",
		LevelHoldover:  "holdover",
		Level(99):      "level(99)",
	}
	for level, want := range cases {
		if got := level.String(); got != want {
			t.Errorf("Level(%d).String() = %q, want %q", level, got, want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	for _, name := range []string{"peacetime", "elevated", "tactical", "critical", "holdover"} {
		level, err := ParseLevel(name)
		if err != nil {
			t.Fatalf("ParseLevel(%q): %v", name, err)
		}
		if level.String() != name {
			t.Errorf("ParseLevel(%q) = %v", name, level)
		}
	}

	if _, err := ParseLevel("defcon-1"); err == nil {
		t.Error("expected error for unknown level name")
	}
}

func TestLevelTextRoundTrip(t *testing.T) {
	text, err := LevelTactical.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText: %v", err)
	}
	if string(text) != "tactical" {
		t.Errorf("MarshalText = %q", text)
	}

	var level Level
	if err := level.UnmarshalText(text); err != nil {
		t.Fatalf("UnmarshalText: %v", err)
	}
	if level != LevelTactical {
		t.Errorf("round trip = %v, want tactical", level)
	}
}

// ============================================================
// Threat assessment
// ============================================================

func TestAssess(t *testing.T) {
	tests := []struct {
		name string
		ind  Indicators
		want Level
	}{
		{
			name: "benign defaults",
			ind:  DefaultIndicators(),
			want: LevelPeacetime,
		},
		{
			name: "cn0 collapse to 25 with no other anomalies",
			ind:  Indicators{GNSSAvailable: true, CN0DBHz: 25.0},
			want: LevelTactical,
		},
		{
			name: "peer divergence 1.2ms with quiet heuristics",
			ind:  Indicators{GNSSAvailable: true, CN0DBHz: 45.0, PeerDivergence: 1200 * time.Microsecond},
			want: LevelCritical,
		},
		{
			name: "spoofing detected",
			ind:  Indicators{GNSSAvailable: true, CN0DBHz: 45.0, SpoofingDetected: true},
			want: LevelCritical,
		},
		{
			name: "jamming detected at healthy cn0",
			ind:  Indicators{GNSSAvailable: true, CN0DBHz: 45.0, JammingDetected: true},
			want: LevelTactical,
		},
		{
			name: "spoofing outranks jamming",
			ind:  Indicators{GNSSAvailable: true, CN0DBHz: 45.0, JammingDetected: true, SpoofingDetected: true},
			want: LevelCritical,
		},
		{
			name: "gnss lost",
			ind:  Indicators{GNSSAvailable: false, CN0DBHz: 45.0},
			want: LevelElevated,
		},
		{
			name: "cn0 in degraded band",
			ind:  Indicators{GNSSAvailable: true, CN0DBHz: 32.0},
			want: LevelElevated,
		},
		{
			name: "cn0 exactly at elevated floor",
			ind:  Indicators{GNSSAvailable: true, CN0DBHz: 35.0},
			want: LevelPeacetime,
		},
		{
			name: "cn0 exactly at tactical floor",
			ind:  Indicators{GNSSAvailable: true, CN0DBHz: 30.0},
			want: LevelElevated,
		},
		{
			name: "peer divergence exactly 1ms",
			ind:  Indicators{GNSSAvailable: true, CN0DBHz: 45.0, PeerDivergence: time.Millisecond},
			want: LevelPeacetime,
		},
	}

	for _, tt := range tests {
		if got := Assess(tt.ind); got != tt.want {
			t.Errorf("%s: Assess = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestAssessIdempotentWhenBenign(t *testing.T) {
	ind := DefaultIndicators()
	for i := 0; i < 5; i++ {
		if got := Assess(ind); got != LevelPeacetime {
			t.Fatalf("iteration %d: Assess = %v, want peacetime", i, got)
		}
	}
}

func TestEnvironmentFor(t *testing.T) {
	tests := []struct {
		ind  Indicators
		want Environment
	}{
		{Indicators{}, EnvBenign},
		{Indicators{JammingDetected: true}, EnvJamming},
		{Indicators{SpoofingDetected: true}, EnvSpoofing},
		{Indicators{JammingDetected: true, SpoofingDetected: true}, EnvMultiDomain},
	}
	for _, tt := range tests {
		if got := EnvironmentFor(tt.ind); got != tt.want {
			t.Errorf("EnvironmentFor(%+v) = %q, want %q", tt.ind, got, tt.want)
		}
	}
}

// ============================================================
// Source selection
// ============================================================

func TestSelect(t *testing.T) {
	tests := []struct {
		name      string
		level     Level
		available []source.Source
		want      source.Source
	}{
		{
			name:      "peacetime prefers primary gnss",
			level:     LevelPeacetime,
			available: []source.Source{source.CSAC, source.GNSSSecondary, source.GNSSPrimary},
			want:      source.GNSSPrimary,
		},
		{
			name:      "peacetime falls to secondary gnss",
			level:     LevelPeacetime,
			available: []source.Source{source.GNSSSecondary, source.CSAC},
			want:      source.GNSSSecondary,
		},
		{
			name:      "elevated ranks leo above secondary gnss",
			level:     LevelElevated,
			available: []source.Source{source.GNSSSecondary, source.LEOPNT},
			want:      source.LEOPNT,
		},
		{
			name:      "tactical avoids gnss",
			level:     LevelTactical,
			available: []source.Source{source.GNSSPrimary, source.GNSSSecondary, source.ELoran, source.CSAC},
			want:      source.ELoran,
		},
		{
			name:      "critical takes hardened atomic reference",
			level:     LevelCritical,
			available: []source.Source{source.ELoran, source.Rubidium},
			want:      source.Rubidium,
		},
		{
			name:      "unpreferred set falls back to highest priority",
			level:     LevelTactical,
			available: []source.Source{source.GNSSSecondary, source.GNSSPrimary},
			want:      source.GNSSPrimary,
		},
		{
			name:      "holdover level forces holdover",
			level:     LevelHoldover,
			available: []source.Source{source.GNSSPrimary, source.CSAC},
			want:      source.Holdover,
		},
		{
			name:      "empty availability forces holdover",
			level:     LevelPeacetime,
			available: nil,
			want:      source.Holdover,
		},
	}

	for _, tt := range tests {
		if got := Select(tt.level, tt.available); got != tt.want {
			t.Errorf("%s: Select = %v, want %v", tt.name, got, tt.want)
		}
	}
}

// Select must only ever hand back a member of the available set, or
// Holdover when nothing usable exists.
func TestSelectNeverReturnsUnavailable(t *testing.T) {
	sets := [][]source.Source{
		nil,
		{source.GNSSPrimary},
		{source.WhiteRabbit},
		{source.Cesium, source.OCXO},
		{source.GNSSSecondary, source.LEOPNT, source.Rubidium},
	}
	levels := []Level{LevelPeacetime, LevelElevated, LevelTactical, LevelCritical, LevelHoldover}

	for _, avail := range sets {
		members := make(map[source.Source]bool)
		for _, s := range avail {
			members[s] = true
		}
		for _, level := range levels {
			got := Select(level, avail)
			if got != source.Holdover && !members[got] {
				t.Errorf("Select(%v, %v) = %v, not in available set", level, avail, got)
			}
		}
	}
}

// ============================================================
// De-escalation smoothing
// ============================================================

func TestSmootherEscalatesImmediately(t *testing.T) {
	now := time.Date(2027, 3, 9, 12, 0, 0, 0, time.UTC)
	s := NewSmoother(5 * time.Second)

	if got := s.Observe(LevelTactical, now); got != LevelTactical {
		t.Fatalf("escalation delayed: got %v", got)
	}
	if got := s.Observe(LevelCritical, now.Add(time.Second)); got != LevelCritical {
		t.Fatalf("further escalation delayed: got %v", got)
	}
}

func TestSmootherHoldsDeescalation(t *testing.T) {
	now := time.Date(2027, 3, 9, 12, 0, 0, 0, time.UTC)
	s := NewSmoother(5 * time.Second)
	s.Observe(LevelCritical, now)

	if got := s.Observe(LevelPeacetime, now.Add(time.Second)); got != LevelCritical {
		t.Fatalf("de-escalation applied immediately: got %v", got)
	}
	if got := s.Observe(LevelPeacetime, now.Add(4*time.Second)); got != LevelCritical {
		t.Fatalf("de-escalation applied before window: got %v", got)
	}
	if got := s.Observe(LevelPeacetime, now.Add(6*time.Second)); got != LevelPeacetime {
		t.Fatalf("de-escalation not applied after window: got %v", got)
	}
}

func TestSmootherInterruptedDeescalationRestarts(t *testing.T) {
	now := time.Date(2027, 3, 9, 12, 0, 0, 0, time.UTC)
	s := NewSmoother(5 * time.Second)
	s.Observe(LevelTactical, now)

	s.Observe(LevelPeacetime, now.Add(1*time.Second))
	// Threat is back, candidate should be dropped.
	s.Observe(LevelTactical, now.Add(3*time.Second))
	s.Observe(LevelPeacetime, now.Add(4*time.Second))

	if got := s.Observe(LevelPeacetime, now.Add(8*time.Second)); got != LevelTactical {
		t.Fatalf("interrupted candidate window not restarted: got %v", got)
	}
	if got := s.Observe(LevelPeacetime, now.Add(9*time.Second)); got != LevelPeacetime {
		t.Fatalf("restarted window never expired: got %v", got)
	}
}

func TestSmootherCandidateChangeRestartsWindow(t *testing.T) {
	now := time.Date(2027, 3, 9, 12, 0, 0, 0, time.UTC)
	s := NewSmoother(5 * time.Second)
	s.Observe(LevelCritical, now)

	s.Observe(LevelTactical, now.Add(1*time.Second))
	s.Observe(LevelElevated, now.Add(2*time.Second))

	if got := s.Observe(LevelElevated, now.Add(6*time.Second)); got != LevelCritical {
		t.Fatalf("changed candidate kept old window start: got %v", got)
	}
	if got := s.Observe(LevelElevated, now.Add(7*time.Second)); got != LevelElevated {
		t.Fatalf("changed candidate never applied: got %v", got)
	}
}

func TestSmootherZeroWindowDisables(t *testing.T) {
	now := time.Date(2027, 3, 9, 12, 0, 0, 0, time.UTC)
	s := NewSmoother(0)
	s.Observe(LevelCritical, now)

	if got := s.Observe(LevelPeacetime, now); got != LevelPeacetime {
		t.Fatalf("zero window still smoothed: got %v", got)
	}
}

// ============================================================
// Session tracking
// ============================================================

func TestTrackerSessionLifecycle(t *testing.T) {
	now := time.Date(2027, 3, 9, 12, 0, 0, 0, time.UTC)
	tr := NewTracker(func() time.Time { return now })

	if tr.Level() != LevelPeacetime {
		t.Fatalf("new tracker level = %v", tr.Level())
	}
	if tr.ActiveSession() != nil {
		t.Fatal("new tracker has an active session")
	}

	jammed := Indicators{GNSSAvailable: true, CN0DBHz: 25.0, JammingDetected: true}
	ch := tr.Apply(LevelTactical, jammed, "", "wideband jamming on GPS L1")
	if ch == nil {
		t.Fatal("Apply returned nil for a level change")
	}
	if ch.From != LevelPeacetime || ch.To != LevelTactical {
		t.Errorf("change = %v -> %v", ch.From, ch.To)
	}
	if ch.Opened == nil {
		t.Fatal("crossing out of peacetime did not open a session")
	}
	if ch.Opened.ActivatedBy != "system" {
		t.Errorf("ActivatedBy = %q, want system default", ch.Opened.ActivatedBy)
	}
	if ch.Opened.ThreatType != EnvJamming {
		t.Errorf("ThreatType = %q, want jamming", ch.Opened.ThreatType)
	}
	if !ch.Opened.Active || !ch.Opened.ActivatedAt.Equal(now) {
		t.Errorf("opened session state = %+v", ch.Opened)
	}
	if len(ch.Opened.Transitions) != 1 {
		t.Fatalf("opened session has %d transitions", len(ch.Opened.Transitions))
	}

	// Escalation within the session records a transition, opens nothing.
	now = now.Add(30 * time.Second)
	spoofed := Indicators{GNSSAvailable: true, CN0DBHz: 25.0, SpoofingDetected: true}
	ch = tr.Apply(LevelCritical, spoofed, "", "spoofing confirmed")
	if ch.Opened != nil || ch.Closed != nil {
		t.Error("in-session escalation opened or closed a session")
	}
	active := tr.ActiveSession()
	if active == nil {
		t.Fatal("no active session after escalation")
	}
	if active.Level != LevelCritical {
		t.Errorf("session level = %v", active.Level)
	}
	if len(active.Transitions) != 2 {
		t.Errorf("session has %d transitions, want 2", len(active.Transitions))
	}
	if active.Transitions[1].From != LevelTactical || active.Transitions[1].To != LevelCritical {
		t.Errorf("second transition = %+v", active.Transitions[1])
	}

	// Returning to peacetime closes the session.
	now = now.Add(5 * time.Minute)
	ch = tr.Apply(LevelPeacetime, DefaultIndicators(), "", "threat cleared")
	if ch.Closed == nil {
		t.Fatal("return to peacetime did not close the session")
	}
	if ch.Closed.Active {
		t.Error("closed session still marked active")
	}
	if !ch.Closed.DeactivatedAt.Equal(now) {
		t.Errorf("DeactivatedAt = %v, want %v", ch.Closed.DeactivatedAt, now)
	}
	if len(ch.Closed.Transitions) != 3 {
		t.Errorf("closed session has %d transitions, want 3", len(ch.Closed.Transitions))
	}
	if tr.ActiveSession() != nil {
		t.Error("session still active after close")
	}
	if tr.Level() != LevelPeacetime {
		t.Errorf("level = %v after close", tr.Level())
	}
}

func TestTrackerApplyUnchangedReturnsNil(t *testing.T) {
	tr := NewTracker(nil)
	if ch := tr.Apply(LevelPeacetime, DefaultIndicators(), "", ""); ch != nil {
		t.Errorf("Apply at current level returned %+v", ch)
	}
}

func TestTrackerActivateReplacesSession(t *testing.T) {
	now := time.Date(2027, 3, 9, 12, 0, 0, 0, time.UTC)
	tr := NewTracker(func() time.Time { return now })

	tr.Apply(LevelTactical, Indicators{JammingDetected: true, CN0DBHz: 25.0, GNSSAvailable: true}, "", "")
	first := tr.ActiveSession()

	now = now.Add(time.Minute)
	ch := tr.Activate(LevelCritical, EnvCyber, "operator-7", "exercise HAMMER STRIKE")
	if ch.Closed == nil || ch.Closed.ID != first.ID {
		t.Fatal("activation did not close the live session")
	}
	if ch.Opened == nil {
		t.Fatal("activation did not open a session")
	}
	if ch.Opened.ID == first.ID {
		t.Error("replacement session reused the prior ID")
	}
	if ch.Opened.ThreatType != EnvCyber || ch.Opened.ActivatedBy != "operator-7" {
		t.Errorf("opened session = %+v", ch.Opened)
	}

	active := tr.ActiveSession()
	if active == nil || active.ID != ch.Opened.ID {
		t.Error("tracker active session does not match opened session")
	}
	if tr.Level() != LevelCritical {
		t.Errorf("level = %v", tr.Level())
	}
}

func TestTrackerActivatePeacetimeClosesOnly(t *testing.T) {
	tr := NewTracker(nil)
	tr.Apply(LevelElevated, Indicators{GNSSAvailable: false, CN0DBHz: 45.0}, "", "")

	ch := tr.Activate(LevelPeacetime, EnvBenign, "operator-7", "stand down")
	if ch.Closed == nil {
		t.Fatal("stand down did not close the session")
	}
	if ch.Opened != nil {
		t.Error("stand down opened a session")
	}
	if tr.ActiveSession() != nil {
		t.Error("session survived stand down")
	}
}

func TestTrackerSessionSnapshotIsolation(t *testing.T) {
	tr := NewTracker(nil)
	tr.Apply(LevelTactical, Indicators{JammingDetected: true, CN0DBHz: 20.0, GNSSAvailable: true}, "", "")

	snap := tr.ActiveSession()
	snap.Level = LevelPeacetime
	snap.Transitions[0].To = LevelHoldover

	fresh := tr.ActiveSession()
	if fresh.Level != LevelTactical {
		t.Error("mutating a snapshot changed tracker state")
	}
	if fresh.Transitions[0].To != LevelTactical {
		t.Error("mutating snapshot transitions changed tracker state")
	}
}

func TestSessionIDsUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 64; i++ {
		id := newSessionID()
		if len(id) != 16 {
			t.Fatalf("session id %q has length %d", id, len(id))
		}
		if seen[id] {
			t.Fatalf("duplicate session id %q", id)
		}
		seen[id] = true
	}
}
