package nullsteer

import (
	"errors"
	"testing"
	"time"

	"tresd/internal/threat"
)

func fixedClock() func() time.Time {
	at := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	return func() time.Time { return at }
}

func TestCreateUpToLimit(t *testing.T) {
	c := NewController("substation-7", fixedClock())

	for i := 0; i < MaxNulls; i++ {
		n, err := c.Create(float64(i*90), DepthDefaultDB)
		if err != nil {
			t.Fatalf("Create %d: %v", i, err)
		}
		if n.ID != i+1 {
			t.Errorf("null id = %d, want %d", n.ID, i+1)
		}
	}

	if _, err := c.Create(45, DepthDefaultDB); !errors.Is(err, ErrNullLimit) {
		t.Fatalf("fourth Create err = %v, want ErrNullLimit", err)
	}

	st := c.Status()
	if st.Active != MaxNulls || st.Max != MaxNulls {
		t.Errorf("status = %d/%d, want %d/%d", st.Active, st.Max, MaxNulls, MaxNulls)
	}
}

func TestIDsNeverReused(t *testing.T) {
	c := NewController("substation-7", fixedClock())

	first, _ := c.Create(0, DepthDefaultDB)
	second, _ := c.Create(90, DepthDefaultDB)

	if err := c.Remove(first.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	// A new null must not take the released id: stale handles held by a
	// caller would otherwise steer the wrong null.
	third, err := c.Create(180, DepthDefaultDB)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if third.ID == first.ID || third.ID == second.ID {
		t.Errorf("new null reused id %d", third.ID)
	}
	if third.ID != 3 {
		t.Errorf("null id = %d, want 3", third.ID)
	}
}

func TestSteer(t *testing.T) {
	c := NewController("substation-7", fixedClock())

	n, _ := c.Create(0, DepthDefaultDB)
	if err := c.Steer(n.ID, 225); err != nil {
		t.Fatalf("Steer: %v", err)
	}

	st := c.Status()
	if st.Nulls[0].DirectionDeg != 225 {
		t.Errorf("direction = %v, want 225", st.Nulls[0].DirectionDeg)
	}
	if st.Nulls[0].Direction != "SW" {
		t.Errorf("compass = %q, want SW", st.Nulls[0].Direction)
	}

	if err := c.Steer(99, 0); !errors.Is(err, ErrUnknownNull) {
		t.Errorf("Steer unknown id err = %v, want ErrUnknownNull", err)
	}
}

func TestRemove(t *testing.T) {
	c := NewController("substation-7", fixedClock())

	n, _ := c.Create(0, DepthDefaultDB)
	if err := c.Remove(n.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := c.Remove(n.ID); !errors.Is(err, ErrUnknownNull) {
		t.Errorf("second Remove err = %v, want ErrUnknownNull", err)
	}
	if st := c.Status(); st.Active != 0 {
		t.Errorf("active = %d, want 0", st.Active)
	}
}

func TestClear(t *testing.T) {
	c := NewController("substation-7", fixedClock())

	c.Create(0, DepthDefaultDB)
	c.Create(90, DepthDefaultDB)

	if released := c.Clear(); released != 2 {
		t.Errorf("Clear released %d, want 2", released)
	}
	if st := c.Status(); st.Active != 0 {
		t.Errorf("active after Clear = %d, want 0", st.Active)
	}

	// The array is free again
	if _, err := c.Create(45, DepthDefaultDB); err != nil {
		t.Errorf("Create after Clear: %v", err)
	}
}

func TestStatusOrdered(t *testing.T) {
	c := NewController("substation-7", fixedClock())

	c.Create(0, DepthDefaultDB)
	c.Create(90, DepthCriticalDB)
	c.Create(180, DepthDefaultDB)

	st := c.Status()
	for i, n := range st.Nulls {
		if n.ID != i+1 {
			t.Fatalf("nulls out of order: %v", st.Nulls)
		}
	}
	if st.Nulls[1].DepthDB != DepthCriticalDB {
		t.Errorf("depth = %v, want %v", st.Nulls[1].DepthDB, DepthCriticalDB)
	}
}

func TestDepthFor(t *testing.T) {
	if got := DepthFor(threat.SeverityCritical); got != DepthCriticalDB {
		t.Errorf("critical depth = %v, want %v", got, DepthCriticalDB)
	}
	if got := DepthFor(threat.SeverityHigh); got != DepthDefaultDB {
		t.Errorf("high depth = %v, want %v", got, DepthDefaultDB)
	}
	if got := DepthFor(threat.SeverityMedium); got != DepthDefaultDB {
		t.Errorf("medium depth = %v, want %v", got, DepthDefaultDB)
	}
}

func jammingEvent(sev threat.Severity, directionDeg *float64) *threat.Event {
	ev := threat.NewEvent(threat.KindJamming, sev, "substation-7", time.Now()).
		WithEvidence(map[string]any{"band": "GPS L1"})
	if directionDeg != nil {
		ev.Evidence["direction_deg"] = *directionDeg
	}
	return ev
}

func TestMitigate(t *testing.T) {
	dir := 270.0

	tests := []struct {
		name      string
		event     *threat.Event
		wantNull  bool
		wantDepth float64
	}{
		{"critical with direction", jammingEvent(threat.SeverityCritical, &dir), true, DepthCriticalDB},
		{"high with direction", jammingEvent(threat.SeverityHigh, &dir), true, DepthDefaultDB},
		{"medium not actionable", jammingEvent(threat.SeverityMedium, &dir), false, 0},
		{"no direction of arrival", jammingEvent(threat.SeverityCritical, nil), false, 0},
		{"nil event", nil, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewController("substation-7", fixedClock())
			n, err := c.Mitigate(tt.event)
			if err != nil {
				t.Fatalf("Mitigate: %v", err)
			}
			if !tt.wantNull {
				if n != nil {
					t.Fatalf("unexpected null %+v", n)
				}
				return
			}
			if n == nil {
				t.Fatal("expected a null")
			}
			if n.DepthDB != tt.wantDepth {
				t.Errorf("depth = %v, want %v", n.DepthDB, tt.wantDepth)
			}
			if n.DirectionDeg != dir {
				t.Errorf("direction = %v, want %v", n.DirectionDeg, dir)
			}
			if n.Direction != "W" {
				t.Errorf("compass = %q, want W", n.Direction)
			}
		})
	}
}

func TestMitigateNonJamming(t *testing.T) {
	c := NewController("substation-7", fixedClock())

	ev := threat.NewEvent(threat.KindSpoofing, threat.SeverityCritical, "substation-7", time.Now()).
		WithEvidence(map[string]any{"direction_deg": 90.0})
	n, err := c.Mitigate(ev)
	if err != nil || n != nil {
		t.Errorf("spoofing mitigation = (%v, %v), want (nil, nil)", n, err)
	}
}

func TestMitigateAtLimit(t *testing.T) {
	c := NewController("substation-7", fixedClock())
	dir := 45.0

	for i := 0; i < MaxNulls; i++ {
		if _, err := c.Mitigate(jammingEvent(threat.SeverityCritical, &dir)); err != nil {
			t.Fatalf("Mitigate %d: %v", i, err)
		}
	}

	_, err := c.Mitigate(jammingEvent(threat.SeverityCritical, &dir))
	if !errors.Is(err, ErrNullLimit) {
		t.Errorf("err = %v, want ErrNullLimit", err)
	}
}
