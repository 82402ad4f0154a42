package holdover

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// Event records one holdover interval for an element. AccumulatedNs is
// the modeled error at the last recomputation.
type Event struct {
	ID            string     `json:"id"`
	Element       string     `json:"element"`
	SessionID     string     `json:"session_id,omitempty"`
	Oscillator    Oscillator `json:"oscillator_type"`
	Quality       Quality    `json:"quality"`
	DriftRatePPB  float64    `json:"drift_rate_ppb"`
	AccumulatedNs float64    `json:"accumulated_drift_ns"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       time.Time  `json:"ended_at"`
	Active        bool       `json:"is_active"`
}

// Tracker owns the holdover lifecycle for one element. At most one
// event is active at a time; ending a hold clears it. Safe for
// concurrent use.
type Tracker struct {
	mu sync.Mutex

	element string
	osc     Oscillator
	profile Profile
	active  *Event
	now     func() time.Time
}

// NewTracker creates a tracker for an element with the given oscillator
// class. A nil clock defaults to time.Now.
func NewTracker(element string, osc Oscillator, clock func() time.Time) (*Tracker, error) {
	if osc == "" {
		osc = DefaultOscillator
	}
	profile, err := ProfileFor(osc)
	if err != nil {
		return nil, err
	}
	if clock == nil {
		clock = time.Now
	}
	return &Tracker{element: element, osc: osc, profile: profile, now: clock}, nil
}

// Profile returns the tracker's oscillator profile.
func (t *Tracker) Profile() Profile {
	return t.profile
}

// Start opens a holdover event, or refreshes the already-open one when
// the element was still holding. Returns the event snapshot and whether
// a new hold began.
func (t *Tracker) Start(sessionID string) (*Event, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.active != nil {
		t.recompute()
		return t.snapshot(), false
	}

	now := t.now()
	t.active = &Event{
		ID:           newEventID(),
		Element:      t.element,
		SessionID:    sessionID,
		Oscillator:   t.osc,
		Quality:      t.profile.QualityAt(0),
		DriftRatePPB: t.profile.DriftRatePPB(),
		StartedAt:    now,
		Active:       true,
	}
	return t.snapshot(), true
}

// Tick recomputes the accumulated drift from wall-clock elapsed time
// and returns the updated snapshot, or nil when no hold is active.
func (t *Tracker) Tick() *Event {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.active == nil {
		return nil
	}
	t.recompute()
	return t.snapshot()
}

// End closes the active hold and returns its final snapshot, or nil
// when no hold was active.
func (t *Tracker) End() *Event {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.active == nil {
		return nil
	}
	t.recompute()
	t.active.EndedAt = t.now()
	t.active.Active = false
	final := t.snapshot()
	t.active = nil
	return final
}

// Active returns a snapshot of the open hold, or nil.
func (t *Tracker) Active() *Event {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.active == nil {
		return nil
	}
	return t.snapshot()
}

// recompute rederives drift and quality from elapsed time since the
// hold started. Caller holds the lock.
func (t *Tracker) recompute() {
	elapsed := t.now().Sub(t.active.StartedAt)
	t.active.AccumulatedNs = t.profile.DriftNanos(elapsed)
	t.active.Quality = t.profile.QualityAt(elapsed)
}

func (t *Tracker) snapshot() *Event {
	out := *t.active
	return &out
}

// newEventID returns a 16-hex-char random identifier.
func newEventID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("%016x", time.Now().UnixNano())
	}
	return hex.EncodeToString(b[:])
}
