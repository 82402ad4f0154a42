package warmode

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// DefaultActor is recorded when no operator or subsystem is named.
const DefaultActor = "system"

// Transition is one level change, recorded under its session.
type Transition struct {
	From       Level      `json:"from_level"`
	To         Level      `json:"to_level"`
	Indicators Indicators `json:"indicators"`
	At         time.Time  `json:"at"`
}

// Session is one excursion out of peacetime: opened when the level leaves
// peacetime, closed when it returns. Level tracks the session's current
// (or final) level.
type Session struct {
	ID            string       `json:"id"`
	Level         Level        `json:"level"`
	ThreatType    Environment  `json:"threat_type"`
	ActivatedBy   string       `json:"activated_by"`
	Reason        string       `json:"reason"`
	Indicators    Indicators   `json:"indicators"`
	ActivatedAt   time.Time    `json:"activated_at"`
	DeactivatedAt time.Time    `json:"deactivated_at"`
	Active        bool         `json:"active"`
	Transitions   []Transition `json:"transitions,omitempty"`
}

func (s *Session) clone() *Session {
	out := *s
	out.Transitions = make([]Transition, len(s.Transitions))
	copy(out.Transitions, s.Transitions)
	return &out
}

// Change describes what one level change did to session state.
type Change struct {
	From       Level
	To         Level
	Transition Transition
	// Opened and Closed carry session snapshots when the change opened or
	// closed one; both are set when a manual activation replaces a live
	// session.
	Opened *Session
	Closed *Session
}

// Tracker owns the level and session lifecycle for one element. At most
// one session is active at a time; activating a new session atomically
// closes the prior one. Safe for concurrent use.
type Tracker struct {
	mu sync.Mutex

	level  Level
	active *Session
	now    func() time.Time
}

// NewTracker creates a tracker at peacetime. A nil clock defaults to
// time.Now.
func NewTracker(clock func() time.Time) *Tracker {
	if clock == nil {
		clock = time.Now
	}
	return &Tracker{level: LevelPeacetime, now: clock}
}

// Level returns the current level.
func (t *Tracker) Level() Level {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.level
}

// ActiveSession returns a snapshot of the active session, or nil at
// peacetime.
func (t *Tracker) ActiveSession() *Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.active == nil {
		return nil
	}
	return t.active.clone()
}

// Apply moves the tracker to an assessed level. Returns nil when the level
// is unchanged. Crossing out of peacetime opens a session; crossing back
// closes it; changes in between are recorded as transitions on the open
// session.
func (t *Tracker) Apply(to Level, ind Indicators, actor, reason string) *Change {
	t.mu.Lock()
	defer t.mu.Unlock()

	if to == t.level {
		return nil
	}
	if actor == "" {
		actor = DefaultActor
	}

	now := t.now()
	tr := Transition{From: t.level, To: to, Indicators: ind, At: now}
	ch := &Change{From: t.level, To: to, Transition: tr}

	switch {
	case t.active == nil:
		s := &Session{
			ID:          newSessionID(),
			Level:       to,
			ThreatType:  EnvironmentFor(ind),
			ActivatedBy: actor,
			Reason:      reason,
			Indicators:  ind,
			ActivatedAt: now,
			Active:      true,
			Transitions: []Transition{tr},
		}
		t.active = s
		ch.Opened = s.clone()
	case to == LevelPeacetime:
		t.active.Transitions = append(t.active.Transitions, tr)
		t.active.Level = to
		t.active.Active = false
		t.active.DeactivatedAt = now
		ch.Closed = t.active.clone()
		t.active = nil
	default:
		t.active.Transitions = append(t.active.Transitions, tr)
		t.active.Level = to
	}

	t.level = to
	return ch
}

// Activate opens a session at a level by explicit request, closing any
// session already active. Used for operator-forced readiness changes
// rather than assessed ones.
func (t *Tracker) Activate(level Level, env Environment, actor, reason string) *Change {
	t.mu.Lock()
	defer t.mu.Unlock()

	if actor == "" {
		actor = DefaultActor
	}

	now := t.now()
	tr := Transition{From: t.level, To: level, At: now}
	ch := &Change{From: t.level, To: level, Transition: tr}

	if t.active != nil {
		t.active.Active = false
		t.active.DeactivatedAt = now
		ch.Closed = t.active.clone()
		t.active = nil
	}

	if level != LevelPeacetime {
		s := &Session{
			ID:          newSessionID(),
			Level:       level,
			ThreatType:  env,
			ActivatedBy: actor,
			Reason:      reason,
			ActivatedAt: now,
			Active:      true,
			Transitions: []Transition{tr},
		}
		t.active = s
		ch.Opened = s.clone()
	}

	t.level = level
	return ch
}

// newSessionID returns a 16-hex-char random identifier.
func newSessionID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("%016x", time.Now().UnixNano())
	}
	return hex.EncodeToString(b[:])
}
