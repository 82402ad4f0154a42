package warmode

import "time"

// DefaultSmoothingWindow is how long a calmer assessment must persist
// before the reported level steps down.
const DefaultSmoothingWindow = 5 * time.Second

// Smoother damps level flapping under noisy indicators. Escalations apply
// immediately; a de-escalation must persist for the whole window before it
// takes effect, so a single calm tick between two hostile ones cannot
// bounce the level. A zero window disables damping.
//
// Not safe for concurrent use; callers hold their per-element serialization.
type Smoother struct {
	window time.Duration

	current        Level
	candidate      Level
	candidateSince time.Time
	haveCandidate  bool
}

// NewSmoother creates a smoother starting at peacetime. A negative window
// selects the default.
func NewSmoother(window time.Duration) *Smoother {
	if window < 0 {
		window = DefaultSmoothingWindow
	}
	return &Smoother{window: window, current: LevelPeacetime}
}

// Observe feeds one assessed level and returns the smoothed level.
func (s *Smoother) Observe(proposed Level, now time.Time) Level {
	if s.window == 0 {
		s.current = proposed
		return s.current
	}

	switch {
	case proposed > s.current:
		// Threat response is never delayed.
		s.current = proposed
		s.haveCandidate = false
	case proposed == s.current:
		s.haveCandidate = false
	default:
		if !s.haveCandidate || s.candidate != proposed {
			s.candidate = proposed
			s.candidateSince = now
			s.haveCandidate = true
		}
		if now.Sub(s.candidateSince) >= s.window {
			s.current = proposed
			s.haveCandidate = false
		}
	}
	return s.current
}

// Current returns the smoothed level without feeding an observation.
func (s *Smoother) Current() Level {
	return s.current
}

// Force adopts a level immediately, discarding any pending candidate.
// Used for operator-forced activations that bypass assessment.
func (s *Smoother) Force(level Level) {
	s.current = level
	s.haveCandidate = false
}

// SetWindow replaces the dwell window. A pending de-escalation
// candidate is discarded and must re-earn its dwell under the new
// window. A negative window selects the default.
func (s *Smoother) SetWindow(window time.Duration) {
	if window < 0 {
		window = DefaultSmoothingWindow
	}
	s.window = window
	s.haveCandidate = false
}
