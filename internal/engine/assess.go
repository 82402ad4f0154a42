package engine

import (
	"sync"
	"time"

	"tresd/internal/ledger"
	"tresd/internal/threat"
	"tresd/internal/warmode"
)

// peerHold bounds how long a peer divergence measurement keeps
// influencing assessments when no smoothing window is configured.
const peerHold = 30 * time.Second

// benignCN0 is assumed before the first carrier measurement arrives;
// an element is not degraded just because no radio has reported yet.
const benignCN0 = 45.0

type cn0Point struct {
	at time.Time
	v  float64
}

// indicatorState smooths the raw detection stream into the indicator
// snapshot the assessment consumes. C/N0 is averaged over the window;
// jamming and spoofing flags hold for the window after their last
// trigger, so a single quiet sample cannot clear a live attack. A zero
// window disables smoothing and passes the latest observation through.
type indicatorState struct {
	mu sync.Mutex

	window time.Duration

	cn0      []cn0Point
	lastFix  time.Time
	fixValid bool

	jammingUntil time.Time
	spoofUntil   time.Time
	spoofLatched bool

	peerDivergence time.Duration
	peerAt         time.Time
}

func newIndicatorState(window time.Duration) *indicatorState {
	if window < 0 {
		window = 0
	}
	return &indicatorState{window: window}
}

func (s *indicatorState) noteCN0(v float64, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.window == 0 {
		s.cn0 = append(s.cn0[:0], cn0Point{at: now, v: v})
		return
	}
	s.cn0 = append(s.cn0, cn0Point{at: now, v: v})
	s.pruneCN0(now)
}

func (s *indicatorState) noteFix(q threat.FixQuality, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastFix = now
	s.fixValid = q.FixValid
	if q.CN0DBHz > 0 {
		if s.window == 0 {
			s.cn0 = append(s.cn0[:0], cn0Point{at: now, v: q.CN0DBHz})
		} else {
			s.cn0 = append(s.cn0, cn0Point{at: now, v: q.CN0DBHz})
			s.pruneCN0(now)
		}
	}
}

func (s *indicatorState) noteJamming(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jammingUntil = now.Add(s.holdFor())
}

func (s *indicatorState) noteSpoofing(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spoofUntil = now.Add(s.holdFor())
}

// latchSpoof marks the element as under a declared spoofing attack.
// Returns true on the transition in, so the attack is recorded once
// rather than on every assessment while it persists.
func (s *indicatorState) latchSpoof() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.spoofLatched {
		return false
	}
	s.spoofLatched = true
	return true
}

func (s *indicatorState) unlatchSpoof() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spoofLatched = false
}

func (s *indicatorState) setWindow(window time.Duration) {
	if window < 0 {
		window = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.window = window
}

func (s *indicatorState) notePeers(divergence time.Duration, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peerDivergence = divergence
	s.peerAt = now
}

// holdFor is the detection flag dwell. With smoothing disabled a flag
// still survives one assessment so it cannot fall between ticks.
func (s *indicatorState) holdFor() time.Duration {
	if s.window > 0 {
		return s.window
	}
	return DefaultAssessInterval
}

// pruneCN0 drops points older than the window. Caller holds mu.
func (s *indicatorState) pruneCN0(now time.Time) {
	cutoff := now.Add(-s.window)
	i := 0
	for i < len(s.cn0) && s.cn0[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		s.cn0 = append(s.cn0[:0], s.cn0[i:]...)
	}
}

// snapshot folds the smoothed state into one indicator set.
func (s *indicatorState) snapshot(now time.Time, staleAfter time.Duration) warmode.Indicators {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.window > 0 {
		s.pruneCN0(now)
	}

	cn0 := benignCN0
	if len(s.cn0) > 0 {
		sum := 0.0
		for _, p := range s.cn0 {
			sum += p.v
		}
		cn0 = sum / float64(len(s.cn0))
	}

	gnss := s.fixValid
	if gnss && staleAfter > 0 && now.Sub(s.lastFix) > staleAfter {
		gnss = false
	}

	divergence := s.peerDivergence
	hold := s.window
	if hold == 0 {
		hold = peerHold
	}
	if !s.peerAt.IsZero() && now.Sub(s.peerAt) > hold {
		divergence = 0
	}

	return warmode.Indicators{
		GNSSAvailable:    gnss,
		CN0DBHz:          cn0,
		PeerDivergence:   divergence,
		JammingDetected:  now.Before(s.jammingUntil),
		SpoofingDetected: now.Before(s.spoofUntil),
	}
}

// assessLoop drives the periodic war mode assessment. The cadence is
// re-read after each tick so a config reload takes effect without a
// restart.
func (e *Engine) assessLoop(every time.Duration) {
	defer e.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.assessElements()
			if next := e.assessInterval(); next != every {
				every = next
				ticker.Reset(every)
			}
		}
	}
}

func (e *Engine) assessInterval() time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if d := e.cfg.WarMode.AssessInterval(); d > 0 {
		return d
	}
	return DefaultAssessInterval
}

func (e *Engine) holdoverInterval() time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if d := e.cfg.WarMode.HoldoverInterval(); d > 0 {
		return d
	}
	return DefaultHoldoverInterval
}

func (e *Engine) staleAfter() time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg.Detection.StaleAfter()
}

// assessElements runs one assessment tick over every element.
func (e *Engine) assessElements() {
	start := e.now()
	staleAfter := e.staleAfter()

	var authRate float64 = 1.0
	var authSamples int
	if e.verifier != nil {
		authRate, authSamples = e.verifier.SuccessRate()
	}

	for _, ctrl := range e.registry.All() {
		element := ctrl.Element()
		st := e.indicatorsFor(element)

		assessment := ctrl.Assess(authRate, authSamples)
		if assessment.Detected {
			st.noteSpoofing(start)
			if st.latchSpoof() {
				e.metrics.SpoofingTotal.Inc()
				if ev := ctrl.Detector().DetectedEvent(assessment); ev != nil {
					e.recordThreat(ev)
				}
			}
		} else {
			st.unlatchSpoof()
		}

		ind := st.snapshot(start, staleAfter)
		d := ctrl.Tick(ind, ledger.DefaultActor)
		e.recordDecision(ctrl, ind, d)
	}
	e.metrics.AssessDuration.ObserveDuration(e.now().Sub(start))
}

// holdoverLoop recomputes accumulated drift for holding elements.
func (e *Engine) holdoverLoop(every time.Duration) {
	defer e.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.holdoverTick()
			if next := e.holdoverInterval(); next != every {
				every = next
				ticker.Reset(every)
			}
		}
	}
}

// holdoverTick persists the refreshed drift figure for each open hold.
func (e *Engine) holdoverTick() {
	for _, ctrl := range e.registry.All() {
		ev := ctrl.HoldoverTick()
		if ev == nil {
			continue
		}
		if err := e.store.UpsertHoldover(ev); err != nil {
			e.metrics.ErrorsTotal.Inc()
			e.log.Error("holdover update failed",
				"element", ev.Element, "error", err)
		}
	}
}
