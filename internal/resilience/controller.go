// Package resilience owns the per-element decision loop: it assesses
// threat indicators into a war mode level, selects the timing source
// for that level, executes failover, and drives the holdover lifecycle
// when no external source remains.
//
// One controller exists per network element. A tick is one indivisible
// step: assess, select, fail over. Concurrent metric deliveries for the
// same element serialize on the controller's lock, so racing ticks can
// never interleave their failover decisions.
package resilience

import (
	"fmt"
	"sync"
	"time"

	"tresd/internal/holdover"
	"tresd/internal/nullsteer"
	"tresd/internal/source"
	"tresd/internal/spoof"
	"tresd/internal/store"
	"tresd/internal/warmode"
)

// Config describes one element's controller.
type Config struct {
	// Element is the network element name.
	Element string

	// Oscillator is the element's holdover oscillator class. Empty
	// selects the default.
	Oscillator holdover.Oscillator

	// SmoothingWindow damps de-escalations; zero disables smoothing,
	// negative selects the default.
	SmoothingWindow time.Duration

	// Spoofing thresholds for the element's detector.
	Spoofing spoof.Thresholds

	// Clock for deterministic tests; nil defaults to time.Now.
	Clock func() time.Time
}

// Decision is the outcome of one assessment tick.
type Decision struct {
	Element  string         `json:"element"`
	Assessed warmode.Level  `json:"assessed"`
	Level    warmode.Level  `json:"level"`
	Source   source.Source  `json:"source"`
	At       time.Time      `json:"at"`

	// Change is set when the applied level moved.
	Change *warmode.Change `json:"-"`

	// Failover is set when the active source switched.
	Failover *store.FailoverRecord `json:"failover,omitempty"`

	// Holdover carries the holdover event snapshot when a hold opened
	// or closed on this tick.
	Holdover        *holdover.Event `json:"holdover,omitempty"`
	HoldoverStarted bool            `json:"holdover_started,omitempty"`
	HoldoverEnded   bool            `json:"holdover_ended,omitempty"`
}

// Status is the externally observable state of one element.
type Status struct {
	Element   string                 `json:"element"`
	Level     warmode.Level          `json:"level"`
	Source    source.Source          `json:"source"`
	Session   *warmode.Session       `json:"session,omitempty"`
	Holdover  *holdover.Event        `json:"holdover,omitempty"`
	Available []source.Source        `json:"available"`
	CSAC      source.CSACStatus      `json:"csac"`
	Nulls     nullsteer.Status       `json:"nulls"`
	Spoofing  spoof.Assessment       `json:"spoofing"`
}

// Controller runs the resilience state machine for one element.
type Controller struct {
	mu sync.Mutex

	element  string
	board    *source.Board
	tracker  *warmode.Tracker
	smoother *warmode.Smoother
	hold     *holdover.Tracker
	nulls    *nullsteer.Controller
	detector *spoof.Detector

	active       source.Source
	lastSpoofing spoof.Assessment
	now          func() time.Time
}

// NewController creates a controller at peacetime with no active source.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Element == "" {
		return nil, fmt.Errorf("resilience: element name required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	hold, err := holdover.NewTracker(cfg.Element, cfg.Oscillator, clock)
	if err != nil {
		return nil, err
	}
	return &Controller{
		element:  cfg.Element,
		board:    source.NewBoard(clock),
		tracker:  warmode.NewTracker(clock),
		smoother: warmode.NewSmoother(cfg.SmoothingWindow),
		hold:     hold,
		nulls:    nullsteer.NewController(cfg.Element, clock),
		detector: spoof.NewDetector(cfg.Element, cfg.Spoofing, clock),
		now:      clock,
	}, nil
}

// Element returns the element name.
func (c *Controller) Element() string {
	return c.element
}

// SetSmoothingWindow replaces the de-escalation dwell window.
func (c *Controller) SetSmoothingWindow(window time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.smoother.SetWindow(window)
}

// Board returns the element's source availability board. The board has
// its own lock; drivers update it concurrently with ticks.
func (c *Controller) Board() *source.Board {
	return c.board
}

// Detector returns the element's spoofing detector for metric ingestion.
func (c *Controller) Detector() *spoof.Detector {
	return c.detector
}

// Nulls returns the element's null steering controller.
func (c *Controller) Nulls() *nullsteer.Controller {
	return c.nulls
}

// ActiveSource returns the currently selected source.
func (c *Controller) ActiveSource() source.Source {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Level returns the current smoothed war mode level.
func (c *Controller) Level() warmode.Level {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tracker.Level()
}

// Tick runs one atomic assessment step: assess the indicators, smooth
// the level, pick the source for that level, and fail over when the
// pick differs from the active source. It never fails; with nothing
// available the element is forced into holdover.
func (c *Controller) Tick(ind warmode.Indicators, actor string) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := c.now()
	assessed := warmode.Assess(ind)

	available := c.board.Available()
	if len(available) == 0 {
		// NoSourceAvailable is not an error: the element keeps
		// producing time on its own oscillator.
		assessed = warmode.LevelHoldover
	}

	level := c.smoother.Observe(assessed, start)
	d := Decision{
		Element:  c.element,
		Assessed: assessed,
		Level:    level,
		At:       start,
	}

	d.Change = c.tracker.Apply(level, ind, actor, reasonFor(ind, level))

	selected := warmode.Select(level, available)
	d.Source = selected

	if selected != c.active {
		sessionID := ""
		if s := c.tracker.ActiveSession(); s != nil {
			sessionID = s.ID
		}
		if c.active.Valid() {
			d.Failover = &store.FailoverRecord{
				Element:    c.element,
				SessionID:  sessionID,
				From:       c.active,
				To:         selected,
				Reason:     reasonFor(ind, level),
				WarMode:    level,
				SwitchedAt: start,
				Duration:   c.now().Sub(start),
			}
		}
		c.active = selected

		if selected == source.Holdover {
			if ev, started := c.hold.Start(sessionID); started {
				d.Holdover = ev
				d.HoldoverStarted = true
			}
		}
	}

	// A hold ends the instant any non-holdover source is selected,
	// whether or not that selection was a switch.
	if selected != source.Holdover {
		if ev := c.hold.End(); ev != nil {
			d.Holdover = ev
			d.HoldoverEnded = true
		}
	}

	return d
}

// Assess runs the element's combined spoofing determination using the
// given authentication rate and folds it into indicators for the next
// tick. Callers own the smoothing of the other indicator fields.
func (c *Controller) Assess(authRate float64, authSamples int) spoof.Assessment {
	a := c.detector.Assess(authRate, authSamples)
	c.mu.Lock()
	c.lastSpoofing = a
	c.mu.Unlock()
	return a
}

// HoldoverTick recomputes accumulated drift from elapsed wall-clock
// time. Returns nil when the element is not holding.
func (c *Controller) HoldoverTick() *holdover.Event {
	return c.hold.Tick()
}

// Activate forces a war mode level by operator request, bypassing
// assessment. The smoother adopts the forced level so the next tick
// does not immediately undo it; assessment resumes from there.
func (c *Controller) Activate(level warmode.Level, env warmode.Environment, actor, reason string) *warmode.Change {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.smoother.Force(level)
	return c.tracker.Activate(level, env, actor, reason)
}

// Status snapshots the element's externally observable state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	active := c.active
	spoofing := c.lastSpoofing
	c.mu.Unlock()

	return Status{
		Element:   c.element,
		Level:     c.tracker.Level(),
		Source:    active,
		Session:   c.tracker.ActiveSession(),
		Holdover:  c.hold.Active(),
		Available: c.board.Available(),
		CSAC:      c.board.CSAC().Status(),
		Nulls:     c.nulls.Status(),
		Spoofing:  spoofing,
	}
}

// reasonFor names what drove an assessment, for transition and
// failover records.
func reasonFor(ind warmode.Indicators, level warmode.Level) string {
	switch level {
	case warmode.LevelHoldover:
		return "no timing source available"
	case warmode.LevelCritical:
		if ind.SpoofingDetected {
			return "spoofing detected"
		}
		return fmt.Sprintf("peer divergence %.1f ms", float64(ind.PeerDivergence)/float64(time.Millisecond))
	case warmode.LevelTactical:
		if ind.JammingDetected {
			return "jamming detected"
		}
		return fmt.Sprintf("cn0 %.1f dB-Hz below tactical floor", ind.CN0DBHz)
	case warmode.LevelElevated:
		if !ind.GNSSAvailable {
			return "gnss unavailable"
		}
		return fmt.Sprintf("cn0 %.1f dB-Hz below elevated floor", ind.CN0DBHz)
	default:
		return "indicators nominal"
	}
}
