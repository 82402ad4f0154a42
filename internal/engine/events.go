package engine

import (
	"time"

	"tresd/internal/holdover"
	"tresd/internal/ledger"
	"tresd/internal/nullsteer"
	"tresd/internal/resilience"
	"tresd/internal/threat"
	"tresd/internal/warmode"
)

// EventKind names what an engine event reports.
type EventKind string

const (
	// EventThreatDetected carries a new threat event.
	EventThreatDetected EventKind = "threat_detected"
	// EventWarModeChanged carries a war mode level change.
	EventWarModeChanged EventKind = "war_mode_changed"
	// EventFailover carries a timing source switch.
	EventFailover EventKind = "failover"
	// EventHoldoverStarted and EventHoldoverEnded bracket a holdover
	// period.
	EventHoldoverStarted EventKind = "holdover_started"
	EventHoldoverEnded   EventKind = "holdover_ended"
	// EventNullPlaced carries a new spatial null.
	EventNullPlaced EventKind = "null_placed"
	// EventEMCONChanged reports an emission control flip.
	EventEMCONChanged EventKind = "emcon_changed"
)

// Event is one externally visible engine occurrence, published to
// subscribers. Exactly one payload field is set, matching the kind.
type Event struct {
	Kind    EventKind       `json:"kind"`
	Element string          `json:"element,omitempty"`
	At      time.Time       `json:"at"`
	Threat  *threat.Event   `json:"threat,omitempty"`
	Change  *warmode.Change `json:"-"`
	Level   warmode.Level   `json:"level,omitempty"`
	Source  string          `json:"source,omitempty"`
	Hold    *holdover.Event `json:"holdover,omitempty"`
	Null    *nullsteer.Null `json:"null,omitempty"`
}

// emit publishes an event with non-blocking sends: a stalled subscriber
// misses events, the pipeline never waits on one.
func (e *Engine) emit(ev Event) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, ch := range e.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// appendLedger appends one entry to the in-memory chain and persists it.
// Persistence failure does not roll the chain back; it is surfaced in
// the error counter and the log, and the next offline verification will
// find the gap.
func (e *Engine) appendLedger(typ ledger.EventType, actor string, details map[string]any) {
	entry, err := e.ledger.Append(typ, actor, details)
	if err != nil {
		e.metrics.ErrorsTotal.Inc()
		e.log.Error("ledger append failed", "type", string(typ), "error", err)
		return
	}
	e.metrics.LedgerAppends.Inc()
	if err := e.store.AppendLedgerEntry(entry); err != nil {
		e.metrics.ErrorsTotal.Inc()
		e.log.Error("ledger entry persist failed",
			"sequence", entry.Sequence, "error", err)
	}
}

// recordThreat persists a threat event, appends it to the audit ledger
// when the kind warrants, and publishes it.
func (e *Engine) recordThreat(ev *threat.Event) {
	e.metrics.ThreatsTotal.Inc()
	e.metrics.UnresolvedCount.Inc()

	if err := e.store.InsertThreat(ev); err != nil {
		e.metrics.ErrorsTotal.Inc()
		e.log.Error("threat persist failed", "id", ev.ID, "error", err)
	}

	details := map[string]any{
		"threat_id": ev.ID,
		"element":   ev.Element,
		"severity":  ev.Severity.String(),
	}
	switch ev.Kind {
	case threat.KindJamming:
		e.appendLedger(ledger.EventJammingDetected, ledger.DefaultActor, details)
	case threat.KindSpoofing, threat.KindClockJump:
		e.appendLedger(ledger.EventSpoofingDetected, ledger.DefaultActor, details)
	}

	if e.eventLog != nil {
		e.eventLog.LogThreat(e.context(), ev.Element, string(ev.Kind),
			ev.Severity.String(), ev.Evidence)
	}
	e.log.Warn("threat detected",
		"element", ev.Element,
		"kind", string(ev.Kind),
		"severity", ev.Severity.String(),
		"id", ev.ID)

	e.emit(Event{Kind: EventThreatDetected, Element: ev.Element, At: ev.DetectedAt, Threat: ev})
}

// recordDecision persists and publishes everything one tick changed.
func (e *Engine) recordDecision(ctrl *resilience.Controller, ind warmode.Indicators, d resilience.Decision) {
	if d.Change != nil {
		e.recordChange(ctrl, ind, d.Change, ledger.DefaultActor, "")
	}
	if d.Failover != nil {
		e.recordFailover(d)
	}
	if d.HoldoverStarted {
		e.recordHoldoverStart(d.Element, d.Holdover)
	}
	if d.HoldoverEnded {
		e.recordHoldoverEnd(d.Element, d.Holdover)
	}
}

// recordChange persists a war mode level change: the session snapshot,
// the transition row, the ledger entry for posture entries and exits,
// and the audit log line.
func (e *Engine) recordChange(ctrl *resilience.Controller, ind warmode.Indicators, ch *warmode.Change, actor, reason string) {
	if reason == "" {
		reason = reasonOf(ch, ind)
	}
	sess := ch.Opened
	if sess == nil {
		sess = ch.Closed
	}
	if sess == nil {
		// Mid-session level move: snapshot the live session.
		sess = ctrl.Status().Session
	}
	if sess != nil {
		if err := e.store.UpsertSession(sess); err != nil {
			e.metrics.ErrorsTotal.Inc()
			e.log.Error("session persist failed", "session", sess.ID, "error", err)
		}
		if err := e.store.InsertTransition(sess.ID, ch.Transition); err != nil {
			e.metrics.ErrorsTotal.Inc()
			e.log.Error("transition persist failed", "session", sess.ID, "error", err)
		}
	}

	element := ctrl.Element()
	if ch.Opened != nil {
		e.appendLedger(ledger.EventWarModeOn, actor, map[string]any{
			"element":    element,
			"session_id": ch.Opened.ID,
			"level":      ch.To.String(),
			"reason":     ch.Opened.Reason,
		})
	}
	if ch.Closed != nil && ch.To == warmode.LevelPeacetime {
		e.appendLedger(ledger.EventWarModeOff, actor, map[string]any{
			"element":      element,
			"session_id":   ch.Closed.ID,
			"duration_sec": ch.Closed.DeactivatedAt.Sub(ch.Closed.ActivatedAt).Seconds(),
		})
	}

	if e.eventLog != nil {
		e.eventLog.LogWarModeChange(e.context(), element,
			ch.From.String(), ch.To.String(), reason)
	}
	e.log.Warn("war mode changed",
		"element", element,
		"from", ch.From.String(),
		"to", ch.To.String())

	e.emit(Event{Kind: EventWarModeChanged, Element: element, At: ch.Transition.At, Change: ch, Level: ch.To})
}

func (e *Engine) recordFailover(d resilience.Decision) {
	rec := d.Failover
	if _, err := e.store.InsertFailover(rec); err != nil {
		e.metrics.ErrorsTotal.Inc()
		e.log.Error("failover persist failed", "element", rec.Element, "error", err)
	}
	e.metrics.FailoversTotal.Inc()

	e.appendLedger(ledger.EventSourceChange, ledger.DefaultActor, map[string]any{
		"element":  rec.Element,
		"from":     rec.From.Code(),
		"to":       rec.To.Code(),
		"reason":   rec.Reason,
		"war_mode": rec.WarMode.String(),
	})
	if e.eventLog != nil {
		e.eventLog.LogFailover(e.context(), rec.Element,
			rec.From.Code(), rec.To.Code(), rec.Reason)
	}
	e.log.Warn("timing source failover",
		"element", rec.Element,
		"from", rec.From.Code(),
		"to", rec.To.Code(),
		"reason", rec.Reason)

	e.emit(Event{Kind: EventFailover, Element: rec.Element, At: rec.SwitchedAt, Source: rec.To.Code()})
}

func (e *Engine) recordHoldoverStart(element string, ev *holdover.Event) {
	if ev == nil {
		return
	}
	e.metrics.HoldoversTotal.Inc()
	if err := e.store.UpsertHoldover(ev); err != nil {
		e.metrics.ErrorsTotal.Inc()
		e.log.Error("holdover persist failed", "element", element, "error", err)
	}
	e.appendLedger(ledger.EventHoldoverOn, ledger.DefaultActor, map[string]any{
		"element":    element,
		"oscillator": string(ev.Oscillator),
		"session_id": ev.SessionID,
	})
	if e.eventLog != nil {
		e.eventLog.LogHoldoverStart(e.context(), element, string(ev.Oscillator))
	}
	e.log.Warn("holdover started", "element", element, "oscillator", string(ev.Oscillator))

	e.emit(Event{Kind: EventHoldoverStarted, Element: element, At: ev.StartedAt, Hold: ev})
}

func (e *Engine) recordHoldoverEnd(element string, ev *holdover.Event) {
	if ev == nil {
		return
	}
	if err := e.store.UpsertHoldover(ev); err != nil {
		e.metrics.ErrorsTotal.Inc()
		e.log.Error("holdover persist failed", "element", element, "error", err)
	}
	duration := ev.EndedAt.Sub(ev.StartedAt)
	e.appendLedger(ledger.EventHoldoverOff, ledger.DefaultActor, map[string]any{
		"element":      element,
		"duration_sec": duration.Seconds(),
		"drift_ns":     ev.AccumulatedNs,
		"quality":      string(ev.Quality),
	})
	if e.eventLog != nil {
		e.eventLog.LogHoldoverEnd(e.context(), element, duration, ev.AccumulatedNs)
	}
	e.log.Info("holdover ended",
		"element", element,
		"duration", duration.String(),
		"drift_ns", ev.AccumulatedNs)

	e.emit(Event{Kind: EventHoldoverEnded, Element: element, At: ev.EndedAt, Hold: ev})
}

// reasonOf prefers the session's recorded reason over a caller-supplied
// fallback for the audit line.
func reasonOf(ch *warmode.Change, ind warmode.Indicators) string {
	if ch.Opened != nil && ch.Opened.Reason != "" {
		return ch.Opened.Reason
	}
	if ch.Closed != nil {
		return "indicators nominal"
	}
	switch {
	case ind.SpoofingDetected:
		return "spoofing detected"
	case ind.JammingDetected:
		return "jamming detected"
	case !ind.GNSSAvailable:
		return "gnss unavailable"
	default:
		return "signal degradation"
	}
}
