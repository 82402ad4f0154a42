// Package threat defines the threat event model shared by the detection
// pipeline and the aggregation rules that merge detector output with GNSS
// fix-quality metrics into per-constellation reports.
package threat

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// Kind classifies a threat event.
type Kind string

const (
	KindJamming       Kind = "jamming"
	KindSpoofing      Kind = "spoofing"
	KindSignalLoss    Kind = "signal_loss"
	KindMultipath     Kind = "multipath"
	KindClockJump     Kind = "clock_jump"
	KindCryptoFailure Kind = "crypto_failure"
)

// Valid reports whether k is a known threat kind.
func (k Kind) Valid() bool {
	switch k {
	case KindJamming, KindSpoofing, KindSignalLoss, KindMultipath, KindClockJump, KindCryptoFailure:
		return true
	}
	return false
}

// Severity orders threats from Low to Critical. The ordering is load-bearing:
// escalation rules compare severities directly.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the lowercase severity name.
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// ParseSeverity parses a severity name as produced by String.
func ParseSeverity(s string) (Severity, error) {
	switch s {
	case "low":
		return SeverityLow, nil
	case "medium":
		return SeverityMedium, nil
	case "high":
		return SeverityHigh, nil
	case "critical":
		return SeverityCritical, nil
	}
	return SeverityLow, fmt.Errorf("threat: unknown severity %q", s)
}

// MarshalText encodes the severity as its lowercase name. Text marshaling
// also covers JSON object keys, so severity-keyed maps serialize readably.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a lowercase severity name.
func (s *Severity) UnmarshalText(data []byte) error {
	parsed, err := ParseSeverity(string(data))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Event is a single detected threat. Events are immutable once created;
// resolution only sets Resolved/ResolvedAt, never alters the detection
// fields.
type Event struct {
	ID            string         `json:"id"`
	Kind          Kind           `json:"kind"`
	Severity      Severity       `json:"severity"`
	Element       string         `json:"element"`
	Constellation string         `json:"constellation,omitempty"`
	SatelliteID   int            `json:"satellite_id,omitempty"`
	Evidence      map[string]any `json:"evidence,omitempty"`
	DetectedAt    time.Time      `json:"detected_at"`
	Resolved      bool           `json:"resolved,omitempty"`
	ResolvedAt    time.Time      `json:"resolved_at,omitempty"`
}

// NewEvent creates an event with a fresh random ID. The caller supplies the
// detection timestamp so tests can use a fixed clock.
func NewEvent(kind Kind, severity Severity, element string, at time.Time) *Event {
	return &Event{
		ID:         newEventID(),
		Kind:       kind,
		Severity:   severity,
		Element:    element,
		DetectedAt: at,
	}
}

// WithConstellation sets the source constellation and returns the event.
func (e *Event) WithConstellation(c string) *Event {
	e.Constellation = c
	return e
}

// WithSatellite sets the source satellite and returns the event.
func (e *Event) WithSatellite(id int) *Event {
	e.SatelliteID = id
	return e
}

// WithEvidence attaches a raw metric snapshot and returns the event.
func (e *Event) WithEvidence(evidence map[string]any) *Event {
	e.Evidence = evidence
	return e
}

// newEventID returns a 16-hex-char random identifier.
func newEventID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand never fails on supported platforms; fall back to a
		// timestamp so event creation cannot.
		return fmt.Sprintf("%016x", time.Now().UnixNano())
	}
	return hex.EncodeToString(b[:])
}

// Report groups all events emitted by a single analysis pass for one
// element/constellation pair.
type Report struct {
	Element       string    `json:"element"`
	Constellation string    `json:"constellation,omitempty"`
	GeneratedAt   time.Time `json:"generated_at"`
	Events        []*Event  `json:"events"`
}

// MaxSeverity returns the highest severity among the report's events, or
// SeverityLow and false when the report is empty.
func (r *Report) MaxSeverity() (Severity, bool) {
	if len(r.Events) == 0 {
		return SeverityLow, false
	}
	max := r.Events[0].Severity
	for _, e := range r.Events[1:] {
		if e.Severity > max {
			max = e.Severity
		}
	}
	return max, true
}

// HasKind reports whether any event in the report has the given kind.
func (r *Report) HasKind(kind Kind) bool {
	for _, e := range r.Events {
		if e.Kind == kind {
			return true
		}
	}
	return false
}

// Summary aggregates threat counts over a query window.
type Summary struct {
	Window     time.Duration    `json:"window"`
	From       time.Time        `json:"from"`
	To         time.Time        `json:"to"`
	Total      int              `json:"total"`
	ByKind     map[Kind]int     `json:"by_kind"`
	BySeverity map[Severity]int `json:"by_severity"`
	Unresolved int              `json:"unresolved"`
}

// Summarize builds a Summary from events detected in (to-window, to].
func Summarize(events []*Event, window time.Duration, to time.Time) Summary {
	s := Summary{
		Window:     window,
		From:       to.Add(-window),
		To:         to,
		ByKind:     make(map[Kind]int),
		BySeverity: make(map[Severity]int),
	}
	for _, e := range events {
		if e.DetectedAt.Before(s.From) || e.DetectedAt.After(to) {
			continue
		}
		s.Total++
		s.ByKind[e.Kind]++
		s.BySeverity[e.Severity]++
		if !e.Resolved {
			s.Unresolved++
		}
	}
	return s
}
