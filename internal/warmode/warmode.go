// Package warmode implements the readiness-level state machine for
// contested timing environments.
//
// Levels escalate from peacetime through elevated, tactical, and critical
// to holdover. The assessment function maps threat indicators to a level;
// a smoother damps de-escalation so noisy indicators cannot flap the
// level; the session tracker records every excursion out of peacetime as
// an auditable session with its transitions.
package warmode

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnknownLevel reports an unparseable level name.
var ErrUnknownLevel = errors.New("warmode: unknown level")

// Level is a war mode readiness level. Higher is worse.
type Level int

const (
	// LevelPeacetime is normal operations.
	LevelPeacetime Level = iota
	// LevelElevated is increased threat awareness.
	LevelElevated
	// LevelTactical is an active threat environment.
	LevelTactical
	// LevelCritical is a GNSS-denied, contested environment.
	LevelCritical
	// LevelHoldover means all external timing sources are lost.
	LevelHoldover
)

var levelNames = map[Level]string{
	LevelPeacetime: "peacetime",
	LevelElevated:  "elevated",
	LevelTactical:  "tactical",
	LevelCritical:  "critical",
	LevelHoldover:  "holdover",
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// Valid reports whether l is a defined level.
func (l Level) Valid() bool {
	_, ok := levelNames[l]
	return ok
}

// ParseLevel resolves a level name, case-insensitively.
func ParseLevel(text string) (Level, error) {
	t := strings.ToLower(strings.TrimSpace(text))
	for l, name := range levelNames {
		if t == name {
			return l, nil
		}
	}
	return LevelPeacetime, fmt.Errorf("%w: %q", ErrUnknownLevel, text)
}

// MarshalText implements encoding.TextMarshaler.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Level) UnmarshalText(text []byte) error {
	parsed, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Environment classifies the operational threat environment for a session.
type Environment string

const (
	EnvBenign      Environment = "benign"
	EnvJamming     Environment = "jamming"
	EnvSpoofing    Environment = "spoofing"
	EnvKinetic     Environment = "kinetic"
	EnvCyber       Environment = "cyber"
	EnvEMP         Environment = "emp"
	EnvMultiDomain Environment = "multi_domain"
)

// Indicators is the threat snapshot one assessment tick evaluates.
type Indicators struct {
	GNSSAvailable    bool          `json:"gnss_available"`
	CN0DBHz          float64       `json:"cn0_db_hz"`
	PeerDivergence   time.Duration `json:"peer_divergence"`
	JammingDetected  bool          `json:"jamming_detected"`
	SpoofingDetected bool          `json:"spoofing_detected"`
}

// DefaultIndicators returns the benign baseline: GNSS locked with a strong
// carrier.
func DefaultIndicators() Indicators {
	return Indicators{GNSSAvailable: true, CN0DBHz: 45.0}
}

// Assessment thresholds.
const (
	// PeerDivergenceCritical forces critical regardless of other
	// indicators: a millisecond of disagreement cannot be signal noise.
	PeerDivergenceCritical = time.Millisecond
	// CN0Tactical is the carrier floor below which jamming is assumed.
	CN0Tactical = 30.0
	// CN0Elevated is the carrier floor for heightened awareness.
	CN0Elevated = 35.0
)

// Assess maps threat indicators to a war mode level. Pure: repeated
// identical input yields the identical level.
func Assess(ind Indicators) Level {
	switch {
	case ind.SpoofingDetected || ind.PeerDivergence > PeerDivergenceCritical:
		return LevelCritical
	case ind.JammingDetected || ind.CN0DBHz < CN0Tactical:
		return LevelTactical
	case !ind.GNSSAvailable || ind.CN0DBHz < CN0Elevated:
		return LevelElevated
	default:
		return LevelPeacetime
	}
}

// EnvironmentFor classifies the threat environment behind an assessment.
func EnvironmentFor(ind Indicators) Environment {
	switch {
	case ind.SpoofingDetected && ind.JammingDetected:
		return EnvMultiDomain
	case ind.SpoofingDetected:
		return EnvSpoofing
	case ind.JammingDetected:
		return EnvJamming
	default:
		return EnvBenign
	}
}
