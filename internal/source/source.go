// Package source defines the timing source taxonomy and availability
// tracking.
//
// Sources form a fixed, totally ordered set from GNSS primary down to pure
// holdover. Priority ranks live in a lookup table separate from the enum so
// ordering policy stays decoupled from identity. The availability board
// tracks which sources an element can currently use, gating the chip-scale
// atomic clock behind its warmup period.
package source

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnknownSource reports an unparseable source name.
var ErrUnknownSource = errors.New("source: unknown timing source")

// Source identifies one timing source type.
type Source int

const (
	Unknown Source = iota
	GNSSPrimary
	GNSSSecondary
	LEOPNT
	ELoran
	WhiteRabbit
	CSAC
	OCXO
	Rubidium
	Cesium
	Holdover
)

// priorities ranks sources for selection; lower is preferred.
var priorities = map[Source]int{
	GNSSPrimary:   1,
	GNSSSecondary: 2,
	LEOPNT:        3,
	ELoran:        4,
	WhiteRabbit:   5,
	CSAC:          6,
	OCXO:          7,
	Rubidium:      8,
	Cesium:        9,
	Holdover:      10,
}

var names = map[Source]string{
	GNSSPrimary:   "gnss_primary",
	GNSSSecondary: "gnss_secondary",
	LEOPNT:        "leo_pnt",
	ELoran:        "eloran",
	WhiteRabbit:   "white_rabbit",
	CSAC:          "csac",
	OCXO:          "ocxo",
	Rubidium:      "rubidium",
	Cesium:        "cesium",
	Holdover:      "holdover",
}

// codes are the short identifiers used on the wire and in stored records.
var codes = map[Source]string{
	GNSSPrimary:   "GNSS_PRI",
	GNSSSecondary: "GNSS_SEC",
	LEOPNT:        "LEO_PNT",
	ELoran:        "ELORAN",
	WhiteRabbit:   "WR",
	CSAC:          "CSAC",
	OCXO:          "OCXO",
	Rubidium:      "RUBIDIUM",
	Cesium:        "CESIUM",
	Holdover:      "HOLDOVER",
}

// String returns the long name, e.g. "gnss_primary".
func (s Source) String() string {
	if name, ok := names[s]; ok {
		return name
	}
	return fmt.Sprintf("source(%d)", int(s))
}

// Code returns the short identifier, e.g. "GNSS_PRI".
func (s Source) Code() string {
	if code, ok := codes[s]; ok {
		return code
	}
	return "UNKNOWN"
}

// Priority returns the selection rank; lower is preferred. Unknown sources
// rank after everything real.
func (s Source) Priority() int {
	if p, ok := priorities[s]; ok {
		return p
	}
	return len(priorities) + 1
}

// Valid reports whether s names a real source.
func (s Source) Valid() bool {
	_, ok := names[s]
	return ok
}

// External reports whether the source is an external reference rather than
// the element free-running on its own oscillator.
func (s Source) External() bool {
	return s.Valid() && s != Holdover
}

// Parse resolves a long name or short code, case-insensitively.
func Parse(text string) (Source, error) {
	t := strings.ToLower(strings.TrimSpace(text))
	for s, name := range names {
		if t == name || t == strings.ToLower(codes[s]) {
			return s, nil
		}
	}
	return Unknown, fmt.Errorf("%w: %q", ErrUnknownSource, text)
}

// MarshalText implements encoding.TextMarshaler.
func (s Source) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Source) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// All returns every real source in priority order.
func All() []Source {
	out := make([]Source, 0, len(names))
	for s := range names {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority() < out[j].Priority() })
	return out
}

// ByPriority returns a copy of sources sorted by ascending priority rank.
func ByPriority(sources []Source) []Source {
	out := make([]Source, len(sources))
	copy(out, sources)
	sort.Slice(out, func(i, j int) bool { return out[i].Priority() < out[j].Priority() })
	return out
}
