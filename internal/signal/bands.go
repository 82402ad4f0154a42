package signal

import (
	"fmt"
	"math"
	"strings"
)

// Known GNSS band centers in MHz.
const (
	GPSL1     = 1575.42
	GPSL2     = 1227.60
	GPSL5     = 1176.45
	GlonassG1 = 1602.0
	GalileoE1 = 1575.42
	BeiDouB1  = 1561.098
)

// bandMatchWindowMHz is how far a frequency may sit from a band center and
// still be named after it.
const bandMatchWindowMHz = 5.0

type band struct {
	centerMHz     float64
	name          string
	constellation string
}

// Listed in preference order; GPS L1 and Galileo E1 share a center, so the
// sample's constellation breaks the tie when known.
var knownBands = []band{
	{GPSL1, "GPS L1", "GPS"},
	{GPSL2, "GPS L2", "GPS"},
	{GPSL5, "GPS L5", "GPS"},
	{GlonassG1, "GLONASS G1", "GLONASS"},
	{GalileoE1, "Galileo E1", "GALILEO"},
	{BeiDouB1, "BeiDou B1", "BEIDOU"},
}

// BandName maps a frequency to the closest known GNSS band within 5 MHz.
// When the constellation is known it is preferred among equally close bands.
// Frequencies matching no band are rendered as "<freq> MHz".
func BandName(frequencyMHz float64, constellation string) string {
	constellation = strings.ToUpper(constellation)

	best := -1
	bestDist := math.MaxFloat64
	for i, b := range knownBands {
		d := math.Abs(b.centerMHz - frequencyMHz)
		if d >= bandMatchWindowMHz {
			continue
		}
		switch {
		case d < bestDist:
			best, bestDist = i, d
		case d == bestDist && constellation != "" && b.constellation == constellation:
			best = i
		}
	}
	if best < 0 {
		return fmt.Sprintf("%.2f MHz", frequencyMHz)
	}
	return knownBands[best].name
}

// CompassPoint names a direction of arrival by its nearest 45-degree sector.
func CompassPoint(deg float64) string {
	names := []string{"N", "NE", "E", "SE", "S", "SW", "W", "NW"}
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	sector := int(math.Round(deg/45.0)) % 8
	return names[sector]
}
