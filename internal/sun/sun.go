// Package sun wraps sixdouglas/suncalc to provide sun-position lookups and
// the horizon-shading table used by the PV provider (SPEC_FULL.md §4.4).
package sun

import (
	"math"
	"time"

	"github.com/sixdouglas/suncalc"
)

// Position is a sun position in degrees, azimuth measured clockwise from
// south (matching suncalc's convention) and altitude above the horizon.
type Position struct {
	AzimuthDeg  float64
	AltitudeDeg float64
}

// PositionAt returns the sun position for the given time and location.
func PositionAt(t time.Time, lat, lon float64) Position {
	p := suncalc.GetPosition(t, lat, lon)
	return Position{
		AzimuthDeg:  p.Azimuth * 180 / math.Pi,
		AltitudeDeg: p.Altitude * 180 / math.Pi,
	}
}

// HorizonTableBins is the number of azimuth bins (10° each) in a horizon
// shading table, per SPEC_FULL.md §4.4.
const HorizonTableBins = 36

// ParseHorizonTable converts a list of minimum elevations (one per 10°
// azimuth bin) into a HorizonTableBins-length table. Entries are
// interpolated (repeating the last value) if the input is shorter, and
// truncated if longer.
func ParseHorizonTable(values []float64) [HorizonTableBins]float64 {
	var table [HorizonTableBins]float64
	if len(values) == 0 {
		return table
	}
	for i := range table {
		if i < len(values) {
			table[i] = values[i]
		} else {
			table[i] = values[len(values)-1]
		}
	}
	return table
}

// ShadingFactor returns 0.25 if the sun's azimuth bin elevation is below the
// horizon table's minimum for that bin, else 1.0 (SPEC_FULL.md §4.4).
func ShadingFactor(pos Position, table [HorizonTableBins]float64) float64 {
	az := math.Mod(pos.AzimuthDeg+180, 360)
	if az < 0 {
		az += 360
	}
	bin := int(az/10) % HorizonTableBins
	if pos.AltitudeDeg < table[bin] {
		return 0.25
	}
	return 1.0
}
