package proto

import "math"

const mmPerInch = 25.4

// MMToPx converts millimeters to pixels at res dots per inch.
func MMToPx(mm float64, res int) int {
	return int(math.Round(mm * float64(res) / mmPerInch))
}

// PxToMM converts pixels at res dots per inch to millimeters.
func PxToMM(px, res int) float64 {
	return float64(px) * mmPerInch / float64(res)
}

// Geom is the placement of a scan window along one axis.
//
// Off and Len are in device units and are what gets requested from the
// device. Skip is in image pixels at the acquisition resolution: the
// device's minimum/maximum extent may force a larger or shifted window
// than the caller asked for, and Skip pixels must be dropped client-side.
type Geom struct {
	Off  int
	Len  int
	Skip int
}

// ComputeGeom places the window [tl, br] (millimeters) on an axis whose
// device extent is [minLen, maxLen] device units, for an image acquired
// at res dots per inch. units is the device unit resolution.
func ComputeGeom(tl, br float64, minLen, maxLen, res, units int) Geom {
	g := Geom{
		Off: MMToPx(tl, units),
		Len: MMToPx(br-tl, units),
	}

	minLen = max(minLen, 1)
	g.Len = min(max(g.Len, minLen), maxLen)

	if g.Off+g.Len > maxLen {
		g.Skip = g.Off + g.Len - maxLen
		g.Off -= g.Skip
		g.Skip = g.Skip * res / units
	}
	return g
}
