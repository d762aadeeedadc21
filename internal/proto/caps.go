package proto

import "slices"

// Units is the unit of eSCL scan geometry: 1/300 inch.
const Units = 300

// Range is an inclusive integer range with a step.
type Range struct {
	Min, Max, Step int
}

// Contains reports whether v lies in the range and on its step grid.
func (r Range) Contains(v int) bool {
	if v < r.Min || v > r.Max {
		return false
	}
	return r.Step <= 1 || (v-r.Min)%r.Step == 0
}

// SourceCaps describes one input source.
type SourceCaps struct {
	MinWidth, MaxWidth   int // in Units
	MinHeight, MaxHeight int // in Units

	MaxOpticalXRes int
	MaxOpticalYRes int

	ColorModes ColorModeSet
	Formats    FormatSet
	Intents    []string

	// Resolutions lists discrete resolutions in ascending order. When it
	// is empty, ResolutionRange applies.
	Resolutions     []int
	ResolutionRange *Range
}

// SupportsResolution reports whether res is accepted by the source.
func (sc *SourceCaps) SupportsResolution(res int) bool {
	if len(sc.Resolutions) != 0 {
		return slices.Contains(sc.Resolutions, res)
	}
	return sc.ResolutionRange != nil && sc.ResolutionRange.Contains(res)
}

// NearestResolution returns the supported resolution closest to res,
// preferring the lower one on a tie.
func (sc *SourceCaps) NearestResolution(res int) int {
	if len(sc.Resolutions) != 0 {
		best := sc.Resolutions[0]
		for _, r := range sc.Resolutions[1:] {
			if abs(r-res) < abs(best-res) {
				best = r
			}
		}
		return best
	}

	rr := sc.ResolutionRange
	if rr == nil {
		return res
	}
	switch {
	case res <= rr.Min:
		return rr.Min
	case res >= rr.Max:
		return rr.Max
	case rr.Step <= 1:
		return res
	}
	lo := rr.Min + (res-rr.Min)/rr.Step*rr.Step
	hi := lo + rr.Step
	if hi > rr.Max || res-lo <= hi-res {
		return lo
	}
	return hi
}

// MaxWidthMM returns the maximum scan width in millimeters.
func (sc *SourceCaps) MaxWidthMM() float64 { return PxToMM(sc.MaxWidth, Units) }

// MaxHeightMM returns the maximum scan height in millimeters.
func (sc *SourceCaps) MaxHeightMM() float64 { return PxToMM(sc.MaxHeight, Units) }

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// Caps is a device capability snapshot. It is immutable once published;
// a refetch replaces it wholesale.
type Caps struct {
	Protocol     string
	Version      string
	MakeAndModel string
	Manufacturer string
	SerialNumber string
	UUID         string
	AdminURI     string
	IconURI      string

	Sources [NumSources]*SourceCaps

	// Compression is the CompressionFactorSupport range, if advertised.
	Compression *Range

	// FormatExt reports that the device understands scan:DocumentFormatExt.
	FormatExt bool
}

// Source returns the capabilities of s, or nil if unsupported.
func (c *Caps) Source(s Source) *SourceCaps {
	if c == nil || s < 0 || s >= NumSources {
		return nil
	}
	return c.Sources[s]
}

// SupportedSources lists the sources the device offers.
func (c *Caps) SupportedSources() []Source {
	var out []Source
	for s := range NumSources {
		if c.Source(s) != nil {
			out = append(out, s)
		}
	}
	return out
}

// DefaultSource returns the first supported source.
func (c *Caps) DefaultSource() (Source, bool) {
	srcs := c.SupportedSources()
	if len(srcs) == 0 {
		return 0, false
	}
	return srcs[0], true
}
