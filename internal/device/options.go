package device

import (
	"github.com/mzyy94/airscan/internal/proto"
)

// DefaultResolution is chosen when the caller does not ask for one.
const DefaultResolution = 300

// Options are the caller-selected scan settings. The scan window is in
// millimeters relative to the top left corner of the source area.
type Options struct {
	Source     proto.Source
	ColorMode  proto.ColorMode
	Resolution int

	TLX, TLY float64
	BRX, BRY float64
}

func defaultOptions(caps *proto.Caps) Options {
	src, _ := caps.DefaultSource()
	sc := caps.Source(src)
	o := Options{
		Source:     src,
		ColorMode:  proto.ColorModeRGB,
		Resolution: DefaultResolution,
		BRX:        sc.MaxWidthMM(),
		BRY:        sc.MaxHeightMM(),
	}
	return clampOptions(caps, o)
}

// clampOptions adjusts o to what caps support: an unsupported source falls
// back to the default one, an unsupported color mode to the first one the
// source offers, the resolution snaps to the nearest supported value and
// the window is clipped to the source area.
func clampOptions(caps *proto.Caps, o Options) Options {
	sc := caps.Source(o.Source)
	if sc == nil {
		o.Source, _ = caps.DefaultSource()
		sc = caps.Source(o.Source)
	}
	if sc == nil {
		return o
	}

	if !sc.ColorModes.Has(o.ColorMode) {
		if modes := sc.ColorModes.Modes(); len(modes) != 0 {
			o.ColorMode = modes[0]
		}
	}
	if o.Resolution <= 0 {
		o.Resolution = DefaultResolution
	}
	o.Resolution = sc.NearestResolution(o.Resolution)

	maxX, maxY := sc.MaxWidthMM(), sc.MaxHeightMM()
	o.TLX, o.BRX = clampSpan(o.TLX, o.BRX, maxX)
	o.TLY, o.BRY = clampSpan(o.TLY, o.BRY, maxY)
	return o
}

func clampSpan(tl, br, limit float64) (float64, float64) {
	if br < tl {
		tl, br = br, tl
	}
	return min(max(tl, 0), limit), min(max(br, 0), limit)
}

func (d *Device) clamp(o Options) Options { return clampOptions(d.pctx.Caps, o) }

// Options returns the current scan settings.
func (d *Device) Options() Options {
	d.loop.Lock()
	defer d.loop.Unlock()
	return d.opts
}

// SetOptions validates o against the capabilities, stores the adjusted
// settings and returns them.
func (d *Device) SetOptions(o Options) (Options, error) {
	d.loop.Lock()
	defer d.loop.Unlock()

	if d.closed {
		return d.opts, ErrClosed
	}
	if d.job.state.working() || d.refreshing {
		return d.opts, proto.StatusDeviceBusy
	}
	d.opts = d.clamp(o)
	return d.opts, nil
}

// Params describes the image the current settings produce.
type Params struct {
	ColorMode     proto.ColorMode
	PixelsPerLine int
	Lines         int
	BytesPerLine  int
	Depth         int
}

func paramsFor(o Options) Params {
	p := Params{
		ColorMode:     o.ColorMode,
		PixelsPerLine: proto.MMToPx(o.BRX-o.TLX, o.Resolution),
		Lines:         proto.MMToPx(o.BRY-o.TLY, o.Resolution),
		Depth:         8,
	}
	p.BytesPerLine = bytesPerLine(o.ColorMode, p.PixelsPerLine)
	if o.ColorMode == proto.ColorModeBW1 {
		p.Depth = 1
	}
	return p
}

func bytesPerLine(mode proto.ColorMode, wid int) int {
	switch mode {
	case proto.ColorModeBW1:
		return (wid + 7) / 8
	case proto.ColorModeRGB:
		return wid * 3
	}
	return wid
}

// Params returns the image parameters for the current settings.
func (d *Device) Params() Params {
	d.loop.Lock()
	defer d.loop.Unlock()
	return paramsFor(d.opts)
}

// chooseFormat picks the transfer format for a job. Line art prefers a
// lossless format.
func chooseFormat(sc *proto.SourceCaps, mode proto.ColorMode) (proto.Format, bool) {
	order := []proto.Format{proto.FormatJPEG, proto.FormatPNG, proto.FormatTIFF}
	if mode == proto.ColorModeBW1 {
		order = []proto.Format{proto.FormatPNG, proto.FormatTIFF, proto.FormatJPEG}
	}
	for _, f := range order {
		if sc.Formats.Has(f) {
			return f, true
		}
	}
	return 0, false
}
