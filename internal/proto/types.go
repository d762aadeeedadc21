// Package proto holds the vocabulary shared by scan protocol handlers and
// device sessions: sources, color modes, document formats, job status
// codes, the capability snapshot and the request/decode contract.
package proto

import "strings"

// Source is a scan input source.
type Source int

const (
	SourcePlaten Source = iota
	SourceADFSimplex
	SourceADFDuplex

	NumSources
)

var sourceNames = [NumSources]string{
	SourcePlaten:     "Flatbed",
	SourceADFSimplex: "ADF",
	SourceADFDuplex:  "ADF Duplex",
}

// String returns the user-facing name of the source.
func (s Source) String() string {
	if s >= 0 && s < NumSources {
		return sourceNames[s]
	}
	return "Unknown"
}

// IsADF reports whether s feeds from the document feeder.
func (s Source) IsADF() bool {
	return s == SourceADFSimplex || s == SourceADFDuplex
}

// ParseSource maps a user-facing name back to a Source.
func ParseSource(name string) (Source, bool) {
	for s, n := range sourceNames {
		if strings.EqualFold(n, name) {
			return Source(s), true
		}
	}
	return 0, false
}

// ColorMode is a scan color mode.
type ColorMode int

const (
	ColorModeBW1 ColorMode = iota
	ColorModeGray
	ColorModeRGB

	NumColorModes
)

var colorModeNames = [NumColorModes]string{
	ColorModeBW1:  "Lineart",
	ColorModeGray: "Gray",
	ColorModeRGB:  "Color",
}

// eSCL scan:ColorMode vocabulary.
var colorModeWire = [NumColorModes]string{
	ColorModeBW1:  "BlackAndWhite1",
	ColorModeGray: "Grayscale8",
	ColorModeRGB:  "RGB24",
}

// String returns the user-facing name of the color mode.
func (m ColorMode) String() string {
	if m >= 0 && m < NumColorModes {
		return colorModeNames[m]
	}
	return "Unknown"
}

// WireName returns the eSCL name of the color mode.
func (m ColorMode) WireName() string {
	if m >= 0 && m < NumColorModes {
		return colorModeWire[m]
	}
	return ""
}

// ParseColorMode maps a user-facing name back to a ColorMode.
func ParseColorMode(name string) (ColorMode, bool) {
	for m, n := range colorModeNames {
		if strings.EqualFold(n, name) {
			return ColorMode(m), true
		}
	}
	return 0, false
}

// ColorModeFromWire maps an eSCL color mode name to a ColorMode.
func ColorModeFromWire(name string) (ColorMode, bool) {
	for m, n := range colorModeWire {
		if n == name {
			return ColorMode(m), true
		}
	}
	return 0, false
}

// Format is an image document format.
type Format int

const (
	FormatJPEG Format = iota
	FormatPNG
	FormatPDF
	FormatTIFF

	NumFormats
)

var formatMIME = [NumFormats]string{
	FormatJPEG: "image/jpeg",
	FormatPNG:  "image/png",
	FormatPDF:  "application/pdf",
	FormatTIFF: "image/tiff",
}

// String returns the short name of the format.
func (f Format) String() string {
	switch f {
	case FormatJPEG:
		return "JPEG"
	case FormatPNG:
		return "PNG"
	case FormatPDF:
		return "PDF"
	case FormatTIFF:
		return "TIFF"
	}
	return "Unknown"
}

// MIMEType returns the MIME type of the format.
func (f Format) MIMEType() string {
	if f >= 0 && f < NumFormats {
		return formatMIME[f]
	}
	return ""
}

// FormatFromMIME maps a MIME type to a Format. Parameters are ignored.
func FormatFromMIME(mime string) (Format, bool) {
	mime, _, _ = strings.Cut(mime, ";")
	mime = strings.ToLower(strings.TrimSpace(mime))
	for f, m := range formatMIME {
		if m == mime {
			return Format(f), true
		}
	}
	return 0, false
}

// ColorModeSet is a set of color modes.
type ColorModeSet uint8

// Add adds m to the set.
func (s *ColorModeSet) Add(m ColorMode) { *s |= 1 << m }

// Has reports whether m is in the set.
func (s ColorModeSet) Has(m ColorMode) bool { return s&(1<<m) != 0 }

// Modes lists the members in ascending order.
func (s ColorModeSet) Modes() []ColorMode {
	var out []ColorMode
	for m := range NumColorModes {
		if s.Has(m) {
			out = append(out, m)
		}
	}
	return out
}

// FormatSet is a set of formats.
type FormatSet uint8

// Add adds f to the set.
func (s *FormatSet) Add(f Format) { *s |= 1 << f }

// Has reports whether f is in the set.
func (s FormatSet) Has(f Format) bool { return s&(1<<f) != 0 }
