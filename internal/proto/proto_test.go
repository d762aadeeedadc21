package proto

import (
	"errors"
	"fmt"
	"testing"
)

func TestComputeGeom(t *testing.T) {
	tests := []struct {
		name           string
		tl, br         float64
		minLen, maxLen int
		res            int
		want           Geom
	}{
		// A4 width (210mm = 2480 units) on a 2550-unit wide platen
		{"inside", 0, 210, 1, 2550, 300, Geom{Off: 0, Len: 2480, Skip: 0}},
		{"offset_inside", 10, 110, 1, 2550, 300, Geom{Off: 118, Len: 1181, Skip: 0}},
		// 10mm window below a 300-unit minimum is widened to the minimum
		{"min_len", 0, 10, 300, 2550, 300, Geom{Off: 0, Len: 300, Skip: 0}},
		// widened window sticking out past the end is shifted back and clipped
		{"shift_back", 210, 215.9, 300, 2550, 300, Geom{Off: 2250, Len: 300, Skip: 230}},
		// skip scales with resolution
		{"shift_back_600dpi", 210, 215.9, 300, 2550, 600, Geom{Off: 2250, Len: 300, Skip: 460}},
		{"clamp_to_max", 0, 400, 1, 2550, 300, Geom{Off: 0, Len: 2550, Skip: 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeGeom(tt.tl, tt.br, tt.minLen, tt.maxLen, tt.res, Units)
			if got != tt.want {
				t.Errorf("ComputeGeom(%v, %v) = %+v, want %+v", tt.tl, tt.br, got, tt.want)
			}
		})
	}
}

func TestNearestResolution(t *testing.T) {
	discrete := &SourceCaps{Resolutions: []int{75, 150, 300, 600}}
	ranged := &SourceCaps{ResolutionRange: &Range{Min: 100, Max: 1200, Step: 100}}

	tests := []struct {
		caps *SourceCaps
		in   int
		want int
	}{
		{discrete, 300, 300},
		{discrete, 200, 150},
		{discrete, 250, 300},
		{discrete, 10, 75},
		{discrete, 9999, 600},
		{ranged, 50, 100},
		{ranged, 250, 200},
		{ranged, 260, 300},
		{ranged, 5000, 1200},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d", tt.in), func(t *testing.T) {
			if got := tt.caps.NearestResolution(tt.in); got != tt.want {
				t.Errorf("NearestResolution(%d) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestStatusErrors(t *testing.T) {
	if StatusGood.Err() != nil {
		t.Error("StatusGood.Err() != nil")
	}
	err := fmt.Errorf("start: %w", StatusNoDocs)
	if !errors.Is(err, StatusNoDocs) {
		t.Error("wrapped NoDocs not matched by errors.Is")
	}
	if got := StatusOf(err); got != StatusNoDocs {
		t.Errorf("StatusOf = %v, want NoDocs", got)
	}
	if got := StatusOf(errors.New("other")); got != StatusIOError {
		t.Errorf("StatusOf(other) = %v, want IOError", got)
	}
}

func TestNameTables(t *testing.T) {
	for m := range NumColorModes {
		back, ok := ColorModeFromWire(m.WireName())
		if !ok || back != m {
			t.Errorf("color mode %v does not round-trip through %q", m, m.WireName())
		}
		back, ok = ParseColorMode(m.String())
		if !ok || back != m {
			t.Errorf("color mode %v does not round-trip through %q", m, m.String())
		}
	}
	for f := range NumFormats {
		back, ok := FormatFromMIME(f.MIMEType() + "; charset=binary")
		if !ok || back != f {
			t.Errorf("format %v does not round-trip through MIME", f)
		}
	}
	for s := range NumSources {
		back, ok := ParseSource(s.String())
		if !ok || back != s {
			t.Errorf("source %v does not round-trip", s)
		}
	}
}
