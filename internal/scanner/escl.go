package scanner

import (
	"bytes"
	"context"
	"errors"
	"image/jpeg"
	"io"
	"log/slog"
	"sync"

	"github.com/OpenPrinting/go-mfp/abstract"
	"github.com/OpenPrinting/go-mfp/util/generic"
	"github.com/OpenPrinting/go-mfp/util/uuid"

	"github.com/mzyy94/airscan/internal/device"
	"github.com/mzyy94/airscan/internal/proto"
)

// errADFUnknown is returned by CheckADFStatus before any feeder scan.
var errADFUnknown = errors.New("ADF state not known yet")

// ESCLAdapter implements abstract.Scanner on top of a device session, so
// that a network scanner can be re-exported through an eSCL server.
type ESCLAdapter struct {
	dev  *device.Device
	caps *abstract.ScannerCapabilities

	mu       sync.Mutex // serializes scans
	adfKnown bool
	adfEmpty bool
}

// NewESCLAdapter creates an eSCL adapter wrapping an open device.
func NewESCLAdapter(d *device.Device) *ESCLAdapter {
	return &ESCLAdapter{dev: d, caps: buildCapabilities(d.Info(), d.Caps())}
}

// unitsToDim converts eSCL units (1/300 inch) to abstract.Dimension.
func unitsToDim(v int) abstract.Dimension {
	return abstract.Dimension(v * 2540 / proto.Units)
}

// dimToMM converts abstract.Dimension to millimeters.
func dimToMM(d abstract.Dimension) float64 {
	return float64(d) / float64(abstract.Millimeter)
}

// commonResolutions are offered for sources that advertise a range.
var commonResolutions = []int{75, 100, 150, 200, 300, 400, 600, 1200}

func buildProfile(sc *proto.SourceCaps) abstract.SettingsProfile {
	var modes []abstract.ColorMode
	for _, m := range sc.ColorModes.Modes() {
		switch m {
		case proto.ColorModeRGB:
			modes = append(modes, abstract.ColorModeColor)
		case proto.ColorModeGray:
			modes = append(modes, abstract.ColorModeMono)
		case proto.ColorModeBW1:
			modes = append(modes, abstract.ColorModeBinary)
		}
	}
	profile := abstract.SettingsProfile{
		ColorModes: generic.MakeBitset(modes...),
		Depths:     generic.MakeBitset(abstract.ColorDepth8),
	}
	if sc.ColorModes.Has(proto.ColorModeBW1) {
		profile.BinaryRenderings = generic.MakeBitset(abstract.BinaryRenderingThreshold)
	}

	res := sc.Resolutions
	if len(res) == 0 && sc.ResolutionRange != nil {
		for _, r := range commonResolutions {
			if sc.ResolutionRange.Contains(r) {
				res = append(res, r)
			}
		}
		if len(res) == 0 {
			res = []int{sc.ResolutionRange.Min, sc.ResolutionRange.Max}
		}
	}
	for _, r := range res {
		profile.Resolutions = append(profile.Resolutions, abstract.Resolution{XResolution: r, YResolution: r})
	}
	return profile
}

func buildInput(sc *proto.SourceCaps) *abstract.InputCapabilities {
	if sc == nil {
		return nil
	}
	var intents []abstract.Intent
	for _, in := range sc.Intents {
		switch in {
		case "Document":
			intents = append(intents, abstract.IntentDocument)
		case "Photo":
			intents = append(intents, abstract.IntentPhoto)
		case "TextAndGraphic":
			intents = append(intents, abstract.IntentTextAndGraphic)
		}
	}
	if len(intents) == 0 {
		intents = []abstract.Intent{abstract.IntentDocument}
	}
	return &abstract.InputCapabilities{
		MinWidth:              unitsToDim(sc.MinWidth),
		MaxWidth:              unitsToDim(sc.MaxWidth),
		MinHeight:             unitsToDim(sc.MinHeight),
		MaxHeight:             unitsToDim(sc.MaxHeight),
		MaxOpticalXResolution: sc.MaxOpticalXRes,
		MaxOpticalYResolution: sc.MaxOpticalYRes,
		Intents:               generic.MakeBitset(intents...),
		Profiles:              []abstract.SettingsProfile{buildProfile(sc)},
	}
}

func buildCapabilities(info device.Info, caps *proto.Caps) *abstract.ScannerCapabilities {
	// Stable identity across restarts of the proxy
	id := info.UUID
	if id == "" {
		id = info.Name
	}
	name := caps.MakeAndModel
	if name == "" {
		name = info.Name
	}
	return &abstract.ScannerCapabilities{
		UUID:            uuid.SHA1(uuid.NameSpaceDNS, "airscan.proxy."+id),
		MakeAndModel:    name,
		Manufacturer:    caps.Manufacturer,
		SerialNumber:    caps.SerialNumber,
		DocumentFormats: []string{"image/jpeg", "application/pdf"},
		Platen:          buildInput(caps.Source(proto.SourcePlaten)),
		ADFSimplex:      buildInput(caps.Source(proto.SourceADFSimplex)),
		ADFDuplex:       buildInput(caps.Source(proto.SourceADFDuplex)),
	}
}

// Capabilities returns the scanner capabilities.
func (a *ESCLAdapter) Capabilities() *abstract.ScannerCapabilities {
	return a.caps
}

// Scan runs a batch on the device and returns its pages as JPEG.
func (a *ESCLAdapter) Scan(ctx context.Context, req abstract.ScannerRequest) (abstract.Document, error) {
	if err := req.Validate(a.caps); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	opts := requestOptions(req, a.dev.Options())
	slog.Info("scan requested",
		"colorMode", req.ColorMode,
		"resolution", req.Resolution,
		"adfMode", req.ADFMode,
		"source", opts.Source,
	)

	pages, err := ScanBatch(ctx, a.dev, opts)
	if opts.Source.IsADF() {
		// a feeder batch only ends once the feeder is empty
		a.adfKnown, a.adfEmpty = true, true
	}
	if err != nil {
		return nil, err
	}

	doc := &jpegDocument{res: abstract.Resolution{XResolution: opts.Resolution, YResolution: opts.Resolution}}
	for i, p := range pages {
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, p.Image, &jpeg.Options{Quality: JPEGQuality}); err != nil {
			return nil, err
		}
		doc.pages = append(doc.pages, buf.Bytes())
		slog.Debug("page encoded", "page", i+1, "bytes", buf.Len())
	}

	if req.DocumentFormat != "" && req.DocumentFormat != "image/jpeg" {
		return abstract.NewFilter(doc, abstract.FilterOptions{
			OutputFormat: req.DocumentFormat,
		}), nil
	}
	return doc, nil
}

// CheckADFStatus reports whether the feeder holds paper, as far as the
// last feeder batch tells.
func (a *ESCLAdapter) CheckADFStatus() (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.adfKnown {
		return false, errADFUnknown
	}
	return !a.adfEmpty, nil
}

// Close closes the device session.
func (a *ESCLAdapter) Close() error {
	return a.dev.Close(context.Background())
}

// requestOptions converts an eSCL ScannerRequest to device options,
// keeping cur for everything the request leaves unset.
func requestOptions(req abstract.ScannerRequest, cur device.Options) device.Options {
	o := cur

	switch req.ADFMode {
	case abstract.ADFModeDuplex:
		o.Source = proto.SourceADFDuplex
	case abstract.ADFModeSimplex:
		o.Source = proto.SourceADFSimplex
	default:
		o.Source = proto.SourcePlaten
	}

	switch req.ColorMode {
	case abstract.ColorModeColor:
		o.ColorMode = proto.ColorModeRGB
	case abstract.ColorModeMono:
		o.ColorMode = proto.ColorModeGray
	case abstract.ColorModeBinary:
		o.ColorMode = proto.ColorModeBW1
	}

	if dpi := req.Resolution.XResolution; dpi > 0 {
		o.Resolution = dpi
	}

	// Zero extent means the rest of the area; SetOptions clamps oversized ones
	o.TLX = dimToMM(req.Region.XOffset)
	o.TLY = dimToMM(req.Region.YOffset)
	o.BRX, o.BRY = 1e6, 1e6
	if req.Region.Width > 0 {
		o.BRX = o.TLX + dimToMM(req.Region.Width)
	}
	if req.Region.Height > 0 {
		o.BRY = o.TLY + dimToMM(req.Region.Height)
	}
	return o
}

// --------------------------------------------------------------------------
// Document / DocumentFile implementation for JPEG pages
// --------------------------------------------------------------------------

// jpegDocument wraps scanned JPEG pages as an abstract.Document.
type jpegDocument struct {
	res   abstract.Resolution
	pages [][]byte
	idx   int
}

func (d *jpegDocument) Resolution() abstract.Resolution { return d.res }

func (d *jpegDocument) Next() (abstract.DocumentFile, error) {
	if d.idx >= len(d.pages) {
		return nil, io.EOF
	}
	f := &jpegFile{Reader: bytes.NewReader(d.pages[d.idx])}
	d.idx++
	return f, nil
}

func (d *jpegDocument) Close() error { return nil }

// jpegFile wraps a single JPEG page as an abstract.DocumentFile.
type jpegFile struct {
	*bytes.Reader
}

func (f *jpegFile) Format() string { return "image/jpeg" }
