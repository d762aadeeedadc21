package escl

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"

	mfpescl "github.com/OpenPrinting/go-mfp/proto/escl"
	"github.com/OpenPrinting/go-mfp/util/optional"

	"github.com/mzyy94/airscan/internal/proto"
)

// DecodeCaps decodes a ScannerCapabilities document. Any contradiction
// fails the whole document; no partial snapshot is returned.
func DecodeCaps(data []byte) (*proto.Caps, error) {
	root, err := decodeXML(data, mfpescl.NsScan+":ScannerCapabilities")
	if err != nil {
		return nil, err
	}
	sc, err := mfpescl.DecodeScannerCapabilities(root)
	if err != nil {
		return nil, err
	}

	caps := &proto.Caps{
		Protocol:     proto.ProtocolESCL.String(),
		Version:      sc.Version.String(),
		MakeAndModel: optional.Get(sc.MakeAndModel),
		Manufacturer: optional.Get(sc.Manufacturer),
		SerialNumber: optional.Get(sc.SerialNumber),
		AdminURI:     optional.Get(sc.AdminURI),
		IconURI:      optional.Get(sc.IconURI),
	}
	if sc.UUID != nil {
		caps.UUID = (*sc.UUID).String()
	}
	if sc.CompressionFactorSupport != nil {
		if caps.Compression, err = convertRange(*sc.CompressionFactorSupport); err != nil {
			return nil, fmt.Errorf("scan:CompressionFactorSupport: %w", err)
		}
	}

	if sc.Platen != nil && sc.Platen.PlatenInputCaps != nil {
		src, err := convertInputCaps(*sc.Platen.PlatenInputCaps, sc.SettingProfiles, caps)
		if err != nil {
			return nil, fmt.Errorf("scan:Platen: %w", err)
		}
		caps.Sources[proto.SourcePlaten] = src
	}
	if sc.ADF != nil {
		if err := convertADF(*sc.ADF, sc.SettingProfiles, caps); err != nil {
			return nil, fmt.Errorf("scan:Adf: %w", err)
		}
	}

	usable := false
	for s := range proto.NumSources {
		src := caps.Sources[s]
		if src == nil {
			continue
		}
		if !sourceUsable(src) {
			slog.Debug("eSCL source unusable, ignored", "source", s)
			caps.Sources[s] = nil
			continue
		}
		usable = true
	}
	if !usable {
		return nil, errors.New("neither Platen nor ADF sources detected")
	}
	return caps, nil
}

// sourceUsable reports whether a source can actually be scanned from:
// it needs a color mode, a resolution and a line-decodable format.
func sourceUsable(sc *proto.SourceCaps) bool {
	if sc.ColorModes == 0 {
		return false
	}
	if len(sc.Resolutions) == 0 && sc.ResolutionRange == nil {
		return false
	}
	return sc.Formats.Has(proto.FormatJPEG) || sc.Formats.Has(proto.FormatPNG) ||
		sc.Formats.Has(proto.FormatTIFF)
}

func convertADF(adf mfpescl.ADF, common []mfpescl.SettingProfile, caps *proto.Caps) error {
	if adf.ADFSimplexInputCaps != nil {
		src, err := convertInputCaps(*adf.ADFSimplexInputCaps, common, caps)
		if err != nil {
			return fmt.Errorf("scan:AdfSimplexInputCaps: %w", err)
		}
		caps.Sources[proto.SourceADFSimplex] = src
	}
	if adf.ADFDuplexInputCaps != nil {
		src, err := convertInputCaps(*adf.ADFDuplexInputCaps, common, caps)
		if err != nil {
			return fmt.Errorf("scan:AdfDuplexInputCaps: %w", err)
		}
		caps.Sources[proto.SourceADFDuplex] = src
	}

	// Some devices only announce duplex through AdfOptions and reuse the
	// simplex capabilities for it.
	if caps.Sources[proto.SourceADFDuplex] == nil && caps.Sources[proto.SourceADFSimplex] != nil &&
		slices.Contains(adf.ADFOptions, mfpescl.Duplex) {
		caps.Sources[proto.SourceADFDuplex] = caps.Sources[proto.SourceADFSimplex]
	}
	return nil
}

// convertInputCaps maps one input source. Sources without their own
// setting profiles inherit the device-wide ones.
func convertInputCaps(in mfpescl.InputSourceCaps, common []mfpescl.SettingProfile, caps *proto.Caps) (*proto.SourceCaps, error) {
	if in.MinWidth >= in.MaxWidth {
		return nil, fmt.Errorf("invalid scan:MinWidth (%d) or scan:MaxWidth (%d)", in.MinWidth, in.MaxWidth)
	}
	if in.MinHeight >= in.MaxHeight {
		return nil, fmt.Errorf("invalid scan:MinHeight (%d) or scan:MaxHeight (%d)", in.MinHeight, in.MaxHeight)
	}

	sc := &proto.SourceCaps{
		MinWidth:       in.MinWidth,
		MaxWidth:       in.MaxWidth,
		MinHeight:      in.MinHeight,
		MaxHeight:      in.MaxHeight,
		MaxOpticalXRes: optional.Get(in.MaxOpticalXResolution),
		MaxOpticalYRes: optional.Get(in.MaxOpticalYResolution),
	}
	for _, intent := range in.SupportedIntents {
		sc.Intents = append(sc.Intents, intent.String())
	}

	profiles := in.SettingProfiles
	if len(profiles) == 0 {
		profiles = common
	}
	for _, p := range profiles {
		if err := convertProfile(p, sc, caps); err != nil {
			return nil, err
		}
	}

	slices.Sort(sc.Resolutions)
	sc.Resolutions = slices.Compact(sc.Resolutions)
	return sc, nil
}

func convertProfile(p mfpescl.SettingProfile, sc *proto.SourceCaps, caps *proto.Caps) error {
	for _, m := range p.ColorModes {
		if mode, ok := proto.ColorModeFromWire(m.String()); ok {
			sc.ColorModes.Add(mode)
		}
	}

	for _, mime := range p.DocumentFormats {
		if f, ok := proto.FormatFromMIME(mime); ok {
			sc.Formats.Add(f)
		}
	}
	if len(p.DocumentFormatsExt) != 0 {
		caps.FormatExt = true
	}
	for _, mime := range p.DocumentFormatsExt {
		if f, ok := proto.FormatFromMIME(mime); ok {
			sc.Formats.Add(f)
		}
	}

	for _, sr := range p.SupportedResolutions {
		for _, r := range sr.DiscreteResolutions {
			if r.XResolution == r.YResolution && r.XResolution > 0 {
				sc.Resolutions = append(sc.Resolutions, r.XResolution)
			}
		}
		if sr.ResolutionRange == nil {
			continue
		}
		xr, err := convertRange(sr.ResolutionRange.XResolutionRange)
		if err != nil {
			return fmt.Errorf("scan:XResolutionRange: %w", err)
		}
		yr, err := convertRange(sr.ResolutionRange.YResolutionRange)
		if err != nil {
			return fmt.Errorf("scan:YResolutionRange: %w", err)
		}
		if *xr == *yr && xr.Min > 0 {
			sc.ResolutionRange = xr
		}
	}
	return nil
}

// convertRange checks a Min/Max/Step range. A missing Step means 1.
func convertRange(r mfpescl.Range) (*proto.Range, error) {
	out := &proto.Range{Min: r.Min, Max: r.Max, Step: 1}
	if r.Step != nil {
		out.Step = *r.Step
	}
	if out.Min > out.Max || out.Step < 1 {
		return nil, fmt.Errorf("invalid range [%d..%d] step %d", out.Min, out.Max, out.Step)
	}
	return out, nil
}
