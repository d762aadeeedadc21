package escl

import (
	mfpescl "github.com/OpenPrinting/go-mfp/proto/escl"
	"github.com/OpenPrinting/go-mfp/util/optional"

	"github.com/mzyy94/airscan/internal/proto"
)

// requestVersion is the protocol version announced in scan requests.
var requestVersion = mfpescl.MakeVersion(2, 0)

// inputSource returns the pwg:InputSource value for s.
func inputSource(s proto.Source) mfpescl.InputSource {
	if s.IsADF() {
		return mfpescl.InputFeeder
	}
	return mfpescl.InputPlaten
}

// ScanSettings renders the scan:ScanSettings request document.
func ScanSettings(p proto.ScanParams, formatExt bool) []byte {
	ss := mfpescl.ScanSettings{
		Version: requestVersion,
		ScanRegions: []mfpescl.ScanRegion{{
			XOffset:            p.X,
			YOffset:            p.Y,
			Width:              p.Wid,
			Height:             p.Hei,
			ContentRegionUnits: mfpescl.ThreeHundredthsOfInches,
		}},
		InputSource:    optional.New(inputSource(p.Source)),
		ColorMode:      optional.New(mfpescl.DecodeColorMode(p.ColorMode.WireName())),
		DocumentFormat: optional.New(p.Format.MIMEType()),
		XResolution:    optional.New(p.XRes),
		YResolution:    optional.New(p.YRes),
	}
	if formatExt {
		ss.DocumentFormatExt = optional.New(p.Format.MIMEType())
	}
	if p.Source.IsADF() {
		ss.Duplex = optional.New(p.Source == proto.SourceADFDuplex)
	}
	return encodeXML(ss.ToXML())
}
