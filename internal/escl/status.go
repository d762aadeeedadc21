package escl

import (
	"log/slog"

	mfpescl "github.com/OpenPrinting/go-mfp/proto/escl"
	"github.com/OpenPrinting/go-mfp/util/xmldoc"

	"github.com/mzyy94/airscan/internal/proto"
)

// Device and ADF states reported in scan:ScannerStatus.
var (
	deviceStates = map[string]proto.Status{
		mfpescl.ScannerIdle.String():       proto.StatusGood,
		mfpescl.ScannerProcessing.String(): proto.StatusDeviceBusy,
		mfpescl.ScannerTesting.String():    proto.StatusDeviceBusy,
	}
	adfStates = map[string]proto.Status{
		mfpescl.ScannerAdfLoaded.String():     proto.StatusGood,
		mfpescl.ScannerAdfJam.String():        proto.StatusJammed,
		"ScannerAdfDoorOpen":                  proto.StatusCoverOpen,
		mfpescl.ScannerAdfHatchOpen.String():  proto.StatusCoverOpen,
		mfpescl.ScannerAdfProcessing.String(): proto.StatusNoDocs,
		mfpescl.ScannerAdfEmpty.String():      proto.StatusNoDocs,
	}
)

// ScannerStatus is a decoded scan:ScannerStatus document. States that are
// absent or unrecognized decode as StatusUnsupported.
type ScannerStatus struct {
	Device proto.Status
	ADF    proto.Status
}

// DecodeStatus decodes a ScannerStatus document. On error nothing is
// returned; the caller treats the device state as unknown.
func DecodeStatus(log *slog.Logger, data []byte) (ScannerStatus, error) {
	st := ScannerStatus{Device: proto.StatusUnsupported, ADF: proto.StatusUnsupported}
	root, err := decodeXML(data, mfpescl.NsScan+":ScannerStatus")
	if err != nil {
		return st, err
	}

	state, adf := rawStates(root)
	if status, err := mfpescl.DecodeScannerStatus(root); err == nil {
		state = status.State.String()
		adf = ""
		if status.ADFState != nil {
			adf = (*status.ADFState).String()
		}
	} else {
		// Vendor states outside the standard set fail strict decoding;
		// they still go through the table below.
		log.Debug("scanner status not strictly decodable", "err", err)
	}

	if state != "" {
		st.Device = lookupState(log, deviceStates, state)
	}
	if adf != "" {
		st.ADF = lookupState(log, adfStates, adf)
	}
	return st, nil
}

// rawStates returns the pwg:State and scan:AdfState texts as sent.
func rawStates(root xmldoc.Element) (state, adf string) {
	s := xmldoc.Lookup{Name: mfpescl.NsPWG + ":State"}
	a := xmldoc.Lookup{Name: mfpescl.NsScan + ":AdfState"}
	root.Lookup(&s, &a)
	return s.Elem.Text, a.Elem.Text
}

func lookupState(log *slog.Logger, table map[string]proto.Status, v string) proto.Status {
	if s, ok := table[v]; ok {
		return s
	}
	log.Warn("unrecognized scanner state, needs triage", "state", v)
	return proto.StatusUnsupported
}
