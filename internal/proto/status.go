package proto

import "errors"

// Status is the outcome of a scan job or operation. StatusGood is the
// only non-error value; every other value can be returned as an error and
// matched with errors.Is.
type Status int

const (
	StatusGood Status = iota
	StatusUnsupported
	StatusCancelled
	StatusDeviceBusy
	StatusInval
	StatusEOF
	StatusJammed
	StatusNoDocs
	StatusCoverOpen
	StatusIOError
	StatusNoMem
	StatusAccessDenied
)

var statusText = map[Status]string{
	StatusGood:         "success",
	StatusUnsupported:  "operation not supported",
	StatusCancelled:    "operation was cancelled",
	StatusDeviceBusy:   "device busy",
	StatusInval:        "invalid argument",
	StatusEOF:          "no more data available",
	StatusJammed:       "document feeder jammed",
	StatusNoDocs:       "document feeder out of documents",
	StatusCoverOpen:    "scanner cover is open",
	StatusIOError:      "error during device I/O",
	StatusNoMem:        "out of memory",
	StatusAccessDenied: "access to resource has been denied",
}

var statusNames = map[Status]string{
	StatusGood:         "good",
	StatusUnsupported:  "unsupported",
	StatusCancelled:    "cancelled",
	StatusDeviceBusy:   "busy",
	StatusInval:        "inval",
	StatusEOF:          "eof",
	StatusJammed:       "jammed",
	StatusNoDocs:       "no_docs",
	StatusCoverOpen:    "cover_open",
	StatusIOError:      "io_error",
	StatusNoMem:        "no_mem",
	StatusAccessDenied: "access_denied",
}

// String returns a short identifier for the status, suitable for metric
// labels and JSON.
func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s Status) Error() string {
	if t, ok := statusText[s]; ok {
		return t
	}
	return "unknown status"
}

// Err returns nil for StatusGood and s otherwise.
func (s Status) Err() error {
	if s == StatusGood {
		return nil
	}
	return s
}

// StatusOf extracts the Status carried by err. nil maps to StatusGood and
// errors without a Status map to StatusIOError.
func StatusOf(err error) Status {
	if err == nil {
		return StatusGood
	}
	var s Status
	if errors.As(err, &s) {
		return s
	}
	return StatusIOError
}

// ErrUnsupported is returned by protocol handlers for operations they do
// not implement.
var ErrUnsupported = errors.New("protocol operation not supported")
