package proto

import (
	"log/slog"
	"net/url"
	"time"

	"github.com/mzyy94/airscan/internal/transport"
)

// Protocol identifies a scan protocol.
type Protocol int

const (
	ProtocolESCL Protocol = iota
	ProtocolWSD

	NumProtocols
)

func (p Protocol) String() string {
	switch p {
	case ProtocolESCL:
		return "eSCL"
	case ProtocolWSD:
		return "WSD"
	}
	return "unknown"
}

// ParseProtocol maps a configuration name ("escl", "wsd") to a Protocol.
func ParseProtocol(name string) (Protocol, bool) {
	switch name {
	case "escl", "eSCL", "ESCL", "airscan":
		return ProtocolESCL, true
	case "wsd", "WSD":
		return ProtocolWSD, true
	}
	return 0, false
}

// ProtocolSet is a set of protocols.
type ProtocolSet uint8

// Add adds p to the set.
func (s *ProtocolSet) Add(p Protocol) { *s |= 1 << p }

// Has reports whether p is in the set.
func (s ProtocolSet) Has(p Protocol) bool { return s&(1<<p) != 0 }

func (s ProtocolSet) String() string {
	out := ""
	for p := range NumProtocols {
		if s.Has(p) {
			if out != "" {
				out += ","
			}
			out += p.String()
		}
	}
	if out == "" {
		return "none"
	}
	return out
}

// Op is a protocol operation of a scan job.
type Op int

const (
	OpNone    Op = iota
	OpScan       // create the job
	OpLoad       // fetch the next page
	OpCheck      // fetch device status to explain a failure
	OpCleanup    // delete the job
	OpFinish     // job is over
)

func (op Op) String() string {
	switch op {
	case OpNone:
		return "none"
	case OpScan:
		return "scan"
	case OpLoad:
		return "load"
	case OpCheck:
		return "check"
	case OpCleanup:
		return "cleanup"
	case OpFinish:
		return "finish"
	}
	return "unknown"
}

// Endpoint is one way of reaching a device: a protocol and its base URI.
type Endpoint struct {
	Protocol Protocol
	URI      *url.URL
}

func (ep Endpoint) String() string {
	return ep.Protocol.String() + " " + ep.URI.String()
}

// ScanParams are the negotiated parameters of one scan job. Geometry is
// in device units (see Units).
type ScanParams struct {
	X, Y      int
	Wid, Hei  int
	XRes      int
	YRes      int
	Source    Source
	ColorMode ColorMode
	Format    Format
}

// Context is the protocol state of one device session. Decoders read it
// and return a Result; only the session writes it.
type Context struct {
	Log     *slog.Logger
	BaseURI *url.URL
	Caps    *Caps
	Params  ScanParams

	// Location is the server-assigned job resource, once the job exists.
	Location string

	// ImagesReceived counts pages received in the current job.
	ImagesReceived int

	// Failure bookkeeping for the retry ladder. FailedAttempt counts
	// consecutive failures of FailedOp, including the one being checked.
	FailedOp         Op
	FailedHTTPStatus int
	FailedAttempt    int

	// Query is the completed query being decoded.
	Query *transport.Query
}

// Result tells the session what to do after an operation completed.
type Result struct {
	Next   Op
	Delay  time.Duration
	Status Status
	Err    error

	Location string   // OpScan: the new job
	Images   [][]byte // OpLoad: received pages
}

// Handler builds requests and interprets responses for one protocol.
// Query builders may return nil for operations the protocol does not
// implement; the session then fails the operation with ErrUnsupported.
type Handler interface {
	Protocol() Protocol

	DevcapsQuery(ctx *Context) *transport.Query
	DevcapsDecode(ctx *Context) (*Caps, error)

	ScanQuery(ctx *Context) *transport.Query
	ScanDecode(ctx *Context) Result

	LoadQuery(ctx *Context) *transport.Query
	LoadDecode(ctx *Context) Result

	StatusQuery(ctx *Context) *transport.Query
	StatusDecode(ctx *Context) Result

	CleanupQuery(ctx *Context) *transport.Query
}
