// Package escl implements the eSCL (AirScan) protocol handler: request
// construction and response interpretation for each job operation.
package escl

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mzyy94/airscan/internal/proto"
	"github.com/mzyy94/airscan/internal/transport"
)

// Protocol timing defaults.
const (
	RetryAttemptsLoad = 30
	RetryAttempts     = 10
	RetryPause        = time.Second

	// NextLoadDelay caps the pause between ADF page fetches. The pause is
	// NextLoadDelayFactor of the previous load's duration.
	NextLoadDelay       = time.Second
	NextLoadDelayFactor = 0.5
)

// Options tunes the handler's retry ladder and pacing. Zero fields take
// the package defaults.
type Options struct {
	RetryAttempts     int
	RetryAttemptsLoad int
	RetryPause        time.Duration
	NextLoadDelay     time.Duration
}

// Handler is the eSCL protocol handler. It is stateless; all job state
// lives in the proto.Context passed to each call.
type Handler struct {
	opts Options
}

var _ proto.Handler = (*Handler)(nil)

// New creates an eSCL handler.
func New(opts Options) *Handler {
	if opts.RetryAttempts == 0 {
		opts.RetryAttempts = RetryAttempts
	}
	if opts.RetryAttemptsLoad == 0 {
		opts.RetryAttemptsLoad = RetryAttemptsLoad
	}
	if opts.RetryPause == 0 {
		opts.RetryPause = RetryPause
	}
	if opts.NextLoadDelay == 0 {
		opts.NextLoadDelay = NextLoadDelay
	}
	return &Handler{opts: opts}
}

func (h *Handler) Protocol() proto.Protocol { return proto.ProtocolESCL }

func (h *Handler) DevcapsQuery(ctx *proto.Context) *transport.Query {
	return transport.NewQuery(http.MethodGet, resolve(ctx.BaseURI, "ScannerCapabilities"), nil, "")
}

func (h *Handler) DevcapsDecode(ctx *proto.Context) (*proto.Caps, error) {
	q := ctx.Query
	if q.Err() != nil {
		return nil, q.Err()
	}
	if q.Status() != http.StatusOK {
		return nil, fmt.Errorf("ScannerCapabilities: HTTP %d", q.Status())
	}
	caps, err := DecodeCaps(q.Body())
	if err != nil {
		return nil, fmt.Errorf("ScannerCapabilities: %w", err)
	}
	return caps, nil
}

func (h *Handler) ScanQuery(ctx *proto.Context) *transport.Query {
	body := ScanSettings(ctx.Params, ctx.Caps != nil && ctx.Caps.FormatExt)
	return transport.NewQuery(http.MethodPost, resolve(ctx.BaseURI, "ScanJobs"), body, "text/xml")
}

func (h *Handler) ScanDecode(ctx *proto.Context) proto.Result {
	q := ctx.Query
	if q.Err() != nil {
		return proto.Result{Next: proto.OpFinish, Status: proto.StatusIOError, Err: q.Err()}
	}
	if q.Status() != http.StatusCreated {
		return proto.Result{Next: proto.OpCheck}
	}

	loc := q.ResponseHeader("Location")
	if loc == "" {
		return proto.Result{Next: proto.OpFinish, Status: proto.StatusIOError,
			Err: errors.New("ScanJobs: empty Location header")}
	}
	u, err := ResolveLocation(ctx.BaseURI, loc)
	if err != nil {
		return proto.Result{Next: proto.OpFinish, Status: proto.StatusIOError,
			Err: fmt.Errorf("ScanJobs: %w", err)}
	}
	return proto.Result{Next: proto.OpLoad, Location: u.String()}
}

func (h *Handler) LoadQuery(ctx *proto.Context) *transport.Query {
	u, err := url.Parse(strings.TrimSuffix(ctx.Location, "/") + "/NextDocument")
	if err != nil {
		return nil
	}
	return transport.NewQuery(http.MethodGet, u, nil, "")
}

func (h *Handler) LoadDecode(ctx *proto.Context) proto.Result {
	q := ctx.Query
	if q.Err() != nil {
		return proto.Result{Next: afterFailure(ctx), Status: proto.StatusIOError, Err: q.Err()}
	}
	if q.Status() != http.StatusOK {
		return proto.Result{Next: proto.OpCheck}
	}

	var images [][]byte
	if q.IsMultipart() {
		parts, err := q.Parts()
		if err != nil {
			return proto.Result{Next: afterFailure(ctx), Status: proto.StatusIOError, Err: err}
		}
		for _, p := range parts {
			images = append(images, p.Data)
		}
	} else if len(q.Body()) != 0 {
		images = [][]byte{q.Body()}
	}
	if len(images) == 0 {
		return proto.Result{Next: afterFailure(ctx), Status: proto.StatusIOError,
			Err: errors.New("NextDocument: empty response")}
	}

	res := proto.Result{Images: images}
	if ctx.Params.Source.IsADF() {
		res.Next = proto.OpLoad
		res.Delay = min(h.opts.NextLoadDelay, time.Duration(float64(q.Duration())*NextLoadDelayFactor))
	} else {
		res.Next = proto.OpCleanup
	}
	return res
}

func (h *Handler) StatusQuery(ctx *proto.Context) *transport.Query {
	return transport.NewQuery(http.MethodGet, resolve(ctx.BaseURI, "ScannerStatus"), nil, "")
}

// StatusDecode explains a failed scan or load from the device status and
// the failed operation's HTTP status, deciding between retry and failure.
func (h *Handler) StatusDecode(ctx *proto.Context) proto.Result {
	q := ctx.Query
	st := ScannerStatus{Device: proto.StatusUnsupported, ADF: proto.StatusUnsupported}
	switch {
	case q.Err() != nil:
		ctx.Log.Debug("scanner status unavailable", "err", q.Err())
	case q.Status() != http.StatusOK:
		ctx.Log.Debug("scanner status unavailable", "status", q.Status())
	default:
		var err error
		if st, err = DecodeStatus(ctx.Log, q.Body()); err != nil {
			ctx.Log.Debug("scanner status malformed", "err", err)
		}
	}

	status := st.Device
	src := ctx.Params.Source
	if src.IsADF() && st.ADF != proto.StatusGood && st.ADF != proto.StatusUnsupported {
		status = st.ADF
	}

	attempts := h.opts.RetryAttempts
	if ctx.FailedOp == proto.OpLoad {
		attempts = h.opts.RetryAttemptsLoad
	}
	retryable := status == proto.StatusGood || status == proto.StatusDeviceBusy ||
		status == proto.StatusUnsupported
	if ctx.FailedHTTPStatus == http.StatusServiceUnavailable && ctx.FailedAttempt < attempts && retryable {
		return proto.Result{Next: ctx.FailedOp, Delay: h.opts.RetryPause}
	}

	endOfFeed := ctx.FailedOp == proto.OpLoad && ctx.FailedHTTPStatus == http.StatusNotFound && src.IsADF()
	if status == proto.StatusGood || status == proto.StatusUnsupported ||
		(endOfFeed && status == proto.StatusDeviceBusy) {
		switch {
		case ctx.FailedHTTPStatus == http.StatusServiceUnavailable:
			status = proto.StatusDeviceBusy
		case endOfFeed:
			status = proto.StatusNoDocs
		default:
			status = proto.StatusIOError
		}
	}

	return proto.Result{
		Next:   afterFailure(ctx),
		Status: status,
		Err:    fmt.Errorf("%s: HTTP %d: %w", ctx.FailedOp, ctx.FailedHTTPStatus, status),
	}
}

func (h *Handler) CleanupQuery(ctx *proto.Context) *transport.Query {
	u, err := url.Parse(ctx.Location)
	if err != nil || ctx.Location == "" {
		return nil
	}
	return transport.NewQuery(http.MethodDelete, u, nil, "")
}

// afterFailure is the next op once a job step has failed for good.
func afterFailure(ctx *proto.Context) proto.Op {
	if ctx.Location != "" {
		return proto.OpCleanup
	}
	return proto.OpFinish
}

func resolve(base *url.URL, rel string) *url.URL {
	return base.ResolveReference(&url.URL{Path: rel})
}

// ResolveLocation resolves a job Location header against the device base
// URI. Devices that answer with a loopback host in an absolute Location
// get the base URI's host substituted.
func ResolveLocation(base *url.URL, loc string) (*url.URL, error) {
	u, err := url.Parse(loc)
	if err != nil {
		return nil, fmt.Errorf("invalid Location %q: %w", loc, err)
	}
	u = base.ResolveReference(u)
	if isLoopback(u.Hostname()) && !isLoopback(base.Hostname()) {
		u.Host = base.Host
	}
	return u, nil
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
