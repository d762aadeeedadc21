package device

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/mzyy94/airscan/internal/eloop"
	"github.com/mzyy94/airscan/internal/proto"
	"github.com/mzyy94/airscan/internal/transport"
)

// State is the state of the session's scan job.
type State int

const (
	StateIdle State = iota
	StateStarted
	StateRequesting
	StateLoading
	StateCheckingStatus
	StateCleaningUp
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarted:
		return "started"
	case StateRequesting:
		return "requesting"
	case StateLoading:
		return "loading"
	case StateCheckingStatus:
		return "checking-status"
	case StateCleaningUp:
		return "cleaning-up"
	case StateDone:
		return "done"
	}
	return "unknown"
}

func (s State) working() bool { return s != StateIdle && s != StateDone }

// transitions lists the states reachable from each state within a job.
// Only Done and Idle lead back to the start of a new job.
var transitions = map[State][]State{
	StateIdle:           {StateStarted},
	StateStarted:        {StateRequesting, StateDone},
	StateRequesting:     {StateLoading, StateCheckingStatus, StateCleaningUp, StateDone},
	StateLoading:        {StateCheckingStatus, StateCleaningUp, StateDone},
	StateCheckingStatus: {StateRequesting, StateLoading, StateCleaningUp, StateDone},
	StateCleaningUp:     {StateDone},
	StateDone:           {StateIdle, StateStarted},
}

// opStates maps the operation being run to the job state.
var opStates = map[proto.Op]State{
	proto.OpScan:    StateRequesting,
	proto.OpLoad:    StateLoading,
	proto.OpCheck:   StateCheckingStatus,
	proto.OpCleanup: StateCleaningUp,
}

type job struct {
	state  State
	status proto.Status
	err    error
	cancel bool

	op    proto.Op
	query *transport.Query
	timer *eloop.Timer

	images    [][]byte
	delivered int
	geom      pageGeom
	started   time.Time
}

func (d *Device) setState(s State) {
	from := d.job.state
	if s == from {
		return
	}
	if !slices.Contains(transitions[from], s) {
		d.log.Error("invalid job state transition", "from", from, "to", s)
	}
	d.log.Debug("job state changed", "from", from, "to", s)
	d.job.state = s
	d.cond.Broadcast()
}

// setStatus records the job status. The first failure sticks, except that
// cancellation always wins.
func (d *Device) setStatus(st proto.Status, err error) {
	if st == proto.StatusGood {
		return
	}
	if st == proto.StatusCancelled || d.job.status == proto.StatusGood {
		d.job.status = st
		d.job.err = err
	}
}

// jobError builds the error returned to the caller for a failed job.
func jobError(st proto.Status, err error) error {
	switch {
	case st == proto.StatusGood:
		return nil
	case err == nil:
		return st
	case errors.Is(err, st):
		return err
	}
	return fmt.Errorf("%w: %v", st, err)
}

// State returns the job state and status.
func (d *Device) State() (State, proto.Status) {
	d.loop.Lock()
	defer d.loop.Unlock()
	return d.job.state, d.job.status
}

// Start begins a scan, or continues a multi-page one.
//
// A page that is still being read or a capabilities refresh in flight
// makes Start fail with DeviceBusy. While a job has pages left, Start
// hands out the next one, waiting for it if necessary. Once a multi-page job has delivered its last page, Start
// reports the job's final status (typically NoDocs) and the session goes
// back to idle. Otherwise a new job is started and Start blocks until the
// device accepted it or the job failed.
func (d *Device) Start(ctx context.Context) error {
	d.loop.Lock()
	defer d.loop.Unlock()

	if d.closed {
		return ErrClosed
	}
	if d.page != nil || d.refreshing {
		return proto.StatusDeviceBusy
	}

	j := &d.job
	if j.state.working() && j.delivered > 0 {
		for len(j.images) == 0 && j.state != StateDone {
			if err := d.cond.Wait(ctx); err != nil {
				return err
			}
			if d.closed {
				return ErrClosed
			}
		}
	}

	if len(j.images) > 0 {
		d.eof = false
		return d.openPage()
	}

	if j.state == StateDone && j.delivered > 0 {
		st, err := j.status, j.err
		j.delivered = 0
		d.setState(StateIdle)
		if st != proto.StatusGood {
			return jobError(st, err)
		}
	}

	if j.state.working() {
		return proto.StatusDeviceBusy
	}
	if err := d.startJob(); err != nil {
		return err
	}

	for d.pctx.Location == "" && j.state != StateDone {
		if err := d.cond.Wait(ctx); err != nil {
			return err
		}
	}
	if j.status == proto.StatusCancelled {
		return proto.StatusCancelled
	}
	if j.state == StateDone && len(j.images) == 0 {
		st, err := j.status, j.err
		d.setState(StateIdle)
		if st == proto.StatusGood {
			st = proto.StatusIOError
		}
		return jobError(st, err)
	}
	d.eof = false
	return nil
}

// startJob resets the job bookkeeping from the current options and
// schedules the job on the loop.
func (d *Device) startJob() error {
	o := d.opts
	sc := d.pctx.Caps.Source(o.Source)
	if sc == nil {
		return fmt.Errorf("%w: source %s not supported", proto.StatusInval, o.Source)
	}
	format, ok := chooseFormat(sc, o.ColorMode)
	if !ok {
		return fmt.Errorf("%w: no decodable document format for %s", proto.StatusUnsupported, o.Source)
	}
	p := paramsFor(o)
	if p.PixelsPerLine <= 0 || p.Lines <= 0 {
		return fmt.Errorf("%w: empty scan window", proto.StatusInval)
	}

	gx := proto.ComputeGeom(o.TLX, o.BRX, sc.MinWidth, sc.MaxWidth, o.Resolution, proto.Units)
	gy := proto.ComputeGeom(o.TLY, o.BRY, sc.MinHeight, sc.MaxHeight, o.Resolution, proto.Units)

	d.job = job{
		state:   d.job.state,
		query:   d.job.query,
		started: time.Now(),
		geom: pageGeom{
			mode:  o.ColorMode,
			wid:   p.PixelsPerLine,
			hei:   p.Lines,
			skipX: gx.Skip,
			skipY: gy.Skip,
		},
	}
	d.pctx.Params = proto.ScanParams{
		X:         gx.Off,
		Y:         gy.Off,
		Wid:       gx.Len,
		Hei:       gy.Len,
		XRes:      o.Resolution,
		YRes:      o.Resolution,
		Source:    o.Source,
		ColorMode: o.ColorMode,
		Format:    format,
	}
	d.pctx.Location = ""
	d.pctx.ImagesReceived = 0
	d.pctx.FailedOp = proto.OpNone
	d.pctx.FailedHTTPStatus = 0
	d.pctx.FailedAttempt = 0
	d.eof = false
	d.readEv.Reset()

	d.setState(StateStarted)
	d.log.Info("scan job started",
		"source", o.Source,
		"colorMode", o.ColorMode,
		"resolution", o.Resolution,
		"format", format,
	)
	d.loop.Call(d.jobRun)
	return nil
}

func (d *Device) jobRun() {
	if d.job.state != StateStarted {
		return
	}
	if d.job.cancel {
		d.jobDone()
		return
	}
	d.schedule(proto.OpScan, 0)
}

// failNext is the operation that ends a job that cannot go on.
func (d *Device) failNext() proto.Op {
	if d.pctx.Location != "" {
		return proto.OpCleanup
	}
	return proto.OpFinish
}

// schedule moves the job to the state of next and runs it after delay.
func (d *Device) schedule(next proto.Op, delay time.Duration) {
	if next == proto.OpFinish {
		d.jobDone()
		return
	}
	d.setState(opStates[next])
	if delay <= 0 {
		d.runOp(next)
		return
	}
	d.job.timer = d.loop.NewTimer(delay, func() {
		d.job.timer = nil
		d.runOp(next)
	})
}

func (d *Device) runOp(op proto.Op) {
	d.job.op = op
	var q *transport.Query
	switch op {
	case proto.OpScan:
		q = d.handler.ScanQuery(&d.pctx)
	case proto.OpLoad:
		q = d.handler.LoadQuery(&d.pctx)
	case proto.OpCheck:
		q = d.handler.StatusQuery(&d.pctx)
	case proto.OpCleanup:
		q = d.handler.CleanupQuery(&d.pctx)
	}

	if q == nil {
		if op == proto.OpCleanup {
			d.jobDone()
			return
		}
		d.setStatus(proto.StatusUnsupported, fmt.Errorf("%s: %w", op, proto.ErrUnsupported))
		d.schedule(d.failNext(), 0)
		return
	}
	d.submit(q, d.opDone)
}

func (d *Device) opDone(q *transport.Query) {
	op := d.job.op
	if op == proto.OpCleanup {
		switch {
		case q.Err() != nil:
			d.log.Warn("job cleanup failed", "err", q.Err())
		case q.Status()/100 != 2:
			d.log.Warn("job cleanup failed", "status", q.Status())
		}
		d.jobDone()
		return
	}

	d.pctx.Query = q
	var res proto.Result
	switch op {
	case proto.OpScan:
		res = d.handler.ScanDecode(&d.pctx)
	case proto.OpLoad:
		res = d.handler.LoadDecode(&d.pctx)
	case proto.OpCheck:
		res = d.handler.StatusDecode(&d.pctx)
	}
	d.pctx.Query = nil

	switch {
	case res.Next == proto.OpCheck:
		if d.pctx.FailedOp == op {
			d.pctx.FailedAttempt++
		} else {
			d.pctx.FailedOp = op
			d.pctx.FailedAttempt = 1
		}
		d.pctx.FailedHTTPStatus = q.Status()
		d.log.Debug("request failed, checking device status",
			"op", op, "status", q.Status(), "attempt", d.pctx.FailedAttempt)
	case op == proto.OpCheck && res.Status == proto.StatusGood:
		d.log.Info("device busy, retrying", "op", res.Next, "attempt", d.pctx.FailedAttempt, "delay", res.Delay)
	case res.Status == proto.StatusGood:
		d.pctx.FailedOp = proto.OpNone
		d.pctx.FailedHTTPStatus = 0
		d.pctx.FailedAttempt = 0
	}

	if res.Status != proto.StatusGood {
		d.log.Info("scan job failed", "op", op, "status", res.Status, "err", res.Err)
		d.setStatus(res.Status, res.Err)
	}
	if res.Location != "" {
		d.pctx.Location = res.Location
	}
	if len(res.Images) > 0 {
		d.job.images = append(d.job.images, res.Images...)
		d.pctx.ImagesReceived += len(res.Images)
		pagesReceived.Add(float64(len(res.Images)))
		d.log.Info("page received", "pages", d.pctx.ImagesReceived)
		d.readEv.Signal()
		d.cond.Broadcast()
	}

	next, delay := res.Next, res.Delay
	if d.job.cancel && next != proto.OpCleanup && next != proto.OpFinish {
		next, delay = d.failNext(), 0
	}
	d.schedule(next, delay)
}

func (d *Device) jobDone() {
	j := &d.job
	if j.state == StateDone {
		return
	}
	j.timer.Cancel()
	j.timer = nil
	d.setState(StateDone)
	jobsTotal.WithLabelValues(j.status.String()).Inc()
	d.log.Info("scan job done",
		"status", j.status.String(),
		"pages", d.pctx.ImagesReceived,
		"duration", time.Since(j.started).Round(time.Millisecond),
	)
	d.readEv.Signal()
}

// cancelJob drives the running job towards Done with status Cancelled.
func (d *Device) cancelJob() {
	j := &d.job
	switch j.state {
	case StateIdle, StateDone:
		return
	case StateCleaningUp:
		d.setStatus(proto.StatusCancelled, nil)
	case StateStarted, StateRequesting:
		j.cancel = true
		d.setStatus(proto.StatusCancelled, nil)
		if j.query == nil && j.timer.Pending() {
			j.timer.Cancel()
			j.timer = nil
			d.schedule(d.failNext(), 0)
		}
	case StateLoading, StateCheckingStatus:
		j.cancel = true
		d.setStatus(proto.StatusCancelled, nil)
		d.client.Cancel(j.query)
		j.query = nil
		j.timer.Cancel()
		j.timer = nil
		d.schedule(d.failNext(), 0)
	}
	d.log.Info("scan job cancel requested", "state", j.state)
	d.readEv.Signal()
	d.cond.Broadcast()
}

// Cancel aborts the running job, discards pages not yet read and waits
// until the job is done. It is a no-op when no job is running.
func (d *Device) Cancel(ctx context.Context) error {
	d.loop.Lock()
	defer d.loop.Unlock()

	if d.closed {
		return ErrClosed
	}
	d.cancelJob()
	d.job.images = nil
	d.job.delivered = 0
	d.page = nil

	for d.job.state.working() {
		if err := d.cond.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// WaitDone blocks until no job is running.
func (d *Device) WaitDone(ctx context.Context) error {
	d.loop.Lock()
	defer d.loop.Unlock()
	for d.job.state.working() {
		if err := d.cond.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}
