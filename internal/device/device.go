// Package device implements scanner sessions: capability probing with
// address fallback, the scan job state machine and the line-oriented read
// pipeline exposed to synchronous callers.
//
// All session state is guarded by the event loop's global lock. Exported
// methods take the lock themselves and must not be called with it held.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mzyy94/airscan/internal/eloop"
	"github.com/mzyy94/airscan/internal/escl"
	"github.com/mzyy94/airscan/internal/proto"
	"github.com/mzyy94/airscan/internal/transport"
	"github.com/mzyy94/airscan/internal/wsd"
)

var (
	// ErrNotFound is returned when opening a device that is not known.
	ErrNotFound = errors.New("device not found")
	// ErrClosed is returned by operations on a closed device.
	ErrClosed = errors.New("device closed")
	// ErrUnreachable is returned when no endpoint of a device answered
	// the capabilities query.
	ErrUnreachable = errors.New("device unreachable on all endpoints")
)

// Info identifies a device and the endpoints it can be reached on, in
// order of preference.
type Info struct {
	Name      string
	Model     string
	UUID      string
	Endpoints []proto.Endpoint
}

// Config holds what a session needs from its environment.
type Config struct {
	Loop   *eloop.Loop
	Client *transport.Client
	Logger *slog.Logger

	// ESCL tunes the eSCL handler.
	ESCL escl.Options
}

func (c Config) handler(p proto.Protocol) proto.Handler {
	if p == proto.ProtocolWSD {
		return wsd.New()
	}
	return escl.New(c.ESCL)
}

// Device is an open scanner session.
type Device struct {
	cfg    Config
	loop   *eloop.Loop
	client *transport.Client
	log    *slog.Logger
	info   Info

	// Endpoint probing
	cursor   int
	probed   bool
	probeErr error

	handler proto.Handler
	pctx    proto.Context
	opts    Options

	// Capability refresh
	refreshing bool
	refreshErr error

	job    job
	page   *page
	eof    bool // the last page opened has been read to the end
	closed bool

	cond   *eloop.Cond  // broadcast on every state change
	readEv *eloop.Event // set while a page is queued or the job is done
}

// Open creates a session for info and probes its endpoints in order until
// one answers the capabilities query.
func Open(ctx context.Context, cfg Config, info Info) (*Device, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	d := &Device{
		cfg:    cfg,
		loop:   cfg.Loop,
		client: cfg.Client,
		log:    cfg.Logger.With("device", info.Name),
		info:   info,
		cond:   cfg.Loop.NewCond(),
		readEv: eloop.NewEvent(),
	}
	d.pctx.Log = d.log

	d.loop.Lock()
	defer d.loop.Unlock()

	d.probe()
	for !d.probed {
		if err := d.cond.Wait(ctx); err != nil {
			d.client.Cancel(d.job.query)
			d.job.query = nil
			return nil, fmt.Errorf("open %s: %w", info.Name, err)
		}
	}
	if d.probeErr != nil {
		return nil, fmt.Errorf("open %s: %w", info.Name, d.probeErr)
	}
	d.log.Info("device opened", "endpoint", d.pctx.BaseURI.String(), "model", d.pctx.Caps.MakeAndModel)
	return d, nil
}

// probe queries capabilities on the endpoint under the cursor.
func (d *Device) probe() {
	for d.cursor < len(d.info.Endpoints) {
		ep := d.info.Endpoints[d.cursor]
		d.handler = d.cfg.handler(ep.Protocol)
		d.pctx.BaseURI = ep.URI

		q := d.handler.DevcapsQuery(&d.pctx)
		if q == nil {
			d.log.Debug("endpoint protocol unsupported", "endpoint", ep.String())
			d.cursor++
			continue
		}
		d.log.Debug("probing endpoint", "endpoint", ep.String())
		d.submit(q, d.probeDone)
		return
	}

	d.probed = true
	d.probeErr = ErrUnreachable
	d.cond.Broadcast()
}

func (d *Device) probeDone(q *transport.Query) {
	d.pctx.Query = q
	caps, err := d.handler.DevcapsDecode(&d.pctx)
	d.pctx.Query = nil
	if err != nil {
		d.log.Warn("capabilities query failed", "endpoint", q.URI().String(), "err", err)
		d.cursor++
		d.probe()
		return
	}

	d.pctx.Caps = caps
	d.opts = defaultOptions(caps)
	d.probed = true
	d.cond.Broadcast()
}

// submit starts q as the session's only request in flight.
func (d *Device) submit(q *transport.Query, done func(*transport.Query)) {
	if d.job.query != nil {
		d.log.Error("request already in flight, dropping new one", "uri", q.URI().String())
		return
	}
	d.job.query = q
	d.client.Submit(q, func(q *transport.Query) {
		if d.job.query == q {
			d.job.query = nil
		}
		done(q)
	})
}

// Info returns the identity the session was opened with.
func (d *Device) Info() Info { return d.info }

// Endpoint returns the endpoint that answered the capabilities query.
func (d *Device) Endpoint() proto.Endpoint {
	d.loop.Lock()
	defer d.loop.Unlock()
	return d.info.Endpoints[d.cursor]
}

// Caps returns the current capability snapshot. The snapshot is never
// modified; RefreshCaps replaces it.
func (d *Device) Caps() *proto.Caps {
	d.loop.Lock()
	defer d.loop.Unlock()
	return d.pctx.Caps
}

// RefreshCaps refetches the capabilities. On failure the previous
// snapshot stays in effect.
func (d *Device) RefreshCaps(ctx context.Context) error {
	d.loop.Lock()
	defer d.loop.Unlock()

	if d.closed {
		return ErrClosed
	}
	if d.job.state.working() || d.refreshing {
		return proto.StatusDeviceBusy
	}
	q := d.handler.DevcapsQuery(&d.pctx)
	if q == nil {
		return proto.ErrUnsupported
	}

	d.refreshing = true
	d.refreshErr = nil
	d.submit(q, func(q *transport.Query) {
		d.pctx.Query = q
		caps, err := d.handler.DevcapsDecode(&d.pctx)
		d.pctx.Query = nil
		if err != nil {
			d.refreshErr = err
		} else {
			d.pctx.Caps = caps
			d.opts = d.clamp(d.opts)
		}
		d.refreshing = false
		d.cond.Broadcast()
	})

	for d.refreshing {
		if err := d.cond.Wait(ctx); err != nil {
			d.client.Cancel(d.job.query)
			d.job.query = nil
			d.refreshing = false
			return err
		}
	}
	if d.refreshErr != nil {
		d.log.Warn("capabilities refresh failed, keeping previous snapshot", "err", d.refreshErr)
		return d.refreshErr
	}
	return nil
}

// Close cancels any running job, waits for it to finish and releases the
// session. Further calls return ErrClosed.
func (d *Device) Close(ctx context.Context) error {
	d.loop.Lock()
	defer d.loop.Unlock()

	if d.closed {
		return ErrClosed
	}
	d.cancelJob()
	var err error
	for d.job.state.working() {
		if err = d.cond.Wait(ctx); err != nil {
			d.client.Cancel(d.job.query)
			d.job.timer.Cancel()
			d.job.query, d.job.timer = nil, nil
			break
		}
	}
	d.closed = true
	d.page = nil
	d.job.images = nil
	d.readEv.Signal()
	d.cond.Broadcast()
	d.log.Info("device closed")
	return err
}
