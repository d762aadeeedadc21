// Package mdns discovers eSCL scanners with multicast DNS service
// discovery and feeds the findings to a discovery.Aggregator.
package mdns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/grandcat/zeroconf"
	"golang.org/x/sync/errgroup"

	"github.com/mzyy94/airscan/internal/discovery"
	"github.com/mzyy94/airscan/internal/eloop"
)

// Timing defaults.
const (
	InitScanWindow = 2 * time.Second
	RestartDelay   = time.Second
	BrowseRound    = time.Minute
)

var services = []struct {
	service string
	method  discovery.Method
}{
	{"_uscan._tcp", discovery.MethodMDNSUscan},
	{"_uscans._tcp", discovery.MethodMDNSUscans},
	{"_scanner._tcp", discovery.MethodMDNSHint},
}

// Options configures a Browser. Zero durations take the defaults.
type Options struct {
	// InitScanWindow is how long the first browse counts as the initial scan.
	InitScanWindow time.Duration
	// RestartDelay is the pause before restarting a failed browse.
	RestartDelay time.Duration
	// Round is the length of one browse. Services not announced again
	// during the next round are withdrawn.
	Round time.Duration

	Interfaces []net.Interface
	Logger     *slog.Logger
}

// Browser runs DNS-SD browses for the eSCL service types.
type Browser struct {
	loop *eloop.Loop
	agg  *discovery.Aggregator
	opts Options
	log  *slog.Logger

	initDone *eloop.Timer // guarded by the loop lock
	done     chan struct{}

	mu    sync.Mutex
	known *tracker
}

// NewBrowser creates a Browser publishing into agg.
func NewBrowser(loop *eloop.Loop, agg *discovery.Aggregator, opts Options) *Browser {
	if opts.InitScanWindow == 0 {
		opts.InitScanWindow = InitScanWindow
	}
	if opts.RestartDelay == 0 {
		opts.RestartDelay = RestartDelay
	}
	if opts.Round == 0 {
		opts.Round = BrowseRound
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Browser{
		loop:  loop,
		agg:   agg,
		opts:  opts,
		log:   opts.Logger.With("component", "mdns"),
		known: newTracker(),
	}
}

// Start begins the initial scan and browses in the background until ctx
// is cancelled. A failed browse is restarted after RestartDelay.
func (b *Browser) Start(ctx context.Context) {
	b.loop.Lock()
	for _, s := range services {
		b.agg.InitScanStart(s.method)
	}
	b.initDone = b.loop.NewTimer(b.opts.InitScanWindow, b.finishInitScan)
	b.loop.Unlock()

	b.done = make(chan struct{})
	go func() {
		defer close(b.done)
		b.run(ctx)
	}()
}

// Wait blocks until the browser has stopped.
func (b *Browser) Wait() {
	if b.done != nil {
		<-b.done
	}
}

func (b *Browser) finishInitScan() {
	for _, s := range services {
		b.agg.InitScanDone(s.method)
	}
}

func (b *Browser) run(ctx context.Context) {
	bo := backoff.WithContext(backoff.NewConstantBackOff(b.opts.RestartDelay), ctx)
	notify := func(err error, d time.Duration) {
		b.log.Warn("mdns browse failed, restarting", "err", err, "delay", d)
	}
	for ctx.Err() == nil {
		backoff.RetryNotify(func() error { return b.round(ctx) }, bo, notify)
	}

	b.loop.Lock()
	if b.initDone.Pending() {
		b.initDone.Cancel()
		b.finishInitScan()
	}
	b.loop.Unlock()
	b.log.Debug("mdns browser stopped")
}

// round runs one browse of every service type.
func (b *Browser) round(ctx context.Context) error {
	rctx, cancel := context.WithTimeout(ctx, b.opts.Round)
	defer cancel()

	var opts []zeroconf.ClientOption
	if len(b.opts.Interfaces) != 0 {
		opts = append(opts, zeroconf.SelectIfaces(b.opts.Interfaces))
	}

	b.mu.Lock()
	b.known.startRound()
	b.mu.Unlock()

	g, gctx := errgroup.WithContext(rctx)
	for _, s := range services {
		g.Go(func() error {
			r, err := zeroconf.NewResolver(opts...)
			if err != nil {
				return fmt.Errorf("mdns resolver: %w", err)
			}
			entries := make(chan *zeroconf.ServiceEntry)
			if err := r.Browse(gctx, s.service, "local.", entries); err != nil {
				return fmt.Errorf("browse %s: %w", s.service, err)
			}
			for e := range entries {
				b.handle(e, s.method)
			}
			return nil
		})
	}
	err := g.Wait()

	switch {
	case ctx.Err() != nil:
		return backoff.Permanent(ctx.Err())
	case err != nil:
		return err
	case !errors.Is(rctx.Err(), context.DeadlineExceeded):
		return errors.New("browse ended early")
	}

	b.mu.Lock()
	gone := b.known.sweep()
	b.mu.Unlock()
	if len(gone) != 0 {
		b.loop.Call(func() {
			for _, f := range gone {
				b.agg.Withdraw(f)
			}
		})
	}
	return nil
}

func (b *Browser) handle(e *zeroconf.ServiceEntry, m discovery.Method) {
	f, alive := EntryFinding(e, m)

	b.mu.Lock()
	var prev *discovery.Finding
	if alive {
		b.known.see(f)
	} else {
		prev = b.known.remove(f)
	}
	b.mu.Unlock()

	b.loop.Call(func() {
		switch {
		case alive:
			b.agg.Publish(f)
		case prev != nil:
			b.agg.Withdraw(prev)
		}
	})
}

type trackKey struct {
	method discovery.Method
	name   string
}

// tracker remembers the findings published so far and which of them were
// announced during the current round.
type tracker struct {
	findings map[trackKey]*discovery.Finding
	seen     map[trackKey]bool
}

func newTracker() *tracker {
	return &tracker{
		findings: make(map[trackKey]*discovery.Finding),
		seen:     make(map[trackKey]bool),
	}
}

func (t *tracker) startRound() { clear(t.seen) }

func (t *tracker) see(f *discovery.Finding) {
	k := trackKey{f.Method, f.Name}
	t.findings[k] = f
	t.seen[k] = true
}

func (t *tracker) remove(f *discovery.Finding) *discovery.Finding {
	k := trackKey{f.Method, f.Name}
	prev := t.findings[k]
	delete(t.findings, k)
	delete(t.seen, k)
	return prev
}

// sweep forgets and returns the findings not seen during the round.
func (t *tracker) sweep() []*discovery.Finding {
	var gone []*discovery.Finding
	for k, f := range t.findings {
		if !t.seen[k] {
			gone = append(gone, f)
			delete(t.findings, k)
		}
	}
	return gone
}
