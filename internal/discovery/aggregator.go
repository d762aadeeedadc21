// Package discovery merges device findings from asynchronous discovery
// sources into one record per device and publishes them to listeners.
//
// Aggregator methods other than New, AddListener and WaitInitScan must be
// called on the event loop or with its global lock held.
package discovery

import (
	"cmp"
	"context"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/mzyy94/airscan/internal/eloop"
	"github.com/mzyy94/airscan/internal/proto"
)

// Timing defaults.
const (
	PublishDelay    = time.Second
	InitScanTimeout = 5 * time.Second
)

// Listener receives device table changes. Callbacks run with the global
// lock held.
type Listener interface {
	DeviceFound(Record)
	DeviceUpdated(Record)
	DeviceLost(Record)
}

// Options configures an Aggregator.
type Options struct {
	// PublishDelay holds back a device first seen through multicast DNS,
	// so that all its addresses resolve before it is published.
	PublishDelay time.Duration
	Logger       *slog.Logger
}

type findingKey struct {
	method  Method
	ifindex int
	name    string
}

type record struct {
	key       string
	findings  map[findingKey]*Finding
	order     []findingKey // arrival order
	published bool
	last      Record
	timer     *eloop.Timer
}

// Aggregator is the discovery record table.
type Aggregator struct {
	loop  *eloop.Loop
	log   *slog.Logger
	delay time.Duration

	records   map[string]*record
	listeners []Listener

	initScan [NumMethods]int
	initCond *eloop.Cond
}

// New creates an Aggregator.
func New(loop *eloop.Loop, opts Options) *Aggregator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Aggregator{
		loop:     loop,
		log:      opts.Logger.With("component", "discovery"),
		delay:    opts.PublishDelay,
		records:  make(map[string]*record),
		initCond: loop.NewCond(),
	}
}

// AddListener registers l. Devices already published are not replayed.
func (a *Aggregator) AddListener(l Listener) {
	a.loop.Lock()
	defer a.loop.Unlock()
	a.listeners = append(a.listeners, l)
}

// Publish adds or replaces a finding.
func (a *Aggregator) Publish(f *Finding) {
	k := f.key()
	r := a.records[k]
	if r == nil {
		r = &record{key: k, findings: make(map[findingKey]*Finding)}
		a.records[k] = r
		a.log.Debug("device found", "name", f.Name, "uuid", k, "method", f.Method)
	}

	fk := findingKey{f.Method, f.IfIndex, f.Name}
	if _, ok := r.findings[fk]; !ok {
		r.order = append(r.order, fk)
	}
	r.findings[fk] = f

	switch {
	case r.published:
		a.update(r)
	case r.timer.Pending():
		// published when the delay elapses
	case f.Method.IsMDNS() && a.delay > 0:
		r.timer = a.loop.NewTimer(a.delay, func() {
			r.timer = nil
			a.update(r)
			a.initCond.Broadcast()
		})
	default:
		a.update(r)
	}
}

// Withdraw removes a finding previously published. When the last finding
// of a device goes, the device is lost.
func (a *Aggregator) Withdraw(f *Finding) {
	k := f.key()
	r := a.records[k]
	if r == nil {
		return
	}
	fk := findingKey{f.Method, f.IfIndex, f.Name}
	if _, ok := r.findings[fk]; !ok {
		return
	}
	delete(r.findings, fk)
	r.order = slices.DeleteFunc(r.order, func(x findingKey) bool { return x == fk })

	if len(r.findings) == 0 {
		r.timer.Cancel()
		r.timer = nil
		delete(a.records, k)
		if r.published {
			a.log.Info("device lost", "name", r.last.Name, "uuid", k)
			for _, l := range a.listeners {
				l.DeviceLost(r.last)
			}
		}
		a.initCond.Broadcast()
		return
	}
	if !r.timer.Pending() {
		a.update(r)
	}
}

// merge computes the published view of r.
func (r *record) merge() Record {
	fs := make([]*Finding, 0, len(r.order))
	for _, k := range r.order {
		fs = append(fs, r.findings[k])
	}

	out := Record{UUID: r.key}
	for _, f := range fs {
		if out.Name == "" {
			out.Name = f.Name
		}
		if out.Model == "" {
			out.Model = f.Model
		}
		if f.Method == MethodMDNSHint {
			continue
		}
		for _, ep := range f.Endpoints {
			out.Protocols.Add(ep.Protocol)
		}
	}
	out.Endpoints = mergeEndpoints(fs)
	return out
}

// update publishes, updates or unpublishes r according to its findings.
func (a *Aggregator) update(r *record) {
	rec := r.merge()
	switch {
	case len(rec.Endpoints) == 0:
		if r.published {
			r.published = false
			a.log.Info("device lost", "name", r.last.Name, "uuid", r.key)
			for _, l := range a.listeners {
				l.DeviceLost(r.last)
			}
		}
	case !r.published:
		r.published = true
		a.log.Info("device published", "name", rec.Name, "uuid", rec.UUID,
			"protocols", rec.Protocols.String(), "endpoints", len(rec.Endpoints))
		for _, l := range a.listeners {
			l.DeviceFound(rec)
		}
	case !equalRecords(r.last, rec):
		a.log.Debug("device updated", "name", rec.Name, "uuid", rec.UUID, "endpoints", len(rec.Endpoints))
		for _, l := range a.listeners {
			l.DeviceUpdated(rec)
		}
	}
	r.last = rec
}

func equalRecords(a, b Record) bool {
	if a.UUID != b.UUID || a.Name != b.Name || a.Model != b.Model || a.Protocols != b.Protocols {
		return false
	}
	return slices.EqualFunc(a.Endpoints, b.Endpoints, func(x, y proto.Endpoint) bool {
		return x.Protocol == y.Protocol && x.URI.String() == y.URI.String()
	})
}

// Records returns the published devices sorted by name.
func (a *Aggregator) Records() []Record {
	var out []Record
	for _, k := range slices.Sorted(maps.Keys(a.records)) {
		if r := a.records[k]; r.published {
			out = append(out, r.last)
		}
	}
	slices.SortStableFunc(out, func(x, y Record) int { return cmp.Compare(x.Name, y.Name) })
	return out
}

// InitScanStart notes that m started its initial scan.
func (a *Aggregator) InitScanStart(m Method) {
	a.initScan[m]++
}

// InitScanDone notes that m finished its initial scan.
func (a *Aggregator) InitScanDone(m Method) {
	if a.initScan[m] > 0 {
		a.initScan[m]--
		a.log.Debug("initial scan done", "method", m)
	}
	a.initCond.Broadcast()
}

// initScanPending reports whether any method is still in its initial
// scan or any device is waiting out its publish delay.
func (a *Aggregator) initScanPending() bool {
	for _, n := range a.initScan {
		if n > 0 {
			return true
		}
	}
	for _, r := range a.records {
		if r.timer.Pending() {
			return true
		}
	}
	return false
}

// WaitInitScan blocks until every method finished its initial scan and no
// device is held back by its publish delay, or until timeout elapses.
// It reports whether the initial scan completed.
func (a *Aggregator) WaitInitScan(ctx context.Context, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	a.loop.Lock()
	defer a.loop.Unlock()
	for a.initScanPending() {
		if a.initCond.Wait(ctx) != nil {
			a.log.Warn("initial device scan timed out", "timeout", timeout)
			return false
		}
	}
	return true
}
