// Package scanner is the synchronous face of the backend: it wires
// discovery, the device table and device sessions together, and turns
// sessions into scanned pages, PDF files and eSCL documents.
package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mzyy94/airscan/internal/config"
	"github.com/mzyy94/airscan/internal/device"
	"github.com/mzyy94/airscan/internal/discovery"
	"github.com/mzyy94/airscan/internal/eloop"
	"github.com/mzyy94/airscan/internal/escl"
	"github.com/mzyy94/airscan/internal/mdns"
	"github.com/mzyy94/airscan/internal/transport"
)

// Backend owns the event loop and everything running on it.
type Backend struct {
	conf *config.File
	log  *slog.Logger

	loop    *eloop.Loop
	client  *transport.Client
	agg     *discovery.Aggregator
	table   *device.Table
	browser *mdns.Browser

	initTimeout time.Duration
	cancel      context.CancelFunc
}

// NewBackend builds a backend from the configuration file. Nothing runs
// until Start.
func NewBackend(conf *config.File, logger *slog.Logger) *Backend {
	if conf == nil {
		conf = &config.File{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	publishDelay := conf.Discovery.PublishDelay
	if publishDelay == 0 {
		publishDelay = discovery.PublishDelay
	}
	initTimeout := conf.Discovery.InitTimeout
	if initTimeout == 0 {
		initTimeout = discovery.InitScanTimeout
	}

	loop := eloop.New()
	client := transport.NewClient(loop, transport.Options{Timeout: conf.HTTP.Timeout, Logger: logger})
	b := &Backend{
		conf:        conf,
		log:         logger,
		loop:        loop,
		client:      client,
		agg:         discovery.New(loop, discovery.Options{PublishDelay: publishDelay, Logger: logger}),
		initTimeout: initTimeout,
	}
	b.table = device.NewTable(device.Config{
		Loop:   loop,
		Client: client,
		Logger: logger,
		ESCL: escl.Options{
			RetryPause:    conf.Protocol.RetryPause,
			NextLoadDelay: conf.Protocol.NextLoadDelay,
		},
	})
	b.agg.AddListener(b.table)
	if conf.Discovery.MDNSEnabled() {
		b.browser = mdns.NewBrowser(loop, b.agg, mdns.Options{Logger: logger})
	}
	return b
}

// RegisterMetrics registers the backend collectors with reg.
func RegisterMetrics(reg prometheus.Registerer) error {
	var result *multierror.Error
	if err := transport.RegisterMetrics(reg); err != nil {
		result = multierror.Append(result, fmt.Errorf("transport metrics: %w", err))
	}
	if err := device.RegisterMetrics(reg); err != nil {
		result = multierror.Append(result, fmt.Errorf("device metrics: %w", err))
	}
	return result.ErrorOrNil()
}

// Start launches the event loop, publishes the configured devices and
// starts multicast DNS discovery.
func (b *Backend) Start(ctx context.Context) error {
	ctx, b.cancel = context.WithCancel(ctx)
	b.loop.Start()

	b.loop.Lock()
	for _, d := range b.conf.Devices {
		ep, err := d.Endpoint()
		if err != nil {
			b.loop.Unlock()
			return err
		}
		b.agg.Publish(discovery.StaticFinding(d.Name, ep.Protocol, ep.URI))
	}
	b.loop.Unlock()

	if b.browser != nil {
		b.browser.Start(ctx)
	}
	b.log.Info("backend started", "static", len(b.conf.Devices), "mdns", b.browser != nil)
	return nil
}

// Devices waits for the initial discovery to settle and lists the known
// devices.
func (b *Backend) Devices(ctx context.Context) []device.Info {
	b.agg.WaitInitScan(ctx, b.initTimeout)
	return b.table.List()
}

// Records returns the merged discovery records of every published
// device. A hint-only finding is not listed until some method reports an
// endpoint for it.
func (b *Backend) Records(ctx context.Context) []discovery.Record {
	b.agg.WaitInitScan(ctx, b.initTimeout)
	b.loop.Lock()
	defer b.loop.Unlock()
	return b.agg.Records()
}

// Open opens a session on the named device, or on the first one when
// name is empty. Unknown devices are looked up again once the initial
// discovery has settled.
func (b *Backend) Open(ctx context.Context, name string) (*device.Device, error) {
	if name != "" {
		if _, ok := b.table.Lookup(name); ok {
			return b.table.Open(ctx, name)
		}
	}
	b.agg.WaitInitScan(ctx, b.initTimeout)
	return b.table.Open(ctx, name)
}

// Close stops discovery and the event loop. Sessions still open must be
// closed first.
func (b *Backend) Close() error {
	var result *multierror.Error
	if b.cancel != nil {
		b.cancel()
	}
	if b.browser != nil {
		b.browser.Wait()
	}

	b.loop.Lock()
	if n := b.client.Pending(); n != 0 {
		result = multierror.Append(result, fmt.Errorf("%d requests still pending at shutdown", n))
		b.client.CancelAll()
	}
	b.loop.Unlock()

	b.loop.Stop()
	b.log.Info("backend stopped")
	return result.ErrorOrNil()
}
