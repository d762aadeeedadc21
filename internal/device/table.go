package device

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"

	"github.com/mzyy94/airscan/internal/discovery"
	"github.com/mzyy94/airscan/internal/eloop"
)

// Table is the set of devices available for opening, fed by a
// discovery.Aggregator. Open sessions are not owned by the table: a
// device lost from discovery stays usable by whoever holds it open.
type Table struct {
	cfg     Config
	loop    *eloop.Loop
	log     *slog.Logger
	devices map[string]Info // by device key
}

// NewTable creates an empty Table whose sessions are opened with cfg.
func NewTable(cfg Config) *Table {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Table{
		cfg:     cfg,
		loop:    cfg.Loop,
		log:     cfg.Logger.With("component", "devices"),
		devices: make(map[string]Info),
	}
}

// deviceKey identifies a device the way the aggregator does. Names are
// not unique: two scanners may announce the same one.
func deviceKey(uuid, name string) string {
	if uuid != "" {
		return uuid
	}
	return "name:" + name
}

func recordInfo(r discovery.Record) Info {
	return Info{
		Name:      r.Name,
		Model:     r.Model,
		UUID:      r.UUID,
		Endpoints: slices.Clone(r.Endpoints),
	}
}

// DeviceFound implements discovery.Listener.
func (t *Table) DeviceFound(r discovery.Record) {
	if len(r.Endpoints) == 0 {
		// hint only, nothing to talk to yet
		return
	}
	t.devices[deviceKey(r.UUID, r.Name)] = recordInfo(r)
	devicesKnown.Set(float64(len(t.devices)))
	t.log.Debug("device added", "name", r.Name, "uuid", r.UUID, "endpoints", len(r.Endpoints))
}

// DeviceUpdated implements discovery.Listener.
func (t *Table) DeviceUpdated(r discovery.Record) {
	if len(r.Endpoints) == 0 {
		t.remove(deviceKey(r.UUID, r.Name))
		return
	}
	t.DeviceFound(r)
}

// DeviceLost implements discovery.Listener.
func (t *Table) DeviceLost(r discovery.Record) {
	t.remove(deviceKey(r.UUID, r.Name))
}

func (t *Table) remove(key string) {
	info, ok := t.devices[key]
	if !ok {
		return
	}
	delete(t.devices, key)
	devicesKnown.Set(float64(len(t.devices)))
	t.log.Debug("device removed", "name", info.Name, "uuid", info.UUID)
}

// List returns the known devices sorted by name, then UUID.
func (t *Table) List() []Info {
	t.loop.Lock()
	defer t.loop.Unlock()

	list := make([]Info, 0, len(t.devices))
	for _, info := range t.devices {
		list = append(list, info)
	}
	slices.SortFunc(list, func(a, b Info) int {
		return cmp.Or(strings.Compare(a.Name, b.Name), strings.Compare(a.UUID, b.UUID))
	})
	return list
}

// Lookup returns the device with the given UUID or, failing that, the
// first device in List order called name.
func (t *Table) Lookup(name string) (Info, bool) {
	if info, ok := t.lookupUUID(name); ok {
		return info, true
	}
	for _, info := range t.List() {
		if info.Name == name {
			return info, true
		}
	}
	return Info{}, false
}

func (t *Table) lookupUUID(uuid string) (Info, bool) {
	t.loop.Lock()
	defer t.loop.Unlock()
	info, ok := t.devices[uuid]
	return info, ok
}

// Open opens a session on the device named (or with the UUID) name. An
// empty name opens the first device in List order. A device whose endpoints all fail to answer
// is dropped from the table until discovery reports it again.
func (t *Table) Open(ctx context.Context, name string) (*Device, error) {
	var (
		info Info
		ok   bool
	)
	if name == "" {
		if list := t.List(); len(list) != 0 {
			info, ok = list[0], true
		}
	} else {
		info, ok = t.Lookup(name)
	}
	if !ok {
		return nil, ErrNotFound
	}

	d, err := Open(ctx, t.cfg, info)
	if errors.Is(err, ErrUnreachable) {
		t.loop.Lock()
		t.remove(deviceKey(info.UUID, info.Name))
		t.loop.Unlock()
	}
	return d, err
}
