package device

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mzyy94/airscan/internal/discovery"
	"github.com/mzyy94/airscan/internal/proto"
)

func TestTable(t *testing.T) {
	_, srv := newFakeESCL(t)
	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()

	cfg := testConfig(t)
	tbl := NewTable(cfg)
	ctx := testContext(t)

	office := discovery.Record{Name: "Office", Model: "Test MFP", Endpoints: []proto.Endpoint{endpoint(t, srv.URL)}}
	lobby := discovery.Record{Name: "Lobby", Endpoints: []proto.Endpoint{endpoint(t, dead.URL)}}
	hint := discovery.Record{Name: "Hint only"}

	cfg.Loop.Lock()
	tbl.DeviceFound(office)
	tbl.DeviceFound(lobby)
	tbl.DeviceFound(hint)
	cfg.Loop.Unlock()

	list := tbl.List()
	if len(list) != 2 || list[0].Name != "Lobby" || list[1].Name != "Office" {
		t.Fatalf("List = %+v, want Lobby, Office", list)
	}

	d, err := tbl.Open(ctx, "Office")
	if err != nil {
		t.Fatalf("Open(Office): %v", err)
	}
	if d.Info().Model != "Test MFP" {
		t.Errorf("Info = %+v", d.Info())
	}

	if _, err := tbl.Open(ctx, "Nowhere"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Open(Nowhere) = %v, want ErrNotFound", err)
	}

	if _, err := tbl.Open(ctx, ""); !errors.Is(err, ErrUnreachable) {
		t.Errorf("Open(\"\") = %v, want ErrUnreachable from Lobby", err)
	}
	if _, ok := tbl.Lookup("Lobby"); ok {
		t.Error("unreachable device still in table")
	}

	cfg.Loop.Lock()
	tbl.DeviceLost(office)
	cfg.Loop.Unlock()
	if list := tbl.List(); len(list) != 0 {
		t.Errorf("List after loss = %+v", list)
	}

	// a session outlives the table entry
	if _, err := d.SetOptions(d.Options()); err != nil {
		t.Errorf("SetOptions on lost device: %v", err)
	}
	if err := d.Close(ctx); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestTable_SameName(t *testing.T) {
	_, srv := newFakeESCL(t)
	cfg := testConfig(t)
	tbl := NewTable(cfg)

	first := discovery.Record{Name: "Scanner", UUID: "2f4e1c1a-0000-4000-8000-000000000001",
		Endpoints: []proto.Endpoint{endpoint(t, srv.URL)}}
	second := discovery.Record{Name: "Scanner", UUID: "2f4e1c1a-0000-4000-8000-000000000002",
		Endpoints: []proto.Endpoint{endpoint(t, srv.URL)}}

	cfg.Loop.Lock()
	tbl.DeviceFound(second)
	tbl.DeviceFound(first)
	cfg.Loop.Unlock()

	list := tbl.List()
	if len(list) != 2 || list[0].UUID != first.UUID || list[1].UUID != second.UUID {
		t.Fatalf("List = %+v, want both devices ordered by UUID", list)
	}
	if info, ok := tbl.Lookup("Scanner"); !ok || info.UUID != first.UUID {
		t.Errorf("Lookup by name = %+v, %v", info, ok)
	}
	if info, ok := tbl.Lookup(second.UUID); !ok || info.UUID != second.UUID {
		t.Errorf("Lookup by UUID = %+v, %v", info, ok)
	}

	cfg.Loop.Lock()
	tbl.DeviceLost(first)
	cfg.Loop.Unlock()
	if info, ok := tbl.Lookup("Scanner"); !ok || info.UUID != second.UUID {
		t.Errorf("after losing the first device Lookup = %+v, %v", info, ok)
	}
}
