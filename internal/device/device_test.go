package device

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mzyy94/airscan/internal/eloop"
	"github.com/mzyy94/airscan/internal/escl"
	"github.com/mzyy94/airscan/internal/proto"
	"github.com/mzyy94/airscan/internal/transport"
)

const inputCaps = `
      <scan:MinWidth>16</scan:MinWidth>
      <scan:MaxWidth>2550</scan:MaxWidth>
      <scan:MinHeight>16</scan:MinHeight>
      <scan:MaxHeight>3508</scan:MaxHeight>
      <scan:SettingProfiles>
        <scan:SettingProfile>
          <scan:ColorModes>
            <scan:ColorMode>Grayscale8</scan:ColorMode>
            <scan:ColorMode>RGB24</scan:ColorMode>
          </scan:ColorModes>
          <scan:DocumentFormats>
            <pwg:DocumentFormat>image/png</pwg:DocumentFormat>
          </scan:DocumentFormats>
          <scan:SupportedResolutions>
            <scan:DiscreteResolutions>
              <scan:DiscreteResolution><scan:XResolution>75</scan:XResolution><scan:YResolution>75</scan:YResolution></scan:DiscreteResolution>
              <scan:DiscreteResolution><scan:XResolution>150</scan:XResolution><scan:YResolution>150</scan:YResolution></scan:DiscreteResolution>
              <scan:DiscreteResolution><scan:XResolution>300</scan:XResolution><scan:YResolution>300</scan:YResolution></scan:DiscreteResolution>
            </scan:DiscreteResolutions>
          </scan:SupportedResolutions>
        </scan:SettingProfile>
      </scan:SettingProfiles>`

const testCaps = `<?xml version="1.0" encoding="UTF-8"?>
<scan:ScannerCapabilities xmlns:pwg="http://www.pwg.org/schemas/2010/12/sm" xmlns:scan="http://schemas.hp.com/imaging/escl/2011/05/03">
  <pwg:Version>2.63</pwg:Version>
  <pwg:MakeAndModel>Test MFP</pwg:MakeAndModel>
  <scan:Platen><scan:PlatenInputCaps>` + inputCaps + `
  </scan:PlatenInputCaps></scan:Platen>
  <scan:Adf>
    <scan:AdfSimplexInputCaps>` + inputCaps + `
    </scan:AdfSimplexInputCaps>
    <scan:AdfDuplexInputCaps>` + inputCaps + `
    </scan:AdfDuplexInputCaps>
  </scan:Adf>
</scan:ScannerCapabilities>
`

const jobPath = "/eSCL/ScanJobs/1"

// fakeESCL is a minimal eSCL device. NextDocument hands out the queued
// pages one per request and answers 404 once they run out.
type fakeESCL struct {
	mu        sync.Mutex
	caps      string
	scanCodes []int // POST ScanJobs answers, 201 once exhausted
	loadCodes []int // NextDocument failures served before the pages
	pages     [][]byte
	state     string
	adfState  string
	requests  []string

	scanSeen  chan struct{}
	blockScan chan struct{}
	blockLoad bool
	stop      chan struct{}

	// Guarded by mu. A non-nil channel holds the request until closed.
	blockCaps   chan struct{}
	blockStatus chan struct{}
	blockDelete chan struct{}
	capsSeen    chan struct{}
}

func newFakeESCL(t *testing.T) (*fakeESCL, *httptest.Server) {
	t.Helper()
	f := &fakeESCL{
		caps:     testCaps,
		state:    "Idle",
		scanSeen: make(chan struct{}, 1),
		capsSeen: make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(f.stop) })
	return f, srv
}

func (f *fakeESCL) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	io.Copy(io.Discard, r.Body)
	f.mu.Lock()
	f.requests = append(f.requests, r.Method+" "+r.URL.Path)
	f.mu.Unlock()

	switch r.Method + " " + r.URL.Path {
	case "GET /eSCL/ScannerCapabilities":
		f.mu.Lock()
		caps, block := f.caps, f.blockCaps
		f.mu.Unlock()
		if block != nil {
			f.capsSeen <- struct{}{}
			if !f.hold(r, block) {
				return
			}
		}
		w.Header().Set("Content-Type", "text/xml")
		io.WriteString(w, caps)

	case "POST /eSCL/ScanJobs":
		select {
		case f.scanSeen <- struct{}{}:
		default:
		}
		if f.blockScan != nil {
			select {
			case <-f.blockScan:
			case <-f.stop:
				return
			}
		}
		f.mu.Lock()
		code := http.StatusCreated
		if len(f.scanCodes) != 0 {
			code, f.scanCodes = f.scanCodes[0], f.scanCodes[1:]
		}
		f.mu.Unlock()
		if code == http.StatusCreated {
			w.Header().Set("Location", jobPath)
		}
		w.WriteHeader(code)

	case "GET " + jobPath + "/NextDocument":
		if f.blockLoad {
			select {
			case <-r.Context().Done():
			case <-f.stop:
			}
			return
		}
		f.mu.Lock()
		if len(f.loadCodes) != 0 {
			code := f.loadCodes[0]
			f.loadCodes = f.loadCodes[1:]
			f.mu.Unlock()
			w.WriteHeader(code)
			return
		}
		var page []byte
		if len(f.pages) != 0 {
			page, f.pages = f.pages[0], f.pages[1:]
		}
		f.mu.Unlock()
		if page == nil {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(page)

	case "GET /eSCL/ScannerStatus":
		f.mu.Lock()
		block := f.blockStatus
		f.mu.Unlock()
		if block != nil && !f.hold(r, block) {
			return
		}
		f.mu.Lock()
		doc := `<?xml version="1.0" encoding="UTF-8"?>
<scan:ScannerStatus xmlns:pwg="http://www.pwg.org/schemas/2010/12/sm" xmlns:scan="http://schemas.hp.com/imaging/escl/2011/05/03">
  <pwg:Version>2.63</pwg:Version>
  <pwg:State>` + f.state + `</pwg:State>`
		if f.adfState != "" {
			doc += `<scan:AdfState>` + f.adfState + `</scan:AdfState>`
		}
		f.mu.Unlock()
		w.Header().Set("Content-Type", "text/xml")
		io.WriteString(w, doc+"</scan:ScannerStatus>")

	case "DELETE " + jobPath:
		f.mu.Lock()
		block := f.blockDelete
		f.mu.Unlock()
		if block != nil && !f.hold(r, block) {
			return
		}
		w.WriteHeader(http.StatusOK)

	default:
		http.NotFound(w, r)
	}
}

// hold blocks a request until release is closed. It returns false if the
// client went away or the test ended first.
func (f *fakeESCL) hold(r *http.Request, release chan struct{}) bool {
	select {
	case <-release:
		return true
	case <-r.Context().Done():
	case <-f.stop:
	}
	return false
}

func (f *fakeESCL) count(req string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.requests {
		if r == req {
			n++
		}
	}
	return n
}

func grayPNG(t *testing.T, v uint8) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 40, 40))
	for i := range img.Pix {
		img.Pix[i] = v
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func endpoint(t *testing.T, rawURL string) proto.Endpoint {
	t.Helper()
	u, err := url.Parse(rawURL + "/eSCL/")
	if err != nil {
		t.Fatalf("parse %q: %v", rawURL, err)
	}
	return proto.Endpoint{Protocol: proto.ProtocolESCL, URI: u}
}

func testConfig(t *testing.T) Config {
	t.Helper()
	loop := eloop.New()
	loop.Start()
	t.Cleanup(loop.Stop)
	return Config{
		Loop:   loop,
		Client: transport.NewClient(loop, transport.Options{Timeout: 5 * time.Second}),
		ESCL: escl.Options{
			RetryAttempts: 3,
			RetryPause:    10 * time.Millisecond,
			NextLoadDelay: 10 * time.Millisecond,
		},
	}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func openTest(t *testing.T, srv *httptest.Server, src proto.Source) (*Device, Config) {
	t.Helper()
	return openWith(t, srv, src, testConfig(t))
}

func openWith(t *testing.T, srv *httptest.Server, src proto.Source, cfg Config) (*Device, Config) {
	t.Helper()
	ctx := testContext(t)
	d, err := Open(ctx, cfg, Info{Name: "Test MFP", Endpoints: []proto.Endpoint{endpoint(t, srv.URL)}})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { d.Close(context.Background()) })

	if _, err := d.SetOptions(Options{
		Source:     src,
		ColorMode:  proto.ColorModeGray,
		Resolution: 75,
		BRX:        10,
		BRY:        10,
	}); err != nil {
		t.Fatalf("SetOptions: %v", err)
	}
	return d, cfg
}

// readPage reads the current page to the end.
func readPage(t *testing.T, d *Device) []byte {
	t.Helper()
	ctx := testContext(t)
	var out []byte
	buf := make([]byte, 100)
	for {
		n, err := d.Read(ctx, buf)
		out = append(out, buf[:n]...)
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
	}
}

func TestOpen_Defaults(t *testing.T) {
	_, srv := newFakeESCL(t)
	cfg := testConfig(t)
	d, err := Open(testContext(t), cfg, Info{Name: "Test MFP", Endpoints: []proto.Endpoint{endpoint(t, srv.URL)}})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close(context.Background())

	if got := d.Caps().MakeAndModel; got != "Test MFP" {
		t.Errorf("MakeAndModel = %q", got)
	}
	o := d.Options()
	if o.Source != proto.SourcePlaten || o.ColorMode != proto.ColorModeRGB || o.Resolution != 300 {
		t.Errorf("default options = %+v", o)
	}
	if o.BRX != d.Caps().Source(proto.SourcePlaten).MaxWidthMM() {
		t.Errorf("BRX = %v, want full width", o.BRX)
	}
	if st, _ := d.State(); st != StateIdle {
		t.Errorf("State = %v, want idle", st)
	}
}

func TestOpen_AddressFallback(t *testing.T) {
	_, srv := newFakeESCL(t)
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	wsdEP := endpoint(t, "http://192.0.2.1")
	wsdEP.Protocol = proto.ProtocolWSD

	cfg := testConfig(t)
	good := endpoint(t, srv.URL)
	d, err := Open(testContext(t), cfg, Info{
		Name:      "Test MFP",
		Endpoints: []proto.Endpoint{wsdEP, endpoint(t, deadURL), good},
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close(context.Background())
	if got := d.Endpoint(); got.String() != good.String() {
		t.Errorf("Endpoint = %v, want %v", got, good)
	}
}

func TestOpen_Unreachable(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()
	notESCL := httptest.NewServer(http.NotFoundHandler())
	defer notESCL.Close()

	cfg := testConfig(t)
	_, err := Open(testContext(t), cfg, Info{
		Name:      "Test MFP",
		Endpoints: []proto.Endpoint{endpoint(t, dead.URL), endpoint(t, notESCL.URL)},
	})
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("Open error = %v, want ErrUnreachable", err)
	}
}

func TestScan_Platen(t *testing.T) {
	f, srv := newFakeESCL(t)
	f.pages = [][]byte{grayPNG(t, 0x40)}
	d, cfg := openTest(t, srv, proto.SourcePlaten)
	ctx := testContext(t)

	p := d.Params()
	if p.PixelsPerLine != 30 || p.Lines != 30 || p.BytesPerLine != 30 {
		t.Fatalf("Params = %+v", p)
	}
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	got := readPage(t, d)
	if want := bytes.Repeat([]byte{0x40}, 30*30); !bytes.Equal(got, want) {
		t.Errorf("page = %d bytes, want %d bytes of 0x40", len(got), len(want))
	}
	if err := d.WaitDone(ctx); err != nil {
		t.Fatalf("WaitDone: %v", err)
	}
	if st, status := d.State(); st != StateDone || status != proto.StatusGood {
		t.Errorf("State = %v %v, want done good", st, status)
	}
	if n := f.count("DELETE " + jobPath); n != 1 {
		t.Errorf("job deleted %d times, want 1", n)
	}

	cfg.Loop.Lock()
	maxPending := cfg.Client.MaxPending()
	cfg.Loop.Unlock()
	if maxPending != 1 {
		t.Errorf("MaxPending = %d, want 1", maxPending)
	}
}

func TestScan_ADFBatch(t *testing.T) {
	f, srv := newFakeESCL(t)
	f.pages = [][]byte{grayPNG(t, 0x10), grayPNG(t, 0x20)}
	f.adfState = "ScannerAdfEmpty"
	d, cfg := openTest(t, srv, proto.SourceADFDuplex)
	ctx := testContext(t)

	for i, v := range []byte{0x10, 0x20} {
		if err := d.Start(ctx); err != nil {
			t.Fatalf("Start page %d: %v", i+1, err)
		}
		got := readPage(t, d)
		if len(got) != 900 || got[0] != v || got[899] != v {
			t.Errorf("page %d: %d bytes, first %#x", i+1, len(got), got[0])
		}
	}

	err := d.Start(ctx)
	if !errors.Is(err, proto.StatusNoDocs) {
		t.Fatalf("third Start = %v, want NoDocs", err)
	}
	if st, _ := d.State(); st != StateIdle {
		t.Errorf("State = %v after end of batch, want idle", st)
	}
	if n := f.count("GET " + jobPath + "/NextDocument"); n != 3 {
		t.Errorf("NextDocument requested %d times, want 3", n)
	}
	if n := f.count("DELETE " + jobPath); n != 1 {
		t.Errorf("job deleted %d times, want 1", n)
	}

	cfg.Loop.Lock()
	maxPending := cfg.Client.MaxPending()
	cfg.Loop.Unlock()
	if maxPending > 1 {
		t.Errorf("MaxPending = %d, want at most 1", maxPending)
	}
}

func TestScan_BusyRetry(t *testing.T) {
	tests := []struct {
		name    string
		codes   []int
		wantErr error
		posts   int
	}{
		{"below_budget", []int{503, 503}, nil, 3},
		{"at_budget", []int{503, 503, 503}, proto.StatusDeviceBusy, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, srv := newFakeESCL(t)
			f.scanCodes = tt.codes
			f.pages = [][]byte{grayPNG(t, 0x40)}
			d, _ := openTest(t, srv, proto.SourcePlaten)
			ctx := testContext(t)

			err := d.Start(ctx)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Start: %v", err)
				}
				readPage(t, d)
			} else if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Start = %v, want %v", err, tt.wantErr)
			}
			if n := f.count("POST /eSCL/ScanJobs"); n != tt.posts {
				t.Errorf("ScanJobs posted %d times, want %d", n, tt.posts)
			}
			if n := f.count("GET /eSCL/ScannerStatus"); n != len(tt.codes) {
				t.Errorf("ScannerStatus requested %d times, want %d", n, len(tt.codes))
			}
		})
	}
}

func TestCancel_WhileLoading(t *testing.T) {
	f, srv := newFakeESCL(t)
	f.blockLoad = true
	d, _ := openTest(t, srv, proto.SourceADFSimplex)
	ctx := testContext(t)

	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if st, _ := d.State(); st != StateLoading {
		t.Fatalf("State = %v, want loading", st)
	}
	if err := d.Cancel(ctx); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if st, status := d.State(); st != StateDone || status != proto.StatusCancelled {
		t.Errorf("State = %v %v, want done cancelled", st, status)
	}
	if n := f.count("DELETE " + jobPath); n != 1 {
		t.Errorf("job deleted %d times, want 1", n)
	}
	if _, err := d.Read(ctx, make([]byte, 10)); !errors.Is(err, proto.StatusCancelled) {
		t.Errorf("Read after cancel = %v, want Cancelled", err)
	}
}

func TestCancel_WhileRequesting(t *testing.T) {
	f, srv := newFakeESCL(t)
	f.blockScan = make(chan struct{})
	f.pages = [][]byte{grayPNG(t, 0x40)}
	d, cfg := openTest(t, srv, proto.SourcePlaten)
	ctx := testContext(t)

	startErr := make(chan error, 1)
	go func() { startErr <- d.Start(ctx) }()
	select {
	case <-f.scanSeen:
	case <-ctx.Done():
		t.Fatal("ScanJobs never requested")
	}

	cancelErr := make(chan error, 1)
	go func() { cancelErr <- d.Cancel(ctx) }()
	for {
		cfg.Loop.Lock()
		requested := d.job.cancel
		cfg.Loop.Unlock()
		if requested {
			break
		}
		time.Sleep(time.Millisecond)
	}
	// the request is not interrupted; the job is cleaned up once it returns
	close(f.blockScan)

	if err := <-cancelErr; err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := <-startErr; !errors.Is(err, proto.StatusCancelled) {
		t.Errorf("Start = %v, want Cancelled", err)
	}
	if n := f.count("DELETE " + jobPath); n != 1 {
		t.Errorf("job deleted %d times, want 1", n)
	}
	if n := f.count("GET " + jobPath + "/NextDocument"); n != 0 {
		t.Errorf("NextDocument requested %d times after cancel", n)
	}
}

func TestCancel_AnyState(t *testing.T) {
	hour := func(cfg *Config) { cfg.ESCL.RetryPause = time.Hour }
	tests := []struct {
		name    string
		setup   func(f *fakeESCL, cfg *Config)
		reached func(j *job) bool
		deletes int
		// cleanup is not interrupted by a cancel
		holdsCleanup bool
	}{
		{
			name: "checking_status",
			setup: func(f *fakeESCL, cfg *Config) {
				f.scanCodes = []int{503}
				f.blockStatus = make(chan struct{})
			},
			reached: func(j *job) bool { return j.state == StateCheckingStatus && j.query != nil },
		},
		{
			name: "scan_retry_pending",
			setup: func(f *fakeESCL, cfg *Config) {
				f.scanCodes = []int{503}
				hour(cfg)
			},
			reached: func(j *job) bool { return j.state == StateRequesting && j.query == nil && j.timer.Pending() },
		},
		{
			name: "load_retry_pending",
			setup: func(f *fakeESCL, cfg *Config) {
				f.loadCodes = []int{503}
				hour(cfg)
			},
			reached: func(j *job) bool { return j.state == StateLoading && j.query == nil && j.timer.Pending() },
			deletes: 1,
		},
		{
			name: "cleaning_up",
			setup: func(f *fakeESCL, cfg *Config) {
				f.pages = [][]byte{grayPNG(t, 0x40)}
				f.blockDelete = make(chan struct{})
			},
			reached:      func(j *job) bool { return j.state == StateCleaningUp && j.query != nil },
			deletes:      1,
			holdsCleanup: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, srv := newFakeESCL(t)
			cfg := testConfig(t)
			f.mu.Lock()
			tt.setup(f, &cfg)
			f.mu.Unlock()
			d, _ := openWith(t, srv, proto.SourcePlaten, cfg)
			ctx := testContext(t)

			startErr := make(chan error, 1)
			go func() { startErr <- d.Start(ctx) }()
			waitJob(t, d, tt.reached)

			cancelErr := make(chan error, 1)
			go func() { cancelErr <- d.Cancel(ctx) }()

			if tt.holdsCleanup {
				waitJob(t, d, func(j *job) bool { return j.status == proto.StatusCancelled })
				cfg.Loop.Lock()
				st, inFlight := d.job.state, d.job.query != nil
				cfg.Loop.Unlock()
				if st != StateCleaningUp || !inFlight {
					t.Errorf("after cancel: state %v, cleanup in flight %v", st, inFlight)
				}
				f.mu.Lock()
				close(f.blockDelete)
				f.mu.Unlock()
			}

			if err := <-cancelErr; err != nil {
				t.Fatalf("Cancel: %v", err)
			}
			if err := <-startErr; err != nil && !errors.Is(err, proto.StatusCancelled) {
				t.Errorf("Start = %v, want nil or Cancelled", err)
			}
			if st, status := d.State(); st != StateDone || status != proto.StatusCancelled {
				t.Errorf("State = %v %v, want done cancelled", st, status)
			}
			if n := f.count("POST /eSCL/ScanJobs"); n != 1 {
				t.Errorf("ScanJobs posted %d times, want 1", n)
			}
			if n := f.count("DELETE " + jobPath); n != tt.deletes {
				t.Errorf("job deleted %d times, want %d", n, tt.deletes)
			}
		})
	}
}

func TestCancel_BeforeRequest(t *testing.T) {
	f, srv := newFakeESCL(t)
	d, cfg := openTest(t, srv, proto.SourcePlaten)

	cfg.Loop.Lock()
	if err := d.startJob(); err != nil {
		cfg.Loop.Unlock()
		t.Fatalf("startJob: %v", err)
	}
	if d.job.state != StateStarted {
		t.Errorf("state = %v, want started", d.job.state)
	}
	d.cancelJob()
	cfg.Loop.Unlock()

	if err := d.WaitDone(testContext(t)); err != nil {
		t.Fatalf("WaitDone: %v", err)
	}
	if st, status := d.State(); st != StateDone || status != proto.StatusCancelled {
		t.Errorf("State = %v %v, want done cancelled", st, status)
	}
	if n := f.count("POST /eSCL/ScanJobs"); n != 0 {
		t.Errorf("ScanJobs posted %d times after cancel", n)
	}
}

func TestScan_LoadBusyRetry(t *testing.T) {
	tests := []struct {
		name    string
		budget  int
		wantErr error
	}{
		{"below_budget", 0, nil},
		{"at_budget", 2, proto.StatusDeviceBusy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, srv := newFakeESCL(t)
			f.loadCodes = []int{503, 503}
			f.pages = [][]byte{grayPNG(t, 0x40)}
			cfg := testConfig(t)
			cfg.ESCL.RetryAttemptsLoad = tt.budget
			d, _ := openWith(t, srv, proto.SourcePlaten, cfg)
			ctx := testContext(t)

			if err := d.Start(ctx); err != nil {
				t.Fatalf("Start: %v", err)
			}
			if tt.wantErr == nil {
				if got := readPage(t, d); len(got) != 900 || got[0] != 0x40 {
					t.Errorf("page = %d bytes", len(got))
				}
			} else if _, err := d.Read(ctx, make([]byte, 10)); !errors.Is(err, tt.wantErr) {
				t.Fatalf("Read = %v, want %v", err, tt.wantErr)
			}
			if err := d.WaitDone(ctx); err != nil {
				t.Fatalf("WaitDone: %v", err)
			}

			wantLoads := 3
			if tt.wantErr != nil {
				wantLoads = 2
			}
			if n := f.count("GET " + jobPath + "/NextDocument"); n != wantLoads {
				t.Errorf("NextDocument requested %d times, want %d", n, wantLoads)
			}
			if n := f.count("GET /eSCL/ScannerStatus"); n != 2 {
				t.Errorf("ScannerStatus requested %d times, want 2", n)
			}
			if n := f.count("DELETE " + jobPath); n != 1 {
				t.Errorf("job deleted %d times, want 1", n)
			}
		})
	}
}

func TestRefreshCaps_HoldsOffJobs(t *testing.T) {
	f, srv := newFakeESCL(t)
	f.pages = [][]byte{grayPNG(t, 0x40)}
	d, cfg := openTest(t, srv, proto.SourcePlaten)
	ctx := testContext(t)

	release := make(chan struct{})
	f.mu.Lock()
	f.blockCaps = release
	f.mu.Unlock()

	refreshErr := make(chan error, 1)
	go func() { refreshErr <- d.RefreshCaps(ctx) }()
	select {
	case <-f.capsSeen:
	case <-ctx.Done():
		t.Fatal("capabilities never requested")
	}

	if err := d.Start(ctx); !errors.Is(err, proto.StatusDeviceBusy) {
		t.Errorf("Start during refresh = %v, want DeviceBusy", err)
	}
	if _, err := d.SetOptions(d.Options()); !errors.Is(err, proto.StatusDeviceBusy) {
		t.Errorf("SetOptions during refresh = %v, want DeviceBusy", err)
	}

	f.mu.Lock()
	f.blockCaps = nil
	f.mu.Unlock()
	close(release)
	if err := <-refreshErr; err != nil {
		t.Fatalf("RefreshCaps: %v", err)
	}

	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start after refresh: %v", err)
	}
	readPage(t, d)
	if err := d.WaitDone(ctx); err != nil {
		t.Fatalf("WaitDone: %v", err)
	}
	if n := f.count("POST /eSCL/ScanJobs"); n != 1 {
		t.Errorf("ScanJobs posted %d times, want 1", n)
	}

	cfg.Loop.Lock()
	maxPending := cfg.Client.MaxPending()
	cfg.Loop.Unlock()
	if maxPending != 1 {
		t.Errorf("MaxPending = %d, want 1", maxPending)
	}
}

// waitJob polls the job under the loop lock until cond holds.
func waitJob(t *testing.T, d *Device, cond func(j *job) bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		d.loop.Lock()
		ok := cond(&d.job)
		d.loop.Unlock()
		if ok {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("job never reached the expected state")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestStart_EmptyWindow(t *testing.T) {
	f, srv := newFakeESCL(t)
	d, _ := openTest(t, srv, proto.SourcePlaten)

	o := d.Options()
	o.TLX, o.BRX = 10, 10
	if _, err := d.SetOptions(o); err != nil {
		t.Fatalf("SetOptions: %v", err)
	}
	if err := d.Start(testContext(t)); !errors.Is(err, proto.StatusInval) {
		t.Errorf("Start = %v, want Inval", err)
	}
	if n := f.count("POST /eSCL/ScanJobs"); n != 0 {
		t.Errorf("ScanJobs posted %d times", n)
	}
}

func TestSetOptions_Clamp(t *testing.T) {
	_, srv := newFakeESCL(t)
	d, _ := openTest(t, srv, proto.SourcePlaten)

	got, err := d.SetOptions(Options{
		Source:     proto.SourcePlaten,
		ColorMode:  proto.ColorModeBW1,
		Resolution: 200,
		TLX:        50,
		BRX:        -5,
		BRY:        1000,
	})
	if err != nil {
		t.Fatalf("SetOptions: %v", err)
	}
	if got.ColorMode != proto.ColorModeGray {
		t.Errorf("ColorMode = %v, want first supported", got.ColorMode)
	}
	if got.Resolution != 150 {
		t.Errorf("Resolution = %d, want 150", got.Resolution)
	}
	if got.TLX != 0 || got.BRX != 50 {
		t.Errorf("X span = %v..%v, want 0..50", got.TLX, got.BRX)
	}
	if got.BRY != d.Caps().Source(proto.SourcePlaten).MaxHeightMM() {
		t.Errorf("BRY = %v, want clamped to max height", got.BRY)
	}
}

func TestRefreshCaps_KeepsSnapshotOnError(t *testing.T) {
	f, srv := newFakeESCL(t)
	d, _ := openTest(t, srv, proto.SourcePlaten)
	ctx := testContext(t)

	before := d.Caps()
	if err := d.RefreshCaps(ctx); err != nil {
		t.Fatalf("RefreshCaps: %v", err)
	}
	refreshed := d.Caps()
	if refreshed == before {
		t.Error("successful refresh did not replace the snapshot")
	}

	f.mu.Lock()
	f.caps = "<scan:ScannerCapabilities"
	f.mu.Unlock()
	if err := d.RefreshCaps(ctx); err == nil {
		t.Fatal("RefreshCaps accepted malformed capabilities")
	}
	if d.Caps() != refreshed {
		t.Error("failed refresh replaced the snapshot")
	}
}

func TestClosed(t *testing.T) {
	_, srv := newFakeESCL(t)
	d, _ := openTest(t, srv, proto.SourcePlaten)
	ctx := testContext(t)

	if err := d.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := d.Start(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Start = %v, want ErrClosed", err)
	}
	if _, err := d.Read(ctx, make([]byte, 1)); !errors.Is(err, ErrClosed) {
		t.Errorf("Read = %v, want ErrClosed", err)
	}
	if err := d.Close(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("second Close = %v, want ErrClosed", err)
	}
}

func TestPackBits(t *testing.T) {
	gray := []byte{0x00, 0xff, 0x7f, 0x80, 0x00, 0x00, 0xff, 0xff, 0x10}
	dst := make([]byte, 2)
	packBits(dst, gray)
	if dst[0] != 0b10101100 || dst[1] != 0b10000000 {
		t.Errorf("packBits = %08b %08b", dst[0], dst[1])
	}
}

func TestStateString(t *testing.T) {
	for s := StateIdle; s <= StateDone; s++ {
		if strings.Contains(s.String(), "unknown") {
			t.Errorf("state %d has no name", s)
		}
	}
}
