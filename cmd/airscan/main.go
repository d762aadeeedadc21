package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/OpenPrinting/go-mfp/proto/escl"
	"github.com/OpenPrinting/go-mfp/transport"
	"github.com/OpenPrinting/go-mfp/util/optional"
	"github.com/grandcat/zeroconf"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/mzyy94/airscan/internal/config"
	"github.com/mzyy94/airscan/internal/proto"
	"github.com/mzyy94/airscan/internal/scanner"
	"github.com/mzyy94/airscan/internal/webui"
)

const usage = `usage: airscan <command>

commands:
  discover   list scanners found on the network and in the config file
  scan       scan one batch with the saved settings
  serve      re-export a scanner over eSCL and serve the control API

environment:
  AIRSCAN_LOG_LEVEL    debug, info, warn or error (default info)
  AIRSCAN_CONFIG       YAML configuration file
  AIRSCAN_DATA_DIR     directory for settings.json (default: in memory)
  AIRSCAN_DEVICE       device name (default: first device found)
  AIRSCAN_OUTPUT       scan output directory, overrides the saved setting
  AIRSCAN_LISTEN_PORT  serve port (default 8080)
`

func main() {
	logLevel := parseLogLevel(envStr("AIRSCAN_LOG_LEVEL", "info"))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	cmd := os.Args[1]
	if cmd != "discover" && cmd != "scan" && cmd != "serve" {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	conf, err := config.Load(os.Getenv("AIRSCAN_CONFIG"))
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	settings, err := openSettings(os.Getenv("AIRSCAN_DATA_DIR"))
	if err != nil {
		slog.Error("failed to open settings", "err", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	backend := scanner.NewBackend(conf, slog.Default())
	if err := backend.Start(ctx); err != nil {
		slog.Error("backend start failed", "err", err)
		os.Exit(1)
	}

	switch cmd {
	case "discover":
		err = runDiscover(ctx, backend)
	case "scan":
		err = runScan(ctx, backend, settings)
	case "serve":
		err = runServe(ctx, backend, settings)
	}

	if cerr := backend.Close(); cerr != nil {
		slog.Warn("backend close", "err", cerr)
	}
	if err != nil {
		slog.Error(cmd+" failed", "err", err)
		os.Exit(1)
	}
}

func openSettings(dataDir string) (*config.Store, error) {
	if dataDir == "" {
		return config.NewMemoryStore(), nil
	}
	return config.NewStore(dataDir)
}

func runDiscover(ctx context.Context, b *scanner.Backend) error {
	records := b.Records(ctx)
	if len(records) == 0 {
		fmt.Println("no scanners found")
		return nil
	}
	for _, r := range records {
		model := r.Model
		if model == "" {
			model = "-"
		}
		fmt.Printf("%s\t%s\t%s\t%s\n", r.Name, model, r.Protocols, r.UUID)
		for _, ep := range r.Endpoints {
			fmt.Printf("\t%s\n", ep)
		}
	}
	return nil
}

func runScan(ctx context.Context, b *scanner.Backend, settings *config.Store) error {
	s := settings.Get()
	if name := os.Getenv("AIRSCAN_DEVICE"); name != "" {
		s.Device = name
	}
	if out := os.Getenv("AIRSCAN_OUTPUT"); out != "" {
		s.SavePath = out
	}

	d, err := b.Open(ctx, s.Device)
	if err != nil {
		return err
	}
	defer d.Close(context.WithoutCancel(ctx))

	pages, path, err := scanner.RunSaveJob(ctx, d, s)
	if err != nil {
		return err
	}
	fmt.Printf("%d page(s) saved to %s\n", pages, path)
	return nil
}

func runServe(ctx context.Context, b *scanner.Backend, settings *config.Store) error {
	listenPort := envInt("AIRSCAN_LISTEN_PORT", 8080)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := scanner.RegisterMetrics(reg); err != nil {
		return err
	}

	name := envStr("AIRSCAN_DEVICE", settings.Get().Device)
	d, err := b.Open(ctx, name)
	if err != nil {
		return err
	}
	adapter := scanner.NewESCLAdapter(d)
	defer adapter.Close()

	// BasePath="" so it handles paths directly
	esclServer := escl.NewAbstractServer(escl.AbstractServerOptions{
		Scanner:  adapter,
		BasePath: "",
		Hooks: escl.ServerHooks{
			OnScannerStatusResponse: func(_ *transport.ServerQuery, status *escl.ScannerStatus) *escl.ScannerStatus {
				hasPaper, err := adapter.CheckADFStatus()
				if err != nil {
					slog.Debug("ADF status check failed", "err", err)
					return nil
				}
				if hasPaper {
					status.ADFState = optional.New(escl.ScannerAdfLoaded)
				} else {
					status.ADFState = optional.New(escl.ScannerAdfEmpty)
				}
				return status
			},
		},
	})

	api := webui.NewHandler(ctx, webui.Options{
		Backend:  b,
		Settings: settings,
		Status:   &scanner.ScanJobStatus{},
		Gatherer: reg,
	})

	mux := http.NewServeMux()
	mux.Handle("/api/", api)
	mux.Handle("/metrics", api)
	// Serve at /eSCL/ for clients using the rs TXT record (sane-airscan, macOS)
	mux.Handle("/eSCL/", http.StripPrefix("/eSCL", esclServer))
	// Also serve at root for clients that ignore rs (sane-escl)
	mux.Handle("/", esclServer)

	addr := fmt.Sprintf(":%d", listenPort)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: logMiddleware(mux),
	}

	info := d.Info()
	instance := "AirScan " + info.Name
	mdnsServer, err := zeroconf.Register(
		instance,
		"_uscan._tcp",
		"local.",
		listenPort,
		txtRecords(adapter, d.Caps()),
		nil,
	)
	if err != nil {
		return fmt.Errorf("mDNS registration: %w", err)
	}
	defer mdnsServer.Shutdown()
	slog.Info("mDNS registered", "name", instance, "service", "_uscan._tcp")

	errc := make(chan error, 1)
	go func() {
		host := localIP(d.Endpoint().URI.Hostname())
		slog.Info("eSCL server starting", "addr", addr, "device", info.Name,
			"url", fmt.Sprintf("http://%s/eSCL", net.JoinHostPort(host, strconv.Itoa(listenPort))))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		return fmt.Errorf("HTTP server: %w", err)
	}
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown error", "err", err)
	}
	slog.Info("shutdown complete")
	return nil
}

// txtRecords describes the re-exported scanner for eSCL clients.
func txtRecords(adapter *scanner.ESCLAdapter, caps *proto.Caps) []string {
	ac := adapter.Capabilities()

	var cs []string
	var modes proto.ColorModeSet
	var sources []string
	for src := range proto.NumSources {
		sc := caps.Source(src)
		if sc == nil {
			continue
		}
		for _, m := range sc.ColorModes.Modes() {
			modes.Add(m)
		}
	}
	if modes.Has(proto.ColorModeRGB) {
		cs = append(cs, "color")
	}
	if modes.Has(proto.ColorModeGray) {
		cs = append(cs, "grayscale")
	}
	if modes.Has(proto.ColorModeBW1) {
		cs = append(cs, "binary")
	}
	if caps.Source(proto.SourcePlaten) != nil {
		sources = append(sources, "platen")
	}
	if caps.Source(proto.SourceADFSimplex) != nil || caps.Source(proto.SourceADFDuplex) != nil {
		sources = append(sources, "adf")
	}
	duplex := "F"
	if caps.Source(proto.SourceADFDuplex) != nil {
		duplex = "T"
	}

	return []string{
		"txtvers=1",
		"ty=" + ac.MakeAndModel,
		"uuid=" + ac.UUID.String(),
		"pdl=" + strings.Join(ac.DocumentFormats, ","),
		"cs=" + strings.Join(cs, ","),
		"is=" + strings.Join(sources, ","),
		"duplex=" + duplex,
		"rs=eSCL",
	}
}

// localIP returns the local address used to reach target.
func localIP(target string) string {
	if target == "" {
		target = "224.0.0.1"
	}
	conn, err := net.Dial("udp", net.JoinHostPort(target, "80"))
	if err != nil {
		return "0.0.0.0"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// responseRecorder captures the status code for logging.
type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &responseRecorder{ResponseWriter: w, status: 200}
		start := time.Now()
		next.ServeHTTP(rec, r)
		slog.Debug("http",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"remote", r.RemoteAddr,
			"duration", time.Since(start).Round(time.Millisecond),
		)
	})
}
