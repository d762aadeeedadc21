// Package webui serves the JSON control API: discovered devices, saved
// scan settings, save jobs and the metrics endpoint.
package webui

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mzyy94/airscan/internal/config"
	"github.com/mzyy94/airscan/internal/device"
	"github.com/mzyy94/airscan/internal/discovery"
	"github.com/mzyy94/airscan/internal/proto"
	"github.com/mzyy94/airscan/internal/scanner"
)

// Backend is the part of the scanner backend the API needs.
type Backend interface {
	Records(ctx context.Context) []discovery.Record
	Open(ctx context.Context, name string) (*device.Device, error)
}

// SaveFunc runs one save job on an open device.
type SaveFunc func(ctx context.Context, d *device.Device, s config.Settings) (int, string, error)

// Options configures the handler.
type Options struct {
	Backend  Backend
	Settings *config.Store
	Status   *scanner.ScanJobStatus
	Gatherer prometheus.Gatherer // nil disables /metrics

	// Save defaults to scanner.RunSaveJob.
	Save SaveFunc

	// JobTimeout bounds one save job; zero means ten minutes.
	JobTimeout time.Duration
}

type handler struct {
	opts   Options
	jobCtx context.Context // parent of every save job
}

// NewHandler creates an HTTP handler for the API. Save jobs started
// through it are cancelled when ctx is done.
func NewHandler(ctx context.Context, opts Options) http.Handler {
	if opts.Status == nil {
		opts.Status = &scanner.ScanJobStatus{}
	}
	if opts.Settings == nil {
		opts.Settings = config.NewMemoryStore()
	}
	if opts.Save == nil {
		opts.Save = scanner.RunSaveJob
	}
	if opts.JobTimeout == 0 {
		opts.JobTimeout = 10 * time.Minute
	}
	h := &handler{opts: opts, jobCtx: ctx}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/devices", h.handleDevices)
	mux.HandleFunc("GET /api/status", h.handleStatus)
	mux.HandleFunc("GET /api/settings", h.handleGetSettings)
	mux.HandleFunc("PUT /api/settings", h.handlePutSettings)
	mux.HandleFunc("POST /api/scan", h.handleScan)
	if opts.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

type deviceResponse struct {
	Name      string   `json:"name"`
	Model     string   `json:"model,omitempty"`
	UUID      string   `json:"uuid,omitempty"`
	Protocols []string `json:"protocols"`
	Endpoints []string `json:"endpoints"`
}

func (h *handler) handleDevices(w http.ResponseWriter, r *http.Request) {
	records := h.opts.Backend.Records(r.Context())
	resp := make([]deviceResponse, 0, len(records))
	for _, rec := range records {
		d := deviceResponse{
			Name:      rec.Name,
			Model:     rec.Model,
			UUID:      rec.UUID,
			Protocols: []string{},
			Endpoints: []string{},
		}
		for p := range proto.NumProtocols {
			if rec.Protocols.Has(p) {
				d.Protocols = append(d.Protocols, p.String())
			}
		}
		for _, ep := range rec.Endpoints {
			d.Endpoints = append(d.Endpoints, ep.String())
		}
		resp = append(resp, d)
	}
	writeJSON(w, http.StatusOK, resp)
}

type statusResponse struct {
	Job       scanner.ScanJobStatus `json:"job"`
	UpdatedAt string                `json:"updatedAt"`
}

func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Job:       h.opts.Status.Snapshot(),
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
	})
}

// --- Settings API ---

func (h *handler) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.opts.Settings.Get())
}

func (h *handler) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var s config.Settings
	if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	s, err := h.opts.Settings.Update(s)
	if errors.Is(err, config.ErrInvalidSettings) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		slog.Warn("settings save failed", "err", err)
		http.Error(w, "failed to save settings", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// --- Save jobs ---

func (h *handler) handleScan(w http.ResponseWriter, r *http.Request) {
	s := h.opts.Settings.Get()
	if !h.opts.Status.TryStart(s.Device) {
		http.Error(w, "scan already in progress", http.StatusConflict)
		return
	}
	go h.runJob(s)
	writeJSON(w, http.StatusAccepted, h.opts.Status.Snapshot())
}

func (h *handler) runJob(s config.Settings) {
	ctx, cancel := context.WithTimeout(h.jobCtx, h.opts.JobTimeout)
	defer cancel()

	d, err := h.opts.Backend.Open(ctx, s.Device)
	if err != nil {
		slog.Warn("save job: open failed", "device", s.Device, "err", err)
		h.opts.Status.SetResult(err, 0, "")
		return
	}
	pages, path, err := h.opts.Save(ctx, d, s)
	if cerr := d.Close(context.WithoutCancel(ctx)); cerr != nil && !errors.Is(cerr, context.Canceled) {
		slog.Debug("save job: close failed", "err", cerr)
	}
	if err != nil {
		slog.Warn("save job failed", "device", d.Info().Name, "err", err)
	}
	h.opts.Status.SetResult(err, pages, path)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
