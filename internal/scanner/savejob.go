package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mzyy94/airscan/internal/config"
	"github.com/mzyy94/airscan/internal/device"
	"github.com/mzyy94/airscan/internal/proto"
)

// ScanJobStatus tracks the state of a save job.
type ScanJobStatus struct {
	mu        sync.RWMutex
	Scanning  bool   `json:"scanning"`
	Device    string `json:"device,omitempty"`
	LastError string `json:"lastError,omitempty"`
	LastScan  string `json:"lastScan,omitempty"` // RFC3339
	Pages     int    `json:"pages"`
	FilePath  string `json:"filePath,omitempty"`
}

// Snapshot returns a copy of the current status.
func (s *ScanJobStatus) Snapshot() ScanJobStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ScanJobStatus{
		Scanning:  s.Scanning,
		Device:    s.Device,
		LastError: s.LastError,
		LastScan:  s.LastScan,
		Pages:     s.Pages,
		FilePath:  s.FilePath,
	}
}

// TryStart marks a scan on device as in progress. It returns false if one
// is already running.
func (s *ScanJobStatus) TryStart(device string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Scanning {
		return false
	}
	s.Scanning = true
	s.Device = device
	s.LastError = ""
	return true
}

// SetResult records the outcome of a completed scan.
func (s *ScanJobStatus) SetResult(err error, pages int, filePath string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Scanning = false
	s.LastScan = time.Now().UTC().Format(time.RFC3339)
	s.Pages = pages
	s.FilePath = filePath
	if err != nil {
		s.LastError = err.Error()
	} else {
		s.LastError = ""
	}
}

// SettingsToOptions converts config.Settings to device options, starting
// from the device's current ones.
func SettingsToOptions(s config.Settings, cur device.Options) device.Options {
	o := cur
	if src, ok := proto.ParseSource(s.Source); ok {
		o.Source = src
	}

	switch s.ColorMode {
	case "color":
		o.ColorMode = proto.ColorModeRGB
	case "grayscale":
		o.ColorMode = proto.ColorModeGray
	case "bw":
		o.ColorMode = proto.ColorModeBW1
	}

	if s.Resolution > 0 {
		o.Resolution = s.Resolution
	}

	// whole area, clamped by the device
	o.TLX, o.TLY = 0, 0
	o.BRX, o.BRY = 1e6, 1e6
	return o
}

// RunSaveJob scans a batch and saves it under s.SavePath, as one PDF or
// one PNG per page depending on s.Format. It returns the number of pages
// and the path written (the PDF file or the directory).
func RunSaveJob(ctx context.Context, d *device.Device, s config.Settings) (int, string, error) {
	savePath := s.SavePath
	if savePath == "" {
		savePath = "."
	}
	if err := os.MkdirAll(savePath, 0755); err != nil {
		return 0, "", fmt.Errorf("create save directory: %w", err)
	}

	opts := SettingsToOptions(s, d.Options())
	slog.Info("scan starting", "device", d.Info().Name, "source", opts.Source, "format", s.Format, "savePath", savePath)
	pages, err := ScanBatch(ctx, d, opts)
	if err != nil {
		return len(pages), "", fmt.Errorf("scan: %w", err)
	}
	if len(pages) == 0 {
		return 0, "", fmt.Errorf("scan returned no pages")
	}

	timestamp := time.Now().Format("20060102_150405")

	switch strings.ToLower(s.Format) {
	case "image/png", "png":
		for i, p := range pages {
			data, err := EncodePNG(p)
			if err != nil {
				return len(pages), "", fmt.Errorf("encode page %d: %w", i+1, err)
			}
			outPath := filepath.Join(savePath, fmt.Sprintf("scan_%s_%03d.png", timestamp, i+1))
			if err := os.WriteFile(outPath, data, 0644); err != nil {
				return len(pages), "", fmt.Errorf("write page %d: %w", i+1, err)
			}
		}
		slog.Info("scan saved as PNG files", "path", savePath, "pages", len(pages))
		return len(pages), savePath, nil

	default:
		outPath := filepath.Join(savePath, fmt.Sprintf("scan_%s.pdf", timestamp))
		if err := WritePDF(pages, outPath); err != nil {
			return len(pages), "", fmt.Errorf("write PDF: %w", err)
		}
		slog.Info("scan saved as PDF", "path", outPath, "pages", len(pages))
		return len(pages), outPath, nil
	}
}
