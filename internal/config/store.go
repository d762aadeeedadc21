package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/mzyy94/airscan/internal/proto"
)

// Settings are the scan defaults used by save jobs.
type Settings struct {
	Device     string `json:"device"`     // empty = first device found
	Source     string `json:"source"`     // "Flatbed", "ADF", "ADF Duplex"
	ColorMode  string `json:"colorMode"`  // "color", "grayscale", "bw"
	Resolution int    `json:"resolution"` // 0 = device default
	Format     string `json:"format"`     // "application/pdf" or "image/png"
	SavePath   string `json:"savePath"`   // directory for scan results
}

// DefaultSettings returns the settings of a fresh installation.
func DefaultSettings() Settings {
	return Settings{
		Source:     proto.SourcePlaten.String(),
		ColorMode:  "color",
		Resolution: 300,
		Format:     "application/pdf",
		SavePath:   ".",
	}
}

// ErrInvalidSettings is wrapped by every settings validation error.
var ErrInvalidSettings = errors.New("invalid settings")

var (
	colorModes = []string{"color", "grayscale", "bw"}
	formats    = map[string]string{
		"application/pdf": "application/pdf",
		"pdf":             "application/pdf",
		"image/png":       "image/png",
		"png":             "image/png",
	}
)

// Normalize checks s and returns it in canonical form: known names in
// their usual spelling and empty fields taken from DefaultSettings. The
// device name may stay empty.
func (s Settings) Normalize() (Settings, error) {
	def := DefaultSettings()
	var result *multierror.Error

	if s.Source == "" {
		s.Source = def.Source
	} else if src, ok := proto.ParseSource(s.Source); ok {
		s.Source = src.String()
	} else {
		result = multierror.Append(result, fmt.Errorf("unknown source %q", s.Source))
	}

	switch mode := strings.ToLower(s.ColorMode); {
	case mode == "":
		s.ColorMode = def.ColorMode
	case slices.Contains(colorModes, mode):
		s.ColorMode = mode
	default:
		result = multierror.Append(result, fmt.Errorf("unknown color mode %q", s.ColorMode))
	}

	if s.Resolution < 0 {
		result = multierror.Append(result, fmt.Errorf("negative resolution %d", s.Resolution))
	}

	if s.Format == "" {
		s.Format = def.Format
	} else if mime, ok := formats[strings.ToLower(s.Format)]; ok {
		s.Format = mime
	} else {
		result = multierror.Append(result, fmt.Errorf("unsupported format %q", s.Format))
	}

	if s.SavePath == "" {
		s.SavePath = def.SavePath
	}

	if err := result.ErrorOrNil(); err != nil {
		return s, fmt.Errorf("%w: %w", ErrInvalidSettings, err)
	}
	return s, nil
}

// settingsFile is the on-disk form of the settings, one JSON document.
type settingsFile string

func (path settingsFile) read() (Settings, error) {
	data, err := os.ReadFile(string(path))
	if err != nil {
		return Settings{}, err
	}
	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return s, nil
}

// write replaces the file through a rename so readers never see a
// partial document.
func (path settingsFile) write(s Settings) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	tmp := string(path) + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, string(path)); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// Store holds the current settings, optionally backed by a file. It is
// safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	settings Settings
	file     settingsFile // empty for a memory-only store
}

// NewStore creates a Store persisted to dataDir/settings.json. A missing
// file starts from DefaultSettings; an unreadable or invalid one is
// logged and replaced by defaults on the next Update.
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, err
	}
	st := &Store{
		settings: DefaultSettings(),
		file:     settingsFile(filepath.Join(dataDir, "settings.json")),
	}

	saved, err := st.file.read()
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		slog.Warn("settings file unreadable, using defaults", "path", st.file, "err", err)
	default:
		if saved, err = saved.Normalize(); err != nil {
			slog.Warn("settings file rejected, using defaults", "path", st.file, "err", err)
		} else {
			st.settings = saved
		}
	}
	return st, nil
}

// NewMemoryStore creates a Store that keeps settings in memory only.
func NewMemoryStore() *Store {
	return &Store{settings: DefaultSettings()}
}

// Get returns a copy of the current settings.
func (st *Store) Get() Settings {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.settings
}

// Update normalizes s, persists it and makes it current. It returns the
// settings now in effect; on error the previous settings stay current.
func (st *Store) Update(s Settings) (Settings, error) {
	s, err := s.Normalize()
	if err != nil {
		return st.Get(), err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.file != "" {
		if err := st.file.write(s); err != nil {
			return st.settings, fmt.Errorf("save settings: %w", err)
		}
	}
	st.settings = s
	return s, nil
}
