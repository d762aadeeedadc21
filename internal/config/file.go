// Package config loads the backend configuration file and persists the
// user's scan defaults.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/mzyy94/airscan/internal/proto"
)

// File is the backend configuration file.
//
//	devices:
//	  - name: Office MFP
//	    url: http://192.168.1.20/eSCL/
//	    protocol: escl
//	discovery:
//	  mdns: true
//	  publish_delay: 1s
//	  init_timeout: 5s
//	http:
//	  timeout: 30s
//	protocol:
//	  retry_pause: 1s
//	  next_load_delay: 1s
type File struct {
	Devices   []StaticDevice `yaml:"devices"`
	Discovery Discovery      `yaml:"discovery"`
	HTTP      HTTP           `yaml:"http"`
	Protocol  Protocol       `yaml:"protocol"`
}

// StaticDevice is a device configured by address rather than discovered.
type StaticDevice struct {
	Name     string `yaml:"name"`
	URL      string `yaml:"url"`
	Protocol string `yaml:"protocol"` // escl (default) or wsd
}

// Discovery tunes how devices are found. Zero durations select the
// backend defaults.
type Discovery struct {
	MDNS         *bool         `yaml:"mdns"` // nil = enabled
	PublishDelay time.Duration `yaml:"publish_delay"`
	InitTimeout  time.Duration `yaml:"init_timeout"`
}

// HTTP configures the client used to talk to scanners.
type HTTP struct {
	Timeout time.Duration `yaml:"timeout"`
}

// Protocol holds the scan protocol timings: the pause before a busy
// device is asked again and the cap on the delay between ADF pages.
type Protocol struct {
	RetryPause    time.Duration `yaml:"retry_pause"`
	NextLoadDelay time.Duration `yaml:"next_load_delay"`
}

// MDNSEnabled reports whether multicast DNS discovery should run.
func (d Discovery) MDNSEnabled() bool { return d.MDNS == nil || *d.MDNS }

// Endpoint returns the parsed protocol and URL of the device.
func (d StaticDevice) Endpoint() (proto.Endpoint, error) {
	var ep proto.Endpoint
	if d.Protocol == "" {
		ep.Protocol = proto.ProtocolESCL
	} else if p, ok := proto.ParseProtocol(strings.ToLower(d.Protocol)); ok {
		ep.Protocol = p
	} else {
		return ep, fmt.Errorf("device %q: unknown protocol %q", d.Name, d.Protocol)
	}
	u, err := url.Parse(d.URL)
	if err != nil {
		return ep, fmt.Errorf("device %q: %w", d.Name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return ep, fmt.Errorf("device %q: invalid URL %q", d.Name, d.URL)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	ep.URI = u
	return ep, nil
}

// Validate checks the static device list.
func (f *File) Validate() error {
	var result *multierror.Error
	seen := make(map[string]bool)
	for _, d := range f.Devices {
		if d.Name == "" {
			result = multierror.Append(result, fmt.Errorf("device with URL %q has no name", d.URL))
			continue
		}
		if seen[d.Name] {
			result = multierror.Append(result, fmt.Errorf("device %q listed twice", d.Name))
		}
		seen[d.Name] = true
		if _, err := d.Endpoint(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	for name, v := range map[string]time.Duration{
		"discovery.publish_delay":  f.Discovery.PublishDelay,
		"discovery.init_timeout":   f.Discovery.InitTimeout,
		"http.timeout":             f.HTTP.Timeout,
		"protocol.retry_pause":     f.Protocol.RetryPause,
		"protocol.next_load_delay": f.Protocol.NextLoadDelay,
	} {
		if v < 0 {
			result = multierror.Append(result, fmt.Errorf("%s: negative duration %v", name, v))
		}
	}
	return result.ErrorOrNil()
}

// Load reads and validates the configuration file at path. A missing file
// yields the zero configuration.
func Load(path string) (*File, error) {
	f := &File{}
	if path == "" {
		return f, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return f, nil
}
