// Package config decodes the gateway's three YAML configuration files
// (endpoints.yml, drivers.yml, variables.yml) and watches them for
// changes via fsnotify, publishing validated snapshots and rejecting an
// edit that fails validation - the previous valid config stays live,
// per the Configuration error kind's semantics. The decode/validate/apply
// shape mirrors the Config/Option/Validate pattern used in
// internal/endpoint, generalized from functional options to a YAML
// document.
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/edgegw/gateway/internal/errkind"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// EndpointSpec is one entry of endpoints.yml.
type EndpointSpec struct {
	ID      string        `yaml:"id"`
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
	Pool    struct {
		Min         int           `yaml:"min"`
		Max         int           `yaml:"max"`
		IdleTimeout time.Duration `yaml:"idle_timeout"`
		MaxLifetime time.Duration `yaml:"max_lifetime"`
	} `yaml:"pool"`
	TLS struct {
		ServerName string `yaml:"server_name"`
		VerifyCert bool   `yaml:"verify_cert"`
	} `yaml:"tls"`
}

// DriverSpec is one entry of drivers.yml.
type DriverSpec struct {
	ID         string         `yaml:"id"`
	Kind       string         `yaml:"kind"` // "static" | "dynamic_library" | "wasm"
	EndpointID string         `yaml:"endpoint_id"`
	Proto      string         `yaml:"proto"` // e.g. "modbus_tcp"
	Path       string         `yaml:"path,omitempty"`
	Config     map[string]any `yaml:"cfg"`
}

// AddressSpec locates a variable in a driver's address space: Kind picks
// the region (coil, discrete_input, holding_register, input_register),
// Type is a driver-specific word/bit hint, Addr/Len are in register (or
// bit) units.
type AddressSpec struct {
	Type string `yaml:"type"`
	Kind string `yaml:"kind"`
	Addr uint16 `yaml:"addr"`
	Len  uint16 `yaml:"len"`
}

// AlarmSpec seeds an alert.Rule for a variable, at boot and on every
// accepted reload, whenever no rule with its id exists yet; once
// created the rule lives in the rule store and variables.yml is no
// longer consulted for it.
type AlarmSpec struct {
	Comparator string        `yaml:"comparator"`
	Threshold  float64       `yaml:"threshold"`
	Severity   string        `yaml:"severity"`
	Message    string        `yaml:"message"`
	EvalEvery  time.Duration `yaml:"eval_every,omitempty"`
	EvalFor    time.Duration `yaml:"eval_for,omitempty"`
	SilenceFor time.Duration `yaml:"silence_for,omitempty"`
}

// VariableSpec is one entry of variables.yml: a tag bound to a driver's
// address space plus its scale/offset/unit metadata and optional
// seed alarms.
type VariableSpec struct {
	Tag      string      `yaml:"tag"`
	DriverID string      `yaml:"driver_id"`
	DeviceID string      `yaml:"device_id"`
	Access   string      `yaml:"access"` // "ro" | "rw"
	Address  AddressSpec `yaml:"address"`
	Datatype string      `yaml:"datatype"`
	Scale    float64     `yaml:"scale,omitempty"`
	Offset   float64     `yaml:"offset,omitempty"`
	Unit     string      `yaml:"unit,omitempty"`
	Alarms   []AlarmSpec `yaml:"alarms,omitempty"`
}

// Config is the fully decoded, validated configuration surface.
type Config struct {
	Endpoints []EndpointSpec `yaml:"endpoints"`
	Drivers   []DriverSpec   `yaml:"drivers"`
	Variables []VariableSpec `yaml:"variables"`
}

// Validate checks internal consistency: unique ids, every variable
// references a known driver, every driver has a nonempty kind.
func (c *Config) Validate() error {
	seen := make(map[string]bool)
	for _, e := range c.Endpoints {
		if e.ID == "" || e.URL == "" {
			return errkind.New(errkind.Configuration, "config", fmt.Errorf("endpoint missing id or url"))
		}
		if seen["endpoint:"+e.ID] {
			return errkind.New(errkind.Configuration, "config", fmt.Errorf("duplicate endpoint id %q", e.ID))
		}
		seen["endpoint:"+e.ID] = true
	}
	endpointIDs := make(map[string]bool)
	for _, e := range c.Endpoints {
		endpointIDs[e.ID] = true
	}
	driverIDs := make(map[string]bool)
	for _, d := range c.Drivers {
		if d.ID == "" || d.Kind == "" {
			return errkind.New(errkind.Configuration, "config", fmt.Errorf("driver missing id or kind"))
		}
		if seen["driver:"+d.ID] {
			return errkind.New(errkind.Configuration, "config", fmt.Errorf("duplicate driver id %q", d.ID))
		}
		if d.EndpointID != "" && !endpointIDs[d.EndpointID] {
			return errkind.New(errkind.Configuration, "config", fmt.Errorf("driver %q references unknown endpoint %q", d.ID, d.EndpointID))
		}
		seen["driver:"+d.ID] = true
		driverIDs[d.ID] = true
	}
	for _, v := range c.Variables {
		if v.Tag == "" {
			return errkind.New(errkind.Configuration, "config", fmt.Errorf("variable missing tag"))
		}
		if !driverIDs[v.DriverID] {
			return errkind.New(errkind.Configuration, "config", fmt.Errorf("variable %q references unknown driver %q", v.Tag, v.DriverID))
		}
	}
	return nil
}

func load(dir string) (*Config, error) {
	cfg := &Config{}
	files := map[string]any{
		"endpoints.yml": &cfg.Endpoints,
		"drivers.yml":   &cfg.Drivers,
		"variables.yml": &cfg.Variables,
	}
	for name, dest := range files {
		buf, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, errkind.New(errkind.Configuration, "config", fmt.Errorf("read %s: %w", name, err))
		}
		if err := yaml.Unmarshal(buf, dest); err != nil {
			return nil, errkind.New(errkind.Configuration, "config", fmt.Errorf("parse %s: %w", name, err))
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Watcher loads dir's config and republishes a validated snapshot every
// time one of the three files changes on disk. An edit that fails to
// parse or validate is logged and discarded; the previously published
// Config remains current.
type Watcher struct {
	dir string
	log *zap.Logger

	mu      sync.RWMutex
	current *Config

	updates chan *Config
	watcher *fsnotify.Watcher
}

// NewWatcher loads dir's initial config and starts watching it for
// changes. It returns an error if the initial load fails or if the
// fsnotify watch on dir cannot be set up; both are reported with the
// Configuration error kind.
func NewWatcher(dir string, log *zap.Logger) (*Watcher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	cfg, err := load(dir)
	if err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errkind.New(errkind.Configuration, "config", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, errkind.New(errkind.Configuration, "config", err)
	}

	w := &Watcher{dir: dir, log: log, current: cfg, updates: make(chan *Config, 1), watcher: fw}
	return w, nil
}

// Current returns the most recently validated config.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Updates returns a channel of successfully validated config snapshots,
// one per accepted edit. Rejected edits never appear on this channel.
func (w *Watcher) Updates() <-chan *Config { return w.updates }

// Run processes fsnotify events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("config: watcher error", zap.Error(err))
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := load(w.dir)
	if err != nil {
		w.log.Warn("config: rejecting invalid edit, keeping previous config", zap.Error(err))
		return
	}
	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()

	select {
	case w.updates <- cfg:
	default:
		// Drain the stale pending update before pushing the fresh one,
		// so Updates() never blocks the watcher loop.
		select {
		case <-w.updates:
		default:
		}
		w.updates <- cfg
	}
}
