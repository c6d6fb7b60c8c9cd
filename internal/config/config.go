// Package config loads the compositor host configuration from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cochaviz/composite/internal/backend"
	"github.com/cochaviz/composite/internal/logging"
)

const (
	DefaultSocketPath    = "/var/run/composite/compositor.sock"
	DefaultSurfaceWidth  = 800
	DefaultSurfaceHeight = 600
	DefaultShutdownGrace = 250 * time.Millisecond
)

// DefaultBackends is the preference list used when none is configured.
var DefaultBackends = []string{"opengl", "basic"}

type Config struct {
	Socket   string         `yaml:"socket"`
	Surface  SurfaceConfig  `yaml:"surface"`
	Backends []string       `yaml:"backends"`
	Log      LogConfig      `yaml:"log"`
	APZ      APZConfig      `yaml:"apz"`
	Shutdown ShutdownConfig `yaml:"shutdown"`
}

// SurfaceConfig is the size given to peers that do not announce one.
type SurfaceConfig struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// APZConfig toggles hit testing and content controllers for layer trees.
type APZConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ShutdownConfig bounds how long deferred teardown tasks may run once the
// host stops accepting peers.
type ShutdownConfig struct {
	Grace time.Duration `yaml:"grace"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Socket:   DefaultSocketPath,
		Surface:  SurfaceConfig{Width: DefaultSurfaceWidth, Height: DefaultSurfaceHeight},
		Backends: append([]string(nil), DefaultBackends...),
		Log:      LogConfig{Level: "info", Format: string(logging.FormatText)},
		APZ:      APZConfig{Enabled: true},
		Shutdown: ShutdownConfig{Grace: DefaultShutdownGrace},
	}
}

// Load reads path on top of Default. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	path = strings.TrimSpace(path)
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := Parse(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data into cfg, keeping the values of absent keys, and
// validates the result. Unknown keys are rejected.
func Parse(data []byte, cfg *Config) error {
	if cfg == nil {
		return errors.New("config cannot be nil")
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode: %w", err)
	}
	cfg.normalize()
	return cfg.Validate()
}

func (c *Config) normalize() {
	c.Socket = strings.TrimSpace(c.Socket)
	c.Log.Level = strings.TrimSpace(c.Log.Level)
	c.Log.Format = strings.TrimSpace(c.Log.Format)

	var backends []string
	for _, item := range c.Backends {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		backends = append(backends, item)
	}
	c.Backends = backends
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if c.Socket == "" {
		errs = append(errs, errors.New("socket path is required"))
	}
	if !(backend.Size{Width: c.Surface.Width, Height: c.Surface.Height}).Valid() {
		errs = append(errs, fmt.Errorf("surface size %dx%d is invalid", c.Surface.Width, c.Surface.Height))
	}
	if len(c.Backends) == 0 {
		errs = append(errs, errors.New("at least one backend is required"))
	} else if _, err := backend.ParseKinds(c.Backends); err != nil {
		errs = append(errs, err)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if _, err := logging.ParseFormat(c.Log.Format); err != nil {
		errs = append(errs, err)
	}
	if c.Shutdown.Grace < 0 {
		errs = append(errs, fmt.Errorf("shutdown grace %s is negative", c.Shutdown.Grace))
	}
	return errors.Join(errs...)
}

// BackendKinds returns the parsed preference list.
func (c Config) BackendKinds() ([]backend.Kind, error) {
	return backend.ParseKinds(c.Backends)
}

// Marshal renders c as YAML.
func (c Config) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return buf.Bytes(), nil
}
