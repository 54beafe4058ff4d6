// Package config holds the agvctl configuration: built-in defaults from struct
// tags, optionally overridden by a YAML file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/srg/agvlink/internal/link"
	"github.com/srg/agvlink/internal/radio/goble"
)

// Config holds application configuration. Durations are Go duration strings
// in YAML ("1500ms", "10s"); a zero timeout disables that timer.
type Config struct {
	LogLevel     string        `yaml:"log_level" default:"panic"`
	OutputFormat string        `yaml:"output_format" default:"table"` // table, json
	ScanDuration time.Duration `yaml:"scan_duration" default:"5s"`

	ConnectTimeout    time.Duration `yaml:"connect_timeout" default:"10s"`
	DiscoveryTimeout  time.Duration `yaml:"discovery_timeout" default:"10s"`
	WriteTimeout      time.Duration `yaml:"write_timeout" default:"3s"`
	DisconnectTimeout time.Duration `yaml:"disconnect_timeout" default:"5s"`

	EventBuffer         int    `yaml:"event_buffer" default:"64"`
	NotificationHistory uint32 `yaml:"notification_history" default:"128"`

	// BridgeRate is the sustained opcodes per second the PTY bridge forwards.
	BridgeRate  float64 `yaml:"bridge_rate" default:"20"`
	BridgeBurst int     `yaml:"bridge_burst" default:"4"`

	ProbeWindow   time.Duration `yaml:"probe_window" default:"300ms"`
	ProbeInterval time.Duration `yaml:"probe_interval" default:"2s"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports the first out-of-range field.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	switch c.OutputFormat {
	case "table", "json":
	default:
		return fmt.Errorf("output_format: unsupported %q (use table or json)", c.OutputFormat)
	}

	durations := []struct {
		name string
		d    time.Duration
	}{
		{"scan_duration", c.ScanDuration},
		{"connect_timeout", c.ConnectTimeout},
		{"discovery_timeout", c.DiscoveryTimeout},
		{"write_timeout", c.WriteTimeout},
		{"disconnect_timeout", c.DisconnectTimeout},
		{"probe_window", c.ProbeWindow},
		{"probe_interval", c.ProbeInterval},
	}
	for _, d := range durations {
		if d.d < 0 {
			return fmt.Errorf("%s: must not be negative, got %s", d.name, d.d)
		}
	}

	if c.EventBuffer <= 0 {
		return fmt.Errorf("event_buffer: must be positive, got %d", c.EventBuffer)
	}
	if c.BridgeRate < 0 {
		return fmt.Errorf("bridge_rate: must not be negative, got %v", c.BridgeRate)
	}
	if c.BridgeBurst <= 0 {
		return fmt.Errorf("bridge_burst: must be positive, got %d", c.BridgeBurst)
	}
	return nil
}

// Level is the parsed LogLevel; invalid values fall back to panic (silent).
func (c *Config) Level() logrus.Level {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.PanicLevel
	}
	return lvl
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger
}

// LinkOptions maps the connection settings onto link.Options.
func (c *Config) LinkOptions() link.Options {
	return link.Options{
		ConnectTimeout:      c.ConnectTimeout,
		DiscoveryTimeout:    c.DiscoveryTimeout,
		WriteTimeout:        c.WriteTimeout,
		DisconnectTimeout:   c.DisconnectTimeout,
		EventBuffer:         c.EventBuffer,
		NotificationHistory: c.NotificationHistory,
	}
}

// RadioConfig maps the adapter probing settings onto goble.Config.
func (c *Config) RadioConfig() *goble.Config {
	return &goble.Config{
		ProbeWindow:   c.ProbeWindow,
		ProbeInterval: c.ProbeInterval,
	}
}
