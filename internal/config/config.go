// Package config manages lobbygrid daemon configuration using koanf/v2.
//
// Supports YAML files, environment variables, and defaults layering.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/lobbygrid/lobbygrid/internal/transport"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete lobbygrid configuration.
type Config struct {
	Main    MainConfig    `koanf:"main"`
	Fleet   FleetConfig   `koanf:"fleet"`
	Log     LogConfig     `koanf:"log"`
	Metrics MetricsConfig `koanf:"metrics"`
	Users   []UserConfig  `koanf:"users"`
}

// MainConfig holds the main server's listen parameters.
type MainConfig struct {
	// Port is the main server's listening port.
	Port uint16 `koanf:"port"`

	// MaxConnection caps concurrently connected peers.
	MaxConnection int `koanf:"max_connection"`

	// MaxChannel is the number of transport channels per peer.
	MaxChannel int `koanf:"max_channel"`

	// QueueSize bounds the transport event queue.
	QueueSize int `koanf:"queue_size"`
}

// FleetConfig holds the session server fleet parameters. It maps onto the
// SessionServerOption handed to the session manager.
type FleetConfig struct {
	MaxConnection int `koanf:"max_connection"`
	MaxChannel    int `koanf:"max_channel"`

	// MaxSessions caps sessions per session server, and the fleet size.
	MaxSessions uint16 `koanf:"max_sessions"`

	// PortRangeLow / PortRangeHigh bound the ports session servers are
	// provisioned on. The k-th server ever created listens on
	// port_range_low + k.
	PortRangeLow  uint16 `koanf:"port_range_low"`
	PortRangeHigh uint16 `koanf:"port_range_high"`

	QueueSize int `koanf:"queue_size"`

	// IncomingBandwidth / OutgoingBandwidth are byte/s hints (0 = unlimited).
	IncomingBandwidth uint32 `koanf:"incoming_bandwidth"`
	OutgoingBandwidth uint32 `koanf:"outgoing_bandwidth"`

	// BufferSize is the socket buffer class: "default", "small" (256 KiB),
	// "medium" (512 KiB) or "large" (1 MiB).
	BufferSize string `koanf:"buffer_size"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
	// QueueSize bounds the asynchronous log record queue.
	QueueSize int `koanf:"queue_size"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g. ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g. "/metrics").
	Path string `koanf:"path"`
}

// UserConfig is one entry of the daemon's credential table. The login
// predicate itself is application-supplied; the bundled daemon checks
// incoming credentials against this list.
type UserConfig struct {
	ID       string `koanf:"id"`
	Password string `koanf:"password"`
	UserID   uint64 `koanf:"user_id"`
}

// ParseBufferSize maps the textual buffer class onto transport.BufferSize.
func (fc FleetConfig) ParseBufferSize() (transport.BufferSize, error) {
	switch strings.ToLower(fc.BufferSize) {
	case "", "default":
		return transport.BufferDefault, nil
	case "small":
		return transport.BufferSmall, nil
	case "medium":
		return transport.BufferMedium, nil
	case "large":
		return transport.BufferLarge, nil
	default:
		return 0, fmt.Errorf("buffer size %q: %w", fc.BufferSize, ErrInvalidBufferSize)
	}
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Main: MainConfig{
			Port:          12000,
			MaxConnection: 512,
			MaxChannel:    4,
			QueueSize:     1024,
		},
		Fleet: FleetConfig{
			MaxConnection: 256,
			MaxChannel:    4,
			MaxSessions:   32,
			PortRangeLow:  12001,
			PortRangeHigh: 12100,
			QueueSize:     1024,
			BufferSize:    "default",
		},
		Log: LogConfig{
			Level:     "info",
			Format:    "json",
			QueueSize: 256,
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for lobbygrid configuration.
// Variables are named LOBBYGRID_<section>_<key>, e.g. LOBBYGRID_MAIN_PORT.
const envPrefix = "LOBBYGRID_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (LOBBYGRID_ prefix), and merges on top of
// DefaultConfig(). An empty path skips the file layer.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := loadDefaults(k, DefaultConfig()); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	// LOBBYGRID_MAIN_PORT -> main.port (strip prefix, lowercase, _ -> .).
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// envKeyMapper transforms LOBBYGRID_MAIN_PORT -> main.port.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults seeds koanf with the default config as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"main.port":                defaults.Main.Port,
		"main.max_connection":      defaults.Main.MaxConnection,
		"main.max_channel":         defaults.Main.MaxChannel,
		"main.queue_size":          defaults.Main.QueueSize,
		"fleet.max_connection":     defaults.Fleet.MaxConnection,
		"fleet.max_channel":        defaults.Fleet.MaxChannel,
		"fleet.max_sessions":       defaults.Fleet.MaxSessions,
		"fleet.port_range_low":     defaults.Fleet.PortRangeLow,
		"fleet.port_range_high":    defaults.Fleet.PortRangeHigh,
		"fleet.queue_size":         defaults.Fleet.QueueSize,
		"fleet.incoming_bandwidth": defaults.Fleet.IncomingBandwidth,
		"fleet.outgoing_bandwidth": defaults.Fleet.OutgoingBandwidth,
		"fleet.buffer_size":        defaults.Fleet.BufferSize,
		"log.level":                defaults.Log.Level,
		"log.format":               defaults.Log.Format,
		"log.queue_size":           defaults.Log.QueueSize,
		"metrics.addr":             defaults.Metrics.Addr,
		"metrics.path":             defaults.Metrics.Path,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrInvalidMainPort indicates the main server port is zero.
	ErrInvalidMainPort = errors.New("main.port must be nonzero")

	// ErrInvalidPortRange indicates port_range_low > port_range_high or a
	// zero bound.
	ErrInvalidPortRange = errors.New("fleet port range is invalid")

	// ErrPortRangeOverlap indicates the main port falls inside the fleet
	// port range.
	ErrPortRangeOverlap = errors.New("main.port overlaps fleet port range")

	// ErrInvalidMaxSessions indicates max_sessions is zero.
	ErrInvalidMaxSessions = errors.New("fleet.max_sessions must be >= 1")

	// ErrInvalidBufferSize indicates an unrecognized buffer size class.
	ErrInvalidBufferSize = errors.New("buffer size must be default, small, medium or large")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Main.Port == 0 {
		return ErrInvalidMainPort
	}

	if cfg.Fleet.PortRangeLow == 0 || cfg.Fleet.PortRangeLow > cfg.Fleet.PortRangeHigh {
		return fmt.Errorf("range [%d, %d]: %w",
			cfg.Fleet.PortRangeLow, cfg.Fleet.PortRangeHigh, ErrInvalidPortRange)
	}

	if cfg.Main.Port >= cfg.Fleet.PortRangeLow && cfg.Main.Port <= cfg.Fleet.PortRangeHigh {
		return fmt.Errorf("port %d in [%d, %d]: %w",
			cfg.Main.Port, cfg.Fleet.PortRangeLow, cfg.Fleet.PortRangeHigh, ErrPortRangeOverlap)
	}

	if cfg.Fleet.MaxSessions == 0 {
		return ErrInvalidMaxSessions
	}

	if _, err := cfg.Fleet.ParseBufferSize(); err != nil {
		return err
	}

	return nil
}

// ParseLogLevel maps a level string onto slog.Level. Unknown strings fall
// back to info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
