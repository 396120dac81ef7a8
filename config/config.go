// Package config loads host settings from defaults, a TOML file, EXTHOST_*
// environment variables and command-line flags, in increasing priority.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/wippyai/exthost/errors"
)

// DefaultFile is the config file read when -config is not given. It is
// optional; an explicitly named file must exist.
const DefaultFile = "exthost.toml"

// Config holds all host settings.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Extension ExtensionConfig `toml:"extension"`
	Lifetime  LifetimeConfig  `toml:"lifetime"`
	Workers   WorkerConfig    `toml:"workers"`
	Logging   LoggingConfig   `toml:"logging"`

	// Ready is the launcher's readiness token (CLI and env only).
	Ready string   `toml:"-"`
	// File is the config file that was read, empty when none was.
	File  string   `toml:"-"`
	// Args are the positional arguments left after flags.
	Args  []string `toml:"-"`

	// flags and explicit file are replayed on reload
	argv []string
}

// ServerConfig holds transport settings.
type ServerConfig struct {
	Addr      string `toml:"addr"`
	Path      string `toml:"path"`
	ReadLimit int64  `toml:"read_limit"`
}

// ExtensionConfig says which extension to load and how.
type ExtensionConfig struct {
	Path          string `toml:"path"`
	WIT           string `toml:"wit"` // path of a WIT file describing the exports
	Name          string `toml:"name"`
	ABIConstraint string `toml:"abi"`
	MemoryPages   uint32 `toml:"memory_pages"`
}

// LifetimeConfig holds process and scope lifetime settings.
type LifetimeConfig struct {
	IdleTimeout      Duration `toml:"idle_timeout"` // 0 = never
	NormalInterval   Duration `toml:"normal_interval"`
	ShutdownInterval Duration `toml:"shutdown_interval"`
	ScopeIdle        Duration `toml:"scope_idle"` // 0 = scopes never reaped
}

// WorkerConfig holds worker pool settings.
type WorkerConfig struct {
	Count      int `toml:"count"`
	QueueDepth int `toml:"queue_depth"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `toml:"level"`  // "debug", "info", "warn", "error"
	Format string `toml:"format"` // "json" or "console"
}

// Duration is a time.Duration that can be unmarshaled from TOML strings.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for Duration.
func (d *Duration) UnmarshalText(text []byte) error {
	duration, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

// MarshalText implements encoding.TextMarshaler for Duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// DefaultConfig returns a Config with all default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: "127.0.0.1:0",
			Path: "/calls",
		},
		Extension: ExtensionConfig{
			ABIConstraint: "^1.0.0",
		},
		Lifetime: LifetimeConfig{
			IdleTimeout:      0,
			NormalInterval:   Duration(time.Minute),
			ShutdownInterval: Duration(15 * time.Second),
			ScopeIdle:        0,
		},
		Workers: WorkerConfig{
			Count:      4,
			QueueDepth: 64,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration for args.
// Priority: CLI flags > env vars > TOML file > defaults
func Load(args []string) (*Config, error) {
	cfg := DefaultConfig()
	cfg.argv = append([]string(nil), args...)

	fs := flag.NewFlagSet("exthost", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	file := fs.String("config", "", "TOML config file (default "+DefaultFile+" when present)")
	ready := fs.String("ready", "", "Readiness token: fd:N or a FIFO/file path")
	addr := fs.String("addr", "", "Listen address")
	path := fs.String("path", "", "WebSocket endpoint path")
	extPath := fs.String("extension", "", "Extension module (.wasm)")
	wit := fs.String("wit", "", "WIT file describing the extension's exports")
	abi := fs.String("abi", "", "Required extension ABI version constraint")
	workers := fs.Int("workers", 0, "Number of worker threads")
	idle := fs.Duration("idle-timeout", -1, "Exit after this much inactivity (0=never)")
	scopeIdle := fs.Duration("scope-idle", -1, "End call scopes idle this long (0=never)")
	logLevel := fs.String("log-level", "", "Log level: debug, info, warn, error")
	logFormat := fs.String("log-format", "", "Log format: json, console")

	if err := fs.Parse(args); err != nil {
		return nil, errors.Fatal(errors.PhaseConfig, "parse flags", err)
	}
	cfg.Args = fs.Args()

	configPath, explicit := *file, *file != ""
	if !explicit {
		configPath = DefaultFile
	}
	if err := cfg.loadTOML(configPath); err != nil {
		if explicit || !os.IsNotExist(err) {
			return nil, errors.Fatal(errors.PhaseConfig, "read "+configPath, err)
		}
	} else {
		cfg.File = configPath
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if *ready != "" {
		cfg.Ready = *ready
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *path != "" {
		cfg.Server.Path = *path
	}
	if *extPath != "" {
		cfg.Extension.Path = *extPath
	}
	if *wit != "" {
		cfg.Extension.WIT = *wit
	}
	if *abi != "" {
		cfg.Extension.ABIConstraint = *abi
	}
	if *workers != 0 {
		cfg.Workers.Count = *workers
	}
	if *idle >= 0 {
		cfg.Lifetime.IdleTimeout = Duration(*idle)
	}
	if *scopeIdle >= 0 {
		cfg.Lifetime.ScopeIdle = Duration(*scopeIdle)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}

	if cfg.Extension.Path == "" && len(cfg.Args) > 0 {
		cfg.Extension.Path = cfg.Args[0]
	}
	return cfg, cfg.Validate()
}

// Reload reads the configuration again with the same flags.
func (c *Config) Reload() (*Config, error) {
	return Load(c.argv)
}

// loadTOML loads configuration from a TOML file.
func (c *Config) loadTOML(path string) error {
	_, err := toml.DecodeFile(path, c)
	return err
}

// applyEnv applies environment variable overrides.
func (c *Config) applyEnv() error {
	if v := os.Getenv("EXTHOST_READY"); v != "" {
		c.Ready = v
	}
	if v := os.Getenv("EXTHOST_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("EXTHOST_EXTENSION"); v != "" {
		c.Extension.Path = v
	}
	if v := os.Getenv("EXTHOST_WIT"); v != "" {
		c.Extension.WIT = v
	}
	if v := os.Getenv("EXTHOST_ABI"); v != "" {
		c.Extension.ABIConstraint = v
	}
	if v := os.Getenv("EXTHOST_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return envError("EXTHOST_WORKERS", err)
		}
		c.Workers.Count = n
	}
	for name, d := range map[string]*Duration{
		"EXTHOST_IDLE_TIMEOUT": &c.Lifetime.IdleTimeout,
		"EXTHOST_SCOPE_IDLE":   &c.Lifetime.ScopeIdle,
	} {
		if v := os.Getenv(name); v != "" {
			if err := d.UnmarshalText([]byte(v)); err != nil {
				return envError(name, err)
			}
		}
	}
	if v := os.Getenv("EXTHOST_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("EXTHOST_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	return nil
}

func envError(name string, err error) error {
	return errors.Fatal(errors.PhaseConfig, "environment variable "+name, err)
}

// Validate checks settings that have no usable fallback.
func (c *Config) Validate() error {
	switch {
	case c.Workers.Count < 1:
		return errors.Fatal(errors.PhaseConfig, fmt.Sprintf("workers must be at least 1, got %d", c.Workers.Count), nil)
	case c.Workers.QueueDepth < 0:
		return errors.Fatal(errors.PhaseConfig, "queue_depth must not be negative", nil)
	case c.Lifetime.IdleTimeout < 0 || c.Lifetime.ScopeIdle < 0:
		return errors.Fatal(errors.PhaseConfig, "durations must not be negative", nil)
	case c.Logging.Format != "json" && c.Logging.Format != "console":
		return errors.Fatal(errors.PhaseConfig, "unknown log format "+strconv.Quote(c.Logging.Format), nil)
	}
	return nil
}
