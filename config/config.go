// Package config loads and validates the acquisition pipeline
// configuration from files, environment variables, and defaults.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
	"unicode"

	"github.com/sensors-inl/biostream/dispatch"
	"github.com/sensors-inl/biostream/errors"
	"github.com/sensors-inl/biostream/manager"
	"github.com/sensors-inl/biostream/output/csvfile"
	"github.com/sensors-inl/biostream/output/live"
	"github.com/sensors-inl/biostream/output/outlet"
	"github.com/sensors-inl/biostream/session"
)

// redacted replaces credential values in logged configuration.
const redacted = "[redacted]"

// Config is the complete pipeline configuration. Defaults cover every
// field except the sensor list; values flow into component constructors
// through the *Config mapping methods, never through global state.
type Config struct {
	// Sensors lists device identities to acquire from, e.g. ECG1234.
	Sensors []string `json:"sensors" yaml:"sensors"`

	// Simulate runs against the in-process simulated transport instead
	// of a radio backend.
	Simulate bool `json:"simulate" yaml:"simulate"`

	Manager  ManagerConfig  `json:"manager" yaml:"manager"`
	Session  SessionConfig  `json:"session" yaml:"session"`
	Dispatch DispatchConfig `json:"dispatch" yaml:"dispatch"`
	Storage  StorageConfig  `json:"storage" yaml:"storage"`
	NATS     NATSConfig     `json:"nats" yaml:"nats"`
	Live     LiveConfig     `json:"live" yaml:"live"`
	Log      LogConfig      `json:"log" yaml:"log"`
	Metrics  MetricsConfig  `json:"metrics" yaml:"metrics"`
}

// ManagerConfig bounds concurrent connection establishment and the
// per-sensor retry policy.
type ManagerConfig struct {
	Parallel          int      `json:"parallel" yaml:"parallel"`
	MaxAttempts       int      `json:"max_attempts" yaml:"max_attempts"`
	InitialBackoff    Duration `json:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff        Duration `json:"max_backoff" yaml:"max_backoff"`
	BackoffMultiplier float64  `json:"backoff_multiplier" yaml:"backoff_multiplier"`
	Jitter            bool     `json:"jitter" yaml:"jitter"`
}

// SessionConfig carries per-session timeouts and tolerances.
type SessionConfig struct {
	ConnectTimeout    Duration `json:"connect_timeout" yaml:"connect_timeout"`
	SyncTimeout       Duration `json:"sync_timeout" yaml:"sync_timeout"`
	DriftTolerance    Duration `json:"drift_tolerance" yaml:"drift_tolerance"`
	BatteryInterval   Duration `json:"battery_interval" yaml:"battery_interval"`
	DisconnectTimeout Duration `json:"disconnect_timeout" yaml:"disconnect_timeout"`
}

// DispatchConfig bounds the per-sensor sink queues.
type DispatchConfig struct {
	QueueCapacity int `json:"queue_capacity" yaml:"queue_capacity"`
	SoftThreshold int `json:"soft_threshold" yaml:"soft_threshold"`
}

// StorageConfig controls the CSV storage sink.
type StorageConfig struct {
	Enabled       bool     `json:"enabled" yaml:"enabled"`
	Directory     string   `json:"directory" yaml:"directory"`
	FlushInterval Duration `json:"flush_interval" yaml:"flush_interval"`
	Workers       int      `json:"workers" yaml:"workers"`
	QueueSize     int      `json:"queue_size" yaml:"queue_size"`
}

// NATSConfig controls the broker connection and the streaming outlet.
// Prefix roots every subject the pipeline publishes on: samples go to
// {prefix}.samples.{kind}.{sensor}, status events to
// {prefix}.events.{sensor}.
type NATSConfig struct {
	Enabled       bool          `json:"enabled" yaml:"enabled"`
	URL           string        `json:"url" yaml:"url"`
	Prefix        string        `json:"prefix" yaml:"prefix"`
	Username      string        `json:"username,omitempty" yaml:"username,omitempty"`
	Password      string        `json:"password,omitempty" yaml:"password,omitempty"`
	Token         string        `json:"token,omitempty" yaml:"token,omitempty"`
	MaxReconnects int           `json:"max_reconnects" yaml:"max_reconnects"`
	ReconnectWait Duration      `json:"reconnect_wait" yaml:"reconnect_wait"`
	TLS           NATSTLSConfig `json:"tls" yaml:"tls"`
}

// NATSTLSConfig for secure NATS connections
type NATSTLSConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	CertFile string `json:"cert_file,omitempty" yaml:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty" yaml:"key_file,omitempty"`
	CAFile   string `json:"ca_file,omitempty" yaml:"ca_file,omitempty"`
}

// LiveConfig controls the WebSocket visualization sink.
type LiveConfig struct {
	Enabled       bool    `json:"enabled" yaml:"enabled"`
	Addr          string  `json:"addr" yaml:"addr"`
	Path          string  `json:"path" yaml:"path"`
	Retain        int     `json:"retain" yaml:"retain"`
	Trigger       int     `json:"trigger" yaml:"trigger"`
	BroadcastRate float64 `json:"broadcast_rate" yaml:"broadcast_rate"`
	ClientQueue   int     `json:"client_queue" yaml:"client_queue"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// MetricsConfig controls the metrics and health HTTP listener.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

// Default returns the configuration defaults. Only the sensor list has
// no default.
func Default() *Config {
	return &Config{
		Manager: ManagerConfig{
			Parallel:          2,
			MaxAttempts:       5,
			InitialBackoff:    Duration(500 * time.Millisecond),
			MaxBackoff:        Duration(10 * time.Second),
			BackoffMultiplier: 2.0,
			Jitter:            true,
		},
		Session: SessionConfig{
			ConnectTimeout:    Duration(10 * time.Second),
			SyncTimeout:       Duration(5 * time.Second),
			DriftTolerance:    Duration(500 * time.Millisecond),
			BatteryInterval:   Duration(2 * time.Minute),
			DisconnectTimeout: Duration(2 * time.Second),
		},
		Dispatch: DispatchConfig{
			QueueCapacity: 256,
			SoftThreshold: 192,
		},
		Storage: StorageConfig{
			Enabled:       true,
			Directory:     "recordings",
			FlushInterval: Duration(5 * time.Second),
			Workers:       4,
			QueueSize:     64,
		},
		NATS: NATSConfig{
			Enabled:       true,
			URL:           "nats://localhost:4222",
			Prefix:        "biostream",
			MaxReconnects: -1,
			ReconnectWait: Duration(2 * time.Second),
		},
		Live: LiveConfig{
			Enabled:       true,
			Addr:          ":8081",
			Path:          "/ws",
			Retain:        12000,
			Trigger:       20000,
			BroadcastRate: 10,
			ClientQueue:   32,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
		},
	}
}

// Validate checks the configuration before acquisition starts. Every
// violation is a startup error; nothing here is recoverable at runtime.
func (c *Config) Validate() error {
	// The manager config folds in the sensor list and session rules, so
	// its Validate covers identities, parallelism, retry policy, and
	// timeouts in one pass.
	mc := c.ManagerConfig()
	if err := mc.Validate(); err != nil {
		return err
	}

	dc := c.DispatchConfig()
	if err := dc.Validate(); err != nil {
		return err
	}

	if !c.Storage.Enabled && !c.NATS.Enabled && !c.Live.Enabled {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"enable at least one sink, otherwise every record is discarded")
	}

	if c.Storage.Enabled {
		sc := c.StorageConfig()
		if err := sc.Validate(); err != nil {
			return err
		}
	}

	if c.NATS.Enabled {
		if err := c.validateNATS(); err != nil {
			return err
		}
	}

	if c.Live.Enabled {
		lc := c.LiveConfig()
		if err := lc.Validate(); err != nil {
			return err
		}
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("log level %q (must be debug, info, warn, or error)", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("log format %q (must be text or json)", c.Log.Format))
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"metrics.addr is required when metrics are enabled")
	}

	return nil
}

// validateNATS checks broker and subject settings.
func (c *Config) validateNATS() error {
	if c.NATS.URL == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"nats.url is required when the outlet is enabled")
	}

	if !isValidSubjectRoot(c.NATS.Prefix) {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("nats.prefix %q is not a literal subject root", c.NATS.Prefix))
	}

	if c.NATS.TLS.Enabled {
		if c.NATS.TLS.CertFile == "" || c.NATS.TLS.KeyFile == "" {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
				"nats.tls.cert_file and nats.tls.key_file are required when TLS is enabled")
		}
		for _, file := range []string{c.NATS.TLS.CertFile, c.NATS.TLS.KeyFile} {
			if _, err := os.Stat(file); err != nil {
				return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
					fmt.Sprintf("nats.tls: %v", err))
			}
		}
		if c.NATS.TLS.CAFile != "" {
			if _, err := os.Stat(c.NATS.TLS.CAFile); err != nil {
				return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
					fmt.Sprintf("nats.tls.ca_file: %v", err))
			}
		}
	}

	return nil
}

// isValidSubjectRoot checks a string can root NATS subjects. Valid
// characters are alphanumeric, dots, dashes, and underscores, with no
// leading or trailing dot and no wildcards.
func isValidSubjectRoot(s string) bool {
	if len(s) == 0 || strings.HasPrefix(s, ".") || strings.HasSuffix(s, ".") {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) &&
			r != '-' && r != '_' && r != '.' {
			return false
		}
	}
	return true
}

// ManagerConfig maps the manager and session sections onto the
// connection manager's own configuration type.
func (c *Config) ManagerConfig() manager.Config {
	return manager.Config{
		Sensors:           append([]string(nil), c.Sensors...),
		Parallel:          c.Manager.Parallel,
		MaxAttempts:       c.Manager.MaxAttempts,
		InitialBackoff:    c.Manager.InitialBackoff.Std(),
		MaxBackoff:        c.Manager.MaxBackoff.Std(),
		BackoffMultiplier: c.Manager.BackoffMultiplier,
		Jitter:            c.Manager.Jitter,
		Session:           c.SessionConfig(),
	}
}

// SessionConfig maps the session section onto the session package's
// configuration type.
func (c *Config) SessionConfig() session.Config {
	return session.Config{
		ConnectTimeout:    c.Session.ConnectTimeout.Std(),
		SyncTimeout:       c.Session.SyncTimeout.Std(),
		DriftTolerance:    c.Session.DriftTolerance.Std(),
		BatteryInterval:   c.Session.BatteryInterval.Std(),
		DisconnectTimeout: c.Session.DisconnectTimeout.Std(),
	}
}

// DispatchConfig maps the dispatch section onto the dispatcher's
// configuration type.
func (c *Config) DispatchConfig() dispatch.Config {
	return dispatch.Config{
		QueueCapacity: c.Dispatch.QueueCapacity,
		SoftThreshold: c.Dispatch.SoftThreshold,
	}
}

// StorageConfig maps the storage section onto the CSV sink's
// configuration type.
func (c *Config) StorageConfig() csvfile.Config {
	return csvfile.Config{
		Directory:     c.Storage.Directory,
		FlushInterval: c.Storage.FlushInterval.Std(),
		Workers:       c.Storage.Workers,
		QueueSize:     c.Storage.QueueSize,
	}
}

// OutletConfig maps the NATS section onto the streaming outlet's
// configuration type. Samples publish under {prefix}.samples.
func (c *Config) OutletConfig() outlet.Config {
	return outlet.Config{
		Prefix:  c.NATS.Prefix + ".samples",
		Sensors: append([]string(nil), c.Sensors...),
	}
}

// LiveConfig maps the live section onto the WebSocket sink's
// configuration type.
func (c *Config) LiveConfig() live.Config {
	return live.Config{
		Addr:          c.Live.Addr,
		Path:          c.Live.Path,
		Retain:        c.Live.Retain,
		Trigger:       c.Live.Trigger,
		BroadcastRate: c.Live.BroadcastRate,
		ClientQueue:   c.Live.ClientQueue,
	}
}

// SlogLevel returns the configured log level, defaulting to info for
// anything unrecognized.
func (c *Config) SlogLevel() slog.Level {
	switch c.Log.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}

	// Use JSON marshaling/unmarshaling for deep copy
	data, err := json.Marshal(c)
	if err != nil {
		// Fallback to shallow copy if marshaling fails
		copied := *c
		return &copied
	}

	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}

	return &clone
}

// SafeConfig returns a deep copy with credentials masked, suitable for
// logging and status endpoints.
func (c *Config) SafeConfig() *Config {
	clone := c.Clone()
	if clone.NATS.Password != "" {
		clone.NATS.Password = redacted
	}
	if clone.NATS.Token != "" {
		clone.NATS.Token = redacted
	}
	return clone
}

// String returns a JSON representation with credentials masked.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c.SafeConfig(), "", "  ")
	return string(data)
}
