package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sensors-inl/biostream/config"
)

// CLIConfig holds command-line configuration. Everything except the
// config path and the shutdown timeout overlays the loaded
// configuration, and only flags actually present on the command line
// apply, so the precedence is flags over environment over file over
// defaults.
type CLIConfig struct {
	ConfigPath      string
	Sensors         string
	Parallel        int
	Simulate        bool
	Dir             string
	NATSURL         string
	Live            string
	Metrics         string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool
}

func newFlagSet(cfg *CLIConfig) *flag.FlagSet {
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)

	fs.StringVar(&cfg.ConfigPath, "config",
		getEnv("BIOSTREAM_CONFIG", ""),
		"Path to configuration file, JSON or YAML (env: BIOSTREAM_CONFIG)")

	fs.StringVar(&cfg.Sensors, "sensors", "",
		"Comma-separated sensor names, e.g. ECG1234,EDA5678")

	fs.IntVar(&cfg.Parallel, "parallel", 0,
		"Maximum concurrent connection attempts")

	fs.BoolVar(&cfg.Simulate, "simulate", false,
		"Run against simulated sensors instead of real hardware")

	fs.StringVar(&cfg.Dir, "dir", "",
		"Directory for CSV recordings (\"off\" to disable storage)")

	fs.StringVar(&cfg.NATSURL, "nats", "",
		"NATS broker URL (\"off\" to disable streaming)")

	fs.StringVar(&cfg.Live, "live", "",
		"Listen address for live visualization (\"off\" to disable)")

	fs.StringVar(&cfg.Metrics, "metrics", "",
		"Listen address for metrics and health (\"off\" to disable)")

	fs.StringVar(&cfg.LogLevel, "log-level", "",
		"Log level: debug, info, warn, error")

	fs.StringVar(&cfg.LogFormat, "log-format", "",
		"Log format: text, json")

	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", 30*time.Second,
		"Graceful shutdown timeout per component")

	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	fs.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	fs.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	fs.Usage = func() { printDetailedHelp(fs) }

	return fs
}

func parseFlags(args []string) (*CLIConfig, *flag.FlagSet, error) {
	cfg := &CLIConfig{}
	fs := newFlagSet(cfg)
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	return cfg, fs, nil
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	if cfg.ConfigPath != "" {
		if _, err := os.Stat(cfg.ConfigPath); err != nil {
			return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
		}
	}

	if cfg.LogLevel != "" && !contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}

	if cfg.LogFormat != "" && !contains([]string{"text", "json"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}

	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive: %v", cfg.ShutdownTimeout)
	}

	return nil
}

// applyFlagOverrides copies explicitly-set flags onto the loaded
// configuration. fs.Visit only walks flags present on the command line,
// so file and environment values survive unless overridden.
func applyFlagOverrides(cfg *config.Config, cliCfg *CLIConfig, fs *flag.FlagSet) {
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "sensors":
			cfg.Sensors = splitSensors(cliCfg.Sensors)
		case "parallel":
			cfg.Manager.Parallel = cliCfg.Parallel
		case "simulate":
			cfg.Simulate = cliCfg.Simulate
		case "dir":
			if isOff(cliCfg.Dir) {
				cfg.Storage.Enabled = false
			} else {
				cfg.Storage.Enabled = true
				cfg.Storage.Directory = cliCfg.Dir
			}
		case "nats":
			if isOff(cliCfg.NATSURL) {
				cfg.NATS.Enabled = false
			} else {
				cfg.NATS.Enabled = true
				cfg.NATS.URL = cliCfg.NATSURL
			}
		case "live":
			if isOff(cliCfg.Live) {
				cfg.Live.Enabled = false
			} else {
				cfg.Live.Enabled = true
				cfg.Live.Addr = cliCfg.Live
			}
		case "metrics":
			if isOff(cliCfg.Metrics) {
				cfg.Metrics.Enabled = false
			} else {
				cfg.Metrics.Enabled = true
				cfg.Metrics.Addr = cliCfg.Metrics
			}
		case "log-level":
			cfg.Log.Level = cliCfg.LogLevel
		case "log-format":
			cfg.Log.Format = cliCfg.LogFormat
		}
	})
}

func splitSensors(list string) []string {
	var out []string
	for _, name := range strings.Split(list, ",") {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func isOff(v string) bool {
	return v == "" || strings.EqualFold(v, "off")
}

func printDetailedHelp(fs *flag.FlagSet) {
	_, _ = fmt.Fprintf(os.Stderr, `%s - Physiological Sensor Acquisition Pipeline

Usage: %s [options]

Options:
`, appName, os.Args[0])
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Acquire from two sensors with a broker
  %s --sensors=ECG1234,EDA5678 --nats=nats://localhost:4222

  # Simulated sensors, recordings in a custom directory
  %s --sensors=ECG1234 --simulate --dir=/data/recordings

  # Run from a config file with debug logging
  %s --config=/etc/biostream/config.yaml --log-level=debug

  # Validate configuration only
  %s --config=config.yaml --validate

Version: %s
Build: %s
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], Version, BuildTime)
}

// Environment variable helper
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// Utility function to check if slice contains string
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
