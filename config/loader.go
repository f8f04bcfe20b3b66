package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		layers:     []string{},
		validation: false,
		envPrefix:  "BIOSTREAM",
	}
}

// AddLayer adds a configuration file layer
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load merges defaults, configuration file layers, and environment
// overrides, in that order. Later layers win.
func (l *Loader) Load() (*Config, error) {
	base, err := toMap(Default())
	if err != nil {
		return nil, fmt.Errorf("failed to encode defaults: %w", err)
	}

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
		base = l.deepMergeMaps(base, raw)
	}

	cfg, err := fromMap(base)
	if err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Load is the convenience entry point: defaults, then the given file if
// any, then environment overrides. Validation is left to the caller so
// command-line flags can overlay the result first.
func Load(path string) (*Config, error) {
	loader := NewLoader()
	if path != "" {
		loader.AddLayer(path)
	}
	return loader.Load()
}

// toMap round-trips a Config through JSON into a generic map.
func toMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// fromMap decodes a merged generic map back into a Config.
func fromMap(m map[string]any) (*Config, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// loadRaw reads one layer into a generic map, parsing by extension.
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}

	raw := make(map[string]any)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("invalid YAML: %w", err)
		}
	default:
		if err := validateJSONDepth(data); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
	}

	return raw, nil
}

// deepMergeMaps merges override into base. Nested maps merge
// recursively, everything else (including arrays) is replaced, and nil
// override values are skipped so a layer cannot accidentally erase a
// default.
func (l *Loader) deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}

		if existing, ok := result[k]; ok {
			existingMap, eok := existing.(map[string]any)
			overrideMap, ook := v.(map[string]any)
			if eok && ook {
				result[k] = l.deepMergeMaps(existingMap, overrideMap)
				continue
			}
		}

		result[k] = v
	}

	return result
}

// applyEnvOverrides applies BIOSTREAM_* environment variables on top of
// the merged configuration. Unset and empty variables are ignored;
// malformed values are errors.
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	var errs []error

	lookup := func(suffix string) string {
		name := l.envPrefix + "_" + suffix
		val := os.Getenv(name)
		if val == "" {
			return ""
		}
		if err := validateEnvVar(val); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			return ""
		}
		return val
	}

	setString := func(suffix string, target *string) {
		if val := lookup(suffix); val != "" {
			*target = val
		}
	}

	setInt := func(suffix string, target *int) {
		val := lookup(suffix)
		if val == "" {
			return
		}
		n, err := strconv.Atoi(val)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s_%s: %w", l.envPrefix, suffix, err))
			return
		}
		*target = n
	}

	setBool := func(suffix string, target *bool) {
		val := lookup(suffix)
		if val == "" {
			return
		}
		b, err := strconv.ParseBool(val)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s_%s: %w", l.envPrefix, suffix, err))
			return
		}
		*target = b
	}

	if val := lookup("SENSORS"); val != "" {
		parts := strings.Split(val, ",")
		sensors := make([]string, 0, len(parts))
		for _, part := range parts {
			if s := strings.TrimSpace(part); s != "" {
				sensors = append(sensors, s)
			}
		}
		cfg.Sensors = sensors
	}

	setInt("PARALLEL", &cfg.Manager.Parallel)
	setBool("SIMULATE", &cfg.Simulate)
	setString("DATA_DIR", &cfg.Storage.Directory)
	setString("NATS_URL", &cfg.NATS.URL)
	setString("NATS_PREFIX", &cfg.NATS.Prefix)
	setString("NATS_USERNAME", &cfg.NATS.Username)
	setString("NATS_PASSWORD", &cfg.NATS.Password)
	setString("NATS_TOKEN", &cfg.NATS.Token)
	setString("LIVE_ADDR", &cfg.Live.Addr)
	setString("LOG_LEVEL", &cfg.Log.Level)
	setString("LOG_FORMAT", &cfg.Log.Format)
	setString("METRICS_ADDR", &cfg.Metrics.Addr)

	return errors.Join(errs...)
}
