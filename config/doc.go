// Package config provides configuration management for the acquisition
// pipeline.
//
// Configuration merges three layers, later layers winning: compiled-in
// defaults, config files (YAML or JSON, chosen by extension), and
// BIOSTREAM_* environment variables. Command-line flags are applied by
// the caller on top of the loaded result, which is why loading and
// validation are separate steps.
//
// # Core Components
//
// Config: the complete pipeline configuration. Sections map onto the
// components that consume them through the mapping methods
// (ManagerConfig, DispatchConfig, StorageConfig, OutletConfig,
// LiveConfig), so component packages never read files or environment
// variables themselves.
//
// Loader: loads configuration with layer merging (base + overrides)
// and environment variable substitution for flexible deployment
// scenarios.
//
// Duration: a time.Duration that reads "500ms" style strings from both
// YAML and JSON, and bare numbers as nanoseconds.
//
// # Basic Usage
//
// Loading configuration from files with layer merging:
//
//	loader := config.NewLoader()
//	loader.AddLayer("config/base.yaml")
//	loader.AddLayer("config/lab.yaml") // Overrides base
//	loader.EnableValidation(true)
//
//	cfg, err := loader.Load()
//	if err != nil {
//		log.Fatal(err)
//	}
//
// Or, when flags still need to be overlaid before validating:
//
//	cfg, err := config.Load(*configPath)
//	if err != nil {
//		log.Fatal(err)
//	}
//	// ... apply flag overrides ...
//	if err := cfg.Validate(); err != nil {
//		log.Fatal(err)
//	}
//
// # Environment Variable Overrides
//
// Configuration values can be overridden using environment variables:
//
//	# Sensor list (comma-separated)
//	export BIOSTREAM_SENSORS="ECG1234,EDA5678"
//
//	# Broker credentials, kept out of config files
//	export BIOSTREAM_NATS_URL="nats://broker:4222"
//	export BIOSTREAM_NATS_PASSWORD="..."
//
// Also recognized: BIOSTREAM_PARALLEL, BIOSTREAM_SIMULATE,
// BIOSTREAM_DATA_DIR, BIOSTREAM_NATS_PREFIX, BIOSTREAM_NATS_USERNAME,
// BIOSTREAM_NATS_TOKEN, BIOSTREAM_LIVE_ADDR, BIOSTREAM_LOG_LEVEL,
// BIOSTREAM_LOG_FORMAT, BIOSTREAM_METRICS_ADDR.
//
// # Layer Merging
//
// Configuration layers are merged with last-wins semantics. Nested
// sections merge key by key, arrays replace wholesale:
//
//	base.yaml:
//	  sensors: [ECG1234]
//	  manager: {parallel: 3, max_attempts: 7}
//
//	lab.yaml:
//	  manager: {parallel: 8}
//
//	Result:
//	  sensors: [ECG1234]
//	  manager: {parallel: 8, max_attempts: 7}
//
// # Credentials
//
// SafeConfig returns a deep copy with the NATS password and token
// masked. String uses it, so printing a Config never leaks secrets:
//
//	slog.Info("configuration loaded", "config", cfg.SafeConfig())
//
// # Security
//
// The package includes security validation:
//   - File size limits (10MB max) to prevent memory exhaustion
//   - JSON depth validation (100 levels max) to prevent DoS attacks
//   - Path validation to prevent directory traversal
//   - Regular file checks (no symlinks or device files)
package config
