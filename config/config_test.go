package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sensors-inl/biostream/errors"
)

// valid returns a default configuration with a sensor list, the one
// field defaults cannot supply.
func valid() *Config {
	cfg := Default()
	cfg.Sensors = []string{"ECG1234", "EDA5678"}
	return cfg
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Empty(t, cfg.Sensors)
	assert.False(t, cfg.Simulate)
	assert.Equal(t, 2, cfg.Manager.Parallel)
	assert.Equal(t, 5, cfg.Manager.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Manager.InitialBackoff.Std())
	assert.Equal(t, 10*time.Second, cfg.Session.ConnectTimeout.Std())
	assert.Equal(t, 2*time.Minute, cfg.Session.BatteryInterval.Std())
	assert.Equal(t, 256, cfg.Dispatch.QueueCapacity)
	assert.Equal(t, 192, cfg.Dispatch.SoftThreshold)
	assert.True(t, cfg.Storage.Enabled)
	assert.Equal(t, "recordings", cfg.Storage.Directory)
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
	assert.Equal(t, "biostream", cfg.NATS.Prefix)
	assert.Equal(t, -1, cfg.NATS.MaxReconnects)
	assert.Equal(t, ":8081", cfg.Live.Addr)
	assert.Greater(t, cfg.Live.Trigger, cfg.Live.Retain)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, ":9090", cfg.Metrics.Addr)
}

func TestValidate(t *testing.T) {
	require.NoError(t, valid().Validate())
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{
			name:   "no sensors",
			mutate: func(c *Config) { c.Sensors = nil },
			want:   "at least one sensor",
		},
		{
			name:   "unparseable sensor name",
			mutate: func(c *Config) { c.Sensors = []string{"PPG9999"} },
			want:   "no ECG/EDA prefix",
		},
		{
			name:   "duplicate sensor",
			mutate: func(c *Config) { c.Sensors = []string{"ECG1234", "ecg_1234"} },
			want:   "listed twice",
		},
		{
			name:   "zero parallel",
			mutate: func(c *Config) { c.Manager.Parallel = 0 },
			want:   "parallel must be at least 1",
		},
		{
			name:   "zero retry ceiling",
			mutate: func(c *Config) { c.Manager.MaxAttempts = 0 },
			want:   "max attempts must be at least 1",
		},
		{
			name:   "zero connect timeout",
			mutate: func(c *Config) { c.Session.ConnectTimeout = 0 },
			want:   "connect timeout must be positive",
		},
		{
			name:   "soft threshold at capacity",
			mutate: func(c *Config) { c.Dispatch.SoftThreshold = c.Dispatch.QueueCapacity },
			want:   "soft_threshold must be below queue_capacity",
		},
		{
			name: "all sinks disabled",
			mutate: func(c *Config) {
				c.Storage.Enabled = false
				c.NATS.Enabled = false
				c.Live.Enabled = false
			},
			want: "at least one sink",
		},
		{
			name:   "empty storage directory",
			mutate: func(c *Config) { c.Storage.Directory = "" },
			want:   "directory",
		},
		{
			name:   "empty NATS URL",
			mutate: func(c *Config) { c.NATS.URL = "" },
			want:   "nats.url is required",
		},
		{
			name:   "wildcard in NATS prefix",
			mutate: func(c *Config) { c.NATS.Prefix = "bio.*" },
			want:   "not a literal subject root",
		},
		{
			name:   "trailing dot in NATS prefix",
			mutate: func(c *Config) { c.NATS.Prefix = "bio." },
			want:   "not a literal subject root",
		},
		{
			name:   "TLS without key pair",
			mutate: func(c *Config) { c.NATS.TLS.Enabled = true },
			want:   "cert_file and nats.tls.key_file are required",
		},
		{
			name:   "trigger not above retain",
			mutate: func(c *Config) { c.Live.Trigger = c.Live.Retain },
			want:   "trigger must be greater than retain",
		},
		{
			name:   "unknown log level",
			mutate: func(c *Config) { c.Log.Level = "verbose" },
			want:   "log level",
		},
		{
			name:   "unknown log format",
			mutate: func(c *Config) { c.Log.Format = "xml" },
			want:   "log format",
		},
		{
			name: "metrics enabled without addr",
			mutate: func(c *Config) {
				c.Metrics.Enabled = true
				c.Metrics.Addr = ""
			},
			want: "metrics.addr is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateSkipsDisabledSinks(t *testing.T) {
	// A disabled sink's settings must not be able to block startup.
	cfg := valid()
	cfg.Storage.Enabled = false
	cfg.Storage.Directory = ""
	cfg.Live.Enabled = false
	cfg.Live.Trigger = 0
	cfg.NATS.Enabled = true

	require.NoError(t, cfg.Validate())
}

func TestValidateErrorsAreInvalid(t *testing.T) {
	cfg := valid()
	cfg.Manager.Parallel = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestSafeConfig(t *testing.T) {
	cfg := valid()
	cfg.NATS.Username = "acquisition"
	cfg.NATS.Password = "hunter2"
	cfg.NATS.Token = "s3cr3t"

	safe := cfg.SafeConfig()

	assert.Equal(t, "acquisition", safe.NATS.Username)
	assert.Equal(t, redacted, safe.NATS.Password)
	assert.Equal(t, redacted, safe.NATS.Token)

	// The original is untouched.
	assert.Equal(t, "hunter2", cfg.NATS.Password)
	assert.Equal(t, "s3cr3t", cfg.NATS.Token)
}

func TestSafeConfigWithoutCredentials(t *testing.T) {
	safe := valid().SafeConfig()
	assert.Empty(t, safe.NATS.Password)
	assert.Empty(t, safe.NATS.Token)
}

func TestStringMasksCredentials(t *testing.T) {
	cfg := valid()
	cfg.NATS.Password = "hunter2"

	s := cfg.String()
	assert.NotContains(t, s, "hunter2")
	assert.Contains(t, s, redacted)
	assert.Contains(t, s, "ECG1234")
}

func TestClone(t *testing.T) {
	cfg := valid()
	clone := cfg.Clone()

	require.Equal(t, cfg, clone)

	clone.Sensors[0] = "EDA0001"
	clone.Manager.Parallel = 9
	assert.Equal(t, "ECG1234", cfg.Sensors[0])
	assert.Equal(t, 2, cfg.Manager.Parallel)
}

func TestManagerConfigMapping(t *testing.T) {
	cfg := valid()
	cfg.Manager.Parallel = 3
	cfg.Session.SyncTimeout = Duration(7 * time.Second)

	mc := cfg.ManagerConfig()

	assert.Equal(t, []string{"ECG1234", "EDA5678"}, mc.Sensors)
	assert.Equal(t, 3, mc.Parallel)
	assert.Equal(t, 500*time.Millisecond, mc.InitialBackoff)
	assert.Equal(t, 7*time.Second, mc.Session.SyncTimeout)
	require.NoError(t, mc.Validate())
}

func TestOutletConfigMapping(t *testing.T) {
	cfg := valid()

	oc := cfg.OutletConfig()
	assert.Equal(t, "biostream.samples", oc.Prefix)
	assert.Equal(t, cfg.Sensors, oc.Sensors)

	cfg.NATS.Prefix = "lab7"
	assert.Equal(t, "lab7.samples", cfg.OutletConfig().Prefix)
}

func TestSinkConfigMapping(t *testing.T) {
	cfg := valid()
	cfg.Storage.Directory = "/data/run42"
	cfg.Live.Addr = ":0"

	sc := cfg.StorageConfig()
	assert.Equal(t, "/data/run42", sc.Directory)
	assert.Equal(t, 5*time.Second, sc.FlushInterval)
	assert.Equal(t, 4, sc.Workers)

	lc := cfg.LiveConfig()
	assert.Equal(t, ":0", lc.Addr)
	assert.Equal(t, 12000, lc.Retain)
	assert.Equal(t, 20000, lc.Trigger)

	dc := cfg.DispatchConfig()
	assert.Equal(t, 256, dc.QueueCapacity)
	assert.Equal(t, 192, dc.SoftThreshold)
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  string
	}{
		{"debug", "DEBUG"},
		{"info", "INFO"},
		{"warn", "WARN"},
		{"error", "ERROR"},
		{"", "INFO"},
	}

	for _, tt := range tests {
		cfg := Default()
		cfg.Log.Level = tt.level
		assert.Equal(t, tt.want, cfg.SlogLevel().String(), "level %q", tt.level)
	}
}

func TestIsValidSubjectRoot(t *testing.T) {
	for _, good := range []string{"biostream", "lab-7", "a.b_c", "X1"} {
		assert.True(t, isValidSubjectRoot(good), good)
	}
	for _, bad := range []string{"", ".bio", "bio.", "bio stream", "bio>*", strings.Repeat(".", 3)} {
		assert.False(t, isValidSubjectRoot(bad), bad)
	}
}
