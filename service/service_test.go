package service

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sensors-inl/biostream/config"
	"github.com/sensors-inl/biostream/errors"
	"github.com/sensors-inl/biostream/health"
	"github.com/sensors-inl/biostream/session"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig returns a pipeline configuration for offline tests:
// simulated transport, no broker, everything on ephemeral ports, fast
// CSV flushing.
func testConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := config.Default()
	cfg.Sensors = []string{"ECG1234", "EDA5678"}
	cfg.Simulate = true
	cfg.NATS.Enabled = false
	cfg.Storage.Directory = t.TempDir()
	cfg.Storage.FlushInterval = config.Duration(50 * time.Millisecond)
	cfg.Live.Addr = "127.0.0.1:0"
	cfg.Metrics.Addr = "127.0.0.1:0"
	return cfg
}

func TestNewRejectsNilConfig(t *testing.T) {
	svc, err := New(nil, Deps{Logger: quietLogger()})
	assert.Nil(t, svc)
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}

func TestNewValidatesConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sensors = nil

	svc, err := New(cfg, Deps{Logger: quietLogger()})
	assert.Nil(t, svc)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestNewRequiresTransport(t *testing.T) {
	cfg := testConfig(t)
	cfg.Simulate = false

	svc, err := New(cfg, Deps{Logger: quietLogger()})
	assert.Nil(t, svc)
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
	assert.ErrorIs(t, err, errors.ErrMissingConfig)
}

func TestServiceStartStop(t *testing.T) {
	cfg := testConfig(t)
	svc, err := New(cfg, Deps{Logger: quietLogger()})
	require.NoError(t, err)

	require.NoError(t, svc.Start(context.Background()))
	defer func() { _ = svc.Stop(5 * time.Second) }()

	// Both sensors reach Streaming against the simulated transport.
	require.Eventually(t, func() bool {
		statuses := svc.Sensors()
		if len(statuses) != 2 {
			return false
		}
		for _, st := range statuses {
			if st.State != session.StateStreaming {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond, "sensors never reached streaming")

	// The live listener is bound to a real port.
	assert.NotEmpty(t, svc.LiveAddress())
	assert.NotContains(t, svc.LiveAddress(), ":0")

	// Records land in one CSV file per sensor.
	require.Eventually(t, func() bool {
		files, globErr := filepath.Glob(filepath.Join(cfg.Storage.Directory, "*.csv"))
		return globErr == nil && len(files) == 2
	}, 5*time.Second, 50*time.Millisecond, "CSV files never appeared")

	require.NoError(t, svc.Stop(5*time.Second))

	// Stop flushed the remaining rows; every file has data beyond its
	// header.
	files, err := filepath.Glob(filepath.Join(cfg.Storage.Directory, "*.csv"))
	require.NoError(t, err)
	require.Len(t, files, 2)
	for _, f := range files {
		data, readErr := os.ReadFile(f)
		require.NoError(t, readErr)
		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		assert.Greater(t, len(lines), 1, "expected data rows in %s", filepath.Base(f))
	}
}

func TestHealthEndpoint(t *testing.T) {
	cfg := testConfig(t)
	svc, err := New(cfg, Deps{Logger: quietLogger()})
	require.NoError(t, err)

	require.NoError(t, svc.Start(context.Background()))
	defer func() { _ = svc.Stop(5 * time.Second) }()

	// The listener binds asynchronously; poll until the ephemeral port
	// resolves and the endpoint answers.
	var status health.Status
	require.Eventually(t, func() bool {
		base := strings.TrimSuffix(svc.MetricsAddress(), "/metrics")
		if base == "" || strings.HasSuffix(base, ":0") {
			return false
		}
		resp, getErr := http.Get(base + "/healthz")
		if getErr != nil {
			return false
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return false
		}
		return json.NewDecoder(resp.Body).Decode(&status) == nil
	}, 5*time.Second, 50*time.Millisecond, "health endpoint never answered")

	assert.Equal(t, "biostream", status.Component)
	assert.True(t, status.IsHealthy(), "status: %s (%s)", status.Status, status.Message)
	assert.NotEmpty(t, status.SubStatuses)

	resp, err := http.Get(svc.MetricsAddress())
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealthReflectsLifecycle(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.Enabled = false
	cfg.Live.Enabled = false

	svc, err := New(cfg, Deps{Logger: quietLogger()})
	require.NoError(t, err)

	assert.True(t, svc.Health().IsUnhealthy(), "not started yet")

	require.NoError(t, svc.Start(context.Background()))
	assert.True(t, svc.Health().IsHealthy())

	require.NoError(t, svc.Stop(5*time.Second))
	assert.True(t, svc.Health().IsUnhealthy(), "stopped")
}

func TestServiceDoubleStart(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.Enabled = false
	cfg.Live.Enabled = false

	svc, err := New(cfg, Deps{Logger: quietLogger()})
	require.NoError(t, err)

	require.NoError(t, svc.Start(context.Background()))
	defer func() { _ = svc.Stop(5 * time.Second) }()

	err = svc.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
	assert.ErrorIs(t, err, errors.ErrAlreadyStarted)
}

func TestServiceStopIdempotent(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.Enabled = false
	cfg.Live.Enabled = false

	svc, err := New(cfg, Deps{Logger: quietLogger()})
	require.NoError(t, err)

	// Stop before Start is a no-op.
	assert.NoError(t, svc.Stop(time.Second))

	require.NoError(t, svc.Start(context.Background()))
	require.NoError(t, svc.Stop(5*time.Second))
	assert.NoError(t, svc.Stop(time.Second))
}

func TestBrokerAbsentDegradesOnly(t *testing.T) {
	cfg := testConfig(t)
	cfg.NATS.Enabled = true
	cfg.NATS.URL = "nats://127.0.0.1:1"
	cfg.NATS.ReconnectWait = config.Duration(100 * time.Millisecond)
	cfg.Live.Enabled = false
	cfg.Metrics.Enabled = false

	svc, err := New(cfg, Deps{Logger: quietLogger()})
	require.NoError(t, err)

	// A dead broker must not block startup.
	require.NoError(t, svc.Start(context.Background()))
	defer func() { _ = svc.Stop(5 * time.Second) }()

	status := svc.Health()
	assert.False(t, status.IsUnhealthy(), "status: %s (%s)", status.Status, status.Message)

	// Acquisition and storage continue without it.
	require.Eventually(t, func() bool {
		files, globErr := filepath.Glob(filepath.Join(cfg.Storage.Directory, "*.csv"))
		return globErr == nil && len(files) == 2
	}, 5*time.Second, 50*time.Millisecond, "CSV files never appeared")

	require.NoError(t, svc.Stop(5*time.Second))
}

func TestServiceStartCancelledContext(t *testing.T) {
	cfg := testConfig(t)
	svc, err := New(cfg, Deps{Logger: quietLogger()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = svc.Start(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}

func TestRunIDIsUniquePerService(t *testing.T) {
	a, err := New(testConfig(t), Deps{Logger: quietLogger()})
	require.NoError(t, err)
	b, err := New(testConfig(t), Deps{Logger: quietLogger()})
	require.NoError(t, err)

	assert.NotEmpty(t, a.RunID())
	assert.Equal(t, a.RunID(), a.RunID())
	assert.NotEqual(t, a.RunID(), b.RunID())
}
