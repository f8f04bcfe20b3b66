package session

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sensors-inl/biostream/codec"
	"github.com/sensors-inl/biostream/errors"
	"github.com/sensors-inl/biostream/metric"
	"github.com/sensors-inl/biostream/pkg/timestamp"
	"github.com/sensors-inl/biostream/sensor"
	"github.com/sensors-inl/biostream/testutil"
	"github.com/sensors-inl/biostream/transport/sim"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ConnectTimeout = 2 * time.Second
	cfg.SyncTimeout = 500 * time.Millisecond
	cfg.DriftTolerance = 200 * time.Millisecond
	cfg.DisconnectTimeout = time.Second
	return cfg
}

// capturePublisher records published envelopes and forgotten sensors.
type capturePublisher struct {
	mu        sync.Mutex
	envelopes []*sensor.Envelope
	forgotten []string
}

func (p *capturePublisher) Publish(env *sensor.Envelope) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.envelopes = append(p.envelopes, env)
}

func (p *capturePublisher) Forget(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.forgotten = append(p.forgotten, name)
}

func (p *capturePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.envelopes)
}

func (p *capturePublisher) all() []*sensor.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*sensor.Envelope(nil), p.envelopes...)
}

func (p *capturePublisher) forgot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.forgotten...)
}

// transitionLog collects observer callbacks.
type transitionLog struct {
	mu   sync.Mutex
	list []Transition
}

func (l *transitionLog) record(t Transition) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.list = append(l.list, t)
}

func (l *transitionLog) states() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]State, len(l.list))
	for i, t := range l.list {
		out[i] = t.To
	}
	return out
}

// newSimSession wires a session to one simulated device behind a
// scanner. Deps.Scanner is filled in; everything else passes through.
func newSimSession(t *testing.T, name string, cfg Config, deps Deps, opts ...sim.Option) (*Session, *sim.Device) {
	t.Helper()

	dev, err := sim.NewDevice(name, opts...)
	require.NoError(t, err)
	deps.Scanner = sim.NewScanner([]*sim.Device{dev})

	id, err := sensor.ParseIdentity(name)
	require.NoError(t, err)

	sess, err := New(id, cfg, deps)
	require.NoError(t, err)
	return sess, dev
}

func runAsync(sess *Session, ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() { done <- sess.Run(ctx) }()
	return done
}

func waitErr(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish in time")
		return nil
	}
}

func TestSessionStreamsAndPublishes(t *testing.T) {
	pub := &capturePublisher{}
	trans := &transitionLog{}
	deps := Deps{
		Publisher:    pub,
		Logger:       quietLogger(),
		Metrics:      metric.NewMetrics(),
		OnTransition: trans.record,
	}
	sess, _ := newSimSession(t, "ECG1234", testConfig(), deps)

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(sess, ctx)

	require.Eventually(t, func() bool { return pub.count() >= 3 },
		3*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, waitErr(t, done))

	envs := pub.all()
	for i, env := range envs[:3] {
		assert.Equal(t, uint64(i+1), env.Seq)
		assert.Equal(t, "ECG1234", env.Sensor.Name)
		assert.IsType(t, &codec.ECGRecord{}, env.Record)
		assert.False(t, env.HostTime.IsZero())
	}

	assert.Equal(t,
		[]State{StateConnecting, StateSyncing, StateStreaming, StateClosing, StateClosed},
		trans.states())
	assert.Equal(t, StateClosed, sess.State())
	assert.True(t, sess.Streamed())
	assert.Contains(t, pub.forgot(), "ECG1234")
}

func TestSessionClockSyncAlignsDeviceClock(t *testing.T) {
	pub := &capturePublisher{}
	sess, _ := newSimSession(t, "ECG1234", testConfig(), Deps{Publisher: pub, Logger: quietLogger()})

	hostBefore := time.Now()
	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(sess, ctx)

	require.Eventually(t, func() bool { return pub.count() >= 1 },
		3*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, waitErr(t, done))

	// The device clock started at its epoch; after the handshake every
	// published record must carry host-aligned time.
	for _, env := range pub.all() {
		assert.WithinDuration(t, hostBefore, env.Record.Timestamp().Time(), 3*time.Second)
	}
}

func TestSessionWithheldAckFailsWithSyncTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.SyncTimeout = 150 * time.Millisecond

	pub := &capturePublisher{}
	trans := &transitionLog{}
	sess, _ := newSimSession(t, "ECG1234", cfg,
		Deps{Publisher: pub, Logger: quietLogger(), OnTransition: trans.record},
		sim.WithholdAck())

	err := waitErr(t, runAsync(sess, context.Background()))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrSyncTimeout))
	assert.True(t, errors.IsTransient(err))

	assert.Equal(t, StateFailed, sess.State())
	assert.Equal(t, CauseSyncTimeout, sess.Cause())
	assert.False(t, sess.Streamed())
	assert.Zero(t, pub.count())
	assert.Empty(t, pub.forgot(), "a failed session must keep its queues for the retry")
	assert.Equal(t, []State{StateConnecting, StateSyncing, StateFailed}, trans.states())
}

func TestSessionTransportDropWhileStreaming(t *testing.T) {
	pub := &capturePublisher{}
	sess, _ := newSimSession(t, "ECG1234", testConfig(),
		Deps{Publisher: pub, Logger: quietLogger()},
		sim.WithDropAfter(400*time.Millisecond))

	err := waitErr(t, runAsync(sess, context.Background()))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConnectionLost))

	assert.Equal(t, StateFailed, sess.State())
	assert.Equal(t, CauseTransportDropped, sess.Cause())
	assert.True(t, sess.Streamed())
	assert.GreaterOrEqual(t, pub.count(), 1, "records before the drop should have been published")
}

func TestSessionConnectRefusalFails(t *testing.T) {
	sess, _ := newSimSession(t, "ECG1234", testConfig(),
		Deps{Publisher: &capturePublisher{}, Logger: quietLogger()},
		sim.WithConnectRefusals(3))

	err := waitErr(t, runAsync(sess, context.Background()))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConnectionTimeout))
	assert.Equal(t, CauseConnectTimeout, sess.Cause())
	assert.False(t, sess.Streamed())
}

func TestSessionScanTimeoutWhenNotAdvertising(t *testing.T) {
	cfg := testConfig()
	cfg.ConnectTimeout = 150 * time.Millisecond

	id, err := sensor.ParseIdentity("ECG1234")
	require.NoError(t, err)
	sess, err := New(id, cfg, Deps{
		Scanner:   sim.NewScanner(nil),
		Publisher: &capturePublisher{},
		Logger:    quietLogger(),
	})
	require.NoError(t, err)

	runErr := waitErr(t, runAsync(sess, context.Background()))
	require.Error(t, runErr)
	assert.True(t, errors.Is(runErr, errors.ErrDeviceNotFound))
	assert.Equal(t, CauseConnectTimeout, sess.Cause())
}

func TestSessionReassemblesFragmentedFrames(t *testing.T) {
	pub := &capturePublisher{}
	sess, _ := newSimSession(t, "ECG1234", testConfig(),
		Deps{Publisher: pub, Logger: quietLogger()},
		sim.WithChunkSize(7))

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(sess, ctx)

	require.Eventually(t, func() bool { return pub.count() >= 2 },
		3*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, waitErr(t, done))

	for _, env := range pub.all() {
		rec, ok := env.Record.(*codec.ECGRecord)
		require.True(t, ok)
		assert.Len(t, rec.Samples(), sensor.ECGSamplingRate/8,
			"fragmented frames must reassemble to whole records")
	}
}

func TestSessionDriftWarningDoesNotStopStreaming(t *testing.T) {
	logRec := testutil.NewLogRecorder()
	pub := &capturePublisher{}
	sess, dev := newSimSession(t, "ECG1234", testConfig(),
		Deps{Publisher: pub, Logger: logRec.Logger()})

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(sess, ctx)

	require.Eventually(t, func() bool { return pub.count() >= 1 },
		3*time.Second, 10*time.Millisecond)

	// Rewind the device RTC ten seconds; the next record steps backward
	// well past the tolerance.
	rewound := timestamp.Now().Add(-10 * time.Second)
	require.NoError(t, dev.Send(context.Background(),
		codec.EncodeFrame(codec.EncodeTimestamp(rewound))))

	require.Eventually(t, func() bool {
		return logRec.Count("device clock jumped backward") >= 1
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, StateStreaming, sess.State(), "drift is a warning, not a failure")
	assert.Equal(t, 1, logRec.Count("device clock jumped backward"),
		"one backward jump reports once")

	before := pub.count()
	require.Eventually(t, func() bool { return pub.count() > before },
		3*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, waitErr(t, done))
}

func TestSessionBatteryPolling(t *testing.T) {
	cfg := testConfig()
	cfg.BatteryInterval = 40 * time.Millisecond

	var mu sync.Mutex
	var readings []int
	var reported string

	logRec := testutil.NewLogRecorder()
	sess, _ := newSimSession(t, "ECG1234", cfg,
		Deps{
			Publisher: &capturePublisher{},
			Logger:    logRec.Logger(),
			Metrics:   metric.NewMetrics(),
			OnBattery: func(sensor string, percent int) {
				mu.Lock()
				reported = sensor
				readings = append(readings, percent)
				mu.Unlock()
			},
		},
		sim.WithBatteryLevel(55))

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(sess, ctx)

	require.Eventually(t, func() bool { return logRec.Count("battery level") >= 2 },
		3*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, waitErr(t, done))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "ECG1234", reported)
	require.NotEmpty(t, readings)
	assert.Equal(t, 55, readings[0])
}

func TestSessionBatteryReadFailureSkipped(t *testing.T) {
	cfg := testConfig()
	cfg.BatteryInterval = 40 * time.Millisecond

	logRec := testutil.NewLogRecorder()
	pub := &capturePublisher{}
	sess, _ := newSimSession(t, "ECG1234", cfg,
		Deps{Publisher: pub, Logger: logRec.Logger()},
		sim.WithBatteryError(errors.New("characteristic read failed")))

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(sess, ctx)

	require.Eventually(t, func() bool { return logRec.Count("battery read failed") >= 2 },
		3*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateStreaming, sess.State(), "battery failures are skipped, not fatal")

	before := pub.count()
	require.Eventually(t, func() bool { return pub.count() > before },
		3*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, waitErr(t, done))
}

func TestSessionPreSyncRecordsDiscarded(t *testing.T) {
	// A slow acknowledgment leaves time for device-epoch records to
	// arrive during the handshake; none of them may reach the pipeline.
	pub := &capturePublisher{}
	sess, _ := newSimSession(t, "ECG1234", testConfig(),
		Deps{Publisher: pub, Logger: quietLogger()},
		sim.WithAckLatency(200*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(sess, ctx)

	require.Eventually(t, func() bool { return pub.count() >= 2 },
		3*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, waitErr(t, done))

	for _, env := range pub.all() {
		assert.Greater(t, env.Record.Timestamp().Seconds(), 1e9,
			"published records must carry host-aligned time, not device epoch")
	}
}

func TestSessionCancelDuringConnectClosesCleanly(t *testing.T) {
	cfg := testConfig()
	cfg.ConnectTimeout = 5 * time.Second

	trans := &transitionLog{}
	pub := &capturePublisher{}
	id, err := sensor.ParseIdentity("ECG1234")
	require.NoError(t, err)
	sess, err := New(id, cfg, Deps{
		Scanner:      sim.NewScanner(nil), // never resolves
		Publisher:    pub,
		Logger:       quietLogger(),
		OnTransition: trans.record,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(sess, ctx)
	time.Sleep(50 * time.Millisecond)
	cancel()

	require.NoError(t, waitErr(t, done))
	assert.Equal(t, []State{StateConnecting, StateClosing, StateClosed}, trans.states())
	assert.False(t, sess.Streamed())
	assert.Equal(t, CauseNone, sess.Cause())
}

func TestSessionRunIsSingleUse(t *testing.T) {
	pub := &capturePublisher{}
	sess, _ := newSimSession(t, "ECG1234", testConfig(),
		Deps{Publisher: pub, Logger: quietLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(sess, ctx)
	require.Eventually(t, func() bool { return sess.State() == StateStreaming },
		3*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, waitErr(t, done))

	err := sess.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrAlreadyStarted))
	assert.True(t, errors.IsInvalid(err))
}

func TestSessionRejectsCancelledContext(t *testing.T) {
	sess, _ := newSimSession(t, "ECG1234", testConfig(),
		Deps{Publisher: &capturePublisher{}, Logger: quietLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := sess.Run(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, StateIdle, sess.State())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"zero drift tolerance allowed", func(c *Config) { c.DriftTolerance = 0 }, false},
		{"zero connect timeout", func(c *Config) { c.ConnectTimeout = 0 }, true},
		{"zero sync timeout", func(c *Config) { c.SyncTimeout = 0 }, true},
		{"negative drift tolerance", func(c *Config) { c.DriftTolerance = -time.Second }, true},
		{"zero battery interval", func(c *Config) { c.BatteryInterval = 0 }, true},
		{"zero disconnect timeout", func(c *Config) { c.DisconnectTimeout = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsInvalid(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
