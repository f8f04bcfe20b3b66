package sim

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sensors-inl/biostream/errors"
)

func TestScannerResolvesKnownDevice(t *testing.T) {
	ecg, err := NewDevice("ECG1234")
	require.NoError(t, err)
	eda, err := NewDevice("EDA_5678")
	require.NoError(t, err)

	s := NewScanner([]*Device{ecg, eda})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	got, err := s.Scan(ctx, "ECG1234")
	require.NoError(t, err)
	assert.Same(t, ecg, got)

	// Registration keys on the normalized advertised name.
	got, err = s.Scan(ctx, "EDA5678")
	require.NoError(t, err)
	assert.Same(t, eda, got)
}

func TestScannerTimesOutOnUnknownName(t *testing.T) {
	s := NewScanner(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := s.Scan(ctx, "ECG0000")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrDeviceNotFound))
	assert.True(t, errors.IsTransient(err), "a missed scan can be retried")
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond,
		"scan waits out the context before giving up")
}

func TestScannerDiscoversLateDevice(t *testing.T) {
	s := NewScanner(nil)

	d, err := NewDevice("ECG7777")
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		s.Add(d)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got, err := s.Scan(ctx, "ECG7777")
	require.NoError(t, err)
	assert.Same(t, d, got)
}

func TestScannerRemove(t *testing.T) {
	d, err := NewDevice("EDA4321")
	require.NoError(t, err)

	s := NewScanner([]*Device{d})
	s.Remove("EDA4321")

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	_, err = s.Scan(ctx, "EDA4321")
	assert.True(t, errors.Is(err, errors.ErrDeviceNotFound))
}

func TestScannerLatencyDelaysResolution(t *testing.T) {
	d, err := NewDevice("ECG8888")
	require.NoError(t, err)

	s := NewScanner([]*Device{d}, WithScanLatency(50*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	start := time.Now()
	got, err := s.Scan(ctx, "ECG8888")
	require.NoError(t, err)
	assert.Same(t, d, got)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestScannerLatencyRespectsContext(t *testing.T) {
	d, err := NewDevice("ECG8889")
	require.NoError(t, err)

	s := NewScanner([]*Device{d}, WithScanLatency(500*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err = s.Scan(ctx, "ECG8889")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrDeviceNotFound))
}
