package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sensors-inl/biostream/errors"
	"github.com/sensors-inl/biostream/transport"
)

// Compile-time contract check.
var _ transport.Scanner = (*Scanner)(nil)

// scanPollInterval is how often a pending Scan re-checks the registry, so a
// device registered mid-scan is still discovered.
const scanPollInterval = 10 * time.Millisecond

// Scanner resolves names against a registry of simulated devices. A Scan for
// an unregistered name waits for the device to appear, like a radio scan
// waiting for an advertisement, until the context expires.
type Scanner struct {
	mu      sync.RWMutex
	devices map[string]*Device
	latency time.Duration
}

// ScannerOption configures a simulated scanner.
type ScannerOption func(*Scanner)

// WithScanLatency delays every successful resolution, modeling the time a
// real scan needs to hear an advertisement.
func WithScanLatency(latency time.Duration) ScannerOption {
	return func(s *Scanner) {
		s.latency = latency
	}
}

// NewScanner creates a scanner over the given devices.
func NewScanner(devices []*Device, opts ...ScannerOption) *Scanner {
	s := &Scanner{devices: make(map[string]*Device, len(devices))}
	for _, d := range devices {
		s.devices[d.Name()] = d
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers a device, visible to scans already in flight.
func (s *Scanner) Add(d *Device) {
	s.mu.Lock()
	s.devices[d.Name()] = d
	s.mu.Unlock()
}

// Remove unregisters a device; subsequent scans for its name time out.
func (s *Scanner) Remove(name string) {
	s.mu.Lock()
	delete(s.devices, name)
	s.mu.Unlock()
}

// Scan resolves an advertised name to its device. It blocks until the device
// is registered or the context expires.
func (s *Scanner) Scan(ctx context.Context, name string) (transport.Device, error) {
	if s.latency > 0 {
		select {
		case <-time.After(s.latency):
		case <-ctx.Done():
			return nil, s.notFound(ctx, name)
		}
	}

	if d := s.lookup(name); d != nil {
		return d, nil
	}

	ticker := time.NewTicker(scanPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, s.notFound(ctx, name)
		case <-ticker.C:
			if d := s.lookup(name); d != nil {
				return d, nil
			}
		}
	}
}

func (s *Scanner) lookup(name string) *Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.devices[name]
}

func (s *Scanner) notFound(ctx context.Context, name string) error {
	return errors.WrapTransient(
		fmt.Errorf("%w: %q not advertising (%v)", errors.ErrDeviceNotFound, name, ctx.Err()),
		"SimScanner", "Scan", "resolve device")
}
