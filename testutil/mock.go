// Package testutil provides in-memory collaborators for pipeline tests: a
// mock NATS client, a lifecycle mock component, a recording log handler, and
// deterministic record/envelope generators. Nothing here touches the network
// or the filesystem.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/sensors-inl/biostream/component"
)

// MockComponent implements component.Component with injectable behavior and
// call counting, for exercising service assembly and supervision paths.
type MockComponent struct {
	// ComponentName is returned by Name; defaults to "mock" when empty.
	ComponentName string

	// Injectable behavior; nil means succeed.
	InitializeFunc func() error
	StartFunc      func(ctx context.Context) error
	StopFunc       func(timeout time.Duration) error
	HealthFunc     func() component.HealthStatus

	mu              sync.Mutex
	initializeCalls int
	startCalls      int
	stopCalls       int
	started         bool
	startedAt       time.Time
}

// NewMockComponent creates a mock with default no-op behavior.
func NewMockComponent(name string) *MockComponent {
	return &MockComponent{ComponentName: name}
}

// Name implements component.Component.
func (m *MockComponent) Name() string {
	if m.ComponentName == "" {
		return "mock"
	}
	return m.ComponentName
}

// Initialize implements component.Component.
func (m *MockComponent) Initialize() error {
	m.mu.Lock()
	m.initializeCalls++
	fn := m.InitializeFunc
	m.mu.Unlock()

	if fn != nil {
		return fn()
	}
	return nil
}

// Start implements component.Component.
func (m *MockComponent) Start(ctx context.Context) error {
	m.mu.Lock()
	m.startCalls++
	fn := m.StartFunc
	m.mu.Unlock()

	if fn != nil {
		if err := fn(ctx); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.started = true
	m.startedAt = time.Now()
	m.mu.Unlock()
	return nil
}

// Stop implements component.Component.
func (m *MockComponent) Stop(timeout time.Duration) error {
	m.mu.Lock()
	m.stopCalls++
	fn := m.StopFunc
	m.mu.Unlock()

	if fn != nil {
		if err := fn(timeout); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.started = false
	m.mu.Unlock()
	return nil
}

// Health implements component.Component. The default reports healthy while
// started.
func (m *MockComponent) Health() component.HealthStatus {
	m.mu.Lock()
	fn := m.HealthFunc
	started := m.started
	startedAt := m.startedAt
	m.mu.Unlock()

	if fn != nil {
		return fn()
	}

	status := component.HealthStatus{
		Healthy:   started,
		LastCheck: time.Now(),
	}
	if started {
		status.Uptime = time.Since(startedAt)
	}
	return status
}

// InitializeCalls returns how many times Initialize ran.
func (m *MockComponent) InitializeCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initializeCalls
}

// StartCalls returns how many times Start ran.
func (m *MockComponent) StartCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startCalls
}

// StopCalls returns how many times Stop ran.
func (m *MockComponent) StopCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopCalls
}

// IsStarted reports whether the component is currently started.
func (m *MockComponent) IsStarted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}
