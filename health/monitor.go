package health

import (
	"sync"
	"time"
)

// Monitor collects the latest Status per component for on-demand
// aggregation. The service registers one entry per lifecycle component
// (sinks, dispatcher, manager) plus the broker connection, refreshed
// on every health poll.
type Monitor struct {
	mu     sync.RWMutex
	byName map[string]Status
}

// NewMonitor returns an empty monitor.
func NewMonitor() *Monitor {
	return &Monitor{byName: make(map[string]Status)}
}

// Update stores the latest status for name. The stored entry always
// carries name as its component and a non-zero timestamp, regardless
// of what the caller filled in.
func (m *Monitor) Update(name string, status Status) {
	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}

	m.mu.Lock()
	m.byName[name] = status
	m.mu.Unlock()
}

// UpdateHealthy records name as healthy.
func (m *Monitor) UpdateHealthy(name, message string) {
	m.Update(name, NewHealthy(name, message))
}

// UpdateUnhealthy records name as unhealthy.
func (m *Monitor) UpdateUnhealthy(name, message string) {
	m.Update(name, NewUnhealthy(name, message))
}

// UpdateDegraded records name as degraded.
func (m *Monitor) UpdateDegraded(name, message string) {
	m.Update(name, NewDegraded(name, message))
}

// Get returns the tracked status for name.
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status, ok := m.byName[name]
	return status, ok
}

// GetAll returns a snapshot of every tracked status, keyed by
// component name. The snapshot is a copy; mutating it does not touch
// the monitor.
func (m *Monitor) GetAll() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := make(map[string]Status, len(m.byName))
	for name, status := range m.byName {
		snapshot[name] = status
	}
	return snapshot
}

// AggregateHealth rolls every tracked component into one system-level
// status, with sub-statuses sorted by component name.
func (m *Monitor) AggregateHealth(systemName string) Status {
	m.mu.RLock()
	subs := make([]Status, 0, len(m.byName))
	for _, status := range m.byName {
		subs = append(subs, status)
	}
	m.mu.RUnlock()

	return Aggregate(systemName, subs)
}
