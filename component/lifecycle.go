package component

import (
	"context"
	"time"
)

// State is a component's position in its lifecycle. The zero value is
// StateCreated.
type State int

const (
	StateCreated State = iota
	StateInitialized
	StateStarted
	StateStopped
	StateFailed
)

var stateNames = [...]string{
	StateCreated:     "created",
	StateInitialized: "initialized",
	StateStarted:     "started",
	StateStopped:     "stopped",
	StateFailed:      "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Component is the lifecycle contract implemented by every managed
// piece of the pipeline: sensor sessions, the sample dispatcher, sinks,
// and the connection manager. The phases are:
//   - Initialize() error                    // allocate and validate, no goroutines
//   - Start(ctx context.Context) error      // launch work bounded by ctx
//   - Stop(timeout time.Duration) error     // drain and shut down
type Component interface {
	// Name returns the stable identifier used in logs, metrics, and health
	// reports. It must not change over the component's lifetime.
	Name() string

	// Initialize prepares resources without starting goroutines.
	Initialize() error

	// Start begins the component's work. Long-running work runs on goroutines
	// owned by the component; the context bounds their lifetime. Start must
	// return promptly once the work is launched.
	Start(ctx context.Context) error

	// Stop shuts the component down, waiting up to timeout for in-flight
	// work to drain. Stop is idempotent.
	Stop(timeout time.Duration) error

	// Health returns the current health status.
	Health() HealthStatus
}

// HealthStatus is a component's point-in-time health snapshot.
type HealthStatus struct {
	Healthy    bool          `json:"healthy"`
	LastCheck  time.Time     `json:"last_check"`
	ErrorCount int           `json:"error_count"`
	LastError  string        `json:"last_error,omitempty"`
	Uptime     time.Duration `json:"uptime"`
}

// ManagedComponent pairs a component with the lifecycle bookkeeping the
// service keeps for it. The service creates one child context per
// component and hands it to Start; the component never stores the
// context itself. Holding the cancel here lets the service cut off one
// component without touching the others.
type ManagedComponent struct {
	Component Component
	State     State

	Context context.Context
	Cancel  context.CancelFunc

	// StartOrder fixes the position for reverse-order shutdown.
	StartOrder int

	// LastError holds the most recent lifecycle failure.
	LastError error
}
