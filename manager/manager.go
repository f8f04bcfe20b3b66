// Package manager supervises one acquisition session per configured
// sensor. It bounds how many sessions may hold a connection slot at
// once, retries failed sessions with exponential backoff up to an
// attempt ceiling, and marks a sensor permanently unreachable when the
// ceiling is hit without ever reaching a live stream.
//
// A connection slot covers scan through clock-sync handshake only. A
// session that reaches Streaming releases its slot immediately, so any
// number of sensors can stream while at most Parallel of them are
// establishing. A session that held a live stream and then lost it is
// restarted with a fresh attempt budget; only sensors that never
// stream run out of retries.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/sensors-inl/biostream/component"
	"github.com/sensors-inl/biostream/errors"
	"github.com/sensors-inl/biostream/metric"
	"github.com/sensors-inl/biostream/pkg/retry"
	"github.com/sensors-inl/biostream/sensor"
	"github.com/sensors-inl/biostream/session"
	"github.com/sensors-inl/biostream/transport"
)

const componentName = "Manager"

var _ component.Component = (*Manager)(nil)

// Config holds configuration for the connection manager.
type Config struct {
	// Sensors lists the device names to acquire from.
	Sensors []string `json:"sensors" yaml:"sensors"`

	// Parallel is the maximum number of sessions allowed in the
	// establishment phase at once. Streaming sessions do not count.
	Parallel int `json:"parallel" yaml:"parallel"`

	// MaxAttempts is the retry ceiling per sensor. When this many
	// session attempts fail without reaching a live stream, the sensor
	// is reported unreachable and never retried.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`

	// InitialBackoff is the delay before the second attempt. Each
	// further delay multiplies by BackoffMultiplier up to MaxBackoff.
	InitialBackoff time.Duration `json:"initial_backoff" yaml:"initial_backoff"`

	// MaxBackoff caps the delay between attempts.
	MaxBackoff time.Duration `json:"max_backoff" yaml:"max_backoff"`

	// BackoffMultiplier scales the delay after each failed attempt.
	BackoffMultiplier float64 `json:"backoff_multiplier" yaml:"backoff_multiplier"`

	// Jitter randomizes backoff delays so sensors that failed together
	// do not reconnect in lockstep.
	Jitter bool `json:"jitter" yaml:"jitter"`

	// Session carries the per-session timeouts and intervals.
	Session session.Config `json:"session" yaml:"session"`
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if len(c.Sensors) == 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"at least one sensor is required")
	}
	if _, err := sensor.ParseIdentities(c.Sensors); err != nil {
		return errors.WrapInvalid(err, "Config", "Validate", "parse sensor names")
	}
	if c.Parallel < 1 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"parallel must be at least 1")
	}
	if c.MaxAttempts < 1 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"max attempts must be at least 1")
	}
	if c.InitialBackoff <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"initial backoff must be positive")
	}
	if c.MaxBackoff < c.InitialBackoff {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"max backoff must be at least the initial backoff")
	}
	if c.BackoffMultiplier < 1 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"backoff multiplier must be at least 1")
	}
	return c.Session.Validate()
}

// DefaultConfig returns default configuration for the manager.
func DefaultConfig() Config {
	return Config{
		Parallel:          2,
		MaxAttempts:       5,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
		Session:           session.DefaultConfig(),
	}
}

// Deps carries the manager's collaborators. Scanner and Publisher are
// handed to every session it creates.
type Deps struct {
	Scanner   transport.Scanner
	Publisher session.Publisher
	Logger    *slog.Logger
	Metrics   *metric.Metrics

	// OnTransition, when set, receives every session state change after
	// the manager has updated its own accounting.
	OnTransition func(session.Transition)

	// OnBattery, when set, receives every successful battery reading
	// from any supervised sensor.
	OnBattery func(sensor string, percent int)

	// OnUnreachable, when set, is called once per sensor when its retry
	// ceiling is exhausted and supervision ends.
	OnUnreachable func(sensor string, attempts int, err error)
}

func (d Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// SensorStatus is a point-in-time view of one supervised sensor.
type SensorStatus struct {
	Sensor      string        `json:"sensor"`
	State       session.State `json:"state"`
	Attempts    int           `json:"attempts"`
	Unreachable bool          `json:"unreachable"`
	LastError   string        `json:"last_error,omitempty"`
}

// sensorState is the manager's mutable record for one sensor.
type sensorState struct {
	state       session.State
	attempts    int
	unreachable bool
	lastErr     error
}

// Manager runs one supervisor goroutine per configured sensor. Each
// supervisor creates sessions, one at a time, and reports their state
// changes into the shared status table.
type Manager struct {
	config     Config
	identities []sensor.Identity
	deps       Deps
	logger     *slog.Logger
	metrics    *metric.Metrics

	mu     sync.Mutex
	status map[string]*sensorState

	errorCount atomic.Int64

	// Lifecycle management
	lifecycleMu sync.Mutex
	running     bool
	startTime   time.Time
	cancelRun   context.CancelFunc
	wg          sync.WaitGroup
}

// New creates a manager for the configured sensors. Supervision begins
// when Start is called.
func New(config Config, deps Deps) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	identities, err := sensor.ParseIdentities(config.Sensors)
	if err != nil {
		return nil, errors.WrapInvalid(err, componentName, "New", "parse sensor names")
	}

	return &Manager{
		config:     config,
		identities: identities,
		deps:       deps,
		logger:     deps.logger(),
		metrics:    deps.Metrics,
	}, nil
}

// Name implements component.Component.
func (m *Manager) Name() string { return "manager" }

// Initialize implements component.Component.
func (m *Manager) Initialize() error { return nil }

// Start launches one supervisor per sensor. The context bounds every
// session; cancelling it closes all of them cleanly.
func (m *Manager) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.WrapTransient(err, componentName, "Start", "check context")
	}

	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if m.running {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, componentName, "Start", "check running state")
	}
	if m.deps.Scanner == nil || m.deps.Publisher == nil {
		return errors.WrapFatal(errors.ErrMissingConfig, componentName, "Start",
			"transport scanner and publisher required")
	}

	m.mu.Lock()
	m.status = make(map[string]*sensorState, len(m.identities))
	for _, id := range m.identities {
		m.status[id.Name] = &sensorState{state: session.StateIdle}
	}
	m.mu.Unlock()
	m.errorCount.Store(0)

	runCtx, cancel := context.WithCancel(ctx)
	m.cancelRun = cancel

	// The slot semaphore lives for one Start/Stop cycle and is passed
	// down rather than stored, so a restart cannot mix old and new
	// supervisors on one semaphore.
	slots := semaphore.NewWeighted(int64(m.config.Parallel))
	for _, id := range m.identities {
		m.wg.Add(1)
		go m.supervise(runCtx, id, slots)
	}

	m.running = true
	m.startTime = time.Now()
	m.logger.Info("manager started",
		"sensors", len(m.identities),
		"parallel", m.config.Parallel,
		"max_attempts", m.config.MaxAttempts)
	return nil
}

// Stop cancels every session and waits for the supervisors to finish
// their clean close.
func (m *Manager) Stop(timeout time.Duration) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if !m.running {
		return nil
	}
	m.running = false

	m.cancelRun()

	waitCh := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
	case <-time.After(timeout):
		return errors.WrapTransient(
			fmt.Errorf("session supervisors still running after %v", timeout),
			componentName, "Stop", "shutdown")
	}

	m.logger.Info("manager stopped")
	return nil
}

// Health implements component.Component. The manager stays healthy
// while at least one sensor remains viable; losing every sensor to the
// retry ceiling is an unhealthy pipeline.
func (m *Manager) Health() component.HealthStatus {
	m.lifecycleMu.Lock()
	running := m.running
	startTime := m.startTime
	m.lifecycleMu.Unlock()

	var unreachable int
	var lastErr string
	m.mu.Lock()
	for _, id := range m.identities {
		st, ok := m.status[id.Name]
		if !ok {
			continue
		}
		if st.unreachable {
			unreachable++
		}
		if st.lastErr != nil {
			lastErr = st.lastErr.Error()
		}
	}
	m.mu.Unlock()

	status := component.HealthStatus{
		Healthy:    running && unreachable < len(m.identities),
		LastCheck:  time.Now(),
		ErrorCount: int(m.errorCount.Load()),
		LastError:  lastErr,
	}
	if running {
		status.Uptime = time.Since(startTime)
	}
	return status
}

// Status reports every supervised sensor in configured order.
func (m *Manager) Status() []SensorStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]SensorStatus, 0, len(m.identities))
	for _, id := range m.identities {
		s := SensorStatus{Sensor: id.Name}
		if st, ok := m.status[id.Name]; ok {
			s.State = st.state
			s.Attempts = st.attempts
			s.Unreachable = st.unreachable
			if st.lastErr != nil {
				s.LastError = st.lastErr.Error()
			}
		}
		out = append(out, s)
	}
	return out
}

// supervise owns one sensor for the life of the manager. Each pass
// through the loop is one retry campaign; a campaign that reached a
// live stream earns the next one, a campaign that never did ends the
// sensor for good.
func (m *Manager) supervise(ctx context.Context, id sensor.Identity, slots *semaphore.Weighted) {
	defer m.wg.Done()

	for {
		streamed, err := m.campaign(ctx, id, slots)
		if ctx.Err() != nil {
			return
		}
		if streamed {
			// The device held a live stream before dropping, so the
			// attempt budget starts over for the reconnect.
			continue
		}
		if err != nil {
			m.markUnreachable(id, err)
		}
		return
	}
}

// campaign runs session attempts under one retry budget. It reports
// whether any attempt reached Streaming; an established session's
// eventual end, clean or dropped, never counts against the budget.
func (m *Manager) campaign(ctx context.Context, id sensor.Identity, slots *semaphore.Weighted) (bool, error) {
	m.resetAttempts(id)

	cfg := retry.Config{
		MaxAttempts:  m.config.MaxAttempts,
		InitialDelay: m.config.InitialBackoff,
		MaxDelay:     m.config.MaxBackoff,
		Multiplier:   m.config.BackoffMultiplier,
		AddJitter:    m.config.Jitter,
		Notify: func(attempt int, err error, next time.Duration) {
			m.logger.Warn("session attempt failed",
				"sensor", id.Name,
				"attempt", attempt,
				"ceiling", m.config.MaxAttempts,
				"retry_in", next,
				"error", err)
		},
	}

	var streamed bool
	err := retry.Do(ctx, cfg, func() error {
		ok, runErr := m.runSession(ctx, id, slots)
		if ok {
			streamed = true
			return nil
		}
		return runErr
	})
	if err != nil && !streamed && ctx.Err() == nil {
		err = fmt.Errorf("%w: %w", errors.ErrRetriesExhausted, err)
	}
	return streamed, err
}

// runSession performs one session attempt: acquire a connection slot,
// run a fresh session to completion, release the slot no later than
// the session's exit.
func (m *Manager) runSession(ctx context.Context, id sensor.Identity, slots *semaphore.Weighted) (bool, error) {
	if err := slots.Acquire(ctx, 1); err != nil {
		return false, errors.WrapTransient(err, componentName, "runSession", "acquire connect slot")
	}

	var once sync.Once
	release := func() { once.Do(func() { slots.Release(1) }) }
	defer release()

	m.bumpAttempts(id)

	sess, err := session.New(id, m.config.Session, session.Deps{
		Scanner:   m.deps.Scanner,
		Publisher: m.deps.Publisher,
		Logger:    m.logger,
		Metrics:   m.metrics,
		OnBattery: m.deps.OnBattery,
		OnTransition: func(t session.Transition) {
			// Accounting runs before the release so a freed slot can
			// never admit a session whose predecessor still looks like
			// it is establishing.
			m.observe(t)
			if t.To == session.StateStreaming || t.To == session.StateFailed {
				release()
			}
		},
	})
	if err != nil {
		return false, retry.NonRetryable(err)
	}

	err = sess.Run(ctx)
	return sess.Streamed(), err
}

// observe folds one session transition into the status table and
// forwards it to the external observer.
func (m *Manager) observe(t session.Transition) {
	m.mu.Lock()
	if st, ok := m.status[t.Sensor.Name]; ok {
		st.state = t.To
		if t.To == session.StateFailed {
			st.lastErr = t.Err
		}
	}
	m.mu.Unlock()

	if t.To == session.StateFailed {
		m.errorCount.Add(1)
	}
	if m.deps.OnTransition != nil {
		m.deps.OnTransition(t)
	}
}

// markUnreachable retires a sensor whose retry ceiling was hit. Its
// dispatch queues are deregistered because no further session will
// feed them.
func (m *Manager) markUnreachable(id sensor.Identity, err error) {
	err = fmt.Errorf("%w: %w", errors.ErrUnreachable, err)

	m.mu.Lock()
	if st, ok := m.status[id.Name]; ok {
		st.unreachable = true
		st.lastErr = err
	}
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordError("manager", "unreachable")
	}
	m.logger.Error("sensor unreachable, giving up",
		"sensor", id.Name,
		"attempts", m.config.MaxAttempts,
		"error", err)
	m.deps.Publisher.Forget(id.Name)
	if m.deps.OnUnreachable != nil {
		m.deps.OnUnreachable(id.Name, m.config.MaxAttempts, err)
	}
}

func (m *Manager) bumpAttempts(id sensor.Identity) {
	m.mu.Lock()
	if st, ok := m.status[id.Name]; ok {
		st.attempts++
	}
	m.mu.Unlock()
}

func (m *Manager) resetAttempts(id sensor.Identity) {
	m.mu.Lock()
	if st, ok := m.status[id.Name]; ok {
		st.attempts = 0
	}
	m.mu.Unlock()
}
