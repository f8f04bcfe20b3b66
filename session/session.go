// Package session drives one sensor's acquisition lifecycle: resolve
// and connect the device over the transport, set its RTC with the
// clock-sync handshake, then decode the notification stream into
// envelopes for the distribution pipeline.
//
// A Session is single use. The connection manager creates a fresh one
// for every attempt and watches its transitions to run slot accounting
// and retry policy. Only the Streaming state emits envelopes; records
// decoded in any other state are discarded.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sensors-inl/biostream/codec"
	"github.com/sensors-inl/biostream/errors"
	"github.com/sensors-inl/biostream/metric"
	"github.com/sensors-inl/biostream/pkg/timestamp"
	"github.com/sensors-inl/biostream/sensor"
	"github.com/sensors-inl/biostream/transport"
)

const componentName = "Session"

// batteryReadTimeout bounds one battery read so a stuck characteristic
// cannot stall record decoding.
const batteryReadTimeout = 5 * time.Second

// State is a session lifecycle phase. The numeric values are exported
// on the session state gauge, so the order must stay stable.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateSyncing
	StateStreaming
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateSyncing:
		return "syncing"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON status reports.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// FailureCause tells the connection manager which phase a failed
// session died in.
type FailureCause int

const (
	CauseNone FailureCause = iota

	// CauseConnectTimeout: scan, connect or subscribe did not produce a
	// working link within the connect timeout.
	CauseConnectTimeout

	// CauseSyncTimeout: the RTC-set handshake was not acknowledged in
	// time.
	CauseSyncTimeout

	// CauseTransportDropped: the link failed under the session, whether
	// during the handshake or mid-stream.
	CauseTransportDropped
)

func (c FailureCause) String() string {
	switch c {
	case CauseNone:
		return "none"
	case CauseConnectTimeout:
		return "connect_timeout"
	case CauseSyncTimeout:
		return "sync_timeout"
	case CauseTransportDropped:
		return "transport_dropped"
	default:
		return fmt.Sprintf("cause(%d)", int(c))
	}
}

// Transition is one observed state change.
type Transition struct {
	Sensor sensor.Identity
	From   State
	To     State
	Cause  FailureCause // set when To is StateFailed
	Err    error        // the failure behind a StateFailed transition
}

// Config holds the per-session timeouts and intervals.
type Config struct {
	// ConnectTimeout bounds the whole link establishment phase: scan,
	// connect and stream subscription together.
	ConnectTimeout time.Duration `json:"connect_timeout" yaml:"connect_timeout"`

	// SyncTimeout bounds the wait for the RTC-set acknowledgment.
	SyncTimeout time.Duration `json:"sync_timeout" yaml:"sync_timeout"`

	// DriftTolerance is how far the device clock may step backward
	// between consecutive records before a drift warning is raised.
	// Zero warns on any backward step.
	DriftTolerance time.Duration `json:"drift_tolerance" yaml:"drift_tolerance"`

	// BatteryInterval is the battery poll period while streaming.
	BatteryInterval time.Duration `json:"battery_interval" yaml:"battery_interval"`

	// DisconnectTimeout bounds the clean link teardown on close.
	DisconnectTimeout time.Duration `json:"disconnect_timeout" yaml:"disconnect_timeout"`
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.ConnectTimeout <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"connect timeout must be positive")
	}
	if c.SyncTimeout <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"sync timeout must be positive")
	}
	if c.DriftTolerance < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"drift tolerance cannot be negative")
	}
	if c.BatteryInterval <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"battery interval must be positive")
	}
	if c.DisconnectTimeout <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"disconnect timeout must be positive")
	}
	return nil
}

// DefaultConfig returns default configuration for a session.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:    10 * time.Second,
		SyncTimeout:       5 * time.Second,
		DriftTolerance:    500 * time.Millisecond,
		BatteryInterval:   2 * time.Minute,
		DisconnectTimeout: 2 * time.Second,
	}
}

// Publisher receives the envelopes a streaming session emits and the
// deregistration when it closes. The dispatcher implements it.
type Publisher interface {
	Publish(env *sensor.Envelope)
	Forget(sensorName string)
}

// Deps carries the session's collaborators.
type Deps struct {
	Scanner   transport.Scanner
	Publisher Publisher
	Logger    *slog.Logger
	Metrics   *metric.Metrics

	// OnTransition, when set, is called synchronously on every state
	// change, in transition order. It must not block; the manager uses
	// it for slot accounting.
	OnTransition func(Transition)

	// OnBattery, when set, receives every successful battery reading
	// while the session streams.
	OnBattery func(sensor string, percent int)
}

func (d Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// Session owns one device link from scan to teardown. The frame
// reassembly buffer belongs to the Run goroutine exclusively; nothing
// else touches it.
type Session struct {
	id      sensor.Identity
	config  Config
	deps    Deps
	logger  *slog.Logger
	metrics *metric.Metrics

	// Owned by the Run goroutine.
	decoder        *codec.FrameDecoder
	seq            uint64
	lastDeviceTime timestamp.Timestamp

	started atomic.Bool

	mu       sync.Mutex
	state    State
	cause    FailureCause
	runErr   error
	streamed bool
}

// New creates a session for one configured sensor. The session does
// nothing until Run is called, and runs at most once.
func New(id sensor.Identity, config Config, deps Deps) (*Session, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &Session{
		id:      id,
		config:  config,
		deps:    deps,
		logger:  deps.logger(),
		metrics: deps.Metrics,
		decoder: codec.NewFrameDecoder(0),
		state:   StateIdle,
	}, nil
}

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Cause returns why the session failed, or CauseNone.
func (s *Session) Cause() FailureCause {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

// Err returns the failure behind a Failed session, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runErr
}

// Streamed reports whether this run reached Streaming. The manager
// grants a fresh attempt budget when a streamed session drops.
func (s *Session) Streamed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamed
}

// Run drives the full lifecycle and blocks until the session is Closed
// or Failed. Cancelling ctx requests a clean close from any phase; Run
// returns nil for a clean close and the failure otherwise.
func (s *Session) Run(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.WrapTransient(err, componentName, "Run", "check context")
	}
	if !s.started.CompareAndSwap(false, true) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, componentName, "Run", "check run state")
	}
	if s.deps.Scanner == nil || s.deps.Publisher == nil {
		return errors.WrapFatal(errors.ErrMissingConfig, componentName, "Run",
			"transport scanner and publisher required")
	}

	if s.metrics != nil {
		s.metrics.RecordSessionAttempt(s.id.Name)
	}

	s.transition(StateConnecting, CauseNone, nil)
	dev, stream, err := s.establish(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return s.close(dev)
		}
		return s.fail(CauseConnectTimeout, err, dev)
	}

	s.transition(StateSyncing, CauseNone, nil)
	cause, err := s.sync(ctx, dev, stream)
	if err != nil {
		if ctx.Err() != nil {
			return s.close(dev)
		}
		return s.fail(cause, err, dev)
	}

	s.transition(StateStreaming, CauseNone, nil)
	if err := s.streamLoop(ctx, dev, stream); err != nil {
		return s.fail(CauseTransportDropped, err, dev)
	}
	return s.close(dev)
}

// establish resolves the device and opens its notification stream. The
// connect timeout covers all three steps; the subscription itself lives
// on the run context so it survives past the phase.
func (s *Session) establish(ctx context.Context) (transport.Device, <-chan []byte, error) {
	cctx, cancel := context.WithTimeout(ctx, s.config.ConnectTimeout)
	defer cancel()

	dev, err := s.deps.Scanner.Scan(cctx, s.id.Name)
	if err != nil {
		return nil, nil, errors.WrapTransient(err, componentName, "establish", "resolve device")
	}
	if err := dev.Connect(cctx); err != nil {
		return dev, nil, errors.WrapTransient(err, componentName, "establish", "connect")
	}
	stream, err := dev.Subscribe(ctx)
	if err != nil {
		return dev, nil, errors.WrapTransient(err, componentName, "establish", "subscribe")
	}
	return dev, stream, nil
}

// sync runs the RTC-set handshake: one framed host timestamp out, one
// acknowledgment back. Data records arriving before the acknowledgment
// predate the sync and are discarded.
func (s *Session) sync(
	ctx context.Context, dev transport.Device, stream <-chan []byte,
) (FailureCause, error) {
	sctx, cancel := context.WithTimeout(ctx, s.config.SyncTimeout)
	defer cancel()

	hostTime := timestamp.Now()
	sentAt := time.Now()
	if err := dev.Send(sctx, codec.EncodeFrame(codec.EncodeTimestamp(hostTime))); err != nil {
		return CauseTransportDropped,
			errors.WrapTransient(err, componentName, "sync", "write RTC frame")
	}

	for {
		select {
		case <-sctx.Done():
			if err := ctx.Err(); err != nil {
				return CauseNone, errors.WrapTransient(err, componentName, "sync", "await acknowledgment")
			}
			return CauseSyncTimeout, errors.WrapTransient(
				fmt.Errorf("%w after %v", errors.ErrSyncTimeout, s.config.SyncTimeout),
				componentName, "sync", "await acknowledgment")

		case chunk, ok := <-stream:
			if !ok {
				return CauseTransportDropped, errors.WrapTransient(
					fmt.Errorf("%w: stream ended during handshake", errors.ErrConnectionLost),
					componentName, "sync", "await acknowledgment")
			}
			frames, ferrs := s.decoder.Feed(chunk)
			s.reportFrameErrors(ferrs)
			for _, frame := range frames {
				ack, err := codec.DecodeAck(frame)
				if err != nil {
					continue
				}
				rtt := time.Since(sentAt)
				if s.metrics != nil {
					s.metrics.RecordSyncRTT(s.id.Name, rtt)
				}
				s.logger.Info("clock sync complete",
					"sensor", s.id.Name,
					"host_time", hostTime.String(),
					"device_time", ack.Time.String(),
					"rtt", rtt)
				return CauseNone, nil
			}
		}
	}
}

// streamLoop decodes the notification stream until the link drops or
// the context asks for a close. A nil return means close was requested.
func (s *Session) streamLoop(ctx context.Context, dev transport.Device, stream <-chan []byte) error {
	battery := time.NewTicker(s.config.BatteryInterval)
	defer battery.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-battery.C:
			s.pollBattery(ctx, dev)
		case chunk, ok := <-stream:
			if !ok {
				return errors.WrapTransient(
					fmt.Errorf("%w: notification stream ended", errors.ErrConnectionLost),
					componentName, "stream", "receive notifications")
			}
			s.handleChunk(chunk)
		}
	}
}

// handleChunk reassembles and decodes one transport chunk, publishing
// every data record it completes. Malformed records are dropped and the
// stream continues.
func (s *Session) handleChunk(chunk []byte) {
	frames, ferrs := s.decoder.Feed(chunk)
	s.reportFrameErrors(ferrs)

	for _, frame := range frames {
		start := time.Now()
		rec, err := codec.DecodeRecord(frame, s.id.Kind)
		if s.metrics != nil {
			s.metrics.RecordDecodeDuration(s.id.Name, "record", time.Since(start))
		}
		if err != nil {
			s.logger.Warn("record dropped", "sensor", s.id.Name, "error", err)
			if s.metrics != nil {
				s.metrics.RecordError("session", "record")
			}
			continue
		}
		if _, isAck := rec.(*codec.AckRecord); isAck {
			// A repeated RTC write echoes another acknowledgment; it
			// carries no samples.
			s.logger.Debug("late acknowledgment ignored", "sensor", s.id.Name)
			continue
		}

		s.checkDrift(rec.Timestamp())

		s.seq++
		s.deps.Publisher.Publish(&sensor.Envelope{
			Sensor:   s.id,
			Record:   rec,
			HostTime: timestamp.Now(),
			Seq:      s.seq,
		})
		if s.metrics != nil {
			s.metrics.RecordRecordDecoded(s.id.Name, s.id.Kind.String())
		}
	}
}

// checkDrift compares consecutive device timestamps. A backward step
// past the tolerance is reported once per occurrence and the reference
// resets, so a clock that stays behind does not flood the log.
func (s *Session) checkDrift(ts timestamp.Timestamp) {
	if !s.lastDeviceTime.IsZero() && !ts.IsZero() {
		if back := s.lastDeviceTime.Sub(ts); back > s.config.DriftTolerance {
			s.logger.Warn("device clock jumped backward",
				"sensor", s.id.Name, "jump", back, "tolerance", s.config.DriftTolerance)
			if s.metrics != nil {
				s.metrics.RecordError("session", "clock_drift")
			}
		}
	}
	s.lastDeviceTime = ts
}

// pollBattery reads the charge level. Failures are skipped; the next
// tick tries again.
func (s *Session) pollBattery(ctx context.Context, dev transport.Device) {
	bctx, cancel := context.WithTimeout(ctx, batteryReadTimeout)
	defer cancel()

	level, err := dev.BatteryLevel(bctx)
	if err != nil {
		s.logger.Warn("battery read failed", "sensor", s.id.Name, "error", err)
		if s.metrics != nil {
			s.metrics.RecordError("session", "battery")
		}
		return
	}

	s.logger.Info("battery level", "sensor", s.id.Name, "percent", level)
	if s.metrics != nil {
		s.metrics.RecordBatteryLevel(s.id.Name, level)
	}
	if s.deps.OnBattery != nil {
		s.deps.OnBattery(s.id.Name, level)
	}
}

// fail releases the link and records the terminal failure. The device
// is torn down before the Failed transition so a retry never races a
// half-open link.
func (s *Session) fail(cause FailureCause, err error, dev transport.Device) error {
	s.logger.Warn("session failed",
		"sensor", s.id.Name, "cause", cause.String(), "error", err)
	if s.metrics != nil {
		s.metrics.RecordError("session", cause.String())
	}

	if dev != nil {
		if derr := dev.Disconnect(s.config.DisconnectTimeout); derr != nil {
			s.logger.Warn("disconnect after failure failed",
				"sensor", s.id.Name, "error", derr)
		}
	}

	s.transition(StateFailed, cause, err)
	return err
}

// close runs the clean shutdown path from any phase: Closing, link
// teardown, queue deregistration, Closed.
func (s *Session) close(dev transport.Device) error {
	s.transition(StateClosing, CauseNone, nil)

	if dev != nil {
		if err := dev.Disconnect(s.config.DisconnectTimeout); err != nil {
			s.logger.Warn("disconnect failed", "sensor", s.id.Name, "error", err)
		}
	}
	s.deps.Publisher.Forget(s.id.Name)

	s.transition(StateClosed, CauseNone, nil)
	return nil
}

// transition applies one state change, then reports it: gauge first,
// log second, observer last.
func (s *Session) transition(to State, cause FailureCause, err error) {
	s.mu.Lock()
	from := s.state
	s.state = to
	if to == StateFailed {
		s.cause = cause
		s.runErr = err
	}
	if to == StateStreaming {
		s.streamed = true
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordSessionState(s.id.Name, int(to))
	}
	s.logger.Info("session state changed",
		"sensor", s.id.Name, "from", from.String(), "to", to.String())

	if s.deps.OnTransition != nil {
		s.deps.OnTransition(Transition{Sensor: s.id, From: from, To: to, Cause: cause, Err: err})
	}
}

// reportFrameErrors logs discarded byte runs. Frame damage never stops
// the stream; the decoder has already recovered at the next delimiter.
func (s *Session) reportFrameErrors(ferrs []*codec.FrameError) {
	for _, fe := range ferrs {
		s.logger.Warn("frame discarded", "sensor", s.id.Name, "error", fe)
		if s.metrics != nil {
			s.metrics.RecordError("session", "frame")
		}
	}
}
