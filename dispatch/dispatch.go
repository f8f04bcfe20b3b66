// Package dispatch fans decoded sample envelopes out to every registered
// sink. Each (sink, sensor) pair gets its own bounded queue so one slow
// sink never delays or drops samples for another, and one drain worker
// per sink keeps writes serialized. Backpressure is two-tier: crossing
// the soft threshold raises a pressure warning once per episode, and at
// hard capacity the oldest pending envelope for that pair is dropped to
// admit the new one.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sensors-inl/biostream/component"
	"github.com/sensors-inl/biostream/errors"
	"github.com/sensors-inl/biostream/metric"
	"github.com/sensors-inl/biostream/pkg/buffer"
	"github.com/sensors-inl/biostream/sensor"
)

// Compile-time contract check.
var _ component.Component = (*Dispatcher)(nil)

// drainBatchSize bounds how many envelopes a worker takes from one
// sensor's queue before moving to the next, so a chatty sensor cannot
// starve the others on the same sink.
const drainBatchSize = 32

// Sink consumes envelopes for one destination. Write is called from a
// single goroutine per sink, never concurrently for the same sensor, and
// must not retain the envelope past the call unless it copies what it
// needs. A Write error is counted and logged but does not stop dispatch.
type Sink interface {
	Name() string
	Write(ctx context.Context, env *sensor.Envelope) error
}

// Config holds the queue geometry shared by every (sink, sensor) pair.
type Config struct {
	// QueueCapacity is the hard threshold: at this depth the oldest
	// pending envelope is dropped to admit a new one.
	QueueCapacity int `json:"queue_capacity" yaml:"queue_capacity"`

	// SoftThreshold is the depth at which a pressure warning is raised,
	// once per episode until the queue drains back below it.
	SoftThreshold int `json:"soft_threshold" yaml:"soft_threshold"`
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.QueueCapacity < 1 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"queue_capacity must be at least 1")
	}
	if c.SoftThreshold < 1 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"soft_threshold must be at least 1")
	}
	if c.SoftThreshold >= c.QueueCapacity {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"soft_threshold must be below queue_capacity")
	}
	return nil
}

// DefaultConfig returns the default queue geometry: 256 pending records
// per pair (about half a minute of ECG at the stock record rate) with
// the warning threshold at three quarters of that.
func DefaultConfig() Config {
	return Config{
		QueueCapacity: 256,
		SoftThreshold: 192,
	}
}

// Deps carries the dispatcher's collaborators.
type Deps struct {
	Logger  *slog.Logger
	Metrics *metric.Metrics
}

func (d Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// sinkState is one registered sink with its per-sensor queues. The
// drain worker is the only reader; sessions publish concurrently.
type sinkState struct {
	sink Sink

	mu     sync.RWMutex
	queues map[string]buffer.Buffer[*sensor.Envelope]
	order  []string

	// notify carries at most one pending wakeup for the drain worker.
	notify chan struct{}

	writeErrors atomic.Int64
	drops       atomic.Int64
}

func (ss *sinkState) lookup(sensorName string) buffer.Buffer[*sensor.Envelope] {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return ss.queues[sensorName]
}

func (ss *sinkState) sensorNames() []string {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	names := make([]string, len(ss.order))
	copy(names, ss.order)
	return names
}

func (ss *sinkState) remove(sensorName string) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	q, ok := ss.queues[sensorName]
	if !ok {
		return
	}
	delete(ss.queues, sensorName)
	for i, name := range ss.order {
		if name == sensorName {
			ss.order = append(ss.order[:i], ss.order[i+1:]...)
			break
		}
	}
	_ = q.Close()
}

// SinkStats is a point-in-time view of one sink's dispatch counters.
type SinkStats struct {
	Sink        string         `json:"sink"`
	Drops       int64          `json:"drops"`
	WriteErrors int64          `json:"write_errors"`
	QueueDepths map[string]int `json:"queue_depths"`
}

// Dispatcher routes envelopes from sessions to sinks.
type Dispatcher struct {
	config  Config
	logger  *slog.Logger
	metrics *metric.Metrics

	mu    sync.RWMutex
	sinks []*sinkState

	// Lifecycle management
	lifecycleMu sync.Mutex
	running     bool
	startTime   time.Time
	shutdown    chan struct{}
	wg          sync.WaitGroup
}

// NewDispatcher creates a dispatcher with the given queue geometry.
// Sinks are added with Register before Start.
func NewDispatcher(config Config, deps Deps) (*Dispatcher, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Dispatcher{
		config:   config,
		logger:   deps.logger(),
		metrics:  deps.Metrics,
		shutdown: make(chan struct{}),
	}, nil
}

// Register adds a sink. All sinks must be registered before Start.
func (d *Dispatcher) Register(sink Sink) error {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()

	if d.running {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Dispatcher", "Register", "add sink")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ss := range d.sinks {
		if ss.sink.Name() == sink.Name() {
			return errors.WrapInvalid(
				fmt.Errorf("duplicate sink %q", sink.Name()),
				"Dispatcher", "Register", "add sink")
		}
	}
	d.sinks = append(d.sinks, &sinkState{
		sink:   sink,
		queues: make(map[string]buffer.Buffer[*sensor.Envelope]),
		notify: make(chan struct{}, 1),
	})
	return nil
}

// Name implements component.Component.
func (d *Dispatcher) Name() string { return "dispatcher" }

// Initialize implements component.Component. Queue geometry was already
// validated at construction; there is nothing to prepare.
func (d *Dispatcher) Initialize() error { return nil }

// Start launches one drain worker per registered sink.
func (d *Dispatcher) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.WrapTransient(err, "Dispatcher", "Start", "check context")
	}

	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()

	if d.running {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Dispatcher", "Start", "check running state")
	}

	d.mu.RLock()
	sinks := d.sinks
	d.mu.RUnlock()

	d.shutdown = make(chan struct{})
	for _, ss := range sinks {
		d.wg.Add(1)
		go d.drainLoop(ctx, ss)
	}

	d.running = true
	d.startTime = time.Now()
	d.logger.Info("dispatcher started",
		"sinks", len(sinks),
		"queue_capacity", d.config.QueueCapacity,
		"soft_threshold", d.config.SoftThreshold)
	return nil
}

// Stop halts the drain workers. Envelopes still queued are abandoned,
// not awaited.
func (d *Dispatcher) Stop(timeout time.Duration) error {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()

	if !d.running {
		return nil
	}
	d.running = false

	close(d.shutdown)

	waitCh := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
	case <-time.After(timeout):
		return errors.WrapTransient(
			fmt.Errorf("drain workers still running after %v", timeout),
			"Dispatcher", "Stop", "shutdown")
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, ss := range d.sinks {
		for _, name := range ss.sensorNames() {
			ss.remove(name)
		}
	}
	d.logger.Info("dispatcher stopped")
	return nil
}

// Health implements component.Component.
func (d *Dispatcher) Health() component.HealthStatus {
	d.lifecycleMu.Lock()
	running := d.running
	startTime := d.startTime
	d.lifecycleMu.Unlock()

	var writeErrors int64
	d.mu.RLock()
	for _, ss := range d.sinks {
		writeErrors += ss.writeErrors.Load()
	}
	d.mu.RUnlock()

	status := component.HealthStatus{
		Healthy:    running,
		LastCheck:  time.Now(),
		ErrorCount: int(writeErrors),
	}
	if running {
		status.Uptime = time.Since(startTime)
	}
	return status
}

// Publish delivers one envelope to every registered sink. It never
// blocks on a slow sink; overload is absorbed by the per-pair queues.
// The envelope is shared across sinks and must not be mutated after the
// call. Envelopes published while the dispatcher is not running are
// discarded.
func (d *Dispatcher) Publish(env *sensor.Envelope) {
	d.lifecycleMu.Lock()
	running := d.running
	d.lifecycleMu.Unlock()
	if !running {
		return
	}

	d.mu.RLock()
	sinks := d.sinks
	d.mu.RUnlock()

	for _, ss := range sinks {
		d.enqueue(ss, env)
	}
}

// Forget removes a sensor's queues from every sink, discarding whatever
// is still pending. Sessions call this when they close.
func (d *Dispatcher) Forget(sensorName string) {
	d.mu.RLock()
	sinks := d.sinks
	d.mu.RUnlock()

	for _, ss := range sinks {
		ss.remove(sensorName)
	}
}

// Stats returns per-sink dispatch counters and queue depths.
func (d *Dispatcher) Stats() []SinkStats {
	d.mu.RLock()
	sinks := d.sinks
	d.mu.RUnlock()

	stats := make([]SinkStats, 0, len(sinks))
	for _, ss := range sinks {
		s := SinkStats{
			Sink:        ss.sink.Name(),
			Drops:       ss.drops.Load(),
			WriteErrors: ss.writeErrors.Load(),
			QueueDepths: make(map[string]int),
		}
		for _, name := range ss.sensorNames() {
			if q := ss.lookup(name); q != nil {
				s.QueueDepths[name] = q.Size()
			}
		}
		stats = append(stats, s)
	}
	return stats
}

func (d *Dispatcher) enqueue(ss *sinkState, env *sensor.Envelope) {
	q, err := d.queueFor(ss, env.Sensor.Name)
	if err != nil {
		d.logger.Error("queue creation failed",
			"sink", ss.sink.Name(), "sensor", env.Sensor.Name, "error", err)
		return
	}

	// DropOldest admission: Write only fails on a closed queue, which
	// means the sensor was forgotten mid-publish.
	if err := q.Write(env); err != nil {
		return
	}
	if d.metrics != nil {
		d.metrics.RecordSinkQueueDepth(ss.sink.Name(), env.Sensor.Name, q.Size())
	}

	select {
	case ss.notify <- struct{}{}:
	default:
	}
}

// queueFor returns the (sink, sensor) queue, creating it on first use.
func (d *Dispatcher) queueFor(ss *sinkState, sensorName string) (buffer.Buffer[*sensor.Envelope], error) {
	if q := ss.lookup(sensorName); q != nil {
		return q, nil
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()
	if q := ss.queues[sensorName]; q != nil {
		return q, nil
	}

	sinkName := ss.sink.Name()
	q, err := buffer.NewCircularBuffer[*sensor.Envelope](
		d.config.QueueCapacity,
		buffer.WithOverflowPolicy[*sensor.Envelope](buffer.DropOldest),
		buffer.WithPressureThreshold[*sensor.Envelope](d.config.SoftThreshold, func(size int) {
			d.logger.Warn("sink under pressure",
				"sink", sinkName, "sensor", sensorName,
				"depth", size, "soft_threshold", d.config.SoftThreshold)
		}),
		buffer.WithDropCallback[*sensor.Envelope](func(dropped *sensor.Envelope) {
			ss.drops.Add(1)
			if d.metrics != nil {
				d.metrics.RecordSinkDrop(sinkName, dropped.Sensor.Name)
			}
			d.logger.Debug("sink overflow, oldest envelope dropped",
				"sink", sinkName, "sensor", dropped.Sensor.Name, "seq", dropped.Seq)
		}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "Dispatcher", "queueFor", "create queue")
	}

	ss.queues[sensorName] = q
	ss.order = append(ss.order, sensorName)
	return q, nil
}

// drainLoop is the sink's single worker: it wakes on enqueue signals
// and moves envelopes from the per-sensor queues into the sink.
func (d *Dispatcher) drainLoop(ctx context.Context, ss *sinkState) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.shutdown:
			return
		case <-ss.notify:
			d.drain(ctx, ss)
		}
	}
}

// drain empties the sink's queues in rotation, a bounded batch per
// sensor per pass so every sensor keeps making progress. Per-sensor
// FIFO holds because each queue has exactly this one reader.
func (d *Dispatcher) drain(ctx context.Context, ss *sinkState) {
	for {
		worked := false
		for _, name := range ss.sensorNames() {
			q := ss.lookup(name)
			if q == nil {
				continue
			}
			for _, env := range q.ReadBatch(drainBatchSize) {
				worked = true
				if ctx.Err() != nil {
					return
				}
				if err := ss.sink.Write(ctx, env); err != nil {
					ss.writeErrors.Add(1)
					d.logger.Warn("sink write failed",
						"sink", ss.sink.Name(), "sensor", env.Sensor.Name,
						"seq", env.Seq, "error", err)
					if d.metrics != nil {
						d.metrics.RecordError(ss.sink.Name(), "write")
					}
				} else if d.metrics != nil {
					d.metrics.RecordSampleDistributed(ss.sink.Name(), env.Sensor.Name)
				}
			}
			if d.metrics != nil {
				d.metrics.RecordSinkQueueDepth(ss.sink.Name(), name, q.Size())
			}
		}
		if !worked {
			return
		}
	}
}
