package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sensors-inl/biostream/metric"
)

// Sizing applied when NewPool receives non-positive values. The CSV
// sink always passes validated configuration; these cover direct use.
const (
	defaultWorkers   = 4
	defaultQueueSize = 256
)

// Handler processes one job. A returned error marks the job failed in
// the pool statistics; the pool itself does not retry.
type Handler[T any] func(ctx context.Context, job T) error

type poolState int

const (
	poolIdle poolState = iota
	poolRunning
	poolStopped
)

// Pool fans jobs of type T out to a fixed set of worker goroutines
// through a bounded intake queue. Submit never blocks: a full queue
// rejects the job with ErrQueueFull and the caller decides what to do
// with it. Pools are single use; a stopped pool cannot be restarted.
type Pool[T any] struct {
	size     int
	capacity int
	handle   Handler[T]

	jobs chan T
	wg   sync.WaitGroup

	// mu orders state changes against Submit so a job can never be
	// sent on the closed jobs channel.
	mu    sync.Mutex
	state poolState

	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64

	metrics *poolMetrics
}

// Option adjusts a Pool at construction time.
type Option[T any] func(*Pool[T])

// WithMetricsRegistry exports the pool's queue depth, utilization,
// throughput counters, and processing-time histogram under the given
// metric name prefix.
func WithMetricsRegistry[T any](registry *metric.Registry, prefix string) Option[T] {
	return func(p *Pool[T]) {
		if registry != nil && prefix != "" {
			p.metrics = newPoolMetrics(registry, prefix)
		}
	}
}

// NewPool builds a pool of workers goroutines behind a queue of
// queueSize pending jobs. The handler must not be nil.
func NewPool[T any](workers, queueSize int, handler Handler[T], opts ...Option[T]) *Pool[T] {
	if handler == nil {
		panic(ErrNilProcessor)
	}
	if workers <= 0 {
		workers = defaultWorkers
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	p := &Pool[T]{
		size:     workers,
		capacity: queueSize,
		handle:   handler,
		jobs:     make(chan T, queueSize),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the workers. The context bounds their lifetime:
// cancelling it makes workers exit immediately, abandoning queued
// jobs, which matches how the pipeline treats in-flight work on
// shutdown.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case poolRunning:
		return ErrPoolAlreadyStarted
	case poolStopped:
		return ErrPoolStopped
	}

	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.work(ctx)
	}
	if p.metrics != nil {
		p.wg.Add(1)
		go p.gaugeLoop(ctx)
	}

	p.state = poolRunning
	return nil
}

// Submit queues one job without blocking. It fails with ErrQueueFull
// when the queue is at capacity and with a lifecycle error when the
// pool is not running.
func (p *Pool[T]) Submit(job T) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case poolIdle:
		return ErrPoolNotStarted
	case poolStopped:
		return ErrPoolStopped
	}

	select {
	case p.jobs <- job:
		p.submitted.Add(1)
		if p.metrics != nil {
			p.metrics.submitted.Inc()
			p.metrics.queueDepth.Set(float64(len(p.jobs)))
		}
		return nil
	default:
		p.dropped.Add(1)
		if p.metrics != nil {
			p.metrics.dropped.Inc()
		}
		return ErrQueueFull
	}
}

// Stop closes the intake and waits up to timeout for the workers to
// drain what is already queued. The pool refuses new jobs from the
// moment Stop is entered, even if draining exceeds the timeout.
// Stopping a pool that never started is a no-op.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if p.state != poolRunning {
		p.mu.Unlock()
		return nil
	}
	p.state = poolStopped
	close(p.jobs)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return ErrStopTimeout
	}
}

// Stats returns a snapshot of the pool counters.
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		Workers:    p.size,
		QueueSize:  p.capacity,
		QueueDepth: len(p.jobs),
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Dropped:    p.dropped.Load(),
	}
}

// PoolStats is a point-in-time view of a pool. Processed counts every
// job a worker picked up, including the failed ones; Dropped counts
// jobs rejected at Submit.
type PoolStats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
}

func (p *Pool[T]) work(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.run(ctx, job)
		}
	}
}

// run executes one job and settles its statistics and metrics.
func (p *Pool[T]) run(ctx context.Context, job T) {
	start := time.Now()
	err := p.handle(ctx, job)
	elapsed := time.Since(start)

	p.processed.Add(1)
	if err != nil {
		p.failed.Add(1)
	}

	if p.metrics == nil {
		return
	}
	p.metrics.processed.Inc()
	outcome := "success"
	if err != nil {
		p.metrics.failed.Inc()
		outcome = "error"
	}
	p.metrics.processingTime.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// gaugeLoop refreshes the depth and utilization gauges between
// submissions so an idle-but-backlogged pool still reports correctly.
func (p *Pool[T]) gaugeLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depth := float64(len(p.jobs))
			p.metrics.queueDepth.Set(depth)
			p.metrics.utilization.Set(depth / float64(p.capacity))
		}
	}
}

// poolMetrics holds the Prometheus instruments for one pool, named
// {prefix}_{instrument} and registered under the worker_pool
// component.
type poolMetrics struct {
	queueDepth     prometheus.Gauge
	utilization    prometheus.Gauge
	submitted      prometheus.Counter
	processed      prometheus.Counter
	failed         prometheus.Counter
	dropped        prometheus.Counter
	processingTime *prometheus.HistogramVec
}

func newPoolMetrics(registry *metric.Registry, prefix string) *poolMetrics {
	m := &poolMetrics{
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "_queue_depth",
			Help: "Jobs waiting in the worker pool queue",
		}),
		utilization: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "_utilization",
			Help: "Queue depth as a fraction of queue capacity (0-1)",
		}),
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_submitted_total",
			Help: "Jobs accepted into the queue",
		}),
		processed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_processed_total",
			Help: "Jobs picked up by a worker",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_failed_total",
			Help: "Jobs whose handler returned an error",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_dropped_total",
			Help: "Jobs rejected because the queue was full",
		}),
		processingTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    prefix + "_processing_duration_seconds",
			Help:    "Time a worker spent on one job",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}, []string{"status"}),
	}

	const owner = "worker_pool"
	_ = registry.RegisterGauge(owner, prefix+"_queue_depth", m.queueDepth)
	_ = registry.RegisterGauge(owner, prefix+"_utilization", m.utilization)
	_ = registry.RegisterCounter(owner, prefix+"_submitted_total", m.submitted)
	_ = registry.RegisterCounter(owner, prefix+"_processed_total", m.processed)
	_ = registry.RegisterCounter(owner, prefix+"_failed_total", m.failed)
	_ = registry.RegisterCounter(owner, prefix+"_dropped_total", m.dropped)
	_ = registry.RegisterHistogramVec(owner, prefix+"_processing_duration_seconds", m.processingTime)
	return m
}
