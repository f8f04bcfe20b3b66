// Package csvfile persists sensor samples as per-sensor CSV recordings.
//
// Each acquisition writes one file per sensor, named after the
// acquisition start time and the sensor. Rows accumulate in memory and
// a periodic flush appends them to disk, one worker per sensor file so
// slow storage never stalls acquisition.
package csvfile

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sensors-inl/biostream/codec"
	"github.com/sensors-inl/biostream/component"
	"github.com/sensors-inl/biostream/dispatch"
	"github.com/sensors-inl/biostream/errors"
	"github.com/sensors-inl/biostream/metric"
	"github.com/sensors-inl/biostream/pkg/worker"
	"github.com/sensors-inl/biostream/sensor"
)

var (
	_ component.Component = (*Sink)(nil)
	_ dispatch.Sink       = (*Sink)(nil)
)

// startLayout formats the acquisition start for file names,
// e.g. 2026_03_14_09h30m.
const startLayout = "2006_01_02_15h04m"

// Header rows, written once when a file is created.
const (
	ecgHeader = "Time (s);ECG (A.U.)"
	edaHeader = "Time (s);EDA (uS)"
)

// Config holds configuration for the CSV storage sink.
type Config struct {
	// Directory receives one CSV file per sensor per acquisition.
	Directory string `json:"directory" yaml:"directory"`

	// FlushInterval is how often pending rows are appended to disk.
	FlushInterval time.Duration `json:"flush_interval" yaml:"flush_interval"`

	// Workers bounds how many sensor files are flushed concurrently.
	Workers int `json:"workers" yaml:"workers"`

	// QueueSize bounds flush jobs waiting for a free worker.
	QueueSize int `json:"queue_size" yaml:"queue_size"`
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Directory == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"directory is required")
	}
	if c.FlushInterval <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"flush_interval must be positive")
	}
	if c.Workers < 1 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"workers must be at least 1")
	}
	if c.QueueSize < 1 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"queue_size must be at least 1")
	}
	return nil
}

// DefaultConfig returns default configuration for the CSV sink.
func DefaultConfig() Config {
	return Config{
		Directory:     "recordings",
		FlushInterval: 5 * time.Second,
		Workers:       4,
		QueueSize:     64,
	}
}

// Deps carries the sink's collaborators. Registry is optional; when set
// the flush worker pool registers its own metrics under csv_flusher.
type Deps struct {
	Logger   *slog.Logger
	Metrics  *metric.Metrics
	Registry *metric.Registry
}

func (d Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// Option adjusts construction-time behavior.
type Option func(*Sink)

// WithNowFunc overrides the clock used to stamp the acquisition start.
func WithNowFunc(now func() time.Time) Option {
	return func(s *Sink) { s.now = now }
}

// sensorFile tracks one sensor's output file and its unflushed rows.
// pending and flushing are guarded by the sink's mu; path and header
// are fixed at creation.
type sensorFile struct {
	identity sensor.Identity
	path     string
	header   string

	pending  []sensor.Sample
	flushing bool
}

// flushJob is one sensor's snapshot of pending rows bound for its file.
type flushJob struct {
	file *sensorFile
	rows []sensor.Sample
}

// Stats is a point-in-time view of the sink's write counters.
type Stats struct {
	RowsWritten int64 `json:"rows_written"`
	WriteErrors int64 `json:"write_errors"`
	Flushes     int64 `json:"flushes"`
	PendingRows int   `json:"pending_rows"`
}

// Sink appends expanded samples to per-sensor CSV files. It implements
// dispatch.Sink for delivery and component.Component for lifecycle.
type Sink struct {
	config  Config
	logger  *slog.Logger
	metrics *metric.Metrics

	// registry, when present, receives the flush pool's metrics.
	registry *metric.Registry
	now      func() time.Time

	// Acquisition state, reset on every Start. The time axis written to
	// disk is relative to start.
	start  time.Time
	prefix string

	mu      sync.Mutex
	sensors map[string]*sensorFile

	pool *worker.Pool[flushJob]

	// Lifecycle management
	lifecycleMu sync.Mutex
	running     bool
	startTime   time.Time
	shutdown    chan struct{}
	wg          sync.WaitGroup

	rowsWritten atomic.Int64
	writeErrors atomic.Int64
	flushes     atomic.Int64
}

// NewSink creates a CSV sink with the given configuration.
func NewSink(config Config, deps Deps, opts ...Option) (*Sink, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	s := &Sink{
		config:   config,
		logger:   deps.logger(),
		metrics:  deps.Metrics,
		registry: deps.Registry,
		now:      time.Now,
		sensors:  make(map[string]*sensorFile),
		shutdown: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Name implements component.Component and dispatch.Sink.
func (s *Sink) Name() string { return "csvfile" }

// Initialize creates the output directory. Failure here is fatal: a
// recording destination that cannot exist is not worth starting for.
func (s *Sink) Initialize() error {
	if err := os.MkdirAll(s.config.Directory, 0755); err != nil {
		return errors.WrapFatal(err, "Sink", "Initialize", "create output directory")
	}
	return nil
}

// Start stamps the acquisition start and launches the flush machinery.
func (s *Sink) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.WrapTransient(err, "Sink", "Start", "check context")
	}

	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.running {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Sink", "Start", "check running state")
	}

	var opts []worker.Option[flushJob]
	if s.registry != nil {
		opts = append(opts, worker.WithMetricsRegistry[flushJob](s.registry, "csv_flusher"))
	}
	pool := worker.NewPool(s.config.Workers, s.config.QueueSize, s.processFlush, opts...)
	if err := pool.Start(ctx); err != nil {
		return errors.WrapTransient(err, "Sink", "Start", "start flush workers")
	}
	s.pool = pool

	s.start = s.now()
	s.prefix = s.start.Format(startLayout)
	s.mu.Lock()
	s.sensors = make(map[string]*sensorFile)
	s.mu.Unlock()

	s.shutdown = make(chan struct{})
	s.wg.Add(1)
	go s.flushLoop()

	s.running = true
	s.startTime = time.Now()
	s.logger.Info("csv sink started",
		"directory", s.config.Directory,
		"file_prefix", s.prefix,
		"flush_interval", s.config.FlushInterval,
		"workers", s.config.Workers)
	return nil
}

// Stop halts the flush loop, drains the worker pool, and writes out
// whatever rows are still pending.
func (s *Sink) Stop(timeout time.Duration) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false

	close(s.shutdown)

	waitCh := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
	case <-time.After(timeout):
		return errors.WrapTransient(
			fmt.Errorf("flush loop still running after %v", timeout),
			"Sink", "Stop", "shutdown")
	}

	if err := s.pool.Stop(timeout); err != nil {
		s.logger.Warn("flush workers did not drain cleanly", "error", err)
	}
	s.flushRemaining()

	s.logger.Info("csv sink stopped", "rows_written", s.rowsWritten.Load())
	return nil
}

// Health implements component.Component.
func (s *Sink) Health() component.HealthStatus {
	s.lifecycleMu.Lock()
	running := s.running
	startTime := s.startTime
	s.lifecycleMu.Unlock()

	status := component.HealthStatus{
		Healthy:    running,
		LastCheck:  time.Now(),
		ErrorCount: int(s.writeErrors.Load()),
	}
	if running {
		status.Uptime = time.Since(startTime)
	}
	return status
}

// Write implements dispatch.Sink. Samples are buffered in memory; disk
// I/O happens on the flush workers, never on the caller.
func (s *Sink) Write(_ context.Context, env *sensor.Envelope) error {
	s.lifecycleMu.Lock()
	running := s.running
	s.lifecycleMu.Unlock()
	if !running {
		return errors.Wrap(errors.ErrNotStarted, "Sink", "Write", "accept envelope")
	}

	samples := env.Samples()
	if len(samples) == 0 {
		return nil
	}

	s.mu.Lock()
	sf := s.sensors[env.Sensor.Name]
	if sf == nil {
		sf = s.newSensorFile(env.Sensor)
		s.sensors[env.Sensor.Name] = sf
	}
	sf.pending = append(sf.pending, samples...)
	s.mu.Unlock()
	return nil
}

// Stats returns the sink's write counters.
func (s *Sink) Stats() Stats {
	pending := 0
	s.mu.Lock()
	for _, sf := range s.sensors {
		pending += len(sf.pending)
	}
	s.mu.Unlock()

	return Stats{
		RowsWritten: s.rowsWritten.Load(),
		WriteErrors: s.writeErrors.Load(),
		Flushes:     s.flushes.Load(),
		PendingRows: pending,
	}
}

func (s *Sink) newSensorFile(id sensor.Identity) *sensorFile {
	name := fmt.Sprintf("%s_%s.csv", s.prefix, id.Name)
	return &sensorFile{
		identity: id,
		path:     filepath.Join(s.config.Directory, name),
		header:   headerFor(id.Kind),
	}
}

func headerFor(kind codec.Kind) string {
	if kind == codec.KindEDA {
		return edaHeader
	}
	return ecgHeader
}

// flushLoop periodically hands pending rows to the worker pool.
func (s *Sink) flushLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.scheduleFlushes()
		}
	}
}

// scheduleFlushes snapshots each sensor's pending rows and submits one
// flush job per sensor. A sensor whose previous flush is still running
// is skipped; its rows stay pending so file order is preserved and no
// two workers ever touch the same file.
func (s *Sink) scheduleFlushes() {
	s.mu.Lock()
	jobs := make([]flushJob, 0, len(s.sensors))
	for _, sf := range s.sensors {
		if sf.flushing || len(sf.pending) == 0 {
			continue
		}
		sf.flushing = true
		jobs = append(jobs, flushJob{file: sf, rows: sf.pending})
		sf.pending = nil
	}
	s.mu.Unlock()

	for _, job := range jobs {
		if err := s.pool.Submit(job); err != nil {
			// Put the rows back in front so the next tick retries them
			// in order.
			s.mu.Lock()
			job.file.pending = append(job.rows, job.file.pending...)
			job.file.flushing = false
			s.mu.Unlock()
			s.logger.Warn("flush submit failed, rows kept pending",
				"sensor", job.file.identity.Name, "rows", len(job.rows), "error", err)
		}
	}
}

// processFlush is the worker pool processor: it appends one job's rows
// to the sensor's file. A failed write discards the snapshot and is
// reported; acquisition continues.
func (s *Sink) processFlush(_ context.Context, job flushJob) error {
	err := s.writeRows(job.file, job.rows)

	s.mu.Lock()
	job.file.flushing = false
	s.mu.Unlock()

	if err != nil {
		s.writeErrors.Add(1)
		if s.metrics != nil {
			s.metrics.RecordError("csvfile", "write")
		}
		s.logger.Warn("csv flush failed, rows discarded",
			"sensor", job.file.identity.Name,
			"path", job.file.path,
			"rows", len(job.rows),
			"error", err)
		return errors.Wrap(err, "Sink", "processFlush", "write rows")
	}

	s.rowsWritten.Add(int64(len(job.rows)))
	s.flushes.Add(1)
	return nil
}

// flushRemaining writes out all still-pending rows synchronously.
// Called from Stop after the worker pool has drained.
func (s *Sink) flushRemaining() {
	s.mu.Lock()
	jobs := make([]flushJob, 0, len(s.sensors))
	for _, sf := range s.sensors {
		if len(sf.pending) == 0 {
			continue
		}
		jobs = append(jobs, flushJob{file: sf, rows: sf.pending})
		sf.pending = nil
	}
	s.mu.Unlock()

	for _, job := range jobs {
		if err := s.writeRows(job.file, job.rows); err != nil {
			s.writeErrors.Add(1)
			s.logger.Warn("final csv flush failed",
				"sensor", job.file.identity.Name, "rows", len(job.rows), "error", err)
			continue
		}
		s.rowsWritten.Add(int64(len(job.rows)))
		s.flushes.Add(1)
	}
}

// writeRows appends rows to the sensor's file, creating it with its
// header row on first use. The time column is seconds relative to the
// acquisition start.
func (s *Sink) writeRows(sf *sensorFile, rows []sensor.Sample) error {
	fh, err := os.OpenFile(sf.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	info, err := fh.Stat()
	if err != nil {
		_ = fh.Close()
		return err
	}

	var b strings.Builder
	if info.Size() == 0 {
		b.WriteString(sf.header)
		b.WriteByte('\n')
	}
	for _, row := range rows {
		rel := row.Time.Sub(s.start).Seconds()
		b.WriteString(strconv.FormatFloat(rel, 'f', -1, 64))
		b.WriteByte(';')
		b.WriteString(strconv.FormatFloat(row.Value, 'f', -1, 64))
		b.WriteByte('\n')
	}

	if _, err := fh.WriteString(b.String()); err != nil {
		_ = fh.Close()
		return err
	}
	return fh.Close()
}
