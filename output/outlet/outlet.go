// Package outlet republishes expanded samples on NATS subjects so
// external consumers can tap live streams.
//
// Each sensor gets its own subject under a configurable prefix, and a
// discovery announcement on {prefix}.outlets describes the stream the
// way an LSL outlet would: name, type, channel count, rate, format.
package outlet

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sensors-inl/biostream/codec"
	"github.com/sensors-inl/biostream/component"
	"github.com/sensors-inl/biostream/dispatch"
	"github.com/sensors-inl/biostream/errors"
	"github.com/sensors-inl/biostream/metric"
	"github.com/sensors-inl/biostream/sensor"
)

var (
	_ component.Component = (*Outlet)(nil)
	_ dispatch.Sink       = (*Outlet)(nil)
)

// Publisher is the slice of the NATS client the outlet needs. It is
// satisfied by natsclient.Client; reconnect buffering during short
// outages lives there, not here.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Chunk is one published batch of samples from a single record. The
// consumer reconstructs per-sample times from Timestamp and Rate.
type Chunk struct {
	Sensor    string    `json:"sensor"`
	Kind      string    `json:"kind"`
	Units     string    `json:"units"`
	Rate      int       `json:"rate"`
	Timestamp float64   `json:"timestamp"` // first sample, epoch seconds
	Values    []float64 `json:"values"`
}

// Announcement describes one stream on {prefix}.outlets. Type follows
// the biosignal streaming convention: ECG for ECG, GSR for EDA.
type Announcement struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Channels int    `json:"channels"`
	Rate     int    `json:"rate"`
	Format   string `json:"format"`
	Subject  string `json:"subject"`
}

// Config holds configuration for the streaming sink.
type Config struct {
	// Prefix roots every subject this sink publishes on.
	Prefix string `json:"prefix" yaml:"prefix"`

	// Sensors lists device names to announce at startup. Sensors seen
	// later in the stream are announced on their first sample.
	Sensors []string `json:"sensors" yaml:"sensors"`
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Prefix == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"prefix is required")
	}
	if strings.ContainsAny(c.Prefix, " *>") || strings.HasPrefix(c.Prefix, ".") || strings.HasSuffix(c.Prefix, ".") {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"prefix must be a literal subject root")
	}
	for _, name := range c.Sensors {
		if _, err := sensor.ParseIdentity(name); err != nil {
			return errors.WrapInvalid(err, "Config", "Validate", "parse sensor name")
		}
	}
	return nil
}

// DefaultConfig returns default configuration for the streaming sink.
func DefaultConfig() Config {
	return Config{
		Prefix: "biostream.samples",
	}
}

// Deps carries the outlet's collaborators.
type Deps struct {
	Logger    *slog.Logger
	Metrics   *metric.Metrics
	Publisher Publisher
}

func (d Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// Stats is a point-in-time view of the outlet's publish counters.
type Stats struct {
	Published     int64 `json:"published"`
	PublishErrors int64 `json:"publish_errors"`
	Announced     int   `json:"announced"`
}

// Outlet publishes sample chunks and stream announcements over NATS.
// It implements dispatch.Sink for delivery and component.Component for
// lifecycle. There are no goroutines here: publishing happens on the
// dispatcher's drain worker.
type Outlet struct {
	config     Config
	identities []sensor.Identity
	publisher  Publisher
	logger     *slog.Logger
	metrics    *metric.Metrics

	mu        sync.Mutex
	announced map[string]bool

	// Lifecycle management
	lifecycleMu sync.Mutex
	running     bool
	startTime   time.Time

	published     atomic.Int64
	publishErrors atomic.Int64
}

// NewOutlet creates a streaming sink with the given configuration.
func NewOutlet(config Config, deps Deps) (*Outlet, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	identities := make([]sensor.Identity, 0, len(config.Sensors))
	for _, name := range config.Sensors {
		id, err := sensor.ParseIdentity(name)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Outlet", "NewOutlet", "parse sensor name")
		}
		identities = append(identities, id)
	}

	return &Outlet{
		config:     config,
		identities: identities,
		publisher:  deps.Publisher,
		logger:     deps.logger(),
		metrics:    deps.Metrics,
		announced:  make(map[string]bool),
	}, nil
}

// Name implements component.Component and dispatch.Sink.
func (o *Outlet) Name() string { return "outlet" }

// Initialize implements component.Component.
func (o *Outlet) Initialize() error { return nil }

// Start announces the configured streams. A failed announcement is
// retried when the sensor's first sample arrives.
func (o *Outlet) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.WrapTransient(err, "Outlet", "Start", "check context")
	}

	o.lifecycleMu.Lock()
	defer o.lifecycleMu.Unlock()

	if o.running {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Outlet", "Start", "check running state")
	}
	if o.publisher == nil {
		return errors.WrapFatal(errors.ErrMissingConfig, "Outlet", "Start", "NATS publisher required")
	}

	for _, id := range o.identities {
		if err := o.announce(ctx, id); err != nil {
			o.logger.Warn("outlet announcement failed",
				"sensor", id.Name, "error", err)
			continue
		}
		o.mu.Lock()
		o.announced[id.Name] = true
		o.mu.Unlock()
	}

	o.running = true
	o.startTime = time.Now()
	o.logger.Info("outlet started",
		"prefix", o.config.Prefix,
		"announced", len(o.identities))
	return nil
}

// Stop implements component.Component. Nothing is in flight to wait
// for; announced state is kept so a restart re-announces from scratch.
func (o *Outlet) Stop(time.Duration) error {
	o.lifecycleMu.Lock()
	defer o.lifecycleMu.Unlock()

	if !o.running {
		return nil
	}
	o.running = false

	o.mu.Lock()
	o.announced = make(map[string]bool)
	o.mu.Unlock()

	o.logger.Info("outlet stopped", "published", o.published.Load())
	return nil
}

// Health implements component.Component.
func (o *Outlet) Health() component.HealthStatus {
	o.lifecycleMu.Lock()
	running := o.running
	startTime := o.startTime
	o.lifecycleMu.Unlock()

	status := component.HealthStatus{
		Healthy:    running,
		LastCheck:  time.Now(),
		ErrorCount: int(o.publishErrors.Load()),
	}
	if running {
		status.Uptime = time.Since(startTime)
	}
	return status
}

// Write implements dispatch.Sink: one envelope becomes one chunk on the
// sensor's subject. Publish failures are counted and reported to the
// dispatcher, never escalated.
func (o *Outlet) Write(ctx context.Context, env *sensor.Envelope) error {
	o.lifecycleMu.Lock()
	running := o.running
	o.lifecycleMu.Unlock()
	if !running {
		return errors.Wrap(errors.ErrNotStarted, "Outlet", "Write", "accept envelope")
	}

	samples := env.Samples()
	if len(samples) == 0 {
		return nil
	}

	o.ensureAnnounced(ctx, env.Sensor)

	values := make([]float64, len(samples))
	for i, s := range samples {
		values[i] = s.Value
	}
	chunk := Chunk{
		Sensor:    env.Sensor.Name,
		Kind:      env.Sensor.Kind.String(),
		Units:     unitsFor(env.Sensor.Kind),
		Rate:      env.Sensor.SamplingRate(),
		Timestamp: sensor.EpochSeconds(samples[0].Time),
		Values:    values,
	}
	data, err := json.Marshal(chunk)
	if err != nil {
		return errors.WrapInvalid(err, "Outlet", "Write", "encode chunk")
	}

	if err := o.publisher.Publish(ctx, o.subjectFor(env.Sensor), data); err != nil {
		o.publishErrors.Add(1)
		if o.metrics != nil {
			o.metrics.RecordError("outlet", "publish")
		}
		o.logger.Warn("sample publish failed",
			"sensor", env.Sensor.Name, "error", err)
		return errors.WrapTransient(err, "Outlet", "Write", "publish chunk")
	}

	o.published.Add(1)
	return nil
}

// Stats returns the outlet's publish counters.
func (o *Outlet) Stats() Stats {
	o.mu.Lock()
	announced := len(o.announced)
	o.mu.Unlock()

	return Stats{
		Published:     o.published.Load(),
		PublishErrors: o.publishErrors.Load(),
		Announced:     announced,
	}
}

// ensureAnnounced announces a sensor the first time it produces data.
// Best effort: a failure is logged and retried on the next sample.
func (o *Outlet) ensureAnnounced(ctx context.Context, id sensor.Identity) {
	o.mu.Lock()
	done := o.announced[id.Name]
	o.mu.Unlock()
	if done {
		return
	}

	if err := o.announce(ctx, id); err != nil {
		o.logger.Warn("outlet announcement failed",
			"sensor", id.Name, "error", err)
		return
	}

	o.mu.Lock()
	o.announced[id.Name] = true
	o.mu.Unlock()
}

func (o *Outlet) announce(ctx context.Context, id sensor.Identity) error {
	ann := Announcement{
		Name:     id.Name,
		Type:     streamType(id.Kind),
		Channels: 1,
		Rate:     id.SamplingRate(),
		Format:   "float32",
		Subject:  o.subjectFor(id),
	}
	data, err := json.Marshal(ann)
	if err != nil {
		return errors.WrapInvalid(err, "Outlet", "announce", "encode announcement")
	}
	return o.publisher.Publish(ctx, o.config.Prefix+".outlets", data)
}

func (o *Outlet) subjectFor(id sensor.Identity) string {
	return o.config.Prefix + "." + strings.ToLower(id.Kind.String()) + "." + id.Name
}

func streamType(kind codec.Kind) string {
	if kind == codec.KindEDA {
		return "GSR"
	}
	return "ECG"
}

func unitsFor(kind codec.Kind) string {
	if kind == codec.KindEDA {
		return "uS"
	}
	return "A.U."
}
