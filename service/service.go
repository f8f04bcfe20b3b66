// Package service assembles and runs the acquisition pipeline: the
// transport scanner, the connection manager, the dispatcher, and the
// enabled sinks (CSV storage, NATS streaming outlet, live WebSocket
// visualization), plus the metrics and health listener.
//
// The service also owns the NATS side channels for one acquisition run:
// machine-readable status events on {prefix}.events.{sensor} covering
// session state changes, battery readings, and sensors retired as
// unreachable, and a mirrored log stream on logs.{run_id}.service. Both
// carry the run identifier so consumers can correlate them. The broker
// is optional at startup: acquisition, storage, and live visualization
// proceed while a background loop retries the connection.
package service

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sensors-inl/biostream/component"
	"github.com/sensors-inl/biostream/config"
	"github.com/sensors-inl/biostream/dispatch"
	"github.com/sensors-inl/biostream/errors"
	"github.com/sensors-inl/biostream/health"
	"github.com/sensors-inl/biostream/manager"
	"github.com/sensors-inl/biostream/metric"
	"github.com/sensors-inl/biostream/natsclient"
	"github.com/sensors-inl/biostream/output/csvfile"
	"github.com/sensors-inl/biostream/output/live"
	"github.com/sensors-inl/biostream/output/outlet"
	"github.com/sensors-inl/biostream/transport"
	"github.com/sensors-inl/biostream/transport/sim"
)

const (
	componentName = "service"

	// systemName labels the aggregate health status on /healthz.
	systemName = "biostream"

	// natsConnectTimeout bounds each broker connection attempt so a
	// down broker cannot stall pipeline startup or shutdown.
	natsConnectTimeout = 5 * time.Second

	// healthRefreshInterval is how often component health is sampled
	// into the Prometheus gauges between scrapes.
	healthRefreshInterval = 15 * time.Second

	// rollbackTimeout is granted to each already-started component when
	// a later one fails to start and the pipeline unwinds.
	rollbackTimeout = 2 * time.Second
)

// Deps carries the service's injectable collaborators. Everything else
// is assembled from the configuration.
type Deps struct {
	// Scanner resolves sensor names to transport devices. Leave it nil
	// with Simulate enabled to run against in-process simulated
	// sensors; nil without Simulate is a configuration error.
	Scanner transport.Scanner

	// Logger receives local log output. Defaults to slog.Default().
	Logger *slog.Logger
}

// Service wires the whole acquisition pipeline together: transport
// scanner, connection manager, dispatcher, and the enabled sinks, plus
// the metrics listener and the NATS side channels (status events and
// the mirrored log stream). It owns component lifecycle: Start brings
// everything up in dependency order and Stop unwinds it in reverse.
type Service struct {
	cfg    *config.Config
	logger *slog.Logger
	runID  string

	registry *metric.Registry
	metrics  *metric.Metrics
	monitor  *health.Monitor

	scanner transport.Scanner
	nats    *natsclient.Client

	dispatcher *dispatch.Dispatcher
	storage    *csvfile.Sink
	outlet     *outlet.Outlet
	live       *live.Sink
	manager    *manager.Manager

	// components holds everything with a lifecycle in start order:
	// sinks first, then the dispatcher, then the manager, so every
	// stage has a live downstream before records flow. Stop walks the
	// slice backwards. Each entry carries its own child context so a
	// single component can be cancelled without touching the rest.
	components []*component.ManagedComponent
	sinkSet    map[string]struct{}

	metricsServer *metric.Server

	// mu guards runLog, which appears asynchronously once a broker
	// connection exists.
	mu     sync.RWMutex
	runLog *component.Logger

	lifecycleMu sync.Mutex
	running     bool
	startTime   time.Time
	shutdown    chan struct{}
	wg          sync.WaitGroup
}

// New assembles the pipeline from the configuration. Nothing is started
// and no network activity happens; call Start to begin acquiring.
func New(cfg *config.Config, deps Deps) (*Service, error) {
	if cfg == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, componentName, "New",
			"configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Service{
		cfg:      cfg,
		logger:   logger,
		runID:    uuid.NewString(),
		registry: metric.NewRegistry(),
		monitor:  health.NewMonitor(),
		sinkSet:  make(map[string]struct{}),
	}
	s.metrics = s.registry.CoreMetrics()

	scanner, err := s.buildScanner(deps.Scanner)
	if err != nil {
		return nil, err
	}
	s.scanner = scanner

	if cfg.NATS.Enabled {
		client, err := s.buildNATSClient()
		if err != nil {
			return nil, err
		}
		s.nats = client
	}

	dispatcher, err := dispatch.NewDispatcher(cfg.DispatchConfig(), dispatch.Deps{
		Logger:  logger,
		Metrics: s.metrics,
	})
	if err != nil {
		return nil, err
	}
	s.dispatcher = dispatcher

	if err := s.buildSinks(); err != nil {
		return nil, err
	}
	s.manage(dispatcher)

	mgr, err := manager.New(cfg.ManagerConfig(), manager.Deps{
		Scanner:       scanner,
		Publisher:     dispatcher,
		Logger:        logger,
		Metrics:       s.metrics,
		OnTransition:  s.onTransition,
		OnBattery:     s.onBattery,
		OnUnreachable: s.onUnreachable,
	})
	if err != nil {
		return nil, err
	}
	s.manager = mgr
	s.manage(mgr)

	if cfg.Metrics.Enabled {
		s.metricsServer = metric.NewServer(cfg.Metrics.Addr, "/metrics", s.registry, s.healthHandler())
	}

	return s, nil
}

// buildScanner returns the injected scanner, or a simulated one covering
// every configured sensor when simulate mode is on.
func (s *Service) buildScanner(scanner transport.Scanner) (transport.Scanner, error) {
	if scanner != nil {
		return scanner, nil
	}
	if !s.cfg.Simulate {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, componentName, "New",
			"no transport scanner: inject one or enable simulate mode")
	}

	devices := make([]*sim.Device, 0, len(s.cfg.Sensors))
	for _, name := range s.cfg.Sensors {
		dev, err := sim.NewDevice(name)
		if err != nil {
			return nil, err
		}
		devices = append(devices, dev)
	}
	s.logger.Info("using simulated transport", "sensors", len(devices))
	return sim.NewScanner(devices), nil
}

func (s *Service) buildNATSClient() (*natsclient.Client, error) {
	nc := s.cfg.NATS
	opts := []natsclient.ClientOption{
		natsclient.WithLogger(s.logger),
		natsclient.WithMetrics(s.metrics),
		natsclient.WithName("biostream-" + shortID(s.runID)),
		natsclient.WithMaxReconnects(nc.MaxReconnects),
	}
	if nc.ReconnectWait.Std() > 0 {
		opts = append(opts, natsclient.WithReconnectWait(nc.ReconnectWait.Std()))
	}
	if nc.Username != "" {
		opts = append(opts, natsclient.WithCredentials(nc.Username, nc.Password))
	}
	if nc.Token != "" {
		opts = append(opts, natsclient.WithToken(nc.Token))
	}
	if nc.TLS.Enabled {
		opts = append(opts, natsclient.WithTLS(nc.TLS.CertFile, nc.TLS.KeyFile, nc.TLS.CAFile))
	}
	return natsclient.NewClient(nc.URL, opts...)
}

// sinkComponent is what a sink must provide to join the pipeline: the
// dispatcher's Write contract plus the shared lifecycle.
type sinkComponent interface {
	dispatch.Sink
	component.Component
}

// buildSinks constructs every enabled sink, registers it on the
// dispatcher, and queues it for startup ahead of the dispatcher.
func (s *Service) buildSinks() error {
	if s.cfg.Storage.Enabled {
		sink, err := csvfile.NewSink(s.cfg.StorageConfig(), csvfile.Deps{
			Logger:   s.logger,
			Metrics:  s.metrics,
			Registry: s.registry,
		})
		if err != nil {
			return err
		}
		if err := s.addSink(sink); err != nil {
			return err
		}
		s.storage = sink
	}

	if s.cfg.NATS.Enabled {
		out, err := outlet.NewOutlet(s.cfg.OutletConfig(), outlet.Deps{
			Logger:    s.logger,
			Metrics:   s.metrics,
			Publisher: s.nats,
		})
		if err != nil {
			return err
		}
		if err := s.addSink(out); err != nil {
			return err
		}
		s.outlet = out
	}

	if s.cfg.Live.Enabled {
		viz, err := live.NewSink(s.cfg.LiveConfig(), live.Deps{
			Logger:  s.logger,
			Metrics: s.metrics,
		})
		if err != nil {
			return err
		}
		if err := s.addSink(viz); err != nil {
			return err
		}
		s.live = viz
	}

	return nil
}

func (s *Service) addSink(sink sinkComponent) error {
	if err := s.dispatcher.Register(sink); err != nil {
		return err
	}
	s.sinkSet[sink.Name()] = struct{}{}
	s.manage(sink)
	return nil
}

// manage enrolls a component for lifecycle tracking. StartOrder fixes
// the position for reverse-order shutdown.
func (s *Service) manage(comp component.Component) {
	s.components = append(s.components, &component.ManagedComponent{
		Component:  comp,
		State:      component.StateCreated,
		StartOrder: len(s.components),
	})
}

// Start brings the pipeline up: broker connection, metrics listener,
// then sinks, dispatcher, and finally the connection manager. A failed
// component start rolls back the ones already running and returns the
// failure.
//
// A missing broker does not fail Start. The streaming outlet and the
// status streams stay degraded while a background loop retries the
// connection; storage and live visualization are unaffected.
func (s *Service) Start(ctx context.Context) error {
	if ctx.Err() != nil {
		return errors.WrapTransient(ctx.Err(), componentName, "Start", "context cancelled")
	}

	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.running {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, componentName, "Start",
			"service already running")
	}

	s.shutdown = make(chan struct{})

	s.connectBroker(ctx)

	if s.metricsServer != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.metricsServer.Start(); err != nil {
				s.logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	started := make([]*component.ManagedComponent, 0, len(s.components))
	for _, mc := range s.components {
		name := mc.Component.Name()
		if err := mc.Component.Initialize(); err != nil {
			mc.State = component.StateFailed
			mc.LastError = err
			s.unwind(started)
			return fmt.Errorf("initialize %s: %w", name, err)
		}
		mc.State = component.StateInitialized

		mc.Context, mc.Cancel = context.WithCancel(ctx)
		if err := mc.Component.Start(mc.Context); err != nil {
			mc.State = component.StateFailed
			mc.LastError = err
			mc.Cancel()
			s.unwind(started)
			return fmt.Errorf("start %s: %w", name, err)
		}
		mc.State = component.StateStarted
		started = append(started, mc)
		s.logger.Debug("component started", "component", name, "order", mc.StartOrder)
	}

	s.wg.Add(1)
	go s.healthLoop()

	s.running = true
	s.startTime = time.Now()

	s.publishRunEvent(eventRunStarted)
	if rl := s.runLogger(); rl != nil {
		rl.Info("acquisition run started")
	}
	s.logger.Info("pipeline started",
		"run_id", s.runID,
		"sensors", len(s.cfg.Sensors),
		"sinks", len(s.sinkSet))
	return nil
}

// unwind stops the given components in reverse order and tears down the
// side channels opened before them. Called only from a failed Start.
func (s *Service) unwind(started []*component.ManagedComponent) {
	for i := len(started) - 1; i >= 0; i-- {
		mc := started[i]
		if err := mc.Component.Stop(rollbackTimeout); err != nil {
			mc.LastError = err
			s.logger.Warn("rollback stop failed",
				"component", mc.Component.Name(), "error", err)
		}
		mc.Cancel()
		mc.State = component.StateStopped
	}
	close(s.shutdown)
	if s.metricsServer != nil {
		if err := s.metricsServer.Stop(); err != nil {
			s.logger.Warn("rollback metrics stop failed", "error", err)
		}
	}
	if s.nats != nil {
		ctx, cancel := context.WithTimeout(context.Background(), rollbackTimeout)
		_ = s.nats.Close(ctx)
		cancel()
	}
	s.wg.Wait()
}

// connectBroker attempts the initial NATS connection. Failure never
// blocks acquisition; a background loop keeps retrying until the broker
// appears or the service stops.
func (s *Service) connectBroker(ctx context.Context) {
	if s.nats == nil {
		return
	}

	cctx, cancel := context.WithTimeout(ctx, natsConnectTimeout)
	err := s.nats.Connect(cctx)
	cancel()
	if err == nil {
		s.attachRunLog()
		s.monitor.UpdateHealthy("nats", "connected")
		return
	}

	s.logger.Warn("broker unreachable, streaming outlet degraded until it recovers",
		"url", s.cfg.NATS.URL, "error", err)
	s.monitor.UpdateDegraded("nats", "initial connection failed")

	s.wg.Add(1)
	go s.reconnectLoop()
}

// reconnectLoop retries the broker connection after a failed initial
// attempt. The client's own reconnect machinery only covers connections
// that were established once, so the first success has to come from
// here.
func (s *Service) reconnectLoop() {
	defer s.wg.Done()

	wait := s.cfg.NATS.ReconnectWait.Std()
	if wait <= 0 {
		wait = 2 * time.Second
	}
	ticker := time.NewTicker(wait)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), natsConnectTimeout)
			err := s.nats.Connect(ctx)
			cancel()
			if err == nil {
				s.logger.Info("broker connection established", "url", s.cfg.NATS.URL)
				s.attachRunLog()
				s.monitor.UpdateHealthy("nats", "connected")
				return
			}
			s.logger.Debug("broker retry failed", "error", err)
		}
	}
}

// attachRunLog wires the NATS log mirror once a connection exists so
// dashboards can follow the run on logs.{run_id}.service.
func (s *Service) attachRunLog() {
	conn := s.nats.GetConnection()
	if conn == nil {
		return
	}
	s.mu.Lock()
	s.runLog = component.NewLogger(componentName, s.runID, conn, s.logger)
	s.mu.Unlock()
}

func (s *Service) runLogger() *component.Logger {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runLog
}

// Stop shuts the pipeline down in reverse start order: the manager
// first so no new records are produced, then the dispatcher drains,
// then the sinks flush. Each component gets the full timeout. Stopping
// a service that is not running is a no-op.
func (s *Service) Stop(timeout time.Duration) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false

	var errs []error
	for i := len(s.components) - 1; i >= 0; i-- {
		mc := s.components[i]
		if err := mc.Component.Stop(timeout); err != nil {
			mc.State = component.StateFailed
			mc.LastError = err
			errs = append(errs, fmt.Errorf("stop %s: %w", mc.Component.Name(), err))
			s.logger.Error("component stop failed",
				"component", mc.Component.Name(), "error", err)
		} else {
			mc.State = component.StateStopped
		}
		if mc.Cancel != nil {
			mc.Cancel()
		}
		s.logger.Debug("component stopped",
			"component", mc.Component.Name(), "state", mc.State)
	}

	s.publishRunEvent(eventRunStopped)
	if rl := s.runLogger(); rl != nil {
		rl.Info("acquisition run stopped")
	}

	close(s.shutdown)

	if s.nats != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := s.nats.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close broker connection: %w", err))
		}
		cancel()
	}

	if s.metricsServer != nil {
		if err := s.metricsServer.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop metrics server: %w", err))
		}
	}

	waitCh := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waitCh)
	}()
	select {
	case <-waitCh:
	case <-time.After(timeout):
		errs = append(errs, errors.WrapTransient(
			fmt.Errorf("background goroutines still running after %v", timeout),
			componentName, "Stop", "shutdown"))
	}

	s.logger.Info("pipeline stopped",
		"run_id", s.runID,
		"uptime", time.Since(s.startTime).Round(time.Second))
	return stderrors.Join(errs...)
}

// Health reports the aggregate pipeline status with one sub-status per
// component. A failed sink or a missing broker degrades the aggregate;
// only the manager, the dispatcher, or a stopped service make it
// unhealthy.
func (s *Service) Health() health.Status {
	s.lifecycleMu.Lock()
	running := s.running
	s.lifecycleMu.Unlock()

	if !running {
		return health.NewUnhealthy(systemName, "service not running")
	}

	s.refreshMonitor()
	return s.monitor.AggregateHealth(systemName)
}

// refreshMonitor samples every component into the shared monitor. Sink
// failures are reported as degraded so a dead sink never takes the
// health endpoint to unhealthy while acquisition continues.
func (s *Service) refreshMonitor() {
	for _, mc := range s.components {
		name := mc.Component.Name()
		st := health.FromComponentHealth(name, mc.Component.Health())
		if _, isSink := s.sinkSet[name]; isSink && st.IsUnhealthy() {
			st.Status = "degraded"
		}
		s.monitor.Update(name, st)
	}

	if s.nats != nil {
		switch s.nats.Status() {
		case natsclient.StatusConnected:
			s.monitor.UpdateHealthy("nats", "connected")
		default:
			s.monitor.UpdateDegraded("nats", "broker "+s.nats.Status().String())
		}
	}
}

// healthLoop keeps the per-component health gauges current between
// scrapes.
func (s *Service) healthLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(healthRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.refreshMonitor()
			for _, mc := range s.components {
				s.metrics.RecordHealthStatus(mc.Component.Name(), mc.Component.Health().Healthy)
			}
		}
	}
}

// healthHandler serves the pipeline health snapshot on the metrics
// listener. Degraded still answers 200; only unhealthy turns into 503.
func (s *Service) healthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		status := s.Health()
		w.Header().Set("Content-Type", "application/json")
		code := http.StatusOK
		if status.IsUnhealthy() {
			code = http.StatusServiceUnavailable
		}
		w.WriteHeader(code)
		if err := json.NewEncoder(w).Encode(status); err != nil {
			s.logger.Error("failed to encode health response", "error", err)
		}
	})
}

// RunID returns the identifier of this acquisition run. Status events
// and mirrored log entries carry it so consumers can correlate the two
// streams.
func (s *Service) RunID() string { return s.runID }

// Sensors returns the live status table, one entry per configured
// sensor.
func (s *Service) Sensors() []manager.SensorStatus { return s.manager.Status() }

// MetricsAddress returns the base URL of the metrics listener, or ""
// when metrics are disabled or the listener is not bound yet.
func (s *Service) MetricsAddress() string {
	if s.metricsServer == nil {
		return ""
	}
	return s.metricsServer.Address()
}

// LiveAddress returns the bound address of the live visualization
// listener, or "" when the live sink is disabled or not started.
func (s *Service) LiveAddress() string {
	if s.live == nil {
		return ""
	}
	return s.live.Addr()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
