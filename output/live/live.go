// Package live serves acquired samples to WebSocket viewers in real time.
//
// The sink keeps a bounded window of recent samples per sensor. A client
// that connects receives the current window for every sensor it has seen,
// then incremental append batches as new samples arrive. Broadcasts are
// rate limited so a burst of envelopes becomes one frame, and a client
// that stops reading is disconnected instead of stalling the broadcaster.
package live

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/sensors-inl/biostream/codec"
	"github.com/sensors-inl/biostream/component"
	"github.com/sensors-inl/biostream/dispatch"
	"github.com/sensors-inl/biostream/errors"
	"github.com/sensors-inl/biostream/metric"
	"github.com/sensors-inl/biostream/sensor"
)

var (
	_ component.Component = (*Sink)(nil)
	_ dispatch.Sink       = (*Sink)(nil)
)

const (
	// writeWait bounds a single WebSocket write.
	writeWait = 10 * time.Second

	// pongWait is how long a client may stay silent before its
	// connection is considered dead. Pings go out at pingPeriod.
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Frame types sent to viewers.
const (
	frameWindow = "window"
	frameAppend = "append"
)

// Frame is one JSON message to a viewer. A "window" frame carries the
// full retained history for a sensor and is sent once per sensor when a
// client connects. An "append" frame carries only the samples since the
// previous broadcast. Times are epoch seconds aligned with Values.
type Frame struct {
	Type   string    `json:"type"`
	Sensor string    `json:"sensor"`
	Kind   string    `json:"kind"`
	Units  string    `json:"units"`
	Times  []float64 `json:"times"`
	Values []float64 `json:"values"`
}

// Config holds configuration for the live visualization sink.
type Config struct {
	// Addr is the TCP listen address, e.g. ":8081". Port 0 binds an
	// ephemeral port; Addr() reports the bound address.
	Addr string `json:"addr" yaml:"addr"`

	// Path is the WebSocket endpoint path.
	Path string `json:"path" yaml:"path"`

	// Retain is the number of points a sensor window is cut back to
	// after it grows past Trigger.
	Retain int `json:"retain" yaml:"retain"`

	// Trigger is the window size that causes truncation. It must be
	// strictly greater than Retain so truncation happens in bursts
	// instead of on every append.
	Trigger int `json:"trigger" yaml:"trigger"`

	// BroadcastRate caps broadcast frames per second.
	BroadcastRate float64 `json:"broadcast_rate" yaml:"broadcast_rate"`

	// ClientQueue is how many outbound frames may pile up for one
	// client before it is considered too slow and disconnected.
	ClientQueue int `json:"client_queue" yaml:"client_queue"`
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"addr is required")
	}
	if !strings.HasPrefix(c.Path, "/") {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"path must start with /")
	}
	if c.Retain < 1 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"retain must be at least 1")
	}
	if c.Trigger <= c.Retain {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"trigger must be greater than retain")
	}
	if c.BroadcastRate <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"broadcast_rate must be positive")
	}
	if c.ClientQueue < 1 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"client_queue must be at least 1")
	}
	return nil
}

// DefaultConfig returns default configuration for the live sink. The
// window bounds match the acquisition GUI this sink replaces: plots keep
// 12000 points and trim when they pass 20000.
func DefaultConfig() Config {
	return Config{
		Addr:          ":8081",
		Path:          "/ws",
		Retain:        12000,
		Trigger:       20000,
		BroadcastRate: 10,
		ClientQueue:   32,
	}
}

// Deps carries the sink's collaborators.
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

// window is one sensor's retained history plus the samples accumulated
// since the last broadcast. Both slices are guarded by the sink's mu.
type window struct {
	identity sensor.Identity
	points   []sensor.Sample
	delta    []sensor.Sample
}

// client is one WebSocket viewer. All writes to the connection go
// through writePump; gorilla/websocket panics on concurrent writes.
type client struct {
	conn   *websocket.Conn
	remote string

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		_ = c.conn.Close()
	})
}

// Stats is a point-in-time view of the sink's counters.
type Stats struct {
	Clients    int   `json:"clients"`
	Sensors    int   `json:"sensors"`
	Broadcasts int64 `json:"broadcasts"`
	Frames     int64 `json:"frames"`
	SlowDrops  int64 `json:"slow_drops"`
}

// Sink streams samples to WebSocket clients. It implements dispatch.Sink
// for delivery and component.Component for lifecycle.
type Sink struct {
	config  Config
	logger  *slog.Logger
	metrics *metric.Metrics

	upgrader websocket.Upgrader
	limiter  *rate.Limiter

	// mu guards windows. It is never held across channel sends or
	// connection writes.
	mu      sync.Mutex
	windows map[string]*window

	// closing flips under clientsMu during Stop so an admission racing
	// the shutdown cannot register a client that closeClients misses.
	clientsMu sync.RWMutex
	clients   map[*client]struct{}
	closing   bool

	// notify wakes the broadcast loop after Write appends samples. It
	// has capacity one so bursts coalesce into a single broadcast.
	notify chan struct{}
	joins  chan *client

	server     *http.Server
	listener   net.Listener
	cancelLoop context.CancelFunc

	// Lifecycle management
	lifecycleMu sync.Mutex
	running     bool
	startTime   time.Time
	shutdown    chan struct{}
	wg          sync.WaitGroup

	broadcasts atomic.Int64
	framesSent atomic.Int64
	slowDrops  atomic.Int64
	errorCount atomic.Int64
}

// NewSink creates a live sink with the given configuration.
func NewSink(config Config, deps Deps) (*Sink, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Sink{
		config:  config,
		logger:  deps.logger(),
		metrics: deps.Metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Viewers are local tools, not browsers on foreign origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		windows:  make(map[string]*window),
		clients:  make(map[*client]struct{}),
		shutdown: make(chan struct{}),
	}, nil
}

// Name implements component.Component and dispatch.Sink.
func (l *Sink) Name() string { return "live" }

// Initialize implements component.Component.
func (l *Sink) Initialize() error { return nil }

// Start implements component.Component. It binds the listen address,
// serves the WebSocket endpoint, and runs the broadcast loop. Each Start
// begins a fresh acquisition with empty windows.
func (l *Sink) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.WrapTransient(err, "Sink", "Start", "check context")
	}

	l.lifecycleMu.Lock()
	defer l.lifecycleMu.Unlock()

	if l.running {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Sink", "Start", "check running state")
	}

	listener, err := net.Listen("tcp", l.config.Addr)
	if err != nil {
		return errors.WrapFatal(err, "Sink", "Start", "listen on "+l.config.Addr)
	}
	l.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc(l.config.Path, l.handleWebSocket)
	l.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	l.mu.Lock()
	l.windows = make(map[string]*window)
	l.mu.Unlock()

	l.clientsMu.Lock()
	l.clients = make(map[*client]struct{})
	l.closing = false
	l.clientsMu.Unlock()

	l.limiter = rate.NewLimiter(rate.Limit(l.config.BroadcastRate), 1)
	l.notify = make(chan struct{}, 1)
	l.joins = make(chan *client)
	l.shutdown = make(chan struct{})

	loopCtx, cancel := context.WithCancel(ctx)
	l.cancelLoop = cancel

	l.wg.Add(2)
	go l.serve()
	go l.broadcastLoop(loopCtx)

	l.running = true
	l.startTime = time.Now()
	l.logger.Info("live sink started",
		"addr", listener.Addr().String(),
		"path", l.config.Path,
		"retain", l.config.Retain,
		"trigger", l.config.Trigger)
	return nil
}

// Stop implements component.Component. The HTTP listener closes first so
// no new clients arrive, then every open connection is closed so the
// pumps drain.
func (l *Sink) Stop(timeout time.Duration) error {
	l.lifecycleMu.Lock()
	defer l.lifecycleMu.Unlock()

	if !l.running {
		return nil
	}
	l.running = false

	l.cancelLoop()
	close(l.shutdown)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := l.server.Shutdown(shutdownCtx); err != nil {
		l.errorCount.Add(1)
		l.logger.Warn("live server shutdown incomplete", "error", err)
	}

	disconnected := l.closeClients()

	waitCh := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
	case <-time.After(timeout):
		return errors.WrapTransient(
			fmt.Errorf("broadcast goroutines still running after %v", timeout),
			"Sink", "Stop", "shutdown")
	}

	l.logger.Info("live sink stopped",
		"clients_disconnected", disconnected,
		"broadcasts", l.broadcasts.Load())
	return nil
}

// Health implements component.Component.
func (l *Sink) Health() component.HealthStatus {
	l.lifecycleMu.Lock()
	running := l.running
	startTime := l.startTime
	l.lifecycleMu.Unlock()

	status := component.HealthStatus{
		Healthy:    running,
		LastCheck:  time.Now(),
		ErrorCount: int(l.errorCount.Load()),
	}
	if running {
		status.Uptime = time.Since(startTime)
	}
	return status
}

// Write implements dispatch.Sink. Samples land in the sensor's window
// and delta; the broadcast loop turns deltas into frames. Write never
// blocks on clients.
func (l *Sink) Write(_ context.Context, env *sensor.Envelope) error {
	l.lifecycleMu.Lock()
	running := l.running
	l.lifecycleMu.Unlock()
	if !running {
		return errors.Wrap(errors.ErrNotStarted, "Sink", "Write", "accept envelope")
	}

	samples := env.Samples()
	if len(samples) == 0 {
		return nil
	}

	l.mu.Lock()
	w := l.windows[env.Sensor.Name]
	if w == nil {
		w = &window{identity: env.Sensor}
		l.windows[env.Sensor.Name] = w
	}
	w.points = appendBounded(w.points, samples, l.config.Retain, l.config.Trigger)
	w.delta = appendBounded(w.delta, samples, l.config.Retain, l.config.Trigger)
	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
	return nil
}

// Stats returns the sink's counters.
func (l *Sink) Stats() Stats {
	l.clientsMu.RLock()
	clients := len(l.clients)
	l.clientsMu.RUnlock()

	l.mu.Lock()
	sensors := len(l.windows)
	l.mu.Unlock()

	return Stats{
		Clients:    clients,
		Sensors:    sensors,
		Broadcasts: l.broadcasts.Load(),
		Frames:     l.framesSent.Load(),
		SlowDrops:  l.slowDrops.Load(),
	}
}

// Addr reports the bound listen address, or "" before Start. Useful when
// the configured address uses port 0.
func (l *Sink) Addr() string {
	l.lifecycleMu.Lock()
	defer l.lifecycleMu.Unlock()
	if l.listener == nil {
		return ""
	}
	return l.listener.Addr().String()
}

// appendBounded appends samples to a window slice with hysteresis: the
// slice grows until it passes trigger, then is cut back to the most
// recent retain points. The cut copies into a fresh slice so the old
// backing array is released.
func appendBounded(points, more []sensor.Sample, retain, trigger int) []sensor.Sample {
	points = append(points, more...)
	if len(points) > trigger {
		trimmed := make([]sensor.Sample, retain)
		copy(trimmed, points[len(points)-retain:])
		points = trimmed
	}
	return points
}

func (l *Sink) serve() {
	defer l.wg.Done()

	if err := l.server.Serve(l.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		l.errorCount.Add(1)
		if l.metrics != nil {
			l.metrics.RecordError("live", "server")
		}
		l.logger.Error("live server terminated", "error", err)
	}
}

// broadcastLoop serializes everything that touches deltas and client
// admission, so a new client's window snapshot and the append frames
// around it never overlap or miss samples.
func (l *Sink) broadcastLoop(ctx context.Context) {
	defer l.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.shutdown:
			return
		case c := <-l.joins:
			l.admit(c)
		case <-l.notify:
			if err := l.limiter.Wait(ctx); err != nil {
				return
			}
			// Drain wakeups that arrived while rate limited; the flush
			// below picks up their samples anyway.
			select {
			case <-l.notify:
			default:
			}
			l.flush()
		}
	}
}

// flush broadcasts every sensor's accumulated delta as one append frame.
func (l *Sink) flush() {
	l.mu.Lock()
	frames := l.takeDeltaFramesLocked()
	l.mu.Unlock()

	if len(frames) == 0 {
		return
	}
	l.broadcast(frames)
	l.broadcasts.Add(1)
}

// admit flushes pending deltas to existing clients, hands the new client
// a window snapshot, and only then registers it for broadcasts. Taking
// deltas and copying windows under one lock is what keeps the snapshot
// and the append stream gap-free and duplicate-free.
func (l *Sink) admit(c *client) {
	l.mu.Lock()
	deltas := l.takeDeltaFramesLocked()
	snapshot := l.windowFramesLocked()
	l.mu.Unlock()

	if len(deltas) > 0 {
		l.broadcast(deltas)
		l.broadcasts.Add(1)
	}

	for _, frame := range snapshot {
		if !l.enqueue(c, frame) {
			return
		}
	}

	l.clientsMu.Lock()
	if l.closing || c.closed.Load() {
		l.clientsMu.Unlock()
		c.close()
		return
	}
	l.clients[c] = struct{}{}
	total := len(l.clients)
	l.clientsMu.Unlock()

	l.logger.Info("live client connected", "remote", c.remote, "clients", total)
}

// takeDeltaFramesLocked drains every non-empty delta into an append
// frame. Caller holds mu.
func (l *Sink) takeDeltaFramesLocked() [][]byte {
	var frames [][]byte
	for _, w := range l.windows {
		if len(w.delta) == 0 {
			continue
		}
		if data, ok := l.marshalFrame(frameAppend, w.identity, w.delta); ok {
			frames = append(frames, data)
		}
		w.delta = nil
	}
	return frames
}

// windowFramesLocked copies every sensor's retained window into a window
// frame. Caller holds mu.
func (l *Sink) windowFramesLocked() [][]byte {
	var frames [][]byte
	for _, w := range l.windows {
		if len(w.points) == 0 {
			continue
		}
		if data, ok := l.marshalFrame(frameWindow, w.identity, w.points); ok {
			frames = append(frames, data)
		}
	}
	return frames
}

func (l *Sink) marshalFrame(frameType string, id sensor.Identity, samples []sensor.Sample) ([]byte, bool) {
	times := make([]float64, len(samples))
	values := make([]float64, len(samples))
	for i, s := range samples {
		times[i] = sensor.EpochSeconds(s.Time)
		values[i] = s.Value
	}

	data, err := json.Marshal(Frame{
		Type:   frameType,
		Sensor: id.Name,
		Kind:   id.Kind.String(),
		Units:  unitsFor(id.Kind),
		Times:  times,
		Values: values,
	})
	if err != nil {
		l.errorCount.Add(1)
		if l.metrics != nil {
			l.metrics.RecordError("live", "marshal")
		}
		l.logger.Warn("frame marshal failed", "sensor", id.Name, "error", err)
		return nil, false
	}
	return data, true
}

// broadcast enqueues frames to a snapshot of the current clients.
func (l *Sink) broadcast(frames [][]byte) {
	l.clientsMu.RLock()
	targets := make([]*client, 0, len(l.clients))
	for c := range l.clients {
		if !c.closed.Load() {
			targets = append(targets, c)
		}
	}
	l.clientsMu.RUnlock()

	for _, c := range targets {
		for _, frame := range frames {
			if !l.enqueue(c, frame) {
				break
			}
		}
	}
}

// enqueue hands a frame to the client's write pump without blocking. A
// full queue means the client is not keeping up, so it is disconnected
// rather than allowed to stall the broadcaster.
func (l *Sink) enqueue(c *client, frame []byte) bool {
	if c.closed.Load() {
		return false
	}
	select {
	case c.send <- frame:
		l.framesSent.Add(1)
		return true
	default:
		l.slowDrops.Add(1)
		if l.metrics != nil {
			l.metrics.RecordError("live", "slow_client")
		}
		l.logger.Warn("live client too slow, disconnecting", "remote", c.remote)
		l.removeClient(c)
		return false
	}
}

func (l *Sink) removeClient(c *client) {
	c.close()
	l.clientsMu.Lock()
	delete(l.clients, c)
	l.clientsMu.Unlock()
}

// closeClients disconnects every client during Stop so the pumps exit.
func (l *Sink) closeClients() int {
	l.clientsMu.Lock()
	l.closing = true
	targets := make([]*client, 0, len(l.clients))
	for c := range l.clients {
		targets = append(targets, c)
	}
	l.clients = make(map[*client]struct{})
	l.clientsMu.Unlock()

	for _, c := range targets {
		c.close()
	}
	return len(targets)
}

// handleWebSocket upgrades the connection, starts the client's pumps,
// and hands it to the broadcast loop for admission.
func (l *Sink) handleWebSocket(rw http.ResponseWriter, r *http.Request) {
	select {
	case <-l.shutdown:
		http.Error(rw, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	// Counted before Upgrade hijacks the connection, while the server's
	// Shutdown still waits on this request. That keeps the Add ordered
	// before Stop's Wait.
	l.wg.Add(2)

	conn, err := l.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		l.wg.Done()
		l.wg.Done()
		l.errorCount.Add(1)
		if l.metrics != nil {
			l.metrics.RecordError("live", "upgrade")
		}
		l.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &client{
		conn:   conn,
		remote: r.RemoteAddr,
		send:   make(chan []byte, l.config.ClientQueue),
		done:   make(chan struct{}),
	}

	go l.readPump(c)
	go l.writePump(c)

	select {
	case l.joins <- c:
	case <-l.shutdown:
		c.close()
	}
}

// readPump discards inbound messages and keeps the read deadline fresh
// from pongs. A read error means the client is gone.
func (l *Sink) readPump(c *client) {
	defer l.wg.Done()
	defer l.removeClient(c)

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump is the only goroutine that writes to the connection.
func (l *Sink) writePump(c *client) {
	defer l.wg.Done()
	defer l.removeClient(c)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func unitsFor(kind codec.Kind) string {
	if kind == codec.KindEDA {
		return "uS"
	}
	return "A.U."
}
