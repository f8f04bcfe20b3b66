// Package natsclient provides the broker connection behind the
// streaming outlet and the log mirror. A circuit breaker sits in front
// of dialing so a dead broker costs a bounded amount of retry work
// instead of a tight reconnect loop.
package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/sensors-inl/biostream/errors"
	"github.com/sensors-inl/biostream/metric"
)

// ConnectionStatus is the coarse connection state exposed to health
// reporting.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusCircuitOpen:
		return "circuit_open"
	}
	return "unknown"
}

var (
	// ErrNotConnected is returned by Publish and Subscribe when no
	// broker connection is up.
	ErrNotConnected = stderrors.New("not connected to NATS")

	// ErrCircuitOpen is returned by Connect while the breaker is
	// holding attempts back.
	ErrCircuitOpen = stderrors.New("circuit breaker is open")
)

// Breaker states as reported to the pipeline metrics.
const (
	circuitClosed   = 0
	circuitOpen     = 1
	circuitHalfOpen = 2
)

// Dial and breaker defaults, overridable through ClientOptions.
const (
	defaultReconnectWait  = 2 * time.Second
	defaultPingInterval   = 30 * time.Second
	defaultHealthInterval = 10 * time.Second
	defaultThreshold      = 5
	defaultMaxBackoff     = time.Minute
	defaultDialTimeout    = 5 * time.Second
	defaultDrainTimeout   = 30 * time.Second
	initialBackoff        = time.Second
	handlerTimeout        = 30 * time.Second
)

// Status is a point-in-time snapshot of the connection.
type Status struct {
	Status          ConnectionStatus
	FailureCount    int32
	LastFailureTime time.Time
	Reconnects      int32
	RTT             time.Duration
}

// Client wraps a single NATS connection. The zero value is not usable;
// construct with NewClient. The outlet and the log mirror only ever
// publish, so they depend on one-method interfaces satisfied by this
// type.
type Client struct {
	url    string
	logger *slog.Logger

	state atomic.Value // ConnectionStatus
	conn  *nats.Conn
	subs  []*nats.Subscription

	// Breaker bookkeeping. strikes counts failures in the current
	// round and resets when the breaker trips; failures is the
	// lifetime total surfaced in Status.
	failures   atomic.Int32
	strikes    atomic.Int32
	reconnects atomic.Int32
	lastFail   atomic.Value // time.Time
	backoff    atomic.Value // time.Duration
	threshold  int32
	maxBackoff time.Duration

	maxReconnects int
	reconnectWait time.Duration
	pingInterval  time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration

	// Credentials are wiped on Close.
	username string
	password string
	token    string

	tlsEnabled bool
	certFile   string
	keyFile    string
	caFile     string

	name        string
	compression bool

	metrics *metric.Metrics

	// Callbacks are fixed at construction and read without the lock.
	onDisconnect     func(error)
	onReconnect      func()
	onHealthChange   func(bool)
	onConnectionLost func(error)

	healthInterval time.Duration
	healthStop     chan struct{}

	mu     sync.RWMutex
	closed atomic.Bool
}

// NewClient builds a client for the given server URL. Nothing is
// dialed until Connect.
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:            url,
		logger:         slog.Default(),
		maxReconnects:  -1,
		reconnectWait:  defaultReconnectWait,
		pingInterval:   defaultPingInterval,
		healthInterval: defaultHealthInterval,
		threshold:      defaultThreshold,
		maxBackoff:     defaultMaxBackoff,
		timeout:        defaultDialTimeout,
		drainTimeout:   defaultDrainTimeout,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}

	c.state.Store(StatusDisconnected)
	c.backoff.Store(initialBackoff)
	c.lastFail.Store(time.Time{})

	c.logger.Debug("NATS client ready", "url", url)
	return c, nil
}

// URL returns the configured server URL.
func (c *Client) URL() string { return c.url }

// Status returns the current connection state.
func (c *Client) Status() ConnectionStatus {
	if v := c.state.Load(); v != nil {
		return v.(ConnectionStatus)
	}
	return StatusDisconnected
}

// IsHealthy reports whether the connection is up.
func (c *Client) IsHealthy() bool { return c.Status() == StatusConnected }

// Failures returns the lifetime count of failed connection attempts.
func (c *Client) Failures() int32 { return c.failures.Load() }

// Backoff returns the breaker's current backoff window.
func (c *Client) Backoff() time.Duration { return c.backoff.Load().(time.Duration) }

// GetConnection exposes the raw nats.Conn. The log mirror publishes
// through it directly instead of going through this client.
func (c *Client) GetConnection() *nats.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

func (c *Client) setStatus(s ConnectionStatus) {
	c.state.Store(s)
	if c.metrics != nil {
		c.metrics.RecordNATSStatus(s == StatusConnected)
	}
}

// GetStatus snapshots connection state, failure counters and, when
// connected, the measured round trip time.
func (c *Client) GetStatus() *Status {
	st := &Status{
		Status:          c.Status(),
		FailureCount:    c.failures.Load(),
		LastFailureTime: c.lastFail.Load().(time.Time),
		Reconnects:      c.reconnects.Load(),
	}
	if rtt, err := c.RTT(); err == nil {
		st.RTT = rtt
	}
	return st
}

// RTT measures the round trip to the server.
func (c *Client) RTT() (time.Duration, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return 0, ErrNotConnected
	}
	return conn.RTT()
}

// WaitForConnection polls until the connection reports healthy or ctx
// expires.
func (c *Client) WaitForConnection(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("connection timeout: %w", ctx.Err())
		case <-ticker.C:
			if c.IsHealthy() {
				return nil
			}
		}
	}
}

// noteFailure counts a failed attempt and trips the breaker once the
// round reaches the threshold. Tripping doubles the backoff and
// schedules the half-open probe.
func (c *Client) noteFailure() {
	total := c.failures.Add(1)
	c.lastFail.Store(time.Now())
	round := c.strikes.Add(1)

	c.logger.Debug("connection failure", "total", total, "round", round)

	if round < c.threshold {
		return
	}
	c.strikes.Store(0)

	cur := c.Status()
	if cur == StatusCircuitOpen {
		// Still failing while open: keep widening the window.
		c.logger.Warn("circuit breaker still open", "backoff", c.growBackoff())
		return
	}
	if !c.state.CompareAndSwap(cur, StatusCircuitOpen) {
		// Another goroutine owns the trip.
		return
	}

	wait := c.Backoff()
	c.growBackoff()
	c.logger.Warn("circuit breaker opened", "failures", round, "backoff", wait)
	if c.metrics != nil {
		c.metrics.RecordCircuitBreakerState(circuitOpen)
	}
	time.AfterFunc(wait, c.halfOpen)
}

// growBackoff doubles the backoff up to the configured ceiling and
// returns the new value.
func (c *Client) growBackoff() time.Duration {
	next := c.Backoff() * 2
	if next > c.maxBackoff {
		next = c.maxBackoff
	}
	c.backoff.Store(next)
	return next
}

// halfOpen lets the next Connect act as the breaker's trial attempt.
func (c *Client) halfOpen() {
	if c.Status() != StatusCircuitOpen {
		return
	}
	c.logger.Debug("circuit breaker half-open, next connect is the trial")
	if c.metrics != nil {
		c.metrics.RecordCircuitBreakerState(circuitHalfOpen)
	}
	c.setStatus(StatusDisconnected)
}

// resetBreaker clears all failure state after a successful connect.
func (c *Client) resetBreaker() {
	c.failures.Store(0)
	c.strikes.Store(0)
	c.backoff.Store(initialBackoff)
	c.lastFail.Store(time.Time{})

	if c.metrics != nil {
		c.metrics.RecordCircuitBreakerState(circuitClosed)
	}
	if c.Status() == StatusCircuitOpen {
		c.setStatus(StatusDisconnected)
	}
}

// Connect dials the server. While the breaker is open the attempt is
// refused immediately with ErrCircuitOpen; after the backoff window a
// single attempt is let through as the trial.
func (c *Client) Connect(ctx context.Context) error {
	if c.Status() == StatusCircuitOpen {
		c.logger.Debug("breaker open, refusing connection attempt")
		return ErrCircuitOpen
	}

	c.setStatus(StatusConnecting)
	c.logger.Info("connecting to NATS", "url", c.url)

	// nats.Connect has no context form, so the dial runs in its own
	// goroutine and the select below honors cancellation.
	dialed := make(chan error, 1)
	go func() {
		conn, err := nats.Connect(c.url, c.natsOptions()...)
		if err != nil {
			dialed <- err
			return
		}
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		dialed <- nil
	}()

	select {
	case err := <-dialed:
		if err != nil {
			return c.failConnect(err, "establish connection")
		}
	case <-ctx.Done():
		return c.failConnect(ctx.Err(), "connection cancelled")
	}

	c.setStatus(StatusConnected)
	c.resetBreaker()
	c.logger.Info("connected to NATS", "url", c.url)

	if c.healthInterval > 0 {
		c.startHealthLoop()
	}
	if c.onHealthChange != nil {
		c.onHealthChange(true)
	}
	return nil
}

// failConnect records the failure and maps it to the caller-visible
// error, which becomes ErrCircuitOpen when this strike trips the
// breaker.
func (c *Client) failConnect(err error, op string) error {
	c.noteFailure()
	if c.Status() != StatusCircuitOpen {
		c.setStatus(StatusDisconnected)
		return errors.WrapTransient(err, "Client", "Connect", op)
	}
	return ErrCircuitOpen
}

// Close drains and tears down the connection. It is safe to call more
// than once; later calls return nil immediately. Credentials held for
// reconnects are wiped on the way out.
func (c *Client) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	// Stop probing before taking the lock; the loop takes it too.
	c.stopHealthLoop()

	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for _, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil {
			c.logger.Error("unsubscribe failed", "error", err)
			errs = append(errs, errors.Wrap(err, "Client", "Close", "unsubscribe"))
		}
	}
	c.subs = nil

	if c.conn != nil {
		if err := c.drain(ctx); err != nil {
			errs = append(errs, err)
		}
		c.conn.Close()
		c.conn = nil
	}

	c.username, c.password, c.token = "", "", ""
	c.setStatus(StatusDisconnected)

	return stderrors.Join(errs...)
}

// drain flushes pending messages, bounded by the configured drain
// timeout or the context deadline, whichever is shorter. On timeout or
// cancellation the caller falls through to a hard close.
func (c *Client) drain(ctx context.Context) error {
	limit := c.drainTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left > 0 && left < limit {
			limit = left
		}
	}

	done := make(chan error, 1)
	go func() { done <- c.conn.Drain() }()

	select {
	case err := <-done:
		if err != nil {
			c.logger.Error("drain failed", "error", err)
			return errors.Wrap(err, "Client", "Close", "drain connection")
		}
		return nil
	case <-time.After(limit):
		c.logger.Error("drain timed out, closing hard", "timeout", limit)
		return errors.WrapTransient(
			fmt.Errorf("drain timeout after %v", limit),
			"Client", "Close", "drain timeout")
	case <-ctx.Done():
		c.logger.Error("drain cancelled, closing hard")
		return errors.Wrap(ctx.Err(), "Client", "Close", "drain cancelled")
	}
}

// Subscribe registers handler for subject. Handlers run on the NATS
// delivery goroutine with a per-message context derived from ctx and
// capped at thirty seconds.
func (c *Client) Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || !c.conn.IsConnected() {
		return ErrNotConnected
	}

	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		msgCtx, cancel := context.WithTimeout(ctx, handlerTimeout)
		defer cancel()
		handler(msgCtx, msg.Data)
	})
	if err != nil {
		return err
	}

	c.subs = append(c.subs, sub)
	return nil
}

// Publish sends data on subject. It fails fast with ErrNotConnected
// rather than queueing while the broker is away; the outlet keeps its
// own bounded buffer for that window.
func (c *Client) Publish(_ context.Context, subject string, data []byte) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return ErrNotConnected
	}
	return conn.Publish(subject, data)
}

// Connection event handlers, registered on the nats.Conn. Each
// callback runs on its own goroutine to keep the NATS callback thread
// free.

func (c *Client) handleDisconnect(_ *nats.Conn, err error) {
	c.setStatus(StatusReconnecting)
	c.logger.Warn("NATS connection lost, reconnecting", "error", err)

	if c.onDisconnect != nil {
		go c.onDisconnect(err)
	}
	if c.onHealthChange != nil {
		go c.onHealthChange(false)
	}
}

func (c *Client) handleReconnect(conn *nats.Conn) {
	c.setStatus(StatusConnected)
	c.resetBreaker()
	c.reconnects.Add(1)
	if c.metrics != nil {
		c.metrics.RecordNATSReconnect()
	}
	c.logger.Info("NATS connection restored", "url", conn.ConnectedUrl())

	if c.onReconnect != nil {
		go c.onReconnect()
	}
	if c.onHealthChange != nil {
		go c.onHealthChange(true)
	}
}

func (c *Client) handleClosed(conn *nats.Conn) {
	c.setStatus(StatusDisconnected)
	if c.onHealthChange != nil {
		go c.onHealthChange(false)
	}

	// The nats layer fires this for explicit Close too; the closed
	// flag distinguishes a shutdown from spent reconnect attempts.
	if c.closed.Load() {
		return
	}
	err := conn.LastError()
	c.logger.Error("NATS connection closed, reconnect attempts exhausted", "error", err)
	if c.onConnectionLost != nil {
		go c.onConnectionLost(err)
	}
}

func (c *Client) handleError(_ *nats.Conn, _ *nats.Subscription, err error) {
	// Async errors include slow-consumer and permission problems that
	// are not connection failures, so the breaker stays out of it.
	c.logger.Error("NATS async error", "error", err)
}

// natsOptions assembles the nats.go dial options from the configured
// fields. Handlers route connection events back through this client.
func (c *Client) natsOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.PingInterval(c.pingInterval),
		nats.Timeout(c.timeout),
		nats.DrainTimeout(c.drainTimeout),
		nats.DisconnectErrHandler(c.handleDisconnect),
		nats.ReconnectHandler(c.handleReconnect),
		nats.ClosedHandler(c.handleClosed),
		nats.ErrorHandler(c.handleError),
	}

	if c.username != "" && c.password != "" {
		opts = append(opts, nats.UserInfo(c.username, c.password))
	}
	if c.token != "" {
		opts = append(opts, nats.Token(c.token))
	}
	if c.tlsEnabled {
		if c.certFile != "" && c.keyFile != "" {
			opts = append(opts, nats.ClientCert(c.certFile, c.keyFile))
		}
		if c.caFile != "" {
			opts = append(opts, nats.RootCAs(c.caFile))
		}
	}
	if c.name != "" {
		opts = append(opts, nats.Name(c.name))
	}
	if c.compression {
		opts = append(opts, nats.Compression(true))
	}
	return opts
}

// startHealthLoop begins periodic liveness probes. A second call
// replaces the previous loop.
func (c *Client) startHealthLoop() {
	c.stopHealthLoop()

	stop := make(chan struct{})
	c.mu.Lock()
	c.healthStop = stop
	c.mu.Unlock()

	c.logger.Debug("health probes started", "interval", c.healthInterval)
	go c.healthLoop(stop)
}

func (c *Client) stopHealthLoop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.healthStop != nil {
		close(c.healthStop)
		c.healthStop = nil
	}
}

// healthLoop probes the connection on a fixed interval, folds the
// result into the status, and reports edges to the health callback.
func (c *Client) healthLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(c.healthInterval)
	defer ticker.Stop()

	last := c.IsHealthy()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			healthy, present := c.probe()
			if !present {
				continue
			}

			if healthy && c.Status() != StatusConnected {
				c.setStatus(StatusConnected)
			} else if !healthy && c.Status() == StatusConnected {
				c.setStatus(StatusReconnecting)
			}

			if healthy != last && c.onHealthChange != nil {
				c.onHealthChange(healthy)
			}
			last = healthy
		}
	}
}

// probe reports whether the connection currently answers a round trip.
// present is false when there is no connection to probe at all.
func (c *Client) probe() (healthy, present bool) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return false, false
	}
	if !conn.IsConnected() {
		return false, true
	}

	rtt, err := conn.RTT()
	if err != nil {
		return false, true
	}
	if c.metrics != nil {
		c.metrics.RecordNATSRTT(rtt)
	}
	return true, true
}
