package natsclient

import (
	"log/slog"
	"time"

	"github.com/sensors-inl/biostream/metric"
)

// ClientOption configures a Client at construction time. Options
// returning an error abort NewClient.
type ClientOption func(*Client) error

// Dial behavior.

// WithMaxReconnects bounds the nats.go reconnect attempts. Negative
// means retry forever.
func WithMaxReconnects(n int) ClientOption {
	return func(c *Client) error { c.maxReconnects = n; return nil }
}

// WithReconnectWait sets the pause between reconnect attempts.
func WithReconnectWait(d time.Duration) ClientOption {
	return func(c *Client) error { c.reconnectWait = d; return nil }
}

// WithPingInterval sets the protocol-level ping cadence.
func WithPingInterval(d time.Duration) ClientOption {
	return func(c *Client) error { c.pingInterval = d; return nil }
}

// WithTimeout sets the dial timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) error { c.timeout = d; return nil }
}

// WithDrainTimeout bounds how long Close waits for in-flight messages.
func WithDrainTimeout(d time.Duration) ClientOption {
	return func(c *Client) error { c.drainTimeout = d; return nil }
}

// WithHealthInterval sets the liveness probe cadence. Zero disables
// the probe loop entirely.
func WithHealthInterval(d time.Duration) ClientOption {
	return func(c *Client) error { c.healthInterval = d; return nil }
}

// Circuit breaker.

// WithCircuitBreakerThreshold sets how many consecutive failures open
// the breaker. Values below one fall back to the default.
func WithCircuitBreakerThreshold(n int32) ClientOption {
	return func(c *Client) error {
		if n < 1 {
			n = defaultThreshold
		}
		c.threshold = n
		return nil
	}
}

// WithMaxBackoff caps the breaker's doubling backoff. Values below one
// second fall back to the default.
func WithMaxBackoff(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d < time.Second {
			d = defaultMaxBackoff
		}
		c.maxBackoff = d
		return nil
	}
}

// Authentication and transport security.

// WithCredentials sets username and password authentication.
func WithCredentials(username, password string) ClientOption {
	return func(c *Client) error {
		c.username, c.password = username, password
		return nil
	}
}

// WithToken sets token authentication.
func WithToken(token string) ClientOption {
	return func(c *Client) error { c.token = token; return nil }
}

// WithTLS enables TLS. Empty paths are allowed; cert and key are only
// presented when both are set.
func WithTLS(certFile, keyFile, caFile string) ClientOption {
	return func(c *Client) error {
		c.certFile = certFile
		c.keyFile = keyFile
		c.caFile = caFile
		c.tlsEnabled = true
		return nil
	}
}

// Identity and framing.

// WithName sets the client name shown in broker monitoring.
func WithName(name string) ClientOption {
	return func(c *Client) error { c.name = name; return nil }
}

// WithCompression turns on wire compression for the connection.
func WithCompression(enabled bool) ClientOption {
	return func(c *Client) error { c.compression = enabled; return nil }
}

// Event callbacks. These fire alongside the client's own status and
// breaker accounting, each on its own goroutine.

// WithDisconnectCallback registers fn for connection drops where the
// nats layer is still retrying.
func WithDisconnectCallback(fn func(error)) ClientOption {
	return func(c *Client) error { c.onDisconnect = fn; return nil }
}

// WithReconnectCallback registers fn for successful reconnects.
func WithReconnectCallback(fn func()) ClientOption {
	return func(c *Client) error { c.onReconnect = fn; return nil }
}

// WithHealthChangeCallback registers fn for edges in the connection's
// health, both from connection events and from the probe loop.
func WithHealthChangeCallback(fn func(healthy bool)) ClientOption {
	return func(c *Client) error { c.onHealthChange = fn; return nil }
}

// WithConnectionLostCallback registers fn for the terminal case: the
// reconnect budget is spent and the connection is gone for good.
func WithConnectionLostCallback(fn func(error)) ClientOption {
	return func(c *Client) error { c.onConnectionLost = fn; return nil }
}

// Observability.

// WithLogger routes client logging through the given logger. Nil
// falls back to slog.Default.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) error {
		if logger == nil {
			logger = slog.Default()
		}
		c.logger = logger
		return nil
	}
}

// WithMetrics wires the client into the pipeline metrics: connection
// status, round trip time, reconnect count, and breaker state.
func WithMetrics(m *metric.Metrics) ClientOption {
	return func(c *Client) error { c.metrics = m; return nil }
}
