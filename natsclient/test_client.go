package natsclient

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	gonats "github.com/nats-io/nats.go"
)

// TestClient is a connected Client for integration tests, pointed at
// the server named by NATS_TEST_URL (default local URL). Gate callers
// with RequireIntegration so the suite stays green without a broker.
type TestClient struct {
	Client  *Client
	URL     string
	cleanup func()
}

// TestOption adjusts how a test client connects.
type TestOption func(*testConfig)

type testConfig struct {
	url     string
	timeout time.Duration
}

// WithTestURL points this test client at a specific server.
func WithTestURL(url string) TestOption {
	return func(cfg *testConfig) { cfg.url = url }
}

// WithTestTimeout bounds the connect wait.
func WithTestTimeout(d time.Duration) TestOption {
	return func(cfg *testConfig) { cfg.timeout = d }
}

// TestServerURL returns the NATS URL integration tests run against.
func TestServerURL() string {
	if url := os.Getenv("NATS_TEST_URL"); url != "" {
		return url
	}
	return gonats.DefaultURL
}

// RequireIntegration skips the test unless INTEGRATION_TESTS is set.
func RequireIntegration(t testing.TB) {
	t.Helper()
	if os.Getenv("INTEGRATION_TESTS") == "" {
		t.Skip("Skipping integration test. Set INTEGRATION_TESTS=1 to run.")
	}
}

// NewSharedTestClient connects a test client without a testing.T, for
// TestMain setups that share one connection across a package.
func NewSharedTestClient(opts ...TestOption) (*TestClient, error) {
	cfg := &testConfig{url: TestServerURL(), timeout: 5 * time.Second}
	for _, opt := range opts {
		opt(cfg)
	}

	// Reconnects and health probes only add noise under test.
	client, err := NewClient(cfg.url,
		WithTimeout(cfg.timeout),
		WithMaxReconnects(0),
		WithHealthInterval(0),
	)
	if err != nil {
		return nil, fmt.Errorf("create NATS test client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.url, err)
	}
	if err := client.WaitForConnection(ctx); err != nil {
		_ = client.Close(context.Background())
		return nil, fmt.Errorf("NATS connection not ready: %w", err)
	}

	return &TestClient{
		Client:  client,
		URL:     cfg.url,
		cleanup: func() { _ = client.Close(context.Background()) },
	}, nil
}

// NewTestClient connects a test client and registers its teardown with
// t.Cleanup. Fails the test when no broker answers.
func NewTestClient(t testing.TB, opts ...TestOption) *TestClient {
	t.Helper()

	tc, err := NewSharedTestClient(opts...)
	if err != nil {
		t.Fatalf("NATS test client: %v", err)
	}
	t.Cleanup(tc.terminate)
	return tc
}

func (tc *TestClient) terminate() {
	if tc.cleanup != nil {
		tc.cleanup()
		tc.cleanup = nil
	}
}

// Terminate closes the client early; normally t.Cleanup handles it.
func (tc *TestClient) Terminate() error {
	tc.terminate()
	return nil
}

// IsReady reports whether the connection is up.
func (tc *TestClient) IsReady() bool { return tc.Client.IsHealthy() }

// Subscribe is a passthrough to the wrapped client.
func (tc *TestClient) Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) error {
	return tc.Client.Subscribe(ctx, subject, handler)
}

// Publish is a passthrough to the wrapped client.
func (tc *TestClient) Publish(ctx context.Context, subject string, data []byte) error {
	return tc.Client.Publish(ctx, subject, data)
}

// GetNativeConnection returns the raw nats.Conn for direct use.
func (tc *TestClient) GetNativeConnection() *gonats.Conn {
	return tc.Client.GetConnection()
}
