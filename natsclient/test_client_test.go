package natsclient

import (
	"context"
	"testing"
	"time"

	gonats "github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTestServerURL(t *testing.T) {
	t.Run("defaults to local server", func(t *testing.T) {
		t.Setenv("NATS_TEST_URL", "")
		assert.Equal(t, gonats.DefaultURL, TestServerURL())
	})

	t.Run("honors environment override", func(t *testing.T) {
		t.Setenv("NATS_TEST_URL", "nats://broker.example:4222")
		assert.Equal(t, "nats://broker.example:4222", TestServerURL())
	})
}

func TestTestClientOptions(t *testing.T) {
	cfg := &testConfig{
		url:     TestServerURL(),
		timeout: 5 * time.Second,
	}

	WithTestURL("nats://other:4222")(cfg)
	WithTestTimeout(2 * time.Second)(cfg)

	assert.Equal(t, "nats://other:4222", cfg.url)
	assert.Equal(t, 2*time.Second, cfg.timeout)
}

func TestNewSharedTestClientUnreachable(t *testing.T) {
	// Port 1 refuses connections immediately, so this fails fast without
	// needing a running server.
	tc, err := NewSharedTestClient(
		WithTestURL("nats://127.0.0.1:1"),
		WithTestTimeout(500*time.Millisecond),
	)
	require.Error(t, err)
	assert.Nil(t, tc)
	assert.Contains(t, err.Error(), "connect to NATS")
}

func TestNewTestClientConnects(t *testing.T) {
	RequireIntegration(t)

	testClient := NewTestClient(t)
	require.NotNil(t, testClient)
	require.NotNil(t, testClient.Client)
	assert.True(t, testClient.IsReady())
	assert.NotEmpty(t, testClient.URL)
	assert.NotNil(t, testClient.GetNativeConnection())
}

func TestTestClientTerminate(t *testing.T) {
	RequireIntegration(t)

	testClient, err := NewSharedTestClient()
	require.NoError(t, err)
	require.True(t, testClient.IsReady())

	require.NoError(t, testClient.Terminate())
	assert.False(t, testClient.IsReady())

	// Terminate is idempotent
	require.NoError(t, testClient.Terminate())

	// Client rejects use after terminate
	err = testClient.Client.Publish(context.Background(), "biostream.test.late", []byte("x"))
	assert.Equal(t, ErrNotConnected, err)
}
