package component

import (
	"log"
	"os"
	"testing"

	"github.com/nats-io/nats.go"

	"github.com/sensors-inl/biostream/natsclient"
)

// Broker-backed tests share one connection, dialed by TestMain when
// INTEGRATION_TESTS is set. Without it they skip themselves.
var sharedConn *nats.Conn

func TestMain(m *testing.M) {
	if os.Getenv("INTEGRATION_TESTS") == "" {
		os.Exit(m.Run())
	}

	tc, err := natsclient.NewSharedTestClient()
	if err != nil {
		log.Fatalf("shared NATS client: %v", err)
	}
	sharedConn = tc.GetNativeConnection()

	code := m.Run()
	_ = tc.Terminate()
	os.Exit(code)
}

func brokerConn(t *testing.T) *nats.Conn {
	t.Helper()
	if os.Getenv("INTEGRATION_TESTS") == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run broker-backed tests")
	}
	if sharedConn == nil {
		t.Fatal("shared NATS connection missing, TestMain should have dialed it")
	}
	return sharedConn
}
