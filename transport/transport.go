// Package transport defines the contract between the acquisition pipeline and
// the radio link that carries sensor traffic. The pipeline only ever sees this
// interface; the in-process simulator in transport/sim implements it for tests
// and demos, and a hardware backend can implement it out of tree.
package transport

import (
	"context"
	"time"
)

// Scanner resolves advertised sensor identities to connectable devices.
type Scanner interface {
	// Scan looks for a device advertising the given name. It returns once the
	// device is found or the context expires; it never blocks past ctx.
	Scan(ctx context.Context, name string) (Device, error)
}

// Device is one sensor's link. All calls are fallible and time-bounded; a
// Device is not safe for concurrent Connect/Disconnect but Send and
// BatteryLevel may be called while the subscription is live.
type Device interface {
	// Connect establishes the link. The context bounds the attempt.
	Connect(ctx context.Context) error

	// Subscribe returns the stream of raw notification chunks as they arrive
	// from the link. Chunk boundaries carry no meaning; frames are recovered
	// downstream. The channel is closed when the link drops or the device is
	// disconnected.
	Subscribe(ctx context.Context) (<-chan []byte, error)

	// Send writes one payload to the device.
	Send(ctx context.Context, payload []byte) error

	// BatteryLevel reads the current charge percentage (0-100).
	BatteryLevel(ctx context.Context) (int, error)

	// Disconnect tears the link down, waiting up to timeout for a clean
	// close. It is safe to call on an already disconnected device.
	Disconnect(timeout time.Duration) error
}
