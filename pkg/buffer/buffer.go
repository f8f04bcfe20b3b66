package buffer

import "time"

// Buffer is a bounded FIFO queue of T, safe for concurrent use.
type Buffer[T any] interface {
	// Write adds an item. A full buffer resolves the write according
	// to the overflow policy.
	Write(item T) error

	// WriteWithTimeout is Write with a bounded wait for capacity under
	// the Block policy. Other policies never wait.
	WriteWithTimeout(item T, timeout time.Duration) error

	// Read removes and returns the oldest item, or false when empty.
	Read() (T, bool)

	// ReadBatch removes and returns up to max items, oldest first.
	ReadBatch(max int) []T

	// Peek returns the oldest item without removing it.
	Peek() (T, bool)

	// Size returns the number of queued items.
	Size() int

	// Capacity returns the fixed capacity.
	Capacity() int

	// IsFull reports whether the next Write engages the overflow
	// policy.
	IsFull() bool

	// IsEmpty reports whether the buffer holds nothing.
	IsEmpty() bool

	// Clear discards all queued items.
	Clear()

	// Stats exposes the buffer's activity counters.
	Stats() *Statistics

	// Close wakes blocked writers and refuses further writes. Queued
	// items stay readable.
	Close() error
}

// OverflowPolicy decides what a full buffer does with a new item.
type OverflowPolicy int

const (
	// DropOldest evicts the stalest queued item to admit the new one.
	DropOldest OverflowPolicy = iota

	// DropNewest discards the incoming item while full.
	DropNewest

	// Block parks the writer until a reader frees a slot.
	Block
)

func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "drop_oldest"
	case DropNewest:
		return "drop_newest"
	case Block:
		return "block"
	}
	return "unknown"
}

// DropCallback receives every item lost to the overflow policy or a
// Clear. It runs outside the buffer lock and may call back into the
// buffer.
type DropCallback[T any] func(item T)

// PressureCallback fires once per pressure episode: when a write
// pushes the depth to the soft threshold from below. The episode
// re-arms once the depth drains back under the threshold. Runs outside
// the buffer lock.
type PressureCallback func(size int)

// NewCircularBuffer builds a ring buffer of the given capacity.
// Capacities below one are raised to one. The only error case is a
// failed metrics registration.
func NewCircularBuffer[T any](capacity int, options ...Option[T]) (Buffer[T], error) {
	return newRing(capacity, applyOptions(options...))
}
