package buffer

import (
	"context"
	"sync"
	"time"

	"github.com/sensors-inl/biostream/errors"
)

// ring is the circular Buffer implementation. Items live in a fixed
// slice; start points at the oldest element and writes land at
// (start+size) mod capacity.
type ring[T any] struct {
	mu       sync.RWMutex
	items    []T
	capacity int
	start    int
	size     int

	stats   *Statistics
	metrics *bufferMetrics
	opts    *bufferOptions[T]

	// pressured marks an active pressure episode; it re-arms when the
	// depth drains back below the soft threshold.
	pressured bool

	// Block policy coordination.
	notEmpty *sync.Cond
	notFull  *sync.Cond
	closed   bool
}

func newRing[T any](capacity int, opts *bufferOptions[T]) (*ring[T], error) {
	if capacity <= 0 {
		capacity = 1
	}

	var pm *bufferMetrics
	if opts.metricsReg != nil && opts.metricsPrefix != "" {
		var err error
		pm, err = newBufferMetrics(opts.metricsReg, opts.metricsPrefix)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Buffer", "NewCircularBuffer", "metrics registration")
		}
	}

	r := &ring[T]{
		items:    make([]T, capacity),
		capacity: capacity,
		stats:    NewStatistics(),
		metrics:  pm,
		opts:     opts,
	}
	r.notEmpty = sync.NewCond(&r.mu)
	r.notFull = sync.NewCond(&r.mu)
	return r, nil
}

// Write adds an item, resolving a full buffer through the overflow
// policy.
func (r *ring[T]) Write(item T) error {
	r.mu.Lock()

	if r.closed {
		r.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "Buffer", "Write", "buffer closed")
	}

	var evicted T
	hasEvicted := false

	if r.size == r.capacity {
		switch r.opts.overflowPolicy {
		case DropNewest:
			r.dropLocked()
			r.mu.Unlock()
			if cb := r.opts.dropCallback; cb != nil {
				cb(item)
			}
			return nil

		case DropOldest:
			evicted = r.evictLocked()
			hasEvicted = true

		case Block:
			for r.size == r.capacity && !r.closed {
				r.notFull.Wait()
			}
			if r.closed {
				r.mu.Unlock()
				return errors.WrapInvalid(errors.ErrAlreadyStopped, "Buffer", "Write",
					"buffer closed during blocking wait")
			}
		}
	}

	pressureAt := r.putLocked(item)
	r.mu.Unlock()

	// Callbacks run outside the lock so they may call back in.
	if hasEvicted {
		if cb := r.opts.dropCallback; cb != nil {
			cb(evicted)
		}
	}
	if pressureAt > 0 {
		if cb := r.opts.pressureCallback; cb != nil {
			cb(pressureAt)
		}
	}
	return nil
}

// WriteWithTimeout is Write with a bounded wait for capacity under the
// Block policy. Other policies never wait, so it degenerates to Write.
func (r *ring[T]) WriteWithTimeout(item T, timeout time.Duration) error {
	if r.opts.overflowPolicy != Block {
		return r.Write(item)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return r.blockingWrite(ctx, item)
}

// blockingWrite waits for capacity under the Block policy, honoring
// ctx. A helper goroutine turns cancellation into a Broadcast so the
// cond wait can observe it.
func (r *ring[T]) blockingWrite(ctx context.Context, item T) error {
	r.mu.Lock()

	if r.closed {
		r.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "Buffer", "Write", "buffer closed")
	}
	if err := ctx.Err(); err != nil {
		r.mu.Unlock()
		return err
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			r.notFull.Broadcast()
		case <-done:
		}
	}()

	for r.size == r.capacity && !r.closed {
		if err := ctx.Err(); err != nil {
			r.mu.Unlock()
			return err
		}
		r.notFull.Wait()
	}

	if r.closed {
		r.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "Buffer", "Write",
			"buffer closed during blocking wait")
	}
	if err := ctx.Err(); err != nil {
		r.mu.Unlock()
		return err
	}

	pressureAt := r.putLocked(item)
	r.mu.Unlock()

	if pressureAt > 0 {
		if cb := r.opts.pressureCallback; cb != nil {
			cb(pressureAt)
		}
	}
	return nil
}

// putLocked appends the item and evaluates the soft threshold. The
// return is the depth where a new pressure episode began, zero
// otherwise. Caller holds r.mu with a free slot guaranteed.
func (r *ring[T]) putLocked(item T) int {
	r.items[(r.start+r.size)%r.capacity] = item
	r.size++

	r.stats.Write()
	r.stats.UpdateSize(int64(r.size))
	if r.metrics != nil {
		r.metrics.recordWrite(r.size, r.capacity)
	}
	r.notEmpty.Signal()

	if soft := r.opts.softThreshold; soft > 0 && !r.pressured && r.size >= soft {
		r.pressured = true
		return r.size
	}
	return 0
}

// takeLocked removes and returns the oldest item. Caller holds r.mu
// and has checked size > 0.
func (r *ring[T]) takeLocked() T {
	item := r.items[r.start]
	var zero T
	r.items[r.start] = zero
	r.start = (r.start + 1) % r.capacity
	r.size--
	return item
}

// evictLocked discards the oldest item to make room, returning it for
// the drop callback. Caller holds r.mu.
func (r *ring[T]) evictLocked() T {
	old := r.takeLocked()
	r.dropLocked()
	return old
}

// dropLocked counts one item lost to the overflow policy.
func (r *ring[T]) dropLocked() {
	r.stats.Overflow()
	r.stats.Drop()
	if r.metrics != nil {
		r.metrics.recordOverflow()
		r.metrics.recordDrop()
	}
}

// rearmLocked ends the pressure episode once the depth has drained
// below the soft threshold.
func (r *ring[T]) rearmLocked() {
	if r.pressured && r.size < r.opts.softThreshold {
		r.pressured = false
	}
}

// Read removes and returns the oldest item.
func (r *ring[T]) Read() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size == 0 {
		var zero T
		return zero, false
	}

	item := r.takeLocked()
	r.stats.Read()
	r.stats.UpdateSize(int64(r.size))
	if r.metrics != nil {
		r.metrics.recordRead(r.size, r.capacity)
	}
	r.rearmLocked()
	r.notFull.Signal()

	return item, true
}

// ReadBatch removes and returns up to max items, oldest first.
func (r *ring[T]) ReadBatch(max int) []T {
	if max <= 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size == 0 {
		return nil
	}

	n := min(max, r.size)
	out := make([]T, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, r.takeLocked())
		r.stats.Read()
	}

	r.stats.UpdateSize(int64(r.size))
	if r.metrics != nil {
		r.metrics.updateSize(r.size, r.capacity)
	}
	r.rearmLocked()
	for i := 0; i < n; i++ {
		r.notFull.Signal()
	}

	return out
}

// Peek returns the oldest item without removing it.
func (r *ring[T]) Peek() (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.size == 0 {
		var zero T
		return zero, false
	}

	r.stats.Peek()
	if r.metrics != nil {
		r.metrics.recordPeek()
	}
	return r.items[r.start], true
}

func (r *ring[T]) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Capacity is immutable, so no lock.
func (r *ring[T]) Capacity() int { return r.capacity }

func (r *ring[T]) IsFull() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size == r.capacity
}

func (r *ring[T]) IsEmpty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size == 0
}

// Clear discards everything queued. Discarded items go to the drop
// callback but are not counted as overflow drops.
func (r *ring[T]) Clear() {
	r.mu.Lock()

	var spilled []T
	if r.opts.dropCallback != nil && r.size > 0 {
		spilled = make([]T, 0, r.size)
		for i := 0; i < r.size; i++ {
			spilled = append(spilled, r.items[(r.start+i)%r.capacity])
		}
	}

	clear(r.items)
	r.start, r.size = 0, 0

	r.stats.UpdateSize(0)
	if r.metrics != nil {
		r.metrics.updateSize(0, r.capacity)
	}
	r.rearmLocked()
	r.notFull.Broadcast()
	r.mu.Unlock()

	for _, item := range spilled {
		r.opts.dropCallback(item)
	}
}

func (r *ring[T]) Stats() *Statistics { return r.stats }

// Close wakes blocked writers and refuses further writes. Queued items
// stay readable.
func (r *ring[T]) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	r.notEmpty.Broadcast()
	r.notFull.Broadcast()
	return nil
}
