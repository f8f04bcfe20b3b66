package worker

import "errors"

// Pool lifecycle and admission sentinels. Callers match them with
// errors.Is; the CSV sink treats ErrQueueFull as a dropped flush and
// keeps the rows for the next cycle.
var (
	ErrPoolNotStarted     = errors.New("worker pool not started")
	ErrPoolStopped        = errors.New("worker pool stopped")
	ErrPoolAlreadyStarted = errors.New("worker pool already started")
	ErrQueueFull          = errors.New("worker pool queue full")
	ErrNilProcessor       = errors.New("job handler cannot be nil")
	ErrStopTimeout        = errors.New("timeout waiting for workers to stop")
)
