// Package worker runs jobs on a fixed set of goroutines behind a
// bounded, non-blocking intake queue.
//
// The pipeline's consumer is the CSV storage sink: each flush cycle
// snapshots one sensor's pending rows into a job and submits it, so
// slow disks parallelize across sensors without unbounded goroutine
// growth. The pool is generic over the job type:
//
//	pool := worker.NewPool(4, 64,
//	    func(ctx context.Context, job flushJob) error {
//	        return appendRows(job.file, job.rows)
//	    })
//	if err := pool.Start(ctx); err != nil { ... }
//	defer pool.Stop(5 * time.Second)
//
//	if err := pool.Submit(job); err != nil {
//	    // ErrQueueFull: the queue is at capacity. The job was not
//	    // accepted; keep it and try again next cycle.
//	}
//
// Submit never blocks. Admission control is the caller's signal that
// workers are behind; what to do with a rejected job (drop it, retry
// later, merge it into the next one) is a policy the pool does not
// impose.
//
// Stop closes the intake and drains what is already queued, bounded by
// a timeout. Cancelling the Start context instead abandons queued jobs
// immediately. The pool always counts submitted, processed, failed,
// and dropped jobs (see Stats); WithMetricsRegistry additionally
// exports those counters plus queue depth, utilization, and a
// processing-time histogram to Prometheus.
package worker
