package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Job represents a unit of work to be processed by a worker.
type Job interface {
	// Execute performs the work synchronously.
	// Context should be used to check for cancellation.
	Execute(ctx context.Context) error
}

// SpawnPool creates and manages a pool of worker goroutines reading jobs
// from jobQueue. Workers drain any buffered jobs when the context is
// cancelled and exit when the queue closes. The returned WaitGroup tracks
// every worker; call Wait() to block until they exit.
func SpawnPool(
	ctx context.Context,
	numWorkers int,
	jobQueue <-chan Job,
	logger *slog.Logger,
) *sync.WaitGroup {
	if numWorkers <= 0 {
		numWorkers = 1
	}

	wg := &sync.WaitGroup{}

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()

			logger.Debug("Worker started", "worker_id", workerID, "total_workers", numWorkers)

			executeJob := func(job Job) {
				defer func() {
					if r := recover(); r != nil {
						logger.Error("Job panicked",
							"worker_id", workerID,
							"panic", fmt.Sprintf("%v", r),
						)
					}
				}()

				if err := job.Execute(ctx); err != nil {
					logger.Error("Job execution failed",
						"worker_id", workerID,
						"error", err,
					)
				}
			}

			for {
				select {
				case <-ctx.Done():
					// Drain remaining buffered jobs before exiting.
					for job := range jobQueue {
						executeJob(job)
					}
					logger.Debug("Worker exiting", "worker_id", workerID, "reason", "context_cancelled")
					return

				case job, ok := <-jobQueue:
					if !ok {
						logger.Debug("Worker exiting", "worker_id", workerID, "reason", "job_queue_closed")
						return
					}
					executeJob(job)
				}
			}
		}(i)
	}

	return wg
}
