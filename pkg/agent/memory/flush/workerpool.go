package flush

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// Job is one unit of work for the pool.
type Job[T any] interface {
	Process(ctx context.Context) (T, error)
}

// WorkerPool runs jobs on a fixed number of workers pulling from a shared queue,
// so one slow flush does not hold back the keys behind it.
type WorkerPool[J Job[R], R any] struct {
	workers int
	logger  *log.Logger
}

func NewWorkerPool[J Job[R], R any](workers int, logger *log.Logger) *WorkerPool[J, R] {
	if workers < 1 {
		workers = 1
	}
	return &WorkerPool[J, R]{
		workers: workers,
		logger:  logger,
	}
}

// ProcessResult contains the result of processing a job.
type ProcessResult[J Job[R], R any] struct {
	Job    J
	Result R
	Error  error
}

// Process executes jobs and streams their results. Each job gets its own timeout.
// The returned channel is closed once every worker has exited.
func (wp *WorkerPool[J, R]) Process(ctx context.Context, jobs []J, timeout time.Duration) <-chan ProcessResult[J, R] {
	queue := make(chan J, len(jobs))
	results := make(chan ProcessResult[J, R], len(jobs))

	for _, job := range jobs {
		queue <- job
	}
	close(queue)

	workers := min(wp.workers, len(jobs))
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go wp.worker(ctx, i, queue, results, timeout, &wg)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	return results
}

func (wp *WorkerPool[J, R]) worker(
	ctx context.Context,
	id int,
	jobs <-chan J,
	results chan<- ProcessResult[J, R],
	timeout time.Duration,
	wg *sync.WaitGroup,
) {
	defer wg.Done()

	for job := range jobs {
		if ctx.Err() != nil {
			results <- ProcessResult[J, R]{Job: job, Error: ctx.Err()}
			continue
		}

		start := time.Now()
		jobCtx, cancel := context.WithTimeout(ctx, timeout)
		result, err := job.Process(jobCtx)
		cancel()

		if err != nil {
			wp.logger.Debug("Job failed", "worker", id, "elapsed", time.Since(start), "error", err)
		} else {
			wp.logger.Debug("Job completed", "worker", id, "elapsed", time.Since(start))
		}
		results <- ProcessResult[J, R]{Job: job, Result: result, Error: err}
	}
}
