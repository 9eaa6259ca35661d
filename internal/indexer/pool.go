package indexer

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/kyleking/sqlcontext/internal/errors"
)

// WorkerPool runs tasks in parallel behind a token-bucket rate limit and
// backs off when an upstream service pushes back
type WorkerPool struct {
	workers     int
	attempts    int
	rateLimiter chan struct{}
	refill      time.Duration
	backoffBase time.Duration
	maxBackoff  time.Duration
	onResult    func(Result)
}

// NewWorkerPool creates a pool with at most rateLimit calls in flight per
// refill interval
func NewWorkerPool(workers, rateLimit int, backoffBase, maxBackoff time.Duration) *WorkerPool {
	if workers < 1 {
		workers = 1
	}

	if rateLimit < 1 {
		rateLimit = workers
	}

	rateLimiter := make(chan struct{}, rateLimit)
	for range rateLimit {
		rateLimiter <- struct{}{}
	}

	return &WorkerPool{
		workers:     workers,
		attempts:    3,
		rateLimiter: rateLimiter,
		refill:      100 * time.Millisecond,
		backoffBase: backoffBase,
		maxBackoff:  maxBackoff,
	}
}

// OnResult registers fn to be called from the collecting goroutine as each
// task finishes
func (wp *WorkerPool) OnResult(fn func(Result)) *WorkerPool {
	wp.onResult = fn
	return wp
}

// Task is one unit of work
type Task struct {
	ID   string
	Func func(ctx context.Context) error
}

// Result is the outcome of a task
type Result struct {
	ID       string
	Attempts int
	Error    error
}

// Execute runs every task and returns one result per task that was started.
// Tasks not started before ctx ends get a result carrying ctx.Err().
func (wp *WorkerPool) Execute(ctx context.Context, tasks []Task) []Result {
	if len(tasks) == 0 {
		return []Result{}
	}

	taskChan := make(chan Task, len(tasks))
	resultChan := make(chan Result, len(tasks))

	var wg sync.WaitGroup
	for range wp.workers {
		wg.Add(1)

		go wp.worker(ctx, &wg, taskChan, resultChan)
	}

	for _, task := range tasks {
		taskChan <- task
	}

	close(taskChan)

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	results := make([]Result, 0, len(tasks))
	for result := range resultChan {
		if wp.onResult != nil {
			wp.onResult(result)
		}

		results = append(results, result)
	}

	return results
}

func (wp *WorkerPool) worker(ctx context.Context, wg *sync.WaitGroup, taskChan <-chan Task, resultChan chan<- Result) {
	defer wg.Done()

	for task := range taskChan {
		if err := ctx.Err(); err != nil {
			resultChan <- Result{ID: task.ID, Error: err}
			continue
		}

		resultChan <- wp.executeTask(ctx, task)
	}
}

func (wp *WorkerPool) executeTask(ctx context.Context, task Task) Result {
	var lastErr error

	backoff := wp.backoffBase

	for attempt := 1; attempt <= wp.attempts; attempt++ {
		select {
		case <-wp.rateLimiter:
		case <-ctx.Done():
			return Result{ID: task.ID, Attempts: attempt - 1, Error: ctx.Err()}
		}

		err := task.Func(ctx)

		go func() {
			time.Sleep(wp.refill)
			wp.rateLimiter <- struct{}{}
		}()

		if err == nil {
			return Result{ID: task.ID, Attempts: attempt}
		}

		lastErr = err

		if !isRetryable(err) || attempt == wp.attempts {
			return Result{ID: task.ID, Attempts: attempt, Error: lastErr}
		}

		select {
		case <-time.After(backoff):
			backoff = wp.nextBackoff(backoff)
		case <-ctx.Done():
			return Result{ID: task.ID, Attempts: attempt, Error: ctx.Err()}
		}
	}

	return Result{ID: task.ID, Attempts: wp.attempts, Error: lastErr}
}

func (wp *WorkerPool) nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > wp.maxBackoff {
		return wp.maxBackoff
	}

	return next
}

// isRetryable reports upstream failures and rate limiting; bad input and
// configuration problems fail the same way every time
func isRetryable(err error) bool {
	switch {
	case errors.IsType(err, errors.ErrTypeValidation), errors.IsType(err, errors.ErrTypeConfig):
		return false
	case errors.IsType(err, errors.ErrTypeUpstream), errors.IsType(err, errors.ErrTypeTimeout):
		return true
	}

	msg := strings.ToLower(err.Error())

	return strings.Contains(msg, "rate limit") || strings.Contains(msg, "429")
}
