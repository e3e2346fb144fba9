// Package queue applies backpressure when task demand exceeds pool
// capacity: bounded FIFO buffering with fail-fast admission control.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/use-agent/renderbox/config"
	"github.com/use-agent/renderbox/models"
)

// Runner executes a dispatched task. *executor.Executor implements it.
type Runner interface {
	Run(ctx context.Context, task *models.Task) (*models.TaskResult, error)
}

// outcome is the single resolution of a queued task.
type outcome struct {
	result *models.TaskResult
	err    error
}

// entry is a waiting task plus the channel its submitter blocks on.
type entry struct {
	task     *models.Task
	done     chan outcome // buffered; workers never block on delivery
	enqueued time.Time
}

// Queue accepts tasks up to a capacity limit and dispatches them to a fixed
// set of workers in strict FIFO order. Every accepted task resolves to
// exactly one outcome; a task whose wait exceeds its own deadline is
// dropped with QUEUE_TIMEOUT rather than dispatched.
type Queue struct {
	cfg     config.QueueConfig
	runner  Runner
	entries chan *entry
	depth   atomic.Int32

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	// base is the parent context for per-task execution deadlines, so a
	// submitter walking away does not cancel an already-dispatched action.
	base   context.Context
	cancel context.CancelFunc
}

// New creates a Queue and starts its workers.
func New(cfg config.QueueConfig, runner Runner) *Queue {
	if cfg.Capacity < 1 {
		cfg.Capacity = 1
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}

	base, cancel := context.WithCancel(context.Background())
	q := &Queue{
		cfg:     cfg,
		runner:  runner,
		entries: make(chan *entry, cfg.Capacity),
		base:    base,
		cancel:  cancel,
	}
	for i := 0; i < cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

// Do submits the task and blocks until its outcome. Admission control
// rejects immediately with QUEUE_FULL when the queue is at capacity —
// failing fast beats growing unboundedly. The returned error, if any, is
// always a *models.TaskError.
func (q *Queue) Do(ctx context.Context, task *models.Task) (*models.TaskResult, error) {
	e := &entry{
		task:     task,
		done:     make(chan outcome, 1),
		enqueued: time.Now(),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, models.NewTaskError(models.ErrCodeEngineUnavailable,
			"service is shutting down", nil)
	}
	select {
	case q.entries <- e:
		q.depth.Add(1)
		q.mu.Unlock()
	default:
		q.mu.Unlock()
		return nil, models.NewTaskError(models.ErrCodeQueueFull,
			"task queue is full, try again later", nil)
	}

	select {
	case out := <-e.done:
		return out.result, out.err
	case <-ctx.Done():
		// The submitter is gone; the worker will still drain the entry.
		return nil, models.NewTaskError(models.ErrCodeQueueTimeout,
			"caller went away before the task resolved", ctx.Err())
	}
}

// Depth returns the number of tasks currently waiting for dispatch.
func (q *Queue) Depth() int {
	return int(q.depth.Load())
}

// Stats returns a snapshot of the queue's current state.
func (q *Queue) Stats() models.QueueStats {
	return models.QueueStats{
		Capacity: q.cfg.Capacity,
		Depth:    q.Depth(),
		Workers:  q.cfg.Workers,
	}
}

// Close stops admission, waits for in-flight and queued tasks to resolve,
// and releases the workers. Idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.entries)
	q.mu.Unlock()

	q.wg.Wait()
	q.cancel()
}

// worker pulls entries in arrival order. A single shared channel gives the
// FIFO dispatch guarantee; concurrency among running tasks is bounded by
// the worker count.
func (q *Queue) worker() {
	defer q.wg.Done()
	for e := range q.entries {
		q.depth.Add(-1)

		deadline := e.task.Deadline()
		if !time.Now().Before(deadline) {
			waited := time.Since(e.enqueued)
			slog.Debug("task expired in queue", "task", e.task.ID,
				"waitedMs", waited.Milliseconds())
			e.done <- outcome{err: models.NewTaskError(models.ErrCodeQueueTimeout,
				"task deadline expired while waiting in queue", nil)}
			continue
		}

		ctx, cancel := context.WithDeadline(q.base, deadline)
		result, err := q.runner.Run(ctx, e.task)
		cancel()
		e.done <- outcome{result: result, err: err}
	}
}
