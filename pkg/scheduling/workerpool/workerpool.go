package workerpool

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	dferrors "github.com/vnykmshr/detflow/pkg/common/errors"
)

// Submit adds a task to the pool for execution.
// The task will be executed with context.Background().
// Use SubmitWithContext to provide a custom context.
func (p *workerPool) Submit(task Task) error {
	return p.SubmitWithContext(context.Background(), task)
}

// SubmitWithTimeout submits a task, giving up if it cannot be queued in time.
func (p *workerPool) SubmitWithTimeout(task Task, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	twc := taskWithContext{task: task, ctx: context.Background()}
	return p.enqueue(ctx, twc)
}

// SubmitWithContext adds a task to the pool for execution with the given context.
// The context is passed to the task's Execute method, enabling timeout and
// cancellation propagation. If the pool has a TaskTimeout configured, the
// effective timeout will be the minimum of the context deadline and TaskTimeout.
func (p *workerPool) SubmitWithContext(ctx context.Context, task Task) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return p.enqueue(ctx, taskWithContext{task: task, ctx: ctx})
}

// enqueue places twc on the queue, bounded by waitCtx.
func (p *workerPool) enqueue(waitCtx context.Context, twc taskWithContext) error {
	if twc.task == nil {
		return fmt.Errorf("task cannot be nil")
	}

	// Holding the read lock across the send keeps Shutdown from closing the
	// pool while a submission is in flight.
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.isShutdown {
		return fmt.Errorf("cannot submit task: worker pool has been shut down: %w", dferrors.ErrClosed)
	}

	// Check if context is already canceled before attempting to queue
	select {
	case <-waitCtx.Done():
		return fmt.Errorf("cannot submit task: context canceled: %w", waitCtx.Err())
	default:
	}

	select {
	case p.taskQueue <- twc:
		p.countSubmitted()
		return nil
	case <-waitCtx.Done():
		if waitCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("cannot submit task: %w", dferrors.ErrTimeout)
		}
		return fmt.Errorf("cannot submit task: context canceled: %w", waitCtx.Err())
	}
}

func (p *workerPool) countSubmitted() {
	// Called with the read lock held; counters use their own critical section.
	p.statsMu.Lock()
	p.totalSubmitted++
	p.statsMu.Unlock()
}

// Shutdown initiates a graceful shutdown of the pool.
func (p *workerPool) Shutdown() <-chan struct{} {
	p.shutdownOnce.Do(func() {
		p.mu.Lock()
		p.isShutdown = true
		close(p.shutdownCh)
		p.mu.Unlock()
	})

	return p.done
}

// ShutdownWithTimeout shuts the pool down and cancels running tasks if they
// have not finished within timeout.
func (p *workerPool) ShutdownWithTimeout(timeout time.Duration) <-chan struct{} {
	done := p.Shutdown()

	go func() {
		select {
		case <-done:
		case <-time.After(timeout):
			p.cancelBase()
		}
	}()

	return done
}

// Size returns the number of workers in the pool.
func (p *workerPool) Size() int {
	return p.config.WorkerCount
}

// QueueSize returns the current number of queued tasks waiting for execution.
func (p *workerPool) QueueSize() int {
	return len(p.taskQueue)
}

// ActiveWorkers returns the number of workers currently executing tasks.
func (p *workerPool) ActiveWorkers() int {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return p.activeWorkers
}

// TotalSubmitted returns the total number of tasks submitted to the pool.
func (p *workerPool) TotalSubmitted() int64 {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return p.totalSubmitted
}

// TotalCompleted returns the total number of tasks completed by the pool.
func (p *workerPool) TotalCompleted() int64 {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return p.totalCompleted
}

// run is the main loop for a worker.
func (w *worker) run() {
	defer w.pool.workerWg.Done()

	for {
		select {
		case twc := <-w.pool.taskQueue:
			w.executeTask(twc)
		case <-w.pool.shutdownCh:
			// Drain whatever was queued before shutdown.
			for {
				select {
				case twc := <-w.pool.taskQueue:
					w.executeTask(twc)
				default:
					return
				}
			}
		}
	}
}

// executeTask executes a single task with the provided context.
func (w *worker) executeTask(twc taskWithContext) {
	p := w.pool
	start := time.Now()
	var err error
	panicked := false

	p.statsMu.Lock()
	p.activeWorkers++
	p.statsMu.Unlock()

	if p.config.OnTaskStart != nil {
		p.config.OnTaskStart(w.id, twc.task)
	}

	// Handle panics during task execution
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			err = &dferrors.PanicError{Value: r, Stack: debug.Stack()}
			if p.config.PanicHandler != nil {
				p.config.PanicHandler(twc.task, r)
			}
		}

		p.statsMu.Lock()
		p.activeWorkers--
		p.totalCompleted++
		p.statsMu.Unlock()

		if p.config.OnTaskComplete != nil {
			p.config.OnTaskComplete(w.id, Result{
				Task:     twc.task,
				Error:    err,
				Panicked: panicked,
				Duration: time.Since(start),
				WorkerID: w.id,
			})
		}
	}()

	// Start with the caller-provided context, canceled as well when a timed
	// shutdown gives up on running tasks.
	ctx, cancel := context.WithCancel(twc.ctx)
	defer cancel()
	stop := context.AfterFunc(p.baseCtx, cancel)
	defer stop()

	// The effective timeout is the minimum of the context deadline and TaskTimeout
	if p.config.TaskTimeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, p.config.TaskTimeout)
		defer cancelTimeout()
	}

	err = twc.task.Execute(ctx)
}
