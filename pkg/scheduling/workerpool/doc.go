/*
Package workerpool provides the blocking-work executor used by detflow.

A worker pool manages a fixed number of worker goroutines that execute tasks
concurrently. Deterministic schedulers never block their own driving
goroutine; any computation that blocks is submitted here (usually through
the bridge package) and observed later as a resolved future.

Basic usage:

	pool := workerpool.New(4, 100) // 4 workers, queue size 100
	defer pool.Shutdown()

	task := workerpool.TaskFunc(func(ctx context.Context) error {
		// Do blocking work
		return nil
	})

	if err := pool.Submit(task); err != nil {
		log.Printf("Failed to submit: %v", err)
	}

Task outcomes are reported through Config.OnTaskComplete. A panicking task is
recovered; its Result carries a *errors.PanicError and Panicked is set.

Configuration Options:

	config := workerpool.Config{
		WorkerCount: 8,
		QueueSize:   1000,
		TaskTimeout: 30 * time.Second,
		OnTaskComplete: func(workerID int, result workerpool.Result) {
			log.Printf("worker %d finished in %v", workerID, result.Duration)
		},
	}
	pool := workerpool.NewWithConfig(config)

Submission Methods:

	// Basic submission
	err := pool.Submit(task)

	// With timeout for queuing
	err := pool.SubmitWithTimeout(task, time.Second)

	// With context; the context also reaches task.Execute
	err := pool.SubmitWithContext(ctx, task)

Shutdown:

Shutdown stops accepting work and lets queued tasks finish. ShutdownWithTimeout
additionally cancels the contexts of tasks still running after the timeout.

	<-pool.ShutdownWithTimeout(5 * time.Second)

Metrics:

NewWithMetrics records pool size, active workers, queue depth and task
outcomes into a metrics.Registry under the pool_name label.
*/
package workerpool
