package workerpool

import (
	"context"
	"time"

	"github.com/vnykmshr/detflow/pkg/metrics"
)

// MetricsPool wraps a worker Pool with Prometheus metrics collection.
type MetricsPool struct {
	pool     Pool
	name     string
	registry *metrics.Registry
}

// NewWithMetrics creates a worker pool whose size, activity, queue depth and
// task outcomes are recorded under the pool_name label.
// If metricsConfig is disabled the plain pool is returned.
func NewWithMetrics(config Config, name string, metricsConfig metrics.Config) Pool {
	registry := metricsConfig.Resolve()
	if registry == nil {
		return NewWithConfig(config)
	}

	mp := &MetricsPool{
		name:     name,
		registry: registry,
	}

	// Chain the caller's completion hook after ours.
	userComplete := config.OnTaskComplete
	config.OnTaskComplete = func(workerID int, result Result) {
		mp.recordResult(result)
		if userComplete != nil {
			userComplete(workerID, result)
		}
	}

	mp.pool = NewWithConfig(config)
	mp.updateMetrics()

	return mp
}

// updateMetrics updates the current state metrics.
func (mp *MetricsPool) updateMetrics() {
	mp.registry.WorkerPoolSize.WithLabelValues(mp.name).Set(float64(mp.pool.Size()))
	mp.registry.WorkerPoolActive.WithLabelValues(mp.name).Set(float64(mp.pool.ActiveWorkers()))
	mp.registry.WorkerPoolQueued.WithLabelValues(mp.name).Set(float64(mp.pool.QueueSize()))
}

func (mp *MetricsPool) recordResult(result Result) {
	outcome := "ok"
	switch {
	case result.Panicked:
		outcome = "panic"
	case result.Error != nil:
		outcome = "error"
	}
	mp.registry.PoolTasksRun.WithLabelValues(mp.name, outcome).Inc()
	mp.updateMetrics()
}

// Submit adds a task to the pool for execution.
func (mp *MetricsPool) Submit(task Task) error {
	return mp.SubmitWithContext(context.Background(), task)
}

// SubmitWithTimeout submits a task with a timeout for queuing.
func (mp *MetricsPool) SubmitWithTimeout(task Task, timeout time.Duration) error {
	err := mp.pool.SubmitWithTimeout(task, timeout)
	mp.updateMetrics()
	return err
}

// SubmitWithContext submits a task with a context for cancellation.
func (mp *MetricsPool) SubmitWithContext(ctx context.Context, task Task) error {
	err := mp.pool.SubmitWithContext(ctx, task)
	mp.updateMetrics()
	return err
}

// Shutdown initiates graceful shutdown of the pool.
func (mp *MetricsPool) Shutdown() <-chan struct{} {
	return mp.pool.Shutdown()
}

// ShutdownWithTimeout shuts down the pool with a timeout.
func (mp *MetricsPool) ShutdownWithTimeout(timeout time.Duration) <-chan struct{} {
	return mp.pool.ShutdownWithTimeout(timeout)
}

// Size returns the current number of workers.
func (mp *MetricsPool) Size() int {
	return mp.pool.Size()
}

// QueueSize returns the current number of queued tasks.
func (mp *MetricsPool) QueueSize() int {
	return mp.pool.QueueSize()
}

// ActiveWorkers returns the number of workers currently executing tasks.
func (mp *MetricsPool) ActiveWorkers() int {
	return mp.pool.ActiveWorkers()
}

// TotalSubmitted returns the total number of tasks submitted.
func (mp *MetricsPool) TotalSubmitted() int64 {
	return mp.pool.TotalSubmitted()
}

// TotalCompleted returns the total number of tasks completed.
func (mp *MetricsPool) TotalCompleted() int64 {
	return mp.pool.TotalCompleted()
}
