package workerpool

import (
	"context"
	"sync"
	"time"
)

// Task represents a unit of work that can be executed by a worker.
type Task interface {
	// Execute runs the task with the given context.
	// It should respect context cancellation and return any error encountered.
	Execute(ctx context.Context) error
}

// TaskFunc is a function type that implements the Task interface.
type TaskFunc func(ctx context.Context) error

// Execute implements the Task interface for TaskFunc.
func (f TaskFunc) Execute(ctx context.Context) error {
	return f(ctx)
}

// Result describes one finished task execution. It is handed to
// Config.OnTaskComplete.
type Result struct {
	// Task is the original task that was executed
	Task Task

	// Error is any error that occurred during task execution, including a
	// recovered panic.
	Error error

	// Panicked is true when Error came from a recovered panic.
	Panicked bool

	// Duration is how long the task took to execute
	Duration time.Duration

	// WorkerID identifies which worker executed the task
	WorkerID int
}

// Pool runs blocking tasks on a fixed set of worker goroutines. It is the
// executor that bridged computations are submitted to.
type Pool interface {
	// Submit adds a task to the pool for execution.
	// Returns an error if the pool is shut down or if the task cannot be queued.
	Submit(task Task) error

	// SubmitWithTimeout submits a task with a timeout for queuing.
	// If the task cannot be queued within the timeout, it returns an error.
	SubmitWithTimeout(task Task, timeout time.Duration) error

	// SubmitWithContext submits a task with a context. The context bounds the
	// queuing operation and is passed on to the task's Execute.
	SubmitWithContext(ctx context.Context, task Task) error

	// Shutdown initiates a graceful shutdown of the pool.
	// No new tasks will be accepted, but queued tasks will be completed.
	// Returns a channel that closes when shutdown is complete.
	Shutdown() <-chan struct{}

	// ShutdownWithTimeout shuts down the pool with a timeout.
	// If shutdown doesn't complete within the timeout, running tasks are canceled.
	ShutdownWithTimeout(timeout time.Duration) <-chan struct{}

	// Size returns the number of workers in the pool.
	Size() int

	// QueueSize returns the current number of queued tasks waiting for execution.
	QueueSize() int

	// ActiveWorkers returns the number of workers currently executing tasks.
	ActiveWorkers() int

	// TotalSubmitted returns the total number of tasks submitted to the pool.
	TotalSubmitted() int64

	// TotalCompleted returns the total number of tasks completed by the pool.
	TotalCompleted() int64
}

// Config holds configuration options for creating a worker pool.
type Config struct {
	// WorkerCount is the number of workers in the pool.
	// Must be greater than 0.
	WorkerCount int

	// QueueSize is the maximum number of tasks that can be queued.
	// 0 means submissions hand off directly to an idle worker.
	QueueSize int

	// TaskTimeout is the default timeout for individual task execution.
	// Zero means no timeout.
	TaskTimeout time.Duration

	// PanicHandler is called when a worker panics during task execution.
	// The panic is always converted into the task's Result.Error as well.
	PanicHandler func(task Task, recovered interface{})

	// OnTaskStart is called before a task begins execution.
	OnTaskStart func(workerID int, task Task)

	// OnTaskComplete is called after a task completes (success or failure).
	OnTaskComplete func(workerID int, result Result)
}

// taskWithContext pairs a queued task with the context it was submitted with.
type taskWithContext struct {
	task Task
	ctx  context.Context
}

// workerPool implements the Pool interface.
type workerPool struct {
	config Config

	// Core pool state
	workers      []worker
	taskQueue    chan taskWithContext
	shutdownCh   chan struct{}
	shutdownOnce sync.Once

	// baseCtx is canceled when a timed shutdown gives up on running tasks.
	baseCtx    context.Context
	cancelBase context.CancelFunc

	// mu guards isShutdown against in-flight submissions.
	mu         sync.RWMutex
	isShutdown bool

	// State tracking
	statsMu        sync.Mutex
	activeWorkers  int
	totalSubmitted int64
	totalCompleted int64

	// Worker management
	workerWg sync.WaitGroup
	done     chan struct{}
}

// worker represents a single worker in the pool.
type worker struct {
	id   int
	pool *workerPool
}

// New creates a new worker pool with the specified number of workers and queue size.
func New(workerCount, queueSize int) Pool {
	return NewWithConfig(Config{
		WorkerCount: workerCount,
		QueueSize:   queueSize,
	})
}

// NewWithConfig creates a new worker pool with the specified configuration.
func NewWithConfig(config Config) Pool {
	if config.WorkerCount <= 0 {
		panic("worker count must be positive")
	}

	if config.QueueSize < 0 {
		panic("queue size must be >= 0")
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	pool := &workerPool{
		config:     config,
		taskQueue:  make(chan taskWithContext, config.QueueSize),
		shutdownCh: make(chan struct{}),
		baseCtx:    baseCtx,
		cancelBase: cancel,
		done:       make(chan struct{}),
	}

	// Create and start workers
	pool.workers = make([]worker, config.WorkerCount)
	for i := 0; i < config.WorkerCount; i++ {
		pool.workers[i] = worker{
			id:   i,
			pool: pool,
		}
		pool.workerWg.Add(1)
		go pool.workers[i].run()
	}

	go func() {
		pool.workerWg.Wait()
		cancel()
		close(pool.done)
	}()

	return pool
}
