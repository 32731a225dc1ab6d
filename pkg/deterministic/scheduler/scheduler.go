package scheduler

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vnykmshr/detflow/pkg/metrics"
)

// DefaultSettleTimeout bounds how long a tick waits for a driven task to
// yield before treating it as non-cooperative.
const DefaultSettleTimeout = time.Second

// Config holds scheduler configuration.
type Config struct {
	// Name labels log entries and metrics. Default: "scheduler".
	Name string

	// SettleTimeout is how long Tick waits for one driven task to reach
	// Wait, Await or completion. Default: DefaultSettleTimeout.
	SettleTimeout time.Duration

	// Logger receives debug tick traces and violation reports.
	// Default: discard.
	Logger logrus.FieldLogger

	// Metrics enables Prometheus instrumentation.
	Metrics metrics.Config
}

// Stats is a point-in-time summary of a scheduler.
type Stats struct {
	Ticks    uint64
	Tracked  int
	Pending  int
	Poisoned bool
	Closed   bool
}

type waiter struct {
	task     *Task
	resolved bool
}

// resolve marks the owning task Ready. A waiter resolves at most once.
func (w *waiter) resolve() bool {
	if w.resolved {
		return false
	}
	w.resolved = true
	w.task.state.Store(int32(Ready))
	return true
}

// Scheduler advances a family of tasks one Tick at a time. After every
// successful Tick each task is parked (Waiting) or terminal.
//
// Tick must not be called concurrently; AddTask, AddFuture, Stats, Tasks and
// Close are safe from any goroutine, including from inside a running task.
type Scheduler struct {
	name          string
	settleTimeout time.Duration
	log           logrus.FieldLogger
	metrics       *metrics.Registry

	base   context.Context
	cancel context.CancelFunc

	ticking atomic.Bool

	mu        sync.Mutex
	tasks     []*Task
	waiters   []*waiter
	nextID    uint64
	current   *Task
	ticks     uint64
	violation *ViolationError
	closed    bool
}

// New creates a scheduler with default configuration.
func New() *Scheduler {
	return NewWithConfig(Config{})
}

// NewWithConfig creates a scheduler with custom configuration.
func NewWithConfig(cfg Config) *Scheduler {
	name := cfg.Name
	if name == "" {
		name = "scheduler"
	}

	settle := cfg.SettleTimeout
	if settle <= 0 {
		settle = DefaultSettleTimeout
	}

	log := cfg.Logger
	if log == nil {
		log = discardLogger()
	}

	base, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		name:          name,
		settleTimeout: settle,
		log:           log.WithField("scheduler", name),
		metrics:       cfg.Metrics.Resolve(),
		base:          base,
		cancel:        cancel,
	}
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// Name returns the scheduler's name.
func (s *Scheduler) Name() string {
	return s.name
}

// AddTask tracks a new cooperative task in state Ready. It is driven by the
// next Tick, or by the current one when added from inside a running task.
func (s *Scheduler) AddTask(name string, fn Func) (*Task, error) {
	if fn == nil {
		return nil, fmt.Errorf("task function cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usableLocked(); err != nil {
		return nil, err
	}

	t := s.newTaskLocked(name)
	t.fn = fn
	t.state.Store(int32(Ready))
	s.trackLocked(t, "cooperative")
	return t, nil
}

// AddFuture tracks a task whose outcome is the bridged future f. The task is
// Waiting until f resolves.
func (s *Scheduler) AddFuture(name string, f Future) (*Task, error) {
	if f == nil {
		return nil, fmt.Errorf("future cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usableLocked(); err != nil {
		return nil, err
	}

	t := s.newTaskLocked(name)
	t.future = f
	t.state.Store(int32(Waiting))
	s.trackLocked(t, "bridged")
	return t, nil
}

func (s *Scheduler) newTaskLocked(name string) *Task {
	s.nextID++
	id := s.nextID
	if name == "" {
		name = fmt.Sprintf("task-%d", id)
	}

	t := &Task{
		id:     id,
		name:   name,
		sched:  s,
		yield:  make(chan struct{}, 1),
		resume: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	t.ctx = withTask(s.base, t)
	return t
}

func (s *Scheduler) trackLocked(t *Task, kind string) {
	s.tasks = append(s.tasks, t)
	s.log.WithFields(logrus.Fields{"task_id": t.id, "task": t.name, "kind": kind}).Debug("task added")
	if s.metrics != nil {
		s.metrics.TasksAdded.WithLabelValues(s.name, kind).Inc()
		s.metrics.TasksTracked.WithLabelValues(s.name).Set(float64(len(s.tasks)))
	}
}

func (s *Scheduler) usableLocked() error {
	if s.closed {
		return ErrClosed
	}
	if s.violation != nil {
		return fmt.Errorf("%w: %w", ErrPoisoned, s.violation)
	}
	return nil
}

// wait registers a waiter for t and hands control back to the tick.
func (s *Scheduler) wait(t *Task) error {
	s.mu.Lock()
	if err := s.parkableLocked(t); err != nil {
		s.mu.Unlock()
		return err
	}
	s.waiters = append(s.waiters, &waiter{task: t})
	t.state.Store(int32(Waiting))
	t.yield <- struct{}{}
	s.mu.Unlock()

	return t.park()
}

// await parks t until a tick observes f resolved.
func (s *Scheduler) await(t *Task, f Future) error {
	s.mu.Lock()
	if err := s.parkableLocked(t); err != nil {
		s.mu.Unlock()
		return err
	}
	t.awaiting = f
	t.state.Store(int32(Waiting))
	t.yield <- struct{}{}
	s.mu.Unlock()

	return t.park()
}

func (s *Scheduler) parkableLocked(t *Task) error {
	if s.closed {
		return ErrClosed
	}
	if s.current != t {
		return fmt.Errorf("%w: %s is not being driven by a tick", ErrNotBound, t)
	}
	return nil
}

func (s *Scheduler) taskFinished(t *Task, state TaskState) {
	entry := s.log.WithFields(logrus.Fields{"task_id": t.id, "task": t.name, "state": state.String()})
	if t.err != nil {
		entry = entry.WithError(t.err)
	}
	entry.Debug("task finished")

	if s.metrics == nil {
		return
	}
	if state == Done {
		s.metrics.TasksCompleted.WithLabelValues(s.name).Inc()
	} else {
		s.metrics.TasksFailed.WithLabelValues(s.name).Inc()
	}
}

// Tasks returns the tracked tasks in creation order.
func (s *Scheduler) Tasks() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Task, len(s.tasks))
	copy(out, s.tasks)
	return out
}

// Stats returns a snapshot of the scheduler's counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		Ticks:    s.ticks,
		Tracked:  len(s.tasks),
		Pending:  len(s.waiters),
		Poisoned: s.violation != nil,
		Closed:   s.closed,
	}
}

// Violation returns the violation that poisoned the scheduler, or nil.
func (s *Scheduler) Violation() *ViolationError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.violation
}

// Close releases every parked task: their Wait and Await calls return
// ErrClosed. Tasks stuck outside the scheduler's protocol only observe
// the cancellation through their context. Close is idempotent.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.log.Debug("scheduler closed")
	return nil
}
