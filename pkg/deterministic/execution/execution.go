package execution

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"github.com/vnykmshr/detflow/pkg/deterministic/bridge"
	"github.com/vnykmshr/detflow/pkg/deterministic/scheduler"
	"github.com/vnykmshr/detflow/pkg/scheduling/workerpool"
)

// State is the lifecycle state of an Execution.
type State int

const (
	NotStarted State = iota
	Running
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether the state is Completed or Failed.
func (s State) Terminal() bool {
	return s == Completed || s == Failed
}

// Config holds execution configuration.
type Config struct {
	// Pool runs Blocking callables. Optional for Cooperative ones.
	Pool workerpool.Pool

	// Scheduler configures the scheduler created by Start. An empty Name is
	// replaced by the execution ID; a nil Logger by the execution's logger.
	Scheduler scheduler.Config

	// Logger receives lifecycle events. Default: discard.
	Logger logrus.FieldLogger
}

// Execution runs one invocation of a loaded callable under its own
// Scheduler. It is created per invocation and never reused.
//
// Once a Tick leaves the Execution terminal its scheduler is closed, which
// releases tasks the root left parked. Call Close to release an Execution
// abandoned before it finished.
type Execution struct {
	id     ulid.ULID
	loader Loader
	ref    string
	cfg    Config
	log    logrus.FieldLogger

	mu       sync.Mutex
	state    State
	starting bool
	released bool
	sched    *scheduler.Scheduler
	root     *scheduler.Task
	failure  error
	cancel   context.CancelFunc

	// Set by Func to track the schedulers of its own executions.
	onStart   func(*scheduler.Scheduler)
	onRelease func(*scheduler.Scheduler)
}

// New creates an Execution that will load ref from loader on Start.
func New(loader Loader, ref string, cfg Config) *Execution {
	if loader == nil {
		panic("execution: loader cannot be nil")
	}

	log := cfg.Logger
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}

	id := ulid.Make()
	return &Execution{
		id:     id,
		loader: loader,
		ref:    ref,
		cfg:    cfg,
		log:    log.WithFields(logrus.Fields{"execution_id": id.String(), "ref": ref}),
	}
}

// ID returns the execution's unique, time-ordered identifier.
func (e *Execution) ID() string {
	return e.id.String()
}

// Ref returns the reference the callable is loaded from.
func (e *Execution) Ref() string {
	return e.ref
}

// Start loads the callable, submits it as the root task of a fresh
// Scheduler, and performs the first Tick. It returns the root task.
//
// A loader failure is returned as a *LoadError and a Blocking callable
// without a pool as ErrNoPool; in both cases the Execution stays NotStarted.
// A violation on the first Tick fails the Execution and is returned along
// with the root task.
func (e *Execution) Start(ctx context.Context, args ...any) (*scheduler.Task, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	e.mu.Lock()
	if e.state != NotStarted || e.sched != nil || e.starting {
		e.mu.Unlock()
		return nil, ErrAlreadyStarted
	}
	e.starting = true
	e.mu.Unlock()

	root, err := e.launch(ctx, args)
	if err != nil {
		return nil, err
	}

	return root, e.tick(ctx)
}

// launch loads the callable without holding e.mu, so Status stays
// non-blocking during a slow load, then installs the scheduler and root.
func (e *Execution) launch(ctx context.Context, args []any) (*scheduler.Task, error) {
	abort := func(err error) (*scheduler.Task, error) {
		e.mu.Lock()
		e.starting = false
		e.mu.Unlock()
		return nil, err
	}

	callable, err := e.loader.Load(ctx, e.ref)
	if err != nil {
		e.log.WithError(err).Warn("load failed")
		return abort(&LoadError{Ref: e.ref, Err: err})
	}
	if callable.Fn == nil {
		return abort(&LoadError{Ref: e.ref, Err: errors.New("loaded callable has no function")})
	}
	if callable.Kind == Blocking && e.cfg.Pool == nil {
		return abort(ErrNoPool)
	}

	sched := scheduler.NewWithConfig(e.schedulerConfig())

	// Bridged work must outlive the caller's context; Close cancels it.
	base, cancel := context.WithCancel(context.WithoutCancel(ctx))

	var root *scheduler.Task
	switch callable.Kind {
	case Blocking:
		b := bridge.New(e.cfg.Pool, bridge.Config{
			Name:    sched.Name(),
			Logger:  e.log,
			Metrics: e.cfg.Scheduler.Metrics,
		})
		f := b.Call(base, func(ctx context.Context) (any, error) {
			return callable.Fn(ctx, args)
		})
		root, err = sched.AddFuture(callable.Name, f)
	default:
		root, err = sched.AddTask(callable.Name, func(ctx context.Context) (any, error) {
			return callable.Fn(ctx, args)
		})
	}
	if err != nil {
		cancel()
		sched.Close()
		return abort(err)
	}
	if e.onStart != nil {
		e.onStart(sched)
	}

	e.mu.Lock()
	e.sched = sched
	e.root = root
	e.cancel = cancel
	e.state = Running
	e.starting = false
	e.mu.Unlock()

	e.log.WithFields(logrus.Fields{"callable": callable.Name, "kind": callable.Kind.String()}).Info("execution started")
	return root, nil
}

func (e *Execution) schedulerConfig() scheduler.Config {
	cfg := e.cfg.Scheduler
	if cfg.Name == "" {
		cfg.Name = e.id.String()
	}
	if cfg.Logger == nil {
		cfg.Logger = e.log
	}
	return cfg
}

// Resume performs exactly one Tick. It returns ErrNotStarted before Start
// and ErrFinished once the Execution is terminal. A violation fails the
// Execution and is returned.
func (e *Execution) Resume(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	e.mu.Lock()
	if e.sched == nil {
		e.mu.Unlock()
		return ErrNotStarted
	}
	e.refreshLocked()
	if e.state.Terminal() {
		e.releaseLocked()
		e.mu.Unlock()
		return ErrFinished
	}
	e.mu.Unlock()

	return e.tick(ctx)
}

// tick runs one Tick outside e.mu so Status stays non-blocking.
func (e *Execution) tick(ctx context.Context) error {
	err := e.sched.Tick(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()

	var violation *scheduler.ViolationError
	if errors.As(err, &violation) && !e.state.Terminal() {
		e.state = Failed
		e.failure = err
		e.log.WithError(err).Error("execution failed: scheduler violation")
		e.releaseLocked()
		return err
	}
	e.refreshLocked()
	e.releaseLocked()
	return err
}

// releaseLocked closes the scheduler of a terminal execution, once.
func (e *Execution) releaseLocked() {
	if !e.state.Terminal() || e.released {
		return
	}
	e.released = true
	e.cancel()
	_ = e.sched.Close()
	if e.onRelease != nil {
		e.onRelease(e.sched)
	}
}

// refreshLocked derives the lifecycle state from the root task.
func (e *Execution) refreshLocked() {
	if e.state != Running {
		return
	}
	switch e.root.State() {
	case scheduler.Done:
		e.state = Completed
		e.log.Info("execution completed")
	case scheduler.Failed:
		e.state = Failed
		_, err := e.root.Result()
		e.log.WithError(err).Info("execution failed")
	}
}

// Status returns a snapshot of the execution state. It never waits for a
// Tick in progress.
func (e *Execution) Status() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.refreshLocked()
	return e.state
}

// Result returns the root task's value once the Execution is terminal.
// A failed Execution returns the computation's original error, or the
// violation that failed it. Before that it returns scheduler.ErrNotFinished.
func (e *Execution) Result() (any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.refreshLocked()

	switch e.state {
	case Completed:
		return e.root.Result()
	case Failed:
		if e.failure != nil {
			return nil, e.failure
		}
		return e.root.Result()
	default:
		return nil, scheduler.ErrNotFinished
	}
}

// Ticks returns how many ticks the execution's scheduler has run.
func (e *Execution) Ticks() uint64 {
	e.mu.Lock()
	sched := e.sched
	e.mu.Unlock()

	if sched == nil {
		return 0
	}
	return sched.Stats().Ticks
}

// Close releases the scheduler and cancels bridged work still running.
// It does not change the lifecycle state.
func (e *Execution) Close() error {
	e.mu.Lock()
	sched, cancel := e.sched, e.cancel
	first := sched != nil && !e.released
	if sched != nil {
		e.released = true
	}
	e.mu.Unlock()

	if sched == nil {
		return nil
	}
	cancel()
	err := sched.Close()
	if first && e.onRelease != nil {
		e.onRelease(sched)
	}
	return err
}
