package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	dferrors "github.com/vnykmshr/detflow/pkg/common/errors"
)

// TaskState is the scheduling state of a Task.
type TaskState int32

const (
	// Ready tasks are runnable and will be driven by the current or next tick.
	Ready TaskState = iota
	// Waiting tasks are parked in Wait, in Await, or on a bridged future.
	Waiting
	// Done tasks returned a nil error.
	Done
	// Failed tasks returned an error or panicked.
	Failed
)

func (s TaskState) String() string {
	switch s {
	case Ready:
		return "ready"
	case Waiting:
		return "waiting"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("TaskState(%d)", int32(s))
	}
}

// Terminal reports whether the state is Done or Failed.
func (s TaskState) Terminal() bool {
	return s == Done || s == Failed
}

// Func is a cooperative computation. The context it receives is bound to its
// Task; pass it to Wait and Await to suspend.
type Func func(ctx context.Context) (any, error)

// Future is a result produced elsewhere, typically a blocking call bridged
// onto a worker pool. Done is closed exactly once, after which Result is
// stable.
type Future interface {
	Done() <-chan struct{}
	Result() (any, error)
}

// Task is one unit of cooperative or bridged execution owned by a Scheduler.
type Task struct {
	id    uint64
	name  string
	sched *Scheduler

	fn     Func
	future Future

	// ctx is bound to this task and canceled when the scheduler closes.
	ctx context.Context

	state atomic.Int32

	// Guarded by sched.mu.
	started  bool
	awaiting Future

	// yield carries task -> tick hand-offs, resume tick -> task. Both hold
	// at most one message: a yield is only sent while the task is the one
	// being driven.
	yield  chan struct{}
	resume chan struct{}

	finishOnce sync.Once
	done       chan struct{}
	result     any
	err        error
}

// ID returns the task's identity, unique within its scheduler.
func (t *Task) ID() uint64 { return t.id }

// Name returns the task's display name.
func (t *Task) Name() string { return t.name }

func (t *Task) String() string {
	return fmt.Sprintf("task %d (%s)", t.id, t.name)
}

func (t *Task) ref() TaskRef {
	return TaskRef{ID: t.id, Name: t.name}
}

// State returns a snapshot of the task's state. It never blocks. A bridged
// task whose future has resolved is finalized here.
func (t *Task) State() TaskState {
	t.pollFuture()
	return TaskState(t.state.Load())
}

// Done returns a channel closed once the task is terminal.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Result returns the computed value, or the computation's error exactly as
// it was returned. Before the task is terminal it returns ErrNotFinished.
func (t *Task) Result() (any, error) {
	t.pollFuture()
	select {
	case <-t.done:
		return t.result, t.err
	default:
		return nil, ErrNotFinished
	}
}

// pollFuture finalizes a bridged task whose future has resolved.
func (t *Task) pollFuture() {
	if t.future == nil {
		return
	}
	select {
	case <-t.future.Done():
		t.finish(t.future.Result())
	default:
	}
}

// finish records the terminal outcome once. It must not take sched.mu.
func (t *Task) finish(v any, err error) {
	t.finishOnce.Do(func() {
		t.result, t.err = v, err
		state := Done
		if err != nil {
			state = Failed
		}
		t.state.Store(int32(state))
		close(t.done)
		t.sched.taskFinished(t, state)
	})
}

// run executes a cooperative task on its own goroutine.
func (t *Task) run() {
	var (
		v   any
		err error
	)

	defer func() {
		if r := recover(); r != nil {
			v, err = nil, &dferrors.PanicError{Value: r, Stack: debug.Stack()}
		}

		s := t.sched
		s.mu.Lock()
		t.finish(v, err)
		if s.current == t {
			t.yield <- struct{}{}
		}
		s.mu.Unlock()
	}()

	v, err = t.fn(t.ctx)
}

// park blocks the task goroutine until the scheduler drives it again. The
// caller has already signalled the yield.
func (t *Task) park() error {
	select {
	case <-t.resume:
		return nil
	case <-t.ctx.Done():
		return ErrClosed
	}
}
