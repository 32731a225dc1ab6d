package scheduler

import (
	"context"
	"fmt"
)

type taskKey struct{}

// withTask binds t into ctx.
func withTask(ctx context.Context, t *Task) context.Context {
	return context.WithValue(ctx, taskKey{}, t)
}

func boundTask(ctx context.Context) (*Task, error) {
	if ctx == nil {
		return nil, ErrNotBound
	}
	t, ok := ctx.Value(taskKey{}).(*Task)
	if !ok || t == nil {
		return nil, ErrNotBound
	}
	return t, nil
}

// CurrentTask returns the Task bound into ctx.
func CurrentTask(ctx context.Context) (*Task, error) {
	return boundTask(ctx)
}

// CurrentScheduler returns the Scheduler owning the Task bound into ctx.
// Cooperative code uses it to spawn sibling tasks without having the
// scheduler passed down explicitly.
func CurrentScheduler(ctx context.Context) (*Scheduler, error) {
	t, err := boundTask(ctx)
	if err != nil {
		return nil, err
	}
	return t.sched, nil
}

// Wait suspends the calling task until the next Tick. ctx must be the
// context handed to the task's Func (or derived from it), and Wait must be
// called from the goroutine running that Func. The scheduler cannot tell
// goroutines apart: a goroutine the task starts that calls Wait with the
// task's ctx parks the task's bookkeeping while the task body keeps running.
// Spawn a child with AddTask instead.
//
// Every Tick wakes every pending waiter, whether or not anything the task
// cares about changed. Callers re-check their condition after Wait returns
// and loop:
//
//	for counter() < 5 {
//		if err := scheduler.Wait(ctx); err != nil {
//			return nil, err
//		}
//	}
func Wait(ctx context.Context) error {
	t, err := boundTask(ctx)
	if err != nil {
		return err
	}
	return t.sched.wait(t)
}

// Await returns the outcome of f. If f has not resolved yet the calling
// task is parked as Waiting and resumed by the first Tick that observes f
// resolved. Await never blocks the ticking goroutine.
// The same goroutine rule as Wait applies.
func Await(ctx context.Context, f Future) (any, error) {
	if f == nil {
		return nil, fmt.Errorf("future cannot be nil")
	}
	t, err := boundTask(ctx)
	if err != nil {
		return nil, err
	}

	select {
	case <-f.Done():
		return f.Result()
	default:
	}

	if err := t.sched.await(t, f); err != nil {
		return nil, err
	}
	return f.Result()
}
