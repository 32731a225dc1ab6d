package scheduler

import (
	"errors"
	"fmt"
	"strings"

	dferrors "github.com/vnykmshr/detflow/pkg/common/errors"
)

var (
	// ErrNotBound is returned by Wait, Await, CurrentScheduler and
	// CurrentTask when the context does not belong to a task that the
	// scheduler is currently driving.
	ErrNotBound = errors.New("not running under a scheduler-owned task")

	// ErrViolation is matched by every *ViolationError.
	ErrViolation = errors.New("scheduler violation")

	// ErrPoisoned is returned by AddTask, AddFuture and Tick once a tick has
	// ended in a violation. Poisoned schedulers cannot be reset.
	ErrPoisoned = errors.New("scheduler is poisoned by a previous violation")

	// ErrClosed is returned once Close has been called.
	ErrClosed = fmt.Errorf("scheduler closed: %w", dferrors.ErrClosed)

	// ErrTickInProgress is returned when Tick is called while another Tick on
	// the same scheduler is still running.
	ErrTickInProgress = errors.New("tick already in progress")

	// ErrNotFinished is returned by Task.Result before the task is terminal.
	ErrNotFinished = errors.New("task has not finished")

	// ErrSettleTimeout is the cause recorded when a driven task does not
	// yield within the settle timeout.
	ErrSettleTimeout = fmt.Errorf("task did not yield within settle timeout: %w", dferrors.ErrTimeout)
)

// TaskRef identifies a task in error reports.
type TaskRef struct {
	ID   uint64
	Name string
}

func (r TaskRef) String() string {
	return fmt.Sprintf("task %d (%s)", r.ID, r.Name)
}

// ViolationError reports tasks left runnable at the end of a tick: they
// suspended through something other than Wait or Await, or never suspended.
type ViolationError struct {
	// Tick is the 1-based number of the offending tick.
	Tick uint64

	// Task is the first offending task in creation order.
	Task TaskRef

	// Offenders lists every task found runnable, Task included.
	Offenders []TaskRef

	// Cause is why the tick stopped waiting for the task, typically
	// ErrSettleTimeout or the tick context's error.
	Cause error
}

func (e *ViolationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "scheduler violation at tick %d: %s is runnable but not parked in Wait", e.Tick, e.Task)
	if n := len(e.Offenders) - 1; n > 0 {
		fmt.Fprintf(&b, " (and %d more)", n)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

// Is makes errors.Is(err, ErrViolation) true for any ViolationError.
func (e *ViolationError) Is(target error) bool {
	return target == ErrViolation
}

func (e *ViolationError) Unwrap() error {
	return e.Cause
}
