/*
Package scheduler advances cooperative computations one controlled step at a
time.

A Scheduler owns a family of tasks. Nothing runs on its own: each call to
Tick wakes every task parked in Wait, drives the runnable tasks one at a
time in creation order until each one parks again or finishes, and then
checks that none is left runnable. Progress therefore only happens in
externally observable, repeatable units.

Basic usage:

	s := scheduler.New()
	defer s.Close()

	task, _ := s.AddTask("poll", func(ctx context.Context) (any, error) {
		for !ready() {
			if err := scheduler.Wait(ctx); err != nil {
				return nil, err
			}
		}
		return "done", nil
	})

	for task.State() != scheduler.Done {
		if err := s.Tick(ctx); err != nil {
			return err // a *ViolationError: the scheduler is now poisoned
		}
	}

A task that calls Wait K times needs K+1 ticks to finish.

Binding:

The context a task's Func receives carries the task. Wait, Await,
CurrentTask and CurrentScheduler read it from there and fail with
ErrNotBound for any other context. There is no global "current scheduler",
so independent schedulers can run in parallel tests.

Blocking work:

Tasks must not block on anything the scheduler does not own. Blocking calls
go to a worker pool and come back as a Future (see the bridge package). A
task suspends on one with Await, or a future becomes a task of its own with
AddFuture. A tick never blocks waiting for a future; an unresolved future
simply keeps its task Waiting.

Violations:

A driven task that neither parks nor finishes within Config.SettleTimeout
(or before the tick's context ends) is left Ready and the tick fails with a
*ViolationError naming it. The scheduler is then poisoned: AddTask,
AddFuture and Tick return ErrPoisoned wrapping the violation. There is no
reset; discard the scheduler and start over.

Wake-ups are level-triggered: every tick wakes every waiter, so tasks must
treat a return from Wait as "look again", not as "your condition holds".
*/
package scheduler
