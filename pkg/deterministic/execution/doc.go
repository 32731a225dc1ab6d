/*
Package execution runs one invocation of a loaded computation under its own
scheduler.

An Execution moves NotStarted -> Running -> {Completed, Failed} and never
leaves a terminal state. Start loads the callable, submits it as the root
task (through the bridge when it is Blocking) and performs the first tick;
every Resume performs exactly one more:

	exec := execution.New(loader, "jobs.js#main", execution.Config{Pool: pool})
	defer exec.Close()

	if _, err := exec.Start(ctx, 10); err != nil {
		return err
	}
	for !exec.Status().Terminal() {
		if err := exec.Resume(ctx); err != nil {
			return err
		}
	}
	v, err := exec.Result()

Result returns the computation's own error unchanged, so callers can match it
with errors.Is and errors.As. A scheduler violation fails the Execution; the
*scheduler.ViolationError is returned by the Start or Resume that hit it and
by Result afterwards.
*/
package execution
