/*
Package detflow runs ordinary functions one deterministic tick at a time.

A function becomes the root task of an execution. It runs until it calls
scheduler.Wait, which parks it until the next tick. Blocking work is bridged
onto a worker pool and awaited like any other wait, so a tick never blocks on
I/O and every run of the same inputs takes the same number of ticks.

Deterministic execution (pkg/deterministic):
  - scheduler: tasks, ticks and the single-runner guarantee
  - bridge: futures for blocking calls submitted to a worker pool
  - execution: Start, Resume, Status and Result for one loaded function
  - loader: JavaScript functions loaded into isolated goja runtimes
  - driver: resumes an execution on a cron schedule

Supporting packages:
  - scheduling/workerpool: fixed pool that runs bridged calls
  - ratelimit/bucket: token bucket that throttles bridged calls
  - metrics: Prometheus collectors shared by all of the above

Example usage:

	import (
		"github.com/vnykmshr/detflow/pkg/deterministic/execution"
		"github.com/vnykmshr/detflow/pkg/deterministic/loader"
	)

	exec := execution.New(&loader.JSLoader{}, "counter.js#count", execution.Config{})
	defer exec.Close()

	if _, err := exec.Start(ctx, 3); err != nil {
		return err
	}
	for exec.Status() == execution.Running {
		if err := exec.Resume(ctx); err != nil {
			return err
		}
	}
	result, err := exec.Result()

The detflow command (cmd/detflow) wraps the same pieces:

	detflow run counter.js count 3 --schedule "@every 100ms"
*/
package detflow
