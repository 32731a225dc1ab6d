/*
Package scheduling holds the executors that blocking work runs on.

  - workerpool: fixed worker pool with bounded queue, per-task timeouts,
    panic recovery and optional Prometheus metrics

Bridged calls from deterministic tasks are submitted here:

	pool := workerpool.New(4, 16) // 4 workers, queue size 16
	defer func() { <-pool.Shutdown() }()

	f := bridge.Call(ctx, pool, func(ctx context.Context) (any, error) {
		return os.ReadFile("data.txt")
	})
*/
package scheduling
