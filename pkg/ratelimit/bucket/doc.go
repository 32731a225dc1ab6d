/*
Package bucket provides a token bucket limiter.

Tokens refill at a fixed rate up to the burst capacity. Allow takes a token
without blocking; Wait blocks until one is available:

	lim, err := bucket.New(10, 5) // 10 calls/sec, bursts of 5
	if err != nil {
		return err
	}
	if err := lim.Wait(ctx); err != nil {
		return err
	}

A *Limiter satisfies bridge.Limiter, which is how host calls made by scripts
are throttled before they reach the worker pool.
*/
package bucket
