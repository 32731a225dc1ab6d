// Package bridge folds blocking work into the tick model. A call runs on a
// workerpool.Pool and comes back as a Future that scheduler tasks Await, or
// that the scheduler tracks directly through AddFuture.
package bridge
