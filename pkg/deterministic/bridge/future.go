package bridge

import (
	"sync"

	"github.com/vnykmshr/detflow/pkg/deterministic/scheduler"
)

var _ scheduler.Future = (*Future)(nil)

// Future is the outcome of a blocking call running elsewhere. It resolves
// exactly once; later resolutions are ignored.
type Future struct {
	once sync.Once
	done chan struct{}
	val  any
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolved returns a future that has already resolved with v and err.
func Resolved(v any, err error) *Future {
	f := newFuture()
	f.resolve(v, err)
	return f
}

// resolve records the outcome and reports whether this call was the one that
// resolved f.
func (f *Future) resolve(v any, err error) bool {
	first := false
	f.once.Do(func() {
		f.val, f.err = v, err
		close(f.done)
		first = true
	})
	return first
}

// Done returns a channel closed once the future has resolved.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Resolved reports whether the future has resolved. It never blocks.
func (f *Future) Resolved() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Result returns the outcome. Before resolution it returns
// scheduler.ErrNotFinished.
func (f *Future) Result() (any, error) {
	select {
	case <-f.done:
		return f.val, f.err
	default:
		return nil, scheduler.ErrNotFinished
	}
}
