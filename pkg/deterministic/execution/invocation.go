package execution

import (
	"context"
	"sync"

	"github.com/vnykmshr/detflow/pkg/deterministic/scheduler"
)

// Invocation starts a fresh Execution of one callable per call.
type Invocation func(ctx context.Context, args ...any) (*Execution, *scheduler.Task, error)

// Func returns an Invocation of the callable behind ref. Every call creates
// and starts a new Execution, so no scheduler state carries over between
// calls. The returned Execution is nil only when the call is refused.
//
// A call made from a task of one of the Invocation's own running executions
// fails with ErrRecursiveInvocation.
func Func(loader Loader, ref string, cfg Config) Invocation {
	var (
		mu   sync.Mutex
		live = make(map[*scheduler.Scheduler]struct{})
	)

	return func(ctx context.Context, args ...any) (*Execution, *scheduler.Task, error) {
		if ctx == nil {
			ctx = context.Background()
		}
		if s, err := scheduler.CurrentScheduler(ctx); err == nil {
			mu.Lock()
			_, self := live[s]
			mu.Unlock()
			if self {
				return nil, nil, ErrRecursiveInvocation
			}
		}

		e := New(loader, ref, cfg)
		e.onStart = func(s *scheduler.Scheduler) {
			mu.Lock()
			live[s] = struct{}{}
			mu.Unlock()
		}
		e.onRelease = func(s *scheduler.Scheduler) {
			mu.Lock()
			delete(live, s)
			mu.Unlock()
		}

		root, err := e.Start(ctx, args...)
		return e, root, err
	}
}
