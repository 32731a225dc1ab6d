package execution

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyStarted is returned by Start on an Execution that has left
	// NotStarted.
	ErrAlreadyStarted = errors.New("execution already started")

	// ErrNotStarted is returned by Resume before a successful Start.
	ErrNotStarted = errors.New("execution not started")

	// ErrFinished is returned by Resume once the Execution is terminal.
	ErrFinished = errors.New("execution already finished")

	// ErrNoPool is returned by Start for a Blocking callable when no worker
	// pool was configured.
	ErrNoPool = errors.New("blocking callable requires a worker pool")

	// ErrRecursiveInvocation is returned by an Invocation called from inside
	// one of its own executions.
	ErrRecursiveInvocation = errors.New("recursive invocation of function not allowed")

	// ErrLoad matches every *LoadError.
	ErrLoad = errors.New("load failed")
)

// LoadError reports that the Loader could not produce a Callable.
type LoadError struct {
	Ref string
	Err error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %q: %v", e.Ref, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Is reports whether target is ErrLoad.
func (e *LoadError) Is(target error) bool {
	return target == ErrLoad
}
