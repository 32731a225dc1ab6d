package execution

import (
	"context"
	"fmt"
)

// Kind tells an Execution how to run a Callable.
type Kind int

const (
	// Cooperative callables run as scheduler tasks and suspend through
	// scheduler.Wait and scheduler.Await.
	Cooperative Kind = iota
	// Blocking callables run on a worker pool and are tracked as a bridged
	// future.
	Blocking
)

func (k Kind) String() string {
	switch k {
	case Cooperative:
		return "cooperative"
	case Blocking:
		return "blocking"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Callable is a loaded computation.
type Callable struct {
	Name string
	Kind Kind
	Fn   func(ctx context.Context, args []any) (any, error)
}

// Loader resolves a reference into a Callable.
type Loader interface {
	Load(ctx context.Context, ref string) (Callable, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(ctx context.Context, ref string) (Callable, error)

// Load implements Loader.
func (f LoaderFunc) Load(ctx context.Context, ref string) (Callable, error) {
	return f(ctx, ref)
}

// StaticLoader returns the same Callable for every reference.
type StaticLoader struct {
	Callable Callable
}

// Load implements Loader.
func (l StaticLoader) Load(ctx context.Context, ref string) (Callable, error) {
	if l.Callable.Fn == nil {
		return Callable{}, fmt.Errorf("static loader for %q has no function", ref)
	}
	c := l.Callable
	if c.Name == "" {
		c.Name = ref
	}
	return c, nil
}
