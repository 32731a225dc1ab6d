// Package loader turns JavaScript functions into execution callables. Each
// Load evaluates the script in a fresh goja runtime, so no state leaks from
// one execution into the next.
package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/dop251/goja"
	"github.com/sirupsen/logrus"

	"github.com/vnykmshr/detflow/pkg/deterministic/bridge"
	"github.com/vnykmshr/detflow/pkg/deterministic/execution"
	"github.com/vnykmshr/detflow/pkg/deterministic/scheduler"
	"github.com/vnykmshr/detflow/pkg/metrics"
	"github.com/vnykmshr/detflow/pkg/scheduling/workerpool"
)

var (
	// ErrInvalidRef is returned for references not of the form "file.js#function".
	ErrInvalidRef = errors.New("invalid reference")

	// ErrNotFunction is returned when the referenced global is missing or is
	// not callable.
	ErrNotFunction = errors.New("not a function")
)

var _ execution.Loader = (*JSLoader)(nil)

// HostFunc is blocking Go code callable from scripts. It runs on the worker
// pool while the calling task waits for the result.
type HostFunc func(ctx context.Context, args []any) (any, error)

// JSLoader loads cooperative callables from JavaScript sources.
//
// Scripts see these globals besides their own:
//
//	wait()                   suspend until the next tick
//	console.log/debug/warn/error(...)
//
// plus every entry of Globals and HostFuncs.
type JSLoader struct {
	// Root holds the scripts. Default: the working directory.
	Root fs.FS

	// Globals are installed into every runtime before the script runs.
	// Functions among them run inline on the task goroutine and must not
	// block.
	Globals map[string]any

	// HostFuncs are installed as global functions that bridge onto Pool.
	HostFuncs map[string]HostFunc

	// Pool runs HostFuncs. Required when HostFuncs is not empty.
	Pool workerpool.Pool

	// Limiter throttles HostFunc calls across every runtime this loader
	// creates.
	Limiter bridge.Limiter

	// Metrics instruments HostFunc calls under the bridge name "host".
	Metrics metrics.Config

	// Logger backs the console object. Default: discard.
	Logger logrus.FieldLogger
}

// ParseRef splits "path/to/file.js#function" into its parts.
func ParseRef(ref string) (file, function string, err error) {
	i := strings.LastIndex(ref, "#")
	if i <= 0 || i == len(ref)-1 {
		return "", "", fmt.Errorf("%w %q: want file.js#function", ErrInvalidRef, ref)
	}
	return ref[:i], ref[i+1:], nil
}

// Ref builds the reference for function in file.
func Ref(file, function string) string {
	return file + "#" + function
}

// Load reads and evaluates the script named by ref in a new runtime and
// returns its function as a Cooperative callable.
func (l *JSLoader) Load(ctx context.Context, ref string) (execution.Callable, error) {
	file, name, err := ParseRef(ref)
	if err != nil {
		return execution.Callable{}, err
	}

	root := l.Root
	if root == nil {
		root = os.DirFS(".")
	}
	src, err := fs.ReadFile(root, strings.TrimPrefix(file, "./"))
	if err != nil {
		return execution.Callable{}, fmt.Errorf("read script: %w", err)
	}

	prog, err := goja.Compile(file, string(src), false)
	if err != nil {
		return execution.Callable{}, fmt.Errorf("compile %s: %w", file, err)
	}

	if len(l.HostFuncs) > 0 && l.Pool == nil {
		return execution.Callable{}, execution.ErrNoPool
	}

	log := l.Logger
	if log == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		log = discard
	}

	rt := &runtime{
		vm:  goja.New(),
		log: log.WithFields(logrus.Fields{"script": file, "function": name}),
	}
	if l.Pool != nil {
		rt.bridge = bridge.New(l.Pool, bridge.Config{
			Name:    "host",
			Logger:  rt.log,
			Metrics: l.Metrics,
			Limiter: l.Limiter,
		})
	}
	if err := rt.install(l.Globals, l.HostFuncs); err != nil {
		return execution.Callable{}, err
	}
	if _, err := rt.vm.RunProgram(prog); err != nil {
		return execution.Callable{}, fmt.Errorf("evaluate %s: %w", file, err)
	}

	fn, ok := goja.AssertFunction(rt.vm.Get(name))
	if !ok {
		return execution.Callable{}, fmt.Errorf("%s in %s: %w", name, file, ErrNotFunction)
	}

	return execution.Callable{
		Name: name,
		Kind: execution.Cooperative,
		Fn: func(ctx context.Context, args []any) (any, error) {
			return rt.call(ctx, fn, args)
		},
	}, nil
}

// runtime is one goja VM. It is driven by a single task goroutine.
type runtime struct {
	vm     *goja.Runtime
	log    logrus.FieldLogger
	bridge *bridge.Bridge

	// ctx is the bound task context of the call in progress.
	ctx context.Context
}

func (r *runtime) install(globals map[string]any, hostFuncs map[string]HostFunc) error {
	for k, v := range globals {
		if err := r.vm.Set(k, v); err != nil {
			return fmt.Errorf("set global %s: %w", k, err)
		}
	}
	for k, fn := range hostFuncs {
		if err := r.vm.Set(k, r.host(fn)); err != nil {
			return fmt.Errorf("set host function %s: %w", k, err)
		}
	}

	if err := r.vm.Set("wait", r.wait); err != nil {
		return fmt.Errorf("set wait: %w", err)
	}

	console := r.vm.NewObject()
	levels := map[string]logrus.Level{
		"log":   logrus.InfoLevel,
		"debug": logrus.DebugLevel,
		"warn":  logrus.WarnLevel,
		"error": logrus.ErrorLevel,
	}
	for method, level := range levels {
		level := level
		if err := console.Set(method, func(call goja.FunctionCall) goja.Value {
			r.print(level, call.Arguments)
			return goja.Undefined()
		}); err != nil {
			return fmt.Errorf("set console.%s: %w", method, err)
		}
	}
	return r.vm.Set("console", console)
}

func (r *runtime) wait(call goja.FunctionCall) goja.Value {
	if err := scheduler.Wait(r.ctx); err != nil {
		panic(r.vm.NewGoError(err))
	}
	return goja.Undefined()
}

// host wraps fn so a script call submits it to the pool and parks the task
// until a tick observes the result.
func (r *runtime) host(fn HostFunc) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		args := make([]any, len(call.Arguments))
		for i, a := range call.Arguments {
			args[i] = a.Export()
		}

		f := r.bridge.Call(r.ctx, func(ctx context.Context) (any, error) {
			return fn(ctx, args)
		})
		v, err := scheduler.Await(r.ctx, f)
		if err != nil {
			panic(r.vm.NewGoError(err))
		}
		return r.vm.ToValue(v)
	}
}

func (r *runtime) print(level logrus.Level, args []goja.Value) {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = a.String()
	}
	msg := strings.Join(parts, " ")

	switch level {
	case logrus.DebugLevel:
		r.log.Debug(msg)
	case logrus.WarnLevel:
		r.log.Warn(msg)
	case logrus.ErrorLevel:
		r.log.Error(msg)
	default:
		r.log.Info(msg)
	}
}

// call invokes fn with ctx bound for wait(). A canceled ctx interrupts the
// VM, which is how a closed scheduler stops a script spinning in a loop.
func (r *runtime) call(ctx context.Context, fn goja.Callable, args []any) (any, error) {
	r.ctx = ctx
	stop := context.AfterFunc(ctx, func() {
		r.vm.Interrupt(ctx.Err())
	})
	defer stop()

	jsArgs := make([]goja.Value, len(args))
	for i, a := range args {
		jsArgs[i] = r.vm.ToValue(a)
	}

	v, err := fn(goja.Undefined(), jsArgs...)
	if err != nil {
		return nil, err
	}
	return v.Export(), nil
}
