package loader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"testing/fstest"
	"time"

	"github.com/dop251/goja"
	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/vnykmshr/detflow/pkg/deterministic/execution"
	"github.com/vnykmshr/detflow/pkg/deterministic/scheduler"
	"github.com/vnykmshr/detflow/pkg/metrics"
	"github.com/vnykmshr/detflow/pkg/ratelimit/bucket"
	"github.com/vnykmshr/detflow/pkg/scheduling/workerpool"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var scripts = fstest.MapFS{
	"counter.js": {Data: []byte(`
function main() {
  while (count() < 5) {
    wait();
  }
  return "Yay";
}
`)},
	"state.js": {Data: []byte(`
var hits = 0;
function bump() {
  hits++;
  return hits;
}
`)},
	"math.js": {Data: []byte(`
function add(a, b) { return a + b; }
function boom() { throw new Error("bad input"); }
function spin() { while (true) {} }
var notAFunction = 3;
`)},
	"logs.js": {Data: []byte(`
function main() {
  console.log("hello", 42);
  console.warn("careful");
  return null;
}
`)},
	"broken.js": {Data: []byte(`function (`)},
	"host.js": {Data: []byte(`
function main(n) {
  var doubled = double(n);
  wait();
  return doubled + 1;
}
function failing() {
  try {
    double(-1);
  } catch (e) {
    return "caught: " + e.message;
  }
  return "not caught";
}
`)},
}

func newExecution(t *testing.T, l execution.Loader, ref string) *execution.Execution {
	t.Helper()
	e := execution.New(l, ref, execution.Config{
		Scheduler: scheduler.Config{SettleTimeout: time.Second},
	})
	t.Cleanup(func() { e.Close() })
	return e
}

func TestParseRef(t *testing.T) {
	tests := []struct {
		ref      string
		file     string
		function string
		wantErr  bool
	}{
		{ref: "jobs.js#main", file: "jobs.js", function: "main"},
		{ref: "dir/a#b.js#run", file: "dir/a#b.js", function: "run"},
		{ref: "jobs.js", wantErr: true},
		{ref: "#main", wantErr: true},
		{ref: "jobs.js#", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			file, function, err := ParseRef(tt.ref)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidRef)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.file, file)
			assert.Equal(t, tt.function, function)
			assert.Equal(t, tt.ref, Ref(file, function))
		})
	}
}

func TestCounterScript(t *testing.T) {
	var counter atomic.Int64
	l := &JSLoader{
		Root:    scripts,
		Globals: map[string]any{"count": func() int64 { return counter.Load() }},
	}
	e := newExecution(t, l, "counter.js#main")
	ctx := context.Background()

	counter.Add(1)
	_, err := e.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, execution.Running, e.Status())

	counter.Add(1)
	require.NoError(t, e.Resume(ctx))
	assert.Equal(t, execution.Running, e.Status())

	counter.Add(3)
	require.NoError(t, e.Resume(ctx))
	require.Equal(t, execution.Completed, e.Status())

	v, err := e.Result()
	require.NoError(t, err)
	assert.Equal(t, "Yay", v)
}

func TestLoadsAreIsolated(t *testing.T) {
	l := &JSLoader{Root: scripts}

	for i := 0; i < 3; i++ {
		e := newExecution(t, l, "state.js#bump")
		_, err := e.Start(context.Background())
		require.NoError(t, err)

		v, err := e.Result()
		require.NoError(t, err)
		assert.EqualValues(t, 1, v, "run %d saw state from an earlier load", i)
	}
}

func TestArguments(t *testing.T) {
	l := &JSLoader{Root: scripts}
	e := newExecution(t, l, "math.js#add")

	_, err := e.Start(context.Background(), 40, 2)
	require.NoError(t, err)

	v, err := e.Result()
	require.NoError(t, err)
	assert.EqualValues(t, 42, v)
}

func TestExceptionSurfacesUnchanged(t *testing.T) {
	l := &JSLoader{Root: scripts}
	e := newExecution(t, l, "math.js#boom")

	_, err := e.Start(context.Background())
	require.NoError(t, err)
	require.Equal(t, execution.Failed, e.Status())

	_, err = e.Result()
	var exc *goja.Exception
	require.ErrorAs(t, err, &exc)
	assert.Contains(t, exc.Error(), "bad input")
}

func TestLoadFailures(t *testing.T) {
	l := &JSLoader{Root: scripts}

	tests := []struct {
		name string
		ref  string
		is   error
	}{
		{name: "missing file", ref: "nope.js#main"},
		{name: "syntax error", ref: "broken.js#main"},
		{name: "missing function", ref: "math.js#subtract", is: ErrNotFunction},
		{name: "not callable", ref: "math.js#notAFunction", is: ErrNotFunction},
		{name: "bad ref", ref: "math.js", is: ErrInvalidRef},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Load(context.Background(), tt.ref)
			require.Error(t, err)
			if tt.is != nil {
				assert.ErrorIs(t, err, tt.is)
			}

			e := newExecution(t, l, tt.ref)
			_, err = e.Start(context.Background())
			assert.ErrorIs(t, err, execution.ErrLoad)
			assert.Equal(t, execution.NotStarted, e.Status())
		})
	}
}

func TestConsoleUsesLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})

	l := &JSLoader{Root: scripts, Logger: logger}
	e := newExecution(t, l, "logs.js#main")

	_, err := e.Start(context.Background())
	require.NoError(t, err)
	require.Equal(t, execution.Completed, e.Status())

	out := buf.String()
	assert.Contains(t, out, `msg="hello 42"`)
	assert.Contains(t, out, "level=warning")
	assert.Contains(t, out, "script=logs.js")
}

func TestWaitOutsideScheduler(t *testing.T) {
	l := &JSLoader{Root: scripts, Globals: map[string]any{"count": func() int64 { return 0 }}}

	c, err := l.Load(context.Background(), "counter.js#main")
	require.NoError(t, err)

	_, err = c.Fn(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), scheduler.ErrNotBound.Error())
}

func TestCloseInterruptsSpinningScript(t *testing.T) {
	l := &JSLoader{Root: scripts}
	e := execution.New(l, "math.js#spin", execution.Config{
		Scheduler: scheduler.Config{SettleTimeout: 30 * time.Millisecond},
	})

	root, err := e.Start(context.Background())
	require.ErrorIs(t, err, scheduler.ErrViolation)
	assert.Equal(t, execution.Failed, e.Status())

	require.NoError(t, e.Close())

	select {
	case <-root.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("script was not interrupted")
	}
	_, err = root.Result()
	var interrupted *goja.InterruptedError
	assert.True(t, errors.As(err, &interrupted), "got %v", err)
}

func hostLoader(t *testing.T) *JSLoader {
	t.Helper()
	pool := workerpool.New(2, 2)
	t.Cleanup(func() { <-pool.Shutdown() })

	return &JSLoader{
		Root: scripts,
		Pool: pool,
		HostFuncs: map[string]HostFunc{
			"double": func(ctx context.Context, args []any) (any, error) {
				n, ok := args[0].(int64)
				if !ok || n < 0 {
					return nil, fmt.Errorf("double: want a non-negative integer, got %v", args[0])
				}
				time.Sleep(10 * time.Millisecond)
				return n * 2, nil
			},
		},
	}
}

func runToEnd(t *testing.T, e *execution.Execution) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !e.Status().Terminal() {
		require.True(t, time.Now().Before(deadline), "execution did not finish")
		require.NoError(t, e.Resume(context.Background()))
		time.Sleep(2 * time.Millisecond)
	}
}

func TestHostFuncRunsOnPool(t *testing.T) {
	l := hostLoader(t)
	e := newExecution(t, l, "host.js#main")

	_, err := e.Start(context.Background(), 20)
	require.NoError(t, err)
	assert.Equal(t, execution.Running, e.Status())

	runToEnd(t, e)

	v, err := e.Result()
	require.NoError(t, err)
	assert.EqualValues(t, 41, v)
}

func TestHostFuncErrorIsCatchable(t *testing.T) {
	l := hostLoader(t)
	e := newExecution(t, l, "host.js#failing")

	_, err := e.Start(context.Background())
	require.NoError(t, err)
	runToEnd(t, e)

	v, err := e.Result()
	require.NoError(t, err)
	assert.Contains(t, v, "caught: double: want a non-negative integer")
}

func TestHostFuncsRequirePool(t *testing.T) {
	l := &JSLoader{Root: scripts, HostFuncs: map[string]HostFunc{
		"double": func(ctx context.Context, args []any) (any, error) { return nil, nil },
	}}

	_, err := l.Load(context.Background(), "host.js#main")
	require.ErrorIs(t, err, execution.ErrNoPool)
}

func TestHostFuncsAreMeteredAndThrottled(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.Config{Enabled: true, Registry: reg}

	lim, err := bucket.New(bucket.Every(time.Millisecond), 1)
	require.NoError(t, err)

	l := hostLoader(t)
	l.Limiter = lim
	l.Metrics = m
	e := newExecution(t, l, "host.js#main")

	_, err = e.Start(context.Background(), 20)
	require.NoError(t, err)
	runToEnd(t, e)

	v, err := e.Result()
	require.NoError(t, err)
	assert.EqualValues(t, 41, v)

	calls := m.Resolve().BridgedCalls.WithLabelValues("host")
	assert.Equal(t, 1.0, promtestutil.ToFloat64(calls))
}
