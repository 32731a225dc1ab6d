package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"

	"github.com/vnykmshr/detflow/internal/testutil"
	dferrors "github.com/vnykmshr/detflow/pkg/common/errors"
	"github.com/vnykmshr/detflow/pkg/deterministic/scheduler"
	"github.com/vnykmshr/detflow/pkg/metrics"
	"github.com/vnykmshr/detflow/pkg/ratelimit/bucket"
	"github.com/vnykmshr/detflow/pkg/scheduling/workerpool"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newPool(t *testing.T) workerpool.Pool {
	t.Helper()
	pool := workerpool.New(2, 4)
	t.Cleanup(func() { <-pool.Shutdown() })
	return pool
}

func waitResolved(t *testing.T, f *Future) {
	t.Helper()
	select {
	case <-f.Done():
	case <-time.After(testutil.TestTimeout):
		t.Fatal("future did not resolve")
	}
}

func TestCallResolves(t *testing.T) {
	pool := newPool(t)
	ctx, cancel := testutil.WithTimeout(t)
	defer cancel()

	f := Call(ctx, pool, func(ctx context.Context) (any, error) {
		return "bytes read", nil
	})
	waitResolved(t, f)

	v, err := f.Result()
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, v, any("bytes read"))
	testutil.AssertEqual(t, f.Resolved(), true)
}

func TestCallReturnsBeforeWorkRuns(t *testing.T) {
	pool := newPool(t)

	release := make(chan struct{})
	f := Call(context.Background(), pool, func(ctx context.Context) (any, error) {
		<-release
		return 1, nil
	})

	testutil.AssertEqual(t, f.Resolved(), false)
	_, err := f.Result()
	testutil.AssertErrorIs(t, err, scheduler.ErrNotFinished)

	close(release)
	waitResolved(t, f)
}

func TestCallPreservesError(t *testing.T) {
	pool := newPool(t)

	sentinel := errors.New("connection refused")
	f := Call(context.Background(), pool, func(ctx context.Context) (any, error) {
		return nil, sentinel
	})
	waitResolved(t, f)

	_, err := f.Result()
	if err != sentinel {
		t.Fatalf("got %v, want the original error", err)
	}
}

func TestCallRecoversPanic(t *testing.T) {
	pool := newPool(t)

	f := Call(context.Background(), pool, func(ctx context.Context) (any, error) {
		panic("driver crashed")
	})
	waitResolved(t, f)

	_, err := f.Result()
	if !dferrors.IsPanic(err) {
		t.Fatalf("got %v, want a panic error", err)
	}
}

func TestCallAfterShutdown(t *testing.T) {
	pool := workerpool.New(1, 1)
	<-pool.Shutdown()

	f := Call(context.Background(), pool, func(ctx context.Context) (any, error) {
		return "unreachable", nil
	})
	waitResolved(t, f)

	_, err := f.Result()
	var opErr *dferrors.OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("got %T, want *OperationError", err)
	}
	testutil.AssertEqual(t, opErr.Operation, "submit")
	testutil.AssertErrorIs(t, err, dferrors.ErrClosed)
}

func TestCallNilFunc(t *testing.T) {
	pool := newPool(t)

	f := Call(context.Background(), pool, nil)
	testutil.AssertEqual(t, f.Resolved(), true)
	_, err := f.Result()
	testutil.AssertError(t, err)
}

func TestResolved(t *testing.T) {
	boom := errors.New("boom")
	f := Resolved(nil, boom)

	testutil.AssertEqual(t, f.Resolved(), true)
	_, err := f.Result()
	testutil.AssertErrorIs(t, err, boom)

	// A second resolution is ignored.
	testutil.AssertEqual(t, f.resolve("late", nil), false)
	_, err = f.Result()
	testutil.AssertErrorIs(t, err, boom)
}

func TestAwaitBridgedCall(t *testing.T) {
	pool := newPool(t)
	s := scheduler.NewWithConfig(scheduler.Config{SettleTimeout: 200 * time.Millisecond})
	defer s.Close()

	release := make(chan struct{})
	task, err := s.AddTask("reader", func(ctx context.Context) (any, error) {
		v, err := scheduler.Await(ctx, Call(ctx, pool, func(ctx context.Context) (any, error) {
			<-release
			return 7, nil
		}))
		if err != nil {
			return nil, err
		}
		return v.(int) * 6, nil
	})
	testutil.AssertNoError(t, err)

	ctx, cancel := testutil.WithTimeout(t)
	defer cancel()

	testutil.AssertNoError(t, s.Tick(ctx))
	testutil.AssertEqual(t, task.State(), scheduler.Waiting)

	// The blocked worker does not stall ticks.
	testutil.AssertNoError(t, s.Tick(ctx))
	testutil.AssertEqual(t, task.State(), scheduler.Waiting)

	close(release)
	testutil.Eventually(t, func() bool {
		if err := s.Tick(ctx); err != nil {
			t.Fatalf("tick: %v", err)
		}
		return task.State() == scheduler.Done
	}, testutil.TestTimeout, 5*time.Millisecond)

	v, err := task.Result()
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, v, any(42))
}

func TestAddFutureBridgedCall(t *testing.T) {
	pool := newPool(t)
	s := scheduler.New()
	defer s.Close()

	task, err := s.AddFuture("checksum", Call(context.Background(), pool, func(ctx context.Context) (any, error) {
		return "deadbeef", nil
	}))
	testutil.AssertNoError(t, err)

	ctx, cancel := testutil.WithTimeout(t)
	defer cancel()

	testutil.Eventually(t, func() bool {
		testutil.AssertNoError(t, s.Tick(ctx))
		return task.State() == scheduler.Done
	}, testutil.TestTimeout, 5*time.Millisecond)

	v, err := task.Result()
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, v, any("deadbeef"))
}

func TestBridgeMetrics(t *testing.T) {
	pool := newPool(t)
	reg := prometheus.NewRegistry()
	mcfg := metrics.Config{Enabled: true, Registry: reg}
	b := New(pool, Config{Name: "io", Metrics: mcfg})

	ok := b.Call(context.Background(), func(ctx context.Context) (any, error) { return 1, nil })
	bad := b.Call(context.Background(), func(ctx context.Context) (any, error) {
		return nil, errors.New("nope")
	})
	waitResolved(t, ok)
	waitResolved(t, bad)

	m := mcfg.Resolve()
	testutil.AssertEqual(t, promtestutil.ToFloat64(m.BridgedCalls.WithLabelValues("io")), 2.0)
	testutil.Eventually(t, func() bool {
		return promtestutil.ToFloat64(m.BridgedFailures.WithLabelValues("io")) == 1.0
	}, time.Second, 5*time.Millisecond)
}

func TestCallThrottled(t *testing.T) {
	pool := newPool(t)

	// One token and no refill: the first call runs, the second is refused.
	lim, err := bucket.New(0, 1)
	testutil.AssertNoError(t, err)
	b := New(pool, Config{Name: "throttled", Limiter: lim})

	ok := func(ctx context.Context) (any, error) { return "ran", nil }

	first := b.Call(context.Background(), ok)
	waitResolved(t, first)
	v, err := first.Result()
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, v, any("ran"))

	second := b.Call(context.Background(), ok)
	waitResolved(t, second)
	_, err = second.Result()
	testutil.AssertErrorIs(t, err, dferrors.ErrRateLimited)

	var opErr *dferrors.OperationError
	if !errors.As(err, &opErr) || opErr.Operation != "throttle" {
		t.Errorf("expected throttle OperationError, got %v", err)
	}
}

func TestThrottledCallHonorsContext(t *testing.T) {
	pool := newPool(t)

	lim, err := bucket.New(bucket.Every(time.Hour), 1)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, lim.Allow(), true)

	b := New(pool, Config{Limiter: lim})
	ctx, cancel := context.WithCancel(context.Background())

	f := b.Call(ctx, func(ctx context.Context) (any, error) { return nil, nil })
	testutil.AssertEqual(t, f.Resolved(), false)

	cancel()
	waitResolved(t, f)
	_, err = f.Result()
	testutil.AssertErrorIs(t, err, context.Canceled)
}
