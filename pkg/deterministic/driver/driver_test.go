package driver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"

	"github.com/vnykmshr/detflow/internal/testutil"
	"github.com/vnykmshr/detflow/pkg/deterministic/execution"
	"github.com/vnykmshr/detflow/pkg/deterministic/scheduler"
	"github.com/vnykmshr/detflow/pkg/metrics"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// waiting returns an Execution whose root calls Wait n times, or forever
// when n is negative.
func waiting(t *testing.T, n int) *execution.Execution {
	t.Helper()
	e := execution.New(execution.StaticLoader{Callable: execution.Callable{
		Name: "waiter",
		Fn: func(ctx context.Context, args []any) (any, error) {
			for i := 0; n < 0 || i < n; i++ {
				if err := scheduler.Wait(ctx); err != nil {
					return nil, err
				}
			}
			return n, nil
		},
	}}, "waiter", execution.Config{})
	t.Cleanup(func() { e.Close() })
	return e
}

func TestParseSchedule(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		spec    string
		next    time.Time
		wantErr bool
	}{
		{spec: "@every 100ms", next: now.Add(100 * time.Millisecond)},
		{spec: "@every 2s", next: now.Add(2 * time.Second)},
		{spec: "*/5 * * * * *", next: now.Add(5 * time.Second)},
		{spec: "0 13 * * *", next: now.Add(time.Hour)},
		{spec: "@hourly", next: now.Add(time.Hour)},
		{spec: "@every soon", wantErr: true},
		{spec: "@every -1s", wantErr: true},
		{spec: "not a schedule", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			s, err := ParseSchedule(tt.spec)
			if tt.wantErr {
				testutil.AssertError(t, err)
				return
			}
			testutil.AssertNoError(t, err)
			if got := s.Next(now); !got.Equal(tt.next) {
				t.Errorf("Next(%v) = %v, want %v", now, got, tt.next)
			}
		})
	}
}

func TestNewValidation(t *testing.T) {
	e := waiting(t, 0)

	_, err := New(nil, Config{})
	testutil.AssertError(t, err)

	_, err = New(e, Config{MaxTicks: -1})
	testutil.AssertError(t, err)

	_, err = New(e, Config{Schedule: "every now and then"})
	testutil.AssertError(t, err)

	d, err := New(e, Config{})
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, d.spec, DefaultSchedule)
}

func TestRunUntilDone(t *testing.T) {
	e := waiting(t, 3)
	_, err := e.Start(context.Background())
	testutil.AssertNoError(t, err)

	reg := prometheus.NewRegistry()
	mcfg := metrics.Config{Enabled: true, Registry: reg}
	d, err := New(e, Config{Name: "fast", Schedule: "@every 5ms", Metrics: mcfg})
	testutil.AssertNoError(t, err)

	ctx, cancel := testutil.WithTimeout(t)
	defer cancel()

	v, err := d.Run(ctx)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, v, any(3))
	testutil.AssertEqual(t, e.Status(), execution.Completed)
	testutil.AssertEqual(t, e.Ticks(), uint64(4))

	resumes := promtestutil.ToFloat64(mcfg.Resolve().DriverResumes.WithLabelValues("fast"))
	testutil.AssertEqual(t, resumes, 3.0)
}

func TestRunTickBudget(t *testing.T) {
	e := waiting(t, -1)
	_, err := e.Start(context.Background())
	testutil.AssertNoError(t, err)

	d, err := New(e, Config{Schedule: "@every 5ms", MaxTicks: 4})
	testutil.AssertNoError(t, err)

	ctx, cancel := testutil.WithTimeout(t)
	defer cancel()

	_, err = d.Run(ctx)
	testutil.AssertErrorIs(t, err, ErrTickBudget)
	testutil.AssertEqual(t, e.Ticks(), uint64(4))
	testutil.AssertEqual(t, e.Status(), execution.Running)
}

func TestRunContextCanceled(t *testing.T) {
	e := waiting(t, -1)
	_, err := e.Start(context.Background())
	testutil.AssertNoError(t, err)

	d, err := New(e, Config{Schedule: "@every 5ms"})
	testutil.AssertNoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = d.Run(ctx)
	testutil.AssertErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunNotStarted(t *testing.T) {
	d, err := New(waiting(t, 1), Config{})
	testutil.AssertNoError(t, err)

	_, err = d.Run(context.Background())
	testutil.AssertErrorIs(t, err, execution.ErrNotStarted)
}

func TestRunAlreadyTerminal(t *testing.T) {
	e := waiting(t, 0)
	_, err := e.Start(context.Background())
	testutil.AssertNoError(t, err)

	// Hourly would never fire within the test.
	d, err := New(e, Config{Schedule: "@hourly"})
	testutil.AssertNoError(t, err)

	v, err := d.Run(context.Background())
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, v, any(0))
}

func TestRunReturnsComputationError(t *testing.T) {
	sentinel := errors.New("downstream unavailable")
	e := execution.New(execution.StaticLoader{Callable: execution.Callable{
		Fn: func(ctx context.Context, args []any) (any, error) {
			if err := scheduler.Wait(ctx); err != nil {
				return nil, err
			}
			return nil, sentinel
		},
	}}, "failing", execution.Config{})
	defer e.Close()

	_, err := e.Start(context.Background())
	testutil.AssertNoError(t, err)

	d, err := New(e, Config{Schedule: "@every 5ms"})
	testutil.AssertNoError(t, err)

	ctx, cancel := testutil.WithTimeout(t)
	defer cancel()

	_, err = d.Run(ctx)
	testutil.AssertErrorIs(t, err, sentinel)
	testutil.AssertEqual(t, e.Status(), execution.Failed)
}
