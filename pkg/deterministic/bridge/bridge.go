package bridge

import (
	"context"
	"errors"
	"io"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"

	dferrors "github.com/vnykmshr/detflow/pkg/common/errors"
	"github.com/vnykmshr/detflow/pkg/metrics"
	"github.com/vnykmshr/detflow/pkg/scheduling/workerpool"
)

var errNilFunc = errors.New("function cannot be nil")

// Func is a blocking computation run on a worker goroutine.
type Func func(ctx context.Context) (any, error)

// Limiter admits bridged calls. *bucket.Limiter satisfies it.
type Limiter interface {
	Wait(ctx context.Context) error
}

// Config holds bridge configuration.
type Config struct {
	// Name labels log entries and metrics. Default: "bridge".
	Name string

	// Logger receives submission failures. Default: discard.
	Logger logrus.FieldLogger

	// Metrics enables Prometheus instrumentation.
	Metrics metrics.Config

	// Limiter, when set, throttles submissions. A call waits for admission
	// on its submitting goroutine, never on the caller.
	Limiter Limiter
}

// Bridge submits blocking calls to one worker pool.
type Bridge struct {
	pool    workerpool.Pool
	name    string
	log     logrus.FieldLogger
	metrics *metrics.Registry
	limiter Limiter
}

// New creates a bridge onto pool.
func New(pool workerpool.Pool, cfg Config) *Bridge {
	if pool == nil {
		panic("bridge: pool cannot be nil")
	}

	name := cfg.Name
	if name == "" {
		name = "bridge"
	}

	log := cfg.Logger
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}

	return &Bridge{
		pool:    pool,
		name:    name,
		log:     log.WithField("bridge", name),
		metrics: cfg.Metrics.Resolve(),
		limiter: cfg.Limiter,
	}
}

// Call submits fn to pool with an uninstrumented bridge. See Bridge.Call.
func Call(ctx context.Context, pool workerpool.Pool, fn Func) *Future {
	return New(pool, Config{}).Call(ctx, fn)
}

// Call submits fn to the pool and returns its future immediately. The
// submission happens on its own goroutine, so a saturated queue never stalls
// the caller. The future resolves with fn's value and error, a
// *errors.PanicError if fn panicked, or an *errors.OperationError if the
// limiter or the pool refused the task.
//
// ctx bounds queuing and is handed to fn.
func (b *Bridge) Call(ctx context.Context, fn Func) *Future {
	if ctx == nil {
		ctx = context.Background()
	}

	f := newFuture()
	if fn == nil {
		f.resolve(nil, dferrors.NewOperationError("bridge", "call", errNilFunc))
		return f
	}

	start := time.Now()
	if b.metrics != nil {
		b.metrics.BridgedCalls.WithLabelValues(b.name).Inc()
	}

	task := workerpool.TaskFunc(func(ctx context.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = &dferrors.PanicError{Value: r, Stack: debug.Stack()}
				f.resolve(nil, err)
			}
			b.observe(start, f)
		}()

		v, err := fn(ctx)
		f.resolve(v, err)
		return err
	})

	go func() {
		if b.limiter != nil {
			if err := b.limiter.Wait(ctx); err != nil {
				b.log.WithError(err).Debug("bridged call was not admitted")
				if f.resolve(nil, dferrors.NewOperationError("bridge", "throttle", err)) {
					b.observe(start, f)
				}
				return
			}
		}
		if err := b.pool.SubmitWithContext(ctx, task); err != nil {
			b.log.WithError(err).Warn("bridged call was not accepted by the pool")
			if f.resolve(nil, dferrors.NewOperationError("bridge", "submit", err)) {
				b.observe(start, f)
			}
		}
	}()

	return f
}

func (b *Bridge) observe(start time.Time, f *Future) {
	if b.metrics == nil {
		return
	}
	b.metrics.BridgedDuration.WithLabelValues(b.name).Observe(time.Since(start).Seconds())
	if _, err := f.Result(); err != nil {
		b.metrics.BridgedFailures.WithLabelValues(b.name).Inc()
	}
}
