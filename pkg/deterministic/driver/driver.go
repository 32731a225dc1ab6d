// Package driver paces an Execution from outside: it calls Resume on a cron
// schedule until the execution finishes.
package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/vnykmshr/detflow/pkg/deterministic/execution"
	"github.com/vnykmshr/detflow/pkg/metrics"
)

// DefaultSchedule resumes an execution ten times a second.
const DefaultSchedule = "@every 100ms"

// ErrTickBudget is returned by Run when the execution is still running after
// Config.MaxTicks ticks.
var ErrTickBudget = errors.New("tick budget exhausted")

// Config holds driver configuration.
type Config struct {
	// Name labels log entries and metrics. Default: "driver".
	Name string

	// Schedule is a cron spec with an optional seconds field, a descriptor
	// such as "@hourly", or "@every <duration>". Default: DefaultSchedule.
	Schedule string

	// MaxTicks bounds the total ticks of the execution, including the one
	// performed by Start. Zero means unbounded.
	MaxTicks int

	// Logger receives resume traces. Default: discard.
	Logger logrus.FieldLogger

	// Metrics enables Prometheus instrumentation.
	Metrics metrics.Config
}

// Driver resumes one Execution on a schedule.
type Driver struct {
	exec     *execution.Execution
	name     string
	spec     string
	schedule cron.Schedule
	maxTicks int
	log      logrus.FieldLogger
	metrics  *metrics.Registry
}

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses spec the way Config.Schedule is interpreted.
func ParseSchedule(spec string) (cron.Schedule, error) {
	spec = strings.TrimSpace(spec)
	// cron.Every rounds up to whole seconds; keep sub-second intervals exact.
	if rest, ok := strings.CutPrefix(spec, "@every "); ok {
		d, err := time.ParseDuration(strings.TrimSpace(rest))
		if err != nil {
			return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("invalid schedule %q: interval must be positive", spec)
		}
		return interval(d), nil
	}

	s, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return s, nil
}

type interval time.Duration

func (i interval) Next(t time.Time) time.Time {
	return t.Add(time.Duration(i))
}

// New creates a driver for exec.
func New(exec *execution.Execution, cfg Config) (*Driver, error) {
	if exec == nil {
		return nil, fmt.Errorf("execution cannot be nil")
	}
	if cfg.MaxTicks < 0 {
		return nil, fmt.Errorf("max ticks cannot be negative: %d", cfg.MaxTicks)
	}

	spec := cfg.Schedule
	if spec == "" {
		spec = DefaultSchedule
	}
	schedule, err := ParseSchedule(spec)
	if err != nil {
		return nil, err
	}

	name := cfg.Name
	if name == "" {
		name = "driver"
	}

	log := cfg.Logger
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}

	return &Driver{
		exec:     exec,
		name:     name,
		spec:     spec,
		schedule: schedule,
		maxTicks: cfg.MaxTicks,
		log:      log.WithFields(logrus.Fields{"driver": name, "execution_id": exec.ID()}),
		metrics:  cfg.Metrics.Resolve(),
	}, nil
}

// Run resumes the execution on every firing of the schedule until it is
// terminal, then returns its result. It stops early with ErrTickBudget, with
// ctx's error, or with the first error Resume returns. Firings that overlap
// a Resume still in progress are skipped.
//
// The execution must have been started.
func (d *Driver) Run(ctx context.Context) (any, error) {
	switch d.exec.Status() {
	case execution.NotStarted:
		return nil, execution.ErrNotStarted
	case execution.Completed, execution.Failed:
		return d.exec.Result()
	}

	done := make(chan error, 1)
	var finished atomic.Bool
	finish := func(err error) {
		if finished.CompareAndSwap(false, true) {
			done <- err
		}
	}

	logger := cronLogger{log: d.log}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	c.Schedule(d.schedule, cron.FuncJob(func() {
		if finished.Load() {
			return
		}
		if d.maxTicks > 0 && d.exec.Ticks() >= uint64(d.maxTicks) {
			finish(fmt.Errorf("%w after %d ticks", ErrTickBudget, d.exec.Ticks()))
			return
		}

		err := d.exec.Resume(ctx)
		if d.metrics != nil {
			d.metrics.DriverResumes.WithLabelValues(d.name).Inc()
		}
		if err != nil {
			if errors.Is(err, execution.ErrFinished) {
				finish(nil)
				return
			}
			finish(err)
			return
		}
		if d.exec.Status().Terminal() {
			finish(nil)
		}
	}))

	d.log.WithField("schedule", d.spec).Debug("driver started")
	c.Start()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		finished.Store(true)
		err = ctx.Err()
	}
	<-c.Stop().Done()

	d.log.WithFields(logrus.Fields{
		"ticks":  d.exec.Ticks(),
		"status": d.exec.Status().String(),
	}).Debug("driver stopped")

	if err != nil {
		return nil, err
	}
	return d.exec.Result()
}

// cronLogger adapts logrus to cron.Logger.
type cronLogger struct {
	log logrus.FieldLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.WithFields(fields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.WithFields(fields(keysAndValues)).WithError(err).Error(msg)
}

func fields(kv []interface{}) logrus.Fields {
	f := make(logrus.Fields, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		f[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return f
}
