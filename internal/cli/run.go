package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vnykmshr/detflow/internal/config"
	"github.com/vnykmshr/detflow/internal/logging"
	"github.com/vnykmshr/detflow/pkg/deterministic/bridge"
	"github.com/vnykmshr/detflow/pkg/deterministic/driver"
	"github.com/vnykmshr/detflow/pkg/deterministic/execution"
	"github.com/vnykmshr/detflow/pkg/deterministic/loader"
	"github.com/vnykmshr/detflow/pkg/deterministic/scheduler"
	"github.com/vnykmshr/detflow/pkg/metrics"
	"github.com/vnykmshr/detflow/pkg/ratelimit/bucket"
	"github.com/vnykmshr/detflow/pkg/scheduling/workerpool"
)

type runOptions struct {
	configPath    string
	schedule      string
	maxTicks      int
	metricsAddr   string
	logLevel      string
	logFormat     string
	settleTimeout time.Duration
	rateLimit     float64
}

func newRunCmd() *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run <file.js> <function> [json-args...]",
		Short: "Load a function from a script and drive it to completion",
		Long: `Load a function from a script and drive it to completion.

The function runs as a cooperative task. It calls wait() to yield until the
next tick; ticks fire on the driver schedule. Extra arguments are parsed as
JSON and passed to the function. The result is printed as JSON.

Scripts can also call sleep(ms) and readFile(path); both run on the worker
pool while the script waits, throttled by --rate-limit when set.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScript(cmd, opts, args)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "YAML configuration file")
	flags.StringVar(&opts.schedule, "schedule", "", "cron schedule for ticks (default from config, \""+driver.DefaultSchedule+"\")")
	flags.IntVar(&opts.maxTicks, "max-ticks", 0, "fail after this many ticks (0 = unbounded)")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.StringVar(&opts.logFormat, "log-format", "", "log format: text or json")
	flags.DurationVar(&opts.settleTimeout, "settle-timeout", 0, "how long a tick waits for a task to yield")
	flags.Float64Var(&opts.rateLimit, "rate-limit", 0, "host calls per second (0 = unlimited)")

	return cmd
}

// resolveConfig loads the file, then applies flags the user set.
func resolveConfig(cmd *cobra.Command, opts *runOptions) (*config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		var err error
		if cfg, err = config.Load(opts.configPath); err != nil {
			return nil, err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("schedule") {
		cfg.Driver.Schedule = opts.schedule
	}
	if flags.Changed("max-ticks") {
		cfg.Driver.MaxTicks = opts.maxTicks
	}
	if flags.Changed("metrics-addr") {
		cfg.Metrics.Addr = opts.metricsAddr
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = opts.logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = opts.logFormat
	}
	if flags.Changed("settle-timeout") {
		cfg.Scheduler.SettleTimeout = opts.settleTimeout.String()
	}
	if flags.Changed("rate-limit") {
		cfg.Pool.RateLimit = opts.rateLimit
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runScript(cmd *cobra.Command, opts *runOptions, args []string) error {
	cfg, err := resolveConfig(cmd, opts)
	if err != nil {
		return err
	}

	log, err := logging.New(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}

	scriptArgs, err := parseArgs(args[2:])
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mcfg := metrics.Config{}
	if cfg.Metrics.Addr != "" {
		reg := prometheus.NewRegistry()
		mcfg = metrics.Config{Enabled: true, Registry: reg, Namespace: cfg.Metrics.Namespace}

		_, shutdown, err := serveMetrics(cfg.Metrics.Addr, reg, log)
		if err != nil {
			return err
		}
		defer shutdown()
	}

	taskTimeout, _ := cfg.TaskTimeout()
	pool := workerpool.NewWithMetrics(workerpool.Config{
		WorkerCount: cfg.Pool.Workers,
		QueueSize:   cfg.Pool.QueueSize,
		TaskTimeout: taskTimeout,
	}, "detflow", mcfg)
	defer func() { <-pool.ShutdownWithTimeout(5 * time.Second) }()

	abs, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	root := os.DirFS(filepath.Dir(abs))

	var limiter bridge.Limiter
	if cfg.Pool.RateLimit > 0 {
		lim, err := bucket.New(bucket.Limit(cfg.Pool.RateLimit), cfg.Pool.Burst)
		if err != nil {
			return err
		}
		limiter = lim
	}

	settle, _ := cfg.SettleTimeout()
	exec := execution.New(&loader.JSLoader{
		Root:      root,
		Pool:      pool,
		HostFuncs: hostFuncs(root),
		Limiter:   limiter,
		Metrics:   mcfg,
		Logger:    log,
	}, loader.Ref(filepath.Base(abs), args[1]), execution.Config{
		Pool: pool,
		Scheduler: scheduler.Config{
			SettleTimeout: settle,
			Logger:        log,
			Metrics:       mcfg,
		},
		Logger: log,
	})
	defer exec.Close()

	if _, err := exec.Start(ctx, scriptArgs...); err != nil {
		return err
	}

	d, err := driver.New(exec, driver.Config{
		Schedule: cfg.Driver.Schedule,
		MaxTicks: cfg.Driver.MaxTicks,
		Logger:   log,
		Metrics:  mcfg,
	})
	if err != nil {
		return err
	}

	result, err := d.Run(ctx)
	log.WithFields(logrus.Fields{
		"execution_id": exec.ID(),
		"ticks":        exec.Ticks(),
		"status":       exec.Status().String(),
	}).Info("execution finished")
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	if err := enc.Encode(result); err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return nil
}

func parseArgs(raw []string) ([]any, error) {
	out := make([]any, len(raw))
	for i, s := range raw {
		if err := json.Unmarshal([]byte(s), &out[i]); err != nil {
			return nil, fmt.Errorf("argument %d (%q) is not valid JSON: %w", i+1, s, err)
		}
	}
	return out, nil
}

// hostFuncs are the blocking helpers scripts may call.
func hostFuncs(root fs.FS) map[string]loader.HostFunc {
	return map[string]loader.HostFunc{
		"sleep": func(ctx context.Context, args []any) (any, error) {
			if len(args) != 1 {
				return nil, errors.New("sleep(ms) takes one argument")
			}
			ms, ok := args[0].(int64)
			if !ok {
				if f, isFloat := args[0].(float64); isFloat {
					ms, ok = int64(f), true
				}
			}
			if !ok || ms < 0 {
				return nil, fmt.Errorf("sleep: invalid duration %v", args[0])
			}

			t := time.NewTimer(time.Duration(ms) * time.Millisecond)
			defer t.Stop()
			select {
			case <-t.C:
				return nil, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
		"readFile": func(ctx context.Context, args []any) (any, error) {
			if len(args) != 1 {
				return nil, errors.New("readFile(path) takes one argument")
			}
			name, ok := args[0].(string)
			if !ok {
				return nil, fmt.Errorf("readFile: invalid path %v", args[0])
			}
			data, err := fs.ReadFile(root, name)
			if err != nil {
				return nil, err
			}
			return string(data), nil
		},
	}
}

// serveMetrics exposes reg on /metrics and returns the bound address.
func serveMetrics(addr string, reg *prometheus.Registry, log logrus.FieldLogger) (string, func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, fmt.Errorf("metrics listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("metrics server failed")
		}
	}()
	log.WithField("addr", ln.Addr().String()).Info("serving metrics")

	return ln.Addr().String(), func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
