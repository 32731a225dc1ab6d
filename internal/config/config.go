// Package config loads the detflow CLI configuration from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"

	dferrors "github.com/vnykmshr/detflow/pkg/common/errors"
	"github.com/vnykmshr/detflow/pkg/common/validation"
	"github.com/vnykmshr/detflow/pkg/deterministic/driver"
)

// Config is the CLI configuration file.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Driver    DriverConfig    `yaml:"driver"`
	Pool      PoolConfig      `yaml:"pool"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type SchedulerConfig struct {
	SettleTimeout string `yaml:"settle_timeout"`
}

type DriverConfig struct {
	Schedule string `yaml:"schedule"`
	MaxTicks int    `yaml:"max_ticks"`
}

type PoolConfig struct {
	Workers     int    `yaml:"workers"`
	QueueSize   int    `yaml:"queue_size"`
	TaskTimeout string `yaml:"task_timeout"`

	// RateLimit caps host calls per second; zero disables the limit.
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
}

type MetricsConfig struct {
	// Addr serves /metrics when set, e.g. ":9090".
	Addr      string `yaml:"addr"`
	Namespace string `yaml:"namespace"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Log:       LogConfig{Level: "info", Format: "text"},
		Scheduler: SchedulerConfig{SettleTimeout: "1s"},
		Driver:    DriverConfig{Schedule: driver.DefaultSchedule},
		Pool:      PoolConfig{Workers: 4, QueueSize: 16, Burst: 1},
		Metrics:   MetricsConfig{Namespace: "detflow"},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result. Unknown keys
// are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every field and returns all problems found.
func (c *Config) Validate() error {
	var errs []error

	errs = append(errs,
		validation.ValidateOneOf("config", "log.level", c.Log.Level, "debug", "info", "warn", "error"),
		validation.ValidateOneOf("config", "log.format", c.Log.Format, "text", "json"),
		validation.ValidatePositive("config", "pool.workers", c.Pool.Workers),
		validation.ValidateNonNegative("config", "pool.queue_size", c.Pool.QueueSize),
		validation.ValidateNonNegative("config", "driver.max_ticks", c.Driver.MaxTicks),
		validation.ValidatePositive("config", "pool.burst", c.Pool.Burst),
	)
	if c.Pool.RateLimit < 0 {
		errs = append(errs, dferrors.NewValidationError("config", "pool.rate_limit", c.Pool.RateLimit, "must not be negative").
			WithHint("use 0 to disable rate limiting"))
	}

	if _, err := c.SettleTimeout(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.TaskTimeout(); err != nil {
		errs = append(errs, err)
	}
	if _, err := driver.ParseSchedule(c.Driver.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("driver.schedule: %w", err))
	}

	return errors.Join(errs...)
}

// SettleTimeout returns scheduler.settle_timeout; zero selects the
// scheduler default.
func (c *Config) SettleTimeout() (time.Duration, error) {
	return parseDuration("scheduler.settle_timeout", c.Scheduler.SettleTimeout)
}

// TaskTimeout returns pool.task_timeout; zero means no timeout.
func (c *Config) TaskTimeout() (time.Duration, error) {
	return parseDuration("pool.task_timeout", c.Pool.TaskTimeout)
}

func parseDuration(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if err := validation.ValidateDuration("config", path, d); err != nil {
		return 0, err
	}
	return d, nil
}
