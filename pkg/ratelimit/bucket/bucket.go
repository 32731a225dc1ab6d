package bucket

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/vnykmshr/detflow/pkg/common/errors"
)

// Limit is a refill rate in tokens per second. Inf disables limiting.
type Limit float64

// Inf is the infinite rate limit.
var Inf = Limit(math.Inf(1))

// Every converts a minimum interval between admissions to a Limit.
func Every(interval time.Duration) Limit {
	if interval <= 0 {
		return Inf
	}
	return Limit(time.Second) / Limit(interval)
}

// Clock provides the current time. Tests replace it.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Config configures a Limiter.
type Config struct {
	// Rate is the number of tokens added per second.
	Rate Limit

	// Burst is the bucket capacity. The bucket starts full.
	Burst int

	// Clock defaults to the system clock.
	Clock Clock
}

// Limiter admits work at a steady rate with bursts up to its capacity.
// It is safe for concurrent use.
type Limiter struct {
	mu         sync.Mutex
	limit      Limit
	burst      int
	tokens     float64
	lastUpdate time.Time
	clock      Clock
}

// New creates a limiter with rate tokens per second and the given burst.
func New(rate Limit, burst int) (*Limiter, error) {
	return NewWithConfig(Config{Rate: rate, Burst: burst})
}

// NewWithConfig validates cfg and creates a limiter.
func NewWithConfig(cfg Config) (*Limiter, error) {
	if cfg.Rate < 0 {
		return nil, errors.NewValidationError("bucket", "rate", cfg.Rate, "rate cannot be negative").
			WithHint("use Inf to disable limiting")
	}
	if cfg.Burst <= 0 {
		return nil, errors.NewValidationError("bucket", "burst", cfg.Burst, "burst must be positive").
			WithHint("burst is how many calls may start back to back")
	}
	if cfg.Clock == nil {
		cfg.Clock = systemClock{}
	}

	return &Limiter{
		limit:      cfg.Rate,
		burst:      cfg.Burst,
		tokens:     float64(cfg.Burst),
		lastUpdate: cfg.Clock.Now(),
		clock:      cfg.Clock,
	}, nil
}

// Allow takes a token if one is available now.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill(l.clock.Now())
	if l.limit == Inf || l.tokens >= 1 {
		l.tokens--
		return true
	}
	return false
}

// Wait blocks until a token is available or ctx is done. A token taken by a
// wait that is then abandoned is returned to the bucket.
func (l *Limiter) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	delay, ok := l.reserve()
	if !ok {
		return errors.NewOperationError("bucket", "wait", errors.ErrRateLimited).
			WithContext("zero rate and empty bucket")
	}
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		l.restore()
		return ctx.Err()
	}
}

// Tokens reports the tokens currently available. It is negative while
// waiters hold reservations.
func (l *Limiter) Tokens() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill(l.clock.Now())
	return l.tokens
}

// Limit returns the refill rate.
func (l *Limiter) Limit() Limit {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limit
}

// Burst returns the bucket capacity.
func (l *Limiter) Burst() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.burst
}

// reserve takes one token, possibly going into debt, and reports how long
// the caller must wait before using it.
func (l *Limiter) reserve() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	l.refill(now)

	switch {
	case l.limit == Inf:
		return 0, true
	case l.tokens >= 1:
		l.tokens--
		return 0, true
	case l.limit == 0:
		return 0, false
	}

	need := 1 - l.tokens
	l.tokens--
	return time.Duration(float64(time.Second) * need / float64(l.limit)), true
}

func (l *Limiter) restore() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill(l.clock.Now())
	l.tokens = math.Min(l.tokens+1, float64(l.burst))
}

func (l *Limiter) refill(now time.Time) {
	if l.limit == Inf {
		l.tokens = float64(l.burst)
		l.lastUpdate = now
		return
	}

	elapsed := now.Sub(l.lastUpdate)
	if elapsed <= 0 {
		return
	}
	l.lastUpdate = now
	if l.limit == 0 {
		return
	}
	l.tokens = math.Min(l.tokens+elapsed.Seconds()*float64(l.limit), float64(l.burst))
}
