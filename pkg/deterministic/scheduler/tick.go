package scheduler

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Tick advances every task by one step:
//
//  1. every pending waiter is resolved, every task awaiting a resolved future
//     is made Ready, and resolved bridged tasks are finalized, all before any
//     task code runs;
//  2. Ready tasks are driven one at a time in creation order, each at most
//     once, until they park or finish. Tasks added during the pass are driven
//     in the same pass. A Wait issued now is resolved by the next Tick;
//  3. any driven task still Ready afterwards did not suspend through the
//     scheduler. Tick returns a *ViolationError and the scheduler is poisoned.
//
// ctx bounds the whole tick. A task abandoned because ctx ended while it was
// being driven is reported as a violation. If ctx ends between drives, the
// tasks not yet driven stay Ready for the next Tick and Tick returns
// ctx.Err() without poisoning the scheduler.
func (s *Scheduler) Tick(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.ticking.CompareAndSwap(false, true) {
		return ErrTickInProgress
	}
	defer s.ticking.Store(false)

	start := time.Now()

	s.mu.Lock()
	if err := s.usableLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.ticks++
	tick := s.ticks
	woken := s.wakeLocked()
	s.mu.Unlock()

	log := s.log.WithField("tick", tick)
	log.WithField("woken", woken).Debug("tick started")

	var cause error
	driven := make(map[*Task]bool)
	for ctx.Err() == nil {
		t := s.nextReady(driven)
		if t == nil {
			break
		}
		driven[t] = true
		if err := s.drive(ctx, t); err != nil && cause == nil {
			cause = err
		}
	}

	err := s.settle(tick, driven, cause)
	s.observeTick(start, woken, err)

	if err != nil {
		log.WithError(err).Error("tick ended in violation")
		return err
	}
	if err := ctx.Err(); err != nil && s.hasReady() {
		log.WithError(err).Warn("tick interrupted before every ready task was driven")
		return err
	}
	log.WithField("elapsed", time.Since(start)).Debug("tick settled")
	return nil
}

// wakeLocked runs the wake phase and returns how many tasks it made Ready.
func (s *Scheduler) wakeLocked() int {
	woken := 0
	for _, w := range s.waiters {
		if w.resolve() {
			woken++
		}
	}
	s.waiters = nil

	for _, t := range s.tasks {
		if t.awaiting != nil {
			select {
			case <-t.awaiting.Done():
				t.awaiting = nil
				t.state.Store(int32(Ready))
				woken++
			default:
			}
		}
		t.pollFuture()
	}
	return woken
}

// nextReady returns the first Ready task not yet driven in this tick.
func (s *Scheduler) nextReady(driven map[*Task]bool) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.tasks {
		if TaskState(t.state.Load()) == Ready && !driven[t] {
			return t
		}
	}
	return nil
}

// drive hands control to t and waits for it to yield. It returns a non-nil
// cause when it gave up waiting.
func (s *Scheduler) drive(ctx context.Context, t *Task) error {
	s.mu.Lock()
	s.current = t
	started := t.started
	t.started = true
	s.mu.Unlock()

	if started {
		t.resume <- struct{}{}
	} else {
		go t.run()
	}

	timer := time.NewTimer(s.settleTimeout)
	defer timer.Stop()

	var cause error
	select {
	case <-t.yield:
	case <-timer.C:
		cause = ErrSettleTimeout
	case <-ctx.Done():
		cause = ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = nil

	// A yield can race the timeout; yields are only sent while current == t,
	// so whatever is buffered now is the last one.
	if cause != nil {
		select {
		case <-t.yield:
			cause = nil
		default:
			s.log.WithFields(logrus.Fields{"task_id": t.id, "task": t.name}).
				WithError(cause).Warn("task did not yield")
		}
	}
	return cause
}

// settle scans for driven tasks left Ready and poisons the scheduler if any
// are. A driven task only stays Ready when the tick gave up waiting for it.
func (s *Scheduler) settle(tick uint64, driven map[*Task]bool, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var offenders []TaskRef
	for _, t := range s.tasks {
		t.pollFuture()
		if driven[t] && TaskState(t.state.Load()) == Ready {
			offenders = append(offenders, t.ref())
		}
	}
	if len(offenders) == 0 {
		return nil
	}

	s.violation = &ViolationError{
		Tick:      tick,
		Task:      offenders[0],
		Offenders: offenders,
		Cause:     cause,
	}
	return s.violation
}

// hasReady reports whether any task is still waiting to be driven.
func (s *Scheduler) hasReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.tasks {
		if TaskState(t.state.Load()) == Ready {
			return true
		}
	}
	return false
}

func (s *Scheduler) observeTick(start time.Time, woken int, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.Ticks.WithLabelValues(s.name).Inc()
	s.metrics.TickDuration.WithLabelValues(s.name).Observe(time.Since(start).Seconds())
	s.metrics.WaitersResolved.WithLabelValues(s.name).Add(float64(woken))
	if err != nil {
		s.metrics.Violations.WithLabelValues(s.name).Inc()
	}

	stats := s.Stats()
	s.metrics.WaitersPending.WithLabelValues(s.name).Set(float64(stats.Pending))
}
