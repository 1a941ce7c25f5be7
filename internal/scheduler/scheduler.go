package scheduler

import (
	"context"
	"errors"
	"time"

	"signalcartel/internal/logger"
)

// Task is one scheduled run. Returning an error matched by Scheduler.Busy
// counts the tick as skipped.
type Task func(ctx context.Context) error

// Scheduler fires a task on interval boundaries plus an offset. Runs never
// overlap: boundaries that pass while a run is still going are skipped.
type Scheduler struct {
	Interval       time.Duration
	Offset         time.Duration
	RunImmediately bool
	// Busy marks task errors that mean "a run is already in progress".
	Busy error
	// OnSkip is called once per skipped boundary.
	OnSkip func()

	nowFn func() time.Time
}

func New(interval, offset time.Duration) *Scheduler {
	return &Scheduler{Interval: interval, Offset: offset, nowFn: time.Now}
}

// Run blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context, task Task) error {
	if task == nil {
		return errors.New("scheduler: task is nil")
	}
	if s.Interval <= 0 {
		return errors.New("scheduler: interval must be positive")
	}
	if s.Offset < 0 {
		logger.Warnf("Scheduler: negative offset=%s, clamp to 0", s.Offset)
		s.Offset = 0
	}
	if s.nowFn == nil {
		s.nowFn = time.Now
	}

	startAt := s.nowFn().UTC()
	logger.Infof("Scheduler: started interval=%s offset=%s run_immediately=%v at=%s",
		s.Interval, s.Offset, s.RunImmediately, startAt.Format(time.RFC3339))

	if s.RunImmediately {
		s.fire(ctx, task)
	}
	for {
		now := s.nowFn().UTC()
		wakeAt, wait := s.nextTimes(now)
		logger.Debugf("Scheduler: next run at %s (in %s) uptime=%s",
			wakeAt.Format(time.RFC3339), wait.Truncate(time.Second), now.Sub(startAt).Truncate(time.Second))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Infof("Scheduler: ctx done, exit")
			return ctx.Err()
		case <-timer.C:
		}
		s.fire(ctx, task)
		if missed := s.missed(wakeAt, s.nowFn().UTC()); missed > 0 {
			logger.Warnf("Scheduler: run overran %d boundaries, skipping them", missed)
			s.skip(missed)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, task Task) {
	err := task(ctx)
	switch {
	case err == nil:
	case s.Busy != nil && errors.Is(err, s.Busy):
		logger.Warnf("Scheduler: previous run still in progress, skipping tick")
		s.skip(1)
	case errors.Is(err, context.Canceled):
	default:
		logger.Errorf("Scheduler: run failed: %v", err)
	}
}

func (s *Scheduler) skip(n int) {
	if s.OnSkip == nil {
		return
	}
	for i := 0; i < n; i++ {
		s.OnSkip()
	}
}

// missed counts boundaries strictly after wakeAt that have already passed.
func (s *Scheduler) missed(wakeAt, now time.Time) int {
	if !now.After(wakeAt) {
		return 0
	}
	return int(now.Sub(wakeAt) / s.Interval)
}

func (s *Scheduler) nextTimes(now time.Time) (wakeAt time.Time, wait time.Duration) {
	now = now.UTC()
	wakeAt = now.Truncate(s.Interval).Add(s.Offset)
	if !wakeAt.After(now) {
		wakeAt = wakeAt.Add(s.Interval)
	}
	return wakeAt, wakeAt.Sub(now)
}
