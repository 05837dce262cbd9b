// Package expbackoff implements the bounded exponential wait used between job polls.
//
// The schedule follows the E(c) = (2^c - 1)/2 family: step, 3*step, 7*step,
// 15*step, ... until it saturates at the configured maximum, after which every
// wait equals the maximum. A Schedule satisfies backoff.BackOff from
// github.com/cenkalti/backoff/v4; a Timer turns a Schedule into blocking waits.
package expbackoff

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrInterrupted is returned by WaitForNext when the wait was cut short.
var ErrInterrupted = errors.New("backoff wait interrupted")

var _ backoff.BackOff = (*Schedule)(nil)

// Schedule produces the wait durations. It is not safe for concurrent use;
// each dispatch owns its own Schedule.
type Schedule struct {
	step  time.Duration
	max   time.Duration
	count int
	next  time.Duration
}

// NewSchedule returns a Schedule starting at step and saturating at max.
func NewSchedule(step, max time.Duration) *Schedule {
	s := &Schedule{step: step, max: max}
	s.Reset()
	return s
}

// Reset restores the freshly constructed state.
func (s *Schedule) Reset() {
	s.count = 2
	s.next = s.step
	if s.next > s.max {
		s.next = s.max
	}
}

// NextBackOff returns the current wait and advances the schedule.
func (s *Schedule) NextBackOff() time.Duration {
	current := s.next
	if s.next < s.max {
		s.next = s.grow()
		s.count++
	}
	if s.next > s.max {
		s.next = s.max
	}
	return current
}

// grow computes (2^count - 1) * step, saturating at max instead of overflowing.
func (s *Schedule) grow() time.Duration {
	if s.count >= 62 || s.step <= 0 {
		return s.max
	}
	factor := time.Duration(int64(1)<<s.count - 1)
	if s.step > s.max/factor {
		return s.max
	}
	return factor * s.step
}

// Timer blocks the caller for successive Schedule values.
type Timer struct {
	schedule *Schedule
	timer    backoff.Timer
}

// Option configures a Timer.
type Option func(*Timer)

// WithTimer replaces the clock used for waiting.
func WithTimer(t backoff.Timer) Option {
	return func(tm *Timer) {
		if t != nil {
			tm.timer = t
		}
	}
}

// New creates a Timer with a fresh Schedule.
func New(step, max time.Duration, opts ...Option) *Timer {
	t := &Timer{
		schedule: NewSchedule(step, max),
		timer:    &clockTimer{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// WaitForNext blocks for the next scheduled duration. If ctx is done before the
// wait elapses it returns an error wrapping both ErrInterrupted and ctx.Err().
func (t *Timer) WaitForNext(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrInterrupted, err)
	}
	d := t.schedule.NextBackOff()
	t.timer.Start(d)
	select {
	case <-ctx.Done():
		t.timer.Stop()
		return fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
	case <-t.timer.C():
		return nil
	}
}

// clockTimer implements backoff.Timer on top of time.Timer.
type clockTimer struct {
	timer *time.Timer
}

func (c *clockTimer) Start(d time.Duration) {
	if c.timer == nil {
		c.timer = time.NewTimer(d)
		return
	}
	c.timer.Reset(d)
}

func (c *clockTimer) Stop() {
	if c.timer != nil {
		c.timer.Stop()
	}
}

func (c *clockTimer) C() <-chan time.Time {
	return c.timer.C
}
