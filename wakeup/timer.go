package wakeup

import (
	"sync"
	"time"

	"github.com/NaveLIL/erez-frameclock/monotime"
)

// TimerSource implements Source on top of the Go runtime timer. It works on
// every platform; on Linux the timerfd source is preferred for tighter
// absolute-time semantics.
type TimerSource struct {
	mu     sync.Mutex
	clock  monotime.Clock
	timer  *time.Timer
	fires  chan monotime.Time
	gen    uint64
	closed bool
}

// NewTimerSource creates a timer-backed wakeup source. A nil clock selects
// the system monotonic clock.
func NewTimerSource(clock monotime.Clock) *TimerSource {
	if clock == nil {
		clock = monotime.System{}
	}
	return &TimerSource{
		clock: clock,
		fires: make(chan monotime.Time, 1),
	}
}

// Arm schedules a fire at the absolute monotonic time t, replacing any
// pending wakeup. A fire from an earlier arm that has not been consumed
// yet is dropped so the consumer never sees a stale wakeup.
func (s *TimerSource) Arm(t monotime.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.invalidateLocked()

	delay := t.Sub(s.clock.Now())
	if delay < 0 {
		delay = 0
	}
	gen := s.gen
	s.timer = time.AfterFunc(delay, func() { s.fire(gen) })
	return nil
}

// Disarm cancels the pending wakeup, if any, and drops any fire already
// queued for delivery.
func (s *TimerSource) Disarm() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.invalidateLocked()
}

// Fires returns the fire delivery channel.
func (s *TimerSource) Fires() <-chan monotime.Time {
	return s.fires
}

// Close stops the source.
func (s *TimerSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.invalidateLocked()
	s.closed = true
	return nil
}

// invalidateLocked revokes the current arm generation and drains any
// undelivered fire. Callers hold s.mu.
func (s *TimerSource) invalidateLocked() {
	s.gen++
	select {
	case <-s.fires:
	default:
	}
}

func (s *TimerSource) fire(gen uint64) {
	now := s.clock.Now()

	// A fire that lost the race with Disarm or a re-Arm belongs to a
	// revoked generation and must not be delivered.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || gen != s.gen {
		return
	}

	// The channel was drained when this generation was armed, so the
	// send cannot block while the lock is held.
	select {
	case s.fires <- now:
	default:
	}
}
