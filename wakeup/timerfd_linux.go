//go:build linux

package wakeup

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/NaveLIL/erez-frameclock/monotime"
)

// TimerFDSource implements Source with a Linux timerfd on CLOCK_MONOTONIC.
// Absolute-time arming maps directly onto TFD_TIMER_ABSTIME, so there is no
// now/deadline conversion window like with relative timers.
type TimerFDSource struct {
	mu     sync.Mutex
	fd     int
	fires  chan monotime.Time
	closed bool
}

// NewTimerFDSource creates a timerfd-backed wakeup source.
func NewTimerFDSource() (*TimerFDSource, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("wakeup: timerfd_create: %w", err)
	}

	s := &TimerFDSource{
		fd:    fd,
		fires: make(chan monotime.Time, 1),
	}
	go s.readLoop()
	return s, nil
}

// Arm schedules a fire at the absolute monotonic time t.
func (s *TimerFDSource) Arm(t monotime.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	ns := t.Microseconds() * 1000
	if ns <= 0 {
		// TFD_TIMER_ABSTIME treats zero as disarm; fire immediately
		// instead.
		ns = 1
	}
	spec := unix.ItimerSpec{Value: unix.NsecToTimespec(ns)}
	if err := unix.TimerfdSettime(s.fd, unix.TFD_TIMER_ABSTIME, &spec, nil); err != nil {
		return fmt.Errorf("wakeup: timerfd_settime: %w", err)
	}
	s.drainLocked()
	return nil
}

// Disarm cancels the pending wakeup. Settime with a zero value also clears
// any expiration not yet read.
func (s *TimerFDSource) Disarm() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	var spec unix.ItimerSpec
	_ = unix.TimerfdSettime(s.fd, 0, &spec, nil)
	s.drainLocked()
}

// drainLocked drops an undelivered fire from a previous arm. Settime clears
// expirations still inside the kernel; this clears one already handed to the
// delivery channel. A fire the read loop holds in hand can still land after
// the drain, which the Source contract permits. Callers hold s.mu.
func (s *TimerFDSource) drainLocked() {
	select {
	case <-s.fires:
	default:
	}
}

// Fires returns the fire delivery channel.
func (s *TimerFDSource) Fires() <-chan monotime.Time {
	return s.fires
}

// Close disarms and releases the timerfd. The read loop exits on the
// resulting read error.
func (s *TimerFDSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return unix.Close(s.fd)
}

func (s *TimerFDSource) readLoop() {
	buf := make([]byte, 8)
	for {
		_, err := unix.Read(s.fd, buf)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return
		}

		now := monotime.Now()
		select {
		case s.fires <- now:
		default:
		}
	}
}
