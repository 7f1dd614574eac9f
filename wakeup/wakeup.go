// Package wakeup provides the one-shot wakeup primitive used by the frame
// clock: arm a callback at an absolute monotonic time, or disarm it.
package wakeup

import (
	"errors"

	"github.com/NaveLIL/erez-frameclock/monotime"
)

// ErrClosed is returned when arming a source that has been closed.
var ErrClosed = errors.New("wakeup: source closed")

// Source is a re-armable one-shot wakeup. At most one wakeup is outstanding
// at any time; arming replaces any previous request.
//
// Fires delivers the actual fire time. The channel is buffered and never
// closed before Close; consumers own the dispatch thread and must drain it.
type Source interface {
	// Arm requests a wakeup at the absolute monotonic time t. A time in
	// the past fires as soon as possible. Arm failures are fatal for the
	// owning output.
	Arm(t monotime.Time) error
	// Disarm cancels any pending wakeup. Disarming an unarmed source is a
	// no-op. Arm and Disarm drop a fire that is queued but not yet
	// consumed; a fire already in flight inside the source may still be
	// delivered, and consumers must tolerate one wakeup earlier than the
	// last armed time.
	Disarm()
	// Fires returns the channel on which fire times are delivered.
	Fires() <-chan monotime.Time
	// Close releases the source. The source must not be armed afterwards.
	Close() error
}
