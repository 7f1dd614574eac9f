// Package monotime provides a monotonic microsecond clock source that can
// be replaced with a simulated clock in tests.
package monotime

import (
	"time"

	_ "unsafe" // for go:linkname
)

//go:noescape
//go:linkname nanotime runtime.nanotime
func nanotime() int64

// Time is an absolute monotonic timestamp in microseconds.
type Time int64

// Now returns the current absolute monotonic time.
func Now() Time {
	return Time(nanotime() / 1000)
}

// Add returns t + d as absolute time.
func (t Time) Add(d time.Duration) Time {
	return t + Time(d.Microseconds())
}

// Sub returns t - t2 as a duration.
func (t Time) Sub(t2 Time) time.Duration {
	return time.Duration(t-t2) * time.Microsecond
}

// Microseconds returns t as a plain microsecond count.
func (t Time) Microseconds() int64 {
	return int64(t)
}

// Milliseconds returns t truncated to milliseconds.
func (t Time) Milliseconds() int64 {
	return int64(t) / 1000
}

// Clock makes it possible to replace the monotonic system clock with a
// simulated clock.
type Clock interface {
	Now() Time
}

// System implements Clock using the system monotonic clock.
type System struct{}

// Now returns the current monotonic time.
func (System) Now() Time {
	return Now()
}
