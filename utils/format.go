// Package utils provides utility functions for formatting and conversions.
package utils

import (
	"fmt"
	"time"
)

// FormatUs converts a microsecond count to a human-readable string.
func FormatUs(us int64) string {
	switch {
	case us < 1000 && us > -1000:
		return fmt.Sprintf("%d us", us)
	case us < 1_000_000 && us > -1_000_000:
		return fmt.Sprintf("%.2f ms", float64(us)/1000)
	default:
		return fmt.Sprintf("%.2f s", float64(us)/1_000_000)
	}
}

// FormatHz formats a refresh rate.
func FormatHz(hz float32) string {
	if hz == float32(int(hz)) {
		return fmt.Sprintf("%d Hz", int(hz))
	}
	return fmt.Sprintf("%.2f Hz", hz)
}

// FormatDuration converts a duration to a compact human-readable string.
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%d ms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1f s", d.Seconds())
	}
	return d.Round(time.Second).String()
}

// FormatPercent formats a ratio as a percentage.
func FormatPercent(ratio float64) string {
	return fmt.Sprintf("%.1f%%", ratio*100)
}
