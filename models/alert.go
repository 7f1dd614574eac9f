package models

import "time"

// AlertType identifies the kind of frame-health alert.
type AlertType string

const (
	// AlertTypeMissedFrames fires when an output misses several
	// consecutive predicted presentation times.
	AlertTypeMissedFrames AlertType = "missed_frames"
	// AlertTypeStalledFrame fires when a dispatched frame stays
	// unresolved for far longer than the refresh interval.
	AlertTypeStalledFrame AlertType = "stalled_frame"
	// AlertTypeLatenessSpike fires when dispatch lateness grows past the
	// configured threshold.
	AlertTypeLatenessSpike AlertType = "lateness_spike"
)

// Alert represents a triggered frame-health alert.
type Alert struct {
	// Type is the alert type.
	Type AlertType `json:"type"`
	// Output is the name of the output the alert refers to.
	Output string `json:"output"`
	// Message is a human-readable description.
	Message string `json:"message"`
	// Value is the measured value that triggered the alert.
	Value float64 `json:"value"`
	// Threshold is the configured threshold that was exceeded.
	Threshold float64 `json:"threshold"`
	// Timestamp is when the alert was triggered.
	Timestamp time.Time `json:"timestamp"`
}
