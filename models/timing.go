// Package models defines data structures for frame timing and alerts.
package models

import "time"

// FrameTiming is the record of one resolved frame: when it was dispatched,
// what the clock predicted, and what the display reported back.
type FrameTiming struct {
	// Output is the name of the output the frame belongs to.
	Output string `json:"output"`
	// Sequence is the frame clock's frame counter value, never reused.
	Sequence int64 `json:"sequence"`
	// DispatchTimeUs is the monotonic time the dispatch started.
	DispatchTimeUs int64 `json:"dispatch_time_us"`
	// LatenessUs is how late the dispatch ran after its wakeup time,
	// after glitch clamping.
	LatenessUs int64 `json:"lateness_us"`
	// TargetPresentationTimeUs is the presentation time the clock
	// predicted when scheduling (0 when no prediction was valid).
	TargetPresentationTimeUs int64 `json:"target_presentation_time_us"`
	// PresentationTimeUs is the reported presentation time (0 for frames
	// resolved via ready, which carry no presentation data).
	PresentationTimeUs int64 `json:"presentation_time_us"`
	// DispatchToSwapUs is the measured dispatch-to-buffer-swap duration.
	DispatchToSwapUs int64 `json:"dispatch_to_swap_us"`
	// SwapToGPUDoneUs is the measured GPU rendering duration.
	SwapToGPUDoneUs int64 `json:"swap_to_gpu_done_us"`
	// SwapToFlipUs is the measured buffer-swap-to-submission duration.
	SwapToFlipUs int64 `json:"swap_to_flip_us"`
	// Presented is true when the frame resolved with presentation
	// feedback, false when it resolved as ready only.
	Presented bool `json:"presented"`
	// Missed is true when the frame presented later than its predicted
	// presentation time by more than half a refresh interval.
	Missed bool `json:"missed"`
	// Timestamp is the wall-clock time the record was created.
	Timestamp time.Time `json:"timestamp"`
}

// RenderDurationUs returns the measured total from dispatch start to the
// later of GPU completion and buffer submission.
func (t *FrameTiming) RenderDurationUs() int64 {
	tail := t.SwapToGPUDoneUs
	if t.SwapToFlipUs > tail {
		tail = t.SwapToFlipUs
	}
	return t.DispatchToSwapUs + tail
}

// PresentationErrorUs returns how far off the prediction was, or 0 when
// either side is unknown.
func (t *FrameTiming) PresentationErrorUs() int64 {
	if t.PresentationTimeUs == 0 || t.TargetPresentationTimeUs == 0 {
		return 0
	}
	return t.PresentationTimeUs - t.TargetPresentationTimeUs
}
